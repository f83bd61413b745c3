// Package pipeline runs a transport message through every trigger stage:
// verification, decoding, reconciliation for thin pushes, canonical
// mapping, filtering, attachment resolution and dispatch.
//
// Accept does the work that decides the HTTP status (lookup, handshake,
// signature, decode). Process does the rest. Only authentication failures
// and retryable upstream or dispatch failures surface as errors; every other
// condition is absorbed and recorded as an outcome.
package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"triggerhub/internal/attachment"
	"triggerhub/internal/credentials"
	"triggerhub/internal/dispatch"
	"triggerhub/internal/filtering"
	"triggerhub/internal/locks"
	"triggerhub/internal/logger"
	"triggerhub/internal/mapping"
	"triggerhub/internal/outcome"
	"triggerhub/internal/provider"
	"triggerhub/internal/reconcile"
	"triggerhub/internal/signature"
	apperrors "triggerhub/pkg/errors"
	"triggerhub/pkg/metrics"
	"triggerhub/pkg/models"
	"triggerhub/pkg/tracing"
)

// Subscriptions resolves the subscription a message was addressed to.
// Unknown ids must yield an error matching apperrors.ErrNotFound.
type Subscriptions interface {
	Get(ctx context.Context, id string) (*models.Subscription, error)
}

// Accepted is a message that passed lookup, handshake, verification and
// decoding.
type Accepted struct {
	Subscription *models.Subscription
	Provider     provider.Provider
	Message      *models.TransportMessage
	Notification *provider.Notification
	// Response is written back to the sender.
	Response provider.HandshakeResponse
	// Done is set when nothing is left to process (handshakes, ignored or
	// undecodable deliveries).
	Done bool
}

type Config struct {
	Registry      *provider.Registry
	Subscriptions Subscriptions
	Verifier      *signature.Verifier
	Reconciler    *reconcile.Reconciler
	Mapper        *mapping.Mapper
	Filter        *filtering.Engine
	Resolver      *attachment.Resolver
	Dispatcher    *dispatch.Dispatcher
	Credentials   credentials.Supplier
	Locker        locks.Locker
	Recorder      outcome.Recorder
	Logger        logger.Logger
}

type Pipeline struct {
	registry      *provider.Registry
	subscriptions Subscriptions
	verifier      *signature.Verifier
	reconciler    *reconcile.Reconciler
	mapper        *mapping.Mapper
	filter        *filtering.Engine
	resolver      *attachment.Resolver
	dispatcher    *dispatch.Dispatcher
	credentials   credentials.Supplier
	locker        locks.Locker
	recorder      outcome.Recorder
	logger        logger.Logger
}

func New(cfg Config) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = logger.NopLogger()
	}
	if cfg.Mapper == nil {
		cfg.Mapper = cfg.Registry.Mapper()
	}
	if cfg.Locker == nil {
		cfg.Locker = locks.NewKeyedMutex()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = outcome.NewLogRecorder(cfg.Logger)
	}
	return &Pipeline{
		registry:      cfg.Registry,
		subscriptions: cfg.Subscriptions,
		verifier:      cfg.Verifier,
		reconciler:    cfg.Reconciler,
		mapper:        cfg.Mapper,
		filter:        cfg.Filter,
		resolver:      cfg.Resolver,
		dispatcher:    cfg.Dispatcher,
		credentials:   cfg.Credentials,
		locker:        cfg.Locker,
		recorder:      cfg.Recorder,
		logger:        cfg.Logger,
	}
}

// DefaultAcknowledgement is the body written for accepted deliveries.
func DefaultAcknowledgement() provider.HandshakeResponse {
	return provider.HandshakeResponse{
		Status:      http.StatusOK,
		ContentType: "application/json",
		Body:        []byte(`{"status":"ok"}`),
	}
}

func acknowledgement(p provider.Provider) provider.HandshakeResponse {
	if a, ok := p.(provider.Acknowledger); ok {
		return a.Acknowledgement()
	}
	return DefaultAcknowledgement()
}

// Handle runs Accept and Process in one call.
func (p *Pipeline) Handle(ctx context.Context, subscriptionID string, msg *models.TransportMessage) (*Accepted, error) {
	acc, err := p.Accept(ctx, subscriptionID, msg)
	if err != nil {
		return nil, err
	}
	if err := p.Process(ctx, acc); err != nil {
		return acc, err
	}
	return acc, nil
}

func (p *Pipeline) Accept(ctx context.Context, subscriptionID string, msg *models.TransportMessage) (*Accepted, error) {
	ctx, span := tracing.StartStage(ctx, "accept", nil)
	defer span.End()

	sub, err := p.subscriptions.Get(ctx, subscriptionID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, err
		}
		return nil, apperrors.ErrTransientUpstream.WithCause(err)
	}
	prov, err := p.registry.Get(sub.Provider)
	if err != nil {
		return nil, apperrors.ErrNotFound.WithCause(err).WithDetail("message", "provider is not enabled")
	}
	kind := string(sub.Provider)

	acc := &Accepted{
		Subscription: sub,
		Provider:     prov,
		Message:      msg,
		Response:     acknowledgement(prov),
	}

	if !msg.Trusted {
		if h, ok := prov.(provider.Handshaker); ok {
			if resp, ok := h.Handshake(msg, sub); ok {
				metrics.IncNotification(kind, "handshake")
				acc.Response = *resp
				acc.Done = true
				return acc, nil
			}
		}
	}

	if err := p.verifier.Verify(ctx, msg, sub); err != nil {
		metrics.IncNotification(kind, "rejected")
		p.record(ctx, acc, outcome.Outcome{Kind: outcome.Rejected, Reason: signature.Reason(err)})
		return nil, err
	}

	n, err := prov.Decode(ctx, msg, sub)
	switch {
	case err == nil:
	case signature.IsRejected(err):
		metrics.IncNotification(kind, "rejected")
		p.record(ctx, acc, outcome.Outcome{Kind: outcome.Rejected, Reason: signature.Reason(err)})
		return nil, err
	case apperrors.IsMalformed(err):
		metrics.IncNotification(kind, "malformed")
		p.record(ctx, acc, outcome.Outcome{Kind: outcome.Malformed, Reason: outcome.Reason(err)})
		acc.Done = true
		return acc, nil
	default:
		return nil, err
	}

	acc.Notification = n
	if n.Ignore {
		metrics.IncNotification(kind, "ignored")
		p.record(ctx, acc, outcome.Outcome{Kind: outcome.Ignored, Event: n.EventType})
		acc.Done = true
		return acc, nil
	}

	metrics.IncNotification(kind, "accepted")
	return acc, nil
}

// Process runs everything after decoding. A returned error is retryable:
// the sender (or the redelivery consumer) is expected to try again, and no
// checkpoint was advanced.
func (p *Pipeline) Process(ctx context.Context, acc *Accepted) error {
	if acc == nil || acc.Done {
		return nil
	}

	started := time.Now()
	var err error
	if acc.Provider.Style() == provider.ThinPush {
		err = p.processPush(ctx, acc)
	} else {
		err = p.processPayload(ctx, acc)
	}

	status := "ok"
	if err != nil {
		status = "error"
		p.logger.WarnwCtx(ctx, "Trigger processing failed, delivery will be retried",
			"subscription_id", acc.Subscription.ID,
			"provider", acc.Subscription.Provider,
			"error", err,
		)
	}
	metrics.ObserveProcessingDuration(string(acc.Subscription.Provider), status, time.Since(started))
	return err
}

func (p *Pipeline) processPayload(ctx context.Context, acc *Accepted) error {
	candidates, err := acc.Provider.Map(ctx, provider.MapRequest{
		Subscription: acc.Subscription,
		Notification: acc.Notification,
	})
	if err != nil {
		return p.mapFailed(ctx, acc, acc.Notification.EventType, err)
	}
	return p.deliver(ctx, acc, p.payloadSource(ctx, acc), candidates)
}

// payloadSource only asks for a credential when the provider can download
// attachments itself.
func (p *Pipeline) payloadSource(ctx context.Context, acc *Accepted) attachment.Source {
	if _, ok := acc.Provider.(provider.AttachmentFetcher); !ok || p.credentials == nil {
		return nil
	}
	cred, err := p.credentials.Get(ctx, acc.Subscription)
	if err != nil {
		p.logger.WarnwCtx(ctx, "Credential unavailable, attachments will be linked",
			"subscription_id", acc.Subscription.ID,
			"error", err,
		)
		return nil
	}
	return attachment.ProviderSource(acc.Provider, cred, acc.Subscription)
}

func (p *Pipeline) processPush(ctx context.Context, acc *Accepted) error {
	sub := acc.Subscription

	unlock, err := p.locker.Lock(ctx, sub.ID)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return apperrors.ErrTransientUpstream.WithCause(err)
	}
	defer func() {
		if uerr := unlock(context.WithoutCancel(ctx)); uerr != nil {
			p.logger.WarnwCtx(ctx, "Failed to release subscription lock",
				"subscription_id", sub.ID,
				"error", uerr,
			)
		}
	}()

	rctx, span := tracing.StartStage(ctx, "reconcile", sub)
	result, err := p.reconciler.Reconcile(rctx, sub, acc.Notification.Pointer)
	span.End()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if apperrors.IsRetryable(err) {
			return err
		}
		p.record(ctx, acc, outcome.Outcome{Kind: outcome.FetchFailed, Reason: outcome.Reason(err)})
		return nil
	}

	switch {
	case result.Stale:
		p.record(ctx, acc, outcome.Outcome{
			Kind:   outcome.StaleCursor,
			Reason: fmt.Sprintf("checkpoint %s expired, reset to %s", result.From, result.To),
		})
		return nil
	case result.NoOp:
		p.record(ctx, acc, outcome.Outcome{
			Kind:   outcome.NoChanges,
			Reason: fmt.Sprintf("pointer %s already covered by checkpoint %s", acc.Notification.Pointer, result.From),
		})
		return nil
	case result.Empty():
		p.record(ctx, acc, outcome.Outcome{Kind: outcome.NoChanges})
		return p.commit(ctx, result)
	}

	var candidates []mapping.Candidate
	for i := range result.Records {
		record := result.Records[i]
		mapped, err := acc.Provider.Map(ctx, provider.MapRequest{
			Subscription: sub,
			Credential:   result.Credential,
			Notification: acc.Notification,
			Change:       &record,
		})
		if err != nil {
			if ferr := p.mapFailed(ctx, acc, record.Family, err); ferr != nil {
				return ferr
			}
			continue
		}
		candidates = append(candidates, mapped...)
	}

	src := attachment.ProviderSource(acc.Provider, result.Credential, sub)
	if err := p.deliver(ctx, acc, src, candidates); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.commit(ctx, result)
}

func (p *Pipeline) commit(ctx context.Context, result *reconcile.Result) error {
	err := p.reconciler.Commit(ctx, result)
	if apperrors.IsConflict(err) {
		return nil
	}
	return err
}

// mapFailed absorbs a failed provider mapping unless a retry could fix it.
func (p *Pipeline) mapFailed(ctx context.Context, acc *Accepted, name string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if apperrors.IsRetryable(err) {
		return err
	}
	kind := outcome.FetchFailed
	if apperrors.IsMalformed(err) {
		kind = outcome.Malformed
	}
	p.record(ctx, acc, outcome.Outcome{Kind: kind, Event: name, Reason: outcome.Reason(err)})
	return nil
}

// deliver builds, filters, resolves and dispatches candidates. It stops at
// the first retryable dispatch failure; events dispatched before it are
// deduplicated when the delivery is retried.
func (p *Pipeline) deliver(ctx context.Context, acc *Accepted, src attachment.Source, candidates []mapping.Candidate) error {
	ctx, span := tracing.StartStage(ctx, "deliver", acc.Subscription)
	defer span.End()

	sub := acc.Subscription
	events := make([]*models.Event, 0, len(candidates))
	for _, c := range candidates {
		ev, err := p.mapper.Build(sub, c)
		if err != nil {
			p.record(ctx, acc, outcome.Outcome{Kind: outcome.Malformed, Event: c.Name, DeliveryID: c.DeliveryID, Reason: outcome.Reason(err)})
			continue
		}
		if !sub.Subscribes(ev.Name) {
			p.record(ctx, acc, eventOutcome(outcome.NotSubscribed, ev, ""))
			continue
		}
		ok, err := p.filter.Filter(ctx, ev, sub)
		if err != nil {
			p.record(ctx, acc, eventOutcome(outcome.FilteredOut, ev, outcome.Reason(err)))
			continue
		}
		if !ok {
			p.record(ctx, acc, eventOutcome(outcome.FilteredOut, ev, ""))
			continue
		}
		events = append(events, ev)
	}
	if len(events) == 0 {
		return nil
	}

	report, err := p.resolver.ResolveBatch(ctx, src, events)
	if err != nil {
		return err
	}
	if report.Oversized > 0 {
		p.record(ctx, acc, outcome.Outcome{
			Kind:   outcome.OversizedAttachment,
			Reason: fmt.Sprintf("%d attachment(s) over the size cap linked instead of mirrored", report.Oversized),
		})
	}

	for _, ev := range events {
		res := p.dispatcher.Dispatch(ctx, ev)
		switch res.Status {
		case dispatch.Acknowledged:
			p.record(ctx, acc, eventOutcome(outcome.Dispatched, ev, ""))
		case dispatch.Duplicate:
			p.record(ctx, acc, eventOutcome(outcome.Duplicate, ev, ""))
		default:
			p.record(ctx, acc, eventOutcome(outcome.DispatchFailed, ev, outcome.Reason(res.Err)))
			if res.Retryable {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				return apperrors.ErrDispatchFailure.WithCause(res.Err).AsRetryable()
			}
		}
	}
	return nil
}

func eventOutcome(kind outcome.Kind, ev *models.Event, reason string) outcome.Outcome {
	return outcome.Outcome{
		Kind:       kind,
		Event:      ev.Name,
		DedupKey:   ev.DedupKey,
		DeliveryID: ev.DeliveryID,
		Reason:     reason,
	}
}

func (p *Pipeline) record(ctx context.Context, acc *Accepted, o outcome.Outcome) {
	o.SubscriptionID = acc.Subscription.ID
	o.Provider = string(acc.Subscription.Provider)
	if o.DeliveryID == "" && acc.Notification != nil {
		o.DeliveryID = acc.Notification.DeliveryID
	}
	p.recorder.Record(ctx, o)
}
