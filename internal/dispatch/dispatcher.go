// Package dispatch hands canonical events to the workflow runtime exactly
// once per dedup key within a tracking window.
package dispatch

import (
	"context"
	"errors"
	"time"

	"triggerhub/internal/constants"
	"triggerhub/internal/logger"
	apperrors "triggerhub/pkg/errors"
	"triggerhub/pkg/metrics"
	"triggerhub/pkg/models"
	"triggerhub/pkg/retry"
	"triggerhub/pkg/tracing"
)

type Status int

const (
	Acknowledged Status = iota
	Duplicate
	Failed
)

func (s Status) String() string {
	switch s {
	case Acknowledged:
		return "acknowledged"
	case Duplicate:
		return "duplicate"
	default:
		return "failed"
	}
}

type Result struct {
	Status    Status
	Retryable bool
	Err       error
}

func (r Result) Failed() bool { return r.Status == Failed }

type Dispatcher struct {
	window       Window
	runtime      Runtime
	policy       retry.Policy
	ttl          time.Duration
	onStoreError string
	logger       logger.Logger
}

type Option func(*Dispatcher)

func WithPolicy(p retry.Policy) Option {
	return func(d *Dispatcher) { d.policy = p }
}

func WithTTL(ttl time.Duration) Option {
	return func(d *Dispatcher) {
		if ttl > 0 {
			d.ttl = ttl
		}
	}
}

// WithOnStoreError decides what happens when the window is unreachable:
// FallbackAllow dispatches without dedup, FallbackDeny fails retryably.
func WithOnStoreError(mode string) Option {
	return func(d *Dispatcher) {
		if mode == constants.FallbackAllow || mode == constants.FallbackDeny {
			d.onStoreError = mode
		}
	}
}

func NewDispatcher(window Window, runtime Runtime, log logger.Logger, opts ...Option) *Dispatcher {
	if log == nil {
		log = logger.NopLogger()
	}
	d := &Dispatcher{
		window:       window,
		runtime:      runtime,
		policy:       retry.DefaultPolicy(),
		ttl:          time.Duration(constants.DefaultTTLSeconds) * time.Second,
		onStoreError: constants.FallbackAllow,
		logger:       log,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) Dispatch(ctx context.Context, event *models.Event) Result {
	ctx, span := tracing.GetTracer(constants.ServiceName).Start(ctx, "dispatch.dispatch")
	defer span.End()

	result := d.dispatch(ctx, event)
	metrics.IncDispatch(d.runtime.Name(), result.Status.String())
	return result
}

func (d *Dispatcher) dispatch(ctx context.Context, event *models.Event) Result {
	if event.DedupKey == "" {
		return Result{Status: Failed, Err: apperrors.ErrMalformedEvent.WithDetail("message", "event has no dedup key")}
	}

	claimed, tracked, err := d.claim(ctx, event)
	if err != nil {
		return Result{Status: Failed, Retryable: true, Err: err}
	}
	if !claimed {
		d.logger.DebugwCtx(ctx, "Duplicate event acknowledged without dispatch",
			"event", event.Name,
			"dedup_key", event.DedupKey,
		)
		return Result{Status: Duplicate}
	}

	err = retry.RetryWithCallback(ctx, d.policy, func() error {
		return d.runtime.Submit(ctx, event)
	}, func(attempt int, err error, nextDelay time.Duration) {
		metrics.IncRetryAttempt(constants.ServiceName, d.runtime.Name())
		d.logger.WarnwCtx(ctx, "Retrying event dispatch",
			"attempt", attempt,
			"next_delay", nextDelay,
			"event", event.Name,
			"error", err,
		)
	})
	if err == nil {
		return Result{Status: Acknowledged}
	}

	if ctx.Err() != nil || retry.ShouldRetry(err) {
		if tracked {
			d.release(ctx, event)
		}
		return Result{Status: Failed, Retryable: true, Err: err}
	}

	d.logger.ErrorwCtx(ctx, "Workflow runtime rejected event, dropping",
		"event", event.Name,
		"dedup_key", event.DedupKey,
		"error", err,
	)
	return Result{Status: Failed, Err: err}
}

// claim reports whether the event should be dispatched and whether the
// window now tracks it.
func (d *Dispatcher) claim(ctx context.Context, event *models.Event) (bool, bool, error) {
	claimed, err := d.window.Claim(ctx, event.DedupKey, d.ttl)
	if err == nil {
		return claimed, claimed, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, false, ctxErr
	}

	if d.onStoreError == constants.FallbackAllow {
		d.logger.WarnwCtx(ctx, "Dedup window error, dispatching anyway (fallback: allow)",
			"event", event.Name,
			"error", err,
		)
		return true, false, nil
	}
	return false, false, apperrors.ErrTransientUpstream.WithCause(err).WithDetail("message", "dedup window unavailable")
}

func (d *Dispatcher) release(ctx context.Context, event *models.Event) {
	releaseCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		releaseCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
	}
	if err := d.window.Release(releaseCtx, event.DedupKey); err != nil && !errors.Is(err, context.Canceled) {
		d.logger.WarnwCtx(ctx, "Failed to release dedup claim",
			"dedup_key", event.DedupKey,
			"error", err,
		)
	}
}

// RunWindowMetrics reports the window size until ctx is cancelled.
func (d *Dispatcher) RunWindowMetrics(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			size, err := d.window.Size(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				d.logger.Warnw("Failed to read dedup window size", "error", err)
				continue
			}
			metrics.SetDedupWindowSize(size)
		}
	}
}
