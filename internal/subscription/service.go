// Package subscription manages activated triggers: their storage, the
// provider-side watch registration behind them, and the management API.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"triggerhub/internal/checkpoint"
	"triggerhub/internal/constants"
	"triggerhub/internal/credentials"
	"triggerhub/internal/filtering"
	"triggerhub/internal/logger"
	"triggerhub/internal/outcome"
	"triggerhub/internal/provider"
	pkgerrors "triggerhub/pkg/errors"
	"triggerhub/pkg/metrics"
	"triggerhub/pkg/models"
)

// OutcomeLister reads recorded pipeline outcomes.
type OutcomeLister interface {
	List(ctx context.Context, subscriptionID string, limit int) ([]outcome.Outcome, error)
}

type Service struct {
	repo        Repository
	registry    *provider.Registry
	filter      *filtering.Engine
	credentials credentials.Supplier
	checkpoints checkpoint.Store
	tracker     *Tracker
	audit       AuditRecorder
	outcomes    OutcomeLister
	baseURL     string
	logger      logger.Logger
}

type ServiceOption func(*Service)

func WithAudit(audit AuditRecorder) ServiceOption {
	return func(s *Service) { s.audit = audit }
}

func WithOutcomes(outcomes OutcomeLister) ServiceOption {
	return func(s *Service) { s.outcomes = outcomes }
}

func WithTracker(tracker *Tracker) ServiceOption {
	return func(s *Service) { s.tracker = tracker }
}

// WithPublicBaseURL sets the externally reachable base that callback URLs
// are built from.
func WithPublicBaseURL(base string) ServiceOption {
	return func(s *Service) { s.baseURL = strings.TrimRight(base, "/") }
}

func NewService(repo Repository, registry *provider.Registry, engine *filtering.Engine, creds credentials.Supplier, checkpoints checkpoint.Store, log logger.Logger, opts ...ServiceOption) *Service {
	if log == nil {
		log = logger.NopLogger()
	}
	s := &Service{
		repo:        repo,
		registry:    registry,
		filter:      engine,
		credentials: creds,
		checkpoints: checkpoints,
		tracker:     NewTracker(),
		logger:      log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Tracker() *Tracker { return s.tracker }

func (s *Service) Create(ctx context.Context, req CreateRequest) (*View, error) {
	prov, err := s.registry.Get(req.Provider)
	if err != nil {
		return nil, err
	}

	verification := prov.DefaultVerification()
	if req.Verification != nil {
		verification = *req.Verification
	}
	if err := ValidateCreate(s.filter, req, verification); err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrValidation)
	}

	sub := &models.Subscription{
		ID:            req.ID,
		Provider:      req.Provider,
		CredentialRef: req.CredentialRef,
		Events:        req.Events,
		Filters:       req.Filters,
		Secret:        req.Secret,
		Verification:  verification,
		Resource:      req.Resource,
	}
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	sub.CallbackURL = s.callbackURL(sub.ID)

	watcher, watched := prov.(provider.Watcher)
	var cred *credentials.Credential
	if watched {
		cred, err = s.credentials.Get(ctx, sub)
		if err != nil {
			return nil, appError(err)
		}
		result, err := watcher.Watch(ctx, cred, sub)
		if err != nil {
			return nil, appError(err)
		}
		applyWatch(sub, result)
	}
	if err := ValidateSecret(sub); err != nil {
		if watched {
			s.unwatch(ctx, watcher, cred, sub)
		}
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrValidation)
	}

	if err := s.repo.Create(ctx, sub); err != nil {
		if watched {
			s.unwatch(ctx, watcher, cred, sub)
		}
		return nil, appError(err)
	}

	if sub.WatchCursor != "" {
		err := s.checkpoints.Advance(ctx, sub.ID, "", sub.WatchCursor)
		if err != nil && !errors.Is(err, checkpoint.ErrConflictStale) {
			s.logger.WarnwCtx(ctx, "Failed to seed checkpoint, the first push will seed it",
				"subscription_id", sub.ID,
				"error", err,
			)
		}
	}

	s.recordAudit(ctx, sub.ID, ActionCreate, nil, sub)
	s.logger.InfowCtx(ctx, "Subscription created",
		"subscription_id", sub.ID,
		"provider", sub.Provider,
		"watched", watched,
	)
	return &View{Subscription: sub, Checkpoint: sub.WatchCursor}, nil
}

func (s *Service) Get(ctx context.Context, id string) (*View, error) {
	sub, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, appError(err)
	}
	view := &View{Subscription: sub}
	cursor, found, err := s.checkpoints.Read(ctx, id)
	if err != nil {
		s.logger.WarnwCtx(ctx, "Failed to read checkpoint", "subscription_id", id, "error", err)
	} else if found {
		view.Checkpoint = cursor
	}
	return view, nil
}

func (s *Service) List(ctx context.Context, kind models.ProviderKind) ([]models.Subscription, error) {
	subs, err := s.repo.List(ctx, kind)
	if err != nil {
		return nil, appError(err)
	}
	if subs == nil {
		subs = []models.Subscription{}
	}
	return subs, nil
}

func (s *Service) Update(ctx context.Context, id string, req UpdateRequest) (*View, error) {
	sub, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, appError(err)
	}
	old := subscriptionToMap(sub)

	if req.Events != nil {
		sub.Events = *req.Events
	}
	if req.Filters != nil {
		sub.Filters = *req.Filters
	}
	if req.Secret != nil {
		sub.Secret = *req.Secret
	}
	if req.Verification != nil {
		sub.Verification = *req.Verification
	}
	if err := ValidateUpdate(s.filter, req, sub); err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrValidation)
	}

	if err := s.repo.Update(ctx, sub); err != nil {
		return nil, appError(err)
	}
	s.recordAudit(ctx, id, ActionUpdate, old, sub)
	return s.Get(ctx, id)
}

// Delete releases the provider-side registration, aborts in-flight runs and
// removes the subscription together with its checkpoint.
func (s *Service) Delete(ctx context.Context, id string) error {
	sub, err := s.repo.Get(ctx, id)
	if err != nil {
		return appError(err)
	}

	if n := s.tracker.Cancel(id); n > 0 {
		s.logger.InfowCtx(ctx, "Cancelled in-flight runs", "subscription_id", id, "runs", n)
	}

	if prov, err := s.registry.Get(sub.Provider); err == nil {
		if watcher, ok := prov.(provider.Watcher); ok {
			cred, err := s.credentials.Get(ctx, sub)
			if err != nil {
				s.logger.WarnwCtx(ctx, "Credential unavailable, provider watch left to expire",
					"subscription_id", id,
					"error", err,
				)
			} else {
				s.unwatch(ctx, watcher, cred, sub)
			}
		}
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		return appError(err)
	}
	if err := s.checkpoints.Delete(ctx, id); err != nil {
		s.logger.WarnwCtx(ctx, "Failed to delete checkpoint", "subscription_id", id, "error", err)
	}
	s.recordAudit(ctx, id, ActionDelete, subscriptionToMap(sub), nil)
	s.logger.InfowCtx(ctx, "Subscription deleted", "subscription_id", id, "provider", sub.Provider)
	return nil
}

// Renew extends the provider-side watch of a subscription.
func (s *Service) Renew(ctx context.Context, id string) (*View, error) {
	sub, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, appError(err)
	}
	if err := s.renew(ctx, sub); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *Service) renew(ctx context.Context, sub *models.Subscription) error {
	prov, err := s.registry.Get(sub.Provider)
	if err != nil {
		return err
	}
	watcher, ok := prov.(provider.Watcher)
	if !ok {
		return pkgerrors.ErrValidation.WithDetail("message", fmt.Sprintf("provider %s has no watch to renew", sub.Provider))
	}

	cred, err := s.credentials.Get(ctx, sub)
	if err != nil {
		metrics.IncWatchRenewal(string(sub.Provider), "error")
		return appError(err)
	}
	old := subscriptionToMap(sub)
	result, err := watcher.Renew(ctx, cred, sub)
	if err != nil {
		metrics.IncWatchRenewal(string(sub.Provider), "error")
		return appError(err)
	}
	applyWatch(sub, result)
	if err := s.repo.Update(ctx, sub); err != nil {
		metrics.IncWatchRenewal(string(sub.Provider), "error")
		return appError(err)
	}
	metrics.IncWatchRenewal(string(sub.Provider), "ok")
	s.recordAudit(ctx, sub.ID, ActionRenew, old, sub)
	return nil
}

func (s *Service) Outcomes(ctx context.Context, id string, limit int) ([]outcome.Outcome, error) {
	if s.outcomes == nil {
		return nil, pkgerrors.ErrInternal.WithDetail("message", "outcome store not enabled")
	}
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, appError(err)
	}
	out, err := s.outcomes.List(ctx, id, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrInternal)
	}
	return out, nil
}

func (s *Service) AuditLogs(ctx context.Context, id string, limit int) ([]AuditLog, error) {
	if s.audit == nil {
		return nil, pkgerrors.ErrInternal.WithDetail("message", "audit logging not enabled")
	}
	logs, err := s.audit.List(ctx, id, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrInternal)
	}
	return logs, nil
}

func (s *Service) callbackURL(id string) string {
	return s.baseURL + "/webhooks/" + id
}

func (s *Service) unwatch(ctx context.Context, watcher provider.Watcher, cred *credentials.Credential, sub *models.Subscription) {
	if err := watcher.Unwatch(ctx, cred, sub); err != nil {
		s.logger.WarnwCtx(ctx, "Failed to release provider watch",
			"subscription_id", sub.ID,
			"provider", sub.Provider,
			"error", err,
		)
	}
}

func (s *Service) recordAudit(ctx context.Context, id, action string, old map[string]interface{}, sub *models.Subscription) {
	if s.audit == nil {
		return
	}
	entry := AuditLog{
		SubscriptionID: id,
		Action:         action,
		OldValue:       old,
		ChangedBy:      changedBy(ctx),
	}
	if sub != nil {
		entry.NewValue = subscriptionToMap(sub)
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.logger.WarnwCtx(ctx, "Failed to record audit entry", "subscription_id", id, "error", err)
	}
}

func applyWatch(sub *models.Subscription, result *provider.WatchResult) {
	if result == nil {
		return
	}
	if result.Cursor != "" && sub.WatchCursor == "" {
		sub.WatchCursor = result.Cursor
	}
	if result.ExternalID != "" {
		sub.ExternalID = result.ExternalID
	}
	if result.Expiration != nil {
		exp := result.Expiration.UTC()
		sub.WatchExpiration = &exp
	}
	if result.Secret != "" {
		sub.Secret = result.Secret
	}
	if len(result.Resource) > 0 {
		if sub.Resource == nil {
			sub.Resource = make(map[string]string, len(result.Resource))
		}
		for k, v := range result.Resource {
			sub.Resource[k] = v
		}
	}
}

// appError keeps classified errors and wraps everything else as internal.
func appError(err error) error {
	var appErr *pkgerrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	return pkgerrors.Wrap(err, pkgerrors.ErrInternal)
}

type changedByKey struct{}

// WithChangedBy attaches the acting principal to ctx for audit entries.
func WithChangedBy(ctx context.Context, who string) context.Context {
	return context.WithValue(ctx, changedByKey{}, who)
}

func changedBy(ctx context.Context) string {
	if who, ok := ctx.Value(changedByKey{}).(string); ok && who != "" {
		return who
	}
	return constants.ChangedBySystem
}
