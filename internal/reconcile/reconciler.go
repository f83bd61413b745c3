// Package reconcile turns thin push notifications into change records.
//
// A push only names a change-log position. The reconciler compares it with
// the subscription checkpoint, pages the provider change log from the
// checkpoint, and hands back the records together with the position to
// commit. The checkpoint moves only when Commit is called, which the
// pipeline does after every resulting event was accepted by the dispatcher.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"triggerhub/internal/checkpoint"
	"triggerhub/internal/credentials"
	"triggerhub/internal/logger"
	"triggerhub/internal/provider"
	apperrors "triggerhub/pkg/errors"
	"triggerhub/pkg/metrics"
	"triggerhub/pkg/models"
	"triggerhub/pkg/retry"
)

// DefaultMaxPages bounds one reconciliation. Unread pages are picked up by
// the next notification.
const DefaultMaxPages = 50

// Result is the outcome of one reconciliation.
type Result struct {
	Subscription *models.Subscription
	Credential   *credentials.Credential

	// From is the checkpoint the listing started at, To the position to
	// commit once every record was dispatched.
	From string
	To   string

	// Records are partitioned by family in models.FamilyOrder.
	Records []models.ChangeRecord
	Pages   int

	// NoOp is set when the pointer was already covered by the checkpoint.
	NoOp bool
	// Stale is set when the checkpoint expired and was reset to the
	// provider's latest position. The reset is already committed.
	Stale bool
	// Truncated is set when MaxPages stopped the listing early.
	Truncated bool

	compare func(a, b string) int
}

// Empty reports whether there is nothing to dispatch.
func (r *Result) Empty() bool { return len(r.Records) == 0 }

// Advances reports whether committing r moves the checkpoint forward.
func (r *Result) Advances() bool {
	if r.NoOp || r.Stale || r.To == "" || r.To == r.From {
		return false
	}
	if r.From == "" || r.compare == nil {
		return true
	}
	return r.compare(r.To, r.From) > 0
}

type Reconciler struct {
	registry    *provider.Registry
	store       checkpoint.Store
	credentials credentials.Supplier
	policy      retry.Policy
	maxPages    int
	logger      logger.Logger
}

type Option func(*Reconciler)

func WithPolicy(p retry.Policy) Option {
	return func(r *Reconciler) { r.policy = p }
}

func WithMaxPages(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.maxPages = n
		}
	}
}

func NewReconciler(registry *provider.Registry, store checkpoint.Store, creds credentials.Supplier, log logger.Logger, opts ...Option) *Reconciler {
	if log == nil {
		log = logger.NopLogger()
	}
	r := &Reconciler{
		registry:    registry,
		store:       store,
		credentials: creds,
		policy:      retry.DefaultPolicy(),
		maxPages:    DefaultMaxPages,
		logger:      log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reconciler) lister(sub *models.Subscription) (provider.ChangeLister, error) {
	p, err := r.registry.Get(sub.Provider)
	if err != nil {
		return nil, err
	}
	lister, ok := p.(provider.ChangeLister)
	if !ok {
		return nil, apperrors.ErrValidation.WithDetail("message", fmt.Sprintf("provider %s has no change log", sub.Provider))
	}
	return lister, nil
}

// Reconcile reads the change log behind a push. An empty pointer means the
// provider's ping carries no position, and the log is always read.
//
// The caller must hold the subscription lock from Reconcile until Commit.
func (r *Reconciler) Reconcile(ctx context.Context, sub *models.Subscription, pointer string) (*Result, error) {
	lister, err := r.lister(sub)
	if err != nil {
		return nil, err
	}
	cred, err := r.credentials.Get(ctx, sub)
	if err != nil {
		return nil, err
	}

	cursor, err := r.current(ctx, lister, cred, sub)
	if err != nil {
		return nil, err
	}

	result := &Result{Subscription: sub, Credential: cred, From: cursor, To: cursor, compare: lister.Compare}
	if pointer != "" && lister.Compare(pointer, cursor) <= 0 {
		result.NoOp = true
		r.logger.DebugwCtx(ctx, "Notification already covered by checkpoint",
			"subscription_id", sub.ID,
			"pointer", pointer,
			"checkpoint", cursor,
		)
		return result, nil
	}

	started := time.Now()
	var records []models.ChangeRecord
	pageToken := ""
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if result.Pages >= r.maxPages {
			result.Truncated = true
			r.logger.WarnwCtx(ctx, "Reconciliation stopped at page limit",
				"subscription_id", sub.ID,
				"pages", result.Pages,
				"reached", result.To,
			)
			break
		}

		page, err := r.listPage(ctx, lister, cred, sub, cursor, pageToken)
		if errors.Is(err, provider.ErrCursorExpired) {
			return r.resetStale(ctx, lister, cred, sub, cursor)
		}
		if err != nil {
			return nil, err
		}
		result.Pages++
		records = append(records, page.Records...)
		if page.Cursor != "" {
			result.To = page.Cursor
		}

		if page.CaughtUp || page.NextPageToken == "" {
			break
		}
		if pointer != "" && lister.Compare(result.To, pointer) >= 0 {
			break
		}
		pageToken = page.NextPageToken
	}

	result.Records = Partition(records)
	for family, n := range countFamilies(result.Records) {
		metrics.AddChangesFetched(string(sub.Provider), family, n)
	}
	r.logger.InfowCtx(ctx, "Reconciled change log",
		"subscription_id", sub.ID,
		"provider", sub.Provider,
		"from", result.From,
		"to", result.To,
		"records", len(result.Records),
		"pages", result.Pages,
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return result, nil
}

// current returns the stored checkpoint, seeding it on first use from the
// position captured at watch registration, else from the provider's
// current position.
func (r *Reconciler) current(ctx context.Context, lister provider.ChangeLister, cred *credentials.Credential, sub *models.Subscription) (string, error) {
	cursor, found, err := r.store.Read(ctx, sub.ID)
	if err != nil {
		return "", apperrors.ErrTransientUpstream.WithCause(err)
	}
	if found {
		return cursor, nil
	}

	seed := sub.WatchCursor
	if seed == "" {
		seed, err = retry.Do(ctx, r.policy, func() (string, error) {
			return lister.LatestCursor(ctx, cred, sub)
		})
		if err != nil {
			return "", err
		}
	}

	err = r.store.Advance(ctx, sub.ID, "", seed)
	if errors.Is(err, checkpoint.ErrConflictStale) {
		// Seeded concurrently; use whatever won.
		cursor, _, err = r.store.Read(ctx, sub.ID)
		if err != nil {
			return "", apperrors.ErrTransientUpstream.WithCause(err)
		}
		return cursor, nil
	}
	if err != nil {
		return "", apperrors.ErrTransientUpstream.WithCause(err)
	}
	r.logger.InfowCtx(ctx, "Seeded checkpoint",
		"subscription_id", sub.ID,
		"checkpoint", seed,
		"from_watch", sub.WatchCursor != "",
	)
	return seed, nil
}

func (r *Reconciler) listPage(ctx context.Context, lister provider.ChangeLister, cred *credentials.Credential, sub *models.Subscription, cursor, pageToken string) (*provider.Page, error) {
	return retry.Do(ctx, r.policy, func() (*provider.Page, error) {
		page, err := lister.ListChangesSince(ctx, cred, sub, cursor, pageToken)
		if err == nil {
			return page, nil
		}
		if apperrors.IsTransient(err) {
			metrics.IncRetryAttempt("reconcile", string(sub.Provider))
			return nil, err
		}
		return nil, retry.NewFatalError(err)
	})
}

// resetStale moves an expired checkpoint to the provider's latest position.
// Changes in between are lost; the result carries no records.
func (r *Reconciler) resetStale(ctx context.Context, lister provider.ChangeLister, cred *credentials.Credential, sub *models.Subscription, cursor string) (*Result, error) {
	latest, err := retry.Do(ctx, r.policy, func() (string, error) {
		return lister.LatestCursor(ctx, cred, sub)
	})
	if err != nil {
		return nil, err
	}

	result := &Result{Subscription: sub, Credential: cred, From: cursor, To: latest, Stale: true, compare: lister.Compare}
	err = r.store.Advance(ctx, sub.ID, cursor, latest)
	if errors.Is(err, checkpoint.ErrConflictStale) {
		// Another worker already moved the checkpoint past the stale one.
		result.Stale = false
		result.NoOp = true
		return result, nil
	}
	if err != nil {
		return nil, apperrors.ErrTransientUpstream.WithCause(err)
	}

	r.logger.WarnwCtx(ctx, "Checkpoint expired, reset to latest position",
		"subscription_id", sub.ID,
		"provider", sub.Provider,
		"stale", cursor,
		"latest", latest,
	)
	return result, nil
}

// Commit advances the checkpoint to result.To. It must only be called once
// every event produced from the result was accepted.
func (r *Reconciler) Commit(ctx context.Context, result *Result) error {
	if result == nil || !result.Advances() {
		return nil
	}
	err := r.store.Advance(ctx, result.Subscription.ID, result.From, result.To)
	if errors.Is(err, checkpoint.ErrConflictStale) {
		r.logger.WarnwCtx(ctx, "Checkpoint moved concurrently, commit skipped",
			"subscription_id", result.Subscription.ID,
			"from", result.From,
			"to", result.To,
		)
		return apperrors.ErrConflict.WithCause(err)
	}
	if err != nil {
		return apperrors.ErrTransientUpstream.WithCause(err)
	}
	r.logger.DebugwCtx(ctx, "Checkpoint advanced",
		"subscription_id", result.Subscription.ID,
		"from", result.From,
		"to", result.To,
	)
	return nil
}

// Partition groups records by family in models.FamilyOrder, keeping their
// relative order. Unknown families follow in arrival order.
func Partition(records []models.ChangeRecord) []models.ChangeRecord {
	if len(records) == 0 {
		return nil
	}
	rank := make(map[string]int, len(models.FamilyOrder))
	for i, f := range models.FamilyOrder {
		rank[f] = i
	}

	buckets := make([][]models.ChangeRecord, len(models.FamilyOrder)+1)
	for _, rec := range records {
		i, ok := rank[rec.Family]
		if !ok {
			i = len(models.FamilyOrder)
		}
		buckets[i] = append(buckets[i], rec)
	}

	out := make([]models.ChangeRecord, 0, len(records))
	for _, b := range buckets {
		out = append(out, b...)
	}
	return out
}

func countFamilies(records []models.ChangeRecord) map[string]int {
	counts := make(map[string]int)
	for _, rec := range records {
		counts[rec.Family]++
	}
	return counts
}
