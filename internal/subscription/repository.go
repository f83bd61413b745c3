package subscription

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"triggerhub/internal/constants"
	pkgerrors "triggerhub/pkg/errors"
	"triggerhub/pkg/metrics"
	"triggerhub/pkg/models"
)

type Repository interface {
	Create(ctx context.Context, sub *models.Subscription) error
	Get(ctx context.Context, id string) (*models.Subscription, error)
	// List returns every subscription, or those of one provider when kind
	// is set.
	List(ctx context.Context, kind models.ProviderKind) ([]models.Subscription, error)
	Update(ctx context.Context, sub *models.Subscription) error
	Delete(ctx context.Context, id string) error
	// ListExpiring returns subscriptions whose provider-side watch expires
	// before the given time.
	ListExpiring(ctx context.Context, before time.Time) ([]models.Subscription, error)
}

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const subscriptionColumns = `id, provider, credential_ref, events, filters, secret, verification,
	callback_url, resource, external_id, watch_cursor, watch_expiration, created_at, updated_at`

func observe(operation string, started time.Time, err error) {
	status := "success"
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		status = "error"
	}
	metrics.IncDatabaseQuery(constants.ServiceName, "postgres", operation, status)
	metrics.ObserveDatabaseQueryDuration(constants.ServiceName, "postgres", operation, time.Since(started))
}

func (r *PostgresRepository) Create(ctx context.Context, sub *models.Subscription) (err error) {
	defer func(started time.Time) { observe("create_subscription", started, err) }(time.Now())

	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	sub.CreatedAt = now
	sub.UpdatedAt = now

	cols, err := encodeJSONColumns(sub)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO subscriptions (` + subscriptionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err = r.db.ExecContext(ctx, query,
		sub.ID, string(sub.Provider), sub.CredentialRef, cols.events, cols.filters, sub.Secret, cols.verification,
		sub.CallbackURL, cols.resource, sub.ExternalID, sub.WatchCursor, nullTime(sub.WatchExpiration),
		sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return pkgerrors.ErrConflict.WithCause(err).WithDetail("message", fmt.Sprintf("subscription '%s' already exists", sub.ID))
		}
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (sub *models.Subscription, err error) {
	defer func(started time.Time) { observe("get_subscription", started, err) }(time.Now())

	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`
	sub, err = scanSubscription(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrNotFound.WithDetail("id", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

func (r *PostgresRepository) List(ctx context.Context, kind models.ProviderKind) (subs []models.Subscription, err error) {
	defer func(started time.Time) { observe("list_subscriptions", started, err) }(time.Now())

	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions`
	var args []interface{}
	if kind != "" {
		query += ` WHERE provider = $1`
		args = append(args, string(kind))
	}
	query += ` ORDER BY created_at DESC`
	return r.query(ctx, query, args...)
}

func (r *PostgresRepository) ListExpiring(ctx context.Context, before time.Time) (subs []models.Subscription, err error) {
	defer func(started time.Time) { observe("list_expiring_subscriptions", started, err) }(time.Now())

	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE watch_expiration IS NOT NULL AND watch_expiration < $1
		ORDER BY watch_expiration ASC`
	return r.query(ctx, query, before)
}

func (r *PostgresRepository) query(ctx context.Context, query string, args ...interface{}) ([]models.Subscription, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []models.Subscription
	for rows.Next() {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context cancelled: %w", ctx.Err())
		default:
		}

		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

func (r *PostgresRepository) Update(ctx context.Context, sub *models.Subscription) (err error) {
	defer func(started time.Time) { observe("update_subscription", started, err) }(time.Now())

	sub.UpdatedAt = time.Now().UTC()
	cols, err := encodeJSONColumns(sub)
	if err != nil {
		return err
	}

	query := `
		UPDATE subscriptions
		SET credential_ref = $1, events = $2, filters = $3, secret = $4, verification = $5,
		    callback_url = $6, resource = $7, external_id = $8, watch_cursor = $9,
		    watch_expiration = $10, updated_at = $11
		WHERE id = $12
	`
	res, err := r.db.ExecContext(ctx, query,
		sub.CredentialRef, cols.events, cols.filters, sub.Secret, cols.verification,
		sub.CallbackURL, cols.resource, sub.ExternalID, sub.WatchCursor,
		nullTime(sub.WatchExpiration), sub.UpdatedAt, sub.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return pkgerrors.ErrNotFound.WithDetail("id", sub.ID)
	}
	return nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) (err error) {
	defer func(started time.Time) { observe("delete_subscription", started, err) }(time.Now())

	res, err := r.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return pkgerrors.ErrNotFound.WithDetail("id", id)
	}
	return nil
}

type jsonColumns struct {
	events, filters, verification, resource []byte
}

func encodeJSONColumns(sub *models.Subscription) (*jsonColumns, error) {
	var (
		cols jsonColumns
		err  error
	)
	events := sub.Events
	if events == nil {
		events = []string{}
	}
	if cols.events, err = json.Marshal(events); err != nil {
		return nil, fmt.Errorf("failed to encode events: %w", err)
	}
	filters := sub.Filters
	if filters == nil {
		filters = map[string]models.FilterRule{}
	}
	if cols.filters, err = json.Marshal(filters); err != nil {
		return nil, fmt.Errorf("failed to encode filters: %w", err)
	}
	if cols.verification, err = json.Marshal(sub.Verification); err != nil {
		return nil, fmt.Errorf("failed to encode verification: %w", err)
	}
	resource := sub.Resource
	if resource == nil {
		resource = map[string]string{}
	}
	if cols.resource, err = json.Marshal(resource); err != nil {
		return nil, fmt.Errorf("failed to encode resource: %w", err)
	}
	return &cols, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(row scanner) (*models.Subscription, error) {
	var (
		sub                                     models.Subscription
		provider                                string
		events, filters, verification, resource []byte
		expiration                              sql.NullTime
	)
	err := row.Scan(
		&sub.ID, &provider, &sub.CredentialRef, &events, &filters, &sub.Secret, &verification,
		&sub.CallbackURL, &resource, &sub.ExternalID, &sub.WatchCursor, &expiration,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.Provider = models.ProviderKind(provider)
	if err := json.Unmarshal(events, &sub.Events); err != nil {
		return nil, fmt.Errorf("failed to decode events: %w", err)
	}
	if err := json.Unmarshal(filters, &sub.Filters); err != nil {
		return nil, fmt.Errorf("failed to decode filters: %w", err)
	}
	if err := json.Unmarshal(verification, &sub.Verification); err != nil {
		return nil, fmt.Errorf("failed to decode verification: %w", err)
	}
	if err := json.Unmarshal(resource, &sub.Resource); err != nil {
		return nil, fmt.Errorf("failed to decode resource: %w", err)
	}
	if expiration.Valid {
		t := expiration.Time.UTC()
		sub.WatchExpiration = &t
	}
	return &sub, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// MemoryRepository keeps subscriptions in process memory. Used by tests and
// single-instance deployments without Postgres.
type MemoryRepository struct {
	mu   sync.RWMutex
	subs map[string]*models.Subscription
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{subs: make(map[string]*models.Subscription)}
}

func (r *MemoryRepository) Create(_ context.Context, sub *models.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	if _, exists := r.subs[sub.ID]; exists {
		return pkgerrors.ErrConflict.WithDetail("message", fmt.Sprintf("subscription '%s' already exists", sub.ID))
	}
	now := time.Now().UTC()
	sub.CreatedAt = now
	sub.UpdatedAt = now
	r.subs[sub.ID] = clone(sub)
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*models.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, ok := r.subs[id]
	if !ok {
		return nil, pkgerrors.ErrNotFound.WithDetail("id", id)
	}
	return clone(sub), nil
}

func (r *MemoryRepository) List(_ context.Context, kind models.ProviderKind) ([]models.Subscription, error) {
	return r.filter(func(s *models.Subscription) bool { return kind == "" || s.Provider == kind }), nil
}

func (r *MemoryRepository) ListExpiring(_ context.Context, before time.Time) ([]models.Subscription, error) {
	subs := r.filter(func(s *models.Subscription) bool {
		return s.WatchExpiration != nil && s.WatchExpiration.Before(before)
	})
	sort.Slice(subs, func(i, j int) bool { return subs[i].WatchExpiration.Before(*subs[j].WatchExpiration) })
	return subs, nil
}

func (r *MemoryRepository) filter(keep func(*models.Subscription) bool) []models.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.Subscription
	for _, s := range r.subs {
		if keep(s) {
			out = append(out, *clone(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (r *MemoryRepository) Update(_ context.Context, sub *models.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subs[sub.ID]; !ok {
		return pkgerrors.ErrNotFound.WithDetail("id", sub.ID)
	}
	sub.UpdatedAt = time.Now().UTC()
	r.subs[sub.ID] = clone(sub)
	return nil
}

func (r *MemoryRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subs[id]; !ok {
		return pkgerrors.ErrNotFound.WithDetail("id", id)
	}
	delete(r.subs, id)
	return nil
}

func clone(sub *models.Subscription) *models.Subscription {
	c := *sub
	if sub.Events != nil {
		c.Events = append([]string(nil), sub.Events...)
	}
	if sub.Filters != nil {
		c.Filters = make(map[string]models.FilterRule, len(sub.Filters))
		for k, v := range sub.Filters {
			v.Predicates = append([]models.Predicate(nil), v.Predicates...)
			c.Filters[k] = v
		}
	}
	if sub.Resource != nil {
		c.Resource = make(map[string]string, len(sub.Resource))
		for k, v := range sub.Resource {
			c.Resource[k] = v
		}
	}
	if sub.WatchExpiration != nil {
		t := *sub.WatchExpiration
		c.WatchExpiration = &t
	}
	c.Verification.Issuers = append([]string(nil), sub.Verification.Issuers...)
	c.Verification.TokenHeaders = append([]string(nil), sub.Verification.TokenHeaders...)
	c.Verification.TokenQuery = append([]string(nil), sub.Verification.TokenQuery...)
	return &c
}
