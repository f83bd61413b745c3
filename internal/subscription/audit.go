package subscription

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"triggerhub/internal/constants"
	"triggerhub/pkg/models"
)

// AuditRecorder keeps the change history of subscriptions.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditLog) error
	List(ctx context.Context, subscriptionID string, limit int) ([]AuditLog, error)
}

type PostgresAudit struct {
	db *sql.DB
}

func NewPostgresAudit(db *sql.DB) *PostgresAudit {
	return &PostgresAudit{db: db}
}

func (a *PostgresAudit) Record(ctx context.Context, entry AuditLog) error {
	query := `
		INSERT INTO subscription_audit_logs (id, subscription_id, action, old_value, new_value, changed_by, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	entry = stamp(entry)
	oldValue, err := nullableJSON(entry.OldValue)
	if err != nil {
		return err
	}
	newValue, err := nullableJSON(entry.NewValue)
	if err != nil {
		return err
	}

	_, err = a.db.ExecContext(ctx, query,
		entry.ID, entry.SubscriptionID, entry.Action,
		oldValue, newValue, entry.ChangedBy, entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to log audit entry: %w", err)
	}
	return nil
}

func (a *PostgresAudit) List(ctx context.Context, subscriptionID string, limit int) ([]AuditLog, error) {
	if limit <= 0 || limit > constants.MaxLimit {
		limit = constants.DefaultLimit
	}
	query := `
		SELECT id, subscription_id, action, old_value, new_value, changed_by, timestamp
		FROM subscription_audit_logs
		WHERE subscription_id = $1
		ORDER BY timestamp DESC
		LIMIT $2
	`
	rows, err := a.db.QueryContext(ctx, query, subscriptionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	var logs []AuditLog
	for rows.Next() {
		var (
			entry              AuditLog
			oldValue, newValue []byte
		)
		if err := rows.Scan(&entry.ID, &entry.SubscriptionID, &entry.Action, &oldValue, &newValue, &entry.ChangedBy, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		if len(oldValue) > 0 {
			_ = json.Unmarshal(oldValue, &entry.OldValue)
		}
		if len(newValue) > 0 {
			_ = json.Unmarshal(newValue, &entry.NewValue)
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

func nullableJSON(v map[string]interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit value: %w", err)
	}
	return data, nil
}

func stamp(entry AuditLog) AuditLog {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.ChangedBy == "" {
		entry.ChangedBy = constants.ChangedBySystem
	}
	return entry
}

type MemoryAudit struct {
	mu      sync.Mutex
	entries []AuditLog
}

func NewMemoryAudit() *MemoryAudit {
	return &MemoryAudit{}
}

func (a *MemoryAudit) Record(_ context.Context, entry AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, stamp(entry))
	return nil
}

func (a *MemoryAudit) List(_ context.Context, subscriptionID string, limit int) ([]AuditLog, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if limit <= 0 || limit > constants.MaxLimit {
		limit = constants.DefaultLimit
	}
	var out []AuditLog
	for i := len(a.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if a.entries[i].SubscriptionID == subscriptionID {
			out = append(out, a.entries[i])
		}
	}
	return out, nil
}

// subscriptionToMap renders a subscription for the audit trail. The signing
// secret is never part of it.
func subscriptionToMap(sub *models.Subscription) map[string]interface{} {
	data, err := json.Marshal(sub)
	if err != nil {
		return nil
	}
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}
