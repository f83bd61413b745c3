package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"triggerhub/pkg/metrics"
)

// PostgresStore keeps cursors in the checkpoints table (see pkg/migrations).
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Read(ctx context.Context, subscriptionID string) (string, bool, error) {
	start := time.Now()
	var cursor string
	err := s.db.QueryRowContext(ctx,
		`SELECT cursor FROM checkpoints WHERE subscription_id = $1`,
		subscriptionID,
	).Scan(&cursor)
	metrics.ObserveDatabaseQueryDuration("checkpoint", "postgres", "read", time.Since(start))

	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		metrics.IncDatabaseQuery("checkpoint", "postgres", "read", "error")
		return "", false, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	metrics.IncDatabaseQuery("checkpoint", "postgres", "read", "ok")
	return cursor, true, nil
}

func (s *PostgresStore) Advance(ctx context.Context, subscriptionID, from, to string) error {
	var (
		res sql.Result
		err error
	)
	if from == "" {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO checkpoints (subscription_id, cursor, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (subscription_id) DO NOTHING
		`, subscriptionID, to)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE checkpoints SET cursor = $3, updated_at = NOW()
			WHERE subscription_id = $1 AND cursor = $2
		`, subscriptionID, from, to)
	}
	if err != nil {
		metrics.IncCheckpointAdvance("postgres", "error")
		return fmt.Errorf("failed to advance checkpoint: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if rows == 0 {
		metrics.IncCheckpointAdvance("postgres", "conflict")
		return ErrConflictStale
	}
	metrics.IncCheckpointAdvance("postgres", "ok")
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, subscriptionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE subscription_id = $1`, subscriptionID); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}
