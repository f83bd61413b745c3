// Package checkpoint persists the per-subscription change-log cursor.
//
// Advance is a compare-and-swap on the previous value: it succeeds only while
// the stored cursor still equals from. An empty from means "no checkpoint yet"
// and only succeeds when none exists. Callers serialize per subscription, the
// CAS catches what slips through (parallel redeliveries, a second instance).
package checkpoint

import (
	"context"
	"errors"
)

// ErrConflictStale is returned by Advance when the stored cursor no longer
// equals the expected previous value.
var ErrConflictStale = errors.New("checkpoint: stored cursor changed concurrently")

type Store interface {
	Read(ctx context.Context, subscriptionID string) (cursor string, found bool, err error)
	Advance(ctx context.Context, subscriptionID, from, to string) error
	Delete(ctx context.Context, subscriptionID string) error
}
