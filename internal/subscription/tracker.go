package subscription

import (
	"context"
	"sync"
)

// Tracker owns the contexts of in-flight pipeline runs per subscription so
// that deleting a subscription aborts its work.
type Tracker struct {
	mu   sync.Mutex
	next uint64
	runs map[string]map[uint64]context.CancelFunc
}

func NewTracker() *Tracker {
	return &Tracker{runs: make(map[string]map[uint64]context.CancelFunc)}
}

// Track derives a context that is cancelled by Cancel(subscriptionID). The
// returned release func must be called when the run ends.
func (t *Tracker) Track(parent context.Context, subscriptionID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)

	t.mu.Lock()
	t.next++
	id := t.next
	runs, ok := t.runs[subscriptionID]
	if !ok {
		runs = make(map[uint64]context.CancelFunc)
		t.runs[subscriptionID] = runs
	}
	runs[id] = cancel
	t.mu.Unlock()

	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			t.mu.Lock()
			if runs, ok := t.runs[subscriptionID]; ok {
				delete(runs, id)
				if len(runs) == 0 {
					delete(t.runs, subscriptionID)
				}
			}
			t.mu.Unlock()
			cancel()
		})
	}
}

// Cancel aborts every in-flight run of the subscription and reports how many
// were running.
func (t *Tracker) Cancel(subscriptionID string) int {
	t.mu.Lock()
	runs := t.runs[subscriptionID]
	delete(t.runs, subscriptionID)
	t.mu.Unlock()

	for _, cancel := range runs {
		cancel()
	}
	return len(runs)
}

func (t *Tracker) Active(subscriptionID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.runs[subscriptionID])
}

// CancelAll aborts every in-flight run, used when shutdown outlives its
// grace period.
func (t *Tracker) CancelAll() int {
	t.mu.Lock()
	all := t.runs
	t.runs = make(map[string]map[uint64]context.CancelFunc)
	t.mu.Unlock()

	n := 0
	for _, runs := range all {
		for _, cancel := range runs {
			cancel()
			n++
		}
	}
	return n
}
