package dispatch

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"triggerhub/internal/constants"
)

// Window is the short-lived delivery-tracking set used for deduplication.
// Claim reports false when the key is already present.
type Window interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
	Size(ctx context.Context) (int, error)
}

type RedisWindow struct {
	client *redis.Client
}

func NewRedisWindow(client *redis.Client) *RedisWindow {
	return &RedisWindow{client: client}
}

func windowKey(key string) string {
	return constants.CacheKeyPrefixDedup + key
}

func (w *RedisWindow) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	success, err := w.client.SetNX(ctx, windowKey(key), time.Now().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis SetNX failed: %w", err)
	}
	return success, nil
}

func (w *RedisWindow) Release(ctx context.Context, key string) error {
	if err := w.client.Del(ctx, windowKey(key)).Err(); err != nil {
		return fmt.Errorf("redis Del failed: %w", err)
	}
	return nil
}

func (w *RedisWindow) Size(ctx context.Context) (int, error) {
	iter := w.client.Scan(ctx, 0, constants.CacheKeyPrefixDedup+"*", 0).Iterator()
	count := 0
	for iter.Next(ctx) {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("redis scan failed: %w", err)
	}
	return count, nil
}

type windowEntry struct {
	key     string
	expires time.Time
}

// MemoryWindow is a bounded in-process window. Expired keys are purged
// lazily; when full, the oldest claim is evicted first.
type MemoryWindow struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	entries  map[string]*list.Element
	now      func() time.Time
}

func NewMemoryWindow(capacity int) *MemoryWindow {
	if capacity <= 0 {
		capacity = constants.DefaultWindowCapacity
	}
	return &MemoryWindow{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
		now:      time.Now,
	}
}

func (w *MemoryWindow) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.purge(now)

	if el, ok := w.entries[key]; ok {
		if el.Value.(*windowEntry).expires.After(now) {
			return false, nil
		}
		w.remove(el)
	}

	for w.order.Len() >= w.capacity {
		w.remove(w.order.Front())
	}
	w.entries[key] = w.order.PushBack(&windowEntry{key: key, expires: now.Add(ttl)})
	return true, nil
}

func (w *MemoryWindow) Release(_ context.Context, key string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if el, ok := w.entries[key]; ok {
		w.remove(el)
	}
	return nil
}

func (w *MemoryWindow) Size(_ context.Context) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.purge(w.now())
	return w.order.Len(), nil
}

// purge drops expired entries from the front. Entries share one TTL in
// practice, so insertion order is close to expiry order; stragglers are
// caught on lookup.
func (w *MemoryWindow) purge(now time.Time) {
	for el := w.order.Front(); el != nil; {
		entry := el.Value.(*windowEntry)
		if entry.expires.After(now) {
			return
		}
		next := el.Next()
		w.remove(el)
		el = next
	}
}

func (w *MemoryWindow) remove(el *list.Element) {
	entry := w.order.Remove(el).(*windowEntry)
	delete(w.entries, entry.key)
}
