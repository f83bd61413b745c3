package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"triggerhub/internal/constants"
	"triggerhub/pkg/metrics"
)

// advanceScript sets KEYS[1] to ARGV[2] only while it equals ARGV[1]; an
// empty ARGV[1] requires the key to be absent.
var advanceScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if ARGV[1] == "" then
  if current then return 0 end
elseif current ~= ARGV[1] then
  return 0
end
redis.call("SET", KEYS[1], ARGV[2])
return 1
`)

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func key(subscriptionID string) string {
	return constants.CacheKeyPrefixCheckpoint + subscriptionID
}

func (s *RedisStore) Read(ctx context.Context, subscriptionID string) (string, bool, error) {
	cursor, err := s.client.Get(ctx, key(subscriptionID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis GET checkpoint failed: %w", err)
	}
	return cursor, true, nil
}

func (s *RedisStore) Advance(ctx context.Context, subscriptionID, from, to string) error {
	ok, err := advanceScript.Run(ctx, s.client, []string{key(subscriptionID)}, from, to).Int()
	if err != nil {
		metrics.IncCheckpointAdvance("redis", "error")
		return fmt.Errorf("redis checkpoint advance failed: %w", err)
	}
	if ok == 0 {
		metrics.IncCheckpointAdvance("redis", "conflict")
		return ErrConflictStale
	}
	metrics.IncCheckpointAdvance("redis", "ok")
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, subscriptionID string) error {
	if err := s.client.Del(ctx, key(subscriptionID)).Err(); err != nil {
		return fmt.Errorf("redis DEL checkpoint failed: %w", err)
	}
	return nil
}
