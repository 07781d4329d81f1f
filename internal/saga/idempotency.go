package saga

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// IdempotencyStore maps caller-supplied idempotency keys to saga IDs.
// A key matching an existing non-terminal or successfully-terminal saga
// makes start return the existing execution instead of creating a new one.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (sagaID string, ok bool, err error)
	Put(ctx context.Context, key, sagaID string) error
}

// MemoryIdempotencyStore is the in-process default.
type MemoryIdempotencyStore struct {
	mu   sync.RWMutex
	keys map[string]string
}

func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{keys: make(map[string]string)}
}

func (s *MemoryIdempotencyStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sagaID, ok := s.keys[key]
	return sagaID, ok, nil
}

func (s *MemoryIdempotencyStore) Put(_ context.Context, key, sagaID string) error {
	s.mu.Lock()
	s.keys[key] = sagaID
	s.mu.Unlock()
	return nil
}

// RedisIdempotencyStore shares idempotency keys across orchestrator
// instances. Keys carry a TTL so abandoned entries age out.
type RedisIdempotencyStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisIdempotencyStore wraps an existing redis client.
func NewRedisIdempotencyStore(client *redis.Client, ttl time.Duration) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{
		client:    client,
		keyPrefix: "advisor:idem:",
		ttl:       ttl,
	}
}

func (s *RedisIdempotencyStore) Get(ctx context.Context, key string) (string, bool, error) {
	sagaID, err := s.client.Get(ctx, s.keyPrefix+key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return sagaID, true, nil
}

func (s *RedisIdempotencyStore) Put(ctx context.Context, key, sagaID string) error {
	return s.client.Set(ctx, s.keyPrefix+key, sagaID, s.ttl).Err()
}
