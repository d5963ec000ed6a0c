package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl0ve/uipath-process-app-training/model"
)

// IdempotencyStore deduplicates cancel requests. A key is bound to the
// instance it was first used for.
type IdempotencyStore interface {
	// Check looks up a previous result by key. If the key exists for the same
	// instance it returns the stored result. If it was used for another
	// instance it returns a CONFLICT error.
	Check(ctx context.Context, key, instanceID string) (result *model.CancelResult, found bool, err error)

	// Store saves a cancel result under key with a TTL.
	Store(ctx context.Context, key, instanceID string, result model.CancelResult, ttl time.Duration) error
}

type idempotencyEntry struct {
	InstanceID string             `json:"instance_id"`
	Result     model.CancelResult `json:"result"`
}

func conflict(key string) error {
	return model.NewConflictError(fmt.Sprintf("idempotency key %q already used for another instance", key))
}

// MemoryIdempotencyStore is an in-memory IdempotencyStore with TTL support.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	data      idempotencyEntry
	expiresAt time.Time
}

// NewMemoryIdempotencyStore creates a new in-memory idempotency store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[string]memEntry),
		now:     time.Now,
	}
}

// Check looks up a stored result.
func (s *MemoryIdempotencyStore) Check(_ context.Context, key, instanceID string) (*model.CancelResult, bool, error) {
	s.mu.RLock()
	entry, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}
	if s.now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	if entry.data.InstanceID != instanceID {
		return nil, true, conflict(key)
	}

	result := entry.data.Result
	return &result, true, nil
}

// Store saves a result with TTL.
func (s *MemoryIdempotencyStore) Store(_ context.Context, key, instanceID string, result model.CancelResult, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = memEntry{
		data:      idempotencyEntry{InstanceID: instanceID, Result: result},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// Len returns the number of entries, expired ones included.
func (s *MemoryIdempotencyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// RedisIdempotencyStore is a Redis-backed IdempotencyStore.
type RedisIdempotencyStore struct {
	client redis.Cmdable
}

// NewRedisIdempotencyStore creates a Redis-backed idempotency store.
func NewRedisIdempotencyStore(client redis.Cmdable) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client}
}

// Check looks up a stored result in Redis.
func (s *RedisIdempotencyStore) Check(ctx context.Context, key, instanceID string) (*model.CancelResult, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var entry idempotencyEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}
	if entry.InstanceID != instanceID {
		return nil, true, conflict(key)
	}
	return &entry.Result, true, nil
}

// Store saves a result in Redis with TTL.
func (s *RedisIdempotencyStore) Store(ctx context.Context, key, instanceID string, result model.CancelResult, ttl time.Duration) error {
	data, err := json.Marshal(idempotencyEntry{InstanceID: instanceID, Result: result})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisIdempotencyStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// FormatIdempotencyKey builds the store key of a cancel request. Keys are
// scoped to the session that sent them.
func FormatIdempotencyKey(sessionID, key string) string {
	return fmt.Sprintf("idem:cancel:%s:%s", sessionID, key)
}
