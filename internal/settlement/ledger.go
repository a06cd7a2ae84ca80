package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Ledger records which transfers have been claimed. Claim succeeds once per
// key; Release gives a failed claim back so a later run can retry it.
type Ledger interface {
	Claim(ctx context.Context, key string) (bool, error)
	Complete(ctx context.Context, key, reference string) error
	Release(ctx context.Context, key string) error
}

const (
	statePending = "pending"
	stateDone    = "done:"
)

type MemoryLedger struct {
	mu    sync.Mutex
	state map[string]string
}

func NewMemoryLedger() *MemoryLedger { return &MemoryLedger{state: map[string]string{}} }

func (m *MemoryLedger) Claim(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state[key]; ok {
		return false, nil
	}
	m.state[key] = statePending
	return true, nil
}

func (m *MemoryLedger) Complete(_ context.Context, key, reference string) error {
	m.mu.Lock()
	m.state[key] = stateDone + reference
	m.mu.Unlock()
	return nil
}

func (m *MemoryLedger) Release(_ context.Context, key string) error {
	m.mu.Lock()
	if m.state[key] == statePending {
		delete(m.state, key)
	}
	m.mu.Unlock()
	return nil
}

// State reports the stored value for key, empty when unclaimed.
func (m *MemoryLedger) State(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state[key]
}

// RedisLedger shares claims across processes with SETNX. Keys expire after
// ttl, which must outlive any rerun of the same day's job.
type RedisLedger struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
}

func NewRedisLedger(rdb redis.Cmdable, prefix string, ttl time.Duration) *RedisLedger {
	if prefix == "" {
		prefix = "governor:transfer:"
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisLedger{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (r *RedisLedger) Claim(ctx context.Context, key string) (bool, error) {
	return r.rdb.SetNX(ctx, r.prefix+key, statePending, r.ttl).Result()
}

func (r *RedisLedger) Complete(ctx context.Context, key, reference string) error {
	return r.rdb.Set(ctx, r.prefix+key, stateDone+reference, r.ttl).Err()
}

func (r *RedisLedger) Release(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, r.prefix+key).Err()
}
