package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"class-chat-backend/internal/logger"
)

// CounterKey is the shared per-minute token counter. Every process in
// the org increments the same key before calling a model endpoint.
const CounterKey = "openai:tpm:counter"

// counterTTL implements the sliding per-minute leak: entries expire 70
// seconds after the last write, without explicit time bucketing.
const counterTTL = 70 * time.Second

const retryInterval = 500 * time.Millisecond

// CounterStore is the minimal Redis surface the ledger needs.
type CounterStore interface {
	IncrBy(ctx context.Context, key string, n int64) (int64, error)
	DecrBy(ctx context.Context, key string, n int64) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

type redisStore struct {
	rdb *redis.Client
}

func (s redisStore) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	return s.rdb.IncrBy(ctx, key, n).Result()
}

func (s redisStore) DecrBy(ctx context.Context, key string, n int64) (int64, error) {
	return s.rdb.DecrBy(ctx, key, n).Result()
}

func (s redisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.rdb.Expire(ctx, key, ttl).Err()
}

// Ledger is the distributed token bucket gating every external model
// call. Increment-then-check-then-decrement: a transient overshoot is
// tolerated, bounded by the largest single reservation.
type Ledger struct {
	store CounterStore
	limit int64
}

func NewLedger(rdb *redis.Client, tpmLimit int) *Ledger {
	return &Ledger{store: redisStore{rdb: rdb}, limit: int64(tpmLimit)}
}

// NewLedgerWithStore builds a ledger over a custom store, used in tests.
func NewLedgerWithStore(store CounterStore, tpmLimit int) *Ledger {
	return &Ledger{store: store, limit: int64(tpmLimit)}
}

// Reserve atomically reserves n tokens for the next minute. Returns
// whether the reservation succeeded and the counter value after the
// increment. If the shared store is unreachable the ledger fails
// closed.
func (l *Ledger) Reserve(ctx context.Context, n int) (bool, int64, error) {
	used, err := l.store.IncrBy(ctx, CounterKey, int64(n))
	if err != nil {
		logger.Error("Rate ledger unreachable, failing closed", "error", err)
		return false, 0, err
	}

	// Refresh the 70 s leak window on every write.
	if err := l.store.Expire(ctx, CounterKey, counterTTL); err != nil {
		logger.Warn("Rate ledger expire failed", "error", err)
	}

	if used <= l.limit {
		logger.Debug("Reserved tokens", "tokens", n, "used", used, "limit", l.limit)
		return true, used, nil
	}

	// Over the ceiling: give the tokens back, best effort.
	if _, err := l.store.DecrBy(ctx, CounterKey, int64(n)); err != nil {
		logger.Warn("Rate ledger rollback failed", "tokens", n, "error", err)
	}
	logger.Info("Rate ledger full", "needed", n, "used", used, "limit", l.limit)
	return false, used, nil
}

// TryAcquire loops Reserve with 500 ms back-off until maxWait elapses.
// A zero maxWait makes exactly one attempt. Returns whether the tokens
// were acquired.
func (l *Ledger) TryAcquire(ctx context.Context, n int, maxWait time.Duration) bool {
	deadline := time.Now().Add(maxWait)
	for {
		ok, _, err := l.Reserve(ctx, n)
		if ok {
			return true
		}
		if err != nil {
			// Store unreachable: no point spinning against it.
			return false
		}
		if time.Now().Add(retryInterval).After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(retryInterval):
		}
	}
}
