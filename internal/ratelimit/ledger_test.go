package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeStore struct {
	mu      sync.Mutex
	counter int64
	fail    bool
	expires int
}

func (s *fakeStore) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return 0, errors.New("connection refused")
	}
	s.counter += n
	return s.counter, nil
}

func (s *fakeStore) DecrBy(ctx context.Context, key string, n int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return 0, errors.New("connection refused")
	}
	s.counter -= n
	return s.counter, nil
}

func (s *fakeStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expires++
	return nil
}

func TestReserveWithinLimit(t *testing.T) {
	store := &fakeStore{}
	ledger := NewLedgerWithStore(store, 1000)

	ok, used, err := ledger.Reserve(context.Background(), 600)
	if err != nil {
		t.Fatalf("Reserve returned error: %v", err)
	}
	if !ok {
		t.Fatal("expected reservation to succeed")
	}
	if used != 600 {
		t.Errorf("used = %d, want 600", used)
	}
	if store.expires != 1 {
		t.Errorf("expires = %d, want 1", store.expires)
	}
}

func TestReserveOverLimitRollsBack(t *testing.T) {
	store := &fakeStore{}
	ledger := NewLedgerWithStore(store, 1000)

	if ok, _, _ := ledger.Reserve(context.Background(), 800); !ok {
		t.Fatal("first reservation should succeed")
	}
	ok, _, err := ledger.Reserve(context.Background(), 300)
	if err != nil {
		t.Fatalf("Reserve returned error: %v", err)
	}
	if ok {
		t.Fatal("expected reservation over the limit to fail")
	}
	if store.counter != 800 {
		t.Errorf("counter after rollback = %d, want 800", store.counter)
	}

	// The freed headroom is usable again.
	if ok, _, _ := ledger.Reserve(context.Background(), 200); !ok {
		t.Error("expected reservation within remaining headroom to succeed")
	}
}

func TestReserveExactlyAtLimit(t *testing.T) {
	store := &fakeStore{}
	ledger := NewLedgerWithStore(store, 1000)

	ok, used, err := ledger.Reserve(context.Background(), 1000)
	if err != nil {
		t.Fatalf("Reserve returned error: %v", err)
	}
	if !ok {
		t.Error("a reservation landing exactly on the limit should succeed")
	}
	if used != 1000 {
		t.Errorf("used = %d, want 1000", used)
	}
}

func TestReserveFailsClosedWhenStoreDown(t *testing.T) {
	store := &fakeStore{fail: true}
	ledger := NewLedgerWithStore(store, 1000)

	ok, _, err := ledger.Reserve(context.Background(), 10)
	if ok {
		t.Fatal("expected reservation to fail when the store is unreachable")
	}
	if err == nil {
		t.Fatal("expected an error when the store is unreachable")
	}
}

func TestTryAcquireZeroWaitSingleAttempt(t *testing.T) {
	store := &fakeStore{counter: 1000}
	ledger := NewLedgerWithStore(store, 1000)

	start := time.Now()
	if ledger.TryAcquire(context.Background(), 50, 0) {
		t.Fatal("expected acquisition to fail with a full counter")
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("zero maxWait took %v, want a single immediate attempt", elapsed)
	}
	if store.counter != 1000 {
		t.Errorf("counter = %d, want 1000 after rollback", store.counter)
	}
}

func TestTryAcquireDoesNotSpinOnStoreError(t *testing.T) {
	store := &fakeStore{fail: true}
	ledger := NewLedgerWithStore(store, 50)

	start := time.Now()
	if ledger.TryAcquire(context.Background(), 10, 5*time.Second) {
		t.Fatal("expected acquisition to fail closed")
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("fail-closed acquisition took %v, want immediate return", elapsed)
	}
}

func TestTryAcquireRespectsContextCancel(t *testing.T) {
	store := &fakeStore{counter: 1000}
	ledger := NewLedgerWithStore(store, 1000)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	if ledger.TryAcquire(ctx, 50, 10*time.Second) {
		t.Fatal("expected acquisition to fail after cancellation")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("cancelled acquisition took %v", elapsed)
	}
}
