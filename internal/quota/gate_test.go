package quota

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/blok-hamster/copy-trader-service/internal/kv"
)

func newGate(store kv.Store) *Gate {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewGate(store, kv.NewKeys("test", false), 24*time.Hour, logger)
}

func TestCanPurchaseFresh(t *testing.T) {
	t.Parallel()
	g := newGate(kv.NewMemory())

	res := g.CanPurchase(context.Background(), "u1", "M", 3)
	if !res.CanPurchase || res.Current != 0 || res.Remaining != 3 {
		t.Errorf("fresh check = %+v, want allow with 3 remaining", res)
	}
}

func TestCanPurchaseFailsOpen(t *testing.T) {
	t.Parallel()
	store := kv.NewMemory()
	store.Err = errors.New("store down")
	g := newGate(store)

	res := g.CanPurchase(context.Background(), "u1", "M", 3)
	if !res.CanPurchase || res.Current != 0 {
		t.Errorf("unavailable store should fail open, got %+v", res)
	}
}

func TestIncrementUpToLimit(t *testing.T) {
	t.Parallel()
	store := kv.NewMemory()
	g := newGate(store)
	ctx := context.Background()

	for want := 1; want <= 2; want++ {
		res := g.IncrementAndValidate(ctx, "u1", "M", 2, "sub-1")
		if !res.Success || res.NewCount != want || res.WasAtLimit {
			t.Fatalf("increment %d = %+v", want, res)
		}
	}

	// At the limit: denied, counter restored.
	res := g.IncrementAndValidate(ctx, "u1", "M", 2, "sub-1")
	if res.Success || !res.WasAtLimit || res.NewCount != 2 {
		t.Errorf("over-limit increment = %+v, want denied with count 2", res)
	}

	check := g.CanPurchase(ctx, "u1", "M", 2)
	if check.CanPurchase || check.Current != 2 || check.Remaining != 0 {
		t.Errorf("post-limit check = %+v", check)
	}
}

func TestIncrementWritesRecordAndTTL(t *testing.T) {
	t.Parallel()
	store := kv.NewMemory()
	g := newGate(store)
	ctx := context.Background()

	before := time.Now().UTC()
	res := g.IncrementAndValidate(ctx, "u1", "M", 5, "sub-9")
	if !res.Success {
		t.Fatalf("increment = %+v", res)
	}

	record, err := g.GetRecord(ctx, "u1", "M")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if record == nil {
		t.Fatal("record missing after successful increment")
	}
	if record.CurrentCount != 1 || record.MaxCount != 5 || record.SubscriptionID != "sub-9" {
		t.Errorf("record = %+v", record)
	}
	if record.LastPurchase.Before(before.Add(-time.Second)) {
		t.Errorf("lastPurchase = %v, want >= %v", record.LastPurchase, before)
	}

	keys := kv.NewKeys("test", false)
	if store.LastTTL[keys.PurchaseCount("u1", "M")] != 24*time.Hour {
		t.Errorf("counter ttl = %v, want 24h", store.LastTTL[keys.PurchaseCount("u1", "M")])
	}
	if store.LastTTL[keys.PurchaseRecord("u1", "M")] != 24*time.Hour {
		t.Errorf("record ttl = %v, want 24h", store.LastTTL[keys.PurchaseRecord("u1", "M")])
	}
}

func TestIncrementFailsClosed(t *testing.T) {
	t.Parallel()
	store := kv.NewMemory()
	store.Err = errors.New("store down")
	g := newGate(store)

	res := g.IncrementAndValidate(context.Background(), "u1", "M", 3, "sub-1")
	if res.Success {
		t.Errorf("unavailable store should fail closed, got %+v", res)
	}
}

func TestGetRecordAbsent(t *testing.T) {
	t.Parallel()
	g := newGate(kv.NewMemory())

	record, err := g.GetRecord(context.Background(), "u1", "M")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if record != nil {
		t.Errorf("expected nil record, got %+v", record)
	}
}

func TestReset(t *testing.T) {
	t.Parallel()
	g := newGate(kv.NewMemory())
	ctx := context.Background()

	g.IncrementAndValidate(ctx, "u1", "M", 1, "sub-1")
	if res := g.IncrementAndValidate(ctx, "u1", "M", 1, "sub-1"); res.Success {
		t.Fatal("second increment should be denied before reset")
	}

	if !g.Reset(ctx, "u1", "M") {
		t.Fatal("Reset returned false")
	}

	res := g.IncrementAndValidate(ctx, "u1", "M", 1, "sub-1")
	if !res.Success || res.NewCount != 1 {
		t.Errorf("increment after reset = %+v", res)
	}
	record, _ := g.GetRecord(ctx, "u1", "M")
	if record == nil || record.CurrentCount != 1 {
		t.Errorf("record after reset = %+v", record)
	}
}

// Concurrent increments against maxCount=2 must never leave the counter
// above the limit: losers roll back their own increment.
func TestConcurrentIncrementsNeverExceedLimit(t *testing.T) {
	t.Parallel()
	store := kv.NewMemory()
	g := newGate(store)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	results := make([]IncrementResult, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = g.IncrementAndValidate(ctx, "u1", "M", 2, "sub-1")
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, res := range results {
		if res.Success {
			wins++
			if res.NewCount < 1 || res.NewCount > 2 {
				t.Errorf("winning count %d out of range", res.NewCount)
			}
		} else if !res.WasAtLimit {
			t.Errorf("loser without WasAtLimit: %+v", res)
		}
	}
	if wins != 2 {
		t.Errorf("wins = %d, want exactly 2", wins)
	}

	check := g.CanPurchase(ctx, "u1", "M", 2)
	if check.Current > 2 {
		t.Errorf("final counter = %d, exceeds limit", check.Current)
	}
}
