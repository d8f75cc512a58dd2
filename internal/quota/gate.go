// Package quota enforces per-(user, token) purchase limits.
//
// The gate leans entirely on the store's atomic counters: INCR, then
// rollback DECR when the new value exceeds the limit. The pre-check
// CanPurchase is advisory and may race; only IncrementAndValidate is
// authoritative for commit decisions. The rollback guarantees the counter
// never permanently exceeds the limit under concurrent increments — a loser
// may briefly read above it before its own decrement lands.
package quota

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/blok-hamster/copy-trader-service/internal/kv"
)

// Gate is the purchase-quota gate. Counters and records expire CounterTTL
// after their last update.
type Gate struct {
	store  kv.Store
	keys   kv.Keys
	ttl    time.Duration
	logger *slog.Logger
}

// CheckResult is the advisory answer from CanPurchase.
type CheckResult struct {
	CanPurchase bool `json:"canPurchase"`
	Current     int  `json:"current"`
	Max         int  `json:"max"`
	Remaining   int  `json:"remaining"`
}

// IncrementResult is the authoritative answer from IncrementAndValidate.
type IncrementResult struct {
	Success    bool `json:"success"`
	NewCount   int  `json:"newCount"`
	WasAtLimit bool `json:"wasAtLimit"`
}

// Record is the persisted purchase state for one (user, token) pair.
type Record struct {
	UserID         string    `json:"userId"`
	TokenMint      string    `json:"tokenMint"`
	CurrentCount   int       `json:"currentCount"`
	MaxCount       int       `json:"maxCount"`
	LastPurchase   time.Time `json:"lastPurchase"`
	SubscriptionID string    `json:"subscriptionId"`
}

// NewGate creates a quota gate over the shared store.
func NewGate(store kv.Store, keys kv.Keys, ttl time.Duration, logger *slog.Logger) *Gate {
	return &Gate{
		store:  store,
		keys:   keys,
		ttl:    ttl,
		logger: logger.With("component", "quota-gate"),
	}
}

// CanPurchase reports whether user may still buy tokenMint without mutating
// any state. Fail-open: if the store is unavailable the answer is yes with
// current 0 — loss of availability must not block trading.
func (g *Gate) CanPurchase(ctx context.Context, userID, tokenMint string, maxCount int) CheckResult {
	current := 0
	val, err := g.store.Get(ctx, g.keys.PurchaseCount(userID, tokenMint))
	switch {
	case errors.Is(err, kv.ErrNotFound):
		// no purchases yet
	case err != nil:
		g.logger.Warn("quota pre-check unavailable, failing open",
			"user", userID, "token", tokenMint, "error", err)
		return CheckResult{CanPurchase: true, Current: 0, Max: maxCount, Remaining: maxCount}
	default:
		current = parseCount(val)
	}

	remaining := maxCount - current
	if remaining < 0 {
		remaining = 0
	}
	return CheckResult{
		CanPurchase: current < maxCount,
		Current:     current,
		Max:         maxCount,
		Remaining:   remaining,
	}
}

// IncrementAndValidate atomically claims one purchase slot: increment the
// counter, refresh its TTL, and validate against maxCount. Above the limit
// the increment is rolled back and WasAtLimit is set. On success the full
// purchase record is written alongside with the same TTL.
//
// Fail-closed: any store failure returns Success=false and is only logged.
func (g *Gate) IncrementAndValidate(ctx context.Context, userID, tokenMint string, maxCount int, subscriptionID string) IncrementResult {
	countKey := g.keys.PurchaseCount(userID, tokenMint)

	newCount, err := g.store.Incr(ctx, countKey)
	if err != nil {
		g.logger.Error("quota increment failed",
			"user", userID, "token", tokenMint, "error", err)
		return IncrementResult{Success: false}
	}
	if err := g.store.Expire(ctx, countKey, g.ttl); err != nil {
		g.logger.Warn("quota ttl refresh failed", "key", countKey, "error", err)
	}

	if int(newCount) > maxCount {
		rolled, err := g.store.Decr(ctx, countKey)
		if err != nil {
			// Counter reads above the limit until TTL expiry; the gate
			// still denies this purchase.
			g.logger.Error("quota rollback failed",
				"user", userID, "token", tokenMint, "error", err)
			rolled = newCount - 1
		}
		return IncrementResult{Success: false, NewCount: int(rolled), WasAtLimit: true}
	}

	record := Record{
		UserID:         userID,
		TokenMint:      tokenMint,
		CurrentCount:   int(newCount),
		MaxCount:       maxCount,
		LastPurchase:   time.Now().UTC(),
		SubscriptionID: subscriptionID,
	}
	data, err := json.Marshal(record)
	if err == nil {
		err = g.store.Set(ctx, g.keys.PurchaseRecord(userID, tokenMint), string(data), g.ttl)
	}
	if err != nil {
		g.logger.Warn("purchase record write failed",
			"user", userID, "token", tokenMint, "error", err)
	}

	return IncrementResult{Success: true, NewCount: int(newCount)}
}

// GetRecord returns the purchase record for (user, token), or nil when none
// exists.
func (g *Gate) GetRecord(ctx context.Context, userID, tokenMint string) (*Record, error) {
	val, err := g.store.Get(ctx, g.keys.PurchaseRecord(userID, tokenMint))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var record Record
	if err := json.Unmarshal([]byte(val), &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// Reset deletes both the counter and the record for (user, token).
func (g *Gate) Reset(ctx context.Context, userID, tokenMint string) bool {
	err := g.store.Del(ctx,
		g.keys.PurchaseCount(userID, tokenMint),
		g.keys.PurchaseRecord(userID, tokenMint),
	)
	if err != nil {
		g.logger.Error("quota reset failed", "user", userID, "token", tokenMint, "error", err)
		return false
	}
	return true
}

func parseCount(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}
