// Package tradestore persists classified trades and service metrics.
//
// Each trade lands in three places: a per-KOL detail key, the KOL's recent
// sorted set (trade IDs scored by event time, capped at 100), and the global
// recent sorted set (full JSON members, capped at 1000). All carry the
// configured trade-history retention.
package tradestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/blok-hamster/copy-trader-service/internal/kv"
	"github.com/blok-hamster/copy-trader-service/pkg/types"
)

const (
	kolRecentCap    = 100
	globalRecentCap = 1000

	counterTTL = 24 * time.Hour
)

// Store writes and reads trade history on the shared KV store.
type Store struct {
	store  kv.Store
	keys   kv.Keys
	ttl    time.Duration
	logger *slog.Logger
}

// New creates a trade store with the given history retention.
func New(store kv.Store, keys kv.Keys, ttl time.Duration, logger *slog.Logger) *Store {
	return &Store{
		store:  store,
		keys:   keys,
		ttl:    ttl,
		logger: logger.With("component", "tradestore"),
	}
}

// SaveTrade persists one trade: detail key, per-KOL recent set, global
// recent set, trimming both sets to their caps. Returns the first error but
// attempts every write — history persistence is non-fatal to dispatch.
func (s *Store) SaveTrade(ctx context.Context, trade types.Trade) error {
	data, err := json.Marshal(trade)
	if err != nil {
		return fmt.Errorf("encode trade: %w", err)
	}
	score := float64(trade.Timestamp.UnixMilli())

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(s.store.Set(ctx, s.keys.TradeDetail(trade.KOLWallet, trade.ID), string(data), s.ttl))

	kolKey := s.keys.KOLRecentTrades(trade.KOLWallet)
	record(s.store.ZAdd(ctx, kolKey, score, trade.ID))
	record(s.store.ZRemRangeByRank(ctx, kolKey, 0, -(kolRecentCap + 1)))
	record(s.store.Expire(ctx, kolKey, s.ttl))

	globalKey := s.keys.RecentTrades()
	record(s.store.ZAdd(ctx, globalKey, score, string(data)))
	record(s.store.ZRemRangeByRank(ctx, globalKey, 0, -(globalRecentCap + 1)))
	record(s.store.Expire(ctx, globalKey, s.ttl))

	return firstErr
}

// RecentKOLTrades returns up to limit trades for one KOL, newest first.
// Detail keys that expired out from under the sorted set are skipped.
func (s *Store) RecentKOLTrades(ctx context.Context, kolWallet string, limit int) ([]types.Trade, error) {
	if limit <= 0 || limit > kolRecentCap {
		limit = kolRecentCap
	}
	ids, err := s.store.ZRevRange(ctx, s.keys.KOLRecentTrades(kolWallet), 0, int64(limit-1))
	if err != nil {
		return nil, fmt.Errorf("read recent set: %w", err)
	}

	trades := make([]types.Trade, 0, len(ids))
	for _, id := range ids {
		trade, err := s.GetTrade(ctx, kolWallet, id)
		if err != nil {
			s.logger.Warn("trade detail read failed", "kol", kolWallet, "trade", id, "error", err)
			continue
		}
		if trade != nil {
			trades = append(trades, *trade)
		}
	}
	return trades, nil
}

// RecentTrades returns up to limit trades across all KOLs, newest first.
func (s *Store) RecentTrades(ctx context.Context, limit int) ([]types.Trade, error) {
	if limit <= 0 || limit > globalRecentCap {
		limit = globalRecentCap
	}
	members, err := s.store.ZRevRange(ctx, s.keys.RecentTrades(), 0, int64(limit-1))
	if err != nil {
		return nil, fmt.Errorf("read global recent set: %w", err)
	}

	trades := make([]types.Trade, 0, len(members))
	for _, member := range members {
		var trade types.Trade
		if err := json.Unmarshal([]byte(member), &trade); err != nil {
			s.logger.Warn("recent trade decode failed", "error", err)
			continue
		}
		trades = append(trades, trade)
	}
	return trades, nil
}

// GetTrade returns one trade by KOL and ID, or nil when absent.
func (s *Store) GetTrade(ctx context.Context, kolWallet, tradeID string) (*types.Trade, error) {
	val, err := s.store.Get(ctx, s.keys.TradeDetail(kolWallet, tradeID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var trade types.Trade
	if err := json.Unmarshal([]byte(val), &trade); err != nil {
		return nil, fmt.Errorf("decode trade: %w", err)
	}
	return &trade, nil
}

// IncrCounter bumps a named metrics counter, refreshing its 24h TTL.
// Failures are logged only; metrics never fail the pipeline.
func (s *Store) IncrCounter(ctx context.Context, name string) {
	key := s.keys.MetricsCounter(name)
	if _, err := s.store.Incr(ctx, key); err != nil {
		s.logger.Warn("counter increment failed", "counter", name, "error", err)
		return
	}
	if err := s.store.Expire(ctx, key, counterTTL); err != nil {
		s.logger.Warn("counter ttl refresh failed", "counter", name, "error", err)
	}
}

// SaveMetrics persists the running ServiceMetrics snapshot.
func (s *Store) SaveMetrics(ctx context.Context, m types.ServiceMetrics) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}
	return s.store.Set(ctx, s.keys.Metrics(), string(data), 0)
}

// LoadMetrics reads the persisted snapshot; zero-valued when absent.
func (s *Store) LoadMetrics(ctx context.Context) (types.ServiceMetrics, error) {
	var m types.ServiceMetrics
	val, err := s.store.Get(ctx, s.keys.Metrics())
	if errors.Is(err, kv.ErrNotFound) {
		return m, nil
	}
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal([]byte(val), &m); err != nil {
		return m, fmt.Errorf("decode metrics: %w", err)
	}
	return m, nil
}
