package tradestore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/blok-hamster/copy-trader-service/internal/kv"
	"github.com/blok-hamster/copy-trader-service/pkg/types"
)

func newStore(backing kv.Store) *Store {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(backing, kv.NewKeys("test", false), 7*24*time.Hour, logger)
}

func testTrade(id, kol string, ts time.Time) types.Trade {
	return types.Trade{
		ID:          id,
		KOLWallet:   kol,
		Signature:   "sig-" + id,
		Timestamp:   ts,
		Side:        types.SideBuy,
		TokenMint:   "M",
		QuoteMint:   types.NativeMint,
		TokenAmount: decimal.RequireFromString("100"),
		QuoteAmount: decimal.RequireFromString("0.5"),
	}
}

func TestSaveAndGetTrade(t *testing.T) {
	t.Parallel()
	s := newStore(kv.NewMemory())
	ctx := context.Background()

	trade := testTrade("t1", "K1", time.Now().UTC().Truncate(time.Millisecond))
	if err := s.SaveTrade(ctx, trade); err != nil {
		t.Fatalf("SaveTrade: %v", err)
	}

	got, err := s.GetTrade(ctx, "K1", "t1")
	if err != nil {
		t.Fatalf("GetTrade: %v", err)
	}
	if got == nil {
		t.Fatal("GetTrade returned nil")
	}
	if got.ID != trade.ID || got.Side != trade.Side || !got.TokenAmount.Equal(trade.TokenAmount) {
		t.Errorf("trade round trip mismatch: %+v", got)
	}
}

func TestGetTradeAbsent(t *testing.T) {
	t.Parallel()
	s := newStore(kv.NewMemory())

	got, err := s.GetTrade(context.Background(), "K1", "missing")
	if err != nil {
		t.Fatalf("GetTrade: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing trade, got %+v", got)
	}
}

func TestRecentKOLTradesNewestFirst(t *testing.T) {
	t.Parallel()
	s := newStore(kv.NewMemory())
	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < 5; i++ {
		trade := testTrade(fmt.Sprintf("t%d", i), "K1", base.Add(time.Duration(i)*time.Second))
		if err := s.SaveTrade(ctx, trade); err != nil {
			t.Fatalf("SaveTrade: %v", err)
		}
	}

	trades, err := s.RecentKOLTrades(ctx, "K1", 3)
	if err != nil {
		t.Fatalf("RecentKOLTrades: %v", err)
	}
	if len(trades) != 3 {
		t.Fatalf("got %d trades, want 3", len(trades))
	}
	for i, want := range []string{"t4", "t3", "t2"} {
		if trades[i].ID != want {
			t.Errorf("trades[%d].ID = %s, want %s", i, trades[i].ID, want)
		}
	}
}

func TestKOLRecentCapEnforced(t *testing.T) {
	t.Parallel()
	backing := kv.NewMemory()
	s := newStore(backing)
	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < kolRecentCap+20; i++ {
		trade := testTrade(fmt.Sprintf("t%d", i), "K1", base.Add(time.Duration(i)*time.Second))
		if err := s.SaveTrade(ctx, trade); err != nil {
			t.Fatalf("SaveTrade: %v", err)
		}
	}

	keys := kv.NewKeys("test", false)
	n, err := backing.ZCard(ctx, keys.KOLRecentTrades("K1"))
	if err != nil {
		t.Fatalf("ZCard: %v", err)
	}
	if n != kolRecentCap {
		t.Errorf("per-KOL set size = %d, want %d", n, kolRecentCap)
	}

	// Newest survives the trim.
	trades, err := s.RecentKOLTrades(ctx, "K1", 1)
	if err != nil {
		t.Fatalf("RecentKOLTrades: %v", err)
	}
	if len(trades) != 1 || trades[0].ID != fmt.Sprintf("t%d", kolRecentCap+19) {
		t.Errorf("newest trade = %+v", trades)
	}
}

func TestGlobalRecentTrades(t *testing.T) {
	t.Parallel()
	s := newStore(kv.NewMemory())
	ctx := context.Background()
	base := time.Now().UTC()

	s.SaveTrade(ctx, testTrade("a", "K1", base))
	s.SaveTrade(ctx, testTrade("b", "K2", base.Add(time.Second)))

	trades, err := s.RecentTrades(ctx, 10)
	if err != nil {
		t.Fatalf("RecentTrades: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("got %d trades, want 2", len(trades))
	}
	if trades[0].ID != "b" || trades[1].ID != "a" {
		t.Errorf("order = [%s %s], want [b a]", trades[0].ID, trades[1].ID)
	}
}

func TestMetricsRoundTrip(t *testing.T) {
	t.Parallel()
	backing := kv.NewMemory()
	s := newStore(backing)
	ctx := context.Background()

	m := types.ServiceMetrics{TradesProcessed: 7, QuotaDenied: 2, LastTradeAt: time.Now().UTC()}
	if err := s.SaveMetrics(ctx, m); err != nil {
		t.Fatalf("SaveMetrics: %v", err)
	}
	got, err := s.LoadMetrics(ctx)
	if err != nil {
		t.Fatalf("LoadMetrics: %v", err)
	}
	if got.TradesProcessed != 7 || got.QuotaDenied != 2 {
		t.Errorf("metrics = %+v", got)
	}

	s.IncrCounter(ctx, "trades_processed")
	s.IncrCounter(ctx, "trades_processed")
	keys := kv.NewKeys("test", false)
	val, err := backing.Get(ctx, keys.MetricsCounter("trades_processed"))
	if err != nil || val != "2" {
		t.Errorf("counter = %q, %v; want 2", val, err)
	}
	if backing.LastTTL[keys.MetricsCounter("trades_processed")] != counterTTL {
		t.Errorf("counter ttl not refreshed")
	}
}

func TestLoadMetricsAbsent(t *testing.T) {
	t.Parallel()
	s := newStore(kv.NewMemory())

	m, err := s.LoadMetrics(context.Background())
	if err != nil {
		t.Fatalf("LoadMetrics: %v", err)
	}
	if m.TradesProcessed != 0 {
		t.Errorf("fresh metrics = %+v, want zero", m)
	}
}
