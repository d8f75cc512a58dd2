// Package dispatcher is the control plane of the broker.
//
// It consumes inbound webhook batches and runs each transaction through the
// pipeline: identify the KOL wallet, classify the swap, persist the trade,
// gate trade-type subscriptions through the purchase quota, then fan out —
// one trade-detected event, one notification per matched subscription, and
// a single batched copy-trade command for the quota-approved subscribers.
//
// Ordering: trades for one KOL wallet are processed serially behind a
// per-KOL mutex; batches across KOLs run concurrently on the worker pool.
package dispatcher

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/blok-hamster/copy-trader-service/internal/bus"
	"github.com/blok-hamster/copy-trader-service/internal/classifier"
	"github.com/blok-hamster/copy-trader-service/internal/quota"
	"github.com/blok-hamster/copy-trader-service/pkg/types"
)

// SubscriptionSource is the slice of the registry the dispatcher reads.
type SubscriptionSource interface {
	GetWatchedKOLWallets(ctx context.Context) []string
	GetSubscriptionsForKOL(ctx context.Context, kolWallet string) []types.Subscription
}

// QuotaGate is the authoritative purchase gate.
type QuotaGate interface {
	IncrementAndValidate(ctx context.Context, userID, tokenMint string, maxCount int, subscriptionID string) quota.IncrementResult
}

// TradeSink persists trades and metrics; failures are non-fatal to dispatch.
type TradeSink interface {
	SaveTrade(ctx context.Context, trade types.Trade) error
	IncrCounter(ctx context.Context, name string)
	SaveMetrics(ctx context.Context, m types.ServiceMetrics) error
}

// ProbabilityScorer is the optional ML predictor.
type ProbabilityScorer interface {
	IsPredictable(wallet string) bool
	Probability(ctx context.Context, tokenMint string, at time.Time) float64
}

// EventSink receives trade-detected events for the live operator stream.
// Must not block.
type EventSink func(evt types.TradeDetectedEvent)

// Counter names persisted via TradeSink.IncrCounter.
const (
	counterTradesProcessed   = "trades_processed"
	counterTradesDropped     = "trades_dropped"
	counterQuotaDenied       = "quota_denied"
	counterNotificationsSent = "notifications_sent"
	counterCopyTradesSent    = "copy_trades_sent"
)

// metricsFlushInterval paces ServiceMetrics snapshots to the store.
const metricsFlushInterval = 30 * time.Second

// Dispatcher wires the pipeline together. Construct with New, inject into
// the webhook server, then Start.
type Dispatcher struct {
	registry  SubscriptionSource
	gate      QuotaGate
	trades    TradeSink
	publisher bus.Publisher
	scorer    ProbabilityScorer
	names     bus.Names
	logger    *slog.Logger

	timeout       time.Duration
	maxConcurrent int

	batches chan []types.WebhookTransaction

	kolMu    sync.Mutex
	kolLocks map[string]*sync.Mutex

	metricsMu sync.Mutex
	metrics   types.ServiceMetrics

	events EventSink

	wg sync.WaitGroup
}

// New creates a dispatcher. events may be nil.
func New(
	registry SubscriptionSource,
	gate QuotaGate,
	trades TradeSink,
	publisher bus.Publisher,
	scorer ProbabilityScorer,
	names bus.Names,
	maxConcurrent int,
	timeout time.Duration,
	events EventSink,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		registry:      registry,
		gate:          gate,
		trades:        trades,
		publisher:     publisher,
		scorer:        scorer,
		names:         names,
		timeout:       timeout,
		maxConcurrent: maxConcurrent,
		batches:       make(chan []types.WebhookTransaction, maxConcurrent),
		kolLocks:      make(map[string]*sync.Mutex),
		metrics:       types.ServiceMetrics{StartedAt: time.Now().UTC()},
		events:        events,
		logger:        logger.With("component", "dispatcher"),
	}
}

// SetEventSink installs the live event sink. Call before Start.
func (d *Dispatcher) SetEventSink(sink EventSink) {
	d.events = sink
}

// Start launches the worker pool and the metrics flusher. Workers drain the
// batch queue until ctx is cancelled; Stop waits for in-flight batches.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.maxConcurrent; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case batch := <-d.batches:
					d.processBatch(ctx, batch)
				}
			}
		}()
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(metricsFlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				d.flushMetrics(context.Background())
				return
			case <-ticker.C:
				d.flushMetrics(ctx)
			}
		}
	}()
}

// Stop waits for workers to finish after their context is cancelled.
func (d *Dispatcher) Stop() {
	d.wg.Wait()
}

// EnqueueBatch hands one webhook batch to the worker pool without blocking
// the transport. A full queue drops the batch — the provider retries on its
// own schedule.
func (d *Dispatcher) EnqueueBatch(batch []types.WebhookTransaction) {
	if len(batch) == 0 {
		return
	}
	select {
	case d.batches <- batch:
	default:
		d.logger.Warn("batch queue full, dropping", "size", len(batch))
		d.bumpDropped(int64(len(batch)))
	}
}

// processBatch runs the batch's transactions in arrival order. One failed
// transaction never stops the rest.
func (d *Dispatcher) processBatch(ctx context.Context, batch []types.WebhookTransaction) {
	for i := range batch {
		txCtx, cancel := context.WithTimeout(ctx, d.timeout)
		d.processTransaction(txCtx, &batch[i])
		cancel()
	}
}

func (d *Dispatcher) processTransaction(ctx context.Context, tx *types.WebhookTransaction) {
	if tx.Kind() != types.EventSwap {
		d.logger.Debug("non-swap transaction dropped", "type", tx.Type, "signature", tx.Signature)
		d.drop(ctx)
		return
	}

	kolWallet := d.findKOL(ctx, tx)
	if kolWallet == "" {
		d.logger.Debug("no watched wallet in transaction", "signature", tx.Signature)
		d.drop(ctx)
		return
	}

	// Serialize per KOL so this wallet's trades keep arrival order.
	lock := d.lockFor(kolWallet)
	lock.Lock()
	defer lock.Unlock()

	swap, err := classifier.Classify(tx, kolWallet)
	if err != nil {
		d.logger.Debug("unclassifiable transaction",
			"signature", tx.Signature, "kol", kolWallet, "error", err)
		d.drop(ctx)
		return
	}

	trade := types.Trade{
		ID:          uuid.NewString(),
		KOLWallet:   kolWallet,
		Signature:   tx.Signature,
		Timestamp:   tx.EventTime(),
		Side:        swap.Side,
		TokenMint:   swap.TokenMint,
		QuoteMint:   types.NativeMint,
		TokenAmount: swap.TokenAmount,
		QuoteAmount: swap.QuoteAmount,
		DexProgram:  dexLabel(tx.Source, tx.Description),
		Slot:        tx.Slot,
		Fee:         tx.Fee,
	}

	if err := d.trades.SaveTrade(ctx, trade); err != nil {
		d.logger.Warn("trade persistence failed",
			"trade", trade.ID, "kol", kolWallet, "error", err)
	}

	d.fanOut(ctx, trade)
}

// fanOut partitions the KOL's subscriptions, applies the quota gate, and
// emits the three outbound streams.
func (d *Dispatcher) fanOut(ctx context.Context, trade types.Trade) {
	subs := d.registry.GetSubscriptionsForKOL(ctx, trade.KOLWallet)

	// notify carries redacted copies: the signing credential rides only the
	// copy-trade batch, never the events or notifications exchanges.
	var notify []types.Subscription
	var eligible []types.Subscription
	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		public := sub
		public.PrivateKey = ""
		notify = append(notify, public)

		if sub.Type != types.SubTrade {
			continue
		}
		if sub.TokenBuyCount > 0 && sub.WatchConfig != nil {
			res := d.gate.IncrementAndValidate(ctx, sub.UserID, trade.TokenMint, sub.TokenBuyCount, sub.ID)
			if !res.Success {
				if res.WasAtLimit {
					d.logger.Info("purchase quota reached",
						"user", sub.UserID, "token", trade.TokenMint, "limit", sub.TokenBuyCount)
				}
				d.trades.IncrCounter(ctx, counterQuotaDenied)
				d.bumpQuotaDenied()
				continue
			}
		}
		eligible = append(eligible, sub)
	}

	probability := 0.0
	if d.scorer != nil && d.scorer.IsPredictable(trade.KOLWallet) {
		probability = d.scorer.Probability(ctx, trade.TokenMint, trade.Timestamp)
	}

	event := types.TradeDetectedEvent{
		Trade:           trade,
		Subscriptions:   notify,
		EstimatedCopies: len(eligible),
		Probability:     probability,
		Timestamp:       time.Now().UTC(),
	}
	if err := d.publisher.Publish(ctx, d.names.EventsExchange, bus.KeyTradeDetected, event); err != nil {
		d.logger.Error("trade-detected publish failed", "trade", trade.ID, "error", err)
	}
	if d.events != nil {
		d.events(event)
	}

	// Notifications follow trade order per user because this KOL's trades
	// are serialized above.
	for _, sub := range notify {
		notification := types.Notification{
			UserID:              sub.UserID,
			NotificationType:    types.NotificationTradeDetected,
			Trade:               trade,
			Subscription:        sub,
			EstimatedCopyAmount: estimatedCopyAmount(trade.QuoteAmount, sub.CopyPercentage),
			Timestamp:           time.Now().UTC(),
		}
		if err := d.publisher.Publish(ctx, d.names.NotificationsExchange, bus.KeyClientNotification, notification); err != nil {
			d.logger.Error("notification publish failed",
				"user", sub.UserID, "trade", trade.ID, "error", err)
			continue
		}
		d.trades.IncrCounter(ctx, counterNotificationsSent)
		d.bumpNotifications()
	}

	if len(eligible) > 0 {
		batch := types.CopyTradeBatch{
			Trades:    make([]types.CopyTradeOrder, 0, len(eligible)),
			SourceID:  trade.ID,
			KOLWallet: trade.KOLWallet,
			Timestamp: time.Now().UTC(),
		}
		for _, sub := range eligible {
			batch.Trades = append(batch.Trades, types.CopyTradeOrder{
				AgentID:     sub.UserID,
				TradeType:   trade.Side,
				Amount:      sub.MinAmount,
				PrivateKey:  sub.PrivateKey,
				Mint:        trade.TokenMint,
				Priority:    "high",
				WatchConfig: sub.WatchConfig,
			})
		}
		if err := d.publisher.Publish(ctx, d.names.EventsExchange, bus.KeyCopyTradeRequest, batch); err != nil {
			d.logger.Error("copy-trade publish failed", "trade", trade.ID, "error", err)
		} else {
			d.trades.IncrCounter(ctx, counterCopyTradesSent)
			d.bumpCopyTrades(int64(len(eligible)))
		}
	}

	d.trades.IncrCounter(ctx, counterTradesProcessed)
	d.bumpProcessed()

	d.logger.Info("trade dispatched",
		"trade", trade.ID,
		"kol", trade.KOLWallet,
		"side", trade.Side,
		"token", trade.TokenMint,
		"notified", len(notify),
		"copies", len(eligible),
	)
}

// findKOL scans the transaction's account surfaces for any wallet in the
// current active set.
func (d *Dispatcher) findKOL(ctx context.Context, tx *types.WebhookTransaction) string {
	watched := d.registry.GetWatchedKOLWallets(ctx)
	if len(watched) == 0 {
		return ""
	}
	active := make(map[string]struct{}, len(watched))
	for _, wallet := range watched {
		active[wallet] = struct{}{}
	}

	isActive := func(addr string) bool {
		_, ok := active[addr]
		return ok
	}

	for _, acct := range tx.AccountData {
		if isActive(acct.Account) {
			return acct.Account
		}
	}
	for _, transfer := range tx.NativeTransfers {
		if isActive(transfer.FromUserAccount) {
			return transfer.FromUserAccount
		}
		if isActive(transfer.ToUserAccount) {
			return transfer.ToUserAccount
		}
	}
	for _, transfer := range tx.TokenTransfers {
		if isActive(transfer.FromUserAccount) {
			return transfer.FromUserAccount
		}
		if isActive(transfer.ToUserAccount) {
			return transfer.ToUserAccount
		}
	}
	if isActive(tx.FeePayer) {
		return tx.FeePayer
	}
	return ""
}

func (d *Dispatcher) lockFor(kolWallet string) *sync.Mutex {
	d.kolMu.Lock()
	defer d.kolMu.Unlock()
	lock, ok := d.kolLocks[kolWallet]
	if !ok {
		lock = &sync.Mutex{}
		d.kolLocks[kolWallet] = lock
	}
	return lock
}

func (d *Dispatcher) drop(ctx context.Context) {
	d.trades.IncrCounter(ctx, counterTradesDropped)
	d.bumpDropped(1)
}

// Metrics returns a snapshot of the in-memory counters.
func (d *Dispatcher) Metrics() types.ServiceMetrics {
	d.metricsMu.Lock()
	defer d.metricsMu.Unlock()
	return d.metrics
}

func (d *Dispatcher) flushMetrics(ctx context.Context) {
	snapshot := d.Metrics()
	if err := d.trades.SaveMetrics(ctx, snapshot); err != nil {
		d.logger.Warn("metrics flush failed", "error", err)
	}
}

func (d *Dispatcher) bumpProcessed() {
	d.metricsMu.Lock()
	d.metrics.TradesProcessed++
	d.metrics.LastTradeAt = time.Now().UTC()
	d.metricsMu.Unlock()
}

func (d *Dispatcher) bumpDropped(n int64) {
	d.metricsMu.Lock()
	d.metrics.TradesDropped += n
	d.metricsMu.Unlock()
}

func (d *Dispatcher) bumpQuotaDenied() {
	d.metricsMu.Lock()
	d.metrics.QuotaDenied++
	d.metricsMu.Unlock()
}

func (d *Dispatcher) bumpNotifications() {
	d.metricsMu.Lock()
	d.metrics.NotificationsSent++
	d.metricsMu.Unlock()
}

func (d *Dispatcher) bumpCopyTrades(n int64) {
	d.metricsMu.Lock()
	d.metrics.CopyTradesSent += n
	d.metricsMu.Unlock()
}

// estimatedCopyAmount sizes a copy at copyPercentage of the original quote.
func estimatedCopyAmount(quoteAmount decimal.Decimal, copyPercentage float64) decimal.Decimal {
	pct := decimal.NewFromFloat(copyPercentage)
	return quoteAmount.Mul(pct).Div(decimal.NewFromInt(100))
}

// dexLabel infers the DEX program from the payload's source or description.
var dexPrograms = []string{
	"jupiter",
	"raydium",
	"orca",
	"meteora",
	"pump_fun",
	"phoenix",
	"lifinity",
}

func dexLabel(source, description string) string {
	src := strings.ToLower(source)
	desc := strings.ToLower(description)
	for _, program := range dexPrograms {
		if src == program || strings.Contains(desc, strings.ReplaceAll(program, "_", " ")) || strings.Contains(desc, program) {
			return program
		}
	}
	if source != "" {
		return strings.ToLower(source)
	}
	return "unknown"
}
