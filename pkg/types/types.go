// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the broker — trade records,
// subscription settings, inbound webhook payloads, and the messages that
// cross the bus. It has no dependencies on internal packages, so it can be
// imported by any layer.
package types

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of a classified swap: buy or sell.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// SubscriptionType distinguishes what a subscriber wants from a KOL wallet.
type SubscriptionType string

const (
	// SubTrade mirrors detected trades via the execution service.
	SubTrade SubscriptionType = "trade"
	// SubWatch receives notifications only; never triggers execution.
	SubWatch SubscriptionType = "watch"
)

// NativeMint is the canonical wrapped-SOL mint, the quote asset for every
// classified swap.
const NativeMint = "So11111111111111111111111111111111111111112"

// NativeDecimals is the lamport exponent of the native unit.
const NativeDecimals = 9

// ————————————————————————————————————————————————————————————————————————
// Trade
// ————————————————————————————————————————————————————————————————————————

// Trade is the canonical record produced by the classifier for one KOL swap.
// Immutable after creation: the dispatcher fills DexProgram before the
// record leaves the pipeline, then nothing mutates it.
type Trade struct {
	ID        string    `json:"id"`
	KOLWallet string    `json:"kolWallet"`
	Signature string    `json:"signature"`
	Timestamp time.Time `json:"timestamp"`

	Side      Side   `json:"side"`
	TokenMint string `json:"tokenMint"`
	QuoteMint string `json:"quoteMint"`

	TokenAmount decimal.Decimal `json:"tokenAmount"`
	QuoteAmount decimal.Decimal `json:"quoteAmount"`

	DexProgram string `json:"dexProgram,omitempty"`
	Slot       uint64 `json:"slot,omitempty"`
	Fee        uint64 `json:"fee,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Subscription
// ————————————————————————————————————————————————————————————————————————

// WatchConfig holds the exit rules forwarded to the execution service with
// each copy trade.
type WatchConfig struct {
	TakeProfitPct   float64 `json:"takeProfitPct"`
	StopLossPct     float64 `json:"stopLossPct"`
	TrailingStopPct float64 `json:"trailingStopPct,omitempty"`
	MaxHoldMinutes  int     `json:"maxHoldMinutes,omitempty"`
}

// SafetySettings are optional per-subscription guard rails, passed through
// to the execution service.
type SafetySettings struct {
	MaxSlippageBps    int      `json:"maxSlippageBps,omitempty"`
	DexWhitelist      []string `json:"dexWhitelist,omitempty"`
	TokenBlacklist    []string `json:"tokenBlacklist,omitempty"`
	TradingHoursStart string   `json:"tradingHoursStart,omitempty"`
	TradingHoursEnd   string   `json:"tradingHoursEnd,omitempty"`
}

// Subscription links a user to a KOL wallet. (UserID, KOLWallet) is unique;
// re-adding replaces the prior record.
//
// PrivateKey is the user's opaque signing credential. It passes through the
// broker to the execution service and must never be logged or indexed.
type Subscription struct {
	ID            string `json:"id"`
	UserID        string `json:"userId"`
	KOLWallet     string `json:"kolWallet"`
	WalletAddress string `json:"walletAddress"`
	PrivateKey    string `json:"privateKey,omitempty"`

	Type           SubscriptionType `json:"type"`
	Active         bool             `json:"active"`
	CopyPercentage float64          `json:"copyPercentage"`

	MinAmount     *decimal.Decimal `json:"minAmount,omitempty"`
	MaxAmount     *decimal.Decimal `json:"maxAmount,omitempty"`
	TokenBuyCount int              `json:"tokenBuyCount,omitempty"`

	WatchConfig *WatchConfig    `json:"watchConfig,omitempty"`
	Safety      *SafetySettings `json:"safety,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ————————————————————————————————————————————————————————————————————————
// Inbound webhook payload (enhanced transactions)
// ————————————————————————————————————————————————————————————————————————

// EventKind is the closed set of inbound transaction shapes. Only swaps are
// classified; everything else is dropped with its kind logged.
type EventKind string

const (
	EventSwap  EventKind = "swap"
	EventOther EventKind = "other"
)

// RawTokenAmount is a signed decimal string plus its mint's exponent.
type RawTokenAmount struct {
	TokenAmount string `json:"tokenAmount"`
	Decimals    int    `json:"decimals"`
}

// TokenBalanceChange is one account's net change on one mint.
type TokenBalanceChange struct {
	UserAccount    string         `json:"userAccount"`
	TokenAccount   string         `json:"tokenAccount"`
	Mint           string         `json:"mint"`
	RawTokenAmount RawTokenAmount `json:"rawTokenAmount"`
}

// AccountData carries the native delta (lamports) and token deltas for one
// account touched by the transaction.
type AccountData struct {
	Account             string               `json:"account"`
	NativeBalanceChange int64                `json:"nativeBalanceChange"`
	TokenBalanceChanges []TokenBalanceChange `json:"tokenBalanceChanges"`
}

// NativeTransfer is a lamport movement between two accounts.
type NativeTransfer struct {
	FromUserAccount string `json:"fromUserAccount"`
	ToUserAccount   string `json:"toUserAccount"`
	Amount          int64  `json:"amount"`
}

// TokenTransfer is a token movement between two accounts.
type TokenTransfer struct {
	FromUserAccount string  `json:"fromUserAccount"`
	ToUserAccount   string  `json:"toUserAccount"`
	Mint            string  `json:"mint"`
	TokenAmount     float64 `json:"tokenAmount"`
}

// WebhookTransaction is one enhanced transaction as delivered by the index
// provider. Fields the broker does not read are dropped on decode.
type WebhookTransaction struct {
	Signature   string `json:"signature"`
	Type        string `json:"type"`
	Source      string `json:"source"`
	Description string `json:"description"`
	Fee         uint64 `json:"fee"`
	FeePayer    string `json:"feePayer"`
	Slot        uint64 `json:"slot"`
	Timestamp   int64  `json:"timestamp"`

	AccountData     []AccountData    `json:"accountData"`
	NativeTransfers []NativeTransfer `json:"nativeTransfers"`
	TokenTransfers  []TokenTransfer  `json:"tokenTransfers"`
}

// Kind maps the provider's free-form type discriminator onto the closed
// internal sum. Anything in the SWAP family classifies; the rest does not.
func (t *WebhookTransaction) Kind() EventKind {
	if strings.Contains(strings.ToUpper(t.Type), "SWAP") {
		return EventSwap
	}
	return EventOther
}

// EventTime converts the provider's unix-seconds timestamp to an instant.
func (t *WebhookTransaction) EventTime() time.Time {
	return time.Unix(t.Timestamp, 0).UTC()
}

// ————————————————————————————————————————————————————————————————————————
// Bus messages
// ————————————————————————————————————————————————————————————————————————

// TradeDetectedEvent is published once per classified trade on the events
// exchange (routing key kol.trade.detected).
type TradeDetectedEvent struct {
	Trade           Trade          `json:"trade"`
	Subscriptions   []Subscription `json:"subscriptions"`
	EstimatedCopies int            `json:"estimatedCopies"`
	Probability     float64        `json:"probability,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
}

// Notification is published once per matched subscription on the
// notifications exchange (routing key client.notification).
type Notification struct {
	UserID              string          `json:"userId"`
	NotificationType    string          `json:"notificationType"`
	Trade               Trade           `json:"trade"`
	Subscription        Subscription    `json:"subscription"`
	EstimatedCopyAmount decimal.Decimal `json:"estimatedCopyAmount"`
	Timestamp           time.Time       `json:"timestamp"`
}

// NotificationTradeDetected is the only notification type the dispatcher
// emits today.
const NotificationTradeDetected = "trade_detected"

// CopyTradeOrder is one element of a batched copy-trade command sent to the
// execution service. PrivateKey is opaque pass-through.
type CopyTradeOrder struct {
	AgentID     string           `json:"agentId"`
	TradeType   Side             `json:"tradeType"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
	PrivateKey  string           `json:"privateKey,omitempty"`
	Mint        string           `json:"mint"`
	Priority    string           `json:"priority"`
	WatchConfig *WatchConfig     `json:"watchConfig,omitempty"`
}

// CopyTradeBatch bundles every quota-approved trade subscription for one
// detected trade into a single execution request (routing key
// copy.trade.request).
type CopyTradeBatch struct {
	Trades    []CopyTradeOrder `json:"trades"`
	SourceID  string           `json:"sourceTradeId"`
	KOLWallet string           `json:"kolWallet"`
	Timestamp time.Time        `json:"timestamp"`
}

// ServiceMetrics is the running counter snapshot persisted under
// metrics:current.
type ServiceMetrics struct {
	TradesProcessed   int64     `json:"tradesProcessed"`
	TradesDropped     int64     `json:"tradesDropped"`
	QuotaDenied       int64     `json:"quotaDenied"`
	NotificationsSent int64     `json:"notificationsSent"`
	CopyTradesSent    int64     `json:"copyTradesSent"`
	LastTradeAt       time.Time `json:"lastTradeAt"`
	StartedAt         time.Time `json:"startedAt"`
}
