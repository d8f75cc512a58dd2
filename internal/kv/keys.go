package kv

import "fmt"

// Keys builds the broker's key layout. Outside production every key is
// namespaced "{environment}:" so shared stores can host several deployments.
type Keys struct {
	prefix string
}

// NewKeys creates the key builder for an environment. Production keys carry
// no prefix.
func NewKeys(environment string, production bool) Keys {
	if production {
		return Keys{}
	}
	return Keys{prefix: environment + ":"}
}

// UserSubscriptions is the JSON-encoded subscription list for one user.
func (k Keys) UserSubscriptions(userID string) string {
	return k.prefix + "sub:user:" + userID
}

// ActiveKOLs is the set of currently-watched KOL wallets.
func (k Keys) ActiveKOLs() string {
	return k.prefix + "kol:active"
}

// KOLSubscribers is the set of userIDs subscribed to one KOL wallet.
func (k Keys) KOLSubscribers(kolWallet string) string {
	return k.prefix + "kol:subscribers:" + kolWallet
}

// TradeDetail is the JSON-encoded Trade record.
func (k Keys) TradeDetail(kolWallet, tradeID string) string {
	return fmt.Sprintf("%strade:kol:%s:%s", k.prefix, kolWallet, tradeID)
}

// KOLRecentTrades is the per-KOL sorted set of recent trade IDs,
// scored by event time, capped at 100.
func (k Keys) KOLRecentTrades(kolWallet string) string {
	return k.prefix + "trade:recent:" + kolWallet
}

// RecentTrades is the global sorted set of recent trades (full JSON
// members), capped at 1000.
func (k Keys) RecentTrades() string {
	return k.prefix + "trade:recent"
}

// Metrics is the JSON-encoded ServiceMetrics snapshot.
func (k Keys) Metrics() string {
	return k.prefix + "metrics:current"
}

// MetricsCounter is one named integer counter with a 24h TTL.
func (k Keys) MetricsCounter(name string) string {
	return k.prefix + "metrics:counter:" + name
}

// PurchaseCount is the atomic buy counter for (user, token).
func (k Keys) PurchaseCount(userID, tokenMint string) string {
	return fmt.Sprintf("%stoken_purchases:token_buy_count:%s:%s", k.prefix, userID, tokenMint)
}

// PurchaseRecord is the JSON purchase record for (user, token).
func (k Keys) PurchaseRecord(userID, tokenMint string) string {
	return fmt.Sprintf("%stoken_purchases:token_purchase_record:%s:%s", k.prefix, userID, tokenMint)
}
