package types

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
)

func TestKind(t *testing.T) {
	t.Parallel()
	cases := []struct {
		txType string
		want   EventKind
	}{
		{"SWAP", EventSwap},
		{"swap", EventSwap},
		{"COMPRESSED_NFT_MINT", EventOther},
		{"TRANSFER", EventOther},
		{"", EventOther},
	}
	for _, c := range cases {
		tx := WebhookTransaction{Type: c.txType}
		if got := tx.Kind(); got != c.want {
			t.Errorf("Kind(%q) = %q, want %q", c.txType, got, c.want)
		}
	}
}

func TestEventTime(t *testing.T) {
	t.Parallel()
	tx := WebhookTransaction{Timestamp: 1_700_000_000}
	got := tx.EventTime()
	if got.Unix() != 1_700_000_000 {
		t.Errorf("EventTime().Unix() = %d, want 1700000000", got.Unix())
	}
	if got.Location().String() != "UTC" {
		t.Errorf("EventTime() not UTC: %v", got.Location())
	}
}

func TestSubscriptionJSONOmitsEmptyOptionals(t *testing.T) {
	t.Parallel()
	sub := Subscription{UserID: "u1", KOLWallet: "k1", Type: SubTrade}
	data, err := json.Marshal(sub)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, field := range []string{"minAmount", "maxAmount", "watchConfig", "privateKey"} {
		if containsField(data, field) {
			t.Errorf("marshaled subscription should omit %q: %s", field, data)
		}
	}
}

func containsField(data []byte, field string) bool {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return false
	}
	_, ok := m[field]
	return ok
}

func TestTradeDecimalRoundTrip(t *testing.T) {
	t.Parallel()
	tr := Trade{
		ID:          "t1",
		Side:        SideBuy,
		TokenMint:   "Mint111",
		QuoteMint:   NativeMint,
		TokenAmount: decimal.RequireFromString("1000.5"),
		QuoteAmount: decimal.RequireFromString("0.05"),
	}
	data, err := json.Marshal(tr)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Trade
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.TokenAmount.Equal(tr.TokenAmount) || !back.QuoteAmount.Equal(tr.QuoteAmount) {
		t.Errorf("amounts changed across JSON: %v / %v", back.TokenAmount, back.QuoteAmount)
	}
}
