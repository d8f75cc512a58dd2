// Package classifier turns raw balance-delta payloads into typed swaps.
//
// Classification is a pure function over the per-account native and token
// balance changes of one transaction: it nets each account's deltas, picks
// the user to analyze, and reads the swap off the sign pattern of the user's
// native (wrapped-SOL) delta versus their single token delta. Anything that
// doesn't fit that shape is not a swap the broker can copy.
package classifier

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/blok-hamster/copy-trader-service/pkg/types"
)

// ErrNotClassifiable marks transactions whose balance deltas do not form a
// single-token swap against the native mint: zero or multiple token legs, a
// zero native leg, or deltas whose signs agree.
var ErrNotClassifiable = errors.New("transaction not classifiable as a swap")

// Swap is the classified net position change for one account.
type Swap struct {
	Owner       string
	Side        types.Side
	TokenMint   string
	TokenAmount decimal.Decimal // always positive
	QuoteAmount decimal.Decimal // always positive, denominated in native units
}

// Classify analyzes tx and returns the net swap for targetUser, or for the
// first account with any non-zero delta when targetUser is empty.
//
// Pure and deterministic: no I/O, no clock, no randomness. Malformed numeric
// strings read as zero rather than failing the transaction.
func Classify(tx *types.WebhookTransaction, targetUser string) (Swap, error) {
	deltas, order := netDeltas(tx)

	owner := targetUser
	if owner == "" {
		owner = firstActive(deltas, order)
	}
	if owner == "" {
		return Swap{}, ErrNotClassifiable
	}

	byMint := deltas[owner]
	native := byMint[types.NativeMint]

	var tokenMint string
	var tokenDelta decimal.Decimal
	tokens := 0
	for mint, d := range byMint {
		if mint == types.NativeMint || d.IsZero() {
			continue
		}
		tokens++
		tokenMint = mint
		tokenDelta = d
	}

	if tokens != 1 || native.IsZero() {
		return Swap{}, ErrNotClassifiable
	}

	switch {
	case native.IsNegative() && tokenDelta.IsPositive():
		return Swap{
			Owner:       owner,
			Side:        types.SideBuy,
			TokenMint:   tokenMint,
			TokenAmount: tokenDelta,
			QuoteAmount: native.Neg(),
		}, nil
	case tokenDelta.IsNegative() && native.IsPositive():
		return Swap{
			Owner:       owner,
			Side:        types.SideSell,
			TokenMint:   tokenMint,
			TokenAmount: tokenDelta.Neg(),
			QuoteAmount: native,
		}, nil
	default:
		return Swap{}, ErrNotClassifiable
	}
}

// netDeltas builds account → mint → net change, preserving the order in
// which accounts first appear in the payload. Native changes are attributed
// to the account that incurred them, under the native-wrap mint.
func netDeltas(tx *types.WebhookTransaction) (map[string]map[string]decimal.Decimal, []string) {
	deltas := make(map[string]map[string]decimal.Decimal)
	var order []string

	add := func(account, mint string, d decimal.Decimal) {
		if account == "" || d.IsZero() {
			return
		}
		byMint, ok := deltas[account]
		if !ok {
			byMint = make(map[string]decimal.Decimal)
			deltas[account] = byMint
			order = append(order, account)
		}
		byMint[mint] = byMint[mint].Add(d)
	}

	for _, acct := range tx.AccountData {
		if acct.NativeBalanceChange != 0 {
			lamports := decimal.NewFromInt(acct.NativeBalanceChange)
			add(acct.Account, types.NativeMint, lamports.Shift(-types.NativeDecimals))
		}
		for _, change := range acct.TokenBalanceChanges {
			raw := parseAmount(change.RawTokenAmount.TokenAmount)
			add(change.UserAccount, change.Mint, raw.Shift(-int32(change.RawTokenAmount.Decimals)))
		}
	}

	return deltas, order
}

// firstActive returns the first account, in payload order, holding any
// non-zero delta.
func firstActive(deltas map[string]map[string]decimal.Decimal, order []string) string {
	for _, account := range order {
		for _, d := range deltas[account] {
			if !d.IsZero() {
				return account
			}
		}
	}
	return ""
}

// parseAmount reads a signed decimal string, treating malformed input as
// zero so one bad field never poisons the whole batch.
func parseAmount(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
