// Package rpcserver answers request/reply queries over the RPC queue.
//
// Each request is a {method, args} envelope; the reply goes back to the
// caller-supplied replyTo queue tagged with the request's correlationId.
// Mutations answer {success, message, data}; read queries answer {message,
// data} and never fail — a broken read yields an empty result.
package rpcserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/blok-hamster/copy-trader-service/internal/bus"
	"github.com/blok-hamster/copy-trader-service/pkg/types"
)

// Methods accepted on the RPC queue.
const (
	methodCreateSubscription  = "createUserSubscription"
	methodRemoveSubscription  = "removeUserSubscription"
	methodAddKOLWallet        = "addKolWalletToWebhook"
	methodRemoveKOLWallet     = "removeKolWalletFromWebhook"
	methodSubscriptionsForKOL = "getSubscriptionsForKOL"
	methodSubscriptionsFor    = "getSubscriptionsForUser"
	methodKOLWallets          = "getKolWallets"
	methodRecentKOLTrades     = "getRecentKOLTrades"
	methodTradeHistory        = "getTradeHistory"
	methodKOLSwaps            = "getKOLSwapTransactions"
)

// defaultTradeLimit bounds history queries that omit a limit.
const defaultTradeLimit = 50

// Registry is the mutation and query surface the server exposes.
type Registry interface {
	AddSubscription(ctx context.Context, sub types.Subscription) ([]types.Subscription, error)
	RemoveSubscription(ctx context.Context, userID, kolWallet string) ([]types.Subscription, error)
	GetSubscriptionsForKOL(ctx context.Context, kolWallet string) []types.Subscription
	GetUserSubscriptions(ctx context.Context, userID string) []types.Subscription
	GetWatchedKOLWallets(ctx context.Context) []string
}

// AddressBook manages the provider's watched-address list directly, outside
// the subscription lifecycle.
type AddressBook interface {
	AppendAddresses(ctx context.Context, addresses []string) error
	RemoveAddresses(ctx context.Context, addresses []string) error
}

// TradeHistory is the read-only trade query surface.
type TradeHistory interface {
	RecentKOLTrades(ctx context.Context, kolWallet string, limit int) ([]types.Trade, error)
	RecentTrades(ctx context.Context, limit int) ([]types.Trade, error)
}

// request is the inbound envelope.
type request struct {
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args"`
}

// args is the union of every method's parameters; each method reads the
// fields it needs.
type args struct {
	UserID         string  `json:"userId"`
	KOLWallet      string  `json:"kolWallet"`
	WalletAddress  string  `json:"walletAddress"`
	PrivateKey     string  `json:"privateKey"`
	Type           string  `json:"type"`
	CopyPercentage float64 `json:"copyPercentage"`
	TokenBuyCount  int     `json:"tokenBuyCount"`
	Limit          int     `json:"limit"`

	MinAmount *json.Number `json:"minAmount,omitempty"`
	MaxAmount *json.Number `json:"maxAmount,omitempty"`

	WatchConfig *types.WatchConfig    `json:"watchConfig,omitempty"`
	Safety      *types.SafetySettings `json:"safety,omitempty"`

	Subscription *types.Subscription `json:"subscription,omitempty"`
}

// response is the outbound envelope. Success is present on mutations only.
type response struct {
	Success *bool  `json:"success,omitempty"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

// Server handles RPC-queue deliveries. It satisfies bus.Handler.
type Server struct {
	registry  Registry
	addresses AddressBook
	trades    TradeHistory
	publisher bus.Publisher
	logger    *slog.Logger
}

func New(registry Registry, addresses AddressBook, trades TradeHistory, publisher bus.Publisher, logger *slog.Logger) *Server {
	return &Server{
		registry:  registry,
		addresses: addresses,
		trades:    trades,
		publisher: publisher,
		logger:    logger.With("component", "rpcserver"),
	}
}

// CanHandle accepts every delivery on the RPC queue.
func (s *Server) CanHandle(msg bus.Message) bool { return true }

// Handle decodes the request, dispatches the method, and replies. Decode and
// dispatch errors still produce a reply so the caller is never left hanging;
// only a failed reply publish is returned for bus-level retry.
func (s *Server) Handle(ctx context.Context, msg bus.Message) error {
	if msg.ReplyTo == "" {
		s.logger.Warn("rpc request without replyTo, dropping",
			"correlationId", msg.CorrelationID)
		return nil
	}

	var req request
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		s.logger.Warn("malformed rpc request", "error", err)
		return s.reply(ctx, msg, response{Message: "Invalid request", Data: nil})
	}

	resp := s.dispatch(ctx, req)

	s.logger.Debug("rpc handled", "method", req.Method, "correlationId", msg.CorrelationID)
	return s.reply(ctx, msg, resp)
}

func (s *Server) reply(ctx context.Context, msg bus.Message, resp response) error {
	if err := s.publisher.Reply(ctx, msg.ReplyTo, msg.CorrelationID, resp); err != nil {
		return fmt.Errorf("rpc reply: %w", err)
	}
	return nil
}

func (s *Server) dispatch(ctx context.Context, req request) response {
	var a args
	if len(req.Args) > 0 {
		if err := json.Unmarshal(req.Args, &a); err != nil {
			return failure("Invalid arguments")
		}
	}

	switch req.Method {
	case methodCreateSubscription:
		return s.createSubscription(ctx, a)
	case methodRemoveSubscription:
		return s.removeSubscription(ctx, a)
	case methodAddKOLWallet:
		return s.addKOLWallet(ctx, a)
	case methodRemoveKOLWallet:
		return s.removeKOLWallet(ctx, a)
	case methodSubscriptionsForKOL:
		return query(s.registry.GetSubscriptionsForKOL(ctx, a.KOLWallet))
	case methodSubscriptionsFor:
		return query(s.registry.GetUserSubscriptions(ctx, a.UserID))
	case methodKOLWallets:
		return query(s.registry.GetWatchedKOLWallets(ctx))
	case methodRecentKOLTrades, methodKOLSwaps:
		trades, err := s.trades.RecentKOLTrades(ctx, a.KOLWallet, limitOrDefault(a.Limit))
		if err != nil {
			s.logger.Warn("trade query failed", "kol", a.KOLWallet, "error", err)
			trades = nil
		}
		return query(trades)
	case methodTradeHistory:
		trades, err := s.trades.RecentTrades(ctx, limitOrDefault(a.Limit))
		if err != nil {
			s.logger.Warn("trade history query failed", "error", err)
			trades = nil
		}
		return query(trades)
	default:
		return response{Message: "Invalid method", Data: nil}
	}
}

func (s *Server) createSubscription(ctx context.Context, a args) response {
	sub, err := subscriptionFromArgs(a)
	if err != nil {
		return failure(err.Error())
	}

	subs, err := s.registry.AddSubscription(ctx, *sub)
	if err != nil {
		s.logger.Warn("subscription create failed",
			"user", sub.UserID, "kol", sub.KOLWallet, "error", err)
		return failure(err.Error())
	}
	return success("Subscription created", redactAll(subs))
}

func (s *Server) removeSubscription(ctx context.Context, a args) response {
	if a.UserID == "" || a.KOLWallet == "" {
		return failure("userId and kolWallet are required")
	}
	subs, err := s.registry.RemoveSubscription(ctx, a.UserID, a.KOLWallet)
	if err != nil {
		s.logger.Warn("subscription remove failed",
			"user", a.UserID, "kol", a.KOLWallet, "error", err)
		return failure(err.Error())
	}
	return success("Subscription removed", redactAll(subs))
}

func (s *Server) addKOLWallet(ctx context.Context, a args) response {
	if a.KOLWallet == "" {
		return failure("kolWallet is required")
	}
	if err := s.addresses.AppendAddresses(ctx, []string{a.KOLWallet}); err != nil {
		s.logger.Warn("provider append failed", "kol", a.KOLWallet, "error", err)
		return failure(err.Error())
	}
	return success("Wallet added to webhook", a.KOLWallet)
}

func (s *Server) removeKOLWallet(ctx context.Context, a args) response {
	if a.KOLWallet == "" {
		return failure("kolWallet is required")
	}
	if err := s.addresses.RemoveAddresses(ctx, []string{a.KOLWallet}); err != nil {
		s.logger.Warn("provider remove failed", "kol", a.KOLWallet, "error", err)
		return failure(err.Error())
	}
	return success("Wallet removed from webhook", a.KOLWallet)
}

// subscriptionFromArgs builds a Subscription from either the nested form or
// the flat field form.
func subscriptionFromArgs(a args) (*types.Subscription, error) {
	if a.Subscription != nil {
		sub := *a.Subscription
		if sub.UserID == "" || sub.KOLWallet == "" {
			return nil, fmt.Errorf("userId and kolWallet are required")
		}
		if sub.ID == "" {
			sub.ID = uuid.NewString()
		}
		if sub.Type == "" {
			sub.Type = types.SubWatch
		}
		sub.Active = true
		return &sub, nil
	}

	if a.UserID == "" || a.KOLWallet == "" {
		return nil, fmt.Errorf("userId and kolWallet are required")
	}

	subType := types.SubscriptionType(strings.ToLower(a.Type))
	switch subType {
	case types.SubTrade, types.SubWatch:
	case "":
		subType = types.SubWatch
	default:
		return nil, fmt.Errorf("unknown subscription type %q", a.Type)
	}

	sub := types.Subscription{
		ID:             uuid.NewString(),
		UserID:         a.UserID,
		KOLWallet:      a.KOLWallet,
		WalletAddress:  a.WalletAddress,
		PrivateKey:     a.PrivateKey,
		Type:           subType,
		Active:         true,
		CopyPercentage: a.CopyPercentage,
		TokenBuyCount:  a.TokenBuyCount,
		WatchConfig:    a.WatchConfig,
		Safety:         a.Safety,
		CreatedAt:      time.Now().UTC(),
	}

	var err error
	if sub.MinAmount, err = decimalArg(a.MinAmount, "minAmount"); err != nil {
		return nil, err
	}
	if sub.MaxAmount, err = decimalArg(a.MaxAmount, "maxAmount"); err != nil {
		return nil, err
	}
	return &sub, nil
}

func decimalArg(n *json.Number, field string) (*decimal.Decimal, error) {
	if n == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", field, err)
	}
	return &d, nil
}

// redactAll strips signing credentials before subscriptions leave over RPC.
func redactAll(subs []types.Subscription) []types.Subscription {
	out := make([]types.Subscription, len(subs))
	for i, sub := range subs {
		sub.PrivateKey = ""
		out[i] = sub
	}
	return out
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return defaultTradeLimit
	}
	return limit
}

func success(message string, data any) response {
	ok := true
	return response{Success: &ok, Message: message, Data: data}
}

func failure(message string) response {
	ok := false
	return response{Success: &ok, Message: message, Data: nil}
}

func query(data any) response {
	return response{Message: "ok", Data: data}
}
