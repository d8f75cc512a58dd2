package rpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/blok-hamster/copy-trader-service/internal/bus"
	"github.com/blok-hamster/copy-trader-service/pkg/types"
)

const kol1 = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"

type fakeRegistry struct {
	subs      map[string][]types.Subscription
	byKOL     map[string][]types.Subscription
	active    []string
	addErr    error
	lastAdded *types.Subscription
}

func (f *fakeRegistry) AddSubscription(ctx context.Context, sub types.Subscription) ([]types.Subscription, error) {
	if f.addErr != nil {
		return nil, f.addErr
	}
	f.lastAdded = &sub
	return []types.Subscription{sub}, nil
}

func (f *fakeRegistry) RemoveSubscription(ctx context.Context, userID, kolWallet string) ([]types.Subscription, error) {
	return nil, nil
}

func (f *fakeRegistry) GetSubscriptionsForKOL(ctx context.Context, kolWallet string) []types.Subscription {
	return f.byKOL[kolWallet]
}

func (f *fakeRegistry) GetUserSubscriptions(ctx context.Context, userID string) []types.Subscription {
	return f.subs[userID]
}

func (f *fakeRegistry) GetWatchedKOLWallets(ctx context.Context) []string {
	return f.active
}

type fakeAddressBook struct {
	appended []string
	removed  []string
	err      error
}

func (f *fakeAddressBook) AppendAddresses(ctx context.Context, addresses []string) error {
	if f.err != nil {
		return f.err
	}
	f.appended = append(f.appended, addresses...)
	return nil
}

func (f *fakeAddressBook) RemoveAddresses(ctx context.Context, addresses []string) error {
	if f.err != nil {
		return f.err
	}
	f.removed = append(f.removed, addresses...)
	return nil
}

type fakeHistory struct {
	kolTrades []types.Trade
	all       []types.Trade
	err       error
}

func (f *fakeHistory) RecentKOLTrades(ctx context.Context, kolWallet string, limit int) ([]types.Trade, error) {
	return f.kolTrades, f.err
}

func (f *fakeHistory) RecentTrades(ctx context.Context, limit int) ([]types.Trade, error) {
	return f.all, f.err
}

type reply struct {
	replyTo       string
	correlationID string
	body          any
}

type fakeReplier struct {
	replies []reply
	err     error
}

func (f *fakeReplier) Publish(ctx context.Context, exchange, routingKey string, body any) error {
	return nil
}

func (f *fakeReplier) Reply(ctx context.Context, replyTo, correlationID string, body any) error {
	if f.err != nil {
		return f.err
	}
	f.replies = append(f.replies, reply{replyTo, correlationID, body})
	return nil
}

func testServer(reg *fakeRegistry, book *fakeAddressBook, hist *fakeHistory, rep *fakeReplier) *Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(reg, book, hist, rep, logger)
}

func call(t *testing.T, s *Server, rep *fakeReplier, method string, args any) response {
	t.Helper()
	body, err := json.Marshal(map[string]any{"method": method, "args": args})
	if err != nil {
		t.Fatal(err)
	}
	msg := bus.Message{
		Body:          body,
		ReplyTo:       "amq.rabbitmq.reply-to",
		CorrelationID: "corr-1",
	}
	if err := s.Handle(context.Background(), msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(rep.replies) == 0 {
		t.Fatal("no reply sent")
	}
	last := rep.replies[len(rep.replies)-1]
	if last.replyTo != "amq.rabbitmq.reply-to" || last.correlationID != "corr-1" {
		t.Fatalf("reply addressed to %q/%q", last.replyTo, last.correlationID)
	}
	return last.body.(response)
}

func TestUnknownMethod(t *testing.T) {
	t.Parallel()
	rep := &fakeReplier{}
	s := testServer(&fakeRegistry{}, &fakeAddressBook{}, &fakeHistory{}, rep)

	resp := call(t, s, rep, "dropAllTables", nil)
	if resp.Message != "Invalid method" {
		t.Errorf("message = %q, want Invalid method", resp.Message)
	}
	if resp.Data != nil {
		t.Errorf("data = %v, want nil", resp.Data)
	}
	if resp.Success != nil {
		t.Error("unknown method reply must not carry a success flag")
	}
}

func TestCreateSubscription(t *testing.T) {
	t.Parallel()
	reg := &fakeRegistry{}
	rep := &fakeReplier{}
	s := testServer(reg, &fakeAddressBook{}, &fakeHistory{}, rep)

	resp := call(t, s, rep, "createUserSubscription", map[string]any{
		"userId":         "u1",
		"kolWallet":      kol1,
		"type":           "trade",
		"copyPercentage": 25,
		"tokenBuyCount":  2,
		"privateKey":     "opaque",
		"minAmount":      json.Number("0.1"),
	})
	if resp.Success == nil || !*resp.Success {
		t.Fatalf("success = %v, message = %q", resp.Success, resp.Message)
	}
	if reg.lastAdded == nil {
		t.Fatal("registry did not receive the subscription")
	}
	if reg.lastAdded.Type != types.SubTrade {
		t.Errorf("type = %q, want trade", reg.lastAdded.Type)
	}
	if !reg.lastAdded.Active {
		t.Error("new subscription must be active")
	}
	if reg.lastAdded.PrivateKey != "opaque" {
		t.Error("private key not passed through to registry")
	}
	if reg.lastAdded.MinAmount == nil || reg.lastAdded.MinAmount.String() != "0.1" {
		t.Errorf("minAmount = %v, want 0.1", reg.lastAdded.MinAmount)
	}

	// Credentials never leave over RPC.
	subs := resp.Data.([]types.Subscription)
	if len(subs) != 1 || subs[0].PrivateKey != "" {
		t.Error("reply leaked the private key")
	}
}

func TestCreateSubscriptionValidation(t *testing.T) {
	t.Parallel()
	rep := &fakeReplier{}
	s := testServer(&fakeRegistry{}, &fakeAddressBook{}, &fakeHistory{}, rep)

	resp := call(t, s, rep, "createUserSubscription", map[string]any{"userId": "u1"})
	if resp.Success == nil || *resp.Success {
		t.Fatal("missing kolWallet must fail")
	}

	resp = call(t, s, rep, "createUserSubscription", map[string]any{
		"userId": "u1", "kolWallet": kol1, "type": "yolo",
	})
	if resp.Success == nil || *resp.Success {
		t.Fatal("unknown subscription type must fail")
	}
}

func TestCreateSubscriptionRegistryError(t *testing.T) {
	t.Parallel()
	reg := &fakeRegistry{addErr: errors.New("provider unavailable")}
	rep := &fakeReplier{}
	s := testServer(reg, &fakeAddressBook{}, &fakeHistory{}, rep)

	resp := call(t, s, rep, "createUserSubscription", map[string]any{
		"userId": "u1", "kolWallet": kol1,
	})
	if resp.Success == nil || *resp.Success {
		t.Fatal("registry error must surface as failure")
	}
	if resp.Message != "provider unavailable" {
		t.Errorf("message = %q", resp.Message)
	}
}

func TestAddRemoveKOLWallet(t *testing.T) {
	t.Parallel()
	book := &fakeAddressBook{}
	rep := &fakeReplier{}
	s := testServer(&fakeRegistry{}, book, &fakeHistory{}, rep)

	resp := call(t, s, rep, "addKolWalletToWebhook", map[string]any{"kolWallet": kol1})
	if resp.Success == nil || !*resp.Success {
		t.Fatalf("add failed: %q", resp.Message)
	}
	if len(book.appended) != 1 || book.appended[0] != kol1 {
		t.Errorf("appended = %v", book.appended)
	}

	resp = call(t, s, rep, "removeKolWalletFromWebhook", map[string]any{"kolWallet": kol1})
	if resp.Success == nil || !*resp.Success {
		t.Fatalf("remove failed: %q", resp.Message)
	}
	if len(book.removed) != 1 || book.removed[0] != kol1 {
		t.Errorf("removed = %v", book.removed)
	}
}

func TestQueries(t *testing.T) {
	t.Parallel()
	reg := &fakeRegistry{
		active: []string{kol1},
		subs:   map[string][]types.Subscription{"u1": {{ID: "s1", UserID: "u1"}}},
		byKOL:  map[string][]types.Subscription{kol1: {{ID: "s1", UserID: "u1"}}},
	}
	hist := &fakeHistory{
		kolTrades: []types.Trade{{ID: "t1", KOLWallet: kol1}},
		all:       []types.Trade{{ID: "t1"}, {ID: "t2"}},
	}
	rep := &fakeReplier{}
	s := testServer(reg, &fakeAddressBook{}, hist, rep)

	resp := call(t, s, rep, "getKolWallets", nil)
	if got := resp.Data.([]string); len(got) != 1 || got[0] != kol1 {
		t.Errorf("getKolWallets = %v", got)
	}

	resp = call(t, s, rep, "getSubscriptionsForUser", map[string]any{"userId": "u1"})
	if got := resp.Data.([]types.Subscription); len(got) != 1 {
		t.Errorf("getSubscriptionsForUser = %v", got)
	}

	resp = call(t, s, rep, "getSubscriptionsForKOL", map[string]any{"kolWallet": kol1})
	if got := resp.Data.([]types.Subscription); len(got) != 1 {
		t.Errorf("getSubscriptionsForKOL = %v", got)
	}

	resp = call(t, s, rep, "getRecentKOLTrades", map[string]any{"kolWallet": kol1, "limit": 10})
	if got := resp.Data.([]types.Trade); len(got) != 1 {
		t.Errorf("getRecentKOLTrades = %v", got)
	}

	resp = call(t, s, rep, "getTradeHistory", nil)
	if got := resp.Data.([]types.Trade); len(got) != 2 {
		t.Errorf("getTradeHistory = %v", got)
	}
}

func TestQueryErrorsReturnEmpty(t *testing.T) {
	t.Parallel()
	hist := &fakeHistory{err: errors.New("kv down")}
	rep := &fakeReplier{}
	s := testServer(&fakeRegistry{}, &fakeAddressBook{}, hist, rep)

	resp := call(t, s, rep, "getTradeHistory", nil)
	if resp.Data != nil {
		if got := resp.Data.([]types.Trade); len(got) != 0 {
			t.Errorf("data = %v, want empty", got)
		}
	}
	if resp.Success != nil {
		t.Error("read query must not carry a success flag")
	}
}

func TestMalformedRequest(t *testing.T) {
	t.Parallel()
	rep := &fakeReplier{}
	s := testServer(&fakeRegistry{}, &fakeAddressBook{}, &fakeHistory{}, rep)

	msg := bus.Message{
		Body:          []byte("{not json"),
		ReplyTo:       "reply-q",
		CorrelationID: "corr-2",
	}
	if err := s.Handle(context.Background(), msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	resp := rep.replies[0].body.(response)
	if resp.Message != "Invalid request" {
		t.Errorf("message = %q", resp.Message)
	}
}

func TestNoReplyToDropped(t *testing.T) {
	t.Parallel()
	rep := &fakeReplier{}
	s := testServer(&fakeRegistry{}, &fakeAddressBook{}, &fakeHistory{}, rep)

	msg := bus.Message{Body: []byte(`{"method":"getKolWallets"}`)}
	if err := s.Handle(context.Background(), msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(rep.replies) != 0 {
		t.Error("reply sent despite missing replyTo")
	}
}

func TestReplyFailureReturnsError(t *testing.T) {
	t.Parallel()
	rep := &fakeReplier{err: errors.New("channel closed")}
	s := testServer(&fakeRegistry{}, &fakeAddressBook{}, &fakeHistory{}, rep)

	msg := bus.Message{
		Body:    []byte(`{"method":"getKolWallets"}`),
		ReplyTo: "reply-q",
	}
	if err := s.Handle(context.Background(), msg); err == nil {
		t.Error("failed reply publish must surface for bus retry")
	}
}
