package provider

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/blok-hamster/copy-trader-service/internal/config"
)

// webhookServer fakes the provider's webhook API for one webhook resource.
type webhookServer struct {
	mu      sync.Mutex
	webhook Webhook
	puts    int
	status  int // non-zero forces this status on every request
}

func (s *webhookServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v0/webhooks", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.status != 0 {
			w.WriteHeader(s.status)
			return
		}
		json.NewEncoder(w).Encode([]Webhook{s.webhook})
	})
	mux.HandleFunc("GET /v0/webhooks/{id}", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.status != 0 {
			w.WriteHeader(s.status)
			return
		}
		if r.URL.Query().Get("api-key") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(s.webhook)
	})
	mux.HandleFunc("PUT /v0/webhooks/{id}", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.status != 0 {
			w.WriteHeader(s.status)
			return
		}
		var updated Webhook
		if err := json.NewDecoder(r.Body).Decode(&updated); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.webhook.AccountAddresses = updated.AccountAddresses
		s.puts++
		json.NewEncoder(w).Encode(s.webhook)
	})
	mux.HandleFunc("POST /v0/webhooks", func(w http.ResponseWriter, r *http.Request) {
		var created Webhook
		json.NewDecoder(r.Body).Decode(&created)
		created.WebhookID = "wh-new"
		json.NewEncoder(w).Encode(created)
	})
	return mux
}

func newTestClient(t *testing.T, s *webhookServer) *Client {
	t.Helper()
	srv := httptest.NewServer(s.handler())
	t.Cleanup(srv.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.ProviderConfig{BaseURL: srv.URL, APIKey: "test-key"}
	return NewClient(cfg, "wh-1", logger)
}

func TestAppendAddressesMerges(t *testing.T) {
	t.Parallel()
	s := &webhookServer{webhook: Webhook{WebhookID: "wh-1", AccountAddresses: []string{"A"}}}
	c := newTestClient(t, s)

	if err := c.AppendAddresses(context.Background(), []string{"B", "A", "C"}); err != nil {
		t.Fatalf("AppendAddresses: %v", err)
	}

	addrs, err := c.ListAddresses(context.Background())
	if err != nil {
		t.Fatalf("ListAddresses: %v", err)
	}
	if len(addrs) != 3 {
		t.Errorf("addresses = %v, want [A B C]", addrs)
	}
}

func TestAppendAddressesIdempotent(t *testing.T) {
	t.Parallel()
	s := &webhookServer{webhook: Webhook{WebhookID: "wh-1", AccountAddresses: []string{"A", "B"}}}
	c := newTestClient(t, s)

	if err := c.AppendAddresses(context.Background(), []string{"A", "B"}); err != nil {
		t.Fatalf("AppendAddresses: %v", err)
	}
	// Nothing new: no edit round trip.
	if s.puts != 0 {
		t.Errorf("puts = %d, want 0 when all addresses already present", s.puts)
	}
}

func TestRemoveAddresses(t *testing.T) {
	t.Parallel()
	s := &webhookServer{webhook: Webhook{WebhookID: "wh-1", AccountAddresses: []string{"A", "B", "C"}}}
	c := newTestClient(t, s)

	if err := c.RemoveAddresses(context.Background(), []string{"B", "nonexistent"}); err != nil {
		t.Fatalf("RemoveAddresses: %v", err)
	}

	addrs, _ := c.ListAddresses(context.Background())
	if len(addrs) != 2 || addrs[0] != "A" || addrs[1] != "C" {
		t.Errorf("addresses = %v, want [A C]", addrs)
	}
}

func TestEmptySlicesAreNoOps(t *testing.T) {
	t.Parallel()
	s := &webhookServer{webhook: Webhook{WebhookID: "wh-1"}}
	c := newTestClient(t, s)

	if err := c.AppendAddresses(context.Background(), nil); err != nil {
		t.Errorf("AppendAddresses(nil): %v", err)
	}
	if err := c.RemoveAddresses(context.Background(), nil); err != nil {
		t.Errorf("RemoveAddresses(nil): %v", err)
	}
	if s.puts != 0 {
		t.Errorf("puts = %d, want 0", s.puts)
	}
}

func TestGetAllWebhooks(t *testing.T) {
	t.Parallel()
	s := &webhookServer{webhook: Webhook{WebhookID: "wh-1", WebhookURL: "https://broker/helius-webhook"}}
	c := newTestClient(t, s)

	webhooks, err := c.GetAllWebhooks(context.Background())
	if err != nil {
		t.Fatalf("GetAllWebhooks: %v", err)
	}
	if len(webhooks) != 1 || webhooks[0].WebhookID != "wh-1" {
		t.Errorf("webhooks = %+v", webhooks)
	}
}

func TestCreateWebhook(t *testing.T) {
	t.Parallel()
	s := &webhookServer{}
	c := newTestClient(t, s)

	wh, err := c.CreateWebhook(context.Background(), "https://broker/helius-webhook", []string{"SWAP"}, nil)
	if err != nil {
		t.Fatalf("CreateWebhook: %v", err)
	}
	if wh.WebhookID != "wh-new" || wh.WebhookType != "enhanced" {
		t.Errorf("created = %+v", wh)
	}
}

func TestClientErrorSurfacesStatus(t *testing.T) {
	t.Parallel()
	s := &webhookServer{status: http.StatusNotFound}
	c := newTestClient(t, s)

	if _, err := c.ListAddresses(context.Background()); err == nil {
		t.Error("expected error on 404")
	}
}
