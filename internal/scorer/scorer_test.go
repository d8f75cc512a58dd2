package scorer

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/blok-hamster/copy-trader-service/internal/config"
)

func newScorer(t *testing.T, handler http.HandlerFunc, wallets ...string) *Scorer {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(config.ScorerConfig{
		Enabled:            true,
		BaseURL:            srv.URL,
		Timeout:            200 * time.Millisecond,
		PredictableWallets: wallets,
	}, logger)
}

func TestProbability(t *testing.T) {
	t.Parallel()
	s := newScorer(t, func(w http.ResponseWriter, r *http.Request) {
		var req predictRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TokenMint == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(predictResponse{Probability: 0.73})
	})

	got := s.Probability(context.Background(), "M", time.Now())
	if got != 0.73 {
		t.Errorf("Probability = %v, want 0.73", got)
	}
}

func TestProbabilityZeroOnFailure(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}},
		{"timeout", func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(500 * time.Millisecond)
		}},
		{"out of range", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(predictResponse{Probability: 3.5})
		}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := newScorer(t, tc.handler)
			if got := s.Probability(context.Background(), "M", time.Now()); got != 0 {
				t.Errorf("Probability = %v, want 0", got)
			}
		})
	}
}

func TestDisabledScorer(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(config.ScorerConfig{Enabled: false, PredictableWallets: []string{"K1"}}, logger)

	if s.IsPredictable("K1") {
		t.Error("disabled scorer should report nothing predictable")
	}
	if got := s.Probability(context.Background(), "M", time.Now()); got != 0 {
		t.Errorf("Probability = %v, want 0 when disabled", got)
	}
}

func TestIsPredictable(t *testing.T) {
	t.Parallel()
	s := newScorer(t, func(w http.ResponseWriter, r *http.Request) {}, "K1", "K2")

	if !s.IsPredictable("K1") || !s.IsPredictable("K2") {
		t.Error("configured wallets should be predictable")
	}
	if s.IsPredictable("K3") {
		t.Error("unknown wallet should not be predictable")
	}
}
