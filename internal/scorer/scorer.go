// Package scorer calls the external ML scoring service.
//
// The predictor is consulted only for trades from a configured set of
// wallets. Every call carries a hard timeout, and any failure — transport,
// status, decode — degrades to probability zero rather than delaying or
// failing the pipeline.
package scorer

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/blok-hamster/copy-trader-service/internal/config"
)

// Scorer is the synchronous predictor client.
type Scorer struct {
	http        *resty.Client
	enabled     bool
	modelPath   string
	timeout     time.Duration
	predictable map[string]struct{}
	logger      *slog.Logger
}

// New creates a scorer. A disabled scorer answers zero for everything.
func New(cfg config.ScorerConfig, logger *slog.Logger) *Scorer {
	predictable := make(map[string]struct{}, len(cfg.PredictableWallets))
	for _, wallet := range cfg.PredictableWallets {
		predictable[wallet] = struct{}{}
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")

	return &Scorer{
		http:        httpClient,
		enabled:     cfg.Enabled,
		modelPath:   cfg.ModelPath,
		timeout:     cfg.Timeout,
		predictable: predictable,
		logger:      logger.With("component", "scorer"),
	}
}

// IsPredictable reports whether trades from wallet should be scored.
func (s *Scorer) IsPredictable(wallet string) bool {
	if !s.enabled {
		return false
	}
	_, ok := s.predictable[wallet]
	return ok
}

type predictRequest struct {
	TokenMint string `json:"tokenMint"`
	Timestamp int64  `json:"timestamp"`
	ModelPath string `json:"modelPath,omitempty"`
}

type predictResponse struct {
	Probability float64 `json:"probability"`
}

// Probability scores tokenMint at the trade instant. Returns 0 on any
// failure; the pipeline never blocks on the predictor.
func (s *Scorer) Probability(ctx context.Context, tokenMint string, at time.Time) float64 {
	if !s.enabled {
		return 0
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var result predictResponse
	resp, err := s.http.R().
		SetContext(ctx).
		SetBody(predictRequest{
			TokenMint: tokenMint,
			Timestamp: at.UnixMilli(),
			ModelPath: s.modelPath,
		}).
		SetResult(&result).
		Post("/predict")
	if err != nil {
		s.logger.Warn("prediction failed", "token", tokenMint, "error", err)
		return 0
	}
	if resp.StatusCode() != http.StatusOK {
		s.logger.Warn("prediction rejected",
			"token", tokenMint,
			"error", fmt.Sprintf("status %d", resp.StatusCode()),
		)
		return 0
	}
	if result.Probability < 0 || result.Probability > 1 {
		s.logger.Warn("prediction out of range", "token", tokenMint, "probability", result.Probability)
		return 0
	}
	return result.Probability
}
