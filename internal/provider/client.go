// Package provider implements the blockchain index provider's
// webhook-management API:
//
//   - GetAllWebhooks:  GET  /v0/webhooks            — list webhooks for the key
//   - CreateWebhook:   POST /v0/webhooks            — register a new webhook
//   - AppendAddresses: GET+PUT /v0/webhooks/{id}    — merge addresses into the watch list
//   - RemoveAddresses: GET+PUT /v0/webhooks/{id}    — drop addresses from the watch list
//   - ListAddresses:   GET  /v0/webhooks/{id}       — current watched addresses
//
// Every request is rate-limited via per-category TokenBuckets and
// automatically retried on 5xx errors. The API key travels as a query
// parameter per the provider's scheme.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/blok-hamster/copy-trader-service/internal/config"
)

// Webhook is the provider's webhook resource.
type Webhook struct {
	WebhookID        string   `json:"webhookID"`
	WebhookURL       string   `json:"webhookURL"`
	TransactionTypes []string `json:"transactionTypes"`
	AccountAddresses []string `json:"accountAddresses"`
	WebhookType      string   `json:"webhookType"`
}

// Client is the index provider REST API client bound to one webhook.
type Client struct {
	http      *resty.Client
	rl        *RateLimiter
	apiKey    string
	webhookID string
	logger    *slog.Logger
}

// NewClient creates a provider client with rate limiting and retry.
func NewClient(cfg config.ProviderConfig, webhookID string, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:      httpClient,
		rl:        NewRateLimiter(),
		apiKey:    cfg.APIKey,
		webhookID: webhookID,
		logger:    logger.With("component", "provider"),
	}
}

// GetAllWebhooks lists every webhook registered under the API key.
func (c *Client) GetAllWebhooks(ctx context.Context) ([]Webhook, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return nil, err
	}

	var result []Webhook
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("api-key", c.apiKey).
		SetResult(&result).
		Get("/v0/webhooks")
	if err != nil {
		return nil, fmt.Errorf("get webhooks: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get webhooks: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result, nil
}

// CreateWebhook registers a new enhanced webhook delivering to url.
func (c *Client) CreateWebhook(ctx context.Context, url string, txTypes, addresses []string) (*Webhook, error) {
	if err := c.rl.Write.Wait(ctx); err != nil {
		return nil, err
	}

	payload := Webhook{
		WebhookURL:       url,
		TransactionTypes: txTypes,
		AccountAddresses: addresses,
		WebhookType:      "enhanced",
	}

	var result Webhook
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("api-key", c.apiKey).
		SetBody(payload).
		SetResult(&result).
		Post("/v0/webhooks")
	if err != nil {
		return nil, fmt.Errorf("create webhook: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("create webhook: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.logger.Info("webhook created", "webhook_id", result.WebhookID)
	return &result, nil
}

// AppendAddresses merges addresses into the webhook's watch list.
// Already-watched addresses are left alone; the call is idempotent.
func (c *Client) AppendAddresses(ctx context.Context, addresses []string) error {
	if len(addresses) == 0 {
		return nil
	}

	wh, err := c.getWebhook(ctx)
	if err != nil {
		return err
	}

	existing := make(map[string]struct{}, len(wh.AccountAddresses))
	for _, addr := range wh.AccountAddresses {
		existing[addr] = struct{}{}
	}
	merged := wh.AccountAddresses
	added := 0
	for _, addr := range addresses {
		if _, ok := existing[addr]; ok {
			continue
		}
		merged = append(merged, addr)
		added++
	}
	if added == 0 {
		return nil
	}

	if err := c.putAddresses(ctx, wh, merged); err != nil {
		return err
	}
	c.logger.Info("addresses appended", "count", added, "total", len(merged))
	return nil
}

// RemoveAddresses drops addresses from the webhook's watch list.
func (c *Client) RemoveAddresses(ctx context.Context, addresses []string) error {
	if len(addresses) == 0 {
		return nil
	}

	wh, err := c.getWebhook(ctx)
	if err != nil {
		return err
	}

	drop := make(map[string]struct{}, len(addresses))
	for _, addr := range addresses {
		drop[addr] = struct{}{}
	}
	kept := make([]string, 0, len(wh.AccountAddresses))
	for _, addr := range wh.AccountAddresses {
		if _, ok := drop[addr]; !ok {
			kept = append(kept, addr)
		}
	}
	if len(kept) == len(wh.AccountAddresses) {
		return nil
	}

	if err := c.putAddresses(ctx, wh, kept); err != nil {
		return err
	}
	c.logger.Info("addresses removed", "count", len(wh.AccountAddresses)-len(kept), "total", len(kept))
	return nil
}

// ListAddresses returns the webhook's currently-watched addresses.
func (c *Client) ListAddresses(ctx context.Context) ([]string, error) {
	wh, err := c.getWebhook(ctx)
	if err != nil {
		return nil, err
	}
	return wh.AccountAddresses, nil
}

func (c *Client) getWebhook(ctx context.Context) (*Webhook, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return nil, err
	}

	var result Webhook
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("api-key", c.apiKey).
		SetResult(&result).
		Get("/v0/webhooks/" + c.webhookID)
	if err != nil {
		return nil, fmt.Errorf("get webhook %s: %w", c.webhookID, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get webhook %s: status %d: %s", c.webhookID, resp.StatusCode(), resp.String())
	}
	return &result, nil
}

func (c *Client) putAddresses(ctx context.Context, wh *Webhook, addresses []string) error {
	if err := c.rl.Write.Wait(ctx); err != nil {
		return err
	}

	payload := Webhook{
		WebhookURL:       wh.WebhookURL,
		TransactionTypes: wh.TransactionTypes,
		AccountAddresses: addresses,
		WebhookType:      wh.WebhookType,
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("api-key", c.apiKey).
		SetBody(payload).
		Put("/v0/webhooks/" + c.webhookID)
	if err != nil {
		return fmt.Errorf("edit webhook %s: %w", c.webhookID, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("edit webhook %s: status %d: %s", c.webhookID, resp.StatusCode(), resp.String())
	}
	return nil
}
