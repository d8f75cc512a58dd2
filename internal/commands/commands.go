// Package commands consumes the three inbound command queues bound to the
// commands exchange: subscription mutations, KOL wallet management, and
// service control. Handlers return errors for transient failures so the bus
// retries them; validation failures are logged and acked.
package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/blok-hamster/copy-trader-service/internal/bus"
	"github.com/blok-hamster/copy-trader-service/internal/registry"
	"github.com/blok-hamster/copy-trader-service/pkg/types"
)

// Routing keys accepted on the command queues.
const (
	keySubscriptionCreate = "subscription.create"
	keySubscriptionRemove = "subscription.remove"
	keyKOLAdd             = "kol.add"
	keyKOLRemove          = "kol.remove"
	keyKOLSync            = "kol.sync"
	keyServiceStatus      = "service.status"
	keyServiceQuotaReset  = "service.quota.reset"
)

// Registry is the subscription mutation surface.
type Registry interface {
	AddSubscription(ctx context.Context, sub types.Subscription) ([]types.Subscription, error)
	RemoveSubscription(ctx context.Context, userID, kolWallet string) ([]types.Subscription, error)
	SyncWithProvider(ctx context.Context) error
}

// AddressBook manages the provider's watched-address list.
type AddressBook interface {
	AppendAddresses(ctx context.Context, addresses []string) error
	RemoveAddresses(ctx context.Context, addresses []string) error
}

// QuotaAdmin resets a user's purchase counter.
type QuotaAdmin interface {
	Reset(ctx context.Context, userID, tokenMint string) bool
}

// MetricsSource snapshots the dispatcher's running counters.
type MetricsSource interface {
	Metrics() types.ServiceMetrics
}

// SubscriptionHandler consumes subscription.* commands.
type SubscriptionHandler struct {
	registry Registry
	logger   *slog.Logger
}

func NewSubscriptionHandler(registry Registry, logger *slog.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{
		registry: registry,
		logger:   logger.With("component", "commands", "queue", "subscription"),
	}
}

func (h *SubscriptionHandler) CanHandle(msg bus.Message) bool {
	return strings.HasPrefix(msg.RoutingKey, "subscription.")
}

func (h *SubscriptionHandler) Handle(ctx context.Context, msg bus.Message) error {
	var sub types.Subscription
	if err := json.Unmarshal(msg.Body, &sub); err != nil {
		h.logger.Warn("malformed subscription command",
			"routingKey", msg.RoutingKey, "error", err)
		return nil
	}
	if sub.UserID == "" || sub.KOLWallet == "" {
		h.logger.Warn("subscription command missing userId or kolWallet",
			"routingKey", msg.RoutingKey)
		return nil
	}

	switch msg.RoutingKey {
	case keySubscriptionCreate:
		if _, err := h.registry.AddSubscription(ctx, sub); err != nil {
			// Invalid addresses never become valid on redelivery; ack them.
			if errors.Is(err, registry.ErrInvalidAddress) {
				h.logger.Warn("subscription command rejected",
					"user", sub.UserID, "kol", sub.KOLWallet, "error", err)
				return nil
			}
			return fmt.Errorf("create subscription: %w", err)
		}
		h.logger.Info("subscription created", "user", sub.UserID, "kol", sub.KOLWallet)
	case keySubscriptionRemove:
		if _, err := h.registry.RemoveSubscription(ctx, sub.UserID, sub.KOLWallet); err != nil {
			return fmt.Errorf("remove subscription: %w", err)
		}
		h.logger.Info("subscription removed", "user", sub.UserID, "kol", sub.KOLWallet)
	default:
		h.logger.Warn("unknown subscription command", "routingKey", msg.RoutingKey)
	}
	return nil
}

// kolCommand is the payload of kol.add / kol.remove.
type kolCommand struct {
	KOLWallet string `json:"kolWallet"`
}

// KOLHandler consumes kol.* commands.
type KOLHandler struct {
	registry  Registry
	addresses AddressBook
	logger    *slog.Logger
}

func NewKOLHandler(registry Registry, addresses AddressBook, logger *slog.Logger) *KOLHandler {
	return &KOLHandler{
		registry:  registry,
		addresses: addresses,
		logger:    logger.With("component", "commands", "queue", "kol"),
	}
}

func (h *KOLHandler) CanHandle(msg bus.Message) bool {
	return strings.HasPrefix(msg.RoutingKey, "kol.")
}

func (h *KOLHandler) Handle(ctx context.Context, msg bus.Message) error {
	switch msg.RoutingKey {
	case keyKOLSync:
		if err := h.registry.SyncWithProvider(ctx); err != nil {
			return fmt.Errorf("provider sync: %w", err)
		}
		h.logger.Info("provider address list reconciled")
		return nil
	case keyKOLAdd, keyKOLRemove:
		var cmd kolCommand
		if err := json.Unmarshal(msg.Body, &cmd); err != nil || cmd.KOLWallet == "" {
			h.logger.Warn("malformed kol command", "routingKey", msg.RoutingKey)
			return nil
		}
		if msg.RoutingKey == keyKOLAdd {
			if err := h.addresses.AppendAddresses(ctx, []string{cmd.KOLWallet}); err != nil {
				return fmt.Errorf("append address: %w", err)
			}
		} else {
			if err := h.addresses.RemoveAddresses(ctx, []string{cmd.KOLWallet}); err != nil {
				return fmt.Errorf("remove address: %w", err)
			}
		}
		h.logger.Info("webhook address list updated",
			"routingKey", msg.RoutingKey, "kol", cmd.KOLWallet)
		return nil
	default:
		h.logger.Warn("unknown kol command", "routingKey", msg.RoutingKey)
		return nil
	}
}

// quotaResetCommand is the payload of service.quota.reset.
type quotaResetCommand struct {
	UserID    string `json:"userId"`
	TokenMint string `json:"tokenMint"`
}

// ServiceHandler consumes service.* commands.
type ServiceHandler struct {
	metrics   MetricsSource
	quota     QuotaAdmin
	publisher bus.Publisher
	names     bus.Names
	logger    *slog.Logger
}

func NewServiceHandler(metrics MetricsSource, quota QuotaAdmin, publisher bus.Publisher, names bus.Names, logger *slog.Logger) *ServiceHandler {
	return &ServiceHandler{
		metrics:   metrics,
		quota:     quota,
		publisher: publisher,
		names:     names,
		logger:    logger.With("component", "commands", "queue", "service"),
	}
}

func (h *ServiceHandler) CanHandle(msg bus.Message) bool {
	return strings.HasPrefix(msg.RoutingKey, "service.")
}

func (h *ServiceHandler) Handle(ctx context.Context, msg bus.Message) error {
	switch msg.RoutingKey {
	case keyServiceStatus:
		snapshot := h.metrics.Metrics()
		if err := h.publisher.Publish(ctx, h.names.NotificationsExchange, bus.KeyServiceStatus, snapshot); err != nil {
			return fmt.Errorf("publish status: %w", err)
		}
		return nil
	case keyServiceQuotaReset:
		var cmd quotaResetCommand
		if err := json.Unmarshal(msg.Body, &cmd); err != nil || cmd.UserID == "" || cmd.TokenMint == "" {
			h.logger.Warn("malformed quota reset command")
			return nil
		}
		if !h.quota.Reset(ctx, cmd.UserID, cmd.TokenMint) {
			return fmt.Errorf("quota reset failed for user %s", cmd.UserID)
		}
		h.logger.Info("purchase counter reset", "user", cmd.UserID, "token", cmd.TokenMint)
		return nil
	default:
		h.logger.Warn("unknown service command", "routingKey", msg.RoutingKey)
		return nil
	}
}
