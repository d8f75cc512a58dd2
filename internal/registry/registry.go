// Package registry maintains the authoritative mapping of users to
// subscriptions and KOL wallets to subscribers, and keeps the external
// index provider's watched-address set in sync.
//
// The store is the source of truth. A wallet is in the active set exactly
// when its subscriber set is non-empty; the registry enforces that
// transition on every mutation, and SyncWithProvider reconciles drift
// between the active set and the provider's view.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/blok-hamster/copy-trader-service/internal/kv"
	"github.com/blok-hamster/copy-trader-service/pkg/types"
)

// AddressRegistrar is the slice of the index provider the registry needs:
// managing the watched-address list backing the webhook.
type AddressRegistrar interface {
	AppendAddresses(ctx context.Context, addresses []string) error
	RemoveAddresses(ctx context.Context, addresses []string) error
	ListAddresses(ctx context.Context) ([]string, error)
}

// ErrInvalidAddress rejects subscriptions whose wallet fields are not valid
// base58 public keys.
var ErrInvalidAddress = errors.New("registry: invalid wallet address")

const lockStripes = 64

// Registry owns subscription and KOL state. Mutations for the same user are
// serialized by a striped lock; KOL set transitions and provider sync share
// one registry-wide lock so active-set membership and provider registration
// can't interleave.
type Registry struct {
	store    kv.Store
	keys     kv.Keys
	provider AddressRegistrar
	ttl      time.Duration
	logger   *slog.Logger

	userLocks [lockStripes]sync.Mutex
	kolMu     sync.Mutex
}

// New creates a registry over the shared store and provider client.
// ttl 0 disables expiry on registry keys (production).
func New(store kv.Store, keys kv.Keys, provider AddressRegistrar, ttl time.Duration, logger *slog.Logger) *Registry {
	return &Registry{
		store:    store,
		keys:     keys,
		provider: provider,
		ttl:      ttl,
		logger:   logger.With("component", "registry"),
	}
}

func (r *Registry) userLock(userID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return &r.userLocks[h.Sum32()%lockStripes]
}

// GetUserSubscriptions returns all subscriptions for a user; empty when the
// user has none or the store is unavailable. Never fails.
func (r *Registry) GetUserSubscriptions(ctx context.Context, userID string) []types.Subscription {
	subs, err := r.loadSubscriptions(ctx, userID)
	if err != nil {
		r.logger.Warn("subscription read failed", "user", userID, "error", err)
		return nil
	}
	return subs
}

// AddSubscription upserts sub by (UserID, KOLWallet) and returns the user's
// full subscription list after the mutation.
//
// A fresh subscription gets a new ID and CreatedAt; replacing an existing
// one keeps both and bumps UpdatedAt. The KOL is added to the subscriber and
// active sets, and newly-active wallets are registered with the provider.
// Provider failure does not roll the mutation back — it is returned to the
// caller and the next SyncWithProvider reconciles.
func (r *Registry) AddSubscription(ctx context.Context, sub types.Subscription) ([]types.Subscription, error) {
	if sub.UserID == "" || sub.KOLWallet == "" {
		return nil, fmt.Errorf("registry: userId and kolWallet are required")
	}
	if _, err := solana.PublicKeyFromBase58(sub.KOLWallet); err != nil {
		return nil, fmt.Errorf("%w: kolWallet %q", ErrInvalidAddress, sub.KOLWallet)
	}
	if sub.WalletAddress != "" {
		if _, err := solana.PublicKeyFromBase58(sub.WalletAddress); err != nil {
			return nil, fmt.Errorf("%w: walletAddress %q", ErrInvalidAddress, sub.WalletAddress)
		}
	}

	// The list write and the KOL-set transition are one serialized unit:
	// the user lock is held until attachKOL returns, so a concurrent
	// remove for the same pair cannot interleave between them. Lock order
	// is always user lock then kolMu.
	lock := r.userLock(sub.UserID)
	lock.Lock()
	defer lock.Unlock()

	subs, err := r.loadSubscriptions(ctx, sub.UserID)
	if err != nil {
		return nil, fmt.Errorf("load subscriptions: %w", err)
	}

	now := time.Now().UTC()
	replaced := false
	for i := range subs {
		if subs[i].KOLWallet == sub.KOLWallet {
			sub.ID = subs[i].ID
			sub.CreatedAt = subs[i].CreatedAt
			sub.UpdatedAt = now
			subs[i] = sub
			replaced = true
			break
		}
	}
	if !replaced {
		sub.ID = uuid.NewString()
		sub.CreatedAt = now
		sub.UpdatedAt = now
		subs = append(subs, sub)
	}

	if err := r.saveSubscriptions(ctx, sub.UserID, subs); err != nil {
		return nil, fmt.Errorf("save subscriptions: %w", err)
	}

	if err := r.attachKOL(ctx, sub.KOLWallet, sub.UserID); err != nil {
		return subs, err
	}
	return subs, nil
}

// RemoveSubscription removes the (userID, kolWallet) subscription and
// returns the user's remaining list. When the KOL's subscriber set empties,
// the wallet leaves the active set and the provider's watch list.
func (r *Registry) RemoveSubscription(ctx context.Context, userID, kolWallet string) ([]types.Subscription, error) {
	lock := r.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	subs, err := r.loadSubscriptions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load subscriptions: %w", err)
	}

	kept := subs[:0]
	removed := false
	for _, s := range subs {
		if s.KOLWallet == kolWallet {
			removed = true
			continue
		}
		kept = append(kept, s)
	}

	if !removed {
		return kept, nil
	}

	// Same serialized unit as AddSubscription: list write and detach run
	// under the user lock.
	if err := r.saveSubscriptions(ctx, userID, kept); err != nil {
		return nil, fmt.Errorf("save subscriptions: %w", err)
	}

	if err := r.detachKOL(ctx, kolWallet, userID); err != nil {
		return kept, err
	}
	return kept, nil
}

// GetUsersForKOL returns the userIDs subscribed to kolWallet. Read-only;
// empty on store failure.
func (r *Registry) GetUsersForKOL(ctx context.Context, kolWallet string) []string {
	users, err := r.store.SMembers(ctx, r.keys.KOLSubscribers(kolWallet))
	if err != nil {
		r.logger.Warn("subscriber read failed", "kol", kolWallet, "error", err)
		return nil
	}
	return users
}

// GetSubscriptionsForKOL joins the KOL's subscriber set with each user's
// subscription list, keeping only entries for kolWallet.
func (r *Registry) GetSubscriptionsForKOL(ctx context.Context, kolWallet string) []types.Subscription {
	var out []types.Subscription
	for _, userID := range r.GetUsersForKOL(ctx, kolWallet) {
		for _, sub := range r.GetUserSubscriptions(ctx, userID) {
			if sub.KOLWallet == kolWallet {
				out = append(out, sub)
			}
		}
	}
	return out
}

// GetWatchedKOLWallets returns the active KOL set. Empty on store failure.
func (r *Registry) GetWatchedKOLWallets(ctx context.Context) []string {
	wallets, err := r.store.SMembers(ctx, r.keys.ActiveKOLs())
	if err != nil {
		r.logger.Warn("active set read failed", "error", err)
		return nil
	}
	return wallets
}

// SyncWithProvider reconciles the provider's watched addresses against the
// active set: active wallets unknown to the provider are appended, provider
// entries no longer active are removed. Idempotent.
func (r *Registry) SyncWithProvider(ctx context.Context) error {
	r.kolMu.Lock()
	defer r.kolMu.Unlock()

	active, err := r.store.SMembers(ctx, r.keys.ActiveKOLs())
	if err != nil {
		return fmt.Errorf("read active set: %w", err)
	}
	known, err := r.provider.ListAddresses(ctx)
	if err != nil {
		return fmt.Errorf("list provider addresses: %w", err)
	}

	knownSet := make(map[string]struct{}, len(known))
	for _, addr := range known {
		knownSet[addr] = struct{}{}
	}
	activeSet := make(map[string]struct{}, len(active))
	for _, addr := range active {
		activeSet[addr] = struct{}{}
	}

	var missing, stale []string
	for _, addr := range active {
		if _, ok := knownSet[addr]; !ok {
			missing = append(missing, addr)
		}
	}
	for _, addr := range known {
		if _, ok := activeSet[addr]; !ok {
			stale = append(stale, addr)
		}
	}

	if len(missing) > 0 {
		if err := r.provider.AppendAddresses(ctx, missing); err != nil {
			return fmt.Errorf("append %d addresses: %w", len(missing), err)
		}
	}
	if len(stale) > 0 {
		if err := r.provider.RemoveAddresses(ctx, stale); err != nil {
			return fmt.Errorf("remove %d addresses: %w", len(stale), err)
		}
	}

	if len(missing) > 0 || len(stale) > 0 {
		r.logger.Info("provider reconciled", "appended", len(missing), "removed", len(stale))
	}
	return nil
}

// attachKOL records userID under the KOL's subscriber set and activates the
// wallet, registering it with the provider on the inactive→active edge.
func (r *Registry) attachKOL(ctx context.Context, kolWallet, userID string) error {
	r.kolMu.Lock()
	defer r.kolMu.Unlock()

	subsKey := r.keys.KOLSubscribers(kolWallet)
	activeKey := r.keys.ActiveKOLs()

	wasActive, err := r.store.SCard(ctx, subsKey)
	if err != nil {
		return fmt.Errorf("check subscriber set: %w", err)
	}

	if err := r.store.SAdd(ctx, subsKey, userID); err != nil {
		return fmt.Errorf("add subscriber: %w", err)
	}
	if err := r.store.SAdd(ctx, activeKey, kolWallet); err != nil {
		return fmt.Errorf("activate kol: %w", err)
	}
	r.refreshTTL(ctx, subsKey)
	r.refreshTTL(ctx, activeKey)

	if wasActive == 0 {
		if err := r.provider.AppendAddresses(ctx, []string{kolWallet}); err != nil {
			r.logger.Warn("provider registration failed, sync will reconcile",
				"kol", kolWallet, "error", err)
			return fmt.Errorf("register kol with provider: %w", err)
		}
	}
	return nil
}

// detachKOL drops userID from the KOL's subscriber set; on the last
// subscriber the wallet leaves the active set and the provider.
func (r *Registry) detachKOL(ctx context.Context, kolWallet, userID string) error {
	r.kolMu.Lock()
	defer r.kolMu.Unlock()

	subsKey := r.keys.KOLSubscribers(kolWallet)

	if err := r.store.SRem(ctx, subsKey, userID); err != nil {
		return fmt.Errorf("remove subscriber: %w", err)
	}

	left, err := r.store.SCard(ctx, subsKey)
	if err != nil {
		return fmt.Errorf("check subscriber set: %w", err)
	}
	if left > 0 {
		r.refreshTTL(ctx, subsKey)
		return nil
	}

	if err := r.store.SRem(ctx, r.keys.ActiveKOLs(), kolWallet); err != nil {
		return fmt.Errorf("deactivate kol: %w", err)
	}
	if err := r.store.Del(ctx, subsKey); err != nil {
		r.logger.Warn("subscriber set cleanup failed", "kol", kolWallet, "error", err)
	}

	if err := r.provider.RemoveAddresses(ctx, []string{kolWallet}); err != nil {
		r.logger.Warn("provider removal failed, sync will reconcile",
			"kol", kolWallet, "error", err)
		return fmt.Errorf("remove kol from provider: %w", err)
	}
	return nil
}

func (r *Registry) loadSubscriptions(ctx context.Context, userID string) ([]types.Subscription, error) {
	val, err := r.store.Get(ctx, r.keys.UserSubscriptions(userID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var subs []types.Subscription
	if err := json.Unmarshal([]byte(val), &subs); err != nil {
		return nil, fmt.Errorf("decode subscriptions: %w", err)
	}
	return subs, nil
}

func (r *Registry) saveSubscriptions(ctx context.Context, userID string, subs []types.Subscription) error {
	key := r.keys.UserSubscriptions(userID)
	if len(subs) == 0 {
		return r.store.Del(ctx, key)
	}
	data, err := json.Marshal(subs)
	if err != nil {
		return fmt.Errorf("encode subscriptions: %w", err)
	}
	return r.store.Set(ctx, key, string(data), r.ttl)
}

// refreshTTL keeps actively-used registry keys from drifting out. ttl 0
// (production) leaves keys persistent.
func (r *Registry) refreshTTL(ctx context.Context, key string) {
	if err := r.store.Expire(ctx, key, r.ttl); err != nil {
		r.logger.Warn("ttl refresh failed", "key", key, "error", err)
	}
}
