package webhook

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/hivemail/syncd/internal/models"
	"github.com/hivemail/syncd/internal/token"
)

// ErrUnsupportedAccount means the account cannot receive push
// notifications (no capability, no strategy, or no credential)
var ErrUnsupportedAccount = errors.New("account does not support webhook subscriptions")

// TokenSource supplies usable bearer credentials per account
type TokenSource interface {
	GetUsableCredential(ctx context.Context, accountID string) (*token.Credential, *models.Account, error)
}

// SubscriptionStore is the persistence surface of the registry
type SubscriptionStore interface {
	Upsert(ctx context.Context, sub *models.WebhookSubscription) error
	GetActiveBySubscriptionID(ctx context.Context, subscriptionID string) (*models.WebhookSubscription, error)
	RecordNotification(ctx context.Context, id string) error
	ListActiveByAccount(ctx context.Context, accountID string) ([]models.WebhookSubscription, error)
	ListExpiring(ctx context.Context, kind models.ProviderKind, cutoff time.Time) ([]models.WebhookSubscription, error)
	UpdateRenewal(ctx context.Context, id string, newSubscriptionID string, resourceID string, expiresAt time.Time) error
	MarkError(ctx context.Context, id string, errMsg string, deactivate bool) error
	MarkAccountFailure(ctx context.Context, accountID string, errMsg string) error
	DeactivateByAccount(ctx context.Context, accountID string) error
	DeleteByAccount(ctx context.Context, accountID string) error
	CountActiveByProvider(ctx context.Context) (map[models.ProviderKind]int64, error)
	CountNotificationsSince(ctx context.Context, since time.Time) (int64, error)
	RecentNotifications(ctx context.Context, limit int) ([]models.WebhookSubscription, error)
}

// AccountLister enumerates accounts for bulk registration
type AccountLister interface {
	ListActiveByProvider(ctx context.Context, kind models.ProviderKind) ([]models.Account, error)
}

// Registry manages the webhook subscription lifecycle across provider
// kinds: create, renew, cancel, and notification bookkeeping.
type Registry struct {
	tokens     TokenSource
	store      SubscriptionStore
	accounts   AccountLister
	strategies map[models.ProviderKind]Strategy
}

func NewRegistry(tokens TokenSource, store SubscriptionStore, accounts AccountLister, strategies ...Strategy) *Registry {
	byKind := make(map[models.ProviderKind]Strategy, len(strategies))
	for _, s := range strategies {
		byKind[s.Kind()] = s
	}
	return &Registry{tokens: tokens, store: store, accounts: accounts, strategies: byKind}
}

// Register creates (or refreshes) the upstream push channels for one
// account and upserts a subscription row per (account, resource path).
// On upstream failure any existing subscriptions for the account are
// deactivated with the error recorded, and the error is returned.
func (r *Registry) Register(ctx context.Context, accountID string) error {
	cred, account, err := r.tokens.GetUsableCredential(ctx, accountID)
	if err != nil {
		if errors.Is(err, token.ErrCredentialUnavailable) {
			return fmt.Errorf("%w: %v", ErrUnsupportedAccount, err)
		}
		return err
	}

	strategy, ok := r.strategies[account.Provider]
	if !ok {
		return fmt.Errorf("%w: no strategy for provider %s", ErrUnsupportedAccount, account.Provider)
	}

	regs, err := strategy.Register(ctx, account, cred)
	if err != nil {
		if markErr := r.store.MarkAccountFailure(ctx, accountID, err.Error()); markErr != nil {
			log.Printf("Failed to record registration failure for account %s: %v", accountID, markErr)
		}
		return fmt.Errorf("webhook registration for account %s (%s): %w", accountID, account.Provider, err)
	}

	for _, reg := range regs {
		sub := &models.WebhookSubscription{
			ID:              uuid.New().String(),
			TenantID:        account.TenantID,
			AccountID:       account.ID,
			Provider:        account.Provider,
			SubscriptionID:  reg.SubscriptionID,
			ResourcePath:    reg.ResourcePath,
			ResourceID:      reg.ResourceID,
			Secret:          reg.Secret,
			IsActive:        true,
			ExpiresAt:       reg.ExpiresAt,
			PollIntervalMin: reg.PollIntervalMin,
			CreatedAt:       time.Now(),
			UpdatedAt:       time.Now(),
		}
		if err := r.store.Upsert(ctx, sub); err != nil {
			return err
		}
		log.Printf("Webhook registered: account=%s provider=%s resource=%s expires=%s",
			account.ID, account.Provider, reg.ResourcePath, reg.ExpiresAt.Format(time.RFC3339))
	}

	return nil
}

// RenewSoonExpiring renews every active subscription expiring within the
// window. Individual failures are logged and counted against the
// subscription without aborting the batch; the return value is the number
// of renewals that succeeded.
func (r *Registry) RenewSoonExpiring(ctx context.Context, within time.Duration) (int, error) {
	cutoff := time.Now().Add(within)
	renewed := 0

	for _, kind := range models.AllProviders {
		strategy, ok := r.strategies[kind]
		if !ok {
			continue
		}
		subs, err := r.store.ListExpiring(ctx, kind, cutoff)
		if err != nil {
			log.Printf("Failed to list expiring %s subscriptions: %v", kind, err)
			continue
		}
		if len(subs) == 0 {
			continue
		}

		log.Printf("Renewing %d expiring %s subscription(s)", len(subs), kind)

		for i := range subs {
			sub := &subs[i]
			if err := r.renewOne(ctx, strategy, sub); err != nil {
				log.Printf("Failed to renew subscription %s (account %s): %v", sub.SubscriptionID, sub.AccountID, err)
				if markErr := r.store.MarkError(ctx, sub.ID, err.Error(), false); markErr != nil {
					log.Printf("Failed to record renewal error: %v", markErr)
				}
				continue
			}
			renewed++
		}
	}

	return renewed, nil
}

func (r *Registry) renewOne(ctx context.Context, strategy Strategy, sub *models.WebhookSubscription) error {
	cred, _, err := r.tokens.GetUsableCredential(ctx, sub.AccountID)
	if err != nil {
		return err
	}

	renewal, err := strategy.Renew(ctx, sub, cred)
	if err != nil {
		return err
	}

	// The upstream id may have rotated; persist before counting success.
	return r.store.UpdateRenewal(ctx, sub.ID, renewal.SubscriptionID, renewal.ResourceID, renewal.ExpiresAt)
}

// Cancel stops an account's upstream channels best-effort and always
// deactivates the local rows. Upstream channels self-expire, so a failed
// stop is a warning, not a fatal error.
func (r *Registry) Cancel(ctx context.Context, accountID string) error {
	subs, err := r.store.ListActiveByAccount(ctx, accountID)
	if err != nil {
		return err
	}

	if len(subs) > 0 {
		cred, account, err := r.tokens.GetUsableCredential(ctx, accountID)
		if err != nil {
			log.Printf("Warning: no credential to stop channels for account %s: %v", accountID, err)
		} else if account.CanReceivePush() {
			// Poll-driven accounts only carry a local marker row; there is
			// no upstream channel to stop.
			if strategy, ok := r.strategies[account.Provider]; ok {
				for i := range subs {
					if err := strategy.Stop(ctx, &subs[i], cred); err != nil {
						log.Printf("Warning: failed to stop channel %s for account %s: %v", subs[i].SubscriptionID, accountID, err)
					}
				}
			}
		}
	}

	return r.store.DeactivateByAccount(ctx, accountID)
}

// RemoveAccount cancels and hard-deletes an account's subscription rows.
// Only called when the owning account itself is deleted.
func (r *Registry) RemoveAccount(ctx context.Context, accountID string) error {
	if err := r.Cancel(ctx, accountID); err != nil {
		log.Printf("Warning: cancel before delete failed for account %s: %v", accountID, err)
	}
	return r.store.DeleteByAccount(ctx, accountID)
}

// RecordNotification resolves the active subscription owning an upstream
// id and bumps its counters. Returns nil, nil when no active owner exists;
// the caller must treat that as "ignore".
func (r *Registry) RecordNotification(ctx context.Context, subscriptionID string) (*models.WebhookSubscription, error) {
	sub, err := r.store.GetActiveBySubscriptionID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, nil
	}

	if err := r.store.RecordNotification(ctx, sub.ID); err != nil {
		return nil, err
	}
	return sub, nil
}

// BulkResult summarizes a CreateAll run
type BulkResult struct {
	Created int      `json:"created"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors,omitempty"`
}

// CreateAll (re)registers webhooks for every eligible active account.
// Per-account failures never abort the sweep.
func (r *Registry) CreateAll(ctx context.Context) (*BulkResult, error) {
	result := &BulkResult{}

	for _, kind := range models.AllProviders {
		if _, ok := r.strategies[kind]; !ok {
			continue
		}
		accounts, err := r.accounts.ListActiveByProvider(ctx, kind)
		if err != nil {
			log.Printf("Failed to list %s accounts: %v", kind, err)
			continue
		}

		for _, account := range accounts {
			if err := r.Register(ctx, account.ID); err != nil {
				result.Failed++
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", account.ID, err))
				continue
			}
			result.Created++
		}
	}

	log.Printf("Bulk webhook registration: %d created, %d failed", result.Created, result.Failed)
	return result, nil
}

// NotificationSummary is one entry of the recent-notification list
type NotificationSummary struct {
	AccountID      string              `json:"account_id"`
	Provider       models.ProviderKind `json:"provider"`
	ResourcePath   string              `json:"resource_path"`
	NotifiedAt     time.Time           `json:"notified_at"`
	TotalDelivered int64               `json:"total_delivered"`
}

// RegistryStats is the operational view of the subscription registry
type RegistryStats struct {
	Active              map[models.ProviderKind]int64 `json:"active"`
	RecentNotifications int64                         `json:"recent_notifications_24h"`
	LastNotifications   []NotificationSummary         `json:"last_notifications"`
}

// Stats aggregates active subscriptions and recent notification activity
func (r *Registry) Stats(ctx context.Context) (*RegistryStats, error) {
	active, err := r.store.CountActiveByProvider(ctx)
	if err != nil {
		return nil, err
	}

	recent, err := r.store.CountNotificationsSince(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		return nil, err
	}

	last, err := r.store.RecentNotifications(ctx, 10)
	if err != nil {
		return nil, err
	}

	stats := &RegistryStats{
		Active:              active,
		RecentNotifications: recent,
	}
	for _, sub := range last {
		entry := NotificationSummary{
			AccountID:      sub.AccountID,
			Provider:       sub.Provider,
			ResourcePath:   sub.ResourcePath,
			TotalDelivered: sub.NotificationCount,
		}
		if sub.LastNotificationAt != nil {
			entry.NotifiedAt = *sub.LastNotificationAt
		}
		stats.LastNotifications = append(stats.LastNotifications, entry)
	}
	return stats, nil
}
