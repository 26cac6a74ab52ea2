package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hivemail/syncd/internal/models"
)

type WebhookSubscriptionRepository struct {
	db *gorm.DB
}

func NewWebhookSubscriptionRepository(db *gorm.DB) *WebhookSubscriptionRepository {
	return &WebhookSubscriptionRepository{db: db}
}

// Upsert inserts or refreshes a subscription keyed on (account_id,
// resource_path). A re-registration never produces a second live row; the
// new channel's id, secret, and expiry win and the error counter resets.
func (r *WebhookSubscriptionRepository) Upsert(ctx context.Context, sub *models.WebhookSubscription) error {
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_id"}, {Name: "resource_path"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"subscription_id": sub.SubscriptionID,
			"resource_id":     sub.ResourceID,
			"secret":          sub.Secret,
			"is_active":       true,
			"expires_at":      sub.ExpiresAt,
			"last_renewed_at": time.Now(),
			"error_count":     0,
			"last_error":      nil,
			"updated_at":      time.Now(),
		}),
	}).Create(sub)
	if result.Error != nil {
		return fmt.Errorf("failed to upsert subscription: %w", result.Error)
	}
	return nil
}

// GetActiveBySubscriptionID looks up the active subscription carrying an
// upstream channel id. Returns nil, nil when no active owner exists.
func (r *WebhookSubscriptionRepository) GetActiveBySubscriptionID(ctx context.Context, subscriptionID string) (*models.WebhookSubscription, error) {
	var sub models.WebhookSubscription
	result := r.db.WithContext(ctx).
		Where("subscription_id = ? AND is_active = ?", subscriptionID, true).
		First(&sub)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get subscription: %w", result.Error)
	}
	return &sub, nil
}

// RecordNotification bumps the notification counters for a subscription
func (r *WebhookSubscriptionRepository) RecordNotification(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Model(&models.WebhookSubscription{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"notification_count":   gorm.Expr("notification_count + 1"),
			"last_notification_at": time.Now(),
			"updated_at":           time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to record notification: %w", result.Error)
	}
	return nil
}

// ListActiveByAccount retrieves all active subscriptions for one account
func (r *WebhookSubscriptionRepository) ListActiveByAccount(ctx context.Context, accountID string) ([]models.WebhookSubscription, error) {
	var subs []models.WebhookSubscription
	result := r.db.WithContext(ctx).
		Where("account_id = ? AND is_active = ?", accountID, true).
		Find(&subs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", result.Error)
	}
	return subs, nil
}

// ListExpiring retrieves active subscriptions of one provider kind whose
// expiry falls before the cutoff
func (r *WebhookSubscriptionRepository) ListExpiring(ctx context.Context, kind models.ProviderKind, cutoff time.Time) ([]models.WebhookSubscription, error) {
	var subs []models.WebhookSubscription
	result := r.db.WithContext(ctx).
		Where("provider = ? AND is_active = ? AND expires_at <= ?", kind, true, cutoff).
		Order("expires_at ASC").
		Find(&subs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list expiring subscriptions: %w", result.Error)
	}
	return subs, nil
}

// UpdateRenewal stamps a successful renewal. The upstream id may have
// rotated (Google re-registers from scratch), so it is written back.
func (r *WebhookSubscriptionRepository) UpdateRenewal(ctx context.Context, id string, newSubscriptionID string, resourceID string, expiresAt time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.WebhookSubscription{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"subscription_id": newSubscriptionID,
			"resource_id":     resourceID,
			"expires_at":      expiresAt,
			"last_renewed_at": time.Now(),
			"updated_at":      time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update renewal: %w", result.Error)
	}
	return nil
}

// MarkError records an upstream failure against a subscription
func (r *WebhookSubscriptionRepository) MarkError(ctx context.Context, id string, errMsg string, deactivate bool) error {
	updates := map[string]interface{}{
		"error_count": gorm.Expr("error_count + 1"),
		"last_error":  errMsg,
		"updated_at":  time.Now(),
	}
	if deactivate {
		updates["is_active"] = false
	}

	result := r.db.WithContext(ctx).Model(&models.WebhookSubscription{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to mark subscription error: %w", result.Error)
	}
	return nil
}

// MarkAccountFailure deactivates every subscription of an account and
// records the registration error against them
func (r *WebhookSubscriptionRepository) MarkAccountFailure(ctx context.Context, accountID string, errMsg string) error {
	result := r.db.WithContext(ctx).Model(&models.WebhookSubscription{}).
		Where("account_id = ?", accountID).
		Updates(map[string]interface{}{
			"is_active":   false,
			"error_count": gorm.Expr("error_count + 1"),
			"last_error":  errMsg,
			"updated_at":  time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark account failure: %w", result.Error)
	}
	return nil
}

// DeactivateByAccount flips all of an account's subscriptions inactive
func (r *WebhookSubscriptionRepository) DeactivateByAccount(ctx context.Context, accountID string) error {
	result := r.db.WithContext(ctx).Model(&models.WebhookSubscription{}).
		Where("account_id = ?", accountID).
		Updates(map[string]interface{}{
			"is_active":  false,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to deactivate subscriptions: %w", result.Error)
	}
	return nil
}

// DeleteByAccount hard-deletes subscription rows. Only used when the owning
// account is deleted; lifecycle deactivation keeps rows for diagnostics.
func (r *WebhookSubscriptionRepository) DeleteByAccount(ctx context.Context, accountID string) error {
	result := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Delete(&models.WebhookSubscription{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete subscriptions: %w", result.Error)
	}
	return nil
}

// DeactivateErrorProne flips inactive every active subscription whose error
// count reached the threshold. Returns the number affected.
func (r *WebhookSubscriptionRepository) DeactivateErrorProne(ctx context.Context, threshold int) (int64, error) {
	result := r.db.WithContext(ctx).Model(&models.WebhookSubscription{}).
		Where("is_active = ? AND error_count >= ?", true, threshold).
		Updates(map[string]interface{}{
			"is_active":  false,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to deactivate error-prone subscriptions: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// DeactivateExpired flips inactive every active subscription already past
// its expiry. Returns the number affected.
func (r *WebhookSubscriptionRepository) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Model(&models.WebhookSubscription{}).
		Where("is_active = ? AND expires_at < ?", true, now).
		Updates(map[string]interface{}{
			"is_active":  false,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to deactivate expired subscriptions: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// CountActiveByProvider returns active subscription counts per provider kind
func (r *WebhookSubscriptionRepository) CountActiveByProvider(ctx context.Context) (map[models.ProviderKind]int64, error) {
	type row struct {
		Provider models.ProviderKind
		N        int64
	}
	var rows []row
	result := r.db.WithContext(ctx).Model(&models.WebhookSubscription{}).
		Select("provider, COUNT(*) as n").
		Where("is_active = ?", true).
		Group("provider").
		Scan(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to count subscriptions: %w", result.Error)
	}

	counts := make(map[models.ProviderKind]int64, len(rows))
	for _, r := range rows {
		counts[r.Provider] = r.N
	}
	return counts, nil
}

// CountExpiringByProvider returns active subscriptions per kind expiring
// before the cutoff
func (r *WebhookSubscriptionRepository) CountExpiringByProvider(ctx context.Context, cutoff time.Time) (map[models.ProviderKind]int64, error) {
	type row struct {
		Provider models.ProviderKind
		N        int64
	}
	var rows []row
	result := r.db.WithContext(ctx).Model(&models.WebhookSubscription{}).
		Select("provider, COUNT(*) as n").
		Where("is_active = ? AND expires_at <= ?", true, cutoff).
		Group("provider").
		Scan(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to count expiring subscriptions: %w", result.Error)
	}

	counts := make(map[models.ProviderKind]int64, len(rows))
	for _, r := range rows {
		counts[r.Provider] = r.N
	}
	return counts, nil
}

// CountErrorProne returns active subscriptions with at least one error
func (r *WebhookSubscriptionRepository) CountErrorProne(ctx context.Context, minErrors int) (int64, error) {
	var n int64
	result := r.db.WithContext(ctx).Model(&models.WebhookSubscription{}).
		Where("is_active = ? AND error_count >= ?", true, minErrors).
		Count(&n)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to count error-prone subscriptions: %w", result.Error)
	}
	return n, nil
}

// CountNotificationsSince counts subscriptions notified within the window
func (r *WebhookSubscriptionRepository) CountNotificationsSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	result := r.db.WithContext(ctx).Model(&models.WebhookSubscription{}).
		Where("last_notification_at >= ?", since).
		Count(&n)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to count recent notifications: %w", result.Error)
	}
	return n, nil
}

// RecentNotifications lists the most recently notified subscriptions
func (r *WebhookSubscriptionRepository) RecentNotifications(ctx context.Context, limit int) ([]models.WebhookSubscription, error) {
	var subs []models.WebhookSubscription
	result := r.db.WithContext(ctx).
		Where("last_notification_at IS NOT NULL").
		Order("last_notification_at DESC").
		Limit(limit).
		Find(&subs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list recent notifications: %w", result.Error)
	}
	return subs, nil
}
