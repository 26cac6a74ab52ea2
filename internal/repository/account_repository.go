package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/hivemail/syncd/internal/models"
)

var ErrAccountNotFound = errors.New("account not found")

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// GetByID retrieves account by ID
func (r *AccountRepository) GetByID(ctx context.Context, accountID string) (*models.Account, error) {
	var account models.Account
	result := r.db.WithContext(ctx).First(&account, "id = ?", accountID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", result.Error)
	}
	return &account, nil
}

// DueForSync retrieves active accounts whose last sync is missing or older
// than the cutoff, oldest first with never-synced accounts ahead of all
// others. The ordering is what keeps long-waiting accounts from starving.
func (r *AccountRepository) DueForSync(ctx context.Context, cutoff time.Time, limit int) ([]models.Account, error) {
	var accounts []models.Account
	result := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Where("last_synced_at IS NULL OR last_synced_at < ? OR force_sync = ?", cutoff, true).
		Order("last_synced_at ASC NULLS FIRST").
		Limit(limit).
		Find(&accounts)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to query due accounts: %w", result.Error)
	}
	return accounts, nil
}

// ListActiveByProvider retrieves all active accounts for one provider kind
func (r *AccountRepository) ListActiveByProvider(ctx context.Context, kind models.ProviderKind) ([]models.Account, error) {
	var accounts []models.Account
	result := r.db.WithContext(ctx).
		Where("is_active = ? AND provider = ?", true, kind).
		Order("created_at ASC").
		Find(&accounts)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", result.Error)
	}
	return accounts, nil
}

// ListStaleSince retrieves active accounts whose last sync predates the cutoff
func (r *AccountRepository) ListStaleSince(ctx context.Context, cutoff time.Time, limit int) ([]models.Account, error) {
	var accounts []models.Account
	result := r.db.WithContext(ctx).
		Where("is_active = ? AND last_synced_at IS NOT NULL AND last_synced_at < ?", true, cutoff).
		Order("last_synced_at ASC").
		Limit(limit).
		Find(&accounts)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list stale accounts: %w", result.Error)
	}
	return accounts, nil
}

// AccountAggregates holds the operational counters the scheduler reports
type AccountAggregates struct {
	TotalActive    int64
	NeverSynced    int64
	SyncedWithin24 int64
}

// Aggregates computes account counters for the scheduler stats endpoint
func (r *AccountRepository) Aggregates(ctx context.Context) (*AccountAggregates, error) {
	var agg AccountAggregates

	if err := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("is_active = ?", true).
		Count(&agg.TotalActive).Error; err != nil {
		return nil, fmt.Errorf("failed to count active accounts: %w", err)
	}

	if err := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("is_active = ? AND last_synced_at IS NULL", true).
		Count(&agg.NeverSynced).Error; err != nil {
		return nil, fmt.Errorf("failed to count never-synced accounts: %w", err)
	}

	if err := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("is_active = ? AND last_synced_at >= ?", true, time.Now().Add(-24*time.Hour)).
		Count(&agg.SyncedWithin24).Error; err != nil {
		return nil, fmt.Errorf("failed to count recently synced accounts: %w", err)
	}

	return &agg, nil
}

// SetForceSync flips the forced re-sync hint on an account
func (r *AccountRepository) SetForceSync(ctx context.Context, accountID string, force bool) error {
	result := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", accountID).
		Updates(map[string]interface{}{
			"force_sync": force,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to set force_sync: %w", result.Error)
	}
	return nil
}

// MarkSynced stamps a completed sync and clears any forced re-sync hint
func (r *AccountRepository) MarkSynced(ctx context.Context, accountID string, syncedAt time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", accountID).
		Updates(map[string]interface{}{
			"last_synced_at": syncedAt,
			"force_sync":     false,
			"updated_at":     time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark account synced: %w", result.Error)
	}
	return nil
}

// UpdateTokens updates access token, refresh token, and expiry after a refresh
func (r *AccountRepository) UpdateTokens(ctx context.Context, accountID string, accessToken string, refreshToken string, expiresAt time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", accountID).
		Updates(map[string]interface{}{
			"access_token":            accessToken,
			"refresh_token":           refreshToken,
			"access_token_expires_at": expiresAt,
			"updated_at":              time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update tokens: %w", result.Error)
	}
	return nil
}
