package models

import "time"

type ProviderKind string

const (
	ProviderGoogle    ProviderKind = "google"
	ProviderMicrosoft ProviderKind = "microsoft"
	ProviderIMAP      ProviderKind = "imap"
)

// AllProviders lists every provider kind, in registry iteration order.
var AllProviders = []ProviderKind{ProviderGoogle, ProviderMicrosoft, ProviderIMAP}

// Account represents one connected mailbox/calendar/contacts source.
// The orchestrator reads it to decide scheduling; only the sync-status and
// token fields are ever written from here.
type Account struct {
	ID                   string       `gorm:"column:id;primaryKey"`
	TenantID             string       `gorm:"column:tenant_id;index"`
	Email                string       `gorm:"column:email"`
	Provider             ProviderKind `gorm:"column:provider;index"`
	IsActive             bool         `gorm:"column:is_active;index"`
	LastSyncedAt         *time.Time   `gorm:"column:last_synced_at"`
	ForceSync            bool         `gorm:"column:force_sync"`
	SupportsCalendar     bool         `gorm:"column:supports_calendar"`
	SupportsContacts     bool         `gorm:"column:supports_contacts"`
	AccessToken          *string      `gorm:"column:access_token"`
	RefreshToken         *string      `gorm:"column:refresh_token"`
	AccessTokenExpiresAt *time.Time   `gorm:"column:access_token_expires_at"`
	CreatedAt            time.Time    `gorm:"column:created_at"`
	UpdatedAt            time.Time    `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (Account) TableName() string {
	return "account"
}

// CanReceivePush reports whether the provider has a real push channel.
// IMAP accounts are polled; their "subscription" is a synthetic marker.
func (a *Account) CanReceivePush() bool {
	return a.Provider == ProviderGoogle || a.Provider == ProviderMicrosoft
}
