package models

import (
	"strings"
	"time"
)

// ResourceFamily groups subscription resource paths by the kind of data the
// channel watches, so a calendar notification landing on the mail receiver
// can be recognized and ignored.
type ResourceFamily string

const (
	FamilyMail     ResourceFamily = "mail"
	FamilyCalendar ResourceFamily = "calendar"
	FamilyContacts ResourceFamily = "contacts"
)

// WebhookSubscription is one push-notification channel registered with an
// upstream provider for an (account, resource path) pair. IMAP accounts get
// a synthetic polling-marker row with the same shape.
type WebhookSubscription struct {
	ID                 string       `gorm:"column:id;primaryKey"`
	TenantID           string       `gorm:"column:tenant_id;index"`
	AccountID          string       `gorm:"column:account_id;uniqueIndex:idx_account_resource"`
	Provider           ProviderKind `gorm:"column:provider;index"`
	SubscriptionID     string       `gorm:"column:subscription_id;index"`
	ResourcePath       string       `gorm:"column:resource_path;uniqueIndex:idx_account_resource"`
	ResourceID         string       `gorm:"column:resource_id"`
	Secret             string       `gorm:"column:secret"`
	IsActive           bool         `gorm:"column:is_active;index"`
	ExpiresAt          time.Time    `gorm:"column:expires_at"`
	LastRenewedAt      *time.Time   `gorm:"column:last_renewed_at"`
	LastNotificationAt *time.Time   `gorm:"column:last_notification_at"`
	NotificationCount  int64        `gorm:"column:notification_count"`
	ErrorCount         int          `gorm:"column:error_count"`
	LastError          *string      `gorm:"column:last_error"`
	LastPollAt         *time.Time   `gorm:"column:last_poll_at"`
	PollIntervalMin    int          `gorm:"column:poll_interval_min"`
	CreatedAt          time.Time    `gorm:"column:created_at"`
	UpdatedAt          time.Time    `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (WebhookSubscription) TableName() string {
	return "webhook_subscription"
}

// Family classifies the subscription's resource path.
func (s *WebhookSubscription) Family() ResourceFamily {
	switch {
	case strings.HasPrefix(s.ResourcePath, "calendar/"):
		return FamilyCalendar
	case strings.HasPrefix(s.ResourcePath, "contacts/"):
		return FamilyContacts
	default:
		return FamilyMail
	}
}
