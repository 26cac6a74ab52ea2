package webhook

import (
	"context"
	"time"

	"github.com/hivemail/syncd/internal/models"
	"github.com/hivemail/syncd/internal/token"
)

// Registration is one upstream channel a strategy created for an account.
// An account may produce several (one mailbox watch plus one channel per
// calendar).
type Registration struct {
	SubscriptionID  string
	ResourcePath    string
	ResourceID      string
	Secret          string
	ExpiresAt       time.Time
	PollIntervalMin int
}

// Renewal is the outcome of renewing one subscription. Some providers
// renew by re-registering from scratch, so the subscription id may differ
// from the one renewed; callers must adopt the returned id.
type Renewal struct {
	SubscriptionID string
	ResourceID     string
	ExpiresAt      time.Time
}

// Strategy is the per-provider subscription lifecycle. Implementations
// talk to exactly one upstream API; the registry stays provider-agnostic.
type Strategy interface {
	Kind() models.ProviderKind
	Register(ctx context.Context, account *models.Account, cred *token.Credential) ([]Registration, error)
	Renew(ctx context.Context, sub *models.WebhookSubscription, cred *token.Credential) (*Renewal, error)
	Stop(ctx context.Context, sub *models.WebhookSubscription, cred *token.Credential) error
}
