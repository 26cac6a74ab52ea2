package webhook

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hivemail/syncd/internal/models"
	"github.com/hivemail/syncd/internal/token"
)

const pollIntervalMinutes = 15

// PollingStrategy covers providers without push support (IMAP). It writes
// a synthetic subscription row that marks the account as poll-driven; the
// janitor's sweep reads the poll interval off the row. Nothing is
// registered upstream, so renew and stop have no remote side effects.
type PollingStrategy struct{}

func NewPollingStrategy() *PollingStrategy {
	return &PollingStrategy{}
}

func (s *PollingStrategy) Kind() models.ProviderKind {
	return models.ProviderIMAP
}

func (s *PollingStrategy) Register(ctx context.Context, account *models.Account, cred *token.Credential) ([]Registration, error) {
	// Far-future expiry keeps the marker out of every renewal sweep.
	return []Registration{{
		SubscriptionID:  uuid.New().String(),
		ResourcePath:    "mailbox",
		ExpiresAt:       time.Now().AddDate(10, 0, 0),
		PollIntervalMin: pollIntervalMinutes,
	}}, nil
}

func (s *PollingStrategy) Renew(ctx context.Context, sub *models.WebhookSubscription, cred *token.Credential) (*Renewal, error) {
	return &Renewal{
		SubscriptionID: sub.SubscriptionID,
		ResourceID:     sub.ResourceID,
		ExpiresAt:      time.Now().AddDate(10, 0, 0),
	}, nil
}

func (s *PollingStrategy) Stop(ctx context.Context, sub *models.WebhookSubscription, cred *token.Credential) error {
	return nil
}
