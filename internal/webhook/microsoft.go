package webhook

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	graphmodels "github.com/microsoftgraph/msgraph-sdk-go/models"

	"github.com/hivemail/syncd/internal/models"
	"github.com/hivemail/syncd/internal/token"
)

// Graph caps mail subscriptions at roughly three days; we ask for slightly
// less so a renewal request is never rejected for overshooting.
const microsoftSubscriptionTTL = 71 * time.Hour

// MicrosoftStrategy manages Microsoft Graph change-notification
// subscriptions. Unlike Google channels these renew in place: a PATCH
// extends the expiry and the subscription id never rotates.
type MicrosoftStrategy struct {
	callbackURL string
	secret      string
}

func NewMicrosoftStrategy(webhookBaseURL, secret string) *MicrosoftStrategy {
	return &MicrosoftStrategy{
		callbackURL: strings.TrimRight(webhookBaseURL, "/") + "/notifications/microsoft",
		secret:      secret,
	}
}

func (s *MicrosoftStrategy) Kind() models.ProviderKind {
	return models.ProviderMicrosoft
}

func (s *MicrosoftStrategy) client(cred *token.Credential) (*msgraphsdk.GraphServiceClient, error) {
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(&staticTokenCredential{token: cred.AccessToken}, []string{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}
	return client, nil
}

// Register creates one Graph subscription per watched resource: messages
// always, events when the account has calendar access.
func (s *MicrosoftStrategy) Register(ctx context.Context, account *models.Account, cred *token.Credential) ([]Registration, error) {
	client, err := s.client(cred)
	if err != nil {
		return nil, err
	}

	resources := []struct {
		graphResource string
		path          string
	}{
		{"/me/messages", "mailbox"},
	}
	if account.SupportsCalendar {
		resources = append(resources, struct {
			graphResource string
			path          string
		}{"/me/events", "calendar/default"})
	}
	if account.SupportsContacts {
		resources = append(resources, struct {
			graphResource string
			path          string
		}{"/me/contacts", "contacts/default"})
	}

	var regs []Registration
	for _, res := range resources {
		expiry := time.Now().Add(microsoftSubscriptionTTL)

		body := graphmodels.NewSubscription()
		changeType := "created,updated"
		body.SetChangeType(&changeType)
		body.SetNotificationUrl(&s.callbackURL)
		resource := res.graphResource
		body.SetResource(&resource)
		body.SetExpirationDateTime(&expiry)
		secret := s.secret
		body.SetClientState(&secret)

		created, err := client.Subscriptions().Post(ctx, body, nil)
		if err != nil {
			return regs, fmt.Errorf("failed to create subscription for %s: %w", res.graphResource, err)
		}

		reg := Registration{
			ResourcePath: res.path,
			Secret:       s.secret,
			ExpiresAt:    expiry,
		}
		if id := created.GetId(); id != nil {
			reg.SubscriptionID = *id
		}
		if exp := created.GetExpirationDateTime(); exp != nil {
			reg.ExpiresAt = *exp
		}
		regs = append(regs, reg)
	}

	return regs, nil
}

// Renew extends the subscription expiry in place.
func (s *MicrosoftStrategy) Renew(ctx context.Context, sub *models.WebhookSubscription, cred *token.Credential) (*Renewal, error) {
	client, err := s.client(cred)
	if err != nil {
		return nil, err
	}

	expiry := time.Now().Add(microsoftSubscriptionTTL)
	body := graphmodels.NewSubscription()
	body.SetExpirationDateTime(&expiry)

	updated, err := client.Subscriptions().BySubscriptionId(sub.SubscriptionID).Patch(ctx, body, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to renew subscription %s: %w", sub.SubscriptionID, err)
	}

	renewal := &Renewal{
		SubscriptionID: sub.SubscriptionID,
		ResourceID:     sub.ResourceID,
		ExpiresAt:      expiry,
	}
	if exp := updated.GetExpirationDateTime(); exp != nil {
		renewal.ExpiresAt = *exp
	}
	return renewal, nil
}

func (s *MicrosoftStrategy) Stop(ctx context.Context, sub *models.WebhookSubscription, cred *token.Credential) error {
	client, err := s.client(cred)
	if err != nil {
		return err
	}
	if err := client.Subscriptions().BySubscriptionId(sub.SubscriptionID).Delete(ctx, nil); err != nil {
		return fmt.Errorf("failed to delete subscription %s: %w", sub.SubscriptionID, err)
	}
	return nil
}

// staticTokenCredential adapts an already-acquired access token to the
// Azure credential interface the Graph SDK expects.
type staticTokenCredential struct {
	token string
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{
		Token:     c.token,
		ExpiresOn: time.Now().Add(1 * time.Hour),
	}, nil
}
