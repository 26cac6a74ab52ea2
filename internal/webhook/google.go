package webhook

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/hivemail/syncd/internal/models"
	"github.com/hivemail/syncd/internal/token"
)

// GoogleStrategy registers Gmail mailbox watches (delivered through a
// Pub/Sub topic) and one REST channel per writable calendar.
type GoogleStrategy struct {
	pubsubTopic string // projects/<project>/topics/<topic>
	callbackURL string // public calendar channel address
	secret      string
}

func NewGoogleStrategy(pubsubTopic, webhookBaseURL, secret string) *GoogleStrategy {
	return &GoogleStrategy{
		pubsubTopic: pubsubTopic,
		callbackURL: strings.TrimRight(webhookBaseURL, "/") + "/notifications/google",
		secret:      secret,
	}
}

func (s *GoogleStrategy) Kind() models.ProviderKind {
	return models.ProviderGoogle
}

func (s *GoogleStrategy) tokenOption(cred *token.Credential) option.ClientOption {
	tok := &oauth2.Token{
		AccessToken: cred.AccessToken,
		TokenType:   "Bearer",
	}
	return option.WithTokenSource(oauth2.StaticTokenSource(tok))
}

// Register creates the mailbox watch and, when the account has calendar
// access, one channel per writable calendar. Gmail watches have no channel
// id of their own, so the account email serves as the subscription id.
func (s *GoogleStrategy) Register(ctx context.Context, account *models.Account, cred *token.Credential) ([]Registration, error) {
	if s.pubsubTopic == "" {
		return nil, fmt.Errorf("pub/sub topic not configured")
	}

	gmailService, err := gmail.NewService(ctx, s.tokenOption(cred))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	watchResp, err := gmailService.Users.Watch("me", &gmail.WatchRequest{
		TopicName: s.pubsubTopic,
		LabelIds:  []string{"INBOX"},
	}).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to register mailbox watch: %w", err)
	}

	mailExpiry := time.UnixMilli(watchResp.Expiration)
	regs := []Registration{{
		SubscriptionID: account.Email,
		ResourcePath:   "mailbox",
		ResourceID:     fmt.Sprintf("%d", watchResp.HistoryId),
		Secret:         s.secret,
		ExpiresAt:      mailExpiry,
	}}

	if account.SupportsCalendar {
		calRegs, err := s.registerCalendars(ctx, cred)
		if err != nil {
			// The mailbox watch succeeded; surface the calendar failure
			// without discarding it.
			log.Printf("Calendar channel registration failed for account %s: %v", account.ID, err)
		} else {
			regs = append(regs, calRegs...)
		}
	}

	return regs, nil
}

func (s *GoogleStrategy) registerCalendars(ctx context.Context, cred *token.Credential) ([]Registration, error) {
	calService, err := calendar.NewService(ctx, s.tokenOption(cred))
	if err != nil {
		return nil, fmt.Errorf("failed to create Calendar service: %w", err)
	}

	list, err := calService.CalendarList.List().Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", err)
	}

	var regs []Registration
	for _, entry := range list.Items {
		if entry.Deleted {
			continue
		}
		if entry.AccessRole != "owner" && entry.AccessRole != "writer" {
			continue
		}

		channelID := uuid.New().String()
		ch, err := calService.Events.Watch(entry.Id, &calendar.Channel{
			Id:      channelID,
			Type:    "web_hook",
			Address: s.callbackURL,
			Token:   s.secret,
		}).Do()
		if err != nil {
			return regs, fmt.Errorf("failed to watch calendar %s: %w", entry.Id, err)
		}

		regs = append(regs, Registration{
			SubscriptionID: ch.Id,
			ResourcePath:   "calendar/" + entry.Id,
			ResourceID:     ch.ResourceId,
			Secret:         s.secret,
			ExpiresAt:      time.UnixMilli(ch.Expiration),
		})
	}

	return regs, nil
}

// Renew re-registers the channel. Google has no extend call, so renewal
// produces a fresh channel whose id replaces the old one; the expiring
// channel is stopped best-effort once the replacement exists.
func (s *GoogleStrategy) Renew(ctx context.Context, sub *models.WebhookSubscription, cred *token.Credential) (*Renewal, error) {
	if sub.ResourcePath == "mailbox" {
		gmailService, err := gmail.NewService(ctx, s.tokenOption(cred))
		if err != nil {
			return nil, fmt.Errorf("failed to create Gmail service: %w", err)
		}
		watchResp, err := gmailService.Users.Watch("me", &gmail.WatchRequest{
			TopicName: s.pubsubTopic,
			LabelIds:  []string{"INBOX"},
		}).Do()
		if err != nil {
			return nil, fmt.Errorf("failed to re-register mailbox watch: %w", err)
		}
		return &Renewal{
			SubscriptionID: sub.SubscriptionID,
			ResourceID:     fmt.Sprintf("%d", watchResp.HistoryId),
			ExpiresAt:      time.UnixMilli(watchResp.Expiration),
		}, nil
	}

	calService, err := calendar.NewService(ctx, s.tokenOption(cred))
	if err != nil {
		return nil, fmt.Errorf("failed to create Calendar service: %w", err)
	}

	calendarID := strings.TrimPrefix(sub.ResourcePath, "calendar/")
	ch, err := calService.Events.Watch(calendarID, &calendar.Channel{
		Id:      uuid.New().String(),
		Type:    "web_hook",
		Address: s.callbackURL,
		Token:   sub.Secret,
	}).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to re-watch calendar %s: %w", calendarID, err)
	}

	if err := calService.Channels.Stop(&calendar.Channel{Id: sub.SubscriptionID, ResourceId: sub.ResourceID}).Do(); err != nil {
		log.Printf("Warning: failed to stop superseded channel %s: %v", sub.SubscriptionID, err)
	}

	return &Renewal{
		SubscriptionID: ch.Id,
		ResourceID:     ch.ResourceId,
		ExpiresAt:      time.UnixMilli(ch.Expiration),
	}, nil
}

func (s *GoogleStrategy) Stop(ctx context.Context, sub *models.WebhookSubscription, cred *token.Credential) error {
	if sub.ResourcePath == "mailbox" {
		gmailService, err := gmail.NewService(ctx, s.tokenOption(cred))
		if err != nil {
			return fmt.Errorf("failed to create Gmail service: %w", err)
		}
		if err := gmailService.Users.Stop("me").Do(); err != nil {
			return fmt.Errorf("failed to stop mailbox watch: %w", err)
		}
		return nil
	}

	calService, err := calendar.NewService(ctx, s.tokenOption(cred))
	if err != nil {
		return fmt.Errorf("failed to create Calendar service: %w", err)
	}
	if err := calService.Channels.Stop(&calendar.Channel{Id: sub.SubscriptionID, ResourceId: sub.ResourceID}).Do(); err != nil {
		return fmt.Errorf("failed to stop channel %s: %w", sub.SubscriptionID, err)
	}
	return nil
}
