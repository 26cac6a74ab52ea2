package dispatch

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"

	"github.com/hivemail/syncd/internal/models"
)

var (
	// ErrBadSignature means the shared secret did not match. The check runs
	// before any registry lookup, so forged payloads cost nothing.
	ErrBadSignature = errors.New("notification signature mismatch")
)

// Registry resolves upstream subscription ids and tracks delivery counters
type Registry interface {
	RecordNotification(ctx context.Context, subscriptionID string) (*models.WebhookSubscription, error)
}

// JobQueue accepts the refresh jobs a notification produces
type JobQueue interface {
	Enqueue(ctx context.Context, job models.SyncJob) (bool, error)
}

// Notification is the provider-neutral shape of one push delivery after
// the HTTP layer has unpacked the provider envelope.
type Notification struct {
	SubscriptionID  string
	Secret          string // client state / channel token carried by the payload
	ResourceState   string // "sync" for channel-confirmation pings
	ChangeType      string
	Resource        string
	ValidationToken string
}

// ValidationToken reports whether the delivery is a subscription
// validation handshake. The token must be echoed back verbatim before any
// other processing happens.
func ValidationToken(n Notification) (string, bool) {
	return n.ValidationToken, n.ValidationToken != ""
}

// Dispatcher turns validated push notifications into queued sync jobs.
// Every content change maps to exactly one high-priority incremental job;
// the queue's dedup collapses notification bursts for the same account.
type Dispatcher struct {
	registry Registry
	jobs     JobQueue
	secret   string
}

func NewDispatcher(registry Registry, jobs JobQueue, secret string) *Dispatcher {
	return &Dispatcher{registry: registry, jobs: jobs, secret: secret}
}

// Handle processes one notification delivered to the receiver for kind.
// Sync-marker pings bump the delivery counters without producing work;
// unknown subscription ids and notifications that landed on the wrong
// provider's receiver are ignored.
func (d *Dispatcher) Handle(ctx context.Context, kind models.ProviderKind, n Notification) error {
	if subtle.ConstantTimeCompare([]byte(n.Secret), []byte(d.secret)) != 1 {
		return ErrBadSignature
	}

	sub, err := d.registry.RecordNotification(ctx, n.SubscriptionID)
	if err != nil {
		return fmt.Errorf("failed to resolve subscription %s: %w", n.SubscriptionID, err)
	}
	if sub == nil {
		log.Printf("Ignoring notification for unknown subscription %s", n.SubscriptionID)
		return nil
	}
	if sub.Provider != kind {
		log.Printf("Ignoring %s notification that arrived on the %s receiver (subscription %s)",
			sub.Provider, kind, n.SubscriptionID)
		return nil
	}

	// Channel-confirmation pings carry no change; counters are enough.
	if n.ResourceState == "sync" {
		return nil
	}

	job := models.SyncJob{
		TenantID:  sub.TenantID,
		AccountID: sub.AccountID,
		Provider:  sub.Provider,
		Priority:  models.PriorityHigh,
		SyncMode:  models.SyncModeIncremental,
	}
	enqueued, err := d.jobs.Enqueue(ctx, job)
	if err != nil {
		return fmt.Errorf("failed to enqueue job for account %s: %w", sub.AccountID, err)
	}
	if !enqueued {
		log.Printf("Notification for account %s collapsed into job already in flight", sub.AccountID)
	} else {
		log.Printf("Notification dispatched: account=%s family=%s change=%s", sub.AccountID, sub.Family(), n.ChangeType)
	}
	return nil
}

// HandleBatch processes a multi-item delivery (Microsoft Graph batches
// notifications). A bad item never blocks the rest; the first error is
// returned after every item has been attempted.
func (d *Dispatcher) HandleBatch(ctx context.Context, kind models.ProviderKind, notifications []Notification) error {
	var firstErr error
	for _, n := range notifications {
		if err := d.Handle(ctx, kind, n); err != nil {
			log.Printf("Failed to handle notification for subscription %s: %v", n.SubscriptionID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
