package janitor

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/hivemail/syncd/internal/models"
)

const (
	renewalWindow       = 24 * time.Hour
	staleAccountCutoff  = 24 * time.Hour
	errorProneThreshold = 10
	staleBatchLimit     = 500
)

// Renewer renews subscriptions that are about to lapse
type Renewer interface {
	RenewSoonExpiring(ctx context.Context, within time.Duration) (int, error)
}

// AccountStore surfaces accounts whose sync has gone quiet
type AccountStore interface {
	ListStaleSince(ctx context.Context, cutoff time.Time, limit int) ([]models.Account, error)
}

// JobQueue accepts the catch-up jobs the stale sweep produces
type JobQueue interface {
	EnqueueBulk(ctx context.Context, jobs []models.SyncJob) (int, error)
	PruneFinished(ctx context.Context) (int64, error)
}

// SubscriptionMaintainer drops channels that can no longer deliver
type SubscriptionMaintainer interface {
	DeactivateErrorProne(ctx context.Context, threshold int) (int64, error)
	DeactivateExpired(ctx context.Context, now time.Time) (int64, error)
	CountActiveByProvider(ctx context.Context) (map[models.ProviderKind]int64, error)
	CountExpiringByProvider(ctx context.Context, cutoff time.Time) (map[models.ProviderKind]int64, error)
	CountErrorProne(ctx context.Context, minErrors int) (int64, error)
}

// Janitor runs the periodic upkeep the push/poll machinery needs to stay
// healthy: a daily sweep that renews expiring channels and re-queues stale
// accounts, and a weekly sweep that prunes what cannot recover.
type Janitor struct {
	renewer  Renewer
	accounts AccountStore
	jobs     JobQueue
	subs     SubscriptionMaintainer

	dailyRunning  atomic.Bool
	weeklyRunning atomic.Bool
	lastDailyAt   atomic.Int64
	lastWeeklyAt  atomic.Int64
}

func NewJanitor(renewer Renewer, accounts AccountStore, jobs JobQueue, subs SubscriptionMaintainer) *Janitor {
	return &Janitor{renewer: renewer, accounts: accounts, jobs: jobs, subs: subs}
}

// Start launches both sweep loops and blocks until ctx is cancelled.
// The first daily sweep runs immediately so a restarted process never
// waits a day to renew channels that lapsed while it was down.
func (j *Janitor) Start(ctx context.Context) {
	log.Println("Janitor started (daily renewal sweep, weekly cleanup sweep)")

	j.RunDaily(ctx)

	daily := time.NewTicker(24 * time.Hour)
	weekly := time.NewTicker(7 * 24 * time.Hour)
	defer daily.Stop()
	defer weekly.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Janitor stopped")
			return
		case <-daily.C:
			j.RunDaily(ctx)
		case <-weekly.C:
			j.RunWeekly(ctx)
		}
	}
}

// RunDaily renews soon-expiring subscriptions and queues catch-up syncs
// for accounts that have gone quiet. Skipped if a previous run is still
// in progress.
func (j *Janitor) RunDaily(ctx context.Context) {
	if !j.dailyRunning.CompareAndSwap(false, true) {
		log.Println("Daily sweep skipped: previous run still in progress")
		return
	}
	defer j.dailyRunning.Store(false)
	defer j.lastDailyAt.Store(time.Now().Unix())

	renewed, err := j.renewer.RenewSoonExpiring(ctx, renewalWindow)
	if err != nil {
		log.Printf("Daily sweep: renewal pass failed: %v", err)
	} else if renewed > 0 {
		log.Printf("Daily sweep: renewed %d subscription(s)", renewed)
	}

	j.requeueStale(ctx)
}

// requeueStale finds accounts whose last sync is older than the cutoff and
// pushes a full refresh for each. Push notifications should keep accounts
// fresh; anything this finds was missed, so it goes through the queue at
// high priority.
func (j *Janitor) requeueStale(ctx context.Context) {
	cutoff := time.Now().Add(-staleAccountCutoff)
	stale, err := j.accounts.ListStaleSince(ctx, cutoff, staleBatchLimit)
	if err != nil {
		log.Printf("Daily sweep: failed to list stale accounts: %v", err)
		return
	}
	if len(stale) == 0 {
		return
	}

	jobs := make([]models.SyncJob, 0, len(stale))
	for _, account := range stale {
		jobs = append(jobs, models.SyncJob{
			TenantID:  account.TenantID,
			AccountID: account.ID,
			Provider:  account.Provider,
			Priority:  models.PriorityHigh,
			SyncMode:  models.SyncModeFull,
		})
	}

	enqueued, err := j.jobs.EnqueueBulk(ctx, jobs)
	if err != nil {
		log.Printf("Daily sweep: failed to enqueue stale-account jobs: %v", err)
		return
	}
	log.Printf("Daily sweep: %d stale account(s) found, %d catch-up job(s) enqueued", len(stale), enqueued)
}

// RunWeekly deactivates dead subscriptions and prunes finished job rows.
func (j *Janitor) RunWeekly(ctx context.Context) {
	if !j.weeklyRunning.CompareAndSwap(false, true) {
		log.Println("Weekly sweep skipped: previous run still in progress")
		return
	}
	defer j.weeklyRunning.Store(false)
	defer j.lastWeeklyAt.Store(time.Now().Unix())

	if n, err := j.subs.DeactivateErrorProne(ctx, errorProneThreshold); err != nil {
		log.Printf("Weekly sweep: failed to deactivate error-prone subscriptions: %v", err)
	} else if n > 0 {
		log.Printf("Weekly sweep: deactivated %d error-prone subscription(s)", n)
	}

	if n, err := j.subs.DeactivateExpired(ctx, time.Now()); err != nil {
		log.Printf("Weekly sweep: failed to deactivate expired subscriptions: %v", err)
	} else if n > 0 {
		log.Printf("Weekly sweep: deactivated %d expired subscription(s)", n)
	}

	if n, err := j.jobs.PruneFinished(ctx); err != nil {
		log.Printf("Weekly sweep: failed to prune finished jobs: %v", err)
	} else if n > 0 {
		log.Printf("Weekly sweep: pruned %d finished job row(s)", n)
	}
}

// HealthStatus summarizes subscription health for the operational API
type HealthStatus struct {
	Healthy      bool                          `json:"healthy"`
	Active       map[models.ProviderKind]int64 `json:"active"`
	ExpiringSoon map[models.ProviderKind]int64 `json:"expiring_soon"`
	ErrorProne   int64                         `json:"error_prone"`
	Issues       []string                      `json:"issues,omitempty"`
	LastDailyAt  *time.Time                    `json:"last_daily_sweep,omitempty"`
	LastWeeklyAt *time.Time                    `json:"last_weekly_sweep,omitempty"`
}

// Health reports per-provider subscription counts and flags conditions
// that need operator attention.
func (j *Janitor) Health(ctx context.Context) (*HealthStatus, error) {
	active, err := j.subs.CountActiveByProvider(ctx)
	if err != nil {
		return nil, err
	}

	expiring, err := j.subs.CountExpiringByProvider(ctx, time.Now().Add(renewalWindow))
	if err != nil {
		return nil, err
	}

	errorProne, err := j.subs.CountErrorProne(ctx, errorProneThreshold/2)
	if err != nil {
		return nil, err
	}

	status := &HealthStatus{
		Healthy:      true,
		Active:       active,
		ExpiringSoon: expiring,
		ErrorProne:   errorProne,
	}

	for kind, n := range expiring {
		if n > 0 {
			status.Issues = append(status.Issues, fmt.Sprintf("%d %s subscription(s) expire within %s", n, kind, renewalWindow))
		}
	}
	if errorProne > 0 {
		status.Healthy = false
		status.Issues = append(status.Issues, fmt.Sprintf("%d subscription(s) accumulating delivery errors", errorProne))
	}

	if ts := j.lastDailyAt.Load(); ts > 0 {
		t := time.Unix(ts, 0)
		status.LastDailyAt = &t
	}
	if ts := j.lastWeeklyAt.Load(); ts > 0 {
		t := time.Unix(ts, 0)
		status.LastWeeklyAt = &t
	}

	return status, nil
}
