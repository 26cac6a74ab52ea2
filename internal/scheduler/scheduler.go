package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/hivemail/syncd/internal/models"
	"github.com/hivemail/syncd/internal/queue"
	"github.com/hivemail/syncd/internal/repository"
)

// ErrInactiveAccount rejects manual sync requests for disabled accounts
var ErrInactiveAccount = errors.New("account is not active")

// AccountStore is the account read/write surface the scheduler needs
type AccountStore interface {
	DueForSync(ctx context.Context, cutoff time.Time, limit int) ([]models.Account, error)
	GetByID(ctx context.Context, accountID string) (*models.Account, error)
	SetForceSync(ctx context.Context, accountID string, force bool) error
	Aggregates(ctx context.Context) (*repository.AccountAggregates, error)
}

// JobQueue is the queue surface the scheduler submits to
type JobQueue interface {
	Enqueue(ctx context.Context, job models.SyncJob) (bool, error)
	EnqueueBulk(ctx context.Context, jobs []models.SyncJob) (int, error)
	Status(ctx context.Context) (map[models.JobPriority]queue.LaneStatus, error)
}

// Scheduler periodically selects accounts due for refresh, classifies each
// by priority and sync mode, and bulk-submits jobs to the queue.
type Scheduler struct {
	accounts AccountStore
	jobs     JobQueue

	interval     time.Duration // tick period
	syncInterval time.Duration // account freshness window
	batchSize    int

	// single-flight guard owned by this instance; a tick that finds the
	// previous one still running is skipped, never queued
	running atomic.Bool

	lastTickAt atomic.Int64 // unix seconds, 0 until first tick
}

func New(accounts AccountStore, jobs JobQueue, tickInterval, syncInterval time.Duration, batchSize int) *Scheduler {
	return &Scheduler{
		accounts:     accounts,
		jobs:         jobs,
		interval:     tickInterval,
		syncInterval: syncInterval,
		batchSize:    batchSize,
	}
}

// Start runs scheduler ticks until the context is cancelled
func (s *Scheduler) Start(ctx context.Context) error {
	log.Printf("Starting sync scheduler: tick every %s, batch size %d", s.interval, s.batchSize)

	// First pass immediately so a restart does not wait a full period.
	if err := s.Tick(ctx); err != nil {
		log.Printf("Scheduler tick error: %v", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Sync scheduler shutting down...")
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				log.Printf("Scheduler tick error: %v", err)
			}
		}
	}
}

// Tick runs one scheduling pass. Non-reentrant: when a previous pass is
// still running the new tick is skipped entirely.
func (s *Scheduler) Tick(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		log.Println("Scheduler tick skipped: previous run still in progress")
		return nil
	}
	defer s.running.Store(false)

	now := time.Now()
	s.lastTickAt.Store(now.Unix())

	accounts, err := s.accounts.DueForSync(ctx, now.Add(-s.syncInterval), s.batchSize)
	if err != nil {
		return fmt.Errorf("failed to select due accounts: %w", err)
	}

	if len(accounts) == 0 {
		log.Println("Scheduler tick: no accounts due for sync")
		return nil
	}

	jobs := make([]models.SyncJob, 0, len(accounts))
	var forced []string
	for _, account := range accounts {
		priority, mode := Classify(account.LastSyncedAt, now)
		if account.ForceSync {
			priority = models.PriorityHigh
			forced = append(forced, account.ID)
		}

		job := models.SyncJob{
			TenantID:  account.TenantID,
			AccountID: account.ID,
			Provider:  account.Provider,
			Priority:  priority,
			SyncMode:  mode,
		}
		if mode == models.SyncModeIncremental {
			job.Since = account.LastSyncedAt
		}
		jobs = append(jobs, job)
	}

	enqueued, err := s.jobs.EnqueueBulk(ctx, jobs)
	if err != nil {
		return fmt.Errorf("failed to submit jobs: %w", err)
	}

	for _, id := range forced {
		if err := s.accounts.SetForceSync(ctx, id, false); err != nil {
			log.Printf("Failed to clear force_sync for account %s: %v", id, err)
		}
	}

	log.Printf("Scheduler tick: %d accounts due, %d jobs enqueued", len(accounts), enqueued)
	return nil
}

// SyncNow submits one on-demand job for an account. Returns whether the
// job was enqueued; false means an identical job is already outstanding.
func (s *Scheduler) SyncNow(ctx context.Context, accountID string, priority models.JobPriority) (bool, error) {
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return false, err
	}
	if !account.IsActive {
		return false, fmt.Errorf("account %s: %w", accountID, ErrInactiveAccount)
	}

	if priority == "" {
		priority = models.PriorityHigh
	}
	_, mode := Classify(account.LastSyncedAt, time.Now())

	job := models.SyncJob{
		TenantID:  account.TenantID,
		AccountID: account.ID,
		Provider:  account.Provider,
		Priority:  priority,
		SyncMode:  mode,
	}
	if mode == models.SyncModeIncremental {
		job.Since = account.LastSyncedAt
	}

	enqueued, err := s.jobs.Enqueue(ctx, job)
	if err != nil {
		return false, err
	}

	if account.ForceSync {
		if err := s.accounts.SetForceSync(ctx, accountID, false); err != nil {
			log.Printf("Failed to clear force_sync for account %s: %v", accountID, err)
		}
	}

	log.Printf("Manual sync for account %s: priority=%s mode=%s enqueued=%v", accountID, priority, mode, enqueued)
	return enqueued, nil
}

// Stats describes the scheduler and queue for operational dashboards
type Stats struct {
	Queue           map[models.JobPriority]queue.LaneStatus `json:"queue"`
	TotalActive     int64                                   `json:"total_active_accounts"`
	NeverSynced     int64                                   `json:"never_synced_accounts"`
	SyncedWithin24h int64                                   `json:"synced_within_24h"`
	IsRunning       bool                                    `json:"is_running"`
	BatchSize       int                                     `json:"batch_size"`
	IntervalMinutes int                                     `json:"interval_minutes"`
	LastTickAt      *time.Time                              `json:"last_tick_at,omitempty"`
}

// Stats reports queue status plus aggregate account counts and run-state
func (s *Scheduler) Stats(ctx context.Context) (*Stats, error) {
	status, err := s.jobs.Status(ctx)
	if err != nil {
		return nil, err
	}

	agg, err := s.accounts.Aggregates(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		Queue:           status,
		TotalActive:     agg.TotalActive,
		NeverSynced:     agg.NeverSynced,
		SyncedWithin24h: agg.SyncedWithin24,
		IsRunning:       s.running.Load(),
		BatchSize:       s.batchSize,
		IntervalMinutes: int(s.interval.Minutes()),
	}
	if ts := s.lastTickAt.Load(); ts > 0 {
		t := time.Unix(ts, 0)
		stats.LastTickAt = &t
	}
	return stats, nil
}
