package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hivemail/syncd/internal/models"
	"github.com/hivemail/syncd/internal/repository"
)

// ErrPermanent marks a job failure that must not be retried regardless of
// the lane's remaining attempt budget (credential/configuration failures).
// Workers wrap such errors: fmt.Errorf("%w: %v", queue.ErrPermanent, err).
var ErrPermanent = errors.New("permanent failure")

// IsRateLimited reports whether an upstream error looks like throttling.
// Rate-limited failures always stay retryable within the attempt budget.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "quota exceeded")
}

// lanePolicy fixes the retry and retention behavior of one priority lane
type lanePolicy struct {
	maxAttempts int
	backoffBase time.Duration
	retention   time.Duration
}

var lanePolicies = map[models.JobPriority]lanePolicy{
	models.PriorityHigh:   {maxAttempts: 3, backoffBase: 5 * time.Second, retention: 24 * time.Hour},
	models.PriorityNormal: {maxAttempts: 2, backoffBase: 10 * time.Second, retention: 3 * 24 * time.Hour},
	models.PriorityLow:    {maxAttempts: 1, backoffBase: 0, retention: 7 * 24 * time.Hour},
}

// bulkStagger spaces bulk-enqueued jobs out so hundreds of accounts
// becoming due at once do not hammer upstream APIs simultaneously.
const bulkStagger = 500 * time.Millisecond

// JobStore is the durable queue backend
type JobStore interface {
	Insert(ctx context.Context, job models.SyncJob) (bool, error)
	ClaimNext(ctx context.Context, lane models.JobPriority, now time.Time) (*models.SyncJob, error)
	MarkCompleted(ctx context.Context, jobID string) error
	MarkDelayed(ctx context.Context, jobID string, runAt time.Time, lastError string) error
	MarkFailed(ctx context.Context, jobID string, lastError string) error
	DeleteQueuedByAccount(ctx context.Context, accountID string) (int64, error)
	DeleteQueuedByTenant(ctx context.Context, tenantID string) (int64, error)
	PurgeLane(ctx context.Context, lane models.JobPriority) (int64, error)
	DeleteFinishedBefore(ctx context.Context, lane models.JobPriority, cutoff time.Time) (int64, error)
	StatusCounts(ctx context.Context) (map[models.JobPriority]repository.LaneCounts, error)
}

// Publisher hands enqueued jobs off to the downstream worker fleet.
// The MsgId carries the dedup key so redeliveries collapse broker-side.
type Publisher interface {
	Publish(subject string, payload []byte, msgID string) error
}

// WorkQueue is the durable, priority-partitioned job queue. Dedup on
// (account, mode) is enforced by the store's conditional insert alone.
type WorkQueue struct {
	store JobStore
	pub   Publisher // optional
	m     *metrics

	pausedMu sync.RWMutex
	paused   map[models.JobPriority]bool
}

func New(store JobStore, pub Publisher) *WorkQueue {
	return &WorkQueue{
		store:  store,
		pub:    pub,
		m:      newMetrics(),
		paused: make(map[models.JobPriority]bool),
	}
}

// Enqueue places one job in the lane matching its priority. Returns false
// when an outstanding job with the same (account, mode) already exists;
// duplicate suppression is a no-op success, not an error.
func (q *WorkQueue) Enqueue(ctx context.Context, job models.SyncJob) (bool, error) {
	q.prepare(&job, time.Now())

	enqueued, err := q.store.Insert(ctx, job)
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", job.DedupKey, err)
	}
	if !enqueued {
		log.Printf("Job for %s already scheduled, skipping", job.DedupKey)
		return false, nil
	}

	q.publish(job)
	return true, nil
}

// EnqueueBulk submits a batch, deduping each job against both the store
// and the batch itself, with a small stagger per job. One bad job never
// aborts the rest. Returns the number actually enqueued.
func (q *WorkQueue) EnqueueBulk(ctx context.Context, jobs []models.SyncJob) (int, error) {
	now := time.Now()
	seen := make(map[string]bool, len(jobs))
	enqueued := 0

	for _, job := range jobs {
		q.prepare(&job, now)
		if seen[job.DedupKey] {
			continue
		}
		seen[job.DedupKey] = true

		job.RunAt = now.Add(time.Duration(enqueued) * bulkStagger)

		ok, err := q.store.Insert(ctx, job)
		if err != nil {
			log.Printf("Failed to enqueue job for account %s: %v", job.AccountID, err)
			continue
		}
		if !ok {
			continue
		}

		q.publish(job)
		enqueued++
	}

	log.Printf("Bulk enqueue: %d of %d jobs submitted", enqueued, len(jobs))
	return enqueued, nil
}

func (q *WorkQueue) prepare(job *models.SyncJob, now time.Time) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Priority == "" {
		job.Priority = models.PriorityNormal
	}
	job.DedupKey = models.JobDedupKey(job.AccountID, job.SyncMode)
	job.Status = models.JobStatusWaiting
	job.MaxAttempts = lanePolicies[job.Priority].maxAttempts
	job.EnqueuedAt = now
	job.RunAt = now
}

func (q *WorkQueue) publish(job models.SyncJob) {
	if q.pub == nil {
		return
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"job_id":     job.ID,
		"tenant_id":  job.TenantID,
		"account_id": job.AccountID,
		"provider":   job.Provider,
		"priority":   job.Priority,
		"sync_mode":  job.SyncMode,
	})

	subject := fmt.Sprintf("sync.job.%s", job.Priority)
	if err := q.pub.Publish(subject, payload, job.DedupKey); err != nil {
		// The durable row is the source of truth; a missed event only
		// delays pickup until the next poll.
		log.Printf("Failed to publish job event for %s: %v", job.DedupKey, err)
	}
}

// Claim hands the oldest runnable job of a lane to a worker. Returns nil
// when the lane is empty or paused.
func (q *WorkQueue) Claim(ctx context.Context, lane models.JobPriority) (*models.SyncJob, error) {
	if q.IsPaused(lane) {
		return nil, nil
	}
	return q.store.ClaimNext(ctx, lane, time.Now())
}

// Complete finishes a claimed job and records its duration
func (q *WorkQueue) Complete(ctx context.Context, job *models.SyncJob, dur time.Duration) error {
	if err := q.store.MarkCompleted(ctx, job.ID); err != nil {
		return err
	}
	q.m.recordCompleted(job.Priority, dur)
	return nil
}

// Fail records a job failure. Within the lane's attempt budget the job is
// parked for an exponential-backoff retry; permanent errors and exhausted
// budgets move it to the observable terminal failed state.
func (q *WorkQueue) Fail(ctx context.Context, job *models.SyncJob, jobErr error, dur time.Duration) error {
	errMsg := jobErr.Error()

	// Throttling is never permanent: a 429 retries with backoff within the
	// attempt budget even when a caller mislabeled it.
	retryable := !errors.Is(jobErr, ErrPermanent) || IsRateLimited(jobErr)

	if retryable && job.Attempts < job.MaxAttempts {
		shift := job.Attempts - 1
		if shift < 0 {
			shift = 0
		}
		delay := lanePolicies[job.Priority].backoffBase << shift
		log.Printf("Job %s attempt %d/%d failed, retrying in %s: %v",
			job.DedupKey, job.Attempts, job.MaxAttempts, delay, jobErr)
		return q.store.MarkDelayed(ctx, job.ID, time.Now().Add(delay), errMsg)
	}

	log.Printf("Job %s failed terminally after %d attempt(s): %v", job.DedupKey, job.Attempts, jobErr)
	if err := q.store.MarkFailed(ctx, job.ID, errMsg); err != nil {
		return err
	}
	q.m.recordFailed(job.Priority, dur, errMsg)
	return nil
}

// Pause stops a lane from handing out jobs; waiting jobs keep accumulating
func (q *WorkQueue) Pause(lane models.JobPriority) {
	q.pausedMu.Lock()
	q.paused[lane] = true
	q.pausedMu.Unlock()
	log.Printf("Queue lane %s paused", lane)
}

// Resume reverses Pause
func (q *WorkQueue) Resume(lane models.JobPriority) {
	q.pausedMu.Lock()
	q.paused[lane] = false
	q.pausedMu.Unlock()
	log.Printf("Queue lane %s resumed", lane)
}

// IsPaused reports whether a lane is paused
func (q *WorkQueue) IsPaused(lane models.JobPriority) bool {
	q.pausedMu.RLock()
	defer q.pausedMu.RUnlock()
	return q.paused[lane]
}

// Purge destructively removes every job in a lane
func (q *WorkQueue) Purge(ctx context.Context, lane models.JobPriority) (int64, error) {
	n, err := q.store.PurgeLane(ctx, lane)
	if err != nil {
		return 0, err
	}
	log.Printf("PURGED queue lane %s: %d jobs destroyed", lane, n)
	return n, nil
}

// RemoveJobsForAccount drops waiting/delayed jobs for a deleted account so
// stale work does not execute against a gone credential. Jobs already
// active are left to finish.
func (q *WorkQueue) RemoveJobsForAccount(ctx context.Context, accountID string) (int64, error) {
	n, err := q.store.DeleteQueuedByAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Printf("Removed %d queued jobs for account %s", n, accountID)
	}
	return n, nil
}

// RemoveJobsForTenant drops waiting/delayed jobs across a whole tenant
func (q *WorkQueue) RemoveJobsForTenant(ctx context.Context, tenantID string) (int64, error) {
	n, err := q.store.DeleteQueuedByTenant(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Printf("Removed %d queued jobs for tenant %s", n, tenantID)
	}
	return n, nil
}

// PruneFinished applies each lane's retention window to completed/failed
// rows. Returns the total pruned.
func (q *WorkQueue) PruneFinished(ctx context.Context) (int64, error) {
	now := time.Now()
	var total int64
	for _, lane := range models.Lanes {
		n, err := q.store.DeleteFinishedBefore(ctx, lane, now.Add(-lanePolicies[lane].retention))
		if err != nil {
			log.Printf("Failed to prune lane %s: %v", lane, err)
			continue
		}
		total += n
	}
	return total, nil
}

// LaneStatus is one lane's job totals plus its pause flag
type LaneStatus struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Paused    bool  `json:"paused"`
}

// Status returns per-lane job counts
func (q *WorkQueue) Status(ctx context.Context) (map[models.JobPriority]LaneStatus, error) {
	counts, err := q.store.StatusCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue status: %w", err)
	}

	out := make(map[models.JobPriority]LaneStatus, len(models.Lanes))
	for _, lane := range models.Lanes {
		c := counts[lane]
		out[lane] = LaneStatus{
			Waiting:   c.Waiting,
			Active:    c.Active,
			Delayed:   c.Delayed,
			Completed: c.Completed,
			Failed:    c.Failed,
			Paused:    q.IsPaused(lane),
		}
	}
	return out, nil
}

// Metrics returns a snapshot of the in-memory per-lane counters
func (q *WorkQueue) Metrics() map[models.JobPriority]LaneMetrics {
	return q.m.snapshot()
}
