package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hivemail/syncd/internal/models"
	"github.com/hivemail/syncd/internal/queue"
	"github.com/hivemail/syncd/internal/repository"
)

type mockAccountStore struct {
	dueForSyncFunc   func(ctx context.Context, cutoff time.Time, limit int) ([]models.Account, error)
	getByIDFunc      func(ctx context.Context, accountID string) (*models.Account, error)
	setForceSyncFunc func(ctx context.Context, accountID string, force bool) error
	aggregatesFunc   func(ctx context.Context) (*repository.AccountAggregates, error)
}

func (m *mockAccountStore) DueForSync(ctx context.Context, cutoff time.Time, limit int) ([]models.Account, error) {
	if m.dueForSyncFunc != nil {
		return m.dueForSyncFunc(ctx, cutoff, limit)
	}
	return nil, nil
}

func (m *mockAccountStore) GetByID(ctx context.Context, accountID string) (*models.Account, error) {
	if m.getByIDFunc != nil {
		return m.getByIDFunc(ctx, accountID)
	}
	return nil, repository.ErrAccountNotFound
}

func (m *mockAccountStore) SetForceSync(ctx context.Context, accountID string, force bool) error {
	if m.setForceSyncFunc != nil {
		return m.setForceSyncFunc(ctx, accountID, force)
	}
	return nil
}

func (m *mockAccountStore) Aggregates(ctx context.Context) (*repository.AccountAggregates, error) {
	if m.aggregatesFunc != nil {
		return m.aggregatesFunc(ctx)
	}
	return &repository.AccountAggregates{}, nil
}

type mockJobQueue struct {
	mu       sync.Mutex
	enqueued []models.SyncJob
	bulk     [][]models.SyncJob

	enqueueFunc func(ctx context.Context, job models.SyncJob) (bool, error)
}

func (m *mockJobQueue) Enqueue(ctx context.Context, job models.SyncJob) (bool, error) {
	m.mu.Lock()
	m.enqueued = append(m.enqueued, job)
	m.mu.Unlock()
	if m.enqueueFunc != nil {
		return m.enqueueFunc(ctx, job)
	}
	return true, nil
}

func (m *mockJobQueue) EnqueueBulk(ctx context.Context, jobs []models.SyncJob) (int, error) {
	m.mu.Lock()
	m.bulk = append(m.bulk, jobs)
	m.mu.Unlock()
	return len(jobs), nil
}

func (m *mockJobQueue) Status(ctx context.Context) (map[models.JobPriority]queue.LaneStatus, error) {
	return map[models.JobPriority]queue.LaneStatus{}, nil
}

func (m *mockJobQueue) bulkCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bulk)
}

func timePtr(t time.Time) *time.Time { return &t }

func TestClassify(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name         string
		lastSyncedAt *time.Time
		wantPriority models.JobPriority
		wantMode     models.SyncMode
	}{
		{"never synced", nil, models.PriorityHigh, models.SyncModeFull},
		{"2h ago", timePtr(now.Add(-2 * time.Hour)), models.PriorityHigh, models.SyncModeIncremental},
		{"exactly 6h", timePtr(now.Add(-6 * time.Hour)), models.PriorityHigh, models.SyncModeFull},
		{"just past 6h", timePtr(now.Add(-6*time.Hour - time.Minute)), models.PriorityNormal, models.SyncModeFull},
		{"8h ago", timePtr(now.Add(-8 * time.Hour)), models.PriorityNormal, models.SyncModeFull},
		{"exactly 48h", timePtr(now.Add(-48 * time.Hour)), models.PriorityNormal, models.SyncModeFull},
		{"49h ago", timePtr(now.Add(-49 * time.Hour)), models.PriorityLow, models.SyncModeFull},
		{"just under 6h", timePtr(now.Add(-6*time.Hour + time.Minute)), models.PriorityHigh, models.SyncModeIncremental},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			priority, mode := Classify(tt.lastSyncedAt, now)
			if priority != tt.wantPriority {
				t.Errorf("priority = %s, want %s", priority, tt.wantPriority)
			}
			if mode != tt.wantMode {
				t.Errorf("mode = %s, want %s", mode, tt.wantMode)
			}
		})
	}
}

func TestTick_SubmitsClassifiedJobs(t *testing.T) {
	now := time.Now()
	accounts := &mockAccountStore{
		dueForSyncFunc: func(ctx context.Context, cutoff time.Time, limit int) ([]models.Account, error) {
			return []models.Account{
				{ID: "acc-new", TenantID: "t1", Provider: models.ProviderGoogle, IsActive: true},
				{ID: "acc-recent", TenantID: "t1", Provider: models.ProviderMicrosoft, IsActive: true,
					LastSyncedAt: timePtr(now.Add(-2 * time.Hour))},
				{ID: "acc-stale", TenantID: "t2", Provider: models.ProviderIMAP, IsActive: true,
					LastSyncedAt: timePtr(now.Add(-72 * time.Hour))},
			}, nil
		},
	}
	jobs := &mockJobQueue{}

	s := New(accounts, jobs, 5*time.Minute, 30*time.Minute, 200)
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if jobs.bulkCalls() != 1 {
		t.Fatalf("expected 1 bulk submission, got %d", jobs.bulkCalls())
	}

	batch := jobs.bulk[0]
	if len(batch) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(batch))
	}

	byAccount := make(map[string]models.SyncJob)
	for _, j := range batch {
		byAccount[j.AccountID] = j
	}

	if j := byAccount["acc-new"]; j.Priority != models.PriorityHigh || j.SyncMode != models.SyncModeFull {
		t.Errorf("acc-new: got %s/%s, want high/full", j.Priority, j.SyncMode)
	}
	if j := byAccount["acc-recent"]; j.Priority != models.PriorityHigh || j.SyncMode != models.SyncModeIncremental {
		t.Errorf("acc-recent: got %s/%s, want high/incremental", j.Priority, j.SyncMode)
	}
	if j := byAccount["acc-recent"]; j.Since == nil {
		t.Error("acc-recent: expected incremental job to carry since timestamp")
	}
	if j := byAccount["acc-stale"]; j.Priority != models.PriorityLow || j.SyncMode != models.SyncModeFull {
		t.Errorf("acc-stale: got %s/%s, want low/full", j.Priority, j.SyncMode)
	}
}

func TestTick_EmptySelectionSkipsQueue(t *testing.T) {
	accounts := &mockAccountStore{
		dueForSyncFunc: func(ctx context.Context, cutoff time.Time, limit int) ([]models.Account, error) {
			return nil, nil
		},
	}
	jobs := &mockJobQueue{}

	s := New(accounts, jobs, 5*time.Minute, 30*time.Minute, 200)
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if jobs.bulkCalls() != 0 {
		t.Errorf("expected no queue calls for empty selection, got %d", jobs.bulkCalls())
	}
}

func TestTick_NonReentrant(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	accounts := &mockAccountStore{
		dueForSyncFunc: func(ctx context.Context, cutoff time.Time, limit int) ([]models.Account, error) {
			close(started)
			<-release
			return []models.Account{{ID: "acc-1", IsActive: true, Provider: models.ProviderGoogle}}, nil
		},
	}
	jobs := &mockJobQueue{}

	s := New(accounts, jobs, 5*time.Minute, 30*time.Minute, 200)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Tick(context.Background())
	}()

	<-started
	// Second tick while the first is mid-flight must produce zero
	// additional submissions.
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("overlapping tick: %v", err)
	}
	close(release)
	<-done

	if jobs.bulkCalls() != 1 {
		t.Errorf("expected exactly 1 bulk submission, got %d", jobs.bulkCalls())
	}
}

func TestSyncNow_NotFound(t *testing.T) {
	s := New(&mockAccountStore{}, &mockJobQueue{}, time.Minute, time.Minute, 10)

	_, err := s.SyncNow(context.Background(), "missing", models.PriorityHigh)
	if !errors.Is(err, repository.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestSyncNow_InactiveAccount(t *testing.T) {
	accounts := &mockAccountStore{
		getByIDFunc: func(ctx context.Context, accountID string) (*models.Account, error) {
			return &models.Account{ID: accountID, IsActive: false}, nil
		},
	}
	s := New(accounts, &mockJobQueue{}, time.Minute, time.Minute, 10)

	_, err := s.SyncNow(context.Background(), "acc-1", models.PriorityHigh)
	if !errors.Is(err, ErrInactiveAccount) {
		t.Fatalf("expected ErrInactiveAccount, got %v", err)
	}
}

func TestSyncNow_SubmitsWithClassifiedMode(t *testing.T) {
	now := time.Now()
	accounts := &mockAccountStore{
		getByIDFunc: func(ctx context.Context, accountID string) (*models.Account, error) {
			return &models.Account{
				ID: accountID, TenantID: "t1", Provider: models.ProviderGoogle,
				IsActive: true, LastSyncedAt: timePtr(now.Add(-time.Hour)),
			}, nil
		},
	}
	jobs := &mockJobQueue{}
	s := New(accounts, jobs, time.Minute, time.Minute, 10)

	enqueued, err := s.SyncNow(context.Background(), "acc-1", "")
	if err != nil {
		t.Fatalf("sync now: %v", err)
	}
	if !enqueued {
		t.Error("expected job to be enqueued")
	}

	if len(jobs.enqueued) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs.enqueued))
	}
	j := jobs.enqueued[0]
	if j.Priority != models.PriorityHigh {
		t.Errorf("expected default high priority, got %s", j.Priority)
	}
	if j.SyncMode != models.SyncModeIncremental {
		t.Errorf("expected incremental mode for 1h-old sync, got %s", j.SyncMode)
	}
}

func TestStats(t *testing.T) {
	accounts := &mockAccountStore{
		aggregatesFunc: func(ctx context.Context) (*repository.AccountAggregates, error) {
			return &repository.AccountAggregates{TotalActive: 10, NeverSynced: 2, SyncedWithin24: 7}, nil
		},
	}
	s := New(accounts, &mockJobQueue{}, 5*time.Minute, 30*time.Minute, 200)

	stats, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalActive != 10 || stats.NeverSynced != 2 || stats.SyncedWithin24h != 7 {
		t.Errorf("unexpected aggregates: %+v", stats)
	}
	if stats.IsRunning {
		t.Error("expected is_running false outside a tick")
	}
	if stats.BatchSize != 200 || stats.IntervalMinutes != 5 {
		t.Errorf("unexpected run-state: %+v", stats)
	}
}
