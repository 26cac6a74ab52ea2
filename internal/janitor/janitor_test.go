package janitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hivemail/syncd/internal/models"
)

type mockRenewer struct {
	calls   int
	started chan struct{}
	release chan struct{}
	renewed int
	err     error
}

func (m *mockRenewer) RenewSoonExpiring(ctx context.Context, within time.Duration) (int, error) {
	m.calls++
	if m.started != nil {
		m.started <- struct{}{}
		<-m.release
	}
	return m.renewed, m.err
}

type mockAccountStore struct {
	stale []models.Account
	err   error
}

func (m *mockAccountStore) ListStaleSince(ctx context.Context, cutoff time.Time, limit int) ([]models.Account, error) {
	return m.stale, m.err
}

type mockJobQueue struct {
	bulkCalls [][]models.SyncJob
	pruned    int64
}

func (m *mockJobQueue) EnqueueBulk(ctx context.Context, jobs []models.SyncJob) (int, error) {
	m.bulkCalls = append(m.bulkCalls, jobs)
	return len(jobs), nil
}

func (m *mockJobQueue) PruneFinished(ctx context.Context) (int64, error) {
	return m.pruned, nil
}

type mockMaintainer struct {
	errorProneDeactivated int64
	expiredDeactivated    int64
	active                map[models.ProviderKind]int64
	expiring              map[models.ProviderKind]int64
	errorProne            int64

	deactivateErrorProneCalls int
	deactivateExpiredCalls    int
}

func (m *mockMaintainer) DeactivateErrorProne(ctx context.Context, threshold int) (int64, error) {
	m.deactivateErrorProneCalls++
	return m.errorProneDeactivated, nil
}

func (m *mockMaintainer) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	m.deactivateExpiredCalls++
	return m.expiredDeactivated, nil
}

func (m *mockMaintainer) CountActiveByProvider(ctx context.Context) (map[models.ProviderKind]int64, error) {
	return m.active, nil
}

func (m *mockMaintainer) CountExpiringByProvider(ctx context.Context, cutoff time.Time) (map[models.ProviderKind]int64, error) {
	return m.expiring, nil
}

func (m *mockMaintainer) CountErrorProne(ctx context.Context, minErrors int) (int64, error) {
	return m.errorProne, nil
}

func TestRunDaily_RequeuesStaleAccounts(t *testing.T) {
	renewer := &mockRenewer{renewed: 2}
	accounts := &mockAccountStore{stale: []models.Account{
		{ID: "acc-1", TenantID: "t1", Provider: models.ProviderGoogle},
		{ID: "acc-2", TenantID: "t1", Provider: models.ProviderIMAP},
	}}
	jobs := &mockJobQueue{}
	j := NewJanitor(renewer, accounts, jobs, &mockMaintainer{})

	j.RunDaily(context.Background())

	if renewer.calls != 1 {
		t.Errorf("renewal calls = %d, want 1", renewer.calls)
	}
	if len(jobs.bulkCalls) != 1 {
		t.Fatalf("bulk enqueue calls = %d, want 1", len(jobs.bulkCalls))
	}
	batch := jobs.bulkCalls[0]
	if len(batch) != 2 {
		t.Fatalf("batch size = %d, want 2", len(batch))
	}
	for _, job := range batch {
		if job.Priority != models.PriorityHigh {
			t.Errorf("stale job priority = %s, want high", job.Priority)
		}
		if job.SyncMode != models.SyncModeFull {
			t.Errorf("stale job mode = %s, want full", job.SyncMode)
		}
	}
}

func TestRunDaily_RenewalFailureStillRequeuesStale(t *testing.T) {
	renewer := &mockRenewer{err: errors.New("provider outage")}
	accounts := &mockAccountStore{stale: []models.Account{{ID: "acc-1"}}}
	jobs := &mockJobQueue{}
	j := NewJanitor(renewer, accounts, jobs, &mockMaintainer{})

	j.RunDaily(context.Background())

	if len(jobs.bulkCalls) != 1 {
		t.Errorf("bulk enqueue calls = %d, want 1 despite renewal failure", len(jobs.bulkCalls))
	}
}

func TestRunDaily_NonReentrant(t *testing.T) {
	renewer := &mockRenewer{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	jobs := &mockJobQueue{}
	j := NewJanitor(renewer, &mockAccountStore{}, jobs, &mockMaintainer{})

	done := make(chan struct{})
	go func() {
		j.RunDaily(context.Background())
		close(done)
	}()
	<-renewer.started

	// Overlapping run must be a no-op while the first is in flight.
	j.RunDaily(context.Background())
	if renewer.calls != 1 {
		t.Errorf("renewal calls = %d, want 1 while first run in flight", renewer.calls)
	}

	close(renewer.release)
	<-done
}

func TestRunWeekly_SweepsAndPrunes(t *testing.T) {
	jobs := &mockJobQueue{pruned: 40}
	maintainer := &mockMaintainer{errorProneDeactivated: 3, expiredDeactivated: 1}
	j := NewJanitor(&mockRenewer{}, &mockAccountStore{}, jobs, maintainer)

	j.RunWeekly(context.Background())

	if maintainer.deactivateErrorProneCalls != 1 {
		t.Errorf("error-prone deactivation calls = %d, want 1", maintainer.deactivateErrorProneCalls)
	}
	if maintainer.deactivateExpiredCalls != 1 {
		t.Errorf("expired deactivation calls = %d, want 1", maintainer.deactivateExpiredCalls)
	}
}

func TestHealth_FlagsErrorProneSubscriptions(t *testing.T) {
	maintainer := &mockMaintainer{
		active:     map[models.ProviderKind]int64{models.ProviderGoogle: 10},
		expiring:   map[models.ProviderKind]int64{models.ProviderGoogle: 2},
		errorProne: 1,
	}
	j := NewJanitor(&mockRenewer{}, &mockAccountStore{}, &mockJobQueue{}, maintainer)

	status, err := j.Health(context.Background())
	if err != nil {
		t.Fatalf("Health() error = %v", err)
	}
	if status.Healthy {
		t.Error("expected unhealthy status with error-prone subscriptions")
	}
	if len(status.Issues) != 2 {
		t.Errorf("issues = %d, want 2 (expiring + error-prone)", len(status.Issues))
	}
	if status.Active[models.ProviderGoogle] != 10 {
		t.Errorf("active google = %d, want 10", status.Active[models.ProviderGoogle])
	}
}

func TestHealth_CleanState(t *testing.T) {
	maintainer := &mockMaintainer{
		active: map[models.ProviderKind]int64{models.ProviderGoogle: 5},
	}
	j := NewJanitor(&mockRenewer{}, &mockAccountStore{}, &mockJobQueue{}, maintainer)

	status, err := j.Health(context.Background())
	if err != nil {
		t.Fatalf("Health() error = %v", err)
	}
	if !status.Healthy {
		t.Error("expected healthy status")
	}
	if len(status.Issues) != 0 {
		t.Errorf("issues = %v, want none", status.Issues)
	}
}
