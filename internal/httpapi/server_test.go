package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hivemail/syncd/internal/dispatch"
	"github.com/hivemail/syncd/internal/janitor"
	"github.com/hivemail/syncd/internal/models"
	"github.com/hivemail/syncd/internal/queue"
	"github.com/hivemail/syncd/internal/repository"
	"github.com/hivemail/syncd/internal/scheduler"
	"github.com/hivemail/syncd/internal/webhook"
)

type mockScheduler struct {
	syncNowFunc func(accountID string, priority models.JobPriority) (bool, error)
}

func (m *mockScheduler) SyncNow(ctx context.Context, accountID string, priority models.JobPriority) (bool, error) {
	return m.syncNowFunc(accountID, priority)
}

func (m *mockScheduler) Stats(ctx context.Context) (*scheduler.Stats, error) {
	return &scheduler.Stats{}, nil
}

type mockQueue struct {
	paused         []models.JobPriority
	resumed        []models.JobPriority
	purged         []models.JobPriority
	removed        []string
	removedTenants []string
}

func (m *mockQueue) Pause(lane models.JobPriority)  { m.paused = append(m.paused, lane) }
func (m *mockQueue) Resume(lane models.JobPriority) { m.resumed = append(m.resumed, lane) }

func (m *mockQueue) Purge(ctx context.Context, lane models.JobPriority) (int64, error) {
	m.purged = append(m.purged, lane)
	return 7, nil
}

func (m *mockQueue) Status(ctx context.Context) (map[models.JobPriority]queue.LaneStatus, error) {
	return map[models.JobPriority]queue.LaneStatus{models.PriorityHigh: {Waiting: 3}}, nil
}

func (m *mockQueue) Metrics() map[models.JobPriority]queue.LaneMetrics {
	return map[models.JobPriority]queue.LaneMetrics{}
}

func (m *mockQueue) RemoveJobsForAccount(ctx context.Context, accountID string) (int64, error) {
	m.removed = append(m.removed, accountID)
	return 2, nil
}

func (m *mockQueue) RemoveJobsForTenant(ctx context.Context, tenantID string) (int64, error) {
	m.removedTenants = append(m.removedTenants, tenantID)
	return 5, nil
}

type mockWebhooks struct {
	removedAccounts []string
}

func (m *mockWebhooks) CreateAll(ctx context.Context) (*webhook.BulkResult, error) {
	return &webhook.BulkResult{Created: 4, Failed: 1}, nil
}

func (m *mockWebhooks) RenewSoonExpiring(ctx context.Context, within time.Duration) (int, error) {
	return 3, nil
}

func (m *mockWebhooks) RemoveAccount(ctx context.Context, accountID string) error {
	m.removedAccounts = append(m.removedAccounts, accountID)
	return nil
}

func (m *mockWebhooks) Stats(ctx context.Context) (*webhook.RegistryStats, error) {
	return &webhook.RegistryStats{}, nil
}

type mockHealth struct {
	status *janitor.HealthStatus
}

func (m *mockHealth) Health(ctx context.Context) (*janitor.HealthStatus, error) {
	return m.status, nil
}

type mockNotifier struct {
	handled []dispatch.Notification
	err     error
}

func (m *mockNotifier) Handle(ctx context.Context, kind models.ProviderKind, n dispatch.Notification) error {
	if m.err != nil {
		return m.err
	}
	m.handled = append(m.handled, n)
	return nil
}

func (m *mockNotifier) HandleBatch(ctx context.Context, kind models.ProviderKind, notifications []dispatch.Notification) error {
	for _, n := range notifications {
		m.handled = append(m.handled, n)
	}
	return m.err
}

func newTestServer(t *testing.T, sched SchedulerAPI, q QueueAPI, wh WebhookAPI, health HealthAPI, notifier Notifier) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if sched == nil {
		sched = &mockScheduler{syncNowFunc: func(string, models.JobPriority) (bool, error) { return true, nil }}
	}
	if q == nil {
		q = &mockQueue{}
	}
	if wh == nil {
		wh = &mockWebhooks{}
	}
	if health == nil {
		health = &mockHealth{status: &janitor.HealthStatus{Healthy: true}}
	}
	if notifier == nil {
		notifier = &mockNotifier{}
	}
	s := NewServer(":0", sched, q, wh, health, notifier)
	return s.router()
}

func TestSyncNow_Accepted(t *testing.T) {
	var gotAccount string
	sched := &mockScheduler{syncNowFunc: func(accountID string, priority models.JobPriority) (bool, error) {
		gotAccount = accountID
		return true, nil
	}}
	router := newTestServer(t, sched, nil, nil, nil, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/accounts/acc-1/sync", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	if gotAccount != "acc-1" {
		t.Errorf("account = %s, want acc-1", gotAccount)
	}
}

func TestSyncNow_UnknownAccount(t *testing.T) {
	sched := &mockScheduler{syncNowFunc: func(string, models.JobPriority) (bool, error) {
		return false, repository.ErrAccountNotFound
	}}
	router := newTestServer(t, sched, nil, nil, nil, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/accounts/ghost/sync", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestDeleteAccount_RemovesJobsAndSubscriptions(t *testing.T) {
	q := &mockQueue{}
	wh := &mockWebhooks{}
	router := newTestServer(t, nil, q, wh, nil, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/v1/accounts/acc-1", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if len(q.removed) != 1 || q.removed[0] != "acc-1" {
		t.Errorf("queue removals = %v, want [acc-1]", q.removed)
	}
	if len(wh.removedAccounts) != 1 || wh.removedAccounts[0] != "acc-1" {
		t.Errorf("webhook removals = %v, want [acc-1]", wh.removedAccounts)
	}
}

func TestDeleteTenantJobs_RemovesQueuedJobs(t *testing.T) {
	q := &mockQueue{}
	router := newTestServer(t, nil, q, nil, nil, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/v1/tenants/tenant-1/jobs", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if len(q.removedTenants) != 1 || q.removedTenants[0] != "tenant-1" {
		t.Errorf("tenant removals = %v, want [tenant-1]", q.removedTenants)
	}

	var body map[string]int64
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["jobs_removed"] != 5 {
		t.Errorf("jobs_removed = %d, want 5", body["jobs_removed"])
	}
}

func TestQueuePause_UnknownLane(t *testing.T) {
	q := &mockQueue{}
	router := newTestServer(t, nil, q, nil, nil, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/queue/urgent/pause", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if len(q.paused) != 0 {
		t.Errorf("paused lanes = %v, want none", q.paused)
	}
}

func TestQueuePauseResumePurge(t *testing.T) {
	q := &mockQueue{}
	router := newTestServer(t, nil, q, nil, nil, nil)

	for _, path := range []string{"/v1/queue/high/pause", "/v1/queue/high/resume", "/v1/queue/low/purge"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, path, nil))
		if w.Code != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, w.Code)
		}
	}

	if len(q.paused) != 1 || q.paused[0] != models.PriorityHigh {
		t.Errorf("paused = %v, want [high]", q.paused)
	}
	if len(q.purged) != 1 || q.purged[0] != models.PriorityLow {
		t.Errorf("purged = %v, want [low]", q.purged)
	}
}

func TestWebhooksHealth_UnhealthyIs503(t *testing.T) {
	health := &mockHealth{status: &janitor.HealthStatus{Healthy: false, Issues: []string{"delivery errors"}}}
	router := newTestServer(t, nil, nil, nil, health, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/webhooks/health", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestGoogleNotification_CalendarChannelHeaders(t *testing.T) {
	notifier := &mockNotifier{}
	router := newTestServer(t, nil, nil, nil, nil, notifier)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/notifications/google", nil)
	req.Header.Set("X-Goog-Channel-ID", "chan-1")
	req.Header.Set("X-Goog-Channel-Token", "s3cret")
	req.Header.Set("X-Goog-Resource-State", "exists")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if len(notifier.handled) != 1 {
		t.Fatalf("handled = %d, want 1", len(notifier.handled))
	}
	n := notifier.handled[0]
	if n.SubscriptionID != "chan-1" || n.Secret != "s3cret" {
		t.Errorf("notification = %+v, want channel headers mapped", n)
	}
}

func TestGoogleNotification_PubSubEnvelope(t *testing.T) {
	notifier := &mockNotifier{}
	router := newTestServer(t, nil, nil, nil, nil, notifier)

	// base64 of {"emailAddress":"user@example.com","historyId":42}
	body := `{"message":{"data":"eyJlbWFpbEFkZHJlc3MiOiJ1c2VyQGV4YW1wbGUuY29tIiwiaGlzdG9yeUlkIjo0Mn0="},"subscription":"projects/p/subscriptions/s"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/notifications/google?token=s3cret", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if len(notifier.handled) != 1 {
		t.Fatalf("handled = %d, want 1", len(notifier.handled))
	}
	n := notifier.handled[0]
	if n.SubscriptionID != "user@example.com" {
		t.Errorf("subscription id = %s, want the mailbox address", n.SubscriptionID)
	}
	if n.Secret != "s3cret" {
		t.Errorf("secret = %s, want token query parameter", n.Secret)
	}
}

func TestGoogleNotification_BadSignatureIsAcknowledged(t *testing.T) {
	// A forged payload stays forged on redelivery, so the receiver acks it
	// instead of making Pub/Sub retry forever.
	notifier := &mockNotifier{err: dispatch.ErrBadSignature}
	router := newTestServer(t, nil, nil, nil, nil, notifier)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/notifications/google", nil)
	req.Header.Set("X-Goog-Channel-ID", "chan-1")
	req.Header.Set("X-Goog-Channel-Token", "forged")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if len(notifier.handled) != 0 {
		t.Errorf("handled = %d, want 0", len(notifier.handled))
	}
}

func TestGoogleNotification_ProcessingErrorIsNon2xx(t *testing.T) {
	notifier := &mockNotifier{err: errors.New("db unavailable")}
	router := newTestServer(t, nil, nil, nil, nil, notifier)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/notifications/google", nil)
	req.Header.Set("X-Goog-Channel-ID", "chan-1")
	req.Header.Set("X-Goog-Channel-Token", "s3cret")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500 so the message is redelivered", w.Code)
	}
}

func TestMicrosoftNotification_ValidationHandshake(t *testing.T) {
	router := newTestServer(t, nil, nil, nil, nil, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/notifications/microsoft?validationToken=abc123", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w.Body.String() != "abc123" {
		t.Errorf("body = %q, want the token echoed", w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %s, want text/plain", ct)
	}
}

func TestMicrosoftNotification_BatchAlwaysAccepted(t *testing.T) {
	notifier := &mockNotifier{err: dispatch.ErrBadSignature}
	router := newTestServer(t, nil, nil, nil, nil, notifier)

	batch := map[string]any{
		"value": []map[string]string{
			{"subscriptionId": "sub-1", "clientState": "forged", "changeType": "updated"},
		},
	}
	payload, _ := json.Marshal(batch)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/notifications/microsoft", strings.NewReader(string(payload)))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202 even when processing fails", w.Code)
	}
}
