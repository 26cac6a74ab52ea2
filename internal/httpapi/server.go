package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
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

// SchedulerAPI is the scheduler surface exposed over HTTP
type SchedulerAPI interface {
	SyncNow(ctx context.Context, accountID string, priority models.JobPriority) (bool, error)
	Stats(ctx context.Context) (*scheduler.Stats, error)
}

// QueueAPI is the queue-control surface exposed over HTTP
type QueueAPI interface {
	Pause(lane models.JobPriority)
	Resume(lane models.JobPriority)
	Purge(ctx context.Context, lane models.JobPriority) (int64, error)
	Status(ctx context.Context) (map[models.JobPriority]queue.LaneStatus, error)
	Metrics() map[models.JobPriority]queue.LaneMetrics
	RemoveJobsForAccount(ctx context.Context, accountID string) (int64, error)
	RemoveJobsForTenant(ctx context.Context, tenantID string) (int64, error)
}

// WebhookAPI is the subscription-lifecycle surface exposed over HTTP
type WebhookAPI interface {
	CreateAll(ctx context.Context) (*webhook.BulkResult, error)
	RenewSoonExpiring(ctx context.Context, within time.Duration) (int, error)
	RemoveAccount(ctx context.Context, accountID string) error
	Stats(ctx context.Context) (*webhook.RegistryStats, error)
}

// HealthAPI reports subscription health
type HealthAPI interface {
	Health(ctx context.Context) (*janitor.HealthStatus, error)
}

// Notifier receives unpacked push notifications
type Notifier interface {
	Handle(ctx context.Context, kind models.ProviderKind, n dispatch.Notification) error
	HandleBatch(ctx context.Context, kind models.ProviderKind, notifications []dispatch.Notification) error
}

// Server exposes the operational API and the provider notification
// receivers on one listener.
type Server struct {
	scheduler SchedulerAPI
	queue     QueueAPI
	webhooks  WebhookAPI
	health    HealthAPI
	notifier  Notifier

	httpServer *http.Server
}

func NewServer(addr string, sched SchedulerAPI, q QueueAPI, webhooks WebhookAPI, health HealthAPI, notifier Notifier) *Server {
	s := &Server{
		scheduler: sched,
		queue:     q,
		webhooks:  webhooks,
		health:    health,
		notifier:  notifier,
	}
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router(),
	}
	return s
}

func (s *Server) router() *gin.Engine {
	r := gin.Default()

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1")
	{
		v1.POST("/accounts/:id/sync", s.handleSyncNow)
		v1.DELETE("/accounts/:id", s.handleDeleteAccount)
		v1.DELETE("/tenants/:id/jobs", s.handleDeleteTenantJobs)

		v1.GET("/queue/status", s.handleQueueStatus)
		v1.GET("/queue/metrics", s.handleQueueMetrics)
		v1.POST("/queue/:lane/pause", s.handleQueuePause)
		v1.POST("/queue/:lane/resume", s.handleQueueResume)
		v1.POST("/queue/:lane/purge", s.handleQueuePurge)

		v1.GET("/scheduler/stats", s.handleSchedulerStats)

		v1.POST("/webhooks/create-all", s.handleWebhooksCreateAll)
		v1.POST("/webhooks/renew", s.handleWebhooksRenew)
		v1.GET("/webhooks/health", s.handleWebhooksHealth)
		v1.GET("/webhooks/stats", s.handleWebhooksStats)
	}

	// Provider callbacks live outside /v1: their paths are registered
	// with the upstream providers and must stay stable.
	r.POST("/notifications/google", s.handleGoogleNotification)
	r.POST("/notifications/microsoft", s.handleMicrosoftNotification)

	return r
}

// Start begins serving and blocks until the listener closes
func (s *Server) Start() error {
	log.Printf("HTTP API listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type syncNowRequest struct {
	Priority models.JobPriority `json:"priority"`
}

func (s *Server) handleSyncNow(c *gin.Context) {
	var req syncNowRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	enqueued, err := s.scheduler.SyncNow(c.Request.Context(), c.Param("id"), req.Priority)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrAccountNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, scheduler.ErrInactiveAccount):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"enqueued": enqueued})
}

// handleDeleteAccount tears down everything the orchestrator holds for an
// account: queued jobs go first, then the webhook rows are hard-deleted.
func (s *Server) handleDeleteAccount(c *gin.Context) {
	accountID := c.Param("id")

	removed, err := s.queue.RemoveJobsForAccount(c.Request.Context(), accountID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if err := s.webhooks.RemoveAccount(c.Request.Context(), accountID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"jobs_removed": removed})
}

// handleDeleteTenantJobs drops every queued job across a tenant's
// accounts. Used when a tenant is offboarded; active jobs finish.
func (s *Server) handleDeleteTenantJobs(c *gin.Context) {
	removed, err := s.queue.RemoveJobsForTenant(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs_removed": removed})
}

func (s *Server) handleQueueStatus(c *gin.Context) {
	status, err := s.queue.Status(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleQueueMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.queue.Metrics())
}

func parseLane(c *gin.Context) (models.JobPriority, bool) {
	lane := models.JobPriority(c.Param("lane"))
	for _, known := range models.Lanes {
		if lane == known {
			return lane, true
		}
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown lane %q", c.Param("lane"))})
	return "", false
}

func (s *Server) handleQueuePause(c *gin.Context) {
	lane, ok := parseLane(c)
	if !ok {
		return
	}
	s.queue.Pause(lane)
	c.JSON(http.StatusOK, gin.H{"lane": lane, "paused": true})
}

func (s *Server) handleQueueResume(c *gin.Context) {
	lane, ok := parseLane(c)
	if !ok {
		return
	}
	s.queue.Resume(lane)
	c.JSON(http.StatusOK, gin.H{"lane": lane, "paused": false})
}

func (s *Server) handleQueuePurge(c *gin.Context) {
	lane, ok := parseLane(c)
	if !ok {
		return
	}
	purged, err := s.queue.Purge(c.Request.Context(), lane)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"lane": lane, "purged": purged})
}

func (s *Server) handleSchedulerStats(c *gin.Context) {
	stats, err := s.scheduler.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleWebhooksCreateAll(c *gin.Context) {
	result, err := s.webhooks.CreateAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleWebhooksRenew(c *gin.Context) {
	renewed, err := s.webhooks.RenewSoonExpiring(c.Request.Context(), 24*time.Hour)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"renewed": renewed})
}

func (s *Server) handleWebhooksHealth(c *gin.Context) {
	status, err := s.health.Health(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (s *Server) handleWebhooksStats(c *gin.Context) {
	stats, err := s.webhooks.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// pubsubEnvelope is the Pub/Sub push wrapper around a Gmail notification
type pubsubEnvelope struct {
	Message struct {
		Data       string            `json:"data"`
		Attributes map[string]string `json:"attributes"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// gmailPushData is the payload inside the Pub/Sub message
type gmailPushData struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// handleGoogleNotification accepts both delivery paths Google uses:
// calendar channels arrive with X-Goog-* headers, mailbox changes arrive
// as Pub/Sub push envelopes with the shared secret in the token query
// parameter. Processing errors return non-2xx so Pub/Sub redelivers;
// signature mismatches are acknowledged, since redelivering a forged
// payload can never make it valid.
func (s *Server) handleGoogleNotification(c *gin.Context) {
	var n dispatch.Notification

	if channelID := c.GetHeader("X-Goog-Channel-ID"); channelID != "" {
		n = dispatch.Notification{
			SubscriptionID: channelID,
			Secret:         c.GetHeader("X-Goog-Channel-Token"),
			ResourceState:  c.GetHeader("X-Goog-Resource-State"),
			ChangeType:     c.GetHeader("X-Goog-Resource-State"),
			Resource:       c.GetHeader("X-Goog-Resource-URI"),
		}
	} else {
		var envelope pubsubEnvelope
		if err := c.ShouldBindJSON(&envelope); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		decoded, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message data"})
			return
		}
		var push gmailPushData
		if err := json.Unmarshal(decoded, &push); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid gmail payload"})
			return
		}

		n = dispatch.Notification{
			SubscriptionID: push.EmailAddress,
			Secret:         c.Query("token"),
			ChangeType:     "updated",
			Resource:       fmt.Sprintf("history/%d", push.HistoryID),
		}
	}

	if err := s.notifier.Handle(c.Request.Context(), models.ProviderGoogle, n); err != nil {
		if errors.Is(err, dispatch.ErrBadSignature) {
			log.Printf("Dropping Google notification with bad token: subscription=%s", n.SubscriptionID)
			c.Status(http.StatusNoContent)
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Status(http.StatusNoContent)
}

// graphNotificationBatch is the Microsoft Graph change-notification body
type graphNotificationBatch struct {
	Value []struct {
		SubscriptionID string `json:"subscriptionId"`
		ClientState    string `json:"clientState"`
		ChangeType     string `json:"changeType"`
		Resource       string `json:"resource"`
		LifecycleEvent string `json:"lifecycleEvent"`
	} `json:"value"`
}

// handleMicrosoftNotification answers the Graph validation handshake and
// accepts notification batches. Graph drops subscriptions whose receiver
// keeps failing, so processing errors are logged and acknowledged rather
// than surfaced.
func (s *Server) handleMicrosoftNotification(c *gin.Context) {
	if token, ok := dispatch.ValidationToken(dispatch.Notification{ValidationToken: c.Query("validationToken")}); ok {
		c.String(http.StatusOK, "%s", token)
		return
	}

	var batch graphNotificationBatch
	if err := c.ShouldBindJSON(&batch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	notifications := make([]dispatch.Notification, 0, len(batch.Value))
	for _, item := range batch.Value {
		n := dispatch.Notification{
			SubscriptionID: item.SubscriptionID,
			Secret:         item.ClientState,
			ChangeType:     item.ChangeType,
			Resource:       item.Resource,
		}
		if item.LifecycleEvent != "" {
			n.ResourceState = "sync"
		}
		notifications = append(notifications, n)
	}

	if err := s.notifier.HandleBatch(c.Request.Context(), models.ProviderMicrosoft, notifications); err != nil {
		log.Printf("Microsoft notification batch had failures: %v", err)
	}

	c.Status(http.StatusAccepted)
}
