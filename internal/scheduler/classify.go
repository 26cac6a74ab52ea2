package scheduler

import (
	"time"

	"github.com/hivemail/syncd/internal/models"
)

const (
	// incrementalThresholdHours is the last-sync age beyond which delta
	// markers can no longer be trusted and a full catch-up runs instead
	incrementalThresholdHours = 6
	// staleThresholdHours is the last-sync age beyond which an account is
	// demoted to the low lane
	staleThresholdHours = 48
)

// Classify derives the lane and sync mode for an account from its last
// sync time. Never-synced accounts get a high-priority full sync for fast
// onboarding; recently-active accounts stay in the high lane; long-idle
// accounts drop to low. Boundary behavior is exact: at 6h the priority is
// still high but the mode is already full, at 48h the priority is still
// normal.
func Classify(lastSyncedAt *time.Time, now time.Time) (models.JobPriority, models.SyncMode) {
	if lastSyncedAt == nil {
		return models.PriorityHigh, models.SyncModeFull
	}

	hours := now.Sub(*lastSyncedAt).Hours()

	var priority models.JobPriority
	switch {
	case hours > staleThresholdHours:
		priority = models.PriorityLow
	case hours > incrementalThresholdHours:
		priority = models.PriorityNormal
	default:
		priority = models.PriorityHigh
	}

	mode := models.SyncModeFull
	if hours < incrementalThresholdHours {
		mode = models.SyncModeIncremental
	}

	return priority, mode
}
