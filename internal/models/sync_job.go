package models

import (
	"fmt"
	"time"
)

type JobPriority string

const (
	PriorityHigh   JobPriority = "high"
	PriorityNormal JobPriority = "normal"
	PriorityLow    JobPriority = "low"
)

// Lanes lists the queue lanes in drain order.
var Lanes = []JobPriority{PriorityHigh, PriorityNormal, PriorityLow}

type SyncMode string

const (
	SyncModeFull        SyncMode = "full"        // re-fetch the complete relevant window
	SyncModeIncremental SyncMode = "incremental" // fetch only changes since a checkpoint
)

type JobStatus string

const (
	JobStatusWaiting   JobStatus = "waiting"
	JobStatusActive    JobStatus = "active"
	JobStatusDelayed   JobStatus = "delayed"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// SyncJob is one unit of scheduled refresh work for an account.
// At most one job per (account_id, sync_mode) may be waiting, active, or
// delayed at any time; a partial unique index on dedup_key enforces that.
type SyncJob struct {
	ID          string       `gorm:"column:id;primaryKey"`
	TenantID    string       `gorm:"column:tenant_id;index"`
	AccountID   string       `gorm:"column:account_id;index"`
	Provider    ProviderKind `gorm:"column:provider"`
	Priority    JobPriority  `gorm:"column:priority;index"`
	SyncMode    SyncMode     `gorm:"column:sync_mode"`
	DedupKey    string       `gorm:"column:dedup_key"`
	Status      JobStatus    `gorm:"column:status;index"`
	Since       *time.Time   `gorm:"column:since"`
	Attempts    int          `gorm:"column:attempts"`
	MaxAttempts int          `gorm:"column:max_attempts"`
	RunAt       time.Time    `gorm:"column:run_at"`
	LastError   *string      `gorm:"column:last_error"`
	EnqueuedAt  time.Time    `gorm:"column:enqueued_at"`
	StartedAt   *time.Time   `gorm:"column:started_at"`
	FinishedAt  *time.Time   `gorm:"column:finished_at"`
}

// TableName specifies the table name for GORM
func (SyncJob) TableName() string {
	return "sync_job"
}

// JobDedupKey derives the identity used to suppress duplicate in-flight work.
func JobDedupKey(accountID string, mode SyncMode) string {
	return fmt.Sprintf("%s:%s", accountID, mode)
}
