package models

import (
	"time"

	"gorm.io/datatypes"
)

// PipelineRun statuses
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusSkipped   = "skipped"
)

// PipelineRun records one execution of a scheduled job. At most one run per
// job_name may be in the running state at a time.
type PipelineRun struct {
	ID               uint           `gorm:"primaryKey" json:"id"`
	JobName          string         `gorm:"not null;index" json:"job_name"`
	Status           string         `gorm:"not null;index" json:"status"`
	StartedAt        time.Time      `gorm:"not null" json:"started_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	RecordsProcessed int            `json:"records_processed"`
	RecordsCreated   int            `json:"records_created"`
	RecordsUpdated   int            `json:"records_updated"`
	Error            string         `json:"error,omitempty"`
	Metadata         datatypes.JSON `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// TableName specifies the table name for GORM
func (PipelineRun) TableName() string {
	return "pipeline_runs"
}

// IsTerminal reports whether the run has been finalized.
func (r *PipelineRun) IsTerminal() bool {
	return r.Status != RunStatusRunning
}
