package domain

import (
	"database/sql"
	"time"
)

// Job status constants
const (
	JobStatusPending   = "PENDING"
	JobStatusQueued    = "QUEUED"
	JobStatusRunning   = "RUNNING"
	JobStatusCompleted = "COMPLETED"
	JobStatusFailed    = "FAILED"
)

// Pipeline stage names, persisted for observability while a job is RUNNING.
const (
	StageOutline   = "outline"
	StageExpansion = "expansion"
	StageExtras    = "extras"
	StageSynthesis = "synthesis"
)

// GenerationJob is one request to build a complete topic through the
// multi-stage pipeline. SubjectID is the concurrency-accounting group:
// at most MaxConcurrentPerSubject jobs per subject may be RUNNING.
type GenerationJob struct {
	JobID         string         `db:"job_id"`
	SubjectID     string         `db:"subject_id"`
	Title         string         `db:"title"`
	Status        string         `db:"status"`
	Stage         sql.NullString `db:"stage"`
	Progress      int            `db:"progress"`
	QueuePosition sql.NullInt64  `db:"queue_position"`
	Attempts      int            `db:"attempts"`
	Payload       []byte         `db:"payload"`
	LastError     sql.NullString `db:"last_error"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

// IsTerminal reports whether the job reached a terminal status.
func (j *GenerationJob) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// StartMessage is the broker message that tells a worker to run the
// pipeline for a job that was just marked RUNNING.
type StartMessage struct {
	JobID       string `json:"job_id"`
	DeliveryTag uint64 `json:"-"`
}
