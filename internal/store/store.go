// Package store persists generation job records. The job row is the
// single source of truth for the pipeline: every status, progress and
// queue transition is written here before any in-memory continuation
// proceeds.
package store

import (
	"context"
	"time"

	"github.com/lexatlas/contentgen/internal/domain"
)

// Filter narrows List results.
type Filter struct {
	SubjectID string
	Status    string
}

// Store is the job record store consumed by the scheduler, the pipeline
// and the HTTP handlers.
type Store interface {
	Create(ctx context.Context, job *domain.GenerationJob) error
	Get(ctx context.Context, jobID string) (*domain.GenerationJob, error)
	List(ctx context.Context, filter Filter) ([]domain.GenerationJob, error)

	// ListRunning returns all RUNNING jobs for a subject, used for
	// concurrency accounting.
	ListRunning(ctx context.Context, subjectID string) ([]domain.GenerationJob, error)

	// MarkRunning transitions a job to RUNNING, clearing its queue
	// position and resetting progress. Without force it refuses a job
	// that is already RUNNING (domain.ErrJobNotClaimable), which keeps
	// requestGeneration idempotent and closes the double-start race.
	MarkRunning(ctx context.Context, jobID string, force bool) error

	// Enqueue transitions a job to QUEUED at position max(subject)+1
	// and returns that position.
	Enqueue(ctx context.Context, jobID string) (int, error)

	// PopNextQueued removes the lowest-position QUEUED job for the
	// subject, renumbering the remaining queue so positions stay dense
	// from 1. Returns domain.ErrQueueEmpty when nothing is queued.
	PopNextQueued(ctx context.Context, subjectID string) (*domain.GenerationJob, error)

	// Reclaim force-transitions a job out of RUNNING when its
	// updated_at is older than cutoff. Returns false when the job was
	// not stale-running anymore (someone else already moved it).
	Reclaim(ctx context.Context, jobID string, cutoff time.Time, toStatus, reason string) (bool, error)

	// SetStage records the active pipeline stage and progress. Progress
	// is monotonic while RUNNING; both refresh updated_at so the
	// watchdog sees the job as live.
	SetStage(ctx context.Context, jobID, stage string, progress int) error
	SetProgress(ctx context.Context, jobID string, progress int) error

	// SavePayload persists partial pipeline output mid-run.
	SavePayload(ctx context.Context, jobID string, payload []byte) error

	IncrementAttempts(ctx context.Context, jobID string) (int, error)
	ResetAttempts(ctx context.Context, jobID string) error

	MarkCompleted(ctx context.Context, jobID string, payload []byte) error
	MarkFailed(ctx context.Context, jobID, reason string) error
	MarkPendingRetry(ctx context.Context, jobID, reason string) error
}
