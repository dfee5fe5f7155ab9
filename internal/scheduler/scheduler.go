// Package scheduler enforces the per-subject concurrency cap, the FIFO
// generation queue and the stale-job watchdog. It owns every job status
// transition that happens outside the pipeline itself.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lexatlas/contentgen/internal/domain"
	"github.com/lexatlas/contentgen/internal/store"
)

// Decision statuses returned by RequestGeneration. Completed and failed
// report a terminal job that the request left untouched.
const (
	DecisionStarted   = "started"
	DecisionQueued    = "queued"
	DecisionCompleted = "completed"
	DecisionFailed    = "failed"
)

// Decision is the synchronous outcome of a generation request.
type Decision struct {
	Status   string `json:"status"`
	Position int    `json:"position,omitempty"`
}

// Dispatcher hands a RUNNING job to whatever executes the pipeline. In
// production this publishes a start message to the broker; tests plug in
// a recording fake.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
}

// DispatchFunc adapts a function to the Dispatcher interface.
type DispatchFunc func(ctx context.Context, jobID string) error

func (f DispatchFunc) Dispatch(ctx context.Context, jobID string) error { return f(ctx, jobID) }

// Config holds the externally tunable scheduling knobs.
type Config struct {
	MaxConcurrentPerSubject int
	MaxAttempts             int
	WatchdogTimeout         time.Duration
	MinTotalUnits           int
}

// Scheduler coordinates job admission for all subjects.
type Scheduler struct {
	cfg        Config
	store      store.Store
	dispatcher Dispatcher
	logger     *slog.Logger
}

// New creates a scheduler. All collaborators are injected; the scheduler
// keeps no state of its own beyond configuration.
func New(cfg Config, st store.Store, dispatcher Dispatcher, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		store:      st,
		dispatcher: dispatcher,
		logger:     logger.With(slog.String("component", "scheduler")),
	}
}

// RequestGeneration decides whether a job starts now or waits in its
// subject's queue. Stale RUNNING jobs for the subject are reclaimed
// before the running count is taken, so an abandoned job never occupies
// a slot silently.
func (s *Scheduler) RequestGeneration(ctx context.Context, jobID string, force bool) (Decision, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return Decision{}, err
	}

	runningCount, err := s.reclaimAndCount(ctx, job.SubjectID, jobID)
	if err != nil {
		return Decision{}, err
	}

	// Re-read: the watchdog may have just moved this very job out of
	// RUNNING.
	job, err = s.store.Get(ctx, jobID)
	if err != nil {
		return Decision{}, err
	}

	if !force {
		switch job.Status {
		case domain.JobStatusRunning:
			// Idempotent no-op; avoid double-starting.
			return Decision{Status: DecisionStarted}, nil
		case domain.JobStatusQueued:
			return Decision{Status: DecisionQueued, Position: int(job.QueuePosition.Int64)}, nil
		case domain.JobStatusFailed:
			// The attempt budget is spent; only a forced restart, which
			// resets it, may revive the job.
			return Decision{Status: DecisionFailed}, nil
		case domain.JobStatusCompleted:
			if s.payloadComplete(job.Payload) {
				return Decision{Status: DecisionCompleted}, nil
			}
			// Incomplete payload slipped through a past run: the job
			// is eligible for regeneration without force.
			s.logger.Warn("Completed job has incomplete payload, restarting",
				slog.String("job_id", jobID),
				slog.String("subject_id", job.SubjectID),
			)
		}
	}

	if force {
		// Manual restart ignores the cap and re-enters from stage one
		// with fresh attempt accounting.
		if err := s.store.ResetAttempts(ctx, jobID); err != nil {
			return Decision{}, err
		}
		return s.start(ctx, jobID, true)
	}

	if runningCount < s.cfg.MaxConcurrentPerSubject {
		return s.start(ctx, jobID, false)
	}

	position, err := s.store.Enqueue(ctx, jobID)
	if err != nil {
		return Decision{}, err
	}
	s.logger.Info("Job queued",
		slog.String("job_id", jobID),
		slog.String("subject_id", job.SubjectID),
		slog.Int("position", position),
		slog.Int("running", runningCount),
	)
	return Decision{Status: DecisionQueued, Position: position}, nil
}

// OnJobFinished releases the subject's slot: it pops the lowest queued
// position, if any, and runs it through RequestGeneration. Queues drain
// strictly FIFO within a subject and independently across subjects.
func (s *Scheduler) OnJobFinished(ctx context.Context, subjectID string) error {
	next, err := s.store.PopNextQueued(ctx, subjectID)
	if err != nil {
		if errors.Is(err, domain.ErrQueueEmpty) {
			return nil
		}
		return err
	}

	s.logger.Info("Starting next queued job",
		slog.String("job_id", next.JobID),
		slog.String("subject_id", subjectID),
	)

	decision, err := s.RequestGeneration(ctx, next.JobID, false)
	if err != nil {
		return fmt.Errorf("failed to start next queued job %s: %w", next.JobID, err)
	}
	if decision.Status != DecisionStarted {
		// Lost a capacity race; the job went back to the queue tail.
		s.logger.Warn("Popped job could not start, re-queued",
			slog.String("job_id", next.JobID),
			slog.String("subject_id", subjectID),
			slog.Int("position", decision.Position),
		)
	}
	return nil
}

// SweepStale reclaims abandoned RUNNING jobs across all subjects, drains
// the queues their slots were blocking, and re-enters reclaimed jobs that
// still have attempts left. The worker runs this on a ticker as a safety
// net alongside the per-request watchdog.
func (s *Scheduler) SweepStale(ctx context.Context) error {
	running, err := s.store.List(ctx, store.Filter{Status: domain.JobStatusRunning})
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-s.cfg.WatchdogTimeout)
	subjects := make(map[string]bool)
	var revived []string

	for _, job := range running {
		if !job.UpdatedAt.Before(cutoff) {
			continue
		}
		reclaimed, toStatus, err := s.reclaimOne(ctx, &job, cutoff)
		if err != nil {
			return err
		}
		if !reclaimed {
			continue
		}
		subjects[job.SubjectID] = true
		if toStatus == domain.JobStatusPending {
			revived = append(revived, job.JobID)
		}
	}

	for subjectID := range subjects {
		if err := s.OnJobFinished(ctx, subjectID); err != nil {
			return err
		}
	}

	// Reclaimed jobs go behind the queued jobs their dead slots were
	// blocking; nobody needs to ask again for them to make progress.
	for _, jobID := range revived {
		if _, err := s.RequestGeneration(ctx, jobID, false); err != nil {
			return err
		}
	}
	return nil
}

// reclaimAndCount runs the watchdog over the subject's RUNNING jobs and
// returns how many remain running, excluding the requesting job itself.
// The count is advisory: it is recomputed from a scan rather than held
// under a lock, so two racing requests can transiently exceed the cap.
func (s *Scheduler) reclaimAndCount(ctx context.Context, subjectID, requestingJobID string) (int, error) {
	running, err := s.store.ListRunning(ctx, subjectID)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-s.cfg.WatchdogTimeout)
	count := 0
	for _, job := range running {
		if job.UpdatedAt.Before(cutoff) {
			reclaimed, _, err := s.reclaimOne(ctx, &job, cutoff)
			if err != nil {
				return 0, err
			}
			if reclaimed {
				continue
			}
		}
		if job.JobID != requestingJobID {
			count++
		}
	}

	if count > s.cfg.MaxConcurrentPerSubject {
		s.logger.Warn("Concurrency cap exceeded for subject",
			slog.String("subject_id", subjectID),
			slog.Int("running", count),
			slog.Int("cap", s.cfg.MaxConcurrentPerSubject),
		)
	}
	return count, nil
}

// reclaimOne forces a stale RUNNING job out of its slot: back to PENDING
// when attempts remain, otherwise FAILED. It reports the status the job
// was moved to. Never surfaced to users.
func (s *Scheduler) reclaimOne(ctx context.Context, job *domain.GenerationJob, cutoff time.Time) (bool, string, error) {
	toStatus := domain.JobStatusFailed
	if job.Attempts < s.cfg.MaxAttempts {
		toStatus = domain.JobStatusPending
	}

	reclaimed, err := s.store.Reclaim(ctx, job.JobID, cutoff, toStatus, "reclaimed by watchdog: job stalled while running")
	if err != nil {
		return false, "", err
	}
	if reclaimed {
		s.logger.Warn("Stale running job reclaimed",
			slog.String("job_id", job.JobID),
			slog.String("subject_id", job.SubjectID),
			slog.String("new_status", toStatus),
			slog.Time("last_update", job.UpdatedAt),
		)
	}
	return reclaimed, toStatus, nil
}

// start transitions the job to RUNNING and hands it to the dispatcher.
// The transition is persisted before dispatch, so a crash in between
// leaves a RUNNING row the watchdog can recover.
func (s *Scheduler) start(ctx context.Context, jobID string, force bool) (Decision, error) {
	if err := s.store.MarkRunning(ctx, jobID, force); err != nil {
		if errors.Is(err, domain.ErrJobNotClaimable) {
			// Another scheduler won the race; treat as started.
			return Decision{Status: DecisionStarted}, nil
		}
		return Decision{}, err
	}

	if err := s.dispatcher.Dispatch(ctx, jobID); err != nil {
		// The row stays RUNNING and will be reclaimed by the watchdog;
		// surface the dispatch failure to the caller.
		return Decision{}, fmt.Errorf("failed to dispatch job %s: %w", jobID, err)
	}

	s.logger.Info("Job started",
		slog.String("job_id", jobID),
		slog.Bool("force", force),
	)
	return Decision{Status: DecisionStarted}, nil
}

// payloadComplete reports whether a persisted payload meets the minimum
// content-unit threshold.
func (s *Scheduler) payloadComplete(payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	var p domain.TopicPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return false
	}
	return p.UnitCount() >= s.cfg.MinTotalUnits
}
