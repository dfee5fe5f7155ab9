// Package pipeline drives the four-stage content build for one job:
// outline, per-section expansion, parallel extras, and synthesis. Stage
// failures never escape Run; they become job-state transitions so the
// subject's concurrency slot is always released.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/lexatlas/contentgen/internal/domain"
	"github.com/lexatlas/contentgen/internal/genai"
	"github.com/lexatlas/contentgen/internal/scheduler"
	"github.com/lexatlas/contentgen/internal/store"
)

// Progress checkpoints per stage. Expansion owns the widest band because
// it does one generation call per section.
const (
	outlineProgress        = 10
	expansionStartProgress = 10
	expansionEndProgress   = 70
	extrasProgress         = 85
	synthesisProgress      = 95
)

// Controller is the slice of the scheduler the builder needs: releasing
// the slot when a job ends, and re-entering a failed attempt.
type Controller interface {
	OnJobFinished(ctx context.Context, subjectID string) error
	RequestGeneration(ctx context.Context, jobID string, force bool) (scheduler.Decision, error)
}

// Config holds the stage thresholds and token budgets.
type Config struct {
	MinSections        int
	MinTotalUnits      int
	MaxAttempts        int
	DrillQuestionCount int
	FlashcardCount     int
	GlossaryCount      int
	OutlineMaxTokens   int
	SectionMaxTokens   int
	ExtrasMaxTokens    int
	SynthesisMaxTokens int
}

// Builder runs the multi-stage content pipeline.
type Builder struct {
	cfg        Config
	store      store.Store
	gen        genai.Generator
	controller Controller
	logger     *slog.Logger
}

// NewBuilder wires a builder from its collaborators.
func NewBuilder(cfg Config, st store.Store, gen genai.Generator, controller Controller, logger *slog.Logger) *Builder {
	return &Builder{
		cfg:        cfg,
		store:      st,
		gen:        gen,
		controller: controller,
		logger:     logger.With(slog.String("component", "pipeline")),
	}
}

// Run executes the pipeline for a job that the scheduler already marked
// RUNNING. It communicates only through persisted job state.
func (b *Builder) Run(ctx context.Context, jobID string) {
	job, err := b.store.Get(ctx, jobID)
	if err != nil {
		b.logger.Error("Cannot load job for pipeline run",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return
	}

	payload, err := b.build(ctx, job)
	if err != nil {
		b.failAttempt(ctx, job, err)
		return
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		b.failAttempt(ctx, job, fmt.Errorf("marshal payload: %w", err))
		return
	}
	if err := b.store.MarkCompleted(ctx, jobID, raw); err != nil {
		b.logger.Error("Failed to persist completed job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}

	b.logger.Info("Pipeline completed",
		slog.String("job_id", jobID),
		slog.String("subject_id", job.SubjectID),
		slog.Int("sections", len(payload.Sections)),
		slog.Int("units", payload.UnitCount()),
	)

	b.finish(ctx, job.SubjectID)
}

// build runs the four stages. A panic anywhere inside is converted into
// an error so it rides the normal failed-attempt path.
func (b *Builder) build(ctx context.Context, job *domain.GenerationJob) (payload *domain.TopicPayload, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panicked: %v", r)
		}
	}()

	payload = &domain.TopicPayload{}

	if err := b.store.SetStage(ctx, job.JobID, domain.StageOutline, 0); err != nil {
		return nil, err
	}
	outline, err := b.stageOutline(ctx, job)
	if err != nil {
		return nil, err
	}
	if err := b.store.SetStage(ctx, job.JobID, domain.StageExpansion, outlineProgress); err != nil {
		return nil, err
	}

	if err := b.stageExpand(ctx, job, outline, payload); err != nil {
		return nil, err
	}

	if err := b.persistPartial(ctx, job.JobID, domain.StageExtras, expansionEndProgress, payload); err != nil {
		return nil, err
	}
	b.stageExtras(ctx, job, payload)

	if err := b.persistPartial(ctx, job.JobID, domain.StageSynthesis, extrasProgress, payload); err != nil {
		return nil, err
	}
	b.stageSynthesis(ctx, job, payload)

	if err := b.persistPartial(ctx, job.JobID, domain.StageSynthesis, synthesisProgress, payload); err != nil {
		return nil, err
	}

	// Global acceptance check: degraded sections may have pulled the
	// unit count below the completion threshold.
	if payload.UnitCount() < b.cfg.MinTotalUnits {
		return nil, &domain.ValidationError{
			Stage:  domain.StageSynthesis,
			Reason: fmt.Sprintf("produced %d units, need at least %d", payload.UnitCount(), b.cfg.MinTotalUnits),
		}
	}
	return payload, nil
}

// failAttempt applies the attempt-accounting policy shared by every
// failure mode: below the cap the job goes back to PENDING and is
// re-entered through the scheduler; at the cap it is FAILED for good.
func (b *Builder) failAttempt(ctx context.Context, job *domain.GenerationJob, cause error) {
	attempts, err := b.store.IncrementAttempts(ctx, job.JobID)
	if err != nil {
		b.logger.Error("Failed to record attempt",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
		attempts = b.cfg.MaxAttempts
	}

	if attempts >= b.cfg.MaxAttempts {
		b.logger.Warn("Job exhausted generation attempts",
			slog.String("job_id", job.JobID),
			slog.Int("attempts", attempts),
			slog.String("error", cause.Error()),
		)
		if err := b.store.MarkFailed(ctx, job.JobID, cause.Error()); err != nil {
			b.logger.Error("Failed to mark job failed",
				slog.String("job_id", job.JobID),
				slog.String("error", err.Error()),
			)
		}
		b.finish(ctx, job.SubjectID)
		return
	}

	b.logger.Warn("Generation attempt failed, will retry",
		slog.String("job_id", job.JobID),
		slog.Int("attempts", attempts),
		slog.Int("max_attempts", b.cfg.MaxAttempts),
		slog.String("error", cause.Error()),
	)
	if err := b.store.MarkPendingRetry(ctx, job.JobID, cause.Error()); err != nil {
		b.logger.Error("Failed to mark job pending",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
		b.finish(ctx, job.SubjectID)
		return
	}

	// Release the slot to the queue first, then re-enter this job; it
	// starts immediately when capacity remains, otherwise it joins the
	// queue tail behind jobs that were already waiting.
	b.finish(ctx, job.SubjectID)
	if _, err := b.controller.RequestGeneration(ctx, job.JobID, false); err != nil {
		b.logger.Error("Failed to re-enter job after failed attempt",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
	}
}

func (b *Builder) finish(ctx context.Context, subjectID string) {
	if err := b.controller.OnJobFinished(ctx, subjectID); err != nil {
		b.logger.Error("Queue drain after job finish failed",
			slog.String("subject_id", subjectID),
			slog.String("error", err.Error()),
		)
	}
}

// persistPartial writes the stage marker, monotonic progress and the
// payload accumulated so far, keeping the job resumable and visibly
// alive to the watchdog.
func (b *Builder) persistPartial(ctx context.Context, jobID, stage string, progress int, payload *domain.TopicPayload) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal partial payload: %w", err)
	}
	if err := b.store.SavePayload(ctx, jobID, raw); err != nil {
		return err
	}
	return b.store.SetStage(ctx, jobID, stage, progress)
}
