package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/lexatlas/contentgen/internal/domain"
)

const jobColumns = `
	job_id, subject_id, title, status, stage, progress,
	queue_position, attempts, payload, last_error, created_at, updated_at`

// Postgres implements Store on top of a sqlx connection. Transitions are
// single conditional UPDATEs so concurrent schedulers cannot double-apply
// them.
type Postgres struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgres creates a Postgres-backed job store.
func NewPostgres(db *sqlx.DB, logger *slog.Logger) *Postgres {
	return &Postgres{
		db:     db,
		logger: logger,
	}
}

func (s *Postgres) Create(ctx context.Context, job *domain.GenerationJob) error {
	query := `
		INSERT INTO generation_jobs (
			job_id, subject_id, title, status, progress,
			attempts, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := s.db.ExecContext(ctx, query,
		job.JobID,
		job.SubjectID,
		job.Title,
		job.Status,
		job.Progress,
		job.Attempts,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (s *Postgres) Get(ctx context.Context, jobID string) (*domain.GenerationJob, error) {
	query := `SELECT` + jobColumns + ` FROM generation_jobs WHERE job_id = $1`

	var job domain.GenerationJob
	if err := s.db.GetContext(ctx, &job, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

func (s *Postgres) List(ctx context.Context, filter Filter) ([]domain.GenerationJob, error) {
	query := `SELECT` + jobColumns + ` FROM generation_jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.SubjectID != "" {
		query += fmt.Sprintf(" AND subject_id = $%d", argIdx)
		args = append(args, filter.SubjectID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}
	query += " ORDER BY created_at DESC, job_id DESC"

	var jobs []domain.GenerationJob
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

func (s *Postgres) ListRunning(ctx context.Context, subjectID string) ([]domain.GenerationJob, error) {
	query := `SELECT` + jobColumns + `
		FROM generation_jobs
		WHERE subject_id = $1 AND status = $2
		ORDER BY updated_at ASC`

	var jobs []domain.GenerationJob
	if err := s.db.SelectContext(ctx, &jobs, query, subjectID, domain.JobStatusRunning); err != nil {
		return nil, fmt.Errorf("failed to list running jobs: %w", err)
	}
	return jobs, nil
}

func (s *Postgres) MarkRunning(ctx context.Context, jobID string, force bool) error {
	query := `
		UPDATE generation_jobs
		SET status = $1,
		    stage = $2,
		    progress = 0,
		    queue_position = NULL,
		    last_error = NULL,
		    updated_at = NOW()
		WHERE job_id = $3
	`
	args := []interface{}{domain.JobStatusRunning, domain.StageOutline, jobID}
	if !force {
		query += " AND status <> $4"
		args = append(args, domain.JobStatusRunning)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to mark job running: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		if _, getErr := s.Get(ctx, jobID); getErr != nil {
			return getErr
		}
		return domain.ErrJobNotClaimable
	}

	s.logger.Info("Job marked running",
		slog.String("job_id", jobID),
		slog.Bool("force", force),
	)
	return nil
}

func (s *Postgres) Enqueue(ctx context.Context, jobID string) (int, error) {
	query := `
		UPDATE generation_jobs
		SET status = $1,
		    queue_position = (
		        SELECT COALESCE(MAX(queue_position), 0) + 1
		        FROM generation_jobs q
		        WHERE q.subject_id = generation_jobs.subject_id
		          AND q.status = $1
		    ),
		    updated_at = NOW()
		WHERE job_id = $2
		RETURNING queue_position
	`

	var position int
	if err := s.db.QueryRowContext(ctx, query, domain.JobStatusQueued, jobID).Scan(&position); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, domain.ErrJobNotFound
		}
		return 0, fmt.Errorf("failed to enqueue job: %w", err)
	}

	s.logger.Info("Job enqueued",
		slog.String("job_id", jobID),
		slog.Int("position", position),
	)
	return position, nil
}

func (s *Postgres) PopNextQueued(ctx context.Context, subjectID string) (*domain.GenerationJob, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		UPDATE generation_jobs
		SET status = $1,
		    queue_position = NULL,
		    updated_at = NOW()
		WHERE job_id = (
		    SELECT job_id FROM generation_jobs
		    WHERE subject_id = $2 AND status = $3
		    ORDER BY queue_position ASC
		    LIMIT 1
		    FOR UPDATE SKIP LOCKED
		)
		RETURNING` + jobColumns

	var job domain.GenerationJob
	err = tx.QueryRowxContext(ctx, query, domain.JobStatusPending, subjectID, domain.JobStatusQueued).StructScan(&job)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrQueueEmpty
		}
		return nil, fmt.Errorf("failed to pop queued job: %w", err)
	}

	// Keep the remaining queue dense from position 1.
	renumber := `
		UPDATE generation_jobs
		SET queue_position = queue_position - 1
		WHERE subject_id = $1 AND status = $2
	`
	if _, err := tx.ExecContext(ctx, renumber, subjectID, domain.JobStatusQueued); err != nil {
		return nil, fmt.Errorf("failed to renumber queue: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit queue pop: %w", err)
	}
	return &job, nil
}

func (s *Postgres) Reclaim(ctx context.Context, jobID string, cutoff time.Time, toStatus, reason string) (bool, error) {
	query := `
		UPDATE generation_jobs
		SET status = $1,
		    progress = 0,
		    last_error = $2,
		    updated_at = NOW()
		WHERE job_id = $3
		  AND status = $4
		  AND updated_at < $5
	`

	result, err := s.db.ExecContext(ctx, query, toStatus, reason, jobID, domain.JobStatusRunning, cutoff)
	if err != nil {
		return false, fmt.Errorf("failed to reclaim job: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

func (s *Postgres) SetStage(ctx context.Context, jobID, stage string, progress int) error {
	query := `
		UPDATE generation_jobs
		SET stage = $1,
		    progress = GREATEST(progress, $2),
		    updated_at = NOW()
		WHERE job_id = $3
	`
	if _, err := s.db.ExecContext(ctx, query, stage, progress, jobID); err != nil {
		return fmt.Errorf("failed to set job stage: %w", err)
	}
	return nil
}

func (s *Postgres) SetProgress(ctx context.Context, jobID string, progress int) error {
	query := `
		UPDATE generation_jobs
		SET progress = GREATEST(progress, $1),
		    updated_at = NOW()
		WHERE job_id = $2
	`
	if _, err := s.db.ExecContext(ctx, query, progress, jobID); err != nil {
		return fmt.Errorf("failed to set job progress: %w", err)
	}
	return nil
}

func (s *Postgres) SavePayload(ctx context.Context, jobID string, payload []byte) error {
	query := `
		UPDATE generation_jobs
		SET payload = $1,
		    updated_at = NOW()
		WHERE job_id = $2
	`
	if _, err := s.db.ExecContext(ctx, query, payload, jobID); err != nil {
		return fmt.Errorf("failed to save job payload: %w", err)
	}
	return nil
}

func (s *Postgres) IncrementAttempts(ctx context.Context, jobID string) (int, error) {
	query := `
		UPDATE generation_jobs
		SET attempts = attempts + 1,
		    updated_at = NOW()
		WHERE job_id = $1
		RETURNING attempts
	`

	var attempts int
	if err := s.db.QueryRowContext(ctx, query, jobID).Scan(&attempts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, domain.ErrJobNotFound
		}
		return 0, fmt.Errorf("failed to increment attempts: %w", err)
	}
	return attempts, nil
}

func (s *Postgres) ResetAttempts(ctx context.Context, jobID string) error {
	query := `
		UPDATE generation_jobs
		SET attempts = 0,
		    updated_at = NOW()
		WHERE job_id = $1
	`
	if _, err := s.db.ExecContext(ctx, query, jobID); err != nil {
		return fmt.Errorf("failed to reset attempts: %w", err)
	}
	return nil
}

func (s *Postgres) MarkCompleted(ctx context.Context, jobID string, payload []byte) error {
	query := `
		UPDATE generation_jobs
		SET status = $1,
		    stage = NULL,
		    progress = 100,
		    payload = $2,
		    last_error = NULL,
		    updated_at = NOW()
		WHERE job_id = $3
	`
	if _, err := s.db.ExecContext(ctx, query, domain.JobStatusCompleted, payload, jobID); err != nil {
		return fmt.Errorf("failed to mark job completed: %w", err)
	}

	s.logger.Info("Job completed",
		slog.String("job_id", jobID),
	)
	return nil
}

func (s *Postgres) MarkFailed(ctx context.Context, jobID, reason string) error {
	query := `
		UPDATE generation_jobs
		SET status = $1,
		    stage = NULL,
		    progress = 0,
		    last_error = $2,
		    updated_at = NOW()
		WHERE job_id = $3
	`
	if _, err := s.db.ExecContext(ctx, query, domain.JobStatusFailed, reason, jobID); err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}

	s.logger.Warn("Job failed",
		slog.String("job_id", jobID),
		slog.String("reason", reason),
	)
	return nil
}

func (s *Postgres) MarkPendingRetry(ctx context.Context, jobID, reason string) error {
	query := `
		UPDATE generation_jobs
		SET status = $1,
		    stage = NULL,
		    progress = 0,
		    last_error = $2,
		    updated_at = NOW()
		WHERE job_id = $3
	`
	if _, err := s.db.ExecContext(ctx, query, domain.JobStatusPending, reason, jobID); err != nil {
		return fmt.Errorf("failed to mark job pending: %w", err)
	}
	return nil
}
