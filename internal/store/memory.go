package store

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/lexatlas/contentgen/internal/domain"
)

// Memory is a mutex-guarded in-memory Store. It backs the test suite and
// the local development profile; because every transition holds the lock,
// the concurrency cap is strict here rather than advisory.
type Memory struct {
	mu   sync.Mutex
	jobs map[string]*domain.GenerationJob

	// clock is swappable so tests can age jobs past the watchdog cutoff.
	clock func() time.Time
}

// NewMemory creates an empty in-memory job store.
func NewMemory() *Memory {
	return &Memory{
		jobs:  make(map[string]*domain.GenerationJob),
		clock: time.Now,
	}
}

// SetClock overrides the time source. Intended for tests.
func (s *Memory) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

// Touch rewrites a job's updated_at directly. Intended for tests that
// age a job past the watchdog cutoff.
func (s *Memory) Touch(jobID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[jobID]; ok {
		job.UpdatedAt = at
	}
}

func (s *Memory) Create(_ context.Context, job *domain.GenerationJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *job
	s.jobs[job.JobID] = &cp
	return nil
}

func (s *Memory) Get(_ context.Context, jobID string) (*domain.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *Memory) List(_ context.Context, filter Filter) ([]domain.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.GenerationJob
	for _, job := range s.jobs {
		if filter.SubjectID != "" && job.SubjectID != filter.SubjectID {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].JobID > out[j].JobID
	})
	return out, nil
}

func (s *Memory) ListRunning(_ context.Context, subjectID string) ([]domain.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.GenerationJob
	for _, job := range s.jobs {
		if job.SubjectID == subjectID && job.Status == domain.JobStatusRunning {
			out = append(out, *job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (s *Memory) MarkRunning(_ context.Context, jobID string, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.Status == domain.JobStatusRunning && !force {
		return domain.ErrJobNotClaimable
	}

	job.Status = domain.JobStatusRunning
	job.Stage = sql.NullString{String: domain.StageOutline, Valid: true}
	job.Progress = 0
	job.QueuePosition = sql.NullInt64{}
	job.LastError = sql.NullString{}
	job.UpdatedAt = s.clock()
	return nil
}

func (s *Memory) Enqueue(_ context.Context, jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return 0, domain.ErrJobNotFound
	}

	maxPos := int64(0)
	for _, other := range s.jobs {
		if other.SubjectID == job.SubjectID &&
			other.Status == domain.JobStatusQueued &&
			other.QueuePosition.Valid &&
			other.QueuePosition.Int64 > maxPos {
			maxPos = other.QueuePosition.Int64
		}
	}

	job.Status = domain.JobStatusQueued
	job.QueuePosition = sql.NullInt64{Int64: maxPos + 1, Valid: true}
	job.UpdatedAt = s.clock()
	return int(maxPos + 1), nil
}

func (s *Memory) PopNextQueued(_ context.Context, subjectID string) (*domain.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next *domain.GenerationJob
	for _, job := range s.jobs {
		if job.SubjectID != subjectID || job.Status != domain.JobStatusQueued || !job.QueuePosition.Valid {
			continue
		}
		if next == nil || job.QueuePosition.Int64 < next.QueuePosition.Int64 {
			next = job
		}
	}
	if next == nil {
		return nil, domain.ErrQueueEmpty
	}

	next.Status = domain.JobStatusPending
	next.QueuePosition = sql.NullInt64{}
	next.UpdatedAt = s.clock()

	// Keep remaining positions dense from 1.
	for _, job := range s.jobs {
		if job.SubjectID == subjectID && job.Status == domain.JobStatusQueued && job.QueuePosition.Valid {
			job.QueuePosition.Int64--
		}
	}

	cp := *next
	return &cp, nil
}

func (s *Memory) Reclaim(_ context.Context, jobID string, cutoff time.Time, toStatus, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return false, domain.ErrJobNotFound
	}
	if job.Status != domain.JobStatusRunning || !job.UpdatedAt.Before(cutoff) {
		return false, nil
	}

	job.Status = toStatus
	job.Progress = 0
	job.LastError = sql.NullString{String: reason, Valid: true}
	job.UpdatedAt = s.clock()
	return true, nil
}

func (s *Memory) SetStage(_ context.Context, jobID, stage string, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	job.Stage = sql.NullString{String: stage, Valid: true}
	if progress > job.Progress {
		job.Progress = progress
	}
	job.UpdatedAt = s.clock()
	return nil
}

func (s *Memory) SetProgress(_ context.Context, jobID string, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if progress > job.Progress {
		job.Progress = progress
	}
	job.UpdatedAt = s.clock()
	return nil
}

func (s *Memory) SavePayload(_ context.Context, jobID string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	job.Payload = append([]byte(nil), payload...)
	job.UpdatedAt = s.clock()
	return nil
}

func (s *Memory) IncrementAttempts(_ context.Context, jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return 0, domain.ErrJobNotFound
	}
	job.Attempts++
	job.UpdatedAt = s.clock()
	return job.Attempts, nil
}

func (s *Memory) ResetAttempts(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	job.Attempts = 0
	job.UpdatedAt = s.clock()
	return nil
}

func (s *Memory) MarkCompleted(_ context.Context, jobID string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	job.Status = domain.JobStatusCompleted
	job.Stage = sql.NullString{}
	job.Progress = 100
	job.Payload = append([]byte(nil), payload...)
	job.LastError = sql.NullString{}
	job.UpdatedAt = s.clock()
	return nil
}

func (s *Memory) MarkFailed(_ context.Context, jobID, reason string) error {
	return s.markTerminal(jobID, domain.JobStatusFailed, reason)
}

func (s *Memory) MarkPendingRetry(_ context.Context, jobID, reason string) error {
	return s.markTerminal(jobID, domain.JobStatusPending, reason)
}

func (s *Memory) markTerminal(jobID, status, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	job.Status = status
	job.Stage = sql.NullString{}
	job.Progress = 0
	job.LastError = sql.NullString{String: reason, Valid: true}
	job.UpdatedAt = s.clock()
	return nil
}
