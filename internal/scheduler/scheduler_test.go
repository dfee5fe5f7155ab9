package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexatlas/contentgen/internal/domain"
	"github.com/lexatlas/contentgen/internal/store"
)

type fakeDispatcher struct {
	dispatched []string
	err        error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, jobID string) error {
	if d.err != nil {
		return d.err
	}
	d.dispatched = append(d.dispatched, jobID)
	return nil
}

func testConfig() Config {
	return Config{
		MaxConcurrentPerSubject: 2,
		MaxAttempts:             3,
		WatchdogTimeout:         10 * time.Minute,
		MinTotalUnits:           2,
	}
}

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *store.Memory, *fakeDispatcher) {
	t.Helper()
	mem := store.NewMemory()
	dispatcher := &fakeDispatcher{}
	sched := New(cfg, mem, dispatcher, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return sched, mem, dispatcher
}

func createJob(t *testing.T, mem *store.Memory, jobID, subjectID string) {
	t.Helper()
	now := time.Now()
	err := mem.Create(context.Background(), &domain.GenerationJob{
		JobID:     jobID,
		SubjectID: subjectID,
		Title:     "Offer and Acceptance",
		Status:    domain.JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	})
	require.NoError(t, err)
}

func TestRequestGeneration_StartsUnderCap(t *testing.T) {
	sched, mem, dispatcher := newTestScheduler(t, testConfig())
	ctx := context.Background()

	createJob(t, mem, "job-1", "contracts")
	createJob(t, mem, "job-2", "contracts")

	for _, jobID := range []string{"job-1", "job-2"} {
		decision, err := sched.RequestGeneration(ctx, jobID, false)
		require.NoError(t, err)
		assert.Equal(t, DecisionStarted, decision.Status)
	}

	assert.Equal(t, []string{"job-1", "job-2"}, dispatcher.dispatched)

	running, err := mem.ListRunning(ctx, "contracts")
	require.NoError(t, err)
	assert.Len(t, running, 2)
}

func TestRequestGeneration_QueuesOverCap(t *testing.T) {
	sched, mem, _ := newTestScheduler(t, testConfig())
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		createJob(t, mem, fmt.Sprintf("job-%d", i), "contracts")
	}

	for i := 1; i <= 2; i++ {
		decision, err := sched.RequestGeneration(ctx, fmt.Sprintf("job-%d", i), false)
		require.NoError(t, err)
		assert.Equal(t, DecisionStarted, decision.Status)
	}

	// Third and fourth exceed the cap and take queue positions 1 and 2.
	for i := 3; i <= 4; i++ {
		decision, err := sched.RequestGeneration(ctx, fmt.Sprintf("job-%d", i), false)
		require.NoError(t, err)
		assert.Equal(t, DecisionQueued, decision.Status)
		assert.Equal(t, i-2, decision.Position)
	}
}

func TestRequestGeneration_IndependentSubjects(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentPerSubject = 1
	sched, mem, _ := newTestScheduler(t, cfg)
	ctx := context.Background()

	createJob(t, mem, "contracts-1", "contracts")
	createJob(t, mem, "contracts-2", "contracts")
	createJob(t, mem, "torts-1", "torts")

	decision, err := sched.RequestGeneration(ctx, "contracts-1", false)
	require.NoError(t, err)
	assert.Equal(t, DecisionStarted, decision.Status)

	decision, err = sched.RequestGeneration(ctx, "contracts-2", false)
	require.NoError(t, err)
	assert.Equal(t, DecisionQueued, decision.Status)

	// A saturated contracts queue never blocks torts.
	decision, err = sched.RequestGeneration(ctx, "torts-1", false)
	require.NoError(t, err)
	assert.Equal(t, DecisionStarted, decision.Status)
}

func TestRequestGeneration_IdempotentWhileRunning(t *testing.T) {
	sched, mem, dispatcher := newTestScheduler(t, testConfig())
	ctx := context.Background()

	createJob(t, mem, "job-1", "contracts")

	_, err := sched.RequestGeneration(ctx, "job-1", false)
	require.NoError(t, err)

	decision, err := sched.RequestGeneration(ctx, "job-1", false)
	require.NoError(t, err)
	assert.Equal(t, DecisionStarted, decision.Status)

	// No second dispatch for the duplicate request.
	assert.Equal(t, []string{"job-1"}, dispatcher.dispatched)
}

func TestRequestGeneration_QueuedKeepsPosition(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentPerSubject = 1
	sched, mem, _ := newTestScheduler(t, cfg)
	ctx := context.Background()

	createJob(t, mem, "job-1", "contracts")
	createJob(t, mem, "job-2", "contracts")

	_, err := sched.RequestGeneration(ctx, "job-1", false)
	require.NoError(t, err)

	first, err := sched.RequestGeneration(ctx, "job-2", false)
	require.NoError(t, err)
	require.Equal(t, DecisionQueued, first.Status)

	second, err := sched.RequestGeneration(ctx, "job-2", false)
	require.NoError(t, err)
	assert.Equal(t, DecisionQueued, second.Status)
	assert.Equal(t, first.Position, second.Position)
}

func TestRequestGeneration_CompletedJob(t *testing.T) {
	sched, mem, dispatcher := newTestScheduler(t, testConfig())
	ctx := context.Background()

	completePayload := []byte(`{"sections":[{"title":"Basics","units":[` +
		`{"kind":"intro","body":"a"},{"kind":"summary","body":"b"}]}]}`)

	t.Run("complete payload is a no-op", func(t *testing.T) {
		createJob(t, mem, "done-1", "contracts")
		require.NoError(t, mem.MarkCompleted(ctx, "done-1", completePayload))

		decision, err := sched.RequestGeneration(ctx, "done-1", false)
		require.NoError(t, err)
		assert.Equal(t, DecisionCompleted, decision.Status)
		assert.Empty(t, dispatcher.dispatched)

		job, err := mem.Get(ctx, "done-1")
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusCompleted, job.Status)
	})

	t.Run("incomplete payload restarts", func(t *testing.T) {
		createJob(t, mem, "done-2", "contracts")
		require.NoError(t, mem.MarkCompleted(ctx, "done-2", []byte(`{"sections":[]}`)))

		decision, err := sched.RequestGeneration(ctx, "done-2", false)
		require.NoError(t, err)
		assert.Equal(t, DecisionStarted, decision.Status)
		assert.Contains(t, dispatcher.dispatched, "done-2")

		job, err := mem.Get(ctx, "done-2")
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusRunning, job.Status)
	})
}

func TestRequestGeneration_FailedJobNeedsForce(t *testing.T) {
	sched, mem, dispatcher := newTestScheduler(t, testConfig())
	ctx := context.Background()

	createJob(t, mem, "job-1", "contracts")
	for i := 0; i < 3; i++ {
		_, err := mem.IncrementAttempts(ctx, "job-1")
		require.NoError(t, err)
	}
	require.NoError(t, mem.MarkFailed(ctx, "job-1", "outline exploded"))

	// Without force the job stays failed and the spent attempt budget is
	// left alone.
	decision, err := sched.RequestGeneration(ctx, "job-1", false)
	require.NoError(t, err)
	assert.Equal(t, DecisionFailed, decision.Status)
	assert.Empty(t, dispatcher.dispatched)

	job, err := mem.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Equal(t, 3, job.Attempts)

	// Force revives it with fresh attempt accounting.
	decision, err = sched.RequestGeneration(ctx, "job-1", true)
	require.NoError(t, err)
	assert.Equal(t, DecisionStarted, decision.Status)

	job, err = mem.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, job.Status)
	assert.Equal(t, 0, job.Attempts)
}

func TestRequestGeneration_ForceRestart(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentPerSubject = 1
	sched, mem, dispatcher := newTestScheduler(t, cfg)
	ctx := context.Background()

	createJob(t, mem, "job-1", "contracts")
	createJob(t, mem, "job-2", "contracts")

	_, err := sched.RequestGeneration(ctx, "job-1", false)
	require.NoError(t, err)

	// Burn attempts on job-2 so force can be seen resetting them.
	for i := 0; i < 2; i++ {
		_, err = mem.IncrementAttempts(ctx, "job-2")
		require.NoError(t, err)
	}

	// Force ignores the saturated cap and starts immediately.
	decision, err := sched.RequestGeneration(ctx, "job-2", true)
	require.NoError(t, err)
	assert.Equal(t, DecisionStarted, decision.Status)
	assert.Equal(t, []string{"job-1", "job-2"}, dispatcher.dispatched)

	job, err := mem.Get(ctx, "job-2")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, job.Status)
	assert.Equal(t, 0, job.Attempts)
	assert.Equal(t, 0, job.Progress)
}

func TestOnJobFinished_DrainsFIFO(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentPerSubject = 1
	sched, mem, dispatcher := newTestScheduler(t, cfg)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		createJob(t, mem, fmt.Sprintf("job-%d", i), "contracts")
		_, err := sched.RequestGeneration(ctx, fmt.Sprintf("job-%d", i), false)
		require.NoError(t, err)
	}
	require.Equal(t, []string{"job-1"}, dispatcher.dispatched)

	// Finishing the running job promotes the earliest queued one, and the
	// job behind it moves up to position 1.
	require.NoError(t, mem.MarkCompleted(ctx, "job-1", nil))
	require.NoError(t, sched.OnJobFinished(ctx, "contracts"))
	assert.Equal(t, []string{"job-1", "job-2"}, dispatcher.dispatched)

	job3, err := mem.Get(ctx, "job-3")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, job3.Status)
	assert.Equal(t, int64(1), job3.QueuePosition.Int64)

	require.NoError(t, mem.MarkCompleted(ctx, "job-2", nil))
	require.NoError(t, sched.OnJobFinished(ctx, "contracts"))
	assert.Equal(t, []string{"job-1", "job-2", "job-3"}, dispatcher.dispatched)
}

func TestOnJobFinished_EmptyQueue(t *testing.T) {
	sched, _, dispatcher := newTestScheduler(t, testConfig())

	require.NoError(t, sched.OnJobFinished(context.Background(), "contracts"))
	assert.Empty(t, dispatcher.dispatched)
}

func TestWatchdog_ReclaimsStaleJob(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentPerSubject = 1
	sched, mem, dispatcher := newTestScheduler(t, cfg)
	ctx := context.Background()

	createJob(t, mem, "stale", "contracts")
	createJob(t, mem, "fresh", "contracts")

	_, err := sched.RequestGeneration(ctx, "stale", false)
	require.NoError(t, err)

	// Age the running job past the watchdog cutoff, as if its worker died.
	mem.Touch("stale", time.Now().Add(-cfg.WatchdogTimeout-time.Minute))

	decision, err := sched.RequestGeneration(ctx, "fresh", false)
	require.NoError(t, err)
	assert.Equal(t, DecisionStarted, decision.Status)
	assert.Equal(t, []string{"stale", "fresh"}, dispatcher.dispatched)

	reclaimed, err := mem.Get(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, reclaimed.Status)
	assert.Contains(t, reclaimed.LastError.String, "reclaimed by watchdog")
}

func TestWatchdog_FailsJobAtAttemptCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentPerSubject = 1
	cfg.MaxAttempts = 1
	sched, mem, _ := newTestScheduler(t, cfg)
	ctx := context.Background()

	createJob(t, mem, "stale", "contracts")
	createJob(t, mem, "fresh", "contracts")

	_, err := sched.RequestGeneration(ctx, "stale", false)
	require.NoError(t, err)
	_, err = mem.IncrementAttempts(ctx, "stale")
	require.NoError(t, err)

	mem.Touch("stale", time.Now().Add(-cfg.WatchdogTimeout-time.Minute))

	_, err = sched.RequestGeneration(ctx, "fresh", false)
	require.NoError(t, err)

	reclaimed, err := mem.Get(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, reclaimed.Status)
}

func TestWatchdog_ReclaimsRequestingJob(t *testing.T) {
	// A stale RUNNING job re-requested by a user is reclaimed and then
	// restarted in the same call instead of being treated as a no-op.
	cfg := testConfig()
	cfg.MaxConcurrentPerSubject = 1
	sched, mem, dispatcher := newTestScheduler(t, cfg)
	ctx := context.Background()

	createJob(t, mem, "stale", "contracts")
	_, err := sched.RequestGeneration(ctx, "stale", false)
	require.NoError(t, err)

	mem.Touch("stale", time.Now().Add(-cfg.WatchdogTimeout-time.Minute))

	decision, err := sched.RequestGeneration(ctx, "stale", false)
	require.NoError(t, err)
	assert.Equal(t, DecisionStarted, decision.Status)
	assert.Equal(t, []string{"stale", "stale"}, dispatcher.dispatched)
}

func TestSweepStale_DrainsBlockedQueue(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentPerSubject = 1
	sched, mem, dispatcher := newTestScheduler(t, cfg)
	ctx := context.Background()

	createJob(t, mem, "stale", "contracts")
	createJob(t, mem, "waiting", "contracts")

	_, err := sched.RequestGeneration(ctx, "stale", false)
	require.NoError(t, err)
	decision, err := sched.RequestGeneration(ctx, "waiting", false)
	require.NoError(t, err)
	require.Equal(t, DecisionQueued, decision.Status)

	mem.Touch("stale", time.Now().Add(-cfg.WatchdogTimeout-time.Minute))

	require.NoError(t, sched.SweepStale(ctx))

	// The reclaimed slot went to the waiting job; the reclaimed job
	// re-entered the queue behind it.
	waiting, err := mem.Get(ctx, "waiting")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, waiting.Status)
	assert.Equal(t, []string{"stale", "waiting"}, dispatcher.dispatched)

	stale, err := mem.Get(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, stale.Status)
	assert.Equal(t, int64(1), stale.QueuePosition.Int64)
}

func TestSweepStale_RestartsReclaimedJob(t *testing.T) {
	cfg := testConfig()
	sched, mem, dispatcher := newTestScheduler(t, cfg)
	ctx := context.Background()

	createJob(t, mem, "stale", "contracts")
	_, err := sched.RequestGeneration(ctx, "stale", false)
	require.NoError(t, err)

	mem.Touch("stale", time.Now().Add(-cfg.WatchdogTimeout-time.Minute))

	require.NoError(t, sched.SweepStale(ctx))

	// With capacity free and attempts left, the reclaimed job restarts
	// without anyone asking for it again.
	job, err := mem.Get(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, job.Status)
	assert.Equal(t, []string{"stale", "stale"}, dispatcher.dispatched)
}

func TestSweepStale_LeavesFreshJobsAlone(t *testing.T) {
	sched, mem, _ := newTestScheduler(t, testConfig())
	ctx := context.Background()

	createJob(t, mem, "fresh", "contracts")
	_, err := sched.RequestGeneration(ctx, "fresh", false)
	require.NoError(t, err)

	require.NoError(t, sched.SweepStale(ctx))

	job, err := mem.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, job.Status)
}

func TestRequestGeneration_UnknownJob(t *testing.T) {
	sched, _, _ := newTestScheduler(t, testConfig())

	_, err := sched.RequestGeneration(context.Background(), "missing", false)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestRequestGeneration_DispatchFailure(t *testing.T) {
	sched, mem, dispatcher := newTestScheduler(t, testConfig())
	dispatcher.err = errors.New("broker unavailable")
	ctx := context.Background()

	createJob(t, mem, "job-1", "contracts")

	_, err := sched.RequestGeneration(ctx, "job-1", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker unavailable")

	// The row stays RUNNING; the watchdog owns recovery from here.
	job, err := mem.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, job.Status)
}
