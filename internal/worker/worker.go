// Package worker consumes start messages from the broker and runs the
// generation pipeline with bounded concurrency. Job state lives in the
// database; the broker only signals that a RUNNING job needs a worker.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lexatlas/contentgen/internal/pipeline"
	"github.com/lexatlas/contentgen/internal/scheduler"
	"github.com/lexatlas/contentgen/shared/rabbitmq"
)

// Config holds worker configuration
type Config struct {
	Logger        *slog.Logger
	RabbitClient  *rabbitmq.Client
	Builder       *pipeline.Builder
	Scheduler     *scheduler.Scheduler
	Concurrency   int
	SweepInterval time.Duration
}

// Worker represents the generation worker service
type Worker struct {
	logger        *slog.Logger
	rabbitClient  *rabbitmq.Client
	builder       *pipeline.Builder
	scheduler     *scheduler.Scheduler
	concurrency   int
	sweepInterval time.Duration
	workerID      string

	jobsChan chan *jobDelivery
	wg       sync.WaitGroup
	stopChan chan struct{}
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	return &Worker{
		logger:        cfg.Logger,
		rabbitClient:  cfg.RabbitClient,
		builder:       cfg.Builder,
		scheduler:     cfg.Scheduler,
		concurrency:   cfg.Concurrency,
		sweepInterval: cfg.SweepInterval,
		workerID:      fmt.Sprintf("contentgen-worker-%s", uuid.New().String()[:8]),
		jobsChan:      make(chan *jobDelivery),
		stopChan:      make(chan struct{}),
	}
}

// Start begins consuming start messages and runs until the context is
// canceled. The stale-job sweep runs alongside consumption so abandoned
// RUNNING jobs are reclaimed even when no new requests come in.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("sweep_interval", w.sweepInterval),
	)

	deliveries, err := w.rabbitClient.Consume(w.workerID)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	w.spawnPool(ctx)

	w.wg.Add(1)
	go w.sweepLoop(ctx)

	w.dispatchLoop(ctx, deliveries)
	return nil
}

// Stop gracefully stops the worker
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...", slog.String("worker_id", w.workerID))
	close(w.stopChan)
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}

// sweepLoop periodically reclaims stale RUNNING jobs and drains any
// queues their slots were blocking.
func (w *Worker) sweepLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			if err := w.scheduler.SweepStale(ctx); err != nil {
				w.logger.Error("Stale job sweep failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
