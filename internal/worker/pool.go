package worker

import (
	"context"
	"fmt"
	"log/slog"
)

// spawnPool starts the processing goroutines.
func (w *Worker) spawnPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop runs the pipeline for each dispatched job. The pipeline
// records every outcome, success, retry or failure, in the job row, so
// the message is always acked once processing returns; redelivering it
// could only double-run a job the watchdog already covers.
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Info("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Worker goroutine stopping",
				slog.String("worker_name", workerName),
			)
			return

		case <-ctx.Done():
			w.logger.Info("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return

		case jd, ok := <-w.jobsChan:
			if !ok {
				return
			}

			w.logger.Info("Worker received job",
				slog.String("worker_name", workerName),
				slog.String("job_id", jd.msg.JobID),
				slog.Uint64("delivery_tag", jd.msg.DeliveryTag),
			)

			w.builder.Run(ctx, jd.msg.JobID)

			if err := jd.delivery.Ack(false); err != nil {
				w.logger.Error("Failed to ACK message",
					slog.String("worker_name", workerName),
					slog.String("job_id", jd.msg.JobID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
