package worker

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/lexatlas/contentgen/internal/domain"
)

// jobDelivery pairs a decoded start message with the broker delivery it
// arrived on, so the processing goroutine can ack it when done.
type jobDelivery struct {
	msg      domain.StartMessage
	delivery amqp.Delivery
}

// dispatchLoop reads broker deliveries, validates them and hands them to
// the pool. Malformed messages are dropped with a nack and no requeue:
// the database row, not the message, is the source of truth, so the
// watchdog recovers any job whose message was lost.
func (w *Worker) dispatchLoop(ctx context.Context, deliveries <-chan amqp.Delivery) {
	w.logger.Info("Message dispatcher started",
		slog.String("worker_id", w.workerID),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ delivery channel closed")
				return
			}

			var msg domain.StartMessage
			if err := json.Unmarshal(delivery.Body, &msg); err != nil {
				w.logger.Error("Failed to parse start message",
					slog.String("error", err.Error()),
					slog.String("body", string(delivery.Body)),
				)
				w.nack(delivery, false)
				continue
			}

			if _, err := uuid.Parse(msg.JobID); err != nil {
				w.logger.Error("Start message carries invalid job_id",
					slog.String("job_id", msg.JobID),
					slog.String("error", err.Error()),
				)
				w.nack(delivery, false)
				continue
			}

			msg.DeliveryTag = delivery.DeliveryTag

			select {
			case w.jobsChan <- &jobDelivery{msg: msg, delivery: delivery}:
				w.logger.Debug("Job dispatched to worker pool",
					slog.String("job_id", msg.JobID),
					slog.Uint64("delivery_tag", delivery.DeliveryTag),
				)
			case <-ctx.Done():
				w.logger.Info("Message dispatcher stopped while dispatching job")
				// Requeue so another worker instance picks it up.
				w.nack(delivery, true)
				return
			}
		}
	}
}

func (w *Worker) nack(delivery amqp.Delivery, requeue bool) {
	if err := delivery.Nack(false, requeue); err != nil {
		w.logger.Error("Failed to NACK message",
			slog.Uint64("delivery_tag", delivery.DeliveryTag),
			slog.String("error", err.Error()),
		)
	}
}
