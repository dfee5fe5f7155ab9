package handler

import (
	"context"
	"log/slog"

	"github.com/lexatlas/contentgen/internal/scheduler"
	"github.com/lexatlas/contentgen/internal/store"
)

// GenerationScheduler is the admission surface the API exposes. The
// production implementation is *scheduler.Scheduler.
type GenerationScheduler interface {
	RequestGeneration(ctx context.Context, jobID string, force bool) (scheduler.Decision, error)
}

// HealthChecker reports whether a backing dependency is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	Store     store.Store
	Scheduler GenerationScheduler
	DBHealth  HealthChecker
}

// TopicHandler handles topic generation HTTP requests
type TopicHandler struct {
	logger    *slog.Logger
	store     store.Store
	scheduler GenerationScheduler
}

// NewTopicHandler creates a new TopicHandler instance
func NewTopicHandler(deps *Dependencies) *TopicHandler {
	return &TopicHandler{
		logger:    deps.Logger,
		store:     deps.Store,
		scheduler: deps.Scheduler,
	}
}
