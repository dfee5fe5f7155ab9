package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/lexatlas/contentgen/internal/api/dto"
	"github.com/lexatlas/contentgen/internal/domain"
	"github.com/lexatlas/contentgen/internal/store"
)

// CreateTopic handles POST /api/v1/topics
// Registers a topic for generation; the job starts in PENDING and is
// only picked up once generation is requested.
func (h *TopicHandler) CreateTopic(c *gin.Context) {
	var req dto.CreateTopicRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "subject_id and title are required",
		})
		return
	}

	now := time.Now()
	job := domain.GenerationJob{
		JobID:     uuid.New().String(),
		SubjectID: req.SubjectID,
		Title:     req.Title,
		Status:    domain.JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := h.store.Create(c.Request.Context(), &job); err != nil {
		h.logger.Error("Failed to create topic job",
			slog.String("subject_id", req.SubjectID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create topic",
		})
		return
	}

	h.logger.Info("Topic created",
		slog.String("job_id", job.JobID),
		slog.String("subject_id", job.SubjectID),
		slog.String("title", job.Title),
	)

	c.JSON(http.StatusCreated, toTopicDTO(&job, false))
}

// GenerateTopic handles POST /api/v1/topics/:job_id/generate
// Runs the admission decision synchronously: the job either starts now
// or is queued behind its subject's running jobs. The response reports
// which outcome the caller got.
func (h *TopicHandler) GenerateTopic(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	// The body is optional; absence means force=false.
	var req dto.GenerateTopicRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}
	}

	decision, err := h.scheduler.RequestGeneration(c.Request.Context(), jobID, req.Force)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Topic not found",
			})
			return
		}
		h.logger.Error("Generation request failed",
			slog.String("job_id", jobID),
			slog.Bool("force", req.Force),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to request generation",
		})
		return
	}

	c.JSON(http.StatusOK, dto.GenerateTopicResponse{
		JobID:    jobID,
		Status:   decision.Status,
		Position: decision.Position,
	})
}

// GetTopic handles GET /api/v1/topics/:job_id
// Returns the job state including stage, progress and, for completed
// jobs, the generated payload.
func (h *TopicHandler) GetTopic(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.store.Get(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Topic not found",
			})
			return
		}
		h.logger.Error("Failed to get topic",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get topic",
		})
		return
	}

	c.JSON(http.StatusOK, toTopicDTO(job, true))
}

// ListTopics handles GET /api/v1/topics
// Lists topic jobs, optionally filtered by subject and status. Payloads
// are omitted to keep list responses small.
func (h *TopicHandler) ListTopics(c *gin.Context) {
	var req dto.ListTopicsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	jobs, err := h.store.List(c.Request.Context(), store.Filter{
		SubjectID: req.SubjectID,
		Status:    req.Status,
	})
	if err != nil {
		h.logger.Error("Failed to list topics", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list topics",
		})
		return
	}

	topics := make([]dto.TopicDTO, len(jobs))
	for i := range jobs {
		topics[i] = toTopicDTO(&jobs[i], false)
	}

	c.JSON(http.StatusOK, dto.ListTopicsResponse{Topics: topics})
}

func toTopicDTO(job *domain.GenerationJob, includePayload bool) dto.TopicDTO {
	out := dto.TopicDTO{
		JobID:     job.JobID,
		SubjectID: job.SubjectID,
		Title:     job.Title,
		Status:    job.Status,
		Progress:  job.Progress,
		Attempts:  job.Attempts,
		CreatedAt: job.CreatedAt.Format(time.RFC3339),
		UpdatedAt: job.UpdatedAt.Format(time.RFC3339),
	}
	if job.Stage.Valid {
		out.Stage = job.Stage.String
	}
	if job.QueuePosition.Valid {
		pos := int(job.QueuePosition.Int64)
		out.QueuePosition = &pos
	}
	if job.LastError.Valid {
		out.LastError = job.LastError.String
	}
	if includePayload && len(job.Payload) > 0 {
		out.Payload = job.Payload
	}
	return out
}
