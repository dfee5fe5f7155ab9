package dto

import "encoding/json"

type CreateTopicRequest struct {
	SubjectID string `json:"subject_id" binding:"required"`
	Title     string `json:"title" binding:"required"`
}

// GenerateTopicRequest is the optional body of the generate endpoint.
// Force restarts a job regardless of its current state.
type GenerateTopicRequest struct {
	Force bool `json:"force"`
}

type GenerateTopicResponse struct {
	JobID    string `json:"job_id"`
	Status   string `json:"status"`
	Position int    `json:"position,omitempty"`
}

type ListTopicsRequest struct {
	SubjectID string `form:"subject_id"`
	Status    string `form:"status"`
}

type ListTopicsResponse struct {
	Topics []TopicDTO `json:"topics"`
}

type TopicDTO struct {
	JobID         string          `json:"job_id"`
	SubjectID     string          `json:"subject_id"`
	Title         string          `json:"title"`
	Status        string          `json:"status"`
	Stage         string          `json:"stage,omitempty"`
	Progress      int             `json:"progress"`
	QueuePosition *int            `json:"queue_position,omitempty"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"last_error,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CreatedAt     string          `json:"created_at"`
	UpdatedAt     string          `json:"updated_at"`
}
