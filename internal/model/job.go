package model

import "time"

// BatchJob is the stored record of a submitted batch
type BatchJob struct {
	ID          string            `json:"id"`
	Status      BatchStatus       `json:"status"`
	SubmittedBy string            `json:"submittedBy,omitempty"`
	WorkItems   int               `json:"workItems"`
	Excluded    int               `json:"excluded"`
	Summary     string            `json:"summary"`
	Preflight   []ValidationError `json:"preflight,omitempty"`
	Error       *string           `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	StartedAt   *time.Time        `json:"startedAt,omitempty"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
}

// BatchJobPayload is the task payload handed to the queue worker
type BatchJobPayload struct {
	BatchID string `json:"batchId"`
}
