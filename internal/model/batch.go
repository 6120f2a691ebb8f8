package model

import "time"

// ValidationError describes a roster or link row that was excluded before processing
type ValidationError struct {
	Table    string `json:"table"`
	Line     int    `json:"line,omitempty"`
	Field    string `json:"field,omitempty"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Identity string `json:"identity,omitempty"`
}

// Validation error codes
const (
	ValidationMissingColumn        = "missing_column"
	ValidationMissingField         = "missing_field"
	ValidationMalformedPhone       = "malformed_phone"
	ValidationMalformedCountryCode = "malformed_country_code"
	ValidationMalformedLink        = "malformed_link"
	ValidationDuplicateRecord      = "duplicate_record"
	ValidationDuplicateBatchLink   = "duplicate_batch_link"
	ValidationUnknownBatch         = "unknown_batch"
	ValidationUnknownTemple        = "unknown_temple"
	ValidationInvalidTemplate      = "invalid_template"
	ValidationDuplicateTemplate    = "duplicate_template"
	ValidationUnknownPlaceholder   = "unknown_placeholder"
)

// FailureEntry is one failed record in a batch report
type FailureEntry struct {
	RecordIdentity string `json:"recordIdentity"`
	FailureStage   Stage  `json:"failureStage"`
	FailureCode    string `json:"failureCode"`
	Reason         string `json:"reason"`
}

// RecordResult pairs a work item with its outcome for the report
type RecordResult struct {
	WorkItemID     string        `json:"workItemId"`
	RecordIdentity string        `json:"recordIdentity"`
	Name           string        `json:"name"`
	Outcome        RecordOutcome `json:"outcome"`
}

// BatchReport is the aggregate result of a batch run
type BatchReport struct {
	BatchID    string               `json:"batchId"`
	Status     BatchStatus          `json:"status"`
	Total      int                  `json:"total"`
	Excluded   int                  `json:"excluded"`
	Counts     map[RecordStatus]int `json:"counts"`
	Failures   []FailureEntry       `json:"failures"`
	Records    []RecordResult       `json:"records"`
	Preflight  []ValidationError    `json:"preflight,omitempty"`
	Error      string               `json:"error,omitempty"`
	StartedAt  *time.Time           `json:"startedAt,omitempty"`
	FinishedAt *time.Time           `json:"finishedAt,omitempty"`
}

// CountSum returns the sum of the per-status counts
func (r *BatchReport) CountSum() int {
	sum := 0
	for _, n := range r.Counts {
		sum += n
	}
	return sum
}

// StepProgress is the display state of one operator-facing step
type StepProgress struct {
	ID       StepID     `json:"id"`
	Title    string     `json:"title"`
	Status   StepStatus `json:"status"`
	Progress int        `json:"progress"`
	Details  string     `json:"details,omitempty"`
}

// ProgressSnapshot is derived from the live record outcomes on demand
type ProgressSnapshot struct {
	BatchID string      `json:"batchId"`
	Status  BatchStatus `json:"status"`
	// CurrentStep is the first step that has not completed, or the last
	// step once all have
	CurrentStep StepID         `json:"currentStep"`
	Steps       []StepProgress `json:"steps"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// Step returns the step with the given id, or false
func (s ProgressSnapshot) Step(id StepID) (StepProgress, bool) {
	for _, step := range s.Steps {
		if step.ID == id {
			return step, true
		}
	}
	return StepProgress{}, false
}

// BatchStartResponse is returned when a batch has been accepted
type BatchStartResponse struct {
	BatchID   string            `json:"batchId"`
	Status    BatchStatus       `json:"status"`
	WorkItems int               `json:"workItems"`
	Excluded  int               `json:"excluded"`
	Preflight []ValidationError `json:"preflight,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// BatchCancelResponse is returned when a cancel request was accepted
type BatchCancelResponse struct {
	Success bool        `json:"success"`
	BatchID string      `json:"batchId"`
	Status  BatchStatus `json:"status"`
}
