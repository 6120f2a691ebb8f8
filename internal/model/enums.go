package model

// Stage is the position of a work item in the per-record pipeline
type Stage string

const (
	StageJoined            Stage = "joined"
	StageTransferringVideo Stage = "transferring_video"
	StageTransferComplete  Stage = "transfer_complete"
	StageResolvingTemplate Stage = "resolving_template"
	StageNotifying         Stage = "notifying"
	StageSent              Stage = "sent"
	StageFailed            Stage = "failed"
)

// RecordStatus is the coarse status of a single work item
type RecordStatus string

const (
	RecordStatusPending    RecordStatus = "pending"
	RecordStatusInProgress RecordStatus = "in_progress"
	RecordStatusSucceeded  RecordStatus = "succeeded"
	RecordStatusFailed     RecordStatus = "failed"
)

// AllRecordStatuses lists every record status in report order
var AllRecordStatuses = []RecordStatus{
	RecordStatusPending, RecordStatusInProgress, RecordStatusSucceeded, RecordStatusFailed,
}

// IsTerminal reports whether no further work will happen for the record
func (s RecordStatus) IsTerminal() bool {
	return s == RecordStatusSucceeded || s == RecordStatusFailed
}

// BatchStatus is the lifecycle state of a whole batch
type BatchStatus string

const (
	BatchStatusQueued    BatchStatus = "queued"
	BatchStatusRunning   BatchStatus = "running"
	BatchStatusCompleted BatchStatus = "completed"
	BatchStatusCancelled BatchStatus = "cancelled"
	BatchStatusFailed    BatchStatus = "failed"

	// Only returned to a cancel request while in-flight records drain
	BatchStatusCancelling BatchStatus = "cancelling"
)

// IsFinished reports whether the batch reached a terminal state
func (s BatchStatus) IsFinished() bool {
	return s == BatchStatusCompleted || s == BatchStatusCancelled || s == BatchStatusFailed
}

// StepID identifies one of the operator-facing pipeline steps
type StepID string

const (
	StepParse    StepID = "parse"
	StepDownload StepID = "download"
	StepUpload   StepID = "upload"
	StepMap      StepID = "map"
	StepWhatsApp StepID = "whatsapp"
)

// StepStatus is the display status of an operator-facing step
type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusProcessing StepStatus = "processing"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusError      StepStatus = "error"
)

// Failure codes reported for records. Provider codes mirror client errors.
const (
	FailureCodeSourceUnreachable    = "SourceUnreachable"
	FailureCodeSourceInvalidFormat  = "SourceInvalidFormat"
	FailureCodeHostingQuotaExceeded = "HostingQuotaExceeded"
	FailureCodeHostingRejected      = "HostingRejected"
	FailureCodeHostingUnavailable   = "HostingUnavailable"
	FailureCodeRecipientInvalid     = "RecipientInvalid"
	FailureCodeTemplateRejected     = "TemplateRejectedByProvider"
	FailureCodeProviderRateLimited  = "ProviderRateLimited"
	FailureCodeProviderUnavailable  = "ProviderUnavailable"
	FailureCodeCancelled            = "Cancelled"
	FailureCodeUnknown              = "Unknown"
)
