package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/yajmaan/sevaflow/internal/joiner"
	"github.com/yajmaan/sevaflow/internal/model"
	"github.com/yajmaan/sevaflow/internal/pipeline"
	"go.uber.org/zap"
)

const (
	TaskTypeBatch = "batch:process"
	QueueBatches  = "batches"
)

var (
	ErrBatchNotFound = errors.New("batch not found")
	ErrBatchRunning  = errors.New("batch still running")
	ErrBatchFinished = errors.New("batch already finished")
	ErrInvalidUpload = errors.New("invalid upload")
)

// Enqueuer is the part of asynq.Client the service needs
type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// StartBatchInput carries the operator's uploaded tables and templates
type StartBatchInput struct {
	Roster      io.Reader
	Links       io.Reader
	Templates   []model.TemplateConfig
	SubmittedBy string
}

// BatchService handles batch submission, status reads and cancellation
type BatchService struct {
	store    Store
	queue    Enqueuer
	registry *Registry
	logger   *zap.Logger
	now      func() time.Time
}

func NewBatchService(store Store, queue Enqueuer, registry *Registry, logger *zap.Logger) *BatchService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchService{
		store:    store,
		queue:    queue,
		registry: registry,
		logger:   logger.Named("batches"),
		now:      time.Now,
	}
}

// StartBatch joins the uploaded tables, persists the work items and queues the
// batch. A *joiner.SchemaError is returned unchanged so callers can report it.
func (s *BatchService) StartBatch(ctx context.Context, in *StartBatchInput) (*model.BatchStartResponse, error) {
	roster, err := joiner.ParseTable(in.Roster)
	if err != nil {
		return nil, fmt.Errorf("%w: roster: %v", ErrInvalidUpload, err)
	}
	links, err := joiner.ParseTable(in.Links)
	if err != nil {
		return nil, fmt.Errorf("%w: links: %v", ErrInvalidUpload, err)
	}

	result, err := joiner.Join(roster, links, in.Templates)
	if err != nil {
		return nil, err
	}

	batchID := uuid.New().String()
	now := s.now()
	preflight := append(append([]model.ValidationError(nil), result.Errors...), result.Warnings...)

	job := &model.BatchJob{
		ID:          batchID,
		Status:      model.BatchStatusQueued,
		SubmittedBy: in.SubmittedBy,
		WorkItems:   len(result.Items),
		Excluded:    result.Excluded,
		Summary:     result.Summary(),
		Preflight:   preflight,
		CreatedAt:   now,
	}

	if err := s.store.SaveItems(ctx, batchID, result.Items); err != nil {
		return nil, fmt.Errorf("failed to save work items: %w", err)
	}
	if err := s.store.SaveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save batch: %w", err)
	}
	if err := s.saveInitialState(ctx, job, result.Items); err != nil {
		return nil, err
	}

	task, err := NewBatchTask(batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	// record retries happen inside the pipeline; a failed batch is re-run by the operator
	_, err = s.queue.Enqueue(task,
		asynq.Queue(QueueBatches),
		asynq.MaxRetry(0),
		asynq.Retention(batchTTL),
	)
	if err != nil {
		_ = s.FailBatch(context.WithoutCancel(ctx), batchID, "enqueue failed")
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	s.logger.Info("batch queued",
		zap.String("batch_id", batchID),
		zap.Int("work_items", job.WorkItems),
		zap.Int("excluded", job.Excluded),
		zap.String("submitted_by", in.SubmittedBy),
	)

	return &model.BatchStartResponse{
		BatchID:   batchID,
		Status:    model.BatchStatusQueued,
		WorkItems: job.WorkItems,
		Excluded:  job.Excluded,
		Preflight: preflight,
		CreatedAt: now,
	}, nil
}

// Viewer decides which batches a caller may see
type Viewer interface {
	CanAccess(submittedBy string) bool
}

// Authorize returns ErrBatchNotFound unless viewer may see the batch, so a
// batch ID belonging to another operator is indistinguishable from an
// unknown one
func (s *BatchService) Authorize(ctx context.Context, batchID string, viewer Viewer) error {
	job, err := s.store.GetJob(ctx, batchID)
	if err != nil {
		return err
	}
	if viewer == nil || !viewer.CanAccess(job.SubmittedBy) {
		s.logger.Debug("batch access denied", zap.String("batch_id", batchID))
		return ErrBatchNotFound
	}
	return nil
}

// GetProgress returns the live snapshot when the batch runs in this process,
// otherwise the last persisted one.
func (s *BatchService) GetProgress(ctx context.Context, batchID string) (*model.ProgressSnapshot, error) {
	if live, ok := s.registry.Get(batchID); ok {
		snap := live.Snapshot()
		return &snap, nil
	}
	return s.store.GetProgress(ctx, batchID)
}

// GetReport returns the batch report. Unless partial is set it refuses while
// the batch has not finished.
func (s *BatchService) GetReport(ctx context.Context, batchID string, partial bool) (*model.BatchReport, error) {
	if live, ok := s.registry.Get(batchID); ok {
		report := live.Report()
		if !partial && !report.Status.IsFinished() {
			return nil, ErrBatchRunning
		}
		return &report, nil
	}

	job, err := s.store.GetJob(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if !partial && !job.Status.IsFinished() {
		return nil, ErrBatchRunning
	}
	return s.store.GetReport(ctx, batchID)
}

// CancelBatch asks a queued or running batch to stop. A queued batch is
// finalized here; a running one drains its in-flight records first.
func (s *BatchService) CancelBatch(ctx context.Context, batchID string) (*model.BatchCancelResponse, error) {
	if live, ok := s.registry.Get(batchID); ok {
		live.Cancel()
		if err := s.store.RequestCancel(ctx, batchID); err != nil {
			s.logger.Warn("failed to persist cancel request", zap.String("batch_id", batchID), zap.Error(err))
		}
		return cancelling(batchID), nil
	}

	job, err := s.store.GetJob(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsFinished() {
		return nil, ErrBatchFinished
	}

	// a worker in another process polls this flag
	if err := s.store.RequestCancel(ctx, batchID); err != nil {
		return nil, fmt.Errorf("failed to request cancel: %w", err)
	}
	if job.Status == model.BatchStatusRunning {
		return cancelling(batchID), nil
	}

	current, err := s.finalizeQueued(ctx, batchID)
	if errors.Is(err, errStatusChanged) {
		// a worker claimed the batch first and will see the flag before it runs
		if current.Status.IsFinished() {
			return nil, ErrBatchFinished
		}
		return cancelling(batchID), nil
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info("queued batch cancelled", zap.String("batch_id", batchID))
	return &model.BatchCancelResponse{Success: true, BatchID: batchID, Status: model.BatchStatusCancelled}, nil
}

// Worker-facing methods

// Registry returns the live batch registry
func (s *BatchService) Registry() *Registry {
	return s.registry
}

// LoadBatch returns the stored job and its work items
func (s *BatchService) LoadBatch(ctx context.Context, batchID string) (*model.BatchJob, []model.WorkItem, error) {
	job, err := s.store.GetJob(ctx, batchID)
	if err != nil {
		return nil, nil, err
	}
	items, err := s.store.GetItems(ctx, batchID)
	if err != nil {
		return nil, nil, err
	}
	return job, items, nil
}

// CancelRequested reports whether an operator asked the batch to stop
func (s *BatchService) CancelRequested(ctx context.Context, batchID string) (bool, error) {
	return s.store.CancelRequested(ctx, batchID)
}

// MarkRunning claims a queued batch for the calling worker. It returns
// ErrBatchFinished when the batch is no longer queued.
func (s *BatchService) MarkRunning(ctx context.Context, batchID string) error {
	now := s.now()
	_, err := s.store.UpdateJobIf(ctx, batchID, model.BatchStatusQueued, func(job *model.BatchJob) {
		job.Status = model.BatchStatusRunning
		job.StartedAt = &now
	})
	if errors.Is(err, errStatusChanged) {
		return ErrBatchFinished
	}
	return err
}

// SaveProgress persists a snapshot for readers in other processes
func (s *BatchService) SaveProgress(ctx context.Context, snap *model.ProgressSnapshot) error {
	return s.store.SaveProgress(ctx, snap)
}

// CompleteBatch stores the final report and closes the job with its status
func (s *BatchService) CompleteBatch(ctx context.Context, report *model.BatchReport) error {
	job, err := s.store.GetJob(ctx, report.BatchID)
	if err != nil {
		return err
	}
	if err := s.store.SaveReport(ctx, report); err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}

	job.Status = report.Status
	if report.Error != "" {
		msg := report.Error
		job.Error = &msg
	}
	now := s.now()
	job.CompletedAt = &now
	return s.store.SaveJob(ctx, job)
}

// FailBatch marks a batch failed before any record was processed
func (s *BatchService) FailBatch(ctx context.Context, batchID, errMsg string) error {
	job, err := s.store.GetJob(ctx, batchID)
	if err != nil {
		return err
	}
	now := s.now()
	job.Status = model.BatchStatusFailed
	job.Error = &errMsg
	job.CompletedAt = &now
	if err := s.store.SaveJob(ctx, job); err != nil {
		return err
	}

	report, err := s.store.GetReport(ctx, batchID)
	if err != nil {
		return err
	}
	report.Status = model.BatchStatusFailed
	report.Error = errMsg
	report.FinishedAt = &now
	if err := s.store.SaveReport(ctx, report); err != nil {
		return err
	}
	snap := pipeline.Project(batchID, model.BatchStatusFailed, job.Summary, pendingOutcomes(job.WorkItems), now)
	return s.store.SaveProgress(ctx, &snap)
}

// Helper methods

func (s *BatchService) saveInitialState(ctx context.Context, job *model.BatchJob, items []model.WorkItem) error {
	outcomes := pendingOutcomes(len(items))

	report := pipeline.BuildReport(job.ID, job.Status, items, outcomes, nil, nil)
	report.Excluded = job.Excluded
	report.Preflight = job.Preflight
	if err := s.store.SaveReport(ctx, &report); err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}

	snap := pipeline.Project(job.ID, job.Status, job.Summary, outcomes, s.now())
	if err := s.store.SaveProgress(ctx, &snap); err != nil {
		return fmt.Errorf("failed to save progress: %w", err)
	}
	return nil
}

func (s *BatchService) finalizeQueued(ctx context.Context, batchID string) (*model.BatchJob, error) {
	items, err := s.store.GetItems(ctx, batchID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	job, err := s.store.UpdateJobIf(ctx, batchID, model.BatchStatusQueued, func(job *model.BatchJob) {
		job.Status = model.BatchStatusCancelled
		job.CompletedAt = &now
	})
	if err != nil {
		return job, err
	}

	outcomes := pendingOutcomes(len(items))
	report := pipeline.BuildReport(job.ID, job.Status, items, outcomes, nil, &now)
	report.Excluded = job.Excluded
	report.Preflight = job.Preflight
	if err := s.store.SaveReport(ctx, &report); err != nil {
		return job, err
	}
	snap := pipeline.Project(job.ID, job.Status, job.Summary, outcomes, now)
	return job, s.store.SaveProgress(ctx, &snap)
}

func pendingOutcomes(n int) []model.RecordOutcome {
	outcomes := make([]model.RecordOutcome, n)
	for i := range outcomes {
		outcomes[i] = model.NewRecordOutcome()
	}
	return outcomes
}

func cancelling(batchID string) *model.BatchCancelResponse {
	return &model.BatchCancelResponse{Success: true, BatchID: batchID, Status: model.BatchStatusCancelling}
}

// NewBatchTask builds the queue task for a stored batch
func NewBatchTask(batchID string) (*asynq.Task, error) {
	data, err := json.Marshal(model.BatchJobPayload{BatchID: batchID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeBatch, data), nil
}
