package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/yajmaan/sevaflow/internal/config"
	"github.com/yajmaan/sevaflow/internal/model"
	"github.com/yajmaan/sevaflow/internal/pipeline"
	"github.com/yajmaan/sevaflow/internal/service"
	"github.com/yajmaan/sevaflow/pkg/response"
	"go.uber.org/zap"
)

const defaultFlushInterval = 500 * time.Millisecond

// Batches is the part of service.BatchService the worker drives
type Batches interface {
	LoadBatch(ctx context.Context, batchID string) (*model.BatchJob, []model.WorkItem, error)
	MarkRunning(ctx context.Context, batchID string) error
	SaveProgress(ctx context.Context, snap *model.ProgressSnapshot) error
	CompleteBatch(ctx context.Context, report *model.BatchReport) error
	CancelRequested(ctx context.Context, batchID string) (bool, error)
	Registry() *service.Registry
}

// Broadcaster pushes batch events to dashboard subscribers
type Broadcaster interface {
	BroadcastProgress(snap model.ProgressSnapshot)
	BroadcastComplete(report model.BatchReport)
	BroadcastError(batchID string, code, message string)
}

// BatchWorker processes queued batches
type BatchWorker struct {
	batches Batches
	deps    pipeline.Dependencies
	cfg     *config.Config
	hub     Broadcaster
	logger  *zap.Logger

	// how often progress is persisted and the cancel flag polled
	FlushInterval time.Duration
}

// NewBatchWorker creates a new batch worker
func NewBatchWorker(batches Batches, deps pipeline.Dependencies, cfg *config.Config, hub Broadcaster, logger *zap.Logger) *BatchWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchWorker{
		batches:       batches,
		deps:          deps,
		cfg:           cfg,
		hub:           hub,
		logger:        logger.Named("worker"),
		FlushInterval: defaultFlushInterval,
	}
}

// ProcessTask handles batch task processing
func (w *BatchWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload model.BatchJobPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %w", err)
	}
	return w.Process(ctx, payload.BatchID)
}

// Process runs one stored batch to completion. Cancelling ctx cancels the
// batch; the final report is still persisted.
func (w *BatchWorker) Process(ctx context.Context, batchID string) error {
	log := w.logger.With(zap.String("batch_id", batchID))

	job, items, err := w.batches.LoadBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("failed to load batch %s: %w", batchID, err)
	}
	if job.Status != model.BatchStatusQueued {
		log.Info("skipping batch", zap.String("status", string(job.Status)))
		return nil
	}

	opts := pipeline.OptionsFromConfig(w.cfg, batchID)
	opts.ParseDetails = job.Summary
	opts.Preflight = job.Preflight
	opts.Excluded = job.Excluded

	deps := w.deps
	if deps.Logger == nil {
		deps.Logger = w.logger
	}
	orch := pipeline.New(items, deps, opts)
	sink := &progressSink{}
	orch.OnProgress(sink.offer)

	registry := w.batches.Registry()
	registry.Register(batchID, orch)
	defer registry.Unregister(batchID)

	if err := w.batches.MarkRunning(ctx, batchID); err != nil {
		if errors.Is(err, service.ErrBatchFinished) {
			log.Info("batch left the queue before it started, skipping")
			return nil
		}
		return fmt.Errorf("failed to mark batch %s running: %w", batchID, err)
	}
	// a cancel that landed between the load and the claim stops the batch before any send
	cancelled := w.pollCancel(ctx, batchID, orch)
	log.Info("starting batch", zap.Int("work_items", len(items)), zap.Bool("cancelled", cancelled))

	saveCtx := context.WithoutCancel(ctx)
	watchCtx, stopWatch := context.WithCancel(saveCtx)
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		w.watch(watchCtx, batchID, orch, sink, cancelled)
	}()

	report, runErr := orch.Run(ctx)
	stopWatch()
	<-watched

	w.flush(saveCtx, orch.Snapshot())
	if err := w.batches.CompleteBatch(saveCtx, report); err != nil {
		log.Error("failed to save report", zap.Error(err))
	}
	w.hub.BroadcastComplete(*report)

	if runErr != nil {
		w.hub.BroadcastError(batchID, response.CodeBatchFailed, runErr.Error())
		return fmt.Errorf("batch %s: %w", batchID, runErr)
	}
	log.Info("batch completed", zap.String("status", string(report.Status)))
	return nil
}

// watch persists the latest snapshot and polls the cancel flag until ctx ends
func (w *BatchWorker) watch(ctx context.Context, batchID string, orch *pipeline.Orchestrator, sink *progressSink, cancelled bool) {
	ticker := time.NewTicker(w.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if snap, ok := sink.take(); ok {
			w.flush(ctx, snap)
		}
		if !cancelled {
			cancelled = w.pollCancel(ctx, batchID, orch)
		}
	}
}

// pollCancel cancels orch when an operator flagged the batch and reports
// whether it did
func (w *BatchWorker) pollCancel(ctx context.Context, batchID string, orch *pipeline.Orchestrator) bool {
	requested, err := w.batches.CancelRequested(ctx, batchID)
	if err != nil {
		w.logger.Warn("failed to poll cancel flag", zap.String("batch_id", batchID), zap.Error(err))
		return false
	}
	if requested {
		orch.Cancel()
	}
	return requested
}

func (w *BatchWorker) flush(ctx context.Context, snap model.ProgressSnapshot) {
	if err := w.batches.SaveProgress(ctx, &snap); err != nil {
		w.logger.Warn("failed to save progress", zap.String("batch_id", snap.BatchID), zap.Error(err))
	}
	w.hub.BroadcastProgress(snap)
}

// progressSink keeps only the newest snapshot between flushes
type progressSink struct {
	mu     sync.Mutex
	latest model.ProgressSnapshot
	dirty  bool
}

func (s *progressSink) offer(snap model.ProgressSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dirty && snap.UpdatedAt.Before(s.latest.UpdatedAt) {
		return
	}
	s.latest = snap
	s.dirty = true
}

func (s *progressSink) take() (model.ProgressSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return model.ProgressSnapshot{}, false
	}
	s.dirty = false
	return s.latest, true
}
