// Package pipeline runs a batch of work items through video transfer, template
// rendering and notification on a bounded worker pool.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yajmaan/sevaflow/internal/client"
	"github.com/yajmaan/sevaflow/internal/config"
	"github.com/yajmaan/sevaflow/internal/model"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ErrInvariant marks a programming error that makes the whole batch unsafe to continue
var ErrInvariant = errors.New("pipeline invariant violated")

var errAlreadyRan = errors.New("orchestrator already ran")

const defaultConcurrency = 5

// Dependencies are the provider clients a batch uses. They are shared by all
// workers and must be safe for concurrent use.
type Dependencies struct {
	Source    client.VideoSource
	Hosting   client.VideoHostingProvider
	Messaging client.MessagingProvider
	Logger    *zap.Logger

	// Slots caps provider calls in flight across every batch sharing these
	// clients. Nil leaves the per-batch worker count as the only bound.
	Slots *semaphore.Weighted
}

// Options configure one batch run
type Options struct {
	BatchID      string
	Concurrency  int
	Retry        RetryPolicy
	CallTimeout  time.Duration
	KeyPrefix    string
	LanguageCode string

	// Carried into the snapshot and report unchanged
	ParseDetails string
	Preflight    []model.ValidationError
	Excluded     int
}

// OptionsFromConfig builds run options from the service config
func OptionsFromConfig(cfg *config.Config, batchID string) Options {
	return Options{
		BatchID:     batchID,
		Concurrency: cfg.Pipeline.Concurrency,
		Retry: RetryPolicy{
			MaxAttempts: cfg.Pipeline.MaxAttempts,
			Base:        cfg.Pipeline.BackoffBase(),
			Max:         cfg.Pipeline.BackoffMax(),
			Jitter:      0.2,
		},
		CallTimeout:  cfg.Pipeline.CallTimeout(),
		KeyPrefix:    cfg.Hosting.KeyPrefix,
		LanguageCode: cfg.Messaging.LanguageCode,
	}
}

// Option customizes an Orchestrator
type Option func(*Orchestrator)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator owns the outcomes of one batch. Outcomes are written only at
// stage boundaries under mu; Snapshot and Report take the read lock.
type Orchestrator struct {
	deps   Dependencies
	opts   Options
	items  []model.WorkItem
	logger *zap.Logger
	now    func() time.Time

	runCtx  context.Context
	stopCtx context.Context
	stop    context.CancelFunc
	ran     atomic.Bool

	observer func(model.ProgressSnapshot)

	mu         sync.RWMutex
	outcomes   []model.RecordOutcome
	status     model.BatchStatus
	fatal      error
	startedAt  *time.Time
	finishedAt *time.Time
}

// New creates an orchestrator for items. The items are copied.
func New(items []model.WorkItem, deps Dependencies, opts Options, options ...Option) *Orchestrator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 120 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orchestrator{
		deps:     deps,
		opts:     opts,
		items:    append([]model.WorkItem(nil), items...),
		logger:   logger.With(zap.String("batch_id", opts.BatchID)),
		now:      time.Now,
		runCtx:   context.Background(),
		outcomes: make([]model.RecordOutcome, len(items)),
		status:   model.BatchStatusQueued,
	}
	o.stopCtx, o.stop = context.WithCancel(context.Background())
	for i := range o.outcomes {
		o.outcomes[i] = model.NewRecordOutcome()
	}
	for _, opt := range options {
		opt(o)
	}
	return o
}

// OnProgress registers fn to receive a fresh snapshot after every outcome
// change. It is called from worker goroutines and must be safe for concurrent
// use. Register before Run.
func (o *Orchestrator) OnProgress(fn func(model.ProgressSnapshot)) {
	o.observer = fn
}

// Cancel stops dispatching new work items. In-flight items finish their
// current stage and are then marked failed with code Cancelled.
func (o *Orchestrator) Cancel() {
	o.logger.Info("batch cancellation requested")
	o.stop()
}

// Run processes every work item and returns the final report. Cancelling ctx
// has the same effect as Cancel. The error is non-nil only when the batch could
// not run safely, in which case the report status is failed.
func (o *Orchestrator) Run(ctx context.Context) (*model.BatchReport, error) {
	if !o.ran.CompareAndSwap(false, true) {
		return nil, errAlreadyRan
	}
	o.runCtx = ctx
	release := context.AfterFunc(ctx, o.stop)
	defer release()
	defer o.stop()
	if ctx.Err() != nil {
		o.stop()
	}

	started := o.now()
	o.mu.Lock()
	o.startedAt = &started
	o.status = model.BatchStatusRunning
	o.mu.Unlock()

	if err := o.checkInvariants(); err != nil {
		o.logger.Error("refusing to run batch", zap.Error(err))
		o.mu.Lock()
		o.fatal = err
		o.mu.Unlock()
		return o.finish(model.BatchStatusFailed, err)
	}

	workers := min(o.opts.Concurrency, len(o.items))
	o.logger.Info("batch started", zap.Int("work_items", len(o.items)), zap.Int("workers", workers))
	o.publish()

	g, gctx := errgroup.WithContext(context.Background())
	queue := make(chan int)

	g.Go(func() error {
		defer close(queue)
		for i := range o.items {
			select {
			case <-o.stopCtx.Done():
				return nil
			case <-gctx.Done():
				return nil
			case queue <- i:
			}
		}
		return nil
	})

	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for idx := range queue {
				if err := o.process(idx); err != nil {
					return err
				}
			}
			return nil
		})
	}

	err := g.Wait()

	status := model.BatchStatusCompleted
	switch {
	case err != nil:
		status = model.BatchStatusFailed
	case o.stopCtx.Err() != nil:
		status = model.BatchStatusCancelled
	}
	return o.finish(status, err)
}

func (o *Orchestrator) finish(status model.BatchStatus, err error) (*model.BatchReport, error) {
	finished := o.now()
	o.mu.Lock()
	o.status = status
	o.finishedAt = &finished
	o.mu.Unlock()

	report := o.Report()
	o.logger.Info("batch finished",
		zap.String("status", string(status)),
		zap.Int("succeeded", report.Counts[model.RecordStatusSucceeded]),
		zap.Int("failed", report.Counts[model.RecordStatusFailed]),
		zap.Int("pending", report.Counts[model.RecordStatusPending]),
	)
	o.publish()
	return &report, err
}

// Snapshot derives the current dashboard view. It never blocks on workers
// beyond copying the outcome fields it needs.
func (o *Orchestrator) Snapshot() model.ProgressSnapshot {
	o.mu.RLock()
	views := make([]stepView, len(o.outcomes))
	for i := range o.outcomes {
		views[i] = viewOf(&o.outcomes[i])
	}
	status := o.status
	o.mu.RUnlock()

	return project(o.opts.BatchID, status, o.opts.ParseDetails, views, o.now())
}

// Report returns the batch report as of now. While the batch runs the status
// is running and counts include pending and in-progress records.
func (o *Orchestrator) Report() model.BatchReport {
	o.mu.RLock()
	outcomes := make([]model.RecordOutcome, len(o.outcomes))
	for i := range o.outcomes {
		outcomes[i] = o.outcomes[i].Clone()
	}
	status := o.status
	startedAt, finishedAt := o.startedAt, o.finishedAt
	fatal := o.fatal
	o.mu.RUnlock()

	report := BuildReport(o.opts.BatchID, status, o.items, outcomes, startedAt, finishedAt)
	report.Excluded = o.opts.Excluded
	report.Preflight = o.opts.Preflight
	if fatal != nil {
		report.Error = fatal.Error()
	}
	return report
}

// Status returns the batch lifecycle state
func (o *Orchestrator) Status() model.BatchStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.status
}

// checkInvariants rejects work items the joiner should never have produced
func (o *Orchestrator) checkInvariants() error {
	if o.deps.Source == nil || o.deps.Hosting == nil || o.deps.Messaging == nil {
		return fmt.Errorf("%w: provider client missing", ErrInvariant)
	}
	seen := make(map[string]bool, len(o.items))
	for _, item := range o.items {
		switch {
		case item.Template == nil:
			return fmt.Errorf("%w: work item %s has no template", ErrInvariant, item.ID)
		case item.Template.TempleID != item.Record.TempleID:
			return fmt.Errorf("%w: work item %s template is for temple %q", ErrInvariant, item.ID, item.Template.TempleID)
		case item.Link.SourceVideoURL == "" || item.Link.BatchID != item.Record.BatchID:
			return fmt.Errorf("%w: work item %s has no link for batch %q", ErrInvariant, item.ID, item.Record.BatchID)
		case seen[item.ID]:
			return fmt.Errorf("%w: duplicate work item %s", ErrInvariant, item.ID)
		}
		seen[item.ID] = true
	}
	return nil
}

// commit applies fn to one outcome under the write lock. fn returns an error
// only for an illegal transition, which stops the whole batch.
func (o *Orchestrator) commit(run *recordRun, fn func(*model.RecordOutcome) error) error {
	o.mu.Lock()
	out := &o.outcomes[run.idx]
	if len(run.attempts) > 0 {
		out.Attempts = maps.Clone(run.attempts)
	}
	err := fn(out)
	if err != nil && o.fatal == nil {
		o.fatal = fmt.Errorf("%w: work item %s: %v", ErrInvariant, run.item.ID, err)
	}
	fatal := o.fatal
	o.mu.Unlock()

	if err != nil {
		run.log.Error("illegal stage transition", zap.Error(err))
		o.stop()
		return fatal
	}
	o.publish()
	return nil
}

func (o *Orchestrator) publish() {
	if o.observer == nil {
		return
	}
	o.observer(o.Snapshot())
}

// call runs one provider call. It waits for a shared slot when Slots is set;
// the wait ends on cancellation, the call itself is only bounded by the timeout.
func (o *Orchestrator) call(fn func(ctx context.Context) error) error {
	if o.deps.Slots != nil {
		if err := o.deps.Slots.Acquire(o.stopCtx, 1); err != nil {
			return fmt.Errorf("%w: waiting for a provider slot", err)
		}
		defer o.deps.Slots.Release(1)
	}
	ctx, cancel := o.callContext()
	defer cancel()
	return fn(ctx)
}

// callContext bounds one provider call. It ignores cancellation so a call in
// flight is never cut off; only the timeout applies.
func (o *Orchestrator) callContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(o.runCtx), o.opts.CallTimeout)
}
