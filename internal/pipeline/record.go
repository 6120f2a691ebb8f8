package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/yajmaan/sevaflow/internal/client"
	"github.com/yajmaan/sevaflow/internal/model"
	"go.uber.org/zap"
)

// Keys of RecordOutcome.Attempts
const (
	attemptDownload = "download"
	attemptUpload   = "upload"
	attemptNotify   = "notify"
)

// recordRun is the worker-local state of one work item in flight
type recordRun struct {
	idx      int
	item     *model.WorkItem
	log      *zap.Logger
	attempts map[string]int
}

// process drives one work item from joined to sent or failed. The returned
// error is non-nil only for invariant violations.
func (o *Orchestrator) process(idx int) error {
	if o.stopCtx.Err() != nil {
		// claimed after cancellation; leave it pending
		return nil
	}

	item := &o.items[idx]
	run := &recordRun{
		idx:      idx,
		item:     item,
		log:      o.logger.With(zap.String("work_item", item.ID), zap.String("record", item.Record.Identity())),
		attempts: make(map[string]int, 3),
	}

	if err := o.commit(run, func(out *model.RecordOutcome) error {
		started := o.now()
		out.StartedAt = &started
		return out.Advance(model.StageTransferringVideo)
	}); err != nil {
		return err
	}

	hostedURL, err := o.transfer(run)
	if err != nil {
		return o.failRecord(run, err)
	}
	if err := o.commit(run, func(out *model.RecordOutcome) error {
		out.HostedVideoURL = hostedURL
		return out.Advance(model.StageTransferComplete)
	}); err != nil {
		return err
	}

	if err := o.checkStopped(model.StageResolvingTemplate); err != nil {
		return o.failRecord(run, err)
	}
	if err := o.commit(run, func(out *model.RecordOutcome) error {
		return out.Advance(model.StageResolvingTemplate)
	}); err != nil {
		return err
	}

	msg := o.resolve(item, hostedURL)
	if err := o.checkStopped(model.StageNotifying); err != nil {
		return o.failRecord(run, err)
	}
	if err := o.commit(run, func(out *model.RecordOutcome) error {
		out.RenderedMessage = msg.Body
		out.Warnings = msg.Warnings
		return out.Advance(model.StageNotifying)
	}); err != nil {
		return err
	}

	messageID, err := o.notify(run, msg)
	if err != nil {
		return o.failRecord(run, err)
	}
	return o.commit(run, func(out *model.RecordOutcome) error {
		out.MessageID = messageID
		finished := o.now()
		out.FinishedAt = &finished
		return out.Advance(model.StageSent)
	})
}

// checkStopped returns a cancellation error if the batch was cancelled before
// the record could enter next
func (o *Orchestrator) checkStopped(next model.Stage) error {
	if o.stopCtx.Err() == nil {
		return nil
	}
	return fmt.Errorf("%w: batch stopped before %s", context.Canceled, next)
}

// failRecord moves the record to failed with the classified stage error.
// Invariant errors pass straight through.
func (o *Orchestrator) failRecord(run *recordRun, stageErr error) error {
	if errors.Is(stageErr, ErrInvariant) {
		return stageErr
	}
	code := client.ErrorCode(stageErr)
	var failedAt model.Stage
	err := o.commit(run, func(out *model.RecordOutcome) error {
		failedAt = out.Stage
		finished := o.now()
		out.FinishedAt = &finished
		return out.Fail(code, stageErr.Error())
	})
	if err == nil {
		run.log.Warn("record failed",
			zap.String("stage", string(failedAt)),
			zap.String("code", code),
			zap.Any("attempts", run.attempts),
			zap.Error(stageErr),
		)
	}
	return err
}
