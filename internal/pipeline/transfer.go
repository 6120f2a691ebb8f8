package pipeline

import (
	"context"

	"github.com/yajmaan/sevaflow/internal/client"
	"github.com/yajmaan/sevaflow/internal/model"
	"go.uber.org/zap"
)

// transfer downloads the batch video and re-hosts it for one work item. The two
// sub-steps retry independently; an upload retry reuses the downloaded bytes.
func (o *Orchestrator) transfer(run *recordRun) (string, error) {
	item := run.item

	var video *client.Video
	n, err := retry(o.stopCtx, o.opts.Retry, func(attempt int) error {
		return o.call(func(ctx context.Context) error {
			v, err := o.deps.Source.Fetch(ctx, item.Link.SourceVideoURL)
			if err != nil {
				run.log.Warn("download attempt failed", zap.Int("attempt", attempt), zap.Error(err))
				return err
			}
			video = v
			return nil
		})
	})
	run.attempts[attemptDownload] = n
	if err != nil {
		return "", err
	}
	if err := o.commit(run, func(out *model.RecordOutcome) error {
		out.Downloaded = true
		return nil
	}); err != nil {
		return "", err
	}

	// one key per work item: a retried or re-run upload replaces the same object
	key := client.VideoKey(o.opts.KeyPrefix, item.Record.BatchID, item.ID, video.Ext)

	var hostedURL string
	n, err = retry(o.stopCtx, o.opts.Retry, func(attempt int) error {
		return o.call(func(ctx context.Context) error {
			url, err := o.deps.Hosting.Upload(ctx, key, video.Reader(), video.Size(), video.ContentType)
			if err != nil {
				run.log.Warn("upload attempt failed", zap.Int("attempt", attempt), zap.String("key", key), zap.Error(err))
				return err
			}
			hostedURL = url
			return nil
		})
	})
	run.attempts[attemptUpload] = n
	if err != nil {
		o.discard(run, key)
		return "", err
	}

	run.log.Debug("video hosted", zap.String("key", key), zap.Int64("bytes", video.Size()))
	return hostedURL, nil
}

// discard removes whatever a failed upload may have left behind
func (o *Orchestrator) discard(run *recordRun, key string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(o.runCtx), o.opts.CallTimeout)
	defer cancel()

	if err := o.deps.Hosting.Discard(ctx, key); err != nil {
		run.log.Warn("failed to discard partial upload", zap.String("key", key), zap.Error(err))
	}
}
