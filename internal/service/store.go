package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/yajmaan/sevaflow/internal/model"
)

const (
	batchTTL = 24 * time.Hour

	maxSwapAttempts = 5
)

// errStatusChanged is returned by UpdateJobIf when the job left the expected
// status before the update could be applied
var errStatusChanged = errors.New("batch status changed")

// Store persists submitted batches between the API and the queue worker
type Store interface {
	SaveJob(ctx context.Context, job *model.BatchJob) error
	GetJob(ctx context.Context, batchID string) (*model.BatchJob, error)
	// UpdateJobIf applies fn to the stored job only while its status is from.
	// Otherwise it returns the current job with errStatusChanged.
	UpdateJobIf(ctx context.Context, batchID string, from model.BatchStatus, fn func(*model.BatchJob)) (*model.BatchJob, error)
	SaveItems(ctx context.Context, batchID string, items []model.WorkItem) error
	GetItems(ctx context.Context, batchID string) ([]model.WorkItem, error)
	SaveProgress(ctx context.Context, snap *model.ProgressSnapshot) error
	GetProgress(ctx context.Context, batchID string) (*model.ProgressSnapshot, error)
	SaveReport(ctx context.Context, report *model.BatchReport) error
	GetReport(ctx context.Context, batchID string) (*model.BatchReport, error)
	RequestCancel(ctx context.Context, batchID string) error
	CancelRequested(ctx context.Context, batchID string) (bool, error)
}

// RedisStore keeps each batch under batch:<id> keys that expire after a day
type RedisStore struct {
	redis *redis.Client
}

func NewRedisStore(redisClient *redis.Client) *RedisStore {
	return &RedisStore{redis: redisClient}
}

func batchKey(batchID, part string) string {
	if part == "" {
		return fmt.Sprintf("batch:%s", batchID)
	}
	return fmt.Sprintf("batch:%s:%s", batchID, part)
}

func (s *RedisStore) SaveJob(ctx context.Context, job *model.BatchJob) error {
	return s.set(ctx, batchKey(job.ID, ""), job)
}

func (s *RedisStore) GetJob(ctx context.Context, batchID string) (*model.BatchJob, error) {
	var job model.BatchJob
	if err := s.get(ctx, batchKey(batchID, ""), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *RedisStore) UpdateJobIf(ctx context.Context, batchID string, from model.BatchStatus, fn func(*model.BatchJob)) (*model.BatchJob, error) {
	key := batchKey(batchID, "")
	var job model.BatchJob

	txf := func(tx *redis.Tx) error {
		job = model.BatchJob{}
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrBatchNotFound
			}
			return err
		}
		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("failed to unmarshal %s: %w", key, err)
		}
		if job.Status != from {
			return errStatusChanged
		}

		fn(&job)
		updated, err := json.Marshal(&job)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", key, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, batchTTL)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		err := s.redis.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return &job, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, errStatusChanged):
			return &job, err
		default:
			return nil, err
		}
	}
	return nil, fmt.Errorf("batch %s: %w", batchID, redis.TxFailedErr)
}

func (s *RedisStore) SaveItems(ctx context.Context, batchID string, items []model.WorkItem) error {
	return s.set(ctx, batchKey(batchID, "items"), items)
}

func (s *RedisStore) GetItems(ctx context.Context, batchID string) ([]model.WorkItem, error) {
	var items []model.WorkItem
	if err := s.get(ctx, batchKey(batchID, "items"), &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *RedisStore) SaveProgress(ctx context.Context, snap *model.ProgressSnapshot) error {
	return s.set(ctx, batchKey(snap.BatchID, "progress"), snap)
}

func (s *RedisStore) GetProgress(ctx context.Context, batchID string) (*model.ProgressSnapshot, error) {
	var snap model.ProgressSnapshot
	if err := s.get(ctx, batchKey(batchID, "progress"), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *RedisStore) SaveReport(ctx context.Context, report *model.BatchReport) error {
	return s.set(ctx, batchKey(report.BatchID, "report"), report)
}

func (s *RedisStore) GetReport(ctx context.Context, batchID string) (*model.BatchReport, error) {
	var report model.BatchReport
	if err := s.get(ctx, batchKey(batchID, "report"), &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (s *RedisStore) RequestCancel(ctx context.Context, batchID string) error {
	return s.redis.Set(ctx, batchKey(batchID, "cancel"), "1", batchTTL).Err()
}

func (s *RedisStore) CancelRequested(ctx context.Context, batchID string) (bool, error) {
	n, err := s.redis.Exists(ctx, batchKey(batchID, "cancel")).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Helper methods

func (s *RedisStore) set(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return s.redis.Set(ctx, key, data, batchTTL).Err()
}

func (s *RedisStore) get(ctx context.Context, key string, v interface{}) error {
	data, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrBatchNotFound
		}
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}
