package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yajmaan/sevaflow/internal/joiner"
	"github.com/yajmaan/sevaflow/internal/model"
)

type memStore struct {
	mu       sync.Mutex
	jobs     map[string]model.BatchJob
	items    map[string][]model.WorkItem
	progress map[string]model.ProgressSnapshot
	reports  map[string]model.BatchReport
	cancels  map[string]bool
}

func newMemStore() *memStore {
	return &memStore{
		jobs:     map[string]model.BatchJob{},
		items:    map[string][]model.WorkItem{},
		progress: map[string]model.ProgressSnapshot{},
		reports:  map[string]model.BatchReport{},
		cancels:  map[string]bool{},
	}
}

func (m *memStore) SaveJob(_ context.Context, job *model.BatchJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = *job
	return nil
}

func (m *memStore) GetJob(_ context.Context, id string) (*model.BatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrBatchNotFound
	}
	return &job, nil
}

func (m *memStore) UpdateJobIf(_ context.Context, id string, from model.BatchStatus, fn func(*model.BatchJob)) (*model.BatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrBatchNotFound
	}
	if job.Status != from {
		return &job, errStatusChanged
	}
	fn(&job)
	m.jobs[id] = job
	return &job, nil
}

func (m *memStore) SaveItems(_ context.Context, id string, items []model.WorkItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[id] = items
	return nil
}

func (m *memStore) GetItems(_ context.Context, id string) ([]model.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items, ok := m.items[id]
	if !ok {
		return nil, ErrBatchNotFound
	}
	return items, nil
}

func (m *memStore) SaveProgress(_ context.Context, snap *model.ProgressSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress[snap.BatchID] = *snap
	return nil
}

func (m *memStore) GetProgress(_ context.Context, id string) (*model.ProgressSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.progress[id]
	if !ok {
		return nil, ErrBatchNotFound
	}
	return &snap, nil
}

func (m *memStore) SaveReport(_ context.Context, report *model.BatchReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[report.BatchID] = *report
	return nil
}

func (m *memStore) GetReport(_ context.Context, id string) (*model.BatchReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	report, ok := m.reports[id]
	if !ok {
		return nil, ErrBatchNotFound
	}
	return &report, nil
}

func (m *memStore) RequestCancel(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancels[id] = true
	return nil
}

func (m *memStore) CancelRequested(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancels[id], nil
}

type fakeQueue struct {
	tasks []*asynq.Task
	opts  [][]asynq.Option
	err   error
}

func (q *fakeQueue) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if q.err != nil {
		return nil, q.err
	}
	q.tasks = append(q.tasks, task)
	q.opts = append(q.opts, opts)
	return &asynq.TaskInfo{Queue: QueueBatches}, nil
}

type fakeLive struct {
	status    model.BatchStatus
	cancelled bool
}

func (f *fakeLive) Snapshot() model.ProgressSnapshot {
	return model.ProgressSnapshot{BatchID: "live", Status: f.status}
}

func (f *fakeLive) Report() model.BatchReport {
	return model.BatchReport{BatchID: "live", Status: f.status}
}

func (f *fakeLive) Cancel() { f.cancelled = true }

const (
	rosterCSV = "Name,Country Code,Phone,Batch ID,Temple ID\n" +
		"Asha,91,9876543210,B1,46\n" +
		"Ravi,91,9876500000,B9,46\n"
	linksCSV = "Batch ID,Canva Link\nB1,https://canva.example/v1\n"
)

var templates = []model.TemplateConfig{{
	TempleID:     "46",
	Header:       "Seva for {{name}}",
	Description:  "Watch {{video_link}}",
	TemplateName: "seva_video_v1",
}}

func newTestService() (*BatchService, *memStore, *fakeQueue) {
	store := newMemStore()
	queue := &fakeQueue{}
	return NewBatchService(store, queue, NewRegistry(), nil), store, queue
}

func startInput() *StartBatchInput {
	return &StartBatchInput{
		Roster:      strings.NewReader(rosterCSV),
		Links:       strings.NewReader(linksCSV),
		Templates:   templates,
		SubmittedBy: "operator-1",
	}
}

func TestStartBatch_PersistsAndQueues(t *testing.T) {
	svc, store, queue := newTestService()
	ctx := context.Background()

	resp, err := svc.StartBatch(ctx, startInput())
	require.NoError(t, err)

	assert.Equal(t, model.BatchStatusQueued, resp.Status)
	assert.Equal(t, 1, resp.WorkItems)
	assert.Equal(t, 1, resp.Excluded)
	require.Len(t, resp.Preflight, 1)
	assert.Equal(t, model.ValidationUnknownBatch, resp.Preflight[0].Code)

	job, items, err := svc.LoadBatch(ctx, resp.BatchID)
	require.NoError(t, err)
	assert.Equal(t, "operator-1", job.SubmittedBy)
	assert.Equal(t, "1 work items, 1 rows excluded", job.Summary)
	require.Len(t, items, 1)
	assert.Equal(t, "Asha", items[0].Record.Name)

	report, err := store.GetReport(ctx, resp.BatchID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Counts[model.RecordStatusPending])
	assert.Equal(t, 1, report.Excluded)

	snap, err := svc.GetProgress(ctx, resp.BatchID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusQueued, snap.Status)

	require.Len(t, queue.tasks, 1)
	assert.Equal(t, TaskTypeBatch, queue.tasks[0].Type())
	var payload model.BatchJobPayload
	require.NoError(t, json.Unmarshal(queue.tasks[0].Payload(), &payload))
	assert.Equal(t, resp.BatchID, payload.BatchID)
}

func TestStartBatch_SchemaErrorIsReturned(t *testing.T) {
	svc, _, queue := newTestService()
	in := startInput()
	in.Links = strings.NewReader("Batch ID\nB1\n")

	_, err := svc.StartBatch(context.Background(), in)

	var schemaErr *joiner.SchemaError
	require.ErrorAs(t, err, &schemaErr)
	assert.Empty(t, queue.tasks)
}

func TestStartBatch_EmptyUpload(t *testing.T) {
	svc, _, _ := newTestService()
	in := startInput()
	in.Roster = strings.NewReader("")

	_, err := svc.StartBatch(context.Background(), in)
	assert.ErrorIs(t, err, ErrInvalidUpload)
}

func TestStartBatch_EnqueueFailureFailsBatch(t *testing.T) {
	svc, store, queue := newTestService()
	queue.err = errors.New("redis down")

	_, err := svc.StartBatch(context.Background(), startInput())
	require.Error(t, err)

	require.Len(t, store.jobs, 1)
	for _, job := range store.jobs {
		assert.Equal(t, model.BatchStatusFailed, job.Status)
	}
}

func TestGetReport_RefusesWhileRunningUnlessPartial(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	resp, err := svc.StartBatch(ctx, startInput())
	require.NoError(t, err)

	_, err = svc.GetReport(ctx, resp.BatchID, false)
	assert.ErrorIs(t, err, ErrBatchRunning)

	report, err := svc.GetReport(ctx, resp.BatchID, true)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusQueued, report.Status)

	_, err = svc.GetReport(ctx, "missing", true)
	assert.ErrorIs(t, err, ErrBatchNotFound)
}

func TestLiveBatchIsPreferred(t *testing.T) {
	svc, _, _ := newTestService()
	live := &fakeLive{status: model.BatchStatusRunning}
	svc.Registry().Register("live", live)
	defer svc.Registry().Unregister("live")
	ctx := context.Background()

	snap, err := svc.GetProgress(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusRunning, snap.Status)

	_, err = svc.GetReport(ctx, "live", false)
	assert.ErrorIs(t, err, ErrBatchRunning)

	resp, err := svc.CancelBatch(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusCancelling, resp.Status)
	assert.True(t, live.cancelled)

	requested, err := svc.CancelRequested(ctx, "live")
	require.NoError(t, err)
	assert.True(t, requested)
}

func TestCancelBatch_QueuedIsFinalized(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	resp, err := svc.StartBatch(ctx, startInput())
	require.NoError(t, err)

	cancel, err := svc.CancelBatch(ctx, resp.BatchID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusCancelled, cancel.Status)

	report, err := svc.GetReport(ctx, resp.BatchID, false)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusCancelled, report.Status)
	assert.Equal(t, 1, report.Counts[model.RecordStatusPending])

	_, err = svc.CancelBatch(ctx, resp.BatchID)
	assert.ErrorIs(t, err, ErrBatchFinished)
}

func TestCancelBatch_RunningElsewhereIsFlagged(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	resp, err := svc.StartBatch(ctx, startInput())
	require.NoError(t, err)
	require.NoError(t, svc.MarkRunning(ctx, resp.BatchID))

	cancel, err := svc.CancelBatch(ctx, resp.BatchID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusCancelling, cancel.Status)

	requested, err := svc.CancelRequested(ctx, resp.BatchID)
	require.NoError(t, err)
	assert.True(t, requested)
}

func TestMarkRunning_RefusesBatchCancelledWhileQueued(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()
	resp, err := svc.StartBatch(ctx, startInput())
	require.NoError(t, err)

	_, err = svc.CancelBatch(ctx, resp.BatchID)
	require.NoError(t, err)

	err = svc.MarkRunning(ctx, resp.BatchID)
	assert.ErrorIs(t, err, ErrBatchFinished)

	job, err := store.GetJob(ctx, resp.BatchID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusCancelled, job.Status)
	assert.Nil(t, job.StartedAt)
}

// staleStore serves the job as it was when the batch was queued
type staleStore struct {
	*memStore
	queued model.BatchJob
}

func (s *staleStore) GetJob(context.Context, string) (*model.BatchJob, error) {
	job := s.queued
	return &job, nil
}

func TestCancelBatch_WorkerClaimsBatchFirst(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()
	resp, err := svc.StartBatch(ctx, startInput())
	require.NoError(t, err)
	queued, err := store.GetJob(ctx, resp.BatchID)
	require.NoError(t, err)

	// the worker claims the batch after the cancel read it as queued
	require.NoError(t, svc.MarkRunning(ctx, resp.BatchID))
	racing := NewBatchService(&staleStore{memStore: store, queued: *queued}, &fakeQueue{}, NewRegistry(), nil)

	cancel, err := racing.CancelBatch(ctx, resp.BatchID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusCancelling, cancel.Status)

	job, err := store.GetJob(ctx, resp.BatchID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusRunning, job.Status)
	requested, err := store.CancelRequested(ctx, resp.BatchID)
	require.NoError(t, err)
	assert.True(t, requested)
}

type viewer struct {
	id    string
	admin bool
}

func (v viewer) CanAccess(submittedBy string) bool { return v.admin || v.id == submittedBy }

func TestAuthorize_ScopesBatchesToSubmitter(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	resp, err := svc.StartBatch(ctx, startInput())
	require.NoError(t, err)

	assert.NoError(t, svc.Authorize(ctx, resp.BatchID, viewer{id: "operator-1"}))
	assert.NoError(t, svc.Authorize(ctx, resp.BatchID, viewer{id: "operator-2", admin: true}))
	assert.ErrorIs(t, svc.Authorize(ctx, resp.BatchID, viewer{id: "operator-2"}), ErrBatchNotFound)
	assert.ErrorIs(t, svc.Authorize(ctx, resp.BatchID, nil), ErrBatchNotFound)
	assert.ErrorIs(t, svc.Authorize(ctx, "missing", viewer{admin: true}), ErrBatchNotFound)
}

func TestCompleteBatch(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()
	resp, err := svc.StartBatch(ctx, startInput())
	require.NoError(t, err)

	err = svc.CompleteBatch(ctx, &model.BatchReport{
		BatchID: resp.BatchID,
		Status:  model.BatchStatusFailed,
		Error:   "pipeline invariant violated",
	})
	require.NoError(t, err)

	job, err := store.GetJob(ctx, resp.BatchID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.NotNil(t, job.CompletedAt)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("a", &fakeLive{})
	_, ok := r.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, r.Len())

	r.Unregister("a")
	_, ok = r.Get("a")
	assert.False(t, ok)
}
