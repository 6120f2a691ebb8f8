package service

import (
	"sync"

	"github.com/yajmaan/sevaflow/internal/model"
)

// LiveBatch is a batch currently running in this process
type LiveBatch interface {
	Snapshot() model.ProgressSnapshot
	Report() model.BatchReport
	Cancel()
}

// Registry tracks the batches this process is running so reads and cancels
// reach the live outcome table instead of the last persisted copy.
type Registry struct {
	mu      sync.RWMutex
	batches map[string]LiveBatch
}

func NewRegistry() *Registry {
	return &Registry{batches: make(map[string]LiveBatch)}
}

func (r *Registry) Register(batchID string, b LiveBatch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches[batchID] = b
}

func (r *Registry) Unregister(batchID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.batches, batchID)
}

func (r *Registry) Get(batchID string) (LiveBatch, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.batches[batchID]
	return b, ok
}

// Len returns the number of live batches
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.batches)
}
