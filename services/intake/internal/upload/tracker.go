package upload

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrBatchNotFound reports an unknown batch id.
var ErrBatchNotFound = errors.New("batch not found")

// Tracker is the in-memory batch registry. Many batches run concurrently,
// each mutated only by its own worker; any number of pollers may read at the
// same time. Entries stay until an external retention policy evicts them.
type Tracker struct {
	mu      sync.RWMutex
	batches map[string]*Batch
}

// NewTracker returns an empty registry.
func NewTracker() *Tracker {
	return &Tracker{batches: make(map[string]*Batch)}
}

// Register adds a batch in the pending state.
func (t *Tracker) Register(b *Batch) {
	b.State = StatePending
	b.StartedAt = time.Now().UTC()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.batches[b.ID] = b
}

// Get returns a snapshot of the batch or ErrBatchNotFound.
func (t *Tracker) Get(id string) (Batch, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	b, ok := t.batches[id]
	if !ok {
		return Batch{}, fmt.Errorf("batch %q: %w", id, ErrBatchNotFound)
	}
	return b.snapshot(), nil
}

// Len reports the number of registered batches.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.batches)
}

// markRunning transitions a pending batch to in_progress.
func (t *Tracker) markRunning(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.batches[id]; ok && !b.State.Terminal() {
		b.State = StateInProgress
	}
}

// recordSuccess increments the uploaded counter after one file landed.
func (t *Tracker) recordSuccess(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.batches[id]; ok && b.UploadedCount < b.TotalCount {
		b.UploadedCount++
	}
}

// recordFailure appends one per-file failure; the batch keeps going.
func (t *Tracker) recordFailure(id, filename string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.batches[id]; ok {
		b.failures = append(b.failures, fmt.Sprintf("%s: %v", filename, err))
	}
}

// finish moves the batch to its terminal state based on the counters and
// returns the final snapshot. A batch already terminal is left untouched.
func (t *Tracker) finish(id string) (Batch, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.batches[id]
	if !ok || b.State.Terminal() {
		return Batch{}, false
	}

	switch {
	case len(b.failures) == 0:
		b.State = StateCompleted
	case b.UploadedCount > 0:
		b.State = StatePartial
	default:
		b.State = StateFailed
	}

	now := time.Now().UTC()
	b.FinishedAt = &now
	return b.snapshot(), true
}
