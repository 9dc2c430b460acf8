// Package upload coordinates photo intake: a concurrent batch registry and
// the orchestrator that drives each batch's background worker.
package upload

import (
	"strings"
	"time"

	"plyline/services/intake/internal/storage"
)

// State is the lifecycle position of a batch. pending and in_progress are
// transient; the remaining three are terminal and never transition again.
type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StatePartial    State = "partial_success"
	StateFailed     State = "failed"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StatePartial, StateFailed:
		return true
	}
	return false
}

// Batch tracks one multi-file upload request. Only the batch's own worker
// mutates it; status pollers read deep snapshots taken under the tracker lock.
type Batch struct {
	ID          string             `json:"batchId"`
	ModuleID    string             `json:"moduleId"`
	ModuleKind  storage.ModuleKind `json:"moduleType"`
	TaskID      string             `json:"taskId,omitempty"`
	ProjectName string             `json:"projectName,omitempty"`
	TagName     string             `json:"uploadPhotoType,omitempty"`
	TagID       string             `json:"uploadTypeId,omitempty"`

	TotalCount    int     `json:"totalCount"`
	UploadedCount int     `json:"uploadedCount"`
	Progress      float64 `json:"progress"`

	State      State      `json:"status"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	ErrorText  string     `json:"errorSummary,omitempty"`

	failures []string
}

// snapshot returns a detached copy with the derived fields recomputed. The
// progress ratio is never stored authoritatively; it always comes from the
// counters so a snapshot can never be internally inconsistent.
func (b *Batch) snapshot() Batch {
	out := *b
	out.failures = nil
	out.Progress = 0
	if b.TotalCount > 0 {
		out.Progress = float64(b.UploadedCount) / float64(b.TotalCount)
	}
	out.ErrorText = strings.Join(b.failures, "; ")
	return out
}
