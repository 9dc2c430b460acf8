package upload

import (
	"errors"
	"testing"
)

func TestTrackerGetUnknown(t *testing.T) {
	tr := NewTracker()
	if _, err := tr.Get("nope"); !errors.Is(err, ErrBatchNotFound) {
		t.Fatalf("Get(unknown) err = %v, want ErrBatchNotFound", err)
	}
}

func TestTrackerProgressDerivedFromCounters(t *testing.T) {
	tr := NewTracker()
	tr.Register(&Batch{ID: "b1", TotalCount: 4})
	tr.markRunning("b1")

	snap, _ := tr.Get("b1")
	if snap.Progress != 0 || snap.State != StateInProgress {
		t.Fatalf("initial snapshot = %+v", snap)
	}

	for i := 1; i <= 4; i++ {
		tr.recordSuccess("b1")
		snap, _ = tr.Get("b1")
		if snap.UploadedCount != i {
			t.Fatalf("uploadedCount = %d after %d successes", snap.UploadedCount, i)
		}
		if want := float64(i) / 4; snap.Progress != want {
			t.Fatalf("progress = %v, want %v", snap.Progress, want)
		}
		if snap.UploadedCount > snap.TotalCount {
			t.Fatalf("uploadedCount %d exceeds totalCount %d", snap.UploadedCount, snap.TotalCount)
		}
	}

	// The counter must saturate at the total even if a worker misbehaves.
	tr.recordSuccess("b1")
	snap, _ = tr.Get("b1")
	if snap.UploadedCount != 4 {
		t.Fatalf("uploadedCount = %d, want 4", snap.UploadedCount)
	}
}

func TestTrackerFinishStateMatrix(t *testing.T) {
	tests := []struct {
		name      string
		successes int
		failures  int
		want      State
	}{
		{"all succeed", 3, 0, StateCompleted},
		{"mixed", 2, 1, StatePartial},
		{"all fail", 0, 3, StateFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker()
			tr.Register(&Batch{ID: "b", TotalCount: tt.successes + tt.failures})
			tr.markRunning("b")
			for range tt.successes {
				tr.recordSuccess("b")
			}
			for range tt.failures {
				tr.recordFailure("b", "file.jpg", errors.New("io error"))
			}

			final, ok := tr.finish("b")
			if !ok {
				t.Fatal("finish() reported already-terminal batch")
			}
			if final.State != tt.want {
				t.Fatalf("final state = %s, want %s", final.State, tt.want)
			}
			if final.UploadedCount != tt.successes {
				t.Fatalf("uploadedCount = %d, want %d", final.UploadedCount, tt.successes)
			}
			if tt.failures > 0 && final.ErrorText == "" {
				t.Fatal("expected a non-empty error summary")
			}
			if final.FinishedAt == nil {
				t.Fatal("finished batch missing end time")
			}
		})
	}
}

func TestTrackerTerminalStateIsSticky(t *testing.T) {
	tr := NewTracker()
	tr.Register(&Batch{ID: "b", TotalCount: 1})
	tr.recordSuccess("b")
	if _, ok := tr.finish("b"); !ok {
		t.Fatal("first finish() failed")
	}

	if _, ok := tr.finish("b"); ok {
		t.Fatal("finish() transitioned a terminal batch again")
	}
	tr.markRunning("b")
	snap, _ := tr.Get("b")
	if snap.State != StateCompleted {
		t.Fatalf("terminal state mutated to %s", snap.State)
	}
}
