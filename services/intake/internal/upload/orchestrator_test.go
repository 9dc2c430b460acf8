package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"plyline/services/intake/internal/storage"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, string, chan Batch) {
	t.Helper()
	root := t.TempDir()
	o := NewOrchestrator(&storage.Writer{Root: root}, NewTracker(), 2, log.New(&bytes.Buffer{}, "", 0))
	t.Cleanup(o.Close)

	done := make(chan Batch, 1)
	o.OnComplete = func(b Batch) { done <- b }
	return o, root, done
}

func spoolFiles(t *testing.T, contents map[string]string) (string, []BatchFile) {
	t.Helper()
	dir := t.TempDir()
	var files []BatchFile
	for name, body := range contents {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
		files = append(files, BatchFile{Name: name, SpoolPath: path})
	}
	return dir, files
}

func waitForBatch(t *testing.T, done chan Batch) Batch {
	t.Helper()
	select {
	case b := <-done:
		return b
	case <-time.After(5 * time.Second):
		t.Fatal("batch worker did not finish")
		return Batch{}
	}
}

func TestSubmitSingle(t *testing.T) {
	o, root, _ := newTestOrchestrator(t)

	stored, err := o.SubmitSingle(context.Background(), SingleRequest{
		Kind:     storage.KindProject,
		ModuleID: "42",
		Context:  storage.PathContext{ProjectName: "bridge"},
		Filename: "p.jpg",
		Data:     strings.NewReader("img"),
	})
	if err != nil {
		t.Fatalf("SubmitSingle() error = %v", err)
	}
	want := filepath.Join(root, "PROJECT", "42_bridge", "p.jpg")
	if stored.Path != want {
		t.Fatalf("stored at %q, want %q", stored.Path, want)
	}
}

func TestSubmitSingleNoFile(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	if _, err := o.SubmitSingle(context.Background(), SingleRequest{Kind: storage.KindProject, ModuleID: "42"}); !errors.Is(err, ErrNoFile) {
		t.Fatalf("SubmitSingle() err = %v, want ErrNoFile", err)
	}
}

func TestSubmitBatchAllSucceed(t *testing.T) {
	o, root, done := newTestOrchestrator(t)
	spool, files := spoolFiles(t, map[string]string{"a.jpg": "1", "b.jpg": "2", "c.jpg": "3"})

	id, err := o.SubmitBatch(context.Background(), BatchRequest{
		Kind:     storage.KindVehicle,
		ModuleID: "v9",
		SpoolDir: spool,
		Files:    files,
	})
	if err != nil {
		t.Fatalf("SubmitBatch() error = %v", err)
	}

	final := waitForBatch(t, done)
	if final.ID != id || final.State != StateCompleted || final.UploadedCount != 3 {
		t.Fatalf("final = %+v", final)
	}
	if final.Progress != 1 {
		t.Fatalf("progress = %v, want 1", final.Progress)
	}

	for _, name := range []string{"a.jpg", "b.jpg", "c.jpg"} {
		if _, err := os.Stat(filepath.Join(root, "VEHICLE", "Vehicle_v9", name)); err != nil {
			t.Fatalf("missing stored file %s: %v", name, err)
		}
	}
	if _, err := os.Stat(spool); !os.IsNotExist(err) {
		t.Fatalf("spool dir not cleaned up: %v", err)
	}
}

func TestSubmitBatchPartialFailure(t *testing.T) {
	o, _, done := newTestOrchestrator(t)
	spool, files := spoolFiles(t, map[string]string{"one.jpg": "1", "three.jpg": "3"})

	// File 2 points at a path that cannot be read.
	broken := BatchFile{Name: "two.jpg", SpoolPath: filepath.Join(spool, "missing")}
	ordered := []BatchFile{pick(files, "one.jpg"), broken, pick(files, "three.jpg")}

	id, err := o.SubmitBatch(context.Background(), BatchRequest{
		Kind:     storage.KindProject,
		ModuleID: "42",
		SpoolDir: spool,
		Files:    ordered,
	})
	if err != nil {
		t.Fatalf("SubmitBatch() error = %v", err)
	}

	final := waitForBatch(t, done)
	if final.State != StatePartial {
		t.Fatalf("state = %s, want %s", final.State, StatePartial)
	}
	if final.UploadedCount != 2 || final.TotalCount != 3 {
		t.Fatalf("counts = %d/%d, want 2/3", final.UploadedCount, final.TotalCount)
	}
	if !strings.Contains(final.ErrorText, "two.jpg") {
		t.Fatalf("error summary %q does not mention the failed file", final.ErrorText)
	}

	// Status polling must agree with the completion snapshot.
	polled, err := o.Status(id)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if polled.State != StatePartial || polled.UploadedCount != 2 {
		t.Fatalf("polled = %+v", polled)
	}
}

func TestSubmitBatchAllFail(t *testing.T) {
	o, _, done := newTestOrchestrator(t)
	spool := t.TempDir()
	files := []BatchFile{
		{Name: "a.jpg", SpoolPath: filepath.Join(spool, "gone-a")},
		{Name: "b.jpg", SpoolPath: filepath.Join(spool, "gone-b")},
	}

	if _, err := o.SubmitBatch(context.Background(), BatchRequest{
		Kind: storage.KindProject, ModuleID: "42", SpoolDir: spool, Files: files,
	}); err != nil {
		t.Fatalf("SubmitBatch() error = %v", err)
	}

	final := waitForBatch(t, done)
	if final.State != StateFailed || final.UploadedCount != 0 {
		t.Fatalf("final = %+v", final)
	}
}

func TestSubmitBatchEmpty(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	if _, err := o.SubmitBatch(context.Background(), BatchRequest{Kind: storage.KindProject, ModuleID: "42"}); !errors.Is(err, ErrNoFile) {
		t.Fatalf("SubmitBatch() err = %v, want ErrNoFile", err)
	}
}

func TestCloseDrainsQueuedBatches(t *testing.T) {
	root := t.TempDir()
	o := NewOrchestrator(&storage.Writer{Root: root}, NewTracker(), 1, log.New(&bytes.Buffer{}, "", 0))

	// A single worker forces the later submissions to queue up.
	var ids []string
	for i := range 5 {
		spool, files := spoolFiles(t, map[string]string{fmt.Sprintf("f%d.jpg", i): "x"})
		id, err := o.SubmitBatch(context.Background(), BatchRequest{
			Kind: storage.KindProject, ModuleID: "42", SpoolDir: spool, Files: files,
		})
		if err != nil {
			t.Fatalf("SubmitBatch() #%d error = %v", i, err)
		}
		ids = append(ids, id)
	}

	o.Close()

	for _, id := range ids {
		b, err := o.Status(id)
		if err != nil {
			t.Fatalf("Status(%s) error = %v", id, err)
		}
		if b.State != StateCompleted {
			t.Fatalf("batch %s state = %s after Close, want %s", id, b.State, StateCompleted)
		}
	}
}

func pick(files []BatchFile, name string) BatchFile {
	for _, f := range files {
		if f.Name == name {
			return f
		}
	}
	return BatchFile{}
}
