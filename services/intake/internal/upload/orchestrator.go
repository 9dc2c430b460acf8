package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"github.com/google/uuid"

	"plyline/services/intake/internal/metrics"
	"plyline/services/intake/internal/storage"
)

// ErrNoFile reports a submission without any file content.
var ErrNoFile = errors.New("no file provided")

const (
	defaultWorkerSlots = 4
	batchQueueDepth    = 64
)

// SingleRequest is a synchronous one-file upload.
type SingleRequest struct {
	Kind     storage.ModuleKind
	ModuleID string
	Context  storage.PathContext
	Filename string
	Data     io.Reader
}

// BatchFile is one member of a batch, already spooled to a temporary path by
// the transport layer (multipart temp files do not survive the request, so
// the worker reads from the spool instead).
type BatchFile struct {
	Name      string
	SpoolPath string
}

// BatchRequest registers a set of spooled files for background processing.
type BatchRequest struct {
	Kind     storage.ModuleKind
	ModuleID string
	Context  storage.PathContext
	TaskID   string
	SpoolDir string
	Files    []BatchFile
}

// Orchestrator resolves paths, writes files, and drives batch workers. A
// fixed pool of workers consumes submissions from a bounded queue, so a burst
// of batch requests applies backpressure instead of stacking up a goroutine
// per batch.
type Orchestrator struct {
	writer  *storage.Writer
	tracker *Tracker
	logger  *log.Logger

	jobs      chan batchJob
	wg        sync.WaitGroup
	closeOnce sync.Once

	// OnComplete, when set, is invoked with the final snapshot of every
	// batch that reaches a terminal state. The daemon uses it to kick off
	// packaging for task-tagged batches.
	OnComplete func(Batch)
}

type batchJob struct {
	id  string
	req BatchRequest
}

// NewOrchestrator wires the orchestrator to its writer and tracker and starts
// the worker pool. slots bounds the number of concurrently processing batches.
func NewOrchestrator(writer *storage.Writer, tracker *Tracker, slots int, logger *log.Logger) *Orchestrator {
	if slots <= 0 {
		slots = defaultWorkerSlots
	}
	if logger == nil {
		logger = log.Default()
	}
	o := &Orchestrator{
		writer:  writer,
		tracker: tracker,
		logger:  logger,
		jobs:    make(chan batchJob, batchQueueDepth),
	}
	for range slots {
		o.wg.Add(1)
		go o.worker()
	}
	return o
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for job := range o.jobs {
		o.runBatch(job.id, job.req)
	}
}

// Close stops accepting batches and waits for all queued work to finish.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		close(o.jobs)
		o.wg.Wait()
	})
}

// SubmitSingle writes one file synchronously and returns its stored location.
func (o *Orchestrator) SubmitSingle(ctx context.Context, req SingleRequest) (storage.StoredFile, error) {
	if req.Data == nil || req.Filename == "" {
		return storage.StoredFile{}, ErrNoFile
	}
	if err := ctx.Err(); err != nil {
		return storage.StoredFile{}, err
	}

	dir := storage.ResolveDir(o.writer.Root, req.Kind, req.ModuleID, req.Context)
	stored, err := o.writer.Write(dir, req.Filename, req.Data)
	if err != nil {
		metrics.UploadsTotal.WithLabelValues("failure").Inc()
		return storage.StoredFile{}, err
	}

	metrics.UploadsTotal.WithLabelValues("success").Inc()
	o.logger.Printf("INFO stored %s for %s %s", stored.Name, req.Kind, req.ModuleID)
	return stored, nil
}

// SubmitBatch registers the batch and returns its id; a pool worker processes
// the files in submission order in the background. Callers poll Status for
// progress. When the queue is full the call blocks until a worker catches up.
func (o *Orchestrator) SubmitBatch(ctx context.Context, req BatchRequest) (string, error) {
	if len(req.Files) == 0 {
		return "", ErrNoFile
	}

	batch := &Batch{
		ID:          uuid.NewString(),
		ModuleID:    req.ModuleID,
		ModuleKind:  req.Kind,
		TaskID:      req.TaskID,
		ProjectName: req.Context.ProjectName,
		TagName:     req.Context.TagName,
		TagID:       req.Context.TagID,
		TotalCount:  len(req.Files),
	}
	o.tracker.Register(batch)
	o.jobs <- batchJob{id: batch.ID, req: req}

	return batch.ID, nil
}

// Status returns the current snapshot for a batch id.
func (o *Orchestrator) Status(id string) (Batch, error) {
	return o.tracker.Get(id)
}

// runBatch is the single worker for one batch. Files are handled
// sequentially and best-effort: a failing file is recorded and the worker
// moves on, so one corrupt upload never blocks the rest of the batch.
func (o *Orchestrator) runBatch(id string, req BatchRequest) {
	defer o.cleanupSpool(req.SpoolDir)

	o.tracker.markRunning(id)
	dir := storage.ResolveDir(o.writer.Root, req.Kind, req.ModuleID, req.Context)

	for _, file := range req.Files {
		if err := o.writeSpooled(dir, file); err != nil {
			o.tracker.recordFailure(id, file.Name, err)
			metrics.UploadsTotal.WithLabelValues("failure").Inc()
			o.logger.Printf("WARN batch %s: %s failed: %v", id, file.Name, err)
			continue
		}
		o.tracker.recordSuccess(id)
		metrics.UploadsTotal.WithLabelValues("success").Inc()
	}

	final, ok := o.tracker.finish(id)
	if !ok {
		return
	}
	metrics.BatchesTotal.WithLabelValues(string(final.State)).Inc()
	o.logger.Printf("INFO batch %s finished %s (%d/%d)", id, final.State, final.UploadedCount, final.TotalCount)

	if o.OnComplete != nil {
		o.OnComplete(final)
	}
}

func (o *Orchestrator) writeSpooled(dir string, file BatchFile) error {
	src, err := os.Open(file.SpoolPath)
	if err != nil {
		return fmt.Errorf("open spooled %q: %w", file.Name, err)
	}
	defer src.Close()

	_, err = o.writer.Write(dir, file.Name, src)
	return err
}

func (o *Orchestrator) cleanupSpool(dir string) {
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		o.logger.Printf("WARN remove spool dir %s: %v", dir, err)
	}
}
