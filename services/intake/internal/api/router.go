// Package api exposes the photo intake HTTP surface consumed by the capture
// devices.
package api

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"plyline/services/intake/internal/storage"
	"plyline/services/intake/internal/upload"
)

// API wires the orchestrator and storage writer into HTTP handlers.
type API struct {
	orch   *upload.Orchestrator
	writer *storage.Writer
	logger *log.Logger
}

// New initialises the API layer.
func New(orch *upload.Orchestrator, writer *storage.Writer, logger *log.Logger) (*API, error) {
	if orch == nil {
		return nil, errors.New("orchestrator is required")
	}
	if writer == nil {
		return nil, errors.New("writer is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &API{orch: orch, writer: writer, logger: logger}, nil
}

// Routes constructs the chi router containing all photo endpoints.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/photo", func(r chi.Router) {
		r.Post("/upload", a.handleUpload)
		r.Post("/batch-upload", a.handleBatchUpload)
		r.Get("/upload-status/{batchID}", a.handleUploadStatus)
		r.Delete("/delete", a.handleDelete)
	})

	return r
}
