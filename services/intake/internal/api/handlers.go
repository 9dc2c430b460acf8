package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"plyline/services/intake/internal/storage"
	"plyline/services/intake/internal/upload"
)

const maxUploadMemory = 32 << 20

// uploadParams are the module/classification query parameters shared by the
// single and batch endpoints.
type uploadParams struct {
	kind        storage.ModuleKind
	moduleID    string
	photoType   string
	projectName string
	tagName     string
	tagID       string
	latitude    string
	longitude   string
	taskID      string
}

func parseUploadParams(r *http.Request) (uploadParams, error) {
	q := r.URL.Query()
	p := uploadParams{
		kind:        storage.ModuleKind(strings.ToUpper(q.Get("moduleType"))),
		moduleID:    q.Get("moduleId"),
		photoType:   q.Get("photoType"),
		projectName: q.Get("projectName"),
		tagName:     q.Get("uploadPhotoType"),
		tagID:       q.Get("uploadTypeId"),
		latitude:    q.Get("latitude"),
		longitude:   q.Get("longitude"),
		taskID:      q.Get("taskId"),
	}
	if p.moduleID == "" || p.kind == "" {
		return uploadParams{}, errors.New("moduleId and moduleType are required")
	}
	return p, nil
}

func (p uploadParams) pathContext() storage.PathContext {
	return storage.PathContext{
		ProjectName: p.projectName,
		TagName:     p.tagName,
		TagID:       p.tagID,
	}
}

func (a *API) handleUpload(w http.ResponseWriter, r *http.Request) {
	params, err := parseUploadParams(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, upload.ErrNoFile)
		return
	}
	defer file.Close()

	stored, err := a.orch.SubmitSingle(r.Context(), upload.SingleRequest{
		Kind:     params.kind,
		ModuleID: params.moduleID,
		Context:  params.pathContext(),
		Filename: header.Filename,
		Data:     file,
	})
	if err != nil {
		if errors.Is(err, upload.ErrNoFile) {
			respondError(w, http.StatusBadRequest, err)
			return
		}
		a.logger.Printf("ERROR store %s for %s %s: %v", header.Filename, params.kind, params.moduleID, err)
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"fileName":        stored.Name,
		"filePath":        stored.Path,
		"moduleId":        params.moduleID,
		"moduleType":      params.kind,
		"photoType":       params.photoType,
		"projectName":     params.projectName,
		"uploadPhotoType": params.tagName,
		"uploadTypeId":    params.tagID,
		"latitude":        params.latitude,
		"longitude":       params.longitude,
		"uploadTime":      time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleBatchUpload(w http.ResponseWriter, r *http.Request) {
	params, err := parseUploadParams(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("parse multipart form: %w", err))
		return
	}
	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		respondError(w, http.StatusBadRequest, upload.ErrNoFile)
		return
	}

	// Multipart temp files are reclaimed when the handler returns, so the
	// batch is spooled before the worker takes over.
	spoolDir, files, err := a.spool(headers)
	if err != nil {
		a.logger.Printf("ERROR spool batch for %s %s: %v", params.kind, params.moduleID, err)
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	batchID, err := a.orch.SubmitBatch(r.Context(), upload.BatchRequest{
		Kind:     params.kind,
		ModuleID: params.moduleID,
		Context:  params.pathContext(),
		TaskID:   params.taskID,
		SpoolDir: spoolDir,
		Files:    files,
	})
	if err != nil {
		os.RemoveAll(spoolDir)
		respondError(w, http.StatusBadRequest, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"batchId":    batchID,
		"totalCount": len(files),
		"status":     "processing",
	})
}

func (a *API) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	batch, err := a.orch.Status(chi.URLParam(r, "batchID"))
	if err != nil {
		if errors.Is(err, upload.ErrBatchNotFound) {
			respondError(w, http.StatusNotFound, err)
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, batch)
}

func (a *API) handleDelete(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	moduleID := q.Get("moduleId")
	moduleType := strings.ToUpper(q.Get("moduleType"))
	if moduleID == "" || moduleType == "" {
		respondError(w, http.StatusBadRequest, errors.New("moduleId and moduleType are required"))
		return
	}

	count, err := a.writer.RemoveModuleDirs(storage.ModuleKind(moduleType), moduleID)
	if err != nil {
		a.logger.Printf("ERROR delete %s dirs for %s: %v", moduleType, moduleID, err)
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"message": fmt.Sprintf("removed %d directories for %s %s", count, moduleType, moduleID),
		"count":   count,
	})
}

// spool copies the multipart files into a private directory under the upload
// root that lives until the batch worker has consumed it.
func (a *API) spool(headers []*multipart.FileHeader) (string, []upload.BatchFile, error) {
	if err := os.MkdirAll(a.writer.Root, 0o755); err != nil {
		return "", nil, fmt.Errorf("create upload root: %w", err)
	}
	spoolDir, err := os.MkdirTemp(a.writer.Root, ".spool-")
	if err != nil {
		return "", nil, fmt.Errorf("create spool dir: %w", err)
	}

	files := make([]upload.BatchFile, 0, len(headers))
	for i, header := range headers {
		path := filepath.Join(spoolDir, fmt.Sprintf("%04d_%s", i, filepath.Base(header.Filename)))
		if err := copySpooled(header, path); err != nil {
			os.RemoveAll(spoolDir)
			return "", nil, err
		}
		files = append(files, upload.BatchFile{Name: header.Filename, SpoolPath: path})
	}
	return spoolDir, files, nil
}

func copySpooled(header *multipart.FileHeader, path string) error {
	src, err := header.Open()
	if err != nil {
		return fmt.Errorf("open %q: %w", header.Filename, err)
	}
	defer src.Close()

	dst, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create spool file for %q: %w", header.Filename, err)
	}

	_, err = io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("spool %q: %w", header.Filename, err)
	}
	return nil
}
