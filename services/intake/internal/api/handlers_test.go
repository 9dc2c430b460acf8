package api

import (
	"bytes"
	"encoding/json"
	"log"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"plyline/services/intake/internal/storage"
	"plyline/services/intake/internal/upload"
)

func newTestServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	root := t.TempDir()
	writer := &storage.Writer{Root: root}
	orch := upload.NewOrchestrator(writer, upload.NewTracker(), 2, log.New(&bytes.Buffer{}, "", 0))

	a, err := New(orch, writer, log.New(&bytes.Buffer{}, "", 0))
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(a.Routes())
	t.Cleanup(srv.Close)
	return srv, root
}

func multipartBody(t *testing.T, field string, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, body := range files {
		part, err := mw.CreateFormFile(field, name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := part.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestUploadSingle(t *testing.T) {
	srv, root := newTestServer(t)
	body, contentType := multipartBody(t, "file", map[string]string{"shot.jpg": "img"})

	resp, err := http.Post(srv.URL+"/photo/upload?moduleId=42&moduleType=project&photoType=site&projectName=bridge", contentType, body)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	out := decodeBody(t, resp)
	if out["fileName"] != "shot.jpg" {
		t.Fatalf("response = %v", out)
	}
	if _, err := os.Stat(filepath.Join(root, "PROJECT", "42_bridge", "shot.jpg")); err != nil {
		t.Fatalf("file not stored: %v", err)
	}
}

func TestUploadWithoutFile(t *testing.T) {
	srv, _ := newTestServer(t)
	body, contentType := multipartBody(t, "unrelated", map[string]string{"x": "y"})

	resp, err := http.Post(srv.URL+"/photo/upload?moduleId=42&moduleType=project", contentType, body)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestUploadMissingModuleParams(t *testing.T) {
	srv, _ := newTestServer(t)
	body, contentType := multipartBody(t, "file", map[string]string{"shot.jpg": "img"})

	resp, err := http.Post(srv.URL+"/photo/upload?moduleType=project", contentType, body)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestBatchUploadAndStatusPolling(t *testing.T) {
	srv, root := newTestServer(t)
	body, contentType := multipartBody(t, "files", map[string]string{
		"a.jpg": "1", "b.jpg": "2", "c.jpg": "3",
	})

	resp, err := http.Post(srv.URL+"/photo/batch-upload?moduleId=v9&moduleType=vehicle", contentType, body)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	out := decodeBody(t, resp)
	batchID, _ := out["batchId"].(string)
	if batchID == "" || out["status"] != "processing" || out["totalCount"] != float64(3) {
		t.Fatalf("response = %v", out)
	}

	final := pollUntilTerminal(t, srv.URL, batchID)
	if final["status"] != string(upload.StateCompleted) {
		t.Fatalf("final status = %v", final["status"])
	}
	if final["uploadedCount"] != float64(3) || final["progress"] != float64(1) {
		t.Fatalf("final = %v", final)
	}

	for _, name := range []string{"a.jpg", "b.jpg", "c.jpg"} {
		if _, err := os.Stat(filepath.Join(root, "VEHICLE", "Vehicle_v9", name)); err != nil {
			t.Fatalf("missing %s: %v", name, err)
		}
	}
}

func TestUploadStatusUnknownBatch(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/photo/upload-status/no-such-batch")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestDeleteModuleDirectories(t *testing.T) {
	srv, root := newTestServer(t)
	for _, dir := range []string{"42_a", "42_b", "9_other"} {
		if err := os.MkdirAll(filepath.Join(root, "PROJECT", dir), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/photo/delete?moduleId=42&moduleType=project", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	out := decodeBody(t, resp)
	if out["count"] != float64(2) {
		t.Fatalf("count = %v, want 2", out["count"])
	}
}

func pollUntilTerminal(t *testing.T, baseURL, batchID string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(baseURL + "/photo/upload-status/" + batchID)
		if err != nil {
			t.Fatal(err)
		}
		out := decodeBody(t, resp)
		switch out["status"] {
		case string(upload.StateCompleted), string(upload.StatePartial), string(upload.StateFailed):
			return out
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("batch never reached a terminal state")
	return nil
}
