package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mesmeriz2/PDF-compressor/internal/files"
)

// stubCanceller はタスク取り消しの呼び出しを記録します。
type stubCanceller struct {
	taskIDs []string
}

func (s *stubCanceller) CancelTask(taskID string) {
	s.taskIDs = append(s.taskIDs, taskID)
}

type httpFixture struct {
	store     *Store
	files     *files.Service
	canceller *stubCanceller
	router    *gin.Engine
	now       time.Time
}

func newHTTPFixture(t *testing.T) *httpFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &httpFixture{
		store:     newTestStore(t),
		files:     newTestFileService(t),
		canceller: &stubCanceller{},
		now:       time.Now().UTC(),
	}

	handler := NewHandler(f.store, f.files, f.canceller, nil)
	handler.now = func() time.Time { return f.now }

	router := gin.New()
	router.GET("/api/jobs", handler.List)
	router.GET("/api/jobs/:id", handler.Get)
	router.POST("/api/jobs/:id/cancel", handler.Cancel)
	router.DELETE("/api/jobs/:id", handler.Delete)
	router.GET("/api/jobs/:id/download", handler.Download)
	router.POST("/api/jobs/batch/download", handler.BatchDownload)
	f.router = router
	return f
}

func (f *httpFixture) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return body
}

func TestHandlerGetNotFound(t *testing.T) {
	f := newHTTPFixture(t)

	rec := f.do(t, http.MethodGet, "/api/jobs/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if body := decodeBody(t, rec); body["code"] != "JOB_NOT_FOUND" {
		t.Fatalf("unexpected error code: %v", body["code"])
	}
}

func TestHandlerGetCompletedJob(t *testing.T) {
	f := newHTTPFixture(t)
	job := completedJob("job-1", "h1", "out.pdf", f.now.Add(-time.Hour), f.now.Add(time.Hour))
	if err := f.store.Create(context.Background(), job); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	rec := f.do(t, http.MethodGet, "/api/jobs/job-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	body := decodeBody(t, rec)
	if body["status"] != "completed" {
		t.Fatalf("status field = %v", body["status"])
	}
	if body["resultUrl"] != "/api/jobs/job-1/download" {
		t.Fatalf("resultUrl = %v", body["resultUrl"])
	}
	// 1024 → 512 なので削減率は50%
	if pct, ok := body["compressionPercentage"].(float64); !ok || pct < 49.9 || pct > 50.1 {
		t.Fatalf("compressionPercentage = %v", body["compressionPercentage"])
	}
}

func TestHandlerDownloadStates(t *testing.T) {
	f := newHTTPFixture(t)
	ctx := context.Background()

	// 未完了
	if err := f.store.Create(ctx, newQueuedJob("queued")); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	// 期限切れ
	if err := f.store.Create(ctx, completedJob("expired", "h1", "out-e.pdf", f.now.Add(-48*time.Hour), f.now.Add(-time.Hour))); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	// 完了済みだがファイル消失
	if err := f.store.Create(ctx, completedJob("orphan", "h2", "out-gone.pdf", f.now.Add(-time.Hour), f.now.Add(time.Hour))); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	// ダウンロード可能
	ok := completedJob("ok", "h3", "out-ok.pdf", f.now.Add(-time.Hour), f.now.Add(time.Hour))
	if err := f.store.Create(ctx, ok); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	touch(t, f.files.ResultPath("out-ok.pdf"))

	cases := []struct {
		id       string
		wantCode int
		wantErr  string
	}{
		{"missing", http.StatusNotFound, "JOB_NOT_FOUND"},
		{"queued", http.StatusBadRequest, "JOB_NOT_COMPLETED"},
		{"expired", http.StatusGone, "RESULT_EXPIRED"},
		{"orphan", http.StatusNotFound, "RESULT_MISSING"},
	}
	for _, tc := range cases {
		rec := f.do(t, http.MethodGet, "/api/jobs/"+tc.id+"/download", nil)
		if rec.Code != tc.wantCode {
			t.Fatalf("%s: status = %d, want %d", tc.id, rec.Code, tc.wantCode)
		}
		if body := decodeBody(t, rec); body["code"] != tc.wantErr {
			t.Fatalf("%s: code = %v, want %s", tc.id, body["code"], tc.wantErr)
		}
	}

	rec := f.do(t, http.MethodGet, "/api/jobs/ok/download", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("download status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/pdf" {
		t.Fatalf("Content-Type = %q", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); cd == "" {
		t.Fatal("Content-Disposition missing")
	}
}

func TestHandlerCancel(t *testing.T) {
	f := newHTTPFixture(t)
	ctx := context.Background()

	job := newQueuedJob("job-1")
	job.TaskID = "task-1"
	if err := f.store.Create(ctx, job); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	rec := f.do(t, http.MethodPost, "/api/jobs/job-1/cancel", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	got, _ := f.store.Get(ctx, "job-1")
	if got.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if len(f.canceller.taskIDs) != 1 || f.canceller.taskIDs[0] != "task-1" {
		t.Fatalf("task cancellation not requested: %v", f.canceller.taskIDs)
	}

	// 終端状態の再取り消しは 400
	rec = f.do(t, http.MethodPost, "/api/jobs/job-1/cancel", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("second cancel status = %d, want 400", rec.Code)
	}
}

func TestHandlerDelete(t *testing.T) {
	f := newHTTPFixture(t)
	ctx := context.Background()

	job := completedJob("job-1", "h1", "out.pdf", f.now.Add(-time.Hour), f.now.Add(time.Hour))
	if err := f.store.Create(ctx, job); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	touch(t, f.files.UploadPath(job.StoredName))
	touch(t, f.files.ResultPath("out.pdf"))

	rec := f.do(t, http.MethodDelete, "/api/jobs/job-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	if _, err := f.store.Get(ctx, "job-1"); err == nil {
		t.Fatal("record should be deleted")
	}
	if f.files.Exists(f.files.UploadPath(job.StoredName)) || f.files.Exists(f.files.ResultPath("out.pdf")) {
		t.Fatal("files should be deleted")
	}

	rec = f.do(t, http.MethodDelete, "/api/jobs/job-1", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", rec.Code)
	}
}

func TestHandlerListFilterValidation(t *testing.T) {
	f := newHTTPFixture(t)

	rec := f.do(t, http.MethodGet, "/api/jobs?status=bogus", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/jobs?limit=0", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("limit=0 status = %d, want 400", rec.Code)
	}
}

func TestHandlerBatchDownload(t *testing.T) {
	f := newHTTPFixture(t)
	ctx := context.Background()

	job := completedJob("job-1", "h1", "out.pdf", f.now.Add(-time.Hour), f.now.Add(time.Hour))
	if err := f.store.Create(ctx, job); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	touch(t, f.files.ResultPath("out.pdf"))

	payload, _ := json.Marshal(map[string]any{"jobIds": []string{"job-1", "missing"}})
	rec := f.do(t, http.MethodPost, "/api/jobs/batch/download", payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/zip" {
		t.Fatalf("Content-Type = %q", ct)
	}

	// 有効な成果物が1つもなければ 404
	payload, _ = json.Marshal(map[string]any{"jobIds": []string{"missing"}})
	rec = f.do(t, http.MethodPost, "/api/jobs/batch/download", payload)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("empty batch status = %d, want 404", rec.Code)
	}
}
