package intake

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mesmeriz2/PDF-compressor/internal/config"
	"github.com/mesmeriz2/PDF-compressor/internal/files"
	"github.com/mesmeriz2/PDF-compressor/internal/jobs"
	"github.com/mesmeriz2/PDF-compressor/internal/pdfengine"
)

type fakeEngine struct {
	available bool
}

func (e *fakeEngine) Name() string    { return "fake" }
func (e *fakeEngine) Available() bool { return e.available }

func (e *fakeEngine) Inspect(ctx context.Context, inputPath string) (*pdfengine.Info, error) {
	return &pdfengine.Info{}, nil
}

func (e *fakeEngine) Compress(ctx context.Context, inputPath, outputPath string, preset pdfengine.Preset, opts pdfengine.Options, progress pdfengine.ProgressFunc) (*pdfengine.Result, error) {
	return &pdfengine.Result{Engine: "fake"}, nil
}

type stubEnqueuer struct {
	calls int
	err   error
}

func (s *stubEnqueuer) EnqueueCompress(ctx context.Context, jobID string, delay time.Duration) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return "task-1", nil
}

type fixture struct {
	cfg    *config.Config
	store  *jobs.Store
	files  *files.Service
	queue  *stubEnqueuer
	router *gin.Engine
}

func newFixture(t *testing.T, engineAvailable bool, mutate func(*config.Config)) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()

	cfg := &config.Config{
		MaxUploadSize:       1 << 20,
		MaxFilesPerBatch:    5,
		DefaultEngine:       "fake",
		Retention:           24 * time.Hour,
		EnableDeduplication: true,
	}
	if mutate != nil {
		mutate(cfg)
	}

	fileSvc, err := files.NewService(
		filepath.Join(dir, "uploads"),
		filepath.Join(dir, "results"),
		filepath.Join(dir, "temp"),
		cfg.MaxUploadSize,
	)
	if err != nil {
		t.Fatalf("failed to init file service: %v", err)
	}

	store, err := jobs.NewStore(filepath.Join(dir, "jobs.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	queue := &stubEnqueuer{}
	handler := NewHandler(cfg, store, fileSvc,
		pdfengine.NewRegistry(false, &fakeEngine{available: engineAvailable}), queue)

	router := gin.New()
	router.POST("/api/upload", handler.Upload)
	router.POST("/api/upload-chunk", handler.UploadChunk)

	return &fixture{cfg: cfg, store: store, files: fileSvc, queue: queue, router: router}
}

var pdfBody = []byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\n%%EOF\n")

func multipartUpload(t *testing.T, fields map[string]string, filenames ...string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for _, name := range filenames {
		fw, err := writer.CreateFormFile("files[]", name)
		if err != nil {
			t.Fatalf("failed to create form file: %v", err)
		}
		if _, err := fw.Write(pdfBody); err != nil {
			t.Fatalf("failed to write form file: %v", err)
		}
	}
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			t.Fatalf("failed to write field: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func postUpload(t *testing.T, f *fixture, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func jobIDsFromResponse(t *testing.T, rec *httptest.ResponseRecorder) []string {
	t.Helper()
	var resp struct {
		JobIDs []string `json:"jobIds"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return resp.JobIDs
}

func TestUploadCreatesQueuedJobs(t *testing.T) {
	f := newFixture(t, true, nil)

	body, contentType := multipartUpload(t, nil, "a.pdf", "b.pdf")
	rec := postUpload(t, f, body, contentType)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}

	ids := jobIDsFromResponse(t, rec)
	if len(ids) != 2 {
		t.Fatalf("jobIds = %v, want 2 entries", ids)
	}
	if f.queue.calls != 2 {
		t.Fatalf("enqueue calls = %d, want 2", f.queue.calls)
	}

	for _, id := range ids {
		job, err := f.store.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get(%s) returned error: %v", id, err)
		}
		if job.Status != jobs.StatusQueued {
			t.Fatalf("job %s status = %s, want queued", id, job.Status)
		}
		if job.Engine != "fake" || job.Preset != pdfengine.PresetEbook {
			t.Fatalf("unexpected job defaults: %+v", job)
		}
		if !f.files.Exists(f.files.UploadPath(job.StoredName)) {
			t.Fatalf("upload file missing for job %s", id)
		}
	}
}

func TestUploadRejectsNonPDF(t *testing.T) {
	f := newFixture(t, true, nil)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	fw, _ := writer.CreateFormFile("files[]", "fake.pdf")
	fw.Write([]byte("<html>not a pdf</html>"))
	writer.Close()

	rec := postUpload(t, f, body, writer.FormDataContentType())
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if f.queue.calls != 0 {
		t.Fatal("invalid upload must not be enqueued")
	}
}

func TestUploadRejectsOversize(t *testing.T) {
	f := newFixture(t, true, func(cfg *config.Config) {
		cfg.MaxUploadSize = 10
	})

	body, contentType := multipartUpload(t, nil, "a.pdf")
	rec := postUpload(t, f, body, contentType)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413: %s", rec.Code, rec.Body.String())
	}
}

func TestUploadRejectsBatchOverflow(t *testing.T) {
	f := newFixture(t, true, func(cfg *config.Config) {
		cfg.MaxFilesPerBatch = 1
	})

	body, contentType := multipartUpload(t, nil, "a.pdf", "b.pdf")
	rec := postUpload(t, f, body, contentType)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestUploadUnavailableEngine(t *testing.T) {
	f := newFixture(t, false, nil)

	body, contentType := multipartUpload(t, nil, "a.pdf")
	rec := postUpload(t, f, body, contentType)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
}

func TestUploadDeduplicationClonesResult(t *testing.T) {
	f := newFixture(t, true, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	// 同じ内容・同じオプションの完了済みジョブを用意する
	sum := sha256.Sum256(pdfBody)
	hash := hex.EncodeToString(sum[:])

	size := int64(100)
	ratio := 0.4
	resultFile := "compressed_source.pdf"
	completedAt := now.Add(-time.Hour)
	expiresAt := now.Add(time.Hour)
	source := &jobs.Job{
		ID:               "source",
		StoredName:       "source.pdf",
		OriginalName:     "a.pdf",
		ContentHash:      hash,
		OriginalSize:     int64(len(pdfBody)),
		Preset:           pdfengine.PresetEbook,
		Engine:           "fake",
		PreserveMetadata: true,
		PreserveOCR:      true,
		Status:           jobs.StatusCompleted,
		Progress:         1.0,
		CompressedSize:   &size,
		CompressionRatio: &ratio,
		ResultFile:       &resultFile,
		CreatedAt:        now.Add(-2 * time.Hour),
		CompletedAt:      &completedAt,
		ExpiresAt:        &expiresAt,
	}
	if err := f.store.Create(ctx, source); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if err := os.WriteFile(f.files.ResultPath(resultFile), []byte("result"), 0o640); err != nil {
		t.Fatalf("failed to write result file: %v", err)
	}

	body, contentType := multipartUpload(t, nil, "a.pdf")
	rec := postUpload(t, f, body, contentType)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}

	ids := jobIDsFromResponse(t, rec)
	if len(ids) != 1 {
		t.Fatalf("jobIds = %v, want 1 entry", ids)
	}
	if f.queue.calls != 0 {
		t.Fatalf("dedup hit must not enqueue, got %d calls", f.queue.calls)
	}

	clone, err := f.store.Get(ctx, ids[0])
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if clone.Status != jobs.StatusCompleted || clone.Progress != 1.0 {
		t.Fatalf("clone should be completed: %+v", clone)
	}
	if clone.ResultFile == nil || *clone.ResultFile != resultFile {
		t.Fatalf("clone should share the result file: %v", clone.ResultFile)
	}
	if clone.ExpiresAt == nil || !clone.ExpiresAt.After(expiresAt) {
		t.Fatalf("clone must get a fresh expiry: %v", clone.ExpiresAt)
	}

	// オプションが違えば再利用せず通常どおり実行する
	body, contentType = multipartUpload(t, map[string]string{"preset": "screen"}, "a.pdf")
	rec = postUpload(t, f, body, contentType)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	if f.queue.calls != 1 {
		t.Fatalf("option change must enqueue, got %d calls", f.queue.calls)
	}
}

func TestUploadChunkFlow(t *testing.T) {
	f := newFixture(t, true, nil)
	fileID := "4b2f8e34-9c2d-4c7a-b1de-0f6a2d9c1b55"

	half := len(pdfBody) / 2
	chunks := [][]byte{pdfBody[:half], pdfBody[half:]}

	var rec *httptest.ResponseRecorder
	for i, chunk := range chunks {
		body := &bytes.Buffer{}
		writer := multipart.NewWriter(body)
		writer.WriteField("fileId", fileID)
		writer.WriteField("chunkIndex", strconv.Itoa(i))
		writer.WriteField("totalChunks", "2")
		writer.WriteField("filename", "large.pdf")
		fw, _ := writer.CreateFormFile("chunk", "blob")
		fw.Write(chunk)
		writer.Close()

		req := httptest.NewRequest(http.MethodPost, "/api/upload-chunk", body)
		req.Header.Set("Content-Type", writer.FormDataContentType())
		rec = httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
	}

	if rec.Code != http.StatusAccepted {
		t.Fatalf("final chunk status = %d, want 202: %s", rec.Code, rec.Body.String())
	}

	ids := jobIDsFromResponse(t, rec)
	if len(ids) != 1 {
		t.Fatalf("jobIds = %v, want 1 entry", ids)
	}
	if f.queue.calls != 1 {
		t.Fatalf("enqueue calls = %d, want 1", f.queue.calls)
	}

	job, err := f.store.Get(context.Background(), ids[0])
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if job.OriginalSize != int64(len(pdfBody)) {
		t.Fatalf("assembled size = %d, want %d", job.OriginalSize, len(pdfBody))
	}
}

func TestUploadChunkReportsMissing(t *testing.T) {
	f := newFixture(t, true, nil)
	fileID := "4b2f8e34-9c2d-4c7a-b1de-0f6a2d9c1b55"

	// 最終チャンクだけ送って欠落を報告させる
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	writer.WriteField("fileId", fileID)
	writer.WriteField("chunkIndex", "2")
	writer.WriteField("totalChunks", "3")
	writer.WriteField("filename", "large.pdf")
	fw, _ := writer.CreateFormFile("chunk", "blob")
	fw.Write([]byte("%%EOF"))
	writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/upload-chunk", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	var resp struct {
		Missing []int `json:"missing"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Missing) != 2 || resp.Missing[0] != 0 || resp.Missing[1] != 1 {
		t.Fatalf("missing = %v, want [0 1]", resp.Missing)
	}
}

