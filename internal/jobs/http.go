package jobs

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mesmeriz2/PDF-compressor/internal/files"
)

// Canceller は実行基盤側のタスク取り消しを抽象化します。
type Canceller interface {
	CancelTask(taskID string)
}

// Handler はジョブ照会・取消・削除・ダウンロードのHTTPハンドラー群です。
type Handler struct {
	store     *Store
	files     *files.Service
	canceller Canceller
	hub       Broadcaster
	now       func() time.Time
}

// NewHandler は Handler を作成します。canceller と hub は nil でも動作します。
func NewHandler(store *Store, fileSvc *files.Service, canceller Canceller, hub Broadcaster) *Handler {
	return &Handler{
		store:     store,
		files:     fileSvc,
		canceller: canceller,
		hub:       hub,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Get は GET /api/jobs/:id のハンドラーです。
func (h *Handler) Get(c *gin.Context) {
	job, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondWithError(c, wrapNotFound(err))
		return
	}
	c.JSON(http.StatusOK, jobResponse(job, h.now()))
}

// List は GET /api/jobs のハンドラーです。
// user_session / status / limit / offset のクエリで絞り込めます。
func (h *Handler) List(c *gin.Context) {
	filter := ListFilter{
		UserSession: strings.TrimSpace(c.Query("user_session")),
	}

	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		status := Status(raw)
		if !status.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": fmt.Sprintf("不明なステータスです: %s", raw),
			})
			return
		}
		filter.Status = status
	}

	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 200 {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "limit は 1〜200 の整数で指定してください。",
			})
			return
		}
		filter.Limit = n
	}
	if raw := c.Query("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "offset は 0 以上の整数で指定してください。",
			})
			return
		}
		filter.Offset = n
	}

	list, err := h.store.List(c.Request.Context(), filter)
	if err != nil {
		respondWithError(c, err)
		return
	}

	now := h.now()
	items := make([]gin.H, 0, len(list))
	for _, job := range list {
		items = append(items, jobResponse(job, now))
	}
	c.JSON(http.StatusOK, gin.H{"jobs": items, "count": len(items)})
}

// Cancel は POST /api/jobs/:id/cancel のハンドラーです。
// 終端状態のジョブは取り消せません。
func (h *Handler) Cancel(c *gin.Context) {
	ctx := c.Request.Context()
	job, err := h.store.Get(ctx, c.Param("id"))
	if err != nil {
		respondWithError(c, wrapNotFound(err))
		return
	}

	if job.Status.Terminal() {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_STATE",
			"message": fmt.Sprintf("このジョブは既に %s のため取り消せません。", job.Status),
		})
		return
	}

	ok, err := h.store.Cancel(ctx, job.ID, h.now())
	if err != nil {
		respondWithError(c, err)
		return
	}
	if !ok {
		// Get と Cancel の間に終端へ遷移した
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_STATE",
			"message": "このジョブは既に終了しています。",
		})
		return
	}

	if h.canceller != nil && job.TaskID != "" {
		h.canceller.CancelTask(job.TaskID)
	}
	if h.hub != nil {
		h.hub.BroadcastJob(job.ID, string(StatusCancelled), job.Progress, "")
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    "CANCELLED",
		"message": "ジョブを取り消しました。",
	})
}

// Delete は DELETE /api/jobs/:id のハンドラーです。
// 関連ファイルを削除してからレコードを削除します。
func (h *Handler) Delete(c *gin.Context) {
	ctx := c.Request.Context()
	job, err := h.store.Get(ctx, c.Param("id"))
	if err != nil {
		respondWithError(c, wrapNotFound(err))
		return
	}

	if !job.Status.Terminal() {
		if ok, err := h.store.Cancel(ctx, job.ID, h.now()); err == nil && ok {
			if h.canceller != nil && job.TaskID != "" {
				h.canceller.CancelTask(job.TaskID)
			}
		}
	}

	if err := h.files.Remove(h.files.UploadPath(job.StoredName)); err != nil {
		respondWithError(c, err)
		return
	}
	if job.ResultFile != nil {
		inUse, err := h.store.ResultInUse(ctx, *job.ResultFile, job.ID, h.now())
		if err != nil {
			respondWithError(c, err)
			return
		}
		if !inUse {
			if err := h.files.Remove(h.files.ResultPath(*job.ResultFile)); err != nil {
				respondWithError(c, err)
				return
			}
		}
	}

	if err := h.store.Delete(ctx, job.ID); err != nil {
		respondWithError(c, wrapNotFound(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    "DELETED",
		"message": "ジョブを削除しました。",
	})
}

// Download は GET /api/jobs/:id/download のハンドラーです。
func (h *Handler) Download(c *gin.Context) {
	job, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondWithError(c, wrapNotFound(err))
		return
	}

	if job.Status != StatusCompleted || job.ResultFile == nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "JOB_NOT_COMPLETED",
			"message": "圧縮が完了していないジョブはダウンロードできません。",
		})
		return
	}
	if job.Expired(h.now()) {
		c.JSON(http.StatusGone, gin.H{
			"code":    "RESULT_EXPIRED",
			"message": "圧縮結果の保持期限が切れています。",
		})
		return
	}

	path := h.files.ResultPath(*job.ResultFile)
	file, err := os.Open(path)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "RESULT_MISSING",
			"message": "圧縮結果ファイルが見つかりません。",
		})
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		respondWithError(c, err)
		return
	}

	downloadName := "compressed_" + job.OriginalName
	encodedName := url.PathEscape(downloadName)
	c.Header("Content-Type", "application/pdf")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", downloadName, encodedName))
	c.Header("Cache-Control", "no-store")
	c.Header("X-Job-Id", job.ID)
	c.DataFromReader(http.StatusOK, info.Size(), "application/pdf", file, nil)
}

// BatchDownload は POST /api/jobs/batch/download のハンドラーです。
// 完了済みジョブの成果物をZIPにまとめて返します。
func (h *Handler) BatchDownload(c *gin.Context) {
	var req struct {
		JobIDs []string `json:"jobIds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.JobIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "jobIds にジョブIDの配列を指定してください。",
		})
		return
	}

	now := h.now()
	type entry struct {
		name string
		path string
	}
	var entries []entry
	seen := map[string]int{}

	for _, id := range req.JobIDs {
		job, err := h.store.Get(c.Request.Context(), id)
		if err != nil {
			continue
		}
		if job.Status != StatusCompleted || job.ResultFile == nil || job.Expired(now) {
			continue
		}
		path := h.files.ResultPath(*job.ResultFile)
		if !h.files.Exists(path) {
			continue
		}

		name := "compressed_" + job.OriginalName
		if n := seen[name]; n > 0 {
			name = fmt.Sprintf("compressed_%d_%s", n, job.OriginalName)
		}
		seen["compressed_"+job.OriginalName]++
		entries = append(entries, entry{name: name, path: path})
	}

	if len(entries) == 0 {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "RESULT_MISSING",
			"message": "ダウンロード可能な圧縮結果が見つかりません。",
		})
		return
	}

	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", "attachment; filename=\"compressed_files.zip\"")
	c.Header("Cache-Control", "no-store")
	c.Status(http.StatusOK)

	zw := zip.NewWriter(c.Writer)
	defer zw.Close()

	for _, e := range entries {
		w, err := zw.Create(e.name)
		if err != nil {
			return
		}
		f, err := os.Open(e.path)
		if err != nil {
			continue
		}
		_, err = io.Copy(w, f)
		f.Close()
		if err != nil {
			return
		}
	}
}

// jobResponse はAPIレスポンス用の表現を組み立てます。
func jobResponse(job *Job, now time.Time) gin.H {
	resp := gin.H{
		"id":               job.ID,
		"originalFilename": job.OriginalName,
		"originalSize":     job.OriginalSize,
		"preset":           job.Preset,
		"engine":           job.Engine,
		"preserveMetadata": job.PreserveMetadata,
		"preserveOcr":      job.PreserveOCR,
		"status":           job.Status,
		"progress":         job.Progress,
		"retryCount":       job.RetryCount,
		"createdAt":        job.CreatedAt,
	}
	if job.EtaSeconds != nil {
		resp["etaSeconds"] = *job.EtaSeconds
	}
	if job.PageCount != nil {
		resp["pageCount"] = *job.PageCount
	}
	if job.ImageCount != nil {
		resp["imageCount"] = *job.ImageCount
	}
	if job.ErrorMessage != "" {
		resp["errorMessage"] = job.ErrorMessage
	}
	if job.StartedAt != nil {
		resp["startedAt"] = *job.StartedAt
	}
	if job.CompletedAt != nil {
		resp["completedAt"] = *job.CompletedAt
	}
	if job.ExpiresAt != nil {
		resp["expiresAt"] = *job.ExpiresAt
	}
	if job.Status == StatusCompleted {
		resp["compressedSize"] = job.CompressedSize
		resp["compressionRatio"] = job.CompressionRatio
		resp["compressionPercentage"] = job.CompressionPercentage()
		resp["savedBytes"] = job.SavedBytes()
		if !job.Expired(now) {
			resp["resultUrl"] = fmt.Sprintf("/api/jobs/%s/download", job.ID)
		}
	}
	return resp
}

// wrapNotFound は store の未検出エラーをAPIエラーへ変換します。
func wrapNotFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return NewError("JOB_NOT_FOUND", "指定されたジョブが見つかりません。", err)
	}
	return err
}

func respondWithError(c *gin.Context, err error) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		status := http.StatusBadRequest
		switch apiErr.Code {
		case "JOB_NOT_FOUND":
			status = http.StatusNotFound
		case "LIMIT_EXCEEDED":
			status = http.StatusRequestEntityTooLarge
		case "QUEUE_UNAVAILABLE":
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}
