// Package intake はPDFアップロードの受付（検証・重複排除・ジョブ登録・
// キュー投入）を提供します。
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mesmeriz2/PDF-compressor/internal/config"
	"github.com/mesmeriz2/PDF-compressor/internal/files"
	"github.com/mesmeriz2/PDF-compressor/internal/jobs"
	"github.com/mesmeriz2/PDF-compressor/internal/pdfengine"
)

// Handler はアップロード受付のHTTPハンドラー群です。
type Handler struct {
	cfg     *config.Config
	store   *jobs.Store
	files   *files.Service
	engines *pdfengine.Registry
	queue   jobs.Enqueuer
	now     func() time.Time
}

// NewHandler は Handler を作成します。
func NewHandler(cfg *config.Config, store *jobs.Store, fileSvc *files.Service, engines *pdfengine.Registry, queue jobs.Enqueuer) *Handler {
	return &Handler{
		cfg:     cfg,
		store:   store,
		files:   fileSvc,
		engines: engines,
		queue:   queue,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// uploadParams はフォームから読み取る圧縮パラメーターです。
type uploadParams struct {
	preset           pdfengine.Preset
	engine           string
	customOptions    string
	preserveMetadata bool
	preserveOCR      bool
}

// Upload は POST /api/upload のハンドラーです。
// 複数ファイルを受け付け、ファイルごとに1ジョブを登録します。
func (h *Handler) Upload(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "multipart/form-data でPDFファイルを送信してください。",
		})
		return
	}
	defer form.RemoveAll()

	fileHeaders := form.File["files[]"]
	if len(fileHeaders) == 0 {
		fileHeaders = form.File["files"]
	}
	if len(fileHeaders) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "アップロードされたPDFファイルが見つかりません。",
		})
		return
	}
	if len(fileHeaders) > h.cfg.MaxFilesPerBatch {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "LIMIT_EXCEEDED",
			"message": fmt.Sprintf("一度にアップロードできるのは %d ファイルまでです。", h.cfg.MaxFilesPerBatch),
		})
		return
	}

	params, err := h.parseParams(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": err.Error(),
		})
		return
	}

	session := userSession(c)

	jobIDs := make([]string, 0, len(fileHeaders))
	for _, fh := range fileHeaders {
		job, err := h.intakeOne(c, fh, params, session)
		if err != nil {
			respondIntakeError(c, err)
			return
		}
		jobIDs = append(jobIDs, job.ID)
	}

	c.JSON(http.StatusAccepted, gin.H{
		"jobIds":  jobIDs,
		"message": fmt.Sprintf("%d 件の圧縮ジョブを受け付けました。", len(jobIDs)),
	})
}

// UploadChunk は POST /api/upload-chunk のハンドラーです。
// 大きなファイルを分割して受け取り、最終チャンク受信時に結合して
// 通常のアップロードと同じ経路でジョブを登録します。
func (h *Handler) UploadChunk(c *gin.Context) {
	fileID := strings.TrimSpace(c.PostForm("fileId"))
	if _, err := uuid.Parse(fileID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "fileId はUUID形式で指定してください。",
		})
		return
	}

	chunkIndex, err := strconv.Atoi(c.PostForm("chunkIndex"))
	if err != nil || chunkIndex < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "chunkIndex は 0 以上の整数で指定してください。",
		})
		return
	}
	totalChunks, err := strconv.Atoi(c.PostForm("totalChunks"))
	if err != nil || totalChunks < 1 || chunkIndex >= totalChunks {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "totalChunks の値が正しくありません。",
		})
		return
	}

	originalName := strings.TrimSpace(c.PostForm("filename"))
	if originalName == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "filename を指定してください。",
		})
		return
	}

	fh, err := c.FormFile("chunk")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "chunk フィールドにデータを送信してください。",
		})
		return
	}

	src, err := fh.Open()
	if err != nil {
		respondIntakeError(c, err)
		return
	}
	saveErr := h.files.SaveChunk(fileID, chunkIndex, src)
	src.Close()
	if saveErr != nil {
		respondIntakeError(c, saveErr)
		return
	}

	// 最終チャンクでなければ受領のみ返す
	if chunkIndex != totalChunks-1 {
		c.JSON(http.StatusOK, gin.H{
			"status":     "chunk_received",
			"fileId":     fileID,
			"chunkIndex": chunkIndex,
		})
		return
	}

	if missing := h.files.MissingChunks(fileID, totalChunks); len(missing) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": fmt.Sprintf("未受信のチャンクがあります: %v", missing),
			"missing": missing,
		})
		return
	}

	params, err := h.parseParams(c)
	if err != nil {
		h.files.RemoveTemp(fileID)
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": err.Error(),
		})
		return
	}

	storedName, err := h.files.AssembleChunks(fileID, totalChunks)
	if err != nil {
		h.files.RemoveTemp(fileID)
		respondIntakeError(c, err)
		return
	}

	job, err := h.registerStored(c, fileID, storedName, originalName, params, userSession(c))
	if err != nil {
		respondIntakeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status": "completed",
		"fileId": fileID,
		"jobIds": []string{job.ID},
	})
}

// intakeOne は1ファイルを保存・検証し、ジョブを登録してキューへ投入します。
func (h *Handler) intakeOne(c *gin.Context, fh *multipart.FileHeader, params uploadParams, session string) (*jobs.Job, error) {
	if fh.Size > h.cfg.MaxUploadSize {
		return nil, jobs.NewError("LIMIT_EXCEEDED",
			fmt.Sprintf("ファイルサイズが上限（%d MB）を超えています。", h.cfg.MaxUploadSize/(1024*1024)), nil)
	}

	src, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer src.Close()

	id := uuid.NewString()
	storedName := id + ".pdf"
	if _, err := h.files.SaveUpload(src, storedName); err != nil {
		if errors.Is(err, files.ErrTooLarge) {
			return nil, jobs.NewError("LIMIT_EXCEEDED",
				fmt.Sprintf("ファイルサイズが上限（%d MB）を超えています。", h.cfg.MaxUploadSize/(1024*1024)), err)
		}
		return nil, err
	}

	return h.registerStored(c, id, storedName, fh.Filename, params, session)
}

// registerStored は保存済みファイルを検証してジョブを登録し、キューへ投入します。
// 登録後の失敗ではファイルとレコードを後始末します。
func (h *Handler) registerStored(c *gin.Context, id, storedName, originalName string, params uploadParams, session string) (*jobs.Job, error) {
	ctx := c.Request.Context()
	uploadPath := h.files.UploadPath(storedName)

	if err := h.files.ValidatePDF(uploadPath); err != nil {
		_ = h.files.Remove(uploadPath)
		return nil, jobs.NewError("INVALID_INPUT", "有効なPDFファイルではありません。", err)
	}
	if err := h.files.ScanAntivirus(uploadPath); err != nil {
		_ = h.files.Remove(uploadPath)
		return nil, jobs.NewError("INVALID_INPUT", "セキュリティスキャンで拒否されたファイルです。", err)
	}

	size := h.files.Size(uploadPath)
	now := h.now()

	job := &jobs.Job{
		ID:               id,
		UserSession:      session,
		StoredName:       storedName,
		OriginalName:     files.SanitizeFilename(originalName),
		OriginalSize:     size,
		Preset:           params.preset,
		Engine:           params.engine,
		CustomOptions:    params.customOptions,
		PreserveMetadata: params.preserveMetadata,
		PreserveOCR:      params.preserveOCR,
		Status:           jobs.StatusQueued,
		CreatedAt:        now,
	}

	if h.cfg.EnableDeduplication {
		hash, err := h.files.HashFile(uploadPath)
		if err != nil {
			_ = h.files.Remove(uploadPath)
			return nil, err
		}
		job.ContentHash = hash

		reusable, err := h.store.FindReusable(ctx, hash, params.preset, params.engine,
			params.preserveMetadata, params.preserveOCR, now)
		if err != nil {
			_ = h.files.Remove(uploadPath)
			return nil, err
		}
		if reusable != nil && reusable.ResultFile != nil && h.files.Exists(h.files.ResultPath(*reusable.ResultFile)) {
			return h.cloneCompleted(ctx, job, reusable, now)
		}
	}

	if err := h.store.Create(ctx, job); err != nil {
		_ = h.files.Remove(uploadPath)
		return nil, err
	}

	taskID, err := h.queue.EnqueueCompress(ctx, job.ID, 0)
	if err != nil {
		_ = h.files.Remove(uploadPath)
		_ = h.store.Delete(ctx, job.ID)
		return nil, jobs.NewError("QUEUE_UNAVAILABLE", "ジョブキューを利用できません。しばらくしてから再試行してください。", err)
	}
	_ = h.store.SetTaskID(ctx, job.ID, taskID)
	job.TaskID = taskID

	return job, nil
}

// cloneCompleted は既存の完了済みジョブの結果を引き継いだ新しいジョブを
// 登録します。圧縮は実行せず、保持期限だけを更新します。
func (h *Handler) cloneCompleted(ctx context.Context, job, source *jobs.Job, now time.Time) (*jobs.Job, error) {
	completedAt := now
	expiresAt := now.Add(h.cfg.Retention)

	job.Status = jobs.StatusCompleted
	job.Progress = 1.0
	job.CompressedSize = source.CompressedSize
	job.CompressionRatio = source.CompressionRatio
	job.PageCount = source.PageCount
	job.ImageCount = source.ImageCount
	job.ResultFile = source.ResultFile
	job.CompletedAt = &completedAt
	job.ExpiresAt = &expiresAt

	if err := h.store.Create(ctx, job); err != nil {
		_ = h.files.Remove(h.files.UploadPath(job.StoredName))
		return nil, err
	}
	return job, nil
}

// parseParams はフォームの圧縮パラメーターを検証つきで読み取ります。
// エンジンは受付時点で解決し、利用できない指定は設定エラーとして弾きます。
func (h *Handler) parseParams(c *gin.Context) (uploadParams, error) {
	var params uploadParams

	rawPreset := strings.TrimSpace(c.PostForm("preset"))
	if rawPreset == "" {
		rawPreset = h.cfg.DefaultPreset
	}
	preset, err := pdfengine.NormalizePreset(rawPreset)
	if err != nil {
		return params, err
	}
	params.preset = preset

	engine := strings.TrimSpace(c.PostForm("engine"))
	if engine == "" {
		engine = h.cfg.DefaultEngine
	}
	resolved, err := h.engines.Resolve(engine)
	if err != nil {
		var unavailable *pdfengine.UnavailableError
		if errors.As(err, &unavailable) {
			return params, fmt.Errorf("圧縮エンジン %s は現在利用できません。", engine)
		}
		return params, fmt.Errorf("不明な圧縮エンジンです: %s", engine)
	}
	params.engine = resolved.Name()

	if raw := strings.TrimSpace(c.PostForm("customOptions")); raw != "" {
		if params.preset != pdfengine.PresetCustom {
			return params, errors.New("customOptions は preset=custom のときのみ指定できます。")
		}
		if !json.Valid([]byte(raw)) {
			return params, errors.New("customOptions は JSON オブジェクトで指定してください。")
		}
		params.customOptions = raw
	}

	params.preserveMetadata = parseBool(c.PostForm("preserveMetadata"), true)
	params.preserveOCR = parseBool(c.PostForm("preserveOcr"), true)
	return params, nil
}

func parseBool(raw string, def bool) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

// userSession はセッションミドルウェアが割り当てた匿名セッションIDを返します。
// ミドルウェアなしでも動作するよう、未設定時は空文字を返します。
func userSession(c *gin.Context) string {
	if _, ok := c.Get(sessions.DefaultKey); !ok {
		return ""
	}
	session := sessions.Default(c)
	if v, ok := session.Get("session_id").(string); ok {
		return v
	}
	return ""
}

func respondIntakeError(c *gin.Context, err error) {
	var apiErr *jobs.Error
	switch {
	case errors.As(err, &apiErr):
		status := http.StatusBadRequest
		switch apiErr.Code {
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
