package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/mesmeriz2/PDF-compressor/internal/config"
	"github.com/mesmeriz2/PDF-compressor/internal/files"
	"github.com/mesmeriz2/PDF-compressor/internal/pdfengine"
)

// Enqueuer はタスクキューへの（遅延付き）再投入を抽象化します。
// ワーカーは特定キューのネイティブリトライ機構に依存しません。
type Enqueuer interface {
	EnqueueCompress(ctx context.Context, jobID string, delay time.Duration) (string, error)
}

// Broadcaster はジョブ更新の配信先（WebSocketハブ等）を抽象化します。
type Broadcaster interface {
	BroadcastJob(jobID string, status string, progress float64, errorMessage string)
}

// Worker は圧縮ジョブの状態機械を実行します。
// queued → running → {completed | failed}、外部からの cancelled を含みます。
type Worker struct {
	cfg      *config.Config
	store    *Store
	files    *files.Service
	engines  *pdfengine.Registry
	queue    Enqueuer
	notifier *WebhookNotifier
	hub      Broadcaster
	logger   *log.Logger
	now      func() time.Time
}

// NewWorker は Worker を作成します。notifier と hub は nil でも動作します。
func NewWorker(cfg *config.Config, store *Store, fileSvc *files.Service, engines *pdfengine.Registry, queue Enqueuer, notifier *WebhookNotifier, hub Broadcaster, logger *log.Logger) *Worker {
	if logger == nil {
		logger = log.Default()
	}
	return &Worker{
		cfg:      cfg,
		store:    store,
		files:    fileSvc,
		engines:  engines,
		queue:    queue,
		notifier: notifier,
		hub:      hub,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Process は1件のジョブを実行します。ジョブが既に消えている・キャンセル済みの
// 場合は黙って終了します。戻り値のエラーはタスク基盤へのエラー報告であり、
// ジョブ自体の失敗は store 側に記録されます。
func (w *Worker) Process(ctx context.Context, jobID, taskID string) error {
	job, err := w.store.Claim(ctx, jobID, taskID, w.now())
	if err != nil {
		return err
	}
	if job == nil {
		// 並行して削除・キャンセルされたか、バックオフ待ちのままの呼び出し
		return nil
	}

	w.logger.Printf("job started: id=%s file=%s engine=%s preset=%s retry=%d",
		job.ID, job.OriginalName, job.Engine, job.Preset, job.RetryCount)
	w.broadcast(job.ID, StatusRunning, job.Progress, "")

	inputPath := w.files.UploadPath(job.StoredName)

	// 実行時の再検証。ここでの失敗は永続的とみなしリトライしない。
	if !w.files.Exists(inputPath) {
		return w.failPermanent(ctx, job, "入力ファイルが見つかりません")
	}
	if err := w.files.ValidatePDF(inputPath); err != nil {
		return w.failPermanent(ctx, job, "有効なPDFファイルではありません")
	}
	if err := w.files.ScanAntivirus(inputPath); err != nil {
		return w.failPermanent(ctx, job, "セキュリティスキャンで拒否されたファイルです")
	}

	eng, err := w.engines.Resolve(job.Engine)
	if err != nil {
		return w.failPermanent(ctx, job, fmt.Sprintf("圧縮エンジンを利用できません: %s", job.Engine))
	}

	// チェックポイント: 検査前
	if w.cancelled(ctx, job.ID) {
		return nil
	}

	w.progress(ctx, job.ID, 0.1, nil)

	info, err := eng.Inspect(ctx, inputPath)
	if err != nil {
		return w.failTransient(ctx, job, fmt.Errorf("PDF情報の取得に失敗しました: %w", err))
	}
	if err := w.store.SetCounts(ctx, job.ID, info.PageCount, info.ImageCount); err != nil {
		w.logger.Printf("failed to persist counts job=%s: %v", job.ID, err)
	}
	if info.Encrypted {
		return w.failPermanent(ctx, job, "暗号化されたPDFは対応していません")
	}

	// チェックポイント: 圧縮前
	if w.cancelled(ctx, job.ID) {
		return nil
	}

	w.progress(ctx, job.ID, 0.2, nil)

	opts, err := decodeOptions(job)
	if err != nil {
		return w.failPermanent(ctx, job, "customOptions の形式が正しくありません")
	}

	outputName := "compressed_" + job.StoredName
	outputPath := w.files.ResultPath(outputName)

	runCtx, cancel := context.WithTimeout(ctx, w.cfg.TaskTimeout)
	defer cancel()

	compressStart := w.now()
	result, err := eng.Compress(runCtx, inputPath, outputPath, job.Preset, opts, func(fraction float64) {
		w.progress(ctx, job.ID, fraction, etaEstimate(compressStart, w.now(), fraction))
	})
	if err != nil {
		_ = w.files.Remove(outputPath)
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("圧縮が制限時間を超過しました: %w", err)
		}
		return w.failTransient(ctx, job, err)
	}
	if !w.files.Exists(outputPath) {
		return w.failTransient(ctx, job, errors.New("圧縮結果ファイルが生成されませんでした"))
	}

	// チェックポイント: コミット前。キャンセル済みなら結果を破棄する。
	if w.cancelled(ctx, job.ID) {
		_ = w.files.Remove(outputPath)
		return nil
	}

	ratio := 1.0
	if job.OriginalSize > 0 {
		ratio = float64(result.OutputSize) / float64(job.OriginalSize)
	}

	completedAt := w.now()
	expiresAt := completedAt.Add(w.cfg.Retention)
	committed, err := w.store.MarkCompleted(ctx, job.ID, result.OutputSize, ratio, outputName, completedAt, expiresAt)
	if err != nil {
		return err
	}
	if !committed {
		// コミット直前にキャンセルされた。結果は採用しない。
		_ = w.files.Remove(outputPath)
		return nil
	}

	w.logger.Printf("job completed: id=%s engine=%s %d -> %d bytes (ratio %.2f)",
		job.ID, result.Engine, job.OriginalSize, result.OutputSize, ratio)
	w.broadcast(job.ID, StatusCompleted, 1.0, "")
	w.notify(ctx, job.ID)
	return nil
}

// failPermanent はリトライせずにジョブを failed にします。
func (w *Worker) failPermanent(ctx context.Context, job *Job, message string) error {
	ok, err := w.store.MarkFailed(ctx, job.ID, message, job.RetryCount, w.now())
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	w.logger.Printf("job failed (permanent): id=%s: %s", job.ID, message)
	w.broadcast(job.ID, StatusFailed, 0, message)
	w.notify(ctx, job.ID)
	return nil
}

// failTransient はリトライ回数を増やし、余地があれば指数バックオフ付きで
// 再投入し、尽きていれば failed にします。
func (w *Worker) failTransient(ctx context.Context, job *Job, cause error) error {
	retryCount := job.RetryCount + 1
	message := cause.Error()

	if retryCount < w.cfg.MaxRetries {
		delay := w.cfg.RetryBaseDelay * time.Duration(1<<retryCount)
		nextAttempt := w.now().Add(delay)

		ok, err := w.store.Requeue(ctx, job.ID, retryCount, message, nextAttempt)
		if err != nil {
			return err
		}
		if !ok {
			// 実行中にキャンセルされた
			return nil
		}

		taskID, err := w.queue.EnqueueCompress(ctx, job.ID, delay)
		if err != nil {
			// 再投入できない場合はこの時点で失敗確定にする
			w.logger.Printf("failed to requeue job=%s: %v", job.ID, err)
			_, _ = w.store.MarkFailed(ctx, job.ID, message, retryCount, w.now())
			w.broadcast(job.ID, StatusFailed, 0, message)
			w.notify(ctx, job.ID)
			return nil
		}
		_ = w.store.SetTaskID(ctx, job.ID, taskID)

		w.logger.Printf("job retry scheduled: id=%s attempt=%d/%d delay=%s: %s",
			job.ID, retryCount, w.cfg.MaxRetries, delay, message)
		w.broadcast(job.ID, StatusQueued, 0, "")
		return nil
	}

	ok, err := w.store.MarkFailed(ctx, job.ID, message, retryCount, w.now())
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	w.logger.Printf("job failed: id=%s retries=%d: %s", job.ID, retryCount, message)
	w.broadcast(job.ID, StatusFailed, 0, message)
	w.notify(ctx, job.ID)
	return nil
}

// cancelled は協調キャンセルのチェックポイント判定です。
// ジョブが消えている場合もこれ以上進めないため true を返します。
func (w *Worker) cancelled(ctx context.Context, jobID string) bool {
	job, err := w.store.Get(ctx, jobID)
	if errors.Is(err, ErrNotFound) {
		return true
	}
	if err != nil {
		return false
	}
	return job.Status == StatusCancelled
}

func (w *Worker) progress(ctx context.Context, jobID string, fraction float64, etaSeconds *int) {
	if err := w.store.UpdateProgress(ctx, jobID, fraction, etaSeconds); err != nil {
		w.logger.Printf("failed to update progress job=%s: %v", jobID, err)
		return
	}
	w.broadcast(jobID, StatusRunning, fraction, "")
}

func (w *Worker) broadcast(jobID string, status Status, progress float64, errorMessage string) {
	if w.hub == nil {
		return
	}
	w.hub.BroadcastJob(jobID, string(status), progress, errorMessage)
}

func (w *Worker) notify(ctx context.Context, jobID string) {
	if w.notifier == nil {
		return
	}
	job, err := w.store.Get(ctx, jobID)
	if err != nil {
		return
	}
	w.notifier.Notify(ctx, job)
}

// decodeOptions は customOptions と保存フラグをエンジンのオプションバッグへ変換します。
func decodeOptions(job *Job) (pdfengine.Options, error) {
	opts := pdfengine.Options{}
	if job.CustomOptions != "" {
		if err := json.Unmarshal([]byte(job.CustomOptions), &opts); err != nil {
			return nil, err
		}
	}
	opts["preserve_metadata"] = job.PreserveMetadata
	opts["preserve_ocr"] = job.PreserveOCR
	return opts, nil
}

// etaEstimate は経過時間と進捗から残り秒数を概算します。
// 進捗が小さすぎる間は見積もりを出しません。
func etaEstimate(start, now time.Time, fraction float64) *int {
	if fraction < 0.05 || fraction >= 1.0 {
		return nil
	}
	elapsed := now.Sub(start).Seconds()
	if elapsed <= 0 {
		return nil
	}
	eta := int(elapsed * (1 - fraction) / fraction)
	return &eta
}
