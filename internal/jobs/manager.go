package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/mesmeriz2/PDF-compressor/internal/config"
	"github.com/mesmeriz2/PDF-compressor/internal/files"
	"github.com/mesmeriz2/PDF-compressor/internal/pdfengine"
)

const (
	taskTypeCompress = "pdf:compress"
	taskTypeSweep    = "maintenance:sweep"

	queueCompress    = "compress"
	queueMaintenance = "maintenance"
)

// compressPayload は圧縮タスクのペイロードです。
type compressPayload struct {
	JobID string `json:"jobId"`
}

// Manager は Asynq のクライアント・サーバー・スケジューラを束ね、
// ジョブの投入・実行・定期回収を担います。
type Manager struct {
	cfg       *config.Config
	client    *asynq.Client
	server    *asynq.Server
	scheduler *asynq.Scheduler
	inspector *asynq.Inspector
	mux       *asynq.ServeMux
	worker    *Worker
	sweeper   *Sweeper
	logger    *log.Logger
}

// NewManager は Manager を初期化します。
func NewManager(cfg *config.Config, store *Store, fileSvc *files.Service, engines *pdfengine.Registry, hub Broadcaster, logger *log.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if fileSvc == nil {
		return nil, errors.New("file service is nil")
	}
	if logger == nil {
		logger = log.Default()
	}

	opt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	m := &Manager{
		cfg:       cfg,
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		scheduler: asynq.NewScheduler(opt, nil),
		logger:    logger,
	}

	m.server = asynq.NewServer(opt, asynq.Config{
		Concurrency: cfg.WorkerConcurrency,
		Queues: map[string]int{
			queueCompress:    5,
			queueMaintenance: 1,
		},
	})

	notifier := NewWebhookNotifier(cfg, logger)
	m.worker = NewWorker(cfg, store, fileSvc, engines, m, notifier, hub, logger)
	m.sweeper = NewSweeper(store, fileSvc, cfg.Retention, logger)

	mux := asynq.NewServeMux()
	mux.HandleFunc(taskTypeCompress, m.handleCompress)
	mux.HandleFunc(taskTypeSweep, m.handleSweep)
	m.mux = mux

	interval := cfg.CleanupIntervalMinutes
	if interval <= 0 {
		interval = 60
	}
	if _, err := m.scheduler.Register(
		fmt.Sprintf("@every %dm", interval),
		asynq.NewTask(taskTypeSweep, nil),
		asynq.Queue(queueMaintenance),
	); err != nil {
		return nil, fmt.Errorf("failed to register sweep schedule: %w", err)
	}

	return m, nil
}

// Start はワーカーサーバーと定期スケジューラをバックグラウンドで起動します。
func (m *Manager) Start() error {
	go func() {
		if err := m.server.Run(m.mux); err != nil && err != asynq.ErrServerClosed {
			m.logger.Printf("asynq server stopped with error: %v", err)
		}
	}()
	return m.scheduler.Start()
}

// Shutdown はスケジューラ・サーバー・クライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.scheduler.Shutdown()
	m.server.Shutdown()
	return m.client.Close()
}

// EnqueueCompress は圧縮タスクをキューへ投入し、タスクIDを返します。
// delay が正の場合はその時間が経過するまで実行されません（リトライの
// バックオフはこの遅延投入で実現します）。リトライ制御はワーカー側で
// 行うため、Asynq 自体のリトライは使いません。
func (m *Manager) EnqueueCompress(ctx context.Context, jobID string, delay time.Duration) (string, error) {
	if jobID == "" {
		return "", errors.New("jobID is required")
	}

	payload, err := json.Marshal(compressPayload{JobID: jobID})
	if err != nil {
		return "", err
	}

	opts := []asynq.Option{
		asynq.Queue(queueCompress),
		asynq.MaxRetry(0),
		asynq.Timeout(m.cfg.TaskTimeout + time.Minute),
	}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}

	info, err := m.client.EnqueueContext(ctx, asynq.NewTask(taskTypeCompress, payload), opts...)
	if err != nil {
		return "", err
	}
	return info.ID, nil
}

// CancelTask は実行中・待機中のタスクをベストエフォートで取り消します。
// ワーカー側のチェックポイントが最終的な取り消しを保証するため、
// ここでの失敗は無視します。
func (m *Manager) CancelTask(taskID string) {
	if taskID == "" {
		return
	}
	if err := m.inspector.CancelProcessing(taskID); err != nil {
		m.logger.Printf("cancel processing task=%s: %v", taskID, err)
	}
	if err := m.inspector.DeleteTask(queueCompress, taskID); err != nil {
		m.logger.Printf("delete pending task=%s: %v", taskID, err)
	}
}

func (m *Manager) handleCompress(ctx context.Context, task *asynq.Task) error {
	var payload compressPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}
	if payload.JobID == "" {
		return errors.New("missing jobId in payload")
	}

	taskID, _ := asynq.GetTaskID(ctx)
	return m.worker.Process(ctx, payload.JobID, taskID)
}

func (m *Manager) handleSweep(ctx context.Context, task *asynq.Task) error {
	removed, err := m.sweeper.SweepOnce(ctx)
	if err != nil {
		return err
	}
	if removed > 0 {
		m.logger.Printf("sweep removed %d expired jobs", removed)
	}
	return nil
}
