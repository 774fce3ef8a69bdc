package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/mesmeriz2/PDF-compressor/internal/config"
)

// WebhookNotifier はジョブの完了・失敗を外部URLへ通知します。
// 通知はベストエフォートで、失敗してもジョブの状態には影響しません。
type WebhookNotifier struct {
	enabled bool
	url     string
	client  *http.Client
	logger  *log.Logger
}

// NewWebhookNotifier は WebhookNotifier を作成します。
func NewWebhookNotifier(cfg *config.Config, logger *log.Logger) *WebhookNotifier {
	if logger == nil {
		logger = log.Default()
	}
	return &WebhookNotifier{
		enabled: cfg.WebhookEnabled && cfg.WebhookURL != "",
		url:     cfg.WebhookURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

// Notify はジョブの現在状態を通知します。
func (n *WebhookNotifier) Notify(ctx context.Context, job *Job) {
	if n == nil || !n.enabled || job == nil {
		return
	}

	payload := map[string]any{
		"jobId":    job.ID,
		"status":   string(job.Status),
		"filename": job.OriginalName,
	}
	if job.CompressedSize != nil {
		payload["compressedSize"] = *job.CompressedSize
	}
	if job.CompressionRatio != nil {
		payload["compressionRatio"] = *job.CompressionRatio
	}
	if job.CompletedAt != nil {
		payload["completedAt"] = job.CompletedAt.Format(time.RFC3339)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.Printf("webhook: failed to marshal payload job=%s: %v", job.ID, err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		n.logger.Printf("webhook: failed to build request job=%s: %v", job.ID, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Printf("webhook: delivery failed job=%s: %v", job.ID, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		n.logger.Printf("webhook: unexpected status job=%s: %d", job.ID, resp.StatusCode)
	}
}
