package jobs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mesmeriz2/PDF-compressor/internal/config"
)

func TestWebhookNotify(t *testing.T) {
	received := make(chan map[string]any, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("failed to decode payload: %v", err)
		}
		received <- payload
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewWebhookNotifier(&config.Config{
		WebhookEnabled: true,
		WebhookURL:     server.URL,
	}, nil)

	size := int64(512)
	ratio := 0.5
	completedAt := time.Now().UTC()
	job := completedJob("job-1", "h1", "out.pdf", completedAt, completedAt.Add(time.Hour))
	job.CompressedSize = &size
	job.CompressionRatio = &ratio

	notifier.Notify(context.Background(), job)

	select {
	case payload := <-received:
		if payload["jobId"] != "job-1" || payload["status"] != "completed" {
			t.Fatalf("unexpected payload: %v", payload)
		}
		if payload["compressedSize"].(float64) != 512 {
			t.Fatalf("compressedSize = %v", payload["compressedSize"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was not delivered")
	}
}

func TestWebhookDisabledIsNoop(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	notifier := NewWebhookNotifier(&config.Config{
		WebhookEnabled: false,
		WebhookURL:     server.URL,
	}, nil)

	job := newQueuedJob("job-1")
	notifier.Notify(context.Background(), job)

	if called {
		t.Fatal("disabled notifier must not send requests")
	}
}
