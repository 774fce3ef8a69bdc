package ws

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

func TestHubBroadcastsJobUpdates(t *testing.T) {
	gin.SetMode(gin.TestMode)

	hub := NewHub(nil)
	go hub.Run()

	router := gin.New()
	router.GET("/api/ws", hub.Serve)
	server := httptest.NewServer(router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer conn.Close()

	// 登録がハブのループに届くまで少し待つ
	time.Sleep(50 * time.Millisecond)

	hub.BroadcastJob("job-1", "running", 0.4, "")

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, message, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read message: %v", err)
	}

	var update struct {
		Type     string  `json:"type"`
		JobID    string  `json:"jobId"`
		Status   string  `json:"status"`
		Progress float64 `json:"progress"`
	}
	if err := json.Unmarshal(message, &update); err != nil {
		t.Fatalf("failed to decode update: %v", err)
	}
	if update.Type != "job_update" || update.JobID != "job-1" || update.Status != "running" || update.Progress != 0.4 {
		t.Fatalf("unexpected update: %+v", update)
	}
}
