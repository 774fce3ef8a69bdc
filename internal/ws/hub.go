// Package ws はジョブ更新をWebSocketで配信するハブを提供します。
package ws

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second

	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// jobUpdate は配信するメッセージの形式です。
type jobUpdate struct {
	Type         string  `json:"type"`
	JobID        string  `json:"jobId"`
	Status       string  `json:"status"`
	Progress     float64 `json:"progress"`
	ErrorMessage string  `json:"errorMessage,omitempty"`
}

// Client は接続中の1クライアントです。
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub は接続クライアントを管理し、ジョブ更新を全員へ配信します。
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	logger     *log.Logger
}

// NewHub は Hub を作成します。Run を呼ぶまで配信は始まりません。
func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
	}
}

// Run はハブのイベントループです。goroutine で実行してください。
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// 送信が詰まったクライアントは切り離す
					delete(h.clients, client)
					close(client.send)
				}
			}
		}
	}
}

// BroadcastJob はジョブの状態変化を全クライアントへ配信します。
func (h *Hub) BroadcastJob(jobID string, status string, progress float64, errorMessage string) {
	message, err := json.Marshal(jobUpdate{
		Type:         "job_update",
		JobID:        jobID,
		Status:       status,
		Progress:     progress,
		ErrorMessage: errorMessage,
	})
	if err != nil {
		h.logger.Printf("ws: failed to marshal job update: %v", err)
		return
	}
	select {
	case h.broadcast <- message:
	default:
		h.logger.Printf("ws: broadcast buffer full, dropping update job=%s", jobID)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 許可オリジンの判定はCORSミドルウェア側で済ませている
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Serve は GET /api/ws のハンドラーです。接続をWebSocketへ昇格し、
// 更新配信用の読み書きループを開始します。
func (h *Hub) Serve(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Printf("ws: upgrade failed: %v", err)
		return
	}

	client := &Client{hub: h, conn: conn, send: make(chan []byte, 16)}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump はクライアントからの制御メッセージを処理します。
// アプリケーションメッセージは受け付けず、切断検知にのみ使います。
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump は配信メッセージと定期Pingをクライアントへ書き込みます。
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
