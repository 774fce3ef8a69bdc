// Package main はPDF圧縮APIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mesmeriz2/PDF-compressor/internal/config"
	"github.com/mesmeriz2/PDF-compressor/internal/files"
	"github.com/mesmeriz2/PDF-compressor/internal/intake"
	"github.com/mesmeriz2/PDF-compressor/internal/jobs"
	"github.com/mesmeriz2/PDF-compressor/internal/pdfengine"
	"github.com/mesmeriz2/PDF-compressor/internal/ws"
)

const sessionCookieName = "pdf_compressor_session"

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags)

	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	// ファイル領域とジョブストアの初期化
	fileSvc, err := files.NewService(cfg.UploadDir, cfg.ResultDir, cfg.TempDir, cfg.MaxUploadSize)
	if err != nil {
		logger.Fatalf("Failed to init file service: %v", err)
	}

	store, err := jobs.NewStore(cfg.DatabasePath)
	if err != nil {
		logger.Fatalf("Failed to open job store: %v", err)
	}
	defer store.Close()

	// 圧縮エンジンのレジストリ
	engines := pdfengine.Default(cfg)
	logger.Printf("Compression engines: %s", strings.Join(engines.Names(), ", "))

	// WebSocketハブ
	hub := ws.NewHub(logger)
	go hub.Run()

	// タスクキュー（ワーカー・スケジューラ込み）
	manager, err := jobs.NewManager(cfg, store, fileSvc, engines, hub, logger)
	if err != nil {
		logger.Fatalf("Failed to init task manager: %v", err)
	}
	if err := manager.Start(); err != nil {
		logger.Fatalf("Failed to start task manager: %v", err)
	}

	// ヘルスチェック用のRedisクライアント
	redisOpt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatalf("Failed to parse redis url: %v", err)
	}
	redisClient := redis.NewClient(redisOpt)
	defer redisClient.Close()

	router := setupRouter(cfg, store, fileSvc, engines, manager, hub, redisClient)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Printf("Starting API server on %s (mode: %s)", srv.Addr, cfg.GinMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// シグナル受信でグレースフルシャットダウン
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Printf("HTTP server shutdown: %v", err)
	}
	if err := manager.Shutdown(ctx); err != nil {
		logger.Printf("Task manager shutdown: %v", err)
	}
	logger.Println("Shutdown complete")
}

// setupRouter はミドルウェアとルーティングを配線します。
func setupRouter(cfg *config.Config, store *jobs.Store, fileSvc *files.Service, engines *pdfengine.Registry, manager *jobs.Manager, hub *ws.Hub, redisClient *redis.Client) *gin.Engine {
	router := gin.Default()

	// セッションストアの設定（クッキー署名鍵は必須）
	cookieStore := cookie.NewStore([]byte(cfg.SessionSecret))
	cookieStore.Options(sessions.Options{
		Path:     "/",
		MaxAge:   int((7 * 24 * time.Hour).Seconds()),
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteLaxMode,
	})
	router.Use(sessions.Sessions(sessionCookieName, cookieStore))
	router.Use(ensureSessionID())

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
	}
	router.Use(cors.New(corsConfig))

	// ヘルスチェック
	router.GET("/healthz", handleHealth(store, redisClient))
	router.GET("/readyz", handleReady(store, redisClient))

	intakeHandler := intake.NewHandler(cfg, store, fileSvc, engines, manager)
	jobHandler := jobs.NewHandler(store, fileSvc, manager, hub)

	api := router.Group("/api")
	{
		api.POST("/upload", intakeHandler.Upload)
		api.POST("/upload-chunk", intakeHandler.UploadChunk)

		api.GET("/jobs", jobHandler.List)
		api.GET("/jobs/:id", jobHandler.Get)
		api.POST("/jobs/:id/cancel", jobHandler.Cancel)
		api.DELETE("/jobs/:id", jobHandler.Delete)
		api.GET("/jobs/:id/download", jobHandler.Download)
		api.POST("/jobs/batch/download", jobHandler.BatchDownload)

		api.GET("/ws", hub.Serve)
	}

	return router
}

// ensureSessionID は匿名セッションIDを払い出すミドルウェアです。
// 認証は行わず、ジョブ一覧の絞り込みにのみ使います。
func ensureSessionID() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		if _, ok := session.Get("session_id").(string); !ok {
			session.Set("session_id", uuid.NewString())
			if err := session.Save(); err != nil {
				log.Printf("failed to save session: %v", err)
			}
		}
		c.Next()
	}
}

// handleHealth は GET /healthz のハンドラーです。依存先が一部落ちていても
// 200 を返し、状態を degraded として報告します。
func handleHealth(store *jobs.Store, redisClient *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := "ok"
		checks := gin.H{"database": "ok", "redis": "ok"}

		if err := store.Ping(ctx); err != nil {
			status = "degraded"
			checks["database"] = err.Error()
		}
		if err := redisClient.Ping(ctx).Err(); err != nil {
			status = "degraded"
			checks["redis"] = err.Error()
		}

		c.JSON(http.StatusOK, gin.H{
			"status":  status,
			"service": "pdf-compressor-api",
			"checks":  checks,
		})
	}
}

// handleReady は GET /readyz のハンドラーです。依存先に到達できない間は
// 503 を返してトラフィックを受けません。
func handleReady(store *jobs.Store, redisClient *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := store.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "reason": "database"})
			return
		}
		if err := redisClient.Ping(ctx).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "reason": "redis"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}
