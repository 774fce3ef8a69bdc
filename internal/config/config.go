// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
// グローバルな可変設定は持たず、各コンポーネントのコンストラクタへ渡します。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS / セッション設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）
	SessionSecret      string // セッションクッキー署名用の秘密鍵

	// ファイル配置
	UploadDir    string // アップロード元ファイルの保存先
	ResultDir    string // 圧縮結果ファイルの保存先
	TempDir      string // チャンクアップロード用の一時領域
	DatabasePath string // ジョブテーブル（SQLite）のパス

	// アップロード制限
	MaxUploadSize    int64 // 単一ファイルの最大サイズ（バイト）
	MaxFilesPerBatch int   // 一括アップロードの最大ファイル数

	// キュー / ワーカー設定
	RedisURL          string        // Asynq用Redis接続URL
	WorkerConcurrency int           // 圧縮ワーカーの並列数
	TaskTimeout       time.Duration // 圧縮1回あたりのウォールクロック上限
	MaxRetries        int           // 一時的な失敗の最大リトライ回数
	RetryBaseDelay    time.Duration // 指数バックオフの基準遅延

	// 保持 / 掃除設定
	Retention              time.Duration // 完了ジョブの成果物保持期間
	CleanupIntervalMinutes int           // 期限切れジョブ掃除の実行間隔（分）

	// 圧縮設定
	DefaultPreset        string // 既定の圧縮プリセット
	DefaultEngine        string // 既定の圧縮エンジン
	EnableEngineFallback bool   // エンジンが使用不可の場合に代替エンジンへ切り替えるか
	GhostscriptPath      string // Ghostscript実行ファイルのパス
	QPDFPath             string // qpdf実行ファイルのパス

	// 重複排除
	EnableDeduplication bool // 同一内容・同一オプションの再圧縮を省略するか

	// ウェブフック
	WebhookEnabled bool   // 完了/失敗時の通知を送るか
	WebhookURL     string // 通知先URL
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		SessionSecret:      getEnv("SESSION_SECRET", "dev-session-secret"),

		UploadDir:    getEnv("UPLOAD_DIR", "/data/uploads"),
		ResultDir:    getEnv("RESULT_DIR", "/data/results"),
		TempDir:      getEnv("TEMP_DIR", "/data/temp"),
		DatabasePath: getEnv("DATABASE_PATH", "/data/jobs.db"),

		MaxUploadSize:    getEnvAsInt64("MAX_UPLOAD_SIZE_MB", 512) * 1024 * 1024,
		MaxFilesPerBatch: getEnvAsInt("MAX_FILES_PER_BATCH", 20),

		RedisURL:          getEnv("REDIS_URL", "redis://127.0.0.1:6379/0"),
		WorkerConcurrency: getEnvAsInt("WORKER_CONCURRENCY", 2),
		TaskTimeout:       time.Duration(getEnvAsInt("TASK_TIMEOUT_SECONDS", 1800)) * time.Second,
		MaxRetries:        getEnvAsInt("TASK_MAX_RETRIES", 3),
		RetryBaseDelay:    time.Duration(getEnvAsInt("RETRY_BASE_DELAY_SECONDS", 60)) * time.Second,

		Retention:              time.Duration(getEnvAsInt("RETENTION_HOURS", 24)) * time.Hour,
		CleanupIntervalMinutes: getEnvAsInt("CLEANUP_INTERVAL_MINUTES", 60),

		DefaultPreset:        getEnv("DEFAULT_PRESET", "ebook"),
		DefaultEngine:        getEnv("DEFAULT_ENGINE", "ghostscript"),
		EnableEngineFallback: getEnvAsBool("ENABLE_ENGINE_FALLBACK", true),
		GhostscriptPath:      getEnv("GHOSTSCRIPT_PATH", "gs"),
		QPDFPath:             getEnv("QPDF_PATH", "qpdf"),

		EnableDeduplication: getEnvAsBool("ENABLE_DEDUPLICATION", true),

		WebhookEnabled: getEnvAsBool("WEBHOOK_ENABLED", false),
		WebhookURL:     getEnv("WEBHOOK_URL", ""),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.MaxFilesPerBatch <= 0 {
		return fmt.Errorf("MAX_FILES_PER_BATCH must be positive")
	}
	if c.MaxUploadSize <= 0 {
		return fmt.Errorf("MAX_UPLOAD_SIZE_MB must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("TASK_MAX_RETRIES must not be negative")
	}
	if c.WebhookEnabled && strings.TrimSpace(c.WebhookURL) == "" {
		return fmt.Errorf("WEBHOOK_URL is required when WEBHOOK_ENABLED=true")
	}

	// 本番環境では依存先の設定を厳格にチェックする
	if c.GinMode == "release" {
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required in release mode")
		}
		if c.SessionSecret == "" || c.SessionSecret == "dev-session-secret" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
	}

	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool は環境変数を真偽値として取得します。
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
