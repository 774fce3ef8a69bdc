// Package jobs は圧縮ジョブのライフサイクル管理（永続化・スケジューリング・
// 実行・回収）を提供します。
package jobs

import (
	"fmt"
	"time"

	"github.com/mesmeriz2/PDF-compressor/internal/pdfengine"
)

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal は終端状態（以後 queued/running に戻らない）かどうかを返します。
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid は既知の状態値かどうかを返します。
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Job は1つの圧縮リクエストを入稿から終端状態まで追跡する中心エンティティです。
type Job struct {
	ID           string `json:"id"`
	UserSession  string `json:"userSession,omitempty"`
	StoredName   string `json:"-"`
	OriginalName string `json:"originalFilename"`

	ContentHash  string `json:"contentHash,omitempty"`
	OriginalSize int64  `json:"originalSize"`

	Preset           pdfengine.Preset `json:"preset"`
	Engine           string           `json:"engine"`
	CustomOptions    string           `json:"customOptions,omitempty"`
	PreserveMetadata bool             `json:"preserveMetadata"`
	PreserveOCR      bool             `json:"preserveOcr"`

	Status     Status  `json:"status"`
	Progress   float64 `json:"progress"`
	EtaSeconds *int    `json:"etaSeconds,omitempty"`

	CompressedSize   *int64   `json:"compressedSize,omitempty"`
	CompressionRatio *float64 `json:"compressionRatio,omitempty"`
	PageCount        *int     `json:"pageCount,omitempty"`
	ImageCount       *int     `json:"imageCount,omitempty"`
	ResultFile       *string  `json:"-"`

	ErrorMessage string `json:"errorMessage,omitempty"`
	RetryCount   int    `json:"retryCount"`

	CreatedAt     time.Time  `json:"createdAt"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	NextAttemptAt *time.Time `json:"-"`

	TaskID string `json:"-"`
}

// CompressionPercentage は削減率（パーセント）を返します。
func (j *Job) CompressionPercentage() float64 {
	if j.CompressionRatio == nil {
		return 0
	}
	return (1 - *j.CompressionRatio) * 100
}

// SavedBytes は削減されたバイト数を返します。
func (j *Job) SavedBytes() int64 {
	if j.CompressedSize == nil {
		return 0
	}
	return j.OriginalSize - *j.CompressedSize
}

// Expired はジョブの成果物が保持期限を過ぎているかどうかを返します。
func (j *Job) Expired(now time.Time) bool {
	return j.ExpiresAt != nil && j.ExpiresAt.Before(now)
}

// Error はAPIへ返却する分類済みエラーです。
type Error struct {
	Code    string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// NewError は分類済みエラーを作成します。
func NewError(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}
