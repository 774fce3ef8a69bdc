package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mesmeriz2/PDF-compressor/internal/pdfengine"
)

// ErrNotFound は指定されたジョブが存在しないことを表します。
var ErrNotFound = errors.New("job not found")

// Store はジョブレコードを SQLite に永続化します。
// 同一ジョブへの更新は行単位の条件付きUPDATEで直列化します。
type Store struct {
	db *sql.DB
}

// NewStore はデータベースを開き、スキーマを適用して Store を返します。
func NewStore(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close はデータベース接続を閉じます。
func (s *Store) Close() error { return s.db.Close() }

// Ping はデータベースへの疎通を確認します。
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS jobs (
		id                TEXT PRIMARY KEY,
		user_session      TEXT,
		stored_name       TEXT NOT NULL,
		original_name     TEXT NOT NULL,
		content_hash      TEXT,
		original_size     INTEGER NOT NULL,
		compressed_size   INTEGER,
		compression_ratio REAL,
		page_count        INTEGER,
		image_count       INTEGER,
		status            TEXT NOT NULL,           -- queued|running|completed|failed|cancelled
		progress          REAL NOT NULL DEFAULT 0,
		eta_seconds       INTEGER,
		preset            TEXT NOT NULL,
		engine            TEXT NOT NULL,
		custom_options    TEXT,
		preserve_metadata INTEGER NOT NULL DEFAULT 1,
		preserve_ocr      INTEGER NOT NULL DEFAULT 1,
		result_file       TEXT,
		error_message     TEXT NOT NULL DEFAULT '',
		retry_count       INTEGER NOT NULL DEFAULT 0,
		created_at        TIMESTAMP NOT NULL,
		started_at        TIMESTAMP,
		completed_at      TIMESTAMP,
		expires_at        TIMESTAMP,
		next_attempt_at   TIMESTAMP,
		task_id           TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_hash    ON jobs(content_hash, status);
		CREATE INDEX IF NOT EXISTS idx_jobs_status  ON jobs(status);
		CREATE INDEX IF NOT EXISTS idx_jobs_expiry  ON jobs(expires_at);
		CREATE INDEX IF NOT EXISTS idx_jobs_session ON jobs(user_session, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

const jobColumns = `
id, user_session, stored_name, original_name, content_hash, original_size,
compressed_size, compression_ratio, page_count, image_count,
status, progress, eta_seconds, preset, engine, custom_options,
preserve_metadata, preserve_ocr, result_file, error_message, retry_count,
created_at, started_at, completed_at, expires_at, next_attempt_at, task_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j             Job
		userSession   sql.NullString
		contentHash   sql.NullString
		compressed    sql.NullInt64
		ratio         sql.NullFloat64
		pageCount     sql.NullInt64
		imageCount    sql.NullInt64
		eta           sql.NullInt64
		customOptions sql.NullString
		resultFile    sql.NullString
		preset        string
		startedAt     sql.NullTime
		completedAt   sql.NullTime
		expiresAt     sql.NullTime
		nextAttemptAt sql.NullTime
	)

	err := row.Scan(
		&j.ID, &userSession, &j.StoredName, &j.OriginalName, &contentHash, &j.OriginalSize,
		&compressed, &ratio, &pageCount, &imageCount,
		&j.Status, &j.Progress, &eta, &preset, &j.Engine, &customOptions,
		&j.PreserveMetadata, &j.PreserveOCR, &resultFile, &j.ErrorMessage, &j.RetryCount,
		&j.CreatedAt, &startedAt, &completedAt, &expiresAt, &nextAttemptAt, &j.TaskID,
	)
	if err != nil {
		return nil, err
	}

	j.Preset = pdfengine.Preset(preset)
	j.UserSession = userSession.String
	j.ContentHash = contentHash.String
	j.CustomOptions = customOptions.String
	if compressed.Valid {
		v := compressed.Int64
		j.CompressedSize = &v
	}
	if ratio.Valid {
		v := ratio.Float64
		j.CompressionRatio = &v
	}
	if pageCount.Valid {
		v := int(pageCount.Int64)
		j.PageCount = &v
	}
	if imageCount.Valid {
		v := int(imageCount.Int64)
		j.ImageCount = &v
	}
	if eta.Valid {
		v := int(eta.Int64)
		j.EtaSeconds = &v
	}
	if resultFile.Valid {
		v := resultFile.String
		j.ResultFile = &v
	}
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		j.CompletedAt = &t
	}
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		j.ExpiresAt = &t
	}
	if nextAttemptAt.Valid {
		t := nextAttemptAt.Time.UTC()
		j.NextAttemptAt = &t
	}

	return &j, nil
}

// Create は新規ジョブレコードを挿入します。
func (s *Store) Create(ctx context.Context, j *Job) error {
	if j == nil {
		return fmt.Errorf("job is nil")
	}
	if j.ID == "" {
		return fmt.Errorf("job.ID is required")
	}
	if !j.Status.Valid() {
		return fmt.Errorf("invalid status: %s", j.Status)
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO jobs (`+jobColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, nullString(j.UserSession), j.StoredName, j.OriginalName, nullString(j.ContentHash), j.OriginalSize,
		nullInt64(j.CompressedSize), nullFloat64(j.CompressionRatio), nullInt(j.PageCount), nullInt(j.ImageCount),
		j.Status, j.Progress, nullInt(j.EtaSeconds), string(j.Preset), j.Engine, nullString(j.CustomOptions),
		j.PreserveMetadata, j.PreserveOCR, nullStringPtr(j.ResultFile), j.ErrorMessage, j.RetryCount,
		j.CreatedAt, nullTime(j.StartedAt), nullTime(j.CompletedAt), nullTime(j.ExpiresAt), nullTime(j.NextAttemptAt), j.TaskID,
	)
	return err
}

// Get はジョブを取得します。存在しない場合は ErrNotFound を返します。
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

// ListFilter はジョブ一覧の絞り込み条件です。
type ListFilter struct {
	UserSession string
	Status      Status
	Limit       int
	Offset      int
}

// List は作成日時の降順でジョブ一覧を返します。
func (s *Store) List(ctx context.Context, filter ListFilter) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []any{}

	if filter.UserSession != "" {
		query += ` AND user_session = ?`
		args = append(args, filter.UserSession)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, j)
	}
	return result, rows.Err()
}

// Claim は queued のジョブを running へ遷移させます。条件付きUPDATEのため
// 複数ワーカーが同時に呼んでも獲得できるのは1つだけです。
// 獲得できた場合は更新後のジョブを返し、できなかった場合は nil を返します。
func (s *Store) Claim(ctx context.Context, id, taskID string, now time.Time) (*Job, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs SET
	status = ?,
	started_at = COALESCE(started_at, ?),
	next_attempt_at = NULL,
	task_id = ?
WHERE id = ? AND status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)`,
		StatusRunning, now.UTC(), taskID, id, StatusQueued, now.UTC())
	if err != nil {
		return nil, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, nil
	}
	return s.Get(ctx, id)
}

// UpdateProgress は実行中ジョブの進捗を更新します。
// progress は単調非減少、eta_seconds は単調非増加になるようSQL側で保護します。
func (s *Store) UpdateProgress(ctx context.Context, id string, progress float64, etaSeconds *int) error {
	if progress > 1.0 {
		progress = 1.0
	}
	if progress < 0 {
		progress = 0
	}

	if etaSeconds == nil {
		_, err := s.db.ExecContext(ctx, `
UPDATE jobs SET progress = MAX(progress, ?) WHERE id = ? AND status = ?`,
			progress, id, StatusRunning)
		return err
	}

	_, err := s.db.ExecContext(ctx, `
UPDATE jobs SET
	progress = MAX(progress, ?),
	eta_seconds = CASE WHEN eta_seconds IS NULL OR ? < eta_seconds THEN ? ELSE eta_seconds END
WHERE id = ? AND status = ?`,
		progress, *etaSeconds, *etaSeconds, id, StatusRunning)
	return err
}

// SetCounts は検査で得たページ数・画像数を保存します。圧縮が後で失敗しても
// 部分的な進捗として観測できるよう、検査直後に呼びます。
func (s *Store) SetCounts(ctx context.Context, id string, pageCount, imageCount int) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE jobs SET page_count = ?, image_count = ? WHERE id = ?`,
		pageCount, imageCount, id)
	return err
}

// SetTaskID はキュー投入後にタスクIDをジョブへ記録します。
func (s *Store) SetTaskID(ctx context.Context, id, taskID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET task_id = ? WHERE id = ?`, taskID, id)
	return err
}

// MarkCompleted はジョブを completed にします。running からのみ遷移でき、
// 並行キャンセルに負けた場合は false を返します。
func (s *Store) MarkCompleted(ctx context.Context, id string, compressedSize int64, ratio float64, resultFile string, completedAt, expiresAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs SET
	status = ?,
	progress = 1.0,
	eta_seconds = NULL,
	compressed_size = ?,
	compression_ratio = ?,
	result_file = ?,
	error_message = '',
	completed_at = ?,
	expires_at = ?
WHERE id = ? AND status = ?`,
		StatusCompleted, compressedSize, ratio, resultFile, completedAt.UTC(), expiresAt.UTC(), id, StatusRunning)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected == 1, err
}

// MarkFailed はジョブを failed にします。終端状態を上書きしません。
func (s *Store) MarkFailed(ctx context.Context, id, errorMessage string, retryCount int, completedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs SET
	status = ?,
	error_message = ?,
	retry_count = ?,
	eta_seconds = NULL,
	completed_at = ?
WHERE id = ? AND status IN (?, ?)`,
		StatusFailed, errorMessage, retryCount, completedAt.UTC(), id, StatusQueued, StatusRunning)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected == 1, err
}

// Requeue は一時的な失敗後にジョブを queued へ戻し、次回実行可能時刻を設定します。
func (s *Store) Requeue(ctx context.Context, id string, retryCount int, errorMessage string, nextAttemptAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs SET
	status = ?,
	retry_count = ?,
	error_message = ?,
	next_attempt_at = ?
WHERE id = ? AND status = ?`,
		StatusQueued, retryCount, errorMessage, nextAttemptAt.UTC(), id, StatusRunning)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected == 1, err
}

// Cancel は非終端ジョブを cancelled にします。
// 既に終端状態の場合は false を返します。
func (s *Store) Cancel(ctx context.Context, id string, completedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs SET status = ?, completed_at = ? WHERE id = ? AND status IN (?, ?)`,
		StatusCancelled, completedAt.UTC(), id, StatusQueued, StatusRunning)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected == 1, err
}

// Delete はジョブレコードを削除します。存在しない場合は ErrNotFound を返します。
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// FindReusable は重複排除インデックスの照会です。内容ハッシュと圧縮オプションが
// 完全一致し、成果物が未期限切れの completed ジョブのうち最新の1件を返します。
// 該当がない場合は nil を返します。
func (s *Store) FindReusable(ctx context.Context, contentHash string, preset pdfengine.Preset, engine string, preserveMetadata, preserveOCR bool, now time.Time) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+jobColumns+` FROM jobs
WHERE content_hash = ?
  AND status = ?
  AND preset = ?
  AND engine = ?
  AND preserve_metadata = ?
  AND preserve_ocr = ?
  AND result_file IS NOT NULL
  AND expires_at IS NOT NULL AND expires_at > ?
ORDER BY completed_at DESC
LIMIT 1`,
		contentHash, StatusCompleted, string(preset), engine, preserveMetadata, preserveOCR, now.UTC())

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

// ListExpired は回収対象の終端ジョブを返します。completed は expires_at 超過で、
// failed / cancelled は完了から保持期間の経過で回収します。
// 非終端ジョブは期限に関係なく対象外です。
func (s *Store) ListExpired(ctx context.Context, now time.Time, retention time.Duration, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 500
	}
	cutoff := now.Add(-retention)

	rows, err := s.db.QueryContext(ctx, `
SELECT `+jobColumns+` FROM jobs
WHERE (expires_at IS NOT NULL AND expires_at < ? AND status IN (?, ?, ?))
   OR (status IN (?, ?) AND completed_at IS NOT NULL AND completed_at < ?)
LIMIT ?`,
		now.UTC(), StatusCompleted, StatusFailed, StatusCancelled,
		StatusFailed, StatusCancelled, cutoff.UTC(),
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, j)
	}
	return result, rows.Err()
}

// ResultInUse は指定の成果物ファイルを参照する未期限の completed ジョブが
// 他に存在するかどうかを返します。
func (s *Store) ResultInUse(ctx context.Context, resultFile, excludeJobID string, now time.Time) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM jobs
WHERE result_file = ? AND id != ? AND status = ? AND expires_at IS NOT NULL AND expires_at > ?`,
		resultFile, excludeJobID, StatusCompleted, now.UTC()).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullFloat64(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return v.UTC()
}
