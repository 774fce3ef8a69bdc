// Package files はアップロード元・圧縮結果・一時チャンクのファイル管理を提供します。
package files

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const chunkSize = 1 << 20 // 1MB

// ErrTooLarge はアップロードが設定上限を超えたことを表します。
var ErrTooLarge = errors.New("upload exceeds size limit")

// Service はファイル領域（uploads / results / temp）を管理します。
type Service struct {
	uploadDir string
	resultDir string
	tempDir   string
	maxSize   int64
}

// NewService は各ディレクトリを作成して Service を返します。
func NewService(uploadDir, resultDir, tempDir string, maxSize int64) (*Service, error) {
	for _, dir := range []string{uploadDir, resultDir, tempDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return &Service{
		uploadDir: uploadDir,
		resultDir: resultDir,
		tempDir:   tempDir,
		maxSize:   maxSize,
	}, nil
}

// UploadPath はアップロード元ファイルの絶対パスを返します。
func (s *Service) UploadPath(storedName string) string {
	return filepath.Join(s.uploadDir, storedName)
}

// ResultPath は圧縮結果ファイルの絶対パスを返します。
func (s *Service) ResultPath(resultName string) string {
	return filepath.Join(s.resultDir, resultName)
}

// SaveUpload はアップロードをストリーミングで保存し、サイズを返します。
// 上限超過時は書きかけのファイルを削除して ErrTooLarge を返します。
func (s *Service) SaveUpload(r io.Reader, storedName string) (int64, error) {
	dest := s.UploadPath(storedName)

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return 0, err
	}

	var total int64
	buf := make([]byte, chunkSize)
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			total += int64(n)
			if s.maxSize > 0 && total > s.maxSize {
				f.Close()
				_ = os.Remove(dest)
				return 0, fmt.Errorf("%w: limit=%d bytes", ErrTooLarge, s.maxSize)
			}
			if _, err := f.Write(buf[:n]); err != nil {
				f.Close()
				_ = os.Remove(dest)
				return 0, err
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			f.Close()
			_ = os.Remove(dest)
			return 0, readErr
		}
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(dest)
		return 0, err
	}
	return total, nil
}

// Exists はファイルが存在するかどうかを返します。
func (s *Service) Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Size はファイルのサイズを返します。存在しない場合は 0 を返します。
func (s *Service) Size(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// Remove はファイルを削除します。存在しない場合はエラーにしません。
func (s *Service) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// HashFile はファイル内容の SHA-256 をストリーミングで計算します。
func (s *Service) HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SanitizeFilename はパス操作を防ぐためにファイル名を正規化します。
func SanitizeFilename(name string) string {
	name = filepath.Base(name)

	for _, dangerous := range []string{"..", "/", "\\", "\x00"} {
		name = strings.ReplaceAll(name, dangerous, "_")
	}

	if name == "" || name == "." {
		name = "upload"
	}
	if !strings.HasSuffix(strings.ToLower(name), ".pdf") {
		name += ".pdf"
	}
	return name
}
