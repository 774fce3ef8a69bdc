package files

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// SaveChunk はチャンクを一時領域 temp/<fileID>/chunk_<index> に保存します。
func (s *Service) SaveChunk(fileID string, index int, r io.Reader) error {
	dir := filepath.Join(s.tempDir, fileID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}

	dest := filepath.Join(dir, chunkName(index))
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		_ = os.Remove(dest)
		return err
	}
	return nil
}

// MissingChunks は 0..total-1 のうち未受信のチャンク番号を返します。
func (s *Service) MissingChunks(fileID string, total int) []int {
	dir := filepath.Join(s.tempDir, fileID)
	var missing []int
	for i := 0; i < total; i++ {
		if _, err := os.Stat(filepath.Join(dir, chunkName(i))); err != nil {
			missing = append(missing, i)
		}
	}
	return missing
}

// AssembleChunks は全チャンクを番号順に連結して正規のアップロード先へ書き出し、
// 一時領域を削除します。保存されたファイル名を返します。
func (s *Service) AssembleChunks(fileID string, total int) (string, error) {
	if missing := s.MissingChunks(fileID, total); len(missing) > 0 {
		return "", fmt.Errorf("missing chunks: %v", missing)
	}

	dir := filepath.Join(s.tempDir, fileID)
	storedName := fileID + ".pdf"
	dest := s.UploadPath(storedName)

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return "", err
	}

	for i := 0; i < total; i++ {
		chunk, err := os.Open(filepath.Join(dir, chunkName(i)))
		if err != nil {
			out.Close()
			_ = os.Remove(dest)
			return "", err
		}
		_, copyErr := io.Copy(out, chunk)
		chunk.Close()
		if copyErr != nil {
			out.Close()
			_ = os.Remove(dest)
			return "", copyErr
		}
	}

	if err := out.Close(); err != nil {
		_ = os.Remove(dest)
		return "", err
	}

	s.RemoveTemp(fileID)
	return storedName, nil
}

// RemoveTemp はチャンク一時領域を削除します。
func (s *Service) RemoveTemp(fileID string) {
	_ = os.RemoveAll(filepath.Join(s.tempDir, fileID))
}

func chunkName(index int) string {
	return fmt.Sprintf("chunk_%d", index)
}
