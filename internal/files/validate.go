package files

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/gabriel-vasile/mimetype"
)

// ErrNotPDF はアップロードがPDFとして検証できなかったことを表します。
var ErrNotPDF = errors.New("file is not a valid PDF")

var pdfMagic = []byte("%PDF-")

// ValidatePDF は MIME タイプとマジックナンバーの両方でPDFかどうかを検査します。
func (s *Service) ValidatePDF(path string) error {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return err
	}
	if !mtype.Is("application/pdf") {
		return fmt.Errorf("%w: detected %s", ErrNotPDF, mtype.String())
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	header := make([]byte, len(pdfMagic))
	if _, err := f.Read(header); err != nil {
		return fmt.Errorf("%w: %v", ErrNotPDF, err)
	}
	if !bytes.HasPrefix(header, pdfMagic) {
		return fmt.Errorf("%w: missing %%PDF- header", ErrNotPDF)
	}

	return nil
}

// ScanAntivirus はウイルススキャンゲートです。スキャナ未設定の場合は常に通過します。
// 実際のスキャナ連携は外部コラボレータであり、このゲートは合否のみを扱います。
func (s *Service) ScanAntivirus(path string) error {
	return nil
}
