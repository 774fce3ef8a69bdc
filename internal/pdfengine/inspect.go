package pdfengine

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

const inspectChunkSize = 1 << 20

// inspector は pdfcpu によるPDF検査の共通実装です。各エンジンに埋め込みます。
type inspector struct{}

// Inspect はページ数・画像数・暗号化の有無を調べます。
// Owner パスワードのみの権限制限PDFはパスワード無しで開けるため、
// 暗号化扱いにはしません。開けないものだけを Encrypted=true とします。
func (inspector) Inspect(ctx context.Context, inputPath string) (*Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pdfCtx, err := api.ReadContextFile(inputPath)
	if err != nil {
		if isEncryptionError(err) {
			return &Info{Encrypted: true}, nil
		}
		return nil, err
	}

	info := &Info{PageCount: pdfCtx.PageCount}

	count, err := estimateImageCount(inputPath)
	if err != nil {
		return nil, err
	}
	info.ImageCount = count

	return info, nil
}

func isEncryptionError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "password") || strings.Contains(msg, "encrypt")
}

// estimateImageCount は画像XObjectの出現数をストリーム走査で概算します。
// 厳密な数は圧縮品質に影響しないため概算で十分です。
func estimateImageCount(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	patterns := [][]byte{
		[]byte("/Subtype/Image"),
		[]byte("/Subtype /Image"),
	}

	count := 0
	carry := make([]byte, 0, 32)
	buf := make([]byte, inspectChunkSize)
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			chunk := append(carry, buf[:n]...)
			for _, p := range patterns {
				count += bytes.Count(chunk, p)
			}
			// パターンがチャンク境界をまたぐ場合に備えて末尾を持ち越す
			if len(chunk) > 32 {
				carry = append(carry[:0], chunk[len(chunk)-32:]...)
				for _, p := range patterns {
					count -= bytes.Count(carry, p)
				}
			} else {
				carry = append(carry[:0], chunk...)
				for _, p := range patterns {
					count -= bytes.Count(carry, p)
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return 0, readErr
		}
	}

	for _, p := range patterns {
		count += bytes.Count(carry, p)
	}

	return count, nil
}
