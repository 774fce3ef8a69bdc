package pdfengine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
)

// QPDF は qpdf を外部プロセスとして呼び出す最適化エンジンです。
// プリセットは持たず、オブジェクトストリーム化と画像最適化のみを行います。
type QPDF struct {
	inspector
	path string
}

// NewQPDF は qpdf エンジンを作成します。
func NewQPDF(path string) *QPDF {
	if path == "" {
		path = "qpdf"
	}
	return &QPDF{path: path}
}

func (q *QPDF) Name() string { return "qpdf" }

// Available は qpdf コマンドが実行可能かどうかを返します。
func (q *QPDF) Available() bool {
	_, err := exec.LookPath(q.path)
	return err == nil
}

// Compress は qpdf でPDFを最適化します。
func (q *QPDF) Compress(ctx context.Context, inputPath, outputPath string, preset Preset, opts Options, progress ProgressFunc) (*Result, error) {
	if !q.Available() {
		return nil, &UnavailableError{Name: q.Name()}
	}

	args := qpdfArgs(inputPath, outputPath, opts)

	report(progress, 0.3)

	cmd := exec.CommandContext(ctx, q.path, args...)
	var stderr bytes.Buffer
	cmd.Stdout = &stderr
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("qpdf timed out: %w", ctx.Err())
		}
		return nil, fmt.Errorf("qpdf failed: %s: %w", stderr.String(), err)
	}

	report(progress, 0.9)

	return buildResult(q.Name(), inputPath, outputPath)
}

func qpdfArgs(inputPath, outputPath string, opts Options) []string {
	args := []string{
		"--optimize-images",
		"--compression-level=9",
	}

	if optBool(opts, "linearize", true) {
		args = append(args, "--linearize")
	}
	if optBool(opts, "compress_objects", true) {
		args = append(args, "--object-streams=generate")
	}
	if optBool(opts, "remove_duplicates", true) {
		args = append(args, "--remove-unreferenced-resources=yes")
	}

	return append(args, inputPath, outputPath)
}
