package pdfengine

import (
	"context"
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// PDFCPU は pdfcpu ライブラリによる軽量圧縮エンジンです。
// 外部バイナリに依存しないため常に使用可能で、フォールバックの最終候補になります。
type PDFCPU struct {
	inspector
}

// NewPDFCPU は pdfcpu エンジンを作成します。
func NewPDFCPU() *PDFCPU {
	return &PDFCPU{}
}

func (p *PDFCPU) Name() string { return "pdfcpu" }

// Available は常に true を返します。
func (p *PDFCPU) Available() bool { return true }

// Compress は pdfcpu の最適化でPDFを圧縮します。
// プリセットによる画像再サンプリングは行わず、ストリーム再圧縮と
// 重複オブジェクトの除去のみを行います。
func (p *PDFCPU) Compress(ctx context.Context, inputPath, outputPath string, preset Preset, opts Options, progress ProgressFunc) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	report(progress, 0.2)

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	report(progress, 0.5)

	if err := api.OptimizeFile(inputPath, outputPath, conf); err != nil {
		return nil, fmt.Errorf("pdfcpu optimize failed: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	report(progress, 0.9)

	return buildResult(p.Name(), inputPath, outputPath)
}
