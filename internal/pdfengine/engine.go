// Package pdfengine はPDF圧縮エンジンの抽象化と選択ロジックを提供します。
package pdfengine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mesmeriz2/PDF-compressor/internal/config"
)

// Preset は圧縮プリセットの種類を表します。
type Preset string

const (
	PresetScreen   Preset = "screen"   // 最大圧縮 (72 DPI)
	PresetEbook    Preset = "ebook"    // 標準 (150 DPI)
	PresetPrinter  Preset = "printer"  // 印刷品質 (300 DPI)
	PresetPrepress Preset = "prepress" // 高品質 (300 DPI)
	PresetCustom   Preset = "custom"   // customOptions で指定
)

// NormalizePreset はプリセット名を検証し、正規化して返します。
func NormalizePreset(p string) (Preset, error) {
	switch Preset(strings.ToLower(strings.TrimSpace(p))) {
	case PresetScreen:
		return PresetScreen, nil
	case PresetEbook, "":
		return PresetEbook, nil
	case PresetPrinter:
		return PresetPrinter, nil
	case PresetPrepress:
		return PresetPrepress, nil
	case PresetCustom:
		return PresetCustom, nil
	default:
		return "", fmt.Errorf("unknown preset: %s", p)
	}
}

// Info はPDF検査の結果を表します。
type Info struct {
	PageCount  int  `json:"pageCount"`
	ImageCount int  `json:"imageCount"`
	Encrypted  bool `json:"encrypted"`
}

// Result は圧縮実行の結果を表します。
type Result struct {
	Engine     string  `json:"engine"`
	InputSize  int64   `json:"inputSize"`
	OutputSize int64   `json:"outputSize"`
	Ratio      float64 `json:"ratio"`
}

// Options はエンジンへ渡す追加オプションです（customOptions のデコード結果）。
type Options map[string]any

// ProgressFunc は圧縮中の進捗（0.0〜1.0）を受け取るコールバックです。
type ProgressFunc func(fraction float64)

// Engine は圧縮エンジンの共通インターフェースです。
// 実体は ghostscript / qpdf / pdfcpu の閉じた3種で、継承ではなく
// フォールバック順リストで選択されます。
type Engine interface {
	Name() string
	Available() bool
	Inspect(ctx context.Context, inputPath string) (*Info, error)
	Compress(ctx context.Context, inputPath, outputPath string, preset Preset, opts Options, progress ProgressFunc) (*Result, error)
}

// ErrUnknownEngine は設定されていないエンジン名が指定されたことを表します。
var ErrUnknownEngine = errors.New("unknown engine")

// UnavailableError は要求されたエンジンが使用できず、
// フォールバックも許可されていないことを表します。
type UnavailableError struct {
	Name string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("engine %s is not available", e.Name)
}

// Registry は登録済みエンジンの解決とフォールバックを担います。
type Registry struct {
	engines  map[string]Engine
	order    []string
	fallback bool
}

// NewRegistry は Registry を作成します。エンジンの並び順がフォールバックの優先順です。
func NewRegistry(fallback bool, engines ...Engine) *Registry {
	r := &Registry{
		engines:  make(map[string]Engine, len(engines)),
		fallback: fallback,
	}
	for _, eng := range engines {
		name := strings.ToLower(eng.Name())
		if _, ok := r.engines[name]; ok {
			continue
		}
		r.engines[name] = eng
		r.order = append(r.order, name)
	}
	return r
}

// Default は設定から標準のエンジン構成（ghostscript → qpdf → pdfcpu）を作成します。
// pdfcpu はライブラリ実装のため常に使用可能で、最後の受け皿になります。
func Default(cfg *config.Config) *Registry {
	return NewRegistry(
		cfg.EnableEngineFallback,
		NewGhostscript(cfg.GhostscriptPath),
		NewQPDF(cfg.QPDFPath),
		NewPDFCPU(),
	)
}

// Resolve はエンジン名を実体に解決します。指定されたエンジンが使用できない場合、
// フォールバックが有効ならば優先順に使用可能なエンジンを返します。
func (r *Registry) Resolve(name string) (Engine, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	eng, ok := r.engines[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEngine, name)
	}

	if eng.Available() {
		return eng, nil
	}

	if !r.fallback {
		return nil, &UnavailableError{Name: key}
	}

	for _, candidate := range r.order {
		if fallbackEng := r.engines[candidate]; fallbackEng.Available() {
			return fallbackEng, nil
		}
	}

	return nil, &UnavailableError{Name: key}
}

// Names は登録済みエンジン名を優先順で返します。
func (r *Registry) Names() []string {
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}
