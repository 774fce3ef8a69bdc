package pdfengine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// Ghostscript は Ghostscript (gs) を外部プロセスとして呼び出す圧縮エンジンです。
type Ghostscript struct {
	inspector
	path string
}

// NewGhostscript は Ghostscript エンジンを作成します。
func NewGhostscript(path string) *Ghostscript {
	if path == "" {
		path = "gs"
	}
	return &Ghostscript{path: path}
}

func (g *Ghostscript) Name() string { return "ghostscript" }

// Available は gs コマンドが実行可能かどうかを返します。
func (g *Ghostscript) Available() bool {
	_, err := exec.LookPath(g.path)
	return err == nil
}

// presetSettings はプリセットごとの Ghostscript 設定です。
var presetSettings = map[Preset]struct {
	pdfSettings string
	dpi         int
	jpegQuality int
}{
	PresetScreen:   {pdfSettings: "/screen", dpi: 72, jpegQuality: 30},
	PresetEbook:    {pdfSettings: "/ebook", dpi: 150, jpegQuality: 60},
	PresetPrinter:  {pdfSettings: "/printer", dpi: 300, jpegQuality: 80},
	PresetPrepress: {pdfSettings: "/prepress", dpi: 300, jpegQuality: 90},
}

// Compress は Ghostscript でPDFを圧縮します。
func (g *Ghostscript) Compress(ctx context.Context, inputPath, outputPath string, preset Preset, opts Options, progress ProgressFunc) (*Result, error) {
	if !g.Available() {
		return nil, &UnavailableError{Name: g.Name()}
	}

	args := ghostscriptArgs(outputPath, inputPath, preset, opts)

	report(progress, 0.3)

	cmd := exec.CommandContext(ctx, g.path, args...)
	var stderr bytes.Buffer
	cmd.Stdout = &stderr
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("ghostscript timed out: %w", ctx.Err())
		}
		return nil, fmt.Errorf("ghostscript failed: %s: %w", stderr.String(), err)
	}

	report(progress, 0.9)

	return buildResult(g.Name(), inputPath, outputPath)
}

func ghostscriptArgs(outputPath, inputPath string, preset Preset, opts Options) []string {
	setting, ok := presetSettings[preset]
	if !ok {
		setting = presetSettings[PresetEbook]
	}

	dpi := optInt(opts, "downsample_dpi", setting.dpi)
	jpegQuality := optInt(opts, "jpeg_quality", setting.jpegQuality)

	args := []string{
		"-sDEVICE=pdfwrite",
		"-dCompatibilityLevel=1.5",
		fmt.Sprintf("-dPDFSETTINGS=%s", setting.pdfSettings),
		"-dNOPAUSE",
		"-dQUIET",
		"-dBATCH",
		"-dDownsampleColorImages=true",
		fmt.Sprintf("-dColorImageResolution=%d", dpi),
		"-dDownsampleGrayImages=true",
		fmt.Sprintf("-dGrayImageResolution=%d", dpi),
		"-dDownsampleMonoImages=true",
		fmt.Sprintf("-dMonoImageResolution=%d", dpi),
		fmt.Sprintf("-dJPEGQ=%d", jpegQuality),
		"-dDetectDuplicateImages=true",
	}

	if optBool(opts, "compress_fonts", true) {
		args = append(args, "-dCompressFonts=true")
	}
	if optBool(opts, "subset_fonts", true) {
		args = append(args, "-dSubsetFonts=true")
	}
	if optBool(opts, "compress_objects", true) {
		args = append(args, "-dCompressPages=true")
	}

	return append(args,
		fmt.Sprintf("-sOutputFile=%s", outputPath),
		inputPath,
	)
}

func buildResult(engine, inputPath, outputPath string) (*Result, error) {
	outInfo, err := os.Stat(outputPath)
	if err != nil {
		return nil, fmt.Errorf("output file was not produced: %w", err)
	}
	inInfo, err := os.Stat(inputPath)
	if err != nil {
		return nil, err
	}

	ratio := 1.0
	if inInfo.Size() > 0 {
		ratio = float64(outInfo.Size()) / float64(inInfo.Size())
	}

	return &Result{
		Engine:     engine,
		InputSize:  inInfo.Size(),
		OutputSize: outInfo.Size(),
		Ratio:      ratio,
	}, nil
}

func report(progress ProgressFunc, fraction float64) {
	if progress == nil {
		return
	}
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	progress(fraction)
}

// optInt はオプションバッグから整数値を取り出します。JSON経由の float64 も受け付けます。
func optInt(opts Options, key string, defaultValue int) int {
	if opts == nil {
		return defaultValue
	}
	switch v := opts[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return defaultValue
	}
}

// optBool はオプションバッグから真偽値を取り出します。
func optBool(opts Options, key string, defaultValue bool) bool {
	if opts == nil {
		return defaultValue
	}
	if v, ok := opts[key].(bool); ok {
		return v
	}
	return defaultValue
}
