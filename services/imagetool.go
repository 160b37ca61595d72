package services

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// Exec-based converters. exec.CommandContext kills the spawned tool when
// the context deadline passes, which is the forced-termination path for
// a conversion that exceeds its wall-clock budget.

// PopplerConverter renders PDF pages to images with pdftoppm. A single
// page yields one image file; multiple pages are bundled into a zip.
type PopplerConverter struct {
	tempDir string
	format  string // "jpeg" or "png"
	dpi     int
}

func NewPopplerConverter(tempDir, format string) *PopplerConverter {
	return &PopplerConverter{tempDir: tempDir, format: format, dpi: 150}
}

func (p *PopplerConverter) Name() string { return "poppler" }

func (p *PopplerConverter) Convert(ctx context.Context, inputPath string) (string, error) {
	pageDir, err := os.MkdirTemp(p.tempDir, "pages-")
	if err != nil {
		return "", fmt.Errorf("failed to create page dir: %w", err)
	}
	defer os.RemoveAll(pageDir)

	args := []string{
		"-" + p.format,
		"-r", fmt.Sprintf("%d", p.dpi),
		inputPath,
		filepath.Join(pageDir, "page"),
	}
	if err := runTool(ctx, "pdftoppm", args...); err != nil {
		return "", err
	}

	ext := "png"
	if p.format == "jpeg" {
		ext = "jpg"
	}
	pages, err := filepath.Glob(filepath.Join(pageDir, "page*"))
	if err != nil || len(pages) == 0 {
		return "", fmt.Errorf("pdftoppm produced no pages")
	}
	sort.Strings(pages)

	if len(pages) == 1 {
		outputPath := inputPath + ".converted." + ext
		if err := moveFile(pages[0], outputPath); err != nil {
			return "", err
		}
		return outputPath, nil
	}

	outputPath := inputPath + ".converted.zip"
	if err := zipFiles(outputPath, pages, ext); err != nil {
		return "", err
	}
	return outputPath, nil
}

// MagickConverter wraps ImageMagick for single-image-to-PDF conversion.
type MagickConverter struct {
	tempDir string
}

func NewMagickConverter(tempDir string) *MagickConverter {
	return &MagickConverter{tempDir: tempDir}
}

func (m *MagickConverter) Name() string { return "imagemagick" }

func (m *MagickConverter) Convert(ctx context.Context, inputPath string) (string, error) {
	outputPath := inputPath + ".converted.pdf"
	if err := runTool(ctx, "convert", inputPath, outputPath); err != nil {
		return "", err
	}
	if fi, err := os.Stat(outputPath); err != nil || fi.Size() == 0 {
		return "", fmt.Errorf("convert produced no output")
	}
	return outputPath, nil
}

// LibreOfficeConverter runs a headless soffice for PDF-to-DOCX.
type LibreOfficeConverter struct {
	tempDir string
}

func NewLibreOfficeConverter(tempDir string) *LibreOfficeConverter {
	return &LibreOfficeConverter{tempDir: tempDir}
}

func (l *LibreOfficeConverter) Name() string { return "libreoffice" }

func (l *LibreOfficeConverter) Convert(ctx context.Context, inputPath string) (string, error) {
	outDir, err := os.MkdirTemp(l.tempDir, "soffice-")
	if err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}
	defer os.RemoveAll(outDir)

	args := []string{
		"--headless",
		"--convert-to", "docx",
		"--outdir", outDir,
		inputPath,
	}
	if err := runTool(ctx, "soffice", args...); err != nil {
		return "", err
	}

	// soffice names the output after the input's base name.
	base := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	produced := filepath.Join(outDir, base+".docx")
	if _, err := os.Stat(produced); err != nil {
		return "", fmt.Errorf("soffice produced no output: %w", err)
	}

	outputPath := inputPath + ".converted.docx"
	if err := moveFile(produced, outputPath); err != nil {
		return "", err
	}
	return outputPath, nil
}

func runTool(ctx context.Context, name string, args ...string) error {
	if _, err := exec.LookPath(name); err != nil {
		// Missing binary is an environment problem, not bad input.
		return fmt.Errorf("%s not found in PATH: %w", name, err)
	}

	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s error: %v | %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	// Rename fails across filesystems; fall back to copy.
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return nil
}

func zipFiles(zipPath string, files []string, ext string) error {
	f, err := os.Create(zipPath)
	if err != nil {
		return fmt.Errorf("failed to create zip: %w", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	for i, page := range files {
		w, err := zw.Create(fmt.Sprintf("page_%d.%s", i+1, ext))
		if err != nil {
			return fmt.Errorf("failed to add zip entry: %w", err)
		}
		src, err := os.Open(page)
		if err != nil {
			return fmt.Errorf("failed to open page: %w", err)
		}
		if _, err := io.Copy(w, src); err != nil {
			src.Close()
			return fmt.Errorf("failed to write zip entry: %w", err)
		}
		src.Close()
	}
	return zw.Close()
}
