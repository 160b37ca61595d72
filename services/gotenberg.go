package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"fileconverter/models"
)

// GotenbergConverter converts office documents to PDF through a
// Gotenberg instance's LibreOffice route.
type GotenbergConverter struct {
	baseURL string
	client  *http.Client
}

func NewGotenbergConverter(baseURL string) *GotenbergConverter {
	return &GotenbergConverter{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 0, // Use context timeout instead
		},
	}
}

func (g *GotenbergConverter) Name() string { return "gotenberg" }

func (g *GotenbergConverter) Convert(ctx context.Context, inputPath string) (string, error) {
	// Open input file
	file, err := os.Open(inputPath)
	if err != nil {
		return "", fmt.Errorf("failed to open input file: %w", err)
	}
	defer file.Close()

	// Create multipart form
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("files", filepath.Base(inputPath))
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}

	if _, err := io.Copy(part, file); err != nil {
		return "", fmt.Errorf("failed to copy file: %w", err)
	}

	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close writer: %w", err)
	}

	url := fmt.Sprintf("%s/forms/libreoffice/convert", g.baseURL)
	req, err := http.NewRequestWithContext(ctx, "POST", url, body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := g.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", models.Transient(fmt.Errorf("gotenberg request failed: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500:
		bodyBytes, _ := io.ReadAll(resp.Body)
		return "", models.Transient(fmt.Errorf("gotenberg returned status %d: %s", resp.StatusCode, string(bodyBytes)))
	default:
		// 4xx means the tool rejected the input itself.
		bodyBytes, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("%w: gotenberg returned status %d: %s",
			models.ErrConversionFailed, resp.StatusCode, string(bodyBytes))
	}

	// Save response to temporary file
	outputPath := inputPath + ".converted.pdf"
	outFile, err := os.Create(outputPath)
	if err != nil {
		return "", fmt.Errorf("failed to create output file: %w", err)
	}
	defer outFile.Close()

	if _, err := io.Copy(outFile, resp.Body); err != nil {
		return "", fmt.Errorf("failed to save converted file: %w", err)
	}

	return outputPath, nil
}
