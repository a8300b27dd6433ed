package processor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/adverant/nexus/docagent-worker/internal/errors"
)

// loadImage loads the page from the request buffer, a local path, or a URL
func (p *DocumentProcessor) loadImage(ctx context.Context, req *ProcessRequest) ([]byte, error) {
	if len(req.ImageBuffer) > 0 {
		p.logger.Debug("Using image buffer", "jobId", req.JobID, "bytes", len(req.ImageBuffer))
		return req.ImageBuffer, nil
	}

	if req.ImagePath != "" {
		return ReadImageFile(req.ImagePath, p.config.MaxFileSize)
	}

	if req.ImageURL != "" {
		p.logger.Info("Downloading image", "jobId", req.JobID, "url", req.ImageURL)
		data, err := p.downloadImage(ctx, req.JobID, req.ImageURL)
		if err != nil {
			return nil, errors.NewInputInvalidError(req.ImageURL, err)
		}
		return data, nil
	}

	return nil, errors.NewInputInvalidError("request", fmt.Errorf("no image source provided (buffer, path or URL)"))
}

// downloadImage fetches an image with exponential backoff between attempts
func (p *DocumentProcessor) downloadImage(ctx context.Context, jobID string, url string) ([]byte, error) {
	const (
		maxRetries       = 4
		initialBackoffMs = 500
		maxBackoffMs     = 8000
	)

	client := p.httpClient
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}

	var lastErr error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		data, err := p.fetchOnce(ctx, client, url)
		if err == nil {
			p.logger.Debug("Download succeeded", "jobId", jobID, "attempt", attempt, "bytes", len(data))
			return data, nil
		}

		lastErr = err
		p.logger.Warn("Download attempt failed", "jobId", jobID, "attempt", attempt, "error", err)

		if _, tooLarge := err.(sizeLimitError); tooLarge {
			return nil, err
		}

		if attempt < maxRetries {
			backoffMs := initialBackoffMs * int(math.Pow(2, float64(attempt-1)))
			if backoffMs > maxBackoffMs {
				backoffMs = maxBackoffMs
			}
			select {
			case <-time.After(time.Duration(backoffMs) * time.Millisecond):
			case <-ctx.Done():
				return nil, fmt.Errorf("context cancelled during retry backoff: %w", ctx.Err())
			}
		}
	}

	return nil, fmt.Errorf("failed to download image after %d attempts: %w", maxRetries, lastErr)
}

type sizeLimitError struct {
	size, limit int64
}

func (e sizeLimitError) Error() string {
	return fmt.Sprintf("image size exceeds maximum: %d > %d bytes", e.size, e.limit)
}

func (p *DocumentProcessor) fetchOnce(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	limit := p.config.MaxFileSize
	if limit > 0 && resp.ContentLength > limit {
		return nil, sizeLimitError{size: resp.ContentLength, limit: limit}
	}
	if limit <= 0 {
		limit = 512 * 1024 * 1024
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, sizeLimitError{size: int64(len(data)), limit: limit}
	}
	return data, nil
}

// sniffMimeType detects the content type from magic bytes. Only raster
// images are accepted as pages; everything else is reported so the error can
// name what was actually uploaded.
func sniffMimeType(data []byte) string {
	if len(data) < 4 {
		return ""
	}

	switch {
	case bytes.HasPrefix(data, []byte("%PDF")):
		return "application/pdf"
	case len(data) >= 8 && bytes.HasPrefix(data, []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}):
		return "image/png"
	case bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}):
		return "image/jpeg"
	case bytes.HasPrefix(data, []byte("GIF87a")) || bytes.HasPrefix(data, []byte("GIF89a")):
		return "image/gif"
	case len(data) > 12 && bytes.HasPrefix(data, []byte("RIFF")) && string(data[8:12]) == "WEBP":
		return "image/webp"
	case bytes.HasPrefix(data, []byte{0x49, 0x49, 0x2A, 0x00}) || bytes.HasPrefix(data, []byte{0x4D, 0x4D, 0x00, 0x2A}):
		return "image/tiff"
	case bytes.HasPrefix(data, []byte("BM")):
		return "image/bmp"
	case bytes.HasPrefix(data, []byte{0x50, 0x4B, 0x03, 0x04}):
		return "application/zip"
	}

	return ""
}

func isRasterMime(mime string) bool {
	switch mime {
	case "image/png", "image/jpeg", "image/gif", "image/webp", "image/tiff", "image/bmp":
		return true
	}
	return false
}
