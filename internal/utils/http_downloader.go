package utils

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/adverant/nexus/videodetect-worker/pkg/backoff"
)

// HTTPDownloader fetches remote videos, retrying transient failures
type HTTPDownloader struct {
	client       *http.Client
	maxRetries   int
	retry        *backoff.Config
	maxFileSize  int64 // Maximum advertised size in bytes (0 = unlimited)
	allowedTypes []string
}

// HTTPDownloaderConfig holds configuration for HTTP downloader
type HTTPDownloaderConfig struct {
	MaxRetries   int           // Default: 3
	RetryDelay   time.Duration // Default: 2s, doubled per attempt
	Timeout      time.Duration // Default: 5min, covers reading the body
	MaxFileSize  int64
	AllowedTypes []string // Default: ["video/", "application/octet-stream"]
}

// NewHTTPDownloader creates a new HTTP downloader; a nil config uses defaults
func NewHTTPDownloader(config *HTTPDownloaderConfig) *HTTPDownloader {
	cfg := HTTPDownloaderConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if len(cfg.AllowedTypes) == 0 {
		cfg.AllowedTypes = []string{"video/", "application/octet-stream"}
	}

	return &HTTPDownloader{
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
		maxRetries:   cfg.MaxRetries,
		retry:        &backoff.Config{Initial: cfg.RetryDelay, Max: 8 * cfg.RetryDelay},
		maxFileSize:  cfg.MaxFileSize,
		allowedTypes: cfg.AllowedTypes,
	}
}

// Open returns the body of url once the server answers 200 with an allowed
// content type. The caller closes the body.
func (d *HTTPDownloader) Open(ctx context.Context, url string) (io.ReadCloser, error) {
	var lastErr error

	for attempt := 1; attempt <= d.maxRetries; attempt++ {
		body, err := d.openAttempt(ctx, url)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if !isRetryableError(err) {
			return nil, fmt.Errorf("download failed (non-retryable): %w", err)
		}
		if attempt < d.maxRetries {
			if err := backoff.Sleep(ctx, attempt, d.retry); err != nil {
				return nil, err
			}
		}
	}

	return nil, fmt.Errorf("download failed after %d attempts: %w", d.maxRetries, lastErr)
}

func (d *HTTPDownloader) openAttempt(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &ValidationError{Field: "url", Value: url, Message: err.Error()}
	}
	req.Header.Set("User-Agent", "videodetect-worker/1.0")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("HTTP %d: %s", resp.StatusCode, resp.Status),
		}
	}

	contentType := resp.Header.Get("Content-Type")
	if !d.isAllowedContentType(contentType) {
		resp.Body.Close()
		return nil, &ValidationError{
			Field:   "Content-Type",
			Value:   contentType,
			Message: "unsupported content type (expected video/*)",
		}
	}

	if d.maxFileSize > 0 && resp.ContentLength > d.maxFileSize {
		resp.Body.Close()
		return nil, &ValidationError{
			Field:   "Content-Length",
			Value:   fmt.Sprintf("%d bytes", resp.ContentLength),
			Message: fmt.Sprintf("file too large (max: %d bytes)", d.maxFileSize),
		}
	}

	return resp.Body, nil
}

// isAllowedContentType accepts an empty type since some servers omit it
func (d *HTTPDownloader) isAllowedContentType(contentType string) bool {
	if contentType == "" {
		return true
	}
	for _, allowed := range d.allowedTypes {
		if strings.HasPrefix(contentType, allowed) {
			return true
		}
	}
	return false
}

// isRetryableError retries network failures and 5xx responses only
func isRetryableError(err error) bool {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// HTTPError represents an HTTP error
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return e.Message
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (value: %s)", e.Field, e.Message, e.Value)
}
