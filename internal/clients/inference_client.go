package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/adverant/nexus/videodetect-worker/internal/models"
	"github.com/adverant/nexus/videodetect-worker/pkg/backoff"
)

// InferenceClient calls an object detection service that accepts one JPEG
// frame as multipart field "file" and answers with {"detections": [...]}
type InferenceClient struct {
	baseURL     string
	httpClient  *http.Client
	retryCount  int
	retryConfig *backoff.Config
	jpegQuality int
}

// NewInferenceClient creates a new inference client
func NewInferenceClient(baseURL string, timeout time.Duration) *InferenceClient {
	return &InferenceClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		retryCount:  2,
		retryConfig: &backoff.Config{Initial: 200 * time.Millisecond, Max: 2 * time.Second},
		jpegQuality: 90,
	}
}

type inferenceDetection struct {
	Label      string     `json:"label"`
	Class      string     `json:"class"`
	Confidence float64    `json:"confidence"`
	BBox       [4]float64 `json:"bbox"` // x1, y1, x2, y2
}

type inferenceResponse struct {
	Detections []inferenceDetection `json:"detections"`
}

// statusError is returned for non-2xx responses
type statusError struct {
	StatusCode int
	Body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("inference request failed with status %d: %s", e.StatusCode, e.Body)
}

// Detect runs the model on a single frame
func (c *InferenceClient) Detect(ctx context.Context, frame image.Image) ([]models.Detection, error) {
	var jpg bytes.Buffer
	if err := jpeg.Encode(&jpg, frame, &jpeg.Options{Quality: c.jpegQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	var response inferenceResponse
	if err := c.makeRequest(ctx, c.baseURL+"/detect", jpg.Bytes(), &response); err != nil {
		return nil, fmt.Errorf("detection failed: %w", err)
	}

	detections := make([]models.Detection, 0, len(response.Detections))
	for _, d := range response.Detections {
		label := d.Label
		if label == "" {
			label = d.Class
		}
		detections = append(detections, models.Detection{
			Label:      label,
			Confidence: d.Confidence,
			BBox: models.BoundingBox{
				X1: int(d.BBox[0]),
				Y1: int(d.BBox[1]),
				X2: int(d.BBox[2]),
				Y2: int(d.BBox[3]),
			},
		})
	}
	return detections, nil
}

// makeRequest performs HTTP request with retry logic
func (c *InferenceClient) makeRequest(ctx context.Context, url string, jpg []byte, result interface{}) error {
	var lastErr error

	for attempt := 0; attempt <= c.retryCount; attempt++ {
		if attempt > 0 {
			if err := backoff.Sleep(ctx, attempt, c.retryConfig); err != nil {
				return err
			}
		}

		err := c.doRequest(ctx, url, jpg, result)
		if err == nil {
			return nil
		}

		lastErr = err
		if !c.isRetryable(err) {
			return err
		}
	}

	return fmt.Errorf("request failed after %d attempts: %w", c.retryCount+1, lastErr)
}

// doRequest performs a single multipart upload
func (c *InferenceClient) doRequest(ctx context.Context, url string, jpg []byte, result interface{}) error {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", "frame.jpg")
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(jpg); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("X-Request-ID", "videodetect-"+uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return &statusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// isRetryable determines if an error is retryable
func (c *InferenceClient) isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var se *statusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// HealthCheck checks if the inference service is available
func (c *InferenceClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inference service unhealthy: status %d", resp.StatusCode)
	}

	return nil
}
