package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all worker metrics.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job metrics (Latency, Traffic, Errors, Saturation)
	JobDuration    metric.Float64Histogram
	JobsTotal      metric.Int64Counter
	JobErrorsTotal metric.Int64Counter
	JobsActive     metric.Int64UpDownCounter

	// Pipeline metrics
	FramesTotal       metric.Int64Counter
	DetectionFailures metric.Int64Counter
	EncoderFallbacks  metric.Int64Counter
	StoreRetries      metric.Int64Counter
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	m, err := newMetrics(provider.Meter("videodetect-worker"))
	if err != nil {
		return nil, nil, err
	}
	return m, promhttp.Handler(), nil
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}
	var err error

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, err
	}

	m.JobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Job processing duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600),
	)
	if err != nil {
		return nil, err
	}

	m.JobsTotal, err = meter.Int64Counter(
		"jobs_total",
		metric.WithDescription("Total number of jobs submitted"),
	)
	if err != nil {
		return nil, err
	}

	m.JobErrorsTotal, err = meter.Int64Counter(
		"job_errors_total",
		metric.WithDescription("Total number of failed jobs"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsActive, err = meter.Int64UpDownCounter(
		"jobs_active",
		metric.WithDescription("Number of jobs currently processing (saturation)"),
	)
	if err != nil {
		return nil, err
	}

	m.FramesTotal, err = meter.Int64Counter(
		"frames_total",
		metric.WithDescription("Frames passed through the pipeline, by whether they were sampled"),
	)
	if err != nil {
		return nil, err
	}

	m.DetectionFailures, err = meter.Int64Counter(
		"detection_failures_total",
		metric.WithDescription("Frames whose detection call failed and were recorded with no detections"),
	)
	if err != nil {
		return nil, err
	}

	m.EncoderFallbacks, err = meter.Int64Counter(
		"encoder_fallbacks_total",
		metric.WithDescription("Times an encoder could not start and the next codec was tried"),
	)
	if err != nil {
		return nil, err
	}

	m.StoreRetries, err = meter.Int64Counter(
		"store_retries_total",
		metric.WithDescription("Job store writes that were retried"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobSubmitted records a job accepted by Submit.
func (m *Metrics) RecordJobSubmitted(ctx context.Context) {
	if m == nil {
		return
	}
	m.JobsTotal.Add(ctx, 1)
}

// RecordJobStarted records a job entering PROCESSING.
func (m *Metrics) RecordJobStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.JobsActive.Add(ctx, 1)
}

// RecordJobFinished records a job reaching a terminal state.
func (m *Metrics) RecordJobFinished(ctx context.Context, codec string, success bool, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(codecAttr(codec), successAttr(success))
	m.JobDuration.Record(ctx, durationSeconds, attrs)
	m.JobsActive.Add(ctx, -1)

	if !success {
		m.JobErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordFrames records frames written to the encoder.
func (m *Metrics) RecordFrames(ctx context.Context, sampled, skipped int) {
	if m == nil {
		return
	}
	m.FramesTotal.Add(ctx, int64(sampled), metric.WithAttributes(sampledAttr(true)))
	m.FramesTotal.Add(ctx, int64(skipped), metric.WithAttributes(sampledAttr(false)))
}

// RecordDetectionFailure records a frame whose detection call failed.
func (m *Metrics) RecordDetectionFailure(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.DetectionFailures.Add(ctx, 1, metric.WithAttributes(reasonAttr(reason)))
}

// RecordEncoderFallback records skipping a codec that failed to start.
func (m *Metrics) RecordEncoderFallback(ctx context.Context, codec string) {
	if m == nil {
		return
	}
	m.EncoderFallbacks.Add(ctx, 1, metric.WithAttributes(codecAttr(codec)))
}

// RecordStoreRetry records a retried job store write.
func (m *Metrics) RecordStoreRetry(ctx context.Context, op string) {
	if m == nil {
		return
	}
	m.StoreRetries.Add(ctx, 1, metric.WithAttributes(opAttr(op)))
}
