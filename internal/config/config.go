// Package config provides configuration loading from environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
)

// Worker modes
const (
	ModeStandalone = "standalone" // HTTP API plus in-process job goroutines
	ModeQueue      = "queue"      // HTTP API enqueueing to asynq plus an in-process consumer
	ModeConsumer   = "consumer"   // asynq consumer only
	ModeSubprocess = "subprocess" // one job from stdin, result on stdout
)

// Store backends
const (
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// WorkerConfig holds configuration for the detection worker.
type WorkerConfig struct {
	Mode        string
	Port        string
	MetricsPort string

	RedisURL     string
	PostgresURL  string // Empty disables the history archive
	StoreBackend string

	InferenceURL     string
	InferenceTimeout time.Duration

	TempDir       string
	OutputDir     string
	PublicBaseURL string
	MaxVideoSize  int64 // Bytes

	FrameSkip           int
	ConfidenceThreshold float64
	DetectConcurrency   int
	WorkerConcurrency   int
	ProgressStep        int

	PushInterval    time.Duration
	PushMaxWait     time.Duration
	ResultTTL       time.Duration
	ShutdownTimeout time.Duration
	StaleJobTimeout time.Duration // Unfinished records idle this long are failed
}

// LoadEnvFile loads variables from path into the process environment.
// A missing file is not an error; variables already set win.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// LoadWorkerConfig loads worker configuration from environment variables.
func LoadWorkerConfig() *WorkerConfig {
	return &WorkerConfig{
		Mode:        GetEnv("WORKER_MODE", ModeStandalone),
		Port:        GetEnv("PORT", "8080"),
		MetricsPort: GetEnv("METRICS_PORT", "9090"),

		RedisURL:     GetEnv("REDIS_URL", "redis://localhost:6379"),
		PostgresURL:  GetEnv("POSTGRES_URL", ""),
		StoreBackend: GetEnv("STORE_BACKEND", StoreRedis),

		InferenceURL:     GetEnv("INFERENCE_URL", "http://localhost:8000"),
		InferenceTimeout: GetDurationEnv("INFERENCE_TIMEOUT", 30*time.Second),

		TempDir:       GetEnv("TEMP_DIR", "/tmp/videodetect"),
		OutputDir:     GetEnv("OUTPUT_DIR", "/var/lib/videodetect/outputs"),
		PublicBaseURL: GetEnv("PUBLIC_BASE_URL", "http://localhost:8080"),
		MaxVideoSize:  GetInt64Env("MAX_VIDEO_SIZE", 2*1024*1024*1024), // 2GB default

		FrameSkip:           GetIntEnv("FRAME_SKIP", 3),
		ConfidenceThreshold: GetFloatEnv("CONF_THRESH", 0.5),
		DetectConcurrency:   GetIntEnv("DETECT_CONCURRENCY", 2),
		WorkerConcurrency:   GetIntEnv("WORKER_CONCURRENCY", 3),
		ProgressStep:        GetIntEnv("PROGRESS_STEP", 1),

		PushInterval:    GetDurationEnv("PUSH_INTERVAL", time.Second),
		PushMaxWait:     GetDurationEnv("PUSH_MAX_WAIT", time.Hour),
		ResultTTL:       GetDurationEnv("RESULT_TTL", 7*24*time.Hour),
		ShutdownTimeout: GetDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		StaleJobTimeout: GetDurationEnv("STALE_JOB_TIMEOUT", 30*time.Minute),
	}
}

// Validate rejects settings the worker cannot run with.
func (c *WorkerConfig) Validate() error {
	switch c.Mode {
	case ModeStandalone, ModeQueue, ModeConsumer, ModeSubprocess:
	default:
		return fmt.Errorf("unknown WORKER_MODE %q", c.Mode)
	}
	switch c.StoreBackend {
	case StoreRedis, StoreMemory:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if (c.Mode == ModeQueue || c.Mode == ModeConsumer) && c.StoreBackend != StoreRedis {
		return fmt.Errorf("WORKER_MODE %s requires STORE_BACKEND=redis", c.Mode)
	}
	if c.FrameSkip < 1 {
		return fmt.Errorf("FRAME_SKIP must be at least 1, got %d", c.FrameSkip)
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("CONF_THRESH must be within [0, 1], got %v", c.ConfidenceThreshold)
	}
	if c.ProgressStep < 1 || c.ProgressStep > 5 {
		return fmt.Errorf("PROGRESS_STEP must be within [1, 5], got %d", c.ProgressStep)
	}
	if c.DetectConcurrency < 1 {
		return fmt.Errorf("DETECT_CONCURRENCY must be at least 1, got %d", c.DetectConcurrency)
	}
	if c.PushInterval <= 0 || c.PushMaxWait <= 0 {
		return errors.New("PUSH_INTERVAL and PUSH_MAX_WAIT must be positive")
	}
	if c.StaleJobTimeout < time.Minute {
		return fmt.Errorf("STALE_JOB_TIMEOUT must be at least 1m, got %v", c.StaleJobTimeout)
	}
	return nil
}
