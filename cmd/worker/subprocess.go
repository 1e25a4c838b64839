package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/adverant/nexus/videodetect-worker/internal/config"
	"github.com/adverant/nexus/videodetect-worker/internal/models"
	"github.com/adverant/nexus/videodetect-worker/internal/utils"
)

// runSubprocess reads one JobPayload from stdin, processes it with an
// in-memory store and writes the JobResult to stdout. It returns the exit code.
func runSubprocess(cfg *config.WorkerConfig) int {
	cfg.StoreBackend = config.StoreMemory
	cfg.PostgresURL = ""
	if err := cfg.Validate(); err != nil {
		return sendError(err.Error())
	}

	input, err := io.ReadAll(os.Stdin)
	if err != nil {
		return sendError(fmt.Sprintf("Failed to read stdin: %v", err))
	}
	var payload models.JobPayload
	if err := json.Unmarshal(input, &payload); err != nil {
		return sendError(fmt.Sprintf("Failed to parse job payload: %v", err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := build(ctx, cfg)
	if err != nil {
		return sendError(fmt.Sprintf("Failed to initialize worker: %v", err))
	}
	defer c.Close()

	var video io.Reader
	switch {
	case payload.VideoPath != "":
		f, err := os.Open(payload.VideoPath)
		if err != nil {
			return sendError(fmt.Sprintf("Failed to open video: %v", err))
		}
		defer f.Close()
		video = f
	case payload.VideoURL != "":
		downloader := utils.NewHTTPDownloader(&utils.HTTPDownloaderConfig{MaxFileSize: cfg.MaxVideoSize})
		body, err := downloader.Open(ctx, payload.VideoURL)
		if err != nil {
			return sendError(fmt.Sprintf("Failed to download video: %v", err))
		}
		defer body.Close()
		video = body
	case len(payload.VideoBuffer) > 0:
		video = bytes.NewReader(payload.VideoBuffer)
	default:
		return sendError("job payload needs videoPath, videoUrl or videoBuffer")
	}

	slog.Info("Processing job", "jobId", payload.JobID, "videoPath", payload.VideoPath, "videoUrl", payload.VideoURL)
	result, err := c.processor.Process(ctx, video, models.SubmitOptions{
		FrameSkip:           payload.FrameSkip,
		ConfidenceThreshold: payload.ConfidenceThreshold,
		ClientID:            payload.JobID,
	})
	if err != nil {
		return sendError(err.Error())
	}

	out, err := json.Marshal(result)
	if err != nil {
		return sendError(fmt.Sprintf("Failed to marshal result: %v", err))
	}
	fmt.Println(string(out))
	return 0
}

// sendError writes an error response to stdout as JSON
func sendError(message string) int {
	errorJSON, _ := json.Marshal(map[string]interface{}{
		"success": false,
		"error":   message,
	})
	fmt.Println(string(errorJSON))
	return 1
}
