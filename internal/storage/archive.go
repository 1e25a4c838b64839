package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/adverant/nexus/videodetect-worker/internal/models"
)

// HistoryArchive copies finished jobs and their detections into PostgreSQL.
// It is a reporting sink; the job store stays the source of truth.
type HistoryArchive struct {
	db *sql.DB
}

// NewHistoryArchive connects to PostgreSQL and creates the schema if needed
func NewHistoryArchive(ctx context.Context, postgresURL string) (*HistoryArchive, error) {
	db, err := sql.Open("postgres", postgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	a := newHistoryArchive(db)
	if err := a.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return a, nil
}

func newHistoryArchive(db *sql.DB) *HistoryArchive {
	return &HistoryArchive{db: db}
}

func (a *HistoryArchive) initSchema(ctx context.Context) error {
	schema := `
	CREATE SCHEMA IF NOT EXISTS videodetect;

	CREATE TABLE IF NOT EXISTS videodetect.jobs (
		job_id VARCHAR(255) PRIMARY KEY,
		status VARCHAR(50) NOT NULL,
		frame_skip INT NOT NULL,
		confidence_threshold FLOAT NOT NULL,
		total_frames INT NOT NULL,
		processed_frames INT NOT NULL,
		video_length FLOAT NOT NULL,
		time_cost FLOAT NOT NULL,
		codec VARCHAR(50),
		output_file TEXT,
		annotated_video TEXT,
		created_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS videodetect.detections (
		id SERIAL PRIMARY KEY,
		job_id VARCHAR(255) NOT NULL REFERENCES videodetect.jobs(job_id) ON DELETE CASCADE,
		frame_index INT NOT NULL,
		timestamp_ms BIGINT NOT NULL,
		label VARCHAR(255) NOT NULL,
		confidence FLOAT NOT NULL,
		bounding_box JSONB NOT NULL
	);`

	if _, err := a.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_vd_detections_job_id ON videodetect.detections(job_id)",
		"CREATE INDEX IF NOT EXISTS idx_vd_detections_label ON videodetect.detections(label)",
		"CREATE INDEX IF NOT EXISTS idx_vd_jobs_completed_at ON videodetect.jobs(completed_at)",
	}
	for _, stmt := range indexes {
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

// Archive records a completed job. Re-archiving the same job replaces its rows.
func (a *HistoryArchive) Archive(ctx context.Context, job *models.Job, result *models.JobResult) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO videodetect.jobs (
			job_id, status, frame_skip, confidence_threshold, total_frames, processed_frames,
			video_length, time_cost, codec, output_file, annotated_video, created_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (job_id) DO UPDATE SET
			status = EXCLUDED.status,
			total_frames = EXCLUDED.total_frames,
			processed_frames = EXCLUDED.processed_frames,
			video_length = EXCLUDED.video_length,
			time_cost = EXCLUDED.time_cost,
			codec = EXCLUDED.codec,
			output_file = EXCLUDED.output_file,
			annotated_video = EXCLUDED.annotated_video,
			completed_at = EXCLUDED.completed_at`,
		job.ID, string(models.StatusCompleted), job.FrameSkip, job.ConfidenceThreshold,
		result.TotalFrames, result.ProcessedFrames, result.VideoLength, result.TimeCost,
		result.Codec, result.OutputFile, result.AnnotatedVideo, job.CreatedAt, result.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM videodetect.detections WHERE job_id = $1`, job.ID); err != nil {
		return fmt.Errorf("failed to clear detections: %w", err)
	}

	for _, frame := range result.Results {
		for _, d := range frame.Detections {
			bbox, err := json.Marshal(d.BBox)
			if err != nil {
				return fmt.Errorf("failed to marshal bounding box: %w", err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO videodetect.detections (job_id, frame_index, timestamp_ms, label, confidence, bounding_box)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				job.ID, frame.FrameIndex, frame.TimestampMs, d.Label, d.Confidence, bbox,
			)
			if err != nil {
				return fmt.Errorf("failed to insert detection: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit archive: %w", err)
	}
	return nil
}

// Close closes the database connection
func (a *HistoryArchive) Close() error {
	return a.db.Close()
}
