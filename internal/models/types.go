package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a detection job
type JobStatus string

const (
	StatusPending    JobStatus = "PENDING"
	StatusProcessing JobStatus = "PROCESSING"
	StatusCompleted  JobStatus = "COMPLETED"
	StatusFailed     JobStatus = "FAILED"
)

// IsTerminal reports whether no further transitions are allowed
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Rank orders statuses so that stores can reject regressions.
// Both terminal states share the highest rank.
func (s JobStatus) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is one of the known statuses
func (s JobStatus) Valid() bool {
	return s.Rank() >= 0
}

// Job is the persisted record of one submitted video
type Job struct {
	ID                  string     `json:"id"`
	Status              JobStatus  `json:"status"`
	Progress            int        `json:"progress"` // 0-100
	VideoPath           string     `json:"videoPath"`
	FrameSkip           int        `json:"frameSkip"`
	ConfidenceThreshold float64    `json:"confidenceThreshold"`
	CreatedAt           time.Time  `json:"createdAt"`
	StartedAt           *time.Time `json:"startedAt,omitempty"`
	CompletedAt         *time.Time `json:"completedAt,omitempty"`
	UpdatedAt           time.Time  `json:"updatedAt"` // Stamped by the store on every write
	Error               string     `json:"error,omitempty"`
}

// Clone returns a deep copy so stores never share pointers with callers
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// BoundingBox is an axis-aligned box in source-frame pixel coordinates
type BoundingBox struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Valid reports whether the corners are ordered
func (b BoundingBox) Valid() bool {
	return b.X2 >= b.X1 && b.Y2 >= b.Y1
}

// Detection is a single object found in a frame
type Detection struct {
	Label      string      `json:"label"`
	Confidence float64     `json:"confidence"` // 0-1
	BBox       BoundingBox `json:"bbox"`
}

// FrameResult holds the detections for one sampled frame.
// Detections is never nil so it always serializes as a list.
type FrameResult struct {
	FrameIndex  int         `json:"frame_index"`
	TimestampMs int64       `json:"timestamp"`
	Detections  []Detection `json:"detections"`
}

// JobResult is written exactly once when a job completes
type JobResult struct {
	JobID           string        `json:"job_id"`
	TotalFrames     int           `json:"total_frames"`
	ProcessedFrames int           `json:"processed_frames"`
	TimeCost        float64       `json:"time_cost"`    // Seconds
	FPS             float64       `json:"fps"`          // Processed frames per second of wall clock
	VideoLength     float64       `json:"video_length"` // Seconds
	Results         []FrameResult `json:"results"`
	AnnotatedVideo  string        `json:"annotated_video"`
	OutputFile      string        `json:"output_file"`
	Codec           string        `json:"codec"`
	MIMEType        string        `json:"mime_type"`
	CompletedAt     time.Time     `json:"completed_at"`
}

// JobStatusView is what pollers see for a job
type JobStatusView struct {
	JobID    string    `json:"task_id"`
	Status   JobStatus `json:"status"`
	Progress int       `json:"progress"`
	Error    string    `json:"error,omitempty"`
}

// ResultView carries the full result only for completed jobs
type ResultView struct {
	JobStatusView
	Result *JobResult `json:"result,omitempty"`
}

// VideoMetadata contains technical video information
type VideoMetadata struct {
	Duration    float64 `json:"duration"` // Seconds
	Width       int     `json:"width"`
	Height      int     `json:"height"` // Displayed size, after rotation
	FrameRate   float64 `json:"frameRate"`
	Rotation    int     `json:"rotation,omitempty"` // Degrees clockwise: 0, 90, 180 or 270
	TotalFrames int     `json:"totalFrames"`
	Codec       string  `json:"codec"`
	Format      string  `json:"format"`
	Size        int64   `json:"size"` // Bytes
}

// SubmitOptions are the per-job knobs a caller may set.
// Zero FrameSkip and nil ConfidenceThreshold select the configured defaults.
type SubmitOptions struct {
	FrameSkip           int      `json:"frameSkip,omitempty"`
	ConfidenceThreshold *float64 `json:"confidenceThreshold,omitempty"`
	ClientID            string   `json:"clientId,omitempty"`
}

// ProgressUpdate is broadcast on every persisted progress change
type ProgressUpdate struct {
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	Progress  int       `json:"progress"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ProcessTaskPayload is the queue message for a job
type ProcessTaskPayload struct {
	JobID string `json:"jobId"`
}

// JobPayload is the stdin document accepted in subprocess mode
type JobPayload struct {
	JobID               string   `json:"jobId,omitempty"`
	VideoPath           string   `json:"videoPath,omitempty"`
	VideoURL            string   `json:"videoUrl,omitempty"`
	VideoBuffer         []byte   `json:"videoBuffer,omitempty"`
	FrameSkip           int      `json:"frameSkip,omitempty"`
	ConfidenceThreshold *float64 `json:"confidenceThreshold,omitempty"`
}

// UnmarshalJSON accepts videoBuffer either as a base64 string or as a
// Node.js Buffer object {"type": "Buffer", "data": [...]}
func (p *JobPayload) UnmarshalJSON(data []byte) error {
	type Alias JobPayload
	aux := &struct {
		VideoBuffer interface{} `json:"videoBuffer"`
		*Alias
	}{
		Alias: (*Alias)(p),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	switch v := aux.VideoBuffer.(type) {
	case string:
		var decoded []byte
		if err := json.Unmarshal([]byte(`"`+v+`"`), &decoded); err != nil {
			return err
		}
		p.VideoBuffer = decoded
	case map[string]interface{}:
		if bufferType, ok := v["type"].(string); ok && bufferType == "Buffer" {
			if dataArray, ok := v["data"].([]interface{}); ok {
				p.VideoBuffer = make([]byte, len(dataArray))
				for i, val := range dataArray {
					if num, ok := val.(float64); ok {
						p.VideoBuffer[i] = byte(num)
					}
				}
			}
		}
	}

	return nil
}

// NewJobID generates a unique job ID
func NewJobID() string {
	return uuid.New().String()
}
