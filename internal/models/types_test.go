package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestJobStatus_Rank(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status   JobStatus
		rank     int
		terminal bool
	}{
		{StatusPending, 0, false},
		{StatusProcessing, 1, false},
		{StatusCompleted, 2, true},
		{StatusFailed, 2, true},
		{JobStatus("RUNNING"), -1, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			t.Parallel()
			if got := tt.status.Rank(); got != tt.rank {
				t.Errorf("Rank() = %d, want %d", got, tt.rank)
			}
			if got := tt.status.IsTerminal(); got != tt.terminal {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.terminal)
			}
			if got := tt.status.Valid(); got != (tt.rank >= 0) {
				t.Errorf("Valid() = %v", got)
			}
		})
	}
}

func TestJob_CloneIsDeep(t *testing.T) {
	t.Parallel()
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	job := &Job{ID: "a", Status: StatusProcessing, StartedAt: &started}

	c := job.Clone()
	*c.StartedAt = started.Add(time.Hour)
	c.Progress = 50

	if !job.StartedAt.Equal(started) || job.Progress != 0 {
		t.Errorf("Clone shares state with the original: %+v", job)
	}
	if (*Job)(nil).Clone() != nil {
		t.Error("Clone of nil should be nil")
	}
}

func TestJobPayload_UnmarshalVideoBuffer(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"base64", `{"jobId":"j1","videoBuffer":"aGVsbG8="}`, "hello"},
		{"node buffer", `{"jobId":"j1","videoBuffer":{"type":"Buffer","data":[104,105]}}`, "hi"},
		{"absent", `{"jobId":"j1","videoPath":"/tmp/a.mp4"}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var p JobPayload
			if err := json.Unmarshal([]byte(tt.input), &p); err != nil {
				t.Fatalf("Unmarshal failed: %v", err)
			}
			if p.JobID != "j1" {
				t.Errorf("JobID = %q", p.JobID)
			}
			if string(p.VideoBuffer) != tt.want {
				t.Errorf("VideoBuffer = %q, want %q", p.VideoBuffer, tt.want)
			}
		})
	}
}

func TestFrameResult_EmptyDetectionsSerializeAsList(t *testing.T) {
	t.Parallel()
	data, err := json.Marshal(FrameResult{FrameIndex: 3, TimestampMs: 100, Detections: []Detection{}})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"frame_index":3,"timestamp":100,"detections":[]}`
	if string(data) != want {
		t.Errorf("got %s, want %s", data, want)
	}
}

func TestNewJobID_Unique(t *testing.T) {
	t.Parallel()
	if a, b := NewJobID(), NewJobID(); a == b || len(a) != 36 {
		t.Errorf("unexpected ids %q %q", a, b)
	}
}
