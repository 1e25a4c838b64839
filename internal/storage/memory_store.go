package storage

import (
	"context"
	"sync"

	"github.com/adverant/nexus/videodetect-worker/internal/apperrors"
	"github.com/adverant/nexus/videodetect-worker/internal/models"
)

// MemoryStore is a process-local JobStore used by tests and subprocess mode
type MemoryStore struct {
	mu      sync.RWMutex
	jobs    map[string]*models.Job
	results map[string]*models.JobResult
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[string]*models.Job),
		results: make(map[string]*models.JobResult),
	}
}

func (s *MemoryStore) Create(ctx context.Context, job *models.Job) error {
	if err := validatePut(job); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return apperrors.Conflict("job", job.ID, "job "+job.ID+" already exists")
	}
	s.jobs[job.ID] = stamped(job)
	return nil
}

func (s *MemoryStore) Put(ctx context.Context, job *models.Job) error {
	if err := validatePut(job); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.jobs[job.ID]
	if !ok {
		return apperrors.NotFound("job", job.ID)
	}
	if err := CheckTransition(prev, job); err != nil {
		return err
	}
	s.jobs[job.ID] = stamped(job)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	return job.Clone(), nil
}

func (s *MemoryStore) PutResult(ctx context.Context, id string, result *models.JobResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return apperrors.NotFound("job", id)
	}
	s.results[id] = cloneResult(result)
	return nil
}

func (s *MemoryStore) GetResult(ctx context.Context, id string) (*models.JobResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result, ok := s.results[id]
	if !ok {
		return nil, apperrors.NotFound("result", id)
	}
	return cloneResult(result), nil
}

func (s *MemoryStore) Complete(ctx context.Context, job *models.Job, result *models.JobResult) error {
	if err := validateComplete(job, result); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.jobs[job.ID]
	if !ok {
		return apperrors.NotFound("job", job.ID)
	}
	next := completed(job, result)
	if err := CheckTransition(prev, next); err != nil {
		return err
	}
	s.results[job.ID] = cloneResult(result)
	s.jobs[job.ID] = next
	return nil
}

func (s *MemoryStore) ListUnfinished(ctx context.Context) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Job
	for _, job := range s.jobs {
		if !job.Status.IsTerminal() {
			out = append(out, job.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// cloneResult copies the slices a caller could otherwise mutate
func cloneResult(r *models.JobResult) *models.JobResult {
	if r == nil {
		return nil
	}
	c := *r
	c.Results = make([]models.FrameResult, len(r.Results))
	for i, fr := range r.Results {
		fr.Detections = append([]models.Detection{}, fr.Detections...)
		c.Results[i] = fr
	}
	return &c
}
