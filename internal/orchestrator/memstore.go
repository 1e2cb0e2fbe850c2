package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/atsume/internal/model"
	"github.com/ashita-ai/atsume/internal/storage"
)

// MemoryRunStore is a RunStore kept in process memory. It is used when no
// database is configured and in tests.
type MemoryRunStore struct {
	mu    sync.RWMutex
	runs  map[uuid.UUID]model.CollectionRun
	tasks map[uuid.UUID]map[uuid.UUID]model.CollectionTask // run id -> task id -> task
}

// NewMemoryRunStore returns an empty store.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{
		runs:  make(map[uuid.UUID]model.CollectionRun),
		tasks: make(map[uuid.UUID]map[uuid.UUID]model.CollectionTask),
	}
}

// CreateRun stores a run together with its tasks.
func (s *MemoryRunStore) CreateRun(_ context.Context, r model.CollectionRun, tasks []model.CollectionTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; ok {
		return fmt.Errorf("orchestrator: run %s already exists", r.ID)
	}
	s.runs[r.ID] = r
	byID := make(map[uuid.UUID]model.CollectionTask, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t.Clone()
	}
	s.tasks[r.ID] = byID
	return nil
}

// SaveRun replaces a stored run.
func (s *MemoryRunStore) SaveRun(_ context.Context, r model.CollectionRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; !ok {
		return fmt.Errorf("run %s: %w", r.ID, storage.ErrNotFound)
	}
	s.runs[r.ID] = r
	return nil
}

// SaveTask replaces a stored task with a copy of t.
func (s *MemoryRunStore) SaveTask(_ context.Context, t model.CollectionTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.tasks[t.RunID]
	if !ok {
		return fmt.Errorf("run %s: %w", t.RunID, storage.ErrNotFound)
	}
	byID[t.ID] = t.Clone()
	return nil
}

// GetRun returns a run.
func (s *MemoryRunStore) GetRun(_ context.Context, id uuid.UUID) (model.CollectionRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return model.CollectionRun{}, fmt.Errorf("run %s: %w", id, storage.ErrNotFound)
	}
	return r, nil
}

// ListTasks returns a run's tasks ordered by platform.
func (s *MemoryRunStore) ListTasks(_ context.Context, runID uuid.UUID) ([]model.CollectionTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.CollectionTask, 0, len(s.tasks[runID]))
	for _, t := range s.tasks[runID] {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlatformName < out[j].PlatformName })
	return out, nil
}

// ListRuns returns up to limit runs newest first, for one query design or
// for all when queryDesignID is nil.
func (s *MemoryRunStore) ListRuns(_ context.Context, queryDesignID uuid.UUID, limit int) ([]model.CollectionRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.CollectionRun
	for _, r := range s.runs {
		if queryDesignID != uuid.Nil && r.QueryDesignID != queryDesignID {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MemoryQueryDesigns is a QueryDesignStore kept in process memory.
type MemoryQueryDesigns struct {
	mu      sync.RWMutex
	designs map[uuid.UUID]model.QueryDesign
}

// NewMemoryQueryDesigns returns an empty store.
func NewMemoryQueryDesigns() *MemoryQueryDesigns {
	return &MemoryQueryDesigns{designs: make(map[uuid.UUID]model.QueryDesign)}
}

// CreateQueryDesign stores qd, assigning an id and creation time when unset.
func (s *MemoryQueryDesigns) CreateQueryDesign(_ context.Context, qd model.QueryDesign) (model.QueryDesign, error) {
	if qd.ID == uuid.Nil {
		qd.ID = uuid.New()
	}
	if qd.CreatedAt.IsZero() {
		qd.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.designs[qd.ID]; ok {
		return model.QueryDesign{}, fmt.Errorf("query design %s: %w", qd.ID, storage.ErrConflict)
	}
	s.designs[qd.ID] = qd
	return qd, nil
}

// GetQueryDesign returns a query design.
func (s *MemoryQueryDesigns) GetQueryDesign(_ context.Context, id uuid.UUID) (model.QueryDesign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	qd, ok := s.designs[id]
	if !ok {
		return model.QueryDesign{}, fmt.Errorf("query design %s: %w", id, storage.ErrNotFound)
	}
	return qd, nil
}
