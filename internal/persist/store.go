package persist

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/loomhq/loom/pkg/models"
)

// RunInfo describes one stored run.
type RunInfo struct {
	ID        string
	CreatedAt time.Time
}

// Store saves and restores run memories as step-record sequences.
type Store interface {
	// SaveRun stores the full memory of a run, replacing any prior save.
	SaveRun(ctx context.Context, runID string, steps []models.Step) error

	// LoadRun restores a saved memory. The loaded sequence is re-validated
	// against the memory ordering rules.
	LoadRun(ctx context.Context, runID string) ([]models.Step, error)

	// ListRuns returns stored runs, oldest first.
	ListRuns(ctx context.Context) ([]RunInfo, error)

	// DeleteRun removes a stored run. Deleting an unknown run is a no-op.
	DeleteRun(ctx context.Context, runID string) error

	Close() error
}

// ErrRunNotFound is returned by LoadRun for unknown run ids.
var ErrRunNotFound = fmt.Errorf("run not found")

type memoryRun struct {
	createdAt time.Time
	records   [][]byte
}

// MemoryStore keeps encoded runs in process memory. It exercises the same
// record codec as the SQLite store, so tests against it cover the wire
// format too.
type MemoryStore struct {
	mu   sync.Mutex
	runs map[string]memoryRun
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]memoryRun)}
}

func (s *MemoryStore) SaveRun(_ context.Context, runID string, steps []models.Step) error {
	now := time.Now()
	records := make([][]byte, len(steps))
	for i, step := range steps {
		data, err := MarshalStep(step, now)
		if err != nil {
			return &InvalidRecordError{Index: i, Reason: err.Error()}
		}
		records[i] = data
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	createdAt := now
	if prior, ok := s.runs[runID]; ok {
		createdAt = prior.createdAt
	}
	s.runs[runID] = memoryRun{createdAt: createdAt, records: records}
	return nil
}

func (s *MemoryStore) LoadRun(_ context.Context, runID string) ([]models.Step, error) {
	s.mu.Lock()
	run, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	steps := make([]models.Step, len(run.records))
	for i, data := range run.records {
		step, err := UnmarshalStep(data)
		if err != nil {
			return nil, &InvalidRecordError{Index: i, Reason: err.Error()}
		}
		steps[i] = step
	}
	if err := ValidateSequence(steps); err != nil {
		return nil, err
	}
	return steps, nil
}

func (s *MemoryStore) ListRuns(_ context.Context) ([]RunInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]RunInfo, 0, len(s.runs))
	for id, run := range s.runs {
		infos = append(infos, RunInfo{ID: id, CreatedAt: run.createdAt})
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos, nil
}

func (s *MemoryStore) DeleteRun(_ context.Context, runID string) error {
	s.mu.Lock()
	delete(s.runs, runID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error { return nil }
