package store

import (
	"context"
	"sort"
	"sync"

	"github.com/keystone-studio/keystone/orchestrator/pkg/models"
)

// MemoryStore implements Store with in-memory maps. Used when no
// DATABASE_URL is configured, and by tests.
type MemoryStore struct {
	mu    sync.RWMutex
	runs  map[string]*models.Run // key: id
	byKey map[string]string      // idempotency key → run id
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:  make(map[string]*models.Run),
		byKey: make(map[string]string),
	}
}

func (m *MemoryStore) CreateRun(_ context.Context, run *models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if run.IdempotencyKey != "" {
		if _, held := m.byKey[run.IdempotencyKey]; held {
			return &ErrConflict{Key: run.IdempotencyKey}
		}
		m.byKey[run.IdempotencyKey] = run.ID
	}
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, id string) (*models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "run", Key: id}
	}
	cp := *run
	return &cp, nil
}

func (m *MemoryStore) GetRunByIdempotencyKey(_ context.Context, key string) (*models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byKey[key]
	if !ok {
		return nil, &ErrNotFound{Entity: "run", Key: key}
	}
	run, ok := m.runs[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "run", Key: key}
	}
	cp := *run
	return &cp, nil
}

func (m *MemoryStore) UpdateRun(_ context.Context, run *models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[run.ID]; !ok {
		return &ErrNotFound{Entity: "run", Key: run.ID}
	}
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *MemoryStore) ListRuns(_ context.Context, limit int) ([]models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Run, 0, len(m.runs))
	for _, run := range m.runs {
		out = append(out, *run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
