package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"fitsync/internal/errors"
	"fitsync/pkg/types"
)

// MockStore is an in-memory ConflictStore for tests.
type MockStore struct {
	mu        sync.RWMutex
	byID      map[string]*types.Conflict
	byHash    map[string]string
	events    map[string][]StoredEvent
	nextEvent int64

	// FailNext makes the next write operation fail, for error-path tests.
	FailNext error
}

// NewMockStore creates an empty in-memory store.
func NewMockStore() *MockStore {
	return &MockStore{
		byID:   make(map[string]*types.Conflict),
		byHash: make(map[string]string),
		events: make(map[string][]StoredEvent),
	}
}

func (m *MockStore) takeFailure() error {
	err := m.FailNext
	m.FailNext = nil
	return err
}

func (m *MockStore) Upsert(_ context.Context, c *types.Conflict) (*types.Conflict, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return nil, false, err
	}

	if id, ok := m.byHash[c.ConflictHash]; ok {
		return cloneConflict(m.byID[id]), false, nil
	}
	m.byID[c.ID] = cloneConflict(c)
	m.byHash[c.ConflictHash] = c.ID
	return cloneConflict(c), true, nil
}

func (m *MockStore) GetByID(_ context.Context, id string) (*types.Conflict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byID[id]
	if !ok {
		return nil, errors.NewNotFoundError(id)
	}
	return cloneConflict(c), nil
}

func (m *MockStore) GetByHash(_ context.Context, hash string) (*types.Conflict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byHash[hash]
	if !ok {
		return nil, errors.NewNotFoundError(hash)
	}
	return cloneConflict(m.byID[id]), nil
}

func (m *MockStore) Update(_ context.Context, c *types.Conflict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	if _, ok := m.byID[c.ID]; !ok {
		return errors.NewNotFoundError(c.ID)
	}
	m.byID[c.ID] = cloneConflict(c)
	return nil
}

func (m *MockStore) ListByUser(_ context.Context, userID string, opts ListOptions) ([]*types.Conflict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*types.Conflict
	for _, c := range m.byID {
		if c.UserID != userID {
			continue
		}
		if !opts.IncludeResolved && c.IsResolved {
			continue
		}
		if opts.DataType != "" && c.DataType != opts.DataType {
			continue
		}
		out = append(out, cloneConflict(c))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DetectedAt.After(out[j].DetectedAt)
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *MockStore) ListUnresolved(_ context.Context) ([]*types.Conflict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*types.Conflict
	for _, c := range m.byID {
		if !c.IsResolved {
			out = append(out, cloneConflict(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DetectedAt.Before(out[j].DetectedAt)
	})
	return out, nil
}

func (m *MockStore) AppendEvent(_ context.Context, conflictID, eventType string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return errors.NewInternalError("failed to serialize event", err)
	}
	m.nextEvent++
	m.events[conflictID] = append(m.events[conflictID], StoredEvent{
		ID:         m.nextEvent,
		ConflictID: conflictID,
		EventType:  eventType,
		Payload:    data,
		CreatedAt:  time.Now().UTC(),
	})
	return nil
}

func (m *MockStore) GetEvents(_ context.Context, conflictID string) ([]StoredEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	evs := m.events[conflictID]
	out := make([]StoredEvent, len(evs))
	copy(out, evs)
	return out, nil
}

func (m *MockStore) Close() error { return nil }

// cloneConflict deep-copies through JSON so callers can never alias the
// store's internal state.
func cloneConflict(c *types.Conflict) *types.Conflict {
	data, err := json.Marshal(c)
	if err != nil {
		// a Conflict is always JSON-serializable; this cannot happen
		panic(err)
	}
	var out types.Conflict
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	return &out
}
