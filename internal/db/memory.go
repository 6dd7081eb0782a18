package db

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/amirphl/bracket-trader/internal/group"
	"github.com/amirphl/bracket-trader/internal/journal"
	"github.com/amirphl/bracket-trader/internal/risk"
)

// MemoryStorage is the in-memory Storage used by tests and dry runs. State
// does not survive restarts; production deployments use the Postgres store.
type MemoryStorage struct {
	mu sync.RWMutex

	// Groups and positions keyed by position id
	groups    map[string]group.Group
	positions map[string]Position
	closed    map[string]ClosedPosition

	// Events (append-only)
	events []journal.Event
}

func NewMemory() *MemoryStorage {
	return &MemoryStorage{
		groups:    make(map[string]group.Group),
		positions: make(map[string]Position),
		closed:    make(map[string]ClosedPosition),
		events:    make([]journal.Event, 0, 1024),
	}
}

// GetDB returns nil for in-memory storage (no SQL database)
func (m *MemoryStorage) GetDB() *sql.DB { return nil }

// -------- group.Repository --------

func (m *MemoryStorage) SaveGroup(_ context.Context, g group.Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := g
	cp.Orders = append([]group.GroupOrder(nil), g.Orders...)
	m.groups[g.PositionID] = cp
	return nil
}

func (m *MemoryStorage) GetGroup(_ context.Context, positionID string) (*group.Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[positionID]
	if !ok {
		return nil, group.ErrNotFound
	}
	cp := g
	cp.Orders = append([]group.GroupOrder(nil), g.Orders...)
	return &cp, nil
}

func (m *MemoryStorage) ListGroups(_ context.Context) ([]group.Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	groups := make([]group.Group, 0, len(m.groups))
	for _, g := range m.groups {
		cp := g
		cp.Orders = append([]group.GroupOrder(nil), g.Orders...)
		groups = append(groups, cp)
	}
	return groups, nil
}

func (m *MemoryStorage) DeleteGroup(_ context.Context, positionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.groups, positionID)
	return nil
}

// -------- Positions --------

func (m *MemoryStorage) SavePosition(_ context.Context, p Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := p
	cp.Prices.Targets = append([]risk.Target(nil), p.Prices.Targets...)
	m.positions[p.ID] = cp
	return nil
}

func (m *MemoryStorage) GetPosition(_ context.Context, id string) (*Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := p
	return &cp, nil
}

func (m *MemoryStorage) ListOpenPositions(_ context.Context) ([]Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	positions := make([]Position, 0, len(m.positions))
	for _, p := range m.positions {
		positions = append(positions, p)
	}
	return positions, nil
}

func (m *MemoryStorage) SaveClosedPosition(_ context.Context, p ClosedPosition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed[p.ID] = p
	return nil
}

func (m *MemoryStorage) DeletePosition(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.positions, id)
	return nil
}

// ClosedPositions returns the closed-position history (test helper).
func (m *MemoryStorage) ClosedPositions() []ClosedPosition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ClosedPosition, 0, len(m.closed))
	for _, p := range m.closed {
		out = append(out, p)
	}
	return out
}

// -------- journal.Journaler --------

func (m *MemoryStorage) LogEvent(_ context.Context, event journal.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *MemoryStorage) GetEvents(_ context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []journal.Event
	for _, e := range m.events {
		if e.Type != eventType {
			continue
		}
		if e.Time.Before(start) || e.Time.After(end) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
