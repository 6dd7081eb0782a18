package group

import (
	"context"
	"fmt"
	"sync"
)

// Repository is the persistence backend for protective order groups. Records
// are keyed by position id and written on every mutation so that in-flight
// positions can be resumed after a restart without re-deriving risk prices.
type Repository interface {
	SaveGroup(ctx context.Context, g Group) error
	GetGroup(ctx context.Context, positionID string) (*Group, error)
	ListGroups(ctx context.Context) ([]Group, error)
	DeleteGroup(ctx context.Context, positionID string) error
}

// ErrNotFound is returned when no group exists for a position id.
var ErrNotFound = fmt.Errorf("protective order group not found")

// Store serializes all mutations to protective order groups and keeps the
// durable record in sync on every change. One Store instance owns all groups
// of an orchestrator; mutations for a given position never interleave.
type Store struct {
	repo Repository
	mu   sync.Mutex
}

func NewStore(repo Repository) *Store {
	return &Store{repo: repo}
}

// Register persists a new group. Re-registering a group with the same order
// ids is a no-op, not an error, so a crash between submission and
// registration can be retried safely.
func (s *Store) Register(ctx context.Context, g Group) error {
	if err := g.Validate(); err != nil {
		return fmt.Errorf("invalid protective order group: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.repo.GetGroup(ctx, g.PositionID)
	if err == nil && existing != nil && sameOrderIDs(existing, &g) {
		return nil
	}

	if err := s.repo.SaveGroup(ctx, g); err != nil {
		return fmt.Errorf("failed to register group for position %s: %w", g.PositionID, err)
	}
	return nil
}

// Get returns the group for a position id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, positionID string) (*Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repo.GetGroup(ctx, positionID)
}

// List returns all active groups.
func (s *Store) List(ctx context.Context) ([]Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repo.ListGroups(ctx)
}

// Remove deletes the group record once the owning position is fully closed.
func (s *Store) Remove(ctx context.Context, positionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repo.DeleteGroup(ctx, positionID)
}

// OnFill applies a fill (terminal when final is set) and the OCO
// consequences to its siblings, and persists the updated group. The
// returned FillResult lists the exchange-side corrective actions still owed
// by the caller.
func (s *Store) OnFill(ctx context.Context, positionID, orderID string, remainingQty float64, final bool) (FillResult, *Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, err := s.repo.GetGroup(ctx, positionID)
	if err != nil {
		return FillResult{}, nil, err
	}

	res, err := g.ApplyFill(orderID, remainingQty, final)
	if err != nil {
		return FillResult{}, nil, err
	}

	if err := s.repo.SaveGroup(ctx, *g); err != nil {
		return FillResult{}, nil, fmt.Errorf("failed to persist group %s after fill: %w", positionID, err)
	}
	return res, g, nil
}

// Update applies fn to the group under the store lock and persists the
// result. Used for cancel-and-resubmit id swaps and status corrections.
func (s *Store) Update(ctx context.Context, positionID string, fn func(*Group) error) (*Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, err := s.repo.GetGroup(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if err := fn(g); err != nil {
		return nil, err
	}
	if err := s.repo.SaveGroup(ctx, *g); err != nil {
		return nil, fmt.Errorf("failed to persist group %s: %w", positionID, err)
	}
	return g, nil
}

func sameOrderIDs(a, b *Group) bool {
	if len(a.Orders) != len(b.Orders) {
		return false
	}
	ids := make(map[string]bool, len(a.Orders))
	for _, o := range a.Orders {
		ids[o.OrderID] = true
	}
	for _, o := range b.Orders {
		if !ids[o.OrderID] {
			return false
		}
	}
	return true
}
