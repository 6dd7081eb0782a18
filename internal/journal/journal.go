package journal

import (
	"context"
	"time"
)

// Event types recorded by the lifecycle core.
const (
	TypeOrder     = "order"
	TypeSignal    = "signal"
	TypeReconcile = "reconcile"
	TypeError     = "error"
)

// Event represents a journaled event.
type Event struct {
	Time        time.Time
	Type        string // One of the Type* constants
	Description string
	Data        map[string]any
}

// Journaler interface for journaling events.
type Journaler interface {
	LogEvent(ctx context.Context, event Event) error
	GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]Event, error)
}
