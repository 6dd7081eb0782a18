// Package db
package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/amirphl/bracket-trader/internal/group"
	"github.com/amirphl/bracket-trader/internal/journal"
	"github.com/amirphl/bracket-trader/internal/risk"
)

// Position is the persisted record of a tracked position. EntryOrderID and
// Prices are written at submission time so that a restart before the entry
// fill can still route the fill event and submit the bracket without
// re-deriving risk prices.
type Position struct {
	ID           string      `json:"id"`
	Symbol       string      `json:"symbol"`
	Side         string      `json:"side"` // "long" or "short"
	EntryPrice   float64     `json:"entry_price"`
	Quantity     float64     `json:"quantity"`
	RemainingQty float64     `json:"remaining_qty"`
	State        string      `json:"state"`
	OpenedAt     time.Time   `json:"opened_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	EntryOrderID string      `json:"entry_order_id,omitempty"`
	Prices       risk.Prices `json:"prices"`
}

// ClosedPosition is the historical record written when a position reaches
// zero quantity or is force-closed.
type ClosedPosition struct {
	Position
	ExitPrice float64   `json:"exit_price"`
	PnL       float64   `json:"pnl"`
	Reason    string    `json:"reason"`
	ClosedAt  time.Time `json:"closed_at"`
}

// Storage is the interface for all persistent storage.
type Storage interface {
	GetDB() *sql.DB

	group.Repository

	SavePosition(ctx context.Context, p Position) error
	GetPosition(ctx context.Context, id string) (*Position, error)
	ListOpenPositions(ctx context.Context) ([]Position, error)
	SaveClosedPosition(ctx context.Context, p ClosedPosition) error
	DeletePosition(ctx context.Context, id string) error

	journal.Journaler
}
