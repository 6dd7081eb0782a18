// Package order
package order

import (
	"time"
)

// Kind classifies an order's role in a position's lifecycle.
type Kind string

const (
	KindEntry        Kind = "ENTRY"
	KindStopLoss     Kind = "SL"
	KindTakeProfit   Kind = "TP"
	KindTrailingStop Kind = "TRAIL"
)

// Status is the lifecycle status of a single order as tracked locally.
// PENDING means submitted but not yet acknowledged by the exchange.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusLive     Status = "LIVE"
	StatusFilled   Status = "FILLED"
	StatusCanceled Status = "CANCELED"
	StatusRejected Status = "REJECTED"
	StatusExpired  Status = "EXPIRED"
)

// Terminal reports whether s is a final status that can no longer change.
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// OrderRequest represents a new order to be submitted.
type OrderRequest struct {
	Symbol        string
	Side          string // "buy" or "sell"
	Type          string // "limit", "market", "stop-market", "take-profit-market"
	Price         float64
	StopPrice     float64 // Trigger price for stop and take-profit orders
	Quantity      float64
	ReduceOnly    bool   // Restricted to decreasing an existing position
	TimeInForce   string // "GTC" unless overridden
	ClientOrderID string
}

// OrderResponse represents the response from the exchange.
type OrderResponse struct {
	OrderID       string
	ClientOrderID string
	Status        string
	FilledQty     float64
	AvgPrice      float64
	Timestamp     time.Time
	Symbol        string
	Side          string
	Type          string
	Price         float64
	StopPrice     float64
	Quantity      float64
	ReduceOnly    bool
	UpdatedAt     time.Time
}
