// Package exchange
package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/amirphl/bracket-trader/internal/order"
)

// PositionMode is the account-level futures position mode. Reduce-only
// semantics differ between the two; HEDGE is treated as a configuration
// mismatch and suspends new protective submissions.
type PositionMode string

const (
	OneWay PositionMode = "ONE_WAY"
	Hedge  PositionMode = "HEDGE"
)

// PositionInfo is the exchange-reported state of one symbol's position.
// Quantity is zero when the symbol is flat.
type PositionInfo struct {
	Symbol     string
	Side       string // "long" or "short"
	Quantity   float64
	EntryPrice float64
	UpdatedAt  time.Time
}

// EventType enumerates user-data stream events.
type EventType string

const (
	EventOrderAcknowledged EventType = "order-acknowledged"
	EventOrderFilled       EventType = "order-filled" // Partial or full; check FilledQty vs Quantity
	EventOrderCanceled     EventType = "order-canceled"
	EventOrderRejected     EventType = "order-rejected"
	EventPositionChanged   EventType = "position-changed"
	EventReconnected       EventType = "stream-reconnected"
)

// Event is one message from the exchange event stream.
type Event struct {
	Type     EventType
	Order    order.OrderResponse
	Position *PositionInfo
	Code     string // Rejection code, set for EventOrderRejected
	Time     time.Time
}

// Exchange is the interface for the futures exchange gateway.
type Exchange interface {
	Name() string
	SubmitOrder(ctx context.Context, req order.OrderRequest) (order.OrderResponse, error)
	SubmitOrderWithRetry(ctx context.Context, req order.OrderRequest, maxAttempts int, delay time.Duration) (order.OrderResponse, error)
	// CancelOrder is idempotent: canceling an order already canceled or
	// filled by the exchange returns nil.
	CancelOrder(ctx context.Context, symbol, orderID string) error
	OpenOrders(ctx context.Context, symbol string) ([]order.OrderResponse, error)
	Position(ctx context.Context, symbol string) (PositionInfo, error)
	PositionMode(ctx context.Context) (PositionMode, error)
}

// Stream delivers exchange events (fills, cancellations, rejections,
// position changes) to subscribers.
type Stream interface {
	Subscribe(subscriberID string, bufferSize int) (<-chan Event, error)
	Unsubscribe(subscriberID string) error
	IsConnected() bool
	Health() error
	Start(ctx context.Context)
	Close()
}

// RejectionKind classifies exchange rejections for the retry policy: race
// and margin rejections are retried or reconciled away, configuration
// mismatches are fatal for the symbol.
type RejectionKind string

const (
	RejectionRace          RejectionKind = "race"
	RejectionConfiguration RejectionKind = "configuration"
	RejectionMargin        RejectionKind = "margin"
	RejectionUnknown       RejectionKind = "unknown"
)

// RejectionError wraps an exchange rejection with its classified kind.
type RejectionError struct {
	Code    string
	Kind    RejectionKind
	Message string
}

func (e *RejectionError) Error() string {
	return "order rejected (" + string(e.Kind) + ", code " + e.Code + "): " + e.Message
}

// ClassifyRejection maps Binance futures error codes onto rejection kinds.
//
//	-2022: ReduceOnly order rejected — the position closed before the order
//	       reached the exchange (close/cancel race).
//	-2019: Margin is insufficient.
//	-4061: Order's position side does not match the account's position mode.
//	-2011: Cancel rejected / unknown order — the order is already gone.
func ClassifyRejection(code string) RejectionKind {
	switch code {
	case "-2022", "-2011", "-5022":
		return RejectionRace
	case "-2019", "-2018":
		return RejectionMargin
	case "-4061", "-4059", "-1106":
		return RejectionConfiguration
	default:
		return RejectionUnknown
	}
}

// IsRejection extracts a RejectionError from an error chain, if present.
func IsRejection(err error) (*RejectionError, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}
