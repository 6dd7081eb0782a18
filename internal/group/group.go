// Package group models the protective order group attached to a position:
// at most one stop-loss, zero or more take-profit rungs, and an optional
// trailing stop, all reduce-only. The group holds the owning position's id
// rather than a reference, so there is no position<->group ownership cycle.
package group

import (
	"fmt"
	"time"

	"github.com/amirphl/bracket-trader/internal/order"
)

// GroupOrder is one protective order tracked inside a group.
type GroupOrder struct {
	OrderID       string       `json:"order_id"`
	ClientOrderID string       `json:"client_order_id,omitempty"`
	Kind          order.Kind   `json:"kind"`
	Status        order.Status `json:"status"`
	Price         float64      `json:"price"`        // Trigger price for SL/TRAIL, limit/trigger for TP
	Quantity      float64      `json:"quantity"`     // Absolute quantity currently on the order
	QtyFraction   float64      `json:"qty_fraction"` // Share of the original position quantity
}

// Group is the durable protective-order record for one position.
type Group struct {
	PositionID string       `json:"position_id"`
	Symbol     string       `json:"symbol"`
	Side       string       `json:"side"` // Side of the owning position: "long" or "short"
	Orders     []GroupOrder `json:"orders"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// Validate enforces the structural invariants: at most one stop-loss, at
// most one trailing stop, and take-profit fractions summing to at most 1.0.
func (g *Group) Validate() error {
	slCount, trailCount := 0, 0
	var tpSum float64
	for _, o := range g.Orders {
		switch o.Kind {
		case order.KindStopLoss:
			slCount++
		case order.KindTrailingStop:
			trailCount++
		case order.KindTakeProfit:
			tpSum += o.QtyFraction
		}
	}
	if slCount > 1 {
		return fmt.Errorf("group %s has %d stop-loss orders", g.PositionID, slCount)
	}
	if trailCount > 1 {
		return fmt.Errorf("group %s has %d trailing stops", g.PositionID, trailCount)
	}
	if tpSum > 1.0+1e-9 {
		return fmt.Errorf("group %s take-profit fractions sum to %.4f", g.PositionID, tpSum)
	}
	return nil
}

// Find returns the order with the given exchange order id, or nil.
func (g *Group) Find(orderID string) *GroupOrder {
	for i := range g.Orders {
		if g.Orders[i].OrderID == orderID {
			return &g.Orders[i]
		}
	}
	return nil
}

// FindKind returns the first non-terminal order of the given kind, or nil.
func (g *Group) FindKind(kind order.Kind) *GroupOrder {
	for i := range g.Orders {
		if g.Orders[i].Kind == kind && !g.Orders[i].Status.Terminal() {
			return &g.Orders[i]
		}
	}
	return nil
}

// LiveOrders returns the orders currently believed live on the exchange.
func (g *Group) LiveOrders() []GroupOrder {
	var live []GroupOrder
	for _, o := range g.Orders {
		if o.Status == order.StatusLive {
			live = append(live, o)
		}
	}
	return live
}

// HasLiveProtection reports whether at least one protective order is LIVE
// or PENDING. A live position without protection is always escalated.
func (g *Group) HasLiveProtection() bool {
	for _, o := range g.Orders {
		if o.Status == order.StatusLive || o.Status == order.StatusPending {
			return true
		}
	}
	return false
}

// LiveQuantity sums the quantities of LIVE sibling orders of the given kind.
func (g *Group) LiveQuantity(kind order.Kind) float64 {
	var sum float64
	for _, o := range g.Orders {
		if o.Kind == kind && o.Status == order.StatusLive {
			sum += o.Quantity
		}
	}
	return sum
}

// Resize is a cancel-and-resubmit instruction produced by ApplyFill: the
// order must be canceled on the exchange and resubmitted for NewQuantity,
// since exchanges generally do not amend quantity in place.
type Resize struct {
	OrderID     string
	Kind        order.Kind
	NewQuantity float64
}

// FillResult describes the corrective actions the caller must take on the
// exchange after a fill has been applied to the group.
type FillResult struct {
	Filled         GroupOrder
	CancelOrderIDs []string // Siblings to cancel outright (OCO)
	Resizes        []Resize // Siblings to shrink to the remaining quantity
	PositionClosed bool     // Fill reduced the remaining quantity to zero
}

// ApplyFill applies a fill to the order and computes the OCO consequences
// for its siblings given the remaining open quantity reported for the
// position. final must be true only for a terminal fill (the exchange
// reports the order fully executed); a partial fill leaves the order live,
// since more executions on it are still coming.
//
// A fill that closes the position (remainingQty == 0) cancels every live
// sibling. A fill that reduces the position instead shrinks the stop-loss
// and trailing-stop quantities to match the remaining size; other TP rungs
// keep their own quantities.
func (g *Group) ApplyFill(orderID string, remainingQty float64, final bool) (FillResult, error) {
	filled := g.Find(orderID)
	if filled == nil {
		return FillResult{}, fmt.Errorf("order %s not in group %s", orderID, g.PositionID)
	}
	if filled.Status == order.StatusFilled {
		// Duplicate fill event; nothing more to do.
		return FillResult{Filled: *filled, PositionClosed: remainingQty <= 0}, nil
	}
	if final {
		filled.Status = order.StatusFilled
	}
	g.UpdatedAt = time.Now().UTC()

	res := FillResult{Filled: *filled}

	if remainingQty <= 0 {
		res.PositionClosed = true
		for i := range g.Orders {
			o := &g.Orders[i]
			if o.OrderID == orderID || o.Status.Terminal() {
				continue
			}
			res.CancelOrderIDs = append(res.CancelOrderIDs, o.OrderID)
		}
		return res, nil
	}

	// Partial close: shrink full-coverage siblings (SL, TRAIL) to the
	// remaining quantity. They are marked PENDING here; the caller replaces
	// them on the exchange and records the new order ids.
	for i := range g.Orders {
		o := &g.Orders[i]
		if o.OrderID == orderID || o.Status.Terminal() {
			continue
		}
		if o.Kind == order.KindStopLoss || o.Kind == order.KindTrailingStop {
			if o.Quantity > remainingQty {
				res.Resizes = append(res.Resizes, Resize{OrderID: o.OrderID, Kind: o.Kind, NewQuantity: remainingQty})
				o.Status = order.StatusPending
				o.Quantity = remainingQty
			}
		}
	}
	return res, nil
}

// MarkCanceled records a cancellation. Canceling an order that is already
// terminal is a no-op, mirroring idempotent cancellation on the exchange.
func (g *Group) MarkCanceled(orderID string) {
	o := g.Find(orderID)
	if o == nil || o.Status.Terminal() {
		return
	}
	o.Status = order.StatusCanceled
	g.UpdatedAt = time.Now().UTC()
}

// ReplaceOrder swaps the exchange order id after a cancel-and-resubmit and
// marks the new order LIVE.
func (g *Group) ReplaceOrder(oldID, newID string, price, quantity float64) error {
	o := g.Find(oldID)
	if o == nil {
		return fmt.Errorf("order %s not in group %s", oldID, g.PositionID)
	}
	o.OrderID = newID
	o.Price = price
	o.Quantity = quantity
	o.Status = order.StatusLive
	g.UpdatedAt = time.Now().UTC()
	return nil
}
