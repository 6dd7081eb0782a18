// Package exchange
package exchange

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/amirphl/bracket-trader/internal/order"
)

// MockExchange is an in-memory exchange used by tests and dry runs. Orders
// are acknowledged immediately; fills are driven by the test through Fill.
type MockExchange struct {
	mu           sync.Mutex
	orderCounter int64

	// Open orders by order id
	orders map[string]order.OrderResponse
	// Exchange-side position per symbol
	positions map[string]PositionInfo
	mode      PositionMode

	// Next SubmitOrder calls fail with this error until cleared
	submitErr error
	// Cancel calls recorded for assertions
	CanceledIDs []string
	// Submitted requests recorded for assertions
	Submitted []order.OrderRequest
}

func NewMockExchange() *MockExchange {
	return &MockExchange{
		orderCounter: 1000,
		orders:       make(map[string]order.OrderResponse),
		positions:    make(map[string]PositionInfo),
		mode:         OneWay,
	}
}

func (m *MockExchange) Name() string {
	return "mock-futures"
}

// FailSubmits makes subsequent SubmitOrder calls fail with err; pass nil to
// restore normal behavior.
func (m *MockExchange) FailSubmits(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitErr = err
}

// SetPosition sets the exchange-side position for a symbol.
func (m *MockExchange) SetPosition(info PositionInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[info.Symbol] = info
}

// SetPositionMode sets the account position mode returned by PositionMode.
func (m *MockExchange) SetPositionMode(mode PositionMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = mode
}

// Fill marks an open order filled and returns the fill event a stream would
// deliver. The exchange-side position is not adjusted; tests set it.
func (m *MockExchange) Fill(orderID string, filledQty, avgPrice float64) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return Event{}, fmt.Errorf("mock exchange: order %s not open", orderID)
	}
	o.Status = "FILLED"
	o.FilledQty = filledQty
	o.AvgPrice = avgPrice
	o.UpdatedAt = time.Now().UTC()
	delete(m.orders, orderID)

	return Event{Type: EventOrderFilled, Order: o, Time: o.UpdatedAt}, nil
}

// PartialFill reports a non-terminal execution on an open order: the event
// carries the cumulative filled quantity, as the real stream does, and the
// order stays open for further fills.
func (m *MockExchange) PartialFill(orderID string, cumulativeQty, avgPrice float64) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return Event{}, fmt.Errorf("mock exchange: order %s not open", orderID)
	}
	o.Status = "PARTIALLY_FILLED"
	o.FilledQty = cumulativeQty
	o.AvgPrice = avgPrice
	o.UpdatedAt = time.Now().UTC()
	m.orders[orderID] = o

	return Event{Type: EventOrderFilled, Order: o, Time: o.UpdatedAt}, nil
}

// DropOrder silently removes an open order, simulating a GTC expiry or a
// reduce-only rejection that the local side has not observed yet.
func (m *MockExchange) DropOrder(orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.orders, orderID)
}

func (m *MockExchange) SubmitOrder(ctx context.Context, req order.OrderRequest) (order.OrderResponse, error) {
	select {
	case <-ctx.Done():
		return order.OrderResponse{}, ctx.Err()
	default:
		m.mu.Lock()
		defer m.mu.Unlock()

		m.Submitted = append(m.Submitted, req)
		if m.submitErr != nil {
			return order.OrderResponse{}, m.submitErr
		}

		m.orderCounter++
		orderID := fmt.Sprintf("mock-%d", m.orderCounter)

		resp := order.OrderResponse{
			OrderID:       orderID,
			ClientOrderID: req.ClientOrderID,
			Status:        "NEW",
			Timestamp:     time.Now().UTC(),
			Symbol:        req.Symbol,
			Side:          req.Side,
			Type:          req.Type,
			Price:         req.Price,
			StopPrice:     req.StopPrice,
			Quantity:      req.Quantity,
			ReduceOnly:    req.ReduceOnly,
			UpdatedAt:     time.Now().UTC(),
		}
		m.orders[orderID] = resp

		log.Printf("MockExchange | Order accepted: OrderID=%s, Symbol=%s, Side=%s, Type=%s, Quantity=%.8f",
			orderID, req.Symbol, req.Side, req.Type, req.Quantity)
		return resp, nil
	}
}

func (m *MockExchange) SubmitOrderWithRetry(ctx context.Context, req order.OrderRequest, maxAttempts int, delay time.Duration) (order.OrderResponse, error) {
	var resp order.OrderResponse
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err = m.SubmitOrder(ctx, req)
		if err == nil {
			return resp, nil
		}
		if rej, ok := IsRejection(err); ok && rej.Kind == RejectionConfiguration {
			return resp, err
		}
		log.Printf("MockExchange | Order submission failed (attempt %d/%d): %v", attempt, maxAttempts, err)
		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return resp, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return resp, err
}

// CancelOrder removes the order if open; canceling an unknown order is a
// successful no-op, like the real gateway.
func (m *MockExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		m.mu.Lock()
		defer m.mu.Unlock()
		m.CanceledIDs = append(m.CanceledIDs, orderID)
		delete(m.orders, orderID)
		return nil
	}
}

func (m *MockExchange) OpenOrders(ctx context.Context, symbol string) ([]order.OrderResponse, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		m.mu.Lock()
		defer m.mu.Unlock()
		var out []order.OrderResponse
		for _, o := range m.orders {
			if symbol == "" || o.Symbol == symbol {
				out = append(out, o)
			}
		}
		return out, nil
	}
}

func (m *MockExchange) Position(ctx context.Context, symbol string) (PositionInfo, error) {
	select {
	case <-ctx.Done():
		return PositionInfo{}, ctx.Err()
	default:
		m.mu.Lock()
		defer m.mu.Unlock()
		info, ok := m.positions[symbol]
		if !ok {
			return PositionInfo{Symbol: symbol}, nil
		}
		return info, nil
	}
}

func (m *MockExchange) PositionMode(ctx context.Context) (PositionMode, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.mode, nil
	}
}
