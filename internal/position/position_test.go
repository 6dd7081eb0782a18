package position

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirphl/bracket-trader/internal/config"
	"github.com/amirphl/bracket-trader/internal/db"
	"github.com/amirphl/bracket-trader/internal/exchange"
	"github.com/amirphl/bracket-trader/internal/group"
	"github.com/amirphl/bracket-trader/internal/notifier"
	"github.com/amirphl/bracket-trader/internal/order"
	"github.com/amirphl/bracket-trader/internal/signal"
	"github.com/amirphl/bracket-trader/internal/suspend"
)

func testConfig() config.Config {
	cfg := config.Config{
		OrderSize:        1.0,
		OrderMaxAttempts: 2,
		OrderRetryDelay:  time.Millisecond,
		RiskParams:       config.DefaultRiskParams(),
	}
	cfg.RiskParams.TPLadder = []config.TPRung{
		{Fraction: 0.5, Percent: 2.0},
		{Fraction: 0.5, Percent: 4.0},
	}
	return cfg
}

func newTestOrchestrator(cfg config.Config) (*Orchestrator, *exchange.MockExchange, *db.MemoryStorage) {
	mock := exchange.NewMockExchange()
	storage := db.NewMemory()
	groups := group.NewStore(storage)
	orch := New(cfg, mock, groups, storage, notifier.NoopNotifier{}, suspend.NewList())
	return orch, mock, storage
}

func longSignal() signal.Signal {
	return signal.Signal{
		Time:       time.Now().UTC(),
		Symbol:     "BTCUSDT",
		Side:       signal.Long,
		Confidence: signal.High,
		EntryPrice: 100.0,
		Support:    95.0,
	}
}

// openProtected opens a long position and fills its entry at 100.0, leaving
// the orchestrator in PROTECTED with an SL and two TP rungs live.
func openProtected(t *testing.T, orch *Orchestrator, mock *exchange.MockExchange) *Position {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, orch.Open(ctx, longSignal(), 1.0))
	pos := orch.ActiveForSymbol("BTCUSDT")
	require.NotNil(t, pos)
	require.Equal(t, StatePendingEntry, pos.State)

	ev, err := mock.Fill(pos.EntryOrderID, 1.0, 100.0)
	require.NoError(t, err)
	orch.HandleEvent(ctx, ev)

	require.Equal(t, StateProtected, pos.State)
	return pos
}

func findKind(t *testing.T, g *group.Group, kind order.Kind) group.GroupOrder {
	t.Helper()
	o := g.FindKind(kind)
	require.NotNil(t, o, "no live %s order in group", kind)
	return *o
}

// rungAt returns the take-profit rung placed at the given trigger price.
func rungAt(t *testing.T, g *group.Group, price float64) group.GroupOrder {
	t.Helper()
	for _, o := range g.Orders {
		if o.Kind == order.KindTakeProfit && o.Price == price {
			return o
		}
	}
	t.Fatalf("no take-profit rung at %.2f", price)
	return group.GroupOrder{}
}

func TestEntryFillSubmitsProtection(t *testing.T) {
	orch, mock, _ := newTestOrchestrator(testConfig())
	pos := openProtected(t, orch, mock)

	g, err := orch.groups.Get(context.Background(), pos.ID)
	require.NoError(t, err)
	require.Len(t, g.Orders, 3)

	sl := findKind(t, g, order.KindStopLoss)
	assert.Equal(t, order.StatusLive, sl.Status)
	assert.InDelta(t, 95.0*0.995, sl.Price, 1e-9) // structure level minus buffer
	assert.InDelta(t, 1.0, sl.Quantity, 1e-12)

	var tpPrices []float64
	for _, o := range g.Orders {
		if o.Kind == order.KindTakeProfit {
			assert.Equal(t, order.StatusLive, o.Status)
			tpPrices = append(tpPrices, o.Price)
		}
	}
	assert.ElementsMatch(t, []float64{102.0, 104.0}, tpPrices)

	// Every protective order must be reduce-only; the entry must not be.
	for _, req := range mock.Submitted {
		if req.Type == "market" {
			assert.False(t, req.ReduceOnly)
		} else {
			assert.True(t, req.ReduceOnly, "protective order %s not reduce-only", req.Type)
		}
	}
}

func TestPartialTakeProfitShrinksStop(t *testing.T) {
	ctx := context.Background()
	orch, mock, _ := newTestOrchestrator(testConfig())
	pos := openProtected(t, orch, mock)

	g, err := orch.groups.Get(ctx, pos.ID)
	require.NoError(t, err)
	oldSL := findKind(t, g, order.KindStopLoss)

	var rung1 group.GroupOrder
	for _, o := range g.Orders {
		if o.Kind == order.KindTakeProfit && o.Price == 102.0 {
			rung1 = o
		}
	}
	require.NotEmpty(t, rung1.OrderID)

	ev, err := mock.Fill(rung1.OrderID, 0.5, 102.0)
	require.NoError(t, err)
	orch.HandleEvent(ctx, ev)

	assert.Equal(t, StateProtected, pos.State)
	assert.InDelta(t, 0.5, pos.RemainingQty, 1e-12)

	// The old full-size stop was canceled and a half-size replacement went
	// live at the same trigger price.
	assert.Contains(t, mock.CanceledIDs, oldSL.OrderID)
	g, err = orch.groups.Get(ctx, pos.ID)
	require.NoError(t, err)
	newSL := findKind(t, g, order.KindStopLoss)
	assert.NotEqual(t, oldSL.OrderID, newSL.OrderID)
	assert.Equal(t, order.StatusLive, newSL.Status)
	assert.InDelta(t, oldSL.Price, newSL.Price, 1e-9)
	assert.InDelta(t, 0.5, newSL.Quantity, 1e-12)

	assert.Equal(t, order.StatusFilled, g.Find(rung1.OrderID).Status)
}

func TestFinalRungClosesPosition(t *testing.T) {
	ctx := context.Background()
	orch, mock, storage := newTestOrchestrator(testConfig())
	pos := openProtected(t, orch, mock)

	g, err := orch.groups.Get(ctx, pos.ID)
	require.NoError(t, err)
	var rungs []group.GroupOrder
	for _, o := range g.Orders {
		if o.Kind == order.KindTakeProfit {
			rungs = append(rungs, o)
		}
	}
	require.Len(t, rungs, 2)

	for _, rung := range rungs {
		ev, err := mock.Fill(rung.OrderID, 0.5, rung.Price)
		require.NoError(t, err)
		orch.HandleEvent(ctx, ev)
	}

	assert.Equal(t, StateClosed, pos.State)
	assert.Nil(t, orch.ActiveForSymbol("BTCUSDT"))

	_, err = orch.groups.Get(ctx, pos.ID)
	assert.ErrorIs(t, err, group.ErrNotFound)

	closed := storage.ClosedPositions()
	require.Len(t, closed, 1)
	assert.Equal(t, pos.ID, closed[0].ID)
	assert.Equal(t, "TP_filled", closed[0].Reason)
	assert.Greater(t, closed[0].PnL, 0.0)
}

func TestStopLossFillCancelsTakeProfits(t *testing.T) {
	ctx := context.Background()
	orch, mock, storage := newTestOrchestrator(testConfig())
	pos := openProtected(t, orch, mock)

	g, err := orch.groups.Get(ctx, pos.ID)
	require.NoError(t, err)
	sl := findKind(t, g, order.KindStopLoss)

	ev, err := mock.Fill(sl.OrderID, 1.0, sl.Price)
	require.NoError(t, err)
	orch.HandleEvent(ctx, ev)

	assert.Equal(t, StateClosed, pos.State)
	for _, o := range g.Orders {
		if o.Kind == order.KindTakeProfit {
			assert.Contains(t, mock.CanceledIDs, o.OrderID)
		}
	}

	closed := storage.ClosedPositions()
	require.Len(t, closed, 1)
	assert.Equal(t, "SL_filled", closed[0].Reason)
	assert.Less(t, closed[0].PnL, 0.0)
}

func TestDuplicateFillEventIsNoOp(t *testing.T) {
	ctx := context.Background()
	orch, mock, storage := newTestOrchestrator(testConfig())
	pos := openProtected(t, orch, mock)

	g, err := orch.groups.Get(ctx, pos.ID)
	require.NoError(t, err)
	sl := findKind(t, g, order.KindStopLoss)

	ev, err := mock.Fill(sl.OrderID, 1.0, sl.Price)
	require.NoError(t, err)
	orch.HandleEvent(ctx, ev)
	orch.HandleEvent(ctx, ev) // redelivered

	assert.Equal(t, StateClosed, pos.State)
	assert.Len(t, storage.ClosedPositions(), 1)
}

func TestRedeliveredPartialFillKeepsPositionProtected(t *testing.T) {
	ctx := context.Background()
	orch, mock, storage := newTestOrchestrator(testConfig())
	pos := openProtected(t, orch, mock)

	g, err := orch.groups.Get(ctx, pos.ID)
	require.NoError(t, err)
	rung1 := rungAt(t, g, 102.0)

	ev, err := mock.Fill(rung1.OrderID, 0.5, 102.0)
	require.NoError(t, err)
	orch.HandleEvent(ctx, ev)
	orch.HandleEvent(ctx, ev) // stream redelivery after a reconnect

	// The cumulative quantity was already applied: the second event has a
	// zero delta, so the half-open position must not shrink to flat.
	assert.Equal(t, StateProtected, pos.State)
	assert.InDelta(t, 0.5, pos.RemainingQty, 1e-12)
	assert.Empty(t, storage.ClosedPositions())
	_, err = orch.groups.Get(ctx, pos.ID)
	require.NoError(t, err)
}

func TestPartialEntryFillAwaitsCompletion(t *testing.T) {
	ctx := context.Background()
	orch, mock, _ := newTestOrchestrator(testConfig())

	require.NoError(t, orch.Open(ctx, longSignal(), 1.0))
	pos := orch.ActiveForSymbol("BTCUSDT")
	require.NotNil(t, pos)

	ev, err := mock.PartialFill(pos.EntryOrderID, 0.4, 100.0)
	require.NoError(t, err)
	orch.HandleEvent(ctx, ev)

	// Still filling: no protective orders yet, size not truncated to the
	// cumulative snapshot.
	assert.Equal(t, StatePendingEntry, pos.State)
	assert.Len(t, mock.Submitted, 1)

	ev, err = mock.Fill(pos.EntryOrderID, 1.0, 100.0)
	require.NoError(t, err)
	orch.HandleEvent(ctx, ev)

	assert.Equal(t, StateProtected, pos.State)
	assert.InDelta(t, 1.0, pos.Quantity, 1e-12)
	assert.InDelta(t, 1.0, pos.RemainingQty, 1e-12)
}

func TestPartialRungFillKeepsRungLive(t *testing.T) {
	ctx := context.Background()
	orch, mock, _ := newTestOrchestrator(testConfig())
	pos := openProtected(t, orch, mock)

	g, err := orch.groups.Get(ctx, pos.ID)
	require.NoError(t, err)
	rung1 := rungAt(t, g, 102.0)

	ev, err := mock.PartialFill(rung1.OrderID, 0.3, 102.0)
	require.NoError(t, err)
	orch.HandleEvent(ctx, ev)

	// The rung is still working on the exchange; only the stop shrinks.
	assert.Equal(t, StateProtected, pos.State)
	assert.InDelta(t, 0.7, pos.RemainingQty, 1e-12)
	g, err = orch.groups.Get(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusLive, g.Find(rung1.OrderID).Status)
	assert.InDelta(t, 0.7, findKind(t, g, order.KindStopLoss).Quantity, 1e-12)

	// Terminal fill at the rung's full size: only the unapplied 0.2 shrinks
	// the position further.
	ev, err = mock.Fill(rung1.OrderID, 0.5, 102.0)
	require.NoError(t, err)
	orch.HandleEvent(ctx, ev)

	assert.Equal(t, StateProtected, pos.State)
	assert.InDelta(t, 0.5, pos.RemainingQty, 1e-12)
	g, err = orch.groups.Get(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusFilled, g.Find(rung1.OrderID).Status)
	assert.InDelta(t, 0.5, findKind(t, g, order.KindStopLoss).Quantity, 1e-12)
}

func TestSuspendedSymbolRefusesOrders(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	mock := exchange.NewMockExchange()
	storage := db.NewMemory()
	groups := group.NewStore(storage)
	suspensions := suspend.NewList()
	orch := New(cfg, mock, groups, storage, notifier.NoopNotifier{}, suspensions)

	suspensions.Suspend("BTCUSDT", "hedge position mode")

	require.Error(t, orch.Open(ctx, longSignal(), 1.0))
	assert.Empty(t, mock.Submitted)

	// Acknowledged by the operator: entries flow again.
	suspensions.Acknowledge("BTCUSDT")
	require.NoError(t, orch.Open(ctx, longSignal(), 1.0))
	require.Len(t, mock.Submitted, 1)

	// Suspension raised while an entry is in flight blocks the protective
	// submission instead of leaving the filled position unguarded silently.
	suspensions.Suspend("BTCUSDT", "hedge position mode")
	pos := orch.ActiveForSymbol("BTCUSDT")
	require.NotNil(t, pos)
	ev, err := mock.Fill(pos.EntryOrderID, 1.0, 100.0)
	require.NoError(t, err)
	orch.HandleEvent(ctx, ev)
	assert.Equal(t, StateFailed, pos.State)
	assert.Len(t, mock.Submitted, 1)
}

func TestResumeBeforeEntryFill(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	orch, mock, storage := newTestOrchestrator(cfg)

	require.NoError(t, orch.Open(ctx, longSignal(), 1.0))
	pos := orch.ActiveForSymbol("BTCUSDT")
	require.NotNil(t, pos)
	require.Equal(t, StatePendingEntry, pos.State)

	// Restart before the entry fills: the stored record carries the entry
	// order id and risk prices, so the fresh orchestrator can route the
	// fill and submit the bracket without re-deriving anything.
	groups := group.NewStore(storage)
	restarted := New(cfg, mock, groups, storage, notifier.NoopNotifier{}, suspend.NewList())
	require.NoError(t, restarted.Resume(ctx))

	resumed := restarted.Get(pos.ID)
	require.NotNil(t, resumed)
	assert.Equal(t, StatePendingEntry, resumed.State)
	assert.Equal(t, pos.EntryOrderID, resumed.EntryOrderID)

	ev, err := mock.Fill(pos.EntryOrderID, 1.0, 100.0)
	require.NoError(t, err)
	restarted.HandleEvent(ctx, ev)

	assert.Equal(t, StateProtected, resumed.State)
	g, err := restarted.groups.Get(ctx, pos.ID)
	require.NoError(t, err)
	assert.InDelta(t, 95.0*0.995, findKind(t, g, order.KindStopLoss).Price, 1e-9)
}

func TestCloseRecordsFilledProtectivePrice(t *testing.T) {
	ctx := context.Background()
	orch, mock, storage := newTestOrchestrator(testConfig())
	pos := openProtected(t, orch, mock)

	g, err := orch.groups.Get(ctx, pos.ID)
	require.NoError(t, err)
	rung1 := rungAt(t, g, 102.0)

	ev, err := mock.Fill(rung1.OrderID, 0.5, 102.0)
	require.NoError(t, err)
	orch.HandleEvent(ctx, ev)

	// Exchange already flat when the close runs: the recorded exit price is
	// the filled rung's, not the entry.
	mock.SetPosition(exchange.PositionInfo{Symbol: "BTCUSDT", Quantity: 0})
	require.NoError(t, orch.Close(ctx, pos.ID, "manual"))

	require.Len(t, storage.ClosedPositions(), 1)
	assert.InDelta(t, 102.0, storage.ClosedPositions()[0].ExitPrice, 1e-9)
}

func TestTwoPhaseClose(t *testing.T) {
	ctx := context.Background()

	t.Run("residual reduced with reduce-only market order", func(t *testing.T) {
		orch, mock, storage := newTestOrchestrator(testConfig())
		pos := openProtected(t, orch, mock)
		mock.SetPosition(exchange.PositionInfo{Symbol: "BTCUSDT", Side: "long", Quantity: 1.0, EntryPrice: 100.0})

		require.NoError(t, orch.Close(ctx, pos.ID, "manual"))

		assert.Equal(t, StateClosed, pos.State)
		assert.Len(t, mock.CanceledIDs, 3)

		last := mock.Submitted[len(mock.Submitted)-1]
		assert.Equal(t, "market", last.Type)
		assert.Equal(t, "sell", last.Side)
		assert.True(t, last.ReduceOnly)
		assert.InDelta(t, 1.0, last.Quantity, 1e-12)

		require.Len(t, storage.ClosedPositions(), 1)
		assert.Equal(t, "manual", storage.ClosedPositions()[0].Reason)
	})

	t.Run("no market order when requery shows flat", func(t *testing.T) {
		// A protective fill raced the cancels: the exchange is already flat,
		// so the close must not submit anything.
		orch, mock, _ := newTestOrchestrator(testConfig())
		pos := openProtected(t, orch, mock)
		mock.SetPosition(exchange.PositionInfo{Symbol: "BTCUSDT", Quantity: 0})

		before := len(mock.Submitted)
		require.NoError(t, orch.Close(ctx, pos.ID, "manual"))

		assert.Equal(t, StateClosed, pos.State)
		assert.Len(t, mock.Submitted, before)
	})

	t.Run("closing a closed position is a no-op", func(t *testing.T) {
		orch, mock, storage := newTestOrchestrator(testConfig())
		pos := openProtected(t, orch, mock)
		mock.SetPosition(exchange.PositionInfo{Symbol: "BTCUSDT", Quantity: 0})

		require.NoError(t, orch.Close(ctx, pos.ID, "manual"))
		require.NoError(t, orch.Close(ctx, pos.ID, "manual"))
		assert.Len(t, storage.ClosedPositions(), 1)
	})
}

func TestProtectionFailureFailsPosition(t *testing.T) {
	ctx := context.Background()
	orch, mock, _ := newTestOrchestrator(testConfig())

	require.NoError(t, orch.Open(ctx, longSignal(), 1.0))
	pos := orch.ActiveForSymbol("BTCUSDT")
	require.NotNil(t, pos)

	mock.FailSubmits(fmt.Errorf("exchange unavailable"))
	ev, err := mock.Fill(pos.EntryOrderID, 1.0, 100.0)
	require.NoError(t, err)
	orch.HandleEvent(ctx, ev)

	// Retries exhausted on the stop-loss submission: the position is FAILED,
	// never silently dropped.
	assert.Equal(t, StateFailed, pos.State)
}

func TestConfigurationRejectionFailsPosition(t *testing.T) {
	ctx := context.Background()
	orch, mock, _ := newTestOrchestrator(testConfig())
	pos := openProtected(t, orch, mock)

	g, err := orch.groups.Get(ctx, pos.ID)
	require.NoError(t, err)
	sl := findKind(t, g, order.KindStopLoss)

	orch.HandleEvent(ctx, exchange.Event{
		Type:  exchange.EventOrderRejected,
		Order: order.OrderResponse{OrderID: sl.OrderID, Symbol: "BTCUSDT"},
		Code:  "-4061",
		Time:  time.Now().UTC(),
	})

	assert.Equal(t, StateFailed, pos.State)
}

func TestReduceOnlyRejectionLeavesPositionToReconcile(t *testing.T) {
	ctx := context.Background()
	orch, mock, _ := newTestOrchestrator(testConfig())
	pos := openProtected(t, orch, mock)

	g, err := orch.groups.Get(ctx, pos.ID)
	require.NoError(t, err)
	sl := findKind(t, g, order.KindStopLoss)

	orch.HandleEvent(ctx, exchange.Event{
		Type:  exchange.EventOrderRejected,
		Order: order.OrderResponse{OrderID: sl.OrderID, Symbol: "BTCUSDT"},
		Code:  "-2022",
		Time:  time.Now().UTC(),
	})

	// Race rejections are not fatal; the entry is marked and left for the
	// reconciliation pass.
	assert.NotEqual(t, StateFailed, pos.State)
	g, err = orch.groups.Get(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusRejected, g.Find(sl.OrderID).Status)
}

func TestReversalSignalClosesPosition(t *testing.T) {
	ctx := context.Background()
	orch, mock, storage := newTestOrchestrator(testConfig())
	openProtected(t, orch, mock)
	mock.SetPosition(exchange.PositionInfo{Symbol: "BTCUSDT", Quantity: 0})

	sig := longSignal()
	sig.Side = signal.Short
	require.NoError(t, orch.OnSignal(ctx, sig))

	assert.Nil(t, orch.ActiveForSymbol("BTCUSDT"))
	require.Len(t, storage.ClosedPositions(), 1)
	assert.Equal(t, "reversal_signal", storage.ClosedPositions()[0].Reason)
}

func TestSameSideSignalIgnoredWhileActive(t *testing.T) {
	ctx := context.Background()
	orch, mock, _ := newTestOrchestrator(testConfig())
	pos := openProtected(t, orch, mock)

	before := len(mock.Submitted)
	require.NoError(t, orch.OnSignal(ctx, longSignal()))
	assert.Len(t, mock.Submitted, before)
	assert.Equal(t, pos, orch.ActiveForSymbol("BTCUSDT"))
}

func TestTrailingStop(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.RiskParams.TrailingStopPercent = 1.0
	cfg.RiskParams.TrailingActivationPercent = 1.0
	cfg.RiskParams.TrailingUpdatePercent = 0.25
	orch, mock, _ := newTestOrchestrator(cfg)
	pos := openProtected(t, orch, mock)

	// Below activation: no trailing order.
	orch.OnPrice(ctx, "BTCUSDT", 100.5)
	g, err := orch.groups.Get(ctx, pos.ID)
	require.NoError(t, err)
	assert.Nil(t, g.FindKind(order.KindTrailingStop))

	// Past activation: trailing stop goes live at high-water minus distance.
	orch.OnPrice(ctx, "BTCUSDT", 101.5)
	g, err = orch.groups.Get(ctx, pos.ID)
	require.NoError(t, err)
	trail := findKind(t, g, order.KindTrailingStop)
	assert.InDelta(t, 101.5*0.99, trail.Price, 1e-9)

	// Sub-threshold move: no churn.
	orch.OnPrice(ctx, "BTCUSDT", 101.6)
	g, err = orch.groups.Get(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, trail.OrderID, findKind(t, g, order.KindTrailingStop).OrderID)

	// Larger move: cancel-and-resubmit with the ratcheted trigger.
	orch.OnPrice(ctx, "BTCUSDT", 103.0)
	g, err = orch.groups.Get(ctx, pos.ID)
	require.NoError(t, err)
	ratcheted := findKind(t, g, order.KindTrailingStop)
	assert.NotEqual(t, trail.OrderID, ratcheted.OrderID)
	assert.Contains(t, mock.CanceledIDs, trail.OrderID)
	assert.InDelta(t, 103.0*0.99, ratcheted.Price, 1e-9)

	// A retracement never lowers the trigger.
	orch.OnPrice(ctx, "BTCUSDT", 101.0)
	g, err = orch.groups.Get(ctx, pos.ID)
	require.NoError(t, err)
	assert.InDelta(t, 103.0*0.99, findKind(t, g, order.KindTrailingStop).Price, 1e-9)
}

func TestResumeRestoresRouting(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()

	orch, mock, storage := newTestOrchestrator(cfg)
	pos := openProtected(t, orch, mock)

	g, err := orch.groups.Get(ctx, pos.ID)
	require.NoError(t, err)
	sl := findKind(t, g, order.KindStopLoss)

	// Simulate a restart: a fresh orchestrator over the same storage and
	// exchange must route fills on the stored protective orders.
	groups := group.NewStore(storage)
	restarted := New(cfg, mock, groups, storage, notifier.NoopNotifier{}, suspend.NewList())
	require.NoError(t, restarted.Resume(ctx))

	resumed := restarted.Get(pos.ID)
	require.NotNil(t, resumed)
	assert.Equal(t, StateProtected, resumed.State)
	assert.InDelta(t, sl.Price, resumed.Prices.StopLoss, 1e-9)

	ev, err := mock.Fill(sl.OrderID, 1.0, sl.Price)
	require.NoError(t, err)
	restarted.HandleEvent(ctx, ev)

	assert.Equal(t, StateClosed, resumed.State)
	require.Len(t, storage.ClosedPositions(), 1)
}

func TestAdoptUntrackedPosition(t *testing.T) {
	ctx := context.Background()
	orch, mock, _ := newTestOrchestrator(testConfig())

	require.NoError(t, orch.Adopt(ctx, exchange.PositionInfo{
		Symbol: "ETHUSDT", Side: "long", Quantity: 2.0, EntryPrice: 3000.0,
	}))

	pos := orch.ActiveForSymbol("ETHUSDT")
	require.NotNil(t, pos)
	assert.Equal(t, StateProtected, pos.State)

	// No structure level is available for an adopted position, so the stop
	// comes from the fallback distance.
	assert.True(t, pos.Prices.UsedFallback)
	g, err := orch.groups.Get(ctx, pos.ID)
	require.NoError(t, err)
	assert.InDelta(t, 3000.0*0.98, findKind(t, g, order.KindStopLoss).Price, 1e-6)
	_ = mock
}

func TestOpenShortSubmitsSellEntry(t *testing.T) {
	ctx := context.Background()
	orch, mock, _ := newTestOrchestrator(testConfig())

	sig := signal.Signal{
		Symbol: "BTCUSDT", Side: signal.Short, Confidence: signal.Medium,
		EntryPrice: 100.0, Resistance: 105.0,
	}
	require.NoError(t, orch.Open(ctx, sig, 1.0))

	require.Len(t, mock.Submitted, 1)
	assert.Equal(t, "sell", mock.Submitted[0].Side)

	pos := orch.ActiveForSymbol("BTCUSDT")
	require.NotNil(t, pos)
	ev, err := mock.Fill(pos.EntryOrderID, 1.0, 100.0)
	require.NoError(t, err)
	orch.HandleEvent(ctx, ev)

	g, err := orch.groups.Get(ctx, pos.ID)
	require.NoError(t, err)
	sl := findKind(t, g, order.KindStopLoss)
	assert.Greater(t, sl.Price, 100.0) // short stop sits above entry

	// Protective exits on a short are buys.
	for _, live := range g.LiveOrders() {
		for _, req := range mock.Submitted[1:] {
			if req.ClientOrderID == live.ClientOrderID {
				assert.Equal(t, "buy", req.Side)
			}
		}
	}
}
