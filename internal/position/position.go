// Package position
package position

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/amirphl/bracket-trader/internal/config"
	"github.com/amirphl/bracket-trader/internal/db"
	"github.com/amirphl/bracket-trader/internal/exchange"
	"github.com/amirphl/bracket-trader/internal/group"
	"github.com/amirphl/bracket-trader/internal/journal"
	"github.com/amirphl/bracket-trader/internal/notifier"
	"github.com/amirphl/bracket-trader/internal/order"
	"github.com/amirphl/bracket-trader/internal/risk"
	"github.com/amirphl/bracket-trader/internal/signal"
	"github.com/amirphl/bracket-trader/internal/suspend"
)

// State is the lifecycle state of a tracked position.
type State string

const (
	StatePendingEntry   State = "PENDING_ENTRY"
	StateEntryFilled    State = "ENTRY_FILLED"
	StateProtected      State = "PROTECTED"
	StatePartialClosing State = "PARTIAL_CLOSING"
	StateClosing        State = "CLOSING"
	StateClosed         State = "CLOSED"
	StateFailed         State = "FAILED"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// Position is a tracked futures position. It is mutated only on confirmed
// fill/close events from the gateway, never on acknowledgments.
type Position struct {
	ID           string
	Symbol       string
	Side         string // "long" or "short"
	Entry        float64
	Quantity     float64
	RemainingQty float64
	OpenedAt     time.Time
	State        State

	EntryOrderID string

	// Protective prices computed once at entry; kept so restarts and
	// resubmissions never re-derive risk prices.
	Prices risk.Prices

	// Trailing stop bookkeeping
	HighWater       float64
	TrailingTrigger float64
}

// Storage is the persistence the orchestrator needs; satisfied by db.Storage.
type Storage interface {
	SavePosition(ctx context.Context, p db.Position) error
	DeletePosition(ctx context.Context, id string) error
	SaveClosedPosition(ctx context.Context, p db.ClosedPosition) error
	ListOpenPositions(ctx context.Context) ([]db.Position, error)
	LogEvent(ctx context.Context, event journal.Event) error
}

// Orchestrator drives positions through their lifecycle: entry, protective
// bracket, partial closes, trailing updates, and the two-phase close. All
// transitions for one position are serialized through a per-position lock,
// so gateway event callbacks and the reconciliation loop never interleave
// writes to the same group.
type Orchestrator struct {
	cfg         config.Config
	ex          exchange.Exchange
	groups      *group.Store
	storage     Storage
	notifier    notifier.Notifier
	suspensions *suspend.List

	mu         sync.Mutex
	positions  map[string]*Position
	locks      map[string]*sync.Mutex
	orderIndex map[string]string  // exchange order id -> position id
	fillSeen   map[string]float64 // exchange order id -> cumulative filled qty
}

// New creates an orchestrator. Call Resume before feeding events when
// recovering from a restart.
func New(cfg config.Config, ex exchange.Exchange, groups *group.Store, storage Storage, n notifier.Notifier, suspensions *suspend.List) *Orchestrator {
	if suspensions == nil {
		suspensions = suspend.NewList()
	}
	return &Orchestrator{
		cfg:         cfg,
		ex:          ex,
		groups:      groups,
		storage:     storage,
		notifier:    n,
		suspensions: suspensions,
		positions:   make(map[string]*Position),
		locks:       make(map[string]*sync.Mutex),
		orderIndex:  make(map[string]string),
		fillSeen:    make(map[string]float64),
	}
}

// fillDelta returns the not-yet-applied portion of a cumulative filled
// quantity for an order. Zero or negative means the event is a duplicate or
// arrived out of order.
func (o *Orchestrator) fillDelta(orderID string, cumulative float64) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	delta := cumulative - o.fillSeen[orderID]
	if delta > 0 {
		o.fillSeen[orderID] = cumulative
	}
	return delta
}

// lockFor returns the mutual-exclusion domain for a position id.
func (o *Orchestrator) lockFor(positionID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[positionID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[positionID] = l
	}
	return l
}

func (o *Orchestrator) track(pos *Position) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.positions[pos.ID] = pos
	if pos.EntryOrderID != "" {
		o.orderIndex[pos.EntryOrderID] = pos.ID
	}
}

func (o *Orchestrator) indexOrder(orderID, positionID string) {
	if orderID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.orderIndex[orderID] = positionID
}

func (o *Orchestrator) positionForOrder(orderID string) *Position {
	o.mu.Lock()
	defer o.mu.Unlock()
	posID, ok := o.orderIndex[orderID]
	if !ok {
		return nil
	}
	return o.positions[posID]
}

// Get returns the tracked position by id, or nil.
func (o *Orchestrator) Get(positionID string) *Position {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.positions[positionID]
}

// ActiveForSymbol returns the non-terminal position on a symbol, or nil.
func (o *Orchestrator) ActiveForSymbol(symbol string) *Position {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, p := range o.positions {
		if p.Symbol == symbol && !p.State.Terminal() {
			return p
		}
	}
	return nil
}

// Active returns a snapshot of all non-terminal positions.
func (o *Orchestrator) Active() []Position {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []Position
	for _, p := range o.positions {
		if !p.State.Terminal() {
			out = append(out, *p)
		}
	}
	return out
}

// Resume reloads open positions and their protective groups from storage,
// rebuilding the order index so stream events route correctly. Risk prices
// are taken from the stored group, never re-derived.
func (o *Orchestrator) Resume(ctx context.Context) error {
	records, err := o.storage.ListOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load open positions: %w", err)
	}

	for _, rec := range records {
		pos := &Position{
			ID:           rec.ID,
			Symbol:       rec.Symbol,
			Side:         rec.Side,
			Entry:        rec.EntryPrice,
			Quantity:     rec.Quantity,
			RemainingQty: rec.RemainingQty,
			OpenedAt:     rec.OpenedAt,
			State:        State(rec.State),
			EntryOrderID: rec.EntryOrderID,
			Prices:       rec.Prices,
		}
		o.track(pos)

		g, err := o.groups.Get(ctx, pos.ID)
		if err != nil {
			if err != group.ErrNotFound {
				return fmt.Errorf("failed to load group for position %s: %w", pos.ID, err)
			}
			// No group yet: the entry has not filled. The persisted prices
			// cover the bracket once the fill event arrives.
			log.Printf("Position | [%s] Resumed position %s in state %s awaiting entry fill", pos.Symbol, pos.ID, pos.State)
			continue
		}
		// The group record is authoritative for the live bracket.
		pos.Prices.Targets = nil
		for _, ord := range g.Orders {
			o.indexOrder(ord.OrderID, pos.ID)
			switch ord.Kind {
			case order.KindStopLoss:
				pos.Prices.StopLoss = ord.Price
			case order.KindTakeProfit:
				pos.Prices.Targets = append(pos.Prices.Targets, risk.Target{Price: ord.Price, Fraction: ord.QtyFraction})
			case order.KindTrailingStop:
				pos.TrailingTrigger = ord.Price
			}
		}
		log.Printf("Position | [%s] Resumed position %s in state %s with %d protective orders",
			pos.Symbol, pos.ID, pos.State, len(g.Orders))
	}
	return nil
}

// OnSignal consumes a directional decision. A signal against an active
// position closes it (reversal); a signal with no active position opens one.
func (o *Orchestrator) OnSignal(ctx context.Context, sig signal.Signal) error {
	active := o.ActiveForSymbol(sig.Symbol)
	if active != nil {
		posSide := signal.Long
		if active.Side == "short" {
			posSide = signal.Short
		}
		if sig.Side == posSide.Opposite() {
			log.Printf("Position | [%s] Reversal signal, closing position %s", sig.Symbol, active.ID)
			return o.Close(ctx, active.ID, "reversal_signal")
		}
		log.Printf("Position | [%s] Signal ignored, position %s already active", sig.Symbol, active.ID)
		return nil
	}
	return o.Open(ctx, sig, o.cfg.OrderSize)
}

// Open submits the entry order for a signal and starts tracking the
// position in PENDING_ENTRY. The position becomes ENTRY_FILLED only on a
// confirmed fill event.
func (o *Orchestrator) Open(ctx context.Context, sig signal.Signal, quantity float64) error {
	if quantity <= 0 {
		return fmt.Errorf("invalid order size: %v", quantity)
	}
	if o.suspensions.Suspended(sig.Symbol) {
		return fmt.Errorf("symbol %s is suspended (%s), refusing new entry", sig.Symbol, o.suspensions.Reason(sig.Symbol))
	}

	side := "buy"
	posSide := "long"
	if sig.Side == signal.Short {
		side = "sell"
		posSide = "short"
	}

	pos := &Position{
		ID:           "pos-" + uuid.NewString(),
		Symbol:       sig.Symbol,
		Side:         posSide,
		Quantity:     quantity,
		RemainingQty: quantity,
		OpenedAt:     time.Now().UTC(),
		State:        StatePendingEntry,
	}

	params := config.GetRiskParams(o.cfg, sig.Symbol)
	pos.Prices = risk.Compute(sig, params)
	if pos.Prices.UsedFallback {
		// Fallback pricing is a warning, not an error; trading continues.
		log.Printf("Position | [%s] Risk fallback: %s", sig.Symbol, pos.Prices.Warning)
		o.logEvent(ctx, journal.TypeSignal, "risk_fallback", map[string]any{
			"symbol": sig.Symbol, "position_id": pos.ID, "warning": pos.Prices.Warning,
		})
	}

	req := order.OrderRequest{
		Symbol:        sig.Symbol,
		Side:          side,
		Type:          "market",
		Quantity:      quantity,
		ClientOrderID: pos.ID + "-entry",
	}
	resp, err := o.ex.SubmitOrderWithRetry(ctx, req, o.cfg.OrderMaxAttempts, o.cfg.OrderRetryDelay)
	if err != nil {
		o.logEvent(ctx, journal.TypeError, "entry_order_submission", map[string]any{
			"symbol": sig.Symbol, "position_id": pos.ID, "error": err.Error(),
		})
		o.notify(fmt.Sprintf("ERROR: entry order for %s failed: %v", sig.Symbol, err))
		return fmt.Errorf("failed to submit entry order: %w", err)
	}

	pos.EntryOrderID = resp.OrderID
	o.track(pos)
	if err := o.persist(ctx, pos); err != nil {
		log.Printf("Position | [%s] Error saving position: %v", pos.Symbol, err)
	}

	log.Printf("Position | [%s] Entry order submitted: %s (position %s)", sig.Symbol, resp.OrderID, pos.ID)
	o.logEvent(ctx, journal.TypeOrder, "entry_order_submitted", map[string]any{
		"symbol": sig.Symbol, "position_id": pos.ID, "order_id": resp.OrderID, "side": side, "quantity": quantity,
	})
	return nil
}

// HandleEvent routes a gateway event to the owning position. Events for
// unknown orders are ignored here; the reconciliation loop owns those.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev exchange.Event) {
	if ev.Type == exchange.EventPositionChanged || ev.Type == exchange.EventReconnected {
		return
	}

	pos := o.positionForOrder(ev.Order.OrderID)
	if pos == nil {
		log.Printf("Position | Event %s for untracked order %s, ignoring", ev.Type, ev.Order.OrderID)
		return
	}

	l := o.lockFor(pos.ID)
	l.Lock()
	defer l.Unlock()

	if pos.State.Terminal() {
		return
	}

	switch ev.Type {
	case exchange.EventOrderFilled:
		if ev.Order.OrderID == pos.EntryOrderID {
			o.onEntryFilled(ctx, pos, ev.Order)
		} else {
			o.onProtectiveFilled(ctx, pos, ev.Order)
		}
	case exchange.EventOrderCanceled:
		o.onOrderCanceled(ctx, pos, ev.Order)
	case exchange.EventOrderRejected:
		o.onOrderRejected(ctx, pos, ev)
	}
}

// onEntryFilled moves the position to ENTRY_FILLED once the entry order is
// terminally filled, then submits the protective group. Non-terminal fill
// events carry a cumulative quantity that is still growing, so they only
// record progress; protecting a partial quantity while the rest keeps
// filling would leave the remainder uncovered.
func (o *Orchestrator) onEntryFilled(ctx context.Context, pos *Position, resp order.OrderResponse) {
	if pos.State != StatePendingEntry {
		return
	}
	if resp.Status != "FILLED" {
		log.Printf("Position | [%s] Entry partially filled: %.8f of %.8f", pos.Symbol, resp.FilledQty, pos.Quantity)
		return
	}
	if resp.FilledQty > 0 {
		// Terminal quantity is authoritative; protect what actually filled.
		pos.Quantity = resp.FilledQty
	}
	pos.Entry = resp.AvgPrice
	pos.RemainingQty = pos.Quantity
	pos.State = StateEntryFilled
	if err := o.persist(ctx, pos); err != nil {
		log.Printf("Position | [%s] Error saving position: %v", pos.Symbol, err)
	}

	log.Printf("Position | [%s] Entry filled at %.2f for %.8f, submitting protection", pos.Symbol, pos.Entry, pos.Quantity)
	o.notify(fmt.Sprintf("[ENTRY FILLED]\nSymbol: %s\nSide: %s\nQty: %.8f\nAvgPrice: %.2f\nPosition: %s\nTime: %s",
		pos.Symbol, pos.Side, pos.Quantity, pos.Entry, pos.ID, time.Now().Format(time.RFC3339)))

	if err := o.protect(ctx, pos); err != nil {
		o.fail(ctx, pos, fmt.Errorf("failed to submit protective orders: %w", err))
	}
}

// protect registers the protective group and submits its orders. The group
// record is written with PENDING statuses before any order is submitted, so
// a fill arriving before submission returns cannot race group registration.
func (o *Orchestrator) protect(ctx context.Context, pos *Position) error {
	if o.suspensions.Suspended(pos.Symbol) {
		return fmt.Errorf("symbol %s is suspended (%s), refusing protective submission", pos.Symbol, o.suspensions.Reason(pos.Symbol))
	}
	exitSide := o.exitSide(pos)

	g := group.Group{
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		UpdatedAt:  time.Now().UTC(),
	}
	g.Orders = append(g.Orders, group.GroupOrder{
		OrderID:       pos.ID + "-sl",
		ClientOrderID: pos.ID + "-sl",
		Kind:          order.KindStopLoss,
		Status:        order.StatusPending,
		Price:         pos.Prices.StopLoss,
		Quantity:      pos.RemainingQty,
		QtyFraction:   1.0,
	})
	for i, tgt := range pos.Prices.Targets {
		clientID := fmt.Sprintf("%s-tp%d", pos.ID, i+1)
		g.Orders = append(g.Orders, group.GroupOrder{
			OrderID:       clientID,
			ClientOrderID: clientID,
			Kind:          order.KindTakeProfit,
			Status:        order.StatusPending,
			Price:         tgt.Price,
			Quantity:      pos.RemainingQty * tgt.Fraction,
			QtyFraction:   tgt.Fraction,
		})
	}

	if err := o.groups.Register(ctx, g); err != nil {
		return err
	}

	// Submit each protective order and swap the placeholder id for the
	// exchange-assigned one as acknowledgments return.
	for _, placed := range g.Orders {
		var req order.OrderRequest
		switch placed.Kind {
		case order.KindStopLoss:
			req = order.OrderRequest{
				Symbol: pos.Symbol, Side: exitSide, Type: "stop-market",
				StopPrice: placed.Price, Quantity: placed.Quantity,
				ReduceOnly: true, ClientOrderID: placed.ClientOrderID,
			}
		case order.KindTakeProfit:
			req = order.OrderRequest{
				Symbol: pos.Symbol, Side: exitSide, Type: "take-profit-market",
				StopPrice: placed.Price, Quantity: placed.Quantity,
				ReduceOnly: true, ClientOrderID: placed.ClientOrderID,
			}
		default:
			continue
		}

		resp, err := o.ex.SubmitOrderWithRetry(ctx, req, o.cfg.OrderMaxAttempts, o.cfg.OrderRetryDelay)
		if err != nil {
			return fmt.Errorf("failed to submit %s order: %w", placed.Kind, err)
		}

		oldID := placed.OrderID
		if _, err := o.groups.Update(ctx, pos.ID, func(g *group.Group) error {
			return g.ReplaceOrder(oldID, resp.OrderID, placed.Price, placed.Quantity)
		}); err != nil {
			return err
		}
		o.indexOrder(resp.OrderID, pos.ID)
	}

	pos.State = StateProtected
	if err := o.persist(ctx, pos); err != nil {
		log.Printf("Position | [%s] Error saving position: %v", pos.Symbol, err)
	}

	log.Printf("Position | [%s] Protection live: SL=%.2f, %d TP target(s)", pos.Symbol, pos.Prices.StopLoss, len(pos.Prices.Targets))
	o.logEvent(ctx, journal.TypeOrder, "protective_group_live", map[string]any{
		"symbol": pos.Symbol, "position_id": pos.ID, "stop_loss": pos.Prices.StopLoss, "targets": len(pos.Prices.Targets),
	})
	return nil
}

// onProtectiveFilled applies a protective fill to the group and performs
// the exchange-side OCO consequences: canceling siblings on a full close,
// shrinking the stop on a partial take-profit. The event quantity is
// cumulative for its order, so the position shrinks by the delta against
// what was already applied; redelivered events have a zero delta and are
// dropped here.
func (o *Orchestrator) onProtectiveFilled(ctx context.Context, pos *Position, resp order.OrderResponse) {
	delta := o.fillDelta(resp.OrderID, resp.FilledQty)
	if delta <= 0 {
		log.Printf("Position | [%s] Duplicate fill event for %s, ignoring", pos.Symbol, resp.OrderID)
		return
	}
	final := resp.Status == "FILLED"

	remaining := pos.RemainingQty - delta
	if remaining < 1e-12 {
		remaining = 0
	}

	res, g, err := o.groups.OnFill(ctx, pos.ID, resp.OrderID, remaining, final)
	if err != nil {
		log.Printf("Position | [%s] Error applying fill %s: %v", pos.Symbol, resp.OrderID, err)
		return
	}

	pos.RemainingQty = remaining

	if res.PositionClosed {
		pos.State = StateClosing
		for _, id := range res.CancelOrderIDs {
			// Idempotent: the sibling may already be gone on the exchange.
			if err := o.ex.CancelOrder(ctx, pos.Symbol, id); err != nil {
				log.Printf("Position | [%s] Error canceling sibling %s: %v", pos.Symbol, id, err)
			}
		}
		o.finalize(ctx, pos, resp.AvgPrice, string(res.Filled.Kind)+"_filled")
		return
	}

	// Partial close: replace shrunk siblings before declaring re-stable.
	pos.State = StatePartialClosing
	if err := o.persist(ctx, pos); err != nil {
		log.Printf("Position | [%s] Error saving position: %v", pos.Symbol, err)
	}

	for _, rz := range res.Resizes {
		if err := o.resubmitShrunk(ctx, pos, g, rz); err != nil {
			o.fail(ctx, pos, fmt.Errorf("failed to resize %s after partial fill: %w", rz.Kind, err))
			return
		}
	}

	pos.State = StateProtected
	if err := o.persist(ctx, pos); err != nil {
		log.Printf("Position | [%s] Error saving position: %v", pos.Symbol, err)
	}

	log.Printf("Position | [%s] Partial %s fill for %.8f, remaining %.8f protected",
		pos.Symbol, res.Filled.Kind, delta, pos.RemainingQty)
	o.notify(fmt.Sprintf("[PARTIAL CLOSE]\nSymbol: %s\nKind: %s\nQty: %.8f\nRemaining: %.8f\nPosition: %s",
		pos.Symbol, res.Filled.Kind, delta, pos.RemainingQty, pos.ID))
}

// resubmitShrunk cancels a full-coverage sibling and resubmits it for the
// remaining quantity. Exchanges do not amend quantity in place.
func (o *Orchestrator) resubmitShrunk(ctx context.Context, pos *Position, g *group.Group, rz group.Resize) error {
	if err := o.ex.CancelOrder(ctx, pos.Symbol, rz.OrderID); err != nil {
		return err
	}

	entry := g.Find(rz.OrderID)
	if entry == nil {
		return fmt.Errorf("order %s missing from group %s", rz.OrderID, pos.ID)
	}

	req := order.OrderRequest{
		Symbol:     pos.Symbol,
		Side:       o.exitSide(pos),
		Type:       "stop-market",
		StopPrice:  entry.Price,
		Quantity:   rz.NewQuantity,
		ReduceOnly: true,
	}
	resp, err := o.ex.SubmitOrderWithRetry(ctx, req, o.cfg.OrderMaxAttempts, o.cfg.OrderRetryDelay)
	if err != nil {
		return err
	}

	if _, err := o.groups.Update(ctx, pos.ID, func(g *group.Group) error {
		return g.ReplaceOrder(rz.OrderID, resp.OrderID, entry.Price, rz.NewQuantity)
	}); err != nil {
		return err
	}
	o.indexOrder(resp.OrderID, pos.ID)
	return nil
}

func (o *Orchestrator) onOrderCanceled(ctx context.Context, pos *Position, resp order.OrderResponse) {
	if _, err := o.groups.Update(ctx, pos.ID, func(g *group.Group) error {
		g.MarkCanceled(resp.OrderID)
		return nil
	}); err != nil && err != group.ErrNotFound {
		log.Printf("Position | [%s] Error recording cancel of %s: %v", pos.Symbol, resp.OrderID, err)
	}
}

func (o *Orchestrator) onOrderRejected(ctx context.Context, pos *Position, ev exchange.Event) {
	kind := exchange.ClassifyRejection(ev.Code)
	log.Printf("Position | [%s] Order %s rejected (code %s, %s)", pos.Symbol, ev.Order.OrderID, ev.Code, kind)
	o.logEvent(ctx, journal.TypeError, "order_rejected", map[string]any{
		"symbol": pos.Symbol, "position_id": pos.ID, "order_id": ev.Order.OrderID, "code": ev.Code, "kind": string(kind),
	})

	switch kind {
	case exchange.RejectionRace:
		// The position likely closed before the order reached the
		// exchange. The reconciliation loop resolves the stale entry.
		if _, err := o.groups.Update(ctx, pos.ID, func(g *group.Group) error {
			if entry := g.Find(ev.Order.OrderID); entry != nil {
				entry.Status = order.StatusRejected
			}
			return nil
		}); err != nil && err != group.ErrNotFound {
			log.Printf("Position | [%s] Error recording rejection of %s: %v", pos.Symbol, ev.Order.OrderID, err)
		}
	case exchange.RejectionConfiguration:
		o.fail(ctx, pos, fmt.Errorf("configuration rejection (code %s)", ev.Code))
	}
}

// OnPrice drives the trailing stop policy. The trigger is recomputed only
// after price has moved favorably past the activation threshold, and
// resubmitted only when it moves by at least the update threshold, to
// amortize exchange order churn.
func (o *Orchestrator) OnPrice(ctx context.Context, symbol string, price float64) {
	params := config.GetRiskParams(o.cfg, symbol)
	if params.TrailingStopPercent <= 0 {
		return
	}

	pos := o.ActiveForSymbol(symbol)
	if pos == nil || pos.State != StateProtected {
		return
	}

	l := o.lockFor(pos.ID)
	l.Lock()
	defer l.Unlock()

	if pos.State != StateProtected {
		return
	}

	favorable := price >= pos.Entry*(1+params.TrailingActivationPercent/100)
	if pos.Side == "short" {
		favorable = price <= pos.Entry*(1-params.TrailingActivationPercent/100)
	}
	if !favorable && pos.TrailingTrigger == 0 {
		return
	}

	if pos.Side == "long" {
		if price > pos.HighWater {
			pos.HighWater = price
		}
	} else {
		if pos.HighWater == 0 || price < pos.HighWater {
			pos.HighWater = price
		}
	}

	var desired float64
	if pos.Side == "long" {
		desired = pos.HighWater * (1 - params.TrailingStopPercent/100)
	} else {
		desired = pos.HighWater * (1 + params.TrailingStopPercent/100)
	}

	if pos.TrailingTrigger != 0 {
		moved := (desired - pos.TrailingTrigger) / pos.TrailingTrigger
		if moved < 0 {
			moved = -moved
		}
		if moved < params.TrailingUpdatePercent/100 {
			return
		}
	}

	if err := o.updateTrailingStop(ctx, pos, desired); err != nil {
		log.Printf("Position | [%s] Error updating trailing stop: %v", pos.Symbol, err)
	}
}

func (o *Orchestrator) updateTrailingStop(ctx context.Context, pos *Position, trigger float64) error {
	g, err := o.groups.Get(ctx, pos.ID)
	if err != nil {
		return err
	}

	if existing := g.FindKind(order.KindTrailingStop); existing != nil {
		if err := o.ex.CancelOrder(ctx, pos.Symbol, existing.OrderID); err != nil {
			return err
		}
		req := order.OrderRequest{
			Symbol: pos.Symbol, Side: o.exitSide(pos), Type: "stop-market",
			StopPrice: trigger, Quantity: existing.Quantity, ReduceOnly: true,
		}
		resp, err := o.ex.SubmitOrderWithRetry(ctx, req, o.cfg.OrderMaxAttempts, o.cfg.OrderRetryDelay)
		if err != nil {
			return err
		}
		oldID := existing.OrderID
		if _, err := o.groups.Update(ctx, pos.ID, func(g *group.Group) error {
			return g.ReplaceOrder(oldID, resp.OrderID, trigger, existing.Quantity)
		}); err != nil {
			return err
		}
		o.indexOrder(resp.OrderID, pos.ID)
	} else {
		req := order.OrderRequest{
			Symbol: pos.Symbol, Side: o.exitSide(pos), Type: "stop-market",
			StopPrice: trigger, Quantity: pos.RemainingQty, ReduceOnly: true,
			ClientOrderID: pos.ID + "-trail",
		}
		resp, err := o.ex.SubmitOrderWithRetry(ctx, req, o.cfg.OrderMaxAttempts, o.cfg.OrderRetryDelay)
		if err != nil {
			return err
		}
		if _, err := o.groups.Update(ctx, pos.ID, func(g *group.Group) error {
			g.Orders = append(g.Orders, group.GroupOrder{
				OrderID: resp.OrderID, ClientOrderID: req.ClientOrderID,
				Kind: order.KindTrailingStop, Status: order.StatusLive,
				Price: trigger, Quantity: pos.RemainingQty, QtyFraction: 1.0,
			})
			return g.Validate()
		}); err != nil {
			return err
		}
		o.indexOrder(resp.OrderID, pos.ID)
	}

	pos.TrailingTrigger = trigger
	log.Printf("Position | [%s] Trailing stop trigger now %.2f", pos.Symbol, trigger)
	return nil
}

// Close runs the two-phase close protocol: cancel the remaining protective
// orders, re-query the gateway to detect a fill that raced the cancel, and
// reduce only the residual size confirmed still open.
func (o *Orchestrator) Close(ctx context.Context, positionID, reason string) error {
	pos := o.Get(positionID)
	if pos == nil {
		return fmt.Errorf("position %s not tracked", positionID)
	}

	l := o.lockFor(pos.ID)
	l.Lock()
	defer l.Unlock()

	if pos.State.Terminal() {
		return nil
	}
	pos.State = StateClosing
	if err := o.persist(ctx, pos); err != nil {
		log.Printf("Position | [%s] Error saving position: %v", pos.Symbol, err)
	}

	// Phase 1: cancel remaining protective orders.
	g, err := o.groups.Get(ctx, pos.ID)
	if err == nil {
		for _, live := range g.LiveOrders() {
			if err := o.ex.CancelOrder(ctx, pos.Symbol, live.OrderID); err != nil {
				log.Printf("Position | [%s] Error canceling %s during close: %v", pos.Symbol, live.OrderID, err)
			}
		}
	} else if err != group.ErrNotFound {
		return err
	}

	// Phase 2: re-query the true position size; a protective fill may have
	// raced the cancels.
	info, err := o.ex.Position(ctx, pos.Symbol)
	if err != nil {
		return fmt.Errorf("failed to re-query position before close: %w", err)
	}

	// Phase 3: reduce only what is confirmed still open. When the exchange
	// is already flat, the most recently filled protective order is the
	// best available exit price; entry is the last resort.
	exitPrice := pos.Entry
	if g != nil {
		for _, po := range g.Orders {
			if po.Status == order.StatusFilled {
				exitPrice = po.Price
			}
		}
	}
	if info.Quantity > 0 {
		req := order.OrderRequest{
			Symbol:     pos.Symbol,
			Side:       o.exitSide(pos),
			Type:       "market",
			Quantity:   info.Quantity,
			ReduceOnly: true,
		}
		resp, err := o.ex.SubmitOrderWithRetry(ctx, req, o.cfg.OrderMaxAttempts, o.cfg.OrderRetryDelay)
		if err != nil {
			o.fail(ctx, pos, fmt.Errorf("failed to submit close order: %w", err))
			return err
		}
		if resp.AvgPrice > 0 {
			exitPrice = resp.AvgPrice
		}
	}

	o.finalize(ctx, pos, exitPrice, reason)
	return nil
}

// ForceCloseLocal marks a position closed without touching the exchange.
// Used by the reconciliation loop when the snapshot shows no such position.
func (o *Orchestrator) ForceCloseLocal(ctx context.Context, positionID, reason string) {
	pos := o.Get(positionID)
	if pos == nil {
		return
	}
	l := o.lockFor(pos.ID)
	l.Lock()
	defer l.Unlock()
	if pos.State.Terminal() {
		return
	}
	o.finalize(ctx, pos, pos.Entry, reason)
}

// ResubmitProtection restores protective coverage for a live position whose
// orders vanished (expired or rejected), using the prices stored in the
// group record rather than re-deriving them. Orders still live are left
// alone; with no group record at all the full bracket is rebuilt.
func (o *Orchestrator) ResubmitProtection(ctx context.Context, positionID string) error {
	pos := o.Get(positionID)
	if pos == nil {
		return fmt.Errorf("position %s not tracked", positionID)
	}
	if o.suspensions.Suspended(pos.Symbol) {
		return fmt.Errorf("symbol %s is suspended (%s), refusing protective resubmission", pos.Symbol, o.suspensions.Reason(pos.Symbol))
	}

	l := o.lockFor(pos.ID)
	l.Lock()
	defer l.Unlock()
	if pos.State.Terminal() {
		return nil
	}

	g, err := o.groups.Get(ctx, pos.ID)
	if err == group.ErrNotFound {
		return o.protect(ctx, pos)
	}
	if err != nil {
		return err
	}

	for _, stale := range g.Orders {
		if stale.Status != order.StatusExpired && stale.Status != order.StatusRejected && stale.Status != order.StatusPending {
			continue
		}
		orderType := "stop-market"
		if stale.Kind == order.KindTakeProfit {
			orderType = "take-profit-market"
		}
		qty := stale.Quantity
		if qty > pos.RemainingQty {
			qty = pos.RemainingQty
		}
		req := order.OrderRequest{
			Symbol: pos.Symbol, Side: o.exitSide(pos), Type: orderType,
			StopPrice: stale.Price, Quantity: qty, ReduceOnly: true,
		}
		resp, err := o.ex.SubmitOrderWithRetry(ctx, req, o.cfg.OrderMaxAttempts, o.cfg.OrderRetryDelay)
		if err != nil {
			return fmt.Errorf("failed to resubmit %s order: %w", stale.Kind, err)
		}
		oldID := stale.OrderID
		if _, err := o.groups.Update(ctx, pos.ID, func(g *group.Group) error {
			return g.ReplaceOrder(oldID, resp.OrderID, stale.Price, qty)
		}); err != nil {
			return err
		}
		o.indexOrder(resp.OrderID, pos.ID)
		log.Printf("Position | [%s] Resubmitted %s order %s -> %s at %.2f", pos.Symbol, stale.Kind, oldID, resp.OrderID, stale.Price)
	}
	return nil
}

// Adopt starts tracking an exchange position that has no local counterpart,
// protecting it with fallback risk prices (no structure levels available).
func (o *Orchestrator) Adopt(ctx context.Context, info exchange.PositionInfo) error {
	side := signal.Long
	if info.Side == "short" {
		side = signal.Short
	}
	pos := &Position{
		ID:           "pos-" + uuid.NewString(),
		Symbol:       info.Symbol,
		Side:         info.Side,
		Entry:        info.EntryPrice,
		Quantity:     info.Quantity,
		RemainingQty: info.Quantity,
		OpenedAt:     time.Now().UTC(),
		State:        StateEntryFilled,
	}
	params := config.GetRiskParams(o.cfg, info.Symbol)
	pos.Prices = risk.Compute(signal.Signal{
		Symbol: info.Symbol, Side: side, Confidence: signal.Low, EntryPrice: info.EntryPrice,
	}, params)

	o.track(pos)
	if err := o.persist(ctx, pos); err != nil {
		return err
	}

	l := o.lockFor(pos.ID)
	l.Lock()
	defer l.Unlock()

	log.Printf("Position | [%s] Adopted untracked exchange position %.8f @ %.2f", info.Symbol, info.Quantity, info.EntryPrice)
	if err := o.protect(ctx, pos); err != nil {
		o.fail(ctx, pos, fmt.Errorf("failed to protect adopted position: %w", err))
		return err
	}
	return nil
}

// finalize writes the closed-position history and removes the active
// records. Caller holds the position lock.
func (o *Orchestrator) finalize(ctx context.Context, pos *Position, exitPrice float64, reason string) {
	pnl := o.calculatePNL(pos, exitPrice)
	pos.State = StateClosed
	pos.RemainingQty = 0

	closed := db.ClosedPosition{
		Position: db.Position{
			ID: pos.ID, Symbol: pos.Symbol, Side: pos.Side,
			EntryPrice: pos.Entry, Quantity: pos.Quantity, RemainingQty: 0,
			State: string(pos.State), OpenedAt: pos.OpenedAt, UpdatedAt: time.Now().UTC(),
		},
		ExitPrice: exitPrice,
		PnL:       pnl,
		Reason:    reason,
		ClosedAt:  time.Now().UTC(),
	}
	if err := o.storage.SaveClosedPosition(ctx, closed); err != nil {
		log.Printf("Position | [%s] Error saving closed position: %v", pos.Symbol, err)
	}
	if err := o.storage.DeletePosition(ctx, pos.ID); err != nil {
		log.Printf("Position | [%s] Error deleting position record: %v", pos.Symbol, err)
	}
	if err := o.groups.Remove(ctx, pos.ID); err != nil {
		log.Printf("Position | [%s] Error removing group: %v", pos.Symbol, err)
	}

	log.Printf("Position | [%s] Closed position %s (%s): exit=%.2f, pnl=%.2f", pos.Symbol, pos.ID, reason, exitPrice, pnl)
	o.notify(fmt.Sprintf("[POSITION CLOSED]\nSymbol: %s\nSide: %s\nEntry: %.2f\nExit: %.2f\nPnL: %.2f\nReason: %s\nTime: %s",
		pos.Symbol, pos.Side, pos.Entry, exitPrice, pnl, reason, time.Now().Format(time.RFC3339)))
	o.logEvent(ctx, journal.TypeOrder, "position_closed", map[string]any{
		"symbol": pos.Symbol, "position_id": pos.ID, "exit_price": exitPrice, "pnl": pnl, "reason": reason,
	})
}

// fail moves the position to FAILED and surfaces it for manual
// intervention. A position is never silently dropped.
func (o *Orchestrator) fail(ctx context.Context, pos *Position, cause error) {
	pos.State = StateFailed
	if err := o.persist(ctx, pos); err != nil {
		log.Printf("Position | [%s] Error saving failed position: %v", pos.Symbol, err)
	}

	log.Printf("Position | [%s] Position %s FAILED: %v", pos.Symbol, pos.ID, cause)
	o.logEvent(ctx, journal.TypeError, "position_failed", map[string]any{
		"symbol": pos.Symbol, "position_id": pos.ID, "error": cause.Error(),
	})
	o.notify(fmt.Sprintf("⚠️ POSITION FAILED\nSymbol: %s\nPosition: %s\nError: %v\nManual intervention required", pos.Symbol, pos.ID, cause))
}

func (o *Orchestrator) persist(ctx context.Context, pos *Position) error {
	return o.storage.SavePosition(ctx, db.Position{
		ID: pos.ID, Symbol: pos.Symbol, Side: pos.Side,
		EntryPrice: pos.Entry, Quantity: pos.Quantity, RemainingQty: pos.RemainingQty,
		State: string(pos.State), OpenedAt: pos.OpenedAt, UpdatedAt: time.Now().UTC(),
		EntryOrderID: pos.EntryOrderID, Prices: pos.Prices,
	})
}

// calculatePNL calculates the realized PNL at an exit price.
func (o *Orchestrator) calculatePNL(pos *Position, exitPrice float64) float64 {
	if pos.Side == "long" {
		return (exitPrice - pos.Entry) * pos.Quantity
	}
	return (pos.Entry - exitPrice) * pos.Quantity
}

// exitSide returns the order side that reduces the position.
func (o *Orchestrator) exitSide(pos *Position) string {
	if pos.Side == "long" {
		return "sell"
	}
	return "buy"
}

func (o *Orchestrator) logEvent(ctx context.Context, eventType, description string, data map[string]any) {
	if o.storage == nil {
		return
	}
	if err := o.storage.LogEvent(ctx, journal.Event{
		Time:        time.Now().UTC(),
		Type:        eventType,
		Description: description,
		Data:        data,
	}); err != nil {
		log.Printf("Position | Error logging event %s: %v", description, err)
	}
}

func (o *Orchestrator) notify(msg string) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.SendWithRetry(msg); err != nil {
		log.Printf("Position | Error sending notification: %v", err)
	}
}
