// Package reconcile periodically compares local position and protective
// order state against the exchange snapshot and repairs drift. The stream is
// the fast path; this loop is the authoritative one, so every discrepancy it
// can classify it either corrects or escalates, never ignores.
package reconcile

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/amirphl/bracket-trader/internal/config"
	"github.com/amirphl/bracket-trader/internal/exchange"
	"github.com/amirphl/bracket-trader/internal/group"
	"github.com/amirphl/bracket-trader/internal/journal"
	"github.com/amirphl/bracket-trader/internal/notifier"
	"github.com/amirphl/bracket-trader/internal/order"
	"github.com/amirphl/bracket-trader/internal/position"
	"github.com/amirphl/bracket-trader/internal/suspend"
)

// Classification labels one discrepancy between local state and the
// exchange snapshot.
type Classification string

const (
	// Exchange reports an open position with no local counterpart.
	UntrackedPosition Classification = "UNTRACKED_POSITION"
	// Local position exists but the exchange is flat.
	StaleLocal Classification = "STALE_LOCAL"
	// A protective order was rejected reduce-only; position raced closed.
	ReduceOnlyRejected Classification = "REDUCE_ONLY_REJECTED"
	// A protective order the local side believes live is gone from the
	// exchange while the position remains open.
	GTCExpired Classification = "GTC_EXPIRED"
	// Live position with no live protective order at all.
	Unprotected Classification = "UNPROTECTED"
)

// Orchestrator is the slice of the position orchestrator the loop drives.
type Orchestrator interface {
	Active() []position.Position
	Get(positionID string) *position.Position
	ForceCloseLocal(ctx context.Context, positionID, reason string)
	ResubmitProtection(ctx context.Context, positionID string) error
}

// Report summarizes one reconciliation run.
type Report struct {
	Findings    map[Classification]int
	Corrections int
	Passes      int
	Converged   bool
}

// Loop runs reconciliation passes on a fixed interval and on demand (stream
// reconnects). A run repeats passes until a pass finds nothing to correct,
// so the run ends at a fixed point or reports non-convergence.
type Loop struct {
	cfg      config.Config
	ex       exchange.Exchange
	groups   *group.Store
	orch     Orchestrator
	journal  journal.Journaler
	notifier notifier.Notifier

	trigger chan struct{}

	// Shared with the orchestrator: suspending here also gates its order
	// submission.
	suspensions *suspend.List
}

// maxPasses bounds a single run; a run that still finds work after this
// many passes is escalated instead of spinning.
const maxPasses = 5

func NewLoop(cfg config.Config, ex exchange.Exchange, groups *group.Store, orch Orchestrator, j journal.Journaler, n notifier.Notifier, suspensions *suspend.List) *Loop {
	if suspensions == nil {
		suspensions = suspend.NewList()
	}
	return &Loop{
		cfg:         cfg,
		ex:          ex,
		groups:      groups,
		orch:        orch,
		journal:     j,
		notifier:    n,
		trigger:     make(chan struct{}, 1),
		suspensions: suspensions,
	}
}

// Trigger requests an immediate pass, coalescing with any pending request.
// Wired to the stream's reconnect marker: events may have been missed.
func (l *Loop) Trigger() {
	select {
	case l.trigger <- struct{}{}:
	default:
	}
}

// Suspended reports whether a symbol is suspended pending acknowledgment.
func (l *Loop) Suspended(symbol string) bool {
	return l.suspensions.Suspended(symbol)
}

// Acknowledge clears a symbol's suspension after the operator has resolved
// the underlying condition (e.g. switched the account back to one-way mode).
func (l *Loop) Acknowledge(symbol string) {
	if l.suspensions.Acknowledge(symbol) {
		mtxSuspended.Set(float64(l.suspensions.Count()))
		log.Printf("Reconcile | [%s] Suspension acknowledged, symbol resumed", symbol)
	}
}

func (l *Loop) suspend(symbol, reason string) {
	if !l.suspensions.Suspend(symbol, reason) {
		return
	}
	mtxSuspended.Set(float64(l.suspensions.Count()))
	log.Printf("Reconcile | [%s] Symbol suspended: %s", symbol, reason)
	l.notify(fmt.Sprintf("⚠️ SYMBOL SUSPENDED\nSymbol: %s\nReason: %s\nAcknowledge after resolving to resume", symbol, reason))
}

// Run blocks, executing a pass on every interval tick and on every Trigger,
// until the context is canceled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.ReconcileInterval)
	defer ticker.Stop()

	log.Printf("Reconcile | Loop started, interval %v", l.cfg.ReconcileInterval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("Reconcile | Loop stopped")
			return
		case <-ticker.C:
		case <-l.trigger:
		}
		if _, err := l.RunOnce(ctx); err != nil {
			log.Printf("Reconcile | Run failed: %v", err)
		}
	}
}

// RunOnce executes passes until a pass applies no corrections (fixed point)
// or the pass limit is reached.
func (l *Loop) RunOnce(ctx context.Context) (Report, error) {
	report := Report{Findings: make(map[Classification]int)}

	for report.Passes < maxPasses {
		report.Passes++
		corrections, err := l.pass(ctx, &report)
		if err != nil {
			return report, err
		}
		if corrections == 0 {
			report.Converged = true
			break
		}
		report.Corrections += corrections
	}

	if !report.Converged {
		log.Printf("Reconcile | Did not converge after %d passes", report.Passes)
		l.notify(fmt.Sprintf("⚠️ RECONCILIATION NOT CONVERGED\nPasses: %d\nCorrections: %d\nManual review required", report.Passes, report.Corrections))
	}
	return report, nil
}

// pass runs one full comparison and returns the number of corrections made.
func (l *Loop) pass(ctx context.Context, report *Report) (int, error) {
	started := time.Now()
	defer func() {
		mtxDuration.Observe(time.Since(started).Seconds())
	}()
	mtxPasses.Inc()

	// A hedge-mode account breaks the reduce-only assumptions every
	// protective order relies on; stop touching the exchange until the
	// operator flips it back and acknowledges.
	mode, err := l.ex.PositionMode(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to query position mode: %w", err)
	}
	if mode == exchange.Hedge {
		for _, symbol := range l.cfg.Symbols {
			l.suspend(symbol, "account is in HEDGE position mode")
		}
		return 0, nil
	}

	corrections := 0
	for _, symbol := range l.cfg.Symbols {
		if l.Suspended(symbol) {
			continue
		}
		n, err := l.reconcileSymbol(ctx, symbol, report)
		if err != nil {
			log.Printf("Reconcile | [%s] Pass failed: %v", symbol, err)
			continue
		}
		corrections += n
	}

	corrections += l.sweepOrphans(ctx, report)
	return corrections, nil
}

// reconcileSymbol diffs one symbol's local state against the exchange.
func (l *Loop) reconcileSymbol(ctx context.Context, symbol string, report *Report) (int, error) {
	info, err := l.ex.Position(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch position: %w", err)
	}
	openOrders, err := l.ex.OpenOrders(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch open orders: %w", err)
	}
	openSet := make(map[string]bool, len(openOrders))
	for _, o := range openOrders {
		openSet[o.OrderID] = true
	}

	local := l.activeForSymbol(symbol)
	corrections := 0

	switch {
	case info.Quantity > 0 && local == nil:
		// Exchange-only position. Surfaced for the operator; adopting it
		// automatically is a policy decision left out of the loop.
		l.record(ctx, report, UntrackedPosition, symbol, map[string]any{
			"quantity": info.Quantity, "entry_price": info.EntryPrice, "side": info.Side,
		})
		l.notify(fmt.Sprintf("⚠️ UNTRACKED POSITION\nSymbol: %s\nSide: %s\nQty: %.8f\nEntry: %.2f",
			symbol, info.Side, info.Quantity, info.EntryPrice))
		return corrections, nil

	case info.Quantity == 0 && local != nil && local.State != position.StatePendingEntry:
		// The exchange closed the position behind our back (liquidation, a
		// fill whose event we missed). Local state follows the exchange.
		l.record(ctx, report, StaleLocal, symbol, map[string]any{"position_id": local.ID, "state": string(local.State)})
		l.orch.ForceCloseLocal(ctx, local.ID, "reconcile_stale_local")
		mtxCorrections.Inc()
		return corrections + 1, nil

	case local == nil:
		return corrections, nil
	}

	// Position open on both sides: diff the protective orders.
	g, err := l.groups.Get(ctx, local.ID)
	if err != nil {
		if err == group.ErrNotFound {
			// Open position with no group record at all.
			l.record(ctx, report, Unprotected, symbol, map[string]any{"position_id": local.ID})
			l.notify(fmt.Sprintf("⚠️ UNPROTECTED POSITION\nSymbol: %s\nPosition: %s\nResubmitting protection", symbol, local.ID))
			if err := l.orch.ResubmitProtection(ctx, local.ID); err != nil {
				return corrections, fmt.Errorf("failed to rebuild protection: %w", err)
			}
			mtxCorrections.Inc()
			return corrections + 1, nil
		}
		return corrections, err
	}

	needsResubmit := false
	for _, o := range g.Orders {
		switch {
		case o.Status == order.StatusLive && !openSet[o.OrderID]:
			// Believed live, gone from the exchange, position still open:
			// the order expired (or was purged) without an event reaching us.
			l.record(ctx, report, GTCExpired, symbol, map[string]any{"position_id": local.ID, "order_id": o.OrderID, "kind": string(o.Kind)})
			orderID := o.OrderID
			if _, err := l.groups.Update(ctx, local.ID, func(g *group.Group) error {
				if entry := g.Find(orderID); entry != nil && entry.Status == order.StatusLive {
					entry.Status = order.StatusExpired
				}
				return nil
			}); err != nil {
				return corrections, err
			}
			needsResubmit = true

		case o.Status == order.StatusRejected:
			// Rejected reduce-only while the position is demonstrably still
			// open: not a close race after all, so coverage is restored.
			l.record(ctx, report, ReduceOnlyRejected, symbol, map[string]any{"position_id": local.ID, "order_id": o.OrderID})
			needsResubmit = true
		}
	}

	if needsResubmit {
		if err := l.orch.ResubmitProtection(ctx, local.ID); err != nil {
			return corrections, fmt.Errorf("failed to resubmit protection: %w", err)
		}
		mtxCorrections.Inc()
		corrections++
	} else if !g.HasLiveProtection() {
		l.record(ctx, report, Unprotected, symbol, map[string]any{"position_id": local.ID})
		l.notify(fmt.Sprintf("⚠️ UNPROTECTED POSITION\nSymbol: %s\nPosition: %s\nResubmitting protection", symbol, local.ID))
		if err := l.orch.ResubmitProtection(ctx, local.ID); err != nil {
			return corrections, fmt.Errorf("failed to restore protection: %w", err)
		}
		mtxCorrections.Inc()
		corrections++
	}

	return corrections, nil
}

// sweepOrphans removes group records whose owning position no longer exists,
// canceling any of their orders still live on the exchange first.
func (l *Loop) sweepOrphans(ctx context.Context, report *Report) int {
	all, err := l.groups.List(ctx)
	if err != nil {
		log.Printf("Reconcile | Failed to list groups for orphan sweep: %v", err)
		return 0
	}

	corrections := 0
	for _, g := range all {
		owner := l.orch.Get(g.PositionID)
		if owner != nil && !owner.State.Terminal() {
			continue
		}
		l.record(ctx, report, StaleLocal, g.Symbol, map[string]any{"position_id": g.PositionID, "orphaned_group": true})
		for _, o := range g.LiveOrders() {
			if err := l.ex.CancelOrder(ctx, g.Symbol, o.OrderID); err != nil {
				log.Printf("Reconcile | [%s] Failed to cancel orphaned order %s: %v", g.Symbol, o.OrderID, err)
			}
		}
		if err := l.groups.Remove(ctx, g.PositionID); err != nil {
			log.Printf("Reconcile | [%s] Failed to remove orphaned group %s: %v", g.Symbol, g.PositionID, err)
			continue
		}
		log.Printf("Reconcile | [%s] Removed orphaned group %s", g.Symbol, g.PositionID)
		mtxCorrections.Inc()
		corrections++
	}
	return corrections
}

func (l *Loop) activeForSymbol(symbol string) *position.Position {
	for _, p := range l.orch.Active() {
		if p.Symbol == symbol {
			cp := p
			return &cp
		}
	}
	return nil
}

func (l *Loop) record(ctx context.Context, report *Report, c Classification, symbol string, data map[string]any) {
	report.Findings[c]++
	mtxFindings.WithLabelValues(string(c)).Inc()
	log.Printf("Reconcile | [%s] %s", symbol, c)

	if l.journal == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["symbol"] = symbol
	data["classification"] = string(c)
	if err := l.journal.LogEvent(ctx, journal.Event{
		Time:        time.Now().UTC(),
		Type:        journal.TypeReconcile,
		Description: string(c),
		Data:        data,
	}); err != nil {
		log.Printf("Reconcile | Failed to journal %s: %v", c, err)
	}
}

func (l *Loop) notify(msg string) {
	if l.notifier == nil {
		return
	}
	if err := l.notifier.SendWithRetry(msg); err != nil {
		log.Printf("Reconcile | Failed to send notification: %v", err)
	}
}
