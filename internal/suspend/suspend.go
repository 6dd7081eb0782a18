// Package suspend tracks symbols barred from new order submission. The
// reconciliation loop suspends a symbol when it detects a condition that
// makes submissions unsafe (a hedge-mode account); the orchestrator consults
// the list before submitting, and only an operator acknowledgment clears it.
package suspend

import "sync"

// List is the shared suspension registry. The zero value is not usable;
// construct with NewList.
type List struct {
	mu      sync.Mutex
	reasons map[string]string
}

func NewList() *List {
	return &List{reasons: make(map[string]string)}
}

// Suspend bars a symbol from new order submission. Returns false if the
// symbol was already suspended.
func (l *List) Suspend(symbol, reason string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.reasons[symbol]; ok {
		return false
	}
	l.reasons[symbol] = reason
	return true
}

// Acknowledge clears a symbol's suspension. Returns false if the symbol was
// not suspended.
func (l *List) Acknowledge(symbol string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.reasons[symbol]; !ok {
		return false
	}
	delete(l.reasons, symbol)
	return true
}

// Suspended reports whether a symbol is currently suspended.
func (l *List) Suspended(symbol string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.reasons[symbol]
	return ok
}

// Reason returns the recorded suspension reason, or "".
func (l *List) Reason(symbol string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reasons[symbol]
}

// Count returns the number of suspended symbols.
func (l *List) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.reasons)
}
