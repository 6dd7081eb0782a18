// Package signal
package signal

import "time"

// Side is the direction of a trading decision.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// Confidence is the tier assigned by the upstream decision pipeline.
type Confidence string

const (
	High   Confidence = "HIGH"
	Medium Confidence = "MEDIUM"
	Low    Confidence = "LOW"
)

// Signal is a single directional trading decision. It is produced once per
// decision cycle and consumed once; nothing here mutates it.
// Support and Resistance are optional structure levels; zero means absent.
type Signal struct {
	Time       time.Time  `json:"time"`
	Symbol     string     `json:"symbol"`
	Side       Side       `json:"side"`
	Confidence Confidence `json:"confidence"`
	EntryPrice float64    `json:"entry_price"`
	Support    float64    `json:"support,omitempty"`
	Resistance float64    `json:"resistance,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

// Opposite returns the reverse side, used to detect reversal signals.
func (s Side) Opposite() Side {
	if s == Long {
		return Short
	}
	return Long
}
