// Package risk computes validated stop-loss and take-profit prices for a
// signal. It is pure: it never touches the exchange and never returns an
// error. A structure level on the wrong side of entry is a normal input,
// resolved by falling back to the default stop distance and flagging the
// result so the caller can log a warning.
package risk

import (
	"github.com/amirphl/bracket-trader/internal/config"
	"github.com/amirphl/bracket-trader/internal/signal"
)

// Target is one take-profit target. Fraction is the share of position
// quantity to close at Price; fractions across Targets sum to at most 1.0.
type Target struct {
	Price    float64
	Fraction float64
}

// Prices is the protective-price output for one signal.
type Prices struct {
	StopLoss     float64
	Targets      []Target
	UsedFallback bool   // Structure level rejected, default stop applied
	Warning      string // Human-readable reason when UsedFallback is set
}

// Epsilon is the relative tolerance used for side-correctness checks, to
// avoid rejecting structure levels over floating-point noise.
func Epsilon(entryPrice float64) float64 {
	eps := entryPrice * 1e-8
	if eps < 1e-8 {
		eps = 1e-8
	}
	return eps
}

// Compute derives the stop-loss price and take-profit targets for sig.
//
// LONG: a structure-derived stop (support) is accepted only if it sits below
// entry - epsilon; otherwise the stop falls back to entry*(1-fallback%).
// SHORT mirrors with resistance above entry + epsilon.
func Compute(sig signal.Signal, params config.RiskParams) Prices {
	var out Prices
	eps := Epsilon(sig.EntryPrice)

	switch sig.Side {
	case signal.Long:
		if sig.Support > 0 && sig.Support < sig.EntryPrice-eps {
			out.StopLoss = sig.Support * (1 - params.StructureBufferPercent/100)
		} else {
			out.StopLoss = sig.EntryPrice * (1 - params.LongFallbackPercent/100)
			out.UsedFallback = true
			if sig.Support > 0 {
				out.Warning = "support level not below entry, using default stop distance"
			} else {
				out.Warning = "no support level provided, using default stop distance"
			}
		}
	case signal.Short:
		if sig.Resistance > 0 && sig.Resistance > sig.EntryPrice+eps {
			out.StopLoss = sig.Resistance * (1 + params.StructureBufferPercent/100)
		} else {
			out.StopLoss = sig.EntryPrice * (1 + params.ShortFallbackPercent/100)
			out.UsedFallback = true
			if sig.Resistance > 0 {
				out.Warning = "resistance level not above entry, using default stop distance"
			} else {
				out.Warning = "no resistance level provided, using default stop distance"
			}
		}
	}

	out.Targets = computeTargets(sig, params)

	return out
}

// computeTargets builds the take-profit ladder. An explicit ladder in params
// wins; otherwise a single full-quantity target at the confidence-tiered
// distance is used.
func computeTargets(sig signal.Signal, params config.RiskParams) []Target {
	rungs := params.TPLadder
	if len(rungs) == 0 {
		rungs = []config.TPRung{{Fraction: 1.0, Percent: tierPercent(sig.Confidence, params)}}
	}

	targets := make([]Target, 0, len(rungs))
	for _, r := range rungs {
		var price float64
		if sig.Side == signal.Long {
			price = sig.EntryPrice * (1 + r.Percent/100)
		} else {
			price = sig.EntryPrice * (1 - r.Percent/100)
		}
		targets = append(targets, Target{Price: price, Fraction: r.Fraction})
	}
	return targets
}

func tierPercent(c signal.Confidence, params config.RiskParams) float64 {
	switch c {
	case signal.High:
		return params.HighTPPercent
	case signal.Medium:
		return params.MediumTPPercent
	default:
		return params.LowTPPercent
	}
}
