package risk

import (
	"math"
	"testing"

	"github.com/amirphl/bracket-trader/internal/config"
	"github.com/amirphl/bracket-trader/internal/signal"
)

func testParams() config.RiskParams {
	return config.RiskParams{
		StructureBufferPercent: 0.5,
		LongFallbackPercent:    2.0,
		ShortFallbackPercent:   2.0,
		HighTPPercent:          3.0,
		MediumTPPercent:        2.0,
		LowTPPercent:           1.0,
	}
}

func TestCompute(t *testing.T) {
	params := testParams()

	t.Run("Support above entry falls back to default stop", func(t *testing.T) {
		// Observed incident: support reported above entry on a LONG signal.
		sig := signal.Signal{
			Symbol:     "BTCUSDT",
			Side:       signal.Long,
			Confidence: signal.High,
			EntryPrice: 91626,
			Support:    91808,
		}
		prices := Compute(sig, params)

		if !prices.UsedFallback {
			t.Error("Expected fallback for support above entry")
		}
		if prices.Warning == "" {
			t.Error("Expected warning when falling back")
		}
		want := 91626 * 0.98 // 89793.48
		if math.Abs(prices.StopLoss-want) > 1e-6 {
			t.Errorf("Expected fallback stop %.2f, got %.2f", want, prices.StopLoss)
		}
	})

	t.Run("Support below entry accepted with buffer", func(t *testing.T) {
		sig := signal.Signal{
			Symbol:     "BTCUSDT",
			Side:       signal.Long,
			Confidence: signal.High,
			EntryPrice: 91626,
			Support:    91000,
		}
		prices := Compute(sig, params)

		if prices.UsedFallback {
			t.Errorf("Expected structure-derived stop, got fallback: %s", prices.Warning)
		}
		want := 91000 * (1 - 0.5/100)
		if math.Abs(prices.StopLoss-want) > 1e-6 {
			t.Errorf("Expected stop %.4f, got %.4f", want, prices.StopLoss)
		}
	})

	t.Run("Missing support falls back without error", func(t *testing.T) {
		sig := signal.Signal{Side: signal.Long, Confidence: signal.Low, EntryPrice: 50000}
		prices := Compute(sig, params)
		if !prices.UsedFallback {
			t.Error("Expected fallback when no support provided")
		}
		if got, want := prices.StopLoss, 50000*0.98; math.Abs(got-want) > 1e-6 {
			t.Errorf("Expected stop %.2f, got %.2f", want, got)
		}
	})

	t.Run("Short resistance below entry falls back", func(t *testing.T) {
		sig := signal.Signal{
			Side:       signal.Short,
			Confidence: signal.Medium,
			EntryPrice: 91626,
			Resistance: 91500,
		}
		prices := Compute(sig, params)
		if !prices.UsedFallback {
			t.Error("Expected fallback for resistance below entry")
		}
		if got, want := prices.StopLoss, 91626*1.02; math.Abs(got-want) > 1e-6 {
			t.Errorf("Expected stop %.2f, got %.2f", want, got)
		}
	})

	t.Run("Short resistance above entry accepted", func(t *testing.T) {
		sig := signal.Signal{
			Side:       signal.Short,
			Confidence: signal.Medium,
			EntryPrice: 91626,
			Resistance: 92500,
		}
		prices := Compute(sig, params)
		if prices.UsedFallback {
			t.Errorf("Expected structure-derived stop, got fallback: %s", prices.Warning)
		}
		if got, want := prices.StopLoss, 92500*(1+0.5/100); math.Abs(got-want) > 1e-6 {
			t.Errorf("Expected stop %.4f, got %.4f", want, got)
		}
	})
}

// The side-correctness property must hold for any entry price and any
// structure level, including degenerate ones.
func TestComputeSideCorrectness(t *testing.T) {
	params := testParams()

	entries := []float64{0.00004213, 1, 42.5, 91626, 1e7}
	levels := []float64{0, 0.00001, 0.9, 1.0000000001, 40, 45, 91000, 91808, 91626, 2e7}

	for _, entry := range entries {
		eps := Epsilon(entry)
		for _, lvl := range levels {
			longPrices := Compute(signal.Signal{Side: signal.Long, Confidence: signal.High, EntryPrice: entry, Support: lvl}, params)
			if !(longPrices.StopLoss < entry-eps) {
				t.Errorf("LONG entry=%v support=%v: stop %v not below entry-eps", entry, lvl, longPrices.StopLoss)
			}

			shortPrices := Compute(signal.Signal{Side: signal.Short, Confidence: signal.High, EntryPrice: entry, Resistance: lvl}, params)
			if !(shortPrices.StopLoss > entry+eps) {
				t.Errorf("SHORT entry=%v resistance=%v: stop %v not above entry+eps", entry, lvl, shortPrices.StopLoss)
			}
		}
	}
}

func TestComputeTargets(t *testing.T) {
	params := testParams()

	t.Run("Tiered targets", func(t *testing.T) {
		cases := []struct {
			confidence signal.Confidence
			wantPct    float64
		}{
			{signal.High, 3.0},
			{signal.Medium, 2.0},
			{signal.Low, 1.0},
		}
		for _, c := range cases {
			prices := Compute(signal.Signal{Side: signal.Long, Confidence: c.confidence, EntryPrice: 10000}, params)
			if len(prices.Targets) != 1 {
				t.Fatalf("%s: expected 1 target, got %d", c.confidence, len(prices.Targets))
			}
			want := 10000 * (1 + c.wantPct/100)
			if math.Abs(prices.Targets[0].Price-want) > 1e-6 {
				t.Errorf("%s: expected target %.2f, got %.2f", c.confidence, want, prices.Targets[0].Price)
			}
			if prices.Targets[0].Fraction != 1.0 {
				t.Errorf("%s: expected full-quantity target, got fraction %v", c.confidence, prices.Targets[0].Fraction)
			}
		}
	})

	t.Run("Ladder overrides tier", func(t *testing.T) {
		ladder := params
		ladder.TPLadder = []config.TPRung{
			{Fraction: 0.5, Percent: 2.0},
			{Fraction: 0.5, Percent: 4.0},
		}
		prices := Compute(signal.Signal{Side: signal.Long, Confidence: signal.High, EntryPrice: 10000}, ladder)
		if len(prices.Targets) != 2 {
			t.Fatalf("Expected 2 targets, got %d", len(prices.Targets))
		}
		if got := prices.Targets[0].Price; math.Abs(got-10200) > 1e-6 {
			t.Errorf("Expected first rung at 10200, got %.2f", got)
		}
		if got := prices.Targets[1].Price; math.Abs(got-10400) > 1e-6 {
			t.Errorf("Expected second rung at 10400, got %.2f", got)
		}
		var sum float64
		for _, tgt := range prices.Targets {
			sum += tgt.Fraction
		}
		if sum > 1.0 {
			t.Errorf("Ladder fractions sum %v exceeds 1.0", sum)
		}
	})

	t.Run("Short targets below entry", func(t *testing.T) {
		prices := Compute(signal.Signal{Side: signal.Short, Confidence: signal.Medium, EntryPrice: 10000}, params)
		if got := prices.Targets[0].Price; math.Abs(got-9800) > 1e-6 {
			t.Errorf("Expected short target 9800, got %.2f", got)
		}
	})
}

func TestEpsilon(t *testing.T) {
	if got := Epsilon(91626); math.Abs(got-91626e-8) > 1e-15 {
		t.Errorf("Expected relative epsilon, got %v", got)
	}
	// Tiny entries use the absolute floor.
	if got := Epsilon(0.5); got != 1e-8 {
		t.Errorf("Expected floor epsilon 1e-8, got %v", got)
	}
}
