package observer

import (
	"math"
	"testing"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-12
}

func TestCostCalculatorKnownModel(t *testing.T) {
	calc := NewCostCalculator(nil)

	// gpt-4o: $2.50 in, $10.00 out per million tokens.
	got := calc.Calculate("gpt-4o", 500_000, 100_000)
	if want := 2.25; !almostEqual(got, want) {
		t.Errorf("Calculate(gpt-4o, 500k, 100k) = %v, want %v", got, want)
	}

	got = calc.Calculate("gpt-4o-mini", 1_000_000, 1_000_000)
	if want := 0.75; !almostEqual(got, want) {
		t.Errorf("Calculate(gpt-4o-mini, 1M, 1M) = %v, want %v", got, want)
	}
}

func TestCostCalculatorUnknownModel(t *testing.T) {
	calc := NewCostCalculator(nil)

	if got := calc.Calculate("mystery-model", 1_000_000, 1_000_000); got != 0 {
		t.Errorf("Calculate(mystery-model) = %v, want 0", got)
	}
}

func TestCostCalculatorZeroTokens(t *testing.T) {
	calc := NewCostCalculator(nil)

	if got := calc.Calculate("gpt-4o", 0, 0); got != 0 {
		t.Errorf("Calculate(gpt-4o, 0, 0) = %v, want 0", got)
	}
}

func TestCostCalculatorOverrides(t *testing.T) {
	calc := NewCostCalculator(map[string]ModelPricing{
		"gpt-4o":   {InputPerMillion: 5.00, OutputPerMillion: 20.00},
		"my-local": {InputPerMillion: 0.01, OutputPerMillion: 0.02},
	})

	// Override replaces the default entry.
	if got := calc.Calculate("gpt-4o", 1_000_000, 0); !almostEqual(got, 5.00) {
		t.Errorf("overridden gpt-4o input cost = %v, want 5.00", got)
	}

	// New models are added alongside the defaults.
	if got := calc.Calculate("my-local", 0, 1_000_000); !almostEqual(got, 0.02) {
		t.Errorf("my-local output cost = %v, want 0.02", got)
	}
	if got := calc.Calculate("gpt-4o-mini", 1_000_000, 0); !almostEqual(got, 0.15) {
		t.Errorf("default gpt-4o-mini survived override = %v, want 0.15", got)
	}

	// The shared default table must stay untouched.
	if p := DefaultPricing["gpt-4o"]; p.InputPerMillion != 2.50 {
		t.Errorf("DefaultPricing mutated: gpt-4o input = %v, want 2.50", p.InputPerMillion)
	}
}
