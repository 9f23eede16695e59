package amm_test

import (
	"errors"
	"math"
	"testing"

	"LeverEngine/internal/amm"
	"LeverEngine/internal/fixedpoint"
)

func TestInvertPrice_LMSR(t *testing.T) {
	s := newLMSR(t, 100, 2)
	target := fixedpoint.MustParse("0.6")

	size, err := amm.InvertPrice(s, 0, target)
	if err != nil {
		t.Fatalf("InvertPrice: %v", err)
	}
	if !size.IsPositive() {
		t.Fatalf("size %s, want positive for upward move", size)
	}

	q, err := s.Quote(0, size)
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	got, _ := q.Next.SpotPrice(0)

	diff := math.Abs(got.Float() - 0.6)
	if diff > 1e-6 {
		t.Errorf("solved size %s lands at price %s, want 0.6 within 1e-6", size, got)
	}
}

func TestInvertPrice_Downward(t *testing.T) {
	s := newLMSR(t, 100, 2)
	size, err := amm.InvertPrice(s, 0, fixedpoint.MustParse("0.4"))
	if err != nil {
		t.Fatalf("InvertPrice: %v", err)
	}
	if !size.IsNegative() {
		t.Errorf("size %s, want negative for downward move", size)
	}
}

func TestInvertPrice_AlreadyThere(t *testing.T) {
	s := newLMSR(t, 100, 2)
	size, err := amm.InvertPrice(s, 0, fixedpoint.MustParse("0.5"))
	if err != nil {
		t.Fatalf("InvertPrice: %v", err)
	}
	if !size.IsZero() {
		t.Errorf("size %s, want 0 when spot already equals target", size)
	}
}

func TestInvertPrice_TargetOutOfRange(t *testing.T) {
	s := newLMSR(t, 100, 2)
	for _, target := range []fixedpoint.FP{fixedpoint.Zero, fixedpoint.One, fixedpoint.MustFromInt(2)} {
		if _, err := amm.InvertPrice(s, 0, target); err == nil {
			t.Errorf("expected error for target %s", target)
		}
	}
}

func TestIntegrator_KnownIntegral(t *testing.T) {
	// ∫0..1 3x² dx = 1
	got, err := amm.DefaultIntegrator.Integrate(func(x float64) float64 {
		return 3 * x * x
	}, 0, 1)
	if err != nil {
		t.Fatalf("Integrate: %v", err)
	}
	if math.Abs(got-1) > 1e-6 {
		t.Errorf("integral = %g, want 1 within 1e-6", got)
	}
}

func TestIntegrator_NoConvergence(t *testing.T) {
	// Zero refinement budget and a tolerance nothing can satisfy.
	cfg := amm.IntegratorConfig{InitialSteps: 2, MaxDoublings: 0, RelTolerance: 0}
	_, err := cfg.Integrate(math.Sin, 0, 1)
	if !errors.Is(err, amm.ErrIntegrationDidNotConverge) {
		t.Errorf("got %v, want ErrIntegrationDidNotConverge", err)
	}
}

func TestIntegrator_BadInterval(t *testing.T) {
	if _, err := amm.DefaultIntegrator.Integrate(math.Sin, 1, 0); err == nil {
		t.Error("expected error for inverted interval")
	}
}
