package amm_test

import (
	"testing"

	"LeverEngine/internal/amm"
	"LeverEngine/internal/fixedpoint"
)

func newLMSR(t *testing.T, b int64, n int) *amm.LMSR {
	t.Helper()
	s, err := amm.NewLMSR(fixedpoint.MustFromInt(b), n)
	if err != nil {
		t.Fatalf("NewLMSR: %v", err)
	}
	return s
}

func newPMAMM(t *testing.T, n int) *amm.PMAMM {
	t.Helper()
	coeffs := []fixedpoint.FP{fixedpoint.MustFromInt(10), fixedpoint.MustParse("0.5")}
	s, err := amm.NewPMAMM(coeffs, n)
	if err != nil {
		t.Fatalf("NewPMAMM: %v", err)
	}
	return s
}

func newContinuous(t *testing.T, n int) *amm.Continuous {
	t.Helper()
	s, err := amm.NewContinuous(
		fixedpoint.MustParse("0.5"),
		fixedpoint.MustParse("0.25"),
		fixedpoint.MustFromInt(100),
		n,
	)
	if err != nil {
		t.Fatalf("NewContinuous: %v", err)
	}
	return s
}

func newHybrid(t *testing.T, n int) *amm.Hybrid {
	t.Helper()
	s, err := amm.NewHybrid(newLMSR(t, 100, n), newPMAMM(t, n), fixedpoint.MustParse("0.5"))
	if err != nil {
		t.Fatalf("NewHybrid: %v", err)
	}
	return s
}

// checkInvariant asserts prices are each in (0,1) and sum to 1 within
// the engine epsilon.
func checkInvariant(t *testing.T, s amm.State) {
	t.Helper()
	prices, err := s.Prices()
	if err != nil {
		t.Fatalf("Prices: %v", err)
	}
	sum := fixedpoint.Zero
	for i, p := range prices {
		if !p.IsPositive() || p.Cmp(fixedpoint.One) >= 0 {
			t.Errorf("outcome %d price %s outside (0,1)", i, p)
		}
		sum, err = sum.Add(p)
		if err != nil {
			t.Fatalf("sum: %v", err)
		}
	}
	drift, _ := sum.Sub(fixedpoint.One)
	abs, _ := drift.Abs()
	if abs.Cmp(amm.Epsilon) > 0 {
		t.Errorf("prices sum to %s, want 1 within epsilon", sum)
	}
}

func allStates(t *testing.T) map[string]amm.State {
	return map[string]amm.State{
		"lmsr":       newLMSR(t, 100, 2),
		"pmamm":      newPMAMM(t, 2),
		"continuous": newContinuous(t, 4),
		"hybrid":     newHybrid(t, 2),
	}
}

func TestInvariant_AfterQuotes(t *testing.T) {
	for name, s := range allStates(t) {
		t.Run(name, func(t *testing.T) {
			checkInvariant(t, s)
			q, err := s.Quote(0, fixedpoint.MustFromInt(10))
			if err != nil {
				t.Fatalf("Quote: %v", err)
			}
			checkInvariant(t, q.Next)

			// Sell on the successor.
			q2, err := q.Next.Quote(0, fixedpoint.MustFromInt(-5))
			if err != nil {
				t.Fatalf("sell Quote: %v", err)
			}
			checkInvariant(t, q2.Next)
		})
	}
}

func TestSpotPrice_Idempotent(t *testing.T) {
	for name, s := range allStates(t) {
		t.Run(name, func(t *testing.T) {
			first, err := s.SpotPrice(0)
			if err != nil {
				t.Fatalf("SpotPrice: %v", err)
			}
			second, err := s.SpotPrice(0)
			if err != nil {
				t.Fatalf("SpotPrice: %v", err)
			}
			if first != second {
				t.Errorf("spot price changed without a trade: %s then %s", first, second)
			}
		})
	}
}

func TestLMSR_BuyMovesPrice(t *testing.T) {
	// Market with b=100 and two outcomes starts at 0.5/0.5. Buying 10
	// shares of outcome A must move A above 0.5 and B below 0.5.
	s := newLMSR(t, 100, 2)

	pA, err := s.SpotPrice(0)
	if err != nil {
		t.Fatalf("SpotPrice: %v", err)
	}
	half := fixedpoint.MustParse("0.5")
	if pA != half {
		t.Fatalf("initial price %s, want 0.5", pA)
	}

	q, err := s.Quote(0, fixedpoint.MustFromInt(10))
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}

	newA, _ := q.Next.SpotPrice(0)
	newB, _ := q.Next.SpotPrice(1)
	if newA.Cmp(half) <= 0 {
		t.Errorf("price of A after buy = %s, want > 0.5", newA)
	}
	if newB.Cmp(half) >= 0 {
		t.Errorf("price of B after buy = %s, want < 0.5", newB)
	}
	checkInvariant(t, q.Next)

	// Buying must cost more than zero and execute above nothing.
	if !q.Cost.IsPositive() {
		t.Errorf("buy cost %s, want positive", q.Cost)
	}
	if !q.ExecPrice.IsPositive() {
		t.Errorf("exec price %s, want positive", q.ExecPrice)
	}
}

func TestLMSR_QuoteDoesNotMutate(t *testing.T) {
	s := newLMSR(t, 100, 2)
	before, _ := s.SpotPrice(0)

	if _, err := s.Quote(0, fixedpoint.MustFromInt(25)); err != nil {
		t.Fatalf("Quote: %v", err)
	}

	after, _ := s.SpotPrice(0)
	if before != after {
		t.Errorf("Quote mutated state: %s -> %s", before, after)
	}
}

func TestLMSR_InvalidLiquidity(t *testing.T) {
	if _, err := amm.NewLMSR(fixedpoint.Zero, 2); err != amm.ErrInvalidLiquidity {
		t.Errorf("got %v, want ErrInvalidLiquidity", err)
	}
}

func TestQuote_UnknownOutcome(t *testing.T) {
	for name, s := range allStates(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Quote(99, fixedpoint.One)
			if err == nil {
				t.Error("expected error for unknown outcome")
			}
		})
	}
}

func TestQuote_ZeroSize(t *testing.T) {
	s := newLMSR(t, 100, 2)
	if _, err := s.Quote(0, fixedpoint.Zero); err != amm.ErrInvalidTradeSize {
		t.Errorf("got %v, want ErrInvalidTradeSize", err)
	}
}

func TestPMAMM_FeeMakesRoundTripCostly(t *testing.T) {
	s := newPMAMM(t, 2)
	size := fixedpoint.MustFromInt(10)

	buy, err := s.Quote(0, size)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	negSize, _ := size.Neg()
	sell, err := buy.Next.Quote(0, negSize)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}

	// Buy cost plus sell proceeds (negative) must be a net loss: the 5%
	// constant fee is charged both ways.
	net, err := buy.Cost.Add(sell.Cost)
	if err != nil {
		t.Fatalf("net: %v", err)
	}
	if !net.IsPositive() {
		t.Errorf("round trip net %s, want positive (fees retained)", net)
	}
}

func TestContinuous_TradeShiftsMass(t *testing.T) {
	s := newContinuous(t, 4)

	before, err := s.SpotPrice(3)
	if err != nil {
		t.Fatalf("SpotPrice: %v", err)
	}

	q, err := s.Quote(3, fixedpoint.MustFromInt(50))
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	after, err := q.Next.SpotPrice(3)
	if err != nil {
		t.Fatalf("SpotPrice: %v", err)
	}

	if after.Cmp(before) <= 0 {
		t.Errorf("buying bin 3 did not raise its price: %s -> %s", before, after)
	}
	checkInvariant(t, q.Next)
}

func TestHybrid_WeightBounds(t *testing.T) {
	_, err := amm.NewHybrid(newLMSR(t, 100, 2), newPMAMM(t, 2), fixedpoint.MustParse("1.5"))
	if err == nil {
		t.Error("expected error for weight > 1")
	}
}

func TestHybrid_OutcomeMismatch(t *testing.T) {
	_, err := amm.NewHybrid(newLMSR(t, 100, 2), newPMAMM(t, 3), fixedpoint.MustParse("0.5"))
	if err != amm.ErrHybridMismatch {
		t.Errorf("got %v, want ErrHybridMismatch", err)
	}
}

func TestHybrid_Rebalance(t *testing.T) {
	h := newHybrid(t, 2)

	if err := h.RebalanceWeight(fixedpoint.MustFromInt(300), fixedpoint.MustFromInt(100)); err != nil {
		t.Fatalf("RebalanceWeight: %v", err)
	}
	if h.Weight != fixedpoint.MustParse("0.75") {
		t.Errorf("weight = %s, want 0.75", h.Weight)
	}

	// Zero volume leaves the weight alone.
	if err := h.RebalanceWeight(fixedpoint.Zero, fixedpoint.Zero); err != nil {
		t.Fatalf("RebalanceWeight: %v", err)
	}
	if h.Weight != fixedpoint.MustParse("0.75") {
		t.Errorf("zero-volume rebalance moved weight to %s", h.Weight)
	}
}
