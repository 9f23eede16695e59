package amm

import (
	"errors"
	"fmt"
	"math"

	"LeverEngine/internal/fixedpoint"
)

// ErrInvalidLiquidity is returned when the LMSR liquidity parameter b
// is not positive.
var ErrInvalidLiquidity = errors.New("amm: liquidity parameter b must be positive")

// LMSR is the logarithmic market scoring rule:
//
//	C(q) = b * ln(Σ exp(q_i / b))
//	p_i  = exp(q_i / b) / Σ exp(q_j / b)
//
// Higher b means more liquidity and lower price impact per trade.
// The market maker's maximum loss is bounded by b * ln(n).
type LMSR struct {
	// B is the liquidity parameter.
	B fixedpoint.FP

	// Q holds per-outcome share quantities.
	Q []fixedpoint.FP
}

// NewLMSR creates an LMSR state with n outcomes, all quantities zero
// (uniform prices 1/n).
func NewLMSR(b fixedpoint.FP, n int) (*LMSR, error) {
	if !b.IsPositive() {
		return nil, ErrInvalidLiquidity
	}
	if n < 2 {
		return nil, fmt.Errorf("amm: need at least 2 outcomes, got %d", n)
	}
	return &LMSR{B: b, Q: make([]fixedpoint.FP, n)}, nil
}

func (s *LMSR) Kind() Kind        { return KindLMSR }
func (s *LMSR) OutcomeCount() int { return len(s.Q) }

func (s *LMSR) Clone() State {
	q := make([]fixedpoint.FP, len(s.Q))
	copy(q, s.Q)
	return &LMSR{B: s.B, Q: q}
}

// logSumExp computes ln(Σ exp(x_i)) with max-subtraction so exp never
// overflows float64.
func logSumExp(xs []float64) float64 {
	maxVal := math.Inf(-1)
	for _, x := range xs {
		if x > maxVal {
			maxVal = x
		}
	}
	if math.IsInf(maxVal, -1) {
		return math.Inf(-1)
	}
	var sum float64
	for _, x := range xs {
		sum += math.Exp(x - maxVal)
	}
	return maxVal + math.Log(sum)
}

// cost evaluates C(q) in float64.
func (s *LMSR) cost(q []fixedpoint.FP) float64 {
	b := s.B.Float()
	scaled := make([]float64, len(q))
	for i, qi := range q {
		scaled[i] = qi.Float() / b
	}
	return b * logSumExp(scaled)
}

// softmax returns the price vector for quantities q.
func (s *LMSR) softmax(q []fixedpoint.FP) ([]fixedpoint.FP, error) {
	b := s.B.Float()
	maxVal := math.Inf(-1)
	scaled := make([]float64, len(q))
	for i, qi := range q {
		scaled[i] = qi.Float() / b
		if scaled[i] > maxVal {
			maxVal = scaled[i]
		}
	}
	var denom float64
	exps := make([]float64, len(q))
	for i, x := range scaled {
		exps[i] = math.Exp(x - maxVal)
		denom += exps[i]
	}
	prices := make([]fixedpoint.FP, len(q))
	for i, e := range exps {
		p, err := fixedpoint.FromFloat(e / denom)
		if err != nil {
			return nil, err
		}
		prices[i] = p
	}
	return prices, nil
}

func (s *LMSR) Prices() ([]fixedpoint.FP, error) {
	return s.softmax(s.Q)
}

func (s *LMSR) SpotPrice(outcome int) (fixedpoint.FP, error) {
	if outcome < 0 || outcome >= len(s.Q) {
		return 0, fmt.Errorf("%w: index %d of %d", ErrUnknownOutcome, outcome, len(s.Q))
	}
	prices, err := s.Prices()
	if err != nil {
		return 0, err
	}
	return prices[outcome], nil
}

// Quote prices a trade closed-form: cost = C(q') - C(q).
func (s *LMSR) Quote(outcome int, size fixedpoint.FP) (Quote, error) {
	if err := checkTrade(len(s.Q), outcome, size); err != nil {
		return Quote{}, err
	}

	next := s.Clone().(*LMSR)
	newQty, err := next.Q[outcome].Add(size)
	if err != nil {
		return Quote{}, err
	}
	next.Q[outcome] = newQty

	cost, err := fixedpoint.FromFloat(next.cost(next.Q) - s.cost(s.Q))
	if err != nil {
		return Quote{}, err
	}

	prices, err := next.Prices()
	if err != nil {
		return Quote{}, err
	}
	if err := validatePrices(prices); err != nil {
		return Quote{}, err
	}

	price, err := execPrice(cost, size)
	if err != nil {
		return Quote{}, err
	}

	return Quote{ExecPrice: price, Cost: cost, Next: next}, nil
}

// MaxLoss returns the market maker's bounded loss b * ln(n).
func (s *LMSR) MaxLoss() (fixedpoint.FP, error) {
	return fixedpoint.FromFloat(s.B.Float() * math.Log(float64(len(s.Q))))
}
