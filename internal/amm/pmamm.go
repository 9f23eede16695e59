package amm

import (
	"errors"
	"fmt"

	"LeverEngine/internal/fixedpoint"
)

// ErrInvalidCurve is returned when PM-AMM curve coefficients cannot
// produce positive outcome weights.
var ErrInvalidCurve = errors.New("amm: polynomial curve coefficients invalid")

// DefaultPMAMMFee is the fixed 5% constant fee applied by the
// polynomial curve model.
var DefaultPMAMMFee = fixedpoint.MustParse("0.05")

// PMAMM is the polynomial-market curve model. Each outcome carries a
// weight evaluated closed-form from the curve coefficients:
//
//	w_i = c_0 + c_1*q_i + c_2*q_i^2 + ...
//	p_i = w_i / Σ w_j
//
// Trades pay a fixed constant fee on top of the curve cost. No
// iterative solve is needed: pricing is pure polynomial evaluation.
type PMAMM struct {
	// Coeffs are the curve coefficients, constant term first. The
	// constant term must be positive so an empty market has uniform
	// positive prices.
	Coeffs []fixedpoint.FP

	// Q holds per-outcome share quantities.
	Q []fixedpoint.FP

	// Fee is the constant fee fraction (0.05 = 5%).
	Fee fixedpoint.FP
}

// NewPMAMM creates a polynomial curve state with n outcomes and the
// default 5% fee.
func NewPMAMM(coeffs []fixedpoint.FP, n int) (*PMAMM, error) {
	if len(coeffs) == 0 || !coeffs[0].IsPositive() {
		return nil, ErrInvalidCurve
	}
	if n < 2 {
		return nil, fmt.Errorf("amm: need at least 2 outcomes, got %d", n)
	}
	c := make([]fixedpoint.FP, len(coeffs))
	copy(c, coeffs)
	return &PMAMM{Coeffs: c, Q: make([]fixedpoint.FP, n), Fee: DefaultPMAMMFee}, nil
}

func (s *PMAMM) Kind() Kind        { return KindPMAMM }
func (s *PMAMM) OutcomeCount() int { return len(s.Q) }

func (s *PMAMM) Clone() State {
	c := make([]fixedpoint.FP, len(s.Coeffs))
	copy(c, s.Coeffs)
	q := make([]fixedpoint.FP, len(s.Q))
	copy(q, s.Q)
	return &PMAMM{Coeffs: c, Q: q, Fee: s.Fee}
}

// weight evaluates the curve polynomial at q via Horner's rule.
func (s *PMAMM) weight(q fixedpoint.FP) (fixedpoint.FP, error) {
	acc := fixedpoint.Zero
	for i := len(s.Coeffs) - 1; i >= 0; i-- {
		prod, err := acc.Mul(q)
		if err != nil {
			return 0, err
		}
		acc, err = prod.Add(s.Coeffs[i])
		if err != nil {
			return 0, err
		}
	}
	return acc, nil
}

// pricesFor normalizes curve weights for the given quantities.
func (s *PMAMM) pricesFor(q []fixedpoint.FP) ([]fixedpoint.FP, error) {
	weights := make([]fixedpoint.FP, len(q))
	total := fixedpoint.Zero
	for i, qi := range q {
		w, err := s.weight(qi)
		if err != nil {
			return nil, err
		}
		if !w.IsPositive() {
			return nil, fmt.Errorf("%w: weight %s for outcome %d", ErrInvalidCurve, w, i)
		}
		weights[i] = w
		total, err = total.Add(w)
		if err != nil {
			return nil, err
		}
	}
	prices := make([]fixedpoint.FP, len(q))
	for i, w := range weights {
		p, err := w.Div(total)
		if err != nil {
			return nil, err
		}
		prices[i] = p
	}
	return prices, nil
}

func (s *PMAMM) Prices() ([]fixedpoint.FP, error) {
	return s.pricesFor(s.Q)
}

func (s *PMAMM) SpotPrice(outcome int) (fixedpoint.FP, error) {
	if outcome < 0 || outcome >= len(s.Q) {
		return 0, fmt.Errorf("%w: index %d of %d", ErrUnknownOutcome, outcome, len(s.Q))
	}
	prices, err := s.Prices()
	if err != nil {
		return 0, err
	}
	return prices[outcome], nil
}

// Quote prices a trade at the trapezoid average of the spot price
// before and after, plus the constant fee. Fees always work against
// the trader: buys pay cost*(1+fee), sells receive proceeds*(1-fee).
func (s *PMAMM) Quote(outcome int, size fixedpoint.FP) (Quote, error) {
	if err := checkTrade(len(s.Q), outcome, size); err != nil {
		return Quote{}, err
	}

	before, err := s.SpotPrice(outcome)
	if err != nil {
		return Quote{}, err
	}

	next := s.Clone().(*PMAMM)
	newQty, err := next.Q[outcome].Add(size)
	if err != nil {
		return Quote{}, err
	}
	next.Q[outcome] = newQty

	prices, err := next.Prices()
	if err != nil {
		return Quote{}, err
	}
	if err := validatePrices(prices); err != nil {
		return Quote{}, err
	}
	after := prices[outcome]

	// Curve cost: average price over the move times size.
	sum, err := before.Add(after)
	if err != nil {
		return Quote{}, err
	}
	avg, err := sum.DivInt(2)
	if err != nil {
		return Quote{}, err
	}
	cost, err := avg.Mul(size)
	if err != nil {
		return Quote{}, err
	}

	// Constant fee against the trader.
	fee, err := cost.Mul(s.Fee)
	if err != nil {
		return Quote{}, err
	}
	feeAbs, err := fee.Abs()
	if err != nil {
		return Quote{}, err
	}
	// Adding the absolute fee always moves against the trader: it
	// raises a buy's cost and shrinks a sell's negative proceeds.
	cost, err = cost.Add(feeAbs)
	if err != nil {
		return Quote{}, err
	}

	price, err := execPrice(cost, size)
	if err != nil {
		return Quote{}, err
	}

	return Quote{ExecPrice: price, Cost: cost, Next: next}, nil
}
