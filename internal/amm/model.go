// Package amm implements the automated-market-maker pricing engine.
// Four pricing strategies share one interface: the logarithmic scoring
// rule, a polynomial constant-fee curve, a continuous-distribution
// model priced by numerical integration, and a hybrid blend of two
// models.
//
// Model state is a tagged variant: each strategy is a plain data struct
// plus pure functions, dispatched through the State interface. Trades
// never mutate state in place: Quote returns the successor state and
// the caller decides whether to commit it. A quote that violates the
// price invariant (every outcome price in (0,1), prices summing to 1
// within Epsilon) is rejected with ErrInvariantViolated and the prior
// state stands.
//
// All external values are fixedpoint.FP. The transcendental interior
// (exp, ln, erf) runs in float64 with the log-sum-exp stability trick
// and results are immediately re-fixed; see internal/fixedpoint.
package amm

import (
	"errors"
	"fmt"

	"LeverEngine/internal/fixedpoint"
)

var (
	// ErrPriceSolverDivergence is returned when the Newton-Raphson
	// inversion fails to converge within its iteration cap.
	ErrPriceSolverDivergence = errors.New("amm: price solver did not converge")

	// ErrIntegrationDidNotConverge is returned when Simpson integration
	// fails to reach the required relative error.
	ErrIntegrationDidNotConverge = errors.New("amm: integration did not converge")

	// ErrInvariantViolated is returned when a quote would leave outcome
	// prices outside (0,1) or summing away from 1. The trade is
	// rejected and state is unchanged.
	ErrInvariantViolated = errors.New("amm: price invariant violated")

	// ErrUnknownOutcome is returned for an outcome index outside the
	// market's outcome set.
	ErrUnknownOutcome = errors.New("amm: unknown outcome")

	// ErrInvalidTradeSize is returned for zero-size trades.
	ErrInvalidTradeSize = errors.New("amm: trade size must be non-zero")
)

// Epsilon is the tolerance for the prices-sum-to-one invariant.
var Epsilon = fixedpoint.MustParse("0.000001")

// Kind discriminates the pricing strategies.
type Kind int32

const (
	KindLMSR Kind = iota
	KindPMAMM
	KindContinuous
	KindHybrid
)

func (k Kind) String() string {
	switch k {
	case KindLMSR:
		return "lmsr"
	case KindPMAMM:
		return "pmamm"
	case KindContinuous:
		return "continuous"
	case KindHybrid:
		return "hybrid"
	default:
		return "unknown"
	}
}

// Quote is the result of pricing a prospective trade. Next is the
// successor state; the caller commits it only when the surrounding
// operation succeeds.
type Quote struct {
	// ExecPrice is the average execution price per share.
	ExecPrice fixedpoint.FP

	// Cost is the total cost to the trader (negative for sells).
	Cost fixedpoint.FP

	// Next is the AMM state after the trade.
	Next State
}

// State is the pricing interface shared by all strategies.
type State interface {
	// Kind returns the strategy discriminator.
	Kind() Kind

	// OutcomeCount returns the number of outcomes priced.
	OutcomeCount() int

	// SpotPrice returns the instantaneous price of one outcome.
	// Calling it twice without an intervening trade returns the
	// identical value.
	SpotPrice(outcome int) (fixedpoint.FP, error)

	// Prices returns all outcome prices.
	Prices() ([]fixedpoint.FP, error)

	// Quote prices a trade of size shares (positive buys, negative
	// sells) of the given outcome and returns the successor state.
	Quote(outcome int, size fixedpoint.FP) (Quote, error)

	// Clone returns a deep copy.
	Clone() State
}

// validatePrices enforces the post-trade invariant: every price
// strictly inside (0,1) and the sum within Epsilon of 1.
func validatePrices(prices []fixedpoint.FP) error {
	sum := fixedpoint.Zero
	for i, p := range prices {
		if !p.IsPositive() || p.Cmp(fixedpoint.One) >= 0 {
			return fmt.Errorf("%w: outcome %d price %s outside (0,1)", ErrInvariantViolated, i, p)
		}
		var err error
		sum, err = sum.Add(p)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvariantViolated, err)
		}
	}
	drift, err := sum.Sub(fixedpoint.One)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvariantViolated, err)
	}
	abs, err := drift.Abs()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvariantViolated, err)
	}
	if abs.Cmp(Epsilon) > 0 {
		return fmt.Errorf("%w: prices sum to %s", ErrInvariantViolated, sum)
	}
	return nil
}

// checkTrade validates common quote arguments.
func checkTrade(outcomes, outcome int, size fixedpoint.FP) error {
	if outcome < 0 || outcome >= outcomes {
		return fmt.Errorf("%w: index %d of %d", ErrUnknownOutcome, outcome, outcomes)
	}
	if size.IsZero() {
		return ErrInvalidTradeSize
	}
	return nil
}

// execPrice derives the average per-share price from total cost.
func execPrice(cost, size fixedpoint.FP) (fixedpoint.FP, error) {
	p, err := cost.Div(size)
	if err != nil {
		return 0, err
	}
	return p.Abs()
}
