// Package oracle validates trusted-but-checked external inputs: the
// reference prices that seed circuit-breaker thresholds and the
// resolution outcomes that settle markets.
package oracle

import (
	"errors"
	"fmt"
	"time"

	"LeverEngine/internal/fixedpoint"
)

var (
	// ErrPriceOutOfRange is returned for reference prices outside the
	// sane share-price band.
	ErrPriceOutOfRange = errors.New("oracle: reference price out of range")

	// ErrInvalidOutcome is returned for a resolution outcome index
	// outside the market's outcome set.
	ErrInvalidOutcome = errors.New("oracle: invalid resolution outcome")

	// ErrStale is returned when a reference reading is older than the
	// configured tolerance.
	ErrStale = errors.New("oracle: stale reading")
)

// Validator bounds-checks oracle input before it reaches risk or
// resolution logic. Outcome shares price in (0,1), so anything at or
// past the bounds is a feed fault, not a market state.
type Validator struct {
	// MaxAge rejects readings older than this. Zero disables the
	// staleness check.
	MaxAge time.Duration
}

// Reading is one reference price observation.
type Reading struct {
	MarketID string
	Outcome  int
	Price    fixedpoint.FP
	At       time.Time
}

// ValidateReference checks a reading before it may seed breaker
// thresholds.
func (v Validator) ValidateReference(r Reading, now time.Time) error {
	if !r.Price.IsPositive() || r.Price.Cmp(fixedpoint.One) >= 0 {
		return fmt.Errorf("%w: %s on %s", ErrPriceOutOfRange, r.Price, r.MarketID)
	}
	if v.MaxAge > 0 && now.Sub(r.At) > v.MaxAge {
		return fmt.Errorf("%w: %s reading from %s", ErrStale, r.MarketID, r.At.Format(time.RFC3339))
	}
	return nil
}

// Resolution is an oracle-supplied market settlement.
type Resolution struct {
	MarketID string
	Outcome  int
	At       time.Time
}

// ValidateResolution checks a settlement against the market's outcome
// count.
func ValidateResolution(res Resolution, outcomeCount int) error {
	if res.Outcome < 0 || res.Outcome >= outcomeCount {
		return fmt.Errorf("%w: outcome %d of %d on %s", ErrInvalidOutcome, res.Outcome, outcomeCount, res.MarketID)
	}
	return nil
}
