// Package chain builds and commits multi-step leveraged sequences.
// Each step opens a position in a distinct market; the whole sequence
// commits atomically or not at all.
package chain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"LeverEngine/internal/fixedpoint"
)

var (
	// ErrCycleDetected is returned when a market id repeats within one
	// chain. Repeats would let a chain lever the same pool against
	// itself without bound.
	ErrCycleDetected = errors.New("chain: market cycle detected")

	// ErrTooLong is returned for chains above MaxSteps.
	ErrTooLong = errors.New("chain: too many steps")

	// ErrTooShort is returned for chains below MinSteps; a single step
	// is just a plain position open.
	ErrTooShort = errors.New("chain: too few steps")

	// ErrNotBuilding is returned when appending to or abandoning a
	// chain that already left the Building state.
	ErrNotBuilding = errors.New("chain: not in building state")

	// ErrNotFound is returned for an unknown chain id.
	ErrNotFound = errors.New("chain: not found")
)

const (
	// MaxSteps bounds chain depth.
	MaxSteps = 10

	// MinSteps is the smallest committable chain.
	MinSteps = 2
)

// DefaultDiscount is the chain-discount factor applied to every
// step's marginal multiplier (0.1 = each added step contributes a
// tenth of its nominal leverage gain).
var DefaultDiscount = fixedpoint.MustParse("0.1")

// Status is the chain lifecycle state.
type Status int32

const (
	StatusBuilding Status = iota
	StatusValidating
	StatusCommitted
	StatusRolledBack
)

func (s Status) String() string {
	switch s {
	case StatusBuilding:
		return "Building"
	case StatusValidating:
		return "Validating"
	case StatusCommitted:
		return "Committed"
	case StatusRolledBack:
		return "RolledBack"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates chain status transitions. Committed and
// RolledBack are terminal.
func (s Status) CanTransitionTo(next Status) bool {
	valid := map[Status][]Status{
		StatusBuilding:   {StatusValidating},
		StatusValidating: {StatusCommitted, StatusRolledBack},
	}
	for _, allowed := range valid[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// Step is one leg of a chain: a directional leveraged open in one
// market.
type Step struct {
	MarketID  string
	Outcome   int
	Leverage  int64
	Direction int64 // +1 long, -1 short
}

// Chain is an ordered sequence of steps funded by one collateral
// amount. While Building the caller appends steps; Commit validates
// and opens every step position in order.
type Chain struct {
	ID         uuid.UUID
	Owner      uuid.UUID
	Collateral fixedpoint.FP
	Steps      []Step
	Status     Status

	// EffectiveLeverage is derived at commit time from the step
	// multipliers and the chain discount.
	EffectiveLeverage fixedpoint.FP

	// PositionIDs are the ledger positions opened by a committed
	// chain, in step order.
	PositionIDs []uuid.UUID

	CreatedAt time.Time
}

// New starts an empty chain in the Building state.
func New(owner uuid.UUID, collateral fixedpoint.FP) *Chain {
	return &Chain{
		ID:         uuid.New(),
		Owner:      owner,
		Collateral: collateral,
		Status:     StatusBuilding,
		CreatedAt:  time.Now().UTC(),
	}
}

// Append adds one step. Only valid while Building; the depth bound is
// enforced here as well as at validation so a builder fails fast.
func (c *Chain) Append(s Step) error {
	if c.Status != StatusBuilding {
		return fmt.Errorf("%w: %s is %s", ErrNotBuilding, c.ID, c.Status)
	}
	if len(c.Steps) >= MaxSteps {
		return fmt.Errorf("%w: %d steps (max %d)", ErrTooLong, len(c.Steps)+1, MaxSteps)
	}
	c.Steps = append(c.Steps, s)
	return nil
}

// MarketIDs returns the ordered market-id sequence.
func (c *Chain) MarketIDs() []string {
	ids := make([]string, len(c.Steps))
	for i, s := range c.Steps {
		ids[i] = s.MarketID
	}
	return ids
}

// validate checks depth bounds and runs the cycle pass: the market-id
// sequence must be a simple path. With at most MaxSteps entries a
// pairwise scan beats building a set.
func (c *Chain) validate() error {
	if len(c.Steps) > MaxSteps {
		return fmt.Errorf("%w: %d steps (max %d)", ErrTooLong, len(c.Steps), MaxSteps)
	}
	if len(c.Steps) < MinSteps {
		return fmt.Errorf("%w: %d steps (min %d)", ErrTooShort, len(c.Steps), MinSteps)
	}
	for i := range c.Steps {
		for j := 0; j < i; j++ {
			if c.Steps[i].MarketID == c.Steps[j].MarketID {
				return fmt.Errorf("%w: %s at steps %d and %d", ErrCycleDetected, c.Steps[i].MarketID, j, i)
			}
		}
	}
	return nil
}

// EffectiveLeverage computes the chain's aggregate leverage:
//
//	base^n * product(1 + (mult_i - 1) * discount)
//
// where base is the first step's leverage, n the step count, and
// mult_i the per-step multipliers. The discount shrinks the marginal
// gain of every added step.
func EffectiveLeverage(steps []Step, discount fixedpoint.FP) (fixedpoint.FP, error) {
	if len(steps) == 0 {
		return fixedpoint.Zero, nil
	}

	base, err := fixedpoint.FromInt(steps[0].Leverage)
	if err != nil {
		return 0, err
	}
	lev := fixedpoint.One
	for range steps {
		lev, err = lev.Mul(base)
		if err != nil {
			return 0, err
		}
	}

	for _, s := range steps {
		mult, err := fixedpoint.FromInt(s.Leverage)
		if err != nil {
			return 0, err
		}
		marginal, err := mult.Sub(fixedpoint.One)
		if err != nil {
			return 0, err
		}
		discounted, err := marginal.Mul(discount)
		if err != nil {
			return 0, err
		}
		factor, err := fixedpoint.One.Add(discounted)
		if err != nil {
			return 0, err
		}
		lev, err = lev.Mul(factor)
		if err != nil {
			return 0, err
		}
	}
	return lev, nil
}
