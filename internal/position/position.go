// Package position implements the position ledger: open leveraged
// positions, margin accounting, funding accrual, and PnL on close.
package position

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"LeverEngine/internal/fixedpoint"
)

var (
	// ErrLeverageExceedsCap is returned when requested leverage is not
	// a supported tier or exceeds the market's cap.
	ErrLeverageExceedsCap = errors.New("position: leverage exceeds cap")

	// ErrInsufficientCollateral is returned for non-positive collateral.
	ErrInsufficientCollateral = errors.New("position: insufficient collateral")

	// ErrNotFound is returned for an unknown position id.
	ErrNotFound = errors.New("position: not found")

	// ErrNotOpen is returned when mutating a closed or liquidated
	// position.
	ErrNotOpen = errors.New("position: not open")

	// ErrInvalidFraction is returned for close fractions outside (0,1].
	ErrInvalidFraction = errors.New("position: close fraction must be in (0,1]")
)

// LeverageTiers are the discrete supported multipliers, 1x through 500x.
var LeverageTiers = []int64{1, 2, 5, 10, 20, 50, 100, 200, 500}

// ValidTier reports whether leverage is a supported tier at or below cap.
func ValidTier(leverage, cap int64) bool {
	if leverage > cap {
		return false
	}
	for _, t := range LeverageTiers {
		if leverage == t {
			return true
		}
	}
	return false
}

// Status is the position lifecycle state.
type Status int32

const (
	StatusOpen Status = iota
	StatusPartiallyClosed
	StatusClosed
	StatusLiquidated
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "Open"
	case StatusPartiallyClosed:
		return "PartiallyClosed"
	case StatusClosed:
		return "Closed"
	case StatusLiquidated:
		return "Liquidated"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates status transitions. Closed and Liquidated
// are terminal.
func (s Status) CanTransitionTo(next Status) bool {
	valid := map[Status][]Status{
		StatusOpen:            {StatusPartiallyClosed, StatusClosed, StatusLiquidated},
		StatusPartiallyClosed: {StatusPartiallyClosed, StatusClosed, StatusLiquidated},
	}
	for _, allowed := range valid[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// Position is one trader's directional exposure in a market. Size is
// signed: positive long, negative short.
type Position struct {
	ID       uuid.UUID
	Owner    uuid.UUID
	MarketID string
	Outcome  int

	Size       fixedpoint.FP
	Leverage   int64
	EntryPrice fixedpoint.FP
	Collateral fixedpoint.FP

	// EntryFundingIndex is the market funding accumulator at entry (or
	// last settlement). Positions pay/receive size * (current - entry).
	EntryFundingIndex fixedpoint.FP

	// FundingPaid accumulates settled funding (positive = paid).
	FundingPaid fixedpoint.FP

	// LiquidationPrice is derived from entry price, leverage, and the
	// maintenance buffer; re-derived on partial close.
	LiquidationPrice fixedpoint.FP

	// Pledged marks collateral that was re-staked from another
	// position rather than debited from the owner's custody account.
	// Closing a pledged position releases value back into the stake
	// that funded it, never into custody.
	Pledged bool

	Status   Status
	OpenedAt time.Time
	Version  int64
}

// Direction returns +1 for long, -1 for short, 0 for flat.
func (p *Position) Direction() int64 {
	switch {
	case p.Size.IsPositive():
		return 1
	case p.Size.IsNegative():
		return -1
	default:
		return 0
	}
}

// IsOpen reports whether the position still has live exposure.
func (p *Position) IsOpen() bool {
	return p.Status == StatusOpen || p.Status == StatusPartiallyClosed
}

// AbsSize returns |size|.
func (p *Position) AbsSize() (fixedpoint.FP, error) {
	return p.Size.Abs()
}

// Notional returns |size| * price.
func (p *Position) Notional(price fixedpoint.FP) (fixedpoint.FP, error) {
	abs, err := p.Size.Abs()
	if err != nil {
		return 0, err
	}
	return abs.Mul(price)
}

// Equity returns collateral plus unrealized PnL at the mark price,
// minus unsettled funding.
func (p *Position) Equity(markPrice, fundingIndex fixedpoint.FP) (fixedpoint.FP, error) {
	move, err := markPrice.Sub(p.EntryPrice)
	if err != nil {
		return 0, err
	}
	unrealized, err := move.Mul(p.Size)
	if err != nil {
		return 0, err
	}
	funding, err := p.fundingOwed(fundingIndex, p.Size)
	if err != nil {
		return 0, err
	}
	eq, err := p.Collateral.Add(unrealized)
	if err != nil {
		return 0, err
	}
	return eq.Sub(funding)
}

// fundingOwed computes size * (currentIndex - entryIndex). Positive
// means the position pays.
func (p *Position) fundingOwed(currentIndex, size fixedpoint.FP) (fixedpoint.FP, error) {
	delta, err := currentIndex.Sub(p.EntryFundingIndex)
	if err != nil {
		return 0, err
	}
	return delta.Mul(size)
}

// HealthRatio returns equity / maintenance-margin-requirement at the
// mark price. Below 1.0 the position is liquidation-eligible.
func (p *Position) HealthRatio(markPrice, fundingIndex, mmFraction fixedpoint.FP) (fixedpoint.FP, error) {
	equity, err := p.Equity(markPrice, fundingIndex)
	if err != nil {
		return 0, err
	}
	notional, err := p.Notional(markPrice)
	if err != nil {
		return 0, err
	}
	maintenance, err := notional.Mul(mmFraction)
	if err != nil {
		return 0, err
	}
	if maintenance.IsZero() {
		// No exposure: treat as maximally healthy.
		return fixedpoint.FromRaw(int64(^uint64(0) >> 1)), nil
	}
	if equity.IsNegative() {
		return fixedpoint.Zero, nil
	}
	return equity.Div(maintenance)
}

// deriveLiquidationPrice computes the entry price adjusted by
// 1/leverage in the adverse direction, minus the maintenance buffer:
//
//	long:  entry * (1 - 1/L + mm)
//	short: entry * (1 + 1/L - mm)
//
// The result is clamped to non-negative.
func deriveLiquidationPrice(entry fixedpoint.FP, leverage, direction int64, mmFraction fixedpoint.FP) (fixedpoint.FP, error) {
	invLev, err := fixedpoint.One.DivInt(leverage)
	if err != nil {
		return 0, err
	}
	var adj fixedpoint.FP
	if direction > 0 {
		shift, err := invLev.Sub(mmFraction)
		if err != nil {
			return 0, err
		}
		adj, err = fixedpoint.One.Sub(shift)
		if err != nil {
			return 0, err
		}
	} else {
		shift, err := invLev.Sub(mmFraction)
		if err != nil {
			return 0, err
		}
		adj, err = fixedpoint.One.Add(shift)
		if err != nil {
			return 0, err
		}
	}
	liq, err := entry.Mul(adj)
	if err != nil {
		return 0, err
	}
	if liq.IsNegative() {
		liq = fixedpoint.Zero
	}
	return liq, nil
}

// rederiveLiquidation updates the stored liquidation price from current
// fields; used after partial closes.
func (p *Position) rederiveLiquidation(mmFraction fixedpoint.FP) error {
	liq, err := deriveLiquidationPrice(p.EntryPrice, p.Leverage, p.Direction(), mmFraction)
	if err != nil {
		return fmt.Errorf("position %s: %w", p.ID, err)
	}
	p.LiquidationPrice = liq
	return nil
}
