package position

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"LeverEngine/internal/fixedpoint"
)

// Params configures margin and fee accounting.
type Params struct {
	// MaintenanceMarginFraction is the maintenance requirement as a
	// fraction of notional (e.g. 0.05).
	MaintenanceMarginFraction fixedpoint.FP

	// FeeRate is the taker fee charged on close notional.
	FeeRate fixedpoint.FP

	// MaxLeverage caps the leverage tier ledger-wide; individual
	// markets may cap lower via the cap argument to Open.
	MaxLeverage int64
}

// DefaultParams mirror typical production settings: 5% maintenance,
// 0.1% taker fee, 500x ceiling.
func DefaultParams() Params {
	return Params{
		MaintenanceMarginFraction: fixedpoint.MustParse("0.05"),
		FeeRate:                   fixedpoint.MustParse("0.001"),
		MaxLeverage:               500,
	}
}

// PnL is the outcome of closing (part of) a position.
type PnL struct {
	// Realized is price PnL minus funding and fees.
	Realized fixedpoint.FP

	// Funding is the funding settled at close (positive = paid).
	Funding fixedpoint.FP

	// Fees is the close fee charged.
	Fees fixedpoint.FP

	// CollateralReturned is the collateral released to the owner,
	// including realized PnL. Never negative: a wipeout returns zero
	// and reports the deficit in Shortfall.
	CollateralReturned fixedpoint.FP

	// Shortfall is the uncovered deficit when realized losses exceed
	// posted collateral. Zero for solvent closes.
	Shortfall fixedpoint.FP
}

// Ledger tracks every trader's open positions. It is safe for
// concurrent use; per-market write serialization is the caller's
// responsibility (the engine holds the market lock around open/close).
type Ledger struct {
	mu        sync.RWMutex
	params    Params
	positions map[uuid.UUID]*Position
	byOwner   map[uuid.UUID]map[uuid.UUID]struct{}
	byMarket  map[string]map[uuid.UUID]struct{}
}

func NewLedger(params Params) *Ledger {
	return &Ledger{
		params:    params,
		positions: make(map[uuid.UUID]*Position),
		byOwner:   make(map[uuid.UUID]map[uuid.UUID]struct{}),
		byMarket:  make(map[string]map[uuid.UUID]struct{}),
	}
}

// Params returns the ledger's accounting parameters.
func (l *Ledger) Params() Params {
	return l.params
}

// OpenRequest carries everything needed to open a position. EntryPrice
// comes from the AMM quote executed by the engine; FundingIndex is the
// market accumulator at open time.
type OpenRequest struct {
	Owner        uuid.UUID
	MarketID     string
	Outcome      int
	Collateral   fixedpoint.FP
	Leverage     int64
	LeverageCap  int64
	EntryPrice   fixedpoint.FP
	FundingIndex fixedpoint.FP
	Direction    int64 // +1 long, -1 short
	Timestamp    time.Time

	// Pledged marks collateral re-staked from another position rather
	// than held in custody.
	Pledged bool
}

// Open creates a position. Size = collateral * leverage / entry price,
// signed by direction.
func (l *Ledger) Open(req OpenRequest) (*Position, error) {
	tierCap := req.LeverageCap
	if tierCap == 0 || tierCap > l.params.MaxLeverage {
		tierCap = l.params.MaxLeverage
	}
	if !ValidTier(req.Leverage, tierCap) {
		return nil, fmt.Errorf("%w: %dx (cap %dx)", ErrLeverageExceedsCap, req.Leverage, tierCap)
	}
	if !req.Collateral.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInsufficientCollateral, req.Collateral)
	}
	if !req.EntryPrice.IsPositive() {
		return nil, fmt.Errorf("position: entry price %s must be positive", req.EntryPrice)
	}
	if req.Direction != 1 && req.Direction != -1 {
		return nil, fmt.Errorf("position: direction must be +1 or -1, got %d", req.Direction)
	}

	exposure, err := req.Collateral.MulInt(req.Leverage)
	if err != nil {
		return nil, err
	}
	size, err := exposure.Div(req.EntryPrice)
	if err != nil {
		return nil, err
	}
	if req.Direction < 0 {
		size, err = size.Neg()
		if err != nil {
			return nil, err
		}
	}

	liq, err := deriveLiquidationPrice(req.EntryPrice, req.Leverage, req.Direction, l.params.MaintenanceMarginFraction)
	if err != nil {
		return nil, err
	}

	p := &Position{
		ID:                uuid.New(),
		Owner:             req.Owner,
		MarketID:          req.MarketID,
		Outcome:           req.Outcome,
		Size:              size,
		Leverage:          req.Leverage,
		EntryPrice:        req.EntryPrice,
		Collateral:        req.Collateral,
		EntryFundingIndex: req.FundingIndex,
		LiquidationPrice:  liq,
		Pledged:           req.Pledged,
		Status:            StatusOpen,
		OpenedAt:          req.Timestamp,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.positions[p.ID] = p
	if l.byOwner[p.Owner] == nil {
		l.byOwner[p.Owner] = make(map[uuid.UUID]struct{})
	}
	l.byOwner[p.Owner][p.ID] = struct{}{}
	if l.byMarket[p.MarketID] == nil {
		l.byMarket[p.MarketID] = make(map[uuid.UUID]struct{})
	}
	l.byMarket[p.MarketID][p.ID] = struct{}{}

	return p, nil
}

// Close realizes PnL on a fraction of the position at exitPrice:
//
//	pnl = (exit - entry) * closedSize - funding - fees
//
// Partial closes shrink size and collateral proportionally and
// re-derive the liquidation price for the remainder.
func (l *Ledger) Close(id uuid.UUID, fraction, exitPrice, fundingIndex fixedpoint.FP) (PnL, error) {
	if !fraction.IsPositive() || fraction.Cmp(fixedpoint.One) > 0 {
		return PnL{}, fmt.Errorf("%w: %s", ErrInvalidFraction, fraction)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[id]
	if !ok {
		return PnL{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !p.IsOpen() {
		return PnL{}, fmt.Errorf("%w: %s is %s", ErrNotOpen, id, p.Status)
	}

	return l.closeLocked(p, fraction, exitPrice, fundingIndex, fixedpoint.Zero, StatusClosed)
}

// closeLocked performs the accounting shared by Close and Liquidate.
// penalty is an additional charge against returned collateral;
// terminal is the status applied on a full close.
func (l *Ledger) closeLocked(p *Position, fraction, exitPrice, fundingIndex, penalty fixedpoint.FP, terminal Status) (PnL, error) {
	closedSize, err := p.Size.Mul(fraction)
	if err != nil {
		return PnL{}, err
	}
	closedCollateral, err := p.Collateral.Mul(fraction)
	if err != nil {
		return PnL{}, err
	}

	move, err := exitPrice.Sub(p.EntryPrice)
	if err != nil {
		return PnL{}, err
	}
	priceGain, err := move.Mul(closedSize)
	if err != nil {
		return PnL{}, err
	}

	funding, err := p.fundingOwed(fundingIndex, closedSize)
	if err != nil {
		return PnL{}, err
	}

	absClosed, err := closedSize.Abs()
	if err != nil {
		return PnL{}, err
	}
	closeNotional, err := absClosed.Mul(exitPrice)
	if err != nil {
		return PnL{}, err
	}
	fees, err := closeNotional.Mul(l.params.FeeRate)
	if err != nil {
		return PnL{}, err
	}

	realized, err := priceGain.Sub(funding)
	if err != nil {
		return PnL{}, err
	}
	realized, err = realized.Sub(fees)
	if err != nil {
		return PnL{}, err
	}

	returned, err := closedCollateral.Add(realized)
	if err != nil {
		return PnL{}, err
	}
	returned, err = returned.Sub(penalty)
	if err != nil {
		return PnL{}, err
	}

	shortfall := fixedpoint.Zero
	if returned.IsNegative() {
		shortfall, err = returned.Neg()
		if err != nil {
			return PnL{}, err
		}
		returned = fixedpoint.Zero
	}

	// Mutate the position.
	full := fraction == fixedpoint.One
	if full {
		if !p.Status.CanTransitionTo(terminal) {
			return PnL{}, fmt.Errorf("position %s: invalid transition %s -> %s", p.ID, p.Status, terminal)
		}
		p.Size = fixedpoint.Zero
		p.Collateral = fixedpoint.Zero
		p.Status = terminal
		l.unindexLocked(p)
	} else {
		p.Size, err = p.Size.Sub(closedSize)
		if err != nil {
			return PnL{}, err
		}
		p.Collateral, err = p.Collateral.Sub(closedCollateral)
		if err != nil {
			return PnL{}, err
		}
		if !p.Status.CanTransitionTo(StatusPartiallyClosed) {
			return PnL{}, fmt.Errorf("position %s: invalid transition %s -> PartiallyClosed", p.ID, p.Status)
		}
		p.Status = StatusPartiallyClosed
		if err := p.rederiveLiquidation(l.params.MaintenanceMarginFraction); err != nil {
			return PnL{}, err
		}
	}
	p.FundingPaid, err = p.FundingPaid.Add(funding)
	if err != nil {
		return PnL{}, err
	}
	p.Version++

	return PnL{
		Realized:           realized,
		Funding:            funding,
		Fees:               fees,
		CollateralReturned: returned,
		Shortfall:          shortfall,
	}, nil
}

// Liquidate force-closes the whole position at exitPrice with a penalty
// charged against the remaining collateral. Any resulting deficit is
// reported as Shortfall for the insurance fund; it never propagates to
// other positions.
func (l *Ledger) Liquidate(id uuid.UUID, exitPrice, fundingIndex, penalty fixedpoint.FP) (PnL, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[id]
	if !ok {
		return PnL{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !p.IsOpen() {
		return PnL{}, fmt.Errorf("%w: %s is %s", ErrNotOpen, id, p.Status)
	}

	return l.closeLocked(p, fixedpoint.One, exitPrice, fundingIndex, penalty, StatusLiquidated)
}

// ApplyFunding settles accrued funding into collateral and resets the
// position's entry index to the current accumulator.
func (l *Ledger) ApplyFunding(id uuid.UUID, fundingIndex fixedpoint.FP) (*Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !p.IsOpen() {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotOpen, id, p.Status)
	}

	owed, err := p.fundingOwed(fundingIndex, p.Size)
	if err != nil {
		return nil, err
	}
	p.Collateral, err = p.Collateral.Sub(owed)
	if err != nil {
		return nil, err
	}
	p.FundingPaid, err = p.FundingPaid.Add(owed)
	if err != nil {
		return nil, err
	}
	p.EntryFundingIndex = fundingIndex
	p.Version++
	return p, nil
}

// Get returns a position by id.
func (l *Ledger) Get(id uuid.UUID) (*Position, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	p, ok := l.positions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, nil
}

// OwnerPositions returns all open positions for one owner.
func (l *Ledger) OwnerPositions(owner uuid.UUID) []*Position {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*Position, 0, len(l.byOwner[owner]))
	for id := range l.byOwner[owner] {
		if p := l.positions[id]; p != nil && p.IsOpen() {
			out = append(out, p)
		}
	}
	return out
}

// HealthSample is one open position's health ratio at a mark price,
// captured under the ledger lock.
type HealthSample struct {
	ID     uuid.UUID
	Health fixedpoint.FP
}

// MarketHealth computes the health ratio of every open position in a
// market while holding the ledger lock, so concurrent closes and
// funding settlements cannot tear Size, Collateral, or the funding
// fields mid-read. prices holds one mark price per outcome.
func (l *Ledger) MarketHealth(marketID string, prices []fixedpoint.FP, fundingIndex fixedpoint.FP) ([]HealthSample, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]HealthSample, 0, len(l.byMarket[marketID]))
	for id := range l.byMarket[marketID] {
		p := l.positions[id]
		if p == nil || !p.IsOpen() {
			continue
		}
		if p.Outcome < 0 || p.Outcome >= len(prices) {
			return nil, fmt.Errorf("position: outcome %d out of range for market %s", p.Outcome, marketID)
		}
		health, err := p.HealthRatio(prices[p.Outcome], fundingIndex, l.params.MaintenanceMarginFraction)
		if err != nil {
			return nil, err
		}
		out = append(out, HealthSample{ID: id, Health: health})
	}
	return out, nil
}

// Health computes one position's health ratio under the ledger lock.
func (l *Ledger) Health(id uuid.UUID, markPrice, fundingIndex fixedpoint.FP) (fixedpoint.FP, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	p := l.positions[id]
	if p == nil {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p.HealthRatio(markPrice, fundingIndex, l.params.MaintenanceMarginFraction)
}

// MarketPositions returns all open positions in one market; funding
// settlement walks these every tick.
func (l *Ledger) MarketPositions(marketID string) []*Position {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*Position, 0, len(l.byMarket[marketID]))
	for id := range l.byMarket[marketID] {
		if p := l.positions[id]; p != nil && p.IsOpen() {
			out = append(out, p)
		}
	}
	return out
}

// unindexLocked removes a terminal position from the open indexes. The
// position itself stays retrievable by id (archived).
func (l *Ledger) unindexLocked(p *Position) {
	delete(l.byOwner[p.Owner], p.ID)
	delete(l.byMarket[p.MarketID], p.ID)
}
