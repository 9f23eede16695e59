package chain

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"LeverEngine/internal/fixedpoint"
	"LeverEngine/internal/market"
	"LeverEngine/internal/position"
)

// Gate is consulted before every step open; a non-nil error rejects
// the step (and therefore the chain). The engine wires the circuit
// breakers in here.
type Gate func(marketID string) error

// Executor owns the chain lifecycle. Commit acquires every touched
// market lock in sorted id order, opens the step positions in
// sequence, and unwinds all of them if any step fails.
type Executor struct {
	markets  *market.Registry
	ledger   *position.Ledger
	discount fixedpoint.FP
	gate     Gate
	log      zerolog.Logger

	mu     sync.Mutex
	chains map[uuid.UUID]*Chain
}

func NewExecutor(markets *market.Registry, ledger *position.Ledger, discount fixedpoint.FP, gate Gate, log zerolog.Logger) *Executor {
	if discount.IsZero() {
		discount = DefaultDiscount
	}
	if gate == nil {
		gate = func(string) error { return nil }
	}
	return &Executor{
		markets:  markets,
		ledger:   ledger,
		discount: discount,
		gate:     gate,
		log:      log,
		chains:   make(map[uuid.UUID]*Chain),
	}
}

// Begin starts a new chain for owner funded with collateral.
func (e *Executor) Begin(owner uuid.UUID, collateral fixedpoint.FP) (*Chain, error) {
	if !collateral.IsPositive() {
		return nil, fmt.Errorf("%w: %s", position.ErrInsufficientCollateral, collateral)
	}
	c := New(owner, collateral)

	e.mu.Lock()
	e.chains[c.ID] = c
	e.mu.Unlock()

	return c, nil
}

// Append adds a step to a building chain.
func (e *Executor) Append(id uuid.UUID, s Step) error {
	c, err := e.get(id)
	if err != nil {
		return err
	}
	return c.Append(s)
}

// Abandon discards a chain before validation. No side effects: a
// building chain has touched no market or ledger state.
func (e *Executor) Abandon(id uuid.UUID) error {
	c, err := e.get(id)
	if err != nil {
		return err
	}
	if c.Status != StatusBuilding {
		return fmt.Errorf("%w: %s is %s", ErrNotBuilding, id, c.Status)
	}

	e.mu.Lock()
	delete(e.chains, id)
	e.mu.Unlock()

	return nil
}

// Get returns a chain by id.
func (e *Executor) Get(id uuid.UUID) (*Chain, error) {
	return e.get(id)
}

func (e *Executor) get(id uuid.UUID) (*Chain, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.chains[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c, nil
}

// step bookkeeping for rollback: everything needed to undo one open.
type committedStep struct {
	positionID uuid.UUID
	marketID   string
	outcome    int
	ammSize    fixedpoint.FP
	direction  int64
}

// Commit validates the chain and opens every step position in order.
// All-or-nothing: a failure at step k closes positions k-1..0 at the
// current market price and reverses their AMM trades before the market
// locks are released, then marks the chain RolledBack.
func (e *Executor) Commit(id uuid.UUID) (*Chain, error) {
	c, err := e.get(id)
	if err != nil {
		return nil, err
	}
	if !c.Status.CanTransitionTo(StatusValidating) {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotBuilding, id, c.Status)
	}
	c.Status = StatusValidating

	if err := c.validate(); err != nil {
		c.Status = StatusRolledBack
		return nil, err
	}

	lev, err := EffectiveLeverage(c.Steps, e.discount)
	if err != nil {
		c.Status = StatusRolledBack
		return nil, fmt.Errorf("chain %s: effective leverage: %w", c.ID, err)
	}

	var opened []committedStep
	err = e.markets.WithMany(c.MarketIDs(), func(markets map[string]*market.Market) error {
		input := c.Collateral
		for i, s := range c.Steps {
			m := markets[s.MarketID]
			// Only the first step is backed by the custody debit;
			// every later step re-stakes the previous step's entry
			// value, so its collateral is pledged, not withdrawable.
			pos, rec, stepErr := e.openStep(c, m, s, input, i > 0)
			if stepErr != nil {
				e.rollback(c, markets, opened)
				return fmt.Errorf("chain %s step %d (%s): %w", c.ID, i, s.MarketID, stepErr)
			}
			opened = append(opened, rec)
			c.PositionIDs = append(c.PositionIDs, pos.ID)
			input = pos.Collateral
		}
		return nil
	})
	if err != nil {
		c.Status = StatusRolledBack
		c.PositionIDs = nil
		return nil, err
	}

	c.EffectiveLeverage = lev
	c.Status = StatusCommitted
	e.log.Info().
		Str("chain_id", c.ID.String()).
		Int("steps", len(c.Steps)).
		Str("effective_leverage", lev.String()).
		Msg("chain committed")
	return c, nil
}

// openStep trades the step's exposure through the market AMM and books
// the resulting position. The market lock is held by the caller.
func (e *Executor) openStep(c *Chain, m *market.Market, s Step, collateral fixedpoint.FP, pledged bool) (*position.Position, committedStep, error) {
	if err := m.RequireActive(); err != nil {
		return nil, committedStep{}, err
	}
	if err := e.gate(m.ID); err != nil {
		return nil, committedStep{}, err
	}

	exposure, err := collateral.MulInt(s.Leverage)
	if err != nil {
		return nil, committedStep{}, err
	}
	spot, err := m.AMM.SpotPrice(s.Outcome)
	if err != nil {
		return nil, committedStep{}, err
	}
	shares, err := exposure.Div(spot)
	if err != nil {
		return nil, committedStep{}, err
	}
	ammSize := shares
	if s.Direction < 0 {
		ammSize, err = shares.Neg()
		if err != nil {
			return nil, committedStep{}, err
		}
	}

	q, err := m.AMM.Quote(s.Outcome, ammSize)
	if err != nil {
		return nil, committedStep{}, err
	}

	pos, err := e.ledger.Open(position.OpenRequest{
		Owner:        c.Owner,
		MarketID:     m.ID,
		Outcome:      s.Outcome,
		Collateral:   collateral,
		Leverage:     s.Leverage,
		EntryPrice:   q.ExecPrice,
		FundingIndex: m.FundingIndex,
		Direction:    s.Direction,
		Timestamp:    time.Now().UTC(),
		Pledged:      pledged,
	})
	if err != nil {
		return nil, committedStep{}, err
	}

	m.AMM = q.Next
	if err := addOpenInterest(m, s.Direction, shares); err != nil {
		return nil, committedStep{}, err
	}
	m.Version++

	return pos, committedStep{
		positionID: pos.ID,
		marketID:   m.ID,
		outcome:    s.Outcome,
		ammSize:    ammSize,
		direction:  s.Direction,
	}, nil
}

// rollback executes the compensating action for every opened step in
// reverse order: close the position at the current price and reverse
// the AMM trade. Runs under the same WithMany lock that opened them,
// so no other writer observes the partial chain.
func (e *Executor) rollback(c *Chain, markets map[string]*market.Market, opened []committedStep) {
	for i := len(opened) - 1; i >= 0; i-- {
		rec := opened[i]
		m := markets[rec.marketID]

		undo, err := rec.ammSize.Neg()
		if err == nil {
			quote, qerr := m.AMM.Quote(rec.outcome, undo)
			if qerr == nil {
				m.AMM = quote.Next
			} else {
				e.log.Error().Err(qerr).
					Str("chain_id", c.ID.String()).
					Str("market_id", rec.marketID).
					Msg("rollback could not reverse amm trade")
			}
		}

		spot, err := m.AMM.SpotPrice(rec.outcome)
		if err != nil {
			e.log.Error().Err(err).
				Str("chain_id", c.ID.String()).
				Str("market_id", rec.marketID).
				Msg("rollback could not price close")
			continue
		}
		if _, err := e.ledger.Close(rec.positionID, fixedpoint.One, spot, m.FundingIndex); err != nil {
			e.log.Error().Err(err).
				Str("chain_id", c.ID.String()).
				Str("position_id", rec.positionID.String()).
				Msg("rollback close failed")
		}
		shares, err := rec.ammSize.Abs()
		if err == nil {
			if err := subOpenInterest(m, rec.direction, shares); err != nil {
				e.log.Error().Err(err).
					Str("chain_id", c.ID.String()).
					Str("market_id", rec.marketID).
					Msg("rollback open-interest adjustment failed")
			}
		}
		m.Version++
	}
}

func addOpenInterest(m *market.Market, direction int64, shares fixedpoint.FP) error {
	var err error
	if direction > 0 {
		m.OpenInterestLong, err = m.OpenInterestLong.Add(shares)
	} else {
		m.OpenInterestShort, err = m.OpenInterestShort.Add(shares)
	}
	return err
}

func subOpenInterest(m *market.Market, direction int64, shares fixedpoint.FP) error {
	var err error
	if direction > 0 {
		m.OpenInterestLong, err = m.OpenInterestLong.Sub(shares)
	} else {
		m.OpenInterestShort, err = m.OpenInterestShort.Sub(shares)
	}
	return err
}
