// Package liquidation monitors position health and force-closes
// undercollateralized positions through the AMM, most distressed
// first.
package liquidation

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

// State tracks one position through the liquidation pipeline.
type State int32

const (
	StateHealthy State = iota
	StateAtRisk
	StateQueued
	StateLiquidating
	StateLiquidated
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "Healthy"
	case StateAtRisk:
		return "AtRisk"
	case StateQueued:
		return "Queued"
	case StateLiquidating:
		return "Liquidating"
	case StateLiquidated:
		return "Liquidated"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates pipeline transitions. AtRisk and Queued
// may recover to Healthy; Liquidated is terminal.
func (s State) CanTransitionTo(next State) bool {
	valid := map[State][]State{
		StateHealthy:     {StateAtRisk, StateQueued},
		StateAtRisk:      {StateQueued, StateHealthy},
		StateQueued:      {StateLiquidating, StateHealthy},
		StateLiquidating: {StateLiquidated},
	}
	for _, allowed := range valid[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// Gate is consulted before each forced close; a non-nil error keeps
// the entry queued for a later tick. The engine wires the Coverage
// breaker in here.
type Gate func(marketID string) error

// Config holds the health thresholds and drain bound.
type Config struct {
	// AtRiskThreshold marks positions for close monitoring.
	AtRiskThreshold fixedpoint.FP

	// QueueThreshold enqueues for forced close; 1.0 means collateral
	// has fallen below the maintenance requirement.
	QueueThreshold fixedpoint.FP

	// RecoveryThreshold releases AtRisk/Queued positions back to
	// Healthy. Held above QueueThreshold so a position oscillating
	// around the maintenance line does not churn the queue.
	RecoveryThreshold fixedpoint.FP

	// PenaltyRate is charged against remaining collateral on forced
	// close and paid into the insurance fund.
	PenaltyRate fixedpoint.FP

	// MaxDrainPerTick bounds forced closes per Drain call.
	MaxDrainPerTick int
}

func DefaultConfig() Config {
	return Config{
		AtRiskThreshold:   fixedpoint.MustParse("1.2"),
		QueueThreshold:    fixedpoint.One,
		RecoveryThreshold: fixedpoint.MustParse("1.3"),
		PenaltyRate:       fixedpoint.MustParse("0.05"),
		MaxDrainPerTick:   10,
	}
}

// Result is one executed forced close.
type Result struct {
	PositionID uuid.UUID
	Owner      uuid.UUID
	MarketID   string
	ExecPrice  fixedpoint.FP
	Penalty    fixedpoint.FP
	Shortfall  fixedpoint.FP
	Realized   fixedpoint.FP

	// CollateralReturned is released back to the owner's custody
	// account (zero on a wipeout).
	CollateralReturned fixedpoint.FP

	// Pledged positions release value into the stake chain that
	// funded them, not into custody.
	Pledged bool
}

// Engine owns the liquidation queue and pipeline states. All methods
// serialize on the engine mutex; the queue has no other writer.
type Engine struct {
	markets *market.Registry
	ledger  *position.Ledger
	fund    *InsuranceFund
	cfg     Config
	gate    Gate
	log     zerolog.Logger

	mu     sync.Mutex
	states map[uuid.UUID]State
	queue  *queue
}

func NewEngine(markets *market.Registry, ledger *position.Ledger, fund *InsuranceFund, cfg Config, gate Gate, log zerolog.Logger) *Engine {
	if cfg.MaxDrainPerTick <= 0 {
		cfg.MaxDrainPerTick = DefaultConfig().MaxDrainPerTick
	}
	if gate == nil {
		gate = func(string) error { return nil }
	}
	return &Engine{
		markets: markets,
		ledger:  ledger,
		fund:    fund,
		cfg:     cfg,
		gate:    gate,
		log:     log,
		states:  make(map[uuid.UUID]State),
		queue:   newQueue(),
	}
}

// State returns a position's pipeline state.
func (e *Engine) State(positionID uuid.UUID) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.states[positionID]
}

// QueueDepth returns the number of queued candidates.
func (e *Engine) QueueDepth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.Len()
}

// Scan recomputes health for every open position in the market and
// advances pipeline states. Called on every price update and funding
// tick.
func (e *Engine) Scan(marketID string, now time.Time) error {
	snap, err := e.markets.Snapshot(marketID)
	if err != nil {
		return err
	}
	prices, err := snap.AMM.Prices()
	if err != nil {
		return fmt.Errorf("liquidation: scan %s: %w", marketID, err)
	}

	// Health is sampled through the ledger so a concurrent close or
	// funding settlement cannot tear the position fields mid-read.
	samples, err := e.ledger.MarketHealth(marketID, prices, snap.FundingIndex)
	if err != nil {
		return fmt.Errorf("liquidation: scan %s: %w", marketID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, s := range samples {
		e.advanceLocked(s.ID, s.Health, now)
	}
	return nil
}

// advanceLocked applies one health observation to the pipeline state.
func (e *Engine) advanceLocked(id uuid.UUID, health fixedpoint.FP, now time.Time) {
	state := e.states[id]
	switch state {
	case StateHealthy, StateAtRisk:
		switch {
		case health.Cmp(e.cfg.QueueThreshold) < 0:
			e.states[id] = StateQueued
			e.queue.Push(id, health, now)
		case health.Cmp(e.cfg.AtRiskThreshold) < 0:
			e.states[id] = StateAtRisk
		case state == StateAtRisk && health.Cmp(e.cfg.RecoveryThreshold) >= 0:
			e.states[id] = StateHealthy
		}
	case StateQueued:
		if health.Cmp(e.cfg.RecoveryThreshold) >= 0 {
			e.queue.Remove(id)
			e.states[id] = StateHealthy
			return
		}
		// Reprioritize with the latest health reading.
		e.queue.Push(id, health, now)
	}
}

// Drain force-closes up to MaxDrainPerTick queued positions, most
// undercollateralized first. Entries whose market gate is tripped are
// requeued untouched and retried on a later tick.
func (e *Engine) Drain(now time.Time) ([]Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var results []Result
	type held struct {
		id     uuid.UUID
		health fixedpoint.FP
	}
	var requeue []held

	for n := 0; n < e.cfg.MaxDrainPerTick; n++ {
		id, health, ok := e.queue.Pop()
		if !ok {
			break
		}

		p, err := e.ledger.Get(id)
		if err != nil || !p.IsOpen() {
			delete(e.states, id)
			continue
		}

		if gateErr := e.gate(p.MarketID); gateErr != nil {
			requeue = append(requeue, held{id, health})
			continue
		}

		res, liquidated, err := e.liquidateLocked(p)
		if err != nil {
			e.log.Error().Err(err).
				Str("position_id", id.String()).
				Str("market_id", p.MarketID).
				Msg("forced close failed")
			requeue = append(requeue, held{id, health})
			continue
		}
		if !liquidated {
			// Recovered between scan and drain.
			e.states[id] = StateHealthy
			continue
		}
		e.states[id] = StateLiquidated
		results = append(results, res)
	}

	for _, h := range requeue {
		e.queue.Push(h.id, h.health, now)
	}
	return results, nil
}

// liquidateLocked re-verifies health under the market writer lock and
// executes the forced close through the AMM.
func (e *Engine) liquidateLocked(p *position.Position) (Result, bool, error) {
	var res Result
	liquidated := false

	err := e.markets.With(p.MarketID, func(m *market.Market) error {
		spot, err := m.AMM.SpotPrice(p.Outcome)
		if err != nil {
			return err
		}
		health, err := e.ledger.Health(p.ID, spot, m.FundingIndex)
		if err != nil {
			return err
		}
		if health.Cmp(e.cfg.QueueThreshold) >= 0 {
			return nil
		}

		e.states[p.ID] = StateLiquidating

		// Forced close is the inverse trade of the open.
		closeSize, err := p.Size.Neg()
		if err != nil {
			return err
		}
		q, err := m.AMM.Quote(p.Outcome, closeSize)
		if err != nil {
			return err
		}
		penalty, err := p.Collateral.Mul(e.cfg.PenaltyRate)
		if err != nil {
			return err
		}

		owner := p.Owner
		direction := p.Direction()
		shares, err := p.AbsSize()
		if err != nil {
			return err
		}

		pnl, err := e.ledger.Liquidate(p.ID, q.ExecPrice, m.FundingIndex, penalty)
		if err != nil {
			return err
		}

		m.AMM = q.Next
		if err := reduceOpenInterest(m, direction, shares); err != nil {
			return err
		}
		m.Version++

		if pnl.Shortfall.IsPositive() {
			if err := e.fund.AbsorbShortfall(pnl.Shortfall); err != nil {
				return err
			}
		} else {
			if err := e.fund.Deposit(penalty); err != nil {
				return err
			}
		}

		liquidated = true
		res = Result{
			PositionID:         p.ID,
			Owner:              owner,
			MarketID:           m.ID,
			ExecPrice:          q.ExecPrice,
			Penalty:            penalty,
			Shortfall:          pnl.Shortfall,
			Realized:           pnl.Realized,
			CollateralReturned: pnl.CollateralReturned,
			Pledged:            p.Pledged,
		}
		e.log.Info().
			Str("position_id", p.ID.String()).
			Str("market_id", m.ID).
			Str("exec_price", q.ExecPrice.String()).
			Str("shortfall", pnl.Shortfall.String()).
			Msg("position liquidated")
		return nil
	})
	return res, liquidated, err
}

func reduceOpenInterest(m *market.Market, direction int64, shares fixedpoint.FP) error {
	var err error
	if direction > 0 {
		m.OpenInterestLong, err = m.OpenInterestLong.Sub(shares)
		if err == nil && m.OpenInterestLong.IsNegative() {
			m.OpenInterestLong = fixedpoint.Zero
		}
	} else {
		m.OpenInterestShort, err = m.OpenInterestShort.Sub(shares)
		if err == nil && m.OpenInterestShort.IsNegative() {
			m.OpenInterestShort = fixedpoint.Zero
		}
	}
	return err
}
