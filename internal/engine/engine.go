// Package engine orchestrates the trading pipeline: risk gates, AMM
// pricing, custody transfers, ledger mutation, and audit emission.
// Per-market serialization comes from the market registry's writer
// locks; the engine itself holds no market state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"LeverEngine/internal/amm"
	"LeverEngine/internal/chain"
	"LeverEngine/internal/custody"
	"LeverEngine/internal/event"
	"LeverEngine/internal/fixedpoint"
	"LeverEngine/internal/liquidation"
	"LeverEngine/internal/market"
	"LeverEngine/internal/observability"
	"LeverEngine/internal/oracle"
	"LeverEngine/internal/position"
	"LeverEngine/internal/risk"
)

// Config holds engine-level tunables. All are deployment inputs.
type Config struct {
	// FundingCoefficient scales the open-interest skew into the
	// per-tick funding rate.
	FundingCoefficient fixedpoint.FP

	// ChainDiscount is the per-step leverage discount for chains.
	ChainDiscount fixedpoint.FP

	// PersistBuffer / ProjectionBuffer size the outbound channels.
	PersistBuffer    int
	ProjectionBuffer int
}

func DefaultConfig() Config {
	return Config{
		FundingCoefficient: fixedpoint.MustParse("0.0001"),
		ChainDiscount:      chain.DefaultDiscount,
		PersistBuffer:      1024,
		ProjectionBuffer:   1024,
	}
}

// Engine wires every subsystem together and assigns the global event
// sequence.
type Engine struct {
	cfg      Config
	markets  *market.Registry
	ledger   *position.Ledger
	custody  custody.Ledger
	breakers *risk.Controller
	detector *risk.Detector
	liq      *liquidation.Engine
	fund     *liquidation.InsuranceFund
	chains   *chain.Executor
	metrics  *observability.Metrics
	log      zerolog.Logger

	seqMu    sync.Mutex
	sequence int64

	persistChan    chan event.Envelope
	projectionChan chan event.Envelope
}

// Deps are the externally-constructed collaborators.
type Deps struct {
	Markets  *market.Registry
	Ledger   *position.Ledger
	Custody  custody.Ledger
	Breakers *risk.Controller
	Detector *risk.Detector
	Liq      *liquidation.Engine
	Fund     *liquidation.InsuranceFund
	Metrics  *observability.Metrics
}

func New(cfg Config, deps Deps, log zerolog.Logger) *Engine {
	e := &Engine{
		cfg:            cfg,
		markets:        deps.Markets,
		ledger:         deps.Ledger,
		custody:        deps.Custody,
		breakers:       deps.Breakers,
		detector:       deps.Detector,
		liq:            deps.Liq,
		fund:           deps.Fund,
		metrics:        deps.Metrics,
		log:            log,
		persistChan:    make(chan event.Envelope, cfg.PersistBuffer),
		projectionChan: make(chan event.Envelope, cfg.ProjectionBuffer),
	}
	e.chains = chain.NewExecutor(deps.Markets, deps.Ledger, cfg.ChainDiscount, func(marketID string) error {
		return e.breakers.Allow(marketID, time.Now())
	}, log.With().Str("component", "chain_executor").Logger())
	return e
}

// PersistOut is drained by the event-log writer with a blocking
// producer: the engine stalls rather than lose an audit row.
func (e *Engine) PersistOut() <-chan event.Envelope { return e.persistChan }

// ProjectionOut is drained by the outbound publisher; sends are
// non-blocking and drop on a full buffer.
func (e *Engine) ProjectionOut() <-chan event.Envelope { return e.projectionChan }

// Chains exposes the chain executor for building multi-step sequences.
func (e *Engine) Chains() *chain.Executor { return e.chains }

// TradeRequest opens one leveraged position.
type TradeRequest struct {
	Owner      uuid.UUID
	MarketID   string
	Outcome    int
	Collateral fixedpoint.FP
	Leverage   int64
	Direction  int64 // +1 long, -1 short
}

// OpenPosition runs the full trade pipeline: breaker gate, custody
// debit, AMM execution, ledger open, audit emission. A failure after
// the debit credits the collateral back before returning.
func (e *Engine) OpenPosition(ctx context.Context, req TradeRequest) (*position.Position, error) {
	start := time.Now()
	if err := e.breakers.Allow(req.MarketID, start); err != nil {
		e.reject(req.MarketID, "halted")
		return nil, err
	}

	if err := e.custody.Debit(ctx, req.Owner, req.Collateral); err != nil {
		e.reject(req.MarketID, "collateral")
		return nil, fmt.Errorf("engine: collateral debit: %w", err)
	}

	var pos *position.Position
	err := e.markets.With(req.MarketID, func(m *market.Market) error {
		var err error
		pos, err = e.openLocked(m, req)
		return err
	})
	if err != nil {
		if crErr := e.custody.Credit(ctx, req.Owner, req.Collateral); crErr != nil {
			e.log.Error().Err(crErr).
				Str("owner", req.Owner.String()).
				Msg("collateral refund failed after rejected open")
		}
		return nil, err
	}

	e.emit(event.Envelope{
		Type:     event.TypePositionOpened,
		MarketID: req.MarketID,
		Payload: &event.PositionOpened{
			PositionID: pos.ID,
			Owner:      pos.Owner,
			MarketID:   pos.MarketID,
			Outcome:    pos.Outcome,
			Size:       pos.Size,
			EntryPrice: pos.EntryPrice,
			Leverage:   pos.Leverage,
			Collateral: pos.Collateral,
			Timestamp:  pos.OpenedAt,
		},
	})
	if e.metrics != nil {
		e.metrics.TradesExecuted.WithLabelValues(req.MarketID, "open").Inc()
		e.metrics.TradeDuration.WithLabelValues("open").Observe(time.Since(start).Seconds())
	}
	return pos, nil
}

// openLocked executes the AMM trade and books the position under the
// market writer lock.
func (e *Engine) openLocked(m *market.Market, req TradeRequest) (*position.Position, error) {
	if err := m.RequireActive(); err != nil {
		e.reject(m.ID, "inactive")
		return nil, err
	}

	exposure, err := req.Collateral.MulInt(req.Leverage)
	if err != nil {
		return nil, err
	}
	spot, err := m.AMM.SpotPrice(req.Outcome)
	if err != nil {
		return nil, err
	}
	shares, err := exposure.Div(spot)
	if err != nil {
		return nil, err
	}
	ammSize := shares
	if req.Direction < 0 {
		ammSize, err = shares.Neg()
		if err != nil {
			return nil, err
		}
	}

	q, err := e.quote(m, req.Outcome, ammSize)
	if err != nil {
		if errors.Is(err, amm.ErrInvariantViolated) {
			// A pricing fault halts the market until the cooldown.
			e.breakers.Trip(m.ID, risk.KindPrice, time.Now())
			if e.metrics != nil {
				e.metrics.InvariantFaults.WithLabelValues(m.ID).Inc()
			}
		}
		e.reject(m.ID, "pricing")
		return nil, err
	}

	pos, err := e.ledger.Open(position.OpenRequest{
		Owner:        req.Owner,
		MarketID:     m.ID,
		Outcome:      req.Outcome,
		Collateral:   req.Collateral,
		Leverage:     req.Leverage,
		EntryPrice:   q.ExecPrice,
		FundingIndex: m.FundingIndex,
		Direction:    req.Direction,
		Timestamp:    time.Now().UTC(),
	})
	if err != nil {
		e.reject(m.ID, "ledger")
		return nil, err
	}

	m.AMM = q.Next
	if err := adjustOpenInterest(m, req.Direction, shares, true); err != nil {
		return nil, err
	}
	m.Version++
	e.observeOpenInterest(m)
	e.observeTrade(m, req.Owner, req.Direction, req.Outcome, exposure)
	return pos, nil
}

// ClosePosition realizes PnL on a fraction of a position at the AMM's
// current quote and credits the released collateral back to custody.
func (e *Engine) ClosePosition(ctx context.Context, positionID uuid.UUID, fraction fixedpoint.FP) (position.PnL, error) {
	start := time.Now()
	p, err := e.ledger.Get(positionID)
	if err != nil {
		return position.PnL{}, err
	}
	owner, marketID, outcome := p.Owner, p.MarketID, p.Outcome

	var pnl position.PnL
	var exitPrice fixedpoint.FP
	err = e.markets.With(marketID, func(m *market.Market) error {
		closeSize, err := p.Size.Mul(fraction)
		if err != nil {
			return err
		}
		ammSize, err := closeSize.Neg()
		if err != nil {
			return err
		}
		q, err := e.quote(m, outcome, ammSize)
		if err != nil {
			return err
		}

		direction := p.Direction()
		shares, err := closeSize.Abs()
		if err != nil {
			return err
		}

		pnl, err = e.ledger.Close(positionID, fraction, q.ExecPrice, m.FundingIndex)
		if err != nil {
			return err
		}
		exitPrice = q.ExecPrice

		m.AMM = q.Next
		if err := adjustOpenInterest(m, direction, shares, false); err != nil {
			return err
		}
		m.Version++
		e.observeOpenInterest(m)
		return nil
	})
	if err != nil {
		return position.PnL{}, err
	}

	// Pledged collateral was never debited from custody; its released
	// value stays inside the stake chain that funded it.
	if !p.Pledged && pnl.CollateralReturned.IsPositive() {
		if err := e.custody.Credit(ctx, owner, pnl.CollateralReturned); err != nil {
			// The ledger close committed; custody is now behind. Log
			// loudly for reconciliation rather than unwinding a
			// completed close.
			e.log.Error().Err(err).
				Str("position_id", positionID.String()).
				Str("amount", pnl.CollateralReturned.String()).
				Msg("custody credit failed after close")
		}
	}

	e.emit(event.Envelope{
		Type:     event.TypePositionClosed,
		MarketID: marketID,
		Payload: &event.PositionClosed{
			PositionID: positionID,
			Owner:      owner,
			MarketID:   marketID,
			Fraction:   fraction,
			ExitPrice:  exitPrice,
			PnL:        pnl.Realized,
			Timestamp:  time.Now().UTC(),
		},
	})
	if e.metrics != nil {
		e.metrics.TradesExecuted.WithLabelValues(marketID, "close").Inc()
		e.metrics.TradeDuration.WithLabelValues("close").Observe(time.Since(start).Seconds())
	}
	return pnl, nil
}

// CommitChain validates and commits a built chain, debiting the
// chain's collateral first and refunding it on rollback.
func (e *Engine) CommitChain(ctx context.Context, chainID uuid.UUID) (*chain.Chain, error) {
	start := time.Now()
	c, err := e.chains.Get(chainID)
	if err != nil {
		return nil, err
	}
	owner, collateral := c.Owner, c.Collateral

	if err := e.custody.Debit(ctx, owner, collateral); err != nil {
		return nil, fmt.Errorf("engine: chain collateral debit: %w", err)
	}

	committed, err := e.chains.Commit(chainID)
	if err != nil {
		if crErr := e.custody.Credit(ctx, owner, collateral); crErr != nil {
			e.log.Error().Err(crErr).
				Str("chain_id", chainID.String()).
				Msg("chain collateral refund failed")
		}
		e.emit(event.Envelope{
			Type: event.TypeChainRolledBack,
			Payload: &event.ChainRolledBack{
				ChainID:     chainID,
				Owner:       owner,
				Reason:      err.Error(),
				StepsUndone: len(c.Steps),
				Timestamp:   time.Now().UTC(),
			},
		})
		if e.metrics != nil {
			e.metrics.ChainsRolledBack.WithLabelValues(rollbackReason(err)).Inc()
		}
		return nil, err
	}

	// Every step booked a real ledger position; each one gets its own
	// audit record before the chain-level summary.
	for _, posID := range committed.PositionIDs {
		pos, getErr := e.ledger.Get(posID)
		if getErr != nil {
			e.log.Error().Err(getErr).
				Str("position_id", posID.String()).
				Msg("committed chain position missing from ledger")
			continue
		}
		e.emit(event.Envelope{
			Type:     event.TypePositionOpened,
			MarketID: pos.MarketID,
			Payload: &event.PositionOpened{
				PositionID: pos.ID,
				Owner:      pos.Owner,
				MarketID:   pos.MarketID,
				Outcome:    pos.Outcome,
				Size:       pos.Size,
				EntryPrice: pos.EntryPrice,
				Leverage:   pos.Leverage,
				Collateral: pos.Collateral,
				Timestamp:  pos.OpenedAt,
			},
		})
	}

	e.emit(event.Envelope{
		Type:     event.TypeChainCommitted,
		MarketID: committed.Steps[0].MarketID,
		Payload: &event.ChainCommitted{
			ChainID:           committed.ID,
			Owner:             committed.Owner,
			Markets:           committed.MarketIDs(),
			Steps:             len(committed.Steps),
			EffectiveLeverage: committed.EffectiveLeverage,
			Timestamp:         time.Now().UTC(),
		},
	})
	if e.metrics != nil {
		e.metrics.ChainsCommitted.Inc()
		e.metrics.ChainDepth.Observe(float64(len(committed.Steps)))
		e.metrics.ChainCommitDur.Observe(time.Since(start).Seconds())
	}
	return committed, nil
}

// FundingTick advances every market's funding accumulator from its
// open-interest imbalance and settles accrued funding into position
// collateral.
func (e *Engine) FundingTick(now time.Time) error {
	for _, id := range e.markets.IDs() {
		var index fixedpoint.FP
		err := e.markets.With(id, func(m *market.Market) error {
			if m.Status != market.StatusActive {
				return nil
			}
			if err := m.AccrueFunding(e.cfg.FundingCoefficient); err != nil {
				return err
			}
			index = m.FundingIndex
			return nil
		})
		if err != nil {
			return fmt.Errorf("engine: funding tick %s: %w", id, err)
		}

		for _, p := range e.ledger.MarketPositions(id) {
			if _, err := e.ledger.ApplyFunding(p.ID, index); err != nil {
				e.log.Error().Err(err).
					Str("position_id", p.ID.String()).
					Msg("funding settlement failed")
			}
		}

		e.emit(event.Envelope{
			Type:     event.TypeFundingSettled,
			MarketID: id,
			Payload: &event.FundingSettled{
				MarketID:     id,
				FundingIndex: index,
				Timestamp:    now,
			},
		})
		if e.metrics != nil {
			e.metrics.FundingIndex.WithLabelValues(id).Set(index.Float())
		}

		// Funding moves equity; rescan health.
		if err := e.liq.Scan(id, now); err != nil {
			return err
		}
	}
	return nil
}

// LiquidationTick rescans health, refreshes the Coverage breaker, and
// drains the liquidation queue.
func (e *Engine) LiquidationTick(ctx context.Context, now time.Time) ([]liquidation.Result, error) {
	cov, err := e.fund.Coverage()
	if err != nil {
		return nil, err
	}
	for _, id := range e.markets.IDs() {
		e.breakers.ObserveCoverage(id, cov, now)
		if err := e.liq.Scan(id, now); err != nil {
			return nil, err
		}
	}

	results, err := e.liq.Drain(now)
	if err != nil {
		return nil, err
	}

	for _, r := range results {
		if !r.Pledged && r.CollateralReturned.IsPositive() {
			if err := e.custody.Credit(ctx, r.Owner, r.CollateralReturned); err != nil {
				e.log.Error().Err(err).
					Str("position_id", r.PositionID.String()).
					Msg("custody credit failed after liquidation")
			}
		}
		e.emit(event.Envelope{
			Type:     event.TypePositionLiquidated,
			MarketID: r.MarketID,
			Payload: &event.PositionLiquidated{
				PositionID: r.PositionID,
				Owner:      r.Owner,
				MarketID:   r.MarketID,
				ExitPrice:  r.ExecPrice,
				Penalty:    r.Penalty,
				Shortfall:  r.Shortfall,
				Timestamp:  now,
			},
		})
		if e.metrics != nil {
			e.metrics.LiquidationsExecuted.WithLabelValues(r.MarketID).Inc()
			if r.Shortfall.IsPositive() {
				e.metrics.LiquidationShortfall.Inc()
			}
		}
	}
	if e.metrics != nil {
		e.metrics.LiquidationQueueSize.Set(float64(e.liq.QueueDepth()))
		e.metrics.InsuranceFundBalance.Set(e.fund.Balance().Float())
		e.metrics.InsuranceFundDebt.Set(e.fund.Debt().Float())
	}
	return results, nil
}

// ResolveMarket settles a market from a validated oracle resolution.
// Terminal: no further trades, funding, or liquidations on it.
func (e *Engine) ResolveMarket(res oracle.Resolution) error {
	snap, err := e.markets.Snapshot(res.MarketID)
	if err != nil {
		return err
	}
	if err := oracle.ValidateResolution(res, snap.OutcomeCount()); err != nil {
		return err
	}
	if err := e.markets.SetStatus(res.MarketID, market.StatusResolved); err != nil {
		return err
	}

	e.emit(event.Envelope{
		Type:     event.TypeMarketResolved,
		MarketID: res.MarketID,
		Payload: &event.MarketResolved{
			MarketID:       res.MarketID,
			WinningOutcome: res.Outcome,
			Timestamp:      res.At,
		},
	})
	return nil
}

// BreakerHook returns the TripHook that turns breaker transitions into
// audit events; wire it into the risk controller at startup.
func (e *Engine) BreakerHook() risk.TripHook {
	return func(marketID string, kind risk.Kind, tripped bool) {
		now := time.Now().UTC()
		if tripped {
			e.emit(event.Envelope{
				Type:     event.TypeBreakerTripped,
				MarketID: marketID,
				Payload:  &event.BreakerTripped{MarketID: marketID, Kind: kind.String(), Timestamp: now},
			})
			if e.metrics != nil {
				e.metrics.BreakerTrips.WithLabelValues(marketID, kind.String()).Inc()
				e.metrics.HaltedMarkets.Inc()
			}
			return
		}
		e.emit(event.Envelope{
			Type:     event.TypeBreakerRearmed,
			MarketID: marketID,
			Payload:  &event.BreakerRearmed{MarketID: marketID, Kind: kind.String(), Timestamp: now},
		})
		if e.metrics != nil {
			e.metrics.BreakerRearms.WithLabelValues(marketID, kind.String()).Inc()
			e.metrics.HaltedMarkets.Dec()
		}
	}
}

// quote prices a trade through the market AMM, recording pricing
// latency and solver failures per model.
func (e *Engine) quote(m *market.Market, outcome int, size fixedpoint.FP) (amm.Quote, error) {
	start := time.Now()
	q, err := m.AMM.Quote(outcome, size)
	if e.metrics != nil {
		e.metrics.QuoteDuration.WithLabelValues(m.AMM.Kind().String()).Observe(time.Since(start).Seconds())
		switch {
		case errors.Is(err, amm.ErrPriceSolverDivergence):
			e.metrics.SolverFailures.WithLabelValues("newton").Inc()
		case errors.Is(err, amm.ErrIntegrationDidNotConverge):
			e.metrics.SolverFailures.WithLabelValues("simpson").Inc()
		}
	}
	return q, err
}

// observeOpenInterest refreshes the per-side open interest gauges.
// Called under the market writer lock after any trade settles.
func (e *Engine) observeOpenInterest(m *market.Market) {
	if e.metrics == nil {
		return
	}
	e.metrics.OpenInterest.WithLabelValues(m.ID, "long").Set(m.OpenInterestLong.Float())
	e.metrics.OpenInterest.WithLabelValues(m.ID, "short").Set(m.OpenInterestShort.Float())
}

// observeTrade feeds the risk detectors with the executed trade under
// the market lock.
func (e *Engine) observeTrade(m *market.Market, owner uuid.UUID, direction int64, outcome int, notional fixedpoint.FP) {
	now := time.Now()
	if e.detector != nil {
		if err := e.detector.RecordTrade(m.ID, owner, direction, notional, now); err != nil {
			e.log.Warn().Err(err).Str("market_id", m.ID).Msg("trade pattern detection failed")
		}
	}
	spot, err := m.AMM.SpotPrice(outcome)
	if err == nil {
		if err := e.breakers.ObservePrice(m.ID, spot, now); err != nil {
			e.log.Warn().Err(err).Str("market_id", m.ID).Msg("price observation failed")
		}
		if e.metrics != nil {
			e.metrics.SpotPrice.WithLabelValues(m.ID, fmt.Sprintf("%d", outcome)).Set(spot.Float())
		}
	}
}

// emit assigns the global sequence and pushes the envelope out:
// blocking on persist so nothing is lost, non-blocking on projection.
func (e *Engine) emit(env event.Envelope) {
	e.seqMu.Lock()
	e.sequence++
	env.Sequence = e.sequence
	e.seqMu.Unlock()

	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}

	if e.metrics != nil {
		e.metrics.EventsEmitted.WithLabelValues(env.Type.String()).Inc()
		e.metrics.EventSequence.Set(float64(env.Sequence))
		if len(e.persistChan) == cap(e.persistChan) {
			e.metrics.PersistBackpressure.Inc()
		}
	}

	e.persistChan <- env

	select {
	case e.projectionChan <- env:
	default:
		if e.metrics != nil {
			e.metrics.ProjectionDrops.Inc()
		}
	}
}

// Shutdown closes the outbound channels after all producers stop.
func (e *Engine) Shutdown() {
	close(e.persistChan)
	close(e.projectionChan)
}

func (e *Engine) reject(marketID, reason string) {
	if e.metrics != nil {
		e.metrics.TradesRejected.WithLabelValues(marketID, reason).Inc()
	}
}

func rollbackReason(err error) string {
	switch {
	case errors.Is(err, chain.ErrCycleDetected):
		return "cycle"
	case errors.Is(err, chain.ErrTooLong):
		return "too_long"
	case errors.Is(err, chain.ErrTooShort):
		return "too_short"
	case errors.Is(err, risk.ErrMarketHalted):
		return "halted"
	case errors.Is(err, market.ErrNotActive):
		return "inactive"
	default:
		return "step_failure"
	}
}

func adjustOpenInterest(m *market.Market, direction int64, shares fixedpoint.FP, add bool) error {
	var err error
	if add {
		if direction > 0 {
			m.OpenInterestLong, err = m.OpenInterestLong.Add(shares)
		} else {
			m.OpenInterestShort, err = m.OpenInterestShort.Add(shares)
		}
		return err
	}
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
