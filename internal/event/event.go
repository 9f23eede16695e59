// Package event defines the immutable audit events emitted by the
// engine on every position open, close, and liquidation, plus chain and
// risk lifecycle events. Events are the engine's only externally
// observable effect beyond state mutation; delivery is fire-and-forget
// for downstream indexing.
package event

import (
	"time"

	"github.com/google/uuid"

	"LeverEngine/internal/fixedpoint"
)

// Type discriminates audit event payloads.
type Type int32

const (
	TypeUnknown Type = iota
	TypePositionOpened
	TypePositionClosed
	TypePositionLiquidated
	TypeFundingSettled
	TypeChainCommitted
	TypeChainRolledBack
	TypeBreakerTripped
	TypeBreakerRearmed
	TypeMarketResolved
)

func (t Type) String() string {
	switch t {
	case TypePositionOpened:
		return "PositionOpened"
	case TypePositionClosed:
		return "PositionClosed"
	case TypePositionLiquidated:
		return "PositionLiquidated"
	case TypeFundingSettled:
		return "FundingSettled"
	case TypeChainCommitted:
		return "ChainCommitted"
	case TypeChainRolledBack:
		return "ChainRolledBack"
	case TypeBreakerTripped:
		return "BreakerTripped"
	case TypeBreakerRearmed:
		return "BreakerRearmed"
	case TypeMarketResolved:
		return "MarketResolved"
	default:
		return "Unknown"
	}
}

// Event is the interface all audit payloads implement.
type Event interface {
	EventType() Type
	Market() string
}

// Envelope wraps every emitted event with engine-assigned ordering.
type Envelope struct {
	// Sequence is the global monotonic sequence assigned by the engine.
	Sequence int64 `json:"sequence"`

	Type      Type      `json:"type"`
	MarketID  string    `json:"market_id"`
	Timestamp time.Time `json:"timestamp"`
	Payload   Event     `json:"payload"`
}

// PositionOpened records a new leveraged position.
type PositionOpened struct {
	PositionID uuid.UUID     `json:"position_id"`
	Owner      uuid.UUID     `json:"owner"`
	MarketID   string        `json:"market_id"`
	Outcome    int           `json:"outcome"`
	Size       fixedpoint.FP `json:"size"`
	EntryPrice fixedpoint.FP `json:"entry_price"`
	Leverage   int64         `json:"leverage"`
	Collateral fixedpoint.FP `json:"collateral"`
	Timestamp  time.Time     `json:"timestamp"`
}

func (e *PositionOpened) EventType() Type { return TypePositionOpened }
func (e *PositionOpened) Market() string  { return e.MarketID }

// PositionClosed records a full or partial close.
type PositionClosed struct {
	PositionID uuid.UUID     `json:"position_id"`
	Owner      uuid.UUID     `json:"owner"`
	MarketID   string        `json:"market_id"`
	Fraction   fixedpoint.FP `json:"fraction"`
	ExitPrice  fixedpoint.FP `json:"exit_price"`
	PnL        fixedpoint.FP `json:"pnl"`
	Timestamp  time.Time     `json:"timestamp"`
}

func (e *PositionClosed) EventType() Type { return TypePositionClosed }
func (e *PositionClosed) Market() string  { return e.MarketID }

// PositionLiquidated records a forced close. Shortfall is the deficit
// absorbed by the insurance fund (zero when collateral covered the
// close).
type PositionLiquidated struct {
	PositionID uuid.UUID     `json:"position_id"`
	Owner      uuid.UUID     `json:"owner"`
	MarketID   string        `json:"market_id"`
	ExitPrice  fixedpoint.FP `json:"exit_price"`
	Penalty    fixedpoint.FP `json:"penalty"`
	Shortfall  fixedpoint.FP `json:"shortfall"`
	Timestamp  time.Time     `json:"timestamp"`
}

func (e *PositionLiquidated) EventType() Type { return TypePositionLiquidated }
func (e *PositionLiquidated) Market() string  { return e.MarketID }

// FundingSettled records a funding index advance on a market.
type FundingSettled struct {
	MarketID     string        `json:"market_id"`
	FundingIndex fixedpoint.FP `json:"funding_index"`
	Timestamp    time.Time     `json:"timestamp"`
}

func (e *FundingSettled) EventType() Type { return TypeFundingSettled }
func (e *FundingSettled) Market() string  { return e.MarketID }

// ChainCommitted records a successfully committed multi-step chain.
type ChainCommitted struct {
	ChainID           uuid.UUID     `json:"chain_id"`
	Owner             uuid.UUID     `json:"owner"`
	Markets           []string      `json:"markets"`
	Steps             int           `json:"steps"`
	EffectiveLeverage fixedpoint.FP `json:"effective_leverage"`
	Timestamp         time.Time     `json:"timestamp"`
}

func (e *ChainCommitted) EventType() Type { return TypeChainCommitted }

// Market returns the first market in the chain for envelope routing.
func (e *ChainCommitted) Market() string {
	if len(e.Markets) > 0 {
		return e.Markets[0]
	}
	return ""
}

// ChainRolledBack records a chain whose commit failed partway; all
// prior steps were compensated.
type ChainRolledBack struct {
	ChainID     uuid.UUID `json:"chain_id"`
	Owner       uuid.UUID `json:"owner"`
	Reason      string    `json:"reason"`
	StepsUndone int       `json:"steps_undone"`
	Timestamp   time.Time `json:"timestamp"`
}

func (e *ChainRolledBack) EventType() Type { return TypeChainRolledBack }
func (e *ChainRolledBack) Market() string  { return "" }

// BreakerTripped records a circuit breaker trip.
type BreakerTripped struct {
	MarketID  string    `json:"market_id"`
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *BreakerTripped) EventType() Type { return TypeBreakerTripped }
func (e *BreakerTripped) Market() string  { return e.MarketID }

// BreakerRearmed records a breaker re-arming after cooldown.
type BreakerRearmed struct {
	MarketID  string    `json:"market_id"`
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *BreakerRearmed) EventType() Type { return TypeBreakerRearmed }
func (e *BreakerRearmed) Market() string  { return e.MarketID }

// MarketResolved records terminal market settlement from the oracle.
type MarketResolved struct {
	MarketID       string    `json:"market_id"`
	WinningOutcome int       `json:"winning_outcome"`
	Timestamp      time.Time `json:"timestamp"`
}

func (e *MarketResolved) EventType() Type { return TypeMarketResolved }
func (e *MarketResolved) Market() string  { return e.MarketID }
