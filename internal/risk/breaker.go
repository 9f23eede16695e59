// Package risk gates trading with per-market circuit breakers: Price
// (move over threshold inside a rolling window), Volume (window volume
// over limit), and Coverage (insurance-fund coverage under floor).
// Tripped breakers re-arm automatically after a fixed cooldown.
package risk

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"LeverEngine/internal/fixedpoint"
)

// ErrMarketHalted is returned while a breaker is tripped; the wrapped
// message names the breaker kind and market.
var ErrMarketHalted = errors.New("risk: market halted")

// Kind discriminates the breaker that tripped.
type Kind int32

const (
	KindPrice Kind = iota
	KindVolume
	KindCoverage
)

func (k Kind) String() string {
	switch k {
	case KindPrice:
		return "price"
	case KindVolume:
		return "volume"
	case KindCoverage:
		return "coverage"
	default:
		return "unknown"
	}
}

// Config holds thresholds and windows. All are deployment inputs, not
// protocol constants.
type Config struct {
	// PriceThreshold trips the Price breaker when the window's
	// max/min move exceeds this fraction (0.10 = 10%).
	PriceThreshold fixedpoint.FP
	PriceWindow    time.Duration

	// VolumeLimit trips the Volume breaker when window volume
	// exceeds it.
	VolumeLimit  fixedpoint.FP
	VolumeWindow time.Duration

	// CoverageFloor trips the Coverage breaker when the insurance
	// fund's coverage ratio drops below it.
	CoverageFloor fixedpoint.FP

	// Cooldown is the fixed re-arm timer after a trip.
	Cooldown time.Duration
}

func DefaultConfig() Config {
	return Config{
		PriceThreshold: fixedpoint.MustParse("0.10"),
		PriceWindow:    time.Minute,
		VolumeLimit:    fixedpoint.MustParse("1000000"),
		VolumeWindow:   time.Minute,
		CoverageFloor:  fixedpoint.MustParse("0.5"),
		Cooldown:       5 * time.Minute,
	}
}

type observation struct {
	at    time.Time
	value fixedpoint.FP
}

type marketState struct {
	prices  []observation
	volumes []observation

	tripped   bool
	kind      Kind
	trippedAt time.Time
}

// TripHook observes breaker transitions for audit emission.
type TripHook func(marketID string, kind Kind, tripped bool)

// Controller holds breaker state per market.
type Controller struct {
	cfg  Config
	hook TripHook
	log  zerolog.Logger

	mu      sync.Mutex
	markets map[string]*marketState
}

func NewController(cfg Config, hook TripHook, log zerolog.Logger) *Controller {
	if hook == nil {
		hook = func(string, Kind, bool) {}
	}
	return &Controller{
		cfg:     cfg,
		hook:    hook,
		log:     log,
		markets: make(map[string]*marketState),
	}
}

// SetHook replaces the trip hook. Call during startup wiring, before
// any observations flow.
func (c *Controller) SetHook(hook TripHook) {
	if hook == nil {
		hook = func(string, Kind, bool) {}
	}
	c.mu.Lock()
	c.hook = hook
	c.mu.Unlock()
}

func (c *Controller) state(marketID string) *marketState {
	ms, ok := c.markets[marketID]
	if !ok {
		ms = &marketState{}
		c.markets[marketID] = ms
	}
	return ms
}

// ObservePrice records a mark price and trips the Price breaker if
// the window move exceeds the threshold.
func (c *Controller) ObservePrice(marketID string, price fixedpoint.FP, now time.Time) error {
	if !price.IsPositive() {
		return fmt.Errorf("risk: price %s must be positive", price)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ms := c.state(marketID)
	ms.prices = appendWindow(ms.prices, observation{now, price}, now.Add(-c.cfg.PriceWindow))
	if ms.tripped {
		return nil
	}

	lo, hi := ms.prices[0].value, ms.prices[0].value
	for _, o := range ms.prices[1:] {
		lo = fixedpoint.Min(lo, o.value)
		hi = fixedpoint.Max(hi, o.value)
	}
	spread, err := hi.Sub(lo)
	if err != nil {
		return err
	}
	move, err := spread.Div(lo)
	if err != nil {
		return err
	}
	if move.Cmp(c.cfg.PriceThreshold) > 0 {
		c.tripLocked(marketID, ms, KindPrice, now)
	}
	return nil
}

// ObserveVolume records traded volume and trips the Volume breaker if
// the window sum exceeds the limit.
func (c *Controller) ObserveVolume(marketID string, volume fixedpoint.FP, now time.Time) error {
	if volume.IsNegative() {
		return fmt.Errorf("risk: volume %s must be non-negative", volume)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ms := c.state(marketID)
	ms.volumes = appendWindow(ms.volumes, observation{now, volume}, now.Add(-c.cfg.VolumeWindow))
	if ms.tripped {
		return nil
	}

	total := fixedpoint.Zero
	var err error
	for _, o := range ms.volumes {
		total, err = total.Add(o.value)
		if err != nil {
			return err
		}
	}
	if total.Cmp(c.cfg.VolumeLimit) > 0 {
		c.tripLocked(marketID, ms, KindVolume, now)
	}
	return nil
}

// ObserveCoverage trips the Coverage breaker when the fund coverage
// ratio falls below the floor.
func (c *Controller) ObserveCoverage(marketID string, coverage fixedpoint.FP, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ms := c.state(marketID)
	if ms.tripped {
		return
	}
	if coverage.Cmp(c.cfg.CoverageFloor) < 0 {
		c.tripLocked(marketID, ms, KindCoverage, now)
	}
}

// Trip forces a breaker open, independent of window state. Used when
// an AMM invariant violation flags the market.
func (c *Controller) Trip(marketID string, kind Kind, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tripLocked(marketID, c.state(marketID), kind, now)
}

func (c *Controller) tripLocked(marketID string, ms *marketState, kind Kind, now time.Time) {
	if ms.tripped {
		return
	}
	ms.tripped = true
	ms.kind = kind
	ms.trippedAt = now
	c.log.Warn().
		Str("market_id", marketID).
		Str("breaker", kind.String()).
		Msg("circuit breaker tripped")
	c.hook(marketID, kind, true)
}

// rearmLocked clears the trip and drops stale window observations so
// the breaker does not instantly re-trip on old data.
func (c *Controller) rearmLocked(marketID string, ms *marketState) {
	ms.tripped = false
	ms.prices = nil
	ms.volumes = nil
	c.log.Info().
		Str("market_id", marketID).
		Str("breaker", ms.kind.String()).
		Msg("circuit breaker rearmed")
	c.hook(marketID, ms.kind, false)
}

// Allow reports whether new trades may execute on the market. While a
// breaker is tripped it returns ErrMarketHalted naming the kind; once
// the cooldown elapses the breaker re-arms and trading resumes.
func (c *Controller) Allow(marketID string, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allowLocked(marketID, now, false)
}

// AllowLiquidation reports whether forced closes may execute. Only the
// Coverage breaker halts liquidations; Price and Volume trips stop new
// trades while health monitoring and unwinding continue.
func (c *Controller) AllowLiquidation(marketID string, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allowLocked(marketID, now, true)
}

func (c *Controller) allowLocked(marketID string, now time.Time, liquidation bool) error {
	ms := c.state(marketID)
	if !ms.tripped {
		return nil
	}
	if now.Sub(ms.trippedAt) >= c.cfg.Cooldown {
		c.rearmLocked(marketID, ms)
		return nil
	}
	if liquidation && ms.kind != KindCoverage {
		return nil
	}
	return fmt.Errorf("%w: %s breaker on %s", ErrMarketHalted, ms.kind, marketID)
}

// Tripped returns the active breaker kind, if any.
func (c *Controller) Tripped(marketID string) (Kind, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ms := c.state(marketID)
	if !ms.tripped {
		return 0, false
	}
	return ms.kind, true
}

// appendWindow appends an observation and evicts everything before
// cutoff.
func appendWindow(obs []observation, o observation, cutoff time.Time) []observation {
	obs = append(obs, o)
	i := 0
	for i < len(obs) && obs[i].at.Before(cutoff) {
		i++
	}
	return obs[i:]
}
