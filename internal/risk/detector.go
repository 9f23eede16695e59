package risk

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"LeverEngine/internal/fixedpoint"
)

// DetectorConfig tunes the trade-pattern anomaly detectors.
type DetectorConfig struct {
	// FlipWindow / MaxFlips: an owner reversing direction in one
	// market more than MaxFlips times inside the window is treated as
	// oscillation probing and trips the Volume breaker.
	FlipWindow time.Duration
	MaxFlips   int

	// SpikeFactor: a single trade larger than SpikeFactor times the
	// rolling average trade size (after MinSamples trades) counts as
	// a volume-spike anomaly.
	SpikeFactor fixedpoint.FP
	MinSamples  int
}

func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		FlipWindow:  time.Minute,
		MaxFlips:    6,
		SpikeFactor: fixedpoint.MustParse("10"),
		MinSamples:  20,
	}
}

type ownerKey struct {
	owner    uuid.UUID
	marketID string
}

type ownerTrail struct {
	directions []observation // value is +1/-1 as FP
}

type marketStats struct {
	count int64
	total fixedpoint.FP
}

// Detector watches the trade stream for manipulation patterns and
// feeds its verdicts into the breaker controller.
type Detector struct {
	cfg      DetectorConfig
	breakers *Controller

	mu     sync.Mutex
	trails map[ownerKey]*ownerTrail
	stats  map[string]*marketStats
}

func NewDetector(cfg DetectorConfig, breakers *Controller) *Detector {
	return &Detector{
		cfg:      cfg,
		breakers: breakers,
		trails:   make(map[ownerKey]*ownerTrail),
		stats:    make(map[string]*marketStats),
	}
}

// RecordTrade feeds one executed trade through both detectors and
// accumulates window volume on the Volume breaker.
func (d *Detector) RecordTrade(marketID string, owner uuid.UUID, direction int64, notional fixedpoint.FP, now time.Time) error {
	if err := d.breakers.ObserveVolume(marketID, notional, now); err != nil {
		return err
	}

	d.mu.Lock()
	flip := d.rapidFlipLocked(marketID, owner, direction, now)
	spike, err := d.volumeSpikeLocked(marketID, notional)
	d.mu.Unlock()
	if err != nil {
		return err
	}

	if flip || spike {
		d.breakers.Trip(marketID, KindVolume, now)
	}
	return nil
}

// rapidFlipLocked counts direction reversals per owner inside the
// window.
func (d *Detector) rapidFlipLocked(marketID string, owner uuid.UUID, direction int64, now time.Time) bool {
	key := ownerKey{owner, marketID}
	trail, ok := d.trails[key]
	if !ok {
		trail = &ownerTrail{}
		d.trails[key] = trail
	}

	dir := fixedpoint.MustFromInt(direction)
	trail.directions = appendWindow(trail.directions, observation{now, dir}, now.Add(-d.cfg.FlipWindow))

	flips := 0
	for i := 1; i < len(trail.directions); i++ {
		if trail.directions[i].value != trail.directions[i-1].value {
			flips++
		}
	}
	return flips > d.cfg.MaxFlips
}

// volumeSpikeLocked compares one trade against the market's rolling
// average size.
func (d *Detector) volumeSpikeLocked(marketID string, notional fixedpoint.FP) (bool, error) {
	st, ok := d.stats[marketID]
	if !ok {
		st = &marketStats{}
		d.stats[marketID] = st
	}

	spike := false
	if st.count >= int64(d.cfg.MinSamples) {
		avg, err := st.total.DivInt(st.count)
		if err != nil {
			return false, err
		}
		limit, err := avg.Mul(d.cfg.SpikeFactor)
		if err != nil {
			return false, err
		}
		spike = notional.Cmp(limit) > 0
	}

	total, err := st.total.Add(notional)
	if err != nil {
		return false, err
	}
	st.total = total
	st.count++
	return spike, nil
}
