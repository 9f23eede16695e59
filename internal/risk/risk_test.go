package risk_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"LeverEngine/internal/fixedpoint"
	"LeverEngine/internal/risk"
)

func newController(hook risk.TripHook) *risk.Controller {
	cfg := risk.DefaultConfig()
	cfg.VolumeLimit = fixedpoint.MustParse("100")
	return risk.NewController(cfg, hook, zerolog.Nop())
}

func TestPriceBreaker_TripsOnLargeMove(t *testing.T) {
	c := newController(nil)
	now := time.Now()

	// 10% threshold, 15% move inside the window.
	if err := c.ObservePrice("mkt-1", fixedpoint.MustParse("1.00"), now); err != nil {
		t.Fatalf("observe: %v", err)
	}
	if err := c.ObservePrice("mkt-1", fixedpoint.MustParse("1.15"), now.Add(10*time.Second)); err != nil {
		t.Fatalf("observe: %v", err)
	}

	err := c.Allow("mkt-1", now.Add(11*time.Second))
	if !errors.Is(err, risk.ErrMarketHalted) {
		t.Fatalf("err = %v, want ErrMarketHalted", err)
	}
	if !strings.Contains(err.Error(), "price") {
		t.Fatalf("err %q does not name the breaker kind", err)
	}
	if kind, tripped := c.Tripped("mkt-1"); !tripped || kind != risk.KindPrice {
		t.Fatalf("tripped = %v kind = %s, want price trip", tripped, kind)
	}
}

func TestPriceBreaker_WithinThresholdStaysArmed(t *testing.T) {
	c := newController(nil)
	now := time.Now()

	c.ObservePrice("mkt-1", fixedpoint.MustParse("1.00"), now)
	c.ObservePrice("mkt-1", fixedpoint.MustParse("1.09"), now.Add(time.Second))

	if err := c.Allow("mkt-1", now.Add(2*time.Second)); err != nil {
		t.Fatalf("allow: %v", err)
	}
}

func TestPriceBreaker_WindowEviction(t *testing.T) {
	c := newController(nil)
	now := time.Now()

	// The first observation falls out of the one-minute window before
	// the second arrives, so no move is measured.
	c.ObservePrice("mkt-1", fixedpoint.MustParse("1.00"), now)
	c.ObservePrice("mkt-1", fixedpoint.MustParse("1.15"), now.Add(2*time.Minute))

	if err := c.Allow("mkt-1", now.Add(2*time.Minute)); err != nil {
		t.Fatalf("allow: %v", err)
	}
}

func TestBreaker_CooldownRearm(t *testing.T) {
	var transitions []bool
	hook := func(marketID string, kind risk.Kind, tripped bool) {
		transitions = append(transitions, tripped)
	}
	c := newController(hook)
	now := time.Now()

	c.ObservePrice("mkt-1", fixedpoint.MustParse("1.00"), now)
	c.ObservePrice("mkt-1", fixedpoint.MustParse("1.20"), now.Add(time.Second))
	if err := c.Allow("mkt-1", now.Add(2*time.Second)); !errors.Is(err, risk.ErrMarketHalted) {
		t.Fatalf("err = %v, want ErrMarketHalted", err)
	}

	// Cooldown (5m default) elapsed: trading resumes, breaker re-arms.
	if err := c.Allow("mkt-1", now.Add(6*time.Minute)); err != nil {
		t.Fatalf("allow after cooldown: %v", err)
	}
	if _, tripped := c.Tripped("mkt-1"); tripped {
		t.Fatal("breaker still tripped after cooldown")
	}
	if len(transitions) != 2 || !transitions[0] || transitions[1] {
		t.Fatalf("hook transitions = %v, want [true false]", transitions)
	}
}

func TestVolumeBreaker(t *testing.T) {
	c := newController(nil)
	now := time.Now()

	if err := c.ObserveVolume("mkt-1", fixedpoint.MustParse("60"), now); err != nil {
		t.Fatalf("observe: %v", err)
	}
	if err := c.Allow("mkt-1", now); err != nil {
		t.Fatalf("allow under limit: %v", err)
	}
	if err := c.ObserveVolume("mkt-1", fixedpoint.MustParse("50"), now.Add(time.Second)); err != nil {
		t.Fatalf("observe: %v", err)
	}

	err := c.Allow("mkt-1", now.Add(2*time.Second))
	if !errors.Is(err, risk.ErrMarketHalted) {
		t.Fatalf("err = %v, want ErrMarketHalted", err)
	}
	if kind, _ := c.Tripped("mkt-1"); kind != risk.KindVolume {
		t.Fatalf("kind = %s, want volume", kind)
	}
}

func TestCoverageBreaker_HaltsLiquidations(t *testing.T) {
	c := newController(nil)
	now := time.Now()

	c.ObserveCoverage("mkt-1", fixedpoint.MustParse("0.4"), now)

	if err := c.AllowLiquidation("mkt-1", now.Add(time.Second)); !errors.Is(err, risk.ErrMarketHalted) {
		t.Fatalf("liquidation under coverage trip: err = %v, want ErrMarketHalted", err)
	}
	if err := c.Allow("mkt-1", now.Add(time.Second)); !errors.Is(err, risk.ErrMarketHalted) {
		t.Fatalf("trade under coverage trip: err = %v, want ErrMarketHalted", err)
	}
}

func TestPriceTrip_DoesNotHaltLiquidations(t *testing.T) {
	c := newController(nil)
	now := time.Now()

	c.ObservePrice("mkt-1", fixedpoint.MustParse("1.00"), now)
	c.ObservePrice("mkt-1", fixedpoint.MustParse("1.20"), now.Add(time.Second))

	if err := c.Allow("mkt-1", now.Add(2*time.Second)); !errors.Is(err, risk.ErrMarketHalted) {
		t.Fatalf("trade: err = %v, want ErrMarketHalted", err)
	}
	if err := c.AllowLiquidation("mkt-1", now.Add(2*time.Second)); err != nil {
		t.Fatalf("liquidation under price trip: %v", err)
	}
}

func TestDetector_RapidFlip(t *testing.T) {
	c := newController(nil)
	cfg := risk.DefaultDetectorConfig()
	cfg.MaxFlips = 3
	d := risk.NewDetector(cfg, c)

	owner := uuid.New()
	now := time.Now()
	dir := int64(1)
	for i := 0; i < 6; i++ {
		if err := d.RecordTrade("mkt-1", owner, dir, fixedpoint.MustParse("1"), now.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("record: %v", err)
		}
		dir = -dir
	}

	if kind, tripped := c.Tripped("mkt-1"); !tripped || kind != risk.KindVolume {
		t.Fatalf("tripped = %v kind = %s, want volume trip from flips", tripped, kind)
	}
}

func TestDetector_VolumeSpike(t *testing.T) {
	c := newController(nil)
	cfg := risk.DefaultDetectorConfig()
	cfg.MinSamples = 3
	d := risk.NewDetector(cfg, c)

	now := time.Now()
	for i := 0; i < 3; i++ {
		if err := d.RecordTrade("mkt-1", uuid.New(), 1, fixedpoint.MustParse("10"), now.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if _, tripped := c.Tripped("mkt-1"); tripped {
		t.Fatal("tripped before spike")
	}

	// 200 against a rolling average of 10 with factor 10.
	if err := d.RecordTrade("mkt-1", uuid.New(), 1, fixedpoint.MustParse("200"), now.Add(4*time.Second)); err != nil {
		t.Fatalf("record: %v", err)
	}
	if kind, tripped := c.Tripped("mkt-1"); !tripped || kind != risk.KindVolume {
		t.Fatalf("tripped = %v kind = %s, want volume spike trip", tripped, kind)
	}
}
