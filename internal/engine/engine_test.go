package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"LeverEngine/internal/amm"
	"LeverEngine/internal/chain"
	"LeverEngine/internal/custody"
	"LeverEngine/internal/engine"
	"LeverEngine/internal/event"
	"LeverEngine/internal/fixedpoint"
	"LeverEngine/internal/liquidation"
	"LeverEngine/internal/market"
	"LeverEngine/internal/oracle"
	"LeverEngine/internal/position"
	"LeverEngine/internal/risk"
)

type fixture struct {
	eng      *engine.Engine
	markets  *market.Registry
	ledger   *position.Ledger
	vault    *custody.Memory
	breakers *risk.Controller
	fund     *liquidation.InsuranceFund
}

// Deep LMSR liquidity keeps execution prices near spot so collateral
// arithmetic in these tests stays readable.
func newFixture(t *testing.T, marketIDs ...string) *fixture {
	t.Helper()
	reg := market.NewRegistry()
	for _, id := range marketIDs {
		lmsr, err := amm.NewLMSR(fixedpoint.MustParse("1000000"), 2)
		if err != nil {
			t.Fatalf("new lmsr: %v", err)
		}
		if _, err := reg.Create(id, lmsr); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	ledger := position.NewLedger(position.DefaultParams())
	vault := custody.NewMemory()
	breakers := risk.NewController(risk.DefaultConfig(), nil, zerolog.Nop())
	detector := risk.NewDetector(risk.DefaultDetectorConfig(), breakers)
	fund := liquidation.NewInsuranceFund(fixedpoint.MustParse("1000"))
	gate := func(marketID string) error {
		return breakers.AllowLiquidation(marketID, time.Now())
	}
	liq := liquidation.NewEngine(reg, ledger, fund, liquidation.DefaultConfig(), gate, zerolog.Nop())

	eng := engine.New(engine.DefaultConfig(), engine.Deps{
		Markets:  reg,
		Ledger:   ledger,
		Custody:  vault,
		Breakers: breakers,
		Detector: detector,
		Liq:      liq,
		Fund:     fund,
	}, zerolog.Nop())
	breakers.SetHook(eng.BreakerHook())

	return &fixture{eng: eng, markets: reg, ledger: ledger, vault: vault, breakers: breakers, fund: fund}
}

func (f *fixture) fundOwner(t *testing.T, owner uuid.UUID, amount string) {
	t.Helper()
	if err := f.vault.Credit(context.Background(), owner, fixedpoint.MustParse(amount)); err != nil {
		t.Fatalf("credit: %v", err)
	}
}

func (f *fixture) balance(t *testing.T, owner uuid.UUID) fixedpoint.FP {
	t.Helper()
	bal, err := f.vault.Balance(context.Background(), owner)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return bal
}

// drainEvents pulls every envelope currently buffered on the persist
// channel without blocking on an empty one.
func drainEvents(e *engine.Engine) []event.Envelope {
	var out []event.Envelope
	for {
		select {
		case env := <-e.PersistOut():
			out = append(out, env)
		default:
			return out
		}
	}
}

func within(t *testing.T, got fixedpoint.FP, lo, hi string) {
	t.Helper()
	if got.Cmp(fixedpoint.MustParse(lo)) < 0 || got.Cmp(fixedpoint.MustParse(hi)) > 0 {
		t.Fatalf("value %s outside [%s, %s]", got, lo, hi)
	}
}

func TestOpenPosition_DebitsCustody(t *testing.T) {
	f := newFixture(t, "mkt-1")
	owner := uuid.New()
	f.fundOwner(t, owner, "1000")

	pos, err := f.eng.OpenPosition(context.Background(), engine.TradeRequest{
		Owner:      owner,
		MarketID:   "mkt-1",
		Outcome:    0,
		Collateral: fixedpoint.MustParse("100"),
		Leverage:   10,
		Direction:  1,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if got := f.balance(t, owner); got.Cmp(fixedpoint.MustParse("900")) != 0 {
		t.Fatalf("balance after open = %s, want 900", got)
	}
	// Execution drifts just above spot 0.5 on a buy, so size lands a
	// hair under exposure/spot.
	within(t, pos.Size, "1990", "2000")
	if !pos.IsOpen() {
		t.Fatalf("status = %v, want open", pos.Status)
	}

	events := drainEvents(f.eng)
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].Type != event.TypePositionOpened || events[0].Sequence != 1 {
		t.Fatalf("envelope = %v seq %d", events[0].Type, events[0].Sequence)
	}
}

func TestOpenPosition_InsufficientCollateral(t *testing.T) {
	f := newFixture(t, "mkt-1")
	owner := uuid.New()
	f.fundOwner(t, owner, "10")

	_, err := f.eng.OpenPosition(context.Background(), engine.TradeRequest{
		Owner:      owner,
		MarketID:   "mkt-1",
		Collateral: fixedpoint.MustParse("100"),
		Leverage:   10,
		Direction:  1,
	})
	if !errors.Is(err, custody.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	if got := f.balance(t, owner); got.Cmp(fixedpoint.MustParse("10")) != 0 {
		t.Fatalf("balance = %s, want untouched 10", got)
	}
}

func TestOpenPosition_HaltedMarketRefundsNothingDebited(t *testing.T) {
	f := newFixture(t, "mkt-1")
	owner := uuid.New()
	f.fundOwner(t, owner, "1000")
	f.breakers.Trip("mkt-1", risk.KindPrice, time.Now())

	_, err := f.eng.OpenPosition(context.Background(), engine.TradeRequest{
		Owner:      owner,
		MarketID:   "mkt-1",
		Collateral: fixedpoint.MustParse("100"),
		Leverage:   10,
		Direction:  1,
	})
	if !errors.Is(err, risk.ErrMarketHalted) {
		t.Fatalf("err = %v, want ErrMarketHalted", err)
	}
	if got := f.balance(t, owner); got.Cmp(fixedpoint.MustParse("1000")) != 0 {
		t.Fatalf("balance = %s, want 1000", got)
	}
}

func TestOpenPosition_InactiveMarketRefundsDebit(t *testing.T) {
	f := newFixture(t, "mkt-1")
	owner := uuid.New()
	f.fundOwner(t, owner, "1000")
	if err := f.markets.SetStatus("mkt-1", market.StatusPaused); err != nil {
		t.Fatalf("pause: %v", err)
	}

	_, err := f.eng.OpenPosition(context.Background(), engine.TradeRequest{
		Owner:      owner,
		MarketID:   "mkt-1",
		Collateral: fixedpoint.MustParse("100"),
		Leverage:   10,
		Direction:  1,
	})
	if !errors.Is(err, market.ErrNotActive) {
		t.Fatalf("err = %v, want ErrNotActive", err)
	}
	if got := f.balance(t, owner); got.Cmp(fixedpoint.MustParse("1000")) != 0 {
		t.Fatalf("balance = %s, want refunded 1000", got)
	}
}

func TestClosePosition_CreditsReleasedCollateral(t *testing.T) {
	f := newFixture(t, "mkt-1")
	owner := uuid.New()
	f.fundOwner(t, owner, "1000")

	pos, err := f.eng.OpenPosition(context.Background(), engine.TradeRequest{
		Owner:      owner,
		MarketID:   "mkt-1",
		Collateral: fixedpoint.MustParse("100"),
		Leverage:   10,
		Direction:  1,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	pnl, err := f.eng.ClosePosition(context.Background(), pos.ID, fixedpoint.One)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if pnl.Fees.IsZero() {
		t.Fatal("expected a close fee")
	}

	// Round trip on a deep book costs the fee plus a sliver of
	// slippage.
	within(t, f.balance(t, owner), "995", "1000")

	events := drainEvents(f.eng)
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[1].Type != event.TypePositionClosed || events[1].Sequence != 2 {
		t.Fatalf("envelope = %v seq %d", events[1].Type, events[1].Sequence)
	}
}

func TestFundingTick_SettlesSkewedBook(t *testing.T) {
	f := newFixture(t, "mkt-1")
	owner := uuid.New()
	f.fundOwner(t, owner, "1000")

	pos, err := f.eng.OpenPosition(context.Background(), engine.TradeRequest{
		Owner:      owner,
		MarketID:   "mkt-1",
		Collateral: fixedpoint.MustParse("100"),
		Leverage:   10,
		Direction:  1,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	drainEvents(f.eng)

	if err := f.eng.FundingTick(time.Now()); err != nil {
		t.Fatalf("funding tick: %v", err)
	}

	// An all-long book has skew 1, so the index advances by the full
	// coefficient and longs pay size * 0.0001, roughly 0.2 here.
	after, err := f.ledger.Get(pos.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	within(t, after.FundingPaid, "0.19", "0.21")
	within(t, after.Collateral, "99.79", "99.81")

	events := drainEvents(f.eng)
	if len(events) != 1 || events[0].Type != event.TypeFundingSettled {
		t.Fatalf("events = %v", events)
	}
}

func TestLiquidationTick_CreditsSurvivingCollateral(t *testing.T) {
	f := newFixture(t, "mkt-1")
	owner := uuid.New()

	// Book an underwater long directly: entry 0.53 against spot 0.5
	// puts health at 0.92, inside the liquidation band.
	pos, err := f.ledger.Open(position.OpenRequest{
		Owner:      owner,
		MarketID:   "mkt-1",
		Collateral: fixedpoint.MustParse("10"),
		Leverage:   10,
		EntryPrice: fixedpoint.MustParse("0.53"),
		Direction:  1,
		Timestamp:  time.Now(),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	fundBefore := f.fund.Balance()
	results, err := f.eng.LiquidationTick(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("liquidation tick: %v", err)
	}
	if len(results) != 1 || results[0].PositionID != pos.ID {
		t.Fatalf("results = %v", results)
	}

	// Equity after the 0.03 adverse move is about 4.34; the 5% penalty
	// takes 0.5 and the remainder lands back in custody.
	within(t, f.balance(t, owner), "3.5", "4.2")
	penalty, err := f.fund.Balance().Sub(fundBefore)
	if err != nil {
		t.Fatalf("sub: %v", err)
	}
	within(t, penalty, "0.49", "0.51")

	events := drainEvents(f.eng)
	if len(events) != 1 || events[0].Type != event.TypePositionLiquidated {
		t.Fatalf("events = %v", events)
	}
}

func TestCommitChain_DebitsOnceAndEmits(t *testing.T) {
	f := newFixture(t, "mkt-a", "mkt-b")
	owner := uuid.New()
	f.fundOwner(t, owner, "1000")

	c, err := f.eng.Chains().Begin(owner, fixedpoint.MustParse("100"))
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	steps := []chain.Step{
		{MarketID: "mkt-a", Outcome: 0, Leverage: 5, Direction: 1},
		{MarketID: "mkt-b", Outcome: 0, Leverage: 10, Direction: 1},
	}
	for _, s := range steps {
		if err := f.eng.Chains().Append(c.ID, s); err != nil {
			t.Fatalf("append %s: %v", s.MarketID, err)
		}
	}

	committed, err := f.eng.CommitChain(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if got := f.balance(t, owner); got.Cmp(fixedpoint.MustParse("900")) != 0 {
		t.Fatalf("balance = %s, want 900", got)
	}
	if len(committed.PositionIDs) != 2 {
		t.Fatalf("positions = %d, want 2", len(committed.PositionIDs))
	}

	// One audit record per booked step, then the chain summary.
	events := drainEvents(f.eng)
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	if events[0].Type != event.TypePositionOpened || events[1].Type != event.TypePositionOpened {
		t.Fatalf("event types = %s, %s, want PositionOpened pair", events[0].Type, events[1].Type)
	}
	if events[2].Type != event.TypeChainCommitted {
		t.Fatalf("last event = %s, want ChainCommitted", events[2].Type)
	}
	first, ok := events[0].Payload.(*event.PositionOpened)
	if !ok || first.PositionID != committed.PositionIDs[0] {
		t.Fatalf("first open event does not cover the first step")
	}
}

func TestCommitChain_RoundTripConservesCustody(t *testing.T) {
	f := newFixture(t, "mkt-a", "mkt-b")
	owner := uuid.New()
	f.fundOwner(t, owner, "1000")

	c, err := f.eng.Chains().Begin(owner, fixedpoint.MustParse("100"))
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	for _, s := range []chain.Step{
		{MarketID: "mkt-a", Outcome: 0, Leverage: 5, Direction: 1},
		{MarketID: "mkt-b", Outcome: 0, Leverage: 5, Direction: 1},
	} {
		if err := f.eng.Chains().Append(c.ID, s); err != nil {
			t.Fatalf("append %s: %v", s.MarketID, err)
		}
	}

	committed, err := f.eng.CommitChain(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	// Closing every chain position must never return more than the one
	// collateral amount debited at commit, no matter how many steps
	// booked ledger positions along the way.
	for _, id := range committed.PositionIDs {
		if _, err := f.eng.ClosePosition(context.Background(), id, fixedpoint.One); err != nil {
			t.Fatalf("close %s: %v", id, err)
		}
	}

	got := f.balance(t, owner)
	if got.Cmp(fixedpoint.MustParse("1000")) > 0 {
		t.Fatalf("balance after round trip = %s, exceeds the 1000 deposited", got)
	}
	within(t, got, "990", "1000")
}

func TestCommitChain_CycleRefundsCollateral(t *testing.T) {
	f := newFixture(t, "mkt-a", "mkt-b")
	owner := uuid.New()
	f.fundOwner(t, owner, "1000")

	c, err := f.eng.Chains().Begin(owner, fixedpoint.MustParse("100"))
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	for _, id := range []string{"mkt-a", "mkt-b", "mkt-a"} {
		if err := f.eng.Chains().Append(c.ID, chain.Step{MarketID: id, Leverage: 5, Direction: 1}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	_, err = f.eng.CommitChain(context.Background(), c.ID)
	if !errors.Is(err, chain.ErrCycleDetected) {
		t.Fatalf("err = %v, want ErrCycleDetected", err)
	}
	if got := f.balance(t, owner); got.Cmp(fixedpoint.MustParse("1000")) != 0 {
		t.Fatalf("balance = %s, want refunded 1000", got)
	}

	events := drainEvents(f.eng)
	if len(events) != 1 || events[0].Type != event.TypeChainRolledBack {
		t.Fatalf("events = %v", events)
	}
}

func TestResolveMarket(t *testing.T) {
	f := newFixture(t, "mkt-1")

	err := f.eng.ResolveMarket(oracle.Resolution{MarketID: "mkt-1", Outcome: 5, At: time.Now()})
	if !errors.Is(err, oracle.ErrInvalidOutcome) {
		t.Fatalf("err = %v, want ErrInvalidOutcome", err)
	}

	if err := f.eng.ResolveMarket(oracle.Resolution{MarketID: "mkt-1", Outcome: 1, At: time.Now()}); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	snap, err := f.markets.Snapshot("mkt-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Status != market.StatusResolved {
		t.Fatalf("status = %v, want resolved", snap.Status)
	}

	owner := uuid.New()
	f.fundOwner(t, owner, "100")
	_, err = f.eng.OpenPosition(context.Background(), engine.TradeRequest{
		Owner:      owner,
		MarketID:   "mkt-1",
		Collateral: fixedpoint.MustParse("10"),
		Leverage:   5,
		Direction:  1,
	})
	if !errors.Is(err, market.ErrNotActive) {
		t.Fatalf("err = %v, want ErrNotActive", err)
	}

	events := drainEvents(f.eng)
	if len(events) != 1 || events[0].Type != event.TypeMarketResolved {
		t.Fatalf("events = %v", events)
	}
}

func TestBreakerHook_EmitsTripAndRearm(t *testing.T) {
	f := newFixture(t, "mkt-1")
	now := time.Now()

	f.breakers.Trip("mkt-1", risk.KindPrice, now)
	if err := f.breakers.Allow("mkt-1", now.Add(risk.DefaultConfig().Cooldown+time.Second)); err != nil {
		t.Fatalf("allow after cooldown: %v", err)
	}

	events := drainEvents(f.eng)
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Type != event.TypeBreakerTripped || events[1].Type != event.TypeBreakerRearmed {
		t.Fatalf("types = %v, %v", events[0].Type, events[1].Type)
	}
	if events[0].Sequence >= events[1].Sequence {
		t.Fatalf("sequence not monotone: %d, %d", events[0].Sequence, events[1].Sequence)
	}
}
