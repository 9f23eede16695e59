package market_test

import (
	"errors"
	"sync"
	"testing"

	"LeverEngine/internal/amm"
	"LeverEngine/internal/fixedpoint"
	"LeverEngine/internal/market"
)

func newRegistry(t *testing.T, ids ...string) *market.Registry {
	t.Helper()
	r := market.NewRegistry()
	for _, id := range ids {
		st, err := amm.NewLMSR(fixedpoint.MustFromInt(100), 2)
		if err != nil {
			t.Fatalf("NewLMSR: %v", err)
		}
		if _, err := r.Create(id, st); err != nil {
			t.Fatalf("Create(%s): %v", id, err)
		}
	}
	return r
}

func TestCreate_Duplicate(t *testing.T) {
	r := newRegistry(t, "mkt-a")
	st, _ := amm.NewLMSR(fixedpoint.MustFromInt(100), 2)
	if _, err := r.Create("mkt-a", st); !errors.Is(err, market.ErrAlreadyExists) {
		t.Errorf("got %v, want ErrAlreadyExists", err)
	}
}

func TestWith_Unknown(t *testing.T) {
	r := newRegistry(t)
	err := r.With("missing", func(*market.Market) error { return nil })
	if !errors.Is(err, market.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to market.Status
		ok       bool
	}{
		{market.StatusActive, market.StatusPaused, true},
		{market.StatusActive, market.StatusHalted, true},
		{market.StatusActive, market.StatusResolved, true},
		{market.StatusPaused, market.StatusActive, true},
		{market.StatusHalted, market.StatusActive, true},
		{market.StatusResolved, market.StatusActive, false},
		{market.StatusPaused, market.StatusHalted, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.ok {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestSetStatus_ResolvedTerminal(t *testing.T) {
	r := newRegistry(t, "mkt-a")
	if err := r.SetStatus("mkt-a", market.StatusResolved); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if err := r.SetStatus("mkt-a", market.StatusActive); err == nil {
		t.Error("expected error reactivating a resolved market")
	}
}

func TestWithMany_SortedAndDeduped(t *testing.T) {
	r := newRegistry(t, "mkt-a", "mkt-b", "mkt-c")

	var seen []string
	err := r.WithMany([]string{"mkt-c", "mkt-a", "mkt-c"}, func(ms map[string]*market.Market) error {
		for id := range ms {
			seen = append(seen, id)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithMany: %v", err)
	}
	if len(seen) != 2 {
		t.Errorf("locked %d markets, want 2 (deduped)", len(seen))
	}
}

func TestWithMany_ConcurrentNoDeadlock(t *testing.T) {
	r := newRegistry(t, "mkt-a", "mkt-b", "mkt-c")

	var wg sync.WaitGroup
	// Overlapping lock sets in conflicting declaration order; sorted
	// acquisition must prevent deadlock.
	sets := [][]string{
		{"mkt-a", "mkt-b"},
		{"mkt-b", "mkt-c"},
		{"mkt-c", "mkt-a"},
	}
	for i := 0; i < 50; i++ {
		for _, ids := range sets {
			wg.Add(1)
			go func(ids []string) {
				defer wg.Done()
				_ = r.WithMany(ids, func(ms map[string]*market.Market) error {
					for _, m := range ms {
						m.Version++
					}
					return nil
				})
			}(ids)
		}
	}
	wg.Wait()
}

func TestSnapshot_Isolated(t *testing.T) {
	r := newRegistry(t, "mkt-a")

	snap, err := r.Snapshot("mkt-a")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	// Trade on the live market; snapshot prices must not move.
	err = r.With("mkt-a", func(m *market.Market) error {
		q, err := m.AMM.Quote(0, fixedpoint.MustFromInt(50))
		if err != nil {
			return err
		}
		m.AMM = q.Next
		return nil
	})
	if err != nil {
		t.Fatalf("With: %v", err)
	}

	snapPrice, _ := snap.AMM.SpotPrice(0)
	if snapPrice != fixedpoint.MustParse("0.5") {
		t.Errorf("snapshot price moved to %s", snapPrice)
	}
}

func TestAccrueFunding(t *testing.T) {
	m := &market.Market{
		ID:                "mkt-a",
		OpenInterestLong:  fixedpoint.MustFromInt(300),
		OpenInterestShort: fixedpoint.MustFromInt(100),
	}

	// skew = 200/400 = 0.5; coefficient 0.01 -> index +0.005
	if err := m.AccrueFunding(fixedpoint.MustParse("0.01")); err != nil {
		t.Fatalf("AccrueFunding: %v", err)
	}
	if m.FundingIndex != fixedpoint.MustParse("0.005") {
		t.Errorf("funding index = %s, want 0.005", m.FundingIndex)
	}
}

func TestAccrueFunding_BalancedBook(t *testing.T) {
	m := &market.Market{
		ID:                "mkt-a",
		OpenInterestLong:  fixedpoint.MustFromInt(100),
		OpenInterestShort: fixedpoint.MustFromInt(100),
	}
	if err := m.AccrueFunding(fixedpoint.MustParse("0.01")); err != nil {
		t.Fatalf("AccrueFunding: %v", err)
	}
	if !m.FundingIndex.IsZero() {
		t.Errorf("balanced book accrued funding %s", m.FundingIndex)
	}
}

func TestAccrueFunding_EmptyBook(t *testing.T) {
	m := &market.Market{ID: "mkt-a"}
	if err := m.AccrueFunding(fixedpoint.MustParse("0.01")); err != nil {
		t.Fatalf("AccrueFunding: %v", err)
	}
	if !m.FundingIndex.IsZero() {
		t.Errorf("empty book accrued funding %s", m.FundingIndex)
	}
}
