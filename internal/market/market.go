// Package market owns per-market AMM state and enforces the
// single-writer-per-market discipline: every mutation runs under the
// market's lock, and multi-market operations (chain commits) acquire
// locks in sorted id order to stay deadlock-free.
package market

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"LeverEngine/internal/amm"
	"LeverEngine/internal/fixedpoint"
)

var (
	// ErrNotFound is returned for an unknown market id.
	ErrNotFound = errors.New("market: not found")

	// ErrAlreadyExists is returned when creating a duplicate market id.
	ErrAlreadyExists = errors.New("market: already exists")

	// ErrNotActive is returned when an operation requires an Active
	// market.
	ErrNotActive = errors.New("market: not active")
)

// Status is the market lifecycle state.
type Status int32

const (
	StatusActive Status = iota
	StatusPaused
	StatusResolved
	StatusHalted
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "Active"
	case StatusPaused:
		return "Paused"
	case StatusResolved:
		return "Resolved"
	case StatusHalted:
		return "Halted"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates status transitions. Resolved is terminal.
func (s Status) CanTransitionTo(next Status) bool {
	valid := map[Status][]Status{
		StatusActive: {StatusPaused, StatusHalted, StatusResolved},
		StatusPaused: {StatusActive, StatusResolved},
		StatusHalted: {StatusActive, StatusResolved},
	}
	for _, allowed := range valid[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// Market is a tradeable outcome set priced by one AMM state.
type Market struct {
	ID       string
	Status   Status
	AMM      amm.State

	// OpenInterestLong/Short track total exposure per direction and
	// drive the funding-rate accumulator.
	OpenInterestLong  fixedpoint.FP
	OpenInterestShort fixedpoint.FP

	// FundingIndex is the cumulative funding accumulator. Positions
	// store the index at entry and settle against the difference.
	FundingIndex fixedpoint.FP

	// Version increments on every mutation.
	Version int64
}

// OutcomeCount returns the number of outcomes priced by the AMM.
func (m *Market) OutcomeCount() int {
	return m.AMM.OutcomeCount()
}

// entry pairs a market with its writer lock.
type entry struct {
	mu sync.Mutex
	m  *Market
}

// Registry holds all markets. The registry map itself is guarded by a
// read-write mutex; individual market state is guarded by the per-entry
// mutex so independent markets proceed concurrently.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Create registers a new Active market with the given AMM state.
func (r *Registry) Create(id string, st amm.State) (*Market, error) {
	if id == "" {
		return nil, fmt.Errorf("market: empty id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	}

	m := &Market{ID: id, Status: StatusActive, AMM: st}
	r.entries[id] = &entry{m: m}
	return m, nil
}

// IDs returns all registered market ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// With runs fn holding the market's writer lock. fn may mutate the
// market; no other writer runs concurrently on the same market.
func (r *Registry) With(id string, fn func(*Market) error) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.m)
}

// WithMany runs fn holding the writer locks of every listed market.
// Locks are acquired in sorted id order so concurrently-committing
// chains that share markets cannot deadlock.
func (r *Registry) WithMany(ids []string, fn func(map[string]*Market) error) error {
	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)

	// Deduplicate; a caller listing a market twice must not self-deadlock.
	uniq := sorted[:0]
	for i, id := range sorted {
		if i == 0 || id != sorted[i-1] {
			uniq = append(uniq, id)
		}
	}

	entries := make([]*entry, 0, len(uniq))
	for _, id := range uniq {
		e, err := r.lookup(id)
		if err != nil {
			return err
		}
		entries = append(entries, e)
	}

	for _, e := range entries {
		e.mu.Lock()
	}
	defer func() {
		for i := len(entries) - 1; i >= 0; i-- {
			entries[i].mu.Unlock()
		}
	}()

	markets := make(map[string]*Market, len(entries))
	for _, e := range entries {
		markets[e.m.ID] = e.m
	}
	return fn(markets)
}

// Snapshot returns a read-only copy of the market (AMM state deep
// copied) for callers outside the writer path.
func (r *Registry) Snapshot(id string) (Market, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Market{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	snap := *e.m
	snap.AMM = e.m.AMM.Clone()
	return snap, nil
}

// SetStatus transitions the market's lifecycle status.
func (r *Registry) SetStatus(id string, next Status) error {
	return r.With(id, func(m *Market) error {
		if !m.Status.CanTransitionTo(next) {
			return fmt.Errorf("market %s: invalid transition %s -> %s", id, m.Status, next)
		}
		m.Status = next
		m.Version++
		return nil
	})
}

// RequireActive returns ErrNotActive unless the market can trade.
func (m *Market) RequireActive() error {
	if m.Status != StatusActive {
		return fmt.Errorf("%w: %s is %s", ErrNotActive, m.ID, m.Status)
	}
	return nil
}

// AccrueFunding advances the funding accumulator from open-interest
// imbalance: rate = coefficient * (longOI - shortOI) / (longOI + shortOI).
// A balanced book accrues nothing.
func (m *Market) AccrueFunding(coefficient fixedpoint.FP) error {
	total, err := m.OpenInterestLong.Add(m.OpenInterestShort)
	if err != nil {
		return err
	}
	if total.IsZero() {
		return nil
	}
	imbalance, err := m.OpenInterestLong.Sub(m.OpenInterestShort)
	if err != nil {
		return err
	}
	skew, err := imbalance.Div(total)
	if err != nil {
		return err
	}
	rate, err := skew.Mul(coefficient)
	if err != nil {
		return err
	}
	m.FundingIndex, err = m.FundingIndex.Add(rate)
	if err != nil {
		return err
	}
	m.Version++
	return nil
}
