package amm

import (
	"errors"
	"fmt"

	"LeverEngine/internal/fixedpoint"
)

// ErrHybridMismatch is returned when the two blended models disagree on
// outcome count.
var ErrHybridMismatch = errors.New("amm: hybrid components must share an outcome set")

// Hybrid blends two pricing models linearly:
//
//	p_i = w * pA_i + (1-w) * pB_i
//
// The mixing weight is recomputed periodically from recent volume via
// RebalanceWeight; between rebalances pricing is deterministic in the
// stored weight.
type Hybrid struct {
	A State
	B State

	// Weight applies to A; B receives 1-Weight. Always in [0,1].
	Weight fixedpoint.FP
}

// NewHybrid creates a hybrid state. weight must be in [0,1].
func NewHybrid(a, b State, weight fixedpoint.FP) (*Hybrid, error) {
	if a.OutcomeCount() != b.OutcomeCount() {
		return nil, ErrHybridMismatch
	}
	if weight.IsNegative() || weight.Cmp(fixedpoint.One) > 0 {
		return nil, fmt.Errorf("amm: hybrid weight %s outside [0,1]", weight)
	}
	return &Hybrid{A: a, B: b, Weight: weight}, nil
}

func (s *Hybrid) Kind() Kind        { return KindHybrid }
func (s *Hybrid) OutcomeCount() int { return s.A.OutcomeCount() }

func (s *Hybrid) Clone() State {
	return &Hybrid{A: s.A.Clone(), B: s.B.Clone(), Weight: s.Weight}
}

// blend mixes two fixed-point values by the stored weight.
func (s *Hybrid) blend(a, b fixedpoint.FP) (fixedpoint.FP, error) {
	wa, err := a.Mul(s.Weight)
	if err != nil {
		return 0, err
	}
	wComp, err := fixedpoint.One.Sub(s.Weight)
	if err != nil {
		return 0, err
	}
	wb, err := b.Mul(wComp)
	if err != nil {
		return 0, err
	}
	return wa.Add(wb)
}

func (s *Hybrid) Prices() ([]fixedpoint.FP, error) {
	pa, err := s.A.Prices()
	if err != nil {
		return nil, err
	}
	pb, err := s.B.Prices()
	if err != nil {
		return nil, err
	}
	out := make([]fixedpoint.FP, len(pa))
	for i := range pa {
		out[i], err = s.blend(pa[i], pb[i])
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Hybrid) SpotPrice(outcome int) (fixedpoint.FP, error) {
	if outcome < 0 || outcome >= s.OutcomeCount() {
		return 0, fmt.Errorf("%w: index %d of %d", ErrUnknownOutcome, outcome, s.OutcomeCount())
	}
	pa, err := s.A.SpotPrice(outcome)
	if err != nil {
		return 0, err
	}
	pb, err := s.B.SpotPrice(outcome)
	if err != nil {
		return 0, err
	}
	return s.blend(pa, pb)
}

// Quote routes the trade through both components and blends the costs.
// Both component states advance so their prices stay coupled.
func (s *Hybrid) Quote(outcome int, size fixedpoint.FP) (Quote, error) {
	if err := checkTrade(s.OutcomeCount(), outcome, size); err != nil {
		return Quote{}, err
	}

	qa, err := s.A.Quote(outcome, size)
	if err != nil {
		return Quote{}, err
	}
	qb, err := s.B.Quote(outcome, size)
	if err != nil {
		return Quote{}, err
	}

	cost, err := s.blend(qa.Cost, qb.Cost)
	if err != nil {
		return Quote{}, err
	}

	next := &Hybrid{A: qa.Next, B: qb.Next, Weight: s.Weight}

	prices, err := next.Prices()
	if err != nil {
		return Quote{}, err
	}
	if err := validatePrices(prices); err != nil {
		return Quote{}, err
	}

	price, err := execPrice(cost, size)
	if err != nil {
		return Quote{}, err
	}

	return Quote{ExecPrice: price, Cost: cost, Next: next}, nil
}

// RebalanceWeight recomputes the mixing coefficient from recent volume
// routed through each component: w = volA / (volA + volB). Zero total
// volume leaves the weight unchanged.
func (s *Hybrid) RebalanceWeight(volumeA, volumeB fixedpoint.FP) error {
	if volumeA.IsNegative() || volumeB.IsNegative() {
		return fmt.Errorf("amm: negative rebalance volume")
	}
	total, err := volumeA.Add(volumeB)
	if err != nil {
		return err
	}
	if total.IsZero() {
		return nil
	}
	w, err := volumeA.Div(total)
	if err != nil {
		return err
	}
	s.Weight = w
	return nil
}
