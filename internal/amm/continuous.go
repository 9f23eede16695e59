package amm

import (
	"errors"
	"fmt"
	"math"

	"LeverEngine/internal/fixedpoint"
)

// ErrInvalidDistribution is returned when continuous-model parameters
// are degenerate (non-positive spread or liquidity).
var ErrInvalidDistribution = errors.New("amm: invalid distribution parameters")

// Continuous prices an outcome continuum on [0,1] sliced into equal
// bins. The base distribution is Gaussian; trading a bin tilts the
// density exponentially in that bin, LMSR-style:
//
//	f(x)  = φ((x-μ)/σ) * exp(q_bin(x) / b)
//	p_i   = ∫_bin_i f / ∫_[0,1] f
//	cost  = b * ln(Z' / Z)
//
// where Z is the normalizing integral. Integrals are evaluated by the
// Simpson's-rule integrator and must converge to 1e-6 relative error
// or the quote fails with ErrIntegrationDidNotConverge.
type Continuous struct {
	// Mean and Sigma parameterize the base Gaussian on [0,1].
	Mean  fixedpoint.FP
	Sigma fixedpoint.FP

	// B is the tilt liquidity parameter.
	B fixedpoint.FP

	// Q holds per-bin tilt quantities.
	Q []fixedpoint.FP

	// Integrator configures the numerical integration.
	Integrator IntegratorConfig
}

// NewContinuous creates a continuous-distribution state with n bins.
func NewContinuous(mean, sigma, b fixedpoint.FP, n int) (*Continuous, error) {
	if !sigma.IsPositive() || !b.IsPositive() {
		return nil, ErrInvalidDistribution
	}
	if n < 2 {
		return nil, fmt.Errorf("amm: need at least 2 outcomes, got %d", n)
	}
	return &Continuous{
		Mean:       mean,
		Sigma:      sigma,
		B:          b,
		Q:          make([]fixedpoint.FP, n),
		Integrator: DefaultIntegrator,
	}, nil
}

func (s *Continuous) Kind() Kind        { return KindContinuous }
func (s *Continuous) OutcomeCount() int { return len(s.Q) }

func (s *Continuous) Clone() State {
	q := make([]fixedpoint.FP, len(s.Q))
	copy(q, s.Q)
	return &Continuous{
		Mean:       s.Mean,
		Sigma:      s.Sigma,
		B:          s.B,
		Q:          q,
		Integrator: s.Integrator,
	}
}

// density evaluates the tilted density for quantities q at x in [0,1].
func (s *Continuous) density(q []fixedpoint.FP, x float64) float64 {
	mu := s.Mean.Float()
	sigma := s.Sigma.Float()
	b := s.B.Float()

	z := (x - mu) / sigma
	base := math.Exp(-0.5 * z * z)

	bin := int(x * float64(len(q)))
	if bin >= len(q) {
		bin = len(q) - 1
	}
	return base * math.Exp(q[bin].Float()/b)
}

// binBounds returns the [lo, hi) interval of bin i on [0,1].
func (s *Continuous) binBounds(i int) (float64, float64) {
	n := float64(len(s.Q))
	return float64(i) / n, float64(i+1) / n
}

// partition integrates the tilted density over the whole domain.
func (s *Continuous) partition(q []fixedpoint.FP) (float64, error) {
	return s.Integrator.Integrate(func(x float64) float64 {
		return s.density(q, x)
	}, 0, 1)
}

// pricesFor computes all bin prices for quantities q.
func (s *Continuous) pricesFor(q []fixedpoint.FP) ([]fixedpoint.FP, error) {
	z, err := s.partition(q)
	if err != nil {
		return nil, err
	}
	if z <= 0 {
		return nil, ErrInvalidDistribution
	}

	prices := make([]fixedpoint.FP, len(q))
	for i := range q {
		lo, hi := s.binBounds(i)
		mass, err := s.Integrator.Integrate(func(x float64) float64 {
			return s.density(q, x)
		}, lo, hi)
		if err != nil {
			return nil, err
		}
		p, err := fixedpoint.FromFloat(mass / z)
		if err != nil {
			return nil, err
		}
		prices[i] = p
	}

	// Integration error can leave the sum a hair off 1; renormalize the
	// residual into the largest bin so the invariant check measures
	// model error, not accumulated quadrature drift.
	return renormalize(prices)
}

// renormalize folds sub-epsilon rounding drift into the largest price.
func renormalize(prices []fixedpoint.FP) ([]fixedpoint.FP, error) {
	sum := fixedpoint.Zero
	maxIdx := 0
	for i, p := range prices {
		var err error
		sum, err = sum.Add(p)
		if err != nil {
			return nil, err
		}
		if p.Cmp(prices[maxIdx]) > 0 {
			maxIdx = i
		}
	}
	drift, err := sum.Sub(fixedpoint.One)
	if err != nil {
		return nil, err
	}
	abs, err := drift.Abs()
	if err != nil {
		return nil, err
	}
	// Only absorb drift that is plausibly quadrature noise.
	if abs.Cmp(Epsilon) <= 0 && !drift.IsZero() {
		prices[maxIdx], err = prices[maxIdx].Sub(drift)
		if err != nil {
			return nil, err
		}
	}
	return prices, nil
}

func (s *Continuous) Prices() ([]fixedpoint.FP, error) {
	return s.pricesFor(s.Q)
}

func (s *Continuous) SpotPrice(outcome int) (fixedpoint.FP, error) {
	if outcome < 0 || outcome >= len(s.Q) {
		return 0, fmt.Errorf("%w: index %d of %d", ErrUnknownOutcome, outcome, len(s.Q))
	}
	prices, err := s.Prices()
	if err != nil {
		return 0, err
	}
	return prices[outcome], nil
}

// Quote prices a trade as b * ln(Z'/Z), the continuum analogue of the
// LMSR cost difference.
func (s *Continuous) Quote(outcome int, size fixedpoint.FP) (Quote, error) {
	if err := checkTrade(len(s.Q), outcome, size); err != nil {
		return Quote{}, err
	}

	zBefore, err := s.partition(s.Q)
	if err != nil {
		return Quote{}, err
	}

	next := s.Clone().(*Continuous)
	newQty, err := next.Q[outcome].Add(size)
	if err != nil {
		return Quote{}, err
	}
	next.Q[outcome] = newQty

	zAfter, err := next.partition(next.Q)
	if err != nil {
		return Quote{}, err
	}
	if zBefore <= 0 || zAfter <= 0 {
		return Quote{}, ErrInvalidDistribution
	}

	cost, err := fixedpoint.FromFloat(s.B.Float() * math.Log(zAfter/zBefore))
	if err != nil {
		return Quote{}, err
	}

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
