package amm

import (
	"fmt"
	"math"
)

// IntegratorConfig controls the Simpson's-rule integrator used by the
// continuous-distribution model.
type IntegratorConfig struct {
	// InitialSteps is the starting step count. Must be even.
	InitialSteps int

	// MaxDoublings bounds refinement. The integrator never loops
	// indefinitely: exhausting refinements without converging is
	// ErrIntegrationDidNotConverge.
	MaxDoublings int

	// RelTolerance is the required relative error between successive
	// refinements.
	RelTolerance float64
}

// DefaultIntegrator matches the engine's convergence requirement of
// 1e-6 relative error.
var DefaultIntegrator = IntegratorConfig{
	InitialSteps: 64,
	MaxDoublings: 10,
	RelTolerance: 1e-6,
}

// simpson evaluates the composite Simpson's rule with n steps (n even).
func simpson(f func(float64) float64, a, b float64, n int) float64 {
	h := (b - a) / float64(n)
	sum := f(a) + f(b)
	for i := 1; i < n; i++ {
		x := a + float64(i)*h
		if i%2 == 1 {
			sum += 4 * f(x)
		} else {
			sum += 2 * f(x)
		}
	}
	return sum * h / 3
}

// Integrate computes ∫f over [a,b], doubling the step count until two
// successive estimates agree within RelTolerance.
func (cfg IntegratorConfig) Integrate(f func(float64) float64, a, b float64) (float64, error) {
	if a >= b {
		return 0, fmt.Errorf("amm: bad integration interval [%g, %g]", a, b)
	}
	n := cfg.InitialSteps
	if n < 2 {
		n = 2
	}
	if n%2 != 0 {
		n++
	}

	prev := simpson(f, a, b, n)
	for i := 0; i < cfg.MaxDoublings; i++ {
		n *= 2
		cur := simpson(f, a, b, n)

		denom := math.Abs(cur)
		if denom < 1e-300 {
			denom = 1e-300
		}
		if math.Abs(cur-prev)/denom < cfg.RelTolerance {
			return cur, nil
		}
		prev = cur
	}
	return 0, fmt.Errorf("%w: after %d refinements (steps=%d)", ErrIntegrationDidNotConverge, cfg.MaxDoublings, n)
}
