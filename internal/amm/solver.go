package amm

import (
	"fmt"
	"math"

	"LeverEngine/internal/fixedpoint"
)

// SolverMaxIterations caps the Newton-Raphson loop. The solve never
// blocks: exceeding the cap is ErrPriceSolverDivergence, not a retry.
const SolverMaxIterations = 50

// SolverTolerance is the absolute residual at which the solve is
// considered converged.
const SolverTolerance = 1e-9

// newtonRaphson finds x with f(x)=0 starting from x0. The derivative is
// estimated by central difference so every model can be inverted
// without an analytic gradient. A damping step halves the update when
// it overshoots into a larger residual.
func newtonRaphson(f func(float64) (float64, error), x0 float64) (float64, error) {
	const h = 1e-6

	x := x0
	fx, err := f(x)
	if err != nil {
		return 0, err
	}

	for i := 0; i < SolverMaxIterations; i++ {
		if math.Abs(fx) < SolverTolerance {
			return x, nil
		}

		fPlus, err := f(x + h)
		if err != nil {
			return 0, err
		}
		fMinus, err := f(x - h)
		if err != nil {
			return 0, err
		}
		deriv := (fPlus - fMinus) / (2 * h)
		if deriv == 0 || math.IsNaN(deriv) || math.IsInf(deriv, 0) {
			return 0, fmt.Errorf("%w: flat derivative at x=%g", ErrPriceSolverDivergence, x)
		}

		step := fx / deriv
		nextX := x - step
		nextFx, err := f(nextX)
		if err != nil {
			return 0, err
		}

		// Damping: halve the step while the residual grows.
		for damp := 0; damp < 8 && math.Abs(nextFx) > math.Abs(fx); damp++ {
			step /= 2
			nextX = x - step
			nextFx, err = f(nextX)
			if err != nil {
				return 0, err
			}
		}

		x, fx = nextX, nextFx
	}

	if math.Abs(fx) < SolverTolerance {
		return x, nil
	}
	return 0, fmt.Errorf("%w: residual %g after %d iterations", ErrPriceSolverDivergence, fx, SolverMaxIterations)
}

// InvertPrice solves for the trade size that moves the given outcome's
// spot price to target. It works against any State by probing Quote,
// so each strategy gets inversion without its own solver.
func InvertPrice(s State, outcome int, target fixedpoint.FP) (fixedpoint.FP, error) {
	if outcome < 0 || outcome >= s.OutcomeCount() {
		return 0, fmt.Errorf("%w: index %d of %d", ErrUnknownOutcome, outcome, s.OutcomeCount())
	}
	if !target.IsPositive() || target.Cmp(fixedpoint.One) >= 0 {
		return 0, fmt.Errorf("%w: target price %s outside (0,1)", ErrInvariantViolated, target)
	}

	current, err := s.SpotPrice(outcome)
	if err != nil {
		return 0, err
	}
	if current == target {
		return fixedpoint.Zero, nil
	}

	tf := target.Float()
	residual := func(size float64) (float64, error) {
		if size == 0 {
			return current.Float() - tf, nil
		}
		fpSize, err := fixedpoint.FromFloat(size)
		if err != nil {
			return 0, err
		}
		if fpSize.IsZero() {
			return current.Float() - tf, nil
		}
		q, err := s.Quote(outcome, fpSize)
		if err != nil {
			return 0, err
		}
		p, err := q.Next.SpotPrice(outcome)
		if err != nil {
			return 0, err
		}
		return p.Float() - tf, nil
	}

	// Seed with a unit trade in the direction of the target.
	seed := 1.0
	if target.Cmp(current) < 0 {
		seed = -1.0
	}

	size, err := newtonRaphson(residual, seed)
	if err != nil {
		return 0, err
	}
	return fixedpoint.FromFloat(size)
}
