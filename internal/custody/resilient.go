package custody

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"LeverEngine/internal/fixedpoint"
)

// Resilient wraps a remote Ledger with a circuit breaker so a dead
// custody backend fails trades fast instead of stacking timeouts.
// Balance-affecting errors from the backend (insufficient funds) pass
// through and do not count as breaker failures.
type Resilient struct {
	inner Ledger
	cb    *gobreaker.CircuitBreaker
	log   zerolog.Logger
}

// BreakerSettings tunes the custody circuit breaker.
type BreakerSettings struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	FailureRatio float64
	MinRequests  uint32
}

func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:  3,
		Interval:     time.Minute,
		Timeout:      30 * time.Second,
		FailureRatio: 0.5,
		MinRequests:  5,
	}
}

func NewResilient(inner Ledger, st BreakerSettings, log zerolog.Logger) *Resilient {
	if st.FailureRatio <= 0 {
		st.FailureRatio = 0.5
	}
	if st.MinRequests == 0 {
		st.MinRequests = 5
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "custody",
		MaxRequests: st.MaxRequests,
		Interval:    st.Interval,
		Timeout:     st.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= st.MinRequests && ratio >= st.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("custody breaker state changed")
		},
		IsSuccessful: func(err error) bool {
			// Business rejections are healthy responses.
			return err == nil || errors.Is(err, ErrInsufficientFunds)
		},
	})

	return &Resilient{inner: inner, cb: cb, log: log}
}

func (r *Resilient) Debit(ctx context.Context, owner uuid.UUID, amount fixedpoint.FP) error {
	_, err := r.execute(func() (any, error) {
		return nil, r.inner.Debit(ctx, owner, amount)
	})
	return err
}

func (r *Resilient) Credit(ctx context.Context, owner uuid.UUID, amount fixedpoint.FP) error {
	_, err := r.execute(func() (any, error) {
		return nil, r.inner.Credit(ctx, owner, amount)
	})
	return err
}

func (r *Resilient) Balance(ctx context.Context, owner uuid.UUID) (fixedpoint.FP, error) {
	res, err := r.execute(func() (any, error) {
		return r.inner.Balance(ctx, owner)
	})
	if err != nil {
		return 0, err
	}
	return res.(fixedpoint.FP), nil
}

func (r *Resilient) execute(fn func() (any, error)) (any, error) {
	res, err := r.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrUnavailable
		}
		return nil, err
	}
	return res, nil
}
