package liquidation

import (
	"sync"

	"LeverEngine/internal/fixedpoint"
)

// InsuranceFund absorbs liquidation shortfalls so a wiped-out position
// never claws collateral from other users. Balance grows from
// liquidation penalties and external deposits; uncovered shortfalls
// accumulate as debt.
type InsuranceFund struct {
	mu      sync.Mutex
	balance fixedpoint.FP
	debt    fixedpoint.FP
}

func NewInsuranceFund(seed fixedpoint.FP) *InsuranceFund {
	return &InsuranceFund{balance: seed}
}

// Deposit credits the fund (penalty revenue, external top-ups).
func (f *InsuranceFund) Deposit(amount fixedpoint.FP) error {
	if amount.IsNegative() {
		return fixedpoint.ErrArithmeticOverflow
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	b, err := f.balance.Add(amount)
	if err != nil {
		return err
	}
	f.balance = b
	return nil
}

// AbsorbShortfall draws a liquidation deficit from the balance; any
// remainder is recorded as debt.
func (f *InsuranceFund) AbsorbShortfall(amount fixedpoint.FP) error {
	if amount.IsNegative() {
		return fixedpoint.ErrArithmeticOverflow
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.balance.Cmp(amount) >= 0 {
		b, err := f.balance.Sub(amount)
		if err != nil {
			return err
		}
		f.balance = b
		return nil
	}

	uncovered, err := amount.Sub(f.balance)
	if err != nil {
		return err
	}
	f.balance = fixedpoint.Zero
	d, err := f.debt.Add(uncovered)
	if err != nil {
		return err
	}
	f.debt = d
	return nil
}

// CanCover reports whether the fund could absorb amount without
// taking on debt.
func (f *InsuranceFund) CanCover(amount fixedpoint.FP) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance.Cmp(amount) >= 0
}

// Balance returns the current fund balance.
func (f *InsuranceFund) Balance() fixedpoint.FP {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance
}

// Debt returns accumulated uncovered shortfall.
func (f *InsuranceFund) Debt() fixedpoint.FP {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.debt
}

// Coverage returns balance / (balance + debt): 1 while the fund has
// never gone under, shrinking toward 0 as debt accumulates.
func (f *InsuranceFund) Coverage() (fixedpoint.FP, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	total, err := f.balance.Add(f.debt)
	if err != nil {
		return 0, err
	}
	if total.IsZero() {
		return fixedpoint.One, nil
	}
	return f.balance.Div(total)
}
