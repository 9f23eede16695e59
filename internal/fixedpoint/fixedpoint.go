// Package fixedpoint provides the deterministic fixed-point number type
// used by every pricing and accounting component. All arithmetic is
// checked: operations return ErrArithmeticOverflow or ErrDivisionByZero
// instead of wrapping or producing NaN. Conversions to and from decimal
// strings live only at input/output boundaries.
package fixedpoint

import (
	"errors"
	"math"
	"math/big"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	// ErrArithmeticOverflow is returned when a result does not fit in
	// the representable range.
	ErrArithmeticOverflow = errors.New("fixedpoint: arithmetic overflow")

	// ErrDivisionByZero is returned when dividing by zero.
	ErrDivisionByZero = errors.New("fixedpoint: division by zero")
)

// Precision is the number of decimal places carried by FP.
const Precision = 9

// Scale is 10^Precision.
const Scale int64 = 1_000_000_000

// FP is a signed fixed-point value scaled by Scale. The zero value is 0.
type FP int64

// Common constants.
const (
	Zero FP = 0
	One  FP = FP(Scale)
)

// bigPool recycles big.Int intermediates for Mul/Div.
var bigPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getBig() *big.Int {
	return bigPool.Get().(*big.Int)
}

func putBig(v *big.Int) {
	v.SetInt64(0)
	bigPool.Put(v)
}

// FromInt converts a whole number of units to FP.
func FromInt(n int64) (FP, error) {
	if n > math.MaxInt64/Scale || n < math.MinInt64/Scale {
		return 0, ErrArithmeticOverflow
	}
	return FP(n * Scale), nil
}

// MustFromInt is FromInt for values known to be in range. It panics on
// overflow and is intended for package-level constants and tests.
func MustFromInt(n int64) FP {
	v, err := FromInt(n)
	if err != nil {
		panic(err)
	}
	return v
}

// FromDecimalString parses a decimal string ("0.05", "-12.5") into FP,
// rounding half-to-even at Precision decimal places.
func FromDecimalString(s string) (FP, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	scaled := d.Shift(Precision).RoundBank(0)
	if !scaled.BigInt().IsInt64() {
		return 0, ErrArithmeticOverflow
	}
	return FP(scaled.BigInt().Int64()), nil
}

// MustParse is FromDecimalString for literals known to be valid.
func MustParse(s string) FP {
	v, err := FromDecimalString(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String renders the value as a decimal string without trailing zeros.
func (f FP) String() string {
	return decimal.New(int64(f), -Precision).String()
}

// Raw returns the underlying scaled integer.
func (f FP) Raw() int64 {
	return int64(f)
}

// FromRaw wraps an already-scaled integer.
func FromRaw(raw int64) FP {
	return FP(raw)
}

// Add returns f + o with overflow checking.
func (f FP) Add(o FP) (FP, error) {
	// Bound check before adding; sign-flip detection misses wraps that
	// land back inside the operands' sign range (MinInt64+MinInt64 is 0).
	if (int64(o) > 0 && int64(f) > math.MaxInt64-int64(o)) ||
		(int64(o) < 0 && int64(f) < math.MinInt64-int64(o)) {
		return 0, ErrArithmeticOverflow
	}
	return FP(int64(f) + int64(o)), nil
}

// Sub returns f - o with overflow checking.
func (f FP) Sub(o FP) (FP, error) {
	if o == FP(math.MinInt64) {
		return 0, ErrArithmeticOverflow
	}
	return f.Add(-o)
}

// Neg returns -f.
func (f FP) Neg() (FP, error) {
	if f == FP(math.MinInt64) {
		return 0, ErrArithmeticOverflow
	}
	return -f, nil
}

// Abs returns |f|.
func (f FP) Abs() (FP, error) {
	if f < 0 {
		return f.Neg()
	}
	return f, nil
}

// Mul returns f * o, rounding half-to-even. Intermediates run through
// big.Int so the product cannot silently wrap.
func (f FP) Mul(o FP) (FP, error) {
	num := getBig()
	num.SetInt64(int64(f))
	rhs := getBig()
	rhs.SetInt64(int64(o))
	num.Mul(num, rhs)
	putBig(rhs)

	result, err := divRoundHalfEven(num, Scale)
	putBig(num)
	return result, err
}

// Div returns f / o, rounding half-to-even.
func (f FP) Div(o FP) (FP, error) {
	if o == 0 {
		return 0, ErrDivisionByZero
	}
	num := getBig()
	num.SetInt64(int64(f))
	scale := getBig()
	scale.SetInt64(Scale)
	num.Mul(num, scale)
	putBig(scale)

	result, err := divRoundHalfEven(num, int64(o))
	putBig(num)
	return result, err
}

// MulInt returns f * n for an unscaled integer multiplier.
func (f FP) MulInt(n int64) (FP, error) {
	num := getBig()
	num.SetInt64(int64(f))
	rhs := getBig()
	rhs.SetInt64(n)
	num.Mul(num, rhs)
	putBig(rhs)

	if !num.IsInt64() {
		putBig(num)
		return 0, ErrArithmeticOverflow
	}
	out := FP(num.Int64())
	putBig(num)
	return out, nil
}

// DivInt returns f / n for an unscaled integer divisor, rounding
// half-to-even.
func (f FP) DivInt(n int64) (FP, error) {
	if n == 0 {
		return 0, ErrDivisionByZero
	}
	num := getBig()
	num.SetInt64(int64(f))
	result, err := divRoundHalfEven(num, n)
	putBig(num)
	return result, err
}

// divRoundHalfEven divides num by denom with banker's rounding and
// bounds-checks the quotient into int64.
func divRoundHalfEven(num *big.Int, denom int64) (FP, error) {
	negative := (num.Sign() < 0) != (denom < 0)

	absNum := getBig()
	absNum.Abs(num)
	absDenom := getBig()
	absDenom.SetInt64(denom)
	absDenom.Abs(absDenom)

	quo := getBig()
	rem := getBig()
	quo.QuoRem(absNum, absDenom, rem)

	// Banker's rounding on the magnitude: round up when the remainder
	// exceeds half the divisor, or equals half and the quotient is odd.
	rem.Lsh(rem, 1) // rem *= 2
	cmp := rem.Cmp(absDenom)
	if cmp > 0 || (cmp == 0 && quo.Bit(0) == 1) {
		quo.Add(quo, oneBig)
	}

	if negative {
		quo.Neg(quo)
	}

	var out FP
	var err error
	if quo.IsInt64() {
		out = FP(quo.Int64())
	} else {
		err = ErrArithmeticOverflow
	}

	putBig(absNum)
	putBig(absDenom)
	putBig(quo)
	putBig(rem)
	return out, err
}

var oneBig = big.NewInt(1)

// Float converts to float64. Boundary use only: the AMM models use it
// for the transcendental interior (exp/ln) and immediately re-fix the
// result.
func (f FP) Float() float64 {
	return float64(f) / float64(Scale)
}

// FromFloat converts a float64 back to FP, rounding half-to-even.
// NaN and infinities are overflow.
func FromFloat(x float64) (FP, error) {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0, ErrArithmeticOverflow
	}
	scaled := x * float64(Scale)
	if scaled >= float64(math.MaxInt64) || scaled <= float64(math.MinInt64) {
		return 0, ErrArithmeticOverflow
	}
	return FP(math.RoundToEven(scaled)), nil
}

// Cmp returns -1, 0, or 1 comparing f to o.
func (f FP) Cmp(o FP) int {
	switch {
	case f < o:
		return -1
	case f > o:
		return 1
	default:
		return 0
	}
}

// IsZero reports f == 0.
func (f FP) IsZero() bool { return f == 0 }

// IsNegative reports f < 0.
func (f FP) IsNegative() bool { return f < 0 }

// IsPositive reports f > 0.
func (f FP) IsPositive() bool { return f > 0 }

// Min returns the smaller of a and b.
func Min(a, b FP) FP {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b FP) FP {
	if a > b {
		return a
	}
	return b
}
