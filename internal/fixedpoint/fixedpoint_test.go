package fixedpoint_test

import (
	"errors"
	"math"
	"testing"

	"LeverEngine/internal/fixedpoint"
)

func TestFromInt(t *testing.T) {
	v, err := fixedpoint.FromInt(42)
	if err != nil {
		t.Fatalf("FromInt(42): %v", err)
	}
	if v.Raw() != 42*fixedpoint.Scale {
		t.Errorf("got raw %d, want %d", v.Raw(), 42*fixedpoint.Scale)
	}
}

func TestFromInt_Overflow(t *testing.T) {
	_, err := fixedpoint.FromInt(math.MaxInt64)
	if !errors.Is(err, fixedpoint.ErrArithmeticOverflow) {
		t.Errorf("got %v, want ErrArithmeticOverflow", err)
	}
}

func TestFromDecimalString(t *testing.T) {
	tests := []struct {
		in   string
		want int64 // raw
	}{
		{"0", 0},
		{"1", fixedpoint.Scale},
		{"0.5", fixedpoint.Scale / 2},
		{"-2.25", -2_250_000_000},
		{"0.000000001", 1},
	}
	for _, tt := range tests {
		v, err := fixedpoint.FromDecimalString(tt.in)
		if err != nil {
			t.Fatalf("FromDecimalString(%q): %v", tt.in, err)
		}
		if v.Raw() != tt.want {
			t.Errorf("FromDecimalString(%q) = %d, want %d", tt.in, v.Raw(), tt.want)
		}
	}
}

func TestString_RoundTrip(t *testing.T) {
	for _, s := range []string{"0.5", "-12.25", "100", "0.000000001"} {
		v := fixedpoint.MustParse(s)
		got := v.String()
		if got != s {
			t.Errorf("round trip %q -> %q", s, got)
		}
	}
}

func TestAdd_Overflow(t *testing.T) {
	huge := fixedpoint.FromRaw(math.MaxInt64)
	_, err := huge.Add(fixedpoint.One)
	if !errors.Is(err, fixedpoint.ErrArithmeticOverflow) {
		t.Errorf("got %v, want ErrArithmeticOverflow", err)
	}
}

func TestAdd_NegativeOverflowWrapsToZero(t *testing.T) {
	// MinInt64 + MinInt64 wraps to exactly 0 in two's complement, so a
	// sign-flip check alone would report a valid sum.
	lowest := fixedpoint.FromRaw(math.MinInt64)
	if _, err := lowest.Add(lowest); !errors.Is(err, fixedpoint.ErrArithmeticOverflow) {
		t.Errorf("got %v, want ErrArithmeticOverflow", err)
	}
	if _, err := lowest.Add(fixedpoint.FromRaw(-1)); !errors.Is(err, fixedpoint.ErrArithmeticOverflow) {
		t.Errorf("got %v, want ErrArithmeticOverflow", err)
	}
}

func TestSub_MinInt(t *testing.T) {
	_, err := fixedpoint.Zero.Sub(fixedpoint.FromRaw(math.MinInt64))
	if !errors.Is(err, fixedpoint.ErrArithmeticOverflow) {
		t.Errorf("got %v, want ErrArithmeticOverflow", err)
	}
}

func TestMul(t *testing.T) {
	a := fixedpoint.MustParse("1.5")
	b := fixedpoint.MustParse("2")
	got, err := a.Mul(b)
	if err != nil {
		t.Fatalf("Mul: %v", err)
	}
	if got != fixedpoint.MustParse("3") {
		t.Errorf("1.5 * 2 = %s, want 3", got)
	}
}

func TestMul_Negative(t *testing.T) {
	a := fixedpoint.MustParse("-0.5")
	b := fixedpoint.MustParse("0.5")
	got, err := a.Mul(b)
	if err != nil {
		t.Fatalf("Mul: %v", err)
	}
	if got != fixedpoint.MustParse("-0.25") {
		t.Errorf("-0.5 * 0.5 = %s, want -0.25", got)
	}
}

func TestDiv(t *testing.T) {
	a := fixedpoint.MustParse("1")
	b := fixedpoint.MustParse("3")
	got, err := a.Div(b)
	if err != nil {
		t.Fatalf("Div: %v", err)
	}
	// 1/3 at 9 decimal places, round half even.
	if got.Raw() != 333_333_333 {
		t.Errorf("1/3 raw = %d, want 333333333", got.Raw())
	}
}

func TestDiv_ByZero(t *testing.T) {
	_, err := fixedpoint.One.Div(fixedpoint.Zero)
	if !errors.Is(err, fixedpoint.ErrDivisionByZero) {
		t.Errorf("got %v, want ErrDivisionByZero", err)
	}
}

func TestDiv_RoundHalfEven(t *testing.T) {
	// 0.000000005 / 2 = 0.0000000025: half, quotient 2 is even -> stays 2.
	a := fixedpoint.FromRaw(5)
	got, err := a.DivInt(2)
	if err != nil {
		t.Fatalf("DivInt: %v", err)
	}
	if got.Raw() != 2 {
		t.Errorf("5/2 raw = %d, want 2 (round half to even)", got.Raw())
	}

	// 0.000000015 / 2 = 7.5 raw: half, quotient 7 is odd -> rounds to 8.
	b := fixedpoint.FromRaw(15)
	got, err = b.DivInt(2)
	if err != nil {
		t.Fatalf("DivInt: %v", err)
	}
	if got.Raw() != 8 {
		t.Errorf("15/2 raw = %d, want 8 (round half to even)", got.Raw())
	}
}

func TestFromFloat_Invalid(t *testing.T) {
	for _, x := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		if _, err := fixedpoint.FromFloat(x); !errors.Is(err, fixedpoint.ErrArithmeticOverflow) {
			t.Errorf("FromFloat(%v): got %v, want ErrArithmeticOverflow", x, err)
		}
	}
}

func TestFloat_RoundTrip(t *testing.T) {
	v := fixedpoint.MustParse("0.123456789")
	back, err := fixedpoint.FromFloat(v.Float())
	if err != nil {
		t.Fatalf("FromFloat: %v", err)
	}
	diff := v.Raw() - back.Raw()
	if diff < -1 || diff > 1 {
		t.Errorf("float round trip drifted by %d raw units", diff)
	}
}

func TestMulInt_Overflow(t *testing.T) {
	huge := fixedpoint.FromRaw(math.MaxInt64 / 2)
	_, err := huge.MulInt(3)
	if !errors.Is(err, fixedpoint.ErrArithmeticOverflow) {
		t.Errorf("got %v, want ErrArithmeticOverflow", err)
	}
}
