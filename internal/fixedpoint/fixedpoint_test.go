package fixedpoint

import (
	"errors"
	"math"
	"testing"
)

func TestMulDiv_Exact(t *testing.T) {
	tests := []struct {
		a, b, den, want uint64
	}{
		{100, 6500, 10000, 65},
		{3500, 1, 9, 388}, // consolation split: floor(3500/9)
		{10, 10000, 10000, 10},
		{0, 12345, 7, 0},
		{1, 1, 3, 0}, // floors toward zero
	}
	for _, tt := range tests {
		got, err := MulDiv(tt.a, tt.b, tt.den)
		if err != nil {
			t.Fatalf("MulDiv(%d,%d,%d): unexpected error %v", tt.a, tt.b, tt.den, err)
		}
		if got != tt.want {
			t.Errorf("MulDiv(%d,%d,%d) = %d, want %d", tt.a, tt.b, tt.den, got, tt.want)
		}
	}
}

func TestMulDiv_WideIntermediate(t *testing.T) {
	// a*b overflows 64 bits but the quotient fits.
	a := uint64(math.MaxUint64 / 2)
	got, err := MulDiv(a, 4, 2)
	if !errors.Is(err, ErrArithmeticOverflow) {
		t.Fatalf("expected overflow for quotient beyond uint64, got %d err=%v", got, err)
	}

	got, err = MulDiv(a, 6, 3)
	if !errors.Is(err, ErrArithmeticOverflow) {
		t.Fatalf("expected overflow, got %d err=%v", got, err)
	}

	// Large product, small quotient: must survive via the 128-bit path.
	got, err = MulDiv(math.MaxUint64, 10000, math.MaxUint64)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 10000 {
		t.Errorf("expected 10000, got %d", got)
	}
}

func TestMulDiv_DivisionByZero(t *testing.T) {
	if _, err := MulDiv(1, 1, 0); !errors.Is(err, ErrDivisionByZero) {
		t.Errorf("expected ErrDivisionByZero, got %v", err)
	}
}

func TestMulDivBounded(t *testing.T) {
	if _, err := MulDivBounded(150, 10000, 100, BpsScale); !errors.Is(err, ErrOutOfBoundsResult) {
		t.Errorf("expected ErrOutOfBoundsResult, got %v", err)
	}
	got, err := MulDivBounded(50, 10000, 100, BpsScale)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 5000 {
		t.Errorf("expected 5000, got %d", got)
	}
}

func TestAddSub_Checked(t *testing.T) {
	if _, err := Add(math.MaxUint64, 1); !errors.Is(err, ErrArithmeticOverflow) {
		t.Errorf("expected overflow on Add, got %v", err)
	}
	if _, err := Sub(0, 1); !errors.Is(err, ErrArithmeticOverflow) {
		t.Errorf("expected underflow on Sub, got %v", err)
	}
	sum, err := Add(2, 3)
	if err != nil || sum != 5 {
		t.Errorf("Add(2,3) = %d, %v", sum, err)
	}
	diff, err := Sub(5, 3)
	if err != nil || diff != 2 {
		t.Errorf("Sub(5,3) = %d, %v", diff, err)
	}
}

func TestBpsOf(t *testing.T) {
	// 2% claim fee on 50 units → 1 (floored).
	fee, err := BpsOf(50, 200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fee != 1 {
		t.Errorf("BpsOf(50, 200) = %d, want 1", fee)
	}
}

func TestRatio(t *testing.T) {
	// 100 of 300 tickets → 3333 bps, floored.
	bps, err := Ratio(100, 300)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bps != 3333 {
		t.Errorf("Ratio(100,300) = %d, want 3333", bps)
	}

	if _, err := Ratio(1, 0); !errors.Is(err, ErrDivisionByZero) {
		t.Errorf("expected ErrDivisionByZero, got %v", err)
	}
	if _, err := Ratio(301, 300); !errors.Is(err, ErrOutOfBoundsResult) {
		t.Errorf("expected ErrOutOfBoundsResult for part > whole, got %v", err)
	}
}

func TestValidBps(t *testing.T) {
	if !ValidBps(0) || !ValidBps(10000) {
		t.Error("0 and 10000 are valid bps")
	}
	if ValidBps(10001) {
		t.Error("10001 must be rejected")
	}
}
