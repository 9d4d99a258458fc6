// Package fixedpoint provides checked integer arithmetic for the raffle
// engine. Probabilities and prices are integers at basis-point scale
// (10000 bps = 100%); monetary amounts are whole units of account.
//
// Every multiply-then-divide goes through a 128-bit intermediate via
// math/bits so a*b never silently wraps before the division. Rounding is
// floor (truncate toward zero) for all monetary calculations — the
// remainder always stays with the protocol, never with the user, and
// callers are expected to sweep it to an explicit destination.
package fixedpoint

import (
	"errors"
	"math/bits"
)

// BpsScale is the basis-point denominator: 10000 bps = 100%.
const BpsScale uint64 = 10000

var (
	// ErrArithmeticOverflow is returned when a result does not fit in uint64.
	ErrArithmeticOverflow = errors.New("fixedpoint: arithmetic overflow")

	// ErrDivisionByZero is returned for any division with a zero denominator.
	ErrDivisionByZero = errors.New("fixedpoint: division by zero")

	// ErrOutOfBoundsResult is returned when a result exceeds the
	// caller-declared bound (e.g. > 10000 for a probability).
	ErrOutOfBoundsResult = errors.New("fixedpoint: result outside declared bound")
)

// Mul computes a*b, rejecting overflow.
func Mul(a, b uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return 0, ErrArithmeticOverflow
	}
	return lo, nil
}

// Add computes a+b, rejecting overflow.
func Add(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrArithmeticOverflow
	}
	return sum, nil
}

// Sub computes a-b, rejecting underflow.
func Sub(a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, ErrArithmeticOverflow
	}
	return diff, nil
}

// MulDiv computes floor(a*b/den) using a full 128-bit intermediate product.
func MulDiv(a, b, den uint64) (uint64, error) {
	if den == 0 {
		return 0, ErrDivisionByZero
	}
	hi, lo := bits.Mul64(a, b)
	if hi >= den {
		// Quotient would not fit in 64 bits.
		return 0, ErrArithmeticOverflow
	}
	quo, _ := bits.Div64(hi, lo, den)
	return quo, nil
}

// MulDivBounded is MulDiv with an upper bound on the result.
func MulDivBounded(a, b, den, bound uint64) (uint64, error) {
	v, err := MulDiv(a, b, den)
	if err != nil {
		return 0, err
	}
	if v > bound {
		return 0, ErrOutOfBoundsResult
	}
	return v, nil
}

// BpsOf returns floor(amount * bps / 10000): the bps-fraction of amount.
func BpsOf(amount, bps uint64) (uint64, error) {
	return MulDiv(amount, bps, BpsScale)
}

// Ratio returns part/whole in basis points, floored and bounded to 10000.
// A part larger than the whole is an out-of-bounds result, not a clamp.
func Ratio(part, whole uint64) (uint64, error) {
	return MulDivBounded(part, BpsScale, whole, BpsScale)
}

// ValidBps reports whether v is a well-formed basis-point value.
func ValidBps(v uint64) bool {
	return v <= BpsScale
}
