// Package csmm implements the constant-sum market maker for binary YES/NO
// markets on raffle participants.
//
// A pool holds two share reserves that always sum to a fixed constant K,
// so one YES share plus one NO share (a complete set) is redeemable for a
// fixed amount of collateral regardless of market state. Pricing is linear:
//
//	priceYes = noReserve / K
//
// Buying YES moves shares out of the YES reserve and collateral into the NO
// reserve; the invariant yesReserve + noReserve == K is asserted after every
// quote. An invariant violation means the implementation is wrong, not the
// caller — it is a distinct fatal error type, never a retryable one.
//
// All quantities are whole integer units — never float64 for money.
package csmm

import (
	"errors"
	"fmt"

	"github.com/luckblock/raffle-engine/internal/fixedpoint"
)

var (
	// ErrInvalidCollateral is returned when seed collateral is zero or
	// cannot split evenly into the two reserves.
	ErrInvalidCollateral = errors.New("csmm: seed collateral must be positive and even")

	// ErrZeroShares is returned for a zero-share trade request.
	ErrZeroShares = errors.New("csmm: share quantity must be positive")

	// ErrReserveDrained is returned when a trade would fully drain one side
	// of the pool, where the price is undefined.
	ErrReserveDrained = errors.New("csmm: trade would drain a reserve")

	// ErrPriceBoundExceeded is returned when a trade would push the YES
	// price outside the allowed band [MinPriceBps, MaxPriceBps].
	ErrPriceBoundExceeded = errors.New("csmm: trade would push price beyond allowed bounds")
)

var (
	// MinPriceBps is the price floor (0.1%). Prevents degenerate markets
	// where one side's shares become effectively worthless.
	MinPriceBps uint64 = 10

	// MaxPriceBps is the price ceiling (99.9%).
	MaxPriceBps uint64 = 9990
)

// InvariantError reports a broken yes+no == K invariant. It is fatal: the
// caller must halt further mutation and alarm rather than retry.
type InvariantError struct {
	YesReserve uint64
	NoReserve  uint64
	K          uint64
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("csmm: invariant violated: yes=%d + no=%d != k=%d",
		e.YesReserve, e.NoReserve, e.K)
}

// Maker prices trades against a constant-sum pool with invariant constant K.
// It is stateless — reserves are passed as arguments, not stored.
type Maker struct {
	k uint64
}

// NewMaker creates a market maker seeded with the given collateral, which
// becomes the invariant constant K. The pool opens at even reserves (price
// 50%), so the collateral must split evenly.
func NewMaker(initialCollateral uint64) (*Maker, error) {
	if initialCollateral == 0 || initialCollateral%2 != 0 {
		return nil, ErrInvalidCollateral
	}
	return &Maker{k: initialCollateral}, nil
}

// K returns the invariant constant.
func (m *Maker) K() uint64 {
	return m.k
}

// SeedReserves returns the initial even split of K.
func (m *Maker) SeedReserves() (yes, no uint64) {
	return m.k / 2, m.k / 2
}

// PriceYesBps returns the instantaneous YES price in basis points:
// noReserve * 10000 / K. This doubles as the market-sentiment signal
// published to the probability oracle.
func (m *Maker) PriceYesBps(yesReserve, noReserve uint64) (uint64, error) {
	if err := m.CheckInvariant(yesReserve, noReserve); err != nil {
		return 0, err
	}
	return fixedpoint.MulDivBounded(noReserve, fixedpoint.BpsScale, m.k, fixedpoint.BpsScale)
}

// BuyQuote prices buying shares of one outcome. The chosen reserve moves
// down by shares; the other reserve absorbs the collateral so the invariant
// holds; the cost is the other reserve's increase.
func (m *Maker) BuyQuote(yesReserve, noReserve uint64, buyYes bool, shares uint64) (cost, newYes, newNo uint64, err error) {
	if shares == 0 {
		return 0, 0, 0, ErrZeroShares
	}
	if err := m.CheckInvariant(yesReserve, noReserve); err != nil {
		return 0, 0, 0, err
	}

	if buyYes {
		if shares >= yesReserve {
			return 0, 0, 0, ErrReserveDrained
		}
		newYes = yesReserve - shares
		newNo = m.k - newYes
		cost = newNo - noReserve
	} else {
		if shares >= noReserve {
			return 0, 0, 0, ErrReserveDrained
		}
		newNo = noReserve - shares
		newYes = m.k - newNo
		cost = newYes - yesReserve
	}

	if err := m.checkBand(newYes, newNo); err != nil {
		return 0, 0, 0, err
	}
	if err := m.CheckInvariant(newYes, newNo); err != nil {
		return 0, 0, 0, err
	}
	return cost, newYes, newNo, nil
}

// SellQuote prices selling shares of one outcome back to the pool: the
// inverse of BuyQuote with the same drain rejection and invariant assertion.
func (m *Maker) SellQuote(yesReserve, noReserve uint64, sellYes bool, shares uint64) (returned, newYes, newNo uint64, err error) {
	if shares == 0 {
		return 0, 0, 0, ErrZeroShares
	}
	if err := m.CheckInvariant(yesReserve, noReserve); err != nil {
		return 0, 0, 0, err
	}

	if sellYes {
		if shares >= noReserve {
			return 0, 0, 0, ErrReserveDrained
		}
		newYes = yesReserve + shares
		newNo = m.k - newYes
		returned = noReserve - newNo
	} else {
		if shares >= yesReserve {
			return 0, 0, 0, ErrReserveDrained
		}
		newNo = noReserve + shares
		newYes = m.k - newNo
		returned = yesReserve - newYes
	}

	if err := m.checkBand(newYes, newNo); err != nil {
		return 0, 0, 0, err
	}
	if err := m.CheckInvariant(newYes, newNo); err != nil {
		return 0, 0, 0, err
	}
	return returned, newYes, newNo, nil
}

// ClaimPayout computes the post-resolution payout for winning shares:
// 1 unit of account per share minus the claim fee, taken only here, never
// on trades. The fee remainder stays with the protocol (floor rounding).
func ClaimPayout(winningShares, claimFeeBps uint64) (payout, fee uint64, err error) {
	if winningShares == 0 {
		return 0, 0, ErrZeroShares
	}
	fee, err = fixedpoint.BpsOf(winningShares, claimFeeBps)
	if err != nil {
		return 0, 0, err
	}
	return winningShares - fee, fee, nil
}

// CheckInvariant asserts yes + no == K. A violation is fatal.
func (m *Maker) CheckInvariant(yesReserve, noReserve uint64) error {
	sum, err := fixedpoint.Add(yesReserve, noReserve)
	if err != nil || sum != m.k {
		return &InvariantError{YesReserve: yesReserve, NoReserve: noReserve, K: m.k}
	}
	return nil
}

// checkBand rejects trades whose resulting price leaves the allowed band.
func (m *Maker) checkBand(newYes, newNo uint64) error {
	price, err := fixedpoint.MulDivBounded(newNo, fixedpoint.BpsScale, m.k, fixedpoint.BpsScale)
	if err != nil {
		return err
	}
	if price < MinPriceBps || price > MaxPriceBps {
		return ErrPriceBoundExceeded
	}
	return nil
}
