package csmm

import (
	"errors"
	"testing"
)

func maker(t *testing.T, k uint64) *Maker {
	t.Helper()
	m, err := NewMaker(k)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return m
}

func TestNewMaker_Invalid(t *testing.T) {
	if _, err := NewMaker(0); !errors.Is(err, ErrInvalidCollateral) {
		t.Errorf("expected ErrInvalidCollateral for zero, got %v", err)
	}
	if _, err := NewMaker(11); !errors.Is(err, ErrInvalidCollateral) {
		t.Errorf("expected ErrInvalidCollateral for odd, got %v", err)
	}
}

func TestSeedReserves_EvenSplit(t *testing.T) {
	m := maker(t, 10)
	yes, no := m.SeedReserves()
	if yes != 5 || no != 5 {
		t.Errorf("expected 5/5 split, got %d/%d", yes, no)
	}
	price, err := m.PriceYesBps(yes, no)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if price != 5000 {
		t.Errorf("seed price should be 5000 bps, got %d", price)
	}
}

// Seed K=10, buy 3 YES: yes 5→2, no 5→8, cost = 8-5 = 3, invariant holds.
func TestBuyQuote_BuyYes(t *testing.T) {
	m := maker(t, 10)
	yes, no := m.SeedReserves()

	cost, newYes, newNo, err := m.BuyQuote(yes, no, true, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if newYes != yes-3 {
		t.Errorf("expected yesReserve %d, got %d", yes-3, newYes)
	}
	if newNo != m.K()-newYes {
		t.Errorf("expected noReserve %d, got %d", m.K()-newYes, newNo)
	}
	if cost != newNo-no {
		t.Errorf("cost must equal the NO reserve increase: got %d, want %d", cost, newNo-no)
	}
	if newYes+newNo != m.K() {
		t.Errorf("invariant broken: %d + %d != %d", newYes, newNo, m.K())
	}
}

func TestBuyQuote_InvariantHeldAcrossSequence(t *testing.T) {
	m := maker(t, 1000)
	yes, no := m.SeedReserves()

	trades := []struct {
		buyYes bool
		shares uint64
	}{
		{true, 100}, {false, 40}, {true, 7}, {false, 300}, {true, 1},
	}
	for i, tr := range trades {
		_, newYes, newNo, err := m.BuyQuote(yes, no, tr.buyYes, tr.shares)
		if err != nil {
			t.Fatalf("trade %d: unexpected error: %v", i, err)
		}
		if newYes+newNo != m.K() {
			t.Fatalf("trade %d: invariant broken: %d+%d != %d", i, newYes, newNo, m.K())
		}
		yes, no = newYes, newNo
	}
}

func TestBuyQuote_RejectsDrain(t *testing.T) {
	m := maker(t, 10)
	yes, no := m.SeedReserves()
	if _, _, _, err := m.BuyQuote(yes, no, true, yes); !errors.Is(err, ErrReserveDrained) {
		t.Errorf("expected ErrReserveDrained, got %v", err)
	}
	if _, _, _, err := m.BuyQuote(yes, no, false, no); !errors.Is(err, ErrReserveDrained) {
		t.Errorf("expected ErrReserveDrained for NO side, got %v", err)
	}
}

func TestBuyQuote_RejectsZeroShares(t *testing.T) {
	m := maker(t, 10)
	yes, no := m.SeedReserves()
	if _, _, _, err := m.BuyQuote(yes, no, true, 0); !errors.Is(err, ErrZeroShares) {
		t.Errorf("expected ErrZeroShares, got %v", err)
	}
}

func TestBuyQuote_PriceBand(t *testing.T) {
	m := maker(t, 10000)
	yes, no := m.SeedReserves()

	// Pushing YES price to 9991 bps breaches the 99.9% ceiling.
	if _, _, _, err := m.BuyQuote(yes, no, true, 4991); !errors.Is(err, ErrPriceBoundExceeded) {
		t.Errorf("expected ErrPriceBoundExceeded, got %v", err)
	}
	// 9990 bps exactly is allowed.
	if _, _, _, err := m.BuyQuote(yes, no, true, 4990); err != nil {
		t.Errorf("trade at the band edge should pass, got %v", err)
	}
}

func TestSellQuote_InverseOfBuy(t *testing.T) {
	m := maker(t, 1000)
	yes, no := m.SeedReserves()

	cost, y1, n1, err := m.BuyQuote(yes, no, true, 120)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	returned, y2, n2, err := m.SellQuote(y1, n1, true, 120)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if returned != cost {
		t.Errorf("selling back should return the buy cost: buy=%d sell=%d", cost, returned)
	}
	if y2 != yes || n2 != no {
		t.Errorf("reserves should return to %d/%d, got %d/%d", yes, no, y2, n2)
	}
}

func TestSellQuote_RejectsDrain(t *testing.T) {
	m := maker(t, 10)
	yes, no := m.SeedReserves()
	if _, _, _, err := m.SellQuote(yes, no, true, no); !errors.Is(err, ErrReserveDrained) {
		t.Errorf("expected ErrReserveDrained, got %v", err)
	}
}

func TestCheckInvariant_Violation(t *testing.T) {
	m := maker(t, 10)
	err := m.CheckInvariant(5, 6)
	var ie *InvariantError
	if !errors.As(err, &ie) {
		t.Fatalf("expected InvariantError, got %v", err)
	}
	if ie.YesReserve != 5 || ie.NoReserve != 6 || ie.K != 10 {
		t.Errorf("unexpected InvariantError fields: %+v", ie)
	}
}

func TestPriceYesBps_LinearPricing(t *testing.T) {
	m := maker(t, 10)
	price, err := m.PriceYesBps(2, 8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if price != 8000 {
		t.Errorf("price = noReserve/K: expected 8000 bps, got %d", price)
	}
}

func TestClaimPayout(t *testing.T) {
	// 2% claim fee on 50 winning shares: fee 1, payout 49.
	payout, fee, err := ClaimPayout(50, 200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fee != 1 || payout != 49 {
		t.Errorf("expected payout 49 fee 1, got payout %d fee %d", payout, fee)
	}

	if _, _, err := ClaimPayout(0, 200); !errors.Is(err, ErrZeroShares) {
		t.Errorf("expected ErrZeroShares, got %v", err)
	}
}
