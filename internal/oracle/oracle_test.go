package oracle

import (
	"errors"
	"math"
	"testing"
	"time"
)

var now = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func newOracle(t *testing.T) *Oracle {
	t.Helper()
	o, err := New(6000, 4000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return o
}

func TestNew_RejectsBadWeights(t *testing.T) {
	if _, err := New(7000, 3001); !errors.Is(err, ErrWeightsMustSumTo10000) {
		t.Errorf("expected ErrWeightsMustSumTo10000, got %v", err)
	}
	if _, err := New(7000, 2999); !errors.Is(err, ErrWeightsMustSumTo10000) {
		t.Errorf("expected ErrWeightsMustSumTo10000, got %v", err)
	}
}

func TestWeights_RejectWrappingSum(t *testing.T) {
	// (2^64-4999) + 15000 wraps to exactly 10000 under uint64 addition, so
	// each weight must be bounded before the sum is checked.
	if _, err := New(math.MaxUint64-4999, 15000); !errors.Is(err, ErrWeightsMustSumTo10000) {
		t.Errorf("New accepted wrapping weight pair: %v", err)
	}

	o := newOracle(t)
	if err := o.Register("m1", 4000, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := o.SetWeights(math.MaxUint64-4999, 15000); !errors.Is(err, ErrWeightsMustSumTo10000) {
		t.Errorf("SetWeights accepted wrapping weight pair: %v", err)
	}
	if err := o.SetWeights(15000, math.MaxUint64-4999); !errors.Is(err, ErrWeightsMustSumTo10000) {
		t.Errorf("SetWeights accepted mirrored wrapping pair: %v", err)
	}

	// Rejected pair leaves the original weights in effect and the blend
	// inside [0, 10000].
	wr, wm := o.Weights()
	if wr != 6000 || wm != 4000 {
		t.Errorf("weights changed after rejected update: %d/%d", wr, wm)
	}
	got, err := o.BlendedPrice("m1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got > 10000 {
		t.Errorf("blended price %d outside [0, 10000]", got)
	}
	if got != 4400 { // 6000*4000+4000*5000 → 4400
		t.Errorf("blended price = %d, want 4400", got)
	}
}

func TestRegister_Idempotent(t *testing.T) {
	o := newOracle(t)
	if err := o.Register("m1", 3333, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := o.UpdateSentimentComponent("m1", 7000, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Re-register must not reset the stored components.
	if err := o.Register("m1", 100, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec, err := o.Components("m1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.RaffleBps != 3333 || rec.SentimentBps != 7000 {
		t.Errorf("re-register overwrote components: %+v", rec)
	}
}

func TestBlendedPrice_FloorFormula(t *testing.T) {
	o := newOracle(t)
	if err := o.Register("m1", 3333, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := o.UpdateSentimentComponent("m1", 4500, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// floor((6000*3333 + 4000*4500) / 10000) = floor(3799.8) = 3799
	got, err := o.BlendedPrice("m1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 3799 {
		t.Errorf("blended price = %d, want 3799", got)
	}

	// Pure read: calling again yields the same value.
	again, _ := o.BlendedPrice("m1")
	if again != got {
		t.Errorf("blended price not idempotent: %d then %d", got, again)
	}
}

func TestUpdateComponents_Validation(t *testing.T) {
	o := newOracle(t)
	if err := o.Register("m1", 0, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := o.UpdateRaffleComponent("m1", 10001, now); !errors.Is(err, ErrBpsOutOfRange) {
		t.Errorf("expected ErrBpsOutOfRange, got %v", err)
	}
	if err := o.UpdateSentimentComponent("m1", 10001, now); !errors.Is(err, ErrBpsOutOfRange) {
		t.Errorf("expected ErrBpsOutOfRange, got %v", err)
	}
	if err := o.UpdateRaffleComponent("missing", 5000, now); !errors.Is(err, ErrUnknownMarket) {
		t.Errorf("expected ErrUnknownMarket, got %v", err)
	}
	if _, err := o.BlendedPrice("missing"); !errors.Is(err, ErrUnknownMarket) {
		t.Errorf("expected ErrUnknownMarket, got %v", err)
	}
}

func TestSetWeights(t *testing.T) {
	o := newOracle(t)
	if err := o.Register("m1", 2000, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := o.UpdateSentimentComponent("m1", 8000, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := o.SetWeights(7000, 3001); !errors.Is(err, ErrWeightsMustSumTo10000) {
		t.Errorf("expected ErrWeightsMustSumTo10000, got %v", err)
	}

	before, _ := o.BlendedPrice("m1") // 6000*2000+4000*8000 → 4400
	if before != 4400 {
		t.Fatalf("expected 4400 before reweight, got %d", before)
	}

	if err := o.SetWeights(7000, 3000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// New weights take effect immediately; stored components unchanged.
	after, _ := o.BlendedPrice("m1") // 7000*2000+3000*8000 → 3800
	if after != 3800 {
		t.Errorf("expected 3800 after reweight, got %d", after)
	}
	rec, _ := o.Components("m1")
	if rec.RaffleBps != 2000 || rec.SentimentBps != 8000 {
		t.Errorf("reweight must not alter components: %+v", rec)
	}
}

func TestRegister_NeutralSentiment(t *testing.T) {
	o := newOracle(t)
	if err := o.Register("m1", 100, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec, _ := o.Components("m1")
	if rec.SentimentBps != 5000 {
		t.Errorf("fresh market sentiment should be 5000 bps, got %d", rec.SentimentBps)
	}
}
