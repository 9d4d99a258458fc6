package exposure

import (
	"errors"
	"testing"
)

func TestCheck_WithinLimits(t *testing.T) {
	l := NewLimiter(100, 300)
	err := l.Check("m1", "r1", 50, nil)
	if err != nil {
		t.Errorf("trade within limits should pass, got %v", err)
	}
}

func TestCheck_PerMarketLimit(t *testing.T) {
	l := NewLimiter(100, 300)

	existing := []Holding{{MarketID: "m1", RoundID: "r1", Net: 80}}
	if err := l.Check("m1", "r1", 30, existing); !errors.Is(err, ErrPerMarketLimitExceeded) {
		t.Errorf("expected ErrPerMarketLimitExceeded, got %v", err)
	}
	if err := l.Check("m1", "r1", 20, existing); err != nil {
		t.Errorf("trade up to the cap should pass, got %v", err)
	}
}

func TestCheck_NegativeExposureCounts(t *testing.T) {
	l := NewLimiter(100, 300)
	existing := []Holding{{MarketID: "m1", RoundID: "r1", Net: -90}}
	if err := l.Check("m1", "r1", -20, existing); !errors.Is(err, ErrPerMarketLimitExceeded) {
		t.Errorf("expected ErrPerMarketLimitExceeded for short side, got %v", err)
	}
	// Reducing the short position is fine.
	if err := l.Check("m1", "r1", 50, existing); err != nil {
		t.Errorf("reducing exposure should pass, got %v", err)
	}
}

func TestCheck_PerRoundAggregate(t *testing.T) {
	l := NewLimiter(100, 150)
	existing := []Holding{
		{MarketID: "m1", RoundID: "r1", Net: 60},
		{MarketID: "m2", RoundID: "r1", Net: -60},
		{MarketID: "m3", RoundID: "r2", Net: 90}, // different round, ignored
	}
	if err := l.Check("m4", "r1", 40, existing); !errors.Is(err, ErrPerRoundLimitExceeded) {
		t.Errorf("expected ErrPerRoundLimitExceeded, got %v", err)
	}
	if err := l.Check("m4", "r1", 30, existing); err != nil {
		t.Errorf("aggregate at the cap should pass, got %v", err)
	}
}
