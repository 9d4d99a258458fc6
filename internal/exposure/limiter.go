// Package exposure enforces position limits on derivative-market trading.
//
// All participant markets of one round settle from the same random draw, so
// a trader long YES across every market in a round carries correlated risk
// against the house. The limiter caps the absolute net position in any
// single market and the aggregate absolute exposure across all markets of
// the same round.
package exposure

import "errors"

var (
	// ErrPerMarketLimitExceeded is returned when a trade would push a single
	// market's net position beyond the per-market maximum.
	ErrPerMarketLimitExceeded = errors.New("exposure: per-market position limit exceeded")

	// ErrPerRoundLimitExceeded is returned when a trade would push the
	// aggregate exposure across one round's markets beyond the round maximum.
	ErrPerRoundLimitExceeded = errors.New("exposure: per-round exposure limit exceeded")
)

// Holding is one account's net share position in one market.
// Net is YES shares minus NO shares (signed).
type Holding struct {
	MarketID string
	RoundID  string
	Net      int64
}

// Limiter enforces per-market and per-round exposure limits.
type Limiter struct {
	// MaxPerMarket is the maximum absolute net position in a single market.
	MaxPerMarket int64

	// MaxPerRound is the maximum aggregate absolute exposure across all
	// markets belonging to the same round.
	MaxPerRound int64
}

// NewLimiter creates a limiter with the given per-market and per-round caps.
func NewLimiter(maxPerMarket, maxPerRound int64) *Limiter {
	return &Limiter{
		MaxPerMarket: maxPerMarket,
		MaxPerRound:  maxPerRound,
	}
}

// Check validates whether a trade respects position limits.
//
//   - targetMarket/targetRound: the market being traded and its round
//   - delta: signed change in net exposure (+ for YES buys and NO sells)
//   - existing: the account's current holdings across all markets
func (l *Limiter) Check(targetMarket, targetRound string, delta int64, existing []Holding) error {
	var current int64
	for _, h := range existing {
		if h.MarketID == targetMarket {
			current = h.Net
			break
		}
	}
	newPosition := current + delta
	if abs(newPosition) > l.MaxPerMarket {
		return ErrPerMarketLimitExceeded
	}

	total := abs(newPosition)
	for _, h := range existing {
		if h.MarketID == targetMarket {
			continue // already counted via newPosition
		}
		if h.RoundID == targetRound {
			total += abs(h.Net)
		}
	}
	if total > l.MaxPerRound {
		return ErrPerRoundLimitExceeded
	}
	return nil
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
