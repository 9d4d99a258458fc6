// Package oracle maintains the hybrid probability signal for derivative
// markets: an on-chain raffle-probability component fed by the bonding
// curve and a market-sentiment component fed by the share market maker,
// blended under a weight pair that must sum to exactly 10000 bps.
//
// The two components are stored independently so either upstream system can
// update its half without knowing the other's value. The blend is a pure
// derived view computed on read — it is never cached, so it can never drift
// from its inputs. Validation happens at the write boundary: invalid state
// is never persisted. The oracle does no external I/O.
package oracle

import (
	"errors"
	"sync"
	"time"

	"github.com/luckblock/raffle-engine/internal/fixedpoint"
)

var (
	// ErrWeightsMustSumTo10000 is returned by SetWeights unless the raffle
	// and market weights sum to exactly 10000 bps.
	ErrWeightsMustSumTo10000 = errors.New("oracle: weights must sum to exactly 10000 bps")

	// ErrBpsOutOfRange is returned for any component outside [0, 10000].
	ErrBpsOutOfRange = errors.New("oracle: component outside [0, 10000] bps")

	// ErrUnknownMarket is returned for reads and updates against an
	// unregistered market.
	ErrUnknownMarket = errors.New("oracle: unknown market")
)

// Record holds the two independently-updated components for one market.
type Record struct {
	RaffleBps    uint64
	SentimentBps uint64
	UpdatedAt    time.Time
}

// Oracle stores per-market components and one global weight pair.
// Safe for concurrent use.
type Oracle struct {
	mu              sync.RWMutex
	raffleWeightBps uint64
	marketWeightBps uint64
	records         map[string]*Record
}

// New creates an oracle with the given weight pair.
func New(raffleWeightBps, marketWeightBps uint64) (*Oracle, error) {
	if err := validateWeights(raffleWeightBps, marketWeightBps); err != nil {
		return nil, err
	}
	return &Oracle{
		raffleWeightBps: raffleWeightBps,
		marketWeightBps: marketWeightBps,
		records:         make(map[string]*Record),
	}, nil
}

// Register creates the market's record with its initial raffle probability
// and a neutral 50% sentiment. Registering an existing market is a no-op.
func (o *Oracle) Register(marketID string, raffleBps uint64, now time.Time) error {
	if !fixedpoint.ValidBps(raffleBps) {
		return ErrBpsOutOfRange
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.records[marketID]; ok {
		return nil
	}
	o.records[marketID] = &Record{
		RaffleBps:    raffleBps,
		SentimentBps: fixedpoint.BpsScale / 2,
		UpdatedAt:    now,
	}
	return nil
}

// UpdateRaffleComponent stores a new raffle probability for the market.
// Called from the bonding curve pathway after every ticket trade.
func (o *Oracle) UpdateRaffleComponent(marketID string, raffleBps uint64, now time.Time) error {
	if !fixedpoint.ValidBps(raffleBps) {
		return ErrBpsOutOfRange
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.records[marketID]
	if !ok {
		return ErrUnknownMarket
	}
	rec.RaffleBps = raffleBps
	rec.UpdatedAt = now
	return nil
}

// UpdateSentimentComponent stores a new market-sentiment value for the
// market. Called from the market-maker pathway after every share trade.
func (o *Oracle) UpdateSentimentComponent(marketID string, sentimentBps uint64, now time.Time) error {
	if !fixedpoint.ValidBps(sentimentBps) {
		return ErrBpsOutOfRange
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.records[marketID]
	if !ok {
		return ErrUnknownMarket
	}
	rec.SentimentBps = sentimentBps
	rec.UpdatedAt = now
	return nil
}

// BlendedPrice returns the weighted blend of the two components:
//
//	floor((raffleWeight*raffle + marketWeight*sentiment) / 10000)
//
// Pure read: idempotent and side-effect-free.
func (o *Oracle) BlendedPrice(marketID string) (uint64, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	rec, ok := o.records[marketID]
	if !ok {
		return 0, ErrUnknownMarket
	}
	weighted := o.raffleWeightBps*rec.RaffleBps + o.marketWeightBps*rec.SentimentBps
	return weighted / fixedpoint.BpsScale, nil
}

// Components returns a copy of the market's stored record.
func (o *Oracle) Components(marketID string) (Record, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	rec, ok := o.records[marketID]
	if !ok {
		return Record{}, ErrUnknownMarket
	}
	return *rec, nil
}

// SetWeights replaces the weight pair for all future blends. Stored
// components are untouched, so history kept by collaborators is unaffected.
func (o *Oracle) SetWeights(raffleWeightBps, marketWeightBps uint64) error {
	if err := validateWeights(raffleWeightBps, marketWeightBps); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.raffleWeightBps = raffleWeightBps
	o.marketWeightBps = marketWeightBps
	return nil
}

// validateWeights bounds each weight before summing; uint64 addition wraps,
// so the sum check alone would accept pairs like (2^64-5000, 15000).
func validateWeights(raffleWeightBps, marketWeightBps uint64) error {
	if !fixedpoint.ValidBps(raffleWeightBps) || !fixedpoint.ValidBps(marketWeightBps) {
		return ErrWeightsMustSumTo10000
	}
	if raffleWeightBps+marketWeightBps != fixedpoint.BpsScale {
		return ErrWeightsMustSumTo10000
	}
	return nil
}

// Weights returns the current weight pair.
func (o *Oracle) Weights() (raffleWeightBps, marketWeightBps uint64) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.raffleWeightBps, o.marketWeightBps
}
