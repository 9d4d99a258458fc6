// Package curve implements the discrete step bonding curve that prices
// raffle ticket issuance and redemption.
//
// The curve is a precomputed, monotonically increasing step table: the unit
// price rises by a fixed increment every StepSize tickets of supply. Buying
// walks the table upward from the current supply until the budget is spent;
// selling walks it downward over the most recently issued units. Both walks
// batch whole steps, so cost is independent of call granularity.
//
// The table is stateless — supply is passed as an argument, not stored.
// All arithmetic is checked integer math via the fixedpoint package.
package curve

import (
	"errors"

	"github.com/luckblock/raffle-engine/internal/fixedpoint"
)

var (
	// ErrInvalidTable is returned when table parameters cannot form a
	// monotonically increasing step table.
	ErrInvalidTable = errors.New("curve: base price and step size must be positive")

	// ErrZeroAmount is returned for a zero-value buy or sell request.
	ErrZeroAmount = errors.New("curve: amount must be positive")

	// ErrBudgetBelowPrice is returned when the budget cannot afford a single
	// whole ticket at the current step price.
	ErrBudgetBelowPrice = errors.New("curve: budget below current ticket price")

	// ErrInsufficientSupply is returned when a sell quote asks for more
	// tickets than the curve has issued.
	ErrInsufficientSupply = errors.New("curve: sell exceeds outstanding supply")
)

// StepTable is a discrete step price schedule. The price of the n-th ticket
// (0-indexed by supply) is BasePrice + PriceIncrement * (n / StepSize).
type StepTable struct {
	BasePrice      uint64
	PriceIncrement uint64
	StepSize       uint64
}

// NewStepTable validates and returns a step table.
func NewStepTable(basePrice, priceIncrement, stepSize uint64) (*StepTable, error) {
	if basePrice == 0 || stepSize == 0 {
		return nil, ErrInvalidTable
	}
	return &StepTable{
		BasePrice:      basePrice,
		PriceIncrement: priceIncrement,
		StepSize:       stepSize,
	}, nil
}

// UnitPrice returns the price of the next ticket at the given supply.
func (t *StepTable) UnitPrice(supply uint64) (uint64, error) {
	stepped, err := fixedpoint.Mul(t.PriceIncrement, supply/t.StepSize)
	if err != nil {
		return 0, err
	}
	return fixedpoint.Add(t.BasePrice, stepped)
}

// BuyQuote walks the table upward from supply and returns how many whole
// tickets the budget purchases and their exact cost. The unspent remainder
// (budget - cost) is change the caller must return to the buyer.
func (t *StepTable) BuyQuote(supply, budget uint64) (tickets, cost uint64, err error) {
	if budget == 0 {
		return 0, 0, ErrZeroAmount
	}

	for {
		price, perr := t.UnitPrice(supply + tickets)
		if perr != nil {
			return 0, 0, perr
		}
		remaining := budget - cost
		if remaining < price {
			break
		}

		// Whole tickets left in the current step, capped by affordability.
		inStep := t.StepSize - ((supply + tickets) % t.StepSize)
		n := remaining / price
		if n > inStep {
			n = inStep
		}

		batch, merr := fixedpoint.Mul(price, n)
		if merr != nil {
			return 0, 0, merr
		}
		cost, err = fixedpoint.Add(cost, batch)
		if err != nil {
			return 0, 0, err
		}
		tickets, err = fixedpoint.Add(tickets, n)
		if err != nil {
			return 0, 0, err
		}
	}

	if tickets == 0 {
		return 0, 0, ErrBudgetBelowPrice
	}
	return tickets, cost, nil
}

// SellQuote walks the table downward from supply and returns the gross
// redemption value of the given number of tickets (the most recently issued
// units). Fees and the full-exit reserve cap are the caller's concern.
func (t *StepTable) SellQuote(supply, tickets uint64) (uint64, error) {
	if tickets == 0 {
		return 0, ErrZeroAmount
	}
	if tickets > supply {
		return 0, ErrInsufficientSupply
	}

	var gross uint64
	pos := supply
	remaining := tickets
	for remaining > 0 {
		idx := pos - 1
		price, err := t.UnitPrice(idx)
		if err != nil {
			return 0, err
		}

		// Units between the start of idx's step and idx, inclusive.
		inStep := (idx % t.StepSize) + 1
		n := remaining
		if n > inStep {
			n = inStep
		}

		batch, err := fixedpoint.Mul(price, n)
		if err != nil {
			return 0, err
		}
		gross, err = fixedpoint.Add(gross, batch)
		if err != nil {
			return 0, err
		}
		pos -= n
		remaining -= n
	}
	return gross, nil
}
