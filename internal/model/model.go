// Package model defines the core domain types shared across the raffle engine.
// All monetary amounts and share quantities are whole integer units of
// account — never float64 for money. Probabilities and prices are integers
// scaled to basis points (10000 bps = 100%).
package model

import "time"

// Round lifecycle states. Transitions are one-way:
// open → locked (lockTrading) → settled (resolution complete).
const (
	RoundOpen    = "open"
	RoundLocked  = "locked"
	RoundSettled = "settled"
)

// Claim kinds recorded per (round, account) to block re-claims.
const (
	ClaimGrand       = "grand"
	ClaimConsolation = "consolation"
)

// Round is one raffle cycle: a discrete bonding curve issuing position
// tickets against a unit-of-account reserve.
//
// Reserves hold the base cost of every outstanding ticket; FeePool holds
// accumulated trade fees and is never comingled with Reserves. PrizePool is
// captured from Reserves at lock time and is the fixed settlement total.
type Round struct {
	ID               string     `json:"id" db:"id"`
	TotalSupply      uint64     `json:"total_supply" db:"total_supply"`
	Reserves         uint64     `json:"reserves" db:"reserves"`
	FeePool          uint64     `json:"fee_pool" db:"fee_pool"`
	PrizePool        uint64     `json:"prize_pool" db:"prize_pool"`
	GrandPrizeBps    uint64     `json:"grand_prize_bps" db:"grand_prize_bps"`
	ParticipantCount uint64     `json:"participant_count" db:"participant_count"`
	Status           string     `json:"status" db:"status"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	LockedAt         *time.Time `json:"locked_at,omitempty" db:"locked_at"`
}

// ParticipantPosition tracks one participant's tickets in one round.
//
// RangeStart is the participant's offset into the round's cumulative ticket
// index space, reassigned contiguously at lock time so a verified random
// word can be mapped to a winner by ticket index.
//
// HasCrossedThreshold is monotonic: once a participant's win probability
// first crosses the market-creation threshold it stays set, so the
// market-creation fact fires exactly once even across later buys and sells.
type ParticipantPosition struct {
	RoundID             string    `json:"round_id" db:"round_id"`
	ParticipantID       string    `json:"participant_id" db:"participant_id"`
	TicketCount         uint64    `json:"ticket_count" db:"ticket_count"`
	RangeStart          uint64    `json:"range_start" db:"range_start"`
	HasCrossedThreshold bool      `json:"has_crossed_threshold" db:"has_crossed_threshold"`
	UpdatedAt           time.Time `json:"updated_at" db:"updated_at"`
}

// DerivativeMarket is a binary YES/NO market on one participant winning the
// round. Reserves follow the constant-sum invariant: YesReserve + NoReserve
// == K after every trade. WinningOutcome is nil until resolution.
type DerivativeMarket struct {
	ID             string    `json:"id" db:"id"`
	Ticker         string    `json:"ticker" db:"ticker"`
	RoundID        string    `json:"round_id" db:"round_id"`
	ParticipantID  string    `json:"participant_id" db:"participant_id"`
	YesReserve     uint64    `json:"yes_reserve" db:"yes_reserve"`
	NoReserve      uint64    `json:"no_reserve" db:"no_reserve"`
	K              uint64    `json:"k" db:"k"`
	Resolved       bool      `json:"resolved" db:"resolved"`
	WinningOutcome *bool     `json:"winning_outcome,omitempty" db:"winning_outcome"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// PriceRecord is the persisted snapshot of a market's two probability
// components. The blended price is always derived from these on read, never
// stored, so it cannot drift from its inputs.
type PriceRecord struct {
	MarketID     string    `json:"market_id" db:"market_id"`
	RaffleBps    uint64    `json:"raffle_bps" db:"raffle_bps"`
	SentimentBps uint64    `json:"sentiment_bps" db:"sentiment_bps"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// TradeEntry is an immutable record of a share trade or claim against one
// derivative market. Once created, entries are never modified or deleted.
type TradeEntry struct {
	ID        string    `json:"id" db:"id"`
	MarketID  string    `json:"market_id" db:"market_id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Side      string    `json:"side" db:"side"`     // "YES" or "NO"
	Action    string    `json:"action" db:"action"` // "BUY", "SELL" or "CLAIM"
	Quantity  uint64    `json:"quantity" db:"quantity"`
	Cost      uint64    `json:"cost" db:"cost"`
	PriceBps  uint64    `json:"price_bps" db:"price_bps"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}

// Trade sides and actions for TradeEntry.
const (
	SideYes = "YES"
	SideNo  = "NO"

	ActionBuy   = "BUY"
	ActionSell  = "SELL"
	ActionClaim = "CLAIM"
)

// SharePosition is one holder's aggregate YES/NO share balances in one
// market. The engine tracks counts; token custody is an external ledger.
type SharePosition struct {
	MarketID  string `json:"market_id" db:"market_id"`
	UserID    string `json:"user_id" db:"user_id"`
	YesShares uint64 `json:"yes_shares" db:"yes_shares"`
	NoShares  uint64 `json:"no_shares" db:"no_shares"`
}

// SeasonPayout is the settlement record for one round, created once after
// the random draw resolves a winner. Amounts are frozen at creation:
// GrandAmount + ConsolationPool == the round's captured PrizePool exactly,
// and PerLoserShare is computed once — never recomputed as losers claim.
// RemainderRetained is the floor-division remainder of the consolation
// split, permanently retained by the protocol.
type SeasonPayout struct {
	RoundID           string    `json:"round_id" db:"round_id"`
	GrandWinner       string    `json:"grand_winner" db:"grand_winner"`
	GrandAmount       uint64    `json:"grand_amount" db:"grand_amount"`
	ConsolationPool   uint64    `json:"consolation_pool" db:"consolation_pool"`
	PerLoserShare     uint64    `json:"per_loser_share" db:"per_loser_share"`
	RemainderRetained uint64    `json:"remainder_retained" db:"remainder_retained"`
	TotalParticipants uint64    `json:"total_participants" db:"total_participants"`
	SettledAt         time.Time `json:"settled_at" db:"settled_at"`
}
