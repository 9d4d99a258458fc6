// Package store defines the persistence interface for the raffle engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/luckblock/raffle-engine/internal/model"
)

// ErrNotFound is returned (wrapped) when a requested entity does not exist.
var ErrNotFound = errors.New("store: not found")

// TicketTrade is the write set of one ticket buy or sell: the updated round
// and participant position, plus the provisioned market and its first price
// snapshot when the trade crossed the creation threshold. Implementations
// must apply the whole set atomically — a partial write would break the
// supply accounting (position total vs. round supply) or leave a market
// behind without its creator's crossed flag.
type TicketTrade struct {
	Round    *model.Round
	Position *model.ParticipantPosition
	Market   *model.DerivativeMarket // nil unless the trade created a market
	Price    *model.PriceRecord      // nil unless Market is set
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Rounds ---

	// CreateRound persists a new raffle round.
	CreateRound(ctx context.Context, round *model.Round) error

	// GetRound retrieves a round by its ID.
	GetRound(ctx context.Context, id string) (*model.Round, error)

	// ListRounds returns all rounds.
	ListRounds(ctx context.Context) ([]model.Round, error)

	// UpdateRound persists supply, reserves, fee pool, prize pool and status.
	UpdateRound(ctx context.Context, round *model.Round) error

	// --- Participant positions ---

	// GetPosition retrieves one participant's position in a round.
	GetPosition(ctx context.Context, roundID, participantID string) (*model.ParticipantPosition, error)

	// ListPositions returns every position in a round.
	ListPositions(ctx context.Context, roundID string) ([]model.ParticipantPosition, error)

	// UpsertPosition inserts or replaces a participant position.
	UpsertPosition(ctx context.Context, pos *model.ParticipantPosition) error

	// ApplyTicketTrade persists a ticket trade's full write set atomically:
	// all of it lands or none of it does.
	ApplyTicketTrade(ctx context.Context, t *TicketTrade) error

	// --- Derivative markets ---

	// CreateMarket persists a new derivative market.
	CreateMarket(ctx context.Context, m *model.DerivativeMarket) error

	// GetMarket retrieves a market by its ID.
	GetMarket(ctx context.Context, id string) (*model.DerivativeMarket, error)

	// GetMarketByTicker retrieves a market by its ticker symbol.
	GetMarketByTicker(ctx context.Context, t string) (*model.DerivativeMarket, error)

	// ListMarketsByRound returns all markets of a round.
	ListMarketsByRound(ctx context.Context, roundID string) ([]model.DerivativeMarket, error)

	// UpdateMarketReserves updates the YES/NO reserves after a trade.
	UpdateMarketReserves(ctx context.Context, id string, yesReserve, noReserve uint64) error

	// ResolveMarket marks a market resolved with the winning outcome.
	ResolveMarket(ctx context.Context, id string, outcomeYes bool) error

	// --- Price records ---

	// UpsertPriceRecord persists a market's component snapshot.
	UpsertPriceRecord(ctx context.Context, rec *model.PriceRecord) error

	// GetPriceRecord retrieves a market's component snapshot.
	GetPriceRecord(ctx context.Context, marketID string) (*model.PriceRecord, error)

	// --- Immutable share trade ledger ---

	// InsertTradeEntry appends an immutable trade record.
	InsertTradeEntry(ctx context.Context, entry *model.TradeEntry) error

	// ListTradeEntriesByMarket returns all trades for a market.
	ListTradeEntriesByMarket(ctx context.Context, marketID string) ([]model.TradeEntry, error)

	// --- Share positions ---

	// GetSharePosition retrieves one holder's balances in one market.
	GetSharePosition(ctx context.Context, marketID, userID string) (*model.SharePosition, error)

	// ListSharePositionsByUser returns a holder's balances across markets.
	ListSharePositionsByUser(ctx context.Context, userID string) ([]model.SharePosition, error)

	// UpsertSharePosition inserts or replaces a share position.
	UpsertSharePosition(ctx context.Context, pos *model.SharePosition) error

	// --- Season payouts and claims ---

	// CreatePayout persists the settlement record for a round.
	CreatePayout(ctx context.Context, p *model.SeasonPayout) error

	// GetPayout retrieves a round's settlement record.
	GetPayout(ctx context.Context, roundID string) (*model.SeasonPayout, error)

	// HasClaimed reports whether an account already claimed the given kind.
	HasClaimed(ctx context.Context, roundID, account, kind string) (bool, error)

	// MarkClaimed flips the once-only claimed flag for (round, account, kind).
	MarkClaimed(ctx context.Context, roundID, account, kind string) error
}
