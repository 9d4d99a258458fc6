package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/luckblock/raffle-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	rounds    map[string]*model.Round
	positions map[string]*model.ParticipantPosition // roundID|participantID
	markets   map[string]*model.DerivativeMarket
	priceRecs map[string]*model.PriceRecord
	ledger    []model.TradeEntry
	sharePos  map[string]*model.SharePosition // marketID|userID
	payouts   map[string]*model.SeasonPayout
	claims    map[string]bool // roundID|account|kind
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rounds:    make(map[string]*model.Round),
		positions: make(map[string]*model.ParticipantPosition),
		markets:   make(map[string]*model.DerivativeMarket),
		priceRecs: make(map[string]*model.PriceRecord),
		sharePos:  make(map[string]*model.SharePosition),
		payouts:   make(map[string]*model.SeasonPayout),
		claims:    make(map[string]bool),
	}
}

func posKey(roundID, participantID string) string { return roundID + "|" + participantID }
func shareKey(marketID, userID string) string     { return marketID + "|" + userID }
func claimKey(roundID, account, kind string) string {
	return roundID + "|" + account + "|" + kind
}

// --- Rounds ---

func (s *MemoryStore) CreateRound(_ context.Context, r *model.Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rounds[r.ID]; ok {
		return fmt.Errorf("round %s already exists", r.ID)
	}
	cp := *r
	s.rounds[r.ID] = &cp
	return nil
}

func (s *MemoryStore) GetRound(_ context.Context, id string) (*model.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rounds[id]
	if !ok {
		return nil, fmt.Errorf("round %s: %w", id, ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) ListRounds(_ context.Context) ([]model.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rounds := make([]model.Round, 0, len(s.rounds))
	for _, r := range s.rounds {
		rounds = append(rounds, *r)
	}
	return rounds, nil
}

func (s *MemoryStore) UpdateRound(_ context.Context, r *model.Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rounds[r.ID]; !ok {
		return fmt.Errorf("round %s: %w", r.ID, ErrNotFound)
	}
	cp := *r
	s.rounds[r.ID] = &cp
	return nil
}

// --- Participant positions ---

func (s *MemoryStore) GetPosition(_ context.Context, roundID, participantID string) (*model.ParticipantPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[posKey(roundID, participantID)]
	if !ok {
		return nil, fmt.Errorf("position %s/%s: %w", roundID, participantID, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, roundID string) ([]model.ParticipantPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.ParticipantPosition
	for _, p := range s.positions {
		if p.RoundID == roundID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpsertPosition(_ context.Context, pos *model.ParticipantPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *pos
	s.positions[posKey(pos.RoundID, pos.ParticipantID)] = &cp
	return nil
}

// ApplyTicketTrade applies the full write set under one lock acquisition.
// All validation happens before the first map write, so a rejected trade
// leaves every map untouched.
func (s *MemoryStore) ApplyTicketTrade(_ context.Context, t *TicketTrade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rounds[t.Round.ID]; !ok {
		return fmt.Errorf("round %s: %w", t.Round.ID, ErrNotFound)
	}
	if t.Market != nil {
		for _, existing := range s.markets {
			if existing.Ticker == t.Market.Ticker {
				return fmt.Errorf("market for ticker %s already exists", t.Market.Ticker)
			}
		}
	}

	roundCp := *t.Round
	s.rounds[t.Round.ID] = &roundCp
	posCp := *t.Position
	s.positions[posKey(t.Position.RoundID, t.Position.ParticipantID)] = &posCp
	if t.Market != nil {
		marketCp := *t.Market
		s.markets[t.Market.ID] = &marketCp
	}
	if t.Price != nil {
		priceCp := *t.Price
		s.priceRecs[t.Price.MarketID] = &priceCp
	}
	return nil
}

// --- Derivative markets ---

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.DerivativeMarket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.markets {
		if existing.Ticker == m.Ticker {
			return fmt.Errorf("market for ticker %s already exists", m.Ticker)
		}
	}
	cp := *m
	s.markets[m.ID] = &cp
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.DerivativeMarket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	cp := copyMarket(m)
	return &cp, nil
}

func (s *MemoryStore) GetMarketByTicker(_ context.Context, t string) (*model.DerivativeMarket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.markets {
		if m.Ticker == t {
			cp := copyMarket(m)
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("market for ticker %s: %w", t, ErrNotFound)
}

func (s *MemoryStore) ListMarketsByRound(_ context.Context, roundID string) ([]model.DerivativeMarket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.DerivativeMarket
	for _, m := range s.markets {
		if m.RoundID == roundID {
			out = append(out, copyMarket(m))
		}
	}
	return out, nil
}

func (s *MemoryStore) UpdateMarketReserves(_ context.Context, id string, yesReserve, noReserve uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[id]
	if !ok {
		return fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	m.YesReserve = yesReserve
	m.NoReserve = noReserve
	return nil
}

func (s *MemoryStore) ResolveMarket(_ context.Context, id string, outcomeYes bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[id]
	if !ok {
		return fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	outcome := outcomeYes
	m.Resolved = true
	m.WinningOutcome = &outcome
	return nil
}

// --- Price records ---

func (s *MemoryStore) UpsertPriceRecord(_ context.Context, rec *model.PriceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	s.priceRecs[rec.MarketID] = &cp
	return nil
}

func (s *MemoryStore) GetPriceRecord(_ context.Context, marketID string) (*model.PriceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.priceRecs[marketID]
	if !ok {
		return nil, fmt.Errorf("price record %s: %w", marketID, ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

// --- Immutable ledger ---

func (s *MemoryStore) InsertTradeEntry(_ context.Context, entry *model.TradeEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ledger = append(s.ledger, *entry)
	return nil
}

func (s *MemoryStore) ListTradeEntriesByMarket(_ context.Context, marketID string) ([]model.TradeEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.TradeEntry
	for _, e := range s.ledger {
		if e.MarketID == marketID {
			out = append(out, e)
		}
	}
	return out, nil
}

// --- Share positions ---

func (s *MemoryStore) GetSharePosition(_ context.Context, marketID, userID string) (*model.SharePosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.sharePos[shareKey(marketID, userID)]
	if !ok {
		return nil, fmt.Errorf("share position %s/%s: %w", marketID, userID, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListSharePositionsByUser(_ context.Context, userID string) ([]model.SharePosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.SharePosition
	for _, p := range s.sharePos {
		if p.UserID == userID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpsertSharePosition(_ context.Context, pos *model.SharePosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *pos
	s.sharePos[shareKey(pos.MarketID, pos.UserID)] = &cp
	return nil
}

// --- Payouts and claims ---

func (s *MemoryStore) CreatePayout(_ context.Context, p *model.SeasonPayout) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.payouts[p.RoundID]; ok {
		return fmt.Errorf("payout for round %s already exists", p.RoundID)
	}
	cp := *p
	s.payouts[p.RoundID] = &cp
	return nil
}

func (s *MemoryStore) GetPayout(_ context.Context, roundID string) (*model.SeasonPayout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payouts[roundID]
	if !ok {
		return nil, fmt.Errorf("payout for round %s: %w", roundID, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) HasClaimed(_ context.Context, roundID, account, kind string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.claims[claimKey(roundID, account, kind)], nil
}

func (s *MemoryStore) MarkClaimed(_ context.Context, roundID, account, kind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims[claimKey(roundID, account, kind)] = true
	return nil
}

// copyMarket deep-copies a market including its outcome pointer.
func copyMarket(m *model.DerivativeMarket) model.DerivativeMarket {
	cp := *m
	if m.WinningOutcome != nil {
		outcome := *m.WinningOutcome
		cp.WinningOutcome = &outcome
	}
	return cp
}
