package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/luckblock/raffle-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot read paths: rounds, markets and price records. Writes
// go to the primary store and invalidate the cache; reads check Redis first
// then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateRound(ctx context.Context, r *model.Round) error {
	if err := s.primary.CreateRound(ctx, r); err != nil {
		return err
	}
	s.cacheJSON(ctx, roundKey(r.ID), r)
	return nil
}

func (s *CachedStore) UpdateRound(ctx context.Context, r *model.Round) error {
	if err := s.primary.UpdateRound(ctx, r); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, roundKey(r.ID))
	return nil
}

func (s *CachedStore) ApplyTicketTrade(ctx context.Context, t *TicketTrade) error {
	if err := s.primary.ApplyTicketTrade(ctx, t); err != nil {
		return err
	}
	s.rdb.Del(ctx, roundKey(t.Round.ID))
	if t.Market != nil {
		s.cacheJSON(ctx, marketKey(t.Market.ID), t.Market)
		s.rdb.Set(ctx, tickerKey(t.Market.Ticker), t.Market.ID, s.ttl)
	}
	if t.Price != nil {
		s.rdb.Del(ctx, priceKey(t.Price.MarketID))
	}
	return nil
}

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.DerivativeMarket) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cacheJSON(ctx, marketKey(m.ID), m)
	s.rdb.Set(ctx, tickerKey(m.Ticker), m.ID, s.ttl)
	return nil
}

func (s *CachedStore) UpdateMarketReserves(ctx context.Context, id string, yesReserve, noReserve uint64) error {
	if err := s.primary.UpdateMarketReserves(ctx, id, yesReserve, noReserve); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(id))
	return nil
}

func (s *CachedStore) ResolveMarket(ctx context.Context, id string, outcomeYes bool) error {
	if err := s.primary.ResolveMarket(ctx, id, outcomeYes); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(id))
	return nil
}

func (s *CachedStore) UpsertPriceRecord(ctx context.Context, rec *model.PriceRecord) error {
	if err := s.primary.UpsertPriceRecord(ctx, rec); err != nil {
		return err
	}
	s.rdb.Del(ctx, priceKey(rec.MarketID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetRound(ctx context.Context, id string) (*model.Round, error) {
	data, err := s.rdb.Get(ctx, roundKey(id)).Bytes()
	if err == nil {
		var r model.Round
		if json.Unmarshal(data, &r) == nil {
			return &r, nil
		}
	}

	r, err := s.primary.GetRound(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, roundKey(id), r)
	return r, nil
}

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.DerivativeMarket, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.DerivativeMarket
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, marketKey(id), m)
	return m, nil
}

func (s *CachedStore) GetMarketByTicker(ctx context.Context, t string) (*model.DerivativeMarket, error) {
	// Ticker→marketID mapping is stable, so a cached ID is always safe.
	marketID, err := s.rdb.Get(ctx, tickerKey(t)).Result()
	if err == nil {
		return s.GetMarket(ctx, marketID)
	}

	m, err := s.primary.GetMarketByTicker(ctx, t)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, marketKey(m.ID), m)
	s.rdb.Set(ctx, tickerKey(t), m.ID, s.ttl)
	return m, nil
}

func (s *CachedStore) GetPriceRecord(ctx context.Context, marketID string) (*model.PriceRecord, error) {
	data, err := s.rdb.Get(ctx, priceKey(marketID)).Bytes()
	if err == nil {
		var rec model.PriceRecord
		if json.Unmarshal(data, &rec) == nil {
			return &rec, nil
		}
	}

	rec, err := s.primary.GetPriceRecord(ctx, marketID)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, priceKey(marketID), rec)
	return rec, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListRounds(ctx context.Context) ([]model.Round, error) {
	return s.primary.ListRounds(ctx)
}

func (s *CachedStore) GetPosition(ctx context.Context, roundID, participantID string) (*model.ParticipantPosition, error) {
	return s.primary.GetPosition(ctx, roundID, participantID)
}

func (s *CachedStore) ListPositions(ctx context.Context, roundID string) ([]model.ParticipantPosition, error) {
	return s.primary.ListPositions(ctx, roundID)
}

func (s *CachedStore) UpsertPosition(ctx context.Context, pos *model.ParticipantPosition) error {
	return s.primary.UpsertPosition(ctx, pos)
}

func (s *CachedStore) ListMarketsByRound(ctx context.Context, roundID string) ([]model.DerivativeMarket, error) {
	return s.primary.ListMarketsByRound(ctx, roundID)
}

func (s *CachedStore) InsertTradeEntry(ctx context.Context, entry *model.TradeEntry) error {
	return s.primary.InsertTradeEntry(ctx, entry)
}

func (s *CachedStore) ListTradeEntriesByMarket(ctx context.Context, marketID string) ([]model.TradeEntry, error) {
	return s.primary.ListTradeEntriesByMarket(ctx, marketID)
}

func (s *CachedStore) GetSharePosition(ctx context.Context, marketID, userID string) (*model.SharePosition, error) {
	return s.primary.GetSharePosition(ctx, marketID, userID)
}

func (s *CachedStore) ListSharePositionsByUser(ctx context.Context, userID string) ([]model.SharePosition, error) {
	return s.primary.ListSharePositionsByUser(ctx, userID)
}

func (s *CachedStore) UpsertSharePosition(ctx context.Context, pos *model.SharePosition) error {
	return s.primary.UpsertSharePosition(ctx, pos)
}

func (s *CachedStore) CreatePayout(ctx context.Context, p *model.SeasonPayout) error {
	return s.primary.CreatePayout(ctx, p)
}

func (s *CachedStore) GetPayout(ctx context.Context, roundID string) (*model.SeasonPayout, error) {
	return s.primary.GetPayout(ctx, roundID)
}

func (s *CachedStore) HasClaimed(ctx context.Context, roundID, account, kind string) (bool, error) {
	return s.primary.HasClaimed(ctx, roundID, account, kind)
}

func (s *CachedStore) MarkClaimed(ctx context.Context, roundID, account, kind string) error {
	return s.primary.MarkClaimed(ctx, roundID, account, kind)
}

// --- Cache helpers ---

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func roundKey(id string) string  { return fmt.Sprintf("round:%s", id) }
func marketKey(id string) string { return fmt.Sprintf("market:%s", id) }
func tickerKey(t string) string  { return fmt.Sprintf("ticker:%s", t) }
func priceKey(id string) string  { return fmt.Sprintf("price:%s", id) }
