package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/luckblock/raffle-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All amounts are whole integer units stored as BIGINT.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func notFoundOr(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// --- Rounds ---

func (s *PostgresStore) CreateRound(ctx context.Context, r *model.Round) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rounds (id, total_supply, reserves, fee_pool, prize_pool,
		                     grand_prize_bps, participant_count, status, created_at, locked_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.TotalSupply, r.Reserves, r.FeePool, r.PrizePool,
		r.GrandPrizeBps, r.ParticipantCount, r.Status, r.CreatedAt, r.LockedAt,
	)
	return err
}

func (s *PostgresStore) GetRound(ctx context.Context, id string) (*model.Round, error) {
	var r model.Round
	err := s.pool.QueryRow(ctx,
		`SELECT id, total_supply, reserves, fee_pool, prize_pool,
		        grand_prize_bps, participant_count, status, created_at, locked_at
		 FROM rounds WHERE id = $1`, id).
		Scan(&r.ID, &r.TotalSupply, &r.Reserves, &r.FeePool, &r.PrizePool,
			&r.GrandPrizeBps, &r.ParticipantCount, &r.Status, &r.CreatedAt, &r.LockedAt)
	if err != nil {
		return nil, notFoundOr(err, "get round "+id)
	}
	return &r, nil
}

func (s *PostgresStore) ListRounds(ctx context.Context) ([]model.Round, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, total_supply, reserves, fee_pool, prize_pool,
		        grand_prize_bps, participant_count, status, created_at, locked_at
		 FROM rounds ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rounds []model.Round
	for rows.Next() {
		var r model.Round
		if err := rows.Scan(&r.ID, &r.TotalSupply, &r.Reserves, &r.FeePool, &r.PrizePool,
			&r.GrandPrizeBps, &r.ParticipantCount, &r.Status, &r.CreatedAt, &r.LockedAt); err != nil {
			return nil, err
		}
		rounds = append(rounds, r)
	}
	return rounds, rows.Err()
}

func (s *PostgresStore) UpdateRound(ctx context.Context, r *model.Round) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE rounds
		 SET total_supply = $2, reserves = $3, fee_pool = $4, prize_pool = $5,
		     participant_count = $6, status = $7, locked_at = $8
		 WHERE id = $1`,
		r.ID, r.TotalSupply, r.Reserves, r.FeePool, r.PrizePool,
		r.ParticipantCount, r.Status, r.LockedAt,
	)
	return err
}

// --- Participant positions ---

func (s *PostgresStore) GetPosition(ctx context.Context, roundID, participantID string) (*model.ParticipantPosition, error) {
	var p model.ParticipantPosition
	err := s.pool.QueryRow(ctx,
		`SELECT round_id, participant_id, ticket_count, range_start,
		        has_crossed_threshold, updated_at
		 FROM participant_positions WHERE round_id = $1 AND participant_id = $2`,
		roundID, participantID).
		Scan(&p.RoundID, &p.ParticipantID, &p.TicketCount, &p.RangeStart,
			&p.HasCrossedThreshold, &p.UpdatedAt)
	if err != nil {
		return nil, notFoundOr(err, fmt.Sprintf("get position %s/%s", roundID, participantID))
	}
	return &p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, roundID string) ([]model.ParticipantPosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT round_id, participant_id, ticket_count, range_start,
		        has_crossed_threshold, updated_at
		 FROM participant_positions WHERE round_id = $1 ORDER BY participant_id`, roundID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.ParticipantPosition
	for rows.Next() {
		var p model.ParticipantPosition
		if err := rows.Scan(&p.RoundID, &p.ParticipantID, &p.TicketCount, &p.RangeStart,
			&p.HasCrossedThreshold, &p.UpdatedAt); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) UpsertPosition(ctx context.Context, p *model.ParticipantPosition) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO participant_positions
		   (round_id, participant_id, ticket_count, range_start, has_crossed_threshold, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (round_id, participant_id) DO UPDATE
		 SET ticket_count = EXCLUDED.ticket_count,
		     range_start = EXCLUDED.range_start,
		     has_crossed_threshold = EXCLUDED.has_crossed_threshold,
		     updated_at = EXCLUDED.updated_at`,
		p.RoundID, p.ParticipantID, p.TicketCount, p.RangeStart,
		p.HasCrossedThreshold, p.UpdatedAt,
	)
	return err
}

// ApplyTicketTrade wraps the trade's write set in one transaction so the
// round, position and any provisioned market commit or roll back together.
func (s *PostgresStore) ApplyTicketTrade(ctx context.Context, t *TicketTrade) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	r := t.Round
	if _, err := tx.Exec(ctx,
		`UPDATE rounds
		 SET total_supply = $2, reserves = $3, fee_pool = $4, prize_pool = $5,
		     participant_count = $6, status = $7, locked_at = $8
		 WHERE id = $1`,
		r.ID, r.TotalSupply, r.Reserves, r.FeePool, r.PrizePool,
		r.ParticipantCount, r.Status, r.LockedAt,
	); err != nil {
		return err
	}

	p := t.Position
	if _, err := tx.Exec(ctx,
		`INSERT INTO participant_positions
		   (round_id, participant_id, ticket_count, range_start, has_crossed_threshold, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (round_id, participant_id) DO UPDATE
		 SET ticket_count = EXCLUDED.ticket_count,
		     range_start = EXCLUDED.range_start,
		     has_crossed_threshold = EXCLUDED.has_crossed_threshold,
		     updated_at = EXCLUDED.updated_at`,
		p.RoundID, p.ParticipantID, p.TicketCount, p.RangeStart,
		p.HasCrossedThreshold, p.UpdatedAt,
	); err != nil {
		return err
	}

	if m := t.Market; m != nil {
		if _, err := tx.Exec(ctx,
			`INSERT INTO derivative_markets
			   (id, ticker, round_id, participant_id, yes_reserve, no_reserve, k,
			    resolved, winning_outcome, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			m.ID, m.Ticker, m.RoundID, m.ParticipantID, m.YesReserve, m.NoReserve, m.K,
			m.Resolved, m.WinningOutcome, m.CreatedAt,
		); err != nil {
			return err
		}
	}
	if rec := t.Price; rec != nil {
		if _, err := tx.Exec(ctx,
			`INSERT INTO price_records (market_id, raffle_bps, sentiment_bps, updated_at)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (market_id) DO UPDATE
			 SET raffle_bps = EXCLUDED.raffle_bps,
			     sentiment_bps = EXCLUDED.sentiment_bps,
			     updated_at = EXCLUDED.updated_at`,
			rec.MarketID, rec.RaffleBps, rec.SentimentBps, rec.UpdatedAt,
		); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// --- Derivative markets ---

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.DerivativeMarket) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO derivative_markets
		   (id, ticker, round_id, participant_id, yes_reserve, no_reserve, k,
		    resolved, winning_outcome, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.ID, m.Ticker, m.RoundID, m.ParticipantID, m.YesReserve, m.NoReserve, m.K,
		m.Resolved, m.WinningOutcome, m.CreatedAt,
	)
	return err
}

func (s *PostgresStore) scanMarket(row pgx.Row, what string) (*model.DerivativeMarket, error) {
	var m model.DerivativeMarket
	err := row.Scan(&m.ID, &m.Ticker, &m.RoundID, &m.ParticipantID,
		&m.YesReserve, &m.NoReserve, &m.K, &m.Resolved, &m.WinningOutcome, &m.CreatedAt)
	if err != nil {
		return nil, notFoundOr(err, what)
	}
	return &m, nil
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.DerivativeMarket, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, ticker, round_id, participant_id, yes_reserve, no_reserve, k,
		        resolved, winning_outcome, created_at
		 FROM derivative_markets WHERE id = $1`, id)
	return s.scanMarket(row, "get market "+id)
}

func (s *PostgresStore) GetMarketByTicker(ctx context.Context, t string) (*model.DerivativeMarket, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, ticker, round_id, participant_id, yes_reserve, no_reserve, k,
		        resolved, winning_outcome, created_at
		 FROM derivative_markets WHERE ticker = $1`, t)
	return s.scanMarket(row, "get market by ticker "+t)
}

func (s *PostgresStore) ListMarketsByRound(ctx context.Context, roundID string) ([]model.DerivativeMarket, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, ticker, round_id, participant_id, yes_reserve, no_reserve, k,
		        resolved, winning_outcome, created_at
		 FROM derivative_markets WHERE round_id = $1 ORDER BY created_at`, roundID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.DerivativeMarket
	for rows.Next() {
		var m model.DerivativeMarket
		if err := rows.Scan(&m.ID, &m.Ticker, &m.RoundID, &m.ParticipantID,
			&m.YesReserve, &m.NoReserve, &m.K, &m.Resolved, &m.WinningOutcome, &m.CreatedAt); err != nil {
			return nil, err
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) UpdateMarketReserves(ctx context.Context, id string, yesReserve, noReserve uint64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE derivative_markets SET yes_reserve = $2, no_reserve = $3 WHERE id = $1`,
		id, yesReserve, noReserve,
	)
	return err
}

func (s *PostgresStore) ResolveMarket(ctx context.Context, id string, outcomeYes bool) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE derivative_markets SET resolved = TRUE, winning_outcome = $2 WHERE id = $1`,
		id, outcomeYes,
	)
	return err
}

// --- Price records ---

func (s *PostgresStore) UpsertPriceRecord(ctx context.Context, rec *model.PriceRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO price_records (market_id, raffle_bps, sentiment_bps, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (market_id) DO UPDATE
		 SET raffle_bps = EXCLUDED.raffle_bps,
		     sentiment_bps = EXCLUDED.sentiment_bps,
		     updated_at = EXCLUDED.updated_at`,
		rec.MarketID, rec.RaffleBps, rec.SentimentBps, rec.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetPriceRecord(ctx context.Context, marketID string) (*model.PriceRecord, error) {
	var rec model.PriceRecord
	err := s.pool.QueryRow(ctx,
		`SELECT market_id, raffle_bps, sentiment_bps, updated_at
		 FROM price_records WHERE market_id = $1`, marketID).
		Scan(&rec.MarketID, &rec.RaffleBps, &rec.SentimentBps, &rec.UpdatedAt)
	if err != nil {
		return nil, notFoundOr(err, "get price record "+marketID)
	}
	return &rec, nil
}

// --- Immutable ledger ---

func (s *PostgresStore) InsertTradeEntry(ctx context.Context, e *model.TradeEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trade_entries (id, market_id, user_id, side, action, quantity, cost, price_bps, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.MarketID, e.UserID, e.Side, e.Action, e.Quantity, e.Cost, e.PriceBps, e.Timestamp,
	)
	return err
}

func (s *PostgresStore) ListTradeEntriesByMarket(ctx context.Context, marketID string) ([]model.TradeEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, market_id, user_id, side, action, quantity, cost, price_bps, timestamp
		 FROM trade_entries WHERE market_id = $1 ORDER BY timestamp`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.TradeEntry
	for rows.Next() {
		var e model.TradeEntry
		if err := rows.Scan(&e.ID, &e.MarketID, &e.UserID, &e.Side, &e.Action,
			&e.Quantity, &e.Cost, &e.PriceBps, &e.Timestamp); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Share positions ---

func (s *PostgresStore) GetSharePosition(ctx context.Context, marketID, userID string) (*model.SharePosition, error) {
	var p model.SharePosition
	err := s.pool.QueryRow(ctx,
		`SELECT market_id, user_id, yes_shares, no_shares
		 FROM share_positions WHERE market_id = $1 AND user_id = $2`,
		marketID, userID).
		Scan(&p.MarketID, &p.UserID, &p.YesShares, &p.NoShares)
	if err != nil {
		return nil, notFoundOr(err, fmt.Sprintf("get share position %s/%s", marketID, userID))
	}
	return &p, nil
}

func (s *PostgresStore) ListSharePositionsByUser(ctx context.Context, userID string) ([]model.SharePosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT market_id, user_id, yes_shares, no_shares
		 FROM share_positions WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.SharePosition
	for rows.Next() {
		var p model.SharePosition
		if err := rows.Scan(&p.MarketID, &p.UserID, &p.YesShares, &p.NoShares); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) UpsertSharePosition(ctx context.Context, p *model.SharePosition) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO share_positions (market_id, user_id, yes_shares, no_shares)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (market_id, user_id) DO UPDATE
		 SET yes_shares = EXCLUDED.yes_shares,
		     no_shares = EXCLUDED.no_shares`,
		p.MarketID, p.UserID, p.YesShares, p.NoShares,
	)
	return err
}

// --- Payouts and claims ---

func (s *PostgresStore) CreatePayout(ctx context.Context, p *model.SeasonPayout) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO season_payouts
		   (round_id, grand_winner, grand_amount, consolation_pool, per_loser_share,
		    remainder_retained, total_participants, settled_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.RoundID, p.GrandWinner, p.GrandAmount, p.ConsolationPool, p.PerLoserShare,
		p.RemainderRetained, p.TotalParticipants, p.SettledAt,
	)
	return err
}

func (s *PostgresStore) GetPayout(ctx context.Context, roundID string) (*model.SeasonPayout, error) {
	var p model.SeasonPayout
	err := s.pool.QueryRow(ctx,
		`SELECT round_id, grand_winner, grand_amount, consolation_pool, per_loser_share,
		        remainder_retained, total_participants, settled_at
		 FROM season_payouts WHERE round_id = $1`, roundID).
		Scan(&p.RoundID, &p.GrandWinner, &p.GrandAmount, &p.ConsolationPool, &p.PerLoserShare,
			&p.RemainderRetained, &p.TotalParticipants, &p.SettledAt)
	if err != nil {
		return nil, notFoundOr(err, "get payout "+roundID)
	}
	return &p, nil
}

func (s *PostgresStore) HasClaimed(ctx context.Context, roundID, account, kind string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM payout_claims
		  WHERE round_id = $1 AND account = $2 AND kind = $3)`,
		roundID, account, kind).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) MarkClaimed(ctx context.Context, roundID, account, kind string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO payout_claims (round_id, account, kind)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (round_id, account, kind) DO NOTHING`,
		roundID, account, kind,
	)
	return err
}
