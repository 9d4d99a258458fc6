// Package settle implements the resolution cascade: given one verified
// random winner, it settles every derivative market of a round exactly
// once, freezes the grand/consolation payout split, and serves the
// post-settlement claims.
//
// The per-market loop isolates failures: one misbehaving market never
// blocks the grand prize or any sibling market. Every step is idempotent,
// so re-running settlement after a partial failure retries only what is
// still unresolved.
package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/luckblock/raffle-engine/internal/fixedpoint"
	"github.com/luckblock/raffle-engine/internal/model"
	"github.com/luckblock/raffle-engine/internal/store"
)

var (
	// ErrRoundNotLocked is returned when settlement is requested for a
	// round still open for trading.
	ErrRoundNotLocked = errors.New("settle: round is not locked")

	// ErrRoundNotSettled is returned for claims against an unsettled round.
	ErrRoundNotSettled = errors.New("settle: round is not settled")

	// ErrWinnerNotParticipant is returned when the supplied winner holds no
	// tickets in the round.
	ErrWinnerNotParticipant = errors.New("settle: winner is not a round participant")

	// ErrAlreadyClaimed is returned on a repeated claim of the same kind.
	ErrAlreadyClaimed = errors.New("settle: already claimed")

	// ErrNotGrandWinner is returned when a non-winner claims the grand prize.
	ErrNotGrandWinner = errors.New("settle: caller is not the grand winner")

	// ErrWinnerCannotClaimConsolation is returned when the grand winner
	// tries to claim from the consolation pool.
	ErrWinnerCannotClaimConsolation = errors.New("settle: grand winner cannot claim consolation")

	// ErrNotParticipant is returned for consolation claims by accounts that
	// held no tickets in the round.
	ErrNotParticipant = errors.New("settle: caller did not participate in round")

	// ErrNoConsolation is returned when a round has no losers to pay
	// (single-participant round).
	ErrNoConsolation = errors.New("settle: round has no consolation pool")

	// ErrNoSupply is returned when a winner draw is requested for a round
	// with no tickets sold.
	ErrNoSupply = errors.New("settle: round has no ticket supply")
)

// OutcomeConflictError reports a market already resolved with a different
// outcome than the one requested. With a single source of truth for the
// winner this must never occur; it is fatal, not retryable.
type OutcomeConflictError struct {
	MarketID  string
	Existing  bool
	Requested bool
}

func (e *OutcomeConflictError) Error() string {
	return fmt.Sprintf("settle: market %s already resolved with outcome %t, requested %t",
		e.MarketID, e.Existing, e.Requested)
}

// MarketResult is the per-market outcome of one settlement pass.
type MarketResult struct {
	MarketID string `json:"market_id"`
	Ticker   string `json:"ticker"`
	Err      error  `json:"-"`
	Error    string `json:"error,omitempty"`
}

// Report aggregates one settlement pass over all markets of a round.
type Report struct {
	RoundID  string         `json:"round_id"`
	Winner   string         `json:"winner"`
	Resolved int            `json:"resolved"`
	Failed   int            `json:"failed"`
	Results  []MarketResult `json:"results"`
}

// Complete reports whether every market of the round is resolved.
func (r *Report) Complete() bool {
	return r.Failed == 0
}

// Coordinator drives round settlement against the store.
type Coordinator struct {
	store store.Store
}

// NewCoordinator creates a settlement coordinator.
func NewCoordinator(st store.Store) *Coordinator {
	return &Coordinator{store: st}
}

// SettleRound settles a locked round from one externally verified winner.
//
// The payout split is computed and frozen on the first call; every call
// (first or retry) walks all markets and resolves the unresolved ones,
// isolating per-market failures into the report. The round transitions to
// settled once the payout exists and every market is resolved.
func (c *Coordinator) SettleRound(ctx context.Context, roundID, winnerID string, now time.Time) (*Report, error) {
	round, err := c.store.GetRound(ctx, roundID)
	if err != nil {
		return nil, err
	}
	if round.Status == model.RoundOpen {
		return nil, ErrRoundNotLocked
	}

	winnerPos, err := c.store.GetPosition(ctx, roundID, winnerID)
	if err != nil || winnerPos.TicketCount == 0 {
		return nil, ErrWinnerNotParticipant
	}

	if _, err := c.store.GetPayout(ctx, roundID); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		payout, perr := c.buildPayout(ctx, round, winnerID, now)
		if perr != nil {
			return nil, perr
		}
		if err := c.store.CreatePayout(ctx, payout); err != nil {
			return nil, err
		}
		slog.Info("season payout frozen",
			"round", roundID,
			"winner", winnerID,
			"grand", payout.GrandAmount,
			"consolation", payout.ConsolationPool,
			"per_loser", payout.PerLoserShare,
		)
	}

	report := &Report{RoundID: roundID, Winner: winnerID}

	markets, err := c.store.ListMarketsByRound(ctx, roundID)
	if err != nil {
		return nil, err
	}
	for _, m := range markets {
		res := MarketResult{MarketID: m.ID, Ticker: m.Ticker}
		if err := c.resolveMarket(ctx, &m, m.ParticipantID == winnerID); err != nil {
			res.Err = err
			res.Error = err.Error()
			report.Failed++
			slog.Error("market resolution failed", "market", m.ID, "err", err)
		} else {
			report.Resolved++
		}
		report.Results = append(report.Results, res)
	}

	if report.Complete() && round.Status != model.RoundSettled {
		round.Status = model.RoundSettled
		if err := c.store.UpdateRound(ctx, round); err != nil {
			return report, err
		}
		slog.Info("round settled", "round", roundID, "markets", report.Resolved)
	}
	return report, nil
}

// resolveMarket settles one market exactly once. An already-resolved market
// with the same outcome is a no-op success so coordinator retries are safe;
// a different outcome is a fatal consistency break.
func (c *Coordinator) resolveMarket(ctx context.Context, m *model.DerivativeMarket, outcomeYes bool) error {
	if m.Resolved {
		if m.WinningOutcome != nil && *m.WinningOutcome == outcomeYes {
			return nil
		}
		existing := false
		if m.WinningOutcome != nil {
			existing = *m.WinningOutcome
		}
		return &OutcomeConflictError{MarketID: m.ID, Existing: existing, Requested: outcomeYes}
	}
	return c.store.ResolveMarket(ctx, m.ID, outcomeYes)
}

// buildPayout freezes the settlement amounts from the prize pool captured
// at lock time. ConsolationPool comes from subtraction, not a second
// multiply, so the two parts always sum exactly to the pool.
func (c *Coordinator) buildPayout(ctx context.Context, round *model.Round, winnerID string, now time.Time) (*model.SeasonPayout, error) {
	grand, err := fixedpoint.BpsOf(round.PrizePool, round.GrandPrizeBps)
	if err != nil {
		return nil, err
	}
	consolation := round.PrizePool - grand

	participants := round.ParticipantCount

	var perLoser, remainder uint64
	if participants > 1 {
		perLoser = consolation / (participants - 1)
		remainder = consolation - perLoser*(participants-1)
	} else {
		// Single-participant round: no losers, the pool is retained whole.
		perLoser = 0
		remainder = consolation
	}

	return &model.SeasonPayout{
		RoundID:           round.ID,
		GrandWinner:       winnerID,
		GrandAmount:       grand,
		ConsolationPool:   consolation,
		PerLoserShare:     perLoser,
		RemainderRetained: remainder,
		TotalParticipants: participants,
		SettledAt:         now,
	}, nil
}

// WinnerByTicket maps a verified random word to a winner by ticket index
// using the contiguous ranges assigned at lock time.
func WinnerByTicket(positions []model.ParticipantPosition, totalSupply, randomWord uint64) (string, error) {
	if totalSupply == 0 {
		return "", ErrNoSupply
	}
	idx := randomWord % totalSupply

	sorted := make([]model.ParticipantPosition, 0, len(positions))
	for _, p := range positions {
		if p.TicketCount > 0 {
			sorted = append(sorted, p)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RangeStart < sorted[j].RangeStart })

	for _, p := range sorted {
		if idx >= p.RangeStart && idx < p.RangeStart+p.TicketCount {
			return p.ParticipantID, nil
		}
	}
	return "", fmt.Errorf("settle: ticket index %d not covered by any range", idx)
}

// ClaimGrand pays the grand prize to the winner, once.
func (c *Coordinator) ClaimGrand(ctx context.Context, roundID, account string) (uint64, error) {
	payout, err := c.store.GetPayout(ctx, roundID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, ErrRoundNotSettled
		}
		return 0, err
	}
	if account != payout.GrandWinner {
		return 0, ErrNotGrandWinner
	}
	claimed, err := c.store.HasClaimed(ctx, roundID, account, model.ClaimGrand)
	if err != nil {
		return 0, err
	}
	if claimed {
		return 0, ErrAlreadyClaimed
	}
	if err := c.store.MarkClaimed(ctx, roundID, account, model.ClaimGrand); err != nil {
		return 0, err
	}
	slog.Info("grand prize claimed", "round", roundID, "account", account, "amount", payout.GrandAmount)
	return payout.GrandAmount, nil
}

// ClaimConsolation pays one loser their frozen per-loser share, once.
func (c *Coordinator) ClaimConsolation(ctx context.Context, roundID, account string) (uint64, error) {
	payout, err := c.store.GetPayout(ctx, roundID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, ErrRoundNotSettled
		}
		return 0, err
	}
	if account == payout.GrandWinner {
		return 0, ErrWinnerCannotClaimConsolation
	}
	if payout.TotalParticipants <= 1 || payout.PerLoserShare == 0 {
		return 0, ErrNoConsolation
	}
	pos, err := c.store.GetPosition(ctx, roundID, account)
	if err != nil || pos.TicketCount == 0 {
		return 0, ErrNotParticipant
	}
	claimed, err := c.store.HasClaimed(ctx, roundID, account, model.ClaimConsolation)
	if err != nil {
		return 0, err
	}
	if claimed {
		return 0, ErrAlreadyClaimed
	}
	if err := c.store.MarkClaimed(ctx, roundID, account, model.ClaimConsolation); err != nil {
		return 0, err
	}
	slog.Info("consolation claimed", "round", roundID, "account", account, "amount", payout.PerLoserShare)
	return payout.PerLoserShare, nil
}
