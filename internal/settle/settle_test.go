package settle

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/luckblock/raffle-engine/internal/model"
	"github.com/luckblock/raffle-engine/internal/store"
)

var now = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

// seedRound creates a locked round with the given participants, each
// holding `each` tickets, and one market per participant.
func seedRound(t *testing.T, ms *store.MemoryStore, prizePool, grandBps uint64, participants []string, each uint64) *model.Round {
	t.Helper()
	ctx := context.Background()

	round := &model.Round{
		ID:               "round-1",
		TotalSupply:      each * uint64(len(participants)),
		Reserves:         prizePool,
		PrizePool:        prizePool,
		GrandPrizeBps:    grandBps,
		ParticipantCount: uint64(len(participants)),
		Status:           model.RoundLocked,
		CreatedAt:        now,
		LockedAt:         &now,
	}
	if err := ms.CreateRound(ctx, round); err != nil {
		t.Fatalf("seed round: %v", err)
	}

	var rangeStart uint64
	for i, pid := range participants {
		pos := &model.ParticipantPosition{
			RoundID:       round.ID,
			ParticipantID: pid,
			TicketCount:   each,
			RangeStart:    rangeStart,
			UpdatedAt:     now,
		}
		rangeStart += each
		if err := ms.UpsertPosition(ctx, pos); err != nil {
			t.Fatalf("seed position: %v", err)
		}

		m := &model.DerivativeMarket{
			ID:            fmt.Sprintf("market-%d", i+1),
			Ticker:        fmt.Sprintf("RFL:round-1:%s", pid),
			RoundID:       round.ID,
			ParticipantID: pid,
			YesReserve:    500,
			NoReserve:     500,
			K:             1000,
			CreatedAt:     now,
		}
		if err := ms.CreateMarket(ctx, m); err != nil {
			t.Fatalf("seed market: %v", err)
		}
	}
	return round
}

// Scenario: 10 participants, pool 10000, grand 6500 bps.
func TestSettleRound_PayoutSplit(t *testing.T) {
	ms := store.NewMemoryStore()
	participants := make([]string, 10)
	for i := range participants {
		participants[i] = fmt.Sprintf("p%d", i+1)
	}
	seedRound(t, ms, 10000, 6500, participants, 10)

	c := NewCoordinator(ms)
	report, err := c.SettleRound(context.Background(), "round-1", "p1", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !report.Complete() || report.Resolved != 10 {
		t.Fatalf("expected 10 resolved markets, got %+v", report)
	}

	payout, err := ms.GetPayout(context.Background(), "round-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payout.GrandAmount != 6500 {
		t.Errorf("grandAmount = %d, want 6500", payout.GrandAmount)
	}
	if payout.ConsolationPool != 3500 {
		t.Errorf("consolationPool = %d, want 3500", payout.ConsolationPool)
	}
	if payout.PerLoserShare != 388 {
		t.Errorf("perLoserShare = %d, want floor(3500/9) = 388", payout.PerLoserShare)
	}
	if payout.RemainderRetained != 8 {
		t.Errorf("remainder = %d, want 8 (retained, not distributed)", payout.RemainderRetained)
	}

	round, _ := ms.GetRound(context.Background(), "round-1")
	if round.Status != model.RoundSettled {
		t.Errorf("round should be settled, got %s", round.Status)
	}
}

func TestSettleRound_Conservation(t *testing.T) {
	// grandAmount + consolationPool == prizePool exactly for any split.
	for _, grandBps := range []uint64{0, 1, 3333, 5000, 6500, 9999, 10000} {
		ms := store.NewMemoryStore()
		seedRound(t, ms, 99991, grandBps, []string{"a", "b", "c"}, 7)

		c := NewCoordinator(ms)
		if _, err := c.SettleRound(context.Background(), "round-1", "a", now); err != nil {
			t.Fatalf("grandBps=%d: unexpected error: %v", grandBps, err)
		}
		payout, _ := ms.GetPayout(context.Background(), "round-1")
		if payout.GrandAmount+payout.ConsolationPool != 99991 {
			t.Errorf("grandBps=%d: %d + %d != 99991",
				grandBps, payout.GrandAmount, payout.ConsolationPool)
		}
	}
}

func TestSettleRound_MarketOutcomes(t *testing.T) {
	ms := store.NewMemoryStore()
	seedRound(t, ms, 1000, 5000, []string{"a", "b", "c"}, 10)

	c := NewCoordinator(ms)
	if _, err := c.SettleRound(context.Background(), "round-1", "b", now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	markets, _ := ms.ListMarketsByRound(context.Background(), "round-1")
	for _, m := range markets {
		if !m.Resolved || m.WinningOutcome == nil {
			t.Fatalf("market %s not resolved", m.ID)
		}
		wantYes := m.ParticipantID == "b"
		if *m.WinningOutcome != wantYes {
			t.Errorf("market %s outcome = %t, want %t", m.ID, *m.WinningOutcome, wantYes)
		}
	}
}

func TestSettleRound_RejectsOpenRound(t *testing.T) {
	ms := store.NewMemoryStore()
	round := seedRound(t, ms, 1000, 5000, []string{"a", "b"}, 10)
	round.Status = model.RoundOpen
	if err := ms.UpdateRound(context.Background(), round); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c := NewCoordinator(ms)
	if _, err := c.SettleRound(context.Background(), "round-1", "a", now); !errors.Is(err, ErrRoundNotLocked) {
		t.Errorf("expected ErrRoundNotLocked, got %v", err)
	}
}

func TestSettleRound_RejectsNonParticipantWinner(t *testing.T) {
	ms := store.NewMemoryStore()
	seedRound(t, ms, 1000, 5000, []string{"a", "b"}, 10)

	c := NewCoordinator(ms)
	if _, err := c.SettleRound(context.Background(), "round-1", "stranger", now); !errors.Is(err, ErrWinnerNotParticipant) {
		t.Errorf("expected ErrWinnerNotParticipant, got %v", err)
	}
}

// failingStore fails ResolveMarket for one market ID.
type failingStore struct {
	store.Store
	failID string
	calls  map[string]int
}

func (f *failingStore) ResolveMarket(ctx context.Context, id string, outcomeYes bool) error {
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[id]++
	if id == f.failID {
		return errors.New("simulated resolution failure")
	}
	return f.Store.ResolveMarket(ctx, id, outcomeYes)
}

// Scenario: 5 markets, market 3 fails; 1,2,4,5 settle; the retry touches
// only market 3.
func TestSettleRound_PartialFailureIsolation(t *testing.T) {
	ms := store.NewMemoryStore()
	seedRound(t, ms, 1000, 5000, []string{"a", "b", "c", "d", "e"}, 10)
	fs := &failingStore{Store: ms, failID: "market-3"}

	c := NewCoordinator(fs)
	report, err := c.SettleRound(context.Background(), "round-1", "a", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Resolved != 4 || report.Failed != 1 {
		t.Fatalf("expected 4 resolved / 1 failed, got %+v", report)
	}
	var failedID string
	for _, r := range report.Results {
		if r.Err != nil {
			failedID = r.MarketID
		}
	}
	if failedID != "market-3" {
		t.Errorf("expected market-3 to fail, got %s", failedID)
	}

	round, _ := ms.GetRound(context.Background(), "round-1")
	if round.Status == model.RoundSettled {
		t.Error("round must not settle while a market is unresolved")
	}

	// Retry with the fault cleared: only market-3 is re-resolved.
	fs.failID = ""
	resolveCallsBefore := map[string]int{}
	for id, n := range fs.calls {
		resolveCallsBefore[id] = n
	}

	report, err = c.SettleRound(context.Background(), "round-1", "a", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !report.Complete() {
		t.Fatalf("retry should complete, got %+v", report)
	}
	for id, n := range fs.calls {
		if id == "market-3" {
			if n != resolveCallsBefore[id]+1 {
				t.Errorf("market-3 should be retried exactly once more")
			}
		} else if n != resolveCallsBefore[id] {
			t.Errorf("market %s was re-resolved on retry", id)
		}
	}

	round, _ = ms.GetRound(context.Background(), "round-1")
	if round.Status != model.RoundSettled {
		t.Errorf("round should settle after retry, got %s", round.Status)
	}
}

func TestSettleRound_IdempotentRerun(t *testing.T) {
	ms := store.NewMemoryStore()
	seedRound(t, ms, 10000, 6500, []string{"a", "b", "c"}, 10)

	c := NewCoordinator(ms)
	if _, err := c.SettleRound(context.Background(), "round-1", "a", now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	payout1, _ := ms.GetPayout(context.Background(), "round-1")

	report, err := c.SettleRound(context.Background(), "round-1", "a", now)
	if err != nil {
		t.Fatalf("re-run should succeed: %v", err)
	}
	if !report.Complete() {
		t.Errorf("re-run should report all markets resolved")
	}
	payout2, _ := ms.GetPayout(context.Background(), "round-1")
	if *payout1 != *payout2 {
		t.Errorf("payout changed on re-run: %+v vs %+v", payout1, payout2)
	}
}

func TestSettleRound_ConflictingWinnerIsFatal(t *testing.T) {
	ms := store.NewMemoryStore()
	seedRound(t, ms, 1000, 5000, []string{"a", "b"}, 10)

	c := NewCoordinator(ms)
	if _, err := c.SettleRound(context.Background(), "round-1", "a", now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	report, err := c.SettleRound(context.Background(), "round-1", "b", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Failed != len(report.Results) {
		t.Fatalf("conflicting winner should fail every market, got %+v", report)
	}
	var conflict *OutcomeConflictError
	if !errors.As(report.Results[0].Err, &conflict) {
		t.Errorf("expected OutcomeConflictError, got %v", report.Results[0].Err)
	}
}

func TestWinnerByTicket(t *testing.T) {
	positions := []model.ParticipantPosition{
		{ParticipantID: "a", TicketCount: 100, RangeStart: 0},
		{ParticipantID: "b", TicketCount: 100, RangeStart: 100},
		{ParticipantID: "c", TicketCount: 100, RangeStart: 200},
	}

	tests := []struct {
		word uint64
		want string
	}{
		{0, "a"},
		{99, "a"},
		{100, "b"},
		{299, "c"},
		{300, "a"}, // wraps via modulo
		{512, "c"},
	}
	for _, tt := range tests {
		got, err := WinnerByTicket(positions, 300, tt.word)
		if err != nil {
			t.Fatalf("word %d: unexpected error: %v", tt.word, err)
		}
		if got != tt.want {
			t.Errorf("word %d → %s, want %s", tt.word, got, tt.want)
		}
	}

	if _, err := WinnerByTicket(nil, 0, 7); !errors.Is(err, ErrNoSupply) {
		t.Errorf("expected ErrNoSupply, got %v", err)
	}
}

func TestClaims(t *testing.T) {
	ms := store.NewMemoryStore()
	seedRound(t, ms, 10000, 6500, []string{"a", "b", "c"}, 10)

	c := NewCoordinator(ms)
	ctx := context.Background()

	// Claims before settlement are rejected.
	if _, err := c.ClaimGrand(ctx, "round-1", "a"); !errors.Is(err, ErrRoundNotSettled) {
		t.Errorf("expected ErrRoundNotSettled, got %v", err)
	}

	if _, err := c.SettleRound(ctx, "round-1", "a", now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Grand prize: only the winner, only once.
	if _, err := c.ClaimGrand(ctx, "round-1", "b"); !errors.Is(err, ErrNotGrandWinner) {
		t.Errorf("expected ErrNotGrandWinner, got %v", err)
	}
	amount, err := c.ClaimGrand(ctx, "round-1", "a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if amount != 6500 {
		t.Errorf("grand claim = %d, want 6500", amount)
	}
	if _, err := c.ClaimGrand(ctx, "round-1", "a"); !errors.Is(err, ErrAlreadyClaimed) {
		t.Errorf("expected ErrAlreadyClaimed, got %v", err)
	}

	// Consolation: losers only, frozen share, once each.
	if _, err := c.ClaimConsolation(ctx, "round-1", "a"); !errors.Is(err, ErrWinnerCannotClaimConsolation) {
		t.Errorf("expected ErrWinnerCannotClaimConsolation, got %v", err)
	}
	if _, err := c.ClaimConsolation(ctx, "round-1", "stranger"); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("expected ErrNotParticipant, got %v", err)
	}
	share, err := c.ClaimConsolation(ctx, "round-1", "b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if share != 1750 { // floor(3500/2)
		t.Errorf("consolation share = %d, want 1750", share)
	}
	if _, err := c.ClaimConsolation(ctx, "round-1", "b"); !errors.Is(err, ErrAlreadyClaimed) {
		t.Errorf("expected ErrAlreadyClaimed, got %v", err)
	}

	// Later claimants get the same frozen share.
	share2, err := c.ClaimConsolation(ctx, "round-1", "c")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if share2 != share {
		t.Errorf("per-loser share must not change between claimants: %d vs %d", share, share2)
	}
}

func TestSingleParticipantRound_NoConsolation(t *testing.T) {
	ms := store.NewMemoryStore()
	seedRound(t, ms, 5000, 6000, []string{"solo"}, 10)

	c := NewCoordinator(ms)
	ctx := context.Background()
	if _, err := c.SettleRound(ctx, "round-1", "solo", now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	payout, _ := ms.GetPayout(ctx, "round-1")
	if payout.PerLoserShare != 0 {
		t.Errorf("single-participant round has no losers, perLoserShare = %d", payout.PerLoserShare)
	}
	if payout.RemainderRetained != payout.ConsolationPool {
		t.Errorf("whole consolation pool should be retained, got %d of %d",
			payout.RemainderRetained, payout.ConsolationPool)
	}
}
