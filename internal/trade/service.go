// Package trade provides the HTTP handlers and business logic for the
// raffle engine: ticket issuance on the bonding curve, derivative share
// trading against the constant-sum pools, oracle price queries, and the
// settlement and claim endpoints.
//
// All monetary values are whole integer units of account — never float64
// for money. Prices cross the API boundary in basis points, with a decimal
// display string derived at the edge only.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/luckblock/raffle-engine/internal/csmm"
	"github.com/luckblock/raffle-engine/internal/curve"
	"github.com/luckblock/raffle-engine/internal/exposure"
	"github.com/luckblock/raffle-engine/internal/fixedpoint"
	"github.com/luckblock/raffle-engine/internal/metrics"
	"github.com/luckblock/raffle-engine/internal/model"
	"github.com/luckblock/raffle-engine/internal/oracle"
	"github.com/luckblock/raffle-engine/internal/settle"
	"github.com/luckblock/raffle-engine/internal/store"
	"github.com/luckblock/raffle-engine/internal/ticker"
)

var (
	// ErrRoundNotOpen is returned for trades against a locked or settled round.
	ErrRoundNotOpen = errors.New("trade: round is not open for trading")

	// ErrInsufficientTickets is returned when a sell exceeds the seller's
	// ticket balance.
	ErrInsufficientTickets = errors.New("trade: insufficient ticket balance")

	// ErrInsufficientShares is returned when a share sell exceeds the
	// seller's balance on that side.
	ErrInsufficientShares = errors.New("trade: insufficient share balance")

	// ErrSlippageExceeded is returned when execution falls below the
	// caller's stated minimum.
	ErrSlippageExceeded = errors.New("trade: execution below stated minimum")

	// ErrNoFeesToExtract is returned when the fee pool is empty.
	ErrNoFeesToExtract = errors.New("trade: fee pool is empty")

	// ErrMarketResolved is returned for trades against a resolved market.
	ErrMarketResolved = errors.New("trade: market already resolved")

	// ErrMarketNotResolved is returned for claims against an open market.
	ErrMarketNotResolved = errors.New("trade: market is not resolved")

	// ErrNoWinningShares is returned when a claimant holds no shares of the
	// winning side.
	ErrNoWinningShares = errors.New("trade: no winning shares to claim")
)

// Config holds the economic parameters of the engine. All fee and
// threshold values are basis points.
type Config struct {
	BasePrice      uint64 // first-step ticket price
	PriceIncrement uint64 // price rise per step
	StepSize       uint64 // tickets per step

	BuyFeeBps   uint64 // fee on ticket buy amounts
	SellFeeBps  uint64 // fee on ticket sell proceeds
	ClaimFeeBps uint64 // fee on winning-share claims

	// CreationThresholdBps is the win probability at which a participant's
	// derivative market is provisioned (once, monotonically).
	CreationThresholdBps uint64

	// MarketSeedCollateral is the constant-sum invariant K for new markets.
	// Must be even so the pool opens at 50/50.
	MarketSeedCollateral uint64

	// GrandPrizeBps is the grand winner's share of the prize pool, fixed at
	// round creation.
	GrandPrizeBps uint64

	// Exposure limits for derivative share positions.
	MaxPerMarket int64
	MaxPerRound  int64
}

// DefaultConfig returns the standard engine parameters.
func DefaultConfig() Config {
	return Config{
		BasePrice:            10,
		PriceIncrement:       5,
		StepSize:             100,
		BuyFeeBps:            300,
		SellFeeBps:           300,
		ClaimFeeBps:          200,
		CreationThresholdBps: 100,
		MarketSeedCollateral: 1000,
		GrandPrizeBps:        6500,
		MaxPerMarket:         5000,
		MaxPerRound:          10000,
	}
}

// Service handles all engine operations. A single mutex serializes every
// mutating path (single-instance). For horizontal scaling, replace with
// distributed locking or database-level optimistic concurrency.
type Service struct {
	store       store.Store
	table       *curve.StepTable
	maker       *csmm.Maker
	oracle      *oracle.Oracle
	limiter     *exposure.Limiter
	coordinator *settle.Coordinator
	cfg         Config
	mu          sync.Mutex
	wsHub       *WSHub           // optional hub for real-time broadcasts
	now         func() time.Time // injectable clock for tests
}

// NewService creates the trade service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, orc *oracle.Oracle, hub *WSHub, cfg Config) (*Service, error) {
	table, err := curve.NewStepTable(cfg.BasePrice, cfg.PriceIncrement, cfg.StepSize)
	if err != nil {
		return nil, err
	}
	maker, err := csmm.NewMaker(cfg.MarketSeedCollateral)
	if err != nil {
		return nil, err
	}
	return &Service{
		store:       st,
		table:       table,
		maker:       maker,
		oracle:      orc,
		limiter:     exposure.NewLimiter(cfg.MaxPerMarket, cfg.MaxPerRound),
		coordinator: settle.NewCoordinator(st),
		cfg:         cfg,
		wsHub:       hub,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// --- Request/Response types ---

// CreateRoundRequest is the JSON body for POST /rounds.
type CreateRoundRequest struct {
	GrandPrizeBps uint64 `json:"grand_prize_bps"` // 0 → config default
}

// BuyTicketsRequest is the JSON body for POST /rounds/{roundID}/tickets/buy.
type BuyTicketsRequest struct {
	ParticipantID string `json:"participant_id"`
	Amount        uint64 `json:"amount"`
	MinTickets    uint64 `json:"min_tickets"` // slippage floor; 0 disables
}

// BuyTicketsResponse is the JSON body returned from a ticket buy.
type BuyTicketsResponse struct {
	RoundID        string `json:"round_id"`
	ParticipantID  string `json:"participant_id"`
	Tickets        uint64 `json:"tickets"`
	Cost           uint64 `json:"cost"`
	Fee            uint64 `json:"fee"`
	Change         uint64 `json:"change"`
	TicketBalance  uint64 `json:"ticket_balance"`
	TotalSupply    uint64 `json:"total_supply"`
	ProbabilityBps uint64 `json:"probability_bps"`
	MarketCreated  bool   `json:"market_created"`
	Ticker         string `json:"ticker,omitempty"`
}

// SellTicketsRequest is the JSON body for POST /rounds/{roundID}/tickets/sell.
type SellTicketsRequest struct {
	ParticipantID string `json:"participant_id"`
	Tickets       uint64 `json:"tickets"`
	MinAmount     uint64 `json:"min_amount"` // slippage floor; 0 disables
}

// SellTicketsResponse is the JSON body returned from a ticket sell.
type SellTicketsResponse struct {
	RoundID        string `json:"round_id"`
	ParticipantID  string `json:"participant_id"`
	Tickets        uint64 `json:"tickets"`
	Gross          uint64 `json:"gross"`
	Fee            uint64 `json:"fee"`
	Payout         uint64 `json:"payout"`
	TicketBalance  uint64 `json:"ticket_balance"`
	TotalSupply    uint64 `json:"total_supply"`
	ProbabilityBps uint64 `json:"probability_bps"`
}

// TradeSharesRequest is the JSON body for POST /markets/{marketID}/trade.
type TradeSharesRequest struct {
	UserID   string `json:"user_id"`
	Side     string `json:"side"`   // "YES" or "NO"
	Action   string `json:"action"` // "BUY" or "SELL"
	Quantity uint64 `json:"quantity"`
}

// TradeSharesResponse is the JSON body returned from a share trade.
type TradeSharesResponse struct {
	TradeID      string `json:"trade_id"`
	MarketID     string `json:"market_id"`
	Ticker       string `json:"ticker"`
	Side         string `json:"side"`
	Action       string `json:"action"`
	Quantity     uint64 `json:"quantity"`
	Cost         uint64 `json:"cost"`
	PriceYesBps  uint64 `json:"price_yes_bps"`
	PriceDisplay string `json:"price_display"`
	YesShares    uint64 `json:"yes_shares"`
	NoShares     uint64 `json:"no_shares"`
}

// ClaimSharesRequest is the JSON body for POST /markets/{marketID}/claim.
type ClaimSharesRequest struct {
	UserID string `json:"user_id"`
}

// SettleRoundRequest is the JSON body for POST /rounds/{roundID}/settle.
// Either the verified winner is named directly, or a verified random word
// is supplied and mapped to a winner by ticket index.
type SettleRoundRequest struct {
	WinnerID   string  `json:"winner_id"`
	RandomWord *uint64 `json:"random_word"`
}

// ClaimPrizeRequest is the JSON body for the grand/consolation claims.
type ClaimPrizeRequest struct {
	Account string `json:"account"`
}

// --- Round handlers ---

// CreateRound handles POST /api/v1/rounds
func (s *Service) CreateRound(w http.ResponseWriter, r *http.Request) {
	var req CreateRoundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	grandBps := req.GrandPrizeBps
	if grandBps == 0 {
		grandBps = s.cfg.GrandPrizeBps
	}
	if !fixedpoint.ValidBps(grandBps) {
		writeError(w, "grand_prize_bps must be in [0, 10000]", http.StatusBadRequest)
		return
	}

	round := &model.Round{
		ID:            uuid.New().String(),
		GrandPrizeBps: grandBps,
		Status:        model.RoundOpen,
		CreatedAt:     s.now(),
	}
	if err := s.store.CreateRound(r.Context(), round); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	metrics.ActiveRounds.Inc()

	slog.Info("round created", "id", round.ID, "grand_prize_bps", grandBps)
	writeJSON(w, http.StatusCreated, round)
}

// ListRounds handles GET /api/v1/rounds
func (s *Service) ListRounds(w http.ResponseWriter, r *http.Request) {
	rounds, err := s.store.ListRounds(r.Context())
	if err != nil {
		writeError(w, "failed to list rounds", http.StatusInternalServerError)
		return
	}
	if rounds == nil {
		rounds = []model.Round{}
	}
	writeJSON(w, http.StatusOK, rounds)
}

// GetRound handles GET /api/v1/rounds/{roundID}
func (s *Service) GetRound(w http.ResponseWriter, r *http.Request) {
	round, err := s.store.GetRound(r.Context(), chi.URLParam(r, "roundID"))
	if err != nil {
		writeError(w, "round not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, round)
}

// BuyTickets handles POST /api/v1/rounds/{roundID}/tickets/buy
//
// The walk budget reserves the fee off the top, but the fee charged is on
// the amount actually spent on the curve; the rest comes back as change.
func (s *Service) BuyTickets(w http.ResponseWriter, r *http.Request) {
	var req BuyTicketsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ParticipantID == "" {
		writeError(w, "participant_id is required", http.StatusBadRequest)
		return
	}
	if req.Amount == 0 {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	s.mu.Lock()
	defer s.mu.Unlock()

	round, err := s.store.GetRound(ctx, chi.URLParam(r, "roundID"))
	if err != nil {
		writeError(w, "round not found", http.StatusNotFound)
		return
	}
	if round.Status != model.RoundOpen {
		writeError(w, ErrRoundNotOpen.Error(), http.StatusConflict)
		return
	}

	feeReserve, err := fixedpoint.BpsOf(req.Amount, s.cfg.BuyFeeBps)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	net := req.Amount - feeReserve

	tickets, cost, err := s.table.BuyQuote(round.TotalSupply, net)
	if err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	if req.MinTickets > 0 && tickets < req.MinTickets {
		writeError(w, ErrSlippageExceeded.Error(), http.StatusConflict)
		return
	}
	// fee(cost) <= fee(amount), so cost + fee never exceeds the amount paid.
	fee, err := fixedpoint.BpsOf(cost, s.cfg.BuyFeeBps)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	change := req.Amount - cost - fee

	pos, err := s.store.GetPosition(ctx, round.ID, req.ParticipantID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			writeError(w, "failed to load position", http.StatusInternalServerError)
			return
		}
		pos = &model.ParticipantPosition{
			RoundID:       round.ID,
			ParticipantID: req.ParticipantID,
		}
	}
	if pos.TicketCount == 0 {
		round.ParticipantCount++
	}
	pos.TicketCount += tickets
	pos.UpdatedAt = s.now()

	round.TotalSupply += tickets
	round.Reserves += cost
	round.FeePool += fee

	probBps, err := fixedpoint.Ratio(pos.TicketCount, round.TotalSupply)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := BuyTicketsResponse{
		RoundID:        round.ID,
		ParticipantID:  req.ParticipantID,
		Tickets:        tickets,
		Cost:           cost,
		Fee:            fee,
		Change:         change,
		TicketBalance:  pos.TicketCount,
		TotalSupply:    round.TotalSupply,
		ProbabilityBps: probBps,
	}

	trade := &store.TicketTrade{Round: round, Position: pos}

	// Threshold crossing is monotonic: once set, later buys and sells never
	// re-trigger market creation. The market rides in the same write set as
	// the crossed flag, so neither can land without the other.
	if !pos.HasCrossedThreshold && probBps >= s.cfg.CreationThresholdBps {
		pos.HasCrossedThreshold = true
		trade.Market, trade.Price = s.buildMarket(round, req.ParticipantID, probBps)
	}

	if err := s.store.ApplyTicketTrade(ctx, trade); err != nil {
		writeError(w, "failed to save trade", http.StatusInternalServerError)
		return
	}
	if trade.Market != nil {
		s.announceMarket(round, trade.Market, probBps)
		resp.MarketCreated = true
		resp.Ticker = trade.Market.Ticker
	}

	// Every buy moves the denominator, so all round markets re-price.
	if err := s.refreshRaffleComponents(ctx, round); err != nil {
		slog.Error("raffle component refresh failed", "round", round.ID, "err", err)
	}

	metrics.TicketTradesTotal.WithLabelValues(model.ActionBuy).Inc()
	slog.Info("tickets bought",
		"round", round.ID,
		"participant", req.ParticipantID,
		"tickets", tickets,
		"cost", cost,
		"fee", fee,
		"prob_bps", probBps,
	)
	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:          EventTicketTrade,
			RoundID:       round.ID,
			ParticipantID: req.ParticipantID,
			Action:        model.ActionBuy,
			Quantity:      tickets,
			PriceBps:      probBps,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// SellTickets handles POST /api/v1/rounds/{roundID}/tickets/sell
//
// Sells redeem the most recently issued curve units. The gross redemption
// is capped to remaining reserves only in the full-exit case (last holder
// selling the entire supply); the fee is carved from the gross.
func (s *Service) SellTickets(w http.ResponseWriter, r *http.Request) {
	var req SellTicketsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ParticipantID == "" {
		writeError(w, "participant_id is required", http.StatusBadRequest)
		return
	}
	if req.Tickets == 0 {
		writeError(w, "tickets must be positive", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	s.mu.Lock()
	defer s.mu.Unlock()

	round, err := s.store.GetRound(ctx, chi.URLParam(r, "roundID"))
	if err != nil {
		writeError(w, "round not found", http.StatusNotFound)
		return
	}
	if round.Status != model.RoundOpen {
		writeError(w, ErrRoundNotOpen.Error(), http.StatusConflict)
		return
	}

	pos, err := s.store.GetPosition(ctx, round.ID, req.ParticipantID)
	if err != nil || pos.TicketCount < req.Tickets {
		writeError(w, ErrInsufficientTickets.Error(), http.StatusConflict)
		return
	}

	gross, err := s.table.SellQuote(round.TotalSupply, req.Tickets)
	if err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	// Full exit: the last holder redeeming the whole supply takes at most
	// what the reserve actually holds.
	if req.Tickets == pos.TicketCount && pos.TicketCount == round.TotalSupply && gross > round.Reserves {
		gross = round.Reserves
	}

	fee, err := fixedpoint.BpsOf(gross, s.cfg.SellFeeBps)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	payout := gross - fee
	if req.MinAmount > 0 && payout < req.MinAmount {
		writeError(w, ErrSlippageExceeded.Error(), http.StatusConflict)
		return
	}

	pos.TicketCount -= req.Tickets
	pos.UpdatedAt = s.now()
	if pos.TicketCount == 0 {
		round.ParticipantCount--
	}
	round.TotalSupply -= req.Tickets
	round.Reserves -= gross
	round.FeePool += fee

	if err := s.store.ApplyTicketTrade(ctx, &store.TicketTrade{Round: round, Position: pos}); err != nil {
		writeError(w, "failed to save trade", http.StatusInternalServerError)
		return
	}

	var probBps uint64
	if round.TotalSupply > 0 {
		probBps, err = fixedpoint.Ratio(pos.TicketCount, round.TotalSupply)
		if err != nil {
			writeError(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	if err := s.refreshRaffleComponents(ctx, round); err != nil {
		slog.Error("raffle component refresh failed", "round", round.ID, "err", err)
	}

	metrics.TicketTradesTotal.WithLabelValues(model.ActionSell).Inc()
	slog.Info("tickets sold",
		"round", round.ID,
		"participant", req.ParticipantID,
		"tickets", req.Tickets,
		"gross", gross,
		"fee", fee,
		"payout", payout,
	)
	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:          EventTicketTrade,
			RoundID:       round.ID,
			ParticipantID: req.ParticipantID,
			Action:        model.ActionSell,
			Quantity:      req.Tickets,
			PriceBps:      probBps,
		})
	}

	writeJSON(w, http.StatusOK, SellTicketsResponse{
		RoundID:        round.ID,
		ParticipantID:  req.ParticipantID,
		Tickets:        req.Tickets,
		Gross:          gross,
		Fee:            fee,
		Payout:         payout,
		TicketBalance:  pos.TicketCount,
		TotalSupply:    round.TotalSupply,
		ProbabilityBps: probBps,
	})
}

// LockRound handles POST /api/v1/rounds/{roundID}/lock
//
// Locking freezes trading, captures the prize pool from reserves, and
// assigns each active participant a contiguous ticket-index range for the
// random draw.
func (s *Service) LockRound(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s.mu.Lock()
	defer s.mu.Unlock()

	round, err := s.store.GetRound(ctx, chi.URLParam(r, "roundID"))
	if err != nil {
		writeError(w, "round not found", http.StatusNotFound)
		return
	}
	if round.Status != model.RoundOpen {
		writeError(w, ErrRoundNotOpen.Error(), http.StatusConflict)
		return
	}

	positions, err := s.store.ListPositions(ctx, round.ID)
	if err != nil {
		writeError(w, "failed to list positions", http.StatusInternalServerError)
		return
	}
	active := positions[:0]
	for _, p := range positions {
		if p.TicketCount > 0 {
			active = append(active, p)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].ParticipantID < active[j].ParticipantID
	})

	now := s.now()
	var rangeStart uint64
	for i := range active {
		active[i].RangeStart = rangeStart
		active[i].UpdatedAt = now
		rangeStart += active[i].TicketCount
		if err := s.store.UpsertPosition(ctx, &active[i]); err != nil {
			writeError(w, "failed to assign ticket ranges", http.StatusInternalServerError)
			return
		}
	}

	round.Status = model.RoundLocked
	round.PrizePool = round.Reserves
	round.ParticipantCount = uint64(len(active))
	round.LockedAt = &now
	if err := s.store.UpdateRound(ctx, round); err != nil {
		writeError(w, "failed to save round", http.StatusInternalServerError)
		return
	}
	metrics.ActiveRounds.Dec()

	slog.Info("round locked",
		"round", round.ID,
		"prize_pool", round.PrizePool,
		"participants", round.ParticipantCount,
		"total_supply", round.TotalSupply,
	)
	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{Type: EventRoundLocked, RoundID: round.ID})
	}

	writeJSON(w, http.StatusOK, round)
}

// ExtractFees handles POST /api/v1/rounds/{roundID}/fees/extract
// Drains the accumulated fee pool. Reserves are untouched.
func (s *Service) ExtractFees(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s.mu.Lock()
	defer s.mu.Unlock()

	round, err := s.store.GetRound(ctx, chi.URLParam(r, "roundID"))
	if err != nil {
		writeError(w, "round not found", http.StatusNotFound)
		return
	}
	if round.FeePool == 0 {
		writeError(w, ErrNoFeesToExtract.Error(), http.StatusConflict)
		return
	}

	amount := round.FeePool
	round.FeePool = 0
	if err := s.store.UpdateRound(ctx, round); err != nil {
		writeError(w, "failed to save round", http.StatusInternalServerError)
		return
	}

	slog.Info("fees extracted", "round", round.ID, "amount", amount)
	writeJSON(w, http.StatusOK, map[string]any{
		"round_id": round.ID,
		"amount":   amount,
	})
}

// GetPosition handles GET /api/v1/rounds/{roundID}/positions/{participantID}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	roundID := chi.URLParam(r, "roundID")

	round, err := s.store.GetRound(ctx, roundID)
	if err != nil {
		writeError(w, "round not found", http.StatusNotFound)
		return
	}
	pos, err := s.store.GetPosition(ctx, roundID, chi.URLParam(r, "participantID"))
	if err != nil {
		writeError(w, "position not found", http.StatusNotFound)
		return
	}

	var probBps uint64
	if round.TotalSupply > 0 {
		probBps, err = fixedpoint.Ratio(pos.TicketCount, round.TotalSupply)
		if err != nil {
			writeError(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"position":        pos,
		"probability_bps": probBps,
	})
}

// ListRoundMarkets handles GET /api/v1/rounds/{roundID}/markets
func (s *Service) ListRoundMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarketsByRound(r.Context(), chi.URLParam(r, "roundID"))
	if err != nil {
		writeError(w, "failed to list markets", http.StatusInternalServerError)
		return
	}
	if markets == nil {
		markets = []model.DerivativeMarket{}
	}
	writeJSON(w, http.StatusOK, markets)
}

// --- Derivative market handlers ---

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// GetMarketByTicker handles GET /api/v1/tickers/{ticker}
func (s *Service) GetMarketByTicker(w http.ResponseWriter, r *http.Request) {
	t := chi.URLParam(r, "ticker")
	if _, err := ticker.Parse(t); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	m, err := s.store.GetMarketByTicker(r.Context(), t)
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// GetMarketPrice handles GET /api/v1/markets/{marketID}/price
// Returns the blended oracle price with both components and the weights.
func (s *Service) GetMarketPrice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	m, err := s.store.GetMarket(ctx, chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	if err := s.ensureRegistered(ctx, m); err != nil {
		writeError(w, "price record unavailable", http.StatusInternalServerError)
		return
	}

	blended, err := s.oracle.BlendedPrice(m.ID)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	rec, err := s.oracle.Components(m.ID)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	raffleW, marketW := s.oracle.Weights()

	writeJSON(w, http.StatusOK, map[string]any{
		"market_id":         m.ID,
		"ticker":            m.Ticker,
		"blended_bps":       blended,
		"blended_display":   displayPrice(blended),
		"raffle_bps":        rec.RaffleBps,
		"sentiment_bps":     rec.SentimentBps,
		"raffle_weight_bps": raffleW,
		"market_weight_bps": marketW,
		"updated_at":        rec.UpdatedAt,
	})
}

// GetMarketHistory handles GET /api/v1/markets/{marketID}/trades
// Returns the immutable trade ledger for the market.
func (s *Service) GetMarketHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListTradeEntriesByMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, "failed to get market history", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.TradeEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// TradeShares handles POST /api/v1/markets/{marketID}/trade
//
// Executes against the constant-sum pool, enforces exposure limits, and
// feeds the post-trade YES price back to the oracle as market sentiment.
func (s *Service) TradeShares(w http.ResponseWriter, r *http.Request) {
	var req TradeSharesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if req.Side != model.SideYes && req.Side != model.SideNo {
		writeError(w, "side must be YES or NO", http.StatusBadRequest)
		return
	}
	if req.Action != model.ActionBuy && req.Action != model.ActionSell {
		writeError(w, "action must be BUY or SELL", http.StatusBadRequest)
		return
	}
	if req.Quantity == 0 {
		writeError(w, "quantity must be positive", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.store.GetMarket(ctx, chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	if m.Resolved {
		writeError(w, ErrMarketResolved.Error(), http.StatusConflict)
		return
	}
	round, err := s.store.GetRound(ctx, m.RoundID)
	if err != nil {
		writeError(w, "round not found", http.StatusNotFound)
		return
	}
	if round.Status != model.RoundOpen {
		writeError(w, ErrRoundNotOpen.Error(), http.StatusConflict)
		return
	}
	if err := s.ensureRegistered(ctx, m); err != nil {
		writeError(w, "price record unavailable", http.StatusInternalServerError)
		return
	}

	maker, err := csmm.NewMaker(m.K)
	if err != nil {
		writeError(w, "internal error: invalid market configuration", http.StatusInternalServerError)
		return
	}

	buy := req.Action == model.ActionBuy
	yes := req.Side == model.SideYes

	// Net exposure delta: YES buys and NO sells push long, the rest short.
	delta := int64(req.Quantity)
	if yes != buy {
		delta = -delta
	}
	holdings, err := s.userHoldings(ctx, req.UserID)
	if err != nil {
		writeError(w, "failed to check position limits", http.StatusInternalServerError)
		return
	}
	if err := s.limiter.Check(m.ID, m.RoundID, delta, holdings); err != nil {
		metrics.ExposureLimitRejections.Inc()
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	sharePos, err := s.store.GetSharePosition(ctx, m.ID, req.UserID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			writeError(w, "failed to load share position", http.StatusInternalServerError)
			return
		}
		sharePos = &model.SharePosition{MarketID: m.ID, UserID: req.UserID}
	}
	if !buy {
		balance := sharePos.NoShares
		if yes {
			balance = sharePos.YesShares
		}
		if balance < req.Quantity {
			writeError(w, ErrInsufficientShares.Error(), http.StatusConflict)
			return
		}
	}

	var cost, newYes, newNo uint64
	if buy {
		cost, newYes, newNo, err = maker.BuyQuote(m.YesReserve, m.NoReserve, yes, req.Quantity)
	} else {
		cost, newYes, newNo, err = maker.SellQuote(m.YesReserve, m.NoReserve, yes, req.Quantity)
	}
	if err != nil {
		var inv *csmm.InvariantError
		if errors.As(err, &inv) {
			metrics.InvariantViolationsTotal.Inc()
			slog.Error("constant-sum invariant violated, halting market mutation",
				"market", m.ID, "err", err)
			writeError(w, "internal invariant violation", http.StatusInternalServerError)
			return
		}
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	if err := s.store.UpdateMarketReserves(ctx, m.ID, newYes, newNo); err != nil {
		writeError(w, "failed to update market state", http.StatusInternalServerError)
		return
	}

	switch {
	case buy && yes:
		sharePos.YesShares += req.Quantity
	case buy && !yes:
		sharePos.NoShares += req.Quantity
	case !buy && yes:
		sharePos.YesShares -= req.Quantity
	default:
		sharePos.NoShares -= req.Quantity
	}
	if err := s.store.UpsertSharePosition(ctx, sharePos); err != nil {
		writeError(w, "failed to save share position", http.StatusInternalServerError)
		return
	}

	priceBps, err := maker.PriceYesBps(newYes, newNo)
	if err != nil {
		metrics.InvariantViolationsTotal.Inc()
		writeError(w, "internal invariant violation", http.StatusInternalServerError)
		return
	}

	entry := &model.TradeEntry{
		ID:        uuid.New().String(),
		MarketID:  m.ID,
		UserID:    req.UserID,
		Side:      req.Side,
		Action:    req.Action,
		Quantity:  req.Quantity,
		Cost:      cost,
		PriceBps:  priceBps,
		Timestamp: s.now(),
	}
	if err := s.store.InsertTradeEntry(ctx, entry); err != nil {
		writeError(w, "failed to record trade", http.StatusInternalServerError)
		return
	}

	// Post-trade YES price is the sentiment signal.
	now := s.now()
	if err := s.oracle.UpdateSentimentComponent(m.ID, priceBps, now); err != nil {
		slog.Error("sentiment update failed", "market", m.ID, "err", err)
	} else if rec, rerr := s.oracle.Components(m.ID); rerr == nil {
		if perr := s.store.UpsertPriceRecord(ctx, &model.PriceRecord{
			MarketID:     m.ID,
			RaffleBps:    rec.RaffleBps,
			SentimentBps: rec.SentimentBps,
			UpdatedAt:    now,
		}); perr != nil {
			slog.Error("price record persist failed", "market", m.ID, "err", perr)
		}
	}

	metrics.ShareTradesTotal.WithLabelValues(req.Side, req.Action).Inc()
	slog.Info("share trade executed",
		"trade_id", entry.ID,
		"market", m.ID,
		"user", req.UserID,
		"side", req.Side,
		"action", req.Action,
		"qty", req.Quantity,
		"cost", cost,
		"price_yes_bps", priceBps,
	)
	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:          EventShareTrade,
			RoundID:       m.RoundID,
			MarketID:      m.ID,
			Ticker:        m.Ticker,
			ParticipantID: m.ParticipantID,
			Side:          req.Side,
			Action:        req.Action,
			Quantity:      req.Quantity,
			PriceBps:      priceBps,
			SentimentBps:  priceBps,
		})
	}

	writeJSON(w, http.StatusOK, TradeSharesResponse{
		TradeID:      entry.ID,
		MarketID:     m.ID,
		Ticker:       m.Ticker,
		Side:         req.Side,
		Action:       req.Action,
		Quantity:     req.Quantity,
		Cost:         cost,
		PriceYesBps:  priceBps,
		PriceDisplay: displayPrice(priceBps),
		YesShares:    sharePos.YesShares,
		NoShares:     sharePos.NoShares,
	})
}

// ClaimShares handles POST /api/v1/markets/{marketID}/claim
// Pays out winning shares at one unit each, minus the claim fee.
func (s *Service) ClaimShares(w http.ResponseWriter, r *http.Request) {
	var req ClaimSharesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.store.GetMarket(ctx, chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	if !m.Resolved || m.WinningOutcome == nil {
		writeError(w, ErrMarketNotResolved.Error(), http.StatusConflict)
		return
	}
	winningYes := *m.WinningOutcome

	sharePos, err := s.store.GetSharePosition(ctx, m.ID, req.UserID)
	if err != nil {
		writeError(w, ErrNoWinningShares.Error(), http.StatusConflict)
		return
	}
	shares := sharePos.NoShares
	side := model.SideNo
	if winningYes {
		shares = sharePos.YesShares
		side = model.SideYes
	}
	if shares == 0 {
		writeError(w, ErrNoWinningShares.Error(), http.StatusConflict)
		return
	}

	payout, fee, err := csmm.ClaimPayout(shares, s.cfg.ClaimFeeBps)
	if err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	if winningYes {
		sharePos.YesShares = 0
	} else {
		sharePos.NoShares = 0
	}
	if err := s.store.UpsertSharePosition(ctx, sharePos); err != nil {
		writeError(w, "failed to save share position", http.StatusInternalServerError)
		return
	}

	entry := &model.TradeEntry{
		ID:        uuid.New().String(),
		MarketID:  m.ID,
		UserID:    req.UserID,
		Side:      side,
		Action:    model.ActionClaim,
		Quantity:  shares,
		Cost:      payout,
		PriceBps:  fixedpoint.BpsScale,
		Timestamp: s.now(),
	}
	if err := s.store.InsertTradeEntry(ctx, entry); err != nil {
		writeError(w, "failed to record claim", http.StatusInternalServerError)
		return
	}

	metrics.ShareTradesTotal.WithLabelValues(side, model.ActionClaim).Inc()
	slog.Info("shares claimed",
		"market", m.ID,
		"user", req.UserID,
		"shares", shares,
		"payout", payout,
		"fee", fee,
	)

	writeJSON(w, http.StatusOK, map[string]any{
		"market_id": m.ID,
		"user_id":   req.UserID,
		"shares":    shares,
		"payout":    payout,
		"fee":       fee,
	})
}

// --- Oracle handlers ---

// SetWeightsRequest is the JSON body for PUT /oracle/weights.
type SetWeightsRequest struct {
	RaffleWeightBps uint64 `json:"raffle_weight_bps"`
	MarketWeightBps uint64 `json:"market_weight_bps"`
}

// SetWeights handles PUT /api/v1/oracle/weights
// Changes the blend for all future reads; stored components are untouched.
func (s *Service) SetWeights(w http.ResponseWriter, r *http.Request) {
	var req SetWeightsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.oracle.SetWeights(req.RaffleWeightBps, req.MarketWeightBps); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	slog.Info("oracle weights updated",
		"raffle_weight_bps", req.RaffleWeightBps,
		"market_weight_bps", req.MarketWeightBps,
	)
	writeJSON(w, http.StatusOK, map[string]uint64{
		"raffle_weight_bps": req.RaffleWeightBps,
		"market_weight_bps": req.MarketWeightBps,
	})
}

// GetWeights handles GET /api/v1/oracle/weights
func (s *Service) GetWeights(w http.ResponseWriter, r *http.Request) {
	raffleW, marketW := s.oracle.Weights()
	writeJSON(w, http.StatusOK, map[string]uint64{
		"raffle_weight_bps": raffleW,
		"market_weight_bps": marketW,
	})
}

// --- Settlement handlers ---

// SettleRound handles POST /api/v1/rounds/{roundID}/settle
func (s *Service) SettleRound(w http.ResponseWriter, r *http.Request) {
	var req SettleRoundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	s.mu.Lock()
	defer s.mu.Unlock()

	roundID := chi.URLParam(r, "roundID")
	round, err := s.store.GetRound(ctx, roundID)
	if err != nil {
		writeError(w, "round not found", http.StatusNotFound)
		return
	}

	winner := req.WinnerID
	if winner == "" {
		if req.RandomWord == nil {
			writeError(w, "winner_id or random_word is required", http.StatusBadRequest)
			return
		}
		positions, err := s.store.ListPositions(ctx, roundID)
		if err != nil {
			writeError(w, "failed to list positions", http.StatusInternalServerError)
			return
		}
		winner, err = settle.WinnerByTicket(positions, round.TotalSupply, *req.RandomWord)
		if err != nil {
			writeError(w, err.Error(), http.StatusConflict)
			return
		}
	}

	report, err := s.coordinator.SettleRound(ctx, roundID, winner, s.now())
	if err != nil {
		switch {
		case errors.Is(err, settle.ErrRoundNotLocked),
			errors.Is(err, settle.ErrWinnerNotParticipant):
			writeError(w, err.Error(), http.StatusConflict)
		case errors.Is(err, store.ErrNotFound):
			writeError(w, err.Error(), http.StatusNotFound)
		default:
			writeError(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	if report.Failed > 0 {
		metrics.SettlementFailuresTotal.Add(float64(report.Failed))
	}
	if report.Complete() {
		metrics.RoundsSettledTotal.Inc()
		if s.wsHub != nil {
			s.wsHub.Broadcast(WSMessage{
				Type:    EventRoundSettled,
				RoundID: roundID,
				Winner:  winner,
			})
		}
	}

	writeJSON(w, http.StatusOK, report)
}

// GetPayout handles GET /api/v1/rounds/{roundID}/payout
func (s *Service) GetPayout(w http.ResponseWriter, r *http.Request) {
	payout, err := s.store.GetPayout(r.Context(), chi.URLParam(r, "roundID"))
	if err != nil {
		writeError(w, "payout not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, payout)
}

// ClaimGrand handles POST /api/v1/rounds/{roundID}/claims/grand
func (s *Service) ClaimGrand(w http.ResponseWriter, r *http.Request) {
	s.handlePrizeClaim(w, r, model.ClaimGrand)
}

// ClaimConsolation handles POST /api/v1/rounds/{roundID}/claims/consolation
func (s *Service) ClaimConsolation(w http.ResponseWriter, r *http.Request) {
	s.handlePrizeClaim(w, r, model.ClaimConsolation)
}

func (s *Service) handlePrizeClaim(w http.ResponseWriter, r *http.Request, kind string) {
	var req ClaimPrizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Account == "" {
		writeError(w, "account is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	s.mu.Lock()
	defer s.mu.Unlock()

	roundID := chi.URLParam(r, "roundID")
	var amount uint64
	var err error
	if kind == model.ClaimGrand {
		amount, err = s.coordinator.ClaimGrand(ctx, roundID, req.Account)
	} else {
		amount, err = s.coordinator.ClaimConsolation(ctx, roundID, req.Account)
	}
	if err != nil {
		writeError(w, err.Error(), claimStatus(err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"round_id": roundID,
		"account":  req.Account,
		"kind":     kind,
		"amount":   amount,
	})
}

// claimStatus maps claim errors to HTTP status codes.
func claimStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, settle.ErrRoundNotSettled),
		errors.Is(err, settle.ErrAlreadyClaimed),
		errors.Is(err, settle.ErrNotGrandWinner),
		errors.Is(err, settle.ErrWinnerCannotClaimConsolation),
		errors.Is(err, settle.ErrNotParticipant),
		errors.Is(err, settle.ErrNoConsolation):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// --- Internals ---

// buildMarket constructs the derivative market and its first price snapshot
// for a participant whose win probability crossed the creation threshold.
// Persistence happens with the rest of the trade's write set.
func (s *Service) buildMarket(round *model.Round, participantID string, probBps uint64) (*model.DerivativeMarket, *model.PriceRecord) {
	yesSeed, noSeed := s.maker.SeedReserves()
	now := s.now()
	m := &model.DerivativeMarket{
		ID:            uuid.New().String(),
		Ticker:        ticker.Format(round.ID, participantID),
		RoundID:       round.ID,
		ParticipantID: participantID,
		YesReserve:    yesSeed,
		NoReserve:     noSeed,
		K:             s.maker.K(),
		CreatedAt:     now,
	}
	rec := &model.PriceRecord{
		MarketID:     m.ID,
		RaffleBps:    probBps,
		SentimentBps: fixedpoint.BpsScale / 2,
		UpdatedAt:    now,
	}
	return m, rec
}

// announceMarket registers a committed market with the in-memory oracle and
// publishes the creation fact.
func (s *Service) announceMarket(round *model.Round, m *model.DerivativeMarket, probBps uint64) {
	if err := s.oracle.Register(m.ID, probBps, s.now()); err != nil {
		slog.Error("oracle registration failed", "market", m.ID, "err", err)
	}

	metrics.MarketsCreatedTotal.Inc()
	slog.Info("derivative market created",
		"market", m.ID,
		"ticker", m.Ticker,
		"round", round.ID,
		"participant", m.ParticipantID,
		"prob_bps", probBps,
	)
	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:          EventMarketCreated,
			RoundID:       round.ID,
			MarketID:      m.ID,
			Ticker:        m.Ticker,
			ParticipantID: m.ParticipantID,
			RaffleBps:     probBps,
		})
	}
}

// refreshRaffleComponents re-derives every round market's raffle probability
// after a ticket trade moved the supply denominator.
func (s *Service) refreshRaffleComponents(ctx context.Context, round *model.Round) error {
	markets, err := s.store.ListMarketsByRound(ctx, round.ID)
	if err != nil {
		return err
	}
	now := s.now()
	for _, m := range markets {
		if m.Resolved {
			continue
		}
		if err := s.ensureRegistered(ctx, &m); err != nil {
			return err
		}

		var probBps uint64
		if round.TotalSupply > 0 {
			pos, err := s.store.GetPosition(ctx, round.ID, m.ParticipantID)
			switch {
			case errors.Is(err, store.ErrNotFound):
				// Participant fully exited; probability falls to zero.
			case err != nil:
				return err
			default:
				probBps, err = fixedpoint.Ratio(pos.TicketCount, round.TotalSupply)
				if err != nil {
					return err
				}
			}
		}

		if err := s.oracle.UpdateRaffleComponent(m.ID, probBps, now); err != nil {
			return err
		}
		rec, err := s.oracle.Components(m.ID)
		if err != nil {
			return err
		}
		if err := s.store.UpsertPriceRecord(ctx, &model.PriceRecord{
			MarketID:     m.ID,
			RaffleBps:    rec.RaffleBps,
			SentimentBps: rec.SentimentBps,
			UpdatedAt:    now,
		}); err != nil {
			return err
		}
		if s.wsHub != nil {
			s.wsHub.Broadcast(WSMessage{
				Type:          EventPriceUpdated,
				RoundID:       round.ID,
				MarketID:      m.ID,
				Ticker:        m.Ticker,
				ParticipantID: m.ParticipantID,
				RaffleBps:     rec.RaffleBps,
				SentimentBps:  rec.SentimentBps,
			})
		}
	}
	return nil
}

// ensureRegistered rehydrates the in-memory oracle record from the persisted
// price snapshot, so a restarted engine keeps serving known markets.
func (s *Service) ensureRegistered(ctx context.Context, m *model.DerivativeMarket) error {
	if _, err := s.oracle.Components(m.ID); !errors.Is(err, oracle.ErrUnknownMarket) {
		return err
	}
	rec, err := s.store.GetPriceRecord(ctx, m.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		rec = &model.PriceRecord{
			MarketID:     m.ID,
			SentimentBps: fixedpoint.BpsScale / 2,
		}
	}
	if err := s.oracle.Register(m.ID, rec.RaffleBps, s.now()); err != nil {
		return err
	}
	return s.oracle.UpdateSentimentComponent(m.ID, rec.SentimentBps, rec.UpdatedAt)
}

// userHoldings builds the exposure view of one user's net positions across
// all markets they hold shares in.
func (s *Service) userHoldings(ctx context.Context, userID string) ([]exposure.Holding, error) {
	positions, err := s.store.ListSharePositionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	holdings := make([]exposure.Holding, 0, len(positions))
	for _, pos := range positions {
		m, err := s.store.GetMarket(ctx, pos.MarketID)
		if err != nil {
			return nil, err
		}
		holdings = append(holdings, exposure.Holding{
			MarketID: pos.MarketID,
			RoundID:  m.RoundID,
			Net:      int64(pos.YesShares) - int64(pos.NoShares),
		})
	}
	return holdings, nil
}

// displayPrice renders a bps price as a decimal probability string, for
// display only — all arithmetic stays in integer bps.
func displayPrice(bps uint64) string {
	return decimal.New(int64(bps), -4).StringFixed(4)
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
