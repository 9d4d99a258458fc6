package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/luckblock/raffle-engine/internal/metrics"
	"github.com/luckblock/raffle-engine/internal/oracle"
	"github.com/luckblock/raffle-engine/internal/store"
	"github.com/luckblock/raffle-engine/internal/trade"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Probability oracle ---
	raffleWeight := envUint("RAFFLE_WEIGHT_BPS", 6000)
	marketWeight := envUint("MARKET_WEIGHT_BPS", 4000)
	orc, err := oracle.New(raffleWeight, marketWeight)
	if err != nil {
		slog.Error("invalid oracle weights", "err", err)
		os.Exit(1)
	}
	if err := rehydrateOracle(context.Background(), st, orc); err != nil {
		slog.Error("oracle rehydration failed", "err", err)
		os.Exit(1)
	}

	// --- Engine parameters ---
	cfg := trade.DefaultConfig()
	cfg.GrandPrizeBps = envUint("GRAND_PRIZE_BPS", cfg.GrandPrizeBps)
	cfg.BuyFeeBps = envUint("BUY_FEE_BPS", cfg.BuyFeeBps)
	cfg.SellFeeBps = envUint("SELL_FEE_BPS", cfg.SellFeeBps)
	cfg.ClaimFeeBps = envUint("CLAIM_FEE_BPS", cfg.ClaimFeeBps)

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()
	go wsHub.Run()

	// --- Trade service ---
	tradeSvc, err := trade.NewService(st, orc, wsHub, cfg)
	if err != nil {
		slog.Error("invalid engine configuration", "err", err)
		os.Exit(1)
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"raffle-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time round and market updates.
		r.Get("/ws", wsHub.HandleWS)

		// Round lifecycle and ticket trading.
		r.Get("/rounds", tradeSvc.ListRounds)
		r.Post("/rounds", tradeSvc.CreateRound)
		r.Get("/rounds/{roundID}", tradeSvc.GetRound)
		r.Post("/rounds/{roundID}/tickets/buy", tradeSvc.BuyTickets)
		r.Post("/rounds/{roundID}/tickets/sell", tradeSvc.SellTickets)
		r.Post("/rounds/{roundID}/lock", tradeSvc.LockRound)
		r.Post("/rounds/{roundID}/fees/extract", tradeSvc.ExtractFees)
		r.Get("/rounds/{roundID}/positions/{participantID}", tradeSvc.GetPosition)
		r.Get("/rounds/{roundID}/markets", tradeSvc.ListRoundMarkets)

		// Settlement and prize claims.
		r.Post("/rounds/{roundID}/settle", tradeSvc.SettleRound)
		r.Get("/rounds/{roundID}/payout", tradeSvc.GetPayout)
		r.Post("/rounds/{roundID}/claims/grand", tradeSvc.ClaimGrand)
		r.Post("/rounds/{roundID}/claims/consolation", tradeSvc.ClaimConsolation)

		// Derivative markets.
		r.Get("/markets/{marketID}", tradeSvc.GetMarket)
		r.Get("/markets/{marketID}/price", tradeSvc.GetMarketPrice)
		r.Get("/markets/{marketID}/trades", tradeSvc.GetMarketHistory)
		r.Post("/markets/{marketID}/trade", tradeSvc.TradeShares)
		r.Post("/markets/{marketID}/claim", tradeSvc.ClaimShares)
		r.Get("/tickers/{ticker}", tradeSvc.GetMarketByTicker)

		// Oracle blend weights.
		r.Get("/oracle/weights", tradeSvc.GetWeights)
		r.Put("/oracle/weights", tradeSvc.SetWeights)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("raffle-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down raffle-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("raffle-engine stopped")
}

// rehydrateOracle reloads persisted price components into the in-memory
// oracle so a restarted engine keeps serving known markets.
func rehydrateOracle(ctx context.Context, st store.Store, orc *oracle.Oracle) error {
	rounds, err := st.ListRounds(ctx)
	if err != nil {
		return err
	}
	var n int
	for _, round := range rounds {
		markets, err := st.ListMarketsByRound(ctx, round.ID)
		if err != nil {
			return err
		}
		for _, m := range markets {
			rec, err := st.GetPriceRecord(ctx, m.ID)
			if err != nil {
				continue // no snapshot yet, first trade will register
			}
			if err := orc.Register(m.ID, rec.RaffleBps, rec.UpdatedAt); err != nil {
				return err
			}
			if err := orc.UpdateSentimentComponent(m.ID, rec.SentimentBps, rec.UpdatedAt); err != nil {
				return err
			}
			n++
		}
	}
	if n > 0 {
		slog.Info("oracle rehydrated", "markets", n)
	}
	return nil
}

// envUint reads an unsigned integer from the environment, falling back to
// the default on absence or parse failure.
func envUint(key string, def uint64) uint64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		slog.Warn("invalid value, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}
