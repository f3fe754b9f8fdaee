package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ember-trading/ember/internal/audit"
	"github.com/ember-trading/ember/internal/bus"
	"github.com/ember-trading/ember/internal/config"
	"github.com/ember-trading/ember/internal/execution"
	"github.com/ember-trading/ember/internal/feed"
	"github.com/ember-trading/ember/internal/oracle"
	"github.com/ember-trading/ember/internal/position"
	"github.com/ember-trading/ember/internal/scheduler"
	"github.com/ember-trading/ember/internal/snapshot"
	"github.com/ember-trading/ember/internal/token"
	"github.com/ember-trading/ember/internal/trader"
)

func main() {
	// 1. Parse flags.
	configPath := flag.String("config", "config/config.yaml", "Path to configuration file")
	httpAddr := flag.String("http", ":8090", "Address for the health/stats HTTP endpoint")
	flag.Parse()

	// 2. Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config from %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	// 3. Setup logging.
	setupLogging(cfg.General)

	log.Info().Msg("=============================================")
	log.Info().Msg("EMBER Recovery Trader - Starting")
	log.Info().Msg("PUMP -> DRAWDOWN -> RECOVERY -> ENTRY -> EXIT")
	log.Info().Msg("=============================================")

	log.Info().
		Str("instance_id", cfg.General.InstanceID).
		Str("feed", cfg.Feed.URL).
		Float64("max_entry_usd", cfg.MarketCap.MaxEntryUSD).
		Float64("wallet_sol", cfg.Position.InitialWalletSOL).
		Int("max_positions", cfg.Position.MaxPositions).
		Float64("max_daily_loss_sol", cfg.Position.MaxDailyLossSOL).
		Int("tp_tiers", len(cfg.Exits.TakeProfit.Tiers)).
		Msg("Configuration loaded")

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Configuration validation failed")
	}

	// 4. Event bus and feed.
	b := bus.New()
	client := feed.NewClient(cfg.Feed, b)
	decoder := feed.NewDecoder()

	// 5. SOL/USD oracle.
	rates := oracle.NewPriceOracle(cfg.Oracle, b)

	// 6. Domain registries.
	tokens := token.NewRegistry(cfg, b, client.Subs(), rates)
	traders := trader.NewRegistry(cfg, b)

	// The token registry forwards every accepted trade, with the
	// derived counterparty, into trader intelligence.
	tokens.SetOnTrade(traders.RecordTrade)

	// Trader style classification needs the token's lifecycle view.
	traders.SetPhaseLookup(func(mint string) (string, string) {
		view, ok := tokens.View(mint, time.Now())
		if !ok {
			return "", ""
		}
		return string(view.State), view.Recovery.Phase
	})

	// 7. Position manager over the fill simulator.
	sim := execution.NewSimulator(cfg.Simulation)
	manager := position.NewManager(cfg, b, sim, tokens)

	// 8. Snapshot store; restore previous state.
	store, err := snapshot.NewStore(cfg.Snapshot)
	if err != nil {
		log.Fatal().Err(err).Msg("Snapshot store init failed")
	}
	if restored, err := store.LoadTraders(); err != nil {
		log.Warn().Err(err).Msg("Trader snapshot unreadable, starting fresh")
	} else if len(restored) > 0 {
		traders.Restore(restored)
	}
	if restored, err := store.LoadPositions(); err != nil {
		log.Warn().Err(err).Msg("Position snapshot unreadable, starting fresh")
	} else if len(restored) > 0 {
		manager.Restore(restored)
	}

	// 9. Context and signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Warn().Str("signal", sig.String()).Msg("Shutdown signal received")
		cancel()
	}()

	// A dead feed is fatal: without trades there is nothing to manage.
	b.Subscribe(bus.TopicMaxRetriesExceeded, func(payload any) {
		evt := payload.(bus.MaxRetriesExceeded)
		log.Error().Int("attempts", evt.Attempts).Msg("Feed exhausted reconnect attempts, shutting down")
		cancel()
	})

	// 10. Remaining bus wiring.
	manager.Bind(ctx)

	// Event journal for post-hoc inspection via /events.
	trail := audit.NewTrail(b, 2048)

	// Follow the wallets that trade recoveries best.
	b.Subscribe(bus.TopicRecoveryAnalysis, func(payload any) {
		evt := payload.(bus.RecoveryAnalysis)
		for _, key := range evt.TopByWinRate {
			client.Subs().SubscribeTrader(key)
		}
	})

	b.Subscribe(bus.TopicQueueOverflow, func(payload any) {
		evt := payload.(bus.QueueOverflow)
		log.Warn().Int("dropped", evt.Dropped).Msg("Feed queue overflow")
	})

	// 11. Schedule the periodic work.
	sched := scheduler.New(50 * time.Millisecond)

	sched.Add("feed-drain", time.Duration(cfg.Feed.DrainIntervalMs)*time.Millisecond,
		func(_ context.Context, _ time.Time) {
			client.Drain(func(frame []byte) {
				evt, err := decoder.Decode(frame)
				if err != nil {
					return
				}
				switch e := evt.(type) {
				case *feed.CreateEvent:
					tokens.OnCreate(e)
				case *feed.TradeEvent:
					tokens.OnTrade(e)
				case *feed.AckEvent:
					b.Publish(bus.TopicSubscriptionAcked, bus.SubscriptionAcked{
						BaseEvent: bus.NewBaseEvent("feed"),
						Message:   e.Message,
					})
				}
			})
		})

	sched.Add("state-eval", time.Duration(cfg.Thresholds.StateEvalIntervalMs)*time.Millisecond,
		func(_ context.Context, now time.Time) { tokens.EvaluateAll(now) })

	sched.Add("position-validate", time.Minute,
		func(jobCtx context.Context, now time.Time) { manager.ValidateAll(jobCtx, now) })

	sched.Add("trader-recovery", time.Minute,
		func(_ context.Context, now time.Time) { traders.RecoveryAnalysis(now) })

	sched.Add("trader-global", 5*time.Minute,
		func(_ context.Context, now time.Time) { traders.GlobalAnalysis(now) })

	sched.Add("token-evict", 10*time.Minute,
		func(_ context.Context, now time.Time) {
			if n := tokens.EvictDead(30*time.Minute, now); n > 0 {
				log.Debug().Int("evicted", n).Msg("Dead tokens evicted")
			}
		})

	sched.Add("snapshot", time.Duration(cfg.Snapshot.IntervalMs)*time.Millisecond,
		func(_ context.Context, now time.Time) {
			if err := store.SaveTraders(traders.Export(), now); err != nil {
				log.Error().Err(err).Msg("Trader snapshot failed")
			}
			if err := store.SavePositions(manager.Export(), now); err != nil {
				log.Error().Err(err).Msg("Position snapshot failed")
				return
			}
			manager.DropClosed()
		})

	// 12. Start services.
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		client.Start(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		rates.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()

	// Health/stats HTTP endpoint.
	wg.Add(1)
	go func() {
		defer wg.Done()
		serveHTTP(ctx, *httpAddr, trail, func() map[string]any {
			return map[string]any{
				"feed":         client.Stats(),
				"decoder":      decoder.Stats(),
				"tokens":       tokens.Stats(),
				"traders":      traders.Stats(),
				"positions":    manager.Stats(),
				"oracle":       rates.Stats(),
				"scheduler":    sched.Stats(),
				"audit_events": trail.Recorded(),
			}
		})
	}()

	// Periodic stats logging.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fs := client.Stats()
				ts := tokens.Stats()
				ps := manager.Stats()
				log.Info().
					Bool("connected", fs.Connected).
					Int64("frames", fs.FramesRecv).
					Int64("dropped", fs.FramesDropped).
					Int("tracked_tokens", ts.Tracked).
					Int("traders", traders.Len()).
					Int("open_pos", ps.OpenPositions).
					Float64("wallet_sol", ps.WalletSol).
					Int("wins", ps.Wins).
					Int("losses", ps.Losses).
					Float64("sol_usd", rates.SolUsdRate()).
					Msg("[STATS]")
			}
		}
	}()

	log.Info().Msg("EMBER Recovery Trader - Running")

	// 13. Block until shutdown.
	<-ctx.Done()

	log.Info().Msg("Shutting down...")

	// Close every open position, then persist final state.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	manager.CloseAll(shutdownCtx, position.ReasonShutdown, time.Now())
	shutdownCancel()

	now := time.Now()
	if err := store.SaveTraders(traders.Export(), now); err != nil {
		log.Error().Err(err).Msg("Final trader snapshot failed")
	}
	if err := store.SavePositions(manager.Export(), now); err != nil {
		log.Error().Err(err).Msg("Final position snapshot failed")
	}

	wg.Wait()

	ps := manager.Stats()
	log.Info().
		Int("wins", ps.Wins).
		Int("losses", ps.Losses).
		Float64("wallet_sol", ps.WalletSol).
		Float64("daily_loss_sol", ps.DailyLossSol).
		Msg("EMBER Recovery Trader - Final Statistics")

	log.Info().Msg("EMBER Recovery Trader - Shutdown complete")
}

func serveHTTP(ctx context.Context, addr string, trail *audit.Trail, stats func() map[string]any) {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
	})

	mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stats())
	})

	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if mint := r.URL.Query().Get("mint"); mint != "" {
			json.NewEncoder(w).Encode(trail.Query(mint))
			return
		}
		json.NewEncoder(w).Encode(trail.Entries())
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("HTTP server started (health + stats)")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("HTTP server error")
	}
}

func setupLogging(general config.GeneralConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	level, err := zerolog.ParseLevel(general.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if general.LogFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Str("service", "ember").
			Str("instance", general.InstanceID).Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().Timestamp().Str("service", "ember").
			Str("instance", general.InstanceID).Logger()
	}
}
