// Command server runs the crashd game process: it owns the single round
// engine goroutine, the HTTP/websocket surface, the deposit indexer, and the
// payout dispatcher, all wired together explicitly here rather than through
// global singletons.
package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/nutcas3/crashd/internal/cache"
	"github.com/nutcas3/crashd/internal/chainclient"
	"github.com/nutcas3/crashd/internal/config"
	"github.com/nutcas3/crashd/internal/health"
	"github.com/nutcas3/crashd/internal/hub"
	"github.com/nutcas3/crashd/internal/indexer"
	"github.com/nutcas3/crashd/internal/ledger"
	"github.com/nutcas3/crashd/internal/money"
	"github.com/nutcas3/crashd/internal/payout"
	"github.com/nutcas3/crashd/internal/round"
	"github.com/nutcas3/crashd/internal/server"
	"github.com/nutcas3/crashd/internal/solvency"
)

func main() {
	cfg := config.MustLoad()

	log := zerolog.New(os.Stdout).With().Timestamp().Str("service", "crashd").Logger()
	if cfg.IsProd() {
		log = log.Level(zerolog.InfoLevel)
	} else {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stdout}).Level(zerolog.DebugLevel)
	}

	redisCache := cache.New(cfg.Redis)
	defer redisCache.Close()

	db, err := sqlx.Connect("pgx", cfg.DB.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	db.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	db.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)
	defer db.Close()

	store := ledger.New(db, log)

	gate := solvency.New(solvency.Config{
		MaxLiabilityRatio:  cfg.Solvency.MaxLiabilityRatio,
		EmergencyThreshold: cfg.Solvency.EmergencyThreshold,
		MinReserve:         money.FromInt64(cfg.Solvency.MinReserveWei),
	}, log)

	// No real chain SDK was available in the retrieval pack this module was
	// grounded on (see DESIGN.md, internal/chainclient): the fake stands in
	// for whatever RPC client a deployment wires in its place. It is safe to
	// run against in development; production deployments must supply a real
	// chainclient.Client before starting the indexer and payout dispatcher
	// against a live hot wallet.
	chain := chainclient.NewFake(0)

	h := hub.New(cfg.Hub.ResyncWindow, snapshotFunc(redisCache, log), log)

	dispatch := payout.New(chain, store, h, log)

	recorder := round.NewPgRecorder(db)
	engine := round.New(cfg.Round, store, gate, h, log)
	engine.SetRecorder(recorder)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := round.RecoverIncompleteRounds(ctx, db, store, stdLogAdapter{log}); err != nil {
		log.Error().Err(err).Msg("crash-restart recovery failed; starting anyway")
	}

	checkpoints := indexer.NewPgCheckpointStore(db)
	ix := indexer.New(chain, checkpoints, cfg.Indexer, cfg.Chain.HotWalletAddress, func(ctx context.Context, t chainclient.Transfer) error {
		return store.Deposit(ctx, t.From, t.Amount, t.TxHash, t.LogIndex)
	}, log)

	metrics := health.NewMetrics(prometheus.DefaultRegisterer)
	checker := health.New(store, ix, gate, metrics, log)

	srv := server.New(cfg.Server, cfg.Round, engine, h, store, dispatch, chain, log)
	srv.SetHealthChecker(checker)

	go engine.Run()
	ix.Start(ctx)
	go runHealthLoop(ctx, checker, log)
	go runSnapshotCacher(ctx, engine, redisCache, h, log)

	go func() {
		if err := srv.Listen(":" + cfg.Server.Port); err != nil {
			log.Fatal().Err(err).Msg("server listen failed")
		}
	}()

	waitForShutdown(log)

	cancel()
	ix.Stop()
	engine.Stop()
	_ = srv.App.Shutdown()
}

func runHealthLoop(ctx context.Context, checker *health.Checker, log zerolog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checker.RunOnce(ctx)
		}
	}
}

// runSnapshotCacher keeps the Redis-cached round snapshot (read back by
// snapshotFunc below) in sync with the engine. It registers an internal hub
// session purely to learn when something worth re-caching happened — a
// phase transition, a bet, a cashout, a crash — rather than polling the
// engine on its own timer. Tick events are coalesced in the hub already;
// this further thins them so a snapshot write doesn't hit Redis every 100ms.
func runSnapshotCacher(ctx context.Context, engine *round.Engine, redisCache *cache.Service, h *hub.Hub, log zerolog.Logger) {
	session := &hub.Session{ID: "internal-snapshot-cacher", Outbound: make(chan hub.Event, 256)}
	h.Register(session)
	defer h.Unregister(session)

	ticks := 0
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-session.Outbound:
			if !ok {
				return
			}
			if e.Type == hub.EventTick {
				ticks++
				if ticks%5 != 0 {
					continue
				}
			}

			snap, err := engine.GetState(ctx)
			if err != nil {
				continue
			}
			payload, err := json.Marshal(snap)
			if err != nil {
				log.Warn().Err(err).Msg("snapshot: failed to encode engine state")
				continue
			}
			if err := redisCache.SetSnapshot(ctx, payload); err != nil {
				log.Warn().Err(err).Msg("snapshot: failed to cache engine state")
			}
		}
	}
}

// snapshotFunc builds the hub's SnapshotFunc: a client reconnecting past the
// resync window gets whatever round state was last cached in Redis, rather
// than an empty event.
func snapshotFunc(redisCache *cache.Service, log zerolog.Logger) hub.SnapshotFunc {
	return func() hub.Event {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()

		raw, err := redisCache.GetSnapshot(ctx)
		if err != nil {
			return hub.Event{Type: hub.EventSnapshot, Payload: map[string]any{"available": false}}
		}
		var payload any
		if jsonErr := json.Unmarshal([]byte(raw), &payload); jsonErr != nil {
			log.Warn().Err(jsonErr).Msg("snapshot: failed to decode cached payload")
			return hub.Event{Type: hub.EventSnapshot, Payload: map[string]any{"available": false}}
		}
		return hub.Event{Type: hub.EventSnapshot, Payload: payload}
	}
}

// stdLogAdapter lets round.RecoverIncompleteRounds log through zerolog
// without that package depending on zerolog directly.
type stdLogAdapter struct{ log zerolog.Logger }

func (a stdLogAdapter) Printf(format string, args ...any) {
	a.log.Info().Msgf(format, args...)
}

func waitForShutdown(log zerolog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutdown signal received")
}
