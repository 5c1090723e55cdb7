// Package server exposes crashd's HTTP and websocket surface: place_bet,
// cash_out, get_state, verify_round, and withdraw, plus the live event
// stream every connected client subscribes to through the hub.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/nutcas3/crashd/internal/chainclient"
	"github.com/nutcas3/crashd/internal/config"
	"github.com/nutcas3/crashd/internal/domain"
	"github.com/nutcas3/crashd/internal/health"
	"github.com/nutcas3/crashd/internal/hub"
	"github.com/nutcas3/crashd/internal/payout"
	"github.com/nutcas3/crashd/internal/round"
)

// AccountReader is the narrow ledger read surface the HTTP handlers need;
// internal/ledger.Store satisfies it.
type AccountReader interface {
	GetAccount(ctx context.Context, userID string) (domain.Account, error)
}

// Server wires the Fiber app to the round engine, hub, and ledger read path.
type Server struct {
	*fiber.App

	cfg      config.ServerConfig
	roundCfg config.RoundConfig
	engine   *round.Engine
	h        *hub.Hub
	ledger   AccountReader
	dispatch *payout.Dispatcher
	chain    chainclient.Client
	checker  *health.Checker
	log      zerolog.Logger

	limiters *rateLimiterSet
}

// SetHealthChecker wires the admin/solvency read surface. Optional: if
// never called, /admin/solvency returns 503.
func (s *Server) SetHealthChecker(c *health.Checker) {
	s.checker = c
}

// New builds a Server and registers every route. Call Listen to serve.
func New(
	cfg config.ServerConfig,
	roundCfg config.RoundConfig,
	engine *round.Engine,
	h *hub.Hub,
	ledger AccountReader,
	dispatch *payout.Dispatcher,
	chain chainclient.Client,
	log zerolog.Logger,
) *Server {
	app := fiber.New(fiber.Config{
		ServerHeader: "crashd",
		AppName:      "crashd",
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	s := &Server{
		App:      app,
		cfg:      cfg,
		roundCfg: roundCfg,
		engine:   engine,
		h:        h,
		ledger:   ledger,
		dispatch: dispatch,
		chain:    chain,
		log:      log.With().Str("component", "server").Logger(),
		limiters: newRateLimiterSet(roundCfg.BetCooldown),
	}
	s.registerRoutes()
	return s
}

// rateLimiterSet hands out a per-user token-bucket limiter enforcing
// BET_COOLDOWN_MS, independent of the round engine's own duplicate-bet
// rejection: this bounds request *rate*, the engine bounds request
// *uniqueness per round*.
type rateLimiterSet struct {
	mu       sync.Mutex
	cooldown time.Duration
	limiters map[string]*rate.Limiter
}

func newRateLimiterSet(cooldown time.Duration) *rateLimiterSet {
	return &rateLimiterSet{cooldown: cooldown, limiters: make(map[string]*rate.Limiter)}
}

func (rl *rateLimiterSet) allow(userID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[userID]
	if !ok {
		every := rl.cooldown
		if every <= 0 {
			every = time.Second
		}
		l = rate.NewLimiter(rate.Every(every), 1)
		rl.limiters[userID] = l
	}
	return l.Allow()
}
