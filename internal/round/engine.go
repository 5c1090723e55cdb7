// Package round implements the single authoritative game loop: one
// goroutine owns round state end-to-end, serializing every bet, cashout,
// and phase transition through channels so nothing outside this package
// ever reads or writes round state directly.
package round

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nutcas3/crashd/internal/config"
	"github.com/nutcas3/crashd/internal/domain"
	"github.com/nutcas3/crashd/internal/fairness"
	"github.com/nutcas3/crashd/internal/hub"
	"github.com/nutcas3/crashd/internal/money"
	"github.com/nutcas3/crashd/internal/multiplier"
	"github.com/nutcas3/crashd/internal/solvency"
)

const tickInterval = 100 * time.Millisecond

// Ledger is the slice of ledger.Store the round engine needs. Declaring it
// here (rather than depending on *ledger.Store directly) lets the engine's
// own tests run against an in-memory fake instead of a live Postgres
// connection.
type Ledger interface {
	LockBet(ctx context.Context, userID string, stake money.Wei, roundID uint64, clientID string) error
	SettleWin(ctx context.Context, userID string, stake, payout money.Wei, roundID uint64) error
	SettleLose(ctx context.Context, userID string, stake money.Wei, roundID uint64) error
}

// BetRequest is a player's attempt to enter the current betting_phase round.
type BetRequest struct {
	UserID         string
	Stake          money.Wei
	AutoCashoutPPM uint64 // 0 means no auto-cashout target
	ClientID       string
	Response       chan BetResponse
}

// BetResponse reports the outcome of a BetRequest.
type BetResponse struct {
	Accepted bool
	RoundID  uint64
	State    string // StateImmediate or StateQueued
	Err      error
}

// State values a BetResponse reports, distinguishing a bet resolved against
// the round it arrived on from one carried over to the next betting_phase
// because it arrived after this round's had already closed.
const (
	StateImmediate = "immediate"
	StateQueued    = "queued"
)

// CashoutRequest is a player's attempt to lock in the current multiplier.
type CashoutRequest struct {
	UserID   string
	ClientID string
	Response chan CashoutResponse
}

// CashoutResponse reports the outcome of a CashoutRequest.
type CashoutResponse struct {
	Accepted   bool
	Multiplier float64
	Payout     money.Wei
	Err        error
}

// activeBet tracks one locked-in wager for the lifetime of a single round.
type activeBet struct {
	userID         string
	stake          money.Wei
	autoCashoutPPM uint64
	clientID       string
	cashedOutAt    *float64 // raw multiplier, nil until cashed out
}

// queuedBet is a bet that arrived after its round's betting_phase had
// already closed. It carries only the data admitBet needs to re-validate it
// at the next betting_phase — the original request's Response channel has
// already been used to report {state: queued} and is never written to again.
type queuedBet struct {
	userID         string
	stake          money.Wei
	autoCashoutPPM uint64
	clientID       string
	// queuedAtRound is the round during whose running_phase/cashout_phase
	// this bet arrived — the row recorded for it lives against this round id
	// until admitQueuedBets promotes or drops it at the next betting_phase.
	queuedAtRound uint64
}

// LiveBet is the public, read-only projection of one in-flight wager used
// by get_state and the hub's snapshot.
type LiveBet struct {
	UserID         string    `json:"user_id"`
	Stake          money.Wei `json:"stake_wei"`
	AutoCashoutPPM uint64    `json:"auto_cashout_ppm"`
	CashedOut      bool      `json:"cashed_out"`
}

// StateSnapshot is the public, read-only projection of live engine state
// returned by GetState, backing both the get_state endpoint and the hub's
// SnapshotFunc for clients resuming past the resync window.
type StateSnapshot struct {
	Phase         string        `json:"phase"`
	RoundID       uint64        `json:"round_id"`
	CommitHash    string        `json:"commit_hash"`
	TimeRemaining time.Duration `json:"time_remaining_ns"`
	CrashHistory  []float64     `json:"crash_history"` // most recent completed rounds' crash points, oldest first
	LiveBets      []LiveBet     `json:"live_bets"`
}

// stateRequest is a synchronous request for the engine's current
// StateSnapshot, served through the same single-writer channel discipline
// as BetRequest/CashoutRequest.
type stateRequest struct {
	Response chan StateSnapshot
}

// maxCrashHistory bounds how many past crash points GetState reports.
const maxCrashHistory = 25

// phase enumerates the three states a round cycles through.
type phase string

const (
	phaseBetting phase = "betting_phase"
	phaseRunning phase = "running_phase"
	phaseCashout phase = "cashout_phase" // post-crash settlement pause
)

// Engine is the single-writer round state machine. Exactly one goroutine
// (started by Run) ever mutates round/bet state; every external interaction
// goes through the request channels.
type Engine struct {
	cfg   config.RoundConfig
	store Ledger
	gate  *solvency.Gate
	h     *hub.Hub
	log   zerolog.Logger

	betCh     chan BetRequest
	cashoutCh chan CashoutRequest
	stateCh   chan stateRequest
	stopCh    chan struct{}

	nonce    uint64
	recorder Recorder // optional; nil means in-memory only (every unit test)

	// pendingQueue carries bets from one round's runRunningPhase/
	// runCashoutPhase into the next round's runBettingPhase, where they are
	// re-validated exactly like a live bet. Touched only by the single
	// engine goroutine.
	pendingQueue []queuedBet
	// crashHistory retains the most recent settled crash points across
	// rounds, independent of any single roundState.
	crashHistory []float64
}

// New builds an Engine. Call Run in its own goroutine to start the loop.
func New(cfg config.RoundConfig, store Ledger, gate *solvency.Gate, h *hub.Hub, log zerolog.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		store:     store,
		gate:      gate,
		h:         h,
		log:       log.With().Str("component", "round").Logger(),
		betCh:     make(chan BetRequest, 2048),
		cashoutCh: make(chan CashoutRequest, 2048),
		stateCh:   make(chan stateRequest, 64),
		stopCh:    make(chan struct{}),
	}
}

// Stop signals the game loop to exit. Each phase loop returns as soon as it
// sees the signal, so a round stopped during running_phase is left
// unsettled; RecoverIncompleteRounds resolves its bets at the next startup.
func (e *Engine) Stop() {
	close(e.stopCh)
}

// PlaceBet submits a bet request and blocks until the engine processes it or
// ctx is cancelled. Safe to call from any number of goroutines concurrently.
func (e *Engine) PlaceBet(ctx context.Context, req BetRequest) (BetResponse, error) {
	req.Response = make(chan BetResponse, 1)
	select {
	case e.betCh <- req:
	case <-ctx.Done():
		return BetResponse{}, ctx.Err()
	default:
		return BetResponse{}, fmt.Errorf("round: bet queue full")
	}
	select {
	case resp := <-req.Response:
		return resp, nil
	case <-ctx.Done():
		return BetResponse{}, ctx.Err()
	}
}

// Cashout submits a cashout request and blocks until the engine processes it
// or ctx is cancelled.
func (e *Engine) Cashout(ctx context.Context, req CashoutRequest) (CashoutResponse, error) {
	req.Response = make(chan CashoutResponse, 1)
	select {
	case e.cashoutCh <- req:
	case <-ctx.Done():
		return CashoutResponse{}, ctx.Err()
	default:
		return CashoutResponse{}, fmt.Errorf("round: cashout queue full")
	}
	select {
	case resp := <-req.Response:
		return resp, nil
	case <-ctx.Done():
		return CashoutResponse{}, ctx.Err()
	}
}

// GetState submits a request for the engine's current StateSnapshot and
// blocks until the engine processes it or ctx is cancelled. Safe to call
// from any number of goroutines concurrently.
func (e *Engine) GetState(ctx context.Context) (StateSnapshot, error) {
	req := stateRequest{Response: make(chan StateSnapshot, 1)}
	select {
	case e.stateCh <- req:
	case <-ctx.Done():
		return StateSnapshot{}, ctx.Err()
	default:
		return StateSnapshot{}, fmt.Errorf("round: state queue full")
	}
	select {
	case resp := <-req.Response:
		return resp, nil
	case <-ctx.Done():
		return StateSnapshot{}, ctx.Err()
	}
}

// Run drives the betting -> running -> cashout cycle forever until Stop is
// called. Intended to be started as `go engine.Run()`.
func (e *Engine) Run() {
	for {
		select {
		case <-e.stopCh:
			e.log.Info().Msg("round: engine stopped")
			return
		default:
			e.runRound()
		}
	}
}

// roundState holds everything a single round's running phase needs; it is
// local to runRound and never shared outside this goroutine.
type roundState struct {
	id         uint64
	serverSeed fairness.Seed
	commitHash string
	clientSeed string
	nonce      uint64
	crashPoint float64
	bets       map[string]*activeBet // keyed by userID; one active bet per user per round
	queued     []queuedBet           // bets that arrived after betting_phase closed, carried to the next round
}

func (e *Engine) runRound() {
	e.nonce++
	serverSeed := fairness.GenerateSeed()
	commit := fairness.CommitHash(serverSeed)
	clientSeed := string(fairness.GenerateSeed())

	d := fairness.Derivation{
		ServerSeed:       serverSeed,
		ClientSeed:       clientSeed,
		Nonce:            e.nonce,
		HouseEdgeDivisor: e.cfg.HouseEdgeDivisor,
		MaxCrash:         e.cfg.MaxCrash,
	}
	rs := &roundState{
		id:         e.nonce,
		serverSeed: serverSeed,
		commitHash: commit,
		clientSeed: clientSeed,
		nonce:      e.nonce,
		crashPoint: d.CrashPoint(),
		bets:       make(map[string]*activeBet),
	}

	if e.recorder != nil {
		e.recordOrLog(e.recorder.CreateRound(context.Background(), rs.id, rs.commitHash, rs.clientSeed, rs.nonce), "round: create round row failed")
	}

	e.h.Publish(hub.EventRoundStart, map[string]any{
		"round_id":    rs.id,
		"commit_hash": rs.commitHash,
	})

	e.runBettingPhase(rs)
	e.runRunningPhase(rs)
	e.runCashoutPhase(rs)
}

func (e *Engine) runBettingPhase(rs *roundState) {
	// This round's betting_phase is where every bet carried over from the
	// previous round's running_phase/cashout_phase finally gets resolved.
	e.admitQueuedBets(rs)

	deadline := time.Now().Add(e.cfg.BettingDuration)
	timer := time.NewTimer(e.cfg.BettingDuration)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return
		case req := <-e.betCh:
			e.handleBet(rs, req)
		case req := <-e.cashoutCh:
			req.Response <- CashoutResponse{Err: domain.ErrNotInRunningPhase}
		case req := <-e.stateCh:
			req.Response <- e.buildSnapshot(rs, phaseBetting, deadline)
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) handleBet(rs *roundState, req BetRequest) {
	resp := BetResponse{RoundID: rs.id, State: StateImmediate}
	defer func() {
		if req.Response != nil {
			req.Response <- resp
		}
	}()

	if err := e.admitBet(rs, req.UserID, req.Stake, req.AutoCashoutPPM, req.ClientID); err != nil {
		resp.Err = err
		return
	}
	resp.Accepted = true

	if e.recorder != nil {
		e.recordOrLog(e.recorder.RecordBet(context.Background(), rs.id, req.UserID, req.Stake, req.AutoCashoutPPM, req.ClientID), "round: record bet row failed")
	}
}

// admitBet runs full bet admission against rs — duplicate/capacity/stake
// bounds checks, solvency admission, and the ledger lock — and, on success,
// registers the bet in rs.bets and publishes EventBetPlaced. Shared by
// handleBet (a live bet arriving during betting_phase) and admitQueuedBets
// (a bet carried over from a previous round's running_phase/cashout_phase).
func (e *Engine) admitBet(rs *roundState, userID string, stake money.Wei, autoCashoutPPM uint64, clientID string) error {
	if _, exists := rs.bets[userID]; exists {
		return domain.ErrDuplicateBet
	}
	if len(rs.bets) >= e.cfg.MaxBetsPerRound {
		return fmt.Errorf("round: bet capacity reached")
	}
	if stake.Cmp(money.FromInt64(e.cfg.MinBetWei)) < 0 || stake.Cmp(money.FromInt64(e.cfg.MaxBetWei)) > 0 {
		return domain.NewInvalidInput("stake")
	}

	worstCase := stake.MulPPM(fairness.PPM(e.cfg.MaxCrash))
	if !e.gate.Admit(worstCase) {
		return domain.ErrSolvencyRejected
	}

	ctx := context.Background()
	if err := e.store.LockBet(ctx, userID, stake, rs.id, clientID); err != nil {
		e.gate.Release(worstCase)
		return err
	}

	rs.bets[userID] = &activeBet{
		userID:         userID,
		stake:          stake,
		autoCashoutPPM: autoCashoutPPM,
		clientID:       clientID,
	}

	e.h.Publish(hub.EventBetPlaced, map[string]any{
		"round_id": rs.id,
		"user_id":  userID,
		"stake":    stake.String(),
	})
	return nil
}

// admitQueuedBets resolves every bet carried over from the previous round's
// running_phase/cashout_phase, now that this round's betting_phase has
// begun. Each is re-validated exactly as a live bet would be; one that no
// longer clears solvency or stake bounds (e.g. reserves shrank while it
// waited) is dropped with an EventBetRejected notice rather than silently
// lost, since its original synchronous response already reported
// {state: queued} and nothing is listening on that channel anymore.
func (e *Engine) admitQueuedBets(rs *roundState) {
	queue := e.pendingQueue
	e.pendingQueue = nil
	ctx := context.Background()
	for _, qb := range queue {
		if err := e.admitBet(rs, qb.userID, qb.stake, qb.autoCashoutPPM, qb.clientID); err != nil {
			e.h.Publish(hub.EventBetRejected, map[string]any{
				"round_id": rs.id,
				"user_id":  qb.userID,
				"reason":   domain.Kind(err),
			})
			if e.recorder != nil {
				e.recordOrLog(e.recorder.DropQueuedBet(ctx, qb.queuedAtRound, qb.userID), "round: drop rejected queued bet row failed")
			}
			continue
		}
		if e.recorder != nil {
			e.recordOrLog(e.recorder.PromoteQueuedBet(ctx, qb.queuedAtRound, rs.id, qb.userID), "round: promote queued bet row failed")
		}
	}
}

// queueBet records req as a queuedBet against rs (the round currently
// closing out) and immediately acknowledges it with {state: queued}. The
// actual admission outcome is decided later by admitQueuedBets.
func (e *Engine) queueBet(rs *roundState, req BetRequest) {
	rs.queued = append(rs.queued, queuedBet{
		userID:         req.UserID,
		stake:          req.Stake,
		autoCashoutPPM: req.AutoCashoutPPM,
		clientID:       req.ClientID,
		queuedAtRound:  rs.id,
	})
	if e.recorder != nil {
		e.recordOrLog(e.recorder.RecordQueuedBet(context.Background(), rs.id, req.UserID, req.Stake, req.AutoCashoutPPM, req.ClientID), "round: record queued bet row failed")
	}
	if req.Response != nil {
		req.Response <- BetResponse{Accepted: true, State: StateQueued, RoundID: rs.id + 1}
	}
}

func (e *Engine) runRunningPhase(rs *roundState) {
	e.h.Publish(hub.EventRoundRunning, map[string]any{"round_id": rs.id})

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	start := time.Now()

	for {
		select {
		case <-ticker.C:
			elapsed := time.Since(start).Seconds()
			now := multiplier.AtRaw(elapsed)
			if multiplier.HasCrashed(now, rs.crashPoint, e.cfg.CashoutBuffer.Seconds()) {
				e.settleCrash(rs)
				return
			}
			e.autoCashout(rs, now)
			e.h.Publish(hub.EventTick, multiplier.At(elapsed))

		case req := <-e.cashoutCh:
			e.handleCashout(rs, req, multiplier.AtRaw(time.Since(start).Seconds()))

		case req := <-e.betCh:
			// Bets arriving after betting_phase closes are queued for the
			// next round's betting_phase (admitQueuedBets) rather than
			// rejected outright.
			e.queueBet(rs, req)

		case req := <-e.stateCh:
			req.Response <- e.buildSnapshot(rs, phaseRunning, time.Time{})

		case <-e.stopCh:
			return
		}
	}
}

// handleCashout settles one manual cashout request at the multiplier the
// engine computes at the instant it processes the request — never a value
// the client supplies — so a client cannot claim a higher multiplier than
// actually applied when its request was serviced.
func (e *Engine) handleCashout(rs *roundState, req CashoutRequest, nowRaw float64) {
	resp := CashoutResponse{}
	defer func() {
		if req.Response != nil {
			req.Response <- resp
		}
	}()

	bet, ok := rs.bets[req.UserID]
	if !ok {
		resp.Err = domain.ErrNoActiveBet
		return
	}
	if bet.cashedOutAt != nil {
		resp.Err = domain.ErrCashoutTooLate
		return
	}
	if multiplier.HasCrashed(nowRaw, rs.crashPoint, e.cfg.CashoutBuffer.Seconds()) {
		resp.Err = domain.ErrCashoutTooLate
		return
	}

	e.settleWin(rs, bet, nowRaw)
	resp.Accepted = true
	resp.Multiplier = nowRaw
	resp.Payout = bet.stake.MulPPM(fairness.PPM(nowRaw))
}

// autoCashout settles every bet whose auto-cashout target has been reached
// at the current tick, at the tick's multiplier rather than the player's
// requested target, since the target is a floor the engine guarantees to
// meet or exceed, not an exact price.
func (e *Engine) autoCashout(rs *roundState, nowRaw float64) {
	nowPPM := fairness.PPM(nowRaw)
	for _, bet := range rs.bets {
		if bet.cashedOutAt != nil || bet.autoCashoutPPM == 0 {
			continue
		}
		if nowPPM >= bet.autoCashoutPPM {
			e.settleWin(rs, bet, nowRaw)
		}
	}
}

func (e *Engine) settleWin(rs *roundState, bet *activeBet, atRaw float64) {
	cashedOut := atRaw
	bet.cashedOutAt = &cashedOut
	payout := bet.stake.MulPPM(fairness.PPM(atRaw))
	worstCase := bet.stake.MulPPM(fairness.PPM(e.cfg.MaxCrash))

	ctx := context.Background()
	if err := e.store.SettleWin(ctx, bet.userID, bet.stake, payout, rs.id); err != nil {
		e.log.Error().Err(err).Str("user_id", bet.userID).Uint64("round_id", rs.id).Msg("round: settle win failed")
	}
	e.gate.Release(worstCase)

	if e.recorder != nil {
		e.recordOrLog(e.recorder.SettleBetWin(ctx, rs.id, bet.userID, fairness.PPM(atRaw)), "round: settle bet win row failed")
	}

	e.h.Publish(hub.EventCashout, map[string]any{
		"round_id":   rs.id,
		"user_id":    bet.userID,
		"multiplier": multiplier.At(multiplier.TimeFor(atRaw)),
		"payout":     payout.String(),
	})
}

// settleCrash is called exactly once per round, after the crash tick fires,
// to settle every bet that never cashed out as a loss. If the process
// restarts mid-round, RecoverIncompleteRounds (run once at startup before
// the engine's first round) resolves whatever was left unsettled by that
// prior process — this method never runs for an interrupted round.
func (e *Engine) settleCrash(rs *roundState) {
	ctx := context.Background()
	for _, bet := range rs.bets {
		if bet.cashedOutAt != nil {
			continue
		}
		worstCase := bet.stake.MulPPM(fairness.PPM(e.cfg.MaxCrash))
		if err := e.store.SettleLose(ctx, bet.userID, bet.stake, rs.id); err != nil {
			e.log.Error().Err(err).Str("user_id", bet.userID).Uint64("round_id", rs.id).Msg("round: settle loss failed")
		}
		e.gate.Release(worstCase)
		if e.recorder != nil {
			e.recordOrLog(e.recorder.SettleBetLose(ctx, rs.id, bet.userID), "round: settle bet lose row failed")
		}
	}

	if e.recorder != nil {
		e.recordOrLog(e.recorder.RevealRound(ctx, rs.id, string(rs.serverSeed), fairness.PPM(rs.crashPoint)), "round: reveal round row failed")
	}

	e.crashHistory = append(e.crashHistory, rs.crashPoint)
	if len(e.crashHistory) > maxCrashHistory {
		e.crashHistory = e.crashHistory[len(e.crashHistory)-maxCrashHistory:]
	}

	e.h.Publish(hub.EventCrash, map[string]any{
		"round_id":    rs.id,
		"crash_point": rs.crashPoint,
		"server_seed": string(rs.serverSeed),
		"client_seed": rs.clientSeed,
		"nonce":       rs.nonce,
	})
}

// runCashoutPhase is the brief settlement pause between a crash and the next
// round's betting_phase. Any bet that arrives here is queued exactly like
// one arriving during running_phase; at the end of the phase the queue is
// handed off to pendingQueue so the next round's runBettingPhase can admit
// it via admitQueuedBets.
func (e *Engine) runCashoutPhase(rs *roundState) {
	deadline := time.Now().Add(e.cfg.CashoutDuration)
	timer := time.NewTimer(e.cfg.CashoutDuration)
	defer func() {
		timer.Stop()
		e.pendingQueue = append(e.pendingQueue, rs.queued...)
	}()
	for {
		select {
		case <-timer.C:
			return
		case req := <-e.betCh:
			e.queueBet(rs, req)
		case req := <-e.cashoutCh:
			if req.Response != nil {
				req.Response <- CashoutResponse{Err: domain.ErrNotInRunningPhase}
			}
		case req := <-e.stateCh:
			req.Response <- e.buildSnapshot(rs, phaseCashout, deadline)
		case <-e.stopCh:
			return
		}
	}
}

// buildSnapshot assembles a StateSnapshot from rs and the engine's
// cross-round crash history. deadline's zero value means the phase has no
// fixed end time to report (running_phase ends on crash, not a timer).
func (e *Engine) buildSnapshot(rs *roundState, ph phase, deadline time.Time) StateSnapshot {
	var remaining time.Duration
	if !deadline.IsZero() {
		remaining = time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
	}

	bets := make([]LiveBet, 0, len(rs.bets))
	for _, b := range rs.bets {
		bets = append(bets, LiveBet{
			UserID:         b.userID,
			Stake:          b.stake,
			AutoCashoutPPM: b.autoCashoutPPM,
			CashedOut:      b.cashedOutAt != nil,
		})
	}

	history := make([]float64, len(e.crashHistory))
	copy(history, e.crashHistory)

	return StateSnapshot{
		Phase:         string(ph),
		RoundID:       rs.id,
		CommitHash:    rs.commitHash,
		TimeRemaining: remaining,
		CrashHistory:  history,
		LiveBets:      bets,
	}
}

// NewID generates a fresh random UUID string for identifiers that need a
// value independent of the sequential round nonce.
func NewID() string {
	return uuid.New().String()
}
