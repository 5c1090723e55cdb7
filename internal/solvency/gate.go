// Package solvency tracks aggregate house exposure against hot-wallet
// reserves and decides whether a new bet may be admitted at all. It never
// touches a player's account directly; the round engine consults it before
// calling into the ledger.
package solvency

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/nutcas3/crashd/internal/money"
)

// Gate is the single process-wide liability tracker. It holds the sum of
// every currently-outstanding bet's maximum possible payout (stake *
// MAX_CRASH, the worst case the house could owe) and compares it against
// reserves derived from the hot wallet balance on each admission check.
type Gate struct {
	mu sync.Mutex
	// outstanding is the sum of max-possible-payout across every bet
	// locked but not yet settled.
	outstanding money.Wei

	maxLiabilityRatio  float64
	emergencyThreshold float64
	minReserve         money.Wei

	// hotWalletBalance is refreshed by the caller (typically the payout
	// dispatcher or a periodic chain balance poll) via SetHotWalletBalance.
	hotWalletBalance money.Wei

	emergency bool
	// forced latches emergency mode on regardless of the liability ratio
	// math, set by TripEmergency and cleared only by ClearEmergency — an
	// invariant violation does not un-corrupt itself just because
	// outstanding liability happens to drift back under threshold.
	forced bool

	log zerolog.Logger
}

// Config carries the admission policy thresholds, sourced from
// config.SolvencyConfig.
type Config struct {
	MaxLiabilityRatio  float64
	EmergencyThreshold float64
	MinReserve         money.Wei
}

// New builds a Gate starting with zero outstanding liability and zero known
// hot wallet balance; callers must call SetHotWalletBalance before the gate
// will admit any bet; a wallet balance of zero makes reserves zero (they are
// floored there) and rejects everything, which is the safe failure mode.
func New(cfg Config, log zerolog.Logger) *Gate {
	return &Gate{
		outstanding:        money.Zero,
		maxLiabilityRatio:  cfg.MaxLiabilityRatio,
		emergencyThreshold: cfg.EmergencyThreshold,
		minReserve:         cfg.MinReserve,
		hotWalletBalance:   money.Zero,
		log:                log.With().Str("component", "solvency").Logger(),
	}
}

// SetHotWalletBalance updates the known on-chain hot wallet balance. Called
// by the indexer or a periodic balance poller; never by the round engine.
func (g *Gate) SetHotWalletBalance(balance money.Wei) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hotWalletBalance = balance
}

// reserves returns hot_wallet_balance - MIN_RESERVE, floored at zero. Caller
// must hold g.mu.
func (g *Gate) reservesLocked() money.Wei {
	r := g.hotWalletBalance.Sub(g.minReserve)
	if r.IsNegative() {
		return money.Zero
	}
	return r
}

// CanAcceptBet reports whether admitting a new bet with the given worst-case
// payout (stake scaled by MAX_CRASH) keeps total outstanding liability
// within reserves * MAX_LIABILITY_RATIO. It does not mutate state; callers
// must follow a true result with Admit to actually reserve the liability,
// since the decision and the reservation must be atomic from the round
// engine's perspective.
func (g *Gate) CanAcceptBet(worstCasePayout money.Wei) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.canAcceptLocked(worstCasePayout)
}

func (g *Gate) canAcceptLocked(worstCasePayout money.Wei) bool {
	if g.emergency {
		return false
	}
	reserves := g.reservesLocked()
	newTotal := g.outstanding.Add(worstCasePayout)
	cap := reserves.MulPPM(uint64(g.maxLiabilityRatio * 1_000_000))
	return newTotal.Cmp(cap) <= 0
}

// Admit atomically checks admission and, on success, reserves the
// liability. Returns false without mutating state if the bet would breach
// the liability ratio.
func (g *Gate) Admit(worstCasePayout money.Wei) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.canAcceptLocked(worstCasePayout) {
		return false
	}
	g.outstanding = g.outstanding.Add(worstCasePayout)
	g.checkEmergencyLocked()
	return true
}

// Release removes a settled (or never-placed) bet's worst-case payout from
// outstanding liability. Must be called exactly once per successful Admit,
// whether the bet won, lost, or was never actually placed after a failed
// downstream step.
func (g *Gate) Release(worstCasePayout money.Wei) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.outstanding = g.outstanding.Sub(worstCasePayout)
	if g.outstanding.IsNegative() {
		// Defensive floor: a Release without a matching Admit is a caller
		// bug, not a reason to let the tracked liability go negative.
		g.outstanding = money.Zero
	}
	g.checkEmergencyLocked()
}

// checkEmergencyLocked flips the emergency flag when outstanding liability
// breaches EMERGENCY_THRESHOLD of reserves, and clears it once liability
// recovers below that line. A forced trip (TripEmergency) overrides this
// ratio-based recomputation entirely until ClearEmergency runs. Caller must
// hold g.mu.
func (g *Gate) checkEmergencyLocked() {
	if g.forced {
		return
	}
	reserves := g.reservesLocked()
	threshold := reserves.MulPPM(uint64(g.emergencyThreshold * 1_000_000))
	wasEmergency := g.emergency
	g.emergency = g.outstanding.Cmp(threshold) > 0
	if g.emergency && !wasEmergency {
		g.log.Warn().
			Str("outstanding", g.outstanding.String()).
			Str("reserves", reserves.String()).
			Msg("solvency: entering emergency mode")
	} else if !g.emergency && wasEmergency {
		g.log.Info().Msg("solvency: emergency mode cleared")
	}
}

// TripEmergency forces the gate into emergency mode regardless of the
// current liability ratio, halting all further admission until an operator
// calls ClearEmergency. Intended for a caller (internal/health.Checker) that
// has detected a condition — e.g. a ledger invariant violation — under
// which outstanding liability itself can no longer be trusted, so the
// ratio check that would normally govern emergency mode isn't sufficient.
func (g *Gate) TripEmergency(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.emergency {
		g.log.Warn().Str("reason", reason).Msg("solvency: force-tripped into emergency mode")
	}
	g.emergency = true
	g.forced = true
}

// ClearEmergency lifts a forced emergency trip and resumes normal
// ratio-based admission. Intended to be called only after an operator has
// investigated and resolved whatever TripEmergency reported.
func (g *Gate) ClearEmergency() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.forced = false
	g.log.Info().Msg("solvency: emergency mode manually cleared")
	g.checkEmergencyLocked()
}

// InEmergency reports whether the gate is in emergency mode: outstanding
// liability breaches EMERGENCY_THRESHOLD of reserves, or TripEmergency has
// forced it. While this holds, Admit and CanAcceptBet reject every bet,
// independent of the per-bet ratio check.
func (g *Gate) InEmergency() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.emergency
}

// Snapshot is a read-only view of the gate's current state, for the health
// package's admin surface.
type Snapshot struct {
	Outstanding money.Wei
	Reserves    money.Wei
	Emergency   bool
}

// Snapshot returns the gate's current state for reporting.
func (g *Gate) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Snapshot{
		Outstanding: g.outstanding,
		Reserves:    g.reservesLocked(),
		Emergency:   g.emergency,
	}
}
