// Package health exposes process-wide invariant checks, Prometheus metrics,
// and the admin solvency read surface. It observes other components; the
// only state it changes is the solvency gate's emergency flag, which RunOnce
// trips on a ledger invariant violation.
package health

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/nutcas3/crashd/internal/solvency"
)

// InvariantChecker is implemented by internal/ledger.Store; declared here so
// health depends on the narrow slice it actually calls.
type InvariantChecker interface {
	// CheckInvariants runs I1 (no negative balances) and I2 (conservation:
	// sum of all ledger entries equals sum of all account deltas), returning
	// every violation found rather than stopping at the first.
	CheckInvariants(ctx context.Context) ([]string, error)
}

// LagReporter is implemented by internal/indexer.Indexer.
type LagReporter interface {
	Lag(ctx context.Context) (uint64, error)
}

// Metrics holds the Prometheus collectors the rest of the application
// reports against. Register with a prometheus.Registerer at startup.
type Metrics struct {
	IndexerLagBlocks   prometheus.Gauge
	InvariantViolations prometheus.Counter
	RoundsCompleted    prometheus.Counter
	BetsPlaced         prometheus.Counter
	PayoutsFailed      prometheus.Counter
	EmergencyMode      prometheus.Gauge
}

// NewMetrics constructs and registers the application's metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IndexerLagBlocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crashd_indexer_lag_blocks",
			Help: "Confirmed blocks not yet scanned for deposits.",
		}),
		InvariantViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crashd_invariant_violations_total",
			Help: "Ledger invariant violations detected by health checks.",
		}),
		RoundsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crashd_rounds_completed_total",
			Help: "Rounds that reached settlement.",
		}),
		BetsPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crashd_bets_placed_total",
			Help: "Bets accepted by the round engine.",
		}),
		PayoutsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crashd_payouts_failed_total",
			Help: "On-chain payout submissions that failed.",
		}),
		EmergencyMode: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crashd_emergency_mode",
			Help: "1 if the solvency gate is in emergency mode, else 0.",
		}),
	}
	reg.MustRegister(m.IndexerLagBlocks, m.InvariantViolations, m.RoundsCompleted, m.BetsPlaced, m.PayoutsFailed, m.EmergencyMode)
	return m
}

// Checker runs periodic invariant and lag checks and keeps metrics in sync
// with the solvency gate's emergency flag.
type Checker struct {
	ledger  InvariantChecker
	indexer LagReporter
	gate    *solvency.Gate
	metrics *Metrics
	log     zerolog.Logger
}

// New builds a Checker.
func New(ledger InvariantChecker, indexer LagReporter, gate *solvency.Gate, metrics *Metrics, log zerolog.Logger) *Checker {
	return &Checker{ledger: ledger, indexer: indexer, gate: gate, metrics: metrics, log: log.With().Str("component", "health").Logger()}
}

// RunOnce executes one pass of every check and updates metrics accordingly.
// Called on a timer from cmd/server; a critical invariant violation force-
// trips the solvency gate into emergency mode via TripEmergency, halting
// every new bet admission until an operator investigates and calls
// Gate.ClearEmergency — the gate's own liability-ratio math cannot be
// trusted to do this on its own once the ledger itself may be corrupt.
func (c *Checker) RunOnce(ctx context.Context) {
	violations, err := c.ledger.CheckInvariants(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("health: invariant check failed to run")
	}
	for _, v := range violations {
		c.log.Error().Str("violation", v).Msg("health: invariant violated")
		c.metrics.InvariantViolations.Inc()
	}
	if len(violations) > 0 {
		c.gate.TripEmergency(fmt.Sprintf("%d ledger invariant violation(s) detected", len(violations)))
	}

	if c.indexer != nil {
		lag, err := c.indexer.Lag(ctx)
		if err != nil {
			c.log.Error().Err(err).Msg("health: lag check failed")
		} else {
			c.metrics.IndexerLagBlocks.Set(float64(lag))
		}
	}

	snap := c.gate.Snapshot()
	if snap.Emergency {
		c.metrics.EmergencyMode.Set(1)
	} else {
		c.metrics.EmergencyMode.Set(0)
	}
}

// AdminSolvencySnapshot is the read surface an operator dashboard polls.
type AdminSolvencySnapshot struct {
	Outstanding string `json:"outstanding_wei"`
	Reserves    string `json:"reserves_wei"`
	Emergency   bool   `json:"emergency"`
}

// SolvencySnapshot returns the current solvency gate state for the admin
// surface.
func (c *Checker) SolvencySnapshot() AdminSolvencySnapshot {
	snap := c.gate.Snapshot()
	return AdminSolvencySnapshot{
		Outstanding: snap.Outstanding.String(),
		Reserves:    snap.Reserves.String(),
		Emergency:   snap.Emergency,
	}
}
