package round

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nutcas3/crashd/internal/domain"
	"github.com/nutcas3/crashd/internal/money"
)

// Recorder persists rounds and bets for audit and crash-restart recovery.
// The engine's in-memory roundState is the authority for gameplay decisions
// within a single process lifetime; Recorder exists only so a restart can
// discover and resolve whatever was left incomplete, never to be consulted
// mid-round.
type Recorder interface {
	CreateRound(ctx context.Context, roundID uint64, commitHash, clientSeed string, nonce uint64) error
	RecordBet(ctx context.Context, roundID uint64, userID string, stake money.Wei, autoCashoutPPM uint64, clientID string) error
	// RecordQueuedBet persists a bet that arrived after roundID's betting_phase
	// closed, with status queued against roundID (the round it arrived during,
	// which already exists) rather than the round it is destined for (which
	// does not exist yet).
	RecordQueuedBet(ctx context.Context, roundID uint64, userID string, stake money.Wei, autoCashoutPPM uint64, clientID string) error
	// PromoteQueuedBet moves a queued bet row onto the round it was actually
	// admitted into and marks it active, once the next betting_phase accepts it.
	PromoteQueuedBet(ctx context.Context, fromRoundID, toRoundID uint64, userID string) error
	// DropQueuedBet removes a queued bet row that failed re-validation at the
	// next betting_phase. No funds were ever locked for it, so there is
	// nothing to refund — the row is simply deleted rather than settled.
	DropQueuedBet(ctx context.Context, roundID uint64, userID string) error
	SettleBetWin(ctx context.Context, roundID uint64, userID string, cashoutPPM uint64) error
	SettleBetLose(ctx context.Context, roundID uint64, userID string) error
	RevealRound(ctx context.Context, roundID uint64, serverSeed string, crashPointPPM uint64) error
}

// SetRecorder wires an optional persistence sink. Without one, the engine
// runs purely in-memory, as it does in every unit test.
func (e *Engine) SetRecorder(r Recorder) {
	e.recorder = r
}

// recordOrLog runs a Recorder call and logs a failure without aborting the
// round: the recorder is an audit/recovery trail, not the gameplay source of
// truth, so a write failure here must never block a bet or a settlement the
// ledger has already committed.
func (e *Engine) recordOrLog(err error, msg string) {
	if err != nil {
		e.log.Error().Err(err).Msg(msg)
	}
}

// PgRecorder is the Postgres-backed Recorder; each call is a single
// statement, with no enclosing transaction.
type PgRecorder struct {
	db *sqlx.DB
}

// NewPgRecorder wraps an already-connected *sqlx.DB.
func NewPgRecorder(db *sqlx.DB) *PgRecorder {
	return &PgRecorder{db: db}
}

func (p *PgRecorder) CreateRound(ctx context.Context, roundID uint64, commitHash, clientSeed string, nonce uint64) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rounds (id, commit_hash, client_seed, nonce, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, roundID, commitHash, clientSeed, nonce, domain.RoundRunning, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("round: create round row: %w", err)
	}
	return nil
}

func (p *PgRecorder) RecordBet(ctx context.Context, roundID uint64, userID string, stake money.Wei, autoCashoutPPM uint64, clientID string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO bets (round_id, user_id, stake, auto_cashout_ppm, status, created_at, client_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, roundID, userID, stake, autoCashoutPPM, domain.BetActive, time.Now().UTC(), clientID)
	if err != nil {
		return fmt.Errorf("round: record bet: %w", err)
	}
	return nil
}

func (p *PgRecorder) RecordQueuedBet(ctx context.Context, roundID uint64, userID string, stake money.Wei, autoCashoutPPM uint64, clientID string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO bets (round_id, user_id, stake, auto_cashout_ppm, status, created_at, client_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, roundID, userID, stake, autoCashoutPPM, domain.BetQueued, time.Now().UTC(), clientID)
	if err != nil {
		return fmt.Errorf("round: record queued bet: %w", err)
	}
	return nil
}

func (p *PgRecorder) PromoteQueuedBet(ctx context.Context, fromRoundID, toRoundID uint64, userID string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE bets SET round_id = $1, status = $2 WHERE round_id = $3 AND user_id = $4
	`, toRoundID, domain.BetActive, fromRoundID, userID)
	if err != nil {
		return fmt.Errorf("round: promote queued bet: %w", err)
	}
	return nil
}

func (p *PgRecorder) DropQueuedBet(ctx context.Context, roundID uint64, userID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM bets WHERE round_id = $1 AND user_id = $2 AND status = $3`,
		roundID, userID, domain.BetQueued)
	if err != nil {
		return fmt.Errorf("round: drop queued bet: %w", err)
	}
	return nil
}

func (p *PgRecorder) SettleBetWin(ctx context.Context, roundID uint64, userID string, cashoutPPM uint64) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE bets SET status = $1, cashout_ppm = $2 WHERE round_id = $3 AND user_id = $4
	`, domain.BetWon, cashoutPPM, roundID, userID)
	if err != nil {
		return fmt.Errorf("round: settle bet win: %w", err)
	}
	return nil
}

func (p *PgRecorder) SettleBetLose(ctx context.Context, roundID uint64, userID string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE bets SET status = $1 WHERE round_id = $2 AND user_id = $3
	`, domain.BetLost, roundID, userID)
	if err != nil {
		return fmt.Errorf("round: settle bet lose: %w", err)
	}
	return nil
}

func (p *PgRecorder) RevealRound(ctx context.Context, roundID uint64, serverSeed string, crashPointPPM uint64) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE rounds SET server_seed = $1, crash_point_ppm = $2, status = $3, settled_at = $4 WHERE id = $5
	`, serverSeed, crashPointPPM, domain.RoundSettled, time.Now().UTC(), roundID)
	if err != nil {
		return fmt.Errorf("round: reveal round: %w", err)
	}
	return nil
}

// RecoverIncompleteRounds runs once at startup, before the engine's first
// round, to resolve whatever a prior process crash left mid-flight. A round
// whose process died between betting_phase and the crash tick cannot be
// resumed fairly: the in-memory tick clock that would have produced the
// crash timing is gone, and replaying the commit/reveal derivation here
// would settle real money against a multiplier no client ever actually saw
// tick past. Rather than manufacture an outcome, every bet still active in a
// non-settled round has its stake credited back through an Adjustment, every
// bet still queued there (whose stake was never locked) is closed with no
// ledger movement, both are marked refunded, and the round is marked settled
// with no reveal.
func RecoverIncompleteRounds(ctx context.Context, db *sqlx.DB, ledger interface {
	Adjustment(ctx context.Context, userID string, signedAmount money.Wei, reason string) error
}, log interface{ Printf(string, ...any) }) error {
	var roundIDs []uint64
	if err := db.SelectContext(ctx, &roundIDs, `SELECT id FROM rounds WHERE status != $1`, domain.RoundSettled); err != nil {
		return fmt.Errorf("round: find incomplete rounds: %w", err)
	}

	for _, roundID := range roundIDs {
		var bets []domain.Bet
		if err := db.SelectContext(ctx, &bets, `
			SELECT round_id, user_id, stake, auto_cashout_ppm, status, cashout_ppm, created_at, client_id
			FROM bets WHERE round_id = $1 AND status IN ($2, $3)
		`, roundID, domain.BetQueued, domain.BetActive); err != nil {
			return fmt.Errorf("round: find incomplete bets for round %d: %w", roundID, err)
		}
		for _, bet := range bets {
			// A queued bet never had its stake locked, so closing it moves no funds.
			if bet.Status == domain.BetActive {
				reason := fmt.Sprintf("crash-restart refund: round %d never revealed a crash point", roundID)
				if err := ledger.Adjustment(ctx, bet.UserID, bet.Stake, reason); err != nil {
					return fmt.Errorf("round: refund %s in round %d: %w", bet.UserID, roundID, err)
				}
			}
			if _, err := db.ExecContext(ctx, `UPDATE bets SET status = $1 WHERE round_id = $2 AND user_id = $3`,
				domain.BetRefunded, roundID, bet.UserID); err != nil {
				return fmt.Errorf("round: mark bet refunded: %w", err)
			}
		}
		if _, err := db.ExecContext(ctx, `UPDATE rounds SET status = $1, settled_at = $2 WHERE id = $3`,
			domain.RoundSettled, time.Now().UTC(), roundID); err != nil {
			return fmt.Errorf("round: mark round %d settled: %w", roundID, err)
		}
		if log != nil {
			log.Printf("round: recovered incomplete round %d, refunded %d bets", roundID, len(bets))
		}
	}
	return nil
}
