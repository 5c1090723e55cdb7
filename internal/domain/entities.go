// Package domain holds the entities and enumerations shared across every
// component: accounts, ledger entries, deposits, rounds, and bets. None of
// these types know how they are persisted; storage lives in internal/ledger
// and internal/round.
package domain

import (
	"time"

	"github.com/nutcas3/crashd/internal/money"
)

// OpType enumerates the append-only ledger entry kinds.
type OpType string

const (
	OpDeposit    OpType = "deposit"
	OpWithdraw   OpType = "withdraw"
	OpBetLock    OpType = "bet_lock"
	OpBetWin     OpType = "bet_win"
	OpBetLose    OpType = "bet_lose"
	OpAdjustment OpType = "adjustment"
)

// RoundStatus enumerates the lifecycle of a Round row.
type RoundStatus string

const (
	RoundPending RoundStatus = "pending"
	RoundRunning RoundStatus = "running"
	RoundSettled RoundStatus = "settled"
)

// BetStatus enumerates the lifecycle of a Bet row.
type BetStatus string

const (
	BetQueued   BetStatus = "queued"
	BetActive   BetStatus = "active"
	BetWon      BetStatus = "won"
	BetLost     BetStatus = "lost"
	BetRefunded BetStatus = "refunded" // stake returned, round's outcome abandoned by a crash-restart
)

// Account is one player's balance ledger head: available funds, funds locked
// by an active bet, and the optimistic-concurrency version.
type Account struct {
	UserID    string    `db:"user_id" json:"user_id"`
	Available money.Wei `db:"available" json:"available"`
	Locked    money.Wei `db:"locked" json:"locked"`
	Version   uint64    `db:"version" json:"version"`
}

// LedgerEntry is one append-only, immutable balance movement.
type LedgerEntry struct {
	ID        int64          `db:"id" json:"id"`
	UserID    string         `db:"user_id" json:"user_id"`
	OpType    OpType         `db:"op_type" json:"op_type"`
	Amount    money.Wei      `db:"amount" json:"amount"`
	Ref       map[string]any `db:"ref" json:"ref"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
}

// ClientID extracts the idempotency key from Ref, if present.
func (e LedgerEntry) ClientID() string {
	if e.Ref == nil {
		return ""
	}
	if v, ok := e.Ref["client_id"].(string); ok {
		return v
	}
	return ""
}

// DepositSeen records a credited on-chain deposit, keyed by (tx_hash,
// log_index) so the indexer can credit it exactly once regardless of how
// many times the same log is observed across reorgs or restarts.
type DepositSeen struct {
	TxHash      string    `db:"tx_hash" json:"tx_hash"`
	LogIndex    int64     `db:"log_index" json:"log_index"`
	BlockNumber uint64    `db:"block_number" json:"block_number"`
	FromAddress string    `db:"from_address" json:"from_address"`
	Amount      money.Wei `db:"amount" json:"amount"`
	ProcessedAt time.Time `db:"processed_at" json:"processed_at"`
}

// IndexerCheckpoint is the process-wide singleton tracking indexer progress.
type IndexerCheckpoint struct {
	LastScannedBlock   uint64 `db:"last_scanned_block" json:"last_scanned_block"`
	LastFinalizedBlock uint64 `db:"last_finalized_block" json:"last_finalized_block"`
}

// Round is one full betting -> running -> cashout cycle governed by a
// single commit/reveal seed triple.
type Round struct {
	ID              uint64      `db:"id" json:"id"`
	CommitHash      string      `db:"commit_hash" json:"commit_hash"`
	ServerSeed      *string     `db:"server_seed" json:"server_seed,omitempty"`
	ClientSeed      string      `db:"client_seed" json:"client_seed"`
	Nonce           uint64      `db:"nonce" json:"nonce"`
	CrashPointPPM   *uint64     `db:"crash_point_ppm" json:"crash_point_ppm,omitempty"`
	Status          RoundStatus `db:"status" json:"status"`
	StartedAt       time.Time   `db:"started_at" json:"started_at"`
	SettledAt       *time.Time  `db:"settled_at" json:"settled_at,omitempty"`
}

// Bet is one player's wager within a round.
type Bet struct {
	RoundID         uint64     `db:"round_id" json:"round_id"`
	UserID          string     `db:"user_id" json:"user_id"`
	Stake           money.Wei  `db:"stake" json:"stake"`
	AutoCashoutPPM  uint64     `db:"auto_cashout_ppm" json:"auto_cashout_ppm"`
	Status          BetStatus  `db:"status" json:"status"`
	CashoutPPM      *uint64    `db:"cashout_ppm" json:"cashout_ppm,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	ClientID        string     `db:"client_id" json:"client_id"`
}
