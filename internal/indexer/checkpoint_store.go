package indexer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// PgCheckpointStore persists the indexer's scan progress in the single-row
// indexer_checkpoint table, so a restart resumes from the last confirmed
// block instead of re-scanning from GenesisBlock.
type PgCheckpointStore struct {
	db *sqlx.DB
}

// NewPgCheckpointStore wraps an already-connected *sqlx.DB.
func NewPgCheckpointStore(db *sqlx.DB) *PgCheckpointStore {
	return &PgCheckpointStore{db: db}
}

// GetCheckpoint returns the last confirmed-scanned block, or 0 if the
// indexer has never run.
func (p *PgCheckpointStore) GetCheckpoint(ctx context.Context) (uint64, error) {
	var last uint64
	err := p.db.GetContext(ctx, &last, `SELECT last_scanned_block FROM indexer_checkpoint WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("indexer: get checkpoint: %w", err)
	}
	return last, nil
}

// SetCheckpoint advances the single checkpoint row, creating it on first use.
func (p *PgCheckpointStore) SetCheckpoint(ctx context.Context, lastScanned uint64) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO indexer_checkpoint (id, last_scanned_block)
		VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET last_scanned_block = EXCLUDED.last_scanned_block
	`, lastScanned)
	if err != nil {
		return fmt.Errorf("indexer: set checkpoint: %w", err)
	}
	return nil
}
