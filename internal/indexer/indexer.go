// Package indexer scans the chain for confirmed deposits to the hot wallet
// and credits them through the ledger exactly once, tolerating reorgs by
// never trusting a block until it is CONFIRMATIONS deep and by re-scanning
// a REORG_BUFFER of already-processed blocks on every pass.
package indexer

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/nutcas3/crashd/internal/chainclient"
	"github.com/nutcas3/crashd/internal/config"
)

// CheckpointStore persists the indexer's scan progress so a restart resumes
// instead of rescanning from genesis.
type CheckpointStore interface {
	GetCheckpoint(ctx context.Context) (lastScanned uint64, err error)
	SetCheckpoint(ctx context.Context, lastScanned uint64) error
}

// Indexer drives the confirmation-delayed, reorg-safe scan loop.
type Indexer struct {
	chain      chainclient.Client
	checkpoint CheckpointStore
	cfg        config.IndexerConfig
	hotWallet  string
	log        zerolog.Logger

	onDeposit func(ctx context.Context, t chainclient.Transfer) error

	cron   *cron.Cron
	stopCh chan struct{}
}

// New builds an Indexer. onDeposit is called once per newly-confirmed
// transfer and must itself be idempotent on (tx_hash, log_index); the
// ledger's Deposit method already is, so callers typically pass a closure
// that calls store.Deposit directly.
func New(chain chainclient.Client, checkpoint CheckpointStore, cfg config.IndexerConfig, hotWallet string, onDeposit func(context.Context, chainclient.Transfer) error, log zerolog.Logger) *Indexer {
	return &Indexer{
		chain:      chain,
		checkpoint: checkpoint,
		cfg:        cfg,
		hotWallet:  hotWallet,
		onDeposit:  onDeposit,
		log:        log.With().Str("component", "indexer").Logger(),
		stopCh:     make(chan struct{}),
	}
}

// Start begins polling at cfg.PollInterval via a cron schedule expressed as
// a fixed-rate job, matching the teacher pack's chain-polling style. Start
// returns immediately; call Stop to end polling.
func (ix *Indexer) Start(ctx context.Context) {
	ix.cron = cron.New()
	spec := "@every " + ix.cfg.PollInterval.String()
	_, err := ix.cron.AddFunc(spec, func() {
		if err := ix.ScanOnce(ctx); err != nil {
			ix.log.Error().Err(err).Msg("indexer: scan failed")
		}
	})
	if err != nil {
		ix.log.Error().Err(err).Msg("indexer: failed to schedule poll")
		return
	}
	ix.cron.Start()
}

// Stop ends the polling schedule.
func (ix *Indexer) Stop() {
	if ix.cron != nil {
		stopCtx := ix.cron.Stop()
		<-stopCtx.Done()
	}
	close(ix.stopCh)
}

// ScanOnce runs a single confirmation-delayed, reorg-safe scan pass:
//
//  1. last = checkpoint.last_scanned_block (or GenesisBlock on first run)
//  2. tip = chain.LatestBlock()
//  3. confirmedTip = tip - CONFIRMATIONS (never scan unconfirmed blocks)
//  4. from = max(last - REORG_BUFFER, GenesisBlock) (re-observe a buffer of
//     already-processed blocks in case they were since reorged)
//  5. scan [from, confirmedTip] in batches of ScanBatch
//  6. credit every transfer via onDeposit (idempotent on tx_hash+log_index)
//  7. advance checkpoint to confirmedTip
func (ix *Indexer) ScanOnce(ctx context.Context) error {
	last, err := ix.checkpoint.GetCheckpoint(ctx)
	if err != nil {
		return err
	}
	if last == 0 {
		last = ix.cfg.GenesisBlock
	}

	tip, err := ix.chain.LatestBlock(ctx)
	if err != nil {
		return err
	}
	if tip < ix.cfg.Confirmations {
		return nil // chain too young; nothing confirmed yet
	}
	confirmedTip := tip - ix.cfg.Confirmations

	from := ix.cfg.GenesisBlock
	if last > ix.cfg.ReorgBuffer+ix.cfg.GenesisBlock {
		from = last - ix.cfg.ReorgBuffer
	}
	if from > confirmedTip {
		// Nothing newly confirmed since the last pass, and the reorg-safe
		// rescan window doesn't reach back past what's already confirmed.
		return nil
	}

	for batchStart := from; batchStart <= confirmedTip; batchStart += ix.cfg.ScanBatch {
		batchEnd := batchStart + ix.cfg.ScanBatch - 1
		if batchEnd > confirmedTip {
			batchEnd = confirmedTip
		}
		transfers, err := ix.chain.ScanTransfers(ctx, ix.hotWallet, batchStart, batchEnd)
		if err != nil {
			return err
		}
		for _, t := range transfers {
			if err := ix.onDeposit(ctx, t); err != nil {
				ix.log.Error().Err(err).Str("tx_hash", t.TxHash).Msg("indexer: credit failed")
				continue
			}
		}
	}

	return ix.checkpoint.SetCheckpoint(ctx, confirmedTip)
}

// Lag reports how many confirmed blocks remain unscanned, for the health
// package's lag gauge.
func (ix *Indexer) Lag(ctx context.Context) (uint64, error) {
	last, err := ix.checkpoint.GetCheckpoint(ctx)
	if err != nil {
		return 0, err
	}
	tip, err := ix.chain.LatestBlock(ctx)
	if err != nil {
		return 0, err
	}
	if tip < ix.cfg.Confirmations {
		return 0, nil
	}
	confirmedTip := tip - ix.cfg.Confirmations
	if confirmedTip <= last {
		return 0, nil
	}
	return confirmedTip - last, nil
}
