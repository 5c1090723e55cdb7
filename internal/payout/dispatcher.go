// Package payout dispatches player withdrawals to the chain. It depends on
// internal/chainclient.Client one-directionally and never calls back into
// the round engine; success or failure is published onto the hub, where
// the server's websocket sessions receive it.
package payout

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/nutcas3/crashd/internal/chainclient"
	"github.com/nutcas3/crashd/internal/hub"
	"github.com/nutcas3/crashd/internal/money"
)

// Ledger is the slice of ledger.Store the dispatcher needs.
type Ledger interface {
	Withdraw(ctx context.Context, userID string, amount money.Wei, clientID string) error
	Adjustment(ctx context.Context, userID string, signedAmount money.Wei, reason string) error
}

// Dispatcher submits withdrawals to the chain after debiting the ledger.
type Dispatcher struct {
	chain chainclient.Client
	store Ledger
	h     *hub.Hub
	log   zerolog.Logger
}

// New builds a Dispatcher.
func New(chain chainclient.Client, store Ledger, h *hub.Hub, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{chain: chain, store: store, h: h, log: log.With().Str("component", "payout").Logger()}
}

// Withdraw debits the player's available balance, then submits the transfer
// on-chain. The ledger debit happens first and is not reversed on a chain
// submission failure: crashd records the debit as a liability owed rather
// than re-crediting automatically, since an apparently-failed submission
// may still land on-chain (the chain client's own idempotency, not this
// package's, is the source of truth for whether the transfer actually
// happened). An operator reconciles any genuinely failed submission via
// Adjustment.
func (d *Dispatcher) Withdraw(ctx context.Context, userID, destAddress string, amount money.Wei, clientID string) error {
	if err := d.store.Withdraw(ctx, userID, amount, clientID); err != nil {
		return fmt.Errorf("payout: ledger debit failed: %w", err)
	}

	txHash, err := d.chain.SendTransfer(ctx, destAddress, amount, chainclient.NonceSequential)
	if err != nil {
		d.log.Error().Err(err).Str("user_id", userID).Msg("payout: submission failed")
		d.h.Publish(hub.EventPayoutFailed, map[string]any{
			"user_id": userID,
			"amount":  amount.String(),
			"error":   err.Error(),
		})
		return fmt.Errorf("payout: submission failed: %w", err)
	}

	d.h.Publish(hub.EventPayoutOK, map[string]any{
		"user_id": userID,
		"amount":  amount.String(),
		"tx_hash": txHash,
	})
	return nil
}
