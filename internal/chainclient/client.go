// Package chainclient defines the one-directional boundary between crashd
// and the underlying chain: the indexer reads through it and the payout
// dispatcher writes through it; cmd/server and internal/server only import
// it to build and pass a Client along.
package chainclient

import (
	"context"

	"github.com/nutcas3/crashd/internal/money"
)

// Transfer is one inbound ERC20/native transfer observed on-chain.
type Transfer struct {
	TxHash      string
	LogIndex    int64
	BlockNumber uint64
	From        string
	To          string
	Amount      money.Wei
}

// NonceStrategy picks the transaction nonce for an outbound payout; the
// concrete chain client decides whether that means "next account nonce" or
// a gap-filling replacement, not this package.
type NonceStrategy int

const (
	// NonceSequential uses the account's next pending nonce.
	NonceSequential NonceStrategy = iota
)

// Client is the minimal surface crashd needs from a chain integration:
// read the tip, scan for inbound transfers, and submit an outbound payout.
// Implementations live outside this package (or as the Fake below for
// tests); crashd's core never imports a specific chain SDK directly.
type Client interface {
	LatestBlock(ctx context.Context) (uint64, error)
	ScanTransfers(ctx context.Context, to string, fromBlock, toBlock uint64) ([]Transfer, error)
	SendTransfer(ctx context.Context, to string, amount money.Wei, nonce NonceStrategy) (txHash string, err error)
}
