package chainclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/nutcas3/crashd/internal/money"
)

// Fake is an in-memory Client used by indexer and payout tests so they
// never need a real node. Transfers are seeded via QueueTransfer; sent
// payouts are recorded in Sent for assertions.
type Fake struct {
	mu        sync.Mutex
	tip       uint64
	transfers []Transfer
	Sent      []SentTransfer
	failNext  bool
}

// SentTransfer records one call to SendTransfer.
type SentTransfer struct {
	To     string
	Amount money.Wei
	TxHash string
}

// NewFake builds a Fake chain client pinned at the given tip block.
func NewFake(tip uint64) *Fake {
	return &Fake{tip: tip}
}

// QueueTransfer makes t visible to future ScanTransfers calls covering its
// block range.
func (f *Fake) QueueTransfer(t Transfer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers = append(f.transfers, t)
}

// SetTip advances the fake chain's head block.
func (f *Fake) SetTip(block uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tip = block
}

// FailNextSend makes the next SendTransfer call return an error, to test
// the payout dispatcher's failure handling (the dispatcher does not retry).
func (f *Fake) FailNextSend() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = true
}

func (f *Fake) LatestBlock(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tip, nil
}

func (f *Fake) ScanTransfers(ctx context.Context, to string, fromBlock, toBlock uint64) ([]Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Transfer
	for _, t := range f.transfers {
		if t.To == to && t.BlockNumber >= fromBlock && t.BlockNumber <= toBlock {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *Fake) SendTransfer(ctx context.Context, to string, amount money.Wei, nonce NonceStrategy) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return "", fmt.Errorf("chainclient: fake send failure")
	}
	txHash := fmt.Sprintf("0xfake%d", len(f.Sent))
	f.Sent = append(f.Sent, SentTransfer{To: to, Amount: amount, TxHash: txHash})
	return txHash, nil
}
