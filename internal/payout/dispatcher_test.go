package payout

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nutcas3/crashd/internal/chainclient"
	"github.com/nutcas3/crashd/internal/domain"
	"github.com/nutcas3/crashd/internal/hub"
	"github.com/nutcas3/crashd/internal/money"
)

type fakeLedger struct {
	withdrawn map[string]money.Wei
	fail      bool
}

func (f *fakeLedger) Withdraw(ctx context.Context, userID string, amount money.Wei, clientID string) error {
	if f.fail {
		return domain.ErrInsufficientFunds
	}
	if f.withdrawn == nil {
		f.withdrawn = make(map[string]money.Wei)
	}
	f.withdrawn[userID] = amount
	return nil
}

func (f *fakeLedger) Adjustment(ctx context.Context, userID string, signedAmount money.Wei, reason string) error {
	return nil
}

func TestWithdraw_DebitsLedgerThenSubmits(t *testing.T) {
	chain := chainclient.NewFake(1)
	fl := &fakeLedger{}
	h := hub.New(5*time.Minute, nil, zerolog.Nop())
	d := New(chain, fl, h, zerolog.Nop())

	if err := d.Withdraw(context.Background(), "alice", "0xdest", money.FromInt64(500), "w1"); err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	if fl.withdrawn["alice"].Cmp(money.FromInt64(500)) != 0 {
		t.Fatal("expected ledger debit to be recorded")
	}
	if len(chain.Sent) != 1 {
		t.Fatalf("expected 1 on-chain submission, got %d", len(chain.Sent))
	}
}

func TestWithdraw_InsufficientFundsNeverSubmits(t *testing.T) {
	chain := chainclient.NewFake(1)
	fl := &fakeLedger{fail: true}
	h := hub.New(5*time.Minute, nil, zerolog.Nop())
	d := New(chain, fl, h, zerolog.Nop())

	err := d.Withdraw(context.Background(), "bob", "0xdest", money.FromInt64(500), "w1")
	if err == nil {
		t.Fatal("expected withdraw to fail")
	}
	if len(chain.Sent) != 0 {
		t.Fatal("expected no on-chain submission when the ledger debit fails")
	}
}

func TestWithdraw_SubmissionFailurePublishesPayoutFailed(t *testing.T) {
	chain := chainclient.NewFake(1)
	chain.FailNextSend()
	fl := &fakeLedger{}
	h := hub.New(5*time.Minute, nil, zerolog.Nop())
	d := New(chain, fl, h, zerolog.Nop())

	s := &hub.Session{ID: "watcher", Outbound: make(chan hub.Event, 10)}
	h.Register(s)

	if err := d.Withdraw(context.Background(), "carol", "0xdest", money.FromInt64(100), "w1"); err == nil {
		t.Fatal("expected submission error to propagate")
	}

	select {
	case e := <-s.Outbound:
		if e.Type != hub.EventPayoutFailed {
			t.Fatalf("expected payout_failed event, got %v", e.Type)
		}
	default:
		t.Fatal("expected a payout_failed event to be published")
	}
}
