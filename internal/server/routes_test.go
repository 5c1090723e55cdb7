package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nutcas3/crashd/internal/chainclient"
	"github.com/nutcas3/crashd/internal/config"
	"github.com/nutcas3/crashd/internal/domain"
	"github.com/nutcas3/crashd/internal/hub"
	"github.com/nutcas3/crashd/internal/money"
	"github.com/nutcas3/crashd/internal/round"
	"github.com/nutcas3/crashd/internal/solvency"
)

type fakeAccountReader struct{}

func (fakeAccountReader) GetAccount(ctx context.Context, userID string) (domain.Account, error) {
	return domain.Account{UserID: userID, Available: money.FromInt64(1000), Locked: money.Zero, Version: 1}, nil
}

type noopLedger struct{}

func (noopLedger) LockBet(ctx context.Context, userID string, stake money.Wei, roundID uint64, clientID string) error {
	return nil
}
func (noopLedger) SettleWin(ctx context.Context, userID string, stake, payout money.Wei, roundID uint64) error {
	return nil
}
func (noopLedger) SettleLose(ctx context.Context, userID string, stake money.Wei, roundID uint64) error {
	return nil
}

func testServer(t *testing.T) *Server {
	t.Helper()
	log := zerolog.Nop()
	h := hub.New(5*time.Minute, func() hub.Event { return hub.Event{Type: hub.EventSnapshot} }, log)
	gate := solvency.New(solvency.Config{MaxLiabilityRatio: 0.8, EmergencyThreshold: 0.95, MinReserve: money.Zero}, log)
	gate.SetHotWalletBalance(money.FromInt64(1_000_000))
	roundCfg := config.RoundConfig{
		BettingDuration: 50 * time.Millisecond, CashoutDuration: 10 * time.Millisecond,
		MaxCrash: 100, HouseEdgeDivisor: 33, MinBetWei: 1, MaxBetWei: 1_000_000_000, BetCooldown: time.Millisecond,
		MaxBetsPerRound: 10, CashoutBuffer: 24 * time.Millisecond,
	}
	engine := round.New(roundCfg, noopLedger{}, gate, h, log)
	chain := chainclient.NewFake(0)
	srvCfg := config.ServerConfig{Port: "0", ReadTimeout: time.Second, WriteTimeout: time.Second, RequestTimeout: time.Second}
	return New(srvCfg, roundCfg, engine, h, fakeAccountReader{}, nil, chain, log)
}

func TestHealthHandler_ReportsOK(t *testing.T) {
	s := testServer(t)

	req, err := http.NewRequest("GET", "/health", nil)
	if err != nil {
		t.Fatalf("could not create request: %v", err)
	}
	resp, err := s.App.Test(req)
	if err != nil {
		t.Fatalf("could not perform request: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status OK; got %v", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("could not read response body: %v", err)
	}
	var result map[string]any
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("could not unmarshal response: %v", err)
	}
	if result["status"] != "ok" {
		t.Errorf("expected status to be 'ok'; got %v", result["status"])
	}
}

func TestAdminSolvencyHandler_ServiceUnavailableWithoutChecker(t *testing.T) {
	s := testServer(t)

	req, _ := http.NewRequest("GET", "/admin/solvency", nil)
	resp, err := s.App.Test(req)
	if err != nil {
		t.Fatalf("could not perform request: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before a health checker is wired; got %v", resp.Status)
	}
}

func TestGetAccountHandler_ReturnsBalance(t *testing.T) {
	s := testServer(t)

	req, _ := http.NewRequest("GET", "/api/v1/account/player-1", nil)
	resp, err := s.App.Test(req)
	if err != nil {
		t.Fatalf("could not perform request: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200; got %v", resp.Status)
	}
	var result map[string]any
	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("could not unmarshal response: %v", err)
	}
	if result["user_id"] != "player-1" {
		t.Errorf("user_id = %v, want player-1", result["user_id"])
	}
}
