package server

import (
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/nutcas3/crashd/internal/domain"
	"github.com/nutcas3/crashd/internal/fairness"
	"github.com/nutcas3/crashd/internal/hub"
	"github.com/nutcas3/crashd/internal/money"
	"github.com/nutcas3/crashd/internal/round"
)

// addressPattern matches a 0x-prefixed 40-hex-char EVM address.
var addressPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

const maxClientIDLen = 128

type placeBetRequest struct {
	UserID      string `json:"user_id"`
	StakeWei    string `json:"stake_wei"`
	AutoCashout string `json:"auto_cashout,omitempty"`
	ClientID    string `json:"client_id"`
}

func (s *Server) placeBetHandler(c *fiber.Ctx) error {
	var req placeBetRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errBody(domain.NewInvalidInput("body")))
	}
	if req.UserID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(errBody(domain.NewInvalidInput("user_id")))
	}
	if len(req.ClientID) == 0 || len(req.ClientID) > maxClientIDLen {
		return c.Status(fiber.StatusBadRequest).JSON(errBody(domain.NewInvalidInput("client_id")))
	}
	var stake money.Wei
	err := stake.Scan(req.StakeWei)
	if err != nil || stake.IsNegative() || stake.IsZero() {
		return c.Status(fiber.StatusBadRequest).JSON(errBody(domain.NewInvalidInput("stake_wei")))
	}

	var autoCashoutPPM uint64
	if req.AutoCashout != "" {
		mult, err := strconv.ParseFloat(req.AutoCashout, 64)
		if err != nil || mult < 1.01 || mult > s.roundCfg.MaxCrash {
			return c.Status(fiber.StatusBadRequest).JSON(errBody(domain.NewInvalidInput("auto_cashout")))
		}
		autoCashoutPPM = fairness.PPM(mult)
	}

	if !s.limiters.allow(req.UserID) {
		return c.Status(fiber.StatusTooManyRequests).JSON(errBody(domain.ErrCooldownActive))
	}

	ctx, cancel := context.WithTimeout(c.Context(), s.cfg.RequestTimeout)
	defer cancel()

	resp, err := s.engine.PlaceBet(ctx, round.BetRequest{
		UserID:         req.UserID,
		Stake:          stake,
		AutoCashoutPPM: autoCashoutPPM,
		ClientID:       req.ClientID,
	})
	if err != nil {
		return c.Status(fiber.StatusGatewayTimeout).JSON(errBody(err))
	}
	if !resp.Accepted {
		return c.Status(statusForErr(resp.Err)).JSON(errBody(resp.Err))
	}
	return c.JSON(fiber.Map{"accepted": true, "round_id": resp.RoundID, "state": resp.State})
}

type cashoutRequest struct {
	UserID   string `json:"user_id"`
	ClientID string `json:"client_id"`
}

func (s *Server) cashoutHandler(c *fiber.Ctx) error {
	var req cashoutRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errBody(domain.NewInvalidInput("body")))
	}
	if req.UserID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(errBody(domain.NewInvalidInput("user_id")))
	}

	ctx, cancel := context.WithTimeout(c.Context(), s.cfg.RequestTimeout)
	defer cancel()

	resp, err := s.engine.Cashout(ctx, round.CashoutRequest{UserID: req.UserID, ClientID: req.ClientID})
	if err != nil {
		return c.Status(fiber.StatusGatewayTimeout).JSON(errBody(err))
	}
	if !resp.Accepted {
		return c.Status(statusForErr(resp.Err)).JSON(errBody(resp.Err))
	}
	return c.JSON(fiber.Map{
		"accepted":   true,
		"multiplier": resp.Multiplier,
		"payout_wei": resp.Payout.String(),
	})
}

func (s *Server) getStateHandler(c *fiber.Ctx) error {
	// The round engine is the single source of truth for live state; the
	// HTTP surface reflects it passively. Clients that need continuous
	// updates should use /ws rather than polling this endpoint.
	ctx, cancel := context.WithTimeout(c.Context(), s.cfg.RequestTimeout)
	defer cancel()
	snap, err := s.engine.GetState(ctx)
	if err != nil {
		return c.Status(fiber.StatusGatewayTimeout).JSON(errBody(err))
	}

	liveBets := make([]fiber.Map, 0, len(snap.LiveBets))
	for _, b := range snap.LiveBets {
		liveBets = append(liveBets, fiber.Map{
			"user_id":          b.UserID,
			"stake_wei":        b.Stake.String(),
			"auto_cashout_ppm": b.AutoCashoutPPM,
			"cashed_out":       b.CashedOut,
		})
	}

	return c.JSON(fiber.Map{
		"phase":              snap.Phase,
		"round_id":           snap.RoundID,
		"commit_hash":        snap.CommitHash,
		"time_remaining_ms":  snap.TimeRemaining.Milliseconds(),
		"crash_history":      snap.CrashHistory,
		"live_bets":          liveBets,
		"connected_sessions": s.h.SessionCount(),
	})
}

func (s *Server) verifyRoundHandler(c *fiber.Ctx) error {
	serverSeed := c.Query("server_seed")
	commitHash := c.Params("commitHash")
	clientSeed := c.Query("client_seed")
	nonceStr := c.Query("nonce")
	expectedStr := c.Query("crash_point")

	nonce, err := strconv.ParseUint(nonceStr, 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errBody(domain.NewInvalidInput("nonce")))
	}
	expected, err := strconv.ParseFloat(expectedStr, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errBody(domain.NewInvalidInput("crash_point")))
	}

	result := fairness.Verify(fairness.Seed(serverSeed), commitHash, clientSeed, nonce, expected, s.roundCfg.HouseEdgeDivisor, s.roundCfg.MaxCrash)
	return c.JSON(fiber.Map{"valid": result.Valid, "computed_crash": result.ComputedCrash})
}

type withdrawRequest struct {
	UserID      string `json:"user_id"`
	DestAddress string `json:"dest_address"`
	AmountWei   string `json:"amount_wei"`
	ClientID    string `json:"client_id"`
}

func (s *Server) withdrawHandler(c *fiber.Ctx) error {
	var req withdrawRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errBody(domain.NewInvalidInput("body")))
	}
	if !addressPattern.MatchString(req.DestAddress) {
		return c.Status(fiber.StatusBadRequest).JSON(errBody(domain.NewInvalidInput("dest_address")))
	}
	var amount money.Wei
	err := amount.Scan(req.AmountWei)
	if err != nil || amount.IsZero() || amount.IsNegative() {
		return c.Status(fiber.StatusBadRequest).JSON(errBody(domain.NewInvalidInput("amount_wei")))
	}
	if len(req.ClientID) == 0 || len(req.ClientID) > maxClientIDLen {
		return c.Status(fiber.StatusBadRequest).JSON(errBody(domain.NewInvalidInput("client_id")))
	}

	ctx, cancel := context.WithTimeout(c.Context(), s.cfg.RequestTimeout)
	defer cancel()
	if err := s.dispatch.Withdraw(ctx, req.UserID, req.DestAddress, amount, req.ClientID); err != nil {
		return c.Status(statusForErr(err)).JSON(errBody(err))
	}
	return c.JSON(fiber.Map{"submitted": true})
}

func (s *Server) getAccountHandler(c *fiber.Ctx) error {
	userID := c.Params("userId")
	ctx, cancel := context.WithTimeout(c.Context(), s.cfg.RequestTimeout)
	defer cancel()
	acc, err := s.ledger.GetAccount(ctx, userID)
	if err != nil {
		return c.Status(statusForErr(err)).JSON(errBody(err))
	}
	return c.JSON(fiber.Map{
		"user_id":   acc.UserID,
		"available": acc.Available.String(),
		"locked":    acc.Locked.String(),
		"version":   acc.Version,
	})
}

func (s *Server) adminSolvencyHandler(c *fiber.Ctx) error {
	if s.checker == nil {
		return c.SendStatus(fiber.StatusServiceUnavailable)
	}
	return c.JSON(s.checker.SolvencySnapshot())
}

// streamHandler upgrades to a websocket and registers a hub session for the
// connection's lifetime. Clients may send a single JSON message
// {"resume_after": <id>} at any point to replay missed events instead of
// starting cold.
func (s *Server) streamHandler(conn *websocket.Conn) {
	userID := conn.Query("user_id")
	if userID == "" {
		userID = uuid.New().String()
	}
	session := &hub.Session{ID: userID, Outbound: make(chan hub.Event, 256)}
	s.h.Register(session)
	defer s.h.Unregister(session)

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	go func() {
		for e := range session.Outbound {
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var resumeReq struct {
			ResumeAfter uint64 `json:"resume_after"`
		}
		if json.Unmarshal(msg, &resumeReq) == nil {
			s.h.Resume(session, resumeReq.ResumeAfter)
		}
	}
}

func errBody(err error) fiber.Map {
	if err == nil {
		return fiber.Map{"error": "unknown"}
	}
	return fiber.Map{"error": domain.Kind(err), "message": err.Error()}
}

func statusForErr(err error) int {
	if domain.IsRuleRejection(err) {
		return fiber.StatusConflict
	}
	if domain.IsInfraError(err) {
		return fiber.StatusServiceUnavailable
	}
	return fiber.StatusBadRequest
}
