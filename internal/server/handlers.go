package server

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"skycrash/internal/game"
	"skycrash/internal/wallet"
)

type placeBetRequest struct {
	UserID      string  `json:"user_id"`
	Amount      float64 `json:"amount"`
	BetType     string  `json:"bet_type"`
	AutoCashout float64 `json:"auto_cashout_multiplier"`
}

type cashoutRequest struct {
	UserID string `json:"user_id"`
	BetRef string `json:"bet_ref"`
}

// errorJSON shapes an engine error for the wire: kind, code, message.
// Internal bet ids never appear here, only refs.
func errorJSON(c *fiber.Ctx, err error) error {
	var engineErr *game.Error
	if errors.As(err, &engineErr) {
		status := fiber.StatusBadRequest
		switch engineErr.Kind {
		case game.KindAuthorization:
			status = fiber.StatusForbidden
		case game.KindContention:
			status = fiber.StatusConflict
		case game.KindExternal, game.KindFatal:
			status = fiber.StatusServiceUnavailable
		}
		return c.Status(status).JSON(fiber.Map{
			"error": fiber.Map{
				"kind":    engineErr.Kind.String(),
				"code":    engineErr.Code,
				"message": engineErr.Message,
			},
		})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": fiber.Map{"code": "INTERNAL", "message": "internal error"},
	})
}

func (s *FiberServer) getGameStateHandler(c *fiber.Ctx) error {
	snap := s.sched.Snapshot()
	if snap.RoundID == "" {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "No active game round",
		})
	}
	return c.JSON(snap)
}

func (s *FiberServer) placeBetHandler(c *fiber.Ctx) error {
	var req placeBetRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.UserID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "User ID is required",
		})
	}

	betType := game.BetManual
	if req.BetType == string(game.BetAuto) {
		betType = game.BetAuto
	}

	result, err := s.bets.Place(c.Context(), req.UserID, req.Amount, betType, req.AutoCashout)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(result)
}

func (s *FiberServer) cashoutHandler(c *fiber.Ctx) error {
	var req cashoutRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.UserID == "" || req.BetRef == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "User ID and bet ref are required",
		})
	}

	result, err := s.bets.Cashout(c.Context(), req.UserID, req.BetRef)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(result)
}

func (s *FiberServer) getHistoryHandler(c *fiber.Ctx) error {
	crashes, err := s.history.RecentCrashes(c.Context(), s.cfg.CrashHistorySize)
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "History unavailable",
		})
	}
	return c.JSON(fiber.Map{"crash_points": crashes})
}

// verifyRoundHandler returns the reveal record for a recent round together
// with a server-side check, so clients can both re-verify locally and see
// what the engine derives.
func (s *FiberServer) verifyRoundHandler(c *fiber.Ctx) error {
	roundID := c.Params("roundId")
	record, err := s.history.Reveal(c.Context(), roundID)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Round not found or outside the replay window",
			})
		}
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Verification unavailable",
		})
	}
	return c.JSON(fiber.Map{
		"round":    record,
		"verified": game.VerifyRound(record.Seed, record.Commitment, record.CrashPoint, s.cfg.MultiplierCeiling),
	})
}

func (s *FiberServer) getUserBalanceHandler(c *fiber.Ctx) error {
	userID := c.Params("userId")
	if userID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "User ID is required",
		})
	}

	balance, err := s.wallet.Balance(c.Context(), userID)
	if err != nil {
		if errors.Is(err, wallet.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Wallet not found",
			})
		}
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Wallet unavailable",
		})
	}

	return c.JSON(fiber.Map{
		"user_id": userID,
		"balance": balance,
	})
}
