package server

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
)

func (s *Server) registerRoutes() {
	s.App.Use(cors.New(cors.Config{
		AllowOrigins:     "*",
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Accept,Authorization,Content-Type",
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.App.Get("/health", s.healthHandler)

	api := s.App.Group("/api/v1")
	api.Get("/state", s.getStateHandler)
	api.Post("/bet", s.placeBetHandler)
	api.Post("/cashout", s.cashoutHandler)
	api.Get("/verify/:commitHash", s.verifyRoundHandler)
	api.Post("/withdraw", s.withdrawHandler)
	api.Get("/account/:userId", s.getAccountHandler)

	admin := s.App.Group("/admin")
	admin.Get("/solvency", s.adminSolvencyHandler)

	s.App.Get("/ws", websocket.New(s.streamHandler))
}

func (s *Server) healthHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":            "ok",
		"connected_clients": s.h.SessionCount(),
	})
}
