package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/agentpay/agentpay/internal/agent"
)

// RegisterAgentRoutes wires agent directory endpoints.
func RegisterAgentRoutes(r fiber.Router, h *agent.Handler) {
	r.Post("/agents", h.Register)
	r.Post("/agents/:agentId/suspend", h.Suspend)
	r.Post("/agents/:agentId/activate", h.Activate)
}
