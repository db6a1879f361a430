package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/agentpay/agentpay/internal/escrow"
)

// RegisterEscrowRoutes wires escrow endpoints, usable outside a payment flow.
func RegisterEscrowRoutes(r fiber.Router, h *escrow.Handler) {
	r.Post("/escrows", h.Create)
	r.Get("/escrows/:escrowId", h.Get)
	r.Post("/escrows/:escrowId/fund", h.Fund)
	r.Post("/escrows/:escrowId/release", h.Release)
	r.Post("/escrows/:escrowId/dispute", h.RaiseDispute)
	r.Post("/escrows/:escrowId/resolve", h.Resolve)
}
