package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/agentpay/agentpay/internal/payments"
)

// RegisterPaymentRoutes wires payment endpoints. Submission carries the
// per-agent rate limit; the review queue is an operator surface.
func RegisterPaymentRoutes(r fiber.Router, h *payments.Handler, rateLimit fiber.Handler) {
	r.Post("/payments", rateLimit, h.Submit)
	r.Get("/payments/:transactionId", h.Status)
	r.Get("/payments/review/queue", h.ReviewQueue)
	r.Post("/payments/:transactionId/review/approve", h.ApproveReview)
	r.Post("/payments/:transactionId/review/reject", h.RejectReview)
}
