package payments

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/agentpay/agentpay/internal/ledger"
	"github.com/agentpay/agentpay/internal/saga"
)

// Handler exposes payment HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler builds a payments HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Submit executes a payment saga and returns its outcome. A parked review
// returns 202, pre-mutation rejections 4xx, and a failed compensation 500
// with the saga status for the operator.
func (h *Handler) Submit(c *fiber.Ctx) error {
	var req SubmitRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	res, err := h.service.Submit(c.UserContext(), req)
	if err != nil {
		switch {
		case errors.Is(err, saga.ErrReviewRequired):
			return c.Status(http.StatusAccepted).JSON(toResponse(res))
		case errors.Is(err, saga.ErrValidation):
			return fiber.NewError(http.StatusBadRequest, err.Error())
		case errors.Is(err, saga.ErrVerificationRejected):
			return c.Status(http.StatusForbidden).JSON(toResponse(res))
		case errors.Is(err, ledger.ErrInsufficientFunds):
			return fiber.NewError(http.StatusUnprocessableEntity, "insufficient funds")
		default:
			return c.Status(http.StatusInternalServerError).JSON(toResponse(res))
		}
	}
	return c.Status(http.StatusOK).JSON(toResponse(res))
}

// Status returns the recorded outcome of a transaction.
func (h *Handler) Status(c *fiber.Ctx) error {
	res, err := h.service.Status(c.UserContext(), c.Params("transactionId"))
	if err != nil {
		if errors.Is(err, saga.ErrNotFound) {
			return fiber.NewError(http.StatusNotFound, "transaction not found")
		}
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.Status(http.StatusOK).JSON(toResponse(res))
}

// ReviewQueue lists payments parked for manual review.
func (h *Handler) ReviewQueue(c *fiber.Ctx) error {
	queue, err := h.service.ReviewQueue(c.UserContext())
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	items := make([]fiber.Map, 0, len(queue))
	for _, sg := range queue {
		items = append(items, fiber.Map{
			"transaction_id": sg.ID,
			"from_agent_id":  sg.Request.FromAgentID,
			"to_agent_id":    sg.Request.ToAgentID,
			"amount":         sg.Request.Amount,
			"currency":       sg.Request.Currency,
			"risk_score":     sg.RiskScore,
			"created_at":     sg.CreatedAt,
		})
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"items": items})
}

type reviewActionRequest struct {
	Reason string `json:"reason"`
}

// ApproveReview resumes a parked payment from the transfer step.
func (h *Handler) ApproveReview(c *fiber.Ctx) error {
	res, err := h.service.ApproveReview(c.UserContext(), c.Params("transactionId"))
	if err != nil && !errors.Is(err, saga.ErrReviewRequired) {
		switch {
		case errors.Is(err, saga.ErrNotFound):
			return fiber.NewError(http.StatusNotFound, "transaction not found")
		case errors.Is(err, saga.ErrNotResumable):
			return fiber.NewError(http.StatusConflict, err.Error())
		default:
			return c.Status(http.StatusInternalServerError).JSON(toResponse(res))
		}
	}
	return c.Status(http.StatusOK).JSON(toResponse(res))
}

// RejectReview closes a parked payment as rejected.
func (h *Handler) RejectReview(c *fiber.Ctx) error {
	var req reviewActionRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	res, err := h.service.RejectReview(c.UserContext(), c.Params("transactionId"), req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, saga.ErrNotFound):
			return fiber.NewError(http.StatusNotFound, "transaction not found")
		case errors.Is(err, saga.ErrNotResumable):
			return fiber.NewError(http.StatusConflict, err.Error())
		case errors.Is(err, saga.ErrVerificationRejected):
			// The expected outcome of the action itself.
		default:
			return fiber.NewError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.Status(http.StatusOK).JSON(toResponse(res))
}

func toResponse(res saga.Result) SubmitResponse {
	out := SubmitResponse{
		TransactionID: res.TransactionID,
		Status:        res.Status,
		Fee:           res.Fee,
		EscrowID:      res.EscrowID,
		RiskScore:     res.RiskScore,
		ErrorMessage:  res.ErrorMessage,
	}
	if !res.CompletedAt.IsZero() {
		out.CompletedAt = timePtr(res.CompletedAt)
	}
	if !res.FailedAt.IsZero() {
		out.FailedAt = timePtr(res.FailedAt)
	}
	return out
}

func timePtr(t time.Time) *time.Time { return &t }
