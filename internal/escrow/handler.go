package escrow

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/agentpay/agentpay/internal/ledger"
)

// Handler exposes escrow HTTP endpoints for operating escrows directly,
// outside a payment flow.
type Handler struct {
	service *Service
}

// NewHandler builds an escrow HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type createEscrowRequest struct {
	TransactionID    string      `json:"transaction_id"`
	SenderAgentID    string      `json:"sender_agent_id"`
	ReceiverAgentID  string      `json:"receiver_agent_id"`
	SenderWalletID   string      `json:"sender_wallet_id"`
	ReceiverWalletID string      `json:"receiver_wallet_id"`
	Amount           int64       `json:"amount"`
	Currency         string      `json:"currency"`
	Conditions       []Condition `json:"conditions"`
	ExpiresAt        *time.Time  `json:"expires_at"`
}

type fundRequest struct {
	Amount int64 `json:"amount"`
}

type releaseRequest struct {
	By     string `json:"by"`
	Reason string `json:"reason"`
}

type disputeRequest struct {
	By       string   `json:"by"`
	Reason   string   `json:"reason"`
	Evidence []string `json:"evidence"`
}

type resolveRequest struct {
	By         string     `json:"by"`
	Resolution string     `json:"resolution"`
	Allocation Allocation `json:"allocation"`
}

type escrowResponse struct {
	ID             string      `json:"id"`
	TransactionID  string      `json:"transaction_id"`
	Amount         int64       `json:"amount"`
	Currency       string      `json:"currency"`
	FundedAmount   int64       `json:"funded_amount"`
	ReleasedAmount int64       `json:"released_amount"`
	RefundedAmount int64       `json:"refunded_amount"`
	Conditions     []Condition `json:"conditions,omitempty"`
	Status         string      `json:"status"`
	ExpiresAt      *time.Time  `json:"expires_at,omitempty"`
}

func toResponse(e Escrow) escrowResponse {
	resp := escrowResponse{
		ID:             e.ID,
		TransactionID:  e.TransactionID,
		Amount:         e.Amount,
		Currency:       e.Currency,
		FundedAmount:   e.FundedAmount,
		ReleasedAmount: e.ReleasedAmount,
		RefundedAmount: e.RefundedAmount,
		Conditions:     e.Conditions,
		Status:         e.Status,
	}
	if !e.ExpiresAt.IsZero() {
		expires := e.ExpiresAt
		resp.ExpiresAt = &expires
	}
	return resp
}

// Create opens a new escrow in created state.
func (h *Handler) Create(c *fiber.Ctx) error {
	var req createEscrowRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	input := CreateInput{
		TransactionID:    req.TransactionID,
		SenderAgentID:    req.SenderAgentID,
		ReceiverAgentID:  req.ReceiverAgentID,
		SenderWalletID:   req.SenderWalletID,
		ReceiverWalletID: req.ReceiverWalletID,
		Amount:           req.Amount,
		Currency:         req.Currency,
		Conditions:       req.Conditions,
	}
	if req.ExpiresAt != nil {
		input.ExpiresAt = req.ExpiresAt.UTC()
	}
	e, err := h.service.Create(c.UserContext(), input)
	if err != nil {
		if errors.Is(err, ErrNotEligible) {
			return fiber.NewError(http.StatusForbidden, err.Error())
		}
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	return c.Status(http.StatusCreated).JSON(toResponse(e))
}

// Get returns the escrow's current state.
func (h *Handler) Get(c *fiber.Ctx) error {
	e, err := h.service.Get(c.UserContext(), c.Params("escrowId"))
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusOK).JSON(toResponse(e))
}

// Fund deposits into the escrow by holding funds on the sender wallet. The
// operation key defaults to a fresh UUID when the client does not supply an
// Idempotency-Key header.
func (h *Handler) Fund(c *fiber.Ctx) error {
	var req fundRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	opKey := c.Get("Idempotency-Key")
	if opKey == "" {
		opKey = uuid.NewString()
	}
	e, err := h.service.Deposit(c.UserContext(), c.Params("escrowId"), req.Amount, "escrow_fund:"+opKey)
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusOK).JSON(toResponse(e))
}

// Release pays the remaining funded balance to the receiver.
func (h *Handler) Release(c *fiber.Ctx) error {
	var req releaseRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	escrowID := c.Params("escrowId")
	e, err := h.service.Release(c.UserContext(), escrowID, req.By, req.Reason, "escrow_release:"+escrowID)
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusOK).JSON(toResponse(e))
}

// RaiseDispute challenges a funded escrow.
func (h *Handler) RaiseDispute(c *fiber.Ctx) error {
	var req disputeRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	d, err := h.service.RaiseDispute(c.UserContext(), c.Params("escrowId"), req.By, req.Reason, req.Evidence)
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"dispute_id": d.ID,
		"escrow_id":  d.EscrowID,
		"method":     d.Method,
		"status":     d.Status,
	})
}

// Resolve settles a disputed escrow.
func (h *Handler) Resolve(c *fiber.Ctx) error {
	var req resolveRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	e, err := h.service.Resolve(c.UserContext(), c.Params("escrowId"), req.By, req.Resolution, req.Allocation)
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusOK).JSON(toResponse(e))
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return fiber.NewError(http.StatusNotFound, "escrow not found")
	case errors.Is(err, ErrInvalidTransition):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidAllocation), errors.Is(err, ErrOverfunded):
		return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return fiber.NewError(http.StatusUnprocessableEntity, "insufficient funds")
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}
