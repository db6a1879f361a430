package wallet

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/agentpay/agentpay/internal/ledger"
)

// Handler exposes wallet HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler builds a wallet HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type createRequest struct {
	OwnerAgentID string `json:"owner_agent_id"`
	Currency     string `json:"currency"`
}

type walletResponse struct {
	ID           string `json:"id"`
	OwnerAgentID string `json:"owner_agent_id"`
	Currency     string `json:"currency"`
	Status       string `json:"status"`
}

// Create provisions a wallet for an agent.
func (h *Handler) Create(c *fiber.Ctx) error {
	var req createRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	w, err := h.service.Create(c.UserContext(), CreateInput{OwnerAgentID: req.OwnerAgentID, Currency: req.Currency})
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	return c.Status(http.StatusCreated).JSON(walletResponse{
		ID:           w.ID,
		OwnerAgentID: w.OwnerAgentID,
		Currency:     w.Currency,
		Status:       w.Status,
	})
}

// Balance returns the wallet's available/held/total balances.
func (h *Handler) Balance(c *fiber.Ctx) error {
	walletID := c.Params("walletId")
	balance, err := h.service.Balance(c.UserContext(), walletID)
	if err != nil {
		if errors.Is(err, ledger.ErrWalletNotFound) {
			return fiber.NewError(http.StatusNotFound, "wallet not found")
		}
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"wallet_id": walletID,
		"available": balance.Available,
		"held":      balance.Held,
		"total":     balance.Total,
		"timestamp": time.Now().UTC(),
	})
}

// Close disables the wallet; balances and entries are retained.
func (h *Handler) Close(c *fiber.Ctx) error {
	walletID := c.Params("walletId")
	if err := h.service.Close(c.UserContext(), walletID); err != nil {
		if errors.Is(err, ledger.ErrWalletNotFound) {
			return fiber.NewError(http.StatusNotFound, "wallet not found")
		}
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.SendStatus(http.StatusNoContent)
}

// Entries returns the wallet's ledger entry stream.
func (h *Handler) Entries(c *fiber.Ctx) error {
	walletID := c.Params("walletId")
	entries, err := h.service.Entries(c.UserContext(), walletID)
	if err != nil {
		if errors.Is(err, ledger.ErrWalletNotFound) {
			return fiber.NewError(http.StatusNotFound, "wallet not found")
		}
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"wallet_id": walletID, "entries": entries})
}
