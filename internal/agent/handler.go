package agent

import (
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
)

// Handler exposes agent directory endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs an agent directory HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type registerRequest struct {
	DID       string `json:"did"`
	Name      string `json:"name"`
	APIKey    string `json:"api_key"`
	PublicKey string `json:"public_key"` // base64 ed25519 verify key
}

type agentResponse struct {
	AgentID string `json:"agent_id"`
	DID     string `json:"did"`
	Name    string `json:"name"`
	Status  string `json:"status"`
}

// Register onboards a new agent.
func (h *Handler) Register(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	var pub []byte
	if req.PublicKey != "" {
		decoded, err := base64.StdEncoding.DecodeString(req.PublicKey)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "public_key must be base64")
		}
		pub = decoded
	}

	a, err := h.service.Register(c.UserContext(), Registration{
		DID:       req.DID,
		Name:      req.Name,
		APIKey:    req.APIKey,
		PublicKey: pub,
	})
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	return c.Status(http.StatusCreated).JSON(agentResponse{AgentID: a.ID, DID: a.DID, Name: a.Name, Status: a.Status})
}

// Suspend marks an agent suspended.
func (h *Handler) Suspend(c *fiber.Ctx) error {
	if err := h.service.Suspend(c.UserContext(), c.Params("agentId")); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fiber.NewError(http.StatusNotFound, "agent not found")
		}
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.SendStatus(http.StatusNoContent)
}

// Activate restores a suspended agent.
func (h *Handler) Activate(c *fiber.Ctx) error {
	if err := h.service.Activate(c.UserContext(), c.Params("agentId")); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fiber.NewError(http.StatusNotFound, "agent not found")
		}
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.SendStatus(http.StatusNoContent)
}
