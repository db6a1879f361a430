package middleware

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/agentpay/agentpay/internal/agent"
)

// Header names for agent credentials.
const (
	AgentDIDHeader = "X-Agent-DID"
	APIKeyHeader   = "X-API-Key"
)

// AgentAuth authenticates the calling agent by DID and API key and stores the
// agent id in request locals.
func AgentAuth(agents *agent.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		did := strings.TrimSpace(c.Get(AgentDIDHeader))
		apiKey := strings.TrimSpace(c.Get(APIKeyHeader))
		if did == "" || apiKey == "" {
			return fiber.NewError(http.StatusUnauthorized, "missing agent credentials")
		}

		a, err := agents.Authenticate(c.UserContext(), did, apiKey)
		if err != nil {
			return fiber.NewError(http.StatusUnauthorized, "invalid agent credentials")
		}
		if a.Status != agent.StatusActive {
			return fiber.NewError(http.StatusForbidden, "agent suspended")
		}

		c.Locals("agent_id", a.ID)
		return c.Next()
	}
}
