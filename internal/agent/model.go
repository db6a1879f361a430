package agent

import "time"

// Agent statuses. Suspended agents fail the verification gate's status check.
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
)

// Agent is a registered autonomous identity in the directory. Agents are
// addressed by DID and authenticate with an API key held as a bcrypt hash.
type Agent struct {
	ID         string
	DID        string
	Name       string
	Status     string
	APIKeyHash []byte
	PublicKey  []byte // ed25519 verify key for payment signatures
	CreatedAt  time.Time
}

// Registration captures the data an agent supplies when joining.
type Registration struct {
	DID       string
	Name      string
	APIKey    string
	PublicKey []byte
}
