// Package tokenminter defines the port for minting media-server access
// tokens handed to agent workloads.
package tokenminter

import (
	"context"

	"github.com/Strob0t/agentplane/internal/domain/agent"
)

// Grant describes the identity and permissions a token carries.
type Grant struct {
	AgentID     string
	DisplayName string
	Room        *string
	Metadata    *string
	Permissions agent.Permissions
}

// Credentials are the connection settings an agent needs besides its token.
type Credentials struct {
	URL       string
	APIKey    string
	APISecret string
}

// Minter signs agent tokens.
type Minter interface {
	Mint(ctx context.Context, g Grant) (string, error)
	// Credentials returns the media-server settings injected into the agent
	// environment alongside the token.
	Credentials() (Credentials, error)
}
