// Package livekit mints media-server access tokens for agent workloads.
package livekit

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Strob0t/agentplane/internal/domain"
	"github.com/Strob0t/agentplane/internal/port/tokenminter"
)

// Secret names read from the vault.
const (
	SecretAPIKey    = "LIVEKIT_API_KEY"
	SecretAPISecret = "LIVEKIT_API_SECRET"
)

// DefaultTTL is the lifetime of a minted agent token.
const DefaultTTL = 24 * time.Hour

// SecretSource is the subset of secrets.Vault the minter reads.
type SecretSource interface {
	Get(key string) string
}

// VideoGrant is the room capability block of a token.
type VideoGrant struct {
	RoomJoin   bool   `json:"roomJoin"`
	RoomCreate bool   `json:"roomCreate"`
	RoomAdmin  bool   `json:"roomAdmin"`
	RoomRecord bool   `json:"roomRecord"`
	Room       string `json:"room,omitempty"`
}

// AdminGrant toggles administration of one media-server service.
type AdminGrant struct {
	Admin bool `json:"admin"`
}

// Claims is the payload of an agent token.
type Claims struct {
	jwt.RegisteredClaims
	Name     string     `json:"name"`
	Identity string     `json:"identity"`
	Room     *string    `json:"room,omitempty"`
	Metadata *string    `json:"metadata,omitempty"`
	Video    VideoGrant `json:"video"`
	Ingress  AdminGrant `json:"ingress"`
	Egress   AdminGrant `json:"egress"`
	SIP      AdminGrant `json:"sip"`
}

// Minter implements tokenminter.Minter with HS256 tokens signed by the
// media-server API secret.
type Minter struct {
	url     string
	ttl     time.Duration
	secrets SecretSource
	now     func() time.Time
}

var _ tokenminter.Minter = (*Minter)(nil)

// NewMinter creates a Minter. A non-positive ttl means DefaultTTL.
func NewMinter(url string, ttl time.Duration, secrets SecretSource) *Minter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Minter{url: url, ttl: ttl, secrets: secrets, now: time.Now}
}

// Credentials returns the URL and API key pair, failing when either secret is unset.
func (m *Minter) Credentials() (tokenminter.Credentials, error) {
	c := tokenminter.Credentials{
		URL:       m.url,
		APIKey:    m.secrets.Get(SecretAPIKey),
		APISecret: m.secrets.Get(SecretAPISecret),
	}
	if c.APIKey == "" || c.APISecret == "" {
		return tokenminter.Credentials{}, fmt.Errorf("%w: media server credentials are not configured", domain.ErrDependencyUnavailable)
	}
	return c, nil
}

// Mint signs a token for g.
func (m *Minter) Mint(_ context.Context, g tokenminter.Grant) (string, error) {
	creds, err := m.Credentials()
	if err != nil {
		return "", err
	}

	now := m.now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    creds.APIKey,
			Subject:   "agent:" + g.AgentID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
		Name:     g.DisplayName,
		Identity: g.AgentID,
		Room:     g.Room,
		Metadata: g.Metadata,
		Video: VideoGrant{
			RoomJoin:   g.Permissions.RoomJoin,
			RoomCreate: g.Permissions.RoomCreate,
			RoomAdmin:  g.Permissions.RoomAdmin,
			RoomRecord: g.Permissions.RoomRecord,
		},
		Ingress: AdminGrant{Admin: g.Permissions.Ingress},
		Egress:  AdminGrant{Admin: g.Permissions.Egress},
		SIP:     AdminGrant{Admin: g.Permissions.SIP},
	}
	if g.Room != nil {
		claims.Video.Room = *g.Room
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(creds.APISecret))
	if err != nil {
		return "", fmt.Errorf("livekit: sign token: %w", err)
	}
	return signed, nil
}
