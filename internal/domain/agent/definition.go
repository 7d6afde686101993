// Package agent defines the agent definition, instance, log and metric entities
// managed by the deployment supervisor.
package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/agentplane/internal/domain"
	"github.com/Strob0t/agentplane/internal/domain/resource"
)

// Defaults applied when a create request leaves a field empty.
const (
	DefaultDisplayName  = "New Agent"
	DefaultImage        = "livekit/agent:latest"
	DefaultRoomBehavior = "auto"
)

// RestartPolicy tells an external scheduler how to recover a stopped or crashed instance.
type RestartPolicy string

const (
	RestartAlways    RestartPolicy = "always"
	RestartOnFailure RestartPolicy = "on-failure"
	RestartNever     RestartPolicy = "never"
)

// ParseRestartPolicy normalizes s into a RestartPolicy.
func ParseRestartPolicy(s string) (RestartPolicy, error) {
	switch p := RestartPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case RestartAlways, RestartOnFailure, RestartNever:
		return p, nil
	case "on_failure":
		return RestartOnFailure, nil
	default:
		return "", fmt.Errorf("%w: unknown restart policy %q", domain.ErrValidation, s)
	}
}

// Permissions describes the grants carried by the token minted for an agent.
type Permissions struct {
	RoomJoin   bool `json:"room_join"`
	RoomCreate bool `json:"room_create"`
	RoomAdmin  bool `json:"room_admin"`
	RoomRecord bool `json:"room_record"`
	Ingress    bool `json:"ingress"`
	Egress     bool `json:"egress"`
	SIP        bool `json:"sip"`
}

// DefaultPermissions grants everything, matching what a new definition gets
// when the request carries no permission block.
func DefaultPermissions() Permissions {
	return Permissions{
		RoomJoin:   true,
		RoomCreate: true,
		RoomAdmin:  true,
		RoomRecord: true,
		Ingress:    true,
		Egress:     true,
		SIP:        true,
	}
}

// Definition is a reusable template describing how to run an agent workload.
type Definition struct {
	ID                  string            `json:"id"`
	AgentID             string            `json:"agent_id"`
	ProjectID           string            `json:"project_id"`
	DisplayName         string            `json:"display_name"`
	Image               string            `json:"image"`
	Entrypoint          *string           `json:"entrypoint,omitempty"`
	EnvVars             map[string]string `json:"env_vars"`
	Permissions         Permissions       `json:"livekit_permissions"`
	DefaultRoomBehavior string            `json:"default_room_behavior"`
	RestartPolicy       RestartPolicy     `json:"auto_restart_policy"`
	ResourceLimits      resource.Limits   `json:"resource_limits"`
	Enabled             bool              `json:"is_enabled"`
	Version             int               `json:"version"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// NewAgentID returns a fresh public agent identifier ("agent_<hex>").
func NewAgentID() string {
	return "agent_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// CreateRequest is the input for creating a new agent definition.
type CreateRequest struct {
	DisplayName         string            `json:"display_name"`
	Image               string            `json:"image"`
	Entrypoint          *string           `json:"entrypoint,omitempty"`
	EnvVars             map[string]string `json:"env_vars"`
	Permissions         *Permissions      `json:"livekit_permissions,omitempty"`
	DefaultRoomBehavior string            `json:"default_room_behavior"`
	RestartPolicy       string            `json:"auto_restart_policy"`
	ResourceLimits      *resource.Limits  `json:"resource_limits,omitempty"`
}

// Build validates the request and returns the Definition it describes,
// applying defaults for empty fields. ID and timestamps are left to the store.
func (r *CreateRequest) Build(projectID string) (*Definition, error) {
	if projectID == "" {
		return nil, fmt.Errorf("%w: project id is required", domain.ErrValidation)
	}

	d := &Definition{
		AgentID:             NewAgentID(),
		ProjectID:           projectID,
		DisplayName:         orDefault(r.DisplayName, DefaultDisplayName),
		Image:               orDefault(r.Image, DefaultImage),
		Entrypoint:          r.Entrypoint,
		EnvVars:             r.EnvVars,
		Permissions:         DefaultPermissions(),
		DefaultRoomBehavior: orDefault(r.DefaultRoomBehavior, DefaultRoomBehavior),
		RestartPolicy:       RestartAlways,
		Enabled:             true,
	}
	if r.Permissions != nil {
		d.Permissions = *r.Permissions
	}
	if r.ResourceLimits != nil {
		d.ResourceLimits = *r.ResourceLimits
	}
	if r.RestartPolicy != "" {
		p, err := ParseRestartPolicy(r.RestartPolicy)
		if err != nil {
			return nil, err
		}
		d.RestartPolicy = p
	}
	if d.EnvVars == nil {
		d.EnvVars = map[string]string{}
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// UpdateRequest carries a partial update. Nil fields are left unchanged.
type UpdateRequest struct {
	DisplayName         *string            `json:"display_name,omitempty"`
	Image               *string            `json:"image,omitempty"`
	Entrypoint          *string            `json:"entrypoint,omitempty"`
	EnvVars             *map[string]string `json:"env_vars,omitempty"`
	Permissions         *Permissions       `json:"livekit_permissions,omitempty"`
	DefaultRoomBehavior *string            `json:"default_room_behavior,omitempty"`
	RestartPolicy       *string            `json:"auto_restart_policy,omitempty"`
	ResourceLimits      *resource.Limits   `json:"resource_limits,omitempty"`
	Status              *string            `json:"status,omitempty"`
	Enabled             *bool              `json:"is_enabled,omitempty"`
	// Version, when set, must match the stored definition.
	Version *int `json:"version,omitempty"`
}

// ApplyTo mutates d with the set fields of r. The status aliases
// active/running/enabled and paused/inactive/disabled toggle Enabled;
// any other status value is ignored. Instances already deployed from d are
// never touched by an update.
func (r *UpdateRequest) ApplyTo(d *Definition) error {
	if r.DisplayName != nil {
		d.DisplayName = *r.DisplayName
	}
	if r.Image != nil {
		d.Image = *r.Image
	}
	if r.Entrypoint != nil {
		ep := *r.Entrypoint
		d.Entrypoint = &ep
	}
	if r.EnvVars != nil {
		d.EnvVars = *r.EnvVars
	}
	if r.Permissions != nil {
		d.Permissions = *r.Permissions
	}
	if r.DefaultRoomBehavior != nil {
		d.DefaultRoomBehavior = *r.DefaultRoomBehavior
	}
	if r.RestartPolicy != nil {
		p, err := ParseRestartPolicy(*r.RestartPolicy)
		if err != nil {
			return err
		}
		d.RestartPolicy = p
	}
	if r.ResourceLimits != nil {
		d.ResourceLimits = *r.ResourceLimits
	}
	if r.Enabled != nil {
		d.Enabled = *r.Enabled
	}
	if r.Status != nil {
		switch strings.ToLower(strings.TrimSpace(*r.Status)) {
		case "active", "running", "enabled":
			d.Enabled = true
		case "paused", "inactive", "disabled":
			d.Enabled = false
		}
	}
	return d.Validate()
}

// Validate checks the definition's invariants.
func (d *Definition) Validate() error {
	if strings.TrimSpace(d.Image) == "" {
		return fmt.Errorf("%w: image is required", domain.ErrValidation)
	}
	if len(d.DisplayName) > 128 {
		return fmt.Errorf("%w: display name too long (max 128 chars)", domain.ErrValidation)
	}
	for k := range d.EnvVars {
		if k == "" || strings.ContainsAny(k, "= \t\n") {
			return fmt.Errorf("%w: invalid env var name %q", domain.ErrValidation, k)
		}
	}
	if l := d.ResourceLimits; l.CPUCores != nil && *l.CPUCores < 0 {
		return fmt.Errorf("%w: cpu_cores must be >= 0", domain.ErrValidation)
	}
	if l := d.ResourceLimits; l.MemoryMB != nil && *l.MemoryMB < 0 {
		return fmt.Errorf("%w: memory_mb must be >= 0", domain.ErrValidation)
	}
	if l := d.ResourceLimits; l.MaxInstances != nil && *l.MaxInstances < 0 {
		return fmt.Errorf("%w: max_instances must be >= 0", domain.ErrValidation)
	}
	return nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
