package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/agentplane/internal/domain"
)

// Status is the lifecycle state of an agent instance.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusCrashed Status = "crashed"
)

// CanTransition reports whether an instance in state s may move to next.
//
//	pending → running
//	running → stopped | crashed
//	stopped | crashed → running   (start / restart)
//	crashed → stopped             (stop of an already dead workload)
func (s Status) CanTransition(next Status) bool {
	switch next {
	case StatusRunning:
		return s != StatusRunning
	case StatusStopped:
		return s == StatusRunning || s == StatusCrashed || s == StatusPending
	case StatusCrashed:
		return s == StatusRunning
	default:
		return false
	}
}

// Kind discriminates the execution backend an instance runs on.
type Kind string

const (
	KindContainer Kind = "container"
	KindProcess   Kind = "process"
)

// ParseKind normalizes a deployment type selector. "docker" is accepted as
// an alias of "container".
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "container", "docker":
		return KindContainer, nil
	case "process":
		return KindProcess, nil
	default:
		return "", fmt.Errorf("%w: unknown deployment type %q", domain.ErrValidation, s)
	}
}

// ResolveKind picks the first non-empty selector among requested and
// fallback, defaulting to KindContainer when both are empty.
func ResolveKind(requested, fallback string) (Kind, error) {
	if strings.TrimSpace(requested) != "" {
		return ParseKind(requested)
	}
	if strings.TrimSpace(fallback) != "" {
		return ParseKind(fallback)
	}
	return KindContainer, nil
}

// Handle identifies the workload behind an instance. Exactly one of
// ContainerID or PID is meaningful, selected by Kind.
type Handle struct {
	Kind        Kind   `json:"kind"`
	ContainerID string `json:"container_id,omitempty"`
	PID         int    `json:"process_pid,omitempty"`
}

// ContainerHandle returns a handle for a container runtime identifier.
func ContainerHandle(id string) Handle {
	return Handle{Kind: KindContainer, ContainerID: id}
}

// ProcessHandle returns a handle for an OS process identifier.
func ProcessHandle(pid int) Handle {
	return Handle{Kind: KindProcess, PID: pid}
}

// HandleFromColumns rebuilds a Handle from its nullable storage columns.
func HandleFromColumns(containerID *string, pid *int) (Handle, error) {
	var h Handle
	switch {
	case containerID != nil && pid != nil:
		return h, fmt.Errorf("instance has both container and process handle: %w", domain.ErrInternalInconsistency)
	case containerID != nil:
		h = ContainerHandle(*containerID)
	case pid != nil:
		h = ProcessHandle(*pid)
	default:
		return h, fmt.Errorf("instance has no backend handle: %w", domain.ErrInternalInconsistency)
	}
	return h, h.Validate()
}

// Columns splits the handle into its nullable storage columns.
func (h Handle) Columns() (containerID *string, pid *int) {
	switch h.Kind {
	case KindContainer:
		id := h.ContainerID
		return &id, nil
	case KindProcess:
		p := h.PID
		return nil, &p
	}
	return nil, nil
}

// Validate enforces that exactly one backend handle is set and that it
// matches Kind.
func (h Handle) Validate() error {
	hasContainer := h.ContainerID != ""
	hasProcess := h.PID > 0
	switch {
	case hasContainer && hasProcess:
		return fmt.Errorf("handle has both container and process id: %w", domain.ErrInternalInconsistency)
	case h.Kind == KindContainer && hasContainer:
		return nil
	case h.Kind == KindProcess && hasProcess:
		return nil
	default:
		return fmt.Errorf("handle kind %q without matching id: %w", h.Kind, domain.ErrInternalInconsistency)
	}
}

// Instance is one deployment attempt of a Definition.
type Instance struct {
	ID            string     `json:"id"`
	InstanceID    string     `json:"instance_id"`
	DefinitionID  string     `json:"agent_id"`
	Handle        Handle     `json:"handle"`
	Status        Status     `json:"status"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	ExitCode      *int       `json:"exit_code,omitempty"`
	CrashReason   *string    `json:"crash_reason,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	StoppedAt     *time.Time `json:"stopped_at,omitempty"`
}

// NewInstanceID returns a fresh public instance identifier ("inst_<hex>").
func NewInstanceID() string {
	return "inst_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// MarkRunning moves the instance to running, clearing the exit details of
// the previous run and stamping a fresh start time.
func (i *Instance) MarkRunning(now time.Time) {
	i.Status = StatusRunning
	i.StartedAt = now
	i.StoppedAt = nil
	i.ExitCode = nil
	i.CrashReason = nil
}

// MarkStopped moves the instance to stopped.
func (i *Instance) MarkStopped(now time.Time) {
	i.Status = StatusStopped
	i.StoppedAt = &now
}

// MarkCrashed records an unexpected exit.
func (i *Instance) MarkCrashed(now time.Time, exitCode *int, reason string) {
	i.Status = StatusCrashed
	i.StoppedAt = &now
	i.ExitCode = exitCode
	if reason != "" {
		i.CrashReason = &reason
	}
}

// CreateInstanceRequest is what the controller hands the store after a
// successful launch.
type CreateInstanceRequest struct {
	InstanceID   string
	DefinitionID string
	Handle       Handle
	StartedAt    time.Time
}

// DeployRequest is the input for deploying a definition.
type DeployRequest struct {
	DeploymentType string  `json:"deployment_type"`
	RoomName       *string `json:"room_name,omitempty"`
}
