// Package database defines the database store port (interface).
package database

import (
	"context"
	"time"

	"github.com/Strob0t/agentplane/internal/domain/agent"
)

// InstanceUpdate carries the fields written by a lifecycle transition.
// Nil fields are left unchanged, except that a transition to running always
// clears stopped_at, exit_code and crash_reason.
type InstanceUpdate struct {
	Status      agent.Status
	Handle      *agent.Handle // replaced on process re-launch
	StartedAt   *time.Time
	StoppedAt   *time.Time
	ExitCode    *int
	CrashReason *string
}

// Apply writes u onto an in-memory instance with the same rules a store
// applies to its row.
func (u InstanceUpdate) Apply(inst *agent.Instance) {
	if u.Handle != nil {
		inst.Handle = *u.Handle
	}
	if u.StartedAt != nil {
		inst.StartedAt = *u.StartedAt
	}
	switch {
	case u.Status == agent.StatusRunning:
		inst.MarkRunning(inst.StartedAt)
		return
	case u.Status == agent.StatusCrashed && u.StoppedAt != nil:
		code := inst.ExitCode
		if u.ExitCode != nil {
			code = u.ExitCode
		}
		var reason string
		if u.CrashReason != nil {
			reason = *u.CrashReason
		}
		inst.MarkCrashed(*u.StoppedAt, code, reason)
	case u.Status == agent.StatusStopped && u.StoppedAt != nil:
		inst.MarkStopped(*u.StoppedAt)
	default:
		inst.Status = u.Status
	}
	if u.ExitCode != nil {
		inst.ExitCode = u.ExitCode
	}
	if u.CrashReason != nil {
		inst.CrashReason = u.CrashReason
	}
}

// DefinitionStore persists agent definitions.
type DefinitionStore interface {
	CreateDefinition(ctx context.Context, d *agent.Definition) (*agent.Definition, error)
	GetDefinition(ctx context.Context, projectID, agentID string) (*agent.Definition, error)
	GetDefinitionByID(ctx context.Context, id string) (*agent.Definition, error)
	ListDefinitions(ctx context.Context, projectID string) ([]agent.Definition, error)
	// UpdateDefinition writes d if its Version still matches the stored row,
	// returning domain.ErrConflict otherwise.
	UpdateDefinition(ctx context.Context, d *agent.Definition) (*agent.Definition, error)
	// DeleteDefinition removes the definition and cascades to its instances,
	// logs and metrics.
	DeleteDefinition(ctx context.Context, id string) error
}

// InstanceStore persists agent instances.
type InstanceStore interface {
	CreateInstance(ctx context.Context, req agent.CreateInstanceRequest) (*agent.Instance, error)
	GetInstance(ctx context.Context, instanceID string) (*agent.Instance, error)
	ListInstances(ctx context.Context, definitionID string) ([]agent.Instance, error)
	ListProjectInstances(ctx context.Context, projectID string) ([]agent.Instance, error)
	CountInstances(ctx context.Context, definitionID string, status agent.Status) (int, error)
	// TransitionInstance applies upd only if the row is still in expected.
	// It returns domain.ErrInvalidTransition when the compare-and-set loses.
	TransitionInstance(ctx context.Context, instanceID string, expected agent.Status, upd InstanceUpdate) (*agent.Instance, error)
	TouchHeartbeat(ctx context.Context, instanceID string, at time.Time) error
}

// LogSink receives captured output lines.
type LogSink interface {
	AppendLog(ctx context.Context, rec agent.LogRecord) error
}

// LogStore persists and pages captured output.
type LogStore interface {
	LogSink
	ListInstanceLogs(ctx context.Context, instanceID string, page agent.Page) ([]agent.LogRecord, int, error)
	ListDefinitionLogs(ctx context.Context, definitionID string, page agent.Page) ([]agent.LogRecord, int, error)
}

// MetricStore persists and pages metric samples.
type MetricStore interface {
	AppendMetric(ctx context.Context, m agent.MetricSample) error
	ListMetrics(ctx context.Context, instanceID string, page agent.Page) ([]agent.MetricSample, error)
}

// ProjectStore answers ownership questions for authorization.
type ProjectStore interface {
	// ProjectOwner returns the user id owning projectID, or domain.ErrNotFound.
	ProjectOwner(ctx context.Context, projectID string) (string, error)
}

// Store is the port interface for database operations.
type Store interface {
	DefinitionStore
	InstanceStore
	LogStore
	MetricStore
	ProjectStore
	Ping(ctx context.Context) error
}
