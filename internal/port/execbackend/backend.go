// Package execbackend defines the ports for the two runtimes an agent
// instance can be launched on: a managed container and a spawned OS process.
package execbackend

import (
	"context"
	"io"

	"github.com/Strob0t/agentplane/internal/domain/agent"
	"github.com/Strob0t/agentplane/internal/domain/resource"
)

// LaunchSpec is everything a backend needs to start one instance.
type LaunchSpec struct {
	InstanceID string
	Image      string // container image, or executable path for processes
	Entrypoint *string
	Env        []string // "KEY=VALUE", base variables first
	Limits     resource.Limits
}

// Streams are the output pipes of a launched process. Ownership passes to
// whoever receives them; both must be drained until EOF.
type Streams struct {
	Stdout io.ReadCloser
	Stderr io.ReadCloser
}

// Exit describes how a process ended. Code is nil when the process was
// terminated by a signal.
type Exit struct {
	Code   *int
	Reason string
}

// LaunchedProcess is the result of a successful process launch.
type LaunchedProcess struct {
	PID     int
	Streams Streams
	// Exited receives exactly one value once the child has been reaped.
	Exited <-chan Exit
}

// LogLine is one line of a container's output snapshot.
type LogLine struct {
	Stream agent.Stream
	Text   string
}

// Container manages agent workloads on a container runtime.
type Container interface {
	// Probe reports whether the runtime is reachable.
	Probe(ctx context.Context) error
	// Launch creates and starts a detached container and returns its id.
	Launch(ctx context.Context, spec LaunchSpec) (string, error)
	Start(ctx context.Context, containerID string) error
	Stop(ctx context.Context, containerID string) error
	// ForceRemove deletes the container, stopping it first if needed.
	ForceRemove(ctx context.Context, containerID string) error
	// Sample returns point-in-time resource readings. Fields the runtime
	// does not report, or that fail to parse, are omitted.
	Sample(ctx context.Context, containerID string) ([]agent.Reading, error)
	// Logs returns at most tail lines of recent output.
	Logs(ctx context.Context, containerID string, tail int) ([]LogLine, error)
}

// Process manages agent workloads as child processes of this service.
type Process interface {
	Launch(ctx context.Context, spec LaunchSpec) (*LaunchedProcess, error)
	// Stop asks the process to exit and forces it after a grace period.
	// A process that is already gone counts as stopped.
	Stop(ctx context.Context, pid int) error
	// Terminate is the best-effort variant of Stop used during deletion.
	Terminate(ctx context.Context, pid int) error
	// Sample returns a liveness reading for pid.
	Sample(ctx context.Context, pid int) ([]agent.Reading, error)
}
