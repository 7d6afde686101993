// Package docker implements the container execution backend by driving the
// docker CLI.
package docker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/Strob0t/agentplane/internal/domain"
	"github.com/Strob0t/agentplane/internal/domain/agent"
	"github.com/Strob0t/agentplane/internal/execpool"
	"github.com/Strob0t/agentplane/internal/port/execbackend"
	"github.com/Strob0t/agentplane/internal/resilience"
)

// containerPrefix names every agent container.
const containerPrefix = "livekit-agent-"

// Config configures a Runtime.
type Config struct {
	Binary    string
	Network   string
	StopGrace time.Duration
	Timeout   time.Duration
}

// Runtime implements execbackend.Container.
type Runtime struct {
	cfg     Config
	run     Runner
	breaker *resilience.Breaker
	pool    *execpool.Pool
	redact  func(string) string
	now     func() time.Time
}

var _ execbackend.Container = (*Runtime)(nil)

// Option configures a Runtime.
type Option func(*Runtime)

// WithRunner replaces the CLI runner (tests).
func WithRunner(r Runner) Option { return func(rt *Runtime) { rt.run = r } }

// WithBreaker guards every CLI call with a circuit breaker.
func WithBreaker(b *resilience.Breaker) Option { return func(rt *Runtime) { rt.breaker = b } }

// WithPool bounds CLI calls with a shared pool.
func WithPool(p *execpool.Pool) Option { return func(rt *Runtime) { rt.pool = p } }

// WithRedactor scrubs secrets from stderr before it is logged.
func WithRedactor(fn func(string) string) Option { return func(rt *Runtime) { rt.redact = fn } }

// NewRuntime creates a container Runtime.
func NewRuntime(cfg Config, opts ...Option) *Runtime {
	if cfg.Binary == "" {
		cfg.Binary = "docker"
	}
	rt := &Runtime{
		cfg:    cfg,
		run:    ExecRunner,
		redact: func(s string) string { return s },
		now:    time.Now,
	}
	for _, o := range opts {
		o(rt)
	}
	return rt
}

// NewFailureFilter returns the breaker option that counts only runtime
// failures, not refused commands.
func NewFailureFilter() resilience.Option {
	return resilience.WithFailureFilter(isRuntimeFailure)
}

// ContainerName returns the container name used for instanceID.
func ContainerName(instanceID string) string {
	return containerPrefix + instanceID
}

// exec runs one CLI call through the pool, the breaker and the timeout.
func (r *Runtime) exec(ctx context.Context, op string, args ...string) (stdout, stderr string, err error) {
	err = r.pool.Run(ctx, func() error {
		return r.breaker.Execute(func() error {
			cctx := ctx
			if r.cfg.Timeout > 0 {
				var cancel context.CancelFunc
				cctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
				defer cancel()
			}
			out, errOut, runErr := r.run(cctx, r.cfg.Binary, args...)
			stdout, stderr = string(out), string(errOut)
			if runErr != nil {
				return &commandError{op: op, stderr: strings.TrimSpace(stderr), err: runErr}
			}
			return nil
		})
	})
	if err != nil {
		var ce *commandError
		if errors.As(err, &ce) && ce.stderr != "" {
			slog.WarnContext(ctx, "docker command failed", "op", op, "stderr", r.redact(ce.stderr))
		}
	}
	return stdout, stderr, err
}

// Probe checks that the daemon answers.
func (r *Runtime) Probe(ctx context.Context) error {
	out, _, err := r.exec(ctx, "version", "version", "--format", "{{.Server.Version}}")
	if err != nil {
		return fmt.Errorf("%w: container runtime: %v", domain.ErrDependencyUnavailable, err)
	}
	slog.DebugContext(ctx, "docker probe ok", "server_version", strings.TrimSpace(out))
	return nil
}

// Launch runs a detached container and returns its id.
func (r *Runtime) Launch(ctx context.Context, spec execbackend.LaunchSpec) (string, error) {
	out, _, err := r.exec(ctx, "run", runArgs(r.cfg.Network, spec)...)
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return "", fmt.Errorf("%w: container runtime: %v", domain.ErrDependencyUnavailable, err)
		}
		return "", fmt.Errorf("%w: %v", domain.ErrLaunchFailed, err)
	}
	id := strings.TrimSpace(out)
	if id == "" {
		return "", fmt.Errorf("%w: docker run returned no container id", domain.ErrLaunchFailed)
	}
	return id, nil
}

func runArgs(network string, spec execbackend.LaunchSpec) []string {
	args := []string{"run", "-d", "--name", ContainerName(spec.InstanceID)}
	if network != "" {
		args = append(args, "--network", network)
	}
	for _, kv := range spec.Env {
		args = append(args, "-e", kv)
	}
	args = append(args, spec.Limits.DockerArgs()...)
	args = append(args, spec.Image)
	if spec.Entrypoint != nil && *spec.Entrypoint != "" {
		args = append(args, *spec.Entrypoint)
	}
	return args
}

// Start starts a stopped container.
func (r *Runtime) Start(ctx context.Context, containerID string) error {
	if _, _, err := r.exec(ctx, "start", "start", containerID); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrOperationFailed, err)
	}
	return nil
}

// Stop stops a running container, waiting up to the configured grace.
func (r *Runtime) Stop(ctx context.Context, containerID string) error {
	args := []string{"stop"}
	if r.cfg.StopGrace > 0 {
		args = append(args, "-t", strconv.Itoa(int(r.cfg.StopGrace.Seconds())))
	}
	args = append(args, containerID)
	if _, _, err := r.exec(ctx, "stop", args...); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrOperationFailed, err)
	}
	return nil
}

// ForceRemove removes the container whatever its state.
func (r *Runtime) ForceRemove(ctx context.Context, containerID string) error {
	if _, _, err := r.exec(ctx, "rm", "rm", "-f", containerID); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrOperationFailed, err)
	}
	return nil
}

// Sample reads stats and uptime. A failing sub-command only drops its readings.
func (r *Runtime) Sample(ctx context.Context, containerID string) ([]agent.Reading, error) {
	var readings []agent.Reading

	statsOut, _, statsErr := r.exec(ctx, "stats", "stats", "--no-stream", "--format",
		"{{.CPUPerc}},{{.MemUsage}},{{.NetIO}},{{.BlockIO}}", containerID)
	if statsErr == nil {
		readings = append(readings, ParseStats(statsOut)...)
	}

	inspectOut, _, inspectErr := r.exec(ctx, "inspect", "inspect", "--format", "{{.State.StartedAt}}", containerID)
	if inspectErr == nil {
		if up, ok := ParseUptime(inspectOut, r.now()); ok {
			readings = append(readings, agent.Reading{Name: agent.MetricUptimeSeconds, Value: up, Unit: agent.UnitSeconds})
		}
	}

	if statsErr != nil && inspectErr != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrOperationFailed, errors.Join(statsErr, inspectErr))
	}
	return readings, nil
}

// Logs returns up to tail recent lines. Container stdout lines come first.
func (r *Runtime) Logs(ctx context.Context, containerID string, tail int) ([]execbackend.LogLine, error) {
	if tail <= 0 {
		tail = 100
	}
	out, errOut, err := r.exec(ctx, "logs", "logs", "--tail", strconv.Itoa(tail), containerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrOperationFailed, err)
	}
	lines := make([]execbackend.LogLine, 0, tail)
	lines = appendLines(lines, agent.Stdout, out, tail)
	lines = appendLines(lines, agent.Stderr, errOut, tail)
	return lines, nil
}

func appendLines(dst []execbackend.LogLine, stream agent.Stream, text string, max int) []execbackend.LogLine {
	for _, l := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		if len(dst) >= max {
			break
		}
		if l == "" {
			continue
		}
		dst = append(dst, execbackend.LogLine{Stream: stream, Text: strings.TrimRight(l, "\r")})
	}
	return dst
}
