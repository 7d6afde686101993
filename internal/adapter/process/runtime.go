// Package process implements the process execution backend: agents run as
// child processes of this service in their own process group.
package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/Strob0t/agentplane/internal/domain"
	"github.com/Strob0t/agentplane/internal/domain/agent"
	"github.com/Strob0t/agentplane/internal/execpool"
	"github.com/Strob0t/agentplane/internal/port/execbackend"
)

const (
	pollInterval = 100 * time.Millisecond
	// killWait bounds how long Stop waits for the reaper after SIGKILL.
	killWait = 2 * time.Second
)

// inheritedEnv lists the only variables copied from this service's own
// environment into an agent process.
var inheritedEnv = []string{"PATH", "HOME", "LANG", "TMPDIR", "TZ", "SystemRoot", "TEMP", "USERPROFILE"}

// Runtime implements execbackend.Process.
type Runtime struct {
	grace time.Duration
	pool  *execpool.Pool

	mu     sync.Mutex
	live   map[int]chan struct{} // pid -> closed once reaped
	reaped map[int]struct{}      // pids collected by the reaper; never signalled again
}

var _ execbackend.Process = (*Runtime)(nil)

// NewRuntime creates a process Runtime. grace is how long Stop waits between
// the polite signal and the forced kill.
func NewRuntime(grace time.Duration, pool *execpool.Pool) *Runtime {
	return &Runtime{
		grace:  grace,
		pool:   pool,
		live:   make(map[int]chan struct{}),
		reaped: make(map[int]struct{}),
	}
}

// Launch spawns spec.Image with spec.Entrypoint as its single argument.
// The child outlives ctx; only Stop or Terminate end it.
func (r *Runtime) Launch(ctx context.Context, spec execbackend.LaunchSpec) (*execbackend.LaunchedProcess, error) {
	var lp *execbackend.LaunchedProcess
	err := r.pool.Run(ctx, func() error {
		var err error
		lp, err = r.spawn(ctx, spec)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrLaunchFailed, err)
	}
	return lp, nil
}

func (r *Runtime) spawn(ctx context.Context, spec execbackend.LaunchSpec) (*execbackend.LaunchedProcess, error) {
	var args []string
	if spec.Entrypoint != nil && *spec.Entrypoint != "" {
		args = append(args, *spec.Entrypoint)
	}
	cmd := exec.Command(spec.Image, args...) //nolint:gosec // G204: operator-configured agent executable
	cmd.Env = mergeEnv(spec.Env)
	setProcessGroup(cmd)

	// os.Pipe instead of StdoutPipe: Wait must not close the read ends
	// while the log capture is still draining them.
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		closeAll(outR, outW)
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		closeAll(outR, outW, errR, errW)
		return nil, fmt.Errorf("start %s: %w", spec.Image, err)
	}
	// The child holds its own copies of the write ends.
	closeAll(outW, errW)

	pid := cmd.Process.Pid
	done := make(chan struct{})
	exited := make(chan execbackend.Exit, 1)

	r.mu.Lock()
	r.live[pid] = done
	delete(r.reaped, pid) // the kernel handed the pid out again, to our child
	r.mu.Unlock()

	go func() {
		ex := exitFrom(cmd.Wait())
		r.mu.Lock()
		delete(r.live, pid)
		r.reaped[pid] = struct{}{}
		r.mu.Unlock()
		close(done)
		slog.Info("agent process exited", "pid", pid, "instance_id", spec.InstanceID, "reason", ex.Reason)
		exited <- ex
		close(exited)
	}()

	slog.InfoContext(ctx, "agent process started", "pid", pid, "instance_id", spec.InstanceID, "executable", spec.Image)
	return &execbackend.LaunchedProcess{
		PID:     pid,
		Streams: execbackend.Streams{Stdout: outR, Stderr: errR},
		Exited:  exited,
	}, nil
}

// Stop signals the process group and escalates to a forced kill once the
// grace period passes. A process that no longer exists is already stopped.
// Pids that are not live children of this runtime are never signalled.
func (r *Runtime) Stop(ctx context.Context, pid int) error {
	if !r.owns(pid) {
		slog.DebugContext(ctx, "stop: not a live child", "pid", pid)
		return nil
	}
	if err := r.pool.Run(ctx, func() error { return signalStop(pid) }); err != nil {
		if errors.Is(err, errGone) {
			return nil
		}
		return fmt.Errorf("%w: stop pid %d: %v", domain.ErrOperationFailed, pid, err)
	}
	if r.waitExit(ctx, pid, r.grace) {
		return nil
	}

	slog.WarnContext(ctx, "agent process ignored stop signal, killing", "pid", pid, "grace", r.grace)
	if err := forceKill(pid); err != nil && !errors.Is(err, errGone) {
		return fmt.Errorf("%w: kill pid %d: %v", domain.ErrOperationFailed, pid, err)
	}
	r.waitExit(ctx, pid, killWait)
	return nil
}

// Terminate ends the process without reporting individual signal failures.
// A pid that is not a live child of this runtime is left alone: it was
// reaped, or it belonged to an earlier supervisor run and may be reused.
func (r *Runtime) Terminate(ctx context.Context, pid int) error {
	if !r.owns(pid) {
		slog.DebugContext(ctx, "terminate: not a live child", "pid", pid)
		return nil
	}
	if err := signalStop(pid); err != nil {
		if errors.Is(err, errGone) {
			return nil
		}
		slog.WarnContext(ctx, "terminate: stop signal failed, killing", "pid", pid, "error", err)
	} else if r.waitExit(ctx, pid, r.grace) {
		return nil
	}
	if err := forceKill(pid); err != nil && !errors.Is(err, errGone) {
		return fmt.Errorf("%w: kill pid %d: %v", domain.ErrOperationFailed, pid, err)
	}
	r.waitExit(ctx, pid, killWait)
	return nil
}

// Sample reports whether pid is alive.
func (r *Runtime) Sample(_ context.Context, pid int) ([]agent.Reading, error) {
	v := 0.0
	if r.running(pid) {
		v = 1
	}
	return []agent.Reading{{Name: agent.MetricProcessRunning, Value: v, Unit: agent.UnitBoolean}}, nil
}

// owns reports whether pid is a child this runtime launched and has not
// reaped yet.
func (r *Runtime) owns(pid int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.live[pid]
	return ok
}

// isReaped reports whether pid belonged to one of our children that has
// already exited. Signalling it could hit an unrelated process reusing it.
func (r *Runtime) isReaped(pid int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.reaped[pid]
	return ok
}

// running prefers the reaper's view; a child that exited but was not yet
// reaped still answers signal 0.
func (r *Runtime) running(pid int) bool {
	r.mu.Lock()
	done, tracked := r.live[pid]
	_, gone := r.reaped[pid]
	r.mu.Unlock()
	if gone {
		return false
	}
	if tracked {
		select {
		case <-done:
			return false
		default:
			return true
		}
	}
	return alive(pid)
}

// waitExit blocks until pid is gone, d elapses or ctx ends.
func (r *Runtime) waitExit(ctx context.Context, pid int, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	r.mu.Lock()
	done, tracked := r.live[pid]
	r.mu.Unlock()
	if tracked {
		select {
		case <-done:
			return true
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if !alive(pid) {
			return true
		}
		select {
		case <-ticker.C:
		case <-timer.C:
			return !alive(pid)
		case <-ctx.Done():
			return false
		}
	}
}

func mergeEnv(extra []string) []string {
	env := make([]string, 0, len(inheritedEnv)+len(extra))
	for _, k := range inheritedEnv {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}
	return append(env, extra...)
}

func exitFrom(err error) execbackend.Exit {
	if err == nil {
		code := 0
		return execbackend.Exit{Code: &code, Reason: "exit status 0"}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return execbackend.Exit{Code: &code, Reason: exitErr.Error()}
		}
		return execbackend.Exit{Reason: exitErr.Error()}
	}
	return execbackend.Exit{Reason: err.Error()}
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
