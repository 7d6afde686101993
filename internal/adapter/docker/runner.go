package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes the container CLI and returns its captured output.
type Runner func(ctx context.Context, binary string, args ...string) (stdout, stderr []byte, err error)

// ExecRunner runs the CLI as a child process.
func ExecRunner(ctx context.Context, binary string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec // G204: argv is assembled internally

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// commandError is a CLI invocation that did not succeed. Stderr is kept for
// logging only and is not part of Error().
type commandError struct {
	op     string
	stderr string
	err    error
}

func (e *commandError) Error() string { return fmt.Sprintf("docker %s: %v", e.op, e.err) }
func (e *commandError) Unwrap() error { return e.err }

// daemonMarkers are stderr fragments the CLI prints when the daemon itself
// is unreachable, as opposed to a command that ran and was refused.
var daemonMarkers = []string{
	"Cannot connect to the Docker daemon",
	"error during connect",
	"Is the docker daemon running",
}

// isRuntimeFailure reports whether err says something about the health of
// the runtime. Non-zero exits for bad arguments or missing containers do not.
func isRuntimeFailure(err error) bool {
	if err == nil {
		return false
	}
	var ce *commandError
	if !errors.As(err, &ce) {
		return true
	}
	var exitErr *exec.ExitError
	if !errors.As(ce.err, &exitErr) {
		// Binary missing, killed by timeout, or similar.
		return true
	}
	for _, m := range daemonMarkers {
		if strings.Contains(ce.stderr, m) {
			return true
		}
	}
	return false
}
