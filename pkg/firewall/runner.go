package firewall

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes a packet-filter command and returns its combined output.
// The production implementation shells out to iptables; tests substitute a
// mock.
type Runner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// ExecRunner runs a packet-filter binary (iptables or ip6tables) directly.
type ExecRunner struct {
	Binary string
}

// NewExecRunner returns a runner for the given binary name or path.
func NewExecRunner(binary string) *ExecRunner {
	return &ExecRunner{Binary: binary}
}

// Run executes the binary with the given arguments.
func (r *ExecRunner) Run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, r.Binary, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("%s %s failed: %w (output: %s)",
			r.Binary, strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// Available checks that the binary exists and the process has the privileges
// to list rules. Call it before the first apply.
func (r *ExecRunner) Available(ctx context.Context) error {
	if _, err := exec.LookPath(r.Binary); err != nil {
		return fmt.Errorf("%s not found: %w", r.Binary, err)
	}
	if _, err := r.Run(ctx, "-L", "-n"); err != nil {
		return fmt.Errorf("cannot execute %s (insufficient privileges?): %w", r.Binary, err)
	}
	return nil
}
