package proc

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// DockerManager drives a container runtime through its CLI. The proxy ships
// as a named container, so lifecycle and log access map one-to-one onto
// runtime subcommands.
type DockerManager struct {
	// Binary is the runtime CLI, normally "docker". Podman works too.
	Binary string
}

// NewDockerManager returns a manager using the given CLI binary.
func NewDockerManager(binary string) *DockerManager {
	if binary == "" {
		binary = "docker"
	}
	return &DockerManager{Binary: binary}
}

// Start launches the named container.
func (d *DockerManager) Start(ctx context.Context, name string) error {
	if _, err := d.run(ctx, "start", name); err != nil {
		return fmt.Errorf("failed to start %s: %w", name, err)
	}
	return nil
}

// Stop halts the named container and waits for it to exit.
func (d *DockerManager) Stop(ctx context.Context, name string) error {
	if _, err := d.run(ctx, "stop", name); err != nil {
		return fmt.Errorf("failed to stop %s: %w", name, err)
	}
	return nil
}

// IsRunning inspects the container state. A missing container counts as not
// running rather than an error, since a recovery start may recreate it.
func (d *DockerManager) IsRunning(ctx context.Context, name string) (bool, error) {
	out, err := d.run(ctx, "inspect", "-f", "{{.State.Running}}", name)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "no such") {
			return false, nil
		}
		return false, fmt.Errorf("failed to inspect %s: %w", name, err)
	}
	running, parseErr := strconv.ParseBool(strings.TrimSpace(out))
	if parseErr != nil {
		return false, fmt.Errorf("unexpected inspect output for %s: %q", name, strings.TrimSpace(out))
	}
	return running, nil
}

// RecentLogs returns the last lines of container output, stdout and stderr
// combined.
func (d *DockerManager) RecentLogs(ctx context.Context, name string, lines int) (string, error) {
	out, err := d.run(ctx, "logs", "--tail", strconv.Itoa(lines), name)
	if err != nil {
		return "", fmt.Errorf("failed to read logs of %s: %w", name, err)
	}
	return out, nil
}

func (d *DockerManager) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, d.Binary, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("%s %s: %w (output: %s)",
			d.Binary, strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}
