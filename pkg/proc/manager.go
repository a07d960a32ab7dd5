// Package proc abstracts the container runtime that hosts the proxy
// process. The watchdog only needs start/stop/liveness/log access, so the
// interface stays that narrow.
package proc

import "context"

// Manager controls a named proxy process. Every call must honor the
// context deadline; the watchdog treats a timed-out call as a failed check.
type Manager interface {
	// Start launches the named process. Starting an already-running
	// process is not an error.
	Start(ctx context.Context, name string) error

	// Stop halts the named process, waiting for it to exit.
	Stop(ctx context.Context, name string) error

	// IsRunning reports whether the named process is currently up.
	IsRunning(ctx context.Context, name string) (bool, error)

	// RecentLogs returns up to lines of the most recent process output.
	RecentLogs(ctx context.Context, name string, lines int) (string, error)
}
