// Package health classifies the proxy stack as healthy, degraded or failed
// using layered read-only checks. The checker never mutates anything; acting
// on the classification is the watchdog's job.
package health

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"torwatch/pkg/log"
	"torwatch/pkg/models"
	"torwatch/pkg/proc"
)

// bootstrapMarker is the line the proxy logs once it can route traffic.
const bootstrapMarker = "Bootstrapped 100%"

// CircuitQuerier reports how many fully built circuits the proxy holds.
type CircuitQuerier interface {
	CircuitCount(ctx context.Context) (int, error)
}

// Options configures a Checker.
type Options struct {
	ContainerName  string
	SocksAddr      string
	DNSAddr        string
	ProbeTimeout   time.Duration
	MinCircuits    int
	LogWindowLines int
	// Patterns overrides the fatal-phrase list; nil keeps the defaults.
	Patterns []Pattern
}

// Checker runs the layered health poll. Hard checks (liveness, port
// reachability, fatal log phrases) short-circuit into Failed; soft checks
// (bootstrap progress, circuit count) accumulate into Degraded.
type Checker struct {
	opts     Options
	proc     proc.Manager
	prober   Prober
	circuits CircuitQuerier
	matcher  *LogMatcher
	logger   zerolog.Logger
}

// NewChecker wires a checker over its collaborators.
func NewChecker(opts Options, pm proc.Manager, prober Prober, circuits CircuitQuerier) *Checker {
	return &Checker{
		opts:     opts,
		proc:     pm,
		prober:   prober,
		circuits: circuits,
		matcher:  NewLogMatcher(opts.Patterns),
		logger:   log.WithComponent("health"),
	}
}

// Poll runs one full check pass and returns a fresh status. Collaborator
// errors are folded into the classification of the check that hit them;
// nothing escapes as a plain error.
func (c *Checker) Poll(ctx context.Context) models.HealthStatus {
	status := models.HealthStatus{
		State:     models.StateHealthy,
		CheckedAt: time.Now().UTC(),
	}

	// 1. Process liveness. Nothing else is worth probing if the process is
	// gone.
	running, err := c.proc.IsRunning(ctx, c.opts.ContainerName)
	if err != nil {
		return c.failed(status, models.ReasonProcessDown,
			fmt.Sprintf("liveness check errored: %v", err))
	}
	if !running {
		return c.failed(status, models.ReasonProcessDown,
			fmt.Sprintf("process %s is not running", c.opts.ContainerName))
	}

	// 2. Port reachability.
	for _, probe := range []struct {
		label string
		addr  string
	}{
		{"socks", c.opts.SocksAddr},
		{"dns", c.opts.DNSAddr},
	} {
		if err := c.prober.TCPConnect(ctx, probe.addr, c.opts.ProbeTimeout); err != nil {
			return c.failed(status, models.ReasonPortUnreachable,
				fmt.Sprintf("%s port %s: %v", probe.label, probe.addr, err))
		}
	}

	// 3+5. Both log checks share one window fetch.
	logs, err := c.proc.RecentLogs(ctx, c.opts.ContainerName, c.opts.LogWindowLines)
	if err != nil {
		return c.failed(status, models.ReasonCriticalLogError,
			fmt.Sprintf("log window unavailable: %v", err))
	}

	if pattern, found := c.matcher.Match(logs); found {
		return c.failed(status, models.ReasonCriticalLogError,
			fmt.Sprintf("%s (matched %q)", pattern.Label, pattern.Phrase))
	}

	// Soft signals from here down: they inform, they do not alone restart.
	if !strings.Contains(logs, bootstrapMarker) {
		status.State = models.StateDegraded
		status.Reason = models.ReasonBootstrapIncomplete
		status.Warnings = append(status.Warnings, "bootstrap marker absent from recent logs")
	}

	// 4. Circuit count.
	count, err := c.circuits.CircuitCount(ctx)
	if err != nil {
		status.Circuits = -1
		c.degrade(&status, models.ReasonLowCircuitCount,
			fmt.Sprintf("circuit query failed: %v", err))
	} else {
		status.Circuits = count
		if count < c.opts.MinCircuits {
			c.degrade(&status, models.ReasonLowCircuitCount,
				fmt.Sprintf("%d of %d minimum circuits built", count, c.opts.MinCircuits))
		}
	}

	if status.State != models.StateHealthy {
		c.logger.Warn().
			Str("state", status.State.String()).
			Str("reason", string(status.Reason)).
			Strs("warnings", status.Warnings).
			Msg("Health poll found degradation")
	} else {
		c.logger.Debug().Int("circuits", status.Circuits).Msg("Health poll passed")
	}
	return status
}

func (c *Checker) failed(status models.HealthStatus, reason models.Reason, detail string) models.HealthStatus {
	status.State = models.StateFailed
	status.Reason = reason
	status.Detail = detail
	c.logger.Warn().
		Str("reason", string(reason)).
		Str("detail", detail).
		Msg("Health poll failed")
	return status
}

// degrade marks the status degraded, keeping the first reason when several
// soft checks fire in one poll.
func (c *Checker) degrade(status *models.HealthStatus, reason models.Reason, warning string) {
	if status.State == models.StateHealthy {
		status.State = models.StateDegraded
		status.Reason = reason
	}
	status.Warnings = append(status.Warnings, warning)
}
