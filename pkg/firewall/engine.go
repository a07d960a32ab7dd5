// Package firewall installs and audits the iptables rule set that forces all
// host traffic through the local Tor proxy. It owns two uniquely named
// chains (one in the nat table, one in filter) plus a v6 drop chain, and
// never touches rules outside of them.
package firewall

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"torwatch/pkg/log"
	"torwatch/pkg/models"
)

// Target tells the engine where redirected traffic must go and which process
// identity is exempt from redirection.
type Target struct {
	// TransPort is the proxy's transparent TCP port.
	TransPort int
	// DNSPort is the proxy's DNS port.
	DNSPort int
	// OwnerUID identifies the proxy process; packets it originates bypass
	// redirection so the proxy's own upstream traffic does not loop.
	OwnerUID int
}

// Engine is the redirection rule engine. All mutations go through the single
// watchdog loop, so the engine itself carries no locking.
type Engine struct {
	natChain    string
	filterChain string
	minRules    int
	v4          Runner
	v6          Runner
	logger      zerolog.Logger
}

// New creates an engine managing the given chain names. minRules is the
// count below which Verify reports the rule set incomplete.
func New(natChain, filterChain string, minRules int, v4, v6 Runner) *Engine {
	return &Engine{
		natChain:    natChain,
		filterChain: filterChain,
		minRules:    minRules,
		v4:          v4,
		v6:          v6,
		logger:      log.WithComponent("firewall"),
	}
}

// Apply installs the full redirection rule set for the given target. Each
// chain is built in a staging chain and swapped into place, so re-applies
// never leave a window where the deny-by-default drop is missing. It is safe
// to call repeatedly; on failure the managed chains are rolled back before
// returning.
func (e *Engine) Apply(ctx context.Context, t Target) error {
	steps := []struct {
		runner Runner
		table  string
		chain  string
		rules  [][]string
	}{
		{e.v4, "nat", e.natChain, e.natRules(t)},
		{e.v4, "filter", e.filterChain, e.filterRules(t)},
		{e.v6, "filter", e.filterChain, e.v6Rules()},
	}

	for _, step := range steps {
		if err := e.swapChain(ctx, step.runner, step.table, step.chain, step.rules); err != nil {
			e.rollback(ctx)
			return fmt.Errorf("%w: %v", ErrApplyFailed, err)
		}
	}

	e.logger.Info().
		Str("nat_chain", e.natChain).
		Str("filter_chain", e.filterChain).
		Int("trans_port", t.TransPort).
		Int("dns_port", t.DNSPort).
		Int("owner_uid", t.OwnerUID).
		Msg("Redirection rules applied")
	return nil
}

// Verify inspects the managed chains and reports how many rules are
// installed. A missing chain is reported as zero rules, not an error, so
// callers can distinguish drift from execution failure.
func (e *Engine) Verify(ctx context.Context) (models.RuleSetStatus, error) {
	status := models.RuleSetStatus{
		NATChain:    e.natChain,
		FilterChain: e.filterChain,
		MinExpected: e.minRules,
		CheckedAt:   time.Now().UTC(),
	}

	lists := []struct {
		runner Runner
		table  string
		chain  string
	}{
		{e.v4, "nat", e.natChain},
		{e.v4, "filter", e.filterChain},
		{e.v6, "filter", e.filterChain},
	}
	for _, l := range lists {
		out, err := l.runner.Run(ctx, "-t", l.table, "-S", l.chain)
		if err != nil {
			// Chain gone entirely: count nothing from it.
			continue
		}
		redirect, drop, total := countRules(out)
		status.RedirectRules += redirect
		status.DropRules += drop
		status.TotalRules += total
	}

	if status.TotalRules < e.minRules {
		return status, fmt.Errorf("%w: %d of %d expected rules present",
			ErrIncompleteRuleSet, status.TotalRules, e.minRules)
	}
	return status, nil
}

// Teardown removes the jump rules and the managed chains, staging leftovers
// from an interrupted apply included. Unrelated rules are untouched. Errors
// are collected so a partially removed chain does not leave the rest behind.
func (e *Engine) Teardown(ctx context.Context) error {
	var errs []string

	targets := []struct {
		runner Runner
		table  string
		chain  string
	}{
		{e.v4, "nat", e.natChain},
		{e.v4, "filter", e.filterChain},
		{e.v6, "filter", e.filterChain},
	}
	for _, t := range targets {
		for _, chain := range []string{stagingName(t.chain), t.chain} {
			// Delete the jump first so the chain is unreferenced.
			if _, err := t.runner.Run(ctx, "-t", t.table, "-D", "OUTPUT", "-j", chain); err != nil {
				if !isMissing(err) {
					errs = append(errs, err.Error())
				}
			}
			if _, err := t.runner.Run(ctx, "-t", t.table, "-F", chain); err != nil {
				if !isMissing(err) {
					errs = append(errs, err.Error())
				}
			}
			if _, err := t.runner.Run(ctx, "-t", t.table, "-X", chain); err != nil {
				if !isMissing(err) {
					errs = append(errs, err.Error())
				}
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("teardown errors: %s", strings.Join(errs, "; "))
	}
	e.logger.Info().Msg("Redirection rules removed")
	return nil
}

// stagingName is the scratch chain a swap builds into.
func stagingName(chain string) string {
	return chain + "_STG"
}

// swapChain builds the full rule list in a staging chain, points OUTPUT at
// it, and only then tears down the previous chain. The staging chain is
// renamed to the final name last (the OUTPUT jump follows the rename), so at
// every instant OUTPUT references exactly one complete chain.
func (e *Engine) swapChain(ctx context.Context, r Runner, table, chain string, rules [][]string) error {
	stg := stagingName(chain)

	if _, err := r.Run(ctx, "-t", table, "-N", stg); err != nil {
		if !isExists(err) {
			return err
		}
	}
	if _, err := r.Run(ctx, "-t", table, "-F", stg); err != nil {
		return err
	}
	for _, rule := range rules {
		args := append([]string{"-t", table, "-A", stg}, rule...)
		if _, err := r.Run(ctx, args...); err != nil {
			return err
		}
	}

	// The staging jump goes in at the top so it wins over the old chain's
	// jump for the moment both exist.
	if _, err := r.Run(ctx, "-t", table, "-C", "OUTPUT", "-j", stg); err != nil {
		if _, err := r.Run(ctx, "-t", table, "-I", "OUTPUT", "1", "-j", stg); err != nil {
			return err
		}
	}
	if _, err := r.Run(ctx, "-t", table, "-D", "OUTPUT", "-j", chain); err != nil && !isMissing(err) {
		return err
	}
	if _, err := r.Run(ctx, "-t", table, "-F", chain); err != nil && !isMissing(err) {
		return err
	}
	if _, err := r.Run(ctx, "-t", table, "-X", chain); err != nil && !isMissing(err) {
		return err
	}
	_, err := r.Run(ctx, "-t", table, "-E", stg, chain)
	return err
}

func (e *Engine) rollback(ctx context.Context) {
	if err := e.Teardown(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("Rollback after failed apply was incomplete")
	}
}

// countRules parses `iptables -S <chain>` output. The -N header line is not
// a rule.
func countRules(out string) (redirect, drop, total int) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "-A ") {
			continue
		}
		total++
		switch {
		case strings.Contains(line, "-j REDIRECT"):
			redirect++
		case strings.Contains(line, "-j DROP"):
			drop++
		}
	}
	return redirect, drop, total
}

func isExists(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "already exists")
}

func isMissing(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no chain") ||
		strings.Contains(msg, "does not exist") ||
		strings.Contains(msg, "no such") ||
		strings.Contains(msg, "bad rule")
}
