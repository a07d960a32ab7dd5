package models

import "time"

// RuleSetStatus describes the redirection rules currently installed under the
// managed chains, as reported by the firewall engine's verify operation.
type RuleSetStatus struct {
	NATChain      string    `json:"nat_chain"`
	FilterChain   string    `json:"filter_chain"`
	RedirectRules int       `json:"redirect_rules"`
	DropRules     int       `json:"drop_rules"`
	TotalRules    int       `json:"total_rules"`
	MinExpected   int       `json:"min_expected"`
	CheckedAt     time.Time `json:"checked_at"`
}

// Complete reports whether the installed rule count meets the configured
// minimum. A count below the minimum signals incomplete or tampered
// configuration.
func (r RuleSetStatus) Complete() bool {
	return r.TotalRules >= r.MinExpected
}
