package firewall

import "errors"

var (
	// ErrApplyFailed is returned when rule installation could not complete.
	// The engine rolls the managed chains back before returning it, so a
	// retry starts from a clean slate.
	ErrApplyFailed = errors.New("rule application failed")

	// ErrIncompleteRuleSet is returned by Verify when the installed rule
	// count is below the configured minimum.
	ErrIncompleteRuleSet = errors.New("installed rule set is incomplete")
)
