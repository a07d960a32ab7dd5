package health

import "strings"

// Pattern pairs a fatal log phrase with a short classification for the
// health reason detail. Matching free-text logs is a maintenance liability,
// so the list lives here, apart from any checker logic, and can be replaced
// wholesale.
type Pattern struct {
	Phrase string
	Label  string
}

// DefaultPatterns covers the failure modes a live-but-broken proxy writes
// to its log without ever dropping a port.
var DefaultPatterns = []Pattern{
	{Phrase: "connection refused", Label: "upstream connection refused"},
	{Phrase: "circuit timeout", Label: "circuit construction timing out"},
	{Phrase: "failed to find node", Label: "node lookup failure"},
	{Phrase: "no running dirservers", Label: "directory failure"},
	{Phrase: "consensus is not signed", Label: "unsigned consensus"},
	{Phrase: "clock skew", Label: "host clock skew"},
}

// LogMatcher scans a log window for known-fatal phrases.
type LogMatcher struct {
	patterns []Pattern
}

// NewLogMatcher builds a matcher over the given patterns; nil means the
// default set.
func NewLogMatcher(patterns []Pattern) *LogMatcher {
	if patterns == nil {
		patterns = DefaultPatterns
	}
	return &LogMatcher{patterns: patterns}
}

// Match returns the first pattern found in the log window, case
// insensitively.
func (m *LogMatcher) Match(logs string) (Pattern, bool) {
	lower := strings.ToLower(logs)
	for _, p := range m.patterns {
		if strings.Contains(lower, strings.ToLower(p.Phrase)) {
			return p, true
		}
	}
	return Pattern{}, false
}
