package firewall

import "strconv"

// natRules builds the redirection rules for the managed nat chain.
//
// Order matters: exemptions come first, then DNS capture, then the
// catch-all TCP redirect. Anything that falls through is handled by the
// filter chain.
func (e *Engine) natRules(t Target) [][]string {
	uid := strconv.Itoa(t.OwnerUID)
	dns := strconv.Itoa(t.DNSPort)
	trans := strconv.Itoa(t.TransPort)

	return [][]string{
		// The proxy's own upstream traffic must not be redirected back
		// into itself.
		{"-m", "owner", "--uid-owner", uid, "-j", "RETURN"},
		{"-o", "lo", "-j", "RETURN"},

		// All DNS goes to the proxy resolver, whatever server the client
		// asked for.
		{"-p", "udp", "--dport", "53", "-j", "REDIRECT", "--to-ports", dns},
		{"-p", "tcp", "--dport", "53", "-j", "REDIRECT", "--to-ports", dns},

		// Every other outbound TCP connection enters the transparent port.
		{"-p", "tcp", "--syn", "-j", "REDIRECT", "--to-ports", trans},
	}
}

// filterRules builds the deny-by-default filter chain. Whatever the nat
// chain did not redirect and is not proxy-originated gets logged and
// dropped.
func (e *Engine) filterRules(t Target) [][]string {
	uid := strconv.Itoa(t.OwnerUID)

	return [][]string{
		{"-m", "owner", "--uid-owner", uid, "-j", "ACCEPT"},
		{"-o", "lo", "-j", "ACCEPT"},
		{"-m", "state", "--state", "ESTABLISHED,RELATED", "-j", "ACCEPT"},
		{"-j", "LOG", "--log-prefix", "TORWATCH-DROP: ", "--log-level", "4"},
		{"-j", "DROP"},
	}
}

// v6Rules drops all IPv6 traffic unconditionally. The proxy carries no v6,
// so any v6 packet leaving the host is a leak.
func (e *Engine) v6Rules() [][]string {
	return [][]string{
		{"-j", "LOG", "--log-prefix", "TORWATCH-DROP6: ", "--log-level", "4"},
		{"-j", "DROP"},
	}
}
