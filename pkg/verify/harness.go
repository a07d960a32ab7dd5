// Package verify implements the on-demand leak-test harness. It reuses the
// same introspection primitives as the watchdog but runs them once, end to
// end, and reports instead of acting. All checks are read-only.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	xproxy "golang.org/x/net/proxy"

	"torwatch/pkg/health"
	"torwatch/pkg/log"
	"torwatch/pkg/models"
)

// DefaultCheckURL reports whether the requesting IP is a Tor exit.
const DefaultCheckURL = "https://check.torproject.org/api/ip"

// RuleVerifier is the firewall engine's read side.
type RuleVerifier interface {
	Verify(ctx context.Context) (models.RuleSetStatus, error)
}

// ControlClient is the slice of the control-port client the harness uses.
type ControlClient interface {
	CircuitCount(ctx context.Context) (int, error)
	BootstrapProgress(ctx context.Context) (int, error)
}

// Check is one verification result.
type Check struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// Report is the outcome of a full harness run.
type Report struct {
	Checks []Check   `json:"checks"`
	RanAt  time.Time `json:"ran_at"`
}

// Passed reports whether every check passed.
func (r Report) Passed() bool {
	for _, c := range r.Checks {
		if !c.Passed {
			return false
		}
	}
	return true
}

// Options configures a harness run.
type Options struct {
	SocksAddr string
	Timeout   time.Duration
	// CheckURL overrides the Tor exit check endpoint (tests point it at a
	// local fixture).
	CheckURL string
	// ExternalResolver is a public DNS server that redirection should
	// capture; the stock value is fine anywhere.
	ExternalResolver string
	// IPv6Probe is an address whose reachability would prove a v6 leak.
	IPv6Probe string
	// DirectProbe is a plain-UDP destination on a non-DNS port. Nothing
	// redirects it, so the deny-by-default chain must drop it; a reply
	// proves direct v4 egress.
	DirectProbe string
}

// Harness runs the verification checks.
type Harness struct {
	opts    Options
	rules   RuleVerifier
	prober  health.Prober
	control ControlClient
	logger  zerolog.Logger

	// lookupHost resolves through the redirected external resolver; tests
	// substitute it to stay off the network.
	lookupHost func(ctx context.Context, host string) ([]string, error)
	// exchangeUDP sends one datagram and waits for a reply; tests
	// substitute it to stay off the network.
	exchangeUDP func(ctx context.Context, addr string, timeout time.Duration) error
}

// NewHarness wires a harness over the shared introspection collaborators.
func NewHarness(opts Options, rules RuleVerifier, prober health.Prober, control ControlClient) *Harness {
	if opts.CheckURL == "" {
		opts.CheckURL = DefaultCheckURL
	}
	if opts.ExternalResolver == "" {
		opts.ExternalResolver = "1.1.1.1:53"
	}
	if opts.IPv6Probe == "" {
		opts.IPv6Probe = "[2606:4700:4700::1111]:80"
	}
	if opts.DirectProbe == "" {
		// time.cloudflare.com; NTP, so nothing in the rule set captures it.
		opts.DirectProbe = "162.159.200.1:123"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	h := &Harness{
		opts:    opts,
		rules:   rules,
		prober:  prober,
		control: control,
		logger:  log.WithComponent("verify"),
	}
	resolver := &net.Resolver{
		PreferGo: true,
		Dial: func(dctx context.Context, network, _ string) (net.Conn, error) {
			d := net.Dialer{Timeout: opts.Timeout}
			return d.DialContext(dctx, network, opts.ExternalResolver)
		},
	}
	h.lookupHost = resolver.LookupHost
	h.exchangeUDP = exchangeUDP
	return h
}

// exchangeUDP sends a minimal NTP client request, so a real time server
// answers whenever the packet actually escapes the host.
func exchangeUDP(ctx context.Context, addr string, timeout time.Duration) error {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	request := make([]byte, 48)
	request[0] = 0x23 // LI 0, version 4, client mode
	if _, err := conn.Write(request); err != nil {
		return err
	}
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	reply := make([]byte, 48)
	_, err = conn.Read(reply)
	return err
}

// Run executes every check and returns the combined report. Individual check
// failures are reported, not returned as errors.
func (h *Harness) Run(ctx context.Context) Report {
	report := Report{RanAt: time.Now().UTC()}
	for _, fn := range []func(context.Context) Check{
		h.checkRules,
		h.checkSocksReachable,
		h.checkBootstrap,
		h.checkCircuits,
		h.checkExitViaTor,
		h.checkDNSRedirect,
		h.checkDirectEgress,
		h.checkIPv6Blocked,
	} {
		check := fn(ctx)
		h.logger.Info().
			Str("check", check.Name).
			Bool("passed", check.Passed).
			Str("detail", check.Detail).
			Msg("Verification check finished")
		report.Checks = append(report.Checks, check)
	}
	return report
}

func (h *Harness) checkRules(ctx context.Context) Check {
	status, err := h.rules.Verify(ctx)
	if err != nil {
		return Check{Name: "rules-installed", Detail: err.Error()}
	}
	return Check{
		Name:   "rules-installed",
		Passed: true,
		Detail: fmt.Sprintf("%d rules installed (%d redirect, %d drop)", status.TotalRules, status.RedirectRules, status.DropRules),
	}
}

func (h *Harness) checkSocksReachable(ctx context.Context) Check {
	if err := h.prober.TCPConnect(ctx, h.opts.SocksAddr, h.opts.Timeout); err != nil {
		return Check{Name: "socks-reachable", Detail: err.Error()}
	}
	return Check{Name: "socks-reachable", Passed: true, Detail: "SOCKS port accepts connections"}
}

func (h *Harness) checkBootstrap(ctx context.Context) Check {
	progress, err := h.control.BootstrapProgress(ctx)
	if err != nil {
		return Check{Name: "bootstrap-complete", Detail: err.Error()}
	}
	if progress < 100 {
		return Check{Name: "bootstrap-complete", Detail: fmt.Sprintf("bootstrap at %d%%", progress)}
	}
	return Check{Name: "bootstrap-complete", Passed: true, Detail: "bootstrap at 100%"}
}

func (h *Harness) checkCircuits(ctx context.Context) Check {
	count, err := h.control.CircuitCount(ctx)
	if err != nil {
		return Check{Name: "circuits-built", Detail: err.Error()}
	}
	if count < 1 {
		return Check{Name: "circuits-built", Detail: "no built circuits"}
	}
	return Check{Name: "circuits-built", Passed: true, Detail: fmt.Sprintf("%d circuits built", count)}
}

// checkExitViaTor fetches the exit check endpoint through the SOCKS port and
// expects the responding service to see a Tor exit address.
func (h *Harness) checkExitViaTor(ctx context.Context) Check {
	dialer, err := xproxy.SOCKS5("tcp", h.opts.SocksAddr, nil, &net.Dialer{Timeout: h.opts.Timeout})
	if err != nil {
		return Check{Name: "exit-via-tor", Detail: fmt.Sprintf("socks dialer: %v", err)}
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.Logger = nil
	client.HTTPClient.Timeout = h.opts.Timeout
	client.HTTPClient.Transport = &http.Transport{
		DialContext: func(dctx context.Context, network, addr string) (net.Conn, error) {
			if cd, ok := dialer.(xproxy.ContextDialer); ok {
				return cd.DialContext(dctx, network, addr)
			}
			return dialer.Dial(network, addr)
		},
	}

	isTor, ip, err := h.fetchExitCheck(ctx, client)
	if err != nil {
		return Check{Name: "exit-via-tor", Detail: err.Error()}
	}
	if !isTor {
		return Check{Name: "exit-via-tor", Detail: fmt.Sprintf("exit address %s is NOT a Tor exit: traffic is leaking", ip)}
	}
	return Check{Name: "exit-via-tor", Passed: true, Detail: fmt.Sprintf("exit address %s confirmed as Tor exit", ip)}
}

func (h *Harness) fetchExitCheck(ctx context.Context, client *retryablehttp.Client) (bool, string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, h.opts.CheckURL, nil)
	if err != nil {
		return false, "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, "", fmt.Errorf("exit check returned status %d", resp.StatusCode)
	}

	var payload struct {
		IsTor bool   `json:"IsTor"`
		IP    string `json:"IP"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return false, "", fmt.Errorf("exit check response unreadable: %w", err)
	}
	return payload.IsTor, payload.IP, nil
}

// checkDNSRedirect resolves against an external resolver address. With the
// rules in place the query never reaches that resolver; it is redirected to
// the proxy DNS port, so an answer proves redirection and a timeout proves
// a broken resolver path. Either way no packet left the tunnel.
func (h *Harness) checkDNSRedirect(ctx context.Context) Check {
	rctx, cancel := context.WithTimeout(ctx, h.opts.Timeout)
	defer cancel()
	addrs, err := h.lookupHost(rctx, "torproject.org")
	if err != nil {
		return Check{Name: "dns-redirect", Detail: fmt.Sprintf("lookup via redirected resolver failed: %v", err)}
	}
	if len(addrs) == 0 {
		return Check{Name: "dns-redirect", Detail: "redirected resolver returned no addresses"}
	}
	return Check{Name: "dns-redirect", Passed: true, Detail: fmt.Sprintf("resolved %d addresses through proxy DNS", len(addrs))}
}

// checkDirectEgress sends a raw v4 datagram to a port the redirection does
// not capture. The filter chain must drop it; a reply means plain traffic
// escapes the host.
func (h *Harness) checkDirectEgress(ctx context.Context) Check {
	if err := h.exchangeUDP(ctx, h.opts.DirectProbe, h.opts.Timeout); err != nil {
		return Check{Name: "direct-egress-blocked", Passed: true, Detail: "direct IPv4 egress is blocked"}
	}
	return Check{Name: "direct-egress-blocked", Detail: fmt.Sprintf("UDP exchange with %s succeeded: v4 traffic is leaking", h.opts.DirectProbe)}
}

// checkIPv6Blocked passes when a direct v6 connection fails: any reachable
// v6 path bypasses the proxy entirely.
func (h *Harness) checkIPv6Blocked(ctx context.Context) Check {
	if err := h.prober.TCPConnect(ctx, h.opts.IPv6Probe, h.opts.Timeout); err != nil {
		return Check{Name: "ipv6-blocked", Passed: true, Detail: "direct IPv6 egress is blocked"}
	}
	return Check{Name: "ipv6-blocked", Detail: fmt.Sprintf("IPv6 connection to %s succeeded: v6 traffic is leaking", h.opts.IPv6Probe)}
}
