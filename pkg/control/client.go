// Package control implements the small slice of the Tor control-port
// protocol the watchdog needs: authentication, GETINFO queries and the
// NEWNYM signal. The protocol is line-oriented text, so the client is a
// thin wrapper over a TCP connection.
package control

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrAuthFailed is returned when the control port rejects our
	// credentials.
	ErrAuthFailed = errors.New("control port authentication failed")

	// ErrBadReply is returned when a reply cannot be parsed.
	ErrBadReply = errors.New("malformed control port reply")
)

// Client talks to a Tor control port. Each call dials a fresh connection;
// at watchdog cadence the setup cost is irrelevant and it avoids keeping a
// half-dead connection across proxy restarts.
type Client struct {
	Addr     string
	Password string
	Timeout  time.Duration
}

// NewClient returns a client for the given control port address.
func NewClient(addr, password string, timeout time.Duration) *Client {
	return &Client{Addr: addr, Password: password, Timeout: timeout}
}

// CircuitCount returns the number of fully built circuits.
func (c *Client) CircuitCount(ctx context.Context) (int, error) {
	lines, err := c.getInfo(ctx, "circuit-status")
	if err != nil {
		return 0, err
	}
	return countBuilt(lines), nil
}

// BootstrapProgress returns the bootstrap percentage (0-100).
func (c *Client) BootstrapProgress(ctx context.Context) (int, error) {
	lines, err := c.getInfo(ctx, "status/bootstrap-phase")
	if err != nil {
		return 0, err
	}
	for _, line := range lines {
		if p, ok := parseProgress(line); ok {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: no PROGRESS field in bootstrap phase", ErrBadReply)
}

// NewIdentity asks the proxy to switch to clean circuits. Used by the
// verification harness, not the watchdog loop.
func (c *Client) NewIdentity(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.close()

	if _, err := conn.request("SIGNAL NEWNYM"); err != nil {
		return fmt.Errorf("NEWNYM signal failed: %w", err)
	}
	return nil
}

// getInfo runs GETINFO key and returns the value lines.
func (c *Client) getInfo(ctx context.Context, key string) ([]string, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.close()

	lines, err := conn.request("GETINFO " + key)
	if err != nil {
		return nil, fmt.Errorf("GETINFO %s failed: %w", key, err)
	}

	prefix := key + "="
	var values []string
	for _, line := range lines {
		if idx := strings.Index(line, prefix); idx >= 0 {
			rest := line[idx+len(prefix):]
			if rest != "" {
				values = append(values, rest)
			}
			continue
		}
		values = append(values, line)
	}
	return values, nil
}

func (c *Client) dial(ctx context.Context) (*controlConn, error) {
	dialer := net.Dialer{Timeout: c.Timeout}
	raw, err := dialer.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return nil, fmt.Errorf("control port dial failed: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = raw.SetDeadline(deadline)
	} else {
		_ = raw.SetDeadline(time.Now().Add(c.Timeout))
	}

	conn := &controlConn{raw: raw, reader: bufio.NewReader(raw)}

	auth := "AUTHENTICATE"
	if c.Password != "" {
		auth = "AUTHENTICATE " + quoteString(c.Password)
	}
	if _, err := conn.request(auth); err != nil {
		conn.close()
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	return conn, nil
}

// quoteString encodes a control-protocol QuotedString: only backslash and
// double quote are escaped, all other bytes pass through verbatim.
func quoteString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' || s[i] == '"' {
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	b.WriteByte('"')
	return b.String()
}

// controlConn is one authenticated control-port session.
type controlConn struct {
	raw    net.Conn
	reader *bufio.Reader
}

// request sends one command and collects the reply lines. Multi-line data
// replies (250+key=) are read through their terminating "." line.
func (c *controlConn) request(cmd string) ([]string, error) {
	if _, err := fmt.Fprintf(c.raw, "%s\r\n", cmd); err != nil {
		return nil, err
	}

	var lines []string
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if len(line) < 4 {
			return nil, fmt.Errorf("%w: short line %q", ErrBadReply, line)
		}

		code, sep, rest := line[:3], line[3], line[4:]
		if code != "250" {
			return nil, fmt.Errorf("control port error: %s", line)
		}

		switch sep {
		case ' ':
			// Final line; "250 OK" carries no payload.
			if rest != "OK" {
				lines = append(lines, rest)
			}
			return lines, nil
		case '-':
			lines = append(lines, rest)
		case '+':
			lines = append(lines, rest)
			for {
				data, err := c.reader.ReadString('\n')
				if err != nil {
					return nil, err
				}
				data = strings.TrimRight(data, "\r\n")
				if data == "." {
					break
				}
				lines = append(lines, data)
			}
		default:
			return nil, fmt.Errorf("%w: %q", ErrBadReply, line)
		}
	}
}

func (c *controlConn) close() {
	_, _ = fmt.Fprintf(c.raw, "QUIT\r\n")
	_ = c.raw.Close()
}

// countBuilt counts circuit-status entries in the BUILT state.
func countBuilt(lines []string) int {
	count := 0
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == "BUILT" {
			count++
		}
	}
	return count
}

// parseProgress extracts the PROGRESS value from a bootstrap-phase line,
// e.g. `NOTICE BOOTSTRAP PROGRESS=100 TAG=done SUMMARY="Done"`.
func parseProgress(line string) (int, bool) {
	for _, field := range strings.Fields(line) {
		if value, ok := strings.CutPrefix(field, "PROGRESS="); ok {
			p, err := strconv.Atoi(value)
			if err != nil {
				return 0, false
			}
			return p, true
		}
	}
	return 0, false
}
