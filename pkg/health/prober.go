package health

import (
	"context"
	"net"
	"time"
)

// Prober answers whether a local port accepts a connection.
type Prober interface {
	TCPConnect(ctx context.Context, addr string, timeout time.Duration) error
}

// NetProber probes with a real TCP dial.
type NetProber struct{}

// TCPConnect dials addr and closes the connection immediately.
func (NetProber) TCPConnect(ctx context.Context, addr string, timeout time.Duration) error {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}
