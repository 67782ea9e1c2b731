package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

// TCPDialer dials plain TCP connections.
type TCPDialer struct {
	Timeout time.Duration
}

// Type returns the transport type.
func (d *TCPDialer) Type() Type {
	return TypeTCP
}

// Dial connects to addr over TCP.
func (d *TCPDialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	nd := net.Dialer{Timeout: d.Timeout}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("TCP dial failed: %w", err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return conn, nil
}
