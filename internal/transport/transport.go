// Package transport provides the byte-stream transports that carry control channels.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"
)

// Type identifies the transport protocol.
type Type string

const (
	TypeTCP       Type = "tcp"
	TypeWebSocket Type = "ws"
	TypeQUIC      Type = "quic"
)

// ParseType parses a transport name. An empty name selects TCP.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "tcp":
		return TypeTCP, nil
	case "ws", "websocket":
		return TypeWebSocket, nil
	case "quic":
		return TypeQUIC, nil
	default:
		return "", fmt.Errorf("unknown transport %q (expected tcp, ws or quic)", s)
	}
}

// Dialer opens connections to a relay.
type Dialer interface {
	// Dial connects to addr. The returned connection carries raw bytes in both directions.
	Dial(ctx context.Context, addr string) (net.Conn, error)

	// Type returns the transport type identifier.
	Type() Type
}

// DialOptions contains options for dialing a relay.
type DialOptions struct {
	// Timeout bounds connection establishment.
	Timeout time.Duration

	// Path is the HTTP path for the WebSocket transport.
	Path string

	// Subprotocol is the WebSocket subprotocol. Empty disables it.
	Subprotocol string

	// TLSConfig is used for wss:// URLs and QUIC.
	TLSConfig *tls.Config
}

// ListenOptions contains options for creating a WebSocket listener.
type ListenOptions struct {
	// Path is the HTTP path that accepts upgrades.
	Path string

	// Subprotocol is the WebSocket subprotocol. Empty disables it.
	Subprotocol string

	// TLSConfig enables wss when set. QUIC requires it.
	TLSConfig *tls.Config
}

// DefaultDialOptions returns DialOptions with sensible defaults.
func DefaultDialOptions() DialOptions {
	return DialOptions{
		Timeout:     10 * time.Second,
		Path:        DefaultWebSocketPath,
		Subprotocol: DefaultSubprotocol,
	}
}

// NewDialer creates a dialer for the given transport type.
func NewDialer(t Type, opts DialOptions) (Dialer, error) {
	switch t {
	case TypeTCP, "":
		return &TCPDialer{Timeout: opts.Timeout}, nil
	case TypeWebSocket:
		return &WebSocketDialer{opts: opts}, nil
	case TypeQUIC:
		return &QUICDialer{opts: opts}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", t)
	}
}
