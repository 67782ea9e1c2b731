// Package probe provides connectivity testing for tcp-forward relays.
package probe

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/postalsys/tcp-forward/internal/certutil"
	"github.com/postalsys/tcp-forward/internal/protocol"
	"github.com/postalsys/tcp-forward/internal/transport"
)

// DefaultTimeout bounds a probe when Options.Timeout is unset.
const DefaultTimeout = 10 * time.Second

// Options contains configuration for a connectivity probe.
type Options struct {
	// Transport is "tcp" or "ws". Empty selects TCP.
	Transport string

	// Address is the relay host:port, or a ws:// or wss:// URL.
	Address string

	// Path is the HTTP path for the WebSocket transport.
	Path string

	// Timeout for the entire probe operation.
	Timeout time.Duration

	// TLSConfig is used for wss:// URLs.
	TLSConfig *tls.Config
}

// Result contains the outcome of a connectivity probe.
type Result struct {
	Success   bool
	Transport string
	Address   string

	// Connect is the time spent establishing the transport connection.
	Connect time.Duration

	// RTT is the PING to PONG round trip on the control channel.
	RTT time.Duration

	Error error

	// ErrorDetail is a human-readable description of the error.
	ErrorDetail string
}

// Probe dials a relay control port, sends PING and waits for the PONG.
func Probe(ctx context.Context, opts Options) *Result {
	result := &Result{
		Transport: opts.Transport,
		Address:   opts.Address,
	}

	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	fail := func(err error) *Result {
		result.Error = err
		result.ErrorDetail = classifyError(err)
		return result
	}

	t, err := transport.ParseType(opts.Transport)
	if err != nil {
		return fail(err)
	}
	result.Transport = string(t)

	dialOpts := transport.DefaultDialOptions()
	dialOpts.Timeout = opts.Timeout
	dialOpts.TLSConfig = opts.TLSConfig
	if opts.Path != "" {
		dialOpts.Path = opts.Path
	}
	dialer, err := transport.NewDialer(t, dialOpts)
	if err != nil {
		return fail(err)
	}

	start := time.Now()
	conn, err := dialer.Dial(ctx, opts.Address)
	if err != nil {
		return fail(err)
	}
	defer conn.Close()
	result.Connect = time.Since(start)

	rtt, err := ping(ctx, conn)
	if err != nil {
		return fail(err)
	}

	result.Success = true
	result.RTT = rtt
	return result
}

// ping performs one PING/PONG exchange. Frames other than PONG are skipped.
func ping(ctx context.Context, conn net.Conn) (time.Duration, error) {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	reader := protocol.NewFrameReader(conn)
	writer := protocol.NewFrameWriter(conn)

	start := time.Now()
	if err := writer.WriteMessage(protocol.TypePing, nil); err != nil {
		return 0, fmt.Errorf("failed to send PING: %w", err)
	}

	for {
		m, err := reader.ReadMessage()
		if errors.Is(err, protocol.ErrUnknownMessageType) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("failed to read PONG: %w", err)
		}
		switch m.Type {
		case protocol.TypePong:
			return time.Since(start), nil
		case protocol.TypeStream:
			return 0, fmt.Errorf("relay upgraded the channel before answering PING")
		}
	}
}

// classifyError returns a human-readable description for common errors.
func classifyError(err error) string {
	if err == nil {
		return ""
	}

	errStr := err.Error()

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return "Could not resolve hostname - DNS lookup failed"
		}
		return "DNS error: " + dnsErr.Error()
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		if strings.Contains(errStr, "connection refused") {
			return "Connection refused - relay not running or port blocked"
		}
		if strings.Contains(errStr, "no route to host") {
			return "No route to host - network unreachable"
		}
		if strings.Contains(errStr, "network is unreachable") {
			return "Network unreachable"
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "Connection timed out"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "Connection timed out"
	}

	if errors.Is(err, certutil.ErrFingerprintMismatch) {
		return "TLS error - relay certificate does not match the pinned fingerprint"
	}

	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return "TLS certificate verification failed: " + certErr.Err.Error()
	}

	if errors.Is(err, protocol.ErrFrameTooLarge) || errors.Is(err, protocol.ErrInvalidFrame) {
		return "Protocol error - remote is not a tcp-forward relay"
	}

	if strings.Contains(errStr, "bad handshake") || strings.Contains(errStr, "expected handshake response status code 101") {
		return "WebSocket upgrade rejected - check the path"
	}

	return errStr
}
