package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

// WebSocket transport constants
const (
	DefaultWebSocketPath = "/tunnel"
	DefaultSubprotocol   = "tcp-forward/1"

	wsReadLimit       = 1 << 20
	wsAcceptQueue     = 16
	wsShutdownTimeout = 5 * time.Second
)

// WebSocketDialer dials control connections carried in binary WebSocket messages.
type WebSocketDialer struct {
	opts DialOptions
}

// Type returns the transport type.
func (d *WebSocketDialer) Type() Type {
	return TypeWebSocket
}

// Dial connects to a relay's WebSocket endpoint. addr is either a ws:// or wss:// URL
// or a host:port, in which case the configured path is appended.
func (d *WebSocketDialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	wsURL := parseWebSocketURL(addr, d.opts.Path)

	if d.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.Timeout)
		defer cancel()
	}

	dialOpts := &websocket.DialOptions{}
	if d.opts.Subprotocol != "" {
		dialOpts.Subprotocols = []string{d.opts.Subprotocol}
	}
	if d.opts.TLSConfig != nil {
		dialOpts.HTTPClient = &http.Client{
			Transport: &http.Transport{TLSClientConfig: d.opts.TLSConfig},
		}
	}

	c, _, err := websocket.Dial(ctx, wsURL, dialOpts)
	if err != nil {
		return nil, fmt.Errorf("WebSocket dial failed: %w", err)
	}
	c.SetReadLimit(wsReadLimit)

	return newWSConn(c, wsAddr("local"), wsAddr(wsURL)), nil
}

// WebSocketListener accepts control connections over WebSocket and implements net.Listener.
type WebSocketListener struct {
	path        string
	subprotocol string
	server      *http.Server
	netLn       net.Listener
	connCh      chan net.Conn
	closeCh     chan struct{}
	closed      atomic.Bool
	wg          sync.WaitGroup
}

// ListenWebSocket starts an HTTP server on addr that upgrades requests on the configured path.
func ListenWebSocket(addr string, opts ListenOptions) (*WebSocketListener, error) {
	path := opts.Path
	if path == "" {
		path = DefaultWebSocketPath
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen failed: %w", err)
	}

	l := &WebSocketListener{
		path:        path,
		subprotocol: opts.Subprotocol,
		netLn:       ln,
		connCh:      make(chan net.Conn, wsAcceptQueue),
		closeCh:     make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, l.handleWebSocket)
	l.server = &http.Server{
		Handler:           mux,
		TLSConfig:         opts.TLSConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if opts.TLSConfig != nil {
			l.server.ServeTLS(ln, "", "")
		} else {
			l.server.Serve(ln)
		}
	}()

	return l, nil
}

// handleWebSocket handles incoming WebSocket upgrade requests.
func (l *WebSocketListener) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if l.closed.Load() {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}

	acceptOpts := &websocket.AcceptOptions{}
	if l.subprotocol != "" {
		acceptOpts.Subprotocols = []string{l.subprotocol}
	}

	c, err := websocket.Accept(w, r, acceptOpts)
	if err != nil {
		return
	}
	if l.subprotocol != "" && c.Subprotocol() != l.subprotocol {
		c.Close(websocket.StatusPolicyViolation, "unsupported subprotocol")
		return
	}
	c.SetReadLimit(wsReadLimit)

	conn := newWSConn(c, l.netLn.Addr(), wsAddr(r.RemoteAddr))

	select {
	case l.connCh <- conn:
	case <-l.closeCh:
		c.Close(websocket.StatusGoingAway, "server closed")
	}
}

// Accept waits for and returns the next WebSocket connection.
func (l *WebSocketListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.connCh:
		return conn, nil
	case <-l.closeCh:
		return nil, net.ErrClosed
	}
}

// Addr returns the listener's address.
func (l *WebSocketListener) Addr() net.Addr {
	return l.netLn.Addr()
}

// Close stops the listener and the HTTP server.
func (l *WebSocketListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}

	close(l.closeCh)

	ctx, cancel := context.WithTimeout(context.Background(), wsShutdownTimeout)
	defer cancel()

	err := l.server.Shutdown(ctx)
	l.wg.Wait()

	// Drain upgraded connections nobody accepted
	for {
		select {
		case conn := <-l.connCh:
			conn.Close()
		default:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}
	}
}

// wsConn adapts a WebSocket connection to net.Conn with meaningful addresses.
type wsConn struct {
	net.Conn
	local  net.Addr
	remote net.Addr
}

func newWSConn(c *websocket.Conn, local, remote net.Addr) *wsConn {
	return &wsConn{
		Conn:   websocket.NetConn(context.Background(), c, websocket.MessageBinary),
		local:  local,
		remote: remote,
	}
}

func (c *wsConn) LocalAddr() net.Addr {
	return c.local
}

func (c *wsConn) RemoteAddr() net.Addr {
	return c.remote
}

// wsAddr is a net.Addr for WebSocket endpoints.
type wsAddr string

func (a wsAddr) Network() string { return "websocket" }
func (a wsAddr) String() string  { return string(a) }

// parseWebSocketURL turns addr into a WebSocket URL.
func parseWebSocketURL(addr, path string) string {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return addr
	}
	if path == "" {
		path = DefaultWebSocketPath
	}
	return "ws://" + addr + path
}

var _ net.Listener = (*WebSocketListener)(nil)
