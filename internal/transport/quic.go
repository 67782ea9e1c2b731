package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
)

// QUIC transport constants
const (
	// ALPNProtocol is negotiated on every QUIC connection.
	ALPNProtocol = "tcp-forward/1"

	DefaultMaxIdleTimeout  = 60 * time.Second
	DefaultKeepAlivePeriod = 20 * time.Second

	quicAcceptQueue = 16
	quicCloseLinger = 2 * time.Second
)

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:        DefaultMaxIdleTimeout,
		KeepAlivePeriod:       DefaultKeepAlivePeriod,
		MaxIncomingStreams:    1,
		MaxIncomingUniStreams: -1,
	}
}

// QUICDialer dials control connections carried on the single bidirectional stream of a
// QUIC connection.
type QUICDialer struct {
	opts DialOptions
}

// Type returns the transport type.
func (d *QUICDialer) Type() Type {
	return TypeQUIC
}

// Dial connects to a relay's QUIC listener at host:port. Without a TLS config the relay
// certificate is verified against the system roots.
func (d *QUICDialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	var tlsConfig *tls.Config
	if d.opts.TLSConfig != nil {
		tlsConfig = d.opts.TLSConfig.Clone()
	} else {
		tlsConfig = &tls.Config{}
	}
	tlsConfig.NextProtos = []string{ALPNProtocol}
	tlsConfig.MinVersion = tls.VersionTLS13
	if tlsConfig.ServerName == "" {
		if host, _, err := net.SplitHostPort(addr); err == nil {
			tlsConfig.ServerName = host
		}
	}

	if d.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.Timeout)
		defer cancel()
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConfig, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("QUIC dial failed: %w", err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, fmt.Errorf("failed to open QUIC stream: %w", err)
	}

	return newQUICConn(conn, stream), nil
}

// QUICListener accepts control connections over QUIC and implements net.Listener.
// A connection is delivered once the peer opens its stream.
type QUICListener struct {
	listener *quic.Listener
	connCh   chan net.Conn
	ctx      context.Context
	cancel   context.CancelFunc
	closed   atomic.Bool
	wg       sync.WaitGroup
}

// ListenQUIC starts a QUIC listener on addr. TLS is mandatory.
func ListenQUIC(addr string, opts ListenOptions) (*QUICListener, error) {
	if opts.TLSConfig == nil {
		return nil, fmt.Errorf("TLS config required for QUIC listener")
	}
	tlsConfig := opts.TLSConfig.Clone()
	tlsConfig.NextProtos = []string{ALPNProtocol}
	tlsConfig.MinVersion = tls.VersionTLS13

	ln, err := quic.ListenAddr(addr, tlsConfig, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("QUIC listen failed: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &QUICListener{
		listener: ln,
		connCh:   make(chan net.Conn, quicAcceptQueue),
		ctx:      ctx,
		cancel:   cancel,
	}

	l.wg.Add(1)
	go l.acceptLoop()

	return l, nil
}

func (l *QUICListener) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.listener.Accept(l.ctx)
		if err != nil {
			return
		}
		l.wg.Add(1)
		go l.acceptStream(conn)
	}
}

func (l *QUICListener) acceptStream(conn quic.Connection) {
	defer l.wg.Done()

	// The stream becomes visible once the peer writes its first frame
	stream, err := conn.AcceptStream(l.ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return
	}

	c := newQUICConn(conn, stream)
	select {
	case l.connCh <- c:
	case <-l.ctx.Done():
		c.Close()
	}
}

// Accept waits for and returns the next QUIC connection.
func (l *QUICListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.connCh:
		return conn, nil
	case <-l.ctx.Done():
		return nil, net.ErrClosed
	}
}

// Addr returns the listener's UDP address.
func (l *QUICListener) Addr() net.Addr {
	return l.listener.Addr()
}

// Close stops the listener and closes connections nobody accepted.
func (l *QUICListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}

	l.cancel()
	err := l.listener.Close()
	l.wg.Wait()

	for {
		select {
		case conn := <-l.connCh:
			conn.Close()
		default:
			return err
		}
	}
}

// quicConn adapts one QUIC stream and its connection to net.Conn.
type quicConn struct {
	conn   quic.Connection
	stream quic.Stream
	once   sync.Once
}

func newQUICConn(conn quic.Connection, stream quic.Stream) *quicConn {
	return &quicConn{conn: conn, stream: stream}
}

func (c *quicConn) Read(p []byte) (int, error)  { return c.stream.Read(p) }
func (c *quicConn) Write(p []byte) (int, error) { return c.stream.Write(p) }

// CloseWrite sends FIN on the stream.
func (c *quicConn) CloseWrite() error {
	return c.stream.Close()
}

// Close ends both directions. The QUIC connection stays up until the peer closes it or
// quicCloseLinger passes, so data already written is still delivered.
func (c *quicConn) Close() error {
	c.once.Do(func() {
		c.stream.CancelRead(0)
		c.stream.Close()
		go func() {
			select {
			case <-c.conn.Context().Done():
			case <-time.After(quicCloseLinger):
			}
			c.conn.CloseWithError(0, "")
		}()
	})
	return nil
}

func (c *quicConn) LocalAddr() net.Addr                { return c.conn.LocalAddr() }
func (c *quicConn) RemoteAddr() net.Addr               { return c.conn.RemoteAddr() }
func (c *quicConn) SetDeadline(t time.Time) error      { return c.stream.SetDeadline(t) }
func (c *quicConn) SetReadDeadline(t time.Time) error  { return c.stream.SetReadDeadline(t) }
func (c *quicConn) SetWriteDeadline(t time.Time) error { return c.stream.SetWriteDeadline(t) }

var (
	_ net.Listener = (*QUICListener)(nil)
	_ net.Conn     = (*quicConn)(nil)
)
