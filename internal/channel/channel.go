// Package channel implements the framed control channel that can upgrade into a raw byte stream.
package channel

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/postalsys/tcp-forward/internal/logging"
	"github.com/postalsys/tcp-forward/internal/metrics"
	"github.com/postalsys/tcp-forward/internal/protocol"
	"github.com/postalsys/tcp-forward/internal/recovery"
)

// State represents the state of a control channel.
type State int32

const (
	StateOpen State = iota
	StateStreaming
	StateClosed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateStreaming:
		return "STREAMING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrNotOpen is returned when sending on a channel that is streaming, closing or closed
	ErrNotOpen = errors.New("control channel is not open")

	errPanic = errors.New("control channel read loop panicked")
)

// closeLinger bounds how long Close waits for the peer to finish after half-closing.
var closeLinger = 2 * time.Second

const readChunkSize = 32 * 1024

// Config contains configuration for a channel.
type Config struct {
	Handler Handler
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Channel is one connection carrying length-prefixed control frames until it is upgraded
// to a raw stream with STREAM.
type Channel struct {
	conn    net.Conn
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	state   State
	handler Handler
	started bool
	closing bool
	pipeW   *io.PipeWriter
	drained []func()

	writeMu sync.Mutex
	writer  *protocol.FrameWriter

	done chan struct{}
}

// New wraps conn in a control channel. Call Start to begin reading.
func New(conn net.Conn, cfg Config) *Channel {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Channel{
		conn: conn,
		logger: logger.With(
			logging.KeyRemoteAddr, addrString(conn.RemoteAddr()),
		),
		metrics: cfg.Metrics,
		handler: cfg.Handler,
		writer:  protocol.NewFrameWriter(conn),
		done:    make(chan struct{}),
	}
}

// Start launches the read loop. It is a no-op after the first call.
func (c *Channel) Start() {
	c.mu.Lock()
	if c.started || c.state != StateOpen {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	go c.readLoop()
}

// Done is closed when the read loop exits.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// State returns the current channel state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetHandler replaces the event handler. A nil handler drops every event.
func (c *Channel) SetHandler(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// RemoteAddr returns the remote address of the underlying connection.
func (c *Channel) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// LocalAddr returns the local address of the underlying connection.
func (c *Channel) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// Ping sends a PING.
func (c *Channel) Ping() error {
	return c.send(protocol.TypePing, nil)
}

// Pong sends a PONG.
func (c *Channel) Pong() error {
	return c.send(protocol.TypePong, nil)
}

// Connect sends CONNECT(topic).
func (c *Channel) Connect(topic []byte) error {
	msg := &protocol.Connect{Topic: topic}
	if err := msg.Validate(); err != nil {
		return err
	}
	return c.send(protocol.TypeConnect, msg.Encode())
}

// Listen sends LISTEN(topic, id).
func (c *Channel) Listen(topic, id []byte) error {
	msg := &protocol.Listen{Topic: topic, ID: id}
	if err := msg.Validate(); err != nil {
		return err
	}
	return c.send(protocol.TypeListen, msg.Encode())
}

// Announce sends LISTEN(topic, id) for every topic in a single write, so the relay reads
// them together.
func (c *Channel) Announce(id []byte, topics [][]byte) error {
	var data []byte
	for _, topic := range topics {
		msg := &protocol.Listen{Topic: topic, ID: id}
		if err := msg.Validate(); err != nil {
			return err
		}
		var err error
		data, err = protocol.AppendFrame(data, protocol.EncodeMessage(protocol.TypeListen, msg.Encode()))
		if err != nil {
			return err
		}
	}
	if len(data) == 0 {
		return nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	open := c.state == StateOpen && !c.closing
	c.mu.Unlock()
	if !open {
		return ErrNotOpen
	}

	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("send %s: %w", protocol.TypeListen, err)
	}
	for range topics {
		c.metrics.RecordFrameSent(protocol.TypeListen.String())
	}
	return nil
}

// AfterBuffered runs fn on the read loop once every frame already read from the
// connection has been dispatched. It is meant to be called from handler callbacks.
func (c *Channel) AfterBuffered(fn func()) {
	c.mu.Lock()
	c.drained = append(c.drained, fn)
	c.mu.Unlock()
}

// Unlisten sends UNLISTEN(id).
func (c *Channel) Unlisten(id []byte) error {
	msg := &protocol.Unlisten{ID: id}
	if err := msg.Validate(); err != nil {
		return err
	}
	return c.send(protocol.TypeUnlisten, msg.Encode())
}

// Listening sends LISTENING(port).
func (c *Channel) Listening(port uint16) error {
	return c.send(protocol.TypeListening, (&protocol.Listening{Port: port}).Encode())
}

// Stream sends STREAM and upgrades the channel to a raw pipe.
//
// When the read loop is running, the returned connection reads every byte that follows
// on the wire and the handler's OnStream receives the same connection. When the read loop
// was never started, the underlying connection is returned as is.
func (c *Channel) Stream() (net.Conn, error) {
	c.writeMu.Lock()

	c.mu.Lock()
	if c.state != StateOpen || c.closing {
		c.mu.Unlock()
		c.writeMu.Unlock()
		return nil, ErrNotOpen
	}
	c.state = StateStreaming
	raw := c.rawLocked()
	h := c.handler
	started := c.started
	c.mu.Unlock()

	err := c.writer.WriteMessage(protocol.TypeStream, nil)
	c.writeMu.Unlock()
	if err != nil {
		raw.Close()
		c.Destroy(err)
		return nil, fmt.Errorf("send STREAM: %w", err)
	}
	c.metrics.RecordFrameSent(protocol.TypeStream.String())
	c.metrics.RecordStreamUpgrade("sent")
	c.logger.Debug("channel upgraded to stream", "direction", "sent")

	if started {
		c.fireStream(h, raw)
	}
	return raw, nil
}

// Close ends the channel gracefully. The write side is shut down so queued frames reach
// the peer, and the connection is closed once the peer finishes or after a short linger.
func (c *Channel) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if c.state != StateOpen || c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	started := c.started
	c.mu.Unlock()

	hc, ok := c.conn.(interface{ CloseWrite() error })
	if !started || !ok {
		if !started {
			c.mu.Lock()
			c.state = StateClosed
			c.mu.Unlock()
		}
		return c.conn.Close()
	}

	if err := hc.CloseWrite(); err != nil {
		return c.conn.Close()
	}
	time.AfterFunc(closeLinger, func() {
		if c.State() == StateOpen {
			c.conn.Close()
		}
	})
	return nil
}

// Destroy closes the connection immediately. A channel that was open reports err through
// OnError (when err is not nil) followed by OnClose.
func (c *Channel) Destroy(err error) {
	c.mu.Lock()
	prev := c.state
	if prev == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	h := c.handler
	c.mu.Unlock()

	c.conn.Close()

	if prev != StateOpen {
		return
	}
	if err != nil {
		c.logger.Debug("channel destroyed", logging.KeyError, err)
		if h != nil {
			h.OnError(err)
		}
	}
	if h != nil {
		h.OnClose()
	}
}

func (c *Channel) send(t protocol.MessageType, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	open := c.state == StateOpen && !c.closing
	c.mu.Unlock()
	if !open {
		return ErrNotOpen
	}

	if err := c.writer.WriteMessage(t, payload); err != nil {
		return fmt.Errorf("send %s: %w", t, err)
	}
	c.metrics.RecordFrameSent(t.String())
	return nil
}

// rawLocked returns the connection handed out after the upgrade. Caller holds c.mu.
func (c *Channel) rawLocked() net.Conn {
	if !c.started {
		return c.conn
	}
	pr, pw := io.Pipe()
	c.pipeW = pw
	return &rawConn{Conn: c.conn, r: pr}
}

func (c *Channel) fireStream(h Handler, raw net.Conn) {
	if h == nil {
		raw.Close()
		return
	}
	go func() {
		defer recovery.RecoverWithCallback(c.logger, "channel.onStream", func(any) { raw.Close() })
		h.OnStream(raw)
	}()
}

func (c *Channel) readLoop() {
	defer close(c.done)
	defer recovery.RecoverWithCallback(c.logger, "channel.readLoop", func(any) { c.Destroy(errPanic) })

	var (
		buf     []byte
		readErr error
	)
	chunk := make([]byte, readChunkSize)

	for {
		buf = c.drain(buf)
		c.runDrained()

		switch c.State() {
		case StateStreaming:
			c.pumpRaw(buf, readErr)
			return
		case StateClosed:
			return
		}

		if readErr != nil {
			c.onReadError(readErr)
			return
		}

		n, err := c.conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		readErr = err
	}
}

func (c *Channel) runDrained() {
	c.mu.Lock()
	fns := c.drained
	c.drained = nil
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// drain dispatches every complete frame in buf while the channel stays open and returns
// the unconsumed remainder.
func (c *Channel) drain(buf []byte) []byte {
	for c.State() == StateOpen {
		body, n, err := protocol.SplitFrame(buf)
		if err != nil {
			c.metrics.RecordDecodeError("frame_too_large")
			c.Destroy(err)
			return nil
		}
		if n == 0 {
			break
		}
		body = append([]byte(nil), body...)
		buf = buf[n:]
		c.dispatch(body)
	}
	if len(buf) == 0 {
		return nil
	}
	return buf
}

func (c *Channel) dispatch(body []byte) {
	m, err := protocol.DecodeMessage(body)
	if errors.Is(err, protocol.ErrUnknownMessageType) {
		c.metrics.RecordDecodeError("unknown_type")
		c.logger.Debug("skipping unknown message type", "type", uint8(m.Type))
		return
	}
	if err != nil {
		if errors.Is(err, protocol.ErrInvalidPayload) {
			c.metrics.RecordDecodeError("invalid_payload")
		} else {
			c.metrics.RecordDecodeError("invalid_frame")
		}
		c.Destroy(err)
		return
	}
	c.metrics.RecordFrameReceived(m.Type.String())

	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()

	switch m.Type {
	case protocol.TypePing:
		if err := c.Pong(); err != nil {
			c.logger.Debug("failed to answer ping", logging.KeyError, err)
		}

	case protocol.TypePong:

	case protocol.TypeConnect:
		p, err := protocol.DecodeConnect(m.Payload)
		if err != nil {
			c.Destroy(err)
			return
		}
		if h != nil {
			h.OnConnect(p.Topic)
		}

	case protocol.TypeListen:
		p, err := protocol.DecodeListen(m.Payload)
		if err != nil {
			c.Destroy(err)
			return
		}
		if h != nil {
			h.OnListen(p.Topic, p.ID)
		}

	case protocol.TypeUnlisten:
		p, err := protocol.DecodeUnlisten(m.Payload)
		if err != nil {
			c.Destroy(err)
			return
		}
		if h != nil {
			h.OnUnlisten(p.ID)
		}

	case protocol.TypeListening:
		p, err := protocol.DecodeListening(m.Payload)
		if err != nil {
			c.Destroy(err)
			return
		}
		if h != nil {
			h.OnListening(p.Port)
		}

	case protocol.TypeStream:
		c.upgradeReceived()
	}
}

func (c *Channel) upgradeReceived() {
	// Hold the write lock so no control frame follows the upgrade onto the wire.
	c.writeMu.Lock()
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		c.writeMu.Unlock()
		return
	}
	c.state = StateStreaming
	raw := c.rawLocked()
	h := c.handler
	c.mu.Unlock()
	c.writeMu.Unlock()

	c.metrics.RecordStreamUpgrade("received")
	c.logger.Debug("channel upgraded to stream", "direction", "received")
	c.fireStream(h, raw)
}

// pumpRaw forwards the bytes left over from frame decoding, then everything else the
// connection yields, to the raw connection's reader.
func (c *Channel) pumpRaw(buf []byte, readErr error) {
	c.mu.Lock()
	w := c.pipeW
	c.mu.Unlock()
	if w == nil {
		return
	}

	if len(buf) > 0 {
		if _, err := w.Write(buf); err != nil {
			return
		}
	}
	if readErr != nil {
		w.CloseWithError(readErr)
		return
	}

	_, err := io.Copy(w, c.conn)
	w.CloseWithError(err)
}

func (c *Channel) onReadError(err error) {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	h := c.handler
	c.mu.Unlock()

	c.conn.Close()
	if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		c.logger.Debug("control connection failed", logging.KeyError, err)
	}
	if h != nil {
		h.OnClose()
	}
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

// rawConn is the connection handed out after a stream upgrade. Reads are served from the
// channel's read loop so bytes buffered during frame decoding are not lost.
type rawConn struct {
	net.Conn
	r *io.PipeReader
}

func (rc *rawConn) Read(p []byte) (int, error) {
	return rc.r.Read(p)
}

func (rc *rawConn) Close() error {
	rc.r.Close()
	return rc.Conn.Close()
}

// CloseWrite shuts down the write side when the transport supports it.
func (rc *rawConn) CloseWrite() error {
	if hc, ok := rc.Conn.(interface{ CloseWrite() error }); ok {
		return hc.CloseWrite()
	}
	return errors.ErrUnsupported
}
