// Package relay implements the public side of the tunnel: it accepts control connections,
// opens a forwarding port per client id and splices connections accepted on that port
// into upgraded control connections.
package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"github.com/postalsys/tcp-forward/internal/channel"
	"github.com/postalsys/tcp-forward/internal/identity"
	"github.com/postalsys/tcp-forward/internal/logging"
	"github.com/postalsys/tcp-forward/internal/metrics"
	"github.com/postalsys/tcp-forward/internal/recovery"
	"github.com/postalsys/tcp-forward/internal/transport"
)

// ErrServerClosed is returned to queued and waiting parties when a client state or the
// relay itself is shut down.
var ErrServerClosed = errors.New("tunnel server closed")

const (
	DefaultQueueSize   = 16
	DefaultIdleTimeout = 7 * time.Second
)

// Config holds relay configuration.
type Config struct {
	// QueueSize bounds the forwarded connections waiting for a consumer per client.
	QueueSize int

	// IdleTimeout is how long a client state without control channels survives.
	IdleTimeout time.Duration

	// ForwardHost is the address forwarding listeners bind to.
	ForwardHost string

	// AcceptRate limits connections per second on each forwarding listener (0 = unlimited).
	AcceptRate float64

	// AcceptBurst is the burst allowed above AcceptRate.
	AcceptBurst int

	// MaxConnections caps concurrent control connections per listener (0 = unlimited).
	// Further connections wait in the kernel backlog until one closes.
	MaxConnections int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns the default relay configuration.
func DefaultConfig() Config {
	return Config{
		QueueSize:   DefaultQueueSize,
		IdleTimeout: DefaultIdleTimeout,
	}
}

// Events are the notifications the relay emits to its consumer. Every field is optional.
type Events struct {
	// OnListening fires for every control listener the server starts serving.
	OnListening func(addr net.Addr)

	// OnForwardListening fires when a topic is first announced on a client's forwarding port.
	OnForwardListening func(port uint16, topic, id []byte)

	// OnForwardConnect receives a raw connection that asked for topic. Returning false,
	// or leaving the field nil, closes the connection.
	OnForwardConnect func(conn net.Conn, topic []byte) bool

	// OnForwardClose fires for every announced topic when a client state is destroyed.
	OnForwardClose func(port uint16, topic, id []byte)

	// OnError receives protocol and listener errors.
	OnError func(err error)
}

// Stats is a snapshot of relay activity.
type Stats struct {
	Clients   int `json:"clients"`
	Sessions  int `json:"sessions"`
	Listeners int `json:"listeners"`
	Queued    int `json:"queued"`
	Waiting   int `json:"waiting"`
}

// Server is the relay tunnel server.
type Server struct {
	cfg     Config
	events  Events
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	states    map[string]*serverState
	sessions  map[*session]struct{}
	listeners []net.Listener
	closed    bool
	wg        sync.WaitGroup
}

// New creates a relay server.
func New(cfg Config, events Events) *Server {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Server{
		cfg:      cfg,
		events:   events,
		logger:   logger.With(logging.KeyComponent, "relay"),
		metrics:  cfg.Metrics,
		states:   make(map[string]*serverState),
		sessions: make(map[*session]struct{}),
	}
}

// Listen binds a TCP control listener on addr and serves it in the background.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	ln = s.limit(ln)
	if err := s.track(ln, string(transport.TypeTCP)); err != nil {
		return err
	}

	go func() {
		defer s.wg.Done()
		s.serve(ln, string(transport.TypeTCP))
	}()
	return nil
}

// Serve accepts control connections on ln until the server is closed. It returns
// ErrServerClosed after Close.
func (s *Server) Serve(ln net.Listener) error {
	kind := transportOf(ln)
	ln = s.limit(ln)
	if err := s.track(ln, kind); err != nil {
		return err
	}
	defer s.wg.Done()
	return s.serve(ln, kind)
}

// track registers ln and adds its accept loop to the wait group.
func (s *Server) track(ln net.Listener, kind string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.listeners = append(s.listeners, ln)
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Info("relay listening",
		logging.KeyAddress, ln.Addr().String(),
		logging.KeyTransport, kind)
	if s.events.OnListening != nil {
		s.events.OnListening(ln.Addr())
	}
	return nil
}

// limit wraps ln with the control connection cap when one is configured.
func (s *Server) limit(ln net.Listener) net.Listener {
	if s.cfg.MaxConnections <= 0 {
		return ln
	}
	return netutil.LimitListener(ln, s.cfg.MaxConnections)
}

func (s *Server) serve(ln net.Listener, kind string) error {
	defer recovery.RecoverWithLog(s.logger, "relay.Server.serve")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return ErrServerClosed
			}
			s.logger.Debug("accept error", logging.KeyError, err)
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			s.reportError(err)
			return err
		}
		s.accept(conn, kind)
	}
}

func (s *Server) accept(conn net.Conn, kind string) {
	sess := &session{
		srv: s,
		logger: s.logger.With(
			logging.KeyRemoteAddr, conn.RemoteAddr().String()),
	}
	sess.ch = channel.New(conn, channel.Config{
		Handler: sess,
		Logger:  s.logger,
		Metrics: s.metrics,
	})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.sessions[sess] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	s.metrics.RecordControlOpen(kind, "inbound")
	sess.logger.Debug("control connection accepted")
	sess.ch.Start()
}

func (s *Server) removeSession(sess *session) {
	s.mu.Lock()
	_, ok := s.sessions[sess]
	delete(s.sessions, sess)
	s.mu.Unlock()

	if ok {
		s.metrics.RecordControlClose()
		s.wg.Done()
	}
}

// acquire returns the live state for id, creating it when missing, and marks it active.
// It returns nil after Close.
func (s *Server) acquire(id []byte) *serverState {
	key := identity.Key(id)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if st, ok := s.states[key]; ok && st.active() {
		return st
	}

	st := newServerState(s, id)
	st.active()
	s.states[key] = st
	s.metrics.RecordStateCreated()
	st.logger.Debug("client state created")
	return st
}

// removeState unregisters st if it is still the registered state for its id.
func (s *Server) removeState(st *serverState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.states[st.key] == st {
		delete(s.states, st.key)
	}
}

func (s *Server) unlisten(id []byte) {
	key := identity.Key(id)

	s.mu.Lock()
	st := s.states[key]
	delete(s.states, key)
	s.mu.Unlock()

	if st != nil {
		st.logger.Debug("client unlistened")
		st.destroy()
	}
}

func (s *Server) emitForwardListening(port uint16, topic, id []byte) {
	s.logger.Info("forward listening",
		logging.KeyPort, port,
		logging.KeyTopic, logging.Short(topic),
		logging.KeyClientID, identity.Short(id))
	if s.events.OnForwardListening != nil {
		s.events.OnForwardListening(port, topic, id)
	}
}

func (s *Server) emitForwardClose(port uint16, topic, id []byte) {
	s.logger.Info("forward closed",
		logging.KeyPort, port,
		logging.KeyTopic, logging.Short(topic),
		logging.KeyClientID, identity.Short(id))
	if s.events.OnForwardClose != nil {
		s.events.OnForwardClose(port, topic, id)
	}
}

func (s *Server) forwardConnect(conn net.Conn, topic []byte) {
	accepted := false
	if s.events.OnForwardConnect != nil {
		func() {
			defer recovery.RecoverWithLog(s.logger, "relay.Server.forwardConnect")
			accepted = s.events.OnForwardConnect(conn, topic)
		}()
	}
	s.metrics.RecordForwardConnect(accepted)
	if !accepted {
		s.logger.Debug("forward connect declined", logging.KeyTopic, logging.Short(topic))
		conn.Close()
	}
}

func (s *Server) reportError(err error) {
	if s.events.OnError != nil {
		s.events.OnError(err)
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Addr returns the address of the first control listener, or nil.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.listeners) == 0 {
		return nil
	}
	return s.listeners[0].Addr()
}

// Stats returns a snapshot of relay activity.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	states := make([]*serverState, 0, len(s.states))
	for _, st := range s.states {
		states = append(states, st)
	}
	stats := Stats{
		Clients:   len(s.states),
		Sessions:  len(s.sessions),
		Listeners: len(s.listeners),
	}
	s.mu.Unlock()

	for _, st := range states {
		info := st.info()
		stats.Queued += info.Queued
		stats.Waiting += info.Waiting
	}
	return stats
}

// Clients returns a snapshot of every registered client state.
func (s *Server) Clients() []ClientInfo {
	s.mu.Lock()
	states := make([]*serverState, 0, len(s.states))
	for _, st := range s.states {
		states = append(states, st)
	}
	s.mu.Unlock()

	infos := make([]ClientInfo, 0, len(states))
	for _, st := range states {
		infos = append(infos, st.info())
	}
	return infos
}

// Close stops the control listeners, destroys every client state, closes live control
// connections and waits for their goroutines.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listeners := s.listeners
	states := s.states
	s.states = make(map[string]*serverState)
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	var errs []error
	for _, ln := range listeners {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	for _, st := range states {
		st.destroy()
	}
	for _, sess := range sessions {
		sess.ch.Destroy(nil)
		// Streaming sessions end when their splice sees the closed connection.
	}

	s.wg.Wait()
	s.logger.Info("relay closed")
	return errors.Join(errs...)
}

func transportOf(ln net.Listener) string {
	switch ln.(type) {
	case *transport.WebSocketListener:
		return string(transport.TypeWebSocket)
	case *transport.QUICListener:
		return string(transport.TypeQUIC)
	}
	return string(transport.TypeTCP)
}
