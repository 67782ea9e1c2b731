package local

import (
	"context"
	"log/slog"
	"net"
	"sync"

	"github.com/postalsys/tcp-forward/internal/channel"
	"github.com/postalsys/tcp-forward/internal/identity"
	"github.com/postalsys/tcp-forward/internal/logging"
	"github.com/postalsys/tcp-forward/internal/recovery"
	"github.com/postalsys/tcp-forward/internal/schedule"
)

// State is the connection state of a ClientServer.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateRetrying
	StateClosed
	StateFailed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateRetrying:
		return "RETRYING"
	case StateClosed:
		return "CLOSED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Events are the notifications of a ClientServer. Every field is optional.
//
// OnConnection owns the connection it receives; when nil, forwarded connections are closed.
type Events struct {
	OnConnection     func(conn net.Conn)
	OnListening      func(port uint16, host string)
	OnForwardConnect func()
	OnError          func(err error)
	OnClose          func()
}

// Addr is the public forwarding address announced by the relay.
type Addr struct {
	Port uint16
	Host string
}

// ClientServer keeps a control connection to the relay, announces its topics under a
// stable client id and hands every forwarded connection to OnConnection.
//
// Each forwarded connection consumes the control connection it arrived on, so a new
// control connection is opened right away.
type ClientServer struct {
	client *Client
	events Events
	id     []byte
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	ch        *channel.Channel
	topics    [][]byte
	port      uint16
	backoff   *schedule.Backoff
	retry     schedule.Timer
	recovered bool
	started   bool
	destroyed bool
}

func newClientServer(c *Client, events Events) *ClientServer {
	id := newClientID()
	ctx, cancel := context.WithCancel(context.Background())
	return &ClientServer{
		client:  c,
		events:  events,
		id:      id,
		logger:  c.logger.With(logging.KeyClientID, identity.Short(id)),
		ctx:     ctx,
		cancel:  cancel,
		backoff: schedule.NewBackoff(c.cfg.Retries),
	}
}

// ID returns the client id the topics are announced under.
func (s *ClientServer) ID() []byte {
	return s.id
}

// State returns the current connection state.
func (s *ClientServer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Address returns the forwarding port announced by the relay, 0 until the first LISTENING.
func (s *ClientServer) Address() Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Addr{Port: s.port, Host: s.client.host()}
}

// Topics returns the registered topics.
func (s *ClientServer) Topics() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.topics...)
}

// Start opens the control connection in the background.
func (s *ClientServer) Start() {
	s.mu.Lock()
	if s.started || s.destroyed {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.state = StateConnecting
	s.mu.Unlock()

	go s.connect()
}

// Listen registers topic and announces it on the current control connection, or on the
// next one when none is established. An empty topic is replaced by 32 random bytes.
// It returns the topic used.
func (s *ClientServer) Listen(topic []byte) ([]byte, error) {
	if len(topic) == 0 {
		t, err := identity.NewTopic()
		if err != nil {
			return nil, err
		}
		topic = t
	} else {
		topic = append([]byte(nil), topic...)
	}

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.topics = append(s.topics, topic)
	ch := s.ch
	s.mu.Unlock()

	if ch != nil {
		if err := ch.Listen(topic, s.id); err != nil {
			// Announced again on the next control connection.
			s.logger.Debug("deferred LISTEN", logging.KeyError, err)
		}
	}
	return topic, nil
}

// Close withdraws every topic and stops reconnecting. OnClose fires once.
func (s *ClientServer) Close() error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	s.destroyed = true
	s.retry.Stop()
	ch := s.ch
	s.ch = nil
	s.state = StateClosed
	s.mu.Unlock()

	s.cancel()
	if ch != nil {
		ch.SetHandler(nil)
		if err := ch.Unlisten(s.id); err != nil {
			s.logger.Debug("failed to send UNLISTEN", logging.KeyError, err)
		}
		ch.Close()
		s.client.cfg.Metrics.RecordControlClose()
	}

	s.logger.Debug("tunnel client closed")
	if s.events.OnClose != nil {
		s.events.OnClose()
	}
	return nil
}

func (s *ClientServer) connect() {
	defer recovery.RecoverWithLog(s.logger, "local.ClientServer.connect")

	conn, err := s.client.dial(s.ctx)

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		s.logger.Debug("control connection failed", logging.KeyError, err)
		fail := s.retryLocked()
		s.mu.Unlock()
		fail()
		return
	}

	l := &link{s: s}
	ch := channel.New(conn, channel.Config{
		Handler: l,
		Logger:  s.logger,
		Metrics: s.client.cfg.Metrics,
	})
	l.ch = ch
	s.ch = ch
	s.state = StateConnected
	s.backoff.Reset()
	recovered := s.recovered
	s.recovered = false
	topics := append([][]byte(nil), s.topics...)
	s.mu.Unlock()

	s.client.cfg.Metrics.RecordControlOpen(string(s.client.cfg.Dialer.Type()), "outbound")
	s.logger.Debug("control connection established", logging.KeyCount, len(topics))

	ch.Start()
	if err := ch.Announce(s.id, topics); err != nil {
		s.logger.Debug("failed to announce topics", logging.KeyError, err)
	}

	if recovered && s.events.OnForwardConnect != nil {
		s.events.OnForwardConnect()
	}
}

// retryLocked schedules the next reconnect. When the schedule is exhausted the server
// fails and the returned func reports ErrRetriesExhausted. Caller holds s.mu.
func (s *ClientServer) retryLocked() func() {
	delay, ok := s.backoff.Next()
	if !ok {
		s.state = StateFailed
		s.client.cfg.Metrics.RecordClientRetriesExhausted()
		attempts := s.backoff.Attempts()
		return func() {
			s.logger.Warn("giving up on relay", logging.KeyAttempt, attempts)
			if s.events.OnError != nil {
				s.events.OnError(ErrRetriesExhausted)
			}
		}
	}

	s.state = StateRetrying
	s.recovered = true
	s.client.cfg.Metrics.RecordClientReconnect()
	attempt := s.backoff.Attempts()
	s.retry.Start(delay, s.onRetry)
	return func() {
		s.logger.Info("reconnecting to relay",
			logging.KeyAttempt, attempt,
			logging.KeyDelay, delay)
	}
}

func (s *ClientServer) onRetry(gen uint64) {
	s.mu.Lock()
	if !s.retry.Fire(gen) || s.destroyed {
		s.mu.Unlock()
		return
	}
	s.state = StateConnecting
	s.mu.Unlock()

	s.connect()
}

// current reports whether ch is the live control channel.
func (s *ClientServer) current(ch *channel.Channel) bool {
	return s.ch == ch && !s.destroyed
}

// link binds one control channel to its ClientServer so events from replaced channels
// can be told apart.
type link struct {
	s  *ClientServer
	ch *channel.Channel
}

var _ channel.Handler = (*link)(nil)

func (l *link) OnConnect([]byte) {}

func (l *link) OnListen([]byte, []byte) {}

func (l *link) OnUnlisten([]byte) {}

func (l *link) OnError(err error) {
	l.s.logger.Debug("control channel error", logging.KeyError, err)
}

func (l *link) OnListening(port uint16) {
	s := l.s
	s.mu.Lock()
	if !s.current(l.ch) || port == s.port {
		s.mu.Unlock()
		return
	}
	s.port = port
	host := s.client.host()
	s.mu.Unlock()

	s.client.cfg.Metrics.SetClientListeningPort(port)
	s.logger.Info("forwarding port assigned", logging.KeyPort, port)
	if s.events.OnListening != nil {
		s.events.OnListening(port, host)
	}
}

func (l *link) OnStream(raw net.Conn) {
	s := l.s
	l.ch.SetHandler(nil)
	s.client.cfg.Metrics.RecordControlClose()

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		raw.Close()
		return
	}
	replace := s.ch == l.ch
	if replace {
		s.ch = nil
		s.state = StateConnecting
	}
	s.mu.Unlock()

	if replace {
		go s.connect()
	}

	s.client.cfg.Metrics.RecordClientConnection()
	if s.events.OnConnection == nil {
		raw.Close()
		return
	}
	s.events.OnConnection(raw)
}

func (l *link) OnClose() {
	s := l.s
	s.mu.Lock()
	if !s.current(l.ch) {
		s.mu.Unlock()
		return
	}
	s.ch = nil
	s.logger.Debug("control connection closed")
	next := s.retryLocked()
	s.mu.Unlock()

	s.client.cfg.Metrics.RecordControlClose()
	next()
}
