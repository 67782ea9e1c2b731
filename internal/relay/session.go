package relay

import (
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/postalsys/tcp-forward/internal/channel"
	"github.com/postalsys/tcp-forward/internal/forward"
	"github.com/postalsys/tcp-forward/internal/identity"
	"github.com/postalsys/tcp-forward/internal/logging"
)

// session handles the control messages of one accepted connection.
type session struct {
	srv    *Server
	ch     *channel.Channel
	logger *slog.Logger

	mu       sync.Mutex
	connect  []byte
	pending  bool
	consumer *serverState
	waiter   *waiter
	target   net.Conn
	closed   bool

	finishOnce sync.Once
}

var _ channel.Handler = (*session)(nil)

func (s *session) OnConnect(topic []byte) {
	s.mu.Lock()
	s.connect = topic
	s.pending = true
	s.mu.Unlock()
}

func (s *session) OnListen(topic, id []byte) {
	st := s.srv.acquire(id)
	if st == nil {
		s.ch.Destroy(nil)
		return
	}

	port, err := st.open()
	if err != nil {
		st.inactive()
		s.logger.Warn("failed to open forwarding listener",
			logging.KeyClientID, identity.Short(id),
			logging.KeyError, err)
		s.srv.reportError(err)
		s.ch.Destroy(nil)
		return
	}

	if st.announce(topic) {
		s.srv.emitForwardListening(port, topic, id)
	}
	if err := s.ch.Listening(port); err != nil {
		s.logger.Debug("failed to send LISTENING", logging.KeyError, err)
	}

	s.mu.Lock()
	if s.consumer != nil || s.closed {
		s.mu.Unlock()
		st.inactive()
		return
	}
	w := &waiter{}
	w.fn = func(conn net.Conn, err error) { s.deliver(st, w, conn, err) }
	s.consumer = st
	s.waiter = w
	s.mu.Unlock()

	// Frames the client sent after this LISTEN must not end up in a forwarded stream,
	// so the channel becomes a consumer only after they are handled.
	s.ch.AfterBuffered(func() {
		s.mu.Lock()
		ok := !s.closed && s.waiter == w
		s.mu.Unlock()
		if !ok {
			st.inactive()
			return
		}
		st.wait(w)
	})
}

func (s *session) OnUnlisten(id []byte) {
	s.srv.unlisten(id)
}

func (s *session) OnListening(port uint16) {}

// deliver runs when the state hands this channel a forwarded connection, or fails it.
func (s *session) deliver(st *serverState, w *waiter, conn net.Conn, err error) {
	if err != nil {
		s.mu.Lock()
		current := s.waiter == w
		if current {
			s.waiter = nil
			s.consumer = nil
		}
		s.mu.Unlock()
		// The client must reconnect and announce again to get a forwarding port.
		if current {
			s.ch.Destroy(err)
		}
		return
	}

	s.mu.Lock()
	if s.closed || s.waiter != w {
		s.mu.Unlock()
		st.requeue(conn)
		st.inactive()
		return
	}
	s.waiter = nil
	s.target = conn
	s.mu.Unlock()

	if _, err := s.ch.Stream(); err != nil {
		s.mu.Lock()
		s.target = nil
		s.mu.Unlock()
		st.requeue(conn)
		st.inactive()
		// A failed STREAM write destroys the channel without OnClose.
		if s.ch.State() == channel.StateClosed {
			s.finish()
		}
		return
	}
	st.inactive()
}

func (s *session) OnStream(raw net.Conn) {
	defer s.finish()

	s.mu.Lock()
	target := s.target
	topic := s.connect
	pending := s.pending
	s.pending = false
	s.mu.Unlock()

	switch {
	case target != nil:
		forward.Splice(s.logger, s.srv.metrics, target, raw)
	case pending:
		s.srv.forwardConnect(raw, topic)
	default:
		s.logger.Debug("stream without pending connect, closing")
		raw.Close()
	}
}

func (s *session) OnClose() {
	s.mu.Lock()
	s.closed = true
	st := s.consumer
	w := s.waiter
	s.waiter = nil
	s.mu.Unlock()

	if st != nil && w != nil && st.cancel(w) {
		st.inactive()
	}
	s.finish()
}

func (s *session) OnError(err error) {
	s.logger.Debug("control channel error", logging.KeyError, err)
	if !errors.Is(err, ErrServerClosed) {
		s.srv.reportError(err)
	}
}

// finish releases the session once its channel is closed or its stream is done.
func (s *session) finish() {
	s.finishOnce.Do(func() {
		s.srv.removeSession(s)
	})
}
