package relay

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/postalsys/tcp-forward/internal/forward"
	"github.com/postalsys/tcp-forward/internal/identity"
	"github.com/postalsys/tcp-forward/internal/logging"
	"github.com/postalsys/tcp-forward/internal/metrics"
	"github.com/postalsys/tcp-forward/internal/recovery"
	"github.com/postalsys/tcp-forward/internal/schedule"
)

// waiter is a control channel waiting for the next forwarded connection of a client.
// fn receives either the connection or ErrServerClosed.
type waiter struct {
	fn func(conn net.Conn, err error)
}

// serverState is the relay-side bookkeeping for one client id: its forwarding listener,
// the connections accepted on it and the control channels waiting to carry them.
//
// At most one of queue and waiting is non-empty.
type serverState struct {
	id     []byte
	key    string
	srv    *Server
	logger *slog.Logger

	mu        sync.Mutex
	actives   int
	topics    [][]byte
	announced map[string]struct{}
	queue     []*queued
	waiting   []*waiter
	listener  *forward.Listener
	port      uint16
	destroyed bool
	idle      schedule.Timer
	created   time.Time
}

func newServerState(srv *Server, id []byte) *serverState {
	key := identity.Key(id)
	return &serverState{
		id:        append([]byte(nil), id...),
		key:       key,
		srv:       srv,
		logger:    srv.logger.With(logging.KeyClientID, identity.Short(id)),
		announced: make(map[string]struct{}),
		created:   time.Now(),
	}
}

func (st *serverState) metrics() *metrics.Metrics {
	return st.srv.metrics
}

// active marks one more control channel as using the state and cancels a pending idle
// timeout. It returns false once the state is destroyed.
func (st *serverState) active() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.destroyed {
		return false
	}
	st.idle.Stop()
	st.actives++
	return true
}

// inactive releases one use. The idle timer starts when no use is left.
func (st *serverState) inactive() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.destroyed {
		return
	}
	if st.actives > 0 {
		st.actives--
	}
	if st.actives == 0 {
		st.idle.Start(st.srv.cfg.IdleTimeout, st.onIdle)
	}
}

func (st *serverState) onIdle(gen uint64) {
	st.mu.Lock()
	if !st.idle.Fire(gen) || st.destroyed {
		st.mu.Unlock()
		return
	}
	teardown := st.teardownLocked(true)
	st.mu.Unlock()

	st.logger.Info("reclaiming idle client")
	teardown()
}

// open starts the forwarding listener if it is not running yet and returns its port.
func (st *serverState) open() (uint16, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.destroyed {
		return 0, ErrServerClosed
	}
	if st.listener != nil {
		return st.port, nil
	}

	l := forward.NewListener(forward.ListenerConfig{
		Host:        st.srv.cfg.ForwardHost,
		AcceptRate:  st.srv.cfg.AcceptRate,
		AcceptBurst: st.srv.cfg.AcceptBurst,
		Logger:      st.logger,
		Metrics:     st.metrics(),
	}, st.next)
	if err := l.Start(); err != nil {
		return 0, err
	}
	st.listener = l
	st.port = l.Port()
	return st.port, nil
}

// announce adds topic to the announced set and reports whether it was new.
func (st *serverState) announce(topic []byte) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.destroyed {
		return false
	}
	key := identity.Key(topic)
	if _, ok := st.announced[key]; ok {
		return false
	}
	st.announced[key] = struct{}{}
	st.topics = append(st.topics, append([]byte(nil), topic...))
	st.metrics().RecordTopicAnnounced()
	return true
}

// next admits a connection accepted on the forwarding listener: it goes to a waiting
// consumer, into the queue, or is closed when the queue is full.
func (st *serverState) next(conn net.Conn) {
	st.mu.Lock()
	if st.destroyed {
		st.mu.Unlock()
		st.metrics().RecordForwardRejected(metrics.RejectClosed)
		conn.Close()
		return
	}
	if len(st.waiting) > 0 {
		w := st.popWaiterLocked()
		st.mu.Unlock()
		st.metrics().RecordQueueWait(0)
		st.deliver(w, conn)
		return
	}
	if len(st.queue) >= st.srv.cfg.QueueSize {
		st.mu.Unlock()
		st.metrics().RecordForwardRejected(metrics.RejectQueueFull)
		st.logger.Debug("forward queue full, dropping connection",
			logging.KeyRemoteAddr, conn.RemoteAddr().String())
		conn.Close()
		return
	}
	st.enqueueLocked(conn, false)
	st.mu.Unlock()
	st.metrics().AddQueued(1)
}

// requeue returns a connection that could not be delivered to the front of the queue.
func (st *serverState) requeue(conn net.Conn) {
	st.mu.Lock()
	if st.destroyed {
		st.mu.Unlock()
		conn.Close()
		return
	}
	if len(st.waiting) > 0 {
		w := st.popWaiterLocked()
		st.mu.Unlock()
		st.deliver(w, conn)
		return
	}
	st.enqueueLocked(conn, true)
	st.mu.Unlock()
	st.metrics().AddQueued(1)
}

// wait registers w for the next connection. A live queued connection is handed over at once.
func (st *serverState) wait(w *waiter) {
	for {
		st.mu.Lock()
		if st.destroyed {
			st.mu.Unlock()
			w.fn(nil, ErrServerClosed)
			return
		}
		if len(st.queue) == 0 {
			st.waiting = append(st.waiting, w)
			st.mu.Unlock()
			st.metrics().AddWaiting(1)
			return
		}
		q := st.queue[0]
		st.queue[0] = nil
		st.queue = st.queue[1:]
		st.mu.Unlock()
		st.metrics().AddQueued(-1)

		conn, ok := q.release()
		if !ok {
			st.metrics().RecordForwardRejected(metrics.RejectPeerClosed)
			continue
		}
		st.metrics().RecordQueueWait(time.Since(q.at).Seconds())
		st.deliver(w, conn)
		return
	}
}

// cancel withdraws w. It reports false when w was no longer waiting.
func (st *serverState) cancel(w *waiter) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	for i, x := range st.waiting {
		if x == w {
			st.waiting = append(st.waiting[:i], st.waiting[i+1:]...)
			st.metrics().AddWaiting(-1)
			return true
		}
	}
	return false
}

func (st *serverState) popWaiterLocked() *waiter {
	w := st.waiting[0]
	st.waiting[0] = nil
	st.waiting = st.waiting[1:]
	st.metrics().AddWaiting(-1)
	return w
}

// deliver hands conn to w off the caller's goroutine, which may be an accept loop.
func (st *serverState) deliver(w *waiter, conn net.Conn) {
	go func() {
		defer recovery.RecoverWithCallback(st.logger, "relay.serverState.deliver", func(any) { conn.Close() })
		w.fn(conn, nil)
	}()
}

// destroy tears the state down. It is a no-op on a destroyed state.
func (st *serverState) destroy() {
	st.mu.Lock()
	if st.destroyed {
		st.mu.Unlock()
		return
	}
	teardown := st.teardownLocked(false)
	st.mu.Unlock()
	teardown()
}

// teardownLocked marks the state destroyed and returns the cleanup to run without st.mu.
func (st *serverState) teardownLocked(idle bool) func() {
	st.destroyed = true
	st.idle.Stop()

	listener := st.listener
	port := st.port
	topics := st.topics
	queue := st.queue
	waiting := st.waiting
	st.listener = nil
	st.queue = nil
	st.waiting = nil

	return func() {
		if listener != nil {
			listener.Stop()
		}
		for _, q := range queue {
			q.conn.Close()
		}
		st.metrics().AddQueued(-len(queue))
		st.metrics().AddWaiting(-len(waiting))
		for _, w := range waiting {
			w.fn(nil, ErrServerClosed)
		}
		for _, topic := range topics {
			st.srv.emitForwardClose(port, topic, st.id)
		}
		st.srv.removeState(st)
		st.metrics().RecordStateDestroyed(idle)
		st.logger.Debug("client state destroyed",
			logging.KeyPort, port,
			"idle", idle,
			"closed_queued", len(queue),
			"failed_waiters", len(waiting))
	}
}

// isDestroyed reports whether destroy has run.
func (st *serverState) isDestroyed() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.destroyed
}

// ClientInfo is a snapshot of one client's relay state. Topic values are not exposed.
type ClientInfo struct {
	ID          string    `json:"id"`
	Port        uint16    `json:"port"`
	Topics      int       `json:"topics"`
	Actives     int       `json:"actives"`
	Queued      int       `json:"queued"`
	Waiting     int       `json:"waiting"`
	IdlePending bool      `json:"idle_pending"`
	Accepted    int64     `json:"accepted"`
	Rejected    int64     `json:"rejected"`
	Created     time.Time `json:"created"`
}

func (st *serverState) info() ClientInfo {
	st.mu.Lock()
	defer st.mu.Unlock()
	info := ClientInfo{
		ID:          st.key,
		Port:        st.port,
		Topics:      len(st.topics),
		Actives:     st.actives,
		Queued:      len(st.queue),
		Waiting:     len(st.waiting),
		IdlePending: st.idle.Pending(),
		Created:     st.created,
	}
	if st.listener != nil {
		info.Accepted = st.listener.AcceptedCount()
		info.Rejected = st.listener.RejectedCount()
	}
	return info
}
