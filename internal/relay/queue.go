package relay

import (
	"errors"
	"net"
	"os"
	"time"

	"github.com/postalsys/tcp-forward/internal/logging"
	"github.com/postalsys/tcp-forward/internal/metrics"
	"github.com/postalsys/tcp-forward/internal/recovery"
)

// queuedPeekLimit caps how much early data a queued connection may send before the
// relay stops reading it. Past the limit a peer close is no longer noticed.
const queuedPeekLimit = 32 << 10

// queued is an accepted connection waiting for a consumer. While queued, a watcher reads
// from it so a peer that hangs up frees its slot; bytes read meanwhile are kept in peek.
type queued struct {
	conn net.Conn
	at   time.Time

	done chan struct{}
	peek []byte
	dead bool
}

// enqueueLocked adds conn to the queue, at the front when requeued, and starts its
// watcher. The caller holds st.mu.
func (st *serverState) enqueueLocked(conn net.Conn, front bool) {
	q := &queued{conn: conn, at: time.Now(), done: make(chan struct{})}
	if front {
		st.queue = append([]*queued{q}, st.queue...)
	} else {
		st.queue = append(st.queue, q)
	}
	go st.watch(q)
}

func (st *serverState) watch(q *queued) {
	defer close(q.done)
	defer recovery.RecoverWithLog(st.logger, "relay.serverState.watch")

	buf := make([]byte, 512)
	for len(q.peek) < queuedPeekLimit {
		n, err := q.conn.Read(buf)
		q.peek = append(q.peek, buf[:n]...)
		if err == nil {
			continue
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			// Handed over by release.
			return
		}
		q.dead = true
		st.drop(q)
		return
	}
}

// drop removes q after its peer went away. A q no longer in the queue belongs to
// whoever took it out.
func (st *serverState) drop(q *queued) {
	st.mu.Lock()
	found := false
	for i, x := range st.queue {
		if x == q {
			st.queue = append(st.queue[:i], st.queue[i+1:]...)
			found = true
			break
		}
	}
	st.mu.Unlock()
	if !found {
		return
	}

	q.conn.Close()
	st.metrics().AddQueued(-1)
	st.metrics().RecordForwardRejected(metrics.RejectPeerClosed)
	st.logger.Debug("queued connection closed by peer",
		logging.KeyRemoteAddr, q.conn.RemoteAddr().String())
}

// release stops the watcher of a q taken out of the queue and returns the connection
// with any early data in front. It returns false when the peer has already gone.
// It must not be called with st.mu held.
func (q *queued) release() (net.Conn, bool) {
	q.conn.SetReadDeadline(time.Now())
	<-q.done
	if q.dead {
		q.conn.Close()
		return nil, false
	}
	q.conn.SetReadDeadline(time.Time{})
	if len(q.peek) == 0 {
		return q.conn, true
	}
	return &peekedConn{Conn: q.conn, buf: q.peek}, true
}

// peekedConn replays bytes read ahead of the consumer before reading from Conn.
type peekedConn struct {
	net.Conn
	buf []byte
}

func (c *peekedConn) Read(p []byte) (int, error) {
	if len(c.buf) > 0 {
		n := copy(p, c.buf)
		c.buf = c.buf[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}

// CloseWrite half-closes the underlying connection when it supports it.
func (c *peekedConn) CloseWrite() error {
	if hc, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return hc.CloseWrite()
	}
	return c.Conn.Close()
}
