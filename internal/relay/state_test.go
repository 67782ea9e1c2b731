package relay

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/postalsys/tcp-forward/internal/metrics"
)

func newTestState(t *testing.T, cfg Config) (*Server, *serverState) {
	t.Helper()
	srv := New(cfg, Events{})
	t.Cleanup(func() { srv.Close() })
	st := newServerState(srv, []byte("client-1"))
	return srv, st
}

// checkInvariant fails when both queued connections and waiting consumers exist.
func checkInvariant(t *testing.T, st *serverState) {
	t.Helper()
	info := st.info()
	if info.Queued > 0 && info.Waiting > 0 {
		t.Fatalf("queued = %d and waiting = %d at the same time", info.Queued, info.Waiting)
	}
}

func pipeConn(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func isClosed(t *testing.T, peer net.Conn) bool {
	t.Helper()
	peer.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	_, err := peer.Read(make([]byte, 1))
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe)
}

func TestServerState_Backpressure(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)
	_, st := newTestState(t, Config{QueueSize: 16, Metrics: m})

	var peers []net.Conn
	for i := 0; i < 17; i++ {
		conn, peer := pipeConn(t)
		peers = append(peers, peer)
		st.next(conn)
	}

	if got := st.info().Queued; got != 16 {
		t.Errorf("Queued = %d, want 16", got)
	}
	if !isClosed(t, peers[16]) {
		t.Error("17th connection should be closed")
	}
	if got := testutil.ToFloat64(m.ForwardRejected.WithLabelValues(metrics.RejectQueueFull)); got != 1 {
		t.Errorf("ForwardRejected{queue_full} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.QueuedConnections); got != 16 {
		t.Errorf("QueuedConnections = %v, want 16", got)
	}
}

func TestServerState_QueueInvariant(t *testing.T) {
	_, st := newTestState(t, Config{})

	got := make(chan net.Conn, 8)
	newWaiter := func() *waiter {
		return &waiter{fn: func(conn net.Conn, err error) {
			if err == nil {
				got <- conn
			}
		}}
	}

	// Consumers first: each connection goes straight to a waiter
	st.wait(newWaiter())
	st.wait(newWaiter())
	checkInvariant(t, st)
	if info := st.info(); info.Waiting != 2 {
		t.Fatalf("Waiting = %d, want 2", info.Waiting)
	}

	c1, _ := pipeConn(t)
	st.next(c1)
	checkInvariant(t, st)
	if info := st.info(); info.Waiting != 1 || info.Queued != 0 {
		t.Fatalf("after next: waiting=%d queued=%d", info.Waiting, info.Queued)
	}
	if conn := <-got; conn != c1 {
		t.Error("waiter received the wrong connection")
	}

	c2, _ := pipeConn(t)
	c3, _ := pipeConn(t)
	st.next(c2)
	st.next(c3)
	checkInvariant(t, st)
	if info := st.info(); info.Waiting != 0 || info.Queued != 1 {
		t.Fatalf("after two more: waiting=%d queued=%d", info.Waiting, info.Queued)
	}
	<-got

	// Connections first: a new waiter drains the queue in order
	st.wait(newWaiter())
	checkInvariant(t, st)
	if conn := <-got; conn != c3 {
		t.Error("queued connection delivered out of order")
	}
	if info := st.info(); info.Waiting != 0 || info.Queued != 0 {
		t.Fatalf("drained: waiting=%d queued=%d", info.Waiting, info.Queued)
	}
}

func TestServerState_RequeueGoesToFront(t *testing.T) {
	_, st := newTestState(t, Config{})

	c1, _ := pipeConn(t)
	c2, _ := pipeConn(t)
	st.next(c1)
	st.requeue(c2)

	got := make(chan net.Conn, 1)
	st.wait(&waiter{fn: func(conn net.Conn, err error) { got <- conn }})
	if conn := <-got; conn != c2 {
		t.Error("requeued connection should be delivered first")
	}
}

func TestServerState_CancelWaiter(t *testing.T) {
	_, st := newTestState(t, Config{})

	w := &waiter{fn: func(net.Conn, error) { t.Error("cancelled waiter was called") }}
	st.wait(w)
	if !st.cancel(w) {
		t.Fatal("cancel() = false for a waiting consumer")
	}
	if st.cancel(w) {
		t.Error("second cancel() = true")
	}

	c, _ := pipeConn(t)
	st.next(c)
	if info := st.info(); info.Queued != 1 {
		t.Errorf("Queued = %d, want 1", info.Queued)
	}
}

func TestServerState_DestroyFailsWaitersAndClosesQueue(t *testing.T) {
	_, st := newTestState(t, Config{})

	conn, peer := pipeConn(t)
	st.next(conn)
	st.destroy()

	if !isClosed(t, peer) {
		t.Error("queued connection should be closed on destroy")
	}

	errCh := make(chan error, 1)
	st.wait(&waiter{fn: func(_ net.Conn, err error) { errCh <- err }})
	if err := <-errCh; !errors.Is(err, ErrServerClosed) {
		t.Errorf("waiter error = %v, want ErrServerClosed", err)
	}

	if st.active() {
		t.Error("active() on destroyed state should return false")
	}

	late, latePeer := pipeConn(t)
	st.next(late)
	if !isClosed(t, latePeer) {
		t.Error("connection after destroy should be closed")
	}
}

func TestServerState_IdleTimer(t *testing.T) {
	srv, st := newTestState(t, Config{IdleTimeout: 50 * time.Millisecond})
	srv.mu.Lock()
	srv.states[st.key] = st
	srv.mu.Unlock()

	st.active()
	st.active()
	st.inactive()
	if st.info().IdlePending {
		t.Fatal("idle timer armed with one active use left")
	}

	st.inactive()
	if !st.info().IdlePending {
		t.Fatal("idle timer not armed at zero uses")
	}

	// Activity before expiry cancels
	st.active()
	time.Sleep(100 * time.Millisecond)
	if st.isDestroyed() {
		t.Fatal("state destroyed despite activity")
	}

	st.inactive()
	deadline := time.Now().Add(2 * time.Second)
	for !st.isDestroyed() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !st.isDestroyed() {
		t.Fatal("state not reclaimed after idle timeout")
	}
	if len(srv.Clients()) != 0 {
		t.Error("reclaimed state still registered")
	}
}

func TestServerState_Announce(t *testing.T) {
	_, st := newTestState(t, Config{})

	if !st.announce([]byte("a")) {
		t.Error("first announce should be new")
	}
	if st.announce([]byte("a")) {
		t.Error("repeated announce should not be new")
	}
	if !st.announce([]byte("b")) {
		t.Error("second topic should be new")
	}
	if got := st.info().Topics; got != 2 {
		t.Errorf("Topics = %d, want 2", got)
	}
}

func TestServerState_QueuedPeerCloseFreesSlot(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)
	_, st := newTestState(t, Config{QueueSize: 2, Metrics: m})

	c1, p1 := pipeConn(t)
	c2, _ := pipeConn(t)
	st.next(c1)
	st.next(c2)
	if got := st.info().Queued; got != 2 {
		t.Fatalf("Queued = %d, want 2", got)
	}

	p1.Close()
	deadline := time.Now().Add(2 * time.Second)
	for st.info().Queued != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := st.info().Queued; got != 1 {
		t.Fatalf("Queued = %d after peer close, want 1", got)
	}
	if got := testutil.ToFloat64(m.ForwardRejected.WithLabelValues(metrics.RejectPeerClosed)); got != 1 {
		t.Errorf("ForwardRejected{peer_closed} = %v, want 1", got)
	}

	// The freed slot takes a new connection
	c3, p3 := pipeConn(t)
	st.next(c3)
	if got := st.info().Queued; got != 2 {
		t.Errorf("Queued = %d, want 2", got)
	}
	if isClosed(t, p3) {
		t.Error("connection after a freed slot should stay queued")
	}

	got := make(chan net.Conn, 1)
	st.wait(&waiter{fn: func(conn net.Conn, err error) { got <- conn }})
	if conn := <-got; conn != c2 {
		t.Error("live queued connection should be delivered first")
	}
}

func TestServerState_QueuedEarlyDataIsKept(t *testing.T) {
	_, st := newTestState(t, Config{})

	conn, peer := pipeConn(t)
	st.next(conn)

	if _, err := peer.Write([]byte("hello ")); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := make(chan net.Conn, 1)
	st.wait(&waiter{fn: func(conn net.Conn, err error) { got <- conn }})
	delivered := <-got

	go peer.Write([]byte("world"))

	buf := make([]byte, len("hello world"))
	delivered.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(delivered, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "hello world" {
		t.Errorf("delivered data = %q, want %q", buf, "hello world")
	}
}

func TestServerState_WaitSkipsDeadQueued(t *testing.T) {
	_, st := newTestState(t, Config{})

	dead, deadPeer := pipeConn(t)
	live, _ := pipeConn(t)
	st.next(dead)
	st.next(live)

	// The watcher sees EOF but blocks on the lock, so wait may take the dead entry first
	st.mu.Lock()
	deadPeer.Close()
	time.Sleep(50 * time.Millisecond)
	st.mu.Unlock()

	got := make(chan net.Conn, 1)
	st.wait(&waiter{fn: func(conn net.Conn, err error) { got <- conn }})
	if conn := <-got; conn != live {
		t.Error("wait should skip a queued connection whose peer is gone")
	}
}
