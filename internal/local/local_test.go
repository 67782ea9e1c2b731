package local

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/postalsys/tcp-forward/internal/chaos"
	"github.com/postalsys/tcp-forward/internal/forward"
	"github.com/postalsys/tcp-forward/internal/identity"
	"github.com/postalsys/tcp-forward/internal/metrics"
	"github.com/postalsys/tcp-forward/internal/relay"
	"github.com/postalsys/tcp-forward/internal/transport"
)

type relayEvent struct {
	kind  string
	port  uint16
	topic string
}

// testRelay is a relay whose forward-connects are routed by topic.
type testRelay struct {
	srv    *relay.Server
	router *forward.Router
	events chan relayEvent
}

func startRelay(t *testing.T, cfg relay.Config) *testRelay {
	t.Helper()

	r := &testRelay{
		router: forward.NewRouter(forward.RouterConfig{}),
		events: make(chan relayEvent, 64),
	}
	r.srv = relay.New(cfg, relay.Events{
		OnForwardListening: func(port uint16, topic, id []byte) {
			r.router.ForwardListening(port, topic, id)
			r.events <- relayEvent{"listening", port, string(topic)}
		},
		OnForwardClose: func(port uint16, topic, id []byte) {
			r.router.ForwardClose(port, topic, id)
			r.events <- relayEvent{"close", port, string(topic)}
		},
		OnForwardConnect: r.router.ForwardConnect,
	})
	if err := r.srv.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("relay Listen() error = %v", err)
	}
	t.Cleanup(func() {
		r.srv.Close()
		r.router.Close()
	})
	return r
}

func (r *testRelay) addr() string {
	return r.srv.Addr().String()
}

func (r *testRelay) next(t *testing.T) relayEvent {
	t.Helper()
	select {
	case ev := <-r.events:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for relay event")
		return relayEvent{}
	}
}

func startProxy(t *testing.T, target string, injector *chaos.FaultInjector) *chaos.Proxy {
	t.Helper()
	p, err := chaos.NewProxy("127.0.0.1:0", target, injector)
	if err != nil {
		t.Fatalf("proxy: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

// serverEvents records ClientServer events.
type serverEvents struct {
	conns     chan net.Conn
	ports     chan uint16
	errs      chan error
	recovered chan struct{}
	closes    chan struct{}
}

func newServerEvents() *serverEvents {
	return &serverEvents{
		conns:     make(chan net.Conn, 8),
		ports:     make(chan uint16, 8),
		errs:      make(chan error, 8),
		recovered: make(chan struct{}, 8),
		closes:    make(chan struct{}, 8),
	}
}

func (e *serverEvents) events() Events {
	return Events{
		OnConnection:     func(c net.Conn) { e.conns <- c },
		OnListening:      func(port uint16, host string) { e.ports <- port },
		OnForwardConnect: func() { e.recovered <- struct{}{} },
		OnError:          func(err error) { e.errs <- err },
		OnClose:          func() { e.closes <- struct{}{} },
	}
}

func exchange(t *testing.T, from, to net.Conn, msg string) {
	t.Helper()
	if _, err := from.Write([]byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, len(msg))
	to.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := io.ReadFull(to, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != msg {
		t.Errorf("got %q, want %q", buf, msg)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "IDLE"},
		{StateConnecting, "CONNECTING"},
		{StateConnected, "CONNECTED"},
		{StateRetrying, "RETRYING"},
		{StateClosed, "CLOSED"},
		{StateFailed, "FAILED"},
		{State(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestClient_Connect(t *testing.T) {
	got := make(chan net.Conn, 1)
	topics := make(chan string, 1)
	srv := relay.New(relay.Config{}, relay.Events{
		OnForwardConnect: func(conn net.Conn, topic []byte) bool {
			topics <- string(topic)
			got <- conn
			return true
		},
	})
	if err := srv.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer srv.Close()

	c := New(Config{Address: srv.Addr().String()})
	conn, err := c.Connect(context.Background(), []byte("svc"))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer conn.Close()

	var remote net.Conn
	select {
	case remote = <-got:
	case <-time.After(3 * time.Second):
		t.Fatal("relay did not forward-connect")
	}
	defer remote.Close()

	if topic := <-topics; topic != "svc" {
		t.Errorf("topic = %q, want svc", topic)
	}
	exchange(t, conn, remote, "raw bytes")
	exchange(t, remote, conn, "raw reply")
}

func TestClient_ConnectDialError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	c := New(Config{Address: addr, DialTimeout: time.Second})
	if _, err := c.Connect(context.Background(), []byte("svc")); err == nil {
		t.Error("Connect() to a closed port should fail")
	}
}

func TestClient_Host(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"relay.example.com:9000", "relay.example.com"},
		{"127.0.0.1:9000", "127.0.0.1"},
		{"ws://relay.example.com:8080/tunnel", "relay.example.com"},
		{"wss://relay.example.com/tunnel", "relay.example.com"},
		{"relay", "relay"},
	}
	for _, tt := range tests {
		c := New(Config{Address: tt.addr})
		if got := c.host(); got != tt.want {
			t.Errorf("host(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}

func TestClientServer_ListenAndDeliver(t *testing.T) {
	r := startRelay(t, relay.Config{})
	c := New(Config{Address: r.addr()})

	ev := newServerEvents()
	s := c.CreateServer(ev.events())
	defer s.Close()
	s.Start()

	if _, err := s.Listen([]byte("svc1")); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	var port uint16
	select {
	case port = <-ev.ports:
	case <-time.After(3 * time.Second):
		t.Fatal("no OnListening")
	}
	if addr := s.Address(); addr.Port != port || addr.Host != "127.0.0.1" {
		t.Errorf("Address() = %+v, want port %d on 127.0.0.1", addr, port)
	}
	if s.State() != StateConnected {
		t.Errorf("State() = %v, want CONNECTED", s.State())
	}
	if listening := r.next(t); listening.port != port || listening.topic != "svc1" {
		t.Errorf("relay event = %+v", listening)
	}

	for i, msg := range []string{"first", "second"} {
		peer, err := c.Connect(context.Background(), []byte("svc1"))
		if err != nil {
			t.Fatalf("Connect() #%d error = %v", i, err)
		}
		defer peer.Close()

		var conn net.Conn
		select {
		case conn = <-ev.conns:
		case <-time.After(3 * time.Second):
			t.Fatalf("no OnConnection #%d", i)
		}
		defer conn.Close()

		exchange(t, peer, conn, msg)
		exchange(t, conn, peer, msg+" reply")
	}

	// The replacement control connection keeps the same port
	select {
	case p := <-ev.ports:
		t.Errorf("unexpected OnListening(%d)", p)
	default:
	}
}

func TestClientServer_RandomTopic(t *testing.T) {
	c := New(Config{Address: "127.0.0.1:1"})
	s := c.CreateServer(Events{})
	defer s.Close()

	topic, err := s.Listen(nil)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	if len(topic) != identity.Size {
		t.Errorf("len(topic) = %d, want %d", len(topic), identity.Size)
	}
	if len(s.Topics()) != 1 || !bytes.Equal(s.Topics()[0], topic) {
		t.Errorf("Topics() = %x", s.Topics())
	}
	if len(s.ID()) != identity.Size {
		t.Errorf("len(ID()) = %d", len(s.ID()))
	}
}

// timedDialer records when each dial starts.
type timedDialer struct {
	transport.Dialer

	mu    sync.Mutex
	times []time.Time
}

func (d *timedDialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	d.mu.Lock()
	d.times = append(d.times, time.Now())
	d.mu.Unlock()
	return d.Dialer.Dial(ctx, addr)
}

func (d *timedDialer) dials() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Time(nil), d.times...)
}

func TestClientServer_RetriesExhausted(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)

	retries := []time.Duration{50 * time.Millisecond, 100 * time.Millisecond, 150 * time.Millisecond}
	dialer := &timedDialer{Dialer: &transport.TCPDialer{Timeout: time.Second}}
	c := New(Config{
		Address: addr,
		Dialer:  dialer,
		Retries: retries,
		Metrics: m,
	})
	ev := newServerEvents()
	s := c.CreateServer(ev.events())
	defer s.Close()
	s.Start()

	select {
	case err := <-ev.errs:
		if !errors.Is(err, ErrRetriesExhausted) {
			t.Errorf("OnError(%v), want ErrRetriesExhausted", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no terminal error")
	}

	if s.State() != StateFailed {
		t.Errorf("State() = %v, want FAILED", s.State())
	}

	// One initial attempt plus one per scheduled delay, each after its delay
	dials := dialer.dials()
	if len(dials) != len(retries)+1 {
		t.Fatalf("dial attempts = %d, want %d", len(dials), len(retries)+1)
	}
	for i, delay := range retries {
		if gap := dials[i+1].Sub(dials[i]); gap < delay {
			t.Errorf("gap before attempt %d = %v, want at least %v", i+2, gap, delay)
		}
	}

	if got := testutil.ToFloat64(m.ClientReconnects); got != float64(len(retries)) {
		t.Errorf("ClientReconnects = %v, want %d", got, len(retries))
	}
	if got := testutil.ToFloat64(m.ClientRetriesExhausted); got != 1 {
		t.Errorf("ClientRetriesExhausted = %v, want 1", got)
	}
}

func TestClientServer_ReconnectReannounces(t *testing.T) {
	// A short idle timeout lets the relay forget the client before it comes back,
	// so every topic must be announced again.
	r := startRelay(t, relay.Config{IdleTimeout: 50 * time.Millisecond})
	p := startProxy(t, r.addr(), nil)

	c := New(Config{
		Address: p.Addr().String(),
		Retries: []time.Duration{300 * time.Millisecond, 300 * time.Millisecond},
	})
	ev := newServerEvents()
	s := c.CreateServer(ev.events())
	defer s.Close()

	s.Listen([]byte("svc1"))
	s.Listen([]byte("svc2"))
	s.Start()

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		seen[r.next(t).topic] = true
	}
	if !seen["svc1"] || !seen["svc2"] {
		t.Fatalf("announced topics = %v", seen)
	}

	p.DropAll()

	// Idle reclaim closes both topics
	for i := 0; i < 2; i++ {
		if e := r.next(t); e.kind != "close" {
			t.Fatalf("event = %+v, want close", e)
		}
	}

	select {
	case <-ev.recovered:
	case <-time.After(3 * time.Second):
		t.Fatal("no OnForwardConnect after reconnect")
	}

	seen = map[string]bool{}
	for i := 0; i < 2; i++ {
		e := r.next(t)
		if e.kind != "listening" {
			t.Fatalf("event = %+v, want listening", e)
		}
		seen[e.topic] = true
	}
	if !seen["svc1"] || !seen["svc2"] {
		t.Errorf("re-announced topics = %v", seen)
	}
	eventually(t, "connected", func() bool { return s.State() == StateConnected })
}

func TestClientServer_RecoversFromDroppedHandshake(t *testing.T) {
	r := startRelay(t, relay.Config{})
	injector := chaos.NewFaultInjector(chaos.FaultConfig{
		Type:        chaos.FaultDisconnect,
		Probability: 1.0,
		Limit:       1,
	})
	p := startProxy(t, r.addr(), injector)

	c := New(Config{
		Address: p.Addr().String(),
		Retries: []time.Duration{20 * time.Millisecond, 20 * time.Millisecond},
	})
	ev := newServerEvents()
	s := c.CreateServer(ev.events())
	defer s.Close()

	s.Listen([]byte("svc"))
	s.Start()

	if e := r.next(t); e.kind != "listening" || e.topic != "svc" {
		t.Fatalf("event = %+v, want listening svc", e)
	}
	select {
	case <-ev.recovered:
	case <-time.After(3 * time.Second):
		t.Fatal("no OnForwardConnect after the dropped attempt")
	}
	if got := injector.Stats()[chaos.FaultDisconnect]; got != 1 {
		t.Errorf("disconnect hits = %d, want 1", got)
	}
	eventually(t, "connected", func() bool { return s.State() == StateConnected })
}

func TestClientServer_CloseUnlistens(t *testing.T) {
	r := startRelay(t, relay.Config{})
	c := New(Config{Address: r.addr()})

	ev := newServerEvents()
	s := c.CreateServer(ev.events())
	s.Start()
	s.Listen([]byte("svc"))

	listening := r.next(t)
	eventually(t, "port", func() bool { return s.Address().Port != 0 })

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if e := r.next(t); e.kind != "close" || e.port != listening.port {
		t.Errorf("event = %+v, want close on %d", e, listening.port)
	}
	eventually(t, "relay forgets client", func() bool { return len(r.srv.Clients()) == 0 })

	s.Close()
	if n := len(ev.closes); n != 1 {
		t.Errorf("OnClose fired %d times, want 1", n)
	}
	if s.State() != StateClosed {
		t.Errorf("State() = %v, want CLOSED", s.State())
	}
	if _, err := s.Listen([]byte("late")); !errors.Is(err, ErrClosed) {
		t.Errorf("Listen() after Close error = %v, want ErrClosed", err)
	}
}

func TestClientServer_ListenBeforeStartAnnouncesOnConnect(t *testing.T) {
	r := startRelay(t, relay.Config{})
	c := New(Config{Address: r.addr()})

	s := c.CreateServer(Events{})
	defer s.Close()

	if _, err := s.Listen([]byte("early")); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	if s.State() != StateIdle {
		t.Errorf("State() before Start = %v, want IDLE", s.State())
	}

	s.Start()
	if e := r.next(t); e.topic != "early" {
		t.Errorf("event = %+v, want listening for early", e)
	}
}
