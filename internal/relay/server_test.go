package relay

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/postalsys/tcp-forward/internal/channel"
	"github.com/postalsys/tcp-forward/internal/forward"
	"github.com/postalsys/tcp-forward/internal/protocol"
)

type forwardEvent struct {
	kind  string
	port  uint16
	topic string
	id    string
}

// eventLog collects relay events.
type eventLog struct {
	forward chan forwardEvent
	errs    chan error
}

func newEventLog() *eventLog {
	return &eventLog{
		forward: make(chan forwardEvent, 64),
		errs:    make(chan error, 16),
	}
}

func (l *eventLog) events() Events {
	return Events{
		OnForwardListening: func(port uint16, topic, id []byte) {
			l.forward <- forwardEvent{"listening", port, string(topic), string(id)}
		},
		OnForwardClose: func(port uint16, topic, id []byte) {
			l.forward <- forwardEvent{"close", port, string(topic), string(id)}
		},
		OnError: func(err error) {
			l.errs <- err
		},
	}
}

func (l *eventLog) next(t *testing.T) forwardEvent {
	t.Helper()
	select {
	case ev := <-l.forward:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for forward event")
		return forwardEvent{}
	}
}

func startServer(t *testing.T, cfg Config, events Events) *Server {
	t.Helper()
	srv := New(cfg, events)
	if err := srv.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv
}

// controlClient is a tunnel client's end of a control connection.
type controlClient struct {
	ch      *channel.Channel
	ports   chan uint16
	streams chan net.Conn
	closed  chan struct{}
}

func dialControl(t *testing.T, srv *Server) *controlClient {
	t.Helper()

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	c := &controlClient{
		ports:   make(chan uint16, 8),
		streams: make(chan net.Conn, 1),
		closed:  make(chan struct{}),
	}
	var once sync.Once
	c.ch = channel.New(conn, channel.Config{Handler: &channel.Handlers{
		Listening: func(port uint16) { c.ports <- port },
		Stream:    func(raw net.Conn) { c.streams <- raw },
		Close:     func() { once.Do(func() { close(c.closed) }) },
	}})
	c.ch.Start()
	t.Cleanup(func() { c.ch.Destroy(nil) })
	return c
}

func (c *controlClient) listen(t *testing.T, topic, id string) uint16 {
	t.Helper()
	if err := c.ch.Listen([]byte(topic), []byte(id)); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	select {
	case port := <-c.ports:
		return port
	case <-time.After(2 * time.Second):
		t.Fatal("no LISTENING reply")
		return 0
	}
}

func (c *controlClient) stream(t *testing.T) net.Conn {
	t.Helper()
	select {
	case raw := <-c.streams:
		t.Cleanup(func() { raw.Close() })
		return raw
	case <-time.After(2 * time.Second):
		t.Fatal("no STREAM from relay")
		return nil
	}
}

func dialPort(t *testing.T, port uint16) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port))))
	if err != nil {
		t.Fatalf("dial forward port: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func expectEOF(t *testing.T, conn net.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("expected connection to be closed")
	}
}

func exchange(t *testing.T, from, to net.Conn, msg string) {
	t.Helper()
	if _, err := from.Write([]byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, len(msg))
	to.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(to, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != msg {
		t.Errorf("got %q, want %q", buf, msg)
	}
}

func TestServer_ListenReportsAddress(t *testing.T) {
	got := make(chan net.Addr, 1)
	srv := startServer(t, Config{}, Events{OnListening: func(addr net.Addr) { got <- addr }})

	select {
	case addr := <-got:
		if addr.String() != srv.Addr().String() {
			t.Errorf("OnListening(%v), Addr() = %v", addr, srv.Addr())
		}
	case <-time.After(time.Second):
		t.Fatal("OnListening not called")
	}
}

func TestServer_TopicsShareOnePort(t *testing.T) {
	log := newEventLog()
	srv := startServer(t, Config{}, log.events())
	c := dialControl(t, srv)

	p1 := c.listen(t, "svc1", "client-a")
	p2 := c.listen(t, "svc2", "client-a")
	if p1 == 0 || p1 != p2 {
		t.Fatalf("ports = %d, %d; want one shared non-zero port", p1, p2)
	}

	ev1, ev2 := log.next(t), log.next(t)
	if ev1.topic != "svc1" || ev2.topic != "svc2" || ev1.port != p1 || ev2.port != p1 {
		t.Errorf("forward-listening events = %+v, %+v", ev1, ev2)
	}

	// A repeated topic replies but is not announced again
	if p := c.listen(t, "svc1", "client-a"); p != p1 {
		t.Errorf("repeated LISTEN port = %d, want %d", p, p1)
	}
	select {
	case ev := <-log.forward:
		t.Errorf("unexpected event %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	clients := srv.Clients()
	if len(clients) != 1 {
		t.Fatalf("len(Clients()) = %d, want 1", len(clients))
	}
	if clients[0].Topics != 2 || clients[0].Port != p1 {
		t.Errorf("client = %+v", clients[0])
	}
	// Three LISTENs on one channel register a single consumer
	if clients[0].Waiting != 1 {
		t.Errorf("Waiting = %d, want 1", clients[0].Waiting)
	}
}

func TestServer_SplicesForwardedConnection(t *testing.T) {
	srv := startServer(t, Config{}, Events{})
	c := dialControl(t, srv)
	port := c.listen(t, "svc1", "client-a")

	outside := dialPort(t, port)
	inside := c.stream(t)

	exchange(t, outside, inside, "request")
	exchange(t, inside, outside, "response")

	if c.ch.State() != channel.StateStreaming {
		t.Errorf("control channel state = %v, want STREAMING", c.ch.State())
	}
}

func TestServer_QueuesUntilConsumer(t *testing.T) {
	srv := startServer(t, Config{}, Events{})
	first := dialControl(t, srv)
	port := first.listen(t, "svc", "client-a")

	dialPort(t, port)
	first.stream(t)

	b := dialPort(t, port)
	eventually(t, "queued connection", func() bool { return srv.Stats().Queued == 1 })

	second := dialControl(t, srv)
	second.listen(t, "svc", "client-a")
	raw := second.stream(t)
	exchange(t, b, raw, "queued bytes")

	if srv.Stats().Queued != 0 {
		t.Errorf("Queued = %d, want 0", srv.Stats().Queued)
	}
}

func TestServer_Backpressure(t *testing.T) {
	srv := startServer(t, Config{QueueSize: 16}, Events{})
	c := dialControl(t, srv)
	port := c.listen(t, "svc", "client-a")

	// The first connection is taken by the waiting channel
	dialPort(t, port)
	c.stream(t)

	conns := make([]net.Conn, 0, 17)
	for i := 0; i < 17; i++ {
		conns = append(conns, dialPort(t, port))
		if i < 16 {
			want := i + 1
			eventually(t, "queue growth", func() bool { return srv.Stats().Queued == want })
		}
	}

	expectEOF(t, conns[16])
	if got := srv.Stats().Queued; got != 16 {
		t.Errorf("Queued = %d, want 16", got)
	}
}

func TestServer_QueuedPeersThatHangUpFreeTheQueue(t *testing.T) {
	srv := startServer(t, Config{QueueSize: 16}, Events{})
	c := dialControl(t, srv)
	port := c.listen(t, "svc", "client-a")

	dialPort(t, port)
	c.stream(t)

	for i := 0; i < 16; i++ {
		dialPort(t, port).Close()
	}
	eventually(t, "hung-up peers accepted", func() bool {
		clients := srv.Clients()
		return len(clients) == 1 && clients[0].Accepted == 17
	})
	eventually(t, "hung-up peers leaving the queue", func() bool { return srv.Stats().Queued == 0 })
	time.Sleep(50 * time.Millisecond)
	if got := srv.Stats().Queued; got != 0 {
		t.Fatalf("Queued = %d after hung-up peers, want 0", got)
	}

	live := dialPort(t, port)
	eventually(t, "live connection queued", func() bool { return srv.Stats().Queued == 1 })

	consumer := dialControl(t, srv)
	consumer.listen(t, "svc", "client-a")
	exchange(t, live, consumer.stream(t), "still here")
}

func TestServer_AnnounceWithQueuedConnectionKeepsStreamClean(t *testing.T) {
	log := newEventLog()
	srv := startServer(t, Config{}, log.events())
	first := dialControl(t, srv)
	port := first.listen(t, "svc1", "client-a")
	log.next(t)

	dialPort(t, port)
	first.stream(t)

	outside := dialPort(t, port)
	eventually(t, "queued connection", func() bool { return srv.Stats().Queued == 1 })

	// Every topic arrives in one write while a connection is waiting for the id
	second := dialControl(t, srv)
	if err := second.ch.Announce([]byte("client-a"), [][]byte{[]byte("svc1"), []byte("svc2")}); err != nil {
		t.Fatalf("Announce() error = %v", err)
	}
	raw := second.stream(t)

	if ev := log.next(t); ev.kind != "listening" || ev.topic != "svc2" {
		t.Errorf("event = %+v, want listening for svc2", ev)
	}
	exchange(t, raw, outside, "no control bytes")
	exchange(t, outside, raw, "reply")
}

func TestServer_UnlistenClosesWaitingChannel(t *testing.T) {
	srv := startServer(t, Config{}, Events{})
	a := dialControl(t, srv)
	a.listen(t, "svc", "client-x")
	eventually(t, "waiting consumer", func() bool { return srv.Stats().Waiting == 1 })

	b := dialControl(t, srv)
	if err := b.ch.Unlisten([]byte("client-x")); err != nil {
		t.Fatalf("Unlisten() error = %v", err)
	}

	select {
	case <-a.closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("waiting control channel still open after its state was destroyed (state=%s)", a.ch.State())
	}
	if got := b.ch.State(); got != channel.StateOpen {
		t.Errorf("unlistening channel state = %s, want %s", got, channel.StateOpen)
	}
}

func TestServer_EndToEnd(t *testing.T) {
	router := forward.NewRouter(forward.RouterConfig{})
	defer router.Close()

	srv := startServer(t, Config{}, Events{
		OnForwardListening: router.ForwardListening,
		OnForwardClose:     router.ForwardClose,
		OnForwardConnect:   router.ForwardConnect,
	})

	a := dialControl(t, srv)
	a.listen(t, "svc1", "client-a")

	// Peer B asks for the topic and upgrades without a read loop
	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	defer conn.Close()
	b := channel.New(conn, channel.Config{})
	if err := b.Connect([]byte("svc1")); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	bRaw, err := b.Stream()
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	aRaw := a.stream(t)
	exchange(t, bRaw, aRaw, "hello from B")
	exchange(t, aRaw, bRaw, "hello from A")
}

func TestServer_DeclinedConnectCloses(t *testing.T) {
	srv := startServer(t, Config{}, Events{
		OnForwardConnect: func(net.Conn, []byte) bool { return false },
	})

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	defer conn.Close()
	ch := channel.New(conn, channel.Config{})
	ch.Connect([]byte("nobody"))
	raw, err := ch.Stream()
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	expectEOF(t, raw)
}

func TestServer_StreamWithoutConnectCloses(t *testing.T) {
	srv := startServer(t, Config{}, Events{
		OnForwardConnect: func(net.Conn, []byte) bool {
			t.Error("forward-connect without CONNECT")
			return true
		},
	})

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	defer conn.Close()
	raw, err := channel.New(conn, channel.Config{}).Stream()
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	expectEOF(t, raw)
}

func TestServer_UnlistenDestroysState(t *testing.T) {
	log := newEventLog()
	srv := startServer(t, Config{}, log.events())
	c := dialControl(t, srv)

	port := c.listen(t, "svc1", "client-a")
	c.listen(t, "svc2", "client-a")
	log.next(t)
	log.next(t)

	if err := c.ch.Unlisten([]byte("client-a")); err != nil {
		t.Fatalf("Unlisten() error = %v", err)
	}

	closed := map[string]uint16{}
	for i := 0; i < 2; i++ {
		ev := log.next(t)
		if ev.kind != "close" {
			t.Fatalf("event = %+v, want close", ev)
		}
		closed[ev.topic] = ev.port
	}
	if closed["svc1"] != port || closed["svc2"] != port {
		t.Errorf("forward-close events = %v", closed)
	}

	eventually(t, "state removal", func() bool { return len(srv.Clients()) == 0 })
	if _, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port))), 200*time.Millisecond); err == nil {
		t.Error("forwarding port still open after UNLISTEN")
	}

	// A later LISTEN for the same id starts fresh
	fresh := dialControl(t, srv)
	fresh.listen(t, "svc1", "client-a")
	if ev := log.next(t); ev.kind != "listening" || ev.topic != "svc1" {
		t.Errorf("event after re-listen = %+v", ev)
	}
}

func TestServer_UnlistenUnknownIDCreatesNothing(t *testing.T) {
	srv := startServer(t, Config{}, Events{})
	c := dialControl(t, srv)

	if err := c.ch.Unlisten([]byte("never-listened")); err != nil {
		t.Fatalf("Unlisten() error = %v", err)
	}
	c.ch.Ping()
	time.Sleep(50 * time.Millisecond)

	if n := len(srv.Clients()); n != 0 {
		t.Errorf("len(Clients()) = %d, want 0", n)
	}
}

func TestServer_IdleReclaim(t *testing.T) {
	log := newEventLog()
	srv := startServer(t, Config{IdleTimeout: 100 * time.Millisecond}, log.events())
	c := dialControl(t, srv)

	port := c.listen(t, "svc", "client-a")
	log.next(t)

	c.ch.Destroy(nil)

	ev := log.next(t)
	if ev.kind != "close" || ev.port != port {
		t.Errorf("event = %+v, want close on %d", ev, port)
	}
	eventually(t, "state removal", func() bool { return len(srv.Clients()) == 0 })
}

func TestServer_RelistenCancelsIdle(t *testing.T) {
	log := newEventLog()
	srv := startServer(t, Config{IdleTimeout: 300 * time.Millisecond}, log.events())

	first := dialControl(t, srv)
	port := first.listen(t, "svc", "client-a")
	log.next(t)

	first.ch.Destroy(nil)
	eventually(t, "idle timer", func() bool {
		clients := srv.Clients()
		return len(clients) == 1 && clients[0].IdlePending
	})

	second := dialControl(t, srv)
	if p := second.listen(t, "svc", "client-a"); p != port {
		t.Errorf("re-listen port = %d, want %d", p, port)
	}

	select {
	case ev := <-log.forward:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(500 * time.Millisecond):
	}
	clients := srv.Clients()
	if len(clients) != 1 || clients[0].IdlePending {
		t.Errorf("clients = %+v", clients)
	}
}

func TestServer_MalformedPayloadTearsDown(t *testing.T) {
	log := newEventLog()
	srv := startServer(t, Config{}, log.events())

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	defer conn.Close()

	// LISTEN whose topic length claims more bytes than follow
	body := []byte{byte(protocol.TypeListen), 0x00, 0x10, 'x'}
	frame := make([]byte, 4, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	frame = append(frame, body...)
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case err := <-log.errs:
		if !errors.Is(err, protocol.ErrInvalidPayload) {
			t.Errorf("OnError(%v), want ErrInvalidPayload", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no error reported")
	}
	expectEOF(t, conn)

	// The relay keeps serving other clients
	c := dialControl(t, srv)
	if port := c.listen(t, "svc", "client-b"); port == 0 {
		t.Error("relay stopped serving after a malformed frame")
	}
}

func TestServer_CloseTearsDown(t *testing.T) {
	log := newEventLog()
	srv := New(Config{}, log.events())
	if err := srv.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	c := dialControl(t, srv)
	c.listen(t, "svc", "client-a")
	log.next(t)

	done := make(chan error, 1)
	go func() { done <- srv.Close() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Close() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Close() did not return")
	}

	if ev := log.next(t); ev.kind != "close" {
		t.Errorf("event = %+v, want close", ev)
	}
	select {
	case <-c.closed:
	case <-time.After(2 * time.Second):
		t.Error("control channel not closed by Close()")
	}

	if err := srv.Listen("127.0.0.1:0"); !errors.Is(err, ErrServerClosed) {
		t.Errorf("Listen() after Close error = %v, want ErrServerClosed", err)
	}
	if err := srv.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestServer_Stats(t *testing.T) {
	srv := startServer(t, Config{}, Events{})
	c := dialControl(t, srv)
	c.listen(t, "svc", "client-a")

	eventually(t, "stats", func() bool {
		s := srv.Stats()
		return s.Clients == 1 && s.Sessions == 1 && s.Listeners == 1 && s.Waiting == 1
	})

	if got := srv.Clients()[0].ID; got != "636c69656e742d61" {
		t.Errorf("client id = %q, want hex of client-a", got)
	}
}

// pingRaw sends PING on a plain connection and reports whether PONG arrived before wait.
func pingRaw(t *testing.T, conn net.Conn, wait time.Duration) bool {
	t.Helper()
	if err := protocol.NewFrameWriter(conn).WriteMessage(protocol.TypePing, nil); err != nil {
		t.Fatalf("write PING: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(wait))
	defer conn.SetReadDeadline(time.Time{})
	m, err := protocol.NewFrameReader(conn).ReadMessage()
	if err != nil {
		return false
	}
	return m.Type == protocol.TypePong
}

func TestServer_MaxConnections(t *testing.T) {
	srv := startServer(t, Config{MaxConnections: 1}, Events{})

	first, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	if !pingRaw(t, first, 3*time.Second) {
		t.Fatal("first connection was not served")
	}

	// The second connection completes the TCP handshake but is not accepted yet
	second, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	if pingRaw(t, second, 200*time.Millisecond) {
		t.Fatal("second connection served above the cap")
	}

	first.Close()

	// The PING written above is still buffered; the PONG arrives once the slot frees up
	second.SetReadDeadline(time.Now().Add(3 * time.Second))
	m, err := protocol.NewFrameReader(second).ReadMessage()
	if err != nil {
		t.Fatalf("second connection not served after the first closed: %v", err)
	}
	if m.Type != protocol.TypePong {
		t.Errorf("got %v, want PONG", m.Type)
	}
}
