package forward

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/postalsys/tcp-forward/internal/identity"
	"github.com/postalsys/tcp-forward/internal/logging"
	"github.com/postalsys/tcp-forward/internal/metrics"
	"github.com/postalsys/tcp-forward/internal/recovery"
)

// RouterConfig holds router configuration.
type RouterConfig struct {
	// Host is dialed to reach forwarding listeners. Defaults to 127.0.0.1.
	Host string

	// DialTimeout bounds the dial to a forwarding port.
	DialTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Route is a topic announced on a forwarding port.
type Route struct {
	Topic []byte
	ID    []byte
	Port  uint16
}

// Router connects CONNECT streams to the forwarding port that announced their topic.
// It consumes relay events: ForwardListening and ForwardClose maintain the route table,
// ForwardConnect dials the matching port and splices.
type Router struct {
	cfg    RouterConfig
	logger *slog.Logger

	mu     sync.Mutex
	routes map[string]Route
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewRouter creates a router.
func NewRouter(cfg RouterConfig) *Router {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Router{
		cfg:    cfg,
		logger: logger,
		routes: make(map[string]Route),
		conns:  make(map[net.Conn]struct{}),
	}
}

// ForwardListening records that topic is served on port.
func (r *Router) ForwardListening(port uint16, topic, id []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[identity.Key(topic)] = Route{Topic: topic, ID: id, Port: port}
}

// ForwardClose removes topic when it is still mapped to port.
func (r *Router) ForwardClose(port uint16, topic, id []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := identity.Key(topic)
	if route, ok := r.routes[key]; ok && route.Port == port {
		delete(r.routes, key)
	}
}

// Lookup returns the route for topic.
func (r *Router) Lookup(topic []byte) (Route, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	route, ok := r.routes[identity.Key(topic)]
	return route, ok
}

// Routes returns a snapshot of the route table.
func (r *Router) Routes() []Route {
	r.mu.Lock()
	defer r.mu.Unlock()
	routes := make([]Route, 0, len(r.routes))
	for _, route := range r.routes {
		routes = append(routes, route)
	}
	return routes
}

// ForwardConnect accepts conn when topic has a route, then dials the route's port and
// splices in the background. It returns false for unknown topics and after Close.
func (r *Router) ForwardConnect(conn net.Conn, topic []byte) bool {
	r.mu.Lock()
	route, ok := r.routes[identity.Key(topic)]
	if !ok || r.closed {
		r.mu.Unlock()
		return false
	}
	r.conns[conn] = struct{}{}
	r.wg.Add(1)
	r.mu.Unlock()

	go r.connect(conn, route)
	return true
}

func (r *Router) connect(conn net.Conn, route Route) {
	defer r.wg.Done()
	defer recovery.RecoverWithLog(r.logger, "forward.Router.connect")
	defer func() {
		conn.Close()
		r.mu.Lock()
		delete(r.conns, conn)
		r.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.DialTimeout)
	defer cancel()

	address := net.JoinHostPort(r.cfg.Host, strconv.Itoa(int(route.Port)))
	var d net.Dialer
	target, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		r.logger.Debug("dial forward port failed",
			logging.KeyTopic, logging.Short(route.Topic),
			logging.KeyPort, route.Port,
			logging.KeyError, err)
		return
	}

	r.mu.Lock()
	closed := r.closed
	if !closed {
		r.conns[target] = struct{}{}
	}
	r.mu.Unlock()
	if closed {
		target.Close()
		return
	}
	defer func() {
		r.mu.Lock()
		delete(r.conns, target)
		r.mu.Unlock()
	}()

	Splice(r.logger, r.cfg.Metrics, conn, target,
		logging.KeyTopic, logging.Short(route.Topic),
		logging.KeyPort, route.Port)
}

// Close declines further connects and closes routed connections.
func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	for c := range r.conns {
		c.Close()
	}
	r.mu.Unlock()

	r.wg.Wait()
}
