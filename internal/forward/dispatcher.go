package forward

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/tcp-forward/internal/logging"
	"github.com/postalsys/tcp-forward/internal/metrics"
	"github.com/postalsys/tcp-forward/internal/recovery"
)

// ErrDispatcherStopped is returned when a connection arrives after Stop.
var ErrDispatcherStopped = errors.New("dispatcher stopped")

// DispatcherConfig contains dispatcher configuration.
type DispatcherConfig struct {
	// Target is the local address every delivered connection is dialed to.
	Target string

	// ConnectTimeout for outbound connections.
	ConnectTimeout time.Duration

	// MaxConnections limits concurrent connections (0 = unlimited).
	MaxConnections int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultDispatcherConfig returns sensible defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		ConnectTimeout: 10 * time.Second,
		MaxConnections: 1000,
	}
}

// Dispatcher dials a local target for every tunneled connection and splices the two.
type Dispatcher struct {
	cfg    DispatcherConfig
	logger *slog.Logger

	mu        sync.Mutex
	conns     map[net.Conn]struct{}
	connCount atomic.Int64
	stopped   bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &Dispatcher{
		cfg:    cfg,
		logger: logger.With(logging.KeyAddress, cfg.Target),
		conns:  make(map[net.Conn]struct{}),
		stopCh: make(chan struct{}),
	}
}

// Target returns the configured target address.
func (d *Dispatcher) Target() string {
	return d.cfg.Target
}

// Handle takes ownership of conn and forwards it to the target in the background.
func (d *Dispatcher) Handle(conn net.Conn) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		conn.Close()
		return ErrDispatcherStopped
	}
	if d.cfg.MaxConnections > 0 && d.connCount.Load() >= int64(d.cfg.MaxConnections) {
		d.mu.Unlock()
		d.logger.Debug("connection limit reached", "limit", d.cfg.MaxConnections)
		conn.Close()
		return errors.New("connection limit reached")
	}
	d.conns[conn] = struct{}{}
	d.connCount.Add(1)
	d.wg.Add(1)
	d.mu.Unlock()

	go d.dispatch(conn)
	return nil
}

func (d *Dispatcher) dispatch(conn net.Conn) {
	defer d.wg.Done()
	defer recovery.RecoverWithLog(d.logger, "forward.Dispatcher.dispatch")
	defer d.release(conn)

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.ConnectTimeout)
	defer cancel()

	// Cancel dial if we're stopping
	go func() {
		select {
		case <-d.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	var dialer net.Dialer
	target, err := dialer.DialContext(ctx, "tcp", d.cfg.Target)
	if err != nil {
		d.logger.Warn("dial target failed",
			"reason", classifyDialError(err),
			logging.KeyError, err)
		return
	}

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		target.Close()
		return
	}
	d.conns[target] = struct{}{}
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.conns, target)
		d.mu.Unlock()
	}()

	Splice(d.logger, d.cfg.Metrics, conn, target)
}

func (d *Dispatcher) release(conn net.Conn) {
	conn.Close()
	d.mu.Lock()
	delete(d.conns, conn)
	d.mu.Unlock()
	d.connCount.Add(-1)
}

// ConnectionCount returns the number of active connections.
func (d *Dispatcher) ConnectionCount() int64 {
	return d.connCount.Load()
}

// Stop closes every active connection and waits for their goroutines.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		close(d.stopCh)
		for c := range d.conns {
			c.Close()
		}
	}
	d.mu.Unlock()

	d.wg.Wait()
}

// classifyDialError names the dial failure for logs.
func classifyDialError(err error) string {
	if err == nil {
		return ""
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}

	errLower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errLower, "refused"):
		return "refused"
	case strings.Contains(errLower, "unreachable"):
		return "unreachable"
	case strings.Contains(errLower, "timeout"):
		return "timeout"
	default:
		return "failed"
	}
}
