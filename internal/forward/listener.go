// Package forward provides the forwarding listeners, splicing and topic routing around the tunnel relay.
package forward

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/postalsys/tcp-forward/internal/logging"
	"github.com/postalsys/tcp-forward/internal/metrics"
	"github.com/postalsys/tcp-forward/internal/recovery"
)

// ConnHandler takes ownership of an accepted connection. It is called on the accept
// goroutine and must not block.
type ConnHandler func(conn net.Conn)

// ListenerConfig holds listener configuration.
type ListenerConfig struct {
	// Host is the address to bind. The port is always assigned by the OS.
	Host string

	// AcceptRate limits accepted connections per second (0 = unlimited).
	AcceptRate float64

	// AcceptBurst is the burst allowed above AcceptRate.
	AcceptBurst int

	// Logger for logging.
	Logger *slog.Logger

	// Metrics for accept and reject counters. May be nil.
	Metrics *metrics.Metrics
}

// Listener is an ephemeral TCP listener whose accepted connections are handed to a ConnHandler.
type Listener struct {
	cfg      ListenerConfig
	handler  ConnHandler
	listener net.Listener
	limiter  *rate.Limiter
	logger   *slog.Logger
	metrics  *metrics.Metrics

	accepted atomic.Int64
	rejected atomic.Int64

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewListener creates a new forwarding listener.
func NewListener(cfg ListenerConfig, handler ConnHandler) *Listener {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	l := &Listener{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		metrics: cfg.Metrics,
		stopCh:  make(chan struct{}),
	}
	if cfg.AcceptRate > 0 {
		burst := cfg.AcceptBurst
		if burst < 1 {
			burst = 1
		}
		l.limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), burst)
	}
	return l
}

// Start binds the listener on an OS-assigned port and starts accepting.
func (l *Listener) Start() error {
	if l.running.Load() {
		return fmt.Errorf("listener already running")
	}

	address := net.JoinHostPort(l.cfg.Host, "0")
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", address, err)
	}

	l.listener = listener
	l.running.Store(true)
	l.metrics.RecordForwardListenerOpen()

	l.wg.Add(1)
	go l.acceptLoop()

	l.logger.Debug("forward listener started",
		logging.KeyAddress, listener.Addr().String())

	return nil
}

// Stop closes the listener and waits for the accept loop to exit.
// Connections already handed to the handler are not touched.
func (l *Listener) Stop() error {
	var err error
	l.stopOnce.Do(func() {
		close(l.stopCh)
		if l.listener != nil && l.running.Swap(false) {
			err = l.listener.Close()
			l.metrics.RecordForwardListenerClose()
			l.logger.Debug("forward listener stopped",
				logging.KeyPort, l.Port())
		}
	})

	l.wg.Wait()
	return err
}

// Address returns the listening address.
func (l *Listener) Address() net.Addr {
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Port returns the OS-assigned port, or 0 before Start.
func (l *Listener) Port() uint16 {
	addr := l.Address()
	if addr == nil {
		return 0
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return uint16(tcp.Port)
	}
	_, p, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0
	}
	port, _ := strconv.ParseUint(p, 10, 16)
	return uint16(port)
}

// AcceptedCount returns the number of connections handed to the handler.
func (l *Listener) AcceptedCount() int64 {
	return l.accepted.Load()
}

// RejectedCount returns the number of connections closed by the rate limiter.
func (l *Listener) RejectedCount() int64 {
	return l.rejected.Load()
}

// acceptLoop accepts incoming connections.
func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	defer recovery.RecoverWithLog(l.logger, "forward.Listener.acceptLoop")

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.stopCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Debug("accept error", logging.KeyError, err)
			continue
		}

		if l.limiter != nil && !l.limiter.Allow() {
			l.rejected.Add(1)
			l.metrics.RecordForwardRejected(metrics.RejectRateLimited)
			l.logger.Debug("accept rate exceeded",
				logging.KeyRemoteAddr, conn.RemoteAddr().String())
			conn.Close()
			continue
		}

		l.accepted.Add(1)
		l.metrics.RecordForwardAccepted()
		l.handler(conn)
	}
}
