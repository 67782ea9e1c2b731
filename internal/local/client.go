// Package local implements the tunnel client: one-shot CONNECT streams to a relay and
// the persistent ClientServer that announces topics and receives forwarded connections.
package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/postalsys/tcp-forward/internal/channel"
	"github.com/postalsys/tcp-forward/internal/identity"
	"github.com/postalsys/tcp-forward/internal/logging"
	"github.com/postalsys/tcp-forward/internal/metrics"
	"github.com/postalsys/tcp-forward/internal/schedule"
	"github.com/postalsys/tcp-forward/internal/transport"
)

var (
	// ErrRetriesExhausted is reported once every scheduled reconnect attempt has failed.
	ErrRetriesExhausted = errors.New("cannot connect to remote tunnel")

	// ErrClosed is returned by operations on a closed ClientServer.
	ErrClosed = errors.New("tunnel client closed")
)

// Config holds tunnel client configuration.
type Config struct {
	// Address of the relay control listener. For WebSocket dialers this may be a ws:// or wss:// URL.
	Address string

	// Dialer opens control connections. Defaults to plain TCP.
	Dialer transport.Dialer

	// Retries is the reconnect schedule. Defaults to schedule.DefaultRetries.
	Retries []time.Duration

	// DialTimeout bounds each control connection attempt (0 = no extra bound).
	DialTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Client talks to one relay.
type Client struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a tunnel client.
func New(cfg Config) *Client {
	if cfg.Dialer == nil {
		cfg.Dialer = &transport.TCPDialer{Timeout: cfg.DialTimeout}
	}
	if cfg.Retries == nil {
		cfg.Retries = schedule.DefaultRetries
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Client{
		cfg: cfg,
		logger: logger.With(
			logging.KeyComponent, "local",
			logging.KeyAddress, cfg.Address),
	}
}

// Connect opens a connection to whichever client announced topic. It sends CONNECT and
// STREAM and returns the connection, which carries raw bytes from then on.
func (c *Client) Connect(ctx context.Context, topic []byte) (net.Conn, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}

	ch := channel.New(conn, channel.Config{Logger: c.logger, Metrics: c.cfg.Metrics})
	if err := ch.Connect(topic); err != nil {
		conn.Close()
		return nil, err
	}
	raw, err := ch.Stream()
	if err != nil {
		conn.Close()
		return nil, err
	}

	c.logger.Debug("connected to topic", logging.KeyTopic, logging.Short(topic))
	return raw, nil
}

// CreateServer creates a ClientServer with a fresh client id. Call Start to connect.
func (c *Client) CreateServer(events Events) *ClientServer {
	return newClientServer(c, events)
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	if c.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.DialTimeout)
		defer cancel()
	}
	conn, err := c.cfg.Dialer.Dial(ctx, c.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", c.cfg.Address, err)
	}
	return conn, nil
}

// host returns the host part of the relay address.
func (c *Client) host() string {
	addr := c.cfg.Address
	if strings.Contains(addr, "://") {
		if u, err := url.Parse(addr); err == nil {
			return u.Hostname()
		}
	}
	if h, _, err := net.SplitHostPort(addr); err == nil {
		return h
	}
	return addr
}

func newClientID() []byte {
	id, err := identity.NewClientID()
	if err != nil {
		panic(fmt.Sprintf("generate client id: %v", err))
	}
	return id
}
