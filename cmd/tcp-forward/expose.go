package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/spf13/cobra"

	"github.com/postalsys/tcp-forward/internal/certutil"
	"github.com/postalsys/tcp-forward/internal/config"
	"github.com/postalsys/tcp-forward/internal/forward"
	"github.com/postalsys/tcp-forward/internal/health"
	"github.com/postalsys/tcp-forward/internal/identity"
	"github.com/postalsys/tcp-forward/internal/local"
	"github.com/postalsys/tcp-forward/internal/logging"
	"github.com/postalsys/tcp-forward/internal/metrics"
	"github.com/postalsys/tcp-forward/internal/transport"
)

// clientFlags override the client section of the configuration.
type clientFlags struct {
	relay       string
	transport   string
	path        string
	fingerprint string
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.relay, "relay", "r", "", "Relay control address (host:port or ws:// URL)")
	cmd.Flags().StringVar(&f.transport, "transport", "", "Control transport (tcp, ws, quic)")
	cmd.Flags().StringVar(&f.path, "path", "", "HTTP path for the ws transport")
	cmd.Flags().StringVar(&f.fingerprint, "fingerprint", "", "Pin the relay certificate (sha256:<hex>) for wss://")
}

func (f *clientFlags) apply(cfg *config.Config) {
	if f.relay != "" {
		cfg.Client.Relay = f.relay
	}
	if f.transport != "" {
		cfg.Client.Transport = f.transport
	}
	if f.path != "" {
		cfg.Client.Path = f.path
	}
	if f.fingerprint != "" {
		cfg.Client.TLS.Fingerprint = f.fingerprint
	}
}

// newTunnelClient builds a local.Client for the client section.
func newTunnelClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*local.Client, error) {
	if cfg.Client.Relay == "" {
		return nil, errors.New("relay address is required (--relay or client.relay)")
	}
	t, err := transport.ParseType(cfg.Client.Transport)
	if err != nil {
		return nil, err
	}
	opts := transport.DefaultDialOptions()
	opts.Timeout = cfg.Client.DialTimeout
	opts.Path = cfg.Client.Path
	opts.TLSConfig, err = certutil.ClientTLSConfig(certutil.ClientOptions{
		CAFile:             cfg.Client.TLS.CA,
		Fingerprint:        cfg.Client.TLS.Fingerprint,
		InsecureSkipVerify: cfg.Client.TLS.InsecureSkipVerify,
	})
	if err != nil {
		return nil, err
	}
	dialer, err := transport.NewDialer(t, opts)
	if err != nil {
		return nil, err
	}
	return local.New(local.Config{
		Address:     cfg.Client.Relay,
		Dialer:      dialer,
		Retries:     cfg.Client.Retries,
		DialTimeout: cfg.Client.DialTimeout,
		Logger:      logger,
		Metrics:     m,
	}), nil
}

// tunnel is one exposed target: a ClientServer and the dispatcher dialing the target.
type tunnel struct {
	server     *local.ClientServer
	dispatcher *forward.Dispatcher
	topic      []byte
}

func exposeCmd(flags *globalFlags) *cobra.Command {
	var (
		cf    clientFlags
		topic string
	)

	cmd := &cobra.Command{
		Use:   "expose [target]",
		Short: "Expose a local service through the relay",
		Long: `Register a topic with the relay and forward every connection the relay
delivers to the local target. Without a target argument the topics from
the client section of the configuration are exposed.

Topics are raw strings or hex:<bytes>. An empty topic is replaced by 32
random bytes and printed in hex.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			cf.apply(cfg)
			if len(args) == 1 {
				cfg.Client.Topics = []config.TopicConfig{{Topic: topic, Target: args[0]}}
			}
			if len(cfg.Client.Topics) == 0 {
				return errors.New("nothing to expose: pass a target or configure client.topics")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := newLogger(cfg)
			reg, m := newMetrics()

			client, err := newTunnelClient(cfg, logger, m)
			if err != nil {
				return err
			}

			fatal := make(chan error, len(cfg.Client.Topics))
			tunnels := make([]*tunnel, 0, len(cfg.Client.Topics))
			defer func() {
				for _, t := range tunnels {
					t.server.Close()
					t.dispatcher.Stop()
				}
			}()

			for _, tc := range cfg.Client.Topics {
				t, err := startTunnel(cmd, client, tc, logger, m, fatal)
				if err != nil {
					return err
				}
				tunnels = append(tunnels, t)
			}

			stopHealth, err := startHealth(cfg, reg, exposeHealth(tunnels), logger)
			if err != nil {
				return err
			}
			defer stopHealth()

			ctx, cancel := signalContext()
			defer cancel()

			select {
			case <-ctx.Done():
				logger.Info("shutting down")
				return nil
			case err := <-fatal:
				return err
			}
		},
	}

	cf.register(cmd)
	cmd.Flags().StringVarP(&topic, "topic", "t", "", "Topic for the target argument (empty = random)")

	return cmd
}

func startTunnel(cmd *cobra.Command, client *local.Client, tc config.TopicConfig, logger *slog.Logger, m *metrics.Metrics, fatal chan<- error) (*tunnel, error) {
	var topic []byte
	if tc.Topic != "" {
		t, err := identity.ParseTopic(tc.Topic)
		if err != nil {
			return nil, fmt.Errorf("topic for %s: %w", tc.Target, err)
		}
		topic = t
	}

	dcfg := forward.DefaultDispatcherConfig()
	dcfg.Target = tc.Target
	dcfg.Logger = logger
	dcfg.Metrics = m
	d := forward.NewDispatcher(dcfg)

	out := cmd.OutOrStdout()
	server := client.CreateServer(local.Events{
		OnConnection: func(conn net.Conn) {
			if err := d.Handle(conn); err != nil {
				logger.Debug("forwarded connection dropped",
					logging.KeyAddress, tc.Target,
					logging.KeyError, err)
			}
		},
		OnListening: func(port uint16, host string) {
			fmt.Fprintf(out, "%s is reachable at %s\n", tc.Target, net.JoinHostPort(host, fmt.Sprint(port)))
		},
		OnForwardConnect: func() {
			logger.Info("reconnected to relay", logging.KeyAddress, tc.Target)
		},
		OnError: func(err error) {
			if errors.Is(err, local.ErrRetriesExhausted) {
				fatal <- err
				return
			}
			logger.Warn("tunnel error", logging.KeyError, err)
		},
	})

	used, err := server.Listen(topic)
	if err != nil {
		d.Stop()
		return nil, err
	}
	if topic == nil {
		fmt.Fprintf(out, "%s topic: hex:%s\n", tc.Target, hex.EncodeToString(used))
	}
	server.Start()

	logger.Info("exposing target",
		logging.KeyAddress, tc.Target,
		logging.KeyClientID, identity.Short(server.ID()),
		logging.KeyTopic, logging.Short(used))

	return &tunnel{server: server, dispatcher: d, topic: used}, nil
}

// exposeHealth reports tunnel state to the health server.
type exposeHealth []*tunnel

var _ health.StatsProvider = exposeHealth(nil)

// IsRunning reports whether every tunnel holds a control connection or is about to.
func (e exposeHealth) IsRunning() bool {
	for _, t := range e {
		switch t.server.State() {
		case local.StateClosed, local.StateFailed:
			return false
		}
	}
	return len(e) > 0
}

func (e exposeHealth) Stats() health.Stats {
	stats := health.Stats{Mode: "expose", Tunnels: len(e)}
	for _, t := range e {
		if t.server.State() == local.StateConnected {
			stats.Connected++
		}
		stats.Active += int(t.dispatcher.ConnectionCount())
	}
	return stats
}
