package main

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/postalsys/tcp-forward/internal/certutil"
	"github.com/postalsys/tcp-forward/internal/control"
	"github.com/postalsys/tcp-forward/internal/forward"
	"github.com/postalsys/tcp-forward/internal/health"
	"github.com/postalsys/tcp-forward/internal/identity"
	"github.com/postalsys/tcp-forward/internal/logging"
	"github.com/postalsys/tcp-forward/internal/relay"
	"github.com/postalsys/tcp-forward/internal/transport"
)

func relayCmd(flags *globalFlags) *cobra.Command {
	var (
		port        int
		host        string
		wsAddress   string
		quicAddress string
	)

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the public relay",
		Long: `Accept control connections from tunnel clients and open a public
forwarding port per client id.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") || cmd.Flags().Changed("host") {
				h, _, _ := net.SplitHostPort(cfg.Relay.Address)
				if cmd.Flags().Changed("host") {
					h = host
				}
				cfg.Relay.Address = net.JoinHostPort(h, strconv.Itoa(port))
			}
			if wsAddress != "" {
				cfg.Relay.WebSocket.Enabled = true
				cfg.Relay.WebSocket.Address = wsAddress
			}
			if quicAddress != "" {
				cfg.Relay.QUIC.Enabled = true
				cfg.Relay.QUIC.Address = quicAddress
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := newLogger(cfg)
			reg, m := newMetrics()

			var router *forward.Router
			events := relay.Events{
				OnListening: func(addr net.Addr) {
					fmt.Fprintf(cmd.OutOrStdout(), "listening on %s\n", addr)
				},
				OnError: func(err error) {
					logger.Warn("relay error", logging.KeyError, err)
				},
			}
			if cfg.Relay.RouteConnects {
				router = forward.NewRouter(forward.RouterConfig{
					Host:    cfg.Relay.ForwardHost,
					Logger:  logger.With(logging.KeyComponent, "router"),
					Metrics: m,
				})
				events.OnForwardListening = router.ForwardListening
				events.OnForwardClose = router.ForwardClose
				events.OnForwardConnect = router.ForwardConnect
			}

			srv := relay.New(relay.Config{
				QueueSize:      cfg.Relay.QueueSize,
				IdleTimeout:    cfg.Relay.IdleTimeout,
				ForwardHost:    cfg.Relay.ForwardHost,
				AcceptRate:     cfg.Relay.AcceptRate,
				AcceptBurst:    cfg.Relay.AcceptBurst,
				MaxConnections: cfg.Relay.MaxConnections,
				Logger:         logger,
				Metrics:        m,
			}, events)

			if err := srv.Listen(cfg.Relay.Address); err != nil {
				return err
			}

			serveErr := make(chan error, 1)
			if cfg.Relay.WebSocket.Enabled {
				opts := transport.ListenOptions{
					Path:        cfg.Relay.WebSocket.Path,
					Subprotocol: transport.DefaultSubprotocol,
				}
				if tc := cfg.Relay.WebSocket.TLS; tc.Enabled {
					tlsConfig, fingerprint, err := certutil.ServerTLSConfig(certutil.ServerOptions{
						CertFile: tc.Cert,
						KeyFile:  tc.Key,
						Hosts:    tc.Hosts,
					})
					if err != nil {
						srv.Close()
						return fmt.Errorf("failed to load relay certificate: %w", err)
					}
					opts.TLSConfig = tlsConfig
					logger.Info("websocket TLS enabled", logging.KeyFingerprint, fingerprint)
				}
				wsln, err := transport.ListenWebSocket(cfg.Relay.WebSocket.Address, opts)
				if err != nil {
					srv.Close()
					return fmt.Errorf("failed to start websocket listener: %w", err)
				}
				go func() {
					if err := srv.Serve(wsln); err != nil && !errors.Is(err, relay.ErrServerClosed) {
						serveErr <- err
					}
				}()
			}
			if qc := cfg.Relay.QUIC; qc.Enabled {
				tlsConfig, fingerprint, err := certutil.ServerTLSConfig(certutil.ServerOptions{
					CertFile: qc.TLS.Cert,
					KeyFile:  qc.TLS.Key,
					Hosts:    qc.TLS.Hosts,
				})
				if err != nil {
					srv.Close()
					return fmt.Errorf("failed to load quic certificate: %w", err)
				}
				logger.Info("quic TLS enabled", logging.KeyFingerprint, fingerprint)
				qln, err := transport.ListenQUIC(qc.Address, transport.ListenOptions{TLSConfig: tlsConfig})
				if err != nil {
					srv.Close()
					return fmt.Errorf("failed to start quic listener: %w", err)
				}
				go func() {
					if err := srv.Serve(qln); err != nil && !errors.Is(err, relay.ErrServerClosed) {
						serveErr <- err
					}
				}()
			}

			info := &relayInfo{srv: srv, router: router}
			stopHealth, err := startHealth(cfg, reg, relayHealth{srv: srv}, logger)
			if err != nil {
				srv.Close()
				return err
			}
			defer stopHealth()

			if cfg.Control.Enabled {
				ctl := control.NewServer(control.ServerConfig{
					SocketPath:   cfg.Control.SocketPath,
					ReadTimeout:  10 * time.Second,
					WriteTimeout: 10 * time.Second,
				}, info)
				if err := ctl.Start(); err != nil {
					srv.Close()
					return fmt.Errorf("failed to start control socket: %w", err)
				}
				defer ctl.Stop()
				logger.Info("control socket listening", logging.KeyAddress, ctl.SocketPath())
			}

			ctx, cancel := signalContext()
			defer cancel()

			select {
			case <-ctx.Done():
				logger.Info("shutting down")
			case err = <-serveErr:
				logger.Error("control listener failed", logging.KeyError, err)
			}

			if router != nil {
				router.Close()
			}
			if cerr := srv.Close(); cerr != nil && err == nil {
				err = cerr
			}
			return err
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "Control port (0 = OS assigned)")
	cmd.Flags().StringVar(&host, "host", "", "Control bind host")
	cmd.Flags().StringVar(&wsAddress, "websocket", "", "Also accept WebSocket control connections on this address")
	cmd.Flags().StringVar(&quicAddress, "quic", "", "Also accept QUIC control connections on this address")

	return cmd
}

// relayInfo adapts a relay.Server and its router for the control socket.
type relayInfo struct {
	srv    *relay.Server
	router *forward.Router
}

var _ control.RelayInfo = (*relayInfo)(nil)

func (r *relayInfo) Address() string {
	if addr := r.srv.Addr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (r *relayInfo) IsRunning() bool {
	return r.srv.Addr() != nil
}

func (r *relayInfo) Stats() relay.Stats {
	return r.srv.Stats()
}

func (r *relayInfo) Clients() []relay.ClientInfo {
	return r.srv.Clients()
}

func (r *relayInfo) Routes() []control.RouteInfo {
	if r.router == nil {
		return nil
	}
	routes := r.router.Routes()
	infos := make([]control.RouteInfo, 0, len(routes))
	for _, route := range routes {
		infos = append(infos, control.RouteInfo{
			Topic:    identity.Short(route.Topic),
			ClientID: identity.Short(route.ID),
			Port:     route.Port,
		})
	}
	return infos
}

// relayHealth reports relay activity to the health server.
type relayHealth struct {
	srv *relay.Server
}

var _ health.StatsProvider = relayHealth{}

func (r relayHealth) IsRunning() bool {
	return r.srv.Addr() != nil
}

func (r relayHealth) Stats() health.Stats {
	s := r.srv.Stats()
	return health.Stats{
		Mode:      "relay",
		Clients:   s.Clients,
		Sessions:  s.Sessions,
		Listeners: s.Listeners,
		Queued:    s.Queued,
		Waiting:   s.Waiting,
	}
}
