package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/postalsys/tcp-forward/internal/forward"
	"github.com/postalsys/tcp-forward/internal/identity"
	"github.com/postalsys/tcp-forward/internal/local"
	"github.com/postalsys/tcp-forward/internal/logging"
	"github.com/postalsys/tcp-forward/internal/metrics"
	"github.com/postalsys/tcp-forward/internal/recovery"
)

func connectCmd(flags *globalFlags) *cobra.Command {
	var (
		cf     clientFlags
		listen string
	)

	cmd := &cobra.Command{
		Use:   "connect <topic>",
		Short: "Connect to an exposed topic",
		Long: `Open a CONNECT stream to whichever client exposes topic.

Without --listen the stream is bridged to stdin and stdout, which makes
the command usable as an ssh ProxyCommand. With --listen every accepted
local connection opens its own stream.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			cf.apply(cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			topic, err := identity.ParseTopic(args[0])
			if err != nil {
				return fmt.Errorf("invalid topic: %w", err)
			}

			logger := newLogger(cfg)
			_, m := newMetrics()

			client, err := newTunnelClient(cfg, logger, m)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			if listen == "" {
				return connectStdio(ctx, client, topic, logger)
			}
			return connectListen(ctx, cmd, client, topic, listen, logger, m)
		},
	}

	cf.register(cmd)
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Accept local connections on this address instead of using stdio")

	return cmd
}

func connectStdio(ctx context.Context, client *local.Client, topic []byte, logger *slog.Logger) error {
	conn, err := client.Connect(ctx, topic)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	if term.IsTerminal(int(os.Stdin.Fd())) {
		logger.Info("stream open, reading from terminal (Ctrl-D ends input)", logging.KeyTopic, logging.Short(topic))
	}

	go func() {
		io.Copy(conn, os.Stdin)
		if hc, ok := conn.(interface{ CloseWrite() error }); ok {
			hc.CloseWrite()
		}
	}()

	n, err := io.Copy(os.Stdout, conn)
	conn.Close()
	logger.Debug("stream closed", logging.KeyBytesIn, n)
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func connectListen(ctx context.Context, cmd *cobra.Command, client *local.Client, topic []byte, addr string, logger *slog.Logger, m *metrics.Metrics) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "forwarding %s to topic %s\n", ln.Addr(), logging.Short(topic))

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer recovery.RecoverWithLog(logger, "connect.forward")

			remote, err := client.Connect(ctx, topic)
			if err != nil {
				logger.Warn("connect failed",
					logging.KeyRemoteAddr, conn.RemoteAddr().String(),
					logging.KeyError, err)
				conn.Close()
				return
			}
			forward.Splice(logger, m, conn, remote,
				logging.KeyRemoteAddr, conn.RemoteAddr().String(),
				logging.KeyTopic, logging.Short(topic))
		}()
	}
}
