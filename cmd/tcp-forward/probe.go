package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/postalsys/tcp-forward/internal/certutil"
	"github.com/postalsys/tcp-forward/internal/probe"
)

func probeCmd(flags *globalFlags) *cobra.Command {
	var (
		cf      clientFlags
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "probe [relay]",
		Short: "Test connectivity to a relay",
		Long: `Dial a relay control port, send PING and wait for the PONG.

The relay address defaults to client.relay from the configuration.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				cf.relay = args[0]
			}
			cf.apply(cfg)
			if cfg.Client.Relay == "" {
				return errors.New("relay address is required")
			}

			tlsConfig, err := certutil.ClientTLSConfig(certutil.ClientOptions{
				CAFile:             cfg.Client.TLS.CA,
				Fingerprint:        cfg.Client.TLS.Fingerprint,
				InsecureSkipVerify: cfg.Client.TLS.InsecureSkipVerify,
			})
			if err != nil {
				return err
			}

			result := probe.Probe(context.Background(), probe.Options{
				Transport: cfg.Client.Transport,
				Address:   cfg.Client.Relay,
				Path:      cfg.Client.Path,
				Timeout:   timeout,
				TLSConfig: tlsConfig,
			})

			out := cmd.OutOrStdout()
			if !result.Success {
				fmt.Fprintf(out, "%s %s (%s): %s\n", failStyle.Render("FAILED"), result.Address, result.Transport, result.ErrorDetail)
				return result.Error
			}
			fmt.Fprintf(out, "%s %s (%s): connect %s, rtt %s\n", okStyle.Render("OK"), result.Address, result.Transport,
				result.Connect.Round(time.Microsecond), result.RTT.Round(time.Microsecond))
			return nil
		},
	}

	cf.register(cmd)
	cmd.Flags().DurationVar(&timeout, "timeout", probe.DefaultTimeout, "Probe timeout")
	return cmd
}
