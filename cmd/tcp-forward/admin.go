package main

import (
	"context"
	"fmt"
	"math"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/postalsys/tcp-forward/internal/control"
)

// withControl runs fn against the control socket of a running relay.
func withControl(flags *globalFlags, socket string, fn func(ctx context.Context, c *control.Client) error) error {
	if socket == "" {
		cfg, err := flags.load()
		if err != nil {
			return err
		}
		socket = cfg.Control.SocketPath
	}

	client := control.NewClient(socket)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := fn(ctx, client); err != nil {
		return fmt.Errorf("control socket %s: %w", socket, err)
	}
	return nil
}

func statusCmd(flags *globalFlags) *cobra.Command {
	var socket string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show relay status",
		Long:  "Display the status of a running relay through its control socket.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withControl(flags, socket, func(ctx context.Context, c *control.Client) error {
				status, err := c.Status(ctx)
				if err != nil {
					return err
				}

				running := okStyle.Render("running")
				if !status.Running {
					running = failStyle.Render("stopped")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n\n", titleStyle.Render("tcp-forward relay"), running)

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintf(w, "Version:\t%s\n", status.System.Version)
				fmt.Fprintf(w, "Host:\t%s (%s/%s, pid %d)\n", status.System.Hostname, status.System.OS, status.System.Arch, status.System.PID)
				if status.System.Kernel != "" {
					fmt.Fprintf(w, "Kernel:\t%s\n", status.System.Kernel)
				}
				switch limit := status.System.FileLimit; {
				case limit > math.MaxInt64:
					fmt.Fprintf(w, "Open file limit:\tunlimited\n")
				case limit > 0:
					fmt.Fprintf(w, "Open file limit:\t%s\n", humanize.Comma(int64(limit)))
				}
				fmt.Fprintf(w, "Address:\t%s\n", status.Address)
				fmt.Fprintf(w, "Uptime:\t%s (since %s)\n", status.Uptime, humanize.Time(status.System.StartTime))
				fmt.Fprintf(w, "Clients:\t%s\n", humanize.Comma(int64(status.Clients)))
				fmt.Fprintf(w, "Control connections:\t%s\n", humanize.Comma(int64(status.Sessions)))
				fmt.Fprintf(w, "Control listeners:\t%d\n", status.Listeners)
				fmt.Fprintf(w, "Queued connections:\t%s\n", humanize.Comma(int64(status.Queued)))
				fmt.Fprintf(w, "Waiting consumers:\t%s\n", humanize.Comma(int64(status.Waiting)))
				return w.Flush()
			})
		},
	}

	cmd.Flags().StringVarP(&socket, "socket", "s", "", "Control socket path (default from config)")
	return cmd
}

func clientsCmd(flags *globalFlags) *cobra.Command {
	var socket string

	cmd := &cobra.Command{
		Use:   "clients",
		Short: "List registered clients",
		Long:  "Display every client id the relay holds state for.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withControl(flags, socket, func(ctx context.Context, c *control.Client) error {
				resp, err := c.Clients(ctx)
				if err != nil {
					return err
				}
				if len(resp.Clients) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), mutedStyle.Render("No clients."))
					return nil
				}

				clients := resp.Clients
				sort.Slice(clients, func(i, j int) bool {
					return clients[i].Created.Before(clients[j].Created)
				})

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "CLIENT\tPORT\tTOPICS\tACTIVE\tQUEUED\tACCEPTED\tREJECTED\tIDLE\tCREATED")
				for _, ci := range clients {
					id := ci.ID
					if len(id) > 8 {
						id = id[:8]
					}
					idle := "-"
					if ci.IdlePending {
						idle = "pending"
					}
					fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%s\t%s\t%s\t%s\n",
						id, ci.Port, ci.Topics, ci.Actives, ci.Queued,
						humanize.Comma(ci.Accepted), humanize.Comma(ci.Rejected),
						idle, humanize.Time(ci.Created))
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().StringVarP(&socket, "socket", "s", "", "Control socket path (default from config)")
	return cmd
}

func routesCmd(flags *globalFlags) *cobra.Command {
	var socket string

	cmd := &cobra.Command{
		Use:   "routes",
		Short: "List CONNECT routes",
		Long:  "Display the topics the relay routes CONNECT requests for.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withControl(flags, socket, func(ctx context.Context, c *control.Client) error {
				resp, err := c.Routes(ctx)
				if err != nil {
					return err
				}
				if len(resp.Routes) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), mutedStyle.Render("No routes."))
					return nil
				}

				routes := resp.Routes
				sort.Slice(routes, func(i, j int) bool { return routes[i].Port < routes[j].Port })

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TOPIC\tCLIENT\tPORT")
				for _, r := range routes {
					fmt.Fprintf(w, "%s\t%s\t%d\n", r.Topic, r.ClientID, r.Port)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().StringVarP(&socket, "socket", "s", "", "Control socket path (default from config)")
	return cmd
}
