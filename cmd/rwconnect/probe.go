package main

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/1143910315/RainWorldConnect/internal/probe"
)

var (
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
)

func probeCmd() *cobra.Command {
	var opts probe.Options

	cmd := &cobra.Command{
		Use:   "probe <host:port>",
		Short: "Check that a host is reachable",
		Long: `Connect to a host and wait for its room announcement without joining.

Use this to tell a firewall or port forwarding problem apart from a
game-side one before starting join.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Address = args[0]
			r := probe.Probe(cmd.Context(), opts)
			printProbeResult(cmd.OutOrStdout(), r)
			if !r.Success {
				return fmt.Errorf("probe %s failed", r.Address)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Transport, "transport", "tcp", "Carrier: tcp or ws")
	cmd.Flags().StringVar(&opts.Path, "path", "/relay", "HTTP path for the ws transport")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "Give up after this long")

	return cmd
}

func printProbeResult(out io.Writer, r *probe.Result) {
	if !r.Success {
		fmt.Fprintf(out, "%s %s (%s)\n", failStyle.Render("FAIL"), r.Address, r.Transport)
		fmt.Fprintf(out, "  %s\n", r.ErrorDetail)
		return
	}

	fmt.Fprintf(out, "%s %s (%s) in %s\n", okStyle.Render("OK"), r.Address, r.Transport,
		r.RTT.Round(time.Millisecond))
	fmt.Fprintf(out, "  room %d: %s\n", r.RoomIndex, r.RoomID)
	if len(r.Players) > 0 {
		fmt.Fprintf(out, "  %d players:", len(r.Players))
		for _, u := range r.Players {
			fmt.Fprintf(out, " %s:%s", u.DeviceID, portString(u.Port))
		}
		fmt.Fprintln(out)
	}
}
