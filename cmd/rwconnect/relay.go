package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/1143910315/RainWorldConnect/internal/config"
	"github.com/1143910315/RainWorldConnect/internal/health"
	"github.com/1143910315/RainWorldConnect/internal/logging"
	"github.com/1143910315/RainWorldConnect/internal/metrics"
	"github.com/1143910315/RainWorldConnect/internal/relay"
	"github.com/1143910315/RainWorldConnect/internal/store"
)

// relayFlags are the command-line overrides shared by host and join.
type relayFlags struct {
	configPath string
	dataDir    string
	transport  string
	path       string
	gameAddr   string
	rateLimit  string
	status     string
	logLevel   string

	listen   string
	udpPort  int
	maxPeers int
}

func (f *relayFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVarP(&f.configPath, "config", "c", "", "Configuration file to start from")
	fs.StringVarP(&f.dataDir, "data-dir", "d", "", "Directory for persistent state")
	fs.StringVar(&f.transport, "transport", "", "Carrier: tcp or ws")
	fs.StringVar(&f.path, "path", "", "HTTP path for the ws transport")
	fs.StringVar(&f.gameAddr, "game-address", "", "IP the local game listens on")
	fs.StringVar(&f.rateLimit, "rate-limit", "", "Per-player forward limit per second, e.g. 2MiB")
	fs.StringVar(&f.status, "status", "", "Serve status endpoints on this address")
	fs.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
}

// load builds the configuration for role from the file, if any, and the
// flags that were set.
func (f *relayFlags) load(cmd *cobra.Command, role string) (*config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	cfg.Node.Role = role

	fs := cmd.Flags()
	set := func(name string, dst *string, v string) {
		if fs.Changed(name) {
			*dst = v
		}
	}
	set("data-dir", &cfg.Node.DataDir, f.dataDir)
	set("transport", &cfg.Transport.Kind, f.transport)
	set("path", &cfg.Transport.Path, f.path)
	set("game-address", &cfg.UDP.GameAddress, f.gameAddr)
	set("rate-limit", &cfg.UDP.RateLimit, f.rateLimit)
	set("log-level", &cfg.Node.LogLevel, f.logLevel)
	set("listen", &cfg.Host.Listen, f.listen)
	if fs.Changed("status") {
		cfg.Status.Enabled = f.status != ""
		cfg.Status.Address = f.status
	}
	if fs.Changed("udp-port") {
		cfg.Host.UDPPort = f.udpPort
	}
	if fs.Changed("max-peers") {
		cfg.Host.MaxPeers = f.maxPeers
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func hostCmd() *cobra.Command {
	var f relayFlags

	cmd := &cobra.Command{
		Use:   "host",
		Short: "Host a room",
		Long:  "Accept players and relay their game traffic to the local game and to each other.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.load(cmd, config.RoleHost)
			if err != nil {
				return err
			}
			return runRelay(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}

	f.register(cmd)
	cmd.Flags().StringVarP(&f.listen, "listen", "l", "", "TCP address to accept players on")
	cmd.Flags().IntVarP(&f.udpPort, "udp-port", "p", 0, "Port the local game server listens on")
	cmd.Flags().IntVar(&f.maxPeers, "max-peers", 0, "Maximum connected players, 0 for no limit")

	return cmd
}

func joinCmd() *cobra.Command {
	var f relayFlags

	cmd := &cobra.Command{
		Use:   "join <host:port>",
		Short: "Join a room",
		Long:  "Connect to a host and relay the local game's traffic through it.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.load(cmd, config.RoleClient)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				cfg.Client.Remote = args[0]
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			return runRelay(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}

	f.register(cmd)
	return cmd
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the relay from a configuration file",
		Long:  "Start the relay in the role named by the configuration file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return runRelay(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./rwconnect.yaml", "Path to configuration file")

	return cmd
}

// runRelay starts the coordinator and the optional status server, shows the
// roster on out and blocks until interrupted.
func runRelay(ctx context.Context, cfg *config.Config, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.NewLogger(cfg.Node.LogLevel, cfg.Node.LogFormat)

	st, err := store.OpenFile(cfg.Node.DataDir)
	if err != nil {
		return err
	}

	rc, err := relay.ConfigFrom(cfg)
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rc.Metrics = metrics.NewMetricsWithRegistry(reg)

	coord, err := relay.New(rc, st, logger)
	if err != nil {
		return err
	}

	if cfg.Status.Enabled {
		srv := health.NewServer(health.ServerConfig{
			Address:      cfg.Status.Address,
			Token:        cfg.Status.Token,
			ReadTimeout:  cfg.Status.ReadTimeout,
			WriteTimeout: cfg.Status.WriteTimeout,
			Gatherer:     reg,
			Logger:       logger,
		}, coord)
		if err := srv.Start(); err != nil {
			return fmt.Errorf("status server: %w", err)
		}
		defer srv.Stop()
	}

	view := newRosterView(out, isTerminal(out))
	cancel := coord.Subscribe(view.Render)
	defer cancel()

	if err := coord.Start(ctx); err != nil {
		var setupErr *relay.SetupError
		if errors.As(err, &setupErr) {
			return fmt.Errorf("cannot start %s: %w", cfg.Node.Role, err)
		}
		return err
	}

	<-ctx.Done()
	fmt.Fprintln(out, "\nShutting down...")
	if err := coord.Stop(); err != nil && !errors.Is(err, relay.ErrNotRunning) {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
