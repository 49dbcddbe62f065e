// Package main provides the CLI entry point for rwconnect.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/1143910315/RainWorldConnect/internal/config"
	"github.com/1143910315/RainWorldConnect/internal/wizard"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rwconnect",
		Short: "rwconnect - UDP game relay over TCP",
		Long: `rwconnect lets players behind NAT share one game session.

One player hosts: the game's UDP traffic from every client is carried
over a single TCP connection per player and delivered to the local game
from sockets that stand in for each remote player.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(hostCmd())
	rootCmd.AddCommand(joinCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(probeCmd())
	rootCmd.AddCommand(configCmd())

	return rootCmd
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a configuration interactively",
		Long:  "Run the setup wizard and write a configuration file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := wizard.New().Run(); err != nil {
				return fmt.Errorf("setup wizard: %w", err)
			}
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	var configPath string

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), cfg.String())
			return nil
		},
	}

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Check a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(configPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: OK\n", configPath)
			return nil
		},
	}

	defaults := &cobra.Command{
		Use:   "default",
		Short: "Print the default configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := config.Default().Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	for _, c := range []*cobra.Command{show, validate} {
		c.Flags().StringVarP(&configPath, "config", "c", "./rwconnect.yaml", "Path to configuration file")
	}
	cmd.AddCommand(show, validate, defaults)

	return cmd
}
