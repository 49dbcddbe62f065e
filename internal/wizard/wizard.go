// Package wizard provides an interactive setup wizard for rwconnect.
package wizard

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/1143910315/RainWorldConnect/internal/config"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
}

// answers collects everything the forms ask for.
type answers struct {
	dataDir    string
	configPath string
	role       string

	listen   string
	udpPort  string
	maxPeers string
	remote   string

	transport string
	path      string

	gameAddress string
	rateLimit   string

	logLevel      string
	statusEnabled bool
	statusAddress string
	statusToken   bool
}

func defaultAnswers() answers {
	d := config.Default()
	return answers{
		dataDir:       d.Node.DataDir,
		configPath:    "./rwconnect.yaml",
		role:          d.Node.Role,
		listen:        d.Host.Listen,
		udpPort:       strconv.Itoa(d.Host.UDPPort),
		maxPeers:      "0",
		remote:        d.Client.Remote,
		transport:     d.Transport.Kind,
		path:          d.Transport.Path,
		gameAddress:   d.UDP.GameAddress,
		logLevel:      d.Node.LogLevel,
		statusAddress: d.Status.Address,
	}
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	a := defaultAnswers()

	if err := w.askBasicSetup(&a); err != nil {
		return nil, err
	}
	if err := w.askRole(&a); err != nil {
		return nil, err
	}
	if a.role == config.RoleHost {
		if err := w.askHost(&a); err != nil {
			return nil, err
		}
	} else {
		if err := w.askClient(&a); err != nil {
			return nil, err
		}
	}
	if err := w.askTransport(&a); err != nil {
		return nil, err
	}
	if err := w.askGameSocket(&a); err != nil {
		return nil, err
	}
	if err := w.askAdvancedOptions(&a); err != nil {
		return nil, err
	}

	cfg, err := buildConfig(a)
	if err != nil {
		return nil, err
	}
	if err := writeConfig(cfg, a.configPath); err != nil {
		return nil, err
	}

	w.printSummary(a.configPath, cfg)

	return &Result{Config: cfg, ConfigPath: a.configPath}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
                                        _
  _ ____      _____ ___  _ __  _ __   ___  ___| |_
 | '__\ \ /\ / / __/ _ \| '_ \| '_ \ / _ \/ __| __|
 | |   \ V  V / (_| (_) | | | | | | |  __/ (__| |_
 |_|    \_/\_/ \___\___/|_| |_|_| |_|\___|\___|\__|
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  UDP Game Relay over TCP - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup(a *answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Configure where rwconnect keeps its files."),

			huh.NewInput().
				Title("Data Directory").
				Description("Where to store room identities and credentials").
				Placeholder("./data").
				Value(&a.dataDir).
				Validate(required("data directory")),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Placeholder("./rwconnect.yaml").
				Value(&a.configPath).
				Validate(validateConfigPath),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askRole(a *answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Role").
				Description("The host runs the game server; clients join it.").
				Options(
					huh.NewOption("Host (accept players)", config.RoleHost),
					huh.NewOption("Client (join a host)", config.RoleClient),
				).
				Value(&a.role),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askHost(a *answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Host").
				Description("Players connect to the listen address."),

			huh.NewInput().
				Title("Listen Address").
				Placeholder("0.0.0.0:25565").
				Value(&a.listen).
				Validate(validateHostPort),

			huh.NewInput().
				Title("Game UDP Port").
				Description("Port the local game server listens on").
				Value(&a.udpPort).
				Validate(validatePort),

			huh.NewInput().
				Title("Max Players").
				Description("0 for no limit").
				Value(&a.maxPeers).
				Validate(validateCount),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askClient(a *answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Host Address").
				Description("host:port of the room to join").
				Placeholder("203.0.113.7:25565").
				Value(&a.remote).
				Validate(validateHostPort),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askTransport(a *answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Transport").
				Description("Both sides must use the same transport").
				Options(
					huh.NewOption("TCP (direct)", config.TransportTCP),
					huh.NewOption("WebSocket (proxy-friendly)", config.TransportWebSocket),
				).
				Value(&a.transport),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}
	if a.transport != config.TransportWebSocket {
		return nil
	}

	pathForm := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("HTTP Path").
				Placeholder("/relay").
				Value(&a.path).
				Validate(func(s string) error {
					if !strings.HasPrefix(s, "/") {
						return fmt.Errorf("path must start with /")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	return pathForm.Run()
}

func (w *Wizard) askGameSocket(a *answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Game Traffic").
				Description("Relay sockets stand in for remote players on this machine."),

			huh.NewInput().
				Title("Game Address").
				Description("IP the local game listens on").
				Value(&a.gameAddress).
				Validate(validateIP),

			huh.NewInput().
				Title("Rate Limit").
				Description("Per-player forward limit per second, e.g. 2 MiB; empty for none").
				Value(&a.rateLimit).
				Validate(validateRate),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askAdvancedOptions(a *answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure monitoring and logging."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.logLevel),

			huh.NewConfirm().
				Title("Enable status server?").
				Description("HTTP endpoints for health, metrics and the roster").
				Value(&a.statusEnabled),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}
	if !a.statusEnabled {
		return nil
	}

	a.statusToken = true
	statusForm := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Status Address").
				Value(&a.statusAddress).
				Validate(validateHostPort),

			huh.NewConfirm().
				Title("Protect kick and remark with a token?").
				Value(&a.statusToken),
		),
	).WithTheme(w.theme)

	return statusForm.Run()
}

// buildConfig turns the answers into a validated configuration.
func buildConfig(a answers) (*config.Config, error) {
	cfg := config.Default()

	cfg.Node.Role = a.role
	cfg.Node.DataDir = a.dataDir
	cfg.Node.LogLevel = a.logLevel
	cfg.Node.LogFormat = "text"

	if a.role == config.RoleHost {
		cfg.Host.Listen = a.listen
		port, err := strconv.Atoi(a.udpPort)
		if err != nil {
			return nil, fmt.Errorf("invalid game port %q", a.udpPort)
		}
		cfg.Host.UDPPort = port
		if a.maxPeers != "" {
			if cfg.Host.MaxPeers, err = strconv.Atoi(a.maxPeers); err != nil {
				return nil, fmt.Errorf("invalid max players %q", a.maxPeers)
			}
		}
	} else {
		cfg.Client.Remote = a.remote
	}

	cfg.Transport.Kind = a.transport
	if a.transport == config.TransportWebSocket {
		cfg.Transport.Path = a.path
	}

	cfg.UDP.GameAddress = a.gameAddress
	cfg.UDP.RateLimit = strings.TrimSpace(a.rateLimit)

	cfg.Status.Enabled = a.statusEnabled
	if a.statusEnabled {
		cfg.Status.Address = a.statusAddress
		if a.statusToken {
			cfg.Status.Token = uuid.NewString()
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func writeConfig(cfg *config.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# rwconnect configuration
# Generated by setup wizard

`
	// The status token is a secret.
	if err := os.WriteFile(path, []byte(header+string(data)), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Role:         %s\n", cfg.Node.Role)
	fmt.Printf("  Config file:  %s\n", configPath)
	fmt.Printf("  Data dir:     %s\n", cfg.Node.DataDir)

	if cfg.Node.Role == config.RoleHost {
		fmt.Printf("  Listening:    %s://%s\n", cfg.Transport.Kind, cfg.Host.Listen)
		fmt.Printf("  Game port:    %d\n", cfg.Host.UDPPort)
	} else {
		fmt.Printf("  Host:         %s://%s\n", cfg.Transport.Kind, cfg.Client.Remote)
	}

	if cfg.Status.Enabled {
		fmt.Printf("  Status:       http://%s/roster\n", cfg.Status.Address)
		if cfg.Status.Token != "" {
			fmt.Printf("  Token:        %s\n", cfg.Status.Token)
		}
	}

	fmt.Println()
	fmt.Println("  To start the relay:")
	fmt.Printf("    rwconnect run -c %s\n", configPath)
	fmt.Println()
}

func required(what string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", what)
		}
		return nil
	}
}

func validateConfigPath(s string) error {
	if s == "" {
		return fmt.Errorf("config path is required")
	}
	if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
		return fmt.Errorf("config file should have .yaml or .yml extension")
	}
	return nil
}

func validateHostPort(s string) error {
	if s == "" {
		return fmt.Errorf("address is required")
	}
	_, port, err := net.SplitHostPort(s)
	if err != nil {
		return fmt.Errorf("invalid address format (use host:port)")
	}
	return validatePort(port)
}

func validatePort(s string) error {
	p, err := strconv.Atoi(s)
	if err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	return nil
}

func validateCount(s string) error {
	if s == "" {
		return nil
	}
	if n, err := strconv.Atoi(s); err != nil || n < 0 {
		return fmt.Errorf("must be a non-negative number")
	}
	return nil
}

func validateIP(s string) error {
	if net.ParseIP(s) == nil {
		return fmt.Errorf("invalid IP address")
	}
	return nil
}

func validateRate(s string) error {
	_, err := config.UDPConfig{RateLimit: s}.RateLimitBytes()
	return err
}
