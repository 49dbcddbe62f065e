// Package config provides configuration parsing and validation for rwconnect.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Node roles
const (
	RoleHost   = "host"
	RoleClient = "client"
)

// Carrier kinds
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "ws"
)

// MaxRoomIdentities is the hard ceiling on the host's room identity list.
const MaxRoomIdentities = 1000

// Config represents the complete node configuration.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Host      HostConfig      `yaml:"host"`
	Client    ClientConfig    `yaml:"client"`
	Transport TransportConfig `yaml:"transport"`
	UDP       UDPConfig       `yaml:"udp"`
	Auth      AuthConfig      `yaml:"auth"`
	Roster    RosterConfig    `yaml:"roster"`
	Status    StatusConfig    `yaml:"status"`
}

// NodeConfig contains role and process settings.
type NodeConfig struct {
	Role      string `yaml:"role"`       // host, client
	DataDir   string `yaml:"data_dir"`   // Directory for persistent state
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
}

// HostConfig contains rendezvous host settings.
type HostConfig struct {
	Listen   string `yaml:"listen"`    // TCP listen address
	UDPPort  int    `yaml:"udp_port"`  // Port the local game listens on
	MaxPeers int    `yaml:"max_peers"` // 0 = unlimited
}

// ClientConfig contains settings for joining a host.
type ClientConfig struct {
	Remote    string          `yaml:"remote"` // host:port of the rendezvous host
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig defines the client's reconnection backoff.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       float64       `yaml:"jitter"`
	MaxRetries   int           `yaml:"max_retries"` // 0 = unlimited
}

// TransportConfig selects the carrier for the package stream.
type TransportConfig struct {
	Kind string `yaml:"kind"` // tcp, ws
	Path string `yaml:"path"` // HTTP path for ws
}

// UDPConfig contains game socket settings.
type UDPConfig struct {
	BindAddress     string `yaml:"bind_address"`      // IP relay sockets bind to
	GameAddress     string `yaml:"game_address"`      // IP the game listens on
	RateLimit       string `yaml:"rate_limit"`        // Per-session forward limit, e.g. "2 MiB"; empty = unlimited
	MaxDatagramSize int    `yaml:"max_datagram_size"` // Receive buffer size
}

// AuthConfig contains host authentication settings.
type AuthConfig struct {
	MaxRoomIdentities int `yaml:"max_room_identities"`
}

// RosterConfig controls roster publication.
type RosterConfig struct {
	SampleInterval time.Duration `yaml:"sample_interval"`
}

// StatusConfig defines the HTTP status server.
type StatusConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	Token        string        `yaml:"token"` // Bearer token for kick/remark; empty = open
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			Role:      RoleClient,
			DataDir:   "./data",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Host: HostConfig{
			Listen:  "0.0.0.0:25565",
			UDPPort: 8720,
		},
		Client: ClientConfig{
			Remote: "127.0.0.1:25565",
			Reconnect: ReconnectConfig{
				InitialDelay: 1 * time.Second,
				MaxDelay:     30 * time.Second,
				Multiplier:   2.0,
				Jitter:       0.2,
				MaxRetries:   0,
			},
		},
		Transport: TransportConfig{
			Kind: TransportTCP,
			Path: "/relay",
		},
		UDP: UDPConfig{
			BindAddress:     "127.0.0.1",
			GameAddress:     "127.0.0.1",
			MaxDatagramSize: 65507,
		},
		Auth: AuthConfig{
			MaxRoomIdentities: MaxRoomIdentities,
		},
		Roster: RosterConfig{
			SampleInterval: 1 * time.Second,
		},
		Status: StatusConfig{
			Enabled:      false,
			Address:      "127.0.0.1:8721",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes over the defaults.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
// ${VAR:-default} falls back to default; unknown variables are kept as is.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	switch c.Node.Role {
	case RoleHost, RoleClient:
	default:
		errs = append(errs, fmt.Sprintf("invalid node.role: %q (must be host or client)", c.Node.Role))
	}
	if c.Node.DataDir == "" {
		errs = append(errs, "node.data_dir is required")
	}
	if !isValidLogLevel(c.Node.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Node.LogLevel))
	}
	if !isValidLogFormat(c.Node.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Node.LogFormat))
	}

	if c.Node.Role == RoleHost {
		if err := validateHostPort(c.Host.Listen); err != nil {
			errs = append(errs, fmt.Sprintf("host.listen: %v", err))
		}
		if !isValidPort(c.Host.UDPPort) {
			errs = append(errs, fmt.Sprintf("host.udp_port must be between 1 and 65535, got %d", c.Host.UDPPort))
		}
		if c.Host.MaxPeers < 0 {
			errs = append(errs, "host.max_peers must not be negative")
		}
	}

	if c.Node.Role == RoleClient {
		if err := validateHostPort(c.Client.Remote); err != nil {
			errs = append(errs, fmt.Sprintf("client.remote: %v", err))
		}
		r := c.Client.Reconnect
		if r.InitialDelay <= 0 {
			errs = append(errs, "client.reconnect.initial_delay must be positive")
		}
		if r.MaxDelay < r.InitialDelay {
			errs = append(errs, "client.reconnect.max_delay must be >= initial_delay")
		}
		if r.Multiplier < 1 {
			errs = append(errs, "client.reconnect.multiplier must be at least 1")
		}
		if r.Jitter < 0 || r.Jitter > 1 {
			errs = append(errs, "client.reconnect.jitter must be between 0 and 1")
		}
		if r.MaxRetries < 0 {
			errs = append(errs, "client.reconnect.max_retries must not be negative")
		}
	}

	switch c.Transport.Kind {
	case TransportTCP:
	case TransportWebSocket:
		if !strings.HasPrefix(c.Transport.Path, "/") {
			errs = append(errs, "transport.path must start with /")
		}
	default:
		errs = append(errs, fmt.Sprintf("invalid transport.kind: %q (must be tcp or ws)", c.Transport.Kind))
	}

	if net.ParseIP(c.UDP.BindAddress) == nil {
		errs = append(errs, fmt.Sprintf("udp.bind_address: invalid IP %q", c.UDP.BindAddress))
	}
	if net.ParseIP(c.UDP.GameAddress) == nil {
		errs = append(errs, fmt.Sprintf("udp.game_address: invalid IP %q", c.UDP.GameAddress))
	}
	if _, err := c.UDP.RateLimitBytes(); err != nil {
		errs = append(errs, fmt.Sprintf("udp.rate_limit: %v", err))
	}
	if c.UDP.MaxDatagramSize < 1 || c.UDP.MaxDatagramSize > 65507 {
		errs = append(errs, "udp.max_datagram_size must be between 1 and 65507")
	}

	if c.Auth.MaxRoomIdentities < 1 || c.Auth.MaxRoomIdentities > MaxRoomIdentities {
		errs = append(errs, fmt.Sprintf("auth.max_room_identities must be between 1 and %d", MaxRoomIdentities))
	}

	if c.Roster.SampleInterval <= 0 {
		errs = append(errs, "roster.sample_interval must be positive")
	}

	if c.Status.Enabled {
		if err := validateHostPort(c.Status.Address); err != nil {
			errs = append(errs, fmt.Sprintf("status.address: %v", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// RateLimitBytes parses RateLimit as bytes per second. Zero means unlimited.
func (u UDPConfig) RateLimitBytes() (uint64, error) {
	if strings.TrimSpace(u.RateLimit) == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(u.RateLimit)
	if err != nil {
		return 0, fmt.Errorf("invalid rate %q: %w", u.RateLimit, err)
	}
	return n, nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	}
	return false
}

func isValidPort(p int) bool {
	return p > 0 && p <= 65535
}

func validateHostPort(addr string) error {
	if addr == "" {
		return fmt.Errorf("address is required")
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if port == "0" {
		return nil
	}
	if p, err := strconv.Atoi(port); err != nil || !isValidPort(p) {
		return fmt.Errorf("invalid port in %q", addr)
	}
	return nil
}

// String returns the redacted YAML form of the config.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config safe to log or display.
func (c *Config) Redacted() *Config {
	cp := *c
	if cp.Status.Token != "" {
		cp.Status.Token = redactedValue
	}
	return &cp
}

// Marshal returns the full YAML form of the config, secrets included.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
