package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Node.Role != RoleClient {
		t.Errorf("Node.Role = %s, want client", cfg.Node.Role)
	}
	if cfg.Node.DataDir != "./data" {
		t.Errorf("Node.DataDir = %s, want ./data", cfg.Node.DataDir)
	}
	if cfg.UDP.MaxDatagramSize != 65507 {
		t.Errorf("UDP.MaxDatagramSize = %d, want 65507", cfg.UDP.MaxDatagramSize)
	}
	if cfg.Auth.MaxRoomIdentities != 1000 {
		t.Errorf("Auth.MaxRoomIdentities = %d, want 1000", cfg.Auth.MaxRoomIdentities)
	}
	if cfg.Roster.SampleInterval != time.Second {
		t.Errorf("Roster.SampleInterval = %v, want 1s", cfg.Roster.SampleInterval)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestParse_HostConfig(t *testing.T) {
	yamlConfig := `
node:
  role: host
  data_dir: /var/lib/rwconnect
  log_level: debug
  log_format: json

host:
  listen: "0.0.0.0:7000"
  udp_port: 9000
  max_peers: 8

transport:
  kind: ws
  path: /tunnel

udp:
  bind_address: 127.0.0.1
  rate_limit: "2 MiB"

roster:
  sample_interval: 500ms

status:
  enabled: true
  address: "127.0.0.1:9100"
  token: hunter2
`
	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Node.Role != RoleHost {
		t.Errorf("Node.Role = %s, want host", cfg.Node.Role)
	}
	if cfg.Host.Listen != "0.0.0.0:7000" || cfg.Host.UDPPort != 9000 || cfg.Host.MaxPeers != 8 {
		t.Errorf("Host = %+v", cfg.Host)
	}
	if cfg.Transport.Kind != TransportWebSocket || cfg.Transport.Path != "/tunnel" {
		t.Errorf("Transport = %+v", cfg.Transport)
	}
	if cfg.Roster.SampleInterval != 500*time.Millisecond {
		t.Errorf("Roster.SampleInterval = %v, want 500ms", cfg.Roster.SampleInterval)
	}
	rate, err := cfg.UDP.RateLimitBytes()
	if err != nil {
		t.Fatalf("RateLimitBytes() error = %v", err)
	}
	if rate != 2*1024*1024 {
		t.Errorf("RateLimitBytes() = %d, want %d", rate, 2*1024*1024)
	}
	// Defaults survive for unset fields.
	if cfg.UDP.GameAddress != "127.0.0.1" {
		t.Errorf("UDP.GameAddress = %s, want default", cfg.UDP.GameAddress)
	}
	if cfg.Client.Reconnect.MaxDelay != 30*time.Second {
		t.Errorf("Client.Reconnect.MaxDelay = %v, want default", cfg.Client.Reconnect.MaxDelay)
	}
}

func TestParse_ClientConfig(t *testing.T) {
	yamlConfig := `
node:
  role: client
client:
  remote: "relay.example.com:7000"
  reconnect:
    initial_delay: 2s
    max_delay: 1m
    multiplier: 1.5
    jitter: 0.1
    max_retries: 5
`
	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	r := cfg.Client.Reconnect
	if r.InitialDelay != 2*time.Second || r.MaxDelay != time.Minute || r.Multiplier != 1.5 || r.Jitter != 0.1 || r.MaxRetries != 5 {
		t.Errorf("Reconnect = %+v", r)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	if _, err := Parse([]byte("node: [unclosed")); err == nil {
		t.Error("Parse() error = nil for invalid YAML")
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"bad role", "node:\n  role: relay\n", "invalid node.role"},
		{"bad log level", "node:\n  log_level: loud\n", "invalid log_level"},
		{"bad log format", "node:\n  log_format: xml\n", "invalid log_format"},
		{"missing data dir", "node:\n  data_dir: \"\"\n", "node.data_dir is required"},
		{"host bad listen", "node:\n  role: host\nhost:\n  listen: nope\n", "host.listen"},
		{"host bad udp port", "node:\n  role: host\nhost:\n  udp_port: 70000\n", "host.udp_port"},
		{"host negative peers", "node:\n  role: host\nhost:\n  max_peers: -1\n", "host.max_peers"},
		{"client missing remote", "client:\n  remote: \"\"\n", "client.remote"},
		{"client bad port", "client:\n  remote: \"example.com:http\"\n", "client.remote"},
		{"reconnect max below initial", "client:\n  reconnect:\n    initial_delay: 10s\n    max_delay: 1s\n", "max_delay"},
		{"reconnect jitter", "client:\n  reconnect:\n    jitter: 2\n", "jitter"},
		{"reconnect multiplier", "client:\n  reconnect:\n    multiplier: 0.5\n", "multiplier"},
		{"bad transport", "transport:\n  kind: quic\n", "invalid transport.kind"},
		{"ws path", "transport:\n  kind: ws\n  path: relay\n", "transport.path"},
		{"bad bind address", "udp:\n  bind_address: localhost\n", "udp.bind_address"},
		{"bad game address", "udp:\n  game_address: \"\"\n", "udp.game_address"},
		{"bad rate", "udp:\n  rate_limit: fast\n", "udp.rate_limit"},
		{"datagram too large", "udp:\n  max_datagram_size: 70000\n", "udp.max_datagram_size"},
		{"room identities over cap", "auth:\n  max_room_identities: 1001\n", "auth.max_room_identities"},
		{"room identities zero", "auth:\n  max_room_identities: 0\n", "auth.max_room_identities"},
		{"sample interval", "roster:\n  sample_interval: 0s\n", "roster.sample_interval"},
		{"status address", "status:\n  enabled: true\n  address: \"\"\n", "status.address"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("Parse() error = nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Node.Role = "nobody"
	cfg.UDP.BindAddress = "x"
	cfg.Roster.SampleInterval = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() error = nil")
	}
	if got := strings.Count(err.Error(), "\n  - "); got != 3 {
		t.Errorf("error lists %d problems, want 3: %v", got, err)
	}
}

func TestParse_EnvVarSubstitution(t *testing.T) {
	t.Setenv("RWC_REMOTE", "10.0.0.5:7000")
	t.Setenv("RWC_LEVEL", "warn")

	yamlConfig := `
node:
  log_level: $RWC_LEVEL
client:
  remote: "${RWC_REMOTE}"
`
	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Client.Remote != "10.0.0.5:7000" {
		t.Errorf("Client.Remote = %s, want 10.0.0.5:7000", cfg.Client.Remote)
	}
	if cfg.Node.LogLevel != "warn" {
		t.Errorf("Node.LogLevel = %s, want warn", cfg.Node.LogLevel)
	}
}

func TestParse_EnvVarDefaultValue(t *testing.T) {
	os.Unsetenv("RWC_UNSET_PORT")

	cfg, err := Parse([]byte("node:\n  role: host\nhost:\n  udp_port: ${RWC_UNSET_PORT:-9123}\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Host.UDPPort != 9123 {
		t.Errorf("Host.UDPPort = %d, want 9123", cfg.Host.UDPPort)
	}
}

func TestExpandEnvVars_UnknownKept(t *testing.T) {
	os.Unsetenv("RWC_DOES_NOT_EXIST")
	if got := expandEnvVars("a ${RWC_DOES_NOT_EXIST} b"); got != "a ${RWC_DOES_NOT_EXIST} b" {
		t.Errorf("expandEnvVars() = %q", got)
	}
}

func TestLoad(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() error = nil for missing file")
	}

	path := filepath.Join(t.TempDir(), "rwconnect.yaml")
	if err := os.WriteFile(path, []byte("node:\n  role: host\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Node.Role != RoleHost {
		t.Errorf("Node.Role = %s, want host", cfg.Node.Role)
	}
}

func TestRedacted(t *testing.T) {
	cfg := Default()
	cfg.Status.Token = "hunter2"

	if got := cfg.Redacted().Status.Token; got != redactedValue {
		t.Errorf("Redacted().Status.Token = %q, want %q", got, redactedValue)
	}
	if cfg.Status.Token != "hunter2" {
		t.Error("Redacted() modified the original")
	}
	if strings.Contains(cfg.String(), "hunter2") {
		t.Error("String() leaks the status token")
	}

	raw, err := cfg.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	back, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse(Marshal()) error = %v", err)
	}
	if back.Status.Token != "hunter2" {
		t.Errorf("Marshal() lost the token: %q", back.Status.Token)
	}
}

func TestRateLimitBytes(t *testing.T) {
	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"", 0, false},
		{"  ", 0, false},
		{"512 KiB", 512 * 1024, false},
		{"1MB", 1000 * 1000, false},
		{"lots", 0, true},
	}
	for _, tt := range tests {
		got, err := UDPConfig{RateLimit: tt.in}.RateLimitBytes()
		if (err != nil) != tt.wantErr {
			t.Errorf("RateLimitBytes(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("RateLimitBytes(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
