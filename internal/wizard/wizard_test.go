package wizard

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/1143910315/RainWorldConnect/internal/config"
)

func TestNew(t *testing.T) {
	w := New()
	if w == nil || w.theme == nil {
		t.Fatal("New() returned a wizard without a theme")
	}
}

func TestBuildConfig(t *testing.T) {
	tests := []struct {
		name     string
		modify   func(*answers)
		validate func(*testing.T, *config.Config)
	}{
		{
			name: "host over tcp",
			modify: func(a *answers) {
				a.role = config.RoleHost
				a.listen = "0.0.0.0:30000"
				a.udpPort = "8720"
				a.maxPeers = "4"
			},
			validate: func(t *testing.T, cfg *config.Config) {
				if cfg.Node.Role != config.RoleHost {
					t.Errorf("Role = %q, want host", cfg.Node.Role)
				}
				if cfg.Host.Listen != "0.0.0.0:30000" || cfg.Host.UDPPort != 8720 || cfg.Host.MaxPeers != 4 {
					t.Errorf("Host = %+v", cfg.Host)
				}
				if cfg.Transport.Kind != config.TransportTCP {
					t.Errorf("Transport.Kind = %q, want tcp", cfg.Transport.Kind)
				}
			},
		},
		{
			name: "client over websocket",
			modify: func(a *answers) {
				a.role = config.RoleClient
				a.remote = "203.0.113.7:25565"
				a.transport = config.TransportWebSocket
				a.path = "/game"
			},
			validate: func(t *testing.T, cfg *config.Config) {
				if cfg.Client.Remote != "203.0.113.7:25565" {
					t.Errorf("Client.Remote = %q", cfg.Client.Remote)
				}
				if cfg.Transport.Kind != config.TransportWebSocket || cfg.Transport.Path != "/game" {
					t.Errorf("Transport = %+v", cfg.Transport)
				}
			},
		},
		{
			name: "rate limit and game address",
			modify: func(a *answers) {
				a.gameAddress = "192.168.1.20"
				a.rateLimit = " 2 MiB "
			},
			validate: func(t *testing.T, cfg *config.Config) {
				if cfg.UDP.GameAddress != "192.168.1.20" {
					t.Errorf("UDP.GameAddress = %q", cfg.UDP.GameAddress)
				}
				if n, _ := cfg.UDP.RateLimitBytes(); n != 2<<20 {
					t.Errorf("RateLimitBytes() = %d, want %d", n, 2<<20)
				}
			},
		},
		{
			name: "status server with token",
			modify: func(a *answers) {
				a.statusEnabled = true
				a.statusAddress = "127.0.0.1:9000"
				a.statusToken = true
			},
			validate: func(t *testing.T, cfg *config.Config) {
				if !cfg.Status.Enabled || cfg.Status.Address != "127.0.0.1:9000" {
					t.Errorf("Status = %+v", cfg.Status)
				}
				if len(cfg.Status.Token) != 36 {
					t.Errorf("Status.Token = %q, want a generated token", cfg.Status.Token)
				}
			},
		},
		{
			name: "status server without token",
			modify: func(a *answers) {
				a.statusEnabled = true
			},
			validate: func(t *testing.T, cfg *config.Config) {
				if cfg.Status.Token != "" {
					t.Errorf("Status.Token = %q, want empty", cfg.Status.Token)
				}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a := defaultAnswers()
			tc.modify(&a)
			cfg, err := buildConfig(a)
			if err != nil {
				t.Fatalf("buildConfig() error = %v", err)
			}
			if cfg.Node.LogFormat != "text" {
				t.Errorf("LogFormat = %q, want text", cfg.Node.LogFormat)
			}
			tc.validate(t, cfg)
		})
	}
}

func TestBuildConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*answers)
	}{
		{"bad game port", func(a *answers) { a.role = config.RoleHost; a.udpPort = "game" }},
		{"port out of range", func(a *answers) { a.role = config.RoleHost; a.udpPort = "70000" }},
		{"bad max players", func(a *answers) { a.role = config.RoleHost; a.maxPeers = "many" }},
		{"bad remote", func(a *answers) { a.remote = "nowhere" }},
		{"bad rate", func(a *answers) { a.rateLimit = "fast" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a := defaultAnswers()
			tc.modify(&a)
			if _, err := buildConfig(a); err == nil {
				t.Error("buildConfig() error = nil")
			}
		})
	}
}

func TestBuildConfigDefaults(t *testing.T) {
	cfg, err := buildConfig(defaultAnswers())
	if err != nil {
		t.Fatalf("buildConfig() error = %v", err)
	}
	d := config.Default()
	if cfg.Node.Role != d.Node.Role || cfg.Client.Remote != d.Client.Remote || cfg.Node.DataDir != d.Node.DataDir {
		t.Errorf("defaults changed: %+v", cfg.Node)
	}
	if cfg.Status.Enabled {
		t.Error("status server enabled by default")
	}
}

func TestWriteConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "nested", "rwconnect.yaml")

	a := defaultAnswers()
	a.role = config.RoleHost
	a.statusEnabled = true
	a.statusToken = true
	cfg, err := buildConfig(a)
	if err != nil {
		t.Fatal(err)
	}

	if err := writeConfig(cfg, configPath); err != nil {
		t.Fatalf("writeConfig() error = %v", err)
	}

	info, err := os.Stat(configPath)
	if err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("mode = %v, want 0600", perm)
	}

	data, _ := os.ReadFile(configPath)
	if !strings.HasPrefix(string(data), "# rwconnect configuration") {
		t.Error("config file missing header comment")
	}

	loaded, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Node.Role != config.RoleHost || loaded.Status.Token != cfg.Status.Token {
		t.Errorf("round trip lost values: role %q token %q", loaded.Node.Role, loaded.Status.Token)
	}
}

func TestValidators(t *testing.T) {
	tests := []struct {
		name  string
		fn    func(string) error
		in    string
		valid bool
	}{
		{"host port", validateHostPort, "0.0.0.0:25565", true},
		{"host port missing port", validateHostPort, "0.0.0.0", false},
		{"host port zero", validateHostPort, "0.0.0.0:0", false},
		{"port", validatePort, "8720", true},
		{"port text", validatePort, "abc", false},
		{"count empty", validateCount, "", true},
		{"count negative", validateCount, "-1", false},
		{"ip", validateIP, "::1", true},
		{"ip bad", validateIP, "localhost", false},
		{"rate empty", validateRate, "", true},
		{"rate", validateRate, "512 KiB", true},
		{"rate bad", validateRate, "lots", false},
		{"config yaml", validateConfigPath, "a.yml", true},
		{"config json", validateConfigPath, "a.json", false},
		{"required", required("x"), "  ", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.fn(tc.in)
			if (err == nil) != tc.valid {
				t.Errorf("validator(%q) error = %v, want valid=%v", tc.in, err, tc.valid)
			}
		})
	}
}
