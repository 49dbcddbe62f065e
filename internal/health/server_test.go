package health

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/1143910315/RainWorldConnect/internal/relay"
)

// mockRelay implements RelayProvider for testing.
type mockRelay struct {
	running bool
	role    relay.Role
	roster  relay.Roster

	kicked  []string
	remarks map[string]string
	err     error
}

func (m *mockRelay) IsRunning() bool      { return m.running }
func (m *mockRelay) Role() relay.Role     { return m.role }
func (m *mockRelay) Roster() relay.Roster { return m.roster }

func (m *mockRelay) Kick(deviceID string) error {
	if m.err != nil {
		return m.err
	}
	m.kicked = append(m.kicked, deviceID)
	return nil
}

func (m *mockRelay) SetRemark(deviceID, remark string) error {
	if m.err != nil {
		return m.err
	}
	if m.remarks == nil {
		m.remarks = make(map[string]string)
	}
	m.remarks[deviceID] = remark
	return nil
}

func hostRelay() *mockRelay {
	return &mockRelay{
		running: true,
		role:    relay.RoleHost,
		roster: relay.Roster{
			Role:    relay.RoleHost,
			Running: true,
			Entries: []relay.RosterEntry{
				{DeviceID: "A", DisplayName: "A", Self: true, UDPPort: 8720},
				{DeviceID: "B", DisplayName: "Monk", Remark: "Monk", UDPPort: 8721},
			},
		},
	}
}

func serve(s *Server, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_handleHealth(t *testing.T) {
	s := NewServer(DefaultServerConfig(), hostRelay())

	rec := serve(s, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if body := rec.Body.String(); body != "OK\n" {
		t.Errorf("body = %q, want %q", body, "OK\n")
	}

	if rec := serve(s, http.MethodPost, "/health", "", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestServer_handleHealthz(t *testing.T) {
	tests := []struct {
		name       string
		provider   RelayProvider
		wantStatus int
		want       map[string]interface{}
	}{
		{
			name:       "running host",
			provider:   hostRelay(),
			wantStatus: http.StatusOK,
			want: map[string]interface{}{
				"status":        "healthy",
				"running":       true,
				"role":          "host",
				"session_count": float64(2),
				"device_id":     "A",
			},
		},
		{
			name:       "stopped",
			provider:   &mockRelay{role: relay.RoleClient},
			wantStatus: http.StatusServiceUnavailable,
			want:       map[string]interface{}{"status": "unavailable", "running": false},
		},
		{
			name:       "no provider",
			provider:   nil,
			wantStatus: http.StatusServiceUnavailable,
			want:       map[string]interface{}{"status": "unavailable", "running": false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(DefaultServerConfig(), tt.provider)
			rec := serve(s, http.MethodGet, "/healthz", "", nil)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}

			var got map[string]interface{}
			if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("%s = %v, want %v", k, got[k], v)
				}
			}
		})
	}
}

func TestServer_handleReady(t *testing.T) {
	tests := []struct {
		running    bool
		wantStatus int
		wantBody   string
	}{
		{true, http.StatusOK, "READY\n"},
		{false, http.StatusServiceUnavailable, "NOT READY\n"},
	}
	for _, tt := range tests {
		s := NewServer(DefaultServerConfig(), &mockRelay{running: tt.running})
		rec := serve(s, http.MethodGet, "/ready", "", nil)
		if rec.Code != tt.wantStatus || rec.Body.String() != tt.wantBody {
			t.Errorf("running=%v: got %d %q, want %d %q", tt.running, rec.Code, rec.Body.String(), tt.wantStatus, tt.wantBody)
		}
	}
}

func TestServer_handleRoster(t *testing.T) {
	s := NewServer(DefaultServerConfig(), hostRelay())

	rec := serve(s, http.MethodGet, "/roster", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var got relay.Roster
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Role != relay.RoleHost || len(got.Entries) != 2 {
		t.Fatalf("roster = %+v", got)
	}
	if b, ok := got.Find("B"); !ok || b.DisplayName != "Monk" || b.UDPPort != 8721 {
		t.Errorf("entry B = %+v", b)
	}
}

func TestServer_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "rwconnect_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Add(3)

	cfg := DefaultServerConfig()
	cfg.Gatherer = reg
	s := NewServer(cfg, hostRelay())

	rec := serve(s, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "rwconnect_test_total 3") {
		t.Errorf("metrics body missing counter:\n%s", rec.Body.String())
	}
}

func TestServer_Kick(t *testing.T) {
	m := hostRelay()
	s := NewServer(DefaultServerConfig(), m)

	rec := serve(s, http.MethodPost, "/peers/B/kick", "", nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if len(m.kicked) != 1 || m.kicked[0] != "B" {
		t.Errorf("kicked = %v, want [B]", m.kicked)
	}

	if rec := serve(s, http.MethodGet, "/peers/B/kick", "", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestServer_KickErrors(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: Q", relay.ErrPeerNotFound), http.StatusNotFound},
		{relay.ErrSelfSession, http.StatusBadRequest},
		{relay.ErrNotHost, http.StatusConflict},
		{relay.ErrNotRunning, http.StatusServiceUnavailable},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		m := hostRelay()
		m.err = tt.err
		s := NewServer(DefaultServerConfig(), m)
		if rec := serve(s, http.MethodPost, "/peers/Q/kick", "", nil); rec.Code != tt.want {
			t.Errorf("%v: status = %d, want %d", tt.err, rec.Code, tt.want)
		}
	}
}

func TestServer_Remark(t *testing.T) {
	m := hostRelay()
	s := NewServer(DefaultServerConfig(), m)

	rec := serve(s, http.MethodPut, "/peers/B/remark", `{"remark":"Hunter"}`, nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if m.remarks["B"] != "Hunter" {
		t.Errorf("remark = %q, want Hunter", m.remarks["B"])
	}

	if rec := serve(s, http.MethodPut, "/peers/B/remark", `{not json`, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad body status = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	m.err = relay.ErrInvalidDeviceID
	if rec := serve(s, http.MethodPut, "/peers/b!/remark", `{"remark":"x"}`, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid id status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestServer_Token(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Token = "s3cret"

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "Bearer nope", http.StatusUnauthorized},
		{"no scheme", "s3cret", http.StatusUnauthorized},
		{"valid", "Bearer s3cret", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := hostRelay()
			s := NewServer(cfg, m)
			h := http.Header{}
			if tt.header != "" {
				h.Set("Authorization", tt.header)
			}
			rec := serve(s, http.MethodPost, "/peers/B/kick", "", h)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusUnauthorized && len(m.kicked) != 0 {
				t.Error("kick ran without a valid token")
			}
		})
	}

	// Read-only endpoints stay open.
	s := NewServer(cfg, hostRelay())
	if rec := serve(s, http.MethodGet, "/roster", "", nil); rec.Code != http.StatusOK {
		t.Errorf("/roster status = %d with a token configured", rec.Code)
	}
}

func TestServer_StartStop(t *testing.T) {
	cfg := ServerConfig{
		Address:      "127.0.0.1:0",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	s := NewServer(cfg, hostRelay())

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !s.IsRunning() {
		t.Error("IsRunning() = false after Start")
	}

	addr := s.Address()
	if addr == nil {
		t.Fatal("Address() = nil")
	}

	var resp *http.Response
	var err error
	for i := 0; i < 10; i++ {
		resp, err = http.Get("http://" + addr.String() + "/health")
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("request failed after retries: %v", err)
	}
	defer resp.Body.Close()

	if body, _ := io.ReadAll(resp.Body); resp.StatusCode != http.StatusOK || string(body) != "OK\n" {
		t.Errorf("GET /health = %d %q", resp.StatusCode, body)
	}

	if err := s.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if s.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestServer_PprofIndex(t *testing.T) {
	s := NewServer(DefaultServerConfig(), hostRelay())
	rec := serve(s, http.MethodGet, "/debug/pprof/", "", nil)
	if rec.Code != http.StatusOK || rec.Body.Len() == 0 {
		t.Errorf("pprof index = %d, %d bytes", rec.Code, rec.Body.Len())
	}
}
