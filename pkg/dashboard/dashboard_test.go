package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fortiblox/tendril/internal/types"
	"github.com/fortiblox/tendril/pkg/asm"
	"github.com/fortiblox/tendril/pkg/progstore"
	"github.com/fortiblox/tendril/pkg/session"
)

const testProgram = `
.header name "loop"
.org 0x100
one:  .word 1
left: .word 3
.org 8
top:  SUB left, one, left
      CJP 2, left, 0xFFFFFFFF
      JMP 0xFFFF
      JMP top
`

type fixture struct {
	dash      *Dashboard
	programID types.Hash
	sessionID uuid.UUID
}

// Helper to create a test dashboard with one stored program and one session
// stepped three times.
func newTestDashboard(t *testing.T) *fixture {
	t.Helper()

	programs := progstore.NewMemoryStore()
	p, err := asm.Parse(testProgram)
	if err != nil {
		t.Fatalf("asm.Parse() failed: %v", err)
	}
	id, err := programs.Put(p)
	if err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	sessions := session.NewManager(programs, nil, session.DefaultConfig(), zap.NewNop())
	t.Cleanup(sessions.CloseAll)
	s, err := sessions.Create(id, session.Options{})
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	s.Step(3)

	dash, err := New(DefaultConfig(), programs, sessions, zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create dashboard: %v", err)
	}
	return &fixture{dash: dash, programID: id, sessionID: s.ID()}
}

func get(t *testing.T, h http.Handler, path string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w.Result()
}

func TestDashboardNew(t *testing.T) {
	programs := progstore.NewMemoryStore()

	dash, err := New(Config{}, programs, nil, nil)
	if err != nil {
		t.Fatalf("Failed to create dashboard with defaults: %v", err)
	}
	if dash.Address() != "127.0.0.1:8080" {
		t.Errorf("Expected default address 127.0.0.1:8080, got %s", dash.Address())
	}
	if dash.config.IdleTimeout != 60*time.Second {
		t.Errorf("Expected default idle timeout, got %v", dash.config.IdleTimeout)
	}

	dash, err = New(Config{Addr: "0.0.0.0:9000"}, programs, nil, nil)
	if err != nil {
		t.Fatalf("Failed to create dashboard with custom config: %v", err)
	}
	if dash.Address() != "0.0.0.0:9000" {
		t.Errorf("Expected address 0.0.0.0:9000, got %s", dash.Address())
	}
}

func TestAPIStatusEndpoint(t *testing.T) {
	f := newTestDashboard(t)

	resp := get(t, f.dash.Handler(), "/api/status")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status OK, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Content-Type") != "application/json" {
		t.Errorf("Expected Content-Type application/json, got %s", resp.Header.Get("Content-Type"))
	}

	var status StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if status.Programs != 1 {
		t.Errorf("Expected 1 program, got %d", status.Programs)
	}
	if status.Sessions != 1 || status.Running != 1 {
		t.Errorf("Expected 1 running session, got %d/%d", status.Running, status.Sessions)
	}
	if status.TotalSteps != 3 {
		t.Errorf("Expected 3 steps, got %d", status.TotalSteps)
	}
}

func TestAPIProgramsEndpoint(t *testing.T) {
	f := newTestDashboard(t)
	h := f.dash.Handler()

	resp := get(t, h, "/api/programs")
	var entries []progstore.Entry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	resp.Body.Close()
	if len(entries) != 1 || entries[0].ID != f.programID || entries[0].Name != "loop" {
		t.Errorf("Unexpected entries: %+v", entries)
	}

	resp = get(t, h, "/api/programs?id="+f.programID.String())
	var detail ProgramResponse
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	resp.Body.Close()
	if detail.Entry != 0x0008 {
		t.Errorf("Expected entry 0x0008, got 0x%04x", detail.Entry)
	}
	if len(detail.Disassembly) != disassemblySlots || !strings.Contains(detail.Disassembly[0], "SUB") {
		t.Errorf("Unexpected disassembly: %v", detail.Disassembly)
	}

	tests := []struct {
		path string
		code int
	}{
		{"/api/programs?id=notbase58!", http.StatusBadRequest},
		{"/api/programs?id=" + types.Hash{1}.String(), http.StatusNotFound},
	}
	for _, tc := range tests {
		resp := get(t, h, tc.path)
		resp.Body.Close()
		if resp.StatusCode != tc.code {
			t.Errorf("GET %s = %d, expected %d", tc.path, resp.StatusCode, tc.code)
		}
	}
}

func TestAPISessionEndpoint(t *testing.T) {
	f := newTestDashboard(t)
	h := f.dash.Handler()

	resp := get(t, h, "/api/sessions/"+f.sessionID.String()+"?addr=0x100")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status OK, got %d", resp.StatusCode)
	}

	var detail SessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if detail.ID != f.sessionID || detail.Steps != 3 {
		t.Errorf("Unexpected session: %+v", detail.Info)
	}
	if len(detail.Memory) != memoryRows {
		t.Fatalf("Expected %d memory rows, got %d", memoryRows, len(detail.Memory))
	}
	// left has been decremented once.
	if detail.Memory[0].Addr != "0x0100" || !strings.HasPrefix(detail.Memory[0].Hex, "0100000002000000") {
		t.Errorf("Unexpected memory row: %+v", detail.Memory[0])
	}

	// The last rows are clipped at the end of memory.
	resp2 := get(t, h, "/api/sessions/"+f.sessionID.String()+"?addr=0xfff8")
	defer resp2.Body.Close()
	var tail SessionResponse
	if err := json.NewDecoder(resp2.Body).Decode(&tail); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(tail.Memory) != 1 || len(tail.Memory[0].Hex) != 16 {
		t.Errorf("Unexpected tail rows: %+v", tail.Memory)
	}

	tests := []struct {
		path string
		code int
	}{
		{"/api/sessions/not-a-uuid", http.StatusBadRequest},
		{"/api/sessions/" + uuid.NewString(), http.StatusNotFound},
		{"/api/sessions/" + f.sessionID.String() + "?addr=0x10000", http.StatusBadRequest},
	}
	for _, tc := range tests {
		resp := get(t, h, tc.path)
		resp.Body.Close()
		if resp.StatusCode != tc.code {
			t.Errorf("GET %s = %d, expected %d", tc.path, resp.StatusCode, tc.code)
		}
	}
}

func TestAPISessionsAndMetrics(t *testing.T) {
	f := newTestDashboard(t)
	h := f.dash.Handler()

	resp := get(t, h, "/api/sessions")
	var infos []session.Info
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	resp.Body.Close()
	if len(infos) != 1 || infos[0].ID != f.sessionID {
		t.Errorf("Unexpected sessions: %+v", infos)
	}

	resp = get(t, h, "/api/metrics")
	var metrics MetricsResponse
	if err := json.NewDecoder(resp.Body).Decode(&metrics); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	resp.Body.Close()
	if metrics.NumCPU == 0 || metrics.GoVersion == "" {
		t.Errorf("Expected runtime metrics, got %+v", metrics)
	}
	if metrics.Programs != 1 || metrics.Sessions != 1 {
		t.Errorf("Expected 1 program and 1 session, got %d/%d", metrics.Programs, metrics.Sessions)
	}
}

func TestPageHandlers(t *testing.T) {
	f := newTestDashboard(t)
	h := f.dash.Handler()

	tests := []struct {
		path string
		code int
		want string
	}{
		{"/", http.StatusOK, f.sessionID.String()},
		{"/programs", http.StatusOK, f.programID.String()},
		{"/programs/" + f.programID.String(), http.StatusOK, "SUB"},
		{"/sessions/" + f.sessionID.String(), http.StatusOK, "0x0008"},
		{"/programs/" + types.Hash{1}.String(), http.StatusNotFound, ""},
		{"/sessions/" + uuid.NewString(), http.StatusNotFound, ""},
		{"/nope", http.StatusNotFound, ""},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			resp := get(t, h, tc.path)
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)

			if resp.StatusCode != tc.code {
				t.Fatalf("Expected status %d, got %d. Body: %s", tc.code, resp.StatusCode, body)
			}
			if tc.code != http.StatusOK {
				return
			}
			if resp.Header.Get("Content-Type") != "text/html; charset=utf-8" {
				t.Errorf("Expected Content-Type text/html, got %s", resp.Header.Get("Content-Type"))
			}
			if !strings.Contains(string(body), tc.want) {
				t.Errorf("Expected body to contain %q", tc.want)
			}
		})
	}
}

func TestStaticAssets(t *testing.T) {
	content, contentType, ok := getStaticAsset("style.css")
	if !ok {
		t.Error("Expected style.css to exist")
	}
	if contentType != "text/css" {
		t.Errorf("Expected text/css, got %s", contentType)
	}
	if content == "" {
		t.Error("Expected non-empty CSS content")
	}

	if _, _, ok := getStaticAsset("nonexistent.txt"); ok {
		t.Error("Expected nonexistent.txt to not exist")
	}
}

func TestTemplateHelpers(t *testing.T) {
	tests := []struct {
		duration time.Duration
		expected string
	}{
		{30 * time.Second, "30s"},
		{90 * time.Second, "1m 30s"},
		{2 * time.Hour, "2h 0m"},
		{25 * time.Hour, "1d 1h"},
	}
	for _, tc := range tests {
		result := formatDuration(tc.duration)
		if result != tc.expected {
			t.Errorf("formatDuration(%v) = %s, expected %s", tc.duration, result, tc.expected)
		}
	}

	if formatNumber(1000) != "1.0K" {
		t.Errorf("Expected 1.0K, got %s", formatNumber(1000))
	}
	if formatNumber(uint64(1500000)) != "1.5M" {
		t.Errorf("Expected 1.5M, got %s", formatNumber(uint64(1500000)))
	}
	if formatBytes(1048576) != "1.0 MB" {
		t.Errorf("Expected 1.0 MB, got %s", formatBytes(1048576))
	}
	if formatTime(time.Time{}) != "N/A" {
		t.Errorf("Expected N/A, got %s", formatTime(time.Time{}))
	}
	if truncated := truncateHash("abcdefghijklmnopqrstuvwxyz", 4); truncated != "abcd...wxyz" {
		t.Errorf("Expected abcd...wxyz, got %s", truncated)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	f := newTestDashboard(t)

	for _, path := range []string{"/api/status", "/api/programs", "/api/sessions", "/api/metrics"} {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		w := httptest.NewRecorder()
		f.dash.Handler().ServeHTTP(w, req)
		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("POST %s = %d, expected 405", path, w.Code)
		}
	}
}

func TestServeStops(t *testing.T) {
	f := newTestDashboard(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.dash.Serve(ctx, ln) }()

	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get("http://" + ln.Addr().String() + "/api/status")
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
}
