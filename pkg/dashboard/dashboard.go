// Package dashboard provides an embedded web dashboard for a tendril server.
//
// The dashboard provides:
// - Server overview with uptime, store and session counts
// - Stored program browser with headers and entry disassembly
// - Live session inspection with registers and a memory view
// - Runtime metrics (memory, goroutines)
//
// Templates and assets are compiled into the binary.
package dashboard

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fortiblox/tendril/internal/types"
	"github.com/fortiblox/tendril/pkg/asm"
	"github.com/fortiblox/tendril/pkg/progstore"
	"github.com/fortiblox/tendril/pkg/session"
)

// Page sizes.
const (
	disassemblySlots = 16
	memoryRows       = 16
	memoryRowWidth   = 16
)

// Config holds dashboard configuration options.
type Config struct {
	// Addr is the address to listen on.
	// Default: "127.0.0.1:8080"
	Addr string

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out writes of the response.
	WriteTimeout time.Duration

	// IdleTimeout is the maximum time to wait for the next request.
	IdleTimeout time.Duration
}

// DefaultConfig returns the default dashboard configuration.
func DefaultConfig() Config {
	return Config{
		Addr:         "127.0.0.1:8080",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Dashboard is the web dashboard server.
type Dashboard struct {
	config   Config
	server   *http.Server
	programs progstore.Store
	sessions *session.Manager
	logger   *zap.Logger

	// Cached templates
	templates *template.Template

	// State
	mu        sync.RWMutex
	running   bool
	startTime time.Time
}

// New creates a new dashboard server. sessions may be nil.
func New(config Config, programs progstore.Store, sessions *session.Manager, logger *zap.Logger) (*Dashboard, error) {
	defaults := DefaultConfig()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = defaults.IdleTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Dashboard{
		config:    config,
		programs:  programs,
		sessions:  sessions,
		logger:    logger,
		startTime: time.Now(),
	}

	tmpl, err := d.parseTemplates()
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	d.templates = tmpl

	return d, nil
}

// parseTemplates parses all embedded templates.
func (d *Dashboard) parseTemplates() (*template.Template, error) {
	funcMap := template.FuncMap{
		"formatDuration": formatDuration,
		"formatNumber":   formatNumber,
		"formatBytes":    formatBytes,
		"formatTime":     formatTime,
		"truncateHash":   truncateHash,
		"hex16":          func(v uint16) string { return fmt.Sprintf("0x%04x", v) },
		"int64":          func(v int) int64 { return int64(v) },
	}

	tmpl := template.New("").Funcs(funcMap)

	if _, err := tmpl.New("layout").Parse(layoutTemplate); err != nil {
		return nil, fmt.Errorf("parse layout: %w", err)
	}

	templates := map[string]string{
		"home":     homeTemplate,
		"programs": programsTemplate,
		"program":  programDetailTemplate,
		"session":  sessionDetailTemplate,
	}
	for name, content := range templates {
		if _, err := tmpl.New(name).Parse(content); err != nil {
			return nil, fmt.Errorf("parse %s template: %w", name, err)
		}
	}

	return tmpl, nil
}

// Handler returns the dashboard's HTTP handler.
func (d *Dashboard) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/static/", d.handleStatic)

	mux.HandleFunc("/", d.handleHome)
	mux.HandleFunc("/programs", d.handlePrograms)
	mux.HandleFunc("/programs/", d.handleProgramDetail)
	mux.HandleFunc("/sessions/", d.handleSessionDetail)

	mux.HandleFunc("/api/status", d.handleAPIStatus)
	mux.HandleFunc("/api/programs", d.handleAPIPrograms)
	mux.HandleFunc("/api/sessions", d.handleAPISessions)
	mux.HandleFunc("/api/sessions/", d.handleAPISession)
	mux.HandleFunc("/api/metrics", d.handleAPIMetrics)

	return mux
}

// Start listens on config.Addr and serves until ctx is done.
func (d *Dashboard) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.config.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.config.Addr, err)
	}
	return d.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (d *Dashboard) Serve(ctx context.Context, ln net.Listener) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		ln.Close()
		return fmt.Errorf("dashboard already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.server = &http.Server{
		Handler:      d.Handler(),
		ReadTimeout:  d.config.ReadTimeout,
		WriteTimeout: d.config.WriteTimeout,
		IdleTimeout:  d.config.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	srv := d.server
	d.mu.Unlock()

	go func() {
		<-ctx.Done()
		d.Stop()
	}()

	d.logger.Info("dashboard starting", zap.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the dashboard server.
func (d *Dashboard) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	srv := d.server
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// Address returns the configured listen address.
func (d *Dashboard) Address() string {
	return d.config.Addr
}

// handleHome renders the overview page.
func (d *Dashboard) handleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	data := map[string]interface{}{
		"Status":   d.status(),
		"Sessions": d.sessionList(),
	}
	d.renderPage(w, "home", data)
}

// handlePrograms renders the stored program list.
func (d *Dashboard) handlePrograms(w http.ResponseWriter, r *http.Request) {
	entries, err := d.programs.List()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	d.renderPage(w, "programs", map[string]interface{}{"Programs": entries})
}

// handleProgramDetail renders one program.
func (d *Dashboard) handleProgramDetail(w http.ResponseWriter, r *http.Request) {
	id, err := types.ParseHash(strings.TrimPrefix(r.URL.Path, "/programs/"))
	if err != nil {
		http.Error(w, "Invalid program id", http.StatusBadRequest)
		return
	}

	resp, err := d.programDetail(id)
	if errors.Is(err, progstore.ErrProgramNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	d.renderPage(w, "program", resp)
}

// handleSessionDetail renders one live session.
func (d *Dashboard) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	resp, status := d.sessionDetail(strings.TrimPrefix(r.URL.Path, "/sessions/"), r)
	if status != http.StatusOK {
		http.Error(w, http.StatusText(status), status)
		return
	}
	d.renderPage(w, "session", resp)
}

// handleStatic serves embedded static assets.
func (d *Dashboard) handleStatic(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/static/")

	content, contentType, ok := getStaticAsset(name)
	if !ok {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Write([]byte(content))
}

// status collects the overview numbers.
func (d *Dashboard) status() StatusResponse {
	d.mu.RLock()
	uptime := time.Since(d.startTime)
	d.mu.RUnlock()

	resp := StatusResponse{
		Uptime:        formatDuration(uptime),
		UptimeSeconds: uptime.Seconds(),
	}
	if stats, err := d.programs.Stats(); err == nil {
		resp.Programs = stats.Programs
		resp.DatabaseSize = stats.DatabaseSize
	} else {
		resp.LastError = err.Error()
	}
	for _, info := range d.sessionList() {
		resp.Sessions++
		resp.TotalSteps += info.Steps
		switch info.Status {
		case "running":
			resp.Running++
		case "halted":
			resp.Halted++
		case "faulted":
			resp.Faulted++
		}
	}
	return resp
}

func (d *Dashboard) sessionList() []session.Info {
	if d.sessions == nil {
		return nil
	}
	return d.sessions.List()
}

func (d *Dashboard) programDetail(id types.Hash) (*ProgramResponse, error) {
	p, err := d.programs.Get(id)
	if err != nil {
		return nil, err
	}
	state := p.State()
	entry := binary.LittleEndian.Uint16(state)

	resp := &ProgramResponse{
		ID:       p.ID().String(),
		Digest:   p.Digest().String(),
		HashBang: p.HashBang(),
		Headers:  string(p.HeadersJSON()),
		Entry:    entry,
	}
	for _, line := range asm.Disassemble(state, entry, disassemblySlots) {
		resp.Disassembly = append(resp.Disassembly, line.String())
	}
	return resp, nil
}

// sessionDetail resolves a session and reads the memory window selected by
// the addr query parameter. It returns an HTTP status on failure.
func (d *Dashboard) sessionDetail(rawID string, r *http.Request) (*SessionResponse, int) {
	if d.sessions == nil {
		return nil, http.StatusNotFound
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, http.StatusBadRequest
	}
	s, err := d.sessions.Get(id)
	if err != nil {
		return nil, http.StatusNotFound
	}

	var addr uint16
	if a := r.URL.Query().Get("addr"); a != "" {
		parsed, err := types.ParseAddress(a)
		if err != nil {
			return nil, http.StatusBadRequest
		}
		addr = uint16(parsed)
	}

	resp := &SessionResponse{Info: s.Info(), MemoryAddr: addr}
	for row := 0; row < memoryRows; row++ {
		start := int(addr) + row*memoryRowWidth
		if start > 0xFFFF {
			break
		}
		n := memoryRowWidth
		if start+n > 0x10000 {
			n = 0x10000 - start
		}
		buf, err := s.ReadMemory(uint16(start), n)
		if err != nil {
			break
		}
		resp.Memory = append(resp.Memory, MemoryRow{
			Addr: fmt.Sprintf("0x%04x", start),
			Hex:  hex.EncodeToString(buf),
		})
	}
	return resp, http.StatusOK
}

// renderPage renders a page template with the given data.
func (d *Dashboard) renderPage(w http.ResponseWriter, name string, data interface{}) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	// First render the content template into a buffer
	var contentBuf strings.Builder
	if err := d.templates.ExecuteTemplate(&contentBuf, name, data); err != nil {
		http.Error(w, fmt.Sprintf("Template error: %v", err), http.StatusInternalServerError)
		return
	}

	pageData := map[string]interface{}{
		"PageName": name,
		"Content":  template.HTML(contentBuf.String()),
	}

	if err := d.templates.ExecuteTemplate(w, "layout", pageData); err != nil {
		http.Error(w, fmt.Sprintf("Template error: %v", err), http.StatusInternalServerError)
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// Template helper functions

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, hours)
}

func formatNumber(n interface{}) string {
	switch v := n.(type) {
	case int:
		return formatInt(int64(v))
	case int64:
		return formatInt(v)
	case uint64:
		return formatInt(int64(v))
	case float64:
		return fmt.Sprintf("%.2f", v)
	default:
		return fmt.Sprintf("%v", n)
	}
}

func formatInt(n int64) string {
	if n < 1000 {
		return strconv.FormatInt(n, 10)
	}
	if n < 1000000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	if n < 1000000000 {
		return fmt.Sprintf("%.1fM", float64(n)/1000000)
	}
	return fmt.Sprintf("%.1fB", float64(n)/1000000000)
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "N/A"
	}
	return t.UTC().Format("2006-01-02 15:04:05 UTC")
}

func truncateHash(s string, n int) string {
	if len(s) <= n*2+3 {
		return s
	}
	return s[:n] + "..." + s[len(s)-n:]
}

// getMemStats returns current memory statistics.
func getMemStats() runtime.MemStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m
}
