package dashboard

import (
	"errors"
	"net/http"
	"runtime"
	"strings"

	"github.com/fortiblox/tendril/internal/types"
	"github.com/fortiblox/tendril/pkg/progstore"
	"github.com/fortiblox/tendril/pkg/session"
)

// API response types

// StatusResponse is the response for GET /api/status.
type StatusResponse struct {
	Uptime        string  `json:"uptime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
	Programs      uint64  `json:"programs"`
	DatabaseSize  int64   `json:"databaseSize"`
	Sessions      int     `json:"sessions"`
	Running       int     `json:"running"`
	Halted        int     `json:"halted"`
	Faulted       int     `json:"faulted"`
	TotalSteps    uint64  `json:"totalSteps"`
	LastError     string  `json:"lastError,omitempty"`
}

// ProgramResponse describes one stored program.
type ProgramResponse struct {
	ID          string   `json:"id"`
	Digest      string   `json:"digest"`
	HashBang    string   `json:"hashBang,omitempty"`
	Headers     string   `json:"headers"`
	Entry       uint16   `json:"entry"`
	Disassembly []string `json:"disassembly"`
}

// SessionResponse is the response for GET /api/sessions/:id.
type SessionResponse struct {
	session.Info
	MemoryAddr uint16      `json:"memoryAddr"`
	Memory     []MemoryRow `json:"memory"`
}

// MemoryRow is one line of a memory view.
type MemoryRow struct {
	Addr string `json:"addr"`
	Hex  string `json:"hex"`
}

// MetricsResponse is the response for GET /api/metrics.
type MetricsResponse struct {
	// Memory stats
	MemAlloc      uint64 `json:"memAlloc"`      // Currently allocated heap memory
	MemTotalAlloc uint64 `json:"memTotalAlloc"` // Total allocated (cumulative)
	MemSys        uint64 `json:"memSys"`        // Memory obtained from OS
	MemHeapInuse  uint64 `json:"memHeapInuse"`  // Heap memory in use
	NumGC         uint32 `json:"numGC"`         // Number of GC cycles

	// Runtime stats
	NumGoroutine int    `json:"numGoroutine"`
	NumCPU       int    `json:"numCPU"`
	GoVersion    string `json:"goVersion"`

	// Store stats
	Programs     uint64 `json:"programs"`
	DatabaseSize int64  `json:"databaseSize"`

	// Session stats
	Sessions   int     `json:"sessions"`
	TotalSteps uint64  `json:"totalSteps"`
	Uptime     float64 `json:"uptimeSeconds"`
}

// handleAPIStatus handles GET /api/status.
func (d *Dashboard) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, d.status())
}

// handleAPIPrograms handles GET /api/programs and GET /api/programs?id=.
func (d *Dashboard) handleAPIPrograms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if raw := r.URL.Query().Get("id"); raw != "" {
		id, err := types.ParseHash(raw)
		if err != nil {
			writeError(w, "Invalid program id", http.StatusBadRequest)
			return
		}
		resp, err := d.programDetail(id)
		if errors.Is(err, progstore.ErrProgramNotFound) {
			writeError(w, "Program not found", http.StatusNotFound)
			return
		}
		if err != nil {
			writeError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, resp)
		return
	}

	entries, err := d.programs.List()
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []progstore.Entry{}
	}
	writeJSON(w, entries)
}

// handleAPISessions handles GET /api/sessions.
func (d *Dashboard) handleAPISessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	infos := d.sessionList()
	if infos == nil {
		infos = []session.Info{}
	}
	writeJSON(w, infos)
}

// handleAPISession handles GET /api/sessions/:id?addr=.
func (d *Dashboard) handleAPISession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp, status := d.sessionDetail(strings.TrimPrefix(r.URL.Path, "/api/sessions/"), r)
	if status != http.StatusOK {
		writeError(w, http.StatusText(status), status)
		return
	}
	writeJSON(w, resp)
}

// handleAPIMetrics handles GET /api/metrics.
func (d *Dashboard) handleAPIMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	memStats := getMemStats()
	status := d.status()

	writeJSON(w, MetricsResponse{
		MemAlloc:      memStats.Alloc,
		MemTotalAlloc: memStats.TotalAlloc,
		MemSys:        memStats.Sys,
		MemHeapInuse:  memStats.HeapInuse,
		NumGC:         memStats.NumGC,
		NumGoroutine:  runtime.NumGoroutine(),
		NumCPU:        runtime.NumCPU(),
		GoVersion:     runtime.Version(),
		Programs:      status.Programs,
		DatabaseSize:  status.DatabaseSize,
		Sessions:      status.Sessions,
		TotalSteps:    status.TotalSteps,
		Uptime:        status.UptimeSeconds,
	})
}
