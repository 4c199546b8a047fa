package health

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"runtime/debug"
	"strings"
	"time"

	"lv-marginbook/internal/httputil"
)

// Pinger is satisfied by *pgxpool.Pool and by the redis client adapter.
type Pinger interface {
	Ping(ctx context.Context) error
}

type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type Handler struct {
	startedAt   time.Time
	storeDriver string
	httpAddr    string
	checks      map[string]Pinger
	quoteCount  func() int
}

func NewHandler(startedAt time.Time, storeDriver, httpAddr string) *Handler {
	start := startedAt.UTC()
	if start.IsZero() {
		start = time.Now().UTC()
	}
	return &Handler{
		startedAt:   start,
		storeDriver: strings.TrimSpace(storeDriver),
		httpAddr:    strings.TrimSpace(httpAddr),
		checks:      make(map[string]Pinger),
	}
}

// AddCheck registers a dependency that must answer a ping for readiness.
func (h *Handler) AddCheck(name string, p Pinger) {
	if p == nil {
		return
	}
	h.checks[name] = p
}

// SetQuoteCount reports the size of the live quote cache in diagnostics.
func (h *Handler) SetQuoteCount(fn func() int) {
	h.quoteCount = fn
}

type dependencyStat struct {
	Reachable bool   `json:"reachable"`
	PingMs    int64  `json:"ping_ms"`
	Error     string `json:"error,omitempty"`
}

type liveResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	UptimeSec int64  `json:"uptime_sec"`
	Uptime    string `json:"uptime"`
}

type readinessResponse struct {
	liveResponse
	Dependencies map[string]dependencyStat `json:"dependencies"`
}

type fullResponse struct {
	readinessResponse
	App     appStats     `json:"app"`
	Process processStats `json:"process"`
	Runtime runtimeStats `json:"runtime"`
	Build   buildStats   `json:"build"`
}

type appStats struct {
	HTTPAddr    string `json:"http_addr"`
	StoreDriver string `json:"store_driver"`
	Quotes      int    `json:"cached_quotes"`
}

type processStats struct {
	PID      int    `json:"pid"`
	Hostname string `json:"hostname"`
}

type runtimeStats struct {
	GoVersion  string `json:"go_version"`
	Goroutines int    `json:"goroutines"`
	HeapAlloc  uint64 `json:"heap_alloc_bytes"`
	NumGC      uint32 `json:"num_gc"`
}

type buildStats struct {
	MainPath string `json:"main_path"`
	Version  string `json:"version"`
}

func (h *Handler) uptime(now time.Time) time.Duration {
	uptime := now.Sub(h.startedAt)
	if uptime < 0 {
		return 0
	}
	return uptime
}

func (h *Handler) live(now time.Time) liveResponse {
	uptime := h.uptime(now)
	return liveResponse{
		Status:    "ok",
		Timestamp: now.Format(time.RFC3339),
		UptimeSec: int64(uptime.Seconds()),
		Uptime:    uptime.String(),
	}
}

func (h *Handler) collect(ctx context.Context) (map[string]dependencyStat, bool) {
	out := make(map[string]dependencyStat, len(h.checks))
	healthy := true
	for name, p := range h.checks {
		start := time.Now()
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		err := p.Ping(pingCtx)
		cancel()
		stat := dependencyStat{Reachable: err == nil, PingMs: time.Since(start).Milliseconds()}
		if err != nil {
			stat.Error = err.Error()
			healthy = false
		}
		out[name] = stat
	}
	return out, healthy
}

func (h *Handler) ready(ctx context.Context) (readinessResponse, int) {
	deps, healthy := h.collect(ctx)
	resp := readinessResponse{liveResponse: h.live(time.Now().UTC()), Dependencies: deps}
	if !healthy {
		resp.Status = "degraded"
		return resp, http.StatusServiceUnavailable
	}
	return resp, http.StatusOK
}

// Live does not touch any dependency.
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.live(time.Now().UTC()))
}

// Ready pings every registered dependency and answers 503 when one is down.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	resp, status := h.ready(r.Context())
	httputil.WriteJSON(w, status, resp)
}

// Full adds process diagnostics. Mount it behind internal auth.
func (h *Handler) Full(w http.ResponseWriter, r *http.Request) {
	ready, status := h.ready(r.Context())

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	build := buildStats{}
	if info, ok := debug.ReadBuildInfo(); ok && info != nil {
		build.MainPath = strings.TrimSpace(info.Main.Path)
		build.Version = strings.TrimSpace(info.Main.Version)
	}
	host, _ := os.Hostname()
	quotes := 0
	if h.quoteCount != nil {
		quotes = h.quoteCount()
	}

	httputil.WriteJSON(w, status, fullResponse{
		readinessResponse: ready,
		App:               appStats{HTTPAddr: h.httpAddr, StoreDriver: h.storeDriver, Quotes: quotes},
		Process:           processStats{PID: os.Getpid(), Hostname: host},
		Runtime: runtimeStats{
			GoVersion:  runtime.Version(),
			Goroutines: runtime.NumGoroutine(),
			HeapAlloc:  mem.HeapAlloc,
			NumGC:      mem.NumGC,
		},
		Build: build,
	})
}

// Metrics writes a small Prometheus text exposition. Mount it behind internal auth.
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	deps, _ := h.collect(r.Context())
	uptime := h.uptime(time.Now().UTC())

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "# HELP marginbook_up Service process is running.\n")
	_, _ = fmt.Fprintf(w, "# TYPE marginbook_up gauge\n")
	_, _ = fmt.Fprintf(w, "marginbook_up 1\n")
	_, _ = fmt.Fprintf(w, "# HELP marginbook_uptime_seconds Service uptime in seconds.\n")
	_, _ = fmt.Fprintf(w, "# TYPE marginbook_uptime_seconds gauge\n")
	_, _ = fmt.Fprintf(w, "marginbook_uptime_seconds %d\n", int64(uptime.Seconds()))
	_, _ = fmt.Fprintf(w, "# HELP marginbook_dependency_up Dependency ping status (1=ok,0=down).\n")
	_, _ = fmt.Fprintf(w, "# TYPE marginbook_dependency_up gauge\n")
	for name, stat := range deps {
		up := 0
		if stat.Reachable {
			up = 1
		}
		_, _ = fmt.Fprintf(w, "marginbook_dependency_up{name=%q} %d\n", name, up)
	}
	if h.quoteCount != nil {
		_, _ = fmt.Fprintf(w, "# HELP marginbook_cached_quotes Symbols held in the live quote cache.\n")
		_, _ = fmt.Fprintf(w, "# TYPE marginbook_cached_quotes gauge\n")
		_, _ = fmt.Fprintf(w, "marginbook_cached_quotes %d\n", h.quoteCount())
	}
	_, _ = fmt.Fprintf(w, "marginbook_go_goroutines %d\n", runtime.NumGoroutine())
}
