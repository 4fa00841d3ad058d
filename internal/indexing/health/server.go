package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Probe checks that a backend is reachable.
type Probe func(ctx context.Context) error

// Server provides HTTP endpoints for health monitoring.
type Server struct {
	monitor *Monitor
	server  *http.Server
	probes  map[string]Probe
}

// NewServer creates a new health server.
func NewServer(monitor *Monitor, port int) *Server {
	mux := http.NewServeMux()
	s := &Server{
		monitor: monitor,
		probes:  make(map[string]Probe),
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/detailed", s.handleDetailed)
	mux.HandleFunc("GET /health/tenants/{id}", s.handleTenant)
	mux.Handle("GET /metrics", promhttp.Handler())

	return s
}

// AddProbe registers a backend checked on every health request. A failing probe makes
// the system critical. Must be called before Start.
func (s *Server) AddProbe(name string, p Probe) {
	s.probes[name] = p
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) report(ctx context.Context) HealthReport {
	tenants := s.monitor.CheckHealth(ctx)
	report := HealthReport{SystemStatus: Aggregate(tenants), Tenants: tenants}
	if len(s.probes) == 0 {
		return report
	}

	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	names := make([]string, 0, len(s.probes))
	for name := range s.probes {
		names = append(names, name)
	}
	sort.Strings(names)

	report.Dependencies = make(map[string]string, len(names))
	for _, name := range names {
		if err := s.probes[name](probeCtx); err != nil {
			report.Dependencies[name] = err.Error()
			report.SystemStatus = StatusCritical
			continue
		}
		report.Dependencies[name] = "ok"
	}
	return report
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.report(r.Context()).SystemStatus
	writeJSON(w, statusCode(status), map[string]string{"status": string(status)})
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	report := s.report(r.Context())
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleTenant(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	for _, t := range s.monitor.CheckHealth(r.Context()) {
		if t.TenantID == id {
			writeJSON(w, statusCode(t.Status), t)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown tenant " + id})
}

func statusCode(status SystemStatus) int {
	if status == StatusCritical {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
