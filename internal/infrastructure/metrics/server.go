package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-ramses/internal/bridges/ramses"
)

// Server timeouts.
const (
	gracefulShutdownTimeout = 10 * time.Second
	readTimeout             = 5 * time.Second
	writeTimeout            = 10 * time.Second
	idleTimeout             = 60 * time.Second

	// checkTimeout bounds each dependency health check.
	checkTimeout = 3 * time.Second
)

// HealthChecker is implemented by the infrastructure clients
// (*mqtt.Client, *database.DB, *influxdb.Client).
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// EngineStatus is the engine view served on /status. Satisfied by
// *ramses.Engine.
type EngineStatus interface {
	Stats() ramses.EngineStats
	Addresses() ramses.Addresses
}

// Logger is the logging subset used by the server.
type Logger interface {
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// ServerOptions configures a Server.
type ServerOptions struct {
	// Listen is the host:port to bind, e.g. ":9464".
	Listen string

	Metrics *Bridge
	Engine  EngineStatus
	Version string

	// Checks are run by /healthz, keyed by component name.
	Checks map[string]HealthChecker

	Logger Logger
}

// Server exposes /metrics, /healthz and /status over HTTP.
//
// It follows the same lifecycle as the other bridge components:
//
//	srv := metrics.NewServer(opts)
//	srv.Start()
//	defer srv.Close()
type Server struct {
	opts      ServerOptions
	startTime time.Time

	server   *http.Server
	listener net.Listener
	mu       sync.Mutex
}

// NewServer creates a Server. Call Start to listen.
func NewServer(opts ServerOptions) *Server {
	return &Server{
		opts:      opts,
		startTime: time.Now(),
	}
}

// Handler returns the router without starting a listener.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.recoverPanics, s.logRequests)

	if s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics.Handler())
	}
	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	return r
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("metrics listen on %s: %w", s.opts.Listen, err)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logError("metrics server error", "error", err)
		}
	}()

	s.logInfo("metrics server listening", "address", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close shuts the server down, waiting for in-flight requests.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down metrics server: %w", err)
	}
	return nil
}

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// handleHealth runs every dependency check; any failure answers 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "healthy"}
	status := http.StatusOK

	names := make([]string, 0, len(s.opts.Checks))
	for name := range s.opts.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	if len(names) > 0 {
		resp.Checks = make(map[string]string, len(names))
	}
	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := s.opts.Checks[name].HealthCheck(ctx)
		cancel()

		if err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}

	writeJSON(w, status, resp)
}

// StatusResponse is the /status body.
type StatusResponse struct {
	Timestamp     string            `json:"timestamp"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Goroutines    int               `json:"goroutines"`
	MemoryAllocMB float64           `json:"memory_alloc_mb"`
	Addresses     map[string]string `json:"addresses,omitempty"`
	Engine        *EngineCounters   `json:"engine,omitempty"`
}

// EngineCounters mirrors ramses.EngineStats with JSON names.
type EngineCounters struct {
	FramesReceived  uint64     `json:"frames_received"`
	FramesSent      uint64     `json:"frames_sent"`
	DecodeErrors    uint64     `json:"decode_errors"`
	RequestsMatched uint64     `json:"requests_matched"`
	Retries         uint64     `json:"retries"`
	Abandoned       uint64     `json:"abandoned"`
	Pending         int        `json:"pending"`
	LastActivity    *time.Time `json:"last_activity,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	resp := StatusResponse{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.opts.Version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Goroutines:    runtime.NumGoroutine(),
		MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
	}

	if s.opts.Engine != nil {
		stats := s.opts.Engine.Stats()
		resp.Engine = &EngineCounters{
			FramesReceived:  stats.FramesReceived,
			FramesSent:      stats.FramesSent,
			DecodeErrors:    stats.DecodeErrors,
			RequestsMatched: stats.RequestsMatched,
			Retries:         stats.Retries,
			Abandoned:       stats.Abandoned,
			Pending:         stats.Pending,
		}
		if !stats.LastActivity.IsZero() {
			last := stats.LastActivity.UTC()
			resp.Engine.LastActivity = &last
		}

		addrs := s.opts.Engine.Addresses()
		resp.Addresses = make(map[string]string)
		for _, role := range ramses.Roles {
			if addr := addrs.Get(role); !addr.IsEmpty() {
				resp.Addresses[string(role)] = addr.String()
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // Client went away
}

func (s *Server) logInfo(msg string, keysAndValues ...any) {
	if s.opts.Logger != nil {
		s.opts.Logger.Info(msg, keysAndValues...)
	}
}

func (s *Server) logError(msg string, keysAndValues ...any) {
	if s.opts.Logger != nil {
		s.opts.Logger.Error(msg, keysAndValues...)
	}
}
