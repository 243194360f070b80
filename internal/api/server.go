// Package api serves the patient store over a JSON HTTP interface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/clinicbase/clinicbase/internal/engine"
	storeerrors "github.com/clinicbase/clinicbase/internal/errors"
	"github.com/clinicbase/clinicbase/internal/observability"
)

// MaxBodyBytes caps request bodies. Imports are the largest payloads.
const MaxBodyBytes = 32 << 20

// Config holds server settings.
type Config struct {
	Addr      string
	RateLimit float64 // requests per second; <= 0 disables limiting
	Burst     int
	Logger    *observability.Logger
}

// Server is the HTTP front end of an engine.
type Server struct {
	eng     *engine.Engine
	addr    string
	limiter *rate.Limiter
	log     *observability.Logger
	metrics *observability.MetricsCollector
	started time.Time
	handler http.Handler

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
}

// apiError is the JSON body of every failed request.
type apiError struct {
	Error  string                   `json:"error"`
	Code   string                   `json:"code,omitempty"`
	Fields []storeerrors.FieldError `json:"fields,omitempty"`
}

type healthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

// New creates a server over eng.
func New(eng *engine.Engine, cfg Config) *Server {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = max(1, int(cfg.RateLimit))
	}
	log := cfg.Logger
	if log == nil {
		log = observability.Discard()
	}
	s := &Server{
		eng:     eng,
		addr:    cfg.Addr,
		limiter: rate.NewLimiter(limit, burst),
		log:     log,
		metrics: eng.Metrics(),
		started: time.Now(),
	}
	s.handler = s.routes()
	return s
}

// Handler returns the root handler, for embedding or tests.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	api := http.NewServeMux()
	api.HandleFunc("GET /api/patients", s.handleListPatients)
	api.HandleFunc("POST /api/patients", s.handleCreatePatient)
	api.HandleFunc("DELETE /api/patients", s.handleClearAll)
	api.HandleFunc("GET /api/patients/{id}", s.handleGetPatient)
	api.HandleFunc("PUT /api/patients/{id}", s.handleUpdatePatient)
	api.HandleFunc("DELETE /api/patients/{id}", s.handleDeletePatient)
	api.HandleFunc("POST /api/patients/{id}/visits", s.handleAddVisit)
	api.HandleFunc("DELETE /api/patients/{id}/visits/{visitID}", s.handleRemoveVisit)
	api.HandleFunc("GET /api/stats", s.handleStats)
	api.HandleFunc("GET /api/backups", s.handleListBackups)
	api.HandleFunc("POST /api/backups", s.handleCreateBackup)
	api.HandleFunc("POST /api/backups/{key}/restore", s.handleRestore)
	api.HandleFunc("GET /api/export", s.handleExport)
	api.HandleFunc("POST /api/import", s.handleImport)
	api.HandleFunc("GET /api/check", s.handleCheck)
	api.HandleFunc("POST /api/repair", s.handleRepair)
	api.HandleFunc("GET /api/metrics", s.handleMetrics)

	mux.Handle("/api/", s.rateLimited(api))
	return s.logged(mux)
}

// Start listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("api: listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.srv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: serve: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// Addr returns the listener address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// FreePort returns the first port in [start, end] that host can listen on.
func FreePort(host string, start, end int) (int, error) {
	for port := start; port <= end; port++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			continue
		}
		ln.Close()
		return port, nil
	}
	return 0, fmt.Errorf("api: no free port in %d-%d", start, end)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status: "ok",
		Uptime: time.Since(s.started).Round(time.Second).String(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	switch storeerrors.CodeOf(err) {
	case storeerrors.CodeValidation:
		return http.StatusBadRequest
	case storeerrors.CodeNotFound:
		return http.StatusNotFound
	case storeerrors.CodeIntegrity:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := apiError{Error: err.Error(), Code: storeerrors.CodeOf(err)}
	var verr *storeerrors.ValidationError
	if errors.As(err, &verr) {
		body.Fields = verr.Fields
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		body.Error = "internal storage error"
	}
	writeJSON(w, status, body)
}

// decode reads a JSON body into v, rejecting unknown fields.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return storeerrors.NewValidation("body", "invalid json: %v", err)
	}
	return nil
}
