// Package control exposes a running stream over HTTP so pause, resume and
// emergency stop can be issued from another process.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thawkins/gcodekit6/internal/metrics"
	"github.com/thawkins/gcodekit6/pkg/stream"
)

const shutdownTimeout = 5 * time.Second

// Server serves the control API for one engine
type Server struct {
	control    stream.Control
	router     *mux.Router
	httpServer *http.Server
	log        zerolog.Logger
}

// NewServer creates a control server listening on addr
func NewServer(addr string, c stream.Control) *Server {
	s := &Server{
		control: c,
		router:  mux.NewRouter(),
		log:     log.With().Str("component", "control").Logger(),
	}
	s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routed handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(s.instrument)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := s.router.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/pause", s.handlePause).Methods("POST")
	api.HandleFunc("/resume", s.handleResume).Methods("POST")
	api.HandleFunc("/estop", s.handleEmergencyStop).Methods("POST")
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Info().Str("address", ln.Addr().String()).Msg("Control API listening")

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.Warn().Err(err).Msg("Control API shutdown incomplete")
		return err
	}
	s.log.Info().Msg("Control API stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "gcodekit6",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.control.Stats())
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.control.Pause()
	writeJSON(w, http.StatusOK, s.control.Stats())
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.control.Resume()
	writeJSON(w, http.StatusOK, s.control.Stats())
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	s.log.Warn().Str("remote", r.RemoteAddr).Msg("Emergency stop requested over control API")

	if err := s.control.EmergencyStop(); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error": err.Error(),
			"state": s.control.State(),
		})
		return
	}
	writeJSON(w, http.StatusAccepted, s.control.Stats())
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("Failed to encode control API response")
	}
}

// statusRecorder captures the status code written by a handler
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records request counts and latency per route template
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tmpl
			}
		}

		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())

		s.log.Debug().
			Str("method", r.Method).
			Str("endpoint", endpoint).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("Control API request")
	})
}
