package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lox/argoverify/internal/query"
	"github.com/lox/argoverify/internal/store"
	"github.com/lox/argoverify/internal/verify"
)

// DefaultRecentDays is the station listing window when the caller gives none.
const DefaultRecentDays = 10

type Server struct {
	store   *store.Store
	queries *query.Service
	port    string
	clock   clockwork.Clock
	logger  *slog.Logger
}

type Option func(*Server)

// WithClock replaces the wall clock used for the recent-station window.
func WithClock(c clockwork.Clock) Option {
	return func(s *Server) { s.clock = c }
}

func NewServer(st *store.Store, queries *query.Service, port string, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		store:   st,
		queries: queries,
		port:    port,
		clock:   clockwork.NewRealClock(),
		logger:  logger.With("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/stations", s.handleStations).Methods(http.MethodGet)
	api.HandleFunc("/stations/{id}", s.handleStation).Methods(http.MethodGet)
	api.HandleFunc("/summary", s.handleSummary).Methods(http.MethodGet)
	api.HandleFunc("/variables", s.handleVariables).Methods(http.MethodGet)
	api.HandleFunc("/issue-dates", s.handleIssueDates).Methods(http.MethodGet)
	api.HandleFunc("/validation", s.handleValidation).Methods(http.MethodGet)
	return r
}

func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:         ":" + s.port,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server starting", "addr", server.Addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

type HealthStatus struct {
	Status       string        `json:"status"`
	Stations     int           `json:"stations"`
	Profiles     int           `json:"profiles"`
	IngestErrors []IngestError `json:"ingest_errors,omitempty"`
	Error        string        `json:"error,omitempty"`
}

type IngestError struct {
	Source  string    `json:"source"`
	Target  string    `json:"target"`
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	sum, err := s.store.Summary(ctx)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, HealthStatus{Status: "error", Error: err.Error()})
		return
	}

	health := HealthStatus{
		Status:   "ok",
		Stations: sum.Active + sum.Inactive,
		Profiles: sum.TotalProfiles,
	}

	runs, err := s.store.GetRecentIngestErrors(ctx, 5)
	if err != nil {
		s.logger.Warn("health: recent ingest errors", "error", err)
	}
	for _, run := range runs {
		health.IngestErrors = append(health.IngestErrors, IngestError{
			Source:  run.Source,
			Target:  run.Target,
			At:      run.StartedAt,
			Message: run.ErrorMessage.String,
		})
	}
	writeJSON(w, http.StatusOK, health)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

// statusFor maps the verification error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, verify.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, verify.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, verify.ErrInsufficientData):
		return http.StatusUnprocessableEntity
	case errors.Is(err, verify.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.logger.Error("request failed", "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}
