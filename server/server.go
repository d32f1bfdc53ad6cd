package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/ruuvi_gateway/config"
	"github.com/mjasion/balena-home/ruuvi_gateway/exposition"
	"github.com/mjasion/balena-home/ruuvi_gateway/gateway"
	"github.com/mjasion/balena-home/ruuvi_gateway/ingest"
	"github.com/mjasion/balena-home/ruuvi_gateway/store"
)

// RateHeader tells the gateway how often to post, in seconds
const RateHeader = "X-Ruuvi-Gateway-Rate"

// HealthStatus is the body of GET /health
type HealthStatus struct {
	Status     string    `json:"status"`
	LastUpdate time.Time `json:"lastUpdate"`
	Sensors    int       `json:"sensors"`
}

// Server accepts gateway posts and serves the metrics document
type Server struct {
	cfg        config.ServerConfig
	store      *store.Store
	ingester   *ingest.Ingester
	names      exposition.Labeler
	logger     *zap.Logger
	httpServer *http.Server
}

// New creates a Server listening on addr. names may be nil.
func New(cfg config.ServerConfig, addr string, st *store.Store, ing *ingest.Ingester, names exposition.Labeler, logger *zap.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		store:    st,
		ingester: ing,
		names:    names,
		logger:   logger,
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	return s
}

// Handler returns the routed handler with recovery, compression and
// tracing middleware applied.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleIngest).Methods(http.MethodPost)
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Use(s.logRequests)

	var h http.Handler = handlers.CompressHandler(r)
	h = handlers.RecoveryHandler(
		handlers.RecoveryLogger(zap.NewStdLog(s.logger)),
		handlers.PrintRecoveryStack(true),
	)(h)

	return otelhttp.NewHandler(h, "ruuvi-gateway",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server error: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, fmt.Sprintf("body exceeds %d bytes", tooLarge.Limit), http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	env, err := gateway.ParseEnvelope(body)
	if err != nil {
		s.logger.Warn("rejected gateway envelope", zap.Error(err), zap.Int("bytes", len(body)))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.ingester.Envelope(r.Context(), env)

	w.Header().Set(RateHeader, strconv.Itoa(s.cfg.GatewayRateSeconds))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	samples := exposition.Collect(s.store.Snapshot(), s.names)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := exposition.WriteText(w, samples); err != nil {
		s.logger.Debug("failed to write metrics response", zap.Error(err))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	gw := s.store.Gateway()
	status := HealthStatus{
		Status:     "healthy",
		LastUpdate: gw.Updated,
		Sensors:    s.store.Len(),
	}
	if gw.Updated.Equal(store.NeverUpdated) {
		status.Status = "waiting"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Debug("failed to write health response", zap.Error(err))
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("handled request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote", r.RemoteAddr),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
