// Package server assembles the HTTP surface: the websocket subscription
// endpoint, event ingestion, health, and metrics.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/axonlabs/axon/internal/config"
	"github.com/axonlabs/axon/internal/hub"
	"github.com/axonlabs/axon/internal/ingest"
	"github.com/axonlabs/axon/internal/observability"
)

// Server is the HTTP front of the replay service.
type Server struct {
	config  *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics

	wsHandler *hub.Handler
	applier   *ingest.Applier

	httpServer *http.Server
	listener   net.Listener
}

// New assembles the server over its collaborators.
func New(cfg *config.Config, wsHandler *hub.Handler, applier *ingest.Applier, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:    cfg,
		logger:    logger,
		metrics:   metrics,
		wsHandler: wsHandler,
		applier:   applier,
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/ws", s.wsHandler)
	mux.Handle("/v1/ingest", s.instrument("/v1/ingest", http.HandlerFunc(s.handleIngest)))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.httpServer = server
	s.listener = listener

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("http server started", "addr", addr)
	return nil
}

// Addr returns the bound address, useful when the port was 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
	}
	s.httpServer = nil
	s.listener = nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
}

// handleIngest accepts one event or a batch of events from collectors. Each
// request gets an ID, echoed in the response header and carried on the
// context so failures correlate with collector retries.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx := observability.WithRequestID(r.Context(), uuid.NewString())
	w.Header().Set("X-Request-Id", observability.RequestID(ctx))

	events, err := decodeEvents(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}

	for _, ev := range events {
		if err := s.applier.Apply(ctx, ev); err != nil {
			s.logger.Warn("ingest apply failed",
				"requestId", observability.RequestID(ctx),
				"trace", ev.TraceID, "type", ev.Type, "error", err)
			writeJSONError(w, http.StatusUnprocessableEntity, err)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]int{"accepted": len(events)}) //nolint:errcheck
}

// decodeEvents accepts either a single event object or a JSON array.
func decodeEvents(r *http.Request) ([]*ingest.Event, error) {
	body := http.MaxBytesReader(nil, r.Body, 1<<20)
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	data = bytes.TrimSpace(data)

	if len(data) > 0 && data[0] == '[' {
		var events []*ingest.Event
		if err := json.Unmarshal(data, &events); err != nil {
			return nil, fmt.Errorf("decode events: %w", err)
		}
		return events, nil
	}

	var event ingest.Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return []*ingest.Event{&event}, nil
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()}) //nolint:errcheck
}

// instrument wraps a handler with request metrics.
func (s *Server) instrument(path string, next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.RecordHTTPRequest(r.Method, path, strconv.Itoa(rec.status), time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
