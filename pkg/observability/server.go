package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Server exposes the runtime's operational endpoints over HTTP: health
// probes for orchestrators, Prometheus metrics, and an optional JSON
// snapshot of messaging activity.
type Server struct {
	httpServer *http.Server
	port       int
	messaging  func() any
}

// NewServer creates an observability server listening on the given port.
func NewServer(port int) *Server {
	return &Server{
		port: port,
	}
}

// WithMessagingSnapshot exposes snapshot at GET /messaging as JSON. The
// function is called per request, so it should return a point-in-time
// copy rather than live state.
func (s *Server) WithMessagingSnapshot(snapshot func() any) *Server {
	s.messaging = snapshot
	return s
}

// Start blocks serving the observability endpoints until Shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.httpServer.ListenAndServe()
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("/health", HealthHandler())
	mux.HandleFunc("/health/live", LivenessHandler())
	mux.HandleFunc("/health/ready", ReadinessHandler())

	// Metrics endpoint
	mux.Handle("/metrics", MetricsHandler())

	if s.messaging != nil {
		mux.HandleFunc("/messaging", s.messagingHandler)
	}

	return mux
}

func (s *Server) messagingHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.messaging()); err != nil {
		log.Printf("[observability] encode messaging snapshot: %v", err)
	}
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
