package api

import (
	"context"
	"net/http"

	"github.com/perchwatch/perch/internal/config"
	"github.com/perchwatch/perch/internal/events"
	"github.com/perchwatch/perch/internal/fetch"
	"github.com/perchwatch/perch/internal/gateway"
	"github.com/perchwatch/perch/internal/metrics"
	"github.com/perchwatch/perch/internal/scheduler"
	"github.com/perchwatch/perch/internal/store"
)

// Server wraps the HTTP server and mux for the perch API.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
}

// NewServer creates an API server wired with all routes. broker may be nil
// when the event stream is disabled; sched may be nil in tests.
func NewServer(
	listenAddress string,
	cfg *config.Config,
	st *store.Store,
	pool *gateway.Pool,
	pipeline *fetch.Pipeline,
	sched *scheduler.Scheduler,
	broker *events.Broker,
	m *metrics.Metrics,
) *Server {
	mux := http.NewServeMux()

	mux.Handle("GET /api/targets", HandleListTargets(st))
	mux.Handle("POST /api/targets", HandleCreateTarget(st, broker))
	mux.Handle("DELETE /api/targets/{id}", HandleDeleteTarget(st, broker))
	mux.Handle("POST /api/fetch/once", HandleFetchOnce(pipeline))
	mux.Handle("GET /api/tweets", HandleListPosts(st, newPostCache()))
	mux.Handle("GET /api/export.jsonl", HandleExport(st))
	mux.Handle("GET /api/health", HandleHealth(pool, sched, pipeline))
	mux.Handle("GET /api/stream", HandleStream(broker))
	mux.Handle("GET /api/config", HandleConfig(cfg))
	mux.Handle("GET /metrics", m.Handler())

	handler := CORSMiddleware(mux)
	return &Server{
		httpServer: &http.Server{
			Addr:    listenAddress,
			Handler: handler,
		},
		handler: handler,
	}
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the root http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.handler
}
