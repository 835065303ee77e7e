package api

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/sqew/sqew/internal/config"
	"github.com/sqew/sqew/internal/metrics"
	"github.com/sqew/sqew/internal/queue"
	"github.com/sqew/sqew/internal/store"
)

// Server wraps the HTTP server and mux for the Sqew API.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
}

// NewServer creates an API server wired with all routes.
func NewServer(
	cfg *config.EnvConfig,
	st *store.Store,
	eng *queue.Engine,
	m *metrics.Metrics,
	log zerolog.Logger,
) *Server {
	mux := http.NewServeMux()
	reg := eng.Registry()
	rl := newQueueRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	// Public, unauthenticated.
	mux.Handle("GET /health", HandleHealth())
	mux.Handle("GET /metrics", m.Handler())

	// Queue administration.
	authed := http.NewServeMux()
	authed.Handle("GET /queues", HandleListQueues(reg))
	authed.Handle("POST /queues", HandleCreateQueue(reg))
	authed.Handle("GET /queues/{name}", HandleGetQueue(reg))
	authed.Handle("DELETE /queues/{name}", HandleDeleteQueue(reg, m))
	authed.Handle("GET /queues/{name}/stats", HandleQueueStats(reg))
	authed.Handle("POST /queues/{name}/compact", HandleCompactQueue(reg))

	// Message lifecycle. Mutating routes go through the per-queue
	// token bucket.
	authed.Handle("GET /queues/{name}/messages", HandlePeek(eng))
	authed.Handle("GET /queues/{name}/messages/{id}", HandleGetMessage(eng))
	authed.Handle("POST /queues/{name}/messages", rl.limit(HandleEnqueue(eng)))
	authed.Handle("DELETE /queues/{name}/messages", HandlePurgeQueue(reg))
	authed.Handle("DELETE /queues/{name}/messages/{id}", HandleRemoveMessage(eng))
	authed.Handle("POST /queues/{name}/poll", rl.limit(HandlePoll(eng, cfg.LongPollMaxWait)))
	authed.Handle("POST /queues/{name}/ack", rl.limit(HandleAck(eng)))
	authed.Handle("POST /queues/{name}/nack", rl.limit(HandleNack(eng)))
	authed.Handle("POST /queues/{name}/extend", rl.limit(HandleExtendLease(eng)))

	guard := newOverloadGuard(st, cfg.OverloadBusyThreshold)
	var h http.Handler = authed
	h = RequestBodyLimitMiddleware(cfg.MaxBodyBytes, h)
	h = guard.middleware(h)
	h = AuthMiddleware(cfg.APIToken, h)
	mux.Handle("/queues", h)
	mux.Handle("/queues/", h)

	root := RequestLogMiddleware(log, m, mux)

	srv := &http.Server{
		Addr:              cfg.Bind,
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{httpServer: srv, handler: root}
}

// ListenAndServe starts the HTTP server. It blocks until the server
// stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the root handler for testing.
func (s *Server) Handler() http.Handler {
	return s.handler
}
