// Package http provides the HTTP transport layer for LeaseQ.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	GET    /health
//	GET    /queues
//	POST   /queues/{name}
//	GET    /queues/{name}
//	DELETE /queues/{name}
//	POST   /queues/{name}/messages
//	GET    /queues/{name}/messages?max=&wait_ms=&visibility_ms=
//	DELETE /queues/{name}/messages
//	DELETE /queues/{name}/messages/{receipt}
//	POST   /queues/{name}/messages/{receipt}/nack
//	POST   /queues/{name}/messages/{receipt}/extend
//	GET    /queues/{name}/dead-letters?limit=
//	POST   /queues/{name}/dead-letters/replay
//	GET    /queues/{name}/ws
//	POST   /queues/{name}/subscriptions
//	GET    /subscriptions
//	DELETE /subscriptions/{id}
//	GET    /metrics
//
// Message bodies travel base64-encoded in JSON; durations are milliseconds.
package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/snehjoshi/leaseq/internal/broker"
	"github.com/snehjoshi/leaseq/internal/config"
	"github.com/snehjoshi/leaseq/internal/consumer"
	"github.com/snehjoshi/leaseq/internal/metrics"
	transportws "github.com/snehjoshi/leaseq/internal/transport/websocket"
)

// Server wraps the stdlib HTTP server with LeaseQ route wiring.
type Server struct {
	inner *http.Server
}

// New builds a Server around b and cm. reg may be nil, in which case
// /metrics is not mounted and requests are not counted.
// The caller is responsible for calling ListenAndServe / Shutdown.
func New(b *broker.Broker, cm *consumer.Manager, cfg *config.Config, reg *metrics.Registry) *Server {
	log := slog.Default().With(slog.String("component", "http"))
	h := &Handler{broker: b, consumer: cm, log: log, started: time.Now()}
	ws := &transportws.Handler{Broker: b, Logger: log.With(slog.String("transport", "websocket"))}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)

	// Queue management
	mux.HandleFunc("GET /queues", h.listQueues)
	mux.HandleFunc("POST /queues/{name}", h.createQueue)
	mux.HandleFunc("GET /queues/{name}", h.getQueue)
	mux.HandleFunc("DELETE /queues/{name}", h.deleteQueue)

	// Messages
	mux.HandleFunc("POST /queues/{name}/messages", h.enqueue)
	mux.HandleFunc("GET /queues/{name}/messages", h.receive)
	mux.HandleFunc("DELETE /queues/{name}/messages", h.purgeQueue)
	mux.HandleFunc("DELETE /queues/{name}/messages/{receipt}", h.ack)
	mux.HandleFunc("POST /queues/{name}/messages/{receipt}/nack", h.nack)
	mux.HandleFunc("POST /queues/{name}/messages/{receipt}/extend", h.extend)

	// Dead letters
	mux.HandleFunc("GET /queues/{name}/dead-letters", h.peekDeadLetters)
	mux.HandleFunc("POST /queues/{name}/dead-letters/replay", h.replayDeadLetters)

	// WebSocket push
	mux.Handle("GET /queues/{name}/ws", ws)

	// Webhook subscriptions
	mux.HandleFunc("POST /queues/{name}/subscriptions", h.createSubscription)
	mux.HandleFunc("GET /subscriptions", h.listSubscriptions)
	mux.HandleFunc("DELETE /subscriptions/{id}", h.deleteSubscription)

	if reg != nil && cfg.Metrics.Enabled {
		mux.Handle("GET /metrics", reg.Handler())
	}

	handler := chain(mux,
		CORSMiddleware,
		MaxBodyMiddleware(int64(cfg.Server.MaxBodyKB)<<10),
		LoggingMiddleware(log, reg),
		AuthMiddleware(cfg.Auth.APIKey, cfg.Auth.Enabled),
		RateLimitMiddleware(cfg.RateLimit.RPS, cfg.RateLimit.Burst, cfg.RateLimit.Enabled),
	)

	// WriteTimeout must outlast the longest long-poll.
	return &Server{
		inner: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      broker.MaxWait + 15*time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on the given address (e.g. ":8080").
// It returns when the server stops or encounters an error.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
