// Package server hosts a remote.Store behind a websocket API. Sockets
// authenticate with an identity token; unauthenticated sockets may only
// drive the phone-verification flow. Writes are gated by the rules engine.
package server

import (
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"talkline/internal/remote"
	"talkline/internal/rules"
	"talkline/internal/security"
	"talkline/internal/telemetry"
	"talkline/internal/verification"
)

const healthProbePath = "healthz/probe"

// Options configures a Server. Store is required; everything else degrades
// gracefully when absent.
type Options struct {
	Store remote.Store
	// Rules gates writes. A nil engine admits every write.
	Rules *rules.Engine
	// Tokens validates identity tokens presented on the socket.
	Tokens *security.TokenProvider
	// Verifier serves the phone-verification ops for unauthenticated sockets.
	Verifier verification.Provider
	// Events receives audit events, best-effort.
	Events telemetry.EventEmitter
	// DispatchTimeout bounds one SMS dispatch (default 60s).
	DispatchTimeout time.Duration
}

// Server is the websocket store server.
type Server struct {
	store           remote.Store
	rules           *rules.Engine
	tokens          *security.TokenProvider
	verifier        verification.Provider
	events          telemetry.EventEmitter
	dispatchTimeout time.Duration

	tracer trace.Tracer
	ops    metric.Int64Counter
	denied metric.Int64Counter
}

// New returns a Server for the given options.
func New(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("server: store is required")
	}
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = 60 * time.Second
	}
	meter := otel.Meter("talkline/server")
	ops, err := meter.Int64Counter("store_ops_total",
		metric.WithDescription("store operations served, by op and outcome"))
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	denied, err := meter.Int64Counter("store_writes_denied_total",
		metric.WithDescription("writes refused by the rules engine"))
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	return &Server{
		store:           opts.Store,
		rules:           opts.Rules,
		tokens:          opts.Tokens,
		verifier:        opts.Verifier,
		events:          opts.Events,
		dispatchTimeout: opts.DispatchTimeout,
		tracer:          otel.Tracer("talkline/server"),
		ops:             ops,
		denied:          denied,
	}, nil
}

// Mux returns the HTTP mux serving the websocket endpoint and health check.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

// handleHealthz verifies a store round-trip and, when configured, that the
// rules engine still evaluates.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	probe := map[string]any{"at": time.Now().UnixMilli()}
	if err := s.store.Write(ctx, healthProbePath, probe); err != nil {
		http.Error(w, "store write: "+err.Error(), http.StatusServiceUnavailable)
		return
	}
	snap, err := s.store.Read(ctx, healthProbePath)
	if err != nil || !snap.Exists() {
		http.Error(w, "store read failed", http.StatusServiceUnavailable)
		return
	}
	if s.rules != nil {
		if err := s.rules.HealthCheck(ctx); err != nil {
			http.Error(w, "rules: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
