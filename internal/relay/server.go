// Package relay is the core streaming chat relay.
//
// The Server receives an incoming chat request with the API key embedded in
// the path, authenticates it against the key store, opens a stream on the
// active provider, and forwards upstream events to the client as Server-Sent
// Events while accumulating the reply for the conversation log.
//
// Key design constraints:
//   - The inbound user turn is durable before the first response byte.
//   - The assistant turn is appended on every exit path, including client
//     disconnect and upstream failure.
//   - Rate limiter, metrics, and chat log are injected; limiter and metrics
//     are nil-safe.
//   - The client always sees a terminal frame: [DONE] or an error frame.
package relay

import (
	"log/slog"
	"time"

	"github.com/relaygate/relaygate/internal/auth"
	"github.com/relaygate/relaygate/internal/chatlog"
	"github.com/relaygate/relaygate/internal/metrics"
	"github.com/relaygate/relaygate/internal/ratelimit"
	"github.com/relaygate/relaygate/internal/registry"
)

// Options holds optional tuning parameters for a Server. All fields have
// sensible defaults and can be omitted.
type Options struct {
	// Logger is the structured logger used for request events and stream
	// diagnostics. Defaults to slog.Default when nil.
	Logger *slog.Logger

	// Limiter is the per-key request rate limiter. Disabled when nil.
	Limiter *ratelimit.Limiter

	// Metrics enables Prometheus metrics collection. Disabled when nil.
	Metrics *metrics.Registry

	// Version is reported by GET /api/version and the build info metric.
	Version string

	// TurnWriteTimeout bounds the deferred assistant-turn append so a slow
	// log store cannot pin a finished stream. Default: 10s.
	TurnWriteTimeout time.Duration
}

// Server is the relay — all dependencies are injected via the constructor
// so they can be replaced with test doubles in unit tests.
type Server struct {
	registry *registry.Registry
	auth     *auth.Cache
	turns    chatlog.Writer
	limiter  *ratelimit.Limiter
	metrics  *metrics.Registry
	log      *slog.Logger
	version  string

	turnWriteTimeout time.Duration
}

// New creates a fully configured Server. registry, authCache, and turns are
// required; nil values panic because a relay without them cannot serve.
func New(reg *registry.Registry, authCache *auth.Cache, turns chatlog.Writer, opts Options) *Server {
	if reg == nil {
		panic("relay: registry must not be nil")
	}
	if authCache == nil {
		panic("relay: auth cache must not be nil")
	}
	if turns == nil {
		panic("relay: chat log writer must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	version := opts.Version
	if version == "" {
		version = "dev"
	}

	turnWriteTimeout := opts.TurnWriteTimeout
	if turnWriteTimeout <= 0 {
		turnWriteTimeout = 10 * time.Second
	}

	s := &Server{
		registry:         reg,
		auth:             authCache,
		turns:            turns,
		limiter:          opts.Limiter,
		metrics:          opts.Metrics,
		log:              log,
		version:          version,
		turnWriteTimeout: turnWriteTimeout,
	}

	if s.metrics != nil {
		s.metrics.SetBuildInfo(version)
	}

	return s
}
