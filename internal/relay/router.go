package relay

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/relaygate/relaygate/pkg/apierr"
)

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the relay routes.
type ManagementRoutes struct {
	Metrics fasthttp.RequestHandler
}

// Handler builds the full request handler: routes plus middleware chain.
// Exposed separately from Start so tests can drive it over an in-memory
// listener.
func (s *Server) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	r.GET("/{api_key}/api/models", s.handleModels)
	r.GET("/{api_key}/api/tags", s.handleModels)
	r.POST("/{api_key}/api/show", s.handleShow)
	r.GET("/{api_key}/api/version", s.handleVersion)
	r.POST("/{api_key}/v1/chat/completions", s.handleChatCompletions)
	r.GET("/health", s.handleHealth)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	r.NotFound = apierr.WriteNotFound

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
	)
}

// Start starts the HTTP server on addr (e.g. ":8080").
func (s *Server) Start(addr string, mgmt *ManagementRoutes) error {
	srv := &fasthttp.Server{
		Handler:     s.Handler(mgmt),
		ReadTimeout: 60 * time.Second,
		// No WriteTimeout: chat responses stream for up to the provider
		// read deadline (5 minutes).
	}
	return srv.ListenAndServe(addr)
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(ctx *fasthttp.RequestCtx) {
	if _, ok := s.authenticate(ctx); !ok {
		return
	}
	writeJSON(ctx, map[string]string{"version": s.version})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
