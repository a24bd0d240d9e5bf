// Package apierr writes the relay's flat JSON error envelope and maps
// upstream failures to HTTP statuses.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// envelope is the single error shape clients see: {"error": "<message>"}.
type envelope struct {
	Error string `json:"error"`
}

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: message})
	ctx.SetBody(body)
}

// WriteUnauthorized writes a 401 for a missing or invalid API key.
func WriteUnauthorized(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusUnauthorized, "Invalid API key")
}

// WriteNotFound writes the 404 used for unknown routes.
func WriteNotFound(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusNotFound, "Not found")
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "Rate limit exceeded")
}

// WriteBadRequest writes a 400 with the given message.
func WriteBadRequest(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusBadRequest, msg)
}

// WriteUpstream maps an upstream provider status to the relay's response.
//
//	Upstream 429  → 429 + Retry-After: 60
//	Upstream 5xx  → 502
//	Default       → 502
func WriteUpstream(ctx *fasthttp.RequestCtx, upstreamStatus int, msg string) {
	if upstreamStatus == fasthttp.StatusTooManyRequests {
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, msg)
		return
	}
	Write(ctx, fasthttp.StatusBadGateway, msg)
}

// WriteInternal writes a 500 without leaking internals.
func WriteInternal(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusInternalServerError, "Internal server error")
}
