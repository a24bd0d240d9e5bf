package relay

import (
	"errors"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/relaygate/relaygate/internal/auth"
	"github.com/relaygate/relaygate/pkg/apierr"
)

// authenticate resolves the {api_key} path parameter against the auth cache.
// On failure it writes the error response and returns ok=false; callers must
// return immediately.
func (s *Server) authenticate(ctx *fasthttp.RequestCtx) (auth.Identity, bool) {
	key, _ := ctx.UserValue("api_key").(string)

	id, err := s.auth.Authenticate(ctx, key)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidKey) {
			if s.metrics != nil {
				s.metrics.RecordAuthLookup("invalid")
			}
			apierr.WriteUnauthorized(ctx)
			return auth.Identity{}, false
		}
		if s.metrics != nil {
			s.metrics.RecordAuthLookup("error")
		}
		s.log.ErrorContext(ctx, "auth_store_error",
			slog.String("path", string(ctx.Path())),
			slog.String("error", err.Error()),
		)
		apierr.WriteInternal(ctx)
		return auth.Identity{}, false
	}

	if s.metrics != nil {
		s.metrics.RecordAuthLookup("ok")
	}
	return id, true
}

// modelDetails is the static model description reported by the listing and
// show endpoints. The relay fronts a single upstream deployment, so the
// listing carries exactly one entry named after the authenticated identity.
var modelDetails = map[string]any{
	"parent_model":       "",
	"format":             "gguf",
	"family":             "gemma3",
	"families":           []string{"gemma3"},
	"parameter_size":     "4.3B",
	"quantization_level": "Q4_K_M",
}

// handleModels serves GET /{api_key}/api/models and /api/tags with an
// Ollama-compatible model listing.
func (s *Server) handleModels(ctx *fasthttp.RequestCtx) {
	id, ok := s.authenticate(ctx)
	if !ok {
		return
	}

	writeJSON(ctx, map[string]any{
		"models": []map[string]any{{
			"name":        id.SubjectName,
			"model":       id.SubjectName,
			"modified_at": time.Now().UTC().Format(time.RFC3339Nano),
			"size":        3338801804,
			"digest":      "a2af6cc3eb7fa8be8504abaf9b04e88f17a119ec3f04a3addf55f92841195f5a",
			"details":     modelDetails,
		}},
	})
}

// handleShow serves POST /{api_key}/api/show with static model metadata.
func (s *Server) handleShow(ctx *fasthttp.RequestCtx) {
	if _, ok := s.authenticate(ctx); !ok {
		return
	}

	writeJSON(ctx, map[string]any{
		"modelfile":  "# Modelfile for fake-gemma3\nFROM fake-gemma3\n",
		"parameters": "top_p 0.95\ntemperature 1\ntop_k 64",
		"template":   "{{- range .Messages}}\n<|im_start|>{{ .Role }}\n{{ .Content }}<|im_end|>\n{{- end}}\n<|im_start|>assistant",
		"details":    modelDetails,
		"model_info": map[string]any{
			"general.architecture":         "gemma3",
			"general.parameter_count":      4300000000,
			"general.quantization_version": 2,
		},
		"capabilities": []string{"completion", "vision"},
		"modified_at":  time.Now().UTC().Format(time.RFC3339Nano),
	})
}
