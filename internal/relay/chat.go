package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/relaygate/relaygate/internal/auth"
	"github.com/relaygate/relaygate/internal/chatlog"
	"github.com/relaygate/relaygate/internal/providers"
	"github.com/relaygate/relaygate/pkg/apierr"
)

const routeChat = "chat_completions"

// relayRoles are the message roles forwarded to the provider. Anything else
// (system, developer, tool) is dropped: the upstream deployment carries its
// own system prompt.
var relayRoles = map[string]bool{
	"user":      true,
	"assistant": true,
	"model":     true,
}

type inboundChatRequest struct {
	Messages []providers.ChatMessage `json:"messages"`
	Model    string                  `json:"model"`
}

// errorFrame is the in-band error event sent when the upstream fails. It is
// the only frame shape the relay itself synthesises.
type errorFrame struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// handleChatCompletions is the core handler for POST /{api_key}/v1/chat/completions.
func (s *Server) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	streaming := false

	if s.metrics != nil {
		s.metrics.IncInFlight()
	}
	defer func() {
		if s.metrics == nil || streaming {
			return // streaming responses are finalised by the stream writer
		}
		s.metrics.DecInFlight()
		s.metrics.ObserveHTTP(routeChat, ctx.Response.StatusCode(), time.Since(start))
	}()

	reqID, _ := ctx.UserValue("request_id").(string)
	apiKey, _ := ctx.UserValue("api_key").(string)

	// 1. Rate limit before anything else — a limited request never touches
	// the key store and never mints a conversation id.
	if s.limiter != nil {
		allowed, err := s.limiter.Allow(ctx, apiKey, routeChat)
		if err == nil && !allowed {
			if s.metrics != nil {
				s.metrics.RecordRateLimit("blocked")
			}
			s.log.WarnContext(ctx, "rate_limit_exceeded",
				slog.String("request_id", reqID),
			)
			apierr.WriteRateLimit(ctx)
			return
		}
		if s.metrics != nil {
			if err != nil {
				s.metrics.RecordRateLimit("error")
			} else {
				s.metrics.RecordRateLimit("allowed")
			}
		}
	}

	// 2. Authenticate.
	id, ok := s.authenticate(ctx)
	if !ok {
		return
	}

	// 3. Parse the body. Unknown top-level keys become provider params so
	// callers can tune temperature etc. without the relay enumerating them.
	var req inboundChatRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteBadRequest(ctx, fmt.Sprintf("invalid JSON: %s", err.Error()))
		return
	}

	msgs := filterRelayMessages(req.Messages)
	if len(msgs) == 0 {
		apierr.WriteBadRequest(ctx, "field 'messages' must contain at least one conversational message")
		return
	}

	model := req.Model
	if model == "" {
		model = "unknown"
	}

	params := extractParams(ctx.PostBody())

	convID := uuid.New()

	s.log.InfoContext(ctx, "chat_request",
		slog.String("request_id", reqID),
		slog.String("conversation_id", convID.String()),
		slog.String("subject", id.SubjectName),
		slog.String("model", model),
		slog.Int("messages", len(msgs)),
	)

	// 4. Persist the inbound user turn before the first response byte, so a
	// crash mid-stream never loses the prompt.
	last := msgs[len(msgs)-1]
	userTurns := []chatlog.Turn{{
		ConversationID: convID,
		Order:          0,
		Role:           last.Role,
		Text:           last.Content,
		SubjectName:    id.SubjectName,
		Model:          model,
		KeyID:          id.SubjectID,
	}}
	if err := s.turns.AppendBatch(ctx, userTurns); err != nil {
		if s.metrics != nil {
			s.metrics.RecordTurnWrite("error")
		}
		s.log.ErrorContext(ctx, "user_turn_write_failed",
			slog.String("request_id", reqID),
			slog.String("conversation_id", convID.String()),
			slog.String("error", err.Error()),
		)
		apierr.WriteInternal(ctx)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordTurnWrite("ok")
	}

	// 5. Stream. From here the client always receives a terminal frame:
	// [DONE] on success, an error frame otherwise. Connection failures after
	// retry exhaustion surface in-band too, and the assistant turn (possibly
	// empty) is still persisted.
	streaming = true
	s.streamResponse(ctx, streamState{
		requestID:      reqID,
		conversationID: convID,
		identity:       id,
		model:          model,
		messages:       msgs,
		params:         params,
		userTurns:      len(userTurns),
		start:          start,
	})
}

// streamState carries everything the body stream writer needs after the
// handler returns and fasthttp flushes the response header.
type streamState struct {
	requestID      string
	conversationID uuid.UUID
	identity       auth.Identity
	model          string
	messages       []providers.ChatMessage
	params         map[string]any
	userTurns      int
	start          time.Time
}

// streamResponse opens the upstream stream and relays it to the client as
// SSE. It owns the terminal-frame guarantee and the deferred assistant-turn
// append.
func (s *Server) streamResponse(ctx *fasthttp.RequestCtx, st streamState) {
	client := s.registry.Active()

	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // stream writer must not crash the server

		upstreamCtx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var (
			assistant    []byte
			clientGone   bool
			outcome      = "done"
			inputTokens  int
			outputTokens int
		)

		defer func() {
			s.finishStream(st, string(assistant), outcome, inputTokens, outputTokens)
		}()

		events, err := client.StreamChat(upstreamCtx, st.messages, st.params, st.requestID)
		if err != nil {
			outcome = "connect_error"
			if s.metrics != nil {
				s.metrics.RecordUpstreamAttempt(client.Name(), "error")
			}
			s.log.ErrorContext(upstreamCtx, "upstream_connect_failed",
				slog.String("request_id", st.requestID),
				slog.String("provider", client.Name()),
				slog.String("error", err.Error()),
			)
			writeErrorFrame(w, err.Error())
			return
		}
		if s.metrics != nil {
			s.metrics.RecordUpstreamAttempt(client.Name(), "success")
		}

		for ev := range events {
			if ev.Err != "" {
				outcome = "stream_error"
				s.log.ErrorContext(upstreamCtx, "upstream_stream_error",
					slog.String("request_id", st.requestID),
					slog.String("provider", client.Name()),
					slog.String("error", ev.Err),
				)
				if !clientGone {
					writeErrorFrame(w, ev.Err)
				}
				return
			}

			if ev.Done {
				if !clientGone {
					fmt.Fprint(w, "data: [DONE]\n\n")
					w.Flush() //nolint:errcheck
				}
				// Terminal sentinel: nothing after it is forwarded or
				// accumulated, even if the upstream misbehaves.
				return
			}

			assistant = append(assistant, ev.DeltaText()...)
			if ev.Usage != nil {
				inputTokens = ev.Usage.PromptTokens
				outputTokens = ev.Usage.CompletionTokens
			}

			if clientGone {
				continue // keep draining for the log, stop writing
			}

			payload := ev.Raw
			if payload == "" {
				data, _ := json.Marshal(ev)
				payload = string(data)
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				clientGone = true
				outcome = "disconnect"
				cancel() // abandon the upstream read promptly
				continue
			}
			if err := w.Flush(); err != nil {
				clientGone = true
				outcome = "disconnect"
				cancel()
			}
		}

		// Channel closed without a Done event: the upstream vanished.
		// Signal termination rather than truncating silently.
		if outcome == "done" {
			outcome = "stream_error"
			if !clientGone {
				writeErrorFrame(w, "upstream closed the stream unexpectedly")
			}
		}
	})
}

// finishStream persists the assistant turn and records end-of-stream
// observability. It runs on every exit path of the stream writer.
func (s *Server) finishStream(st streamState, assistant, outcome string, inputTokens, outputTokens int) {
	client := s.registry.Active()

	logCtx, cancel := context.WithTimeout(context.Background(), s.turnWriteTimeout)
	defer cancel()

	turn := chatlog.Turn{
		ConversationID: st.conversationID,
		Order:          st.userTurns,
		Role:           chatlog.RoleModel,
		Text:           assistant,
		SubjectName:    st.identity.SubjectName,
		Model:          st.model,
		KeyID:          st.identity.SubjectID,
	}
	if _, err := s.turns.Append(logCtx, turn); err != nil {
		if s.metrics != nil {
			s.metrics.RecordTurnWrite("error")
		}
		s.log.Error("assistant_turn_write_failed",
			slog.String("request_id", st.requestID),
			slog.String("conversation_id", st.conversationID.String()),
			slog.String("error", err.Error()),
		)
	} else if s.metrics != nil {
		s.metrics.RecordTurnWrite("ok")
	}

	dur := time.Since(st.start)
	s.log.Info("chat_done",
		slog.String("request_id", st.requestID),
		slog.String("conversation_id", st.conversationID.String()),
		slog.String("provider", client.Name()),
		slog.String("outcome", outcome),
		slog.Int("assistant_chars", len(assistant)),
		slog.Duration("elapsed", dur),
	)

	if s.metrics != nil {
		s.metrics.ObserveStream(client.Name(), outcome, dur)
		s.metrics.AddTokens(client.Name(), inputTokens, outputTokens)
		s.metrics.ObserveHTTP(routeChat, fasthttp.StatusOK, dur)
		s.metrics.DecInFlight()
	}
}

// writeErrorFrame emits the synthetic error event followed by stream
// termination. Write errors are ignored: the client may already be gone.
func writeErrorFrame(w *bufio.Writer, detail string) {
	data, _ := json.Marshal(errorFrame{Error: "Upstream error", Detail: detail})
	fmt.Fprintf(w, "data: %s\n\n", data) //nolint:errcheck
	fmt.Fprint(w, "data: [DONE]\n\n")    //nolint:errcheck
	w.Flush()                            //nolint:errcheck
}

// filterRelayMessages keeps only conversational roles.
func filterRelayMessages(msgs []providers.ChatMessage) []providers.ChatMessage {
	out := make([]providers.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if relayRoles[m.Role] {
			out = append(out, m)
		}
	}
	return out
}

// extractParams returns every top-level body key except the ones the relay
// consumes itself. The provider clients allow-list what they forward.
func extractParams(body []byte) map[string]any {
	var all map[string]any
	if err := json.Unmarshal(body, &all); err != nil {
		return nil
	}
	delete(all, "messages")
	delete(all, "model")
	delete(all, "stream")
	if len(all) == 0 {
		return nil
	}
	return all
}
