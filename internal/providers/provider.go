// Package providers defines the common interfaces and types used by all
// upstream LLM client implementations (Azure OpenAI, OpenAI, Anthropic,
// Gemini).
//
// Each client lives in its own sub-package and implements the StreamClient
// interface. Clients that can check their credentials cheaply additionally
// implement Validator; the registry asserts for it at bootstrap.
package providers

import (
	"context"
	"time"
)

type (
	// ChatMessage is a single turn in a conversation (role + text content).
	ChatMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// Delta is a partial content fragment inside a streaming choice.
	Delta struct {
		Content string `json:"content,omitempty"`
	}

	// Choice is one streamed completion choice.
	Choice struct {
		Index        int    `json:"index"`
		Delta        Delta  `json:"delta"`
		FinishReason string `json:"finish_reason,omitempty"`
	}

	// Usage — token usage stats, present only on events that carry them.
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	}

	// StreamEvent is the provider-neutral unit of a streaming chat response.
	//
	// At most one of {Choices deltas, Done, Err} is semantically active per
	// event. Raw always preserves the original wire text when one exists so
	// the relay can pass upstream bytes through untouched.
	StreamEvent struct {
		ID      string   `json:"id,omitempty"`
		Model   string   `json:"model,omitempty"`
		Choices []Choice `json:"choices,omitempty"`
		Usage   *Usage   `json:"usage,omitempty"`
		Err     string   `json:"error,omitempty"`
		Raw     string   `json:"-"`
		Done    bool     `json:"-"`
	}
)

// DeltaText returns the concatenated delta content carried by the event.
func (e StreamEvent) DeltaText() string {
	if len(e.Choices) == 0 {
		return ""
	}
	var s string
	for _, c := range e.Choices {
		s += c.Delta.Content
	}
	return s
}

// StreamClient is an upstream chat backend the relay can stream from.
//
// StreamChat performs the network call: the returned channel is fed by a
// background goroutine and closed when the upstream stream ends. A non-nil
// error is returned only for connection-establishment failures (after the
// client's own bounded retries); once streaming has begun, failures arrive
// in-band as events with Err set and are never retried.
type StreamClient interface {
	Name() string
	StreamChat(ctx context.Context, msgs []ChatMessage, params map[string]any, requestID string) (<-chan StreamEvent, error)
}

// Validator is an optional interface for clients that can verify their
// credentials and connectivity without side effects. Checked with a type
// assertion at registry bootstrap, never per request.
type Validator interface {
	Validate(ctx context.Context) error
}

// Shared upstream call constants.
const (
	// ConnectTimeout bounds connection establishment — fail fast.
	ConnectTimeout = 5 * time.Second
	// ReadTimeout bounds a single streaming response; token generation is slow.
	ReadTimeout = 5 * time.Minute
	// MaxConnectAttempts caps connection-phase retries (including the first).
	MaxConnectAttempts = 3
)

// RetryableStatus reports whether an HTTP status from a connection attempt
// warrants another attempt. Mid-stream failures are never retried.
func RetryableStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	}
	return false
}
