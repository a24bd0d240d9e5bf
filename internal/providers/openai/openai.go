// Package openai implements a StreamClient on the official openai-go SDK.
//
// The SDK owns connection-phase retries (429/5xx with exponential backoff,
// capped at MaxConnectAttempts) and SSE decoding; this package normalizes the
// typed chunks into StreamEvents, keeping the original chunk JSON in Raw.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/relaygate/relaygate/internal/providers"
)

const (
	providerName = "openai"
	defaultModel = "gpt-4o-mini"
)

// Client streams chat completions from OpenAI's /v1/chat/completions.
type Client struct {
	apiKey       string
	baseURL      string
	defaultModel string
	client       openaiSDK.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithDefaultModel sets the model used when the caller specifies none.
func WithDefaultModel(m string) Option {
	return func(c *Client) { c.defaultModel = m }
}

// New creates an OpenAI client.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:       apiKey,
		defaultModel: defaultModel,
	}
	for _, o := range opts {
		o(c)
	}

	sdkOpts := []option.RequestOption{
		option.WithAPIKey(c.apiKey),
		option.WithHTTPClient(&http.Client{Timeout: providers.ReadTimeout}),
		option.WithMaxRetries(providers.MaxConnectAttempts),
	}
	if c.baseURL != "" {
		sdkOpts = append(sdkOpts, option.WithBaseURL(c.baseURL))
	}

	c.client = openaiSDK.NewClient(sdkOpts...)
	return c
}

func (c *Client) Name() string { return providerName }

// Validate checks credentials and connectivity with GET /models.
func (c *Client) Validate(ctx context.Context) error {
	_, err := c.client.Models.List(ctx)
	if err != nil {
		return toClientError(err)
	}
	return nil
}

// StreamChat opens the upstream stream. The first chunk is awaited
// synchronously so connection-phase failures surface as a returned error
// rather than an in-band event.
func (c *Client) StreamChat(
	ctx context.Context,
	msgs []providers.ChatMessage,
	params map[string]any,
	requestID string,
) (<-chan providers.StreamEvent, error) {
	sdkParams := c.buildParams(msgs, params)

	stream := c.client.Chat.Completions.NewStreaming(ctx, sdkParams)

	// Peek the first chunk: an immediate failure means the connection never
	// established (the SDK has already applied its bounded retries).
	if !stream.Next() {
		if err := stream.Err(); err != nil {
			return nil, toClientError(err)
		}
		// Empty but successful stream.
		ch := make(chan providers.StreamEvent, 1)
		ch <- providers.StreamEvent{Raw: "[DONE]", Done: true}
		close(ch)
		return ch, nil
	}

	first := stream.Current()

	ch := make(chan providers.StreamEvent, 64)
	go func() {
		defer close(ch)

		ch <- toEvent(first)
		for stream.Next() {
			ch <- toEvent(stream.Current())
		}

		if err := stream.Err(); err != nil {
			ch <- providers.StreamEvent{
				Err: (&providers.StreamError{Provider: providerName, Message: err.Error()}).Error(),
			}
			return
		}
		ch <- providers.StreamEvent{Raw: "[DONE]", Done: true}
	}()

	return ch, nil
}

// buildParams maps the allow-listed subset of caller params onto the SDK's
// typed request. Unknown keys are dropped, never forwarded.
func (c *Client) buildParams(msgs []providers.ChatMessage, params map[string]any) openaiSDK.ChatCompletionNewParams {
	sdkMsgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		sdkMsgs = append(sdkMsgs, toSDKMessage(m.Role, m.Content))
	}

	out := openaiSDK.ChatCompletionNewParams{
		Messages: sdkMsgs,
		Model:    c.defaultModel,
	}

	if m, ok := stringParam(params, "model"); ok && m != "" {
		out.Model = m
	}
	if v, ok := floatParam(params, "temperature"); ok {
		out.Temperature = openaiSDK.Float(v)
	}
	if v, ok := floatParam(params, "top_p"); ok {
		out.TopP = openaiSDK.Float(v)
	}
	if v, ok := floatParam(params, "presence_penalty"); ok {
		out.PresencePenalty = openaiSDK.Float(v)
	}
	if v, ok := floatParam(params, "frequency_penalty"); ok {
		out.FrequencyPenalty = openaiSDK.Float(v)
	}
	if v, ok := floatParam(params, "max_tokens"); ok && v > 0 {
		out.MaxCompletionTokens = openaiSDK.Int(int64(v))
	}
	if v, ok := floatParam(params, "seed"); ok {
		out.Seed = openaiSDK.Int(int64(v))
	}

	return out
}

func toEvent(chunk openaiSDK.ChatCompletionChunk) providers.StreamEvent {
	ev := providers.StreamEvent{
		ID:    chunk.ID,
		Model: chunk.Model,
		Raw:   chunk.RawJSON(),
	}
	for _, c := range chunk.Choices {
		ev.Choices = append(ev.Choices, providers.Choice{
			Index:        int(c.Index),
			Delta:        providers.Delta{Content: c.Delta.Content},
			FinishReason: c.FinishReason,
		})
	}
	if chunk.Usage.TotalTokens > 0 {
		ev.Usage = &providers.Usage{
			PromptTokens:     int(chunk.Usage.PromptTokens),
			CompletionTokens: int(chunk.Usage.CompletionTokens),
		}
	}
	return ev
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "system", "developer":
		return openaiSDK.SystemMessage(content)
	case "assistant", "model":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}

func toClientError(err error) error {
	var apiErr *openaiSDK.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden {
			return &providers.CredentialError{
				Provider: providerName,
				Message:  fmt.Sprintf("key rejected (status %d)", apiErr.StatusCode),
			}
		}
		return &providers.ConnectivityError{
			Provider: providerName,
			Status:   apiErr.StatusCode,
			Message:  apiErr.Error(),
		}
	}
	return &providers.ConnectivityError{Provider: providerName, Message: err.Error()}
}

func stringParam(params map[string]any, key string) (string, bool) {
	if params == nil {
		return "", false
	}
	s, ok := params[key].(string)
	return s, ok
}

func floatParam(params map[string]any, key string) (float64, bool) {
	if params == nil {
		return 0, false
	}
	switch v := params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}
