// Package anthropic implements a StreamClient on the official Anthropic SDK.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	anthropicSDK "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/relaygate/relaygate/internal/providers"
)

const (
	providerName     = "anthropic"
	defaultModel     = "claude-3-5-haiku-latest"
	defaultMaxTokens = 4096
)

// Client streams chat completions from the Anthropic Messages API.
type Client struct {
	apiKey       string
	baseURL      string
	defaultModel string
	client       anthropicSDK.Client
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

// New creates an Anthropic client.
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

	c.client = anthropicSDK.NewClient(sdkOpts...)
	return c
}

func (c *Client) Name() string { return providerName }

// Validate checks credentials and connectivity with GET /v1/models.
func (c *Client) Validate(ctx context.Context) error {
	_, err := c.client.Models.List(ctx, anthropicSDK.ModelListParams{
		Limit: anthropicSDK.Int(1),
	})
	if err != nil {
		return toClientError(err)
	}
	return nil
}

// StreamChat opens the upstream stream. The first event is awaited
// synchronously so connection-phase failures surface as a returned error.
func (c *Client) StreamChat(
	ctx context.Context,
	msgs []providers.ChatMessage,
	params map[string]any,
	requestID string,
) (<-chan providers.StreamEvent, error) {
	sdkParams := c.buildParams(msgs, params)

	stream := c.client.Messages.NewStreaming(ctx, sdkParams)

	if !stream.Next() {
		if err := stream.Err(); err != nil {
			return nil, toClientError(err)
		}
		ch := make(chan providers.StreamEvent, 1)
		ch <- providers.StreamEvent{Raw: "[DONE]", Done: true}
		close(ch)
		return ch, nil
	}

	first := stream.Current()

	ch := make(chan providers.StreamEvent, 64)
	go func() {
		defer close(ch)

		if done := emit(ch, first); done {
			return
		}
		for stream.Next() {
			if done := emit(ch, stream.Current()); done {
				return
			}
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

// emit normalizes one SDK event onto ch. Returns true when the upstream's
// terminal sentinel (message_stop) has been forwarded.
func emit(ch chan<- providers.StreamEvent, ev anthropicSDK.MessageStreamEventUnion) bool {
	raw := ev.RawJSON()

	switch variant := ev.AsAny().(type) {
	case anthropicSDK.ContentBlockDeltaEvent:
		if delta, ok := variant.Delta.AsAny().(anthropicSDK.TextDelta); ok {
			ch <- providers.StreamEvent{
				Choices: []providers.Choice{{Delta: providers.Delta{Content: delta.Text}}},
				Raw:     raw,
			}
			return false
		}
		ch <- providers.StreamEvent{Raw: raw}

	case anthropicSDK.MessageDeltaEvent:
		ev := providers.StreamEvent{Raw: raw}
		if variant.Delta.StopReason != "" {
			ev.Choices = []providers.Choice{{FinishReason: string(variant.Delta.StopReason)}}
		}
		if variant.Usage.OutputTokens > 0 {
			ev.Usage = &providers.Usage{CompletionTokens: int(variant.Usage.OutputTokens)}
		}
		ch <- ev

	case anthropicSDK.MessageStopEvent:
		ch <- providers.StreamEvent{Raw: raw, Done: true}
		return true

	default:
		// message_start, content_block_start/stop, ping — pass through raw.
		ch <- providers.StreamEvent{Raw: raw}
	}

	return false
}

// buildParams maps the allow-listed subset of caller params onto the SDK's
// typed request; system messages fold into the system prompt.
func (c *Client) buildParams(msgs []providers.ChatMessage, params map[string]any) anthropicSDK.MessageNewParams {
	var systemPrompt string
	sdkMsgs := make([]anthropicSDK.MessageParam, 0, len(msgs))

	for _, m := range msgs {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		case "assistant", "model":
			sdkMsgs = append(sdkMsgs, anthropicSDK.NewAssistantMessage(anthropicSDK.NewTextBlock(m.Content)))
		default:
			sdkMsgs = append(sdkMsgs, anthropicSDK.NewUserMessage(anthropicSDK.NewTextBlock(m.Content)))
		}
	}

	out := anthropicSDK.MessageNewParams{
		Model:     anthropicSDK.Model(c.defaultModel),
		MaxTokens: defaultMaxTokens,
		Messages:  sdkMsgs,
	}

	if m, ok := params["model"].(string); ok && m != "" {
		out.Model = anthropicSDK.Model(m)
	}
	if v, ok := floatParam(params, "temperature"); ok {
		out.Temperature = anthropicSDK.Float(v)
	}
	if v, ok := floatParam(params, "top_p"); ok {
		out.TopP = anthropicSDK.Float(v)
	}
	if v, ok := floatParam(params, "max_tokens"); ok && v > 0 {
		out.MaxTokens = int64(v)
	}
	if systemPrompt != "" {
		out.System = []anthropicSDK.TextBlockParam{{Text: systemPrompt}}
	}

	return out
}

func toClientError(err error) error {
	var apiErr *anthropicSDK.Error
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
