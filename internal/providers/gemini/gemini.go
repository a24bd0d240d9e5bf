// Package gemini implements a StreamClient on the official Google GenAI SDK.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/relaygate/relaygate/internal/providers"
)

const (
	providerName = "gemini"
	defaultModel = "gemini-2.0-flash"
)

// Client streams chat completions from the Gemini API.
type Client struct {
	apiKey       string
	baseURL      string
	defaultModel string
	client       *genai.Client
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

// New creates a Gemini client. Returns an error when the SDK client cannot
// be constructed (bad base URL, missing key).
func New(ctx context.Context, apiKey string, opts ...Option) (*Client, error) {
	c := &Client{
		apiKey:       apiKey,
		defaultModel: defaultModel,
	}
	for _, o := range opts {
		o(c)
	}

	cfg := &genai.ClientConfig{
		APIKey:     c.apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: providers.ReadTimeout},
	}
	if c.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: c.baseURL}
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	c.client = client
	return c, nil
}

func (c *Client) Name() string { return providerName }

// Validate checks credentials and connectivity by listing one model.
func (c *Client) Validate(ctx context.Context) error {
	_, err := c.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	if err != nil {
		return toClientError(err)
	}
	return nil
}

// StreamChat opens the upstream stream. The first chunk is awaited
// synchronously so connection-phase failures surface as a returned error.
func (c *Client) StreamChat(
	ctx context.Context,
	msgs []providers.ChatMessage,
	params map[string]any,
	requestID string,
) (<-chan providers.StreamEvent, error) {
	model := c.defaultModel
	if m, ok := params["model"].(string); ok && m != "" {
		model = m
	}

	contents, cfg := buildContentsAndConfig(msgs, params)

	next, stop := iter.Pull2(c.client.Models.GenerateContentStream(ctx, model, contents, cfg))

	resp, err, ok := next()
	if !ok {
		stop()
		ch := make(chan providers.StreamEvent, 1)
		ch <- providers.StreamEvent{Raw: "[DONE]", Done: true}
		close(ch)
		return ch, nil
	}
	if err != nil {
		stop()
		return nil, toClientError(err)
	}

	ch := make(chan providers.StreamEvent, 64)
	go func() {
		defer close(ch)
		defer stop()

		for {
			if err != nil {
				ch <- providers.StreamEvent{
					Err: (&providers.StreamError{Provider: providerName, Message: err.Error()}).Error(),
				}
				return
			}
			ch <- toEvent(resp, requestID, model)

			resp, err, ok = next()
			if !ok {
				ch <- providers.StreamEvent{Raw: "[DONE]", Done: true}
				return
			}
		}
	}()

	return ch, nil
}

func buildContentsAndConfig(msgs []providers.ChatMessage, params map[string]any) ([]*genai.Content, *genai.GenerateContentConfig) {
	var systemPrompt string
	contents := make([]*genai.Content, 0, len(msgs))

	for _, m := range msgs {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		case "assistant", "model":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	var cfg *genai.GenerateContentConfig
	ensure := func() *genai.GenerateContentConfig {
		if cfg == nil {
			cfg = &genai.GenerateContentConfig{}
		}
		return cfg
	}

	if systemPrompt != "" {
		ensure().SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemPrompt}},
		}
	}
	if v, ok := floatParam(params, "temperature"); ok {
		ensure().Temperature = genai.Ptr[float32](float32(v))
	}
	if v, ok := floatParam(params, "top_p"); ok {
		ensure().TopP = genai.Ptr[float32](float32(v))
	}
	if v, ok := floatParam(params, "max_tokens"); ok && v > 0 {
		ensure().MaxOutputTokens = int32(v)
	}

	return contents, cfg
}

func toEvent(resp *genai.GenerateContentResponse, requestID, model string) providers.StreamEvent {
	ev := providers.StreamEvent{Model: model}

	if resp == nil {
		return ev
	}
	if resp.ResponseID != "" {
		ev.ID = resp.ResponseID
	} else {
		ev.ID = requestID
	}

	if raw, err := json.Marshal(resp); err == nil {
		ev.Raw = string(raw)
	}

	if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
		cand := resp.Candidates[0]
		choice := providers.Choice{Delta: providers.Delta{Content: candidateText(cand)}}
		if cand.FinishReason != "" {
			choice.FinishReason = string(cand.FinishReason)
		}
		ev.Choices = []providers.Choice{choice}
	}

	if resp.UsageMetadata != nil {
		ev.Usage = &providers.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}

	return ev
}

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

func toClientError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden {
			return &providers.CredentialError{
				Provider: providerName,
				Message:  fmt.Sprintf("key rejected (status %d)", apiErr.Code),
			}
		}
		return &providers.ConnectivityError{
			Provider: providerName,
			Status:   apiErr.Code,
			Message:  apiErr.Message,
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
