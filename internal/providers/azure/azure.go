// Package azure implements a StreamClient for Azure OpenAI deployments.
//
// Azure speaks the OpenAI SSE wire format but scopes requests to a named
// deployment and authenticates with an "api-key" header. The client talks
// raw HTTP so every upstream line can be preserved verbatim in StreamEvent.Raw.
package azure

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/relaygate/relaygate/internal/providers"
)

const providerName = "azure"

// defaultAPIVersion tracks the Azure OpenAI preview API.
const defaultAPIVersion = "2024-12-01-preview"

// paramAllowList is the set of caller-supplied parameters Azure's
// chat/completions understands. Unknown keys are dropped, never forwarded.
var paramAllowList = map[string]struct{}{
	"temperature":       {},
	"top_p":             {},
	"n":                 {},
	"presence_penalty":  {},
	"frequency_penalty": {},
	"max_tokens":        {},
	"stop":              {},
	"logit_bias":        {},
	"seed":              {},
	"response_format":   {},
	"stream_options":    {},
}

// defaultParams are merged under caller params on every request.
var defaultParams = map[string]any{
	"temperature": 0.1,
	"top_p":       1,
	"n":           1,
}

// Client streams chat completions from one Azure OpenAI deployment.
type Client struct {
	endpoint   string
	deployment string
	apiKey     string
	apiVersion string
	client     *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithAPIVersion overrides the default api-version query parameter.
func WithAPIVersion(v string) Option {
	return func(c *Client) { c.apiVersion = v }
}

// New creates an Azure OpenAI client for the given deployment.
func New(endpoint, deployment, apiKey string, opts ...Option) *Client {
	c := &Client{
		endpoint:   strings.TrimRight(endpoint, "/"),
		deployment: deployment,
		apiKey:     apiKey,
		apiVersion: defaultAPIVersion,
		client: &http.Client{
			Timeout: providers.ReadTimeout,
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: providers.ConnectTimeout}).DialContext,
				ResponseHeaderTimeout: providers.ConnectTimeout * 3,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) Name() string { return providerName }

// Validate checks credentials and connectivity with a minimal non-streaming
// completion probe. Side-effect free from the relay's point of view.
func (c *Client) Validate(ctx context.Context) error {
	body := []byte(`{"messages":[{"role":"user","content":"ping"}],"max_tokens":1}`)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.completionsURL(), bytes.NewReader(body))
	if err != nil {
		return &providers.ConnectivityError{Provider: providerName, Message: err.Error()}
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return &providers.ConnectivityError{Provider: providerName, Message: err.Error()}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK, resp.StatusCode == http.StatusTooManyRequests:
		return nil
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return &providers.CredentialError{
			Provider: providerName,
			Message:  fmt.Sprintf("key rejected (status %d)", resp.StatusCode),
		}
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
		return &providers.ConnectivityError{
			Provider: providerName,
			Status:   resp.StatusCode,
			Message:  string(snippet),
		}
	}
}

// StreamChat opens the upstream stream and feeds normalized events into the
// returned channel. Connection establishment is retried with exponential
// backoff for retryable statuses; once a 200 arrives nothing is retried.
func (c *Client) StreamChat(
	ctx context.Context,
	msgs []providers.ChatMessage,
	params map[string]any,
	requestID string,
) (<-chan providers.StreamEvent, error) {
	payload := map[string]any{
		"messages": msgs,
		"stream":   true,
	}
	for k, v := range defaultParams {
		payload[k] = v
	}
	for k, v := range filterParams(params) {
		payload[k] = v
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("azure: marshal request: %w", err)
	}

	resp, err := c.connect(ctx, body, requestID)
	if err != nil {
		return nil, err
	}

	ch := make(chan providers.StreamEvent, 64)
	go c.scan(resp, ch)
	return ch, nil
}

// connect performs the connection-establishment phase with bounded retries.
// Only idempotent-safe initiation is retried; no bytes have been streamed yet
// when a retry fires.
func (c *Client) connect(ctx context.Context, body []byte, requestID string) (*http.Response, error) {
	backoff := 500 * time.Millisecond
	var lastErr error

	for attempt := 0; attempt < providers.MaxConnectAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, &providers.ConnectivityError{Provider: providerName, Message: ctx.Err().Error()}
			}
			backoff *= 2
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.completionsURL(), bytes.NewReader(body))
		if err != nil {
			return nil, &providers.ConnectivityError{Provider: providerName, Message: err.Error()}
		}
		c.setHeaders(req)
		req.Header.Set("Accept", "text/event-stream")
		if requestID != "" {
			req.Header.Set("X-Request-ID", requestID)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = &providers.ConnectivityError{Provider: providerName, Message: err.Error()}
			continue
		}

		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}

		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
		resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, &providers.CredentialError{
				Provider: providerName,
				Message:  fmt.Sprintf("key rejected (status %d)", resp.StatusCode),
			}
		}

		lastErr = &providers.ConnectivityError{
			Provider: providerName,
			Status:   resp.StatusCode,
			Message:  string(snippet),
		}
		if !providers.RetryableStatus(resp.StatusCode) {
			return nil, lastErr
		}
	}

	return nil, lastErr
}

// scan reads the SSE body line by line and normalizes each chunk.
// Lines that do not parse are forwarded as Raw-only events — the relay must
// see every byte the upstream sent.
func (c *Client) scan(resp *http.Response, ch chan<- providers.StreamEvent) {
	defer resp.Body.Close()
	defer close(ch)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		if !strings.HasPrefix(line, "data: ") {
			ch <- providers.StreamEvent{Raw: line}
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		if data == "[DONE]" {
			ch <- providers.StreamEvent{Raw: data, Done: true}
			return
		}

		var parsed struct {
			ID      string             `json:"id"`
			Model   string             `json:"model"`
			Choices []providers.Choice `json:"choices"`
			Usage   *providers.Usage   `json:"usage"`
		}
		if err := json.Unmarshal([]byte(data), &parsed); err != nil {
			// Unparseable chunks are still forwarded verbatim; only the
			// accumulator skips them.
			ch <- providers.StreamEvent{Raw: data}
			continue
		}

		ch <- providers.StreamEvent{
			ID:      parsed.ID,
			Model:   parsed.Model,
			Choices: parsed.Choices,
			Usage:   parsed.Usage,
			Raw:     data,
		}
	}

	if err := scanner.Err(); err != nil {
		ch <- providers.StreamEvent{Err: (&providers.StreamError{Provider: providerName, Message: err.Error()}).Error()}
	}
}

func (c *Client) completionsURL() string {
	return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		c.endpoint, c.deployment, c.apiVersion)
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
}

func filterParams(params map[string]any) map[string]any {
	if len(params) == 0 {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		if _, ok := paramAllowList[k]; ok && v != nil {
			out[k] = v
		}
	}
	return out
}
