package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/relaygate/relaygate/internal/auth"
	"github.com/relaygate/relaygate/internal/chatlog"
	"github.com/relaygate/relaygate/internal/keystore"
	"github.com/relaygate/relaygate/internal/providers"
	"github.com/relaygate/relaygate/internal/registry"
)

// scriptedClient is a StreamClient whose stream is a fixed event script.
// An optional gate pauses emission after the first event so tests can
// interleave client-side actions mid-stream.
type scriptedClient struct {
	events     []providers.StreamEvent
	connectErr error
	gate       chan struct{}

	gotMsgs   []providers.ChatMessage
	gotParams map[string]any
}

func (s *scriptedClient) Name() string { return "scripted" }

func (s *scriptedClient) StreamChat(ctx context.Context, msgs []providers.ChatMessage, params map[string]any, _ string) (<-chan providers.StreamEvent, error) {
	s.gotMsgs = msgs
	s.gotParams = params
	if s.connectErr != nil {
		return nil, s.connectErr
	}

	ch := make(chan providers.StreamEvent)
	go func() {
		defer close(ch)
		for i, ev := range s.events {
			if i == 1 && s.gate != nil {
				<-s.gate
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func delta(text string) providers.StreamEvent {
	raw := fmt.Sprintf(`{"choices":[{"delta":{"content":%q}}]}`, text)
	return providers.StreamEvent{
		Choices: []providers.Choice{{Delta: providers.Delta{Content: text}}},
		Raw:     raw,
	}
}

func doneEvent() providers.StreamEvent {
	return providers.StreamEvent{Raw: "[DONE]", Done: true}
}

// newTestServer wires a Server around a scripted provider, a memory key
// store seeded with "abc" → (7, alice), and a memory chat log.
func newTestServer(t *testing.T, client providers.StreamClient) (*Server, *chatlog.MemoryWriter) {
	t.Helper()

	reg := registry.New(nil)
	reg.Register(client)
	if err := reg.Select(client.Name()); err != nil {
		t.Fatalf("select: %v", err)
	}

	store := keystore.NewMemoryStore()
	store.Put("abc", keystore.Record{ID: 7, Name: "alice", Active: true})

	turns := chatlog.NewMemoryWriter()
	s := New(reg, auth.NewCache(store, nil), turns, Options{Version: "test"})
	return s, turns
}

// serve starts the full handler on an in-memory listener and returns an
// HTTP client bound to it.
func serve(t *testing.T, s *Server) *http.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	go func() {
		_ = fasthttp.Serve(ln, s.Handler(nil))
	}()
	t.Cleanup(func() { ln.Close() })

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
}

// sseFrames splits an SSE body into its data payloads.
func sseFrames(body string) []string {
	var frames []string
	for _, block := range strings.Split(body, "\n\n") {
		if strings.HasPrefix(block, "data: ") {
			frames = append(frames, strings.TrimPrefix(block, "data: "))
		}
	}
	return frames
}

// waitForTurns polls until the writer holds n turns or the deadline passes.
// The assistant turn is appended after the response body closes, so tests
// must tolerate a short lag.
func waitForTurns(t *testing.T, w *chatlog.MemoryWriter, n int) []chatlog.Turn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if turns := w.Turns(); len(turns) >= n {
			return turns
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d turns, have %d", n, len(w.Turns()))
	return nil
}

func postChat(t *testing.T, client *http.Client, key, body string) *http.Response {
	t.Helper()
	resp, err := client.Post(
		"http://relay/"+key+"/v1/chat/completions",
		"application/json",
		strings.NewReader(body),
	)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func TestChat_StreamHappyPath(t *testing.T) {
	client := &scriptedClient{events: []providers.StreamEvent{
		delta("He"), delta("llo"), doneEvent(),
	}}
	s, turns := newTestServer(t, client)
	httpc := serve(t, s)

	resp := postChat(t, httpc, "abc", `{"messages":[{"role":"user","content":"hi"}]}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("expected SSE content type, got %q", ct)
	}

	body, _ := io.ReadAll(resp.Body)
	frames := sseFrames(string(body))
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d: %q", len(frames), frames)
	}
	if !strings.Contains(frames[0], "He") || !strings.Contains(frames[1], "llo") {
		t.Errorf("frames out of order or missing: %q", frames)
	}
	if frames[2] != "[DONE]" {
		t.Errorf("expected terminal [DONE], got %q", frames[2])
	}

	got := waitForTurns(t, turns, 2)
	user, assistant := got[0], got[1]

	if user.Order != 0 || user.Role != "user" || user.Text != "hi" {
		t.Errorf("unexpected user turn: %+v", user)
	}
	if assistant.Order != 1 || assistant.Role != chatlog.RoleModel || assistant.Text != "Hello" {
		t.Errorf("unexpected assistant turn: %+v", assistant)
	}
	for _, turn := range got {
		if turn.KeyID != 7 || turn.SubjectName != "alice" {
			t.Errorf("turn missing identity attribution: %+v", turn)
		}
		if turn.ConversationID != user.ConversationID {
			t.Error("turns must share one conversation id")
		}
	}
}

func TestChat_InvalidKey(t *testing.T) {
	client := &scriptedClient{events: []providers.StreamEvent{doneEvent()}}
	s, turns := newTestServer(t, client)
	httpc := serve(t, s)

	resp := postChat(t, httpc, "wrong", `{"messages":[{"role":"user","content":"hi"}]}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	var envelope map[string]string
	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("bad error envelope: %v", err)
	}
	if envelope["error"] == "" {
		t.Errorf("expected flat error envelope, got %s", body)
	}

	if len(turns.Turns()) != 0 {
		t.Error("unauthorized requests must not write turns")
	}
	if client.gotMsgs != nil {
		t.Error("unauthorized requests must not reach the provider")
	}
}

func TestChat_ConnectErrorSurfacesInBand(t *testing.T) {
	client := &scriptedClient{connectErr: &providers.ConnectivityError{
		Provider: "scripted", Status: 500, Message: "upstream exploded",
	}}
	s, turns := newTestServer(t, client)
	httpc := serve(t, s)

	resp := postChat(t, httpc, "abc", `{"messages":[{"role":"user","content":"hi"}]}`)
	defer resp.Body.Close()

	// The user turn is already durable, so the failure arrives in-band.
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with in-band error, got %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	frames := sseFrames(string(body))
	if len(frames) != 2 {
		t.Fatalf("expected error frame + terminator, got %q", frames)
	}

	var frame struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal([]byte(frames[0]), &frame); err != nil {
		t.Fatalf("bad error frame: %v", err)
	}
	if frame.Error != "Upstream error" || !strings.Contains(frame.Detail, "upstream exploded") {
		t.Errorf("unexpected error frame: %+v", frame)
	}
	if frames[1] != "[DONE]" {
		t.Errorf("expected terminal frame, got %q", frames[1])
	}

	got := waitForTurns(t, turns, 2)
	if got[1].Role != chatlog.RoleModel || got[1].Text != "" {
		t.Errorf("expected empty assistant turn, got %+v", got[1])
	}
}

func TestChat_MidStreamError(t *testing.T) {
	client := &scriptedClient{events: []providers.StreamEvent{
		delta("He"),
		{Err: "stream: connection reset"},
		delta("NEVER"),
	}}
	s, turns := newTestServer(t, client)
	httpc := serve(t, s)

	resp := postChat(t, httpc, "abc", `{"messages":[{"role":"user","content":"hi"}]}`)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	frames := sseFrames(string(body))
	if len(frames) != 3 {
		t.Fatalf("expected delta + error + terminator, got %q", frames)
	}
	if !strings.Contains(frames[1], "Upstream error") {
		t.Errorf("expected error frame, got %q", frames[1])
	}

	got := waitForTurns(t, turns, 2)
	if got[1].Text != "He" {
		t.Errorf("expected partial text 'He' persisted, got %q", got[1].Text)
	}
}

func TestChat_DoneIsTerminal(t *testing.T) {
	client := &scriptedClient{events: []providers.StreamEvent{
		delta("He"), doneEvent(), delta("IGNORED"),
	}}
	s, turns := newTestServer(t, client)
	httpc := serve(t, s)

	resp := postChat(t, httpc, "abc", `{"messages":[{"role":"user","content":"hi"}]}`)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	frames := sseFrames(string(body))
	if len(frames) != 2 {
		t.Fatalf("expected nothing after [DONE], got %q", frames)
	}

	got := waitForTurns(t, turns, 2)
	if got[1].Text != "He" {
		t.Errorf("events after the sentinel must not be accumulated, got %q", got[1].Text)
	}
}

func TestChat_ClientDisconnectStillPersists(t *testing.T) {
	gate := make(chan struct{})
	client := &scriptedClient{
		gate: gate,
		events: []providers.StreamEvent{
			delta("He"), delta("llo"), doneEvent(),
		},
	}
	s, turns := newTestServer(t, client)
	httpc := serve(t, s)

	resp := postChat(t, httpc, "abc", `{"messages":[{"role":"user","content":"hi"}]}`)

	// Read the first frame, then drop the connection mid-stream.
	buf := make([]byte, 64)
	if _, err := resp.Body.Read(buf); err != nil {
		t.Fatalf("reading first frame: %v", err)
	}
	resp.Body.Close()
	close(gate)

	// Whatever was accumulated before (and while draining after) the
	// disconnect is still persisted.
	got := waitForTurns(t, turns, 2)
	if got[1].Role != chatlog.RoleModel || !strings.HasPrefix(got[1].Text, "He") {
		t.Errorf("expected accumulated text persisted after disconnect, got %+v", got[1])
	}
}

func TestChat_FiltersRolesAndLogsLastMessage(t *testing.T) {
	client := &scriptedClient{events: []providers.StreamEvent{doneEvent()}}
	s, turns := newTestServer(t, client)
	httpc := serve(t, s)

	body := `{
		"messages": [
			{"role":"system","content":"be terse"},
			{"role":"user","content":"first"},
			{"role":"assistant","content":"ok"},
			{"role":"user","content":"second"}
		],
		"model": "gpt-test",
		"temperature": 0.7
	}`
	resp := postChat(t, httpc, "abc", body)
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	if len(client.gotMsgs) != 3 {
		t.Fatalf("expected system message filtered out, got %+v", client.gotMsgs)
	}
	for _, m := range client.gotMsgs {
		if m.Role == "system" {
			t.Errorf("system message leaked to the provider: %+v", m)
		}
	}

	if client.gotParams["temperature"] != 0.7 {
		t.Errorf("expected temperature param forwarded, got %v", client.gotParams)
	}
	for _, reserved := range []string{"messages", "model", "stream"} {
		if _, ok := client.gotParams[reserved]; ok {
			t.Errorf("reserved key %q must not appear in params", reserved)
		}
	}

	got := waitForTurns(t, turns, 2)
	if got[0].Text != "second" {
		t.Errorf("expected last conversational message logged, got %q", got[0].Text)
	}
	if got[0].Model != "gpt-test" {
		t.Errorf("expected model recorded, got %q", got[0].Model)
	}
}

func TestChat_EmptyMessagesRejected(t *testing.T) {
	client := &scriptedClient{events: []providers.StreamEvent{doneEvent()}}
	s, turns := newTestServer(t, client)
	httpc := serve(t, s)

	resp := postChat(t, httpc, "abc", `{"messages":[{"role":"system","content":"only"}]}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if len(turns.Turns()) != 0 {
		t.Error("rejected requests must not write turns")
	}
}

func TestRoutes_ModelsAndShow(t *testing.T) {
	client := &scriptedClient{events: []providers.StreamEvent{doneEvent()}}
	s, _ := newTestServer(t, client)
	httpc := serve(t, s)

	resp, err := httpc.Get("http://relay/abc/api/models")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var listing struct {
		Models []struct {
			Name  string `json:"name"`
			Model string `json:"model"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		t.Fatalf("bad listing: %v", err)
	}
	if len(listing.Models) != 1 || listing.Models[0].Name != "alice" {
		t.Errorf("expected one model named after the identity, got %+v", listing.Models)
	}

	show, err := httpc.Post("http://relay/abc/api/show", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer show.Body.Close()
	if show.StatusCode != http.StatusOK {
		t.Errorf("expected 200 from /api/show, got %d", show.StatusCode)
	}
}

func TestRoutes_VersionRequiresAuth(t *testing.T) {
	client := &scriptedClient{events: []providers.StreamEvent{doneEvent()}}
	s, _ := newTestServer(t, client)
	httpc := serve(t, s)

	resp, err := httpc.Get("http://relay/wrong/api/version")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}

	ok, err := httpc.Get("http://relay/abc/api/version")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer ok.Body.Close()

	var v map[string]string
	if err := json.NewDecoder(ok.Body).Decode(&v); err != nil {
		t.Fatalf("bad version body: %v", err)
	}
	if v["version"] != "test" {
		t.Errorf("expected version 'test', got %q", v["version"])
	}
}

func TestRoutes_NotFoundEnvelope(t *testing.T) {
	client := &scriptedClient{events: []providers.StreamEvent{doneEvent()}}
	s, _ := newTestServer(t, client)
	httpc := serve(t, s)

	resp, err := httpc.Get("http://relay/nope")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if strings.TrimSpace(string(body)) != `{"error":"Not found"}` {
		t.Errorf("unexpected 404 body: %s", body)
	}
}

func TestRoutes_Health(t *testing.T) {
	client := &scriptedClient{events: []providers.StreamEvent{doneEvent()}}
	s, _ := newTestServer(t, client)
	httpc := serve(t, s)

	resp, err := httpc.Get("http://relay/health")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var h map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatalf("bad health body: %v", err)
	}
	if h["status"] != "ok" {
		t.Errorf("expected status ok, got %v", h)
	}
}
