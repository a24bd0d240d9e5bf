package registry_test

import (
	"context"
	"errors"
	"testing"

	"github.com/relaygate/relaygate/internal/providers"
	"github.com/relaygate/relaygate/internal/registry"
)

// stubClient is a minimal StreamClient with an optional validation failure.
type stubClient struct {
	name        string
	validateErr error
}

func (s *stubClient) Name() string { return s.name }

func (s *stubClient) StreamChat(context.Context, []providers.ChatMessage, map[string]any, string) (<-chan providers.StreamEvent, error) {
	ch := make(chan providers.StreamEvent)
	close(ch)
	return ch, nil
}

func (s *stubClient) Validate(context.Context) error { return s.validateErr }

func candidate(name string, configured bool, client *stubClient, newErr error) registry.Candidate {
	return registry.Candidate{
		Name:       name,
		Configured: func() bool { return configured },
		New: func(context.Context) (providers.StreamClient, error) {
			if newErr != nil {
				return nil, newErr
			}
			return client, nil
		},
	}
}

func TestBootstrap_SelectsRequested(t *testing.T) {
	r := registry.New(nil)
	cands := []registry.Candidate{
		candidate("azure", true, &stubClient{name: "azure"}, nil),
		candidate("openai", true, &stubClient{name: "openai"}, nil),
	}

	if err := r.Bootstrap(context.Background(), cands, "openai"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := r.Active().Name(); got != "openai" {
		t.Errorf("expected active 'openai', got %q", got)
	}
}

func TestBootstrap_SkipsUnconfigured(t *testing.T) {
	r := registry.New(nil)
	cands := []registry.Candidate{
		candidate("azure", false, &stubClient{name: "azure"}, nil),
		candidate("openai", true, &stubClient{name: "openai"}, nil),
	}

	if err := r.Bootstrap(context.Background(), cands, "openai"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := r.Names(); len(got) != 1 || got[0] != "openai" {
		t.Errorf("expected only 'openai' registered, got %v", got)
	}
}

func TestBootstrap_ValidationFailureSkipsProvider(t *testing.T) {
	r := registry.New(nil)
	cands := []registry.Candidate{
		candidate("azure", true, &stubClient{name: "azure", validateErr: errors.New("bad key")}, nil),
		candidate("openai", true, &stubClient{name: "openai"}, nil),
	}

	// The failing provider is skipped; selecting it must be a config error.
	err := r.Bootstrap(context.Background(), cands, "azure")
	var cfgErr *registry.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %T: %v", err, err)
	}
}

func TestBootstrap_ConstructionFailureNotFatal(t *testing.T) {
	r := registry.New(nil)
	cands := []registry.Candidate{
		candidate("azure", true, nil, errors.New("boom")),
		candidate("openai", true, &stubClient{name: "openai"}, nil),
	}

	if err := r.Bootstrap(context.Background(), cands, "openai"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSelect_NoFallback(t *testing.T) {
	r := registry.New(nil)
	r.Register(&stubClient{name: "azure"})

	var cfgErr *registry.ConfigError
	if err := r.Select("gemini"); !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError for absent provider, got %v", err)
	}
	if err := r.Select(""); !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError for empty selection, got %v", err)
	}
}

func TestActive_PanicsBeforeSelect(t *testing.T) {
	r := registry.New(nil)
	r.Register(&stubClient{name: "azure"})

	defer func() {
		if recover() == nil {
			t.Error("expected panic from Active before Select")
		}
	}()
	r.Active()
}

func TestRegister_LastWins(t *testing.T) {
	r := registry.New(nil)
	first := &stubClient{name: "azure"}
	second := &stubClient{name: "azure"}
	r.Register(first)
	r.Register(second)

	if err := r.Select("azure"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Active() != second {
		t.Error("expected the later registration to win")
	}
}
