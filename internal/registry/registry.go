// Package registry discovers which upstream clients are usable from the
// available credentials and exposes exactly one active client for the
// process lifetime.
//
// The registry is an explicit value constructed once at startup and injected
// into the request path — there is no package-level mutable state. Bootstrap
// is data-driven: each provider contributes a Candidate row, so adding a
// provider is a data change, not a code change.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/relaygate/relaygate/internal/providers"
)

// ConfigError means no usable provider could be resolved at startup.
// Fatal — the process must not come up without an active provider.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string { return "registry: " + e.Message }

// Candidate describes one provider the registry may bootstrap.
type Candidate struct {
	// Name is the unique provider name used for selection.
	Name string

	// Configured reports whether all required credential fields are present.
	// Unconfigured candidates are skipped silently.
	Configured func() bool

	// New constructs the client. Construction failures are logged and the
	// candidate is skipped; they are not fatal to startup.
	New func(ctx context.Context) (providers.StreamClient, error)
}

// Registry holds named clients and the selected active one.
type Registry struct {
	clients  map[string]providers.StreamClient
	active   string
	selected bool
	log      *slog.Logger
}

// New creates an empty Registry.
func New(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		clients: make(map[string]providers.StreamClient),
		log:     log,
	}
}

// Register adds a named client. The last registration for a name wins.
func (r *Registry) Register(c providers.StreamClient) {
	r.clients[c.Name()] = c
}

// Bootstrap instantiates and validates every configured candidate, then
// selects the requested provider. Construction and validation failures are
// logged, not fatal — unless the requested provider ends up unresolvable.
func (r *Registry) Bootstrap(ctx context.Context, candidates []Candidate, requested string) error {
	for _, cand := range candidates {
		if cand.Configured != nil && !cand.Configured() {
			continue
		}

		client, err := cand.New(ctx)
		if err != nil {
			r.log.Warn("provider construction failed",
				slog.String("provider", cand.Name),
				slog.String("error", err.Error()),
			)
			continue
		}

		if v, ok := client.(providers.Validator); ok {
			if err := v.Validate(ctx); err != nil {
				r.log.Warn("provider failed validation",
					slog.String("provider", cand.Name),
					slog.String("error", err.Error()),
				)
				continue
			}
		}

		r.Register(client)
		r.log.Info("provider registered", slog.String("provider", cand.Name))
	}

	return r.Select(requested)
}

// Select picks the active provider by name from the registered set.
// Fails fast: an absent name or an empty selection is a configuration error —
// there is no silent fallback to an arbitrary provider.
func (r *Registry) Select(name string) error {
	if name == "" {
		return &ConfigError{Message: fmt.Sprintf(
			"no provider selected; set LLM_PROVIDER to one of %v", r.Names())}
	}
	if _, ok := r.clients[name]; !ok {
		return &ConfigError{Message: fmt.Sprintf(
			"provider %q is not available; registered: %v", name, r.Names())}
	}
	r.active = name
	r.selected = true
	return nil
}

// Active returns the selected client. Calling it before a successful Select
// is a programming error, not a runtime condition, and panics.
func (r *Registry) Active() providers.StreamClient {
	if !r.selected {
		panic("registry: Active called before Select")
	}
	return r.clients[r.active]
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.clients))
	for n := range r.clients {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
