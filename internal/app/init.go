package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/relaygate/relaygate/internal/auth"
	"github.com/relaygate/relaygate/internal/chatlog"
	"github.com/relaygate/relaygate/internal/keystore"
	"github.com/relaygate/relaygate/internal/metrics"
	"github.com/relaygate/relaygate/internal/providers"
	anthropicprov "github.com/relaygate/relaygate/internal/providers/anthropic"
	azureprov "github.com/relaygate/relaygate/internal/providers/azure"
	geminiprov "github.com/relaygate/relaygate/internal/providers/gemini"
	openaiprov "github.com/relaygate/relaygate/internal/providers/openai"
	"github.com/relaygate/relaygate/internal/ratelimit"
	"github.com/relaygate/relaygate/internal/registry"
	"github.com/relaygate/relaygate/internal/relay"
)

// initInfra establishes external connections. Redis is required for the
// redis key store and for rate limiting; ClickHouse for the durable chat log.
func (a *App) initInfra(ctx context.Context) error {
	needRedis := a.cfg.Keystore.Mode == "redis" || a.cfg.RateLimit.RPMLimit > 0
	if needRedis {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	switch a.cfg.ChatLog.Mode {
	case "clickhouse":
		a.log.Info("connecting to clickhouse", slog.String("addr", a.cfg.ChatLog.Addr))

		w, err := chatlog.NewClickHouseWriter(ctx, chatlog.ClickHouseConfig{
			Addr:     a.cfg.ChatLog.Addr,
			Database: a.cfg.ChatLog.Database,
			Username: a.cfg.ChatLog.Username,
			Password: a.cfg.ChatLog.Password,
		})
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.chLog = w
		a.turns = w
		a.log.Info("clickhouse connected")

	case "memory":
		a.turns = chatlog.NewMemoryWriter()
		a.log.Info("chat log backend: memory (in-process, lost on restart)")
	}

	return nil
}

// initProviders bootstraps the registry from the candidate table and selects
// the configured provider. A misconfigured selection is fatal here, before
// the server binds its port.
func (a *App) initProviders(ctx context.Context) error {
	a.reg = registry.New(a.log)

	candidates := []registry.Candidate{
		{
			Name:       "azure",
			Configured: func() bool { return a.cfg.Azure.APIKey != "" && a.cfg.Azure.Endpoint != "" },
			New: func(context.Context) (providers.StreamClient, error) {
				var opts []azureprov.Option
				if a.cfg.Azure.APIVersion != "" {
					opts = append(opts, azureprov.WithAPIVersion(a.cfg.Azure.APIVersion))
				}
				return azureprov.New(a.cfg.Azure.Endpoint, a.cfg.Azure.Deployment, a.cfg.Azure.APIKey, opts...), nil
			},
		},
		{
			Name:       "openai",
			Configured: func() bool { return a.cfg.OpenAI.APIKey != "" },
			New: func(context.Context) (providers.StreamClient, error) {
				var opts []openaiprov.Option
				if a.cfg.OpenAI.BaseURL != "" {
					opts = append(opts, openaiprov.WithBaseURL(a.cfg.OpenAI.BaseURL))
				}
				if a.cfg.OpenAI.Model != "" {
					opts = append(opts, openaiprov.WithDefaultModel(a.cfg.OpenAI.Model))
				}
				return openaiprov.New(a.cfg.OpenAI.APIKey, opts...), nil
			},
		},
		{
			Name:       "anthropic",
			Configured: func() bool { return a.cfg.Anthropic.APIKey != "" },
			New: func(context.Context) (providers.StreamClient, error) {
				var opts []anthropicprov.Option
				if a.cfg.Anthropic.BaseURL != "" {
					opts = append(opts, anthropicprov.WithBaseURL(a.cfg.Anthropic.BaseURL))
				}
				if a.cfg.Anthropic.Model != "" {
					opts = append(opts, anthropicprov.WithDefaultModel(a.cfg.Anthropic.Model))
				}
				return anthropicprov.New(a.cfg.Anthropic.APIKey, opts...), nil
			},
		},
		{
			Name:       "gemini",
			Configured: func() bool { return a.cfg.Gemini.APIKey != "" },
			New: func(ctx context.Context) (providers.StreamClient, error) {
				var opts []geminiprov.Option
				if a.cfg.Gemini.BaseURL != "" {
					opts = append(opts, geminiprov.WithBaseURL(a.cfg.Gemini.BaseURL))
				}
				if a.cfg.Gemini.Model != "" {
					opts = append(opts, geminiprov.WithDefaultModel(a.cfg.Gemini.Model))
				}
				return geminiprov.New(ctx, a.cfg.Gemini.APIKey, opts...)
			},
		},
	}

	if err := a.reg.Bootstrap(ctx, candidates, a.cfg.Provider); err != nil {
		return err
	}

	a.log.Info("providers loaded",
		slog.Any("registered", a.reg.Names()),
		slog.String("active", a.cfg.Provider),
	)
	return nil
}

// initServices creates the key store, auth cache, rate limiter, and
// Prometheus metrics registry.
func (a *App) initServices(_ context.Context) error {
	var store keystore.Store
	switch a.cfg.Keystore.Mode {
	case "redis":
		store = keystore.NewRedisStore(a.rdb)
		a.log.Info("key store backend: redis")
	case "memory":
		mem, err := keystore.ParseMemoryStore(a.cfg.Keystore.Seed)
		if err != nil {
			return fmt.Errorf("key store seed: %w", err)
		}
		store = mem
		a.log.Info("key store backend: memory (in-process)", slog.Int("keys", len(a.cfg.Keystore.Seed)))
	}

	a.keys = auth.NewCache(store, a.log,
		auth.WithTTL(a.cfg.AuthCache.TTL),
		auth.WithMaxEntries(a.cfg.AuthCache.MaxEntries),
	)

	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		a.limit = ratelimit.NewLimiter(a.rdb, a.cfg.RateLimit.RPMLimit)
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	a.prom = metrics.New()

	return nil
}

// initRelay wires together the relay server with all configured subsystems.
func (a *App) initRelay(_ context.Context) error {
	a.server = relay.New(a.reg, a.keys, a.turns, relay.Options{
		Logger:  a.log,
		Limiter: a.limit,
		Metrics: a.prom,
		Version: a.version,
	})

	a.mgmt = &relay.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	return nil
}
