package main

import (
	"fmt"
	"log/slog"

	"github.com/aretw0/espalier"
	"github.com/aretw0/espalier/internal/config"
	"github.com/aretw0/espalier/internal/content"
	"github.com/aretw0/espalier/internal/logging"
	"github.com/aretw0/espalier/pkg/adapters/file"
	"github.com/aretw0/espalier/pkg/adapters/memory"
	"github.com/aretw0/espalier/pkg/adapters/openai"
	redisadapter "github.com/aretw0/espalier/pkg/adapters/redis"
	"github.com/aretw0/espalier/pkg/adapters/search"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/persistence/middleware"
	"github.com/aretw0/espalier/pkg/ports"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// app is the wiring shared by every command.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   ports.SnapshotStore
	locker  ports.Locker
	closers []func() error
}

// newApp loads the configuration, applies flag overrides and opens the store.
func newApp(cmd *cobra.Command) (*app, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	overrides := map[string]*string{
		"log-level":  &cfg.Log.Level,
		"log-format": &cfg.Log.Format,
		"store":      &cfg.Store.Kind,
		"store-path": &cfg.Store.Path,
		"redis-addr": &cfg.Store.RedisAddr,
	}
	for name, field := range overrides {
		if cmd.Flags().Changed(name) {
			*field, _ = cmd.Flags().GetString(name)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}

	level, _ := logging.ParseLevel(cfg.Log.Level)
	a := &app{
		cfg:    cfg,
		logger: logging.New(level, logging.Format(cfg.Log.Format)),
	}
	if err := a.openStore(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) openStore() error {
	switch a.cfg.Store.Kind {
	case config.StoreMemory:
		a.store = memory.NewStore()
		a.locker = memory.NewLocker()
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{Addr: a.cfg.Store.RedisAddr})
		a.store = redisadapter.NewFromClient(client,
			redisadapter.WithPrefix(a.cfg.Store.RedisPrefix),
			redisadapter.WithTTL(a.cfg.Store.TTL),
		)
		a.locker = redisadapter.NewLocker(client, a.cfg.Store.RedisPrefix)
		a.closers = append(a.closers, client.Close)
	default:
		a.store = file.New(a.cfg.Store.Path)
		a.locker = memory.NewLocker()
	}

	if a.cfg.Store.EncryptionKey == "" {
		return nil
	}
	seal, err := a.encryption()
	if err != nil {
		a.Close()
		return fmt.Errorf("invalid %s: %w", config.EnvStoreKey, err)
	}
	a.store = middleware.Chain(a.store, seal)
	return nil
}

func (a *app) encryption() (middleware.Middleware, error) {
	active, err := middleware.ParseKey(a.cfg.Store.EncryptionKey)
	if err != nil {
		return nil, err
	}
	cfg := middleware.EncryptionConfig{ActiveKey: active}
	for _, k := range a.cfg.Store.FallbackKeys {
		key, err := middleware.ParseKey(k)
		if err != nil {
			return nil, fmt.Errorf("fallback key: %w", err)
		}
		cfg.FallbackKeys = append(cfg.FallbackKeys, key)
	}
	return middleware.NewEncryptionMiddleware(cfg)
}

// Close releases the store connection.
func (a *app) Close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.logger.Warn("Failed to close resource", "err", err)
		}
	}
}

// providers returns the real API clients, or offline fakes for dry runs.
func (a *app) providers(dryRun bool) (content.Providers, error) {
	if dryRun {
		return content.FakeProviders(), nil
	}
	if err := a.cfg.RequireKeys(); err != nil {
		return content.Providers{}, err
	}

	p := a.cfg.Providers
	text := openai.New(p.OpenAIKey,
		openai.WithBaseURL(p.OpenAIBaseURL),
		openai.WithModel(p.TextModel),
		openai.WithSpeechModel(p.SpeechModel),
	)
	searcher := search.New(p.SearchKey, search.WithBaseURL(p.SearchBaseURL))
	return content.Providers{
		Text:   text,
		Judge:  openai.New(p.OpenAIKey, openai.WithBaseURL(p.OpenAIBaseURL), openai.WithModel(p.JudgeModel)),
		Search: searcher,
		Images: searcher,
		Speech: text,
	}, nil
}

// engine wires the content pipeline into an espalier engine.
func (a *app) engine(dryRun bool, hooks domain.LifecycleHooks) (*espalier.Engine, content.Services, error) {
	providers, err := a.providers(dryRun)
	if err != nil {
		return nil, content.Services{}, err
	}
	services, err := content.NewServices(a.cfg, a.logger)
	if err != nil {
		return nil, content.Services{}, err
	}
	g, err := content.NewPipeline(a.cfg, providers, services, content.WithLogger(a.logger)).Graph()
	if err != nil {
		return nil, content.Services{}, err
	}

	e := espalier.New(g,
		espalier.WithStore(a.store),
		espalier.WithLocker(a.locker),
		espalier.WithLifecycleHooks(hooks),
		espalier.WithLogger(a.logger),
	)
	return e, services, nil
}
