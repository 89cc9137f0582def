package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openunify/openunify/pkg/cache"
	"github.com/openunify/openunify/pkg/config"
	"github.com/openunify/openunify/pkg/credentials"
	"github.com/openunify/openunify/pkg/definitions"
	"github.com/openunify/openunify/pkg/engine"
	"github.com/openunify/openunify/pkg/policy"
	"github.com/openunify/openunify/pkg/sandbox"
	"github.com/openunify/openunify/pkg/stores"
	"github.com/openunify/openunify/pkg/telemetry"
	"github.com/openunify/openunify/pkg/unified"
	"github.com/rs/zerolog/log"
)

// app is the engine assembled from a config file.
type app struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	store  *stores.SQLiteStore
	cache  *cache.Cache
	policy *policy.Engine
	repo   *definitions.Repository

	// creds is nil when no secrets key is configured.
	creds *credentials.Manager
	orch  *engine.Orchestrator
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.LogLevel = "debug"
	}
	return cfg, nil
}

// openStore opens the SQLite store and brings its schema up to date.
func openStore(ctx context.Context, cfg *config.Config) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:         cfg.Store.Path,
		MaxOpenConns: cfg.Store.MaxOpenConns,
	})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// openApp builds every component from the config file. When requireSecrets
// is set a missing secrets key is an error; otherwise the credential manager
// is left out and only calls with an inline secret work.
func openApp(ctx context.Context, requireSecrets bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(cfg.TelemetryConfig(""))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if cfg.Telemetry.Events {
		tel.Events.Subscribe(telemetry.LogEvents(tel.Logger))
	}
	a := &app{cfg: cfg, tel: tel}

	if err := a.build(ctx, requireSecrets); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context, requireSecrets bool) error {
	cfg := a.cfg
	logger := a.tel.Logger

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	a.store = store

	remote, err := a.remoteCache(ctx)
	if err != nil {
		return err
	}
	a.cache, err = cache.New(cache.Options{
		LocalSize:   cfg.Cache.LocalSize,
		LocalTTL:    cfg.Cache.LocalTTL.Std(),
		LoadTimeout: cfg.Cache.LoadTimeout.Std(),
		Remote:      remote,
		Logger:      logger,
		Metrics:     a.tel.Metrics,
	})
	if err != nil {
		if remote != nil {
			_ = remote.Close()
		}
		return fmt.Errorf("failed to create cache: %w", err)
	}

	a.policy, err = policy.NewEngine(*logger.Zerolog())
	if err != nil {
		return fmt.Errorf("failed to create policy engine: %w", err)
	}
	if cfg.Policy.DisableBuiltin {
		for _, p := range policy.GetBuiltinPolicies() {
			if err := a.policy.SetEnabled(p.Name, false); err != nil {
				return err
			}
		}
	}
	if len(cfg.Policy.Paths) > 0 {
		if err := a.policy.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
			return err
		}
	}

	a.repo, err = definitions.NewRepository(definitions.RepositoryOptions{
		Store: store,
		Cache: a.cache,
		TTLs: definitions.TTLs{
			ConnectionDefinition: cfg.Cache.TTL.ConnectionDefinition.Std(),
			ModelDefinition:      cfg.Cache.TTL.ModelDefinition.Std(),
			OAuthDefinition:      cfg.Cache.TTL.OAuthDefinition.Std(),
			CommonModel:          cfg.Cache.TTL.CommonModel.Std(),
		},
		Policy: a.policy,
		Logger: logger,
		Events: a.tel.Events,
	})
	if err != nil {
		return fmt.Errorf("failed to create repository: %w", err)
	}

	if err := a.buildCredentials(requireSecrets); err != nil {
		return err
	}

	executor := unified.NewExecutor(unified.Options{
		RequestTimeout:   cfg.HTTP.RequestTimeout.Std(),
		MaxResponseBytes: cfg.HTTP.MaxResponseBytes,
		Sink:             a.repo,
		Logger:           logger,
		Metrics:          a.tel.Metrics,
		Tracer:           a.tel.Tracer,
	})

	opts := engine.Options{
		Definitions: a.repo,
		Executor:    executor,
		Logger:      logger,
		Metrics:     a.tel.Metrics,
		Tracer:      a.tel.Tracer,
		Events:      a.tel.Events,
	}
	if a.creds != nil {
		opts.Credentials = a.creds
	}
	a.orch, err = engine.NewOrchestrator(opts)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	return nil
}

// remoteCache returns the configured distributed cache tier, or nil.
func (a *app) remoteCache(ctx context.Context) (cache.Backend, error) {
	switch a.cfg.Cache.Backend {
	case "redis":
		backend, err := cache.NewRedisBackend(ctx, a.cfg.Cache.RedisURL, a.cfg.Cache.Prefix)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return backend, nil
	case "sqlite":
		table, err := stores.NewCacheTable(a.store)
		if err != nil {
			return nil, fmt.Errorf("failed to open cache table: %w", err)
		}
		return table, nil
	default:
		return nil, nil
	}
}

func (a *app) buildCredentials(requireSecrets bool) error {
	key, err := a.cfg.SecretKey()
	if err != nil {
		if requireSecrets {
			return err
		}
		log.Debug().Err(err).Msg("Credential manager disabled")
		return nil
	}

	secrets, err := stores.NewSecretStore(a.store, key)
	if err != nil {
		return fmt.Errorf("failed to open secret store: %w", err)
	}

	sb := sandbox.New(sandbox.Options{
		Timeout:  a.cfg.Sandbox.Timeout.Std(),
		MaxSteps: a.cfg.Sandbox.MaxSteps,
		Logger:   a.tel.Logger,
		Metrics:  a.tel.Metrics,
		Tracer:   a.tel.Tracer,
	})

	a.creds, err = credentials.NewManager(credentials.Options{
		Store:          secrets,
		Definitions:    a.repo,
		Sandbox:        sb,
		Tokens:         credentials.NewTokenClient(nil, a.cfg.Credentials.TokenTimeout.Std()),
		GuardWindow:    a.cfg.Credentials.GuardWindow.Std(),
		RefreshTimeout: a.cfg.Credentials.RefreshTimeout.Std(),
		Logger:         a.tel.Logger,
		Metrics:        a.tel.Metrics,
		Tracer:         a.tel.Tracer,
		Events:         a.tel.Events,
	})
	if err != nil {
		return fmt.Errorf("failed to create credential manager: %w", err)
	}
	return nil
}

// Close releases the cache, the store and flushes telemetry.
func (a *app) Close() {
	var errs []error
	if a.cache != nil {
		errs = append(errs, a.cache.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errs = append(errs, a.tel.Shutdown(ctx))

	if err := errors.Join(errs...); err != nil {
		log.Warn().Err(err).Msg("Shutdown incomplete")
	}
}
