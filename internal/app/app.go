// Package app wires configuration into the running market data stack.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"ledgermarket/internal/config"
	"ledgermarket/internal/httpx"
	"ledgermarket/internal/importer"
	"ledgermarket/internal/jobs"
	"ledgermarket/internal/provider"
	"ledgermarket/internal/provider/alphavantage"
	"ledgermarket/internal/provider/cache"
	"ledgermarket/internal/provider/finnhub"
	"ledgermarket/internal/provider/ratelimit"
	"ledgermarket/internal/provider/registry"
	"ledgermarket/internal/reconciler"
	"ledgermarket/internal/store"
)

type App struct {
	Config     config.Config
	Log        *slog.Logger
	Store      *store.Store
	Cache      *cache.Layer
	Router     *registry.Router
	Importer   *importer.Importer
	Reconciler *reconciler.Reconciler
	Runner     *jobs.Runner

	redis *redis.Client
}

// Build opens the store and cache and registers both adapters. Adapters
// without an API key are registered anyway and report NotConfigured.
func Build(ctx context.Context, cfg config.Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	a := &App{Config: cfg, Log: log}

	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	a.Store = st

	cacheStore, err := a.cacheStore(ctx)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Cache = cache.New(cacheStore,
		cache.WithTTL(time.Duration(cfg.Cache.TTLSec)*time.Second),
		cache.WithLogger(log.With("component", "cache")))

	policy, err := Policy(cfg)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	keys := map[string]string{
		alphavantage.Name: cfg.Providers.AlphaVantage.APIKey,
		finnhub.Name:      cfg.Providers.Finnhub.APIKey,
	}
	creds := registry.LazyCredentials(func() map[string]bool {
		out := make(map[string]bool, len(keys))
		for name, key := range keys {
			out[name] = key != ""
		}
		return out
	})
	reg := registry.New(creds)
	a.Router = registry.NewRouter(reg, policy)

	adapters, err := a.adapters()
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	reg.Add(adapters...)

	mode, err := importer.ParseMode(cfg.Importer.Mode)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Importer = importer.New(st, a.Router,
		importer.WithMode(mode),
		importer.WithHomePair(cfg.Importer.HomeFrom, cfg.Importer.HomeTo),
		importer.WithConcurrency(cfg.Importer.Concurrency),
		importer.WithHistorical(cfg.Importer.Historical),
		importer.WithCache(a.Cache),
		importer.WithLogger(log.With("component", "importer")))
	a.Reconciler = reconciler.New(st, a.Cache, a.Router,
		reconciler.WithLogger(log.With("component", "reconciler")))
	a.Runner = jobs.NewRunner(cfg.Jobs.Workers,
		jobs.WithMaxAttempts(cfg.Jobs.MaxAttempts),
		jobs.WithRetryDelay(time.Duration(cfg.Jobs.RetryDelaySec)*time.Second),
		jobs.WithLogger(log.With("component", "jobs")))
	return a, nil
}

// Policy is the default routing table with the configured stock preference
// and route overrides applied.
func Policy(cfg config.Config) (registry.Policy, error) {
	overrides, err := registry.ParsePolicy(cfg.Routes)
	if err != nil {
		return nil, fmt.Errorf("routes: %w", err)
	}
	policy := registry.DefaultPolicy()
	if name := cfg.Providers.PreferredStocks; name != "" {
		if name != alphavantage.Name && name != finnhub.Name {
			return nil, fmt.Errorf("unknown stock provider %q", name)
		}
		policy = policy.Prefer(provider.ConceptStockPrices, name)
	}
	maps.Copy(policy, overrides)
	return policy, nil
}

func (a *App) cacheStore(ctx context.Context) (cache.Store, error) {
	c := a.Config.Cache
	switch c.Backend {
	case "", "memory":
		return cache.NewMemoryStore(uint(max(c.MaxItems, 1))), nil
	case "redis":
		client, err := cache.DialRedis(ctx, c.Redis.Addr, c.Redis.Password, c.Redis.DB)
		if err != nil {
			return nil, err
		}
		a.redis = client
		return cache.NewRedisStore(client, c.Redis.Prefix), nil
	default:
		return nil, fmt.Errorf("unsupported cache backend %q", c.Backend)
	}
}

func (a *App) adapters() ([]provider.Provider, error) {
	base := httpx.New(time.Duration(a.Config.Server.RequestTimeoutSec) * time.Second)
	header := http.Header{"Accept": []string{"application/json"}}
	fx := a.Router.FX()

	avCfg := a.Config.Providers.AlphaVantage
	avOpts := []alphavantage.Option{
		alphavantage.WithHTTPClient(gate(base, avCfg)),
		alphavantage.WithHeader(header),
		alphavantage.WithRateFetcher(fx),
	}
	if avCfg.BaseURL != "" {
		avOpts = append(avOpts, alphavantage.WithBaseURL(avCfg.BaseURL))
	}
	av, err := alphavantage.NewClient(avCfg.APIKey, avOpts...)
	if err != nil {
		return nil, fmt.Errorf("alpha vantage: %w", err)
	}

	fhCfg := a.Config.Providers.Finnhub
	fhOpts := []finnhub.Option{
		finnhub.WithHTTPClient(gate(base, fhCfg)),
		finnhub.WithHeader(header),
		finnhub.WithRateFetcher(fx),
	}
	if fhCfg.BaseURL != "" {
		fhOpts = append(fhOpts, finnhub.WithBaseURL(fhCfg.BaseURL))
	}
	fh, err := finnhub.NewClient(fhCfg.APIKey, fhOpts...)
	if err != nil {
		return nil, fmt.Errorf("finnhub: %w", err)
	}

	for name, ok := range map[string]bool{alphavantage.Name: av.Configured(), finnhub.Name: fh.Configured()} {
		if !ok {
			a.Log.Info("provider has no API key, its capabilities are unavailable", "provider", name)
		}
	}
	return []provider.Provider{av, fh}, nil
}

// gate gives every adapter its own quota on the shared transport. The limit
// sits under the retry loop, so each retry spends quota too.
func gate(base *httpx.Client, p config.Provider) *httpx.Client {
	return base.WithSend(func(next httpx.Doer) httpx.Doer {
		return ratelimit.Wrap(next, p.MaxRequestsPerMinute, p.Burst, time.Duration(p.MinRequestIntervalMs)*time.Millisecond)
	})
}

// Close releases the store and cache connections.
func (a *App) Close() error {
	var errs []error
	if a.Runner != nil {
		a.Runner.Close()
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}
