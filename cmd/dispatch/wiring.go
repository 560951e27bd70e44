package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/abdhe/llm-dispatch/pkg/cache"
	"github.com/abdhe/llm-dispatch/pkg/config"
	"github.com/abdhe/llm-dispatch/pkg/dispatch"
	"github.com/abdhe/llm-dispatch/pkg/provider"
)

// buildDispatcher wires the adapter, the optional Redis cache and the
// dispatcher from cfg. The returned cleanup closes whatever was opened.
func buildDispatcher(cfg *config.Config, opts ...dispatch.Option) (*dispatch.Dispatcher, func(), error) {
	pcfg, err := cfg.ProviderConfig()
	if err != nil {
		return nil, nil, err
	}
	adapter, err := provider.New(pcfg)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("backend ready", "backend", adapter.Name(), "kind", string(adapter.Kind()), "model", cfg.Backend.Model)

	cleanup := func() {}
	if cfg.Cache.Enabled {
		rc := cache.NewRedisCache(cfg.Cache.Addr, cfg.Cache.Password, cfg.Cache.DB, cfg.Cache.TTL)

		// Verify Redis connection
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rc.Ping(ctx); err != nil {
			slog.Warn("redis connection failed, cache disabled", "addr", cfg.Cache.Addr, "err", err)
			rc.Close() //nolint:errcheck
		} else {
			adapter = cache.NewCachingAdapter(adapter, rc, cfg.Backend.Model)
			cleanup = func() { rc.Close() } //nolint:errcheck
			slog.Info("log-prob cache enabled", "addr", cfg.Cache.Addr, "ttl", cfg.Cache.TTL)
		}
		cancel()
	}

	d, err := dispatch.New(adapter, cfg.DispatchConfig(), opts...)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return d, cleanup, nil
}
