package main

import (
	"fmt"
	"log/slog"

	"github.com/ganger-platform/aigateway/pkg/audit"
	cachepkg "github.com/ganger-platform/aigateway/pkg/cache/sqlite"
	"github.com/ganger-platform/aigateway/pkg/config"
	"github.com/ganger-platform/aigateway/pkg/emergency"
	"github.com/ganger-platform/aigateway/pkg/gateway"
	"github.com/ganger-platform/aigateway/pkg/ledger"
	"github.com/ganger-platform/aigateway/pkg/provider"
	"github.com/ganger-platform/aigateway/pkg/registry"
	"github.com/ganger-platform/aigateway/pkg/tracker"
)

// runtime holds an assembled gateway and the stores behind it.
type runtime struct {
	cfg     *config.Config
	gw      *gateway.Gateway
	tracker *tracker.SQLiteTracker
	cache   *cachepkg.Cache
	audit   *audit.Logger
	closers []func() error
}

func openRuntime(cfg *config.Config, logger *slog.Logger) (_ *runtime, err error) {
	rt := &runtime{cfg: cfg}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	reg, err := registry.New(cfg.Models, cfg.Selection)
	if err != nil {
		return nil, fmt.Errorf("build registry: %w", err)
	}

	store, err := ledger.Open(cfg.Ledger)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	l := ledger.New(store, ledger.WithGrace(cfg.Ledger.Grace), ledger.WithLogger(logger))
	rt.closers = append(rt.closers, l.Close)

	rt.tracker, err = tracker.New(cfg.Tracker.DBPath)
	if err != nil {
		return nil, fmt.Errorf("init tracker: %w", err)
	}
	rt.closers = append(rt.closers, rt.tracker.Close)

	if cfg.Cache.Enabled {
		rt.cache, err = cachepkg.New(cfg.Cache.DBPath, cfg.Cache.DefaultTTL)
		if err != nil {
			return nil, fmt.Errorf("init cache: %w", err)
		}
		rt.closers = append(rt.closers, rt.cache.Close)
	}

	var sink audit.Sink
	if cfg.Audit.Enabled {
		rt.audit, err = audit.New(cfg.Audit)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, rt.audit.Close)
		sink = rt.audit

		if cfg.Audit.Supabase.URL != "" {
			remote, err := audit.NewSupabaseSink(cfg.Audit.Supabase)
			if err != nil {
				return nil, fmt.Errorf("init supabase audit sink: %w", err)
			}
			sink = audit.Multi{rt.audit, remote}
		}
	}

	rt.gw, err = gateway.New(gateway.Deps{
		Config:    cfg,
		Registry:  reg,
		Ledger:    l,
		Provider:  provider.New(cfg.Provider),
		Emergency: emergency.New(cfg.Emergency, cfg.PlatformDailyBudget, emergency.WithLogger(logger)),
		Tracker:   rt.tracker,
		Cache:     rt.cache,
		Audit:     sink,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	return rt, nil
}

// Close releases every store in reverse open order.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		_ = rt.closers[i]()
	}
	rt.closers = nil
}
