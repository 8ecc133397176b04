package cli

import (
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/tokenflow/internal/alloc"
	"github.com/roach88/tokenflow/internal/cache"
	"github.com/roach88/tokenflow/internal/config"
	"github.com/roach88/tokenflow/internal/engine"
	"github.com/roach88/tokenflow/internal/metrics"
	"github.com/roach88/tokenflow/internal/store"
	"github.com/roach88/tokenflow/internal/telemetry"
)

// engineDeps are the collaborators a command hands to the engine beyond
// what the configuration describes.
type engineDeps struct {
	store    *store.Store
	registry prometheus.Registerer
	extra    []engine.Option
}

// newEngine builds an engine from the configuration. Collectors are
// registered on deps.registry, or on a private registry when it is nil.
func newEngine(cfg *config.Config, logger *slog.Logger, deps engineDeps) (*engine.Engine, error) {
	mode, err := engine.ParseOrJoinMode(cfg.Engine.OrJoin)
	if err != nil {
		return nil, fmt.Errorf("engine.or_join: %w", err)
	}

	reg := deps.registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := metrics.New(reg)

	c := cache.New(
		cache.WithLogger(logger),
		cache.WithMetrics(m),
		cache.WithCapacity(cfg.Cache.InstanceCapacity),
		cache.WithIdleTTL(cfg.Cache.IdleTTL),
		cache.WithShards(cfg.Cache.Shards),
	)

	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithCache(c),
		engine.WithMetrics(m),
		engine.WithTracer(telemetry.NewTracer(nil)),
		engine.WithOrJoin(mode),
		engine.WithMaxSteps(cfg.Engine.MaxSteps),
		engine.WithCounter(engine.NewTickCounter(cfg.Engine.Tick)),
		engine.WithWorkers(cfg.Engine.Workers),
	}
	if deps.store != nil {
		opts = append(opts, engine.WithStore(deps.store))
	}
	if len(cfg.Alloc.Resources) > 0 {
		pool := alloc.NewPool(cfg.Alloc.RetryLimit, cfg.Alloc.Resources...)
		opts = append(opts, engine.WithAllocator(pool, alloc.Backoff{
			InitialInterval: cfg.Alloc.InitialInterval,
			MaxInterval:     cfg.Alloc.MaxInterval,
		}))
	}
	opts = append(opts, deps.extra...)

	return engine.New(opts...), nil
}

// openStore opens the record store at path, or an in-memory store when path
// is empty.
func openStore(path string) (*store.Store, error) {
	if path == "" {
		path = ":memory:"
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	return st, nil
}
