package config

import (
	"context"
	"fmt"

	"github.com/marmos91/tallyd/internal/logger"
	"github.com/marmos91/tallyd/pkg/journal"
	"github.com/marmos91/tallyd/pkg/metrics"
	"github.com/marmos91/tallyd/pkg/registry"
)

// InitializeRegistry creates the entity registry and loads the startup
// inventory.
//
// Seeds are created in configuration order, so the first seed gets ID=1.
//
// Parameters:
//   - ctx: Context for cancellation
//   - cfg: Complete configuration
//   - j: Journal receiving the seed CREATE entries (nil disables journaling)
//   - ledgerMetrics: Registry collectors (nil selects no-ops)
//
// Returns:
//   - *registry.Registry: Ready for use
//   - error: If a seed entity is rejected
//
// Example:
//
//	cfg, _ := config.Load("config.yaml")
//	reg, err := config.InitializeRegistry(ctx, cfg, j, nil)
//	if err != nil {
//	    log.Fatalf("Failed to initialize registry: %v", err)
//	}
func InitializeRegistry(ctx context.Context, cfg *Config, j journal.Journal, ledgerMetrics metrics.LedgerMetrics) (*registry.Registry, error) {
	logger.Debug("Initializing registry with %d shard(s)", cfg.Registry.Shards)

	reg := registry.New(registry.Config{
		Shards:  cfg.Registry.Shards,
		Journal: j,
		Metrics: ledgerMetrics,
	})

	for i, seed := range cfg.Registry.Seed {
		spec := registry.EntitySpec{
			Name:     seed.Name,
			Attrs:    seed.Attrs,
			Quantity: seed.Quantity,
			Tracked:  seed.Tracked || seed.Quantity > 0,
		}
		e, err := reg.Create(ctx, spec)
		if err != nil {
			return nil, fmt.Errorf("registry.seed[%d] %q: %w", i, seed.Name, err)
		}
		logger.Debug("Seeded ID=%d %q", e.ID(), seed.Name)
	}

	if n := len(cfg.Registry.Seed); n > 0 {
		logger.Info("Registry seeded with %d entities", n)
	}

	return reg, nil
}
