package config

import (
	"context"
	"fmt"

	"github.com/marmos91/tallyd/internal/logger"
	"github.com/marmos91/tallyd/pkg/journal"
	"github.com/marmos91/tallyd/pkg/journal/badger"
	"github.com/mitchellh/mapstructure"
)

// CreateJournal creates the transfer journal selected by cfg.Type.
//
// Parameters:
//   - ctx: Context for cancellation while opening the store
//   - cfg: Journal section of the configuration
//
// Returns:
//   - journal.Journal: Never nil on success; "none" yields a no-op journal
//   - error: If the type is unknown or its options are invalid
func CreateJournal(ctx context.Context, cfg *JournalConfig) (journal.Journal, error) {
	switch cfg.Type {
	case "none":
		logger.Info("Transfer journal disabled")
		return journal.NewNoop(), nil
	case "badger":
		return createBadgerJournal(ctx, cfg.Badger)
	default:
		return nil, fmt.Errorf("unknown journal type: %q", cfg.Type)
	}
}

func createBadgerJournal(ctx context.Context, options map[string]any) (journal.Journal, error) {
	journalCfg, err := decodeBadgerConfig(options)
	if err != nil {
		return nil, err
	}

	j, err := badger.New(ctx, journalCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create badger journal: %w", err)
	}

	if journalCfg.Retention > 0 {
		logger.Info("Transfer journal: in-memory BadgerDB (retention %v)", journalCfg.Retention)
	} else {
		logger.Info("Transfer journal: in-memory BadgerDB (no expiry)")
	}
	return j, nil
}

// decodeBadgerConfig turns the raw journal.badger section into a typed
// config. Durations may be written as strings ("10m") and unknown keys are
// rejected.
func decodeBadgerConfig(options map[string]any) (badger.Config, error) {
	var journalCfg badger.Config

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &journalCfg,
	})
	if err != nil {
		return badger.Config{}, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(options); err != nil {
		return badger.Config{}, fmt.Errorf("failed to decode badger journal config: %w", err)
	}

	if journalCfg.Retention < 0 {
		return badger.Config{}, fmt.Errorf("retention must be >= 0, got %v", journalCfg.Retention)
	}
	if journalCfg.BlockCacheSizeMB < 0 || journalCfg.IndexCacheSizeMB < 0 {
		return badger.Config{}, fmt.Errorf("cache sizes must be >= 0")
	}

	return journalCfg, nil
}
