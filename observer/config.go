// Copyright (C) 2025 Schemawatch Labs, Inc.
// See LICENSE for copying information.

package observer

import (
	"time"

	"go.uber.org/zap"

	"github.com/schemawatch/schemawatch/observer/compare"
	"github.com/schemawatch/schemawatch/observer/console"
	"github.com/schemawatch/schemawatch/observer/dbpoll"
	"github.com/schemawatch/schemawatch/observer/filewatch"
	"github.com/schemawatch/schemawatch/observer/health"
	"github.com/schemawatch/schemawatch/observer/reconcile"
	"github.com/schemawatch/schemawatch/observer/retention"
)

// Config is the global configuration of the observer peer.
type Config struct {
	DebounceWindow time.Duration `help:"quiet window before a burst of detected changes is processed as one batch" default:"500ms" testDefault:"50ms"`

	Console   console.Config
	Compare   compare.Config
	DBPoll    dbpoll.Config
	FileWatch filewatch.Config
	Reconcile reconcile.Config
	Retention retention.Config
	Health    health.Config
}

// Verify checks the configuration for values that cannot work.
func (config *Config) Verify(log *zap.Logger) error {
	if config.DebounceWindow <= 0 {
		return Error.New("debounce window must be positive, got %v", config.DebounceWindow)
	}
	if config.Compare.MaxConcurrent < 1 {
		return Error.New("compare.max-concurrent must be at least 1, got %d", config.Compare.MaxConcurrent)
	}
	if config.Retention.MaxSnapshots < 1 {
		return Error.New("retention.max-snapshots must be at least 1, got %d", config.Retention.MaxSnapshots)
	}
	if config.Console.Address == "" {
		return Error.New("console.address is required")
	}
	return nil
}
