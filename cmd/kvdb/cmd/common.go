package cmd

import (
	"github.com/kvdb/engine/internal/config"
	"github.com/kvdb/engine/internal/engine"
	"github.com/kvdb/engine/internal/index"
)

// openEngine opens the engine at dataDir (or the configured default), with
// an empty schema. The CLI is an administrative stand-in, not the
// production request surface (see spec.md §6) — a real embedder registers
// its own schema/master key/audit key through internal/engine.Open
// directly; rebuild-index run through this CLI only restores primary rows
// and whatever indexed columns an empty schema implies (none).
func openEngine() (*engine.Engine, error) {
	cfg := config.NewConfig()
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	return engine.Open(*cfg, index.NewSchema(), nil, nil)
}
