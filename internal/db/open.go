package db

import (
	"fmt"

	"github.com/agentdock/agentdock/internal/common/config"
)

// Open builds a Pool for the configured driver. An empty driver means
// SQLite, matching the config default.
func Open(cfg config.DatabaseConfig) (*Pool, error) {
	switch cfg.Driver {
	case "postgres":
		return openPostgres(cfg)
	case "", "sqlite":
		return openSQLite(cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
