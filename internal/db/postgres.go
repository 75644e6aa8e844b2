package db

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/agentdock/agentdock/internal/common/config"
)

const (
	defaultPostgresMaxConns  = 25
	defaultPostgresIdleConns = 5
)

// openPostgres connects through the pgx stdlib driver and verifies the
// server is reachable. Reads and writes share the handle; pgx pools
// connections itself.
func openPostgres(cfg config.DatabaseConfig) (*Pool, error) {
	raw, err := sql.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = defaultPostgresMaxConns
	}
	idleConns := cfg.MinConns
	if idleConns <= 0 {
		idleConns = defaultPostgresIdleConns
	}
	raw.SetMaxOpenConns(maxConns)
	raw.SetMaxIdleConns(idleConns)

	if err := raw.Ping(); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}

	shared := sqlx.NewDb(raw, "pgx")
	return NewPool(shared, shared), nil
}
