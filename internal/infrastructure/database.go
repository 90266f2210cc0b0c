// Package infrastructure provides the relational backing store handle.
//
// The engine runs on a single database/sql handle. The driver is selected by
// configuration at startup: an embedded SQLite file (the default, WAL mode)
// or server PostgreSQL through the pgx stdlib driver. Everything above this
// package talks to the database through the shared handle plus a Dialect.
package infrastructure

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"krapi.io/krapi/internal/config"
	"krapi.io/krapi/internal/pkg/logger"
)

// Database bundles the shared sql handle with its dialect.
type Database struct {
	DB      *sql.DB
	Dialect Dialect
}

// Open connects to the configured backing store and verifies the connection.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Database, error) {
	d, err := DialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}

	var db *sql.DB
	switch d.Name() {
	case "sqlite":
		db, err = openSQLite(cfg)
	default:
		db, err = openPostgres(cfg)
	}
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info("Database connected",
		zap.String("driver", d.Name()),
	)
	return &Database{DB: db, Dialect: d}, nil
}

// Close releases the underlying connection pool.
func (d *Database) Close() error {
	return d.DB.Close()
}

func openSQLite(cfg config.DatabaseConfig) (*sql.DB, error) {
	path := cfg.Path
	if path == "" {
		path = "krapi.db"
	}
	// WAL keeps readers concurrent with the single writer; the busy timeout
	// covers writer handoff between pooled connections.
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on",
		url.PathEscape(path))

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	return db, nil
}

func openPostgres(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	return db, nil
}
