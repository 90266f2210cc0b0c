// Package migrate evolves the engine's own relational schema and applies
// collection-level schema changes.
//
// Engine DDL runs through a versioned migration log: each step has a name,
// is recorded in engine_migrations once applied, and is skipped on rerun.
// Collection evolution (AddField, AddIndex) is additive-only and goes through
// the registry; this package adds the physical side (index builds, column
// additions, backfills) on top.
package migrate

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"krapi.io/krapi/internal/infrastructure"
	"krapi.io/krapi/internal/pkg/logger"
)

// step is one engine schema migration. Statements are generated per dialect
// so payload columns get the backend's native JSON type.
type step struct {
	name  string
	stmts func(d infrastructure.Dialect) []string
}

var steps = []step{
	{name: "001_core_tables", stmts: coreTables},
	{name: "002_document_indexes", stmts: documentIndexes},
	{name: "003_api_keys", stmts: apiKeyTable},
}

// Up applies all unapplied engine migrations in order. Safe to run on every
// boot; applied steps are recorded and skipped.
func Up(ctx context.Context, db *infrastructure.Database) error {
	d := db.Dialect
	if _, err := db.DB.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS engine_migrations (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create migration log: %w", err)
	}

	applied := map[string]bool{}
	rows, err := db.DB.QueryContext(ctx, "SELECT name FROM engine_migrations")
	if err != nil {
		return fmt.Errorf("read migration log: %w", err)
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("scan migration log: %w", err)
		}
		applied[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read migration log: %w", err)
	}

	for i, s := range steps {
		if applied[s.name] {
			continue
		}
		tx, err := db.DB.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", s.name, err)
		}
		for _, q := range s.stmts(d) {
			if _, err := tx.ExecContext(ctx, q); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("apply migration %s: %w", s.name, err)
			}
		}
		record := fmt.Sprintf("INSERT INTO engine_migrations (id, name, applied_at) VALUES (%s, %s, %s)",
			d.Placeholder(1), d.Placeholder(2), d.Placeholder(3))
		if _, err := tx.ExecContext(ctx, record, i+1, s.name,
			infrastructure.FormatTime(infrastructure.Now())); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", s.name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", s.name, err)
		}
		logger.Info("applied engine migration", zap.String("migration", s.name))
	}
	return nil
}

func coreTables(d infrastructure.Dialect) []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			created_at TEXT NOT NULL
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS collections (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id),
			name TEXT NOT NULL,
			definition %s NOT NULL,
			version INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (project_id, name)
		)`, d.JSONColumnType()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			collection_id TEXT NOT NULL REFERENCES collections(id),
			payload %s NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			created_by TEXT NOT NULL DEFAULT '',
			updated_by TEXT NOT NULL DEFAULT ''
		)`, d.JSONColumnType()),
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			id TEXT PRIMARY KEY,
			collection_id TEXT NOT NULL,
			change TEXT NOT NULL,
			from_version INTEGER NOT NULL,
			to_version INTEGER NOT NULL,
			applied_at TEXT NOT NULL
		)`,
	}
}

func documentIndexes(d infrastructure.Dialect) []string {
	return []string{
		d.CreateIndex("idx_documents_collection", "documents", []string{"collection_id"}),
		d.CreateIndex("idx_documents_collection_created", "documents", []string{"collection_id", "created_at"}),
		d.CreateIndex("idx_schema_migrations_collection", "schema_migrations", []string{"collection_id"}),
	}
}

func apiKeyTable(d infrastructure.Dialect) []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id),
			name TEXT NOT NULL,
			secret_hash TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		d.CreateIndex("idx_api_keys_project", "api_keys", []string{"project_id"}),
	}
}
