package migrate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"krapi.io/krapi/internal/infrastructure"
	"krapi.io/krapi/internal/metric"
	"krapi.io/krapi/internal/pkg/logger"
	"krapi.io/krapi/internal/pkg/worker"
	"krapi.io/krapi/internal/schema"
	"krapi.io/krapi/internal/store"
	"krapi.io/krapi/pkg/socket"
)

// Engine applies additive collection evolution: definition merges through the
// registry plus the physical work the definition alone cannot do (duplicate
// scans for unique indexes, index builds, identity backfills). Migrations take
// the collection's exclusive lock so in-flight writes never race a schema
// change.
type Engine struct {
	db      *sql.DB
	d       infrastructure.Dialect
	reg     *schema.Registry
	store   *store.Store
	pools   *worker.Pools
	metrics *metric.Metrics
}

// Options wires optional engine collaborators.
type Options struct {
	// Pools supplies the general worker pool for maintenance work
	// (duplicate scans, index builds). Nil runs maintenance inline.
	Pools *worker.Pools

	// Metrics receives the applied-migration counter. Nil disables it.
	Metrics *metric.Metrics
}

// NewEngine creates an engine over the shared database handle.
func NewEngine(db *infrastructure.Database, reg *schema.Registry, st *store.Store, opts Options) *Engine {
	return &Engine{
		db:      db.DB,
		d:       db.Dialect,
		reg:     reg,
		store:   st,
		pools:   opts.Pools,
		metrics: opts.Metrics,
	}
}

// maintenance runs fn on the general worker pool when one is wired and waits
// for it to finish; without a pool fn runs inline.
func (e *Engine) maintenance(ctx context.Context, fn func(ctx context.Context) error) error {
	if e.pools == nil {
		return fn(ctx)
	}
	done := make(chan error, 1)
	if err := e.pools.General.Submit(ctx, func(ctx context.Context) { done <- fn(ctx) }); err != nil {
		return socket.Wrap(err, socket.KindInternal, "submit maintenance task")
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddField appends one field definition. Existing documents are not
// rewritten; absent fields read as null. Re-adding an identical field is a
// no-op.
func (e *Engine) AddField(ctx context.Context, projectID, collection string, f socket.Field) (*socket.Collection, error) {
	return e.Apply(ctx, projectID, collection, socket.CollectionUpdate{AddFields: []socket.Field{f}})
}

// AddIndex adds one index definition and builds it against existing rows.
// A unique index over data that already contains duplicates fails with
// IndexConflict and leaves the definition unchanged.
func (e *Engine) AddIndex(ctx context.Context, projectID, collection string, idx socket.Index) (*socket.Collection, error) {
	return e.Apply(ctx, projectID, collection, socket.CollectionUpdate{AddIndexes: []socket.Index{idx}})
}

// Apply merges an additive update into a collection under its exclusive lock.
// Duplicate scans run before anything is persisted, so a conflicting unique
// index changes nothing. Applied changes are recorded in schema_migrations.
func (e *Engine) Apply(ctx context.Context, projectID, collection string, update socket.CollectionUpdate) (*socket.Collection, error) {
	coll, err := e.reg.GetCollection(ctx, projectID, collection)
	if err != nil {
		return nil, err
	}
	release := e.store.ExclusiveCollectionLock(coll.ID)
	defer release()

	// Re-read under the lock; a concurrent migration may have landed between
	// the lookup and the lock acquisition.
	if coll, err = e.reg.GetCollection(ctx, projectID, collection); err != nil {
		return nil, err
	}

	err = e.maintenance(ctx, func(ctx context.Context) error {
		for _, idx := range update.AddIndexes {
			if !idx.Unique {
				continue
			}
			conflict, err := e.hasDuplicates(ctx, coll, idx)
			if err != nil {
				return err
			}
			if conflict {
				return socket.Newf(socket.KindIndexConflict,
					"existing data contains duplicate values for unique index %q", idx.Name)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	fromVersion := coll.Version
	merged, changed, err := e.reg.ApplyAdditions(ctx, projectID, collection, update)
	if err != nil {
		return nil, err
	}
	if !changed {
		return merged, nil
	}

	err = e.maintenance(ctx, func(ctx context.Context) error {
		return e.EnsureIndexes(ctx, merged)
	})
	if err != nil {
		return nil, err
	}
	if err := e.recordChange(ctx, merged, fromVersion, update); err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.MigrationsApplied.Inc()
	}
	logger.Info("applied collection migration",
		zap.String("project_id", projectID),
		zap.String("collection", collection),
		zap.Int("from_version", fromVersion),
		zap.Int("to_version", merged.Version))
	return merged, nil
}

// EnsureIndexes builds the physical (non-unique) indexes for a collection's
// declared indexes and indexed fields. Uniqueness is enforced by the store's
// write path, not by the backend, so a unique definition still gets a plain
// index here. Safe to call repeatedly.
func (e *Engine) EnsureIndexes(ctx context.Context, coll *socket.Collection) error {
	build := func(name string, fields []string) error {
		exprs := make([]string, 0, len(fields))
		for _, fn := range fields {
			f, ok := coll.FieldByName(fn)
			if !ok {
				return socket.Validationf(fn, "index %q references undeclared field %q", name, fn)
			}
			exprs = append(exprs, e.d.FieldExpr("payload", f.Name, f.Type))
		}
		ddl := e.d.CreateIndex(physicalIndexName(coll.ID, name), "documents", exprs)
		if _, err := e.db.ExecContext(ctx, ddl); err != nil {
			return socket.Wrap(err, socket.KindInternal, "build index")
		}
		return nil
	}
	for _, f := range coll.Fields {
		if f.Indexed || f.Unique {
			if err := build("f_"+f.Name, []string{f.Name}); err != nil {
				return err
			}
		}
	}
	for _, idx := range coll.Indexes {
		if err := build(idx.Name, idx.Fields); err != nil {
			return err
		}
	}
	return nil
}

// DropIndexes removes the collection's physical indexes. Used by the cascade
// path when a collection is deleted.
func (e *Engine) DropIndexes(ctx context.Context, coll *socket.Collection) error {
	names := []string{}
	for _, f := range coll.Fields {
		if f.Indexed || f.Unique {
			names = append(names, physicalIndexName(coll.ID, "f_"+f.Name))
		}
	}
	for _, idx := range coll.Indexes {
		names = append(names, physicalIndexName(coll.ID, idx.Name))
	}
	for _, n := range names {
		if _, err := e.db.ExecContext(ctx, "DROP INDEX IF EXISTS "+n); err != nil {
			return socket.Wrap(err, socket.KindInternal, "drop index")
		}
	}
	return nil
}

// hasDuplicates reports whether existing rows already violate the uniqueness
// the index requests. Rows with any indexed field absent or null are exempt,
// matching the store's write-path rule.
func (e *Engine) hasDuplicates(ctx context.Context, coll *socket.Collection, idx socket.Index) (bool, error) {
	exprs := make([]string, 0, len(idx.Fields))
	for _, fn := range idx.Fields {
		f, ok := coll.FieldByName(fn)
		if !ok {
			// Either a field added in this same update, which has no stored
			// values yet, or an undeclared field the definition merge will
			// reject. Nothing stored can conflict.
			return false, nil
		}
		exprs = append(exprs, e.d.FieldExpr("payload", f.Name, f.Type))
	}

	var b strings.Builder
	b.WriteString("SELECT 1 FROM documents WHERE collection_id = ")
	b.WriteString(e.d.Placeholder(1))
	for _, ex := range exprs {
		b.WriteString(" AND ")
		b.WriteString(ex)
		b.WriteString(" IS NOT NULL")
	}
	b.WriteString(" GROUP BY ")
	b.WriteString(strings.Join(exprs, ", "))
	b.WriteString(" HAVING COUNT(*) > 1 LIMIT 1")

	var one int
	err := e.db.QueryRowContext(ctx, b.String(), coll.ID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, socket.Wrap(err, socket.KindInternal, "scan for duplicates")
	}
	return true, nil
}

// recordChange appends a schema_migrations row describing the applied update.
func (e *Engine) recordChange(ctx context.Context, coll *socket.Collection, fromVersion int, update socket.CollectionUpdate) error {
	change, err := json.Marshal(update)
	if err != nil {
		return socket.Wrap(err, socket.KindInternal, "encode change")
	}
	q := fmt.Sprintf(
		"INSERT INTO schema_migrations (id, collection_id, change, from_version, to_version, applied_at) VALUES (%s, %s, %s, %s, %s, %s)",
		e.d.Placeholder(1), e.d.Placeholder(2), e.d.Placeholder(3),
		e.d.Placeholder(4), e.d.Placeholder(5), e.d.Placeholder(6))
	_, err = e.db.ExecContext(ctx, q,
		newMigrationID(), coll.ID, string(change), fromVersion, coll.Version,
		infrastructure.FormatTime(infrastructure.Now()))
	if err != nil {
		return socket.Wrap(err, socket.KindInternal, "record migration")
	}
	return nil
}

// backfillTables are the tables BackfillIdentities may touch.
var backfillTables = map[string]bool{
	"documents":   true,
	"projects":    true,
	"collections": true,
	"api_keys":    true,
}

// BackfillIdentities assigns a generated identity to rows missing one.
// Idempotent: rows that already carry an id are untouched, and a second run
// changes nothing. Returns the number of rows updated.
func (e *Engine) BackfillIdentities(ctx context.Context, table string) (int64, error) {
	if !backfillTables[table] {
		return 0, socket.Validationf("table", "unknown table %q", table)
	}

	// Address id-less rows through the backend's physical row locator since
	// the logical key is exactly what is missing.
	rowRef := "rowid"
	if e.d.Name() == "postgres" {
		rowRef = "ctid"
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, socket.Wrap(err, socket.KindInternal, "begin backfill")
	}
	defer func() { _ = tx.Rollback() }()

	q := fmt.Sprintf("SELECT %s FROM %s WHERE id IS NULL OR id = ''", rowRef, table)
	rows, err := tx.QueryContext(ctx, q)
	if err != nil {
		return 0, socket.Wrap(err, socket.KindInternal, "scan for missing identities")
	}
	refs := []any{}
	for rows.Next() {
		var ref any
		if err := rows.Scan(&ref); err != nil {
			rows.Close()
			return 0, socket.Wrap(err, socket.KindInternal, "scan row locator")
		}
		refs = append(refs, ref)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, socket.Wrap(err, socket.KindInternal, "scan for missing identities")
	}

	upd := fmt.Sprintf("UPDATE %s SET id = %s WHERE %s = %s",
		table, e.d.Placeholder(1), rowRef, e.d.Placeholder(2))
	for _, ref := range refs {
		if _, err := tx.ExecContext(ctx, upd, newMigrationID(), ref); err != nil {
			return 0, socket.Wrap(err, socket.KindInternal, "assign identity")
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, socket.Wrap(err, socket.KindInternal, "commit backfill")
	}
	if len(refs) > 0 {
		logger.Info("backfilled identities",
			zap.String("table", table), zap.Int("rows", len(refs)))
	}
	return int64(len(refs)), nil
}

// AddColumn adds a physical column, treating "column already exists" as a
// no-op. The versioned migration log covers the engine's own tables; this
// remains for additive evolution of externally managed tables.
func (e *Engine) AddColumn(ctx context.Context, table, column, columnType string) error {
	q := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, columnType)
	if _, err := e.db.ExecContext(ctx, q); err != nil {
		if e.d.IsDuplicateColumn(err) {
			return nil
		}
		return socket.Wrap(err, socket.KindInternal, "add column")
	}
	return nil
}

// physicalIndexName derives a backend index identifier unique across
// collections. Collection ids are UUIDs; hyphens are stripped for the
// identifier.
func physicalIndexName(collectionID, name string) string {
	return "idx_doc_" + strings.ReplaceAll(collectionID, "-", "") + "_" + name
}

func newMigrationID() string {
	return uuid.NewString()
}
