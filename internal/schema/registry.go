// Package schema is the registry for projects and collection definitions.
//
// The registry is the sole authority on what a collection looks like: it
// validates field and index specifications, persists definitions as JSON in
// the collections table, and applies additive definition merges. Physical
// index builds and data scans belong to the migration engine and the
// document store; the registry only owns definitions.
package schema

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"krapi.io/krapi/internal/infrastructure"
	"krapi.io/krapi/pkg/socket"
)

// fieldNameRE constrains field, index, and collection names so they can be
// embedded safely into JSON path expressions and index DDL.
var fieldNameRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Registry stores and validates collection definitions.
type Registry struct {
	db *sql.DB
	d  infrastructure.Dialect
}

// NewRegistry creates a registry on the shared database handle.
func NewRegistry(db *infrastructure.Database) *Registry {
	return &Registry{db: db.DB, d: db.Dialect}
}

// definition is the JSON persisted in the collections.definition column.
type definition struct {
	Fields  []socket.Field `json:"fields"`
	Indexes []socket.Index `json:"indexes,omitempty"`
}

// CreateProject creates a new isolation boundary.
func (r *Registry) CreateProject(ctx context.Context, name string) (*socket.Project, error) {
	if name == "" {
		return nil, socket.Validationf("name", "project name must not be empty")
	}
	p := &socket.Project{
		ID:        newID(),
		Name:      name,
		CreatedAt: infrastructure.Now(),
	}
	q := fmt.Sprintf("INSERT INTO projects (id, name, created_at) VALUES (%s, %s, %s)",
		r.d.Placeholder(1), r.d.Placeholder(2), r.d.Placeholder(3))
	if _, err := r.db.ExecContext(ctx, q, p.ID, p.Name, infrastructure.FormatTime(p.CreatedAt)); err != nil {
		if r.d.IsUniqueViolation(err) {
			return nil, &socket.Error{
				Kind:    socket.KindUniqueConstraint,
				Message: fmt.Sprintf("project %q already exists", name),
				Field:   "name",
			}
		}
		return nil, socket.Wrap(err, socket.KindInternal, "create project")
	}
	return p, nil
}

// GetProject loads a project by id.
func (r *Registry) GetProject(ctx context.Context, projectID string) (*socket.Project, error) {
	q := fmt.Sprintf("SELECT id, name, created_at FROM projects WHERE id = %s", r.d.Placeholder(1))
	var p socket.Project
	var createdAt string
	err := r.db.QueryRowContext(ctx, q, projectID).Scan(&p.ID, &p.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, socket.NotFoundf("project %q not found", projectID)
	}
	if err != nil {
		return nil, socket.Wrap(err, socket.KindInternal, "get project")
	}
	p.CreatedAt, err = infrastructure.ParseTime(createdAt)
	if err != nil {
		return nil, socket.Wrap(err, socket.KindInternal, "parse project timestamp")
	}
	return &p, nil
}

// ListProjects returns all projects ordered by creation time.
func (r *Registry) ListProjects(ctx context.Context) ([]socket.Project, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT id, name, created_at FROM projects ORDER BY created_at, id")
	if err != nil {
		return nil, socket.Wrap(err, socket.KindInternal, "list projects")
	}
	defer rows.Close()

	out := []socket.Project{}
	for rows.Next() {
		var p socket.Project
		var createdAt string
		if err := rows.Scan(&p.ID, &p.Name, &createdAt); err != nil {
			return nil, socket.Wrap(err, socket.KindInternal, "scan project")
		}
		if p.CreatedAt, err = infrastructure.ParseTime(createdAt); err != nil {
			return nil, socket.Wrap(err, socket.KindInternal, "parse project timestamp")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteProject removes a project and cascades to its collections and
// documents. Hard delete, applied in one transaction.
func (r *Registry) DeleteProject(ctx context.Context, projectID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return socket.Wrap(err, socket.KindInternal, "begin delete project")
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		fmt.Sprintf("DELETE FROM documents WHERE collection_id IN (SELECT id FROM collections WHERE project_id = %s)", r.d.Placeholder(1)),
		fmt.Sprintf("DELETE FROM schema_migrations WHERE collection_id IN (SELECT id FROM collections WHERE project_id = %s)", r.d.Placeholder(1)),
		fmt.Sprintf("DELETE FROM api_keys WHERE project_id = %s", r.d.Placeholder(1)),
		fmt.Sprintf("DELETE FROM collections WHERE project_id = %s", r.d.Placeholder(1)),
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q, projectID); err != nil {
			return socket.Wrap(err, socket.KindInternal, "cascade delete project")
		}
	}

	res, err := tx.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM projects WHERE id = %s", r.d.Placeholder(1)), projectID)
	if err != nil {
		return socket.Wrap(err, socket.KindInternal, "delete project")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return socket.NotFoundf("project %q not found", projectID)
	}
	if err := tx.Commit(); err != nil {
		return socket.Wrap(err, socket.KindInternal, "commit delete project")
	}
	return nil
}

// DefineCollection validates and persists a new collection definition.
func (r *Registry) DefineCollection(ctx context.Context, projectID string, spec socket.CollectionSpec) (*socket.Collection, error) {
	if _, err := r.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	if !fieldNameRE.MatchString(spec.Name) {
		return nil, socket.Validationf("name", "collection name %q is invalid", spec.Name)
	}
	fields, err := normalizeFields(spec.Fields)
	if err != nil {
		return nil, err
	}
	if err := validateIndexes(fields, spec.Indexes); err != nil {
		return nil, err
	}

	now := infrastructure.Now()
	c := &socket.Collection{
		ID:        newID(),
		ProjectID: projectID,
		Name:      spec.Name,
		Fields:    fields,
		Indexes:   spec.Indexes,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	def, err := json.Marshal(definition{Fields: c.Fields, Indexes: c.Indexes})
	if err != nil {
		return nil, socket.Wrap(err, socket.KindInternal, "encode definition")
	}

	q := fmt.Sprintf(
		"INSERT INTO collections (id, project_id, name, definition, version, created_at, updated_at) VALUES (%s, %s, %s, %s, %s, %s, %s)",
		r.d.Placeholder(1), r.d.Placeholder(2), r.d.Placeholder(3), r.d.Placeholder(4),
		r.d.Placeholder(5), r.d.Placeholder(6), r.d.Placeholder(7))
	_, err = r.db.ExecContext(ctx, q,
		c.ID, c.ProjectID, c.Name, string(def), c.Version,
		infrastructure.FormatTime(c.CreatedAt), infrastructure.FormatTime(c.UpdatedAt))
	if err != nil {
		if r.d.IsUniqueViolation(err) {
			return nil, socket.Newf(socket.KindDuplicateCollection,
				"collection %q already exists in project %q", spec.Name, projectID)
		}
		return nil, socket.Wrap(err, socket.KindInternal, "create collection")
	}
	return c, nil
}

// GetCollection loads a collection definition by project and name.
func (r *Registry) GetCollection(ctx context.Context, projectID, name string) (*socket.Collection, error) {
	q := fmt.Sprintf(
		"SELECT id, project_id, name, definition, version, created_at, updated_at FROM collections WHERE project_id = %s AND name = %s",
		r.d.Placeholder(1), r.d.Placeholder(2))
	row := r.db.QueryRowContext(ctx, q, projectID, name)
	c, err := scanCollection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, socket.NotFoundf("collection %q not found in project %q", name, projectID)
	}
	return c, err
}

// ListCollections returns a project's collections ordered by name.
func (r *Registry) ListCollections(ctx context.Context, projectID string) ([]socket.Collection, error) {
	if _, err := r.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(
		"SELECT id, project_id, name, definition, version, created_at, updated_at FROM collections WHERE project_id = %s ORDER BY name",
		r.d.Placeholder(1))
	rows, err := r.db.QueryContext(ctx, q, projectID)
	if err != nil {
		return nil, socket.Wrap(err, socket.KindInternal, "list collections")
	}
	defer rows.Close()

	out := []socket.Collection{}
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ApplyAdditions merges an additive update into an existing definition and
// persists it with a version bump. Entries identical to the current
// definition are no-ops; conflicting redefinitions fail with
// UnsupportedMigration and leave the stored definition untouched.
// The boolean reports whether anything changed.
func (r *Registry) ApplyAdditions(ctx context.Context, projectID, name string, update socket.CollectionUpdate) (*socket.Collection, bool, error) {
	c, err := r.GetCollection(ctx, projectID, name)
	if err != nil {
		return nil, false, err
	}

	changed := false
	for _, add := range update.AddFields {
		norm, err := normalizeFields([]socket.Field{add})
		if err != nil {
			return nil, false, err
		}
		add = norm[0]
		if existing, ok := c.FieldByName(add.Name); ok {
			if sameDefinition(existing, add) {
				continue
			}
			return nil, false, socket.Newf(socket.KindUnsupportedMigration,
				"field %q already exists with a different definition; retyping requires the destructive path", add.Name)
		}
		c.Fields = append(c.Fields, add)
		changed = true
	}

	for _, add := range update.AddIndexes {
		if err := validateIndexes(c.Fields, []socket.Index{add}); err != nil {
			return nil, false, err
		}
		if existing, ok := indexByName(c.Indexes, add.Name); ok {
			if sameDefinition(existing, add) {
				continue
			}
			return nil, false, socket.Newf(socket.KindUnsupportedMigration,
				"index %q already exists with a different definition", add.Name)
		}
		c.Indexes = append(c.Indexes, add)
		changed = true
	}

	if !changed {
		return c, false, nil
	}

	if err := r.persistDefinition(ctx, c); err != nil {
		return nil, false, err
	}
	return c, true, nil
}

// persistDefinition writes the merged definition with a version bump.
func (r *Registry) persistDefinition(ctx context.Context, c *socket.Collection) error {
	def, err := json.Marshal(definition{Fields: c.Fields, Indexes: c.Indexes})
	if err != nil {
		return socket.Wrap(err, socket.KindInternal, "encode definition")
	}
	now := infrastructure.Now()
	q := fmt.Sprintf(
		"UPDATE collections SET definition = %s, version = %s, updated_at = %s WHERE id = %s AND version = %s",
		r.d.Placeholder(1), r.d.Placeholder(2), r.d.Placeholder(3), r.d.Placeholder(4), r.d.Placeholder(5))
	res, err := r.db.ExecContext(ctx, q, string(def), c.Version+1, infrastructure.FormatTime(now), c.ID, c.Version)
	if err != nil {
		return socket.Wrap(err, socket.KindInternal, "update collection definition")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return socket.Newf(socket.KindInternal, "collection %q changed concurrently", c.Name)
	}
	c.Version++
	c.UpdatedAt = now
	return nil
}

// DeleteCollectionDefinition removes a collection row and its migration
// records. Documents are the caller's responsibility; the façade enforces
// the CollectionInUse rule before calling this.
func (r *Registry) DeleteCollectionDefinition(ctx context.Context, collectionID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return socket.Wrap(err, socket.KindInternal, "begin delete collection")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM schema_migrations WHERE collection_id = %s", r.d.Placeholder(1)),
		collectionID); err != nil {
		return socket.Wrap(err, socket.KindInternal, "delete migration records")
	}
	res, err := tx.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM collections WHERE id = %s", r.d.Placeholder(1)), collectionID)
	if err != nil {
		return socket.Wrap(err, socket.KindInternal, "delete collection")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return socket.NotFoundf("collection %q not found", collectionID)
	}
	return tx.Commit()
}

// ValidateDefinition reports definition-level consistency issues; see the
// package function of the same name.
func (r *Registry) ValidateDefinition(c *socket.Collection) []socket.SchemaIssue {
	return ValidateDefinition(c)
}

// ValidateDefinition checks a stored definition for internal consistency:
// indexes referencing fields that are not declared, and duplicate names.
func ValidateDefinition(c *socket.Collection) []socket.SchemaIssue {
	issues := []socket.SchemaIssue{}
	for _, idx := range c.Indexes {
		for _, f := range idx.Fields {
			if _, ok := c.FieldByName(f); !ok {
				issues = append(issues, socket.SchemaIssue{
					Kind:   socket.IssueOrphanedIndex,
					Index:  idx.Name,
					Field:  f,
					Detail: fmt.Sprintf("index %q references undeclared field %q", idx.Name, f),
				})
			}
		}
	}
	return issues
}

// normalizeFields validates field specs and normalizes default values into
// canonical form.
func normalizeFields(fields []socket.Field) ([]socket.Field, error) {
	seen := map[string]bool{}
	out := make([]socket.Field, 0, len(fields))
	for _, f := range fields {
		if !fieldNameRE.MatchString(f.Name) {
			return nil, socket.Validationf(f.Name, "field name %q is invalid", f.Name)
		}
		if seen[f.Name] {
			return nil, socket.Validationf(f.Name, "duplicate field name %q", f.Name)
		}
		seen[f.Name] = true
		if !f.Type.Valid() {
			return nil, socket.Validationf(f.Name, "field %q has unsupported type %q", f.Name, f.Type)
		}
		if f.Default != nil {
			norm, err := socket.NormalizeValue(f.Default)
			if err != nil {
				return nil, socket.Validationf(f.Name, "field %q default is not valid JSON: %v", f.Name, err)
			}
			f.Default = norm
			if err := CheckValue(socket.Field{Name: f.Name, Type: f.Type}, f.Default); err != nil {
				return nil, socket.Validationf(f.Name, "field %q default does not match declared type %q", f.Name, f.Type)
			}
		}
		if len(f.Validation) > 0 {
			if _, err := CompileRule(f.Validation); err != nil {
				return nil, socket.Validationf(f.Name, "field %q validation rule does not compile: %v", f.Name, err)
			}
		}
		out = append(out, f)
	}
	return out, nil
}

// validateIndexes checks index specs against the declared field set.
func validateIndexes(fields []socket.Field, indexes []socket.Index) error {
	byName := map[string]bool{}
	for _, f := range fields {
		byName[f.Name] = true
	}
	seen := map[string]bool{}
	for _, idx := range indexes {
		if !fieldNameRE.MatchString(idx.Name) {
			return socket.Validationf("", "index name %q is invalid", idx.Name)
		}
		if seen[idx.Name] {
			return socket.Validationf("", "duplicate index name %q", idx.Name)
		}
		seen[idx.Name] = true
		if len(idx.Fields) == 0 {
			return socket.Validationf("", "index %q must name at least one field", idx.Name)
		}
		for _, f := range idx.Fields {
			if !byName[f] {
				return socket.Validationf(f, "index %q references undeclared field %q", idx.Name, f)
			}
		}
	}
	return nil
}

// sameDefinition compares two definition entries structurally via their
// canonical JSON form.
func sameDefinition(a, b any) bool {
	ja, err := json.Marshal(a)
	if err != nil {
		return false
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(ja) == string(jb)
}

func indexByName(indexes []socket.Index, name string) (socket.Index, bool) {
	for _, idx := range indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return socket.Index{}, false
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCollection(row rowScanner) (*socket.Collection, error) {
	var c socket.Collection
	var def, createdAt, updatedAt string
	if err := row.Scan(&c.ID, &c.ProjectID, &c.Name, &def, &c.Version, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, socket.Wrap(err, socket.KindInternal, "scan collection")
	}
	// Decode with numbers preserved so field defaults stay canonical.
	var d definition
	dec := json.NewDecoder(strings.NewReader(def))
	dec.UseNumber()
	if err := dec.Decode(&d); err != nil {
		return nil, socket.Wrap(err, socket.KindInternal, "decode definition")
	}
	c.Fields = d.Fields
	c.Indexes = d.Indexes
	var err error
	if c.CreatedAt, err = infrastructure.ParseTime(createdAt); err != nil {
		return nil, socket.Wrap(err, socket.KindInternal, "parse collection timestamp")
	}
	if c.UpdatedAt, err = infrastructure.ParseTime(updatedAt); err != nil {
		return nil, socket.Wrap(err, socket.KindInternal, "parse collection timestamp")
	}
	return &c, nil
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
