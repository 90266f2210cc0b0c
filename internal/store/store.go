// Package store is the dynamic schema-driven document engine.
//
// Documents live in one generic table keyed by collection, with the payload
// held as canonical JSON behind a narrow encode/decode boundary; everything
// above the SQL edge works with native typed values. Writes go through a
// single serialized write path; reads run concurrently with writes and
// observe either the pre- or post-write state of a document, never a torn
// one. Schema migrations take a collection-scoped exclusive lock that blocks
// writes to that collection only.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"krapi.io/krapi/internal/infrastructure"
	"krapi.io/krapi/internal/metric"
	"krapi.io/krapi/internal/schema"
	"krapi.io/krapi/pkg/socket"
)

// Options tunes the engine.
type Options struct {
	// MaxPageSize caps list/search page sizes. Zero means 500.
	MaxPageSize int

	// DefaultPageSize applies when a list request carries no limit.
	// Zero means 50.
	DefaultPageSize int

	// Metrics receives per-operation document counters. Nil disables them.
	Metrics *metric.Metrics
}

// Store performs document CRUD, bulk, filter, aggregate, and search
// operations against the generic documents table. It depends on the schema
// registry for collection resolution and validation.
type Store struct {
	db  *sql.DB
	d   infrastructure.Dialect
	reg *schema.Registry

	// writeMu serializes all document writes (single-writer discipline).
	writeMu sync.Mutex

	// colLocks excludes document writes from collections under migration.
	colLocks collectionLocks

	maxPageSize     int
	defaultPageSize int
	metrics         *metric.Metrics

	sinkMu sync.RWMutex
	sink   EventSink

	// rules caches compiled validation rules per collection id + version.
	rules sync.Map
}

// New creates a document store on the shared database handle.
func New(db *infrastructure.Database, reg *schema.Registry, opts Options) *Store {
	if opts.MaxPageSize <= 0 {
		opts.MaxPageSize = 500
	}
	if opts.DefaultPageSize <= 0 {
		opts.DefaultPageSize = 50
	}
	return &Store{
		db:              db.DB,
		d:               db.Dialect,
		reg:             reg,
		maxPageSize:     opts.MaxPageSize,
		defaultPageSize: opts.DefaultPageSize,
		metrics:         opts.Metrics,
	}
}

// observe records one document operation outcome on the wired metrics.
func (s *Store) observe(op string, err error) {
	if s.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	s.metrics.DocumentOps.WithLabelValues(op, outcome).Inc()
}

// Registry exposes the backing schema registry.
func (s *Store) Registry() *schema.Registry { return s.reg }

// MaxPageSize reports the configured page size cap.
func (s *Store) MaxPageSize() int { return s.maxPageSize }

// collectionLocks hands out one RWMutex per collection id. Document writes
// take the read side; migrations take the write side.
type collectionLocks struct {
	mu sync.Mutex
	m  map[string]*sync.RWMutex
}

func (l *collectionLocks) get(id string) *sync.RWMutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.m == nil {
		l.m = make(map[string]*sync.RWMutex)
	}
	lk, ok := l.m[id]
	if !ok {
		lk = &sync.RWMutex{}
		l.m[id] = lk
	}
	return lk
}

// ExclusiveCollectionLock blocks document writes to one collection for the
// duration of a migration. Other collections are unaffected.
func (s *Store) ExclusiveCollectionLock(collectionID string) (release func()) {
	lk := s.colLocks.get(collectionID)
	lk.Lock()
	return lk.Unlock
}

// beginWrite enters the serialized write path for one collection.
func (s *Store) beginWrite(collectionID string) (release func()) {
	lk := s.colLocks.get(collectionID)
	lk.RLock()
	s.writeMu.Lock()
	return func() {
		s.writeMu.Unlock()
		lk.RUnlock()
	}
}

// Create validates data against the collection's current schema, assigns
// identity and timestamps, and persists the document.
func (s *Store) Create(ctx context.Context, projectID, collection string, data map[string]any) (*socket.Document, error) {
	coll, err := s.reg.GetCollection(ctx, projectID, collection)
	if err != nil {
		return nil, err
	}
	return s.createIn(ctx, coll, data)
}

func (s *Store) createIn(ctx context.Context, coll *socket.Collection, data map[string]any) (doc *socket.Document, err error) {
	defer func() { s.observe("create", err) }()
	payload, err := socket.NormalizeData(data)
	if err != nil {
		return nil, socket.Validationf("", "payload is not valid JSON: %v", err)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	if err := s.validatePayload(coll, payload, nil); err != nil {
		return nil, err
	}

	release := s.beginWrite(coll.ID)
	defer release()

	if err := s.checkUnique(ctx, coll, payload, "", nil); err != nil {
		return nil, err
	}

	now := infrastructure.Now()
	doc = &socket.Document{
		ID:           newID(),
		CollectionID: coll.ID,
		Data:         payload,
		CreatedAt:    now,
		UpdatedAt:    now,
		CreatedBy:    socket.ActorFrom(ctx),
	}
	raw, err := socket.EncodeData(payload)
	if err != nil {
		return nil, socket.Wrap(err, socket.KindInternal, "encode payload")
	}

	q := fmt.Sprintf(
		"INSERT INTO documents (id, collection_id, payload, created_at, updated_at, created_by, updated_by) VALUES (%s, %s, %s, %s, %s, %s, %s)",
		s.d.Placeholder(1), s.d.Placeholder(2), s.d.Placeholder(3), s.d.Placeholder(4),
		s.d.Placeholder(5), s.d.Placeholder(6), s.d.Placeholder(7))
	_, err = s.db.ExecContext(ctx, q,
		doc.ID, doc.CollectionID, string(raw),
		infrastructure.FormatTime(doc.CreatedAt), infrastructure.FormatTime(doc.UpdatedAt),
		doc.CreatedBy, doc.UpdatedBy)
	if err != nil {
		if s.d.IsUniqueViolation(err) {
			return nil, socket.Newf(socket.KindUniqueConstraint, "document identity collision")
		}
		return nil, socket.Wrap(err, socket.KindInternal, "insert document")
	}

	s.publish(Event{
		Type:       EventCreated,
		ProjectID:  coll.ProjectID,
		Collection: coll.Name,
		DocumentID: doc.ID,
		Actor:      doc.CreatedBy,
		Document:   doc,
	})
	return doc, nil
}

// Get loads a document by identity.
func (s *Store) Get(ctx context.Context, projectID, collection, id string) (*socket.Document, error) {
	coll, err := s.reg.GetCollection(ctx, projectID, collection)
	if err != nil {
		return nil, err
	}
	return s.getIn(ctx, coll, id)
}

func (s *Store) getIn(ctx context.Context, coll *socket.Collection, id string) (*socket.Document, error) {
	q := fmt.Sprintf(
		"SELECT %s FROM documents WHERE collection_id = %s AND id = %s",
		documentColumns, s.d.Placeholder(1), s.d.Placeholder(2))
	doc, err := scanDocument(s.db.QueryRowContext(ctx, q, coll.ID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, socket.NotFoundf("document %q not found in collection %q", id, coll.Name)
	}
	return doc, err
}

// Update merges the supplied fields into the existing payload and
// re-validates only the touched fields plus any unique constraints that
// reference them. An explicit null clears an optional field.
func (s *Store) Update(ctx context.Context, projectID, collection, id string, data map[string]any) (*socket.Document, error) {
	coll, err := s.reg.GetCollection(ctx, projectID, collection)
	if err != nil {
		return nil, err
	}
	return s.updateIn(ctx, coll, id, data)
}

func (s *Store) updateIn(ctx context.Context, coll *socket.Collection, id string, data map[string]any) (doc *socket.Document, err error) {
	defer func() { s.observe("update", err) }()

	partial, err := socket.NormalizeData(data)
	if err != nil {
		return nil, socket.Validationf("", "payload is not valid JSON: %v", err)
	}
	if len(partial) == 0 {
		return nil, socket.Validationf("", "update payload must supply at least one field")
	}

	release := s.beginWrite(coll.ID)
	defer release()

	doc, err = s.getIn(ctx, coll, id)
	if err != nil {
		return nil, err
	}

	touched := make(map[string]bool, len(partial))
	merged := make(map[string]any, len(doc.Data)+len(partial))
	for k, v := range doc.Data {
		merged[k] = v
	}
	for k, v := range partial {
		touched[k] = true
		if v == nil {
			f, ok := coll.FieldByName(k)
			if !ok {
				return nil, socket.Validationf(k, "field %q is not declared on collection %q", k, coll.Name)
			}
			if f.Required {
				return nil, socket.Validationf(k, "required field %q must not be cleared", k)
			}
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	if err := s.validatePayload(coll, merged, touched); err != nil {
		return nil, err
	}
	if err := s.checkUnique(ctx, coll, merged, doc.ID, touched); err != nil {
		return nil, err
	}

	doc.Data = merged
	doc.UpdatedAt = infrastructure.Now()
	doc.UpdatedBy = socket.ActorFrom(ctx)

	raw, err := socket.EncodeData(merged)
	if err != nil {
		return nil, socket.Wrap(err, socket.KindInternal, "encode payload")
	}
	q := fmt.Sprintf(
		"UPDATE documents SET payload = %s, updated_at = %s, updated_by = %s WHERE collection_id = %s AND id = %s",
		s.d.Placeholder(1), s.d.Placeholder(2), s.d.Placeholder(3), s.d.Placeholder(4), s.d.Placeholder(5))
	if _, err := s.db.ExecContext(ctx, q,
		string(raw), infrastructure.FormatTime(doc.UpdatedAt), doc.UpdatedBy, coll.ID, doc.ID); err != nil {
		return nil, socket.Wrap(err, socket.KindInternal, "update document")
	}

	s.publish(Event{
		Type:       EventUpdated,
		ProjectID:  coll.ProjectID,
		Collection: coll.Name,
		DocumentID: doc.ID,
		Actor:      doc.UpdatedBy,
		Document:   doc,
	})
	return doc, nil
}

// Delete removes a document. Hard delete; the deleted-by marker travels on
// the emitted change event only.
func (s *Store) Delete(ctx context.Context, projectID, collection, id string, opts socket.DeleteOptions) error {
	coll, err := s.reg.GetCollection(ctx, projectID, collection)
	if err != nil {
		return err
	}
	return s.deleteIn(ctx, coll, id, opts)
}

func (s *Store) deleteIn(ctx context.Context, coll *socket.Collection, id string, opts socket.DeleteOptions) (err error) {
	defer func() { s.observe("delete", err) }()

	release := s.beginWrite(coll.ID)
	defer release()

	q := fmt.Sprintf("DELETE FROM documents WHERE collection_id = %s AND id = %s",
		s.d.Placeholder(1), s.d.Placeholder(2))
	res, err := s.db.ExecContext(ctx, q, coll.ID, id)
	if err != nil {
		return socket.Wrap(err, socket.KindInternal, "delete document")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return socket.NotFoundf("document %q not found in collection %q", id, coll.Name)
	}

	actor := opts.DeletedBy
	if actor == "" {
		actor = socket.ActorFrom(ctx)
	}
	s.publish(Event{
		Type:       EventDeleted,
		ProjectID:  coll.ProjectID,
		Collection: coll.Name,
		DocumentID: id,
		Actor:      actor,
	})
	return nil
}

// DeleteAll removes every document of a collection. The caller must already
// hold the collection's exclusive lock (cascading deletion does), so only
// the serialized write mutex is taken here. Emits no per-document events.
func (s *Store) DeleteAll(ctx context.Context, coll *socket.Collection) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	q := fmt.Sprintf("DELETE FROM documents WHERE collection_id = %s", s.d.Placeholder(1))
	res, err := s.db.ExecContext(ctx, q, coll.ID)
	if err != nil {
		return 0, socket.Wrap(err, socket.KindInternal, "delete collection documents")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// validatePayload checks a payload against the collection schema. When
// touched is nil every field is checked and defaults/required rules apply
// (create); otherwise only touched fields are re-validated (update).
func (s *Store) validatePayload(coll *socket.Collection, payload map[string]any, touched map[string]bool) error {
	for name := range payload {
		if _, ok := coll.FieldByName(name); !ok {
			return socket.Validationf(name, "field %q is not declared on collection %q", name, coll.Name)
		}
	}

	for _, f := range coll.Fields {
		v, present := payload[f.Name]
		if touched == nil {
			// Create path: apply defaults, then enforce required.
			if !present {
				if f.Default != nil {
					if canon, ok := canonicalTimestamp(f, f.Default); ok {
						payload[f.Name] = canon
					} else {
						payload[f.Name] = f.Default
					}
					continue
				}
				if f.Required {
					return socket.Validationf(f.Name, "required field %q is missing", f.Name)
				}
				continue
			}
		} else if !touched[f.Name] {
			continue
		} else if !present {
			// Touched but cleared; handled during merge.
			continue
		}
		if err := schema.CheckValue(f, v); err != nil {
			return err
		}
		if canon, ok := canonicalTimestamp(f, v); ok {
			payload[f.Name] = canon
		}
		if len(f.Validation) > 0 && v != nil {
			rule, err := s.ruleFor(coll, f)
			if err != nil {
				return err
			}
			if err := schema.CheckRule(f.Name, rule, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// canonicalTimestamp rewrites an accepted timestamp value into the stored
// UTC layout. Offset-bearing inputs denote the same instant as their UTC
// rendering; storing the canonical form keeps the backend's text comparison
// chronological.
func canonicalTimestamp(f socket.Field, v any) (string, bool) {
	if f.Type != socket.FieldTimestamp {
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	canon, err := infrastructure.CanonicalTimestamp(s)
	if err != nil {
		return "", false
	}
	return canon, true
}

// ruleFor returns the compiled validation rule for a field, cached per
// collection version.
func (s *Store) ruleFor(coll *socket.Collection, f socket.Field) (*gojsonschema.Schema, error) {
	key := fmt.Sprintf("%s/%d/%s", coll.ID, coll.Version, f.Name)
	if v, ok := s.rules.Load(key); ok {
		return v.(*gojsonschema.Schema), nil
	}
	rule, err := schema.CompileRule(f.Validation)
	if err != nil {
		return nil, socket.Validationf(f.Name, "field %q validation rule does not compile: %v", f.Name, err)
	}
	s.rules.Store(key, rule)
	return rule, nil
}

// checkUnique enforces unique fields and unique indexes. When touched is
// non-nil, only constraints referencing a touched field are checked.
// Constraints with any null constituent are skipped; null never collides.
func (s *Store) checkUnique(ctx context.Context, coll *socket.Collection, payload map[string]any, excludeID string, touched map[string]bool) error {
	for _, f := range coll.Fields {
		if !f.Unique {
			continue
		}
		if touched != nil && !touched[f.Name] {
			continue
		}
		v, ok := payload[f.Name]
		if !ok || v == nil {
			continue
		}
		dup, err := s.existsWhere(ctx, coll, []socket.Field{f}, []any{v}, excludeID)
		if err != nil {
			return err
		}
		if dup {
			return socket.UniqueField(f.Name)
		}
	}

	for _, idx := range coll.Indexes {
		if !idx.Unique {
			continue
		}
		if touched != nil && !indexTouches(idx, touched) {
			continue
		}
		fields := make([]socket.Field, 0, len(idx.Fields))
		values := make([]any, 0, len(idx.Fields))
		complete := true
		for _, name := range idx.Fields {
			f, ok := coll.FieldByName(name)
			if !ok {
				// Orphaned index entry; surfaced by ValidateSchema, not here.
				complete = false
				break
			}
			v, present := payload[name]
			if !present || v == nil {
				complete = false
				break
			}
			fields = append(fields, f)
			values = append(values, v)
		}
		if !complete {
			continue
		}
		dup, err := s.existsWhere(ctx, coll, fields, values, excludeID)
		if err != nil {
			return err
		}
		if dup {
			return socket.UniqueIndex(idx.Name)
		}
	}
	return nil
}

func indexTouches(idx socket.Index, touched map[string]bool) bool {
	for _, f := range idx.Fields {
		if touched[f] {
			return true
		}
	}
	return false
}

// existsWhere reports whether another document of the collection carries the
// given field values.
func (s *Store) existsWhere(ctx context.Context, coll *socket.Collection, fields []socket.Field, values []any, excludeID string) (bool, error) {
	b := newQueryBuilder(s.d)
	b.write("SELECT 1 FROM documents WHERE collection_id = ")
	b.bind(coll.ID)
	for i, f := range fields {
		expr, arg, err := s.fieldComparison(f, values[i])
		if err != nil {
			return false, err
		}
		b.write(" AND " + expr + " = ")
		b.bind(arg)
	}
	if excludeID != "" {
		b.write(" AND id <> ")
		b.bind(excludeID)
	}
	b.write(" LIMIT 1")

	var one int
	err := s.db.QueryRowContext(ctx, b.String(), b.args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, socket.Wrap(err, socket.KindInternal, "uniqueness probe")
	}
	return true, nil
}

const documentColumns = "id, collection_id, payload, created_at, updated_at, created_by, updated_by"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*socket.Document, error) {
	var doc socket.Document
	var payload, createdAt, updatedAt string
	var createdBy, updatedBy sql.NullString
	if err := row.Scan(&doc.ID, &doc.CollectionID, &payload, &createdAt, &updatedAt, &createdBy, &updatedBy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, socket.Wrap(err, socket.KindInternal, "scan document")
	}
	data, err := socket.DecodeData([]byte(payload))
	if err != nil {
		return nil, socket.Wrap(err, socket.KindInternal, "decode payload")
	}
	doc.Data = data
	if doc.CreatedAt, err = infrastructure.ParseTime(createdAt); err != nil {
		return nil, socket.Wrap(err, socket.KindInternal, "parse document timestamp")
	}
	if doc.UpdatedAt, err = infrastructure.ParseTime(updatedAt); err != nil {
		return nil, socket.Wrap(err, socket.KindInternal, "parse document timestamp")
	}
	doc.CreatedBy = createdBy.String
	doc.UpdatedBy = updatedBy.String
	return &doc, nil
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
