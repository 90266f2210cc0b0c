package socket

import (
	"context"
	"encoding/json"
	"time"
)

// FieldType is the closed enumeration of collection field types.
type FieldType string

const (
	FieldString    FieldType = "string"
	FieldInteger   FieldType = "integer"
	FieldDecimal   FieldType = "decimal"
	FieldBoolean   FieldType = "boolean"
	FieldTimestamp FieldType = "timestamp"
	FieldJSON      FieldType = "json"
	FieldUUID      FieldType = "uuid"
)

// Valid reports whether t is a supported field type.
func (t FieldType) Valid() bool {
	switch t {
	case FieldString, FieldInteger, FieldDecimal, FieldBoolean, FieldTimestamp, FieldJSON, FieldUUID:
		return true
	}
	return false
}

// Field is a single field definition within a collection schema.
type Field struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required,omitempty"`
	Unique   bool      `json:"unique,omitempty"`
	Indexed  bool      `json:"indexed,omitempty"`

	// Default is applied on create when the field is absent. Must match Type.
	Default any `json:"default,omitempty"`

	// Validation is an optional JSON Schema fragment applied to the field
	// value at write time.
	Validation json.RawMessage `json:"validation,omitempty"`
}

// Index is a (possibly composite) index definition within a collection schema.
type Index struct {
	Name   string   `json:"name"`
	Fields []string `json:"fields"`
	Unique bool     `json:"unique,omitempty"`
}

// Project is the top-level isolation boundary. Deleting a project cascades to
// its collections and documents.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// CollectionSpec is the caller-supplied definition of a new collection.
type CollectionSpec struct {
	Name    string  `json:"name"`
	Fields  []Field `json:"fields"`
	Indexes []Index `json:"indexes,omitempty"`
}

// CollectionUpdate carries additive-only schema changes. Removing or retyping
// an existing field is rejected with UnsupportedMigration.
type CollectionUpdate struct {
	AddFields  []Field `json:"add_fields,omitempty"`
	AddIndexes []Index `json:"add_indexes,omitempty"`
}

// Collection is a stored collection definition. Version increases by one for
// every applied schema change.
type Collection struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Name      string    `json:"name"`
	Fields    []Field   `json:"fields"`
	Indexes   []Index   `json:"indexes,omitempty"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FieldByName returns the field definition for name, if declared.
func (c *Collection) FieldByName(name string) (Field, bool) {
	for _, f := range c.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Document is a single schema-conforming record. Data values are canonical
// JSON values: numbers are json.Number on both adapters.
type Document struct {
	ID           string         `json:"id"`
	CollectionID string         `json:"collection_id"`
	Data         map[string]any `json:"data"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	CreatedBy    string         `json:"created_by,omitempty"`
	UpdatedBy    string         `json:"updated_by,omitempty"`
}

// FilterOp enumerates filter predicate operators.
type FilterOp string

const (
	OpEq  FilterOp = "eq"
	OpNe  FilterOp = "ne"
	OpGt  FilterOp = "gt"
	OpGte FilterOp = "gte"
	OpLt  FilterOp = "lt"
	OpLte FilterOp = "lte"
	OpIn  FilterOp = "in"
	OpNin FilterOp = "nin"
)

// Filter is a structured predicate tree. A node is either a conjunction
// (And), a disjunction (Or), or a leaf comparison (Field/Op/Value).
// For OpIn and OpNin, Value must be a list.
type Filter struct {
	And []Filter `json:"and,omitempty"`
	Or  []Filter `json:"or,omitempty"`

	Field string   `json:"field,omitempty"`
	Op    FilterOp `json:"op,omitempty"`
	Value any      `json:"value,omitempty"`
}

// Eq builds a leaf equality filter.
func Eq(field string, value any) *Filter {
	return &Filter{Field: field, Op: OpEq, Value: value}
}

// Where builds a leaf comparison filter.
func Where(field string, op FilterOp, value any) *Filter {
	return &Filter{Field: field, Op: op, Value: value}
}

// OrderDirection enumerates list orderings.
type OrderDirection string

const (
	OrderAsc  OrderDirection = "asc"
	OrderDesc OrderDirection = "desc"
)

// ListOptions controls list pagination and ordering. When OrderBy is empty,
// documents are returned in creation order descending. Ties always break by
// identity ascending so pagination is deterministic.
type ListOptions struct {
	Filter         *Filter        `json:"filter,omitempty"`
	Limit          int            `json:"limit,omitempty"`
	Offset         int            `json:"offset,omitempty"`
	OrderBy        string         `json:"order_by,omitempty"`
	OrderDirection OrderDirection `json:"order_direction,omitempty"`
}

// DocumentPage is the result of a list operation. Total counts every document
// matching the filter, not just the returned page.
type DocumentPage struct {
	Documents []Document `json:"documents"`
	Total     int64      `json:"total"`
	Limit     int        `json:"limit"`
	Offset    int        `json:"offset"`
}

// DeleteOptions carries optional metadata for delete operations.
type DeleteOptions struct {
	DeletedBy string `json:"deleted_by,omitempty"`
}

// BulkUpdateItem is one entry of a bulk update request.
type BulkUpdateItem struct {
	ID   string         `json:"id"`
	Data map[string]any `json:"data"`
}

// BulkIndexError reports a failed item of a bulk create by position.
type BulkIndexError struct {
	Index  int    `json:"index"`
	Kind   Kind   `json:"kind"`
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason"`
}

// BulkIDError reports a failed item of a bulk update or delete by identity.
type BulkIDError struct {
	ID     string `json:"id"`
	Kind   Kind   `json:"kind"`
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason"`
}

// BulkCreateResult enumerates per-item outcomes of a bulk create.
type BulkCreateResult struct {
	Created []Document       `json:"created"`
	Errors  []BulkIndexError `json:"errors"`
}

// BulkUpdateResult enumerates per-item outcomes of a bulk update.
type BulkUpdateResult struct {
	Updated []Document    `json:"updated"`
	Errors  []BulkIDError `json:"errors"`
}

// BulkDeleteResult enumerates per-item outcomes of a bulk delete.
type BulkDeleteResult struct {
	DeletedCount int           `json:"deleted_count"`
	Errors       []BulkIDError `json:"errors"`
}

// AggregationType enumerates supported aggregation functions.
type AggregationType string

const (
	AggCount AggregationType = "count"
	AggSum   AggregationType = "sum"
	AggAvg   AggregationType = "avg"
	AggMin   AggregationType = "min"
	AggMax   AggregationType = "max"
)

// Aggregation names one computed value. Field is required for every type
// except count.
type Aggregation struct {
	Type  AggregationType `json:"type"`
	Field string          `json:"field,omitempty"`
}

// AggregateRequest groups documents by the Cartesian combination of GroupBy
// values and computes the named aggregations per group.
type AggregateRequest struct {
	GroupBy      []string               `json:"group_by,omitempty"`
	Aggregations map[string]Aggregation `json:"aggregations"`
	Filter       *Filter                `json:"filter,omitempty"`
}

// AggregateGroup is one result group. Key holds the group-by values, Values
// the computed aggregations keyed by their request name.
type AggregateGroup struct {
	Key    map[string]any `json:"key"`
	Values map[string]any `json:"values"`
}

// AggregateResult holds groups ordered by their key values ascending.
type AggregateResult struct {
	Groups []AggregateGroup `json:"groups"`
}

// SearchRequest is the wire shape of a search call.
type SearchRequest struct {
	Text   string   `json:"text"`
	Fields []string `json:"fields"`
}

// SchemaIssue is one problem found by a schema validation scan.
type SchemaIssue struct {
	Kind       string `json:"kind"`
	Field      string `json:"field,omitempty"`
	Index      string `json:"index,omitempty"`
	DocumentID string `json:"document_id,omitempty"`
	Detail     string `json:"detail"`
}

// Schema issue kinds reported by ValidateSchema.
const (
	IssueOrphanedIndex  = "orphaned_index"
	IssueTypeMismatch   = "type_mismatch"
	IssueDuplicateValue = "duplicate_value"
)

// SchemaReport is the result of a schema validation scan.
type SchemaReport struct {
	Valid  bool          `json:"valid"`
	Issues []SchemaIssue `json:"issues"`
}

type actorKey struct{}

// WithActor attaches the acting principal to the context. The store records
// it as created_by/updated_by and on emitted change events.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom extracts the acting principal from the context, if any.
func ActorFrom(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok {
		return v
	}
	return ""
}
