package store

import (
	"encoding/json"
	"strings"

	"krapi.io/krapi/internal/infrastructure"
	"krapi.io/krapi/pkg/socket"
)

// queryBuilder accumulates SQL with dialect-correct placeholders.
type queryBuilder struct {
	sb   strings.Builder
	args []any
	d    infrastructure.Dialect
}

func newQueryBuilder(d infrastructure.Dialect) *queryBuilder {
	return &queryBuilder{d: d}
}

func (b *queryBuilder) write(s string) {
	b.sb.WriteString(s)
}

// bind appends a placeholder for v at the current position.
func (b *queryBuilder) bind(v any) {
	b.args = append(b.args, v)
	b.sb.WriteString(b.d.Placeholder(len(b.args)))
}

func (b *queryBuilder) String() string {
	return b.sb.String()
}

// metaColumns are filterable/sortable document attributes that live in
// dedicated columns rather than the payload.
var metaColumns = map[string]string{
	"id":         "id",
	"created_at": "created_at",
	"updated_at": "updated_at",
	"created_by": "created_by",
	"updated_by": "updated_by",
}

// fieldRef resolves a filter/order field name to a SQL expression and the
// declared field type used for value binding.
func (s *Store) fieldRef(coll *socket.Collection, name string) (expr string, ft socket.FieldType, err error) {
	if col, ok := metaColumns[name]; ok {
		ft := socket.FieldString
		if name == "created_at" || name == "updated_at" {
			ft = socket.FieldTimestamp
		}
		return col, ft, nil
	}
	f, ok := coll.FieldByName(name)
	if !ok {
		return "", "", socket.Validationf(name, "field %q is not declared on collection %q", name, coll.Name)
	}
	if f.Type == socket.FieldJSON {
		// JSON-typed fields compare by their serialized form.
		return s.d.TextExpr("payload", f.Name), f.Type, nil
	}
	return s.d.FieldExpr("payload", f.Name, f.Type), f.Type, nil
}

// fieldComparison resolves a payload field to the expression and bound value
// used for equality probes. JSON-typed fields compare by their serialized
// canonical form.
func (s *Store) fieldComparison(f socket.Field, v any) (expr string, arg any, err error) {
	if f.Type == socket.FieldJSON {
		raw, err := json.Marshal(v)
		if err != nil {
			return "", nil, socket.Validationf(f.Name, "field %q value is not valid JSON: %v", f.Name, err)
		}
		return s.d.TextExpr("payload", f.Name), string(raw), nil
	}
	arg, err = bindValue(f.Name, f.Type, v)
	if err != nil {
		return "", nil, err
	}
	return s.d.FieldExpr("payload", f.Name, f.Type), arg, nil
}

// bindValue converts a canonical JSON value into the driver value matching
// the typed SQL expression for the field.
func bindValue(name string, ft socket.FieldType, v any) (any, error) {
	norm, err := socket.NormalizeValue(v)
	if err != nil {
		return nil, socket.Validationf(name, "field %q value is not valid JSON: %v", name, err)
	}
	switch ft {
	case socket.FieldInteger:
		n, ok := norm.(json.Number)
		if !ok {
			return nil, socket.Validationf(name, "field %q expects an integer value", name)
		}
		i, err := n.Int64()
		if err != nil {
			return nil, socket.Validationf(name, "field %q expects an integer value", name)
		}
		return i, nil
	case socket.FieldDecimal:
		n, ok := norm.(json.Number)
		if !ok {
			return nil, socket.Validationf(name, "field %q expects a numeric value", name)
		}
		f, err := n.Float64()
		if err != nil {
			return nil, socket.Validationf(name, "field %q expects a numeric value", name)
		}
		return f, nil
	case socket.FieldBoolean:
		b, ok := norm.(bool)
		if !ok {
			return nil, socket.Validationf(name, "field %q expects a boolean value", name)
		}
		return b, nil
	case socket.FieldTimestamp:
		sv, ok := norm.(string)
		if !ok {
			return nil, socket.Validationf(name, "field %q expects an RFC 3339 timestamp value", name)
		}
		// Stored timestamps are canonical UTC text; comparing against the
		// same rendering keeps the text comparison chronological.
		canon, err := infrastructure.CanonicalTimestamp(sv)
		if err != nil {
			return nil, socket.Validationf(name, "field %q expects an RFC 3339 timestamp value", name)
		}
		return canon, nil
	default:
		sv, ok := norm.(string)
		if !ok {
			return nil, socket.Validationf(name, "field %q expects a string value", name)
		}
		return sv, nil
	}
}

var filterOps = map[socket.FilterOp]string{
	socket.OpEq:  "=",
	socket.OpNe:  "<>",
	socket.OpGt:  ">",
	socket.OpGte: ">=",
	socket.OpLt:  "<",
	socket.OpLte: "<=",
}

// compileFilter appends the SQL for a predicate tree to the builder. A node
// is a conjunction, a disjunction, or a leaf comparison; anything else is a
// validation error.
func (s *Store) compileFilter(coll *socket.Collection, f *socket.Filter, b *queryBuilder) error {
	switch {
	case len(f.And) > 0:
		if len(f.Or) > 0 || f.Field != "" {
			return socket.Validationf("", "filter node must be exactly one of and/or/leaf")
		}
		b.write("(")
		for i := range f.And {
			if i > 0 {
				b.write(" AND ")
			}
			if err := s.compileFilter(coll, &f.And[i], b); err != nil {
				return err
			}
		}
		b.write(")")
		return nil
	case len(f.Or) > 0:
		if f.Field != "" {
			return socket.Validationf("", "filter node must be exactly one of and/or/leaf")
		}
		b.write("(")
		for i := range f.Or {
			if i > 0 {
				b.write(" OR ")
			}
			if err := s.compileFilter(coll, &f.Or[i], b); err != nil {
				return err
			}
		}
		b.write(")")
		return nil
	case f.Field != "":
		return s.compileLeaf(coll, f, b)
	default:
		return socket.Validationf("", "empty filter node")
	}
}

func (s *Store) compileLeaf(coll *socket.Collection, f *socket.Filter, b *queryBuilder) error {
	expr, ft, err := s.fieldRef(coll, f.Field)
	if err != nil {
		return err
	}

	switch f.Op {
	case socket.OpEq, socket.OpNe:
		if f.Value == nil {
			if f.Op == socket.OpEq {
				b.write(expr + " IS NULL")
			} else {
				b.write(expr + " IS NOT NULL")
			}
			return nil
		}
		fallthrough
	case socket.OpGt, socket.OpGte, socket.OpLt, socket.OpLte:
		if f.Value == nil {
			return socket.Validationf(f.Field, "comparison against null is only valid with eq/ne")
		}
		arg, err := s.leafArg(coll, f.Field, ft, f.Value)
		if err != nil {
			return err
		}
		b.write(expr + " " + filterOps[f.Op] + " ")
		b.bind(arg)
		return nil
	case socket.OpIn, socket.OpNin:
		items, err := filterList(f.Value)
		if err != nil {
			return socket.Validationf(f.Field, "operator %q expects a list value", f.Op)
		}
		if len(items) == 0 {
			// Empty membership: in matches nothing, nin matches everything.
			if f.Op == socket.OpIn {
				b.write("1 = 0")
			} else {
				b.write("1 = 1")
			}
			return nil
		}
		if f.Op == socket.OpNin {
			b.write("NOT (")
		}
		b.write(expr + " IN (")
		for i, item := range items {
			arg, err := s.leafArg(coll, f.Field, ft, item)
			if err != nil {
				return err
			}
			if i > 0 {
				b.write(", ")
			}
			b.bind(arg)
		}
		b.write(")")
		if f.Op == socket.OpNin {
			b.write(")")
		}
		return nil
	default:
		return socket.Validationf(f.Field, "unsupported filter operator %q", f.Op)
	}
}

// leafArg binds a filter value for a field reference. JSON-typed payload
// fields compare by serialized form, so route them through fieldComparison.
func (s *Store) leafArg(coll *socket.Collection, name string, ft socket.FieldType, v any) (any, error) {
	if f, ok := coll.FieldByName(name); ok && f.Type == socket.FieldJSON {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, socket.Validationf(name, "field %q value is not valid JSON: %v", name, err)
		}
		return string(raw), nil
	}
	return bindValue(name, ft, v)
}

func filterList(v any) ([]any, error) {
	norm, err := socket.NormalizeValue(v)
	if err != nil {
		return nil, err
	}
	items, ok := norm.([]any)
	if !ok {
		return nil, socket.Validationf("", "expected a list")
	}
	return items, nil
}

// orderClause builds the ORDER BY for list operations: the requested field
// and direction (creation order descending by default), with identity
// ascending as the tie-break so pagination is deterministic.
func (s *Store) orderClause(coll *socket.Collection, orderBy string, dir socket.OrderDirection) (string, error) {
	if orderBy == "" {
		return " ORDER BY created_at DESC, id ASC", nil
	}
	expr, _, err := s.fieldRef(coll, orderBy)
	if err != nil {
		return "", err
	}
	var sqlDir string
	switch dir {
	case socket.OrderAsc, "":
		sqlDir = "ASC"
	case socket.OrderDesc:
		sqlDir = "DESC"
	default:
		return "", socket.Validationf("", "order direction must be asc or desc, got %q", dir)
	}
	return " ORDER BY " + expr + " " + sqlDir + ", id ASC", nil
}
