package store

import (
	"context"
	"fmt"
	"strings"

	"krapi.io/krapi/pkg/socket"
)

// List returns a filtered, ordered page of documents together with the total
// match count.
func (s *Store) List(ctx context.Context, projectID, collection string, opts socket.ListOptions) (*socket.DocumentPage, error) {
	coll, err := s.reg.GetCollection(ctx, projectID, collection)
	if err != nil {
		return nil, err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = s.defaultPageSize
	}
	if limit > s.maxPageSize {
		limit = s.maxPageSize
	}
	offset := opts.Offset
	if offset < 0 {
		return nil, socket.Validationf("", "offset must not be negative")
	}

	where := newQueryBuilder(s.d)
	where.write("collection_id = ")
	where.bind(coll.ID)
	if opts.Filter != nil {
		where.write(" AND ")
		if err := s.compileFilter(coll, opts.Filter, where); err != nil {
			return nil, err
		}
	}

	total, err := s.countWhere(ctx, where)
	if err != nil {
		return nil, err
	}

	order, err := s.orderClause(coll, opts.OrderBy, opts.OrderDirection)
	if err != nil {
		return nil, err
	}

	q := fmt.Sprintf("SELECT %s FROM documents WHERE %s%s LIMIT %d OFFSET %d",
		documentColumns, where.String(), order, limit, offset)
	rows, err := s.db.QueryContext(ctx, q, where.args...)
	if err != nil {
		return nil, socket.Wrap(err, socket.KindInternal, "list documents")
	}
	defer rows.Close()

	docs := []socket.Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, socket.Wrap(err, socket.KindInternal, "list documents")
	}

	return &socket.DocumentPage{
		Documents: docs,
		Total:     total,
		Limit:     limit,
		Offset:    offset,
	}, nil
}

// Count returns the number of documents matching the filter.
func (s *Store) Count(ctx context.Context, projectID, collection string, filter *socket.Filter) (int64, error) {
	coll, err := s.reg.GetCollection(ctx, projectID, collection)
	if err != nil {
		return 0, err
	}
	return s.countIn(ctx, coll, filter)
}

func (s *Store) countIn(ctx context.Context, coll *socket.Collection, filter *socket.Filter) (int64, error) {
	where := newQueryBuilder(s.d)
	where.write("collection_id = ")
	where.bind(coll.ID)
	if filter != nil {
		where.write(" AND ")
		if err := s.compileFilter(coll, filter, where); err != nil {
			return 0, err
		}
	}
	return s.countWhere(ctx, where)
}

func (s *Store) countWhere(ctx context.Context, where *queryBuilder) (int64, error) {
	var total int64
	q := "SELECT COUNT(*) FROM documents WHERE " + where.String()
	if err := s.db.QueryRowContext(ctx, q, where.args...).Scan(&total); err != nil {
		return 0, socket.Wrap(err, socket.KindInternal, "count documents")
	}
	return total, nil
}

// Search performs a best-effort, case-insensitive substring match across the
// named fields. The text is split into whitespace tokens; a document matches
// when every token appears in at least one of the fields. No ranking, and no
// pagination: results are capped at the configured maximum page size.
func (s *Store) Search(ctx context.Context, projectID, collection, text string, fields []string) ([]socket.Document, error) {
	coll, err := s.reg.GetCollection(ctx, projectID, collection)
	if err != nil {
		return nil, err
	}
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return nil, socket.Validationf("", "search text must not be empty")
	}
	if len(fields) == 0 {
		return nil, socket.Validationf("", "search requires at least one field")
	}

	exprs := make([]string, 0, len(fields))
	for _, name := range fields {
		if _, ok := metaColumns[name]; ok {
			exprs = append(exprs, name)
			continue
		}
		if _, ok := coll.FieldByName(name); !ok {
			return nil, socket.Validationf(name, "field %q is not declared on collection %q", name, coll.Name)
		}
		exprs = append(exprs, s.d.TextExpr("payload", name))
	}

	b := newQueryBuilder(s.d)
	b.write(fmt.Sprintf("SELECT %s FROM documents WHERE collection_id = ", documentColumns))
	b.bind(coll.ID)
	for _, tok := range tokens {
		pattern := "%" + escapeLike(strings.ToLower(tok)) + "%"
		b.write(" AND (")
		for i, expr := range exprs {
			if i > 0 {
				b.write(" OR ")
			}
			b.write("LOWER(" + expr + ") LIKE ")
			b.bind(pattern)
			b.write(" ESCAPE '\\'")
		}
		b.write(")")
	}
	b.write(fmt.Sprintf(" ORDER BY created_at DESC, id ASC LIMIT %d", s.maxPageSize))

	rows, err := s.db.QueryContext(ctx, b.String(), b.args...)
	if err != nil {
		return nil, socket.Wrap(err, socket.KindInternal, "search documents")
	}
	defer rows.Close()

	docs := []socket.Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
