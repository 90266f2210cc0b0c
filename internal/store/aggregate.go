package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"krapi.io/krapi/pkg/socket"
)

// Aggregate groups documents by the Cartesian combination of group-by field
// values and computes the requested aggregations per group. Groups are
// ordered by their key values ascending so repeated calls return identical
// results.
func (s *Store) Aggregate(ctx context.Context, projectID, collection string, req socket.AggregateRequest) (*socket.AggregateResult, error) {
	coll, err := s.reg.GetCollection(ctx, projectID, collection)
	if err != nil {
		return nil, err
	}
	if len(req.Aggregations) == 0 {
		return nil, socket.Validationf("", "aggregate requires at least one aggregation")
	}

	// Deterministic column order: request names sorted.
	names := make([]string, 0, len(req.Aggregations))
	for name := range req.Aggregations {
		names = append(names, name)
	}
	sort.Strings(names)

	groupTypes := make([]socket.FieldType, 0, len(req.GroupBy))
	groupExprs := make([]string, 0, len(req.GroupBy))
	for _, name := range req.GroupBy {
		expr, ft, err := s.fieldRef(coll, name)
		if err != nil {
			return nil, err
		}
		if f, ok := coll.FieldByName(name); ok {
			ft = f.Type
		}
		groupExprs = append(groupExprs, expr)
		groupTypes = append(groupTypes, ft)
	}

	aggExprs := make([]string, 0, len(names))
	aggTypes := make([]socket.FieldType, 0, len(names))
	for _, name := range names {
		agg := req.Aggregations[name]
		sqlExpr, resultType, err := s.aggregationExpr(coll, name, agg)
		if err != nil {
			return nil, err
		}
		aggExprs = append(aggExprs, sqlExpr)
		aggTypes = append(aggTypes, resultType)
	}

	b := newQueryBuilder(s.d)
	b.write("SELECT ")
	b.write(strings.Join(append(append([]string{}, groupExprs...), aggExprs...), ", "))
	b.write(" FROM documents WHERE collection_id = ")
	b.bind(coll.ID)
	if req.Filter != nil {
		b.write(" AND ")
		if err := s.compileFilter(coll, req.Filter, b); err != nil {
			return nil, err
		}
	}
	if len(groupExprs) > 0 {
		b.write(" GROUP BY " + strings.Join(groupExprs, ", "))
		b.write(" ORDER BY " + strings.Join(groupExprs, ", "))
	}

	rows, err := s.db.QueryContext(ctx, b.String(), b.args...)
	if err != nil {
		return nil, socket.Wrap(err, socket.KindInternal, "aggregate documents")
	}
	defer rows.Close()

	result := &socket.AggregateResult{Groups: []socket.AggregateGroup{}}
	width := len(groupExprs) + len(aggExprs)
	for rows.Next() {
		raw := make([]any, width)
		ptrs := make([]any, width)
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, socket.Wrap(err, socket.KindInternal, "scan aggregate row")
		}

		group := socket.AggregateGroup{
			Key:    map[string]any{},
			Values: map[string]any{},
		}
		for i, name := range req.GroupBy {
			v, err := canonicalScan(raw[i], groupTypes[i])
			if err != nil {
				return nil, err
			}
			group.Key[name] = v
		}
		for i, name := range names {
			v, err := canonicalScan(raw[len(groupExprs)+i], aggTypes[i])
			if err != nil {
				return nil, err
			}
			group.Values[name] = v
		}
		result.Groups = append(result.Groups, group)
	}
	return result, rows.Err()
}

// aggregationExpr builds the SQL for one aggregation and reports the field
// type its result should be read back as.
func (s *Store) aggregationExpr(coll *socket.Collection, name string, agg socket.Aggregation) (string, socket.FieldType, error) {
	switch agg.Type {
	case socket.AggCount:
		return "COUNT(*)", socket.FieldInteger, nil
	case socket.AggSum, socket.AggAvg, socket.AggMin, socket.AggMax:
		if agg.Field == "" {
			return "", "", socket.Validationf("", "aggregation %q requires a field", name)
		}
		expr, ft, err := s.fieldRef(coll, agg.Field)
		if err != nil {
			return "", "", err
		}
		if f, ok := coll.FieldByName(agg.Field); ok {
			ft = f.Type
		}
		fn := strings.ToUpper(string(agg.Type))
		if agg.Type == socket.AggSum || agg.Type == socket.AggAvg {
			if ft != socket.FieldInteger && ft != socket.FieldDecimal {
				return "", "", socket.Validationf(agg.Field,
					"aggregation %q requires a numeric field, %q is %q", name, agg.Field, ft)
			}
			// sum/avg results are fractional in general.
			return fmt.Sprintf("%s(%s)", fn, expr), socket.FieldDecimal, nil
		}
		return fmt.Sprintf("%s(%s)", fn, expr), ft, nil
	default:
		return "", "", socket.Newf(socket.KindUnsupportedAggregation,
			"unsupported aggregation type %q for %q", agg.Type, name)
	}
}

// canonicalScan converts a driver-scanned value into canonical JSON form
// according to the declared field type.
func canonicalScan(v any, ft socket.FieldType) (any, error) {
	if v == nil {
		return nil, nil
	}
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	switch ft {
	case socket.FieldInteger:
		switch n := v.(type) {
		case int64:
			return json.Number(strconv.FormatInt(n, 10)), nil
		case float64:
			return socket.NormalizeValue(n)
		case string:
			return json.Number(n), nil
		}
	case socket.FieldDecimal:
		switch n := v.(type) {
		case int64:
			return json.Number(strconv.FormatInt(n, 10)), nil
		case float64:
			return socket.NormalizeValue(n)
		case string:
			// Postgres numerics arrive as text; reformat canonically.
			f, err := strconv.ParseFloat(n, 64)
			if err != nil {
				return json.Number(n), nil
			}
			return socket.NormalizeValue(f)
		}
	case socket.FieldBoolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case int64:
			return b != 0, nil
		}
	default:
		if s, ok := v.(string); ok {
			return s, nil
		}
	}
	return socket.NormalizeValue(v)
}
