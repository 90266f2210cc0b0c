package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"krapi.io/krapi/internal/schema"
	"krapi.io/krapi/pkg/socket"
)

// CheckData scans a collection's stored documents against its current
// definition: values that no longer match their declared type, and values
// already colliding under a unique field or index. Definition-level issues
// (orphaned indexes) come from the registry; this covers the data side.
func (s *Store) CheckData(ctx context.Context, coll *socket.Collection) ([]socket.SchemaIssue, error) {
	q := fmt.Sprintf(
		"SELECT id, payload FROM documents WHERE collection_id = %s ORDER BY id",
		s.d.Placeholder(1))
	rows, err := s.db.QueryContext(ctx, q, coll.ID)
	if err != nil {
		return nil, socket.Wrap(err, socket.KindInternal, "scan collection data")
	}
	defer rows.Close()

	issues := []socket.SchemaIssue{}
	seenField := map[string]map[string]string{} // field -> value key -> first doc id
	seenIndex := map[string]map[string]string{} // index -> tuple key -> first doc id

	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return nil, cancelled(err)
		}
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, socket.Wrap(err, socket.KindInternal, "scan document")
		}
		data, err := socket.DecodeData([]byte(payload))
		if err != nil {
			issues = append(issues, socket.SchemaIssue{
				Kind:       socket.IssueTypeMismatch,
				DocumentID: id,
				Detail:     fmt.Sprintf("stored payload is not valid JSON: %v", err),
			})
			continue
		}

		for _, f := range coll.Fields {
			v, present := data[f.Name]
			if !present || v == nil {
				continue
			}
			if err := schema.CheckValue(f, v); err != nil {
				issues = append(issues, socket.SchemaIssue{
					Kind:       socket.IssueTypeMismatch,
					Field:      f.Name,
					DocumentID: id,
					Detail:     fmt.Sprintf("stored value does not match declared type %q", f.Type),
				})
				continue
			}
			if f.Unique {
				key := valueKey(v)
				if first, dup := seenField[f.Name][key]; dup {
					issues = append(issues, socket.SchemaIssue{
						Kind:       socket.IssueDuplicateValue,
						Field:      f.Name,
						DocumentID: id,
						Detail:     fmt.Sprintf("duplicates unique field %q of document %q", f.Name, first),
					})
				} else {
					if seenField[f.Name] == nil {
						seenField[f.Name] = map[string]string{}
					}
					seenField[f.Name][key] = id
				}
			}
		}

		for _, idx := range coll.Indexes {
			if !idx.Unique {
				continue
			}
			keys := make([]string, 0, len(idx.Fields))
			complete := true
			for _, name := range idx.Fields {
				v, present := data[name]
				if !present || v == nil {
					complete = false
					break
				}
				keys = append(keys, valueKey(v))
			}
			if !complete {
				continue
			}
			key := strings.Join(keys, "\x1f")
			if first, dup := seenIndex[idx.Name][key]; dup {
				issues = append(issues, socket.SchemaIssue{
					Kind:       socket.IssueDuplicateValue,
					Index:      idx.Name,
					DocumentID: id,
					Detail:     fmt.Sprintf("duplicates unique index %q of document %q", idx.Name, first),
				})
			} else {
				if seenIndex[idx.Name] == nil {
					seenIndex[idx.Name] = map[string]string{}
				}
				seenIndex[idx.Name][key] = id
			}
		}
	}
	return issues, rows.Err()
}

// valueKey renders a canonical value for duplicate tracking.
func valueKey(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}
