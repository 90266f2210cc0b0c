package store

import (
	"context"
	"errors"

	"krapi.io/krapi/pkg/socket"
)

// Bulk operations execute each item as an independent atomic unit: one
// item's failure never aborts the others, and the result enumerates per-item
// outcomes. On cancellation the store stops issuing further items; already
// applied writes remain applied.

// BulkCreate creates many documents with partial-success semantics.
func (s *Store) BulkCreate(ctx context.Context, projectID, collection string, items []map[string]any) (*socket.BulkCreateResult, error) {
	coll, err := s.reg.GetCollection(ctx, projectID, collection)
	if err != nil {
		return nil, err
	}

	res := &socket.BulkCreateResult{
		Created: []socket.Document{},
		Errors:  []socket.BulkIndexError{},
	}
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, cancelled(err)
		}
		doc, err := s.createIn(ctx, coll, item)
		if err != nil {
			res.Errors = append(res.Errors, socket.BulkIndexError{
				Index:  i,
				Kind:   socket.KindOf(err),
				Field:  fieldOf(err),
				Reason: messageOf(err),
			})
			continue
		}
		res.Created = append(res.Created, *doc)
	}
	return res, nil
}

// BulkUpdate applies many partial updates with partial-success semantics.
func (s *Store) BulkUpdate(ctx context.Context, projectID, collection string, items []socket.BulkUpdateItem) (*socket.BulkUpdateResult, error) {
	coll, err := s.reg.GetCollection(ctx, projectID, collection)
	if err != nil {
		return nil, err
	}

	res := &socket.BulkUpdateResult{
		Updated: []socket.Document{},
		Errors:  []socket.BulkIDError{},
	}
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, cancelled(err)
		}
		doc, err := s.updateIn(ctx, coll, item.ID, item.Data)
		if err != nil {
			res.Errors = append(res.Errors, socket.BulkIDError{
				ID:     item.ID,
				Kind:   socket.KindOf(err),
				Field:  fieldOf(err),
				Reason: messageOf(err),
			})
			continue
		}
		res.Updated = append(res.Updated, *doc)
	}
	return res, nil
}

// BulkDelete removes many documents with partial-success semantics.
func (s *Store) BulkDelete(ctx context.Context, projectID, collection string, ids []string, opts socket.DeleteOptions) (*socket.BulkDeleteResult, error) {
	coll, err := s.reg.GetCollection(ctx, projectID, collection)
	if err != nil {
		return nil, err
	}

	res := &socket.BulkDeleteResult{
		Errors: []socket.BulkIDError{},
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, cancelled(err)
		}
		if err := s.deleteIn(ctx, coll, id, opts); err != nil {
			res.Errors = append(res.Errors, socket.BulkIDError{
				ID:     id,
				Kind:   socket.KindOf(err),
				Reason: messageOf(err),
			})
			continue
		}
		res.DeletedCount++
	}
	return res, nil
}

// cancelled translates a context error into the shared taxonomy.
func cancelled(err error) error {
	return &socket.Error{Kind: socket.KindTimeout, Message: "operation cancelled", Err: err}
}

func fieldOf(err error) string {
	var se *socket.Error
	if errors.As(err, &se) {
		return se.Field
	}
	return ""
}

func messageOf(err error) string {
	var se *socket.Error
	if errors.As(err, &se) {
		return se.Message
	}
	return err.Error()
}
