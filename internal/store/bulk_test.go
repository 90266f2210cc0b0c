package store_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"krapi.io/krapi/internal/testutil"
	"krapi.io/krapi/pkg/socket"
)

func TestBulkCreatePartialSuccess(t *testing.T) {
	h := testutil.NewHarness(t, "bulk_create")
	projectID := seedArticles(t, h)
	ctx := context.Background()

	res, err := h.Store.BulkCreate(ctx, projectID, "articles", []map[string]any{
		{"title": "One", "slug": "one"},
		{"title": "Clash", "slug": "one"},
		{"title": "Three", "slug": "three"},
	})
	require.NoError(t, err)
	require.Len(t, res.Created, 2)
	require.Len(t, res.Errors, 1)
	require.Equal(t, 1, res.Errors[0].Index)
	require.Equal(t, socket.KindUniqueConstraint, res.Errors[0].Kind)
	require.Equal(t, "slug", res.Errors[0].Field)

	// The failed item changed nothing; the successes are durable.
	count, err := h.Store.Count(ctx, projectID, "articles", nil)
	require.NoError(t, err)
	require.EqualValues(t, 2, count)
}

func TestBulkUpdatePartialSuccess(t *testing.T) {
	h := testutil.NewHarness(t, "bulk_update")
	projectID := seedArticles(t, h)
	ctx := context.Background()

	a, err := h.Store.Create(ctx, projectID, "articles", map[string]any{"title": "A", "slug": "a"})
	require.NoError(t, err)
	b, err := h.Store.Create(ctx, projectID, "articles", map[string]any{"title": "B", "slug": "b"})
	require.NoError(t, err)

	res, err := h.Store.BulkUpdate(ctx, projectID, "articles", []socket.BulkUpdateItem{
		{ID: a.ID, Data: map[string]any{"views": 1}},
		{ID: "missing", Data: map[string]any{"views": 2}},
		{ID: b.ID, Data: map[string]any{"slug": "a"}},
	})
	require.NoError(t, err)
	require.Len(t, res.Updated, 1)
	require.Equal(t, json.Number("1"), res.Updated[0].Data["views"])
	require.Len(t, res.Errors, 2)
	require.Equal(t, "missing", res.Errors[0].ID)
	require.Equal(t, socket.KindNotFound, res.Errors[0].Kind)
	require.Equal(t, b.ID, res.Errors[1].ID)
	require.Equal(t, socket.KindUniqueConstraint, res.Errors[1].Kind)
}

func TestBulkDeletePartialSuccess(t *testing.T) {
	h := testutil.NewHarness(t, "bulk_delete")
	projectID := seedArticles(t, h)
	ctx := context.Background()

	a, err := h.Store.Create(ctx, projectID, "articles", map[string]any{"title": "A", "slug": "a"})
	require.NoError(t, err)
	b, err := h.Store.Create(ctx, projectID, "articles", map[string]any{"title": "B", "slug": "b"})
	require.NoError(t, err)

	res, err := h.Store.BulkDelete(ctx, projectID, "articles", []string{a.ID, "missing", b.ID}, socket.DeleteOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, res.DeletedCount)
	require.Len(t, res.Errors, 1)
	require.Equal(t, "missing", res.Errors[0].ID)
	require.Equal(t, socket.KindNotFound, res.Errors[0].Kind)

	count, err := h.Store.Count(ctx, projectID, "articles", nil)
	require.NoError(t, err)
	require.Zero(t, count)
}
