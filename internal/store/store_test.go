package store_test

import (
	"context"
	"encoding/json"
	"testing"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"krapi.io/krapi/internal/pkg/logger"
	"krapi.io/krapi/internal/testutil"
	"krapi.io/krapi/pkg/socket"
)

func init() {
	_ = logger.Init("error", "json")
}

// seedArticles creates a project with an "articles" collection covering the
// field types and constraints the write path enforces.
func seedArticles(t *testing.T, h *testutil.Harness) string {
	t.Helper()
	ctx := context.Background()
	proj, err := h.Registry.CreateProject(ctx, "newsroom")
	require.NoError(t, err)

	coll, err := h.Registry.DefineCollection(ctx, proj.ID, socket.CollectionSpec{
		Name: "articles",
		Fields: []socket.Field{
			{Name: "title", Type: socket.FieldString, Required: true},
			{Name: "slug", Type: socket.FieldString, Required: true, Unique: true},
			{Name: "status", Type: socket.FieldString, Default: "draft", Indexed: true},
			{Name: "views", Type: socket.FieldInteger},
			{Name: "rating", Type: socket.FieldDecimal},
			{Name: "published", Type: socket.FieldBoolean},
			{Name: "contact", Type: socket.FieldString,
				Validation: json.RawMessage(`{"type":"string","pattern":"^[^@]+@[^@]+$"}`)},
			{Name: "meta", Type: socket.FieldJSON},
		},
	})
	require.NoError(t, err)
	require.NoError(t, h.Engine.EnsureIndexes(ctx, coll))
	return proj.ID
}

func TestCreateAppliesDefaultsAndActor(t *testing.T) {
	h := testutil.NewHarness(t, "store_create")
	projectID := seedArticles(t, h)
	ctx := socket.WithActor(context.Background(), "alice")

	doc, err := h.Store.Create(ctx, projectID, "articles", map[string]any{
		"title": "Hello",
		"slug":  "hello",
		"views": 7,
	})
	require.NoError(t, err)
	require.NotEmpty(t, doc.ID)
	require.Equal(t, "alice", doc.CreatedBy)
	require.Empty(t, doc.UpdatedBy)
	require.Equal(t, "draft", doc.Data["status"], "absent field takes its default")
	require.Equal(t, json.Number("7"), doc.Data["views"])

	got, err := h.Store.Get(ctx, projectID, "articles", doc.ID)
	require.NoError(t, err)
	require.Equal(t, doc.Data, got.Data)
	require.True(t, doc.CreatedAt.Equal(got.CreatedAt))
}

func TestCreateValidation(t *testing.T) {
	h := testutil.NewHarness(t, "store_validation")
	projectID := seedArticles(t, h)
	ctx := context.Background()

	cases := []struct {
		name  string
		data  map[string]any
		field string
	}{
		{"missing required", map[string]any{"slug": "x"}, "title"},
		{"undeclared field", map[string]any{"title": "X", "slug": "x", "bogus": 1}, "bogus"},
		{"wrong type", map[string]any{"title": "X", "slug": "x", "views": "many"}, "views"},
		{"fractional integer", map[string]any{"title": "X", "slug": "x", "views": 1.5}, "views"},
		{"rule rejects", map[string]any{"title": "X", "slug": "x", "contact": "not-an-address"}, "contact"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.Store.Create(ctx, projectID, "articles", tc.data)
			require.Equal(t, socket.KindValidation, socket.KindOf(err))
			var se *socket.Error
			require.ErrorAs(t, err, &se)
			require.Equal(t, tc.field, se.Field)
		})
	}

	// A passing rule value is accepted.
	_, err := h.Store.Create(ctx, projectID, "articles", map[string]any{
		"title": "X", "slug": "x", "contact": "desk@example.com",
	})
	require.NoError(t, err)
}

func TestUniqueFieldEnforcement(t *testing.T) {
	h := testutil.NewHarness(t, "store_unique")
	projectID := seedArticles(t, h)
	ctx := context.Background()

	_, err := h.Store.Create(ctx, projectID, "articles", map[string]any{"title": "A", "slug": "same"})
	require.NoError(t, err)

	_, err = h.Store.Create(ctx, projectID, "articles", map[string]any{"title": "B", "slug": "same"})
	require.Equal(t, socket.KindUniqueConstraint, socket.KindOf(err))
	var se *socket.Error
	require.ErrorAs(t, err, &se)
	require.Equal(t, "slug", se.Field)
}

func TestUniqueCompositeIndex(t *testing.T) {
	h := testutil.NewHarness(t, "store_composite")
	ctx := context.Background()
	proj, err := h.Registry.CreateProject(ctx, "teams")
	require.NoError(t, err)
	_, err = h.Registry.DefineCollection(ctx, proj.ID, socket.CollectionSpec{
		Name: "memberships",
		Fields: []socket.Field{
			{Name: "user_id", Type: socket.FieldString, Required: true},
			{Name: "team_id", Type: socket.FieldString},
			{Name: "role", Type: socket.FieldString},
		},
		Indexes: []socket.Index{
			{Name: "user_team", Fields: []string{"user_id", "team_id"}, Unique: true},
		},
	})
	require.NoError(t, err)

	_, err = h.Store.Create(ctx, proj.ID, "memberships", map[string]any{"user_id": "u1", "team_id": "t1"})
	require.NoError(t, err)

	_, err = h.Store.Create(ctx, proj.ID, "memberships", map[string]any{"user_id": "u1", "team_id": "t1", "role": "admin"})
	require.Equal(t, socket.KindUniqueConstraint, socket.KindOf(err))
	var se *socket.Error
	require.ErrorAs(t, err, &se)
	require.Equal(t, "user_team", se.Index)

	// Different tuple is fine; an incomplete tuple never collides.
	_, err = h.Store.Create(ctx, proj.ID, "memberships", map[string]any{"user_id": "u1", "team_id": "t2"})
	require.NoError(t, err)
	_, err = h.Store.Create(ctx, proj.ID, "memberships", map[string]any{"user_id": "u1"})
	require.NoError(t, err)
	_, err = h.Store.Create(ctx, proj.ID, "memberships", map[string]any{"user_id": "u1"})
	require.NoError(t, err)
}

func TestUpdateMergesAndClears(t *testing.T) {
	h := testutil.NewHarness(t, "store_update")
	projectID := seedArticles(t, h)
	ctx := socket.WithActor(context.Background(), "alice")

	doc, err := h.Store.Create(ctx, projectID, "articles", map[string]any{
		"title": "Hello", "slug": "hello", "views": 1, "published": true,
	})
	require.NoError(t, err)

	ctx2 := socket.WithActor(context.Background(), "bob")
	updated, err := h.Store.Update(ctx2, projectID, "articles", doc.ID, map[string]any{
		"views": 2,
		"meta":  map[string]any{"source": "feed"},
	})
	require.NoError(t, err)
	require.Equal(t, json.Number("2"), updated.Data["views"])
	require.Equal(t, "Hello", updated.Data["title"], "untouched fields survive the merge")
	require.Equal(t, true, updated.Data["published"])
	require.Equal(t, "alice", updated.CreatedBy)
	require.Equal(t, "bob", updated.UpdatedBy)

	// Explicit null clears an optional field.
	cleared, err := h.Store.Update(ctx2, projectID, "articles", doc.ID, map[string]any{"views": nil})
	require.NoError(t, err)
	_, present := cleared.Data["views"]
	require.False(t, present)

	// Clearing a required field is refused.
	_, err = h.Store.Update(ctx2, projectID, "articles", doc.ID, map[string]any{"title": nil})
	require.Equal(t, socket.KindValidation, socket.KindOf(err))

	// Empty updates are refused.
	_, err = h.Store.Update(ctx2, projectID, "articles", doc.ID, map[string]any{})
	require.Equal(t, socket.KindValidation, socket.KindOf(err))

	_, err = h.Store.Update(ctx2, projectID, "articles", "missing", map[string]any{"views": 3})
	require.Equal(t, socket.KindNotFound, socket.KindOf(err))
}

func TestUpdateUniqueOnlyWhenTouched(t *testing.T) {
	h := testutil.NewHarness(t, "store_touch")
	projectID := seedArticles(t, h)
	ctx := context.Background()

	a, err := h.Store.Create(ctx, projectID, "articles", map[string]any{"title": "A", "slug": "a"})
	require.NoError(t, err)
	_, err = h.Store.Create(ctx, projectID, "articles", map[string]any{"title": "B", "slug": "b"})
	require.NoError(t, err)

	// Touching an unrelated field never re-probes the slug.
	_, err = h.Store.Update(ctx, projectID, "articles", a.ID, map[string]any{"views": 5})
	require.NoError(t, err)

	// Writing the same value back is not a collision with itself.
	_, err = h.Store.Update(ctx, projectID, "articles", a.ID, map[string]any{"slug": "a"})
	require.NoError(t, err)

	_, err = h.Store.Update(ctx, projectID, "articles", a.ID, map[string]any{"slug": "b"})
	require.Equal(t, socket.KindUniqueConstraint, socket.KindOf(err))
}

func TestDocumentOperationsAreCounted(t *testing.T) {
	h := testutil.NewHarness(t, "store_metrics")
	projectID := seedArticles(t, h)
	ctx := context.Background()

	doc, err := h.Store.Create(ctx, projectID, "articles", map[string]any{"title": "A", "slug": "a"})
	require.NoError(t, err)
	_, err = h.Store.Update(ctx, projectID, "articles", doc.ID, map[string]any{"views": 1})
	require.NoError(t, err)
	require.NoError(t, h.Store.Delete(ctx, projectID, "articles", doc.ID, socket.DeleteOptions{}))

	_, err = h.Store.Create(ctx, projectID, "articles", map[string]any{"slug": "b"})
	require.Equal(t, socket.KindValidation, socket.KindOf(err))

	ops := h.Metrics.DocumentOps
	require.Equal(t, 1.0, promtestutil.ToFloat64(ops.WithLabelValues("create", "success")))
	require.Equal(t, 1.0, promtestutil.ToFloat64(ops.WithLabelValues("create", "error")))
	require.Equal(t, 1.0, promtestutil.ToFloat64(ops.WithLabelValues("update", "success")))
	require.Equal(t, 1.0, promtestutil.ToFloat64(ops.WithLabelValues("delete", "success")))
}

func TestDelete(t *testing.T) {
	h := testutil.NewHarness(t, "store_delete")
	projectID := seedArticles(t, h)
	ctx := context.Background()

	doc, err := h.Store.Create(ctx, projectID, "articles", map[string]any{"title": "A", "slug": "a"})
	require.NoError(t, err)

	require.NoError(t, h.Store.Delete(ctx, projectID, "articles", doc.ID, socket.DeleteOptions{DeletedBy: "janitor"}))
	_, err = h.Store.Get(ctx, projectID, "articles", doc.ID)
	require.Equal(t, socket.KindNotFound, socket.KindOf(err))

	err = h.Store.Delete(ctx, projectID, "articles", doc.ID, socket.DeleteOptions{})
	require.Equal(t, socket.KindNotFound, socket.KindOf(err))
}
