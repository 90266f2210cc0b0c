package schema_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"krapi.io/krapi/internal/pkg/logger"
	"krapi.io/krapi/internal/schema"
	"krapi.io/krapi/internal/testutil"
	"krapi.io/krapi/pkg/socket"
)

func init() {
	_ = logger.Init("error", "json")
}

func TestProjectLifecycle(t *testing.T) {
	h := testutil.NewHarness(t, "schema_projects")
	ctx := context.Background()

	p, err := h.Registry.CreateProject(ctx, "alpha")
	require.NoError(t, err)
	require.NotEmpty(t, p.ID)

	_, err = h.Registry.CreateProject(ctx, "alpha")
	require.Equal(t, socket.KindUniqueConstraint, socket.KindOf(err))

	_, err = h.Registry.CreateProject(ctx, "")
	require.Equal(t, socket.KindValidation, socket.KindOf(err))

	got, err := h.Registry.GetProject(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, "alpha", got.Name)

	_, err = h.Registry.CreateProject(ctx, "beta")
	require.NoError(t, err)
	all, err := h.Registry.ListProjects(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "alpha", all[0].Name, "projects list in creation order")

	require.NoError(t, h.Registry.DeleteProject(ctx, p.ID))
	_, err = h.Registry.GetProject(ctx, p.ID)
	require.Equal(t, socket.KindNotFound, socket.KindOf(err))
	require.Equal(t, socket.KindNotFound, socket.KindOf(h.Registry.DeleteProject(ctx, p.ID)))
}

func TestDeleteProjectCascades(t *testing.T) {
	h := testutil.NewHarness(t, "schema_cascade")
	ctx := context.Background()

	p, err := h.Registry.CreateProject(ctx, "alpha")
	require.NoError(t, err)
	_, err = h.Registry.DefineCollection(ctx, p.ID, socket.CollectionSpec{
		Name:   "notes",
		Fields: []socket.Field{{Name: "body", Type: socket.FieldString}},
	})
	require.NoError(t, err)
	_, err = h.Store.Create(ctx, p.ID, "notes", map[string]any{"body": "hi"})
	require.NoError(t, err)

	require.NoError(t, h.Registry.DeleteProject(ctx, p.ID))

	var docs int
	require.NoError(t, h.DB.DB.QueryRow("SELECT COUNT(*) FROM documents").Scan(&docs))
	require.Zero(t, docs, "cascade removes the project's documents")
	var colls int
	require.NoError(t, h.DB.DB.QueryRow("SELECT COUNT(*) FROM collections").Scan(&colls))
	require.Zero(t, colls)
}

func TestDefineCollectionValidation(t *testing.T) {
	h := testutil.NewHarness(t, "schema_define")
	ctx := context.Background()
	p, err := h.Registry.CreateProject(ctx, "alpha")
	require.NoError(t, err)

	base := socket.CollectionSpec{
		Name:   "notes",
		Fields: []socket.Field{{Name: "body", Type: socket.FieldString}},
	}
	coll, err := h.Registry.DefineCollection(ctx, p.ID, base)
	require.NoError(t, err)
	require.Equal(t, 1, coll.Version)

	_, err = h.Registry.DefineCollection(ctx, p.ID, base)
	require.Equal(t, socket.KindDuplicateCollection, socket.KindOf(err))

	_, err = h.Registry.DefineCollection(ctx, "missing-project", base)
	require.Equal(t, socket.KindNotFound, socket.KindOf(err))

	bad := []socket.CollectionSpec{
		{Name: "has space", Fields: base.Fields},
		{Name: "x", Fields: []socket.Field{{Name: "1bad", Type: socket.FieldString}}},
		{Name: "x", Fields: []socket.Field{{Name: "a", Type: "blob"}}},
		{Name: "x", Fields: []socket.Field{
			{Name: "a", Type: socket.FieldString},
			{Name: "a", Type: socket.FieldString},
		}},
		{Name: "x", Fields: []socket.Field{{Name: "a", Type: socket.FieldInteger, Default: "zero"}}},
		{Name: "x", Fields: []socket.Field{
			{Name: "a", Type: socket.FieldString, Validation: json.RawMessage(`{"type":`)},
		}},
		{Name: "x", Fields: base.Fields, Indexes: []socket.Index{{Name: "i", Fields: nil}}},
		{Name: "x", Fields: base.Fields, Indexes: []socket.Index{{Name: "i", Fields: []string{"ghost"}}}},
		{Name: "x", Fields: base.Fields, Indexes: []socket.Index{
			{Name: "i", Fields: []string{"body"}},
			{Name: "i", Fields: []string{"body"}},
		}},
	}
	for _, spec := range bad {
		_, err := h.Registry.DefineCollection(ctx, p.ID, spec)
		require.Equal(t, socket.KindValidation, socket.KindOf(err), "spec %+v", spec)
	}
}

func TestApplyAdditions(t *testing.T) {
	h := testutil.NewHarness(t, "schema_apply")
	ctx := context.Background()
	p, err := h.Registry.CreateProject(ctx, "alpha")
	require.NoError(t, err)
	_, err = h.Registry.DefineCollection(ctx, p.ID, socket.CollectionSpec{
		Name:   "notes",
		Fields: []socket.Field{{Name: "body", Type: socket.FieldString}},
	})
	require.NoError(t, err)

	coll, changed, err := h.Registry.ApplyAdditions(ctx, p.ID, "notes", socket.CollectionUpdate{
		AddFields: []socket.Field{{Name: "author", Type: socket.FieldString}},
	})
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, 2, coll.Version)

	// Identical re-add is a no-op with no version bump.
	coll, changed, err = h.Registry.ApplyAdditions(ctx, p.ID, "notes", socket.CollectionUpdate{
		AddFields: []socket.Field{{Name: "author", Type: socket.FieldString}},
	})
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, 2, coll.Version)

	// Retyping an existing field is not an additive change.
	_, _, err = h.Registry.ApplyAdditions(ctx, p.ID, "notes", socket.CollectionUpdate{
		AddFields: []socket.Field{{Name: "author", Type: socket.FieldInteger}},
	})
	require.Equal(t, socket.KindUnsupportedMigration, socket.KindOf(err))

	coll, changed, err = h.Registry.ApplyAdditions(ctx, p.ID, "notes", socket.CollectionUpdate{
		AddIndexes: []socket.Index{{Name: "by_author", Fields: []string{"author"}}},
	})
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, 3, coll.Version)

	_, _, err = h.Registry.ApplyAdditions(ctx, p.ID, "notes", socket.CollectionUpdate{
		AddIndexes: []socket.Index{{Name: "by_author", Fields: []string{"body"}}},
	})
	require.Equal(t, socket.KindUnsupportedMigration, socket.KindOf(err))

	// The persisted definition survives a fresh read.
	got, err := h.Registry.GetCollection(ctx, p.ID, "notes")
	require.NoError(t, err)
	require.Equal(t, 3, got.Version)
	require.Len(t, got.Fields, 2)
	require.Len(t, got.Indexes, 1)
}

func TestValidateDefinition(t *testing.T) {
	c := &socket.Collection{
		Name:   "notes",
		Fields: []socket.Field{{Name: "body", Type: socket.FieldString}},
		Indexes: []socket.Index{
			{Name: "ok", Fields: []string{"body"}},
			{Name: "broken", Fields: []string{"ghost"}},
		},
	}
	issues := schema.ValidateDefinition(c)
	require.Len(t, issues, 1)
	require.Equal(t, socket.IssueOrphanedIndex, issues[0].Kind)
	require.Equal(t, "broken", issues[0].Index)
	require.Equal(t, "ghost", issues[0].Field)
}

func TestCheckValue(t *testing.T) {
	cases := []struct {
		name string
		f    socket.Field
		v    any
		ok   bool
	}{
		{"string ok", socket.Field{Name: "s", Type: socket.FieldString}, "x", true},
		{"string wrong", socket.Field{Name: "s", Type: socket.FieldString}, json.Number("1"), false},
		{"integer ok", socket.Field{Name: "n", Type: socket.FieldInteger}, json.Number("42"), true},
		{"integer fractional", socket.Field{Name: "n", Type: socket.FieldInteger}, json.Number("4.2"), false},
		{"decimal ok", socket.Field{Name: "d", Type: socket.FieldDecimal}, json.Number("4.2"), true},
		{"boolean ok", socket.Field{Name: "b", Type: socket.FieldBoolean}, true, true},
		{"timestamp ok", socket.Field{Name: "t", Type: socket.FieldTimestamp}, "2026-01-02T15:04:05Z", true},
		{"timestamp wrong", socket.Field{Name: "t", Type: socket.FieldTimestamp}, "yesterday", false},
		{"uuid ok", socket.Field{Name: "u", Type: socket.FieldUUID}, "0190cafe-0000-7000-8000-000000000000", true},
		{"uuid wrong", socket.Field{Name: "u", Type: socket.FieldUUID}, "nope", false},
		{"json anything", socket.Field{Name: "j", Type: socket.FieldJSON}, []any{json.Number("1")}, true},
		{"null optional", socket.Field{Name: "s", Type: socket.FieldString}, nil, true},
		{"null required", socket.Field{Name: "s", Type: socket.FieldString, Required: true}, nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := schema.CheckValue(tc.f, tc.v)
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.Equal(t, socket.KindValidation, socket.KindOf(err))
			}
		})
	}
}
