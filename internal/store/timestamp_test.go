package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"krapi.io/krapi/internal/testutil"
	"krapi.io/krapi/pkg/socket"
)

// seedTimeline creates a project with an "events" collection carrying one
// timestamp payload field.
func seedTimeline(t *testing.T, h *testutil.Harness) string {
	t.Helper()
	ctx := context.Background()
	proj, err := h.Registry.CreateProject(ctx, "timeline")
	require.NoError(t, err)
	_, err = h.Registry.DefineCollection(ctx, proj.ID, socket.CollectionSpec{
		Name: "events",
		Fields: []socket.Field{
			{Name: "name", Type: socket.FieldString, Required: true},
			{Name: "at", Type: socket.FieldTimestamp, Required: true},
		},
	})
	require.NoError(t, err)
	return proj.ID
}

func TestTimestampStoredAsCanonicalUTC(t *testing.T) {
	h := testutil.NewHarness(t, "ts_canonical")
	projectID := seedTimeline(t, h)
	ctx := context.Background()

	// +02:00 denotes the same instant as its UTC rendering.
	doc, err := h.Store.Create(ctx, projectID, "events", map[string]any{
		"name": "offset", "at": "2026-01-01T01:00:00+02:00",
	})
	require.NoError(t, err)
	require.Equal(t, "2025-12-31T23:00:00.000000Z", doc.Data["at"])

	got, err := h.Store.Get(ctx, projectID, "events", doc.ID)
	require.NoError(t, err)
	require.Equal(t, doc.Data["at"], got.Data["at"])

	// Updates normalize the same way.
	upd, err := h.Store.Update(ctx, projectID, "events", doc.ID, map[string]any{
		"at": "2026-03-01T12:30:45.5-05:00",
	})
	require.NoError(t, err)
	require.Equal(t, "2026-03-01T17:30:45.500000Z", upd.Data["at"])
}

func TestTimestampFiltersCompareInstants(t *testing.T) {
	h := testutil.NewHarness(t, "ts_filter")
	projectID := seedTimeline(t, h)
	ctx := context.Background()

	// The first value reads as later than the second when compared as raw
	// text, but denotes the earlier instant (2025-12-31T23:00:00Z).
	seed := []map[string]any{
		{"name": "early", "at": "2026-01-01T01:00:00+02:00"},
		{"name": "late", "at": "2026-01-01T00:30:00Z"},
	}
	for _, data := range seed {
		_, err := h.Store.Create(ctx, projectID, "events", data)
		require.NoError(t, err)
	}

	n, err := h.Store.Count(ctx, projectID, "events",
		socket.Where("at", socket.OpGt, "2026-01-01T00:00:00Z"))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	// Offset-bearing filter values collapse to the same instant too.
	n, err = h.Store.Count(ctx, projectID, "events",
		socket.Where("at", socket.OpGt, "2026-01-01T02:00:00+02:00"))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	// Equality matches across renderings of one instant.
	n, err = h.Store.Count(ctx, projectID, "events",
		socket.Eq("at", "2025-12-31T23:00:00Z"))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	// Whole-second bounds compare correctly against fractional storage.
	n, err = h.Store.Count(ctx, projectID, "events",
		socket.Where("at", socket.OpGte, "2025-12-31T23:00:00Z"))
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	_, err = h.Store.Count(ctx, projectID, "events",
		socket.Where("at", socket.OpGt, "not-a-time"))
	require.Equal(t, socket.KindValidation, socket.KindOf(err))
}

func TestCreatedAtFilterComparesInstants(t *testing.T) {
	h := testutil.NewHarness(t, "ts_created_at")
	projectID := seedTimeline(t, h)
	ctx := context.Background()

	_, err := h.Store.Create(ctx, projectID, "events", map[string]any{
		"name": "only", "at": "2026-01-01T00:00:00Z",
	})
	require.NoError(t, err)

	// A far-future bound in a non-UTC zone still excludes nothing stored.
	n, err := h.Store.Count(ctx, projectID, "events",
		socket.Where("created_at", socket.OpLt, "2100-01-01T00:00:00+09:00"))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	n, err = h.Store.Count(ctx, projectID, "events",
		socket.Where("created_at", socket.OpGt, "2100-01-01T00:00:00+09:00"))
	require.NoError(t, err)
	require.Zero(t, n)
}
