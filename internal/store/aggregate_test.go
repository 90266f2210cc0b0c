package store_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"krapi.io/krapi/internal/testutil"
	"krapi.io/krapi/pkg/socket"
)

func seedSales(t *testing.T, h *testutil.Harness) string {
	t.Helper()
	ctx := context.Background()
	proj, err := h.Registry.CreateProject(ctx, "shop")
	require.NoError(t, err)
	_, err = h.Registry.DefineCollection(ctx, proj.ID, socket.CollectionSpec{
		Name: "sales",
		Fields: []socket.Field{
			{Name: "region", Type: socket.FieldString, Required: true},
			{Name: "amount", Type: socket.FieldInteger, Required: true},
			{Name: "price", Type: socket.FieldDecimal},
		},
	})
	require.NoError(t, err)

	rows := []map[string]any{
		{"region": "east", "amount": 10, "price": 1.5},
		{"region": "east", "amount": 20, "price": 2.5},
		{"region": "west", "amount": 5, "price": 4.0},
	}
	for _, r := range rows {
		_, err := h.Store.Create(ctx, proj.ID, "sales", r)
		require.NoError(t, err)
	}
	return proj.ID
}

func TestAggregateGrouped(t *testing.T) {
	h := testutil.NewHarness(t, "agg_grouped")
	projectID := seedSales(t, h)
	ctx := context.Background()

	res, err := h.Store.Aggregate(ctx, projectID, "sales", socket.AggregateRequest{
		GroupBy: []string{"region"},
		Aggregations: map[string]socket.Aggregation{
			"n":     {Type: socket.AggCount},
			"total": {Type: socket.AggSum, Field: "amount"},
			"low":   {Type: socket.AggMin, Field: "amount"},
			"high":  {Type: socket.AggMax, Field: "amount"},
		},
	})
	require.NoError(t, err)

	want := []socket.AggregateGroup{
		{
			Key: map[string]any{"region": "east"},
			Values: map[string]any{
				"n":     json.Number("2"),
				"total": json.Number("30"),
				"low":   json.Number("10"),
				"high":  json.Number("20"),
			},
		},
		{
			Key: map[string]any{"region": "west"},
			Values: map[string]any{
				"n":     json.Number("1"),
				"total": json.Number("5"),
				"low":   json.Number("5"),
				"high":  json.Number("5"),
			},
		},
	}
	if diff := cmp.Diff(want, res.Groups); diff != "" {
		t.Errorf("groups mismatch (-want +got):\n%s", diff)
	}
}

func TestAggregateUngroupedWithFilter(t *testing.T) {
	h := testutil.NewHarness(t, "agg_filter")
	projectID := seedSales(t, h)
	ctx := context.Background()

	res, err := h.Store.Aggregate(ctx, projectID, "sales", socket.AggregateRequest{
		Aggregations: map[string]socket.Aggregation{
			"n":   {Type: socket.AggCount},
			"avg": {Type: socket.AggAvg, Field: "amount"},
		},
		Filter: socket.Eq("region", "east"),
	})
	require.NoError(t, err)
	require.Len(t, res.Groups, 1)
	g := res.Groups[0]
	require.Empty(t, g.Key)
	require.Equal(t, json.Number("2"), g.Values["n"])
	require.Equal(t, json.Number("15"), g.Values["avg"])
}

func TestAggregateValidation(t *testing.T) {
	h := testutil.NewHarness(t, "agg_invalid")
	projectID := seedSales(t, h)
	ctx := context.Background()

	_, err := h.Store.Aggregate(ctx, projectID, "sales", socket.AggregateRequest{})
	require.Equal(t, socket.KindValidation, socket.KindOf(err))

	_, err = h.Store.Aggregate(ctx, projectID, "sales", socket.AggregateRequest{
		Aggregations: map[string]socket.Aggregation{"x": {Type: "median", Field: "amount"}},
	})
	require.Equal(t, socket.KindUnsupportedAggregation, socket.KindOf(err))

	_, err = h.Store.Aggregate(ctx, projectID, "sales", socket.AggregateRequest{
		Aggregations: map[string]socket.Aggregation{"x": {Type: socket.AggSum, Field: "region"}},
	})
	require.Equal(t, socket.KindValidation, socket.KindOf(err))

	_, err = h.Store.Aggregate(ctx, projectID, "sales", socket.AggregateRequest{
		Aggregations: map[string]socket.Aggregation{"x": {Type: socket.AggSum}},
	})
	require.Equal(t, socket.KindValidation, socket.KindOf(err))
}
