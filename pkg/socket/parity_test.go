package socket_test

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"krapi.io/krapi/internal/app"
	"krapi.io/krapi/internal/auth"
	"krapi.io/krapi/internal/config"
	"krapi.io/krapi/internal/pkg/logger"
	"krapi.io/krapi/pkg/socket"
)

func init() {
	_ = logger.Init("error", "json")
	gin.SetMode(gin.TestMode)
}

const testSessionSecret = "adapter-parity-session-secret-0123456789"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Database: config.DatabaseConfig{
			Driver: "sqlite",
			Path:   filepath.Join(t.TempDir(), "parity.db"),
		},
		Store: config.StoreConfig{
			MaxPageSize:     500,
			DefaultPageSize: 50,
		},
		Auth: config.AuthConfig{
			SessionSecret: testSessionSecret,
			TokenTTL:      time.Hour,
		},
		Worker: config.WorkerConfig{
			GeneralPoolSize: 16,
			EventsPoolSize:  8,
		},
	}
}

// adapterPair serves one engine through both adapters: the application's own
// local socket and a remote socket dialed against an in-process HTTP server.
func adapterPair(t *testing.T) (local, remote socket.Socket) {
	t.Helper()

	application, err := app.Bootstrap(context.Background(), testConfig(t))
	require.NoError(t, err)
	t.Cleanup(application.Shutdown)

	srv := httptest.NewServer(application.Router)
	t.Cleanup(srv.Close)

	token, _, err := auth.IssueToken(auth.TokenConfig{
		SigningKey: []byte(testSessionSecret),
		Issuer:     "krapi",
		TTL:        time.Hour,
	}, "parity")
	require.NoError(t, err)

	remote, err = socket.Dial(socket.Remote{Endpoint: srv.URL, Token: token})
	require.NoError(t, err)
	t.Cleanup(func() { _ = remote.Close() })

	return application.Socket, remote
}

func articlesSpec() socket.CollectionSpec {
	return socket.CollectionSpec{
		Name: "articles",
		Fields: []socket.Field{
			{Name: "title", Type: socket.FieldString, Required: true},
			{Name: "slug", Type: socket.FieldString, Required: true, Unique: true},
			{Name: "status", Type: socket.FieldString, Required: true},
			{Name: "views", Type: socket.FieldInteger},
			{Name: "rating", Type: socket.FieldDecimal},
		},
		Indexes: []socket.Index{
			{Name: "by_status", Fields: []string{"status"}},
		},
	}
}

// same fails the test when both adapters disagree on a result.
func same(t *testing.T, what string, local, remote any) {
	t.Helper()
	if diff := cmp.Diff(local, remote); diff != "" {
		t.Errorf("%s differs between adapters (-local +remote):\n%s", what, diff)
	}
}

// sameKind fails the test when both adapters disagree on an error kind.
func sameKind(t *testing.T, what string, want socket.Kind, localErr, remoteErr error) {
	t.Helper()
	require.Error(t, localErr, what)
	require.Error(t, remoteErr, what)
	require.Equal(t, want, socket.KindOf(localErr), "%s: local kind", what)
	require.Equal(t, want, socket.KindOf(remoteErr), "%s: remote kind", what)
}

func TestAdapterParity(t *testing.T) {
	local, remote := adapterPair(t)
	ctx := socket.WithActor(context.Background(), "parity")

	proj, err := local.CreateProject(ctx, "newsroom")
	require.NoError(t, err)

	gotLocal, err := local.GetProject(ctx, proj.ID)
	require.NoError(t, err)
	gotRemote, err := remote.GetProject(ctx, proj.ID)
	require.NoError(t, err)
	same(t, "GetProject", gotLocal, gotRemote)

	projsLocal, err := local.ListProjects(ctx)
	require.NoError(t, err)
	projsRemote, err := remote.ListProjects(ctx)
	require.NoError(t, err)
	same(t, "ListProjects", projsLocal, projsRemote)

	_, err = remote.CreateCollection(ctx, proj.ID, articlesSpec())
	require.NoError(t, err)

	collLocal, err := local.GetCollection(ctx, proj.ID, "articles")
	require.NoError(t, err)
	collRemote, err := remote.GetCollection(ctx, proj.ID, "articles")
	require.NoError(t, err)
	same(t, "GetCollection", collLocal, collRemote)

	listLocal, err := local.ListCollections(ctx, proj.ID)
	require.NoError(t, err)
	listRemote, err := remote.ListCollections(ctx, proj.ID)
	require.NoError(t, err)
	same(t, "ListCollections", listLocal, listRemote)

	// Writes interleave across adapters; reads must agree regardless of which
	// side performed the write.
	seed := []map[string]any{
		{"title": "Alpha", "slug": "alpha", "status": "active", "views": 10, "rating": 1.5},
		{"title": "Bravo", "slug": "bravo", "status": "draft", "views": 20, "rating": 2.5},
		{"title": "Charlie", "slug": "charlie", "status": "active", "views": 30, "rating": 3.5},
		{"title": "Delta", "slug": "delta", "status": "draft", "views": 40, "rating": 4.5},
		{"title": "Echo", "slug": "echo", "status": "active", "views": 50, "rating": 5.0},
	}
	ids := make([]string, 0, len(seed))
	for i, data := range seed {
		var doc *socket.Document
		if i%2 == 0 {
			doc, err = remote.CreateDocument(ctx, proj.ID, "articles", data)
		} else {
			doc, err = local.CreateDocument(ctx, proj.ID, "articles", data)
		}
		require.NoError(t, err)
		require.Equal(t, "parity", doc.CreatedBy)
		ids = append(ids, doc.ID)
	}

	for _, id := range ids {
		docLocal, err := local.GetDocument(ctx, proj.ID, "articles", id)
		require.NoError(t, err)
		docRemote, err := remote.GetDocument(ctx, proj.ID, "articles", id)
		require.NoError(t, err)
		same(t, "GetDocument "+id, docLocal, docRemote)
	}

	opts := socket.ListOptions{
		Filter:         socket.Eq("status", "active"),
		OrderBy:        "views",
		OrderDirection: socket.OrderAsc,
		Limit:          10,
	}
	pageLocal, err := local.ListDocuments(ctx, proj.ID, "articles", opts)
	require.NoError(t, err)
	pageRemote, err := remote.ListDocuments(ctx, proj.ID, "articles", opts)
	require.NoError(t, err)
	same(t, "ListDocuments", pageLocal, pageRemote)
	require.EqualValues(t, 3, pageLocal.Total)

	countLocal, err := local.CountDocuments(ctx, proj.ID, "articles", socket.Eq("status", "draft"))
	require.NoError(t, err)
	countRemote, err := remote.CountDocuments(ctx, proj.ID, "articles", socket.Eq("status", "draft"))
	require.NoError(t, err)
	require.Equal(t, countLocal, countRemote)
	require.EqualValues(t, 2, countLocal)

	updated, err := remote.UpdateDocument(ctx, proj.ID, "articles", ids[0], map[string]any{"views": 999})
	require.NoError(t, err)
	require.Equal(t, "parity", updated.UpdatedBy)
	afterLocal, err := local.GetDocument(ctx, proj.ID, "articles", ids[0])
	require.NoError(t, err)
	afterRemote, err := remote.GetDocument(ctx, proj.ID, "articles", ids[0])
	require.NoError(t, err)
	same(t, "GetDocument after update", afterLocal, afterRemote)
	same(t, "UpdateDocument result vs read-back", updated, afterLocal)

	aggReq := socket.AggregateRequest{
		GroupBy: []string{"status"},
		Aggregations: map[string]socket.Aggregation{
			"n":           {Type: socket.AggCount},
			"views_total": {Type: socket.AggSum, Field: "views"},
			"rating_max":  {Type: socket.AggMax, Field: "rating"},
		},
	}
	aggLocal, err := local.Aggregate(ctx, proj.ID, "articles", aggReq)
	require.NoError(t, err)
	aggRemote, err := remote.Aggregate(ctx, proj.ID, "articles", aggReq)
	require.NoError(t, err)
	same(t, "Aggregate", aggLocal, aggRemote)
	require.Len(t, aggLocal.Groups, 2)

	searchLocal, err := local.Search(ctx, proj.ID, "articles", "alpha", []string{"title", "slug"})
	require.NoError(t, err)
	searchRemote, err := remote.Search(ctx, proj.ID, "articles", "alpha", []string{"title", "slug"})
	require.NoError(t, err)
	same(t, "Search", searchLocal, searchRemote)
	require.Len(t, searchLocal, 1)

	reportLocal, err := local.ValidateSchema(ctx, proj.ID, "articles")
	require.NoError(t, err)
	reportRemote, err := remote.ValidateSchema(ctx, proj.ID, "articles")
	require.NoError(t, err)
	same(t, "ValidateSchema", reportLocal, reportRemote)
	require.True(t, reportLocal.Valid)

	require.NoError(t, remote.DeleteDocument(ctx, proj.ID, "articles", ids[4], socket.DeleteOptions{DeletedBy: "cleanup"}))
	_, errLocal := local.GetDocument(ctx, proj.ID, "articles", ids[4])
	_, errRemote := remote.GetDocument(ctx, proj.ID, "articles", ids[4])
	sameKind(t, "get deleted document", socket.KindNotFound, errLocal, errRemote)
}

func TestAdapterParityErrorKinds(t *testing.T) {
	local, remote := adapterPair(t)
	ctx := socket.WithActor(context.Background(), "parity")

	proj, err := remote.CreateProject(ctx, "newsroom")
	require.NoError(t, err)
	_, err = local.CreateCollection(ctx, proj.ID, articlesSpec())
	require.NoError(t, err)

	seedDoc := map[string]any{"title": "Alpha", "slug": "alpha", "status": "active"}
	_, err = local.CreateDocument(ctx, proj.ID, "articles", seedDoc)
	require.NoError(t, err)

	_, errLocal := local.GetDocument(ctx, proj.ID, "articles", "no-such-id")
	_, errRemote := remote.GetDocument(ctx, proj.ID, "articles", "no-such-id")
	sameKind(t, "missing document", socket.KindNotFound, errLocal, errRemote)

	_, errLocal = local.GetCollection(ctx, proj.ID, "ghosts")
	_, errRemote = remote.GetCollection(ctx, proj.ID, "ghosts")
	sameKind(t, "missing collection", socket.KindNotFound, errLocal, errRemote)

	_, errLocal = local.CreateCollection(ctx, proj.ID, articlesSpec())
	_, errRemote = remote.CreateCollection(ctx, proj.ID, articlesSpec())
	sameKind(t, "duplicate collection", socket.KindDuplicateCollection, errLocal, errRemote)

	bad := map[string]any{"title": "X", "slug": "x", "status": "active", "bogus": true}
	_, errLocal = local.CreateDocument(ctx, proj.ID, "articles", bad)
	_, errRemote = remote.CreateDocument(ctx, proj.ID, "articles", bad)
	sameKind(t, "undeclared field", socket.KindValidation, errLocal, errRemote)

	dup := map[string]any{"title": "Alpha II", "slug": "alpha", "status": "draft"}
	_, errLocal = local.CreateDocument(ctx, proj.ID, "articles", dup)
	_, errRemote = remote.CreateDocument(ctx, proj.ID, "articles", dup)
	sameKind(t, "duplicate unique slug", socket.KindUniqueConstraint, errLocal, errRemote)
	var se *socket.Error
	require.ErrorAs(t, errLocal, &se)
	require.Equal(t, "slug", se.Field)

	errLocal = local.DeleteCollection(ctx, proj.ID, "articles", false)
	errRemote = remote.DeleteCollection(ctx, proj.ID, "articles", false)
	sameKind(t, "delete non-empty collection", socket.KindCollectionInUse, errLocal, errRemote)

	// Per-item bulk failures carry the same position and kind on both sides.
	bulkLocal, err := local.BulkCreate(ctx, proj.ID, "articles", []map[string]any{
		{"title": "B1", "slug": "b1", "status": "draft"},
		{"title": "Clash", "slug": "alpha", "status": "draft"},
	})
	require.NoError(t, err)
	bulkRemote, err := remote.BulkCreate(ctx, proj.ID, "articles", []map[string]any{
		{"title": "B2", "slug": "b2", "status": "draft"},
		{"title": "Clash", "slug": "alpha", "status": "draft"},
	})
	require.NoError(t, err)
	same(t, "bulk create errors", bulkLocal.Errors, bulkRemote.Errors)
	require.Len(t, bulkLocal.Errors, 1)
	require.Equal(t, 1, bulkLocal.Errors[0].Index)
	require.Equal(t, socket.KindUniqueConstraint, bulkLocal.Errors[0].Kind)

	require.NoError(t, local.DeleteCollection(ctx, proj.ID, "articles", true))
	_, errLocal = local.GetCollection(ctx, proj.ID, "articles")
	_, errRemote = remote.GetCollection(ctx, proj.ID, "articles")
	sameKind(t, "collection after cascade delete", socket.KindNotFound, errLocal, errRemote)

	require.NoError(t, remote.DeleteProject(ctx, proj.ID))
	_, errLocal = local.GetProject(ctx, proj.ID)
	_, errRemote = remote.GetProject(ctx, proj.ID)
	sameKind(t, "project after delete", socket.KindNotFound, errLocal, errRemote)
}

func TestRemoteCredentialsRequired(t *testing.T) {
	application, err := app.Bootstrap(context.Background(), testConfig(t))
	require.NoError(t, err)
	t.Cleanup(application.Shutdown)
	srv := httptest.NewServer(application.Router)
	t.Cleanup(srv.Close)

	sock, err := socket.Dial(socket.Remote{Endpoint: srv.URL, Token: "not-a-valid-token"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sock.Close() })

	_, err = sock.ListProjects(context.Background())
	require.Equal(t, socket.KindUnauthorized, socket.KindOf(err))

	// An unauthenticated call is refused before reaching any handler.
	setter, ok := sock.(socket.CredentialSetter)
	require.True(t, ok)
	setter.SetAPIKey("bogus.secret")
	_, err = sock.GetProject(context.Background(), "p1")
	require.Equal(t, socket.KindUnauthorized, socket.KindOf(err))
}
