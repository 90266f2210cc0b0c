// Package testutil provides database helpers for tests. The default backend
// is an embedded SQLite file per test; setting TEST_DATABASE_URL (or
// DATABASE_URL) switches to PostgreSQL with an isolated schema per test.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"krapi.io/krapi/internal/auth"
	"krapi.io/krapi/internal/config"
	"krapi.io/krapi/internal/infrastructure"
	"krapi.io/krapi/internal/metric"
	"krapi.io/krapi/internal/migrate"
	"krapi.io/krapi/internal/schema"
	"krapi.io/krapi/internal/store"
	"krapi.io/krapi/pkg/socket"
)

var nonIdentChars = regexp.MustCompile(`[^a-z0-9_]+`)

// OpenDatabase opens a migrated test database: PostgreSQL when a test DSN is
// configured, an embedded SQLite file otherwise.
func OpenDatabase(t *testing.T, prefix string) *infrastructure.Database {
	t.Helper()
	if postgresDSN() != "" {
		return openPostgres(t, prefix)
	}
	return openSQLite(t)
}

// Harness bundles a full in-process engine over a fresh test database.
type Harness struct {
	DB       *infrastructure.Database
	Registry *schema.Registry
	Store    *store.Store
	Engine   *migrate.Engine
	Keys     *auth.Keys
	Socket   socket.Socket
	Metrics  *metric.Metrics
}

// NewHarness builds the engine stack on a migrated test database and dials a
// local socket over it. Each harness carries its own metrics registry so
// parallel tests can assert counters without collisions.
func NewHarness(t *testing.T, prefix string) *Harness {
	t.Helper()
	db := OpenDatabase(t, prefix)
	metrics := metric.New()
	reg := schema.NewRegistry(db)
	st := store.New(db, reg, store.Options{Metrics: metrics})
	engine := migrate.NewEngine(db, reg, st, migrate.Options{Metrics: metrics})
	sock, err := socket.Dial(socket.Local{Handle: &socket.Handle{
		Registry: reg,
		Store:    st,
		Engine:   engine,
	}})
	if err != nil {
		t.Fatalf("dial local socket: %v", err)
	}
	return &Harness{
		DB:       db,
		Registry: reg,
		Store:    st,
		Engine:   engine,
		Keys:     auth.NewKeys(db),
		Socket:   sock,
		Metrics:  metrics,
	}
}

func openSQLite(t *testing.T) *infrastructure.Database {
	t.Helper()
	cfg := config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "krapi_test.db"),
	}
	db, err := infrastructure.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := migrate.Up(context.Background(), db); err != nil {
		t.Fatalf("apply engine migrations: %v", err)
	}
	return db
}

func postgresDSN() string {
	dsn := strings.TrimSpace(os.Getenv("TEST_DATABASE_URL"))
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	return dsn
}

// openPostgres creates an isolated schema per test so parallel packages do
// not collide, and drops it on cleanup.
func openPostgres(t *testing.T, prefix string) *infrastructure.Database {
	t.Helper()
	dsn := postgresDSN()

	schemaName := newSchemaName(prefix)

	adminDB, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open postgres admin connection: %v", err)
	}
	t.Cleanup(func() { _ = adminDB.Close() })

	if err := adminDB.PingContext(context.Background()); err != nil {
		t.Fatalf("ping postgres: %v", err)
	}
	if _, err := adminDB.ExecContext(context.Background(), fmt.Sprintf(`CREATE SCHEMA "%s"`, schemaName)); err != nil {
		t.Fatalf("create test schema %q: %v", schemaName, err)
	}
	t.Cleanup(func() {
		_, _ = adminDB.ExecContext(context.Background(), fmt.Sprintf(`DROP SCHEMA IF EXISTS "%s" CASCADE`, schemaName))
	})

	schemaDSN, err := dsnWithSearchPath(dsn, schemaName)
	if err != nil {
		t.Fatalf("build postgres DSN with search_path: %v", err)
	}

	db, err := infrastructure.Open(context.Background(), config.DatabaseConfig{
		Driver: "postgres",
		URL:    schemaDSN,
	})
	if err != nil {
		t.Fatalf("open postgres test connection: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := migrate.Up(context.Background(), db); err != nil {
		t.Fatalf("apply engine migrations: %v", err)
	}
	return db
}

func dsnWithSearchPath(dsn, schemaName string) (string, error) {
	if strings.Contains(dsn, "://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", fmt.Errorf("parse DSN: %w", err)
		}
		q := u.Query()
		q.Set("search_path", schemaName)
		u.RawQuery = q.Encode()
		return u.String(), nil
	}
	if strings.Contains(dsn, "search_path=") {
		re := regexp.MustCompile(`search_path=\S+`)
		return re.ReplaceAllString(dsn, "search_path="+schemaName), nil
	}
	return dsn + " search_path=" + schemaName, nil
}

func newSchemaName(prefix string) string {
	base := strings.ToLower(prefix)
	base = strings.ReplaceAll(base, "-", "_")
	base = nonIdentChars.ReplaceAllString(base, "_")
	base = strings.Trim(base, "_")
	if base == "" {
		base = "test"
	}

	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")
	const maxPostgresIdentLen = 63
	maxBaseLen := maxPostgresIdentLen - len("t__") - len(suffix)
	if maxBaseLen < 1 {
		maxBaseLen = 1
	}
	if len(base) > maxBaseLen {
		base = base[:maxBaseLen]
	}
	return fmt.Sprintf("t_%s_%s", base, suffix)
}
