package infrastructure

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	sqlite3 "github.com/mattn/go-sqlite3"

	"krapi.io/krapi/pkg/socket"
)

// Dialect abstracts the SQL differences between the embedded SQLite backend
// and server PostgreSQL: parameter placeholders, JSON payload extraction,
// typed casts for comparisons, and driver error classification.
type Dialect interface {
	Name() string

	// Placeholder returns the parameter placeholder for 1-based position n.
	Placeholder(n int) string

	// JSONColumnType is the column type used for document payloads.
	JSONColumnType() string

	// FieldExpr returns a SQL expression extracting the named payload field
	// with a type suitable for comparison against a bound Go value of the
	// declared field type.
	FieldExpr(column, field string, t socket.FieldType) string

	// TextExpr returns a SQL expression extracting the named payload field
	// as text, for substring search.
	TextExpr(column, field string) string

	// CreateIndex returns DDL for a (non-unique) index over the given
	// expressions. Must be a no-op when the index already exists.
	CreateIndex(name, table string, exprs []string) string

	// IsUniqueViolation reports whether err is a backend unique-constraint
	// violation.
	IsUniqueViolation(err error) bool

	// IsDuplicateColumn reports whether err means an added column already
	// exists. Additive column evolution treats this as a no-op.
	IsDuplicateColumn(err error) bool
}

// DialectFor returns the dialect for a configured driver name.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "sqlite", "sqlite3":
		return sqliteDialect{}, nil
	case "postgres", "pgx":
		return postgresDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string           { return "sqlite" }
func (sqliteDialect) Placeholder(int) string { return "?" }
func (sqliteDialect) JSONColumnType() string { return "TEXT" }

func (sqliteDialect) FieldExpr(column, field string, t socket.FieldType) string {
	// json_extract returns SQL-typed values for scalars, so numeric and
	// boolean comparisons work without casts.
	return fmt.Sprintf("json_extract(%s, '$.%s')", column, field)
}

func (sqliteDialect) TextExpr(column, field string) string {
	return fmt.Sprintf("CAST(json_extract(%s, '$.%s') AS TEXT)", column, field)
}

func (sqliteDialect) CreateIndex(name, table string, exprs []string) string {
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", name, table, strings.Join(exprs, ", "))
}

func (sqliteDialect) IsUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func (sqliteDialect) IsDuplicateColumn(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate column name")
}

type postgresDialect struct{}

func (postgresDialect) Name() string             { return "postgres" }
func (postgresDialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }
func (postgresDialect) JSONColumnType() string   { return "JSONB" }

func (postgresDialect) FieldExpr(column, field string, t socket.FieldType) string {
	base := fmt.Sprintf("%s->>'%s'", column, field)
	switch t {
	case socket.FieldInteger, socket.FieldDecimal:
		return fmt.Sprintf("(%s)::numeric", base)
	case socket.FieldBoolean:
		return fmt.Sprintf("(%s)::boolean", base)
	default:
		return base
	}
}

func (postgresDialect) TextExpr(column, field string) string {
	return fmt.Sprintf("%s->>'%s'", column, field)
}

func (postgresDialect) CreateIndex(name, table string, exprs []string) string {
	wrapped := make([]string, len(exprs))
	for i, e := range exprs {
		wrapped[i] = "(" + e + ")"
	}
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", name, table, strings.Join(wrapped, ", "))
}

func (postgresDialect) IsUniqueViolation(err error) bool {
	var perr *pgconn.PgError
	return errors.As(err, &perr) && perr.Code == "23505"
}

func (postgresDialect) IsDuplicateColumn(err error) bool {
	var perr *pgconn.PgError
	return errors.As(err, &perr) && perr.Code == "42701"
}
