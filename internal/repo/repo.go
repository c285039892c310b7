package repo

import (
	"context"
	"database/sql"
	"strings"

	"fieldline/internal/apperr"
	"fieldline/internal/db"
)

type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
}

// ErrNotFound is returned for missing rows; it is the apperr sentinel so
// errors.Is works across layers.
var ErrNotFound = apperr.ErrNotFound

func New(conn *sql.DB) Repo {
	return Repo{DB: conn, Dialect: db.DialectOf(conn)}
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func (r Repo) q(query string) string {
	return db.Rebind(r.Dialect, query)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
