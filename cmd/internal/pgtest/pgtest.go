// Package pgtest opens throwaway Postgres schemas for integration tests.
//
// Tests are opt-in: without BAZAAR_DATABASE_URL they skip. Outside CI an
// unreachable server also skips, so local runs stay fast.
package pgtest

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"bazaar/cmd/identity/ids"
	"bazaar/migrations"
)

// EnvURL names the variable holding the test database URL.
const EnvURL = "BAZAAR_DATABASE_URL"

// DB is a pool plus a private schema that is dropped when the test ends.
type DB struct {
	Pool   *pgxpool.Pool
	Schema string
}

// Open connects, creates a fresh schema and registers cleanup for both.
func Open(t testing.TB) *DB {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv(EnvURL))
	if raw == "" {
		t.Skipf("integration test skipped: %s is not set", EnvURL)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, raw)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		if unreachable(err) {
			t.Skipf("integration test skipped: Postgres unreachable: %v", err)
		}
		t.Fatalf("ping postgres: %v", err)
	}

	db := &DB{Pool: pool, Schema: "bazaar_it_" + strings.ToLower(ids.NewULIDOrTime(time.Now()))}
	db.Exec(t, `CREATE SCHEMA `+pgx.Identifier{db.Schema}.Sanitize())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{db.Schema}.Sanitize()+` CASCADE`)
		pool.Close()
	})
	return db
}

// Table returns the quoted, schema-qualified name of table.
func (db *DB) Table(table string) string {
	return pgx.Identifier{db.Schema, table}.Sanitize()
}

// Exec runs sql and fails the test on error.
func (db *DB) Exec(t testing.TB, sql string, args ...any) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if _, err := db.Pool.Exec(ctx, sql, args...); err != nil {
		t.Fatalf("exec: %v", err)
	}
}

// Migrate applies every up migration with the production schema name
// rewritten to this test's schema.
func (db *DB) Migrate(t testing.TB) {
	t.Helper()

	files, err := fs.Glob(migrations.FS, "*.up.sql")
	if err != nil || len(files) == 0 {
		t.Fatalf("pgtest: no migrations found: %v", err)
	}

	quoted := pgx.Identifier{db.Schema}.Sanitize()
	rw := strings.NewReplacer(
		"EXISTS "+migrations.Schema+";", "EXISTS "+quoted+";",
		migrations.Schema+".", quoted+".",
	)
	for _, f := range files {
		raw, err := fs.ReadFile(migrations.FS, f)
		if err != nil {
			t.Fatalf("pgtest: read %s: %v", f, err)
		}
		db.Exec(t, rw.Replace(string(raw)))
	}
}

func unreachable(err error) bool {
	if os.Getenv("CI") != "" {
		return false
	}
	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection refused", "deadline exceeded", "timeout", "no such host"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
