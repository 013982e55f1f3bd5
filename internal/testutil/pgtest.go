// Package testutil starts the Postgres and Redis backends that store tests
// run against.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/agenthub/agenthub/migrations"
)

// PGTest returns a migrated, empty database. Tables are truncated again
// when the test ends.
//
// Set POSTGRES_URL to use an existing server, or PGTEST_CONTAINER=1 to boot
// a postgres:16 container. Otherwise the test is skipped.
func PGTest(t testing.TB) *sql.DB {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	dsn := os.Getenv("POSTGRES_URL")
	if dsn == "" && os.Getenv("PGTEST_CONTAINER") == "1" {
		dsn = postgresContainer(ctx, t)
	}
	if dsn == "" {
		t.Skip("set POSTGRES_URL or PGTEST_CONTAINER=1 to run postgres store tests")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("pgtest: open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("pgtest: ping: %v", err)
	}
	if err := migrations.Up(ctx, db); err != nil {
		t.Fatalf("pgtest: migrate: %v", err)
	}
	if err := Truncate(ctx, db); err != nil {
		t.Fatalf("pgtest: truncate: %v", err)
	}
	t.Cleanup(func() { _ = Truncate(context.Background(), db) })
	return db
}

// Truncate empties every table in the public schema except goose's
// version table.
func Truncate(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public' AND tablename <> 'goose_db_version'`)
	if err != nil {
		return err
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			_ = rows.Close()
			return err
		}
		tables = append(tables, pq.QuoteIdentifier(name))
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if len(tables) == 0 {
		return nil
	}
	_, err = db.ExecContext(ctx, "TRUNCATE "+strings.Join(tables, ", ")+" RESTART IDENTITY CASCADE")
	return err
}

func postgresContainer(ctx context.Context, t testing.TB) string {
	t.Helper()
	c, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("agenthub_test"),
		postgres.WithUsername("agenthub"),
		postgres.WithPassword("agenthub"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("pgtest: start container: %v", err)
	}
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(c) })

	dsn, err := c.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("pgtest: connection string: %v", err)
	}
	return dsn
}
