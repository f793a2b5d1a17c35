// Package pgtest connects tests to a disposable Postgres database named by
// QMS_TEST_DSN. Tests that need it are skipped when the variable is unset.
package pgtest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/labqms/internal/storage"
)

// DSNEnv names the environment variable holding the test database DSN.
const DSNEnv = "QMS_TEST_DSN"

// DB returns a migrated, empty database. The pool is closed on test cleanup.
func DB(t *testing.T) *storage.PgDB {
	t.Helper()
	dsn := os.Getenv(DSNEnv)
	if dsn == "" {
		t.Skipf("%s not set; skipping Postgres test", DSNEnv)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	db := storage.NewPgDB(pool, 2*time.Second)
	if err := storage.Migrate(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	_, err = pool.Exec(ctx, `TRUNCATE sequence_counters, revision_records, versioned_entities,
		signature_records, workflow_instances`)
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return db
}
