package storage

import (
	"context"
	_ "embed"
	"fmt"
)

//go:embed schema.sql
var schema string

// Migrate creates the record control tables if they do not exist.
func Migrate(ctx context.Context, db *PgDB) error {
	if _, err := db.Pool().Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
