package sequence

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pitabwire/labqms/internal/storage"
	"github.com/pitabwire/labqms/model"
)

// PgCounterStore keeps counters in the sequence_counters table. The upsert
// takes the row lock and returns the incremented value in one statement.
// Inside an enclosing transaction the lock is held until commit, so a number
// is only ever observed by the transaction that commits it.
type PgCounterStore struct {
	db *storage.PgDB
}

// NewPgCounterStore creates a Postgres-backed CounterStore.
func NewPgCounterStore(db *storage.PgDB) *PgCounterStore {
	return &PgCounterStore{db: db}
}

// Increment atomically creates or increments the counter row.
func (s *PgCounterStore) Increment(ctx context.Context, prefix string, year int) (int64, error) {
	var value int64
	err := s.db.InTx(ctx, func(ctx context.Context) error {
		return s.db.Conn(ctx).QueryRow(ctx, `
			INSERT INTO sequence_counters (prefix, year, current_value)
			VALUES ($1, $2, 1)
			ON CONFLICT (prefix, year) DO UPDATE
			SET current_value = sequence_counters.current_value + 1,
			    updated_at = now()
			RETURNING current_value`,
			prefix, year,
		).Scan(&value)
	})
	if err != nil {
		return 0, incrementError(prefix, year, err)
	}
	return value, nil
}

// incrementError reports row contention as SEQUENCE_UNAVAILABLE so that a
// hot counter row is retried by the caller and never trips the breaker.
func incrementError(prefix string, year int, err error) error {
	if storage.IsContention(err) {
		return model.NewSequenceUnavailableError(prefix, year, err)
	}
	return fmt.Errorf("increment counter %s/%d: %w", prefix, year, err)
}

// Current returns the stored value, or zero when the row does not exist.
func (s *PgCounterStore) Current(ctx context.Context, prefix string, year int) (int64, error) {
	var value int64
	err := s.db.Conn(ctx).QueryRow(ctx, `
		SELECT current_value FROM sequence_counters
		WHERE prefix = $1 AND year = $2`,
		prefix, year,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query counter %s/%d: %w", prefix, year, err)
	}
	return value, nil
}
