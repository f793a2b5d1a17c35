// Package storage provides the transactional scope shared by the record
// control stores: a pgx transaction carried in the context for Postgres, and
// an undo log for the in-memory stores.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Transactor runs a function inside one transactional unit. Nested calls
// join the outer transaction. If fn returns an error, every write made
// through the context passed to fn is rolled back.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgTxKey struct{}

// PgDB wraps a pgx pool and implements Transactor. Every transaction it
// begins sets lock_timeout so row-lock waits are bounded.
type PgDB struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPgDB creates a PgDB. A zero lockTimeout leaves the server default.
func NewPgDB(pool *pgxpool.Pool, lockTimeout time.Duration) *PgDB {
	return &PgDB{pool: pool, lockTimeout: lockTimeout}
}

// Pool returns the underlying pool.
func (db *PgDB) Pool() *pgxpool.Pool {
	return db.pool
}

// InTx begins a transaction, or joins the one already carried by ctx.
func (db *PgDB) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(pgTxKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}

	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if db.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", db.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("set lock_timeout: %w", err)
		}
	}

	if err := fn(context.WithValue(ctx, pgTxKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Conn returns the transaction carried by ctx, or the pool when there is none.
func (db *PgDB) Conn(ctx context.Context) Querier {
	if tx, ok := ctx.Value(pgTxKey{}).(pgx.Tx); ok {
		return tx
	}
	return db.pool
}

// HealthCheck pings the database.
func (db *PgDB) HealthCheck(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Postgres SQLSTATE codes the stores classify.
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeQueryCanceled        = "57014"
)

// IsRowContention reports whether err is a Postgres lock timeout, deadlock
// or serialization failure. Unlike IsContention it excludes context
// deadlines, which an unreachable server produces too.
func IsRowContention(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
		return true
	}
	return false
}

// IsContention reports whether err is a lock timeout, deadlock, serialization
// failure, cancelled statement or context deadline: a failure caused by a
// concurrent writer that the caller may retry.
func IsContention(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable, codeQueryCanceled:
			return true
		}
	}
	return false
}

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}
