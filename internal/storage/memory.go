package storage

import "context"

type memTxKey struct{}

type heldKey struct {
	km  *KeyedMutex
	key string
}

type memTx struct {
	undo    []func()
	release []func()
	held    map[heldKey]bool
}

// MemoryTransactor gives the in-memory stores transactional rollback. It
// does not serialise transactions: isolation comes from each store's own
// per-key locks, so work on different keys never contends.
type MemoryTransactor struct{}

// NewMemoryTransactor creates a MemoryTransactor.
func NewMemoryTransactor() *MemoryTransactor {
	return &MemoryTransactor{}
}

// InTx runs fn and, if it fails, replays the registered undo actions in
// reverse order. Locks taken with LockInTx are released afterwards in either
// case.
func (MemoryTransactor) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		return fn(ctx)
	}

	tx := &memTx{}
	defer func() {
		for i := len(tx.release) - 1; i >= 0; i-- {
			tx.release[i]()
		}
	}()

	if err := fn(context.WithValue(ctx, memTxKey{}, tx)); err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		return err
	}
	return nil
}

// OnRollback registers an action that reverts a memory-store write if the
// enclosing transaction fails. Outside a transaction it is a no-op.
func OnRollback(ctx context.Context, undo func()) {
	if tx, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		tx.undo = append(tx.undo, undo)
	}
}

// LockInTx acquires key on km and holds it until the enclosing memory
// transaction finishes, the in-memory analogue of SELECT ... FOR UPDATE.
// A transaction that already holds the key does not wait again. Outside a
// transaction the lock is released before LockInTx returns.
func LockInTx(ctx context.Context, km *KeyedMutex, key string) error {
	tx, ok := ctx.Value(memTxKey{}).(*memTx)
	if !ok {
		unlock, err := km.Lock(ctx, key)
		if err != nil {
			return err
		}
		unlock()
		return nil
	}

	hk := heldKey{km: km, key: key}
	if tx.held[hk] {
		return nil
	}
	unlock, err := km.Lock(ctx, key)
	if err != nil {
		return err
	}
	if tx.held == nil {
		tx.held = make(map[heldKey]bool)
	}
	tx.held[hk] = true
	tx.release = append(tx.release, unlock)
	return nil
}
