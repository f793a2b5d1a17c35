package sequence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pitabwire/labqms/internal/storage"
	"github.com/pitabwire/labqms/model"
)

// BreakerState is the state of a BreakerCounterStore.
type BreakerState int

const (
	// BreakerClosed lets increments through and counts consecutive failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen fails increments immediately.
	BreakerOpen
	// BreakerHalfOpen lets trial increments through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is the cause of the SEQUENCE_UNAVAILABLE error returned
// while the breaker is open.
var ErrBreakerOpen = errors.New("counter backend circuit is open")

// BreakerCounterStore fails increments fast once the wrapped backend has
// failed failureThreshold times in a row, so callers get
// SEQUENCE_UNAVAILABLE without waiting on a dead Redis or database. After
// openTimeout it lets trial calls through; successThreshold consecutive
// successes close it again and any failed trial reopens it.
//
// Caller cancellation and SEQUENCE_UNAVAILABLE raised by the backend for a
// single contended row do not count as backend failures.
type BreakerCounterStore struct {
	next CounterStore
	now  func() time.Time

	failureThreshold int
	successThreshold int
	openTimeout      time.Duration

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
}

// NewBreakerCounterStore wraps next. Non-positive thresholds default to 5
// failures, 2 successes and 30s.
func NewBreakerCounterStore(next CounterStore, failureThreshold, successThreshold int, openTimeout time.Duration) *BreakerCounterStore {
	if failureThreshold < 1 {
		failureThreshold = 5
	}
	if successThreshold < 1 {
		successThreshold = 2
	}
	if openTimeout <= 0 {
		openTimeout = 30 * time.Second
	}
	return &BreakerCounterStore{
		next:             next,
		now:              time.Now,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		openTimeout:      openTimeout,
	}
}

// Increment forwards to the wrapped store unless the breaker is open.
func (b *BreakerCounterStore) Increment(ctx context.Context, prefix string, year int) (int64, error) {
	if !b.allow() {
		return 0, model.NewSequenceUnavailableError(prefix, year, ErrBreakerOpen)
	}
	v, err := b.next.Increment(ctx, prefix, year)
	switch {
	case err == nil:
		b.recordSuccess()
	case countsAsFailure(ctx, err):
		b.recordFailure()
	}
	return v, err
}

// Current is never blocked; reads do not affect the breaker.
func (b *BreakerCounterStore) Current(ctx context.Context, prefix string, year int) (int64, error) {
	return b.next.Current(ctx, prefix, year)
}

// HealthCheck reports an open breaker as unhealthy, then defers to the
// wrapped store when it can check itself.
func (b *BreakerCounterStore) HealthCheck(ctx context.Context) error {
	if b.State() == BreakerOpen {
		return ErrBreakerOpen
	}
	if hc, ok := b.next.(interface{ HealthCheck(context.Context) error }); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

// State returns the current state, moving Open to HalfOpen once the open
// timeout has elapsed.
func (b *BreakerCounterStore) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

func (b *BreakerCounterStore) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state != BreakerOpen
}

// maybeHalfOpen must be called with mu held.
func (b *BreakerCounterStore) maybeHalfOpen() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.openTimeout {
		b.state = BreakerHalfOpen
		b.successes = 0
	}
}

func (b *BreakerCounterStore) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.state = BreakerClosed
			b.failures = 0
			b.successes = 0
		}
	}
}

func (b *BreakerCounterStore) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.trip()
		}
	case BreakerHalfOpen:
		b.trip()
	}
}

// trip must be called with mu held.
func (b *BreakerCounterStore) trip() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.successes = 0
}

func countsAsFailure(ctx context.Context, err error) bool {
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return false
	}
	// Contention is local to one (prefix, year) row.
	if storage.IsRowContention(err) {
		return false
	}
	return !model.IsCode(err, model.ErrSequenceUnavailable)
}
