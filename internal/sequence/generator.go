// Package sequence issues unique, human-readable record numbers scoped by
// (prefix, year).
package sequence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/labqms/internal/observability"
	"github.com/pitabwire/labqms/model"
)

// CounterStore owns the SequenceCounter rows. Increment must be a single
// atomic read-modify-write: create the (prefix, year) row at zero if it is
// missing, add one, and return the new value. A separate read followed by a
// write is a lost-update race.
type CounterStore interface {
	Increment(ctx context.Context, prefix string, year int) (int64, error)
	Current(ctx context.Context, prefix string, year int) (int64, error)
}

// Scheme is the numbering configuration for one entity kind.
type Scheme struct {
	Kind   string `json:"kind"`
	Prefix string `json:"prefix"`
	Digits int    `json:"digits"`
}

// Metrics receives sequence events.
type Metrics interface {
	RecordIdentifierIssued(prefix string)
	RecordSequenceFailure(prefix string)
}

type nopMetrics struct{}

func (nopMetrics) RecordIdentifierIssued(string) {}
func (nopMetrics) RecordSequenceFailure(string)  {}

// Generator issues sequence numbers. It never retries internally: a failed
// increment surfaces as SEQUENCE_UNAVAILABLE and the caller decides.
type Generator struct {
	store   CounterStore
	schemes map[string]Scheme
	limits  Limits
	now     func() time.Time
	logger  *zap.Logger
	metrics Metrics
}

// Option configures a Generator.
type Option func(*Generator)

// WithClock overrides the time source used to pick the issuing year.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Generator) { g.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(g *Generator) { g.metrics = m }
}

// WithLimits overrides DefaultLimits.
func WithLimits(l Limits) Option {
	return func(g *Generator) { g.limits = l }
}

// NewGenerator creates a Generator for the given schemes.
func NewGenerator(store CounterStore, schemes []Scheme, opts ...Option) (*Generator, error) {
	g := &Generator{
		store:   store,
		schemes: make(map[string]Scheme, len(schemes)),
		limits:  DefaultLimits,
		now:     time.Now,
		logger:  zap.NewNop(),
		metrics: nopMetrics{},
	}
	for _, opt := range opts {
		opt(g)
	}

	for _, s := range schemes {
		if s.Kind == "" {
			return nil, errors.New("sequence: scheme kind is required")
		}
		if err := validatePrefix(s.Prefix); err != nil {
			return nil, fmt.Errorf("sequence: scheme %q: %w", s.Kind, err)
		}
		if s.Digits < g.limits.MinDigits || s.Digits > g.limits.MaxDigits {
			return nil, fmt.Errorf("sequence: scheme %q: digits must be %d to %d",
				s.Kind, g.limits.MinDigits, g.limits.MaxDigits)
		}
		if _, dup := g.schemes[s.Kind]; dup {
			return nil, fmt.Errorf("sequence: duplicate scheme %q", s.Kind)
		}
		g.schemes[s.Kind] = s
	}
	return g, nil
}

// Scheme returns the numbering scheme for an entity kind.
func (g *Generator) Scheme(kind string) (Scheme, bool) {
	s, ok := g.schemes[kind]
	return s, ok
}

// Next atomically increments the (prefix, year) counter and returns the new
// value. No value is issued unless the store committed the increment.
func (g *Generator) Next(ctx context.Context, prefix string, year int) (value int64, err error) {
	ctx, span := observability.StartSpan(ctx, "sequence.next",
		observability.AttrPrefix.String(prefix),
		observability.AttrYear.Int(year),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if err := validatePrefix(prefix); err != nil {
		return 0, model.NewBadRequestError(err.Error())
	}
	if err := g.limits.checkYear(year); err != nil {
		return 0, model.NewBadRequestError(err.Error())
	}

	value, err = g.store.Increment(ctx, prefix, year)
	if err != nil {
		g.metrics.RecordSequenceFailure(prefix)
		g.logger.Warn("sequence increment failed",
			zap.String("prefix", prefix),
			zap.Int("year", year),
			zap.Error(err),
		)
		if model.IsCode(err, model.ErrSequenceUnavailable) {
			return 0, err
		}
		return 0, model.NewSequenceUnavailableError(prefix, year, err)
	}
	if value < 1 {
		g.metrics.RecordSequenceFailure(prefix)
		return 0, model.NewSequenceUnavailableError(prefix, year,
			fmt.Errorf("counter returned non-positive value %d", value))
	}

	g.metrics.RecordIdentifierIssued(prefix)
	g.logger.Info("sequence issued",
		zap.String("prefix", prefix),
		zap.Int("year", year),
		zap.Int64("value", value),
	)
	return value, nil
}

// Issue allocates the next identifier for an entity kind in the current year.
func (g *Generator) Issue(ctx context.Context, kind string) (Identifier, error) {
	s, ok := g.schemes[kind]
	if !ok {
		return Identifier{}, model.NewBadRequestError(fmt.Sprintf("no numbering scheme for kind %q", kind))
	}
	year := g.now().Year()
	value, err := g.Next(ctx, s.Prefix, year)
	if err != nil {
		return Identifier{}, err
	}
	return Identifier{Prefix: s.Prefix, Year: year, Sequence: value, Digits: s.Digits}, nil
}

// Peek returns the last issued value for (prefix, year) without
// incrementing. Zero means nothing has been issued.
func (g *Generator) Peek(ctx context.Context, prefix string, year int) (int64, error) {
	if err := validatePrefix(prefix); err != nil {
		return 0, model.NewBadRequestError(err.Error())
	}
	v, err := g.store.Current(ctx, prefix, year)
	if err != nil {
		return 0, fmt.Errorf("read counter %s/%d: %w", prefix, year, err)
	}
	return v, nil
}

// Parse validates an identifier against the generator's limits.
func (g *Generator) Parse(identifier string) (Identifier, error) {
	return g.limits.Parse(identifier)
}
