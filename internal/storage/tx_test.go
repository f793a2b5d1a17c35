package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsContention(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"lock not available", &pgconn.PgError{Code: "55P03"}, true},
		{"deadlock", fmt.Errorf("update: %w", &pgconn.PgError{Code: "40P01"}), true},
		{"serialization", &pgconn.PgError{Code: "40001"}, true},
		{"deadline", context.DeadlineExceeded, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsContention(tt.err); got != tt.want {
				t.Errorf("IsContention() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsRowContention(t *testing.T) {
	if !IsRowContention(fmt.Errorf("increment: %w", &pgconn.PgError{Code: "55P03"})) {
		t.Error("wrapped 55P03 should be row contention")
	}
	if IsRowContention(context.DeadlineExceeded) {
		t.Error("a context deadline is not row contention")
	}
	if IsRowContention(&pgconn.PgError{Code: "57014"}) {
		t.Error("57014 is not row contention")
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if !IsUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})) {
		t.Error("wrapped 23505 should be a unique violation")
	}
	if IsUniqueViolation(&pgconn.PgError{Code: "55P03"}) {
		t.Error("55P03 is not a unique violation")
	}
}
