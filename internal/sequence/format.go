package sequence

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pitabwire/labqms/model"
)

// Identifier is a parsed or freshly issued record number such as
// "QSF-2025-013".
type Identifier struct {
	Prefix   string `json:"prefix"`
	Year     int    `json:"year"`
	Sequence int64  `json:"sequence"`
	Digits   int    `json:"digits"`
}

// String formats the identifier with its own digit width.
func (id Identifier) String() string {
	return Format(id.Prefix, id.Year, id.Sequence, id.Digits)
}

// Format renders PREFIX-YYYY-NNN with the sequence zero-padded to pad digits.
// Values wider than pad are printed in full.
func Format(prefix string, year int, value int64, pad int) string {
	return fmt.Sprintf("%s-%04d-%0*d", prefix, year, pad, value)
}

// Limits bound what Parse accepts.
type Limits struct {
	MinYear   int
	MaxYear   int
	MinDigits int
	MaxDigits int
}

// DefaultLimits accepts years 2000-2199 and 3 to 9 sequence digits.
var DefaultLimits = Limits{MinYear: 2000, MaxYear: 2199, MinDigits: 3, MaxDigits: 9}

const maxPrefixLen = 16

// Parse splits an identifier using DefaultLimits.
func Parse(identifier string) (Identifier, error) {
	return DefaultLimits.Parse(identifier)
}

// Parse splits an identifier into prefix, year and sequence. It returns a
// MALFORMED_IDENTIFIER error for a wrong segment count, a non-numeric or
// out-of-range year, or a sequence outside the digit range.
func (l Limits) Parse(identifier string) (Identifier, error) {
	parts := strings.Split(identifier, "-")
	if len(parts) != 3 {
		return Identifier{}, model.NewMalformedIdentifierError(identifier,
			fmt.Sprintf("expected 3 segments, got %d", len(parts)))
	}
	prefix, yearStr, seqStr := parts[0], parts[1], parts[2]

	if err := validatePrefix(prefix); err != nil {
		return Identifier{}, model.NewMalformedIdentifierError(identifier, err.Error())
	}

	if len(yearStr) != 4 || !allDigits(yearStr) {
		return Identifier{}, model.NewMalformedIdentifierError(identifier, "year must be 4 digits")
	}
	year, _ := strconv.Atoi(yearStr)
	if err := l.checkYear(year); err != nil {
		return Identifier{}, model.NewMalformedIdentifierError(identifier, err.Error())
	}

	if !allDigits(seqStr) {
		return Identifier{}, model.NewMalformedIdentifierError(identifier, "sequence must be numeric")
	}
	if len(seqStr) < l.MinDigits || len(seqStr) > l.MaxDigits {
		return Identifier{}, model.NewMalformedIdentifierError(identifier,
			fmt.Sprintf("sequence must have %d to %d digits", l.MinDigits, l.MaxDigits))
	}
	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil || seq < 1 {
		return Identifier{}, model.NewMalformedIdentifierError(identifier, "sequence must be at least 1")
	}

	return Identifier{Prefix: prefix, Year: year, Sequence: seq, Digits: len(seqStr)}, nil
}

func (l Limits) checkYear(year int) error {
	if year < l.MinYear || year > l.MaxYear {
		return fmt.Errorf("year %d outside %d-%d", year, l.MinYear, l.MaxYear)
	}
	return nil
}

// validatePrefix requires 1-16 upper-case letters or digits, starting with a
// letter. A hyphen would make the identifier ambiguous.
func validatePrefix(prefix string) error {
	if prefix == "" || len(prefix) > maxPrefixLen {
		return fmt.Errorf("prefix must be 1 to %d characters", maxPrefixLen)
	}
	if prefix[0] < 'A' || prefix[0] > 'Z' {
		return fmt.Errorf("prefix %q must start with an upper-case letter", prefix)
	}
	for _, c := range prefix {
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return fmt.Errorf("prefix %q must be upper-case alphanumeric", prefix)
		}
	}
	return nil
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
