package sequence

import (
	"fmt"
	"testing"

	"github.com/pitabwire/labqms/model"
)

func TestFormat(t *testing.T) {
	tests := []struct {
		prefix string
		year   int
		value  int64
		pad    int
		want   string
	}{
		{"QSF", 2025, 13, 3, "QSF-2025-013"},
		{"TRQ", 2025, 7, 5, "TRQ-2025-00007"},
		{"CAL", 2024, 1, 3, "CAL-2024-001"},
		{"QSF", 2025, 1234, 3, "QSF-2025-1234"},
		{"CAPA", 2030, 999, 3, "CAPA-2030-999"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := Format(tt.prefix, tt.year, tt.value, tt.pad); got != tt.want {
				t.Errorf("Format() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParse_valid(t *testing.T) {
	tests := []struct {
		in   string
		want Identifier
	}{
		{"TRQ-2025-00042", Identifier{Prefix: "TRQ", Year: 2025, Sequence: 42, Digits: 5}},
		{"QSF-2025-013", Identifier{Prefix: "QSF", Year: 2025, Sequence: 13, Digits: 3}},
		{"CAPA-2199-000000001", Identifier{Prefix: "CAPA", Year: 2199, Sequence: 1, Digits: 9}},
		{"Q1-2000-100", Identifier{Prefix: "Q1", Year: 2000, Sequence: 100, Digits: 3}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Parse() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParse_malformed(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"two segments", "TRQ-2025"},
		{"four segments", "TRQ-2025-001-X"},
		{"empty", ""},
		{"non-numeric year", "TRQ-20X5-001"},
		{"short year", "TRQ-25-001"},
		{"year too early", "TRQ-1999-001"},
		{"year too late", "TRQ-2200-001"},
		{"short sequence", "TRQ-2025-01"},
		{"long sequence", "TRQ-2025-0000000001"},
		{"non-numeric sequence", "TRQ-2025-0A1"},
		{"zero sequence", "TRQ-2025-000"},
		{"lower-case prefix", "trq-2025-001"},
		{"digit-led prefix", "1RQ-2025-001"},
		{"empty prefix", "-2025-001"},
		{"signed sequence", "TRQ-2025-+01"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.in)
			if !model.IsCode(err, model.ErrMalformedIdentifier) {
				t.Errorf("Parse(%q) error = %v, want MALFORMED_IDENTIFIER", tt.in, err)
			}
		})
	}
}

func TestLimits_custom(t *testing.T) {
	l := Limits{MinYear: 2020, MaxYear: 2030, MinDigits: 4, MaxDigits: 6}

	if _, err := l.Parse("QSF-2025-013"); err == nil {
		t.Error("3-digit sequence accepted with MinDigits 4")
	}
	if _, err := l.Parse("QSF-2019-0013"); err == nil {
		t.Error("2019 accepted with MinYear 2020")
	}
	if _, err := l.Parse("QSF-2025-0013"); err != nil {
		t.Errorf("Parse() error = %v", err)
	}
}

// Every formatted value with a padded width inside the limits parses back to
// the same prefix, year and value.
func TestFormatParse_roundTrip(t *testing.T) {
	prefixes := []string{"QSF", "TRQ", "CAPA", "N1"}
	values := []int64{1, 9, 10, 99, 100, 999, 1000, 54321, 999999999}
	for _, prefix := range prefixes {
		for _, year := range []int{2000, 2025, 2199} {
			for _, pad := range []int{3, 5, 9} {
				for _, v := range values {
					s := Format(prefix, year, v, pad)
					if len(fmt.Sprint(v)) > DefaultLimits.MaxDigits {
						continue
					}
					id, err := Parse(s)
					if err != nil {
						t.Fatalf("Parse(%q) error = %v", s, err)
					}
					if id.Prefix != prefix || id.Year != year || id.Sequence != v {
						t.Fatalf("Parse(%q) = %+v", s, id)
					}
					if id.String() != s {
						t.Fatalf("String() = %q, want %q", id.String(), s)
					}
				}
			}
		}
	}
}
