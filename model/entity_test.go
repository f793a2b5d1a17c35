package model

import "testing"

func TestVersion_Bump(t *testing.T) {
	tests := []struct {
		name    string
		from    Version
		isMajor bool
		want    Version
	}{
		{"minor from initial", Version{1, 0}, false, Version{1, 1}},
		{"major resets minor", Version{1, 3}, true, Version{2, 0}},
		{"minor after major", Version{2, 0}, false, Version{2, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.from.Bump(tt.isMajor)
			if got != tt.want {
				t.Errorf("Bump(%v) = %v, want %v", tt.isMajor, got, tt.want)
			}
			if !tt.from.Less(got) {
				t.Errorf("%v should sort before %v", tt.from, got)
			}
		})
	}
}

func TestVersion_String(t *testing.T) {
	if got := (Version{Major: 2, Minor: 1}).String(); got != "2.1" {
		t.Errorf("String() = %q, want 2.1", got)
	}
}

func TestVersion_Less(t *testing.T) {
	if !(Version{1, 9}).Less(Version{2, 0}) {
		t.Error("1.9 < 2.0 should hold")
	}
	if (Version{2, 0}).Less(Version{1, 9}) {
		t.Error("2.0 < 1.9 should not hold")
	}
	if (Version{1, 1}).Less(Version{1, 1}) {
		t.Error("Less must be strict")
	}
}

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("3.12")
	if err != nil {
		t.Fatalf("ParseVersion() error = %v", err)
	}
	if v != (Version{3, 12}) {
		t.Errorf("ParseVersion() = %v", v)
	}

	for _, bad := range []string{"", "3", "0.1", "a.b", "1.-1"} {
		if _, err := ParseVersion(bad); err == nil {
			t.Errorf("ParseVersion(%q) should fail", bad)
		}
	}
}

func TestEntityStatus(t *testing.T) {
	if !StatusPendingApproval.Valid() {
		t.Error("PendingApproval should be valid")
	}
	if EntityStatus("Archived").Valid() {
		t.Error("Archived should not be valid")
	}
	if !StatusObsolete.Retired() || StatusApproved.Retired() {
		t.Error("Retired() mismatch")
	}
}
