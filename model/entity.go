package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EntityStatus is the coarse lifecycle status of a versioned entity.
type EntityStatus string

// Entity status constants. Entities are never physically deleted; they move
// to Obsolete or Superseded instead.
const (
	StatusDraft           EntityStatus = "Draft"
	StatusPendingReview   EntityStatus = "PendingReview"
	StatusPendingApproval EntityStatus = "PendingApproval"
	StatusApproved        EntityStatus = "Approved"
	StatusEffective       EntityStatus = "Effective"
	StatusObsolete        EntityStatus = "Obsolete"
	StatusSuperseded      EntityStatus = "Superseded"
)

// Valid reports whether s is a known entity status.
func (s EntityStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusPendingReview, StatusPendingApproval, StatusApproved,
		StatusEffective, StatusObsolete, StatusSuperseded:
		return true
	}
	return false
}

// Retired reports whether the entity has left the active lifecycle.
func (s EntityStatus) Retired() bool {
	return s == StatusObsolete || s == StatusSuperseded
}

// Version is a major.minor version pair ordered lexicographically.
type Version struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
}

// InitialVersion is the version every entity starts at.
var InitialVersion = Version{Major: 1, Minor: 0}

// String renders the version as "{major}.{minor}".
func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// IsZero reports whether v is the zero version, used for unversioned subjects.
func (v Version) IsZero() bool {
	return v.Major == 0 && v.Minor == 0
}

// Less reports whether v sorts strictly before o.
func (v Version) Less(o Version) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	return v.Minor < o.Minor
}

// Bump returns the next version. A major bump always resets minor to 0.
func (v Version) Bump(isMajor bool) Version {
	if isMajor {
		return Version{Major: v.Major + 1, Minor: 0}
	}
	return Version{Major: v.Major, Minor: v.Minor + 1}
}

// ParseVersion parses a "{major}.{minor}" string.
func ParseVersion(s string) (Version, error) {
	majorStr, minorStr, ok := strings.Cut(s, ".")
	if !ok {
		return Version{}, fmt.Errorf("version %q: missing minor component", s)
	}
	major, err := strconv.Atoi(majorStr)
	if err != nil || major < 1 {
		return Version{}, fmt.Errorf("version %q: invalid major component", s)
	}
	minor, err := strconv.Atoi(minorStr)
	if err != nil || minor < 0 {
		return Version{}, fmt.Errorf("version %q: invalid minor component", s)
	}
	return Version{Major: major, Minor: minor}, nil
}

// VersionedEntity is a controlled record (document, calibration record,
// test request) that carries a major.minor version and a lifecycle status.
type VersionedEntity struct {
	ID            string       `json:"id"`
	Kind          string       `json:"kind"`
	Number        string       `json:"number"`
	Title         string       `json:"title"`
	Owner         string       `json:"owner"`
	MajorVersion  int          `json:"major_version"`
	MinorVersion  int          `json:"minor_version"`
	Status        EntityStatus `json:"status"`
	EffectiveDate *time.Time   `json:"effective_date,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
	RowVersion    int          `json:"row_version"`
}

// Version returns the entity's current version pair.
func (e VersionedEntity) Version() Version {
	return Version{Major: e.MajorVersion, Minor: e.MinorVersion}
}

// SetVersion replaces the entity's version pair.
func (e *VersionedEntity) SetVersion(v Version) {
	e.MajorVersion = v.Major
	e.MinorVersion = v.Minor
}

// RevisionRecord is an immutable audit entry describing one version
// transition of an entity. RevisionNumber is strictly increasing per entity
// starting at 1.
type RevisionRecord struct {
	ID                string    `json:"id"`
	EntityID          string    `json:"entity_id"`
	MajorVersion      int       `json:"major_version"`
	MinorVersion      int       `json:"minor_version"`
	RevisionNumber    int       `json:"revision_number"`
	RevisedBy         string    `json:"revised_by"`
	ChangeDescription string    `json:"change_description"`
	PredecessorID     string    `json:"predecessor_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// Version returns the version the revision introduced.
func (r RevisionRecord) Version() Version {
	return Version{Major: r.MajorVersion, Minor: r.MinorVersion}
}
