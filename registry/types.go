package registry

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a member. Members are never deleted, only
// soft-deactivated through a status change.
type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusSuspended Status = "suspended"
)

// Valid reports whether the status is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusSuspended:
		return true
	}
	return false
}

// Member is the canonical record of a participant. SponsorID points at the
// referring member; it is nil only for designated roots.
type Member struct {
	ID        uuid.UUID
	SponsorID *uuid.UUID
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Active reports whether the member is eligible to receive payouts.
func (m *Member) Active() bool {
	return m != nil && m.Status == StatusActive
}

// TeamCounts summarises a member's sponsorship genealogy.
type TeamCounts struct {
	PersonalRecruits int
	TotalDownline    int
}
