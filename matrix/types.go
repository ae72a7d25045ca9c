package matrix

import (
	"time"

	"github.com/google/uuid"
)

// Slot is a single position in a forced compensation matrix. Slots are
// allocated once at placement time and never rewritten; the matrix history is
// reconstructed from the slot arena alone.
type Slot struct {
	ID        uuid.UUID
	PlanID    string
	MemberID  uuid.UUID
	ParentID  *uuid.UUID
	Position  int
	Depth     int
	CreatedAt time.Time
}

// Root reports whether the slot anchors a matrix tree.
func (s *Slot) Root() bool {
	return s != nil && s.ParentID == nil
}

// Clone returns a deep copy so callers can hand slots across goroutines
// without sharing the parent pointer.
func (s *Slot) Clone() *Slot {
	if s == nil {
		return nil
	}
	dup := *s
	if s.ParentID != nil {
		parent := *s.ParentID
		dup.ParentID = &parent
	}
	return &dup
}
