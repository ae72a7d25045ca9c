package cycle

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Accumulator tracks, per member and plan, how many matrix slots have been
// filled at a given relative level below the member's slot. FilledCount is
// cumulative and monotone; completed cycles consume quota through
// CompletedCycles rather than by rewinding the counter, so aggregate state is
// always derivable from history.
type Accumulator struct {
	PlanID          string
	MemberID        uuid.UUID
	Level           int
	FilledCount     int
	CompletedCycles int
	UpdatedAt       time.Time
}

// PendingFills reports how many fills at this level count toward the cycle
// currently in progress.
func (a *Accumulator) PendingFills(quota int) int {
	if a == nil {
		return 0
	}
	consumed := a.CompletedCycles * quota
	if a.FilledCount <= consumed {
		return 0
	}
	return a.FilledCount - consumed
}

// Event records a completed compensation cycle. Events are immutable once
// committed; the idempotency key is the replay-safety contract enforced at
// the write boundary.
type Event struct {
	ID             uuid.UUID
	PlanID         string
	MemberID       uuid.UUID
	Level          int
	Sequence       int
	AmountCents    int64
	IdempotencyKey string
	CreatedAt      time.Time
}

// EventKey derives the deterministic idempotency key for a cycle occurrence.
func EventKey(planID string, memberID uuid.UUID, level, sequence int) string {
	return fmt.Sprintf("%s:%s:%d:%d", planID, memberID, level, sequence)
}
