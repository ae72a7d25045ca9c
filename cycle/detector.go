package cycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sigmacore/matrix"
)

var (
	errNilState = errors.New("cycle: accumulator state not configured")

	// ErrOrphanSlot is returned when the upward walk encounters a parent
	// reference that resolves to no slot. The slot arena is append-only, so
	// this indicates corrupted state and aborts the operation.
	ErrOrphanSlot = errors.New("cycle: slot parent not found")
)

// State is the persistence surface for the detector. All mutations performed
// during one OnSlotFilled walk are expected to share a transaction with the
// placement that triggered it.
type State interface {
	SlotByID(ctx context.Context, id uuid.UUID) (*matrix.Slot, error)
	Accumulator(ctx context.Context, planID string, memberID uuid.UUID, level int) (*Accumulator, error)
	PutAccumulator(ctx context.Context, acc *Accumulator) error
	InsertEvent(ctx context.Context, evt *Event) error
}

// Detector walks the ancestor chain of a freshly filled slot, advances the
// per-level accumulators, and emits a cycle event for every ancestor whose
// subtree newly satisfies the completion quota.
type Detector struct {
	width       int
	depth       int
	amountCents int64
	nowFn       func() time.Time
}

// NewDetector constructs a detector for the given plan geometry. amountCents
// is the monetary value attached to each emitted event; eligibility decisions
// never touch it.
func NewDetector(width, depth int, amountCents int64) *Detector {
	return &Detector{
		width:       width,
		depth:       depth,
		amountCents: amountCents,
		nowFn:       time.Now,
	}
}

// SetNowFunc overrides the time source used for event timestamps.
func (d *Detector) SetNowFunc(now func() time.Time) {
	if now == nil {
		d.nowFn = time.Now
		return
	}
	d.nowFn = now
}

// OnSlotFilled advances counters for every ancestor of the filled slot,
// bounded by the plan depth, and returns the cycle events emitted along the
// way. The walk is iterative upward; every payable level of each ancestor is
// re-checked after its counter moves, and the per-level sequence guard keeps
// emission exactly-once per occurrence.
func (d *Detector) OnSlotFilled(ctx context.Context, st State, slot *matrix.Slot) ([]*Event, error) {
	if st == nil {
		return nil, errNilState
	}
	if slot == nil {
		return nil, fmt.Errorf("cycle: nil slot")
	}

	var events []*Event
	current := slot
	for distance := 1; distance <= d.depth; distance++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if current.ParentID == nil {
			break
		}
		parent, err := st.SlotByID(ctx, *current.ParentID)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			return nil, ErrOrphanSlot
		}

		acc, err := d.loadAccumulator(ctx, st, slot.PlanID, parent.MemberID, distance)
		if err != nil {
			return nil, err
		}
		acc.FilledCount++
		acc.UpdatedAt = d.nowFn().UTC()
		if err := st.PutAccumulator(ctx, acc); err != nil {
			return nil, fmt.Errorf("store accumulator: %w", err)
		}

		for level := 1; level < d.depth; level++ {
			evt, err := d.checkCompletion(ctx, st, slot.PlanID, parent.MemberID, level)
			if err != nil {
				return nil, err
			}
			if evt != nil {
				events = append(events, evt)
			}
		}
		current = parent
	}
	return events, nil
}

// checkCompletion evaluates the sigma condition for member at the given level:
// every one of the width direct slots is filled and, recursively, each child
// subtree has completed the condition one level down. With at most width
// children per slot the recursive condition collapses to per-level fill
// quotas of width^l, which keeps the check to integer arithmetic over the
// ancestor's own accumulators.
func (d *Detector) checkCompletion(ctx context.Context, st State, planID string, memberID uuid.UUID, level int) (*Event, error) {
	target, err := d.loadAccumulator(ctx, st, planID, memberID, level)
	if err != nil {
		return nil, err
	}
	sequence := target.CompletedCycles + 1

	quota := 1
	for l := 1; l <= level+1; l++ {
		quota *= d.width
		acc, err := d.loadAccumulator(ctx, st, planID, memberID, l)
		if err != nil {
			return nil, err
		}
		if acc.FilledCount < sequence*quota {
			return nil, nil
		}
	}

	// Quota met: consume it and emit exactly one event for this occurrence.
	target.CompletedCycles = sequence
	target.UpdatedAt = d.nowFn().UTC()
	if err := st.PutAccumulator(ctx, target); err != nil {
		return nil, fmt.Errorf("store accumulator: %w", err)
	}
	evt := &Event{
		ID:             uuid.New(),
		PlanID:         planID,
		MemberID:       memberID,
		Level:          level,
		Sequence:       sequence,
		AmountCents:    d.amountCents,
		IdempotencyKey: EventKey(planID, memberID, level, sequence),
		CreatedAt:      d.nowFn().UTC(),
	}
	if err := st.InsertEvent(ctx, evt); err != nil {
		return nil, fmt.Errorf("insert cycle event: %w", err)
	}
	return evt, nil
}

// NearCompletion reports whether the member's direct line is one fill short
// of the next cycle quota. Used for operational notification hooks only.
func (d *Detector) NearCompletion(acc *Accumulator) bool {
	if acc == nil || acc.Level != 1 {
		return false
	}
	return acc.PendingFills(d.width) == d.width-1
}

func (d *Detector) loadAccumulator(ctx context.Context, st State, planID string, memberID uuid.UUID, level int) (*Accumulator, error) {
	acc, err := st.Accumulator(ctx, planID, memberID, level)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		acc = &Accumulator{PlanID: planID, MemberID: memberID, Level: level}
	}
	return acc, nil
}
