package matrix

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// PlacementState is the minimal persistence surface the placement engine
// needs. Implementations are expected to be transaction scoped so a failed
// placement leaves no slot behind.
type PlacementState interface {
	SlotByMember(ctx context.Context, planID string, memberID uuid.UUID) (*Slot, error)
	SlotByID(ctx context.Context, id uuid.UUID) (*Slot, error)
	Children(ctx context.Context, parentID uuid.UUID) ([]*Slot, error)
	InsertSlot(ctx context.Context, slot *Slot) error
}

// Engine places members into a fixed-width, fixed-depth forced matrix using
// breadth-first spillover under the enrolling sponsor.
type Engine struct {
	width        int
	depth        int
	autoOverflow bool
	nowFn        func() time.Time
}

// New constructs a placement engine for the given plan geometry. When
// autoOverflow is set, a sponsor whose subtree is full overflows to the next
// ancestor's tree instead of failing.
func New(width, depth int, autoOverflow bool) *Engine {
	return &Engine{
		width:        width,
		depth:        depth,
		autoOverflow: autoOverflow,
		nowFn:        time.Now,
	}
}

// SetNowFunc overrides the time source, primarily for deterministic tests.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.nowFn = time.Now
		return
	}
	e.nowFn = now
}

// Width returns the configured matrix width.
func (e *Engine) Width() int { return e.width }

// Depth returns the configured matrix depth.
func (e *Engine) Depth() int { return e.depth }

// PlaceRoot anchors the plan's root slot for the designated root member.
func (e *Engine) PlaceRoot(ctx context.Context, st PlacementState, planID string, memberID uuid.UUID) (*Slot, error) {
	if st == nil {
		return nil, errNilState
	}
	if existing, err := st.SlotByMember(ctx, planID, memberID); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, ErrAlreadyPlaced
	}
	slot := &Slot{
		ID:        uuid.New(),
		PlanID:    planID,
		MemberID:  memberID,
		Depth:     0,
		CreatedAt: e.nowFn().UTC(),
	}
	if err := st.InsertSlot(ctx, slot); err != nil {
		return nil, fmt.Errorf("insert root slot: %w", err)
	}
	return slot, nil
}

// Place assigns newMemberID the shallowest open position under sponsorID's
// slot, visiting slots in level order and within a level in ascending
// position. The search is deterministic for a given history of placements.
func (e *Engine) Place(ctx context.Context, st PlacementState, planID string, newMemberID, sponsorID uuid.UUID) (*Slot, error) {
	if st == nil {
		return nil, errNilState
	}
	if existing, err := st.SlotByMember(ctx, planID, newMemberID); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, ErrAlreadyPlaced
	}
	anchor, err := st.SlotByMember(ctx, planID, sponsorID)
	if err != nil {
		return nil, err
	}
	if anchor == nil {
		return nil, ErrSponsorNotPlaced
	}

	for {
		slot, err := e.placeUnder(ctx, st, planID, newMemberID, anchor)
		if err == nil {
			return slot, nil
		}
		if err != ErrCapacityExceeded || !e.autoOverflow || anchor.ParentID == nil {
			return nil, err
		}
		// Overflow to the next ancestor's tree when the plan allows it.
		anchor, err = st.SlotByID(ctx, *anchor.ParentID)
		if err != nil {
			return nil, err
		}
		if anchor == nil {
			return nil, ErrCapacityExceeded
		}
	}
}

func (e *Engine) placeUnder(ctx context.Context, st PlacementState, planID string, newMemberID uuid.UUID, anchor *Slot) (*Slot, error) {
	queue := []*Slot{anchor}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		current := queue[0]
		queue = queue[1:]
		if current.Depth-anchor.Depth >= e.depth {
			continue
		}
		children, err := st.Children(ctx, current.ID)
		if err != nil {
			return nil, err
		}
		sort.Slice(children, func(i, j int) bool { return children[i].Position < children[j].Position })
		if len(children) < e.width {
			slot := &Slot{
				ID:        uuid.New(),
				PlanID:    planID,
				MemberID:  newMemberID,
				Position:  firstOpenPosition(children, e.width),
				Depth:     current.Depth + 1,
				CreatedAt: e.nowFn().UTC(),
			}
			parent := current.ID
			slot.ParentID = &parent
			if err := st.InsertSlot(ctx, slot); err != nil {
				return nil, fmt.Errorf("insert slot: %w", err)
			}
			return slot, nil
		}
		queue = append(queue, children...)
	}
	return nil, ErrCapacityExceeded
}

func firstOpenPosition(children []*Slot, width int) int {
	taken := make(map[int]struct{}, len(children))
	for _, child := range children {
		taken[child.Position] = struct{}{}
	}
	for pos := 0; pos < width; pos++ {
		if _, ok := taken[pos]; !ok {
			return pos
		}
	}
	return len(children)
}
