package matrix

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
)

type mockState struct {
	slots    map[uuid.UUID]*Slot
	byMember map[string]map[uuid.UUID]uuid.UUID
	children map[uuid.UUID][]uuid.UUID
	inserts  int
}

func newMockState() *mockState {
	return &mockState{
		slots:    make(map[uuid.UUID]*Slot),
		byMember: make(map[string]map[uuid.UUID]uuid.UUID),
		children: make(map[uuid.UUID][]uuid.UUID),
	}
}

func (m *mockState) SlotByMember(_ context.Context, planID string, memberID uuid.UUID) (*Slot, error) {
	plan, ok := m.byMember[planID]
	if !ok {
		return nil, nil
	}
	id, ok := plan[memberID]
	if !ok {
		return nil, nil
	}
	return m.slots[id].Clone(), nil
}

func (m *mockState) SlotByID(_ context.Context, id uuid.UUID) (*Slot, error) {
	slot, ok := m.slots[id]
	if !ok {
		return nil, nil
	}
	return slot.Clone(), nil
}

func (m *mockState) Children(_ context.Context, parentID uuid.UUID) ([]*Slot, error) {
	var out []*Slot
	for _, id := range m.children[parentID] {
		out = append(out, m.slots[id].Clone())
	}
	return out, nil
}

func (m *mockState) InsertSlot(_ context.Context, slot *Slot) error {
	m.inserts++
	m.slots[slot.ID] = slot.Clone()
	if m.byMember[slot.PlanID] == nil {
		m.byMember[slot.PlanID] = make(map[uuid.UUID]uuid.UUID)
	}
	m.byMember[slot.PlanID][slot.MemberID] = slot.ID
	if slot.ParentID != nil {
		m.children[*slot.ParentID] = append(m.children[*slot.ParentID], slot.ID)
	}
	return nil
}

func mustPlaceRoot(t *testing.T, e *Engine, st *mockState, plan string) *Slot {
	t.Helper()
	root, err := e.PlaceRoot(context.Background(), st, plan, uuid.New())
	if err != nil {
		t.Fatalf("place root: %v", err)
	}
	return root
}

func TestPlaceFillsDirectLineInPositionOrder(t *testing.T) {
	st := newMockState()
	e := New(3, 4, false)
	root := mustPlaceRoot(t, e, st, "plan")

	for want := 0; want < 3; want++ {
		slot, err := e.Place(context.Background(), st, "plan", uuid.New(), root.MemberID)
		if err != nil {
			t.Fatalf("place %d: %v", want, err)
		}
		if slot.Position != want {
			t.Fatalf("position = %d, want %d", slot.Position, want)
		}
		if slot.Depth != 1 {
			t.Fatalf("depth = %d, want 1", slot.Depth)
		}
		if slot.ParentID == nil || *slot.ParentID != root.ID {
			t.Fatalf("parent = %v, want root", slot.ParentID)
		}
	}
}

func TestPlaceSpillsOverBreadthFirst(t *testing.T) {
	st := newMockState()
	e := New(2, 4, false)
	root := mustPlaceRoot(t, e, st, "plan")

	var level1 []*Slot
	for i := 0; i < 2; i++ {
		slot, err := e.Place(context.Background(), st, "plan", uuid.New(), root.MemberID)
		if err != nil {
			t.Fatalf("place level1: %v", err)
		}
		level1 = append(level1, slot)
	}

	// The third member under the root must spill to the first child's first
	// open position, not fail.
	spill, err := e.Place(context.Background(), st, "plan", uuid.New(), root.MemberID)
	if err != nil {
		t.Fatalf("spillover place: %v", err)
	}
	if spill.Depth != 2 {
		t.Fatalf("spill depth = %d, want 2", spill.Depth)
	}
	if spill.ParentID == nil || *spill.ParentID != level1[0].ID {
		t.Fatalf("spill parent = %v, want first level-1 slot", spill.ParentID)
	}
	if spill.Position != 0 {
		t.Fatalf("spill position = %d, want 0", spill.Position)
	}

	// The level-order walk stays on the first child until its positions are
	// exhausted, then moves to the second.
	next, err := e.Place(context.Background(), st, "plan", uuid.New(), root.MemberID)
	if err != nil {
		t.Fatalf("second spillover: %v", err)
	}
	if next.ParentID == nil || *next.ParentID != level1[0].ID {
		t.Fatalf("second spill parent = %v, want first level-1 slot", next.ParentID)
	}
	if next.Position != 1 {
		t.Fatalf("second spill position = %d, want 1", next.Position)
	}

	third, err := e.Place(context.Background(), st, "plan", uuid.New(), root.MemberID)
	if err != nil {
		t.Fatalf("third spillover: %v", err)
	}
	if third.ParentID == nil || *third.ParentID != level1[1].ID {
		t.Fatalf("third spill parent = %v, want second level-1 slot", third.ParentID)
	}
	if third.Position != 0 {
		t.Fatalf("third spill position = %d, want 0", third.Position)
	}
}

func TestPlaceNeverReusesPosition(t *testing.T) {
	st := newMockState()
	e := New(2, 3, false)
	root := mustPlaceRoot(t, e, st, "plan")

	taken := make(map[string]bool)
	for i := 0; i < 14; i++ {
		slot, err := e.Place(context.Background(), st, "plan", uuid.New(), root.MemberID)
		if err != nil {
			t.Fatalf("place %d: %v", i, err)
		}
		key := slot.ParentID.String() + ":" + string(rune('0'+slot.Position))
		if taken[key] {
			t.Fatalf("position %s assigned twice", key)
		}
		taken[key] = true
	}
}

func TestPlaceCapacityExceeded(t *testing.T) {
	st := newMockState()
	e := New(2, 1, false)
	root := mustPlaceRoot(t, e, st, "plan")

	for i := 0; i < 2; i++ {
		if _, err := e.Place(context.Background(), st, "plan", uuid.New(), root.MemberID); err != nil {
			t.Fatalf("place %d: %v", i, err)
		}
	}
	_, err := e.Place(context.Background(), st, "plan", uuid.New(), root.MemberID)
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("err = %v, want ErrCapacityExceeded", err)
	}
}

func TestPlaceAutoOverflowStillBoundedByAncestorWindows(t *testing.T) {
	st := newMockState()
	e := New(2, 1, true)
	root := mustPlaceRoot(t, e, st, "plan")

	sponsor, err := e.Place(context.Background(), st, "plan", uuid.New(), root.MemberID)
	if err != nil {
		t.Fatalf("place sponsor: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := e.Place(context.Background(), st, "plan", uuid.New(), sponsor.MemberID); err != nil {
			t.Fatalf("fill sponsor %d: %v", i, err)
		}
	}
	// Fill the root's remaining direct position.
	if _, err := e.Place(context.Background(), st, "plan", uuid.New(), root.MemberID); err != nil {
		t.Fatalf("fill root: %v", err)
	}

	// The sponsor's one-level window is full and the overflow climb finds the
	// root's window full as well, so capacity surfaces instead of deepening
	// beyond every ancestor's bound.
	_, err = e.Place(context.Background(), st, "plan", uuid.New(), sponsor.MemberID)
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("err = %v, want ErrCapacityExceeded", err)
	}
}

func TestPlaceAutoOverflowFindsRoomUpstream(t *testing.T) {
	st := newMockState()
	e := New(2, 2, true)
	root := mustPlaceRoot(t, e, st, "plan")

	sponsor, err := e.Place(context.Background(), st, "plan", uuid.New(), root.MemberID)
	if err != nil {
		t.Fatalf("place sponsor: %v", err)
	}
	// Fill the sponsor's full two-level window: 2 children + 4 grandchildren.
	for i := 0; i < 6; i++ {
		if _, err := e.Place(context.Background(), st, "plan", uuid.New(), sponsor.MemberID); err != nil {
			t.Fatalf("fill %d: %v", i, err)
		}
	}
	overflow, err := e.Place(context.Background(), st, "plan", uuid.New(), sponsor.MemberID)
	if err != nil {
		t.Fatalf("overflow place: %v", err)
	}
	if overflow.Depth-root.Depth > 2 {
		t.Fatalf("overflow depth = %d, beyond root window", overflow.Depth)
	}
}

func TestPlaceRejectsDoublePlacement(t *testing.T) {
	st := newMockState()
	e := New(2, 3, false)
	root := mustPlaceRoot(t, e, st, "plan")

	member := uuid.New()
	if _, err := e.Place(context.Background(), st, "plan", member, root.MemberID); err != nil {
		t.Fatalf("first place: %v", err)
	}
	_, err := e.Place(context.Background(), st, "plan", member, root.MemberID)
	if !errors.Is(err, ErrAlreadyPlaced) {
		t.Fatalf("err = %v, want ErrAlreadyPlaced", err)
	}
}

func TestPlaceRequiresPlacedSponsor(t *testing.T) {
	st := newMockState()
	e := New(2, 3, false)
	_, err := e.Place(context.Background(), st, "plan", uuid.New(), uuid.New())
	if !errors.Is(err, ErrSponsorNotPlaced) {
		t.Fatalf("err = %v, want ErrSponsorNotPlaced", err)
	}
}
