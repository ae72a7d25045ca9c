package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrMemberNotFound is returned when the referenced member does not exist.
	ErrMemberNotFound = errors.New("registry: member not found")

	// ErrSponsorNotFound is returned when the referenced sponsor does not exist.
	ErrSponsorNotFound = errors.New("registry: sponsor not found")

	// ErrSponsorCycle is returned when a sponsor change would make a member
	// its own ancestor. The genealogy is acyclic by construction and the
	// invariant is enforced at the write boundary, never repaired after the
	// fact.
	ErrSponsorCycle = errors.New("registry: sponsor change would create a cycle")

	// ErrInvalidStatus is returned for unknown lifecycle states.
	ErrInvalidStatus = errors.New("registry: invalid member status")

	errNilState = errors.New("registry: state not configured")
)

// State is the persistence surface for member records and sponsor links.
type State interface {
	MemberByID(ctx context.Context, id uuid.UUID) (*Member, error)
	InsertMember(ctx context.Context, m *Member) error
	UpdateMember(ctx context.Context, m *Member) error
	SponsoredBy(ctx context.Context, sponsorID uuid.UUID) ([]uuid.UUID, error)
}

// Registry maintains the member roster and the sponsorship genealogy.
type Registry struct {
	nowFn func() time.Time
}

// New constructs a member registry.
func New() *Registry {
	return &Registry{nowFn: time.Now}
}

// SetNowFunc overrides the time source used for record timestamps.
func (r *Registry) SetNowFunc(now func() time.Time) {
	if now == nil {
		r.nowFn = time.Now
		return
	}
	r.nowFn = now
}

// CreateMember registers a new participant under the given sponsor. A nil
// sponsor designates a root; every other member must reference an existing
// one. Freshly minted identifiers cannot introduce cycles, so no walk is
// needed here.
func (r *Registry) CreateMember(ctx context.Context, st State, sponsorID *uuid.UUID) (*Member, error) {
	if st == nil {
		return nil, errNilState
	}
	if sponsorID != nil {
		sponsor, err := st.MemberByID(ctx, *sponsorID)
		if err != nil {
			return nil, err
		}
		if sponsor == nil {
			return nil, ErrSponsorNotFound
		}
	}
	now := r.nowFn().UTC()
	member := &Member{
		ID:        uuid.New(),
		SponsorID: sponsorID,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := st.InsertMember(ctx, member); err != nil {
		return nil, fmt.Errorf("insert member: %w", err)
	}
	return member, nil
}

// SetStatus transitions the member's lifecycle state.
func (r *Registry) SetStatus(ctx context.Context, st State, memberID uuid.UUID, status Status) (*Member, error) {
	if st == nil {
		return nil, errNilState
	}
	if !status.Valid() {
		return nil, ErrInvalidStatus
	}
	member, err := st.MemberByID(ctx, memberID)
	if err != nil {
		return nil, err
	}
	if member == nil {
		return nil, ErrMemberNotFound
	}
	member.Status = status
	member.UpdatedAt = r.nowFn().UTC()
	if err := st.UpdateMember(ctx, member); err != nil {
		return nil, fmt.Errorf("update member: %w", err)
	}
	return member, nil
}

// ChangeSponsor re-links a member under a new sponsor. The new sponsor must
// not be a descendant of the member; the check walks sponsor links to the
// root with a visited set so corrupted data surfaces as ErrSponsorCycle
// instead of looping.
func (r *Registry) ChangeSponsor(ctx context.Context, st State, memberID, newSponsorID uuid.UUID) (*Member, error) {
	if st == nil {
		return nil, errNilState
	}
	member, err := st.MemberByID(ctx, memberID)
	if err != nil {
		return nil, err
	}
	if member == nil {
		return nil, ErrMemberNotFound
	}
	sponsor, err := st.MemberByID(ctx, newSponsorID)
	if err != nil {
		return nil, err
	}
	if sponsor == nil {
		return nil, ErrSponsorNotFound
	}

	seen := map[uuid.UUID]struct{}{}
	for cursor := sponsor; cursor != nil && cursor.SponsorID != nil; {
		if cursor.ID == memberID {
			return nil, ErrSponsorCycle
		}
		if _, ok := seen[cursor.ID]; ok {
			return nil, ErrSponsorCycle
		}
		seen[cursor.ID] = struct{}{}
		cursor, err = st.MemberByID(ctx, *cursor.SponsorID)
		if err != nil {
			return nil, err
		}
	}
	if sponsor.ID == memberID {
		return nil, ErrSponsorCycle
	}

	id := newSponsorID
	member.SponsorID = &id
	member.UpdatedAt = r.nowFn().UTC()
	if err := st.UpdateMember(ctx, member); err != nil {
		return nil, fmt.Errorf("update member: %w", err)
	}
	return member, nil
}

// TeamCounts derives the member's personal-recruit and total-downline counts
// from the sponsorship tree with an iterative breadth-first walk.
func (r *Registry) TeamCounts(ctx context.Context, st State, memberID uuid.UUID) (TeamCounts, error) {
	var counts TeamCounts
	if st == nil {
		return counts, errNilState
	}
	member, err := st.MemberByID(ctx, memberID)
	if err != nil {
		return counts, err
	}
	if member == nil {
		return counts, ErrMemberNotFound
	}

	direct, err := st.SponsoredBy(ctx, memberID)
	if err != nil {
		return counts, err
	}
	counts.PersonalRecruits = len(direct)

	visited := map[uuid.UUID]struct{}{memberID: {}}
	queue := direct
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return counts, err
		}
		id := queue[0]
		queue = queue[1:]
		if _, ok := visited[id]; ok {
			continue
		}
		visited[id] = struct{}{}
		counts.TotalDownline++
		next, err := st.SponsoredBy(ctx, id)
		if err != nil {
			return counts, err
		}
		queue = append(queue, next...)
	}
	return counts, nil
}

// ActiveUpline walks sponsor links upward from the member, skipping inactive
// uplines (dynamic compression), and returns up to maxLevels eligible
// ancestors nearest first.
func (r *Registry) ActiveUpline(ctx context.Context, st State, memberID uuid.UUID, maxLevels int) ([]*Member, error) {
	if st == nil {
		return nil, errNilState
	}
	member, err := st.MemberByID(ctx, memberID)
	if err != nil {
		return nil, err
	}
	if member == nil {
		return nil, ErrMemberNotFound
	}

	var uplines []*Member
	seen := map[uuid.UUID]struct{}{memberID: {}}
	cursor := member
	for len(uplines) < maxLevels && cursor.SponsorID != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		next, err := st.MemberByID(ctx, *cursor.SponsorID)
		if err != nil {
			return nil, err
		}
		if next == nil {
			break
		}
		if _, ok := seen[next.ID]; ok {
			return nil, ErrSponsorCycle
		}
		seen[next.ID] = struct{}{}
		if next.Active() {
			uplines = append(uplines, next)
		}
		cursor = next
	}
	return uplines, nil
}
