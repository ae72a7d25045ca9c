// Package engine orchestrates the compensation flow: enrollment, matrix
// placement, cycle detection, qualification, and ledger recording, all within
// one unit of work per request.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"sigmacore/config"
	"sigmacore/cycle"
	"sigmacore/ledger"
	"sigmacore/matrix"
	"sigmacore/observability"
	"sigmacore/observability/logging"
	"sigmacore/qualify"
	"sigmacore/registry"
	"sigmacore/storage"
)

// ErrPlanNotFound is returned for operations referencing an unknown plan.
var ErrPlanNotFound = errors.New("engine: plan not found")

type planRuntime struct {
	plan      config.Plan
	placer    *matrix.Engine
	detector  *cycle.Detector
	evaluator *qualify.Evaluator
}

// Engine is the command/query surface consumed by the API layer. All plan
// parameters are passed in explicitly at construction; nothing is read from
// ambient globals.
type Engine struct {
	store    *storage.Store
	plans    map[string]*planRuntime
	registry *registry.Registry
	ledger   *ledger.Ledger
	locks    *subtreeLocks
	log      *slog.Logger
	metrics  *observability.EngineMetrics
	nowFn    func() time.Time
}

// Option customises the engine instance.
type Option func(*Engine)

// WithLogger supplies the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *observability.EngineMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		e.nowFn = clock
		e.registry.SetNowFunc(clock)
		e.ledger.SetNowFunc(clock)
		for _, rt := range e.plans {
			rt.placer.SetNowFunc(clock)
			rt.detector.SetNowFunc(clock)
		}
	}
}

// WithLockTimeout bounds how long an enrollment waits for its subtree lock.
func WithLockTimeout(d time.Duration) Option {
	return func(e *Engine) { e.locks = newSubtreeLocks(d) }
}

// New constructs the engine for the given plan catalog.
func New(store *storage.Store, plans []config.Plan, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("engine: store required")
	}
	if len(plans) == 0 {
		return nil, fmt.Errorf("engine: at least one plan required")
	}
	e := &Engine{
		store:    store,
		plans:    make(map[string]*planRuntime, len(plans)),
		registry: registry.New(),
		ledger:   ledger.New(),
		locks:    newSubtreeLocks(0),
		log:      slog.Default(),
		metrics:  observability.Engine(),
		nowFn:    time.Now,
	}
	for _, plan := range plans {
		if err := plan.Validate(); err != nil {
			return nil, err
		}
		e.plans[plan.ID] = &planRuntime{
			plan:     plan,
			placer:   matrix.New(plan.Width, plan.Depth, plan.AutoOverflow),
			detector: cycle.NewDetector(plan.Width, plan.Depth, plan.PayoutAmountCents()),
			evaluator: qualify.New(qualify.Policy{
				MinDirects:           plan.MinDirects,
				FirstCycleMinDirects: plan.FirstCycleMinDirects,
			}),
		}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Plan returns the compensation terms for the plan id.
func (e *Engine) Plan(planID string) (config.Plan, bool) {
	rt, ok := e.plans[planID]
	if !ok {
		return config.Plan{}, false
	}
	return rt.plan, true
}

func (e *Engine) runtime(op, planID string) (*planRuntime, error) {
	rt, ok := e.plans[planID]
	if !ok {
		return nil, fail(op, CodeNotFound, fmt.Errorf("%w: %s", ErrPlanNotFound, planID))
	}
	return rt, nil
}

// EnrollResult is the outcome of one enrollment.
type EnrollResult struct {
	Member *registry.Member
	Slot   *matrix.Slot
	Events []*cycle.Event
}

// BootstrapPlan creates the plan's root member and root slot. It is invoked
// once per plan during provisioning and is idempotent against an already
// bootstrapped plan only in that it fails cleanly.
func (e *Engine) BootstrapPlan(ctx context.Context, planID string) (*EnrollResult, error) {
	const op = "bootstrap_plan"
	rt, err := e.runtime(op, planID)
	if err != nil {
		return nil, err
	}
	var result EnrollResult
	err = e.store.Transaction(ctx, func(tx *storage.Store) error {
		member, err := e.registry.CreateMember(ctx, tx, nil)
		if err != nil {
			return err
		}
		slot, err := rt.placer.PlaceRoot(ctx, tx, planID, member.ID)
		if err != nil {
			return err
		}
		result.Member = member
		result.Slot = slot
		return nil
	})
	if err != nil {
		return nil, classify(op, err)
	}
	e.log.Info("plan bootstrapped", "plan", planID, "member", result.Member.ID.String())
	return &result, nil
}

// EnrollMember registers a new member under the sponsor, places them in the
// plan's matrix, and settles any cycles the placement completes. The whole
// flow runs in one transaction serialized against the sponsor's matrix root,
// so a cancelled or failed enrollment leaves no partial state.
func (e *Engine) EnrollMember(ctx context.Context, sponsorID uuid.UUID, planID string) (*EnrollResult, error) {
	const op = "enroll_member"
	started := e.nowFn()
	rt, err := e.runtime(op, planID)
	if err != nil {
		return nil, err
	}

	rootID, err := e.matrixRoot(ctx, planID, sponsorID)
	if err != nil {
		return nil, classify(op, err)
	}
	release, err := e.locks.acquire(ctx, rootID)
	if err != nil {
		return nil, fail(op, CodeConflict, err)
	}
	defer release()

	var result EnrollResult
	err = e.store.Transaction(ctx, func(tx *storage.Store) error {
		member, err := e.registry.CreateMember(ctx, tx, &sponsorID)
		if err != nil {
			return err
		}
		slot, err := rt.placer.Place(ctx, tx, planID, member.ID, sponsorID)
		if err != nil {
			if errors.Is(err, storage.ErrDuplicate) {
				// Lost a cross-process race for the open slot.
				return fail(op, CodeConflict, err)
			}
			return err
		}
		events, err := e.settleSlotFill(ctx, tx, rt, slot)
		if err != nil {
			return err
		}
		result = EnrollResult{Member: member, Slot: slot, Events: events}
		return nil
	})
	if err != nil {
		return nil, classify(op, err)
	}

	e.metrics.RecordPlacement(planID)
	e.metrics.ObserveOperation(op, e.nowFn().Sub(started))
	e.log.Info("member enrolled",
		"plan", planID,
		"member", result.Member.ID.String(),
		"slot", result.Slot.ID.String(),
		"depth", result.Slot.Depth,
		"cycles", len(result.Events),
	)
	return &result, nil
}

// settleSlotFill runs cycle detection for the filled slot and records the
// ledger outcome of every emitted event. Must be called inside a transaction.
func (e *Engine) settleSlotFill(ctx context.Context, tx *storage.Store, rt *planRuntime, slot *matrix.Slot) ([]*cycle.Event, error) {
	events, err := rt.detector.OnSlotFilled(ctx, tx, slot)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			// A duplicate idempotency key at this point means the same
			// occurrence was already emitted: replay-safety broke somewhere
			// upstream. Abort rather than coerce state.
			return nil, fail("cycle_detect", CodeInvariantViolation, err)
		}
		return nil, err
	}
	for _, evt := range events {
		if err := e.settleEvent(ctx, tx, rt, evt); err != nil {
			return nil, err
		}
	}
	if err := e.observeNearCompletion(ctx, tx, rt, slot); err != nil {
		return nil, err
	}
	return events, nil
}

func (e *Engine) settleEvent(ctx context.Context, tx *storage.Store, rt *planRuntime, evt *cycle.Event) error {
	owner, err := tx.MemberByID(ctx, evt.MemberID)
	if err != nil {
		return err
	}
	if owner == nil {
		return fail("settle_event", CodeInvariantViolation, fmt.Errorf("cycle event owner %s unknown", evt.MemberID))
	}
	recruits, err := tx.SponsoredBy(ctx, owner.ID)
	if err != nil {
		return err
	}
	completed, err := tx.CompletedCycles(ctx, evt.PlanID, owner.ID)
	if err != nil {
		return err
	}
	// The event under settlement is already persisted; everything before it
	// counts as prior history.
	qual := rt.evaluator.Qualifies(owner, len(recruits), completed-1)

	var rollUpTo *uuid.UUID
	if !qual.IsQualified && rt.plan.RollUp {
		target, err := e.rollUpTarget(ctx, tx, rt, owner.ID)
		if err != nil {
			return err
		}
		rollUpTo = target
	}
	entries, err := e.ledger.Record(ctx, tx, evt, qual, rollUpTo)
	if err != nil {
		return err
	}

	e.metrics.RecordCycle(evt.PlanID, strconv.Itoa(evt.Level))
	if !qual.IsQualified {
		e.metrics.RecordForfeiture(evt.PlanID)
	}
	e.log.Info("cycle settled",
		"plan", evt.PlanID,
		"member", owner.ID.String(),
		"level", evt.Level,
		"sequence", evt.Sequence,
		"qualified", qual.IsQualified,
		"entries", len(entries),
	)
	return nil
}

// rollUpTarget walks the sponsorship chain upward, skipping inactive uplines,
// and returns the first ancestor that itself qualifies. Nil when nobody in
// range does; the value then stays forfeited.
func (e *Engine) rollUpTarget(ctx context.Context, tx *storage.Store, rt *planRuntime, memberID uuid.UUID) (*uuid.UUID, error) {
	uplines, err := e.registry.ActiveUpline(ctx, tx, memberID, rt.plan.RollUpMaxLevels)
	if err != nil {
		return nil, err
	}
	for _, upline := range uplines {
		recruits, err := tx.SponsoredBy(ctx, upline.ID)
		if err != nil {
			return nil, err
		}
		completed, err := tx.CompletedCycles(ctx, rt.plan.ID, upline.ID)
		if err != nil {
			return nil, err
		}
		if qual := rt.evaluator.Qualifies(upline, len(recruits), completed); qual.IsQualified {
			id := upline.ID
			return &id, nil
		}
	}
	return nil, nil
}

func (e *Engine) observeNearCompletion(ctx context.Context, tx *storage.Store, rt *planRuntime, slot *matrix.Slot) error {
	if slot.ParentID == nil {
		return nil
	}
	parent, err := tx.SlotByID(ctx, *slot.ParentID)
	if err != nil || parent == nil {
		return err
	}
	acc, err := tx.Accumulator(ctx, slot.PlanID, parent.MemberID, 1)
	if err != nil {
		return err
	}
	if rt.detector.NearCompletion(acc) {
		e.metrics.RecordNearCompletion(slot.PlanID)
		e.log.Info("cycle near completion", "plan", slot.PlanID, "member", parent.MemberID.String())
	}
	return nil
}

// matrixRoot resolves the top of the sponsor's matrix tree for locking.
func (e *Engine) matrixRoot(ctx context.Context, planID string, sponsorID uuid.UUID) (uuid.UUID, error) {
	slot, err := e.store.SlotByMember(ctx, planID, sponsorID)
	if err != nil {
		return uuid.Nil, err
	}
	if slot == nil {
		return uuid.Nil, matrix.ErrSponsorNotPlaced
	}
	seen := map[uuid.UUID]struct{}{}
	for slot.ParentID != nil {
		if _, ok := seen[slot.ID]; ok {
			return uuid.Nil, fail("matrix_root", CodeInvariantViolation, fmt.Errorf("slot parent chain loops at %s", slot.ID))
		}
		seen[slot.ID] = struct{}{}
		parent, err := e.store.SlotByID(ctx, *slot.ParentID)
		if err != nil {
			return uuid.Nil, err
		}
		if parent == nil {
			return uuid.Nil, cycle.ErrOrphanSlot
		}
		slot = parent
	}
	return slot.ID, nil
}

// GetMember returns the member record.
func (e *Engine) GetMember(ctx context.Context, memberID uuid.UUID) (*registry.Member, error) {
	const op = "get_member"
	member, err := e.store.MemberByID(ctx, memberID)
	if err != nil {
		return nil, classify(op, err)
	}
	if member == nil {
		return nil, fail(op, CodeNotFound, registry.ErrMemberNotFound)
	}
	return member, nil
}

// SetMemberStatus transitions a member's lifecycle state.
func (e *Engine) SetMemberStatus(ctx context.Context, memberID uuid.UUID, status registry.Status) (*registry.Member, error) {
	const op = "set_member_status"
	var member *registry.Member
	err := e.store.Transaction(ctx, func(tx *storage.Store) error {
		var err error
		member, err = e.registry.SetStatus(ctx, tx, memberID, status)
		return err
	})
	if err != nil {
		return nil, classify(op, err)
	}
	return member, nil
}

// GetBalance returns the member's authoritative balance in cents, aggregated
// from the ledger at call time.
func (e *Engine) GetBalance(ctx context.Context, memberID uuid.UUID) (int64, error) {
	const op = "get_balance"
	member, err := e.store.MemberByID(ctx, memberID)
	if err != nil {
		return 0, classify(op, err)
	}
	if member == nil {
		return 0, fail(op, CodeNotFound, registry.ErrMemberNotFound)
	}
	balance, err := e.ledger.BalanceOf(ctx, e.store, memberID)
	if err != nil {
		return 0, classify(op, err)
	}
	return balance, nil
}

// GetTeamCounts derives recruit counts from the sponsorship tree.
func (e *Engine) GetTeamCounts(ctx context.Context, memberID uuid.UUID) (registry.TeamCounts, error) {
	const op = "get_team_counts"
	counts, err := e.registry.TeamCounts(ctx, e.store, memberID)
	if err != nil {
		return registry.TeamCounts{}, classify(op, err)
	}
	return counts, nil
}

// LedgerEntries lists the member's ledger history, newest first.
func (e *Engine) LedgerEntries(ctx context.Context, memberID uuid.UUID) ([]*ledger.Entry, error) {
	const op = "ledger_entries"
	member, err := e.store.MemberByID(ctx, memberID)
	if err != nil {
		return nil, classify(op, err)
	}
	if member == nil {
		return nil, fail(op, CodeNotFound, registry.ErrMemberNotFound)
	}
	entries, err := e.ledger.Entries(ctx, e.store, memberID)
	if err != nil {
		return nil, classify(op, err)
	}
	return entries, nil
}

// ReverseCycleEvent appends compensating entries negating the event's
// payouts. Historic rows stay untouched.
func (e *Engine) ReverseCycleEvent(ctx context.Context, eventID uuid.UUID, reason string) ([]*ledger.Entry, error) {
	const op = "reverse_cycle_event"
	var reversals []*ledger.Entry
	err := e.store.Transaction(ctx, func(tx *storage.Store) error {
		evt, err := tx.CycleEventByID(ctx, eventID)
		if err != nil {
			return err
		}
		if evt == nil {
			return ledger.ErrEventNotFound
		}
		reversals, err = e.ledger.Reverse(ctx, tx, eventID, reason)
		return err
	})
	if err != nil {
		return nil, classify(op, err)
	}
	e.metrics.RecordReversal()
	e.log.Info("cycle event reversed",
		"event", eventID.String(),
		logging.MaskField("reason", reason),
		"entries", len(reversals),
	)
	return reversals, nil
}
