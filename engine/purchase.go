package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"sigmacore/cycle"
	"sigmacore/matrix"
	"sigmacore/registry"
	"sigmacore/storage"
)

// PurchaseResult summarises the effect of one recorded purchase.
type PurchaseResult struct {
	ActivatedPositions int
	RemainderCents     int64
	Slot               *matrix.Slot
	Events             []*cycle.Event
}

// RecordPurchase accrues purchase value toward the plan's activation
// threshold. Each full threshold activates one position; the remainder
// carries over. A member not yet placed in the matrix is placed under their
// sponsor on first activation, which can in turn complete cycles upstream.
// Plans without an activation threshold treat purchases as plain accrual
// history.
func (e *Engine) RecordPurchase(ctx context.Context, memberID uuid.UUID, planID string, amountCents int64) (*PurchaseResult, error) {
	const op = "record_purchase"
	rt, err := e.runtime(op, planID)
	if err != nil {
		return nil, err
	}
	if amountCents <= 0 {
		return nil, fail(op, CodeInternal, fmt.Errorf("purchase amount must be positive"))
	}
	member, err := e.store.MemberByID(ctx, memberID)
	if err != nil {
		return nil, classify(op, err)
	}
	if member == nil {
		return nil, fail(op, CodeNotFound, registry.ErrMemberNotFound)
	}

	// Placement may happen, so serialize against the sponsor's matrix root
	// the same way enrollment does.
	var release func()
	if member.SponsorID != nil {
		if sponsorSlot, err := e.store.SlotByMember(ctx, planID, *member.SponsorID); err != nil {
			return nil, classify(op, err)
		} else if sponsorSlot != nil {
			rootID, err := e.matrixRoot(ctx, planID, *member.SponsorID)
			if err != nil {
				return nil, classify(op, err)
			}
			release, err = e.locks.acquire(ctx, rootID)
			if err != nil {
				return nil, fail(op, CodeConflict, err)
			}
		}
	}
	if release != nil {
		defer release()
	}

	var result PurchaseResult
	err = e.store.Transaction(ctx, func(tx *storage.Store) error {
		acc, err := tx.PurchaseAccumulatorFor(ctx, planID, memberID)
		if err != nil {
			return err
		}
		acc.AccumulatedCents += amountCents
		threshold := rt.plan.ActivationThresholdCents
		if threshold > 0 {
			for acc.AccumulatedCents >= threshold {
				acc.AccumulatedCents -= threshold
				acc.TotalActivated++
				result.ActivatedPositions++
			}
		}
		acc.UpdatedAt = e.nowFn().UTC()
		if err := tx.PutPurchaseAccumulator(ctx, acc); err != nil {
			return err
		}
		result.RemainderCents = acc.AccumulatedCents

		if result.ActivatedPositions == 0 || member.SponsorID == nil {
			return nil
		}
		placed, err := tx.SlotByMember(ctx, planID, memberID)
		if err != nil {
			return err
		}
		if placed != nil {
			// Already in the matrix; further activations are re-entry credit
			// recorded on the accumulator only.
			return nil
		}
		slot, err := rt.placer.Place(ctx, tx, planID, memberID, *member.SponsorID)
		if err != nil {
			return err
		}
		events, err := e.settleSlotFill(ctx, tx, rt, slot)
		if err != nil {
			return err
		}
		result.Slot = slot
		result.Events = events
		return nil
	})
	if err != nil {
		return nil, classify(op, err)
	}

	if result.Slot != nil {
		e.metrics.RecordPlacement(planID)
	}
	e.log.Info("purchase recorded",
		"plan", planID,
		"member", memberID.String(),
		"activated", result.ActivatedPositions,
	)
	return &result, nil
}
