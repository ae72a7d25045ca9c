// Package ledger is the append-only record of payable events. The sum of a
// member's entries is the authoritative balance; no mutable counter shadows
// it. Entries are never rewritten, only superseded by compensating entries.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"sigmacore/cycle"
	"sigmacore/qualify"
)

// Entry statuses. Forfeited entries carry the value that was not paid out so
// the audit trail stays complete.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQualified Status = "qualified"
	StatusPaid      Status = "paid"
	StatusForfeited Status = "forfeited"
)

// Reasons recorded on entries.
const (
	ReasonCycle      = "cycle"
	ReasonRollUp     = "rollup"
	ReasonForfeiture = "forfeited"
	ReasonReversal   = "reversal"
)

var (
	// ErrEventNotFound is returned when a reversal references an unknown
	// cycle event.
	ErrEventNotFound = errors.New("ledger: cycle event not found")

	// ErrAlreadyReversed is returned when a compensating entry already exists
	// for the event.
	ErrAlreadyReversed = errors.New("ledger: cycle event already reversed")

	// ErrNothingToReverse is returned when the event carries no payable
	// entries, for example a cycle that was fully forfeited.
	ErrNothingToReverse = errors.New("ledger: no payable entries to reverse")

	errNilState = errors.New("ledger: state not configured")
)

// Entry is one immutable ledger row.
type Entry struct {
	ID           uuid.UUID
	MemberID     uuid.UUID
	CycleEventID *uuid.UUID
	AmountCents  int64
	Status       Status
	Reason       string
	CreatedAt    time.Time
}

// State is the persistence surface for ledger rows.
type State interface {
	InsertEntry(ctx context.Context, e *Entry) error
	EntriesByEvent(ctx context.Context, eventID uuid.UUID) ([]*Entry, error)
	SumAmounts(ctx context.Context, memberID uuid.UUID, statuses []Status) (int64, error)
	EntriesByMember(ctx context.Context, memberID uuid.UUID) ([]*Entry, error)
}

// Ledger appends payable records and aggregates balances.
type Ledger struct {
	nowFn func() time.Time
}

// New constructs a ledger.
func New() *Ledger {
	return &Ledger{nowFn: time.Now}
}

// SetNowFunc overrides the time source used for entry timestamps.
func (l *Ledger) SetNowFunc(now func() time.Time) {
	if now == nil {
		l.nowFn = time.Now
		return
	}
	l.nowFn = now
}

// Record appends the ledger outcome for a cycle event. The call is idempotent
// on the event: replaying it returns the entries already written instead of
// appending again. A disqualified owner yields a forfeited entry; when
// rollUpTo is set the value is rolled up to that member with a qualified
// entry, so the payout is redirected rather than dropped.
func (l *Ledger) Record(ctx context.Context, st State, evt *cycle.Event, qual qualify.Result, rollUpTo *uuid.UUID) ([]*Entry, error) {
	if st == nil {
		return nil, errNilState
	}
	if evt == nil {
		return nil, fmt.Errorf("ledger: nil cycle event")
	}
	existing, err := st.EntriesByEvent(ctx, evt.ID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing, nil
	}

	now := l.nowFn().UTC()
	eventID := evt.ID
	var entries []*Entry
	if qual.IsQualified {
		entries = append(entries, &Entry{
			ID:           uuid.New(),
			MemberID:     evt.MemberID,
			CycleEventID: &eventID,
			AmountCents:  evt.AmountCents,
			Status:       StatusQualified,
			Reason:       ReasonCycle,
			CreatedAt:    now,
		})
	} else {
		entries = append(entries, &Entry{
			ID:           uuid.New(),
			MemberID:     evt.MemberID,
			CycleEventID: &eventID,
			AmountCents:  evt.AmountCents,
			Status:       StatusForfeited,
			Reason:       ReasonForfeiture,
			CreatedAt:    now,
		})
		if rollUpTo != nil {
			entries = append(entries, &Entry{
				ID:           uuid.New(),
				MemberID:     *rollUpTo,
				CycleEventID: &eventID,
				AmountCents:  evt.AmountCents,
				Status:       StatusQualified,
				Reason:       ReasonRollUp,
				CreatedAt:    now,
			})
		}
	}
	for _, entry := range entries {
		if err := st.InsertEntry(ctx, entry); err != nil {
			return nil, fmt.Errorf("insert ledger entry: %w", err)
		}
	}
	return entries, nil
}

// Reverse appends a compensating entry negating every payable entry of the
// event. Historical rows stay untouched; the reversal is itself an immutable
// entry carrying the operator's reason. An event whose value was fully
// forfeited has nothing payable and is reported as ErrNothingToReverse.
func (l *Ledger) Reverse(ctx context.Context, st State, eventID uuid.UUID, reason string) ([]*Entry, error) {
	if st == nil {
		return nil, errNilState
	}
	existing, err := st.EntriesByEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if len(existing) == 0 {
		return nil, ErrEventNotFound
	}

	now := l.nowFn().UTC()
	var reversals []*Entry
	for _, entry := range existing {
		if strings.HasPrefix(entry.Reason, ReasonReversal) {
			return nil, ErrAlreadyReversed
		}
		if entry.Status != StatusQualified && entry.Status != StatusPaid {
			continue
		}
		reversals = append(reversals, &Entry{
			ID:           uuid.New(),
			MemberID:     entry.MemberID,
			CycleEventID: entry.CycleEventID,
			AmountCents:  -entry.AmountCents,
			Status:       StatusQualified,
			Reason:       ReasonReversal + ": " + reason,
			CreatedAt:    now,
		})
	}
	if len(reversals) == 0 {
		return nil, ErrNothingToReverse
	}
	for _, entry := range reversals {
		if err := st.InsertEntry(ctx, entry); err != nil {
			return nil, fmt.Errorf("insert reversal entry: %w", err)
		}
	}
	return reversals, nil
}

// BalanceOf aggregates the member's payable entries. Qualified and paid
// entries participate; pending and forfeited do not.
func (l *Ledger) BalanceOf(ctx context.Context, st State, memberID uuid.UUID) (int64, error) {
	if st == nil {
		return 0, errNilState
	}
	return st.SumAmounts(ctx, memberID, []Status{StatusQualified, StatusPaid})
}

// Entries lists the member's full ledger history, newest first.
func (l *Ledger) Entries(ctx context.Context, st State, memberID uuid.UUID) ([]*Entry, error) {
	if st == nil {
		return nil, errNilState
	}
	return st.EntriesByMember(ctx, memberID)
}
