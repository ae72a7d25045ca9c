// Package storage persists the engine's relational state behind gorm. The
// production path runs on Postgres; development and tests run on the pure-Go
// sqlite driver with the same schema.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"sigmacore/cycle"
	"sigmacore/ledger"
	"sigmacore/matrix"
	"sigmacore/registry"
)

// ErrDuplicate surfaces unique-index violations so callers can map them to a
// retryable conflict or a fatal invariant violation depending on the write.
var ErrDuplicate = errors.New("storage: duplicate record")

// Store wraps the relational backend. A Store obtained from Transaction is
// scoped to that transaction; all writes of one enrollment walk share it.
type Store struct {
	db *gorm.DB
}

// OpenSQLite initialises an on-disk or in-memory sqlite store.
func OpenSQLite(dsn string) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := gorm.Open(sqlite.Open(trimmed), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenPostgres initialises the production Postgres store.
func OpenPostgres(dsn string) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := gorm.Open(postgres.Open(trimmed), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return &Store{db: db}, nil
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	}
}

// AutoMigrate applies the schema.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(
		&memberRow{},
		&matrixSlotRow{},
		&accumulatorRow{},
		&cycleEventRow{},
		&ledgerEntryRow{},
		&purchaseAccumulatorRow{},
		&idempotencyKeyRow{},
	)
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DB exposes the underlying handle for the HTTP idempotency middleware.
func (s *Store) DB() *gorm.DB { return s.db }

// Transaction runs fn against a transaction-scoped store. Either every write
// inside fn commits or none do; a cancelled context aborts the transaction.
func (s *Store) Transaction(ctx context.Context, fn func(*Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

func wrapWrite(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}

// --- registry.State ---

// MemberByID returns the member or nil when absent.
func (s *Store) MemberByID(ctx context.Context, id uuid.UUID) (*registry.Member, error) {
	var row memberRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query member: %w", err)
	}
	return memberFromRow(&row), nil
}

// InsertMember persists a new member record.
func (s *Store) InsertMember(ctx context.Context, m *registry.Member) error {
	return wrapWrite(s.db.WithContext(ctx).Create(memberToRow(m)).Error)
}

// UpdateMember rewrites the mutable member fields.
func (s *Store) UpdateMember(ctx context.Context, m *registry.Member) error {
	return wrapWrite(s.db.WithContext(ctx).Save(memberToRow(m)).Error)
}

// SponsoredBy lists the identifiers of members directly sponsored by the
// given member.
func (s *Store) SponsoredBy(ctx context.Context, sponsorID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.WithContext(ctx).
		Model(&memberRow{}).
		Where("sponsor_id = ?", sponsorID).
		Order("created_at").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("query sponsored: %w", err)
	}
	return ids, nil
}

// --- matrix.PlacementState ---

// SlotByMember returns the member's slot in the plan or nil when absent.
func (s *Store) SlotByMember(ctx context.Context, planID string, memberID uuid.UUID) (*matrix.Slot, error) {
	var row matrixSlotRow
	err := s.db.WithContext(ctx).First(&row, "plan_id = ? AND member_id = ?", planID, memberID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query slot by member: %w", err)
	}
	return slotFromRow(&row), nil
}

// SlotByID returns the slot or nil when absent.
func (s *Store) SlotByID(ctx context.Context, id uuid.UUID) (*matrix.Slot, error) {
	var row matrixSlotRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query slot: %w", err)
	}
	return slotFromRow(&row), nil
}

// Children lists the direct children of a slot ordered by position.
func (s *Store) Children(ctx context.Context, parentID uuid.UUID) ([]*matrix.Slot, error) {
	var rows []matrixSlotRow
	err := s.db.WithContext(ctx).
		Where("parent_id = ?", parentID).
		Order("position").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query children: %w", err)
	}
	slots := make([]*matrix.Slot, 0, len(rows))
	for i := range rows {
		slots = append(slots, slotFromRow(&rows[i]))
	}
	return slots, nil
}

// InsertSlot persists a freshly allocated slot. Unique indexes reject a
// second member in the same (plan, parent, position) and a second slot for
// the same member.
func (s *Store) InsertSlot(ctx context.Context, slot *matrix.Slot) error {
	return wrapWrite(s.db.WithContext(ctx).Create(slotToRow(slot)).Error)
}

// --- cycle.State ---

// Accumulator returns the accumulator for (plan, member, level) or nil when
// no fills have been recorded yet.
func (s *Store) Accumulator(ctx context.Context, planID string, memberID uuid.UUID, level int) (*cycle.Accumulator, error) {
	var row accumulatorRow
	err := s.db.WithContext(ctx).
		First(&row, "plan_id = ? AND member_id = ? AND level = ?", planID, memberID, level).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query accumulator: %w", err)
	}
	return accumulatorFromRow(&row), nil
}

// PutAccumulator upserts the accumulator state.
func (s *Store) PutAccumulator(ctx context.Context, acc *cycle.Accumulator) error {
	row := accumulatorToRow(acc)
	err := s.db.WithContext(ctx).Save(row).Error
	return wrapWrite(err)
}

// InsertEvent persists a cycle event. The unique idempotency key rejects
// replays of the same occurrence.
func (s *Store) InsertEvent(ctx context.Context, evt *cycle.Event) error {
	return wrapWrite(s.db.WithContext(ctx).Create(cycleEventToRow(evt)).Error)
}

// CycleEventByID returns the event or nil when absent.
func (s *Store) CycleEventByID(ctx context.Context, id uuid.UUID) (*cycle.Event, error) {
	var row cycleEventRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query cycle event: %w", err)
	}
	return cycleEventFromRow(&row), nil
}

// CompletedCycles counts cycle events already recorded for the member in the
// plan.
func (s *Store) CompletedCycles(ctx context.Context, planID string, memberID uuid.UUID) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&cycleEventRow{}).
		Where("plan_id = ? AND member_id = ?", planID, memberID).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count cycle events: %w", err)
	}
	return int(count), nil
}

// --- ledger.State ---

// InsertEntry appends an immutable ledger row.
func (s *Store) InsertEntry(ctx context.Context, e *ledger.Entry) error {
	return wrapWrite(s.db.WithContext(ctx).Create(ledgerEntryToRow(e)).Error)
}

// EntriesByEvent lists entries referencing the cycle event, oldest first.
func (s *Store) EntriesByEvent(ctx context.Context, eventID uuid.UUID) ([]*ledger.Entry, error) {
	var rows []ledgerEntryRow
	err := s.db.WithContext(ctx).
		Where("cycle_event_id = ?", eventID).
		Order("created_at").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query entries by event: %w", err)
	}
	return ledgerEntriesFromRows(rows), nil
}

// SumAmounts aggregates entry amounts for the member across the given
// statuses. This is the only balance computation in the system.
func (s *Store) SumAmounts(ctx context.Context, memberID uuid.UUID, statuses []ledger.Status) (int64, error) {
	values := make([]string, 0, len(statuses))
	for _, st := range statuses {
		values = append(values, string(st))
	}
	var total *int64
	err := s.db.WithContext(ctx).
		Model(&ledgerEntryRow{}).
		Where("member_id = ? AND status IN ?", memberID, values).
		Select("SUM(amount_cents)").
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("sum ledger amounts: %w", err)
	}
	if total == nil {
		return 0, nil
	}
	return *total, nil
}

// EntriesByMember lists the member's ledger history, newest first.
func (s *Store) EntriesByMember(ctx context.Context, memberID uuid.UUID) ([]*ledger.Entry, error) {
	var rows []ledgerEntryRow
	err := s.db.WithContext(ctx).
		Where("member_id = ?", memberID).
		Order("created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query entries by member: %w", err)
	}
	return ledgerEntriesFromRows(rows), nil
}

// --- purchase accumulator ---

// PurchaseAccumulator holds accrued purchase value toward the plan's
// activation threshold.
type PurchaseAccumulator struct {
	PlanID           string
	MemberID         uuid.UUID
	AccumulatedCents int64
	TotalActivated   int
	UpdatedAt        time.Time
}

// PurchaseAccumulatorFor returns the member's purchase accumulator, creating
// the zero value when absent.
func (s *Store) PurchaseAccumulatorFor(ctx context.Context, planID string, memberID uuid.UUID) (*PurchaseAccumulator, error) {
	var row purchaseAccumulatorRow
	err := s.db.WithContext(ctx).
		First(&row, "plan_id = ? AND member_id = ?", planID, memberID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &PurchaseAccumulator{PlanID: planID, MemberID: memberID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query purchase accumulator: %w", err)
	}
	return &PurchaseAccumulator{
		PlanID:           row.PlanID,
		MemberID:         row.MemberID,
		AccumulatedCents: row.AccumulatedCents,
		TotalActivated:   row.TotalActivated,
		UpdatedAt:        row.UpdatedAt,
	}, nil
}

// PutPurchaseAccumulator upserts the purchase accumulator.
func (s *Store) PutPurchaseAccumulator(ctx context.Context, acc *PurchaseAccumulator) error {
	row := &purchaseAccumulatorRow{
		PlanID:           acc.PlanID,
		MemberID:         acc.MemberID,
		AccumulatedCents: acc.AccumulatedCents,
		TotalActivated:   acc.TotalActivated,
		UpdatedAt:        acc.UpdatedAt,
	}
	return wrapWrite(s.db.WithContext(ctx).Save(row).Error)
}

// --- row conversions ---

func memberFromRow(row *memberRow) *registry.Member {
	return &registry.Member{
		ID:        row.ID,
		SponsorID: row.SponsorID,
		Status:    registry.Status(row.Status),
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
}

func memberToRow(m *registry.Member) *memberRow {
	return &memberRow{
		ID:        m.ID,
		SponsorID: m.SponsorID,
		Status:    string(m.Status),
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func slotFromRow(row *matrixSlotRow) *matrix.Slot {
	return &matrix.Slot{
		ID:        row.ID,
		PlanID:    row.PlanID,
		MemberID:  row.MemberID,
		ParentID:  row.ParentID,
		Position:  row.Position,
		Depth:     row.Depth,
		CreatedAt: row.CreatedAt,
	}
}

func slotToRow(s *matrix.Slot) *matrixSlotRow {
	return &matrixSlotRow{
		ID:        s.ID,
		PlanID:    s.PlanID,
		MemberID:  s.MemberID,
		ParentID:  s.ParentID,
		Position:  s.Position,
		Depth:     s.Depth,
		CreatedAt: s.CreatedAt,
	}
}

func accumulatorFromRow(row *accumulatorRow) *cycle.Accumulator {
	return &cycle.Accumulator{
		PlanID:          row.PlanID,
		MemberID:        row.MemberID,
		Level:           row.Level,
		FilledCount:     row.FilledCount,
		CompletedCycles: row.CompletedCycles,
		UpdatedAt:       row.UpdatedAt,
	}
}

func accumulatorToRow(acc *cycle.Accumulator) *accumulatorRow {
	return &accumulatorRow{
		PlanID:          acc.PlanID,
		MemberID:        acc.MemberID,
		Level:           acc.Level,
		FilledCount:     acc.FilledCount,
		CompletedCycles: acc.CompletedCycles,
		UpdatedAt:       acc.UpdatedAt,
	}
}

func cycleEventToRow(evt *cycle.Event) *cycleEventRow {
	return &cycleEventRow{
		ID:             evt.ID,
		PlanID:         evt.PlanID,
		MemberID:       evt.MemberID,
		Level:          evt.Level,
		Sequence:       evt.Sequence,
		AmountCents:    evt.AmountCents,
		IdempotencyKey: evt.IdempotencyKey,
		CreatedAt:      evt.CreatedAt,
	}
}

func cycleEventFromRow(row *cycleEventRow) *cycle.Event {
	return &cycle.Event{
		ID:             row.ID,
		PlanID:         row.PlanID,
		MemberID:       row.MemberID,
		Level:          row.Level,
		Sequence:       row.Sequence,
		AmountCents:    row.AmountCents,
		IdempotencyKey: row.IdempotencyKey,
		CreatedAt:      row.CreatedAt,
	}
}

func ledgerEntryToRow(e *ledger.Entry) *ledgerEntryRow {
	return &ledgerEntryRow{
		ID:           e.ID,
		MemberID:     e.MemberID,
		CycleEventID: e.CycleEventID,
		AmountCents:  e.AmountCents,
		Status:       string(e.Status),
		Reason:       e.Reason,
		CreatedAt:    e.CreatedAt,
	}
}

func ledgerEntriesFromRows(rows []ledgerEntryRow) []*ledger.Entry {
	entries := make([]*ledger.Entry, 0, len(rows))
	for i := range rows {
		row := rows[i]
		entries = append(entries, &ledger.Entry{
			ID:           row.ID,
			MemberID:     row.MemberID,
			CycleEventID: row.CycleEventID,
			AmountCents:  row.AmountCents,
			Status:       ledger.Status(row.Status),
			Reason:       row.Reason,
			CreatedAt:    row.CreatedAt,
		})
	}
	return entries
}
