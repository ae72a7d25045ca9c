package storage

import (
	"time"

	"github.com/google/uuid"
)

// Persistence rows. Invariants of the domain (one slot per member per plan,
// unique position under a parent, unique idempotency key) are enforced here
// through unique indexes, not only by convention.

type memberRow struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey"`
	SponsorID *uuid.UUID `gorm:"type:uuid;index"`
	Status    string     `gorm:"size:16;index;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (memberRow) TableName() string { return "members" }

type matrixSlotRow struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey"`
	PlanID    string     `gorm:"size:64;uniqueIndex:idx_slot_member,priority:1;uniqueIndex:idx_slot_position,priority:1"`
	MemberID  uuid.UUID  `gorm:"type:uuid;uniqueIndex:idx_slot_member,priority:2"`
	ParentID  *uuid.UUID `gorm:"type:uuid;index;uniqueIndex:idx_slot_position,priority:2"`
	Position  int        `gorm:"uniqueIndex:idx_slot_position,priority:3"`
	Depth     int        `gorm:"not null"`
	CreatedAt time.Time
}

func (matrixSlotRow) TableName() string { return "matrix_slots" }

type accumulatorRow struct {
	PlanID          string    `gorm:"size:64;primaryKey"`
	MemberID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Level           int       `gorm:"primaryKey"`
	FilledCount     int       `gorm:"not null"`
	CompletedCycles int       `gorm:"not null"`
	UpdatedAt       time.Time
}

func (accumulatorRow) TableName() string { return "cycle_accumulators" }

type cycleEventRow struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	PlanID         string    `gorm:"size:64;index"`
	MemberID       uuid.UUID `gorm:"type:uuid;index"`
	Level          int       `gorm:"not null"`
	Sequence       int       `gorm:"not null"`
	AmountCents    int64     `gorm:"not null"`
	IdempotencyKey string    `gorm:"size:128;uniqueIndex"`
	CreatedAt      time.Time
}

func (cycleEventRow) TableName() string { return "cycle_events" }

type ledgerEntryRow struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey"`
	MemberID     uuid.UUID  `gorm:"type:uuid;index"`
	CycleEventID *uuid.UUID `gorm:"type:uuid;index"`
	AmountCents  int64      `gorm:"not null"`
	Status       string     `gorm:"size:16;index;not null"`
	Reason       string     `gorm:"size:255"`
	CreatedAt    time.Time
}

func (ledgerEntryRow) TableName() string { return "ledger_entries" }

type purchaseAccumulatorRow struct {
	PlanID           string    `gorm:"size:64;primaryKey"`
	MemberID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	AccumulatedCents int64     `gorm:"not null"`
	TotalActivated   int       `gorm:"not null"`
	UpdatedAt        time.Time
}

func (purchaseAccumulatorRow) TableName() string { return "purchase_accumulators" }

// idempotencyKeyRow stores HTTP request idempotency metadata for the API
// surface.
type idempotencyKeyRow struct {
	Key       string `gorm:"primaryKey;size:128"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

func (idempotencyKeyRow) TableName() string { return "idempotency_keys" }
