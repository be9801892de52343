// internal/domain/domain.go
package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Amount is a monetary value in minor currency units.
type Amount int64

// CopyState is the lending state of a physical copy.
type CopyState string

const (
	CopyAvailable CopyState = "available"
	CopyOnLoan    CopyState = "on_loan"
	CopyLost      CopyState = "lost"
	CopyDamaged   CopyState = "damaged"

	// CopyUnknown is reported for copies the ledger has no record of.
	CopyUnknown CopyState = "unknown"
)

func (s CopyState) Valid() bool {
	switch s {
	case CopyAvailable, CopyOnLoan, CopyLost, CopyDamaged:
		return true
	}
	return false
}

// Condition is the state a copy is in when it comes back.
type Condition string

const (
	ConditionGood    Condition = "good"
	ConditionDamaged Condition = "damaged"
	ConditionLost    Condition = "lost"
)

// ParseCondition accepts the persisted form; an empty string means good.
func ParseCondition(s string) (Condition, error) {
	switch Condition(s) {
	case "", ConditionGood:
		return ConditionGood, nil
	case ConditionDamaged, ConditionLost:
		return Condition(s), nil
	}
	return "", fmt.Errorf("unknown return condition %q", s)
}

// Outcome is the copy transition applied when a loan is released.
type Outcome string

const (
	OutcomeReturned Outcome = "returned"
	OutcomeDamaged  Outcome = "damaged"
	OutcomeLost     Outcome = "lost"
)

// OutcomeFor maps a return condition onto the ledger release outcome.
func OutcomeFor(c Condition) Outcome {
	switch c {
	case ConditionDamaged:
		return OutcomeDamaged
	case ConditionLost:
		return OutcomeLost
	default:
		return OutcomeReturned
	}
}

// Target is the copy state a release outcome leads to.
func (o Outcome) Target() (CopyState, bool) {
	switch o {
	case OutcomeReturned:
		return CopyAvailable, true
	case OutcomeDamaged:
		return CopyDamaged, true
	case OutcomeLost:
		return CopyLost, true
	}
	return "", false
}

// Copy is one physical instance of a catalog title.
type Copy struct {
	ID               uuid.UUID `json:"id"`
	TitleID          uuid.UUID `json:"title_id"`
	State            CopyState `json:"state"`
	ReplacementValue Amount    `json:"replacement_value"`
	Version          int       `json:"version"`
}

// Loan is one copy lent to a reader under one ticket.
type Loan struct {
	ID         uuid.UUID  `json:"id"`
	CopyID     uuid.UUID  `json:"copy_id"`
	ReaderID   uuid.UUID  `json:"reader_id"`
	TicketID   uuid.UUID  `json:"ticket_id"`
	BorrowedAt time.Time  `json:"borrowed_at"`
	DueAt      time.Time  `json:"due_at"`
	ReturnedAt *time.Time `json:"returned_at,omitempty"`
	Condition  *Condition `json:"condition,omitempty"`
}

// Open reports whether the loan has not been settled yet.
func (l Loan) Open() bool {
	return l.ReturnedAt == nil
}

// Ticket groups the loans created by one borrow request.
type Ticket struct {
	ID        uuid.UUID   `json:"id"`
	ReaderID  uuid.UUID   `json:"reader_id"`
	StaffID   uuid.UUID   `json:"staff_id"`
	CreatedAt time.Time   `json:"created_at"`
	DueAt     time.Time   `json:"due_at"`
	LoanIDs   []uuid.UUID `json:"loan_ids"`
}

// FineReason names what a fine was charged for.
type FineReason string

const (
	FineOverdue FineReason = "overdue"
	FineDamaged FineReason = "damaged"
	FineLost    FineReason = "lost"
)

// Fine is the penalty recorded when a loan is settled. Zero amounts are kept.
type Fine struct {
	ID              uuid.UUID  `json:"id"`
	LoanID          uuid.UUID  `json:"loan_id"`
	Reason          FineReason `json:"reason"`
	Amount          Amount     `json:"amount"`
	OverdueDays     int64      `json:"overdue_days"`
	OverdueAmount   Amount     `json:"overdue_amount"`
	ConditionAmount Amount     `json:"condition_amount"`
	Paid            bool       `json:"paid"`
	PaidAt          *time.Time `json:"paid_at,omitempty"`
	Note            string     `json:"note"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Event is one entry of the circulation journal.
type Event struct {
	ID            int64           `json:"id"`
	AggregateID   uuid.UUID       `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     string          `json:"event_type"`
	Data          json.RawMessage `json:"data"`
	OccurredAt    time.Time       `json:"occurred_at"`
}
