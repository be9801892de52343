// internal/journal/journal.go
package journal

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/libranexus/circulation/internal/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	AggregateTicket = "ticket"
	AggregateLoan   = "loan"
	AggregateFine   = "fine"
)

const (
	TicketIssued  = "TicketIssued"
	LoanOpened    = "LoanOpened"
	LoanDiscarded = "LoanDiscarded"
	LoanClosed    = "LoanClosed"
	FineAssessed  = "FineAssessed"
	FinePaid      = "FinePaid"
)

// TicketIssuedEvent is recorded when a borrow request completes.
type TicketIssuedEvent struct {
	TicketID uuid.UUID   `json:"ticket_id"`
	ReaderID uuid.UUID   `json:"reader_id"`
	StaffID  uuid.UUID   `json:"staff_id"`
	DueAt    time.Time   `json:"due_at"`
	LoanIDs  []uuid.UUID `json:"loan_ids"`
}

// LoanOpenedEvent is recorded with the copy reservation.
type LoanOpenedEvent struct {
	LoanID   uuid.UUID `json:"loan_id"`
	CopyID   uuid.UUID `json:"copy_id"`
	ReaderID uuid.UUID `json:"reader_id"`
	TicketID uuid.UUID `json:"ticket_id"`
	DueAt    time.Time `json:"due_at"`
}

// LoanDiscardedEvent is recorded when a failed borrow is compensated.
type LoanDiscardedEvent struct {
	LoanID uuid.UUID `json:"loan_id"`
	CopyID uuid.UUID `json:"copy_id"`
	Cause  string    `json:"cause"`
}

// LoanClosedEvent is recorded when a loan is settled.
type LoanClosedEvent struct {
	LoanID     uuid.UUID        `json:"loan_id"`
	CopyID     uuid.UUID        `json:"copy_id"`
	ReturnedAt time.Time        `json:"returned_at"`
	Condition  domain.Condition `json:"condition"`
	StaffID    uuid.UUID        `json:"staff_id"`
}

// FineAssessedEvent is recorded for every settlement, zero amounts included.
type FineAssessedEvent struct {
	FineID uuid.UUID         `json:"fine_id"`
	LoanID uuid.UUID         `json:"loan_id"`
	Reason domain.FineReason `json:"reason"`
	Amount domain.Amount     `json:"amount"`
}

type FinePaidEvent struct {
	FineID uuid.UUID `json:"fine_id"`
	PaidAt time.Time `json:"paid_at"`
}

// New encodes payload into a journal event.
func New(aggregateID uuid.UUID, aggregateType, eventType string, payload any, at time.Time) (domain.Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("failed to marshal %s event data: %w", eventType, err)
	}
	return domain.Event{
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		Data:          data,
		OccurredAt:    at,
	}, nil
}

// Decode unmarshals the payload of e into v.
func Decode(e domain.Event, v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s event data: %w", e.EventType, err)
	}
	return nil
}

// Valid reports whether raw is well-formed JSON.
func Valid(raw []byte) bool {
	return jsoniter.ConfigFastest.Valid(raw)
}
