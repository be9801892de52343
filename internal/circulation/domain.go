// internal/circulation/domain.go
package circulation

import (
	"time"

	"github.com/google/uuid"

	"github.com/libranexus/circulation/internal/domain"
	"github.com/libranexus/circulation/internal/fines"
)

// Policy holds the circulation limits and fine rates.
type Policy struct {
	MaxLoanPeriod      time.Duration
	MaxCopiesPerTicket int
	// MaxOpenLoansPerReader caps open loans across tickets; zero disables it.
	MaxOpenLoansPerReader int
	Fines                 fines.Policy
}

func DefaultPolicy() Policy {
	return Policy{
		MaxLoanPeriod:      30 * 24 * time.Hour,
		MaxCopiesPerTicket: 5,
		Fines:              fines.DefaultPolicy(50),
	}
}

// BorrowRequest asks for one ticket covering every listed copy.
type BorrowRequest struct {
	ReaderID uuid.UUID   `json:"reader_id"`
	StaffID  uuid.UUID   `json:"staff_id"`
	CopyIDs  []uuid.UUID `json:"copy_ids"`
	DueAt    time.Time   `json:"due_at"`
}

type BorrowResult struct {
	Ticket domain.Ticket `json:"ticket"`
	Loans  []domain.Loan `json:"loans"`
}

// ReturnLine targets a loan by id, or the open loan of a copy.
type ReturnLine struct {
	LoanID    uuid.UUID        `json:"loan_id,omitempty"`
	CopyID    uuid.UUID        `json:"copy_id,omitempty"`
	Condition domain.Condition `json:"condition"`
}

type ReturnRequest struct {
	StaffID uuid.UUID    `json:"staff_id"`
	Lines   []ReturnLine `json:"lines"`
}

// TicketReturnRequest returns a whole ticket. Copies missing from
// Conditions come back in good condition.
type TicketReturnRequest struct {
	TicketID   uuid.UUID                      `json:"ticket_id"`
	StaffID    uuid.UUID                      `json:"staff_id"`
	Conditions map[uuid.UUID]domain.Condition `json:"conditions,omitempty"`
}

// LineResult is the outcome of one return line. Err is nil on success.
type LineResult struct {
	Line ReturnLine
	Loan *domain.Loan
	Fine *domain.Fine
	Err  error
}

type ReturnResult struct {
	Lines []LineResult
}

// OK reports whether every line was settled.
func (r *ReturnResult) OK() bool {
	for _, l := range r.Lines {
		if l.Err != nil {
			return false
		}
	}
	return true
}

func (r *ReturnResult) Failed() []LineResult {
	var out []LineResult
	for _, l := range r.Lines {
		if l.Err != nil {
			out = append(out, l)
		}
	}
	return out
}

// TotalFines sums the fines assessed by the settled lines.
func (r *ReturnResult) TotalFines() domain.Amount {
	var total domain.Amount
	for _, l := range r.Lines {
		if l.Fine != nil {
			total += l.Fine.Amount
		}
	}
	return total
}
