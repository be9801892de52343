// internal/circulation/service.go
package circulation

import (
	"context"

	"github.com/google/uuid"

	"github.com/libranexus/circulation/internal/domain"
)

// Service defines the interface for the circulation service.
type Service interface {
	// Borrow issues one ticket for all requested copies, or nothing.
	Borrow(ctx context.Context, req BorrowRequest) (*BorrowResult, error)
	// Return settles each line independently. The error is reserved for
	// malformed requests; per-line failures are reported in the result.
	Return(ctx context.Context, req ReturnRequest) (*ReturnResult, error)
	// ReturnTicket settles every loan of a ticket that is still out.
	ReturnTicket(ctx context.Context, req TicketReturnRequest) (*ReturnResult, error)
	MarkFinePaid(ctx context.Context, fineID uuid.UUID) (*domain.Fine, error)

	CopyState(ctx context.Context, copyID uuid.UUID) (domain.CopyState, error)
	Ticket(ctx context.Context, ticketID uuid.UUID) (*domain.Ticket, error)
	LoanFines(ctx context.Context, loanID uuid.UUID) ([]domain.Fine, error)
}

// Decision is the answer of the reader eligibility check.
type Decision struct {
	Eligible bool
	Reason   string
}

// Eligibility decides whether a reader may borrow. Implementations are
// called once per borrow request and must not retry on their own account.
type Eligibility interface {
	Check(ctx context.Context, readerID uuid.UUID) (Decision, error)
}

// EligibilityFunc adapts a function to Eligibility.
type EligibilityFunc func(ctx context.Context, readerID uuid.UUID) (Decision, error)

func (f EligibilityFunc) Check(ctx context.Context, readerID uuid.UUID) (Decision, error) {
	return f(ctx, readerID)
}

// AllowAll accepts every reader.
var AllowAll = EligibilityFunc(func(context.Context, uuid.UUID) (Decision, error) {
	return Decision{Eligible: true}, nil
})
