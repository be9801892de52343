// internal/store/store.go

// Package store defines the persistence contract the circulation core runs
// against. Every mutation happens inside RunInTx; implementations must
// guarantee that a unit either commits completely or not at all.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/libranexus/circulation/internal/domain"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrUniqueViolation = errors.New("unique constraint violated")
)

// Store runs atomic units of work.
type Store interface {
	// RunInTx commits when fn returns nil and rolls back otherwise.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Close() error
}

// Tx exposes the repositories bound to one atomic unit.
type Tx interface {
	Copies() CopyRepository
	Loans() LoanRepository
	Tickets() TicketRepository
	Fines() FineRepository
	Journal() JournalRepository
}

type CopyRepository interface {
	Get(ctx context.Context, id uuid.UUID) (domain.Copy, error)
	Insert(ctx context.Context, c domain.Copy) error
	// SwapState moves the copy from one state to another and reports false
	// when the copy is missing or not in the expected state.
	SwapState(ctx context.Context, id uuid.UUID, from, to domain.CopyState) (bool, error)
	List(ctx context.Context) ([]domain.Copy, error)
}

type LoanRepository interface {
	// Insert fails with ErrUniqueViolation when the copy already has an open loan.
	Insert(ctx context.Context, l domain.Loan) error
	Get(ctx context.Context, id uuid.UUID) (domain.Loan, error)
	FindOpenByCopy(ctx context.Context, copyID uuid.UUID) (domain.Loan, error)
	// Close settles an open loan and reports false when it was already closed.
	Close(ctx context.Context, id uuid.UUID, returnedAt time.Time, c domain.Condition) (bool, error)
	// Delete removes an open loan and reports false when nothing was removed.
	Delete(ctx context.Context, id uuid.UUID) (bool, error)
	CountOpenByReader(ctx context.Context, readerID uuid.UUID) (int, error)
	ListByTicket(ctx context.Context, ticketID uuid.UUID) ([]domain.Loan, error)
	ListOpen(ctx context.Context) ([]domain.Loan, error)
}

type TicketRepository interface {
	Insert(ctx context.Context, t domain.Ticket) error
	Get(ctx context.Context, id uuid.UUID) (domain.Ticket, error)
}

type FineRepository interface {
	// Insert fails with ErrUniqueViolation when the loan already has a fine.
	Insert(ctx context.Context, f domain.Fine) error
	Get(ctx context.Context, id uuid.UUID) (domain.Fine, error)
	ListByLoan(ctx context.Context, loanID uuid.UUID) ([]domain.Fine, error)
	// MarkPaid reports false when the fine was already paid.
	MarkPaid(ctx context.Context, id uuid.UUID, paidAt time.Time) (bool, error)
}

type JournalRepository interface {
	Append(ctx context.Context, events ...domain.Event) error
	List(ctx context.Context, aggregateID uuid.UUID) ([]domain.Event, error)
}
