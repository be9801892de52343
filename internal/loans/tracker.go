// internal/loans/tracker.go

// Package loans tracks open and settled loans. A loan is opened only for a
// copy the ledger already holds on loan, and is closed exactly once.
package loans

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/libranexus/circulation/internal/domain"
	"github.com/libranexus/circulation/internal/errs"
	"github.com/libranexus/circulation/internal/ledger"
	"github.com/libranexus/circulation/internal/store"
)

// Tracker is bound to the repositories of one atomic unit.
type Tracker struct {
	loans  store.LoanRepository
	ledger *ledger.Ledger
}

func NewTracker(loans store.LoanRepository, l *ledger.Ledger) *Tracker {
	return &Tracker{loans: loans, ledger: l}
}

type OpenParams struct {
	CopyID     uuid.UUID
	ReaderID   uuid.UUID
	TicketID   uuid.UUID
	BorrowedAt time.Time
	DueAt      time.Time
}

// Open records a new loan for a copy reserved earlier in the same unit.
func (t *Tracker) Open(ctx context.Context, p OpenParams) (domain.Loan, error) {
	state, err := t.ledger.StateOf(ctx, p.CopyID)
	if err != nil {
		return domain.Loan{}, err
	}
	if state != domain.CopyOnLoan {
		return domain.Loan{}, fmt.Errorf("open loan for copy %s in state %s: %w", p.CopyID, state, errs.ErrCopyNotReserved)
	}

	// Unreachable while the ledger holds, but a race must surface as an error.
	if _, err := t.loans.FindOpenByCopy(ctx, p.CopyID); err == nil {
		return domain.Loan{}, fmt.Errorf("copy %s: %w", p.CopyID, errs.ErrDuplicateOpenLoan)
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.Loan{}, fmt.Errorf("failed to look up open loan: %w", err)
	}

	loan := domain.Loan{
		ID:         uuid.New(),
		CopyID:     p.CopyID,
		ReaderID:   p.ReaderID,
		TicketID:   p.TicketID,
		BorrowedAt: p.BorrowedAt,
		DueAt:      p.DueAt,
	}
	if err := t.loans.Insert(ctx, loan); err != nil {
		if errors.Is(err, store.ErrUniqueViolation) {
			return domain.Loan{}, fmt.Errorf("copy %s: %w", p.CopyID, errs.ErrDuplicateOpenLoan)
		}
		return domain.Loan{}, fmt.Errorf("failed to insert loan: %w", err)
	}
	return loan, nil
}

// FindOpen returns the open loan of a copy.
func (t *Tracker) FindOpen(ctx context.Context, copyID uuid.UUID) (domain.Loan, error) {
	loan, err := t.loans.FindOpenByCopy(ctx, copyID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Loan{}, fmt.Errorf("copy %s: %w", copyID, errs.ErrNoOpenLoan)
	}
	if err != nil {
		return domain.Loan{}, fmt.Errorf("failed to look up open loan: %w", err)
	}
	return loan, nil
}

func (t *Tracker) Get(ctx context.Context, loanID uuid.UUID) (domain.Loan, error) {
	loan, err := t.loans.Get(ctx, loanID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Loan{}, fmt.Errorf("loan %s: %w", loanID, errs.ErrLoanNotFound)
	}
	if err != nil {
		return domain.Loan{}, fmt.Errorf("failed to load loan: %w", err)
	}
	return loan, nil
}

// Close settles a loan. It does not touch the copy; callers release it
// through the ledger in the same unit.
func (t *Tracker) Close(ctx context.Context, loanID uuid.UUID, returnedAt time.Time, c domain.Condition) (domain.Loan, error) {
	loan, err := t.Get(ctx, loanID)
	if err != nil {
		return domain.Loan{}, err
	}
	if !loan.Open() {
		return domain.Loan{}, fmt.Errorf("loan %s: %w", loanID, errs.ErrAlreadyClosed)
	}
	if returnedAt.Before(loan.BorrowedAt) {
		return domain.Loan{}, fmt.Errorf("loan %s returned %s: %w", loanID, returnedAt.Format(time.RFC3339), errs.ErrInvalidReturnDate)
	}

	closed, err := t.loans.Close(ctx, loanID, returnedAt, c)
	if err != nil {
		return domain.Loan{}, fmt.Errorf("failed to close loan: %w", err)
	}
	if !closed {
		return domain.Loan{}, fmt.Errorf("loan %s: %w", loanID, errs.ErrAlreadyClosed)
	}

	loan.ReturnedAt = &returnedAt
	loan.Condition = &c
	return loan, nil
}

// Discard removes an open loan that never made it onto an issued ticket.
// Missing or already settled loans are left alone.
func (t *Tracker) Discard(ctx context.Context, loanID uuid.UUID) (bool, error) {
	removed, err := t.loans.Delete(ctx, loanID)
	if err != nil {
		return false, fmt.Errorf("failed to discard loan: %w", err)
	}
	return removed, nil
}

func (t *Tracker) CountOpenByReader(ctx context.Context, readerID uuid.UUID) (int, error) {
	n, err := t.loans.CountOpenByReader(ctx, readerID)
	if err != nil {
		return 0, fmt.Errorf("failed to count open loans: %w", err)
	}
	return n, nil
}

// OpenByTicket lists the loans of a ticket that are still out.
func (t *Tracker) OpenByTicket(ctx context.Context, ticketID uuid.UUID) ([]domain.Loan, error) {
	all, err := t.loans.ListByTicket(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ticket loans: %w", err)
	}
	open := all[:0]
	for _, l := range all {
		if l.Open() {
			open = append(open, l)
		}
	}
	return open, nil
}
