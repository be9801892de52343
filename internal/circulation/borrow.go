// internal/circulation/borrow.go
package circulation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/libranexus/circulation/internal/domain"
	"github.com/libranexus/circulation/internal/errs"
	"github.com/libranexus/circulation/internal/journal"
	"github.com/libranexus/circulation/internal/ledger"
	"github.com/libranexus/circulation/internal/loans"
	"github.com/libranexus/circulation/internal/store"
)

// Borrow orchestrates the borrow saga. Each copy is reserved in its own
// atomic unit; when one fails, the copies already reserved are released in
// reverse order before the error is returned.
func (s *service) Borrow(ctx context.Context, req BorrowRequest) (*BorrowResult, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.borrow",
		trace.WithAttributes(
			attribute.String("reader.id", req.ReaderID.String()),
			attribute.Int("copy.count", len(req.CopyIDs)),
		),
	)
	defer span.End()

	result, err := s.borrow(ctx, req)
	s.metrics.borrowed(ctx, err)
	if err != nil {
		recordError(span, err)
		return nil, err
	}

	span.SetAttributes(attribute.String("ticket.id", result.Ticket.ID.String()))
	s.logger.InfoContext(ctx, "ticket issued",
		"ticket_id", result.Ticket.ID,
		"reader_id", req.ReaderID,
		"copies", len(result.Loans),
	)
	return result, nil
}

func (s *service) borrow(ctx context.Context, req BorrowRequest) (*BorrowResult, error) {
	issuedAt := s.clock.Now()

	// Step 1: Validate the request
	if err := s.validateBorrow(req, issuedAt); err != nil {
		return nil, err
	}

	// Step 2: Validate the reader
	if err := s.checkEligibility(ctx, req.ReaderID, len(req.CopyIDs)); err != nil {
		return nil, err
	}

	// Step 3: Reserve copies one unit at a time
	ticketID := uuid.New()
	opened := make([]domain.Loan, 0, len(req.CopyIDs))
	for _, copyID := range req.CopyIDs {
		loan, err := s.reserve(ctx, req, ticketID, copyID, issuedAt)
		if err != nil {
			if cerr := s.compensate(ctx, opened, err); cerr != nil {
				return nil, cerr
			}
			return nil, err
		}
		opened = append(opened, loan)
	}

	// Step 4: Issue the ticket
	ticket := domain.Ticket{
		ID:        ticketID,
		ReaderID:  req.ReaderID,
		StaffID:   req.StaffID,
		CreatedAt: issuedAt,
		DueAt:     req.DueAt,
		LoanIDs:   make([]uuid.UUID, len(opened)),
	}
	for i, l := range opened {
		ticket.LoanIDs[i] = l.ID
	}

	err := s.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.Tickets().Insert(ctx, ticket); err != nil {
			return fmt.Errorf("failed to insert ticket: %w", err)
		}
		ev, err := journal.New(ticketID, journal.AggregateTicket, journal.TicketIssued, journal.TicketIssuedEvent{
			TicketID: ticketID,
			ReaderID: req.ReaderID,
			StaffID:  req.StaffID,
			DueAt:    req.DueAt,
			LoanIDs:  ticket.LoanIDs,
		}, issuedAt)
		if err != nil {
			return err
		}
		return tx.Journal().Append(ctx, ev)
	})
	if err != nil {
		if cerr := s.compensate(ctx, opened, err); cerr != nil {
			return nil, cerr
		}
		return nil, fmt.Errorf("failed to issue ticket: %w", err)
	}

	return &BorrowResult{Ticket: ticket, Loans: opened}, nil
}

func (s *service) validateBorrow(req BorrowRequest, issuedAt time.Time) error {
	switch {
	case len(req.CopyIDs) == 0:
		return errs.ErrNoCopies
	case s.policy.MaxCopiesPerTicket > 0 && len(req.CopyIDs) > s.policy.MaxCopiesPerTicket:
		return fmt.Errorf("%d copies requested, at most %d allowed: %w", len(req.CopyIDs), s.policy.MaxCopiesPerTicket, errs.ErrTooManyCopies)
	}

	seen := make(map[uuid.UUID]struct{}, len(req.CopyIDs))
	for _, id := range req.CopyIDs {
		if _, dup := seen[id]; dup {
			return fmt.Errorf("copy %s: %w", id, errs.ErrDuplicateCopy)
		}
		seen[id] = struct{}{}
	}

	if !req.DueAt.After(issuedAt) {
		return errs.ErrInvalidDueDate
	}
	if s.policy.MaxLoanPeriod > 0 && req.DueAt.After(issuedAt.Add(s.policy.MaxLoanPeriod)) {
		return errs.ErrDueDateTooFar
	}
	return nil
}

func (s *service) checkEligibility(ctx context.Context, readerID uuid.UUID, requested int) error {
	decision, err := s.eligibility.Check(ctx, readerID)
	if err != nil {
		if errs.KindOf(err) != errs.Internal {
			return err
		}
		return fmt.Errorf("%w: %w", errs.ErrEligibilityUnavailable, err)
	}
	if !decision.Eligible {
		return &errs.EligibilityError{ReaderID: readerID, Reason: decision.Reason}
	}

	if s.policy.MaxOpenLoansPerReader <= 0 {
		return nil
	}
	var open int
	err = s.inUnit(ctx, func(ctx context.Context, _ store.Tx, _ *ledger.Ledger, tr *loans.Tracker) error {
		open, err = tr.CountOpenByReader(ctx, readerID)
		return err
	})
	if err != nil {
		return err
	}
	if open+requested > s.policy.MaxOpenLoansPerReader {
		return &errs.EligibilityError{ReaderID: readerID, Reason: "too_many_open_loans"}
	}
	return nil
}

// reserve moves one copy on loan and opens its loan in the same unit.
func (s *service) reserve(ctx context.Context, req BorrowRequest, ticketID, copyID uuid.UUID, issuedAt time.Time) (domain.Loan, error) {
	var loan domain.Loan
	err := s.inUnit(ctx, func(ctx context.Context, tx store.Tx, l *ledger.Ledger, tr *loans.Tracker) error {
		if err := l.TryReserve(ctx, copyID); err != nil {
			return err
		}

		var err error
		loan, err = tr.Open(ctx, loans.OpenParams{
			CopyID:     copyID,
			ReaderID:   req.ReaderID,
			TicketID:   ticketID,
			BorrowedAt: issuedAt,
			DueAt:      req.DueAt,
		})
		if err != nil {
			return err
		}

		ev, err := journal.New(loan.ID, journal.AggregateLoan, journal.LoanOpened, journal.LoanOpenedEvent{
			LoanID:   loan.ID,
			CopyID:   copyID,
			ReaderID: req.ReaderID,
			TicketID: ticketID,
			DueAt:    req.DueAt,
		}, issuedAt)
		if err != nil {
			return err
		}
		return tx.Journal().Append(ctx, ev)
	})
	return loan, err
}

// compensate undoes reservations newest first. It returns nil when every
// copy was released and an IntegrityError otherwise.
func (s *service) compensate(ctx context.Context, opened []domain.Loan, cause error) error {
	// the request may already be canceled; the rollback still has to happen
	ctx = context.WithoutCancel(ctx)

	var failures []error
	for i := len(opened) - 1; i >= 0; i-- {
		loan := opened[i]
		s.logger.InfoContext(ctx, "compensating for failed borrow",
			"loan_id", loan.ID,
			"copy_id", loan.CopyID,
			"cause", cause.Error(),
		)

		err := s.release(ctx, loan, cause)
		s.metrics.compensated(ctx, err == nil)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to compensate copy reservation, requires manual reconciliation",
				"loan_id", loan.ID,
				"copy_id", loan.CopyID,
				"ticket_id", loan.TicketID,
				"error", err.Error(),
			)
			failures = append(failures, &errs.IntegrityError{Op: "borrow compensation", CopyID: loan.CopyID, Err: err})
		}
	}

	switch len(failures) {
	case 0:
		return nil
	case 1:
		return failures[0]
	default:
		return errors.Join(failures...)
	}
}

// release discards the loan and frees its copy. A loan that is already gone
// was compensated before, so the copy is left untouched.
func (s *service) release(ctx context.Context, loan domain.Loan, cause error) error {
	return s.inUnit(ctx, func(ctx context.Context, tx store.Tx, l *ledger.Ledger, tr *loans.Tracker) error {
		removed, err := tr.Discard(ctx, loan.ID)
		if err != nil || !removed {
			return err
		}
		if err := l.Release(ctx, loan.CopyID, domain.OutcomeReturned); err != nil {
			return err
		}

		ev, err := journal.New(loan.ID, journal.AggregateLoan, journal.LoanDiscarded, journal.LoanDiscardedEvent{
			LoanID: loan.ID,
			CopyID: loan.CopyID,
			Cause:  errs.CodeOf(cause),
		}, s.clock.Now())
		if err != nil {
			return err
		}
		return tx.Journal().Append(ctx, ev)
	})
}
