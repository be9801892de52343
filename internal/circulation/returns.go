// internal/circulation/returns.go
package circulation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
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

// Return settles each line in its own atomic unit. A failed line rolls back
// only itself.
func (s *service) Return(ctx context.Context, req ReturnRequest) (*ReturnResult, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.return",
		trace.WithAttributes(attribute.Int("line.count", len(req.Lines))),
	)
	defer span.End()

	if len(req.Lines) == 0 {
		err := fmt.Errorf("empty return request: %w", errs.ErrInvalidLine)
		recordError(span, err)
		return nil, err
	}

	result := &ReturnResult{Lines: make([]LineResult, 0, len(req.Lines))}
	for _, line := range req.Lines {
		lr := s.returnLine(ctx, req.StaffID, line)
		s.metrics.returned(ctx, lr)
		if lr.Err != nil {
			s.logger.WarnContext(ctx, "return line failed",
				"loan_id", line.LoanID,
				"copy_id", line.CopyID,
				"error", lr.Err.Error(),
			)
		}
		result.Lines = append(result.Lines, lr)
	}

	span.SetAttributes(
		attribute.Bool("return.ok", result.OK()),
		attribute.Int("return.failed", len(result.Failed())),
	)
	return result, nil
}

func (s *service) returnLine(ctx context.Context, staffID uuid.UUID, line ReturnLine) LineResult {
	lr := LineResult{Line: line}

	if line.LoanID == uuid.Nil && line.CopyID == uuid.Nil {
		lr.Err = errs.ErrInvalidLine
		return lr
	}
	condition, err := domain.ParseCondition(string(line.Condition))
	if err != nil {
		lr.Err = fmt.Errorf("%s: %w", err.Error(), errs.ErrInvalidCondition)
		return lr
	}

	returnedAt := s.clock.Now()
	var (
		settled domain.Loan
		fine    domain.Fine
	)
	err = s.inUnit(ctx, func(ctx context.Context, tx store.Tx, l *ledger.Ledger, tr *loans.Tracker) error {
		// Step 1: Find the open loan
		loan, err := targetLoan(ctx, tr, line)
		if err != nil {
			return err
		}
		if err := ticketIssued(ctx, tx, loan); err != nil {
			return err
		}

		// Step 2: Assess the fine
		c, err := l.Copy(ctx, loan.CopyID)
		if err != nil {
			return err
		}
		fine = s.assess(loan, c, condition, returnedAt)
		if err := tx.Fines().Insert(ctx, fine); err != nil {
			if errors.Is(err, store.ErrUniqueViolation) {
				return fmt.Errorf("loan %s already has a fine: %w", loan.ID, errs.ErrAlreadyClosed)
			}
			return fmt.Errorf("failed to insert fine: %w", err)
		}

		// Step 3: Release the copy and close the loan
		if err := l.Release(ctx, loan.CopyID, domain.OutcomeFor(condition)); err != nil {
			return err
		}
		settled, err = tr.Close(ctx, loan.ID, returnedAt, condition)
		if err != nil {
			return err
		}

		return appendReturnEvents(ctx, tx, settled, fine, staffID)
	})
	if err != nil {
		lr.Err = err
		return lr
	}

	lr.Loan = &settled
	lr.Fine = &fine
	s.logger.InfoContext(ctx, "loan settled",
		"loan_id", settled.ID,
		"copy_id", settled.CopyID,
		"condition", string(condition),
		"fine", int64(fine.Amount),
	)
	return lr
}

func targetLoan(ctx context.Context, tr *loans.Tracker, line ReturnLine) (domain.Loan, error) {
	if line.LoanID == uuid.Nil {
		loan, err := tr.FindOpen(ctx, line.CopyID)
		if errors.Is(err, errs.ErrNoOpenLoan) {
			return domain.Loan{}, fmt.Errorf("no open loan for copy %s: %w", line.CopyID, errs.ErrLoanNotFound)
		}
		return loan, err
	}

	loan, err := tr.Get(ctx, line.LoanID)
	if err != nil {
		return domain.Loan{}, err
	}
	if line.CopyID != uuid.Nil && line.CopyID != loan.CopyID {
		return domain.Loan{}, fmt.Errorf("loan %s does not lend copy %s: %w", loan.ID, line.CopyID, errs.ErrInvalidLine)
	}
	if !loan.Open() {
		return domain.Loan{}, fmt.Errorf("loan %s: %w", loan.ID, errs.ErrAlreadyClosed)
	}
	return loan, nil
}

// ticketIssued rejects loans whose borrow has not yet written the ticket.
// Those loans may still be discarded by compensation.
func ticketIssued(ctx context.Context, tx store.Tx, loan domain.Loan) error {
	_, err := tx.Tickets().Get(ctx, loan.TicketID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("loan %s is still being issued: %w", loan.ID, errs.ErrLoanNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to load ticket: %w", err)
	}
	return nil
}

func (s *service) assess(loan domain.Loan, c domain.Copy, condition domain.Condition, returnedAt time.Time) domain.Fine {
	a := s.policy.Fines.Assess(loan.DueAt, returnedAt, condition, c.ReplacementValue)
	return domain.Fine{
		ID:              uuid.New(),
		LoanID:          loan.ID,
		Reason:          a.Reason(),
		Amount:          a.Total,
		OverdueDays:     a.OverdueDays,
		OverdueAmount:   a.Overdue,
		ConditionAmount: a.ForCondition,
		Note:            a.Note(),
		CreatedAt:       returnedAt,
	}
}

func appendReturnEvents(ctx context.Context, tx store.Tx, loan domain.Loan, fine domain.Fine, staffID uuid.UUID) error {
	closed, err := journal.New(loan.ID, journal.AggregateLoan, journal.LoanClosed, journal.LoanClosedEvent{
		LoanID:     loan.ID,
		CopyID:     loan.CopyID,
		ReturnedAt: *loan.ReturnedAt,
		Condition:  *loan.Condition,
		StaffID:    staffID,
	}, *loan.ReturnedAt)
	if err != nil {
		return err
	}
	assessed, err := journal.New(fine.ID, journal.AggregateFine, journal.FineAssessed, journal.FineAssessedEvent{
		FineID: fine.ID,
		LoanID: loan.ID,
		Reason: fine.Reason,
		Amount: fine.Amount,
	}, fine.CreatedAt)
	if err != nil {
		return err
	}
	return tx.Journal().Append(ctx, closed, assessed)
}

// ReturnTicket expands a ticket into one line per loan that is still out.
func (s *service) ReturnTicket(ctx context.Context, req TicketReturnRequest) (*ReturnResult, error) {
	var open []domain.Loan
	err := s.inUnit(ctx, func(ctx context.Context, tx store.Tx, _ *ledger.Ledger, tr *loans.Tracker) error {
		if _, err := getTicket(ctx, tx, req.TicketID); err != nil {
			return err
		}
		all, err := tx.Loans().ListByTicket(ctx, req.TicketID)
		if err != nil {
			return fmt.Errorf("failed to list ticket loans: %w", err)
		}
		if err := checkConditions(req, all); err != nil {
			return err
		}
		open, err = tr.OpenByTicket(ctx, req.TicketID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(open) == 0 {
		return &ReturnResult{}, nil
	}

	lines := make([]ReturnLine, len(open))
	for i, l := range open {
		condition, ok := req.Conditions[l.CopyID]
		if !ok {
			condition = domain.ConditionGood
		}
		lines[i] = ReturnLine{LoanID: l.ID, CopyID: l.CopyID, Condition: condition}
	}
	return s.Return(ctx, ReturnRequest{StaffID: req.StaffID, Lines: lines})
}

// checkConditions rejects condition entries for copies the ticket never lent.
func checkConditions(req TicketReturnRequest, lent []domain.Loan) error {
	onTicket := make(map[uuid.UUID]bool, len(lent))
	for _, l := range lent {
		onTicket[l.CopyID] = true
	}
	var unknown []string
	for copyID := range req.Conditions {
		if !onTicket[copyID] {
			unknown = append(unknown, copyID.String())
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	return fmt.Errorf("copies %s are not on ticket %s: %w", strings.Join(unknown, ", "), req.TicketID, errs.ErrInvalidLine)
}
