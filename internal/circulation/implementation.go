// internal/circulation/implementation.go
package circulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/libranexus/circulation/internal/clock"
	"github.com/libranexus/circulation/internal/domain"
	"github.com/libranexus/circulation/internal/errs"
	"github.com/libranexus/circulation/internal/journal"
	"github.com/libranexus/circulation/internal/ledger"
	"github.com/libranexus/circulation/internal/loans"
	"github.com/libranexus/circulation/internal/store"
)

// service implements the Service interface.
type service struct {
	store       store.Store
	eligibility Eligibility
	policy      Policy
	clock       clock.Clock
	logger      *slog.Logger
	tracer      trace.Tracer
	metrics     *metrics
}

// Option configures the service.
type Option func(*service)

func WithClock(c clock.Clock) Option {
	return func(s *service) { s.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *service) { s.logger = l }
}

func WithMeter(m metric.Meter) Option {
	return func(s *service) { s.metrics = newMetrics(m) }
}

func WithTracer(t trace.Tracer) Option {
	return func(s *service) { s.tracer = t }
}

// NewService creates a new circulation service instance.
func NewService(st store.Store, eligibility Eligibility, policy Policy, opts ...Option) Service {
	s := &service{
		store:       st,
		eligibility: eligibility,
		policy:      policy,
		clock:       clock.System{},
		logger:      slog.Default(),
		tracer:      otel.Tracer("libranexus/circulation"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = newMetrics(otel.Meter("libranexus/circulation"))
	}
	if s.eligibility == nil {
		s.eligibility = AllowAll
	}
	return s
}

// inUnit runs fn with a ledger and tracker bound to one atomic unit.
func (s *service) inUnit(ctx context.Context, fn func(ctx context.Context, tx store.Tx, l *ledger.Ledger, tr *loans.Tracker) error) error {
	return s.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		l := ledger.New(tx.Copies())
		return fn(ctx, tx, l, loans.NewTracker(tx.Loans(), l))
	})
}

func (s *service) MarkFinePaid(ctx context.Context, fineID uuid.UUID) (*domain.Fine, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.mark_fine_paid",
		trace.WithAttributes(attribute.String("fine.id", fineID.String())),
	)
	defer span.End()

	paidAt := s.clock.Now()
	var fine domain.Fine
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		ok, err := tx.Fines().MarkPaid(ctx, fineID, paidAt)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("fine %s: %w", fineID, errs.ErrFineNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to mark fine paid: %w", err)
		}
		if !ok {
			return fmt.Errorf("fine %s: %w", fineID, errs.ErrFineAlreadyPaid)
		}

		fine, err = tx.Fines().Get(ctx, fineID)
		if err != nil {
			return fmt.Errorf("failed to reload fine: %w", err)
		}

		ev, err := journal.New(fineID, journal.AggregateFine, journal.FinePaid, journal.FinePaidEvent{FineID: fineID, PaidAt: paidAt}, paidAt)
		if err != nil {
			return err
		}
		return tx.Journal().Append(ctx, ev)
	})
	if err != nil {
		recordError(span, err)
		return nil, err
	}

	s.logger.InfoContext(ctx, "fine paid", "fine_id", fineID, "amount", fine.Amount)
	return &fine, nil
}

func (s *service) CopyState(ctx context.Context, copyID uuid.UUID) (domain.CopyState, error) {
	var state domain.CopyState
	err := s.inUnit(ctx, func(ctx context.Context, _ store.Tx, l *ledger.Ledger, _ *loans.Tracker) error {
		var err error
		state, err = l.StateOf(ctx, copyID)
		return err
	})
	return state, err
}

func (s *service) Ticket(ctx context.Context, ticketID uuid.UUID) (*domain.Ticket, error) {
	var ticket domain.Ticket
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		ticket, err = getTicket(ctx, tx, ticketID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &ticket, nil
}

func (s *service) LoanFines(ctx context.Context, loanID uuid.UUID) ([]domain.Fine, error) {
	var out []domain.Fine
	err := s.inUnit(ctx, func(ctx context.Context, tx store.Tx, _ *ledger.Ledger, tr *loans.Tracker) error {
		if _, err := tr.Get(ctx, loanID); err != nil {
			return err
		}
		var err error
		out, err = tx.Fines().ListByLoan(ctx, loanID)
		if err != nil {
			return fmt.Errorf("failed to list fines: %w", err)
		}
		return nil
	})
	return out, err
}

func getTicket(ctx context.Context, tx store.Tx, ticketID uuid.UUID) (domain.Ticket, error) {
	ticket, err := tx.Tickets().Get(ctx, ticketID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Ticket{}, fmt.Errorf("ticket %s: %w", ticketID, errs.ErrTicketNotFound)
	}
	if err != nil {
		return domain.Ticket{}, fmt.Errorf("failed to load ticket: %w", err)
	}
	return ticket, nil
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.String("error.kind", errs.KindOf(err).String()))
}
