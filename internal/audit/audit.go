// internal/audit/audit.go

// Package audit verifies the copy/loan invariant against a store and runs
// concurrency experiments that try to break it.
package audit

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/libranexus/circulation/internal/domain"
	"github.com/libranexus/circulation/internal/store"
)

// Violation describes one copy whose state disagrees with its loans.
type Violation struct {
	CopyID    uuid.UUID        `json:"copy_id"`
	State     domain.CopyState `json:"state"`
	OpenLoans int              `json:"open_loans"`
	Message   string           `json:"message"`
}

// Report is the result of one invariant check.
type Report struct {
	Copies     int         `json:"copies"`
	OpenLoans  int         `json:"open_loans"`
	Violations []Violation `json:"violations"`
}

func (r *Report) Consistent() bool { return len(r.Violations) == 0 }

// Check asserts that a copy is on loan iff exactly one open loan references it.
func Check(ctx context.Context, st store.Store) (*Report, error) {
	ctx, span := otel.Tracer("libranexus/audit").Start(ctx, "audit.check")
	defer span.End()

	report := &Report{}
	err := st.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		copies, err := tx.Copies().List(ctx)
		if err != nil {
			return fmt.Errorf("list copies: %w", err)
		}
		open, err := tx.Loans().ListOpen(ctx)
		if err != nil {
			return fmt.Errorf("list open loans: %w", err)
		}

		report.Copies = len(copies)
		report.OpenLoans = len(open)
		report.Violations = violations(copies, open)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("copies", report.Copies),
		attribute.Int("open_loans", report.OpenLoans),
		attribute.Int("violations", len(report.Violations)),
	)
	return report, nil
}

func violations(copies []domain.Copy, open []domain.Loan) []Violation {
	perCopy := make(map[uuid.UUID]int, len(open))
	for _, l := range open {
		perCopy[l.CopyID]++
	}

	var out []Violation
	known := make(map[uuid.UUID]struct{}, len(copies))
	for _, c := range copies {
		known[c.ID] = struct{}{}
		n := perCopy[c.ID]
		switch {
		case n > 1:
			out = append(out, Violation{CopyID: c.ID, State: c.State, OpenLoans: n, Message: "more than one open loan"})
		case c.State == domain.CopyOnLoan && n == 0:
			out = append(out, Violation{CopyID: c.ID, State: c.State, OpenLoans: n, Message: "on loan without an open loan"})
		case c.State != domain.CopyOnLoan && n == 1:
			out = append(out, Violation{CopyID: c.ID, State: c.State, OpenLoans: n, Message: "open loan for a copy that is not on loan"})
		}
	}
	for id, n := range perCopy {
		if _, ok := known[id]; !ok {
			out = append(out, Violation{CopyID: id, State: domain.CopyUnknown, OpenLoans: n, Message: "open loan for an unknown copy"})
		}
	}
	return out
}
