// internal/circulation/borrow_test.go
package circulation_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libranexus/circulation/internal/audit"
	"github.com/libranexus/circulation/internal/circulation"
	"github.com/libranexus/circulation/internal/domain"
	"github.com/libranexus/circulation/internal/errs"
	"github.com/libranexus/circulation/internal/journal"
	"github.com/libranexus/circulation/internal/store"
	"github.com/libranexus/circulation/internal/store/memstore"
)

func Test_Borrow_IssuesTicket(t *testing.T) {
	// arrange
	f := newFixture(t)
	ids := seedCopies(t, f.store, domain.CopyAvailable, domain.CopyAvailable)
	req := borrowRequest(ids...)

	// act
	res, err := f.svc.Borrow(context.Background(), req)

	// assert
	require.NoError(t, err)
	assert.Equal(t, req.ReaderID, res.Ticket.ReaderID)
	assert.Equal(t, req.StaffID, res.Ticket.StaffID)
	assert.Equal(t, issueTime, res.Ticket.CreatedAt)
	require.Len(t, res.Loans, 2)
	for i, l := range res.Loans {
		assert.Equal(t, ids[i], l.CopyID)
		assert.Equal(t, res.Ticket.ID, l.TicketID)
		assert.Equal(t, req.ReaderID, l.ReaderID)
		assert.Equal(t, req.DueAt, l.DueAt)
		assert.True(t, l.Open())
		assert.Equal(t, domain.CopyOnLoan, stateOf(t, f.svc, ids[i]))
	}
	assert.Equal(t, []uuid.UUID{res.Loans[0].ID, res.Loans[1].ID}, res.Ticket.LoanIDs)

	stored, err := f.svc.Ticket(context.Background(), res.Ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Ticket.LoanIDs, stored.LoanIDs)

	require.NoError(t, f.store.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		events, err := tx.Journal().List(ctx, res.Ticket.ID)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, journal.TicketIssued, events[0].EventType)
		return nil
	}))
}

func Test_Borrow_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *circulation.BorrowRequest)
		want   error
	}{
		{"no copies", func(r *circulation.BorrowRequest) { r.CopyIDs = nil }, errs.ErrNoCopies},
		{"too many copies", func(r *circulation.BorrowRequest) {
			r.CopyIDs = []uuid.UUID{uuid.New(), uuid.New(), uuid.New(), uuid.New(), uuid.New(), uuid.New()}
		}, errs.ErrTooManyCopies},
		{"duplicate copy", func(r *circulation.BorrowRequest) { r.CopyIDs = append(r.CopyIDs, r.CopyIDs[0]) }, errs.ErrDuplicateCopy},
		{"due now", func(r *circulation.BorrowRequest) { r.DueAt = issueTime }, errs.ErrInvalidDueDate},
		{"due in the past", func(r *circulation.BorrowRequest) { r.DueAt = issueTime.Add(-time.Hour) }, errs.ErrInvalidDueDate},
		{"due too far", func(r *circulation.BorrowRequest) { r.DueAt = issueTime.Add(31 * 24 * time.Hour) }, errs.ErrDueDateTooFar},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := borrowRequest(seedCopies(t, f.store, domain.CopyAvailable)...)
			tt.mutate(&req)

			_, err := f.svc.Borrow(context.Background(), req)

			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, errs.Validation, errs.KindOf(err))
		})
	}
}

func Test_Borrow_DueAtMaximumIsAllowed(t *testing.T) {
	f := newFixture(t)
	req := borrowRequest(seedCopies(t, f.store, domain.CopyAvailable)...)
	req.DueAt = issueTime.Add(30 * 24 * time.Hour)

	_, err := f.svc.Borrow(context.Background(), req)

	assert.NoError(t, err)
}

func Test_Borrow_ValidationPrecedesEligibility(t *testing.T) {
	calls := 0
	el := circulation.EligibilityFunc(func(context.Context, uuid.UUID) (circulation.Decision, error) {
		calls++
		return circulation.Decision{Eligible: false, Reason: "locked"}, nil
	})
	f := newFixtureWith(t, memstore.New(), el)
	req := borrowRequest(seedCopies(t, f.store, domain.CopyAvailable)...)
	req.DueAt = issueTime.Add(-time.Minute)

	_, err := f.svc.Borrow(context.Background(), req)

	assert.ErrorIs(t, err, errs.ErrInvalidDueDate)
	assert.Zero(t, calls)
}

func Test_Borrow_ReaderNotEligible(t *testing.T) {
	el := circulation.EligibilityFunc(func(context.Context, uuid.UUID) (circulation.Decision, error) {
		return circulation.Decision{Eligible: false, Reason: "outstanding_fines"}, nil
	})
	f := newFixtureWith(t, memstore.New(), el)
	ids := seedCopies(t, f.store, domain.CopyAvailable)
	req := borrowRequest(ids...)

	_, err := f.svc.Borrow(context.Background(), req)

	var ee *errs.EligibilityError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "outstanding_fines", ee.Reason)
	assert.Equal(t, req.ReaderID, ee.ReaderID)
	assert.Equal(t, errs.Eligibility, errs.KindOf(err))
	assert.Equal(t, domain.CopyAvailable, stateOf(t, f.svc, ids[0]))
}

func Test_Borrow_EligibilityUnavailable(t *testing.T) {
	el := circulation.EligibilityFunc(func(context.Context, uuid.UUID) (circulation.Decision, error) {
		return circulation.Decision{}, errors.New("connection refused")
	})
	f := newFixtureWith(t, memstore.New(), el)

	_, err := f.svc.Borrow(context.Background(), borrowRequest(seedCopies(t, f.store, domain.CopyAvailable)...))

	assert.ErrorIs(t, err, errs.ErrEligibilityUnavailable)
	assert.Equal(t, errs.Unavailable, errs.KindOf(err))
}

func Test_Borrow_MaxOpenLoansPerReader(t *testing.T) {
	f := newFixture(t, func(p *circulation.Policy) { p.MaxOpenLoansPerReader = 2 })
	ids := seedCopies(t, f.store, domain.CopyAvailable, domain.CopyAvailable, domain.CopyAvailable)

	first := borrowRequest(ids[0], ids[1])
	_, err := f.svc.Borrow(context.Background(), first)
	require.NoError(t, err)

	second := borrowRequest(ids[2])
	second.ReaderID = first.ReaderID
	_, err = f.svc.Borrow(context.Background(), second)

	var ee *errs.EligibilityError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "too_many_open_loans", ee.Reason)
}

func Test_Borrow_RollsBackOnUnavailableCopy(t *testing.T) {
	// arrange
	f := newFixture(t)
	ids := seedCopies(t, f.store, domain.CopyAvailable, domain.CopyOnLoan, domain.CopyAvailable)

	// act
	_, err := f.svc.Borrow(context.Background(), borrowRequest(ids...))

	// assert
	var cu *errs.CopyUnavailableError
	require.ErrorAs(t, err, &cu)
	assert.Equal(t, ids[1], cu.CopyID)
	assert.Equal(t, errs.Conflict, errs.KindOf(err))

	assert.Equal(t, domain.CopyAvailable, stateOf(t, f.svc, ids[0]))
	assert.Equal(t, domain.CopyOnLoan, stateOf(t, f.svc, ids[1]))
	assert.Equal(t, domain.CopyAvailable, stateOf(t, f.svc, ids[2]))
	assert.Empty(t, openLoans(t, f.store))
}

func Test_Borrow_TerminalCopiesAreUnavailable(t *testing.T) {
	f := newFixture(t)
	ids := seedCopies(t, f.store, domain.CopyLost, domain.CopyDamaged)

	for _, id := range ids {
		_, err := f.svc.Borrow(context.Background(), borrowRequest(id))
		assert.ErrorIs(t, err, errs.ErrCopyUnavailable)
	}
}

func Test_Borrow_CompensationFailureIsIntegrityError(t *testing.T) {
	// arrange
	ms := memstore.New()
	ids := seedCopies(t, ms, domain.CopyAvailable, domain.CopyAvailable)
	_, err := newFixtureWith(t, ms, circulation.AllowAll).svc.Borrow(context.Background(), borrowRequest(ids[1]))
	require.NoError(t, err)
	before, err := audit.Check(context.Background(), ms)
	require.NoError(t, err)
	require.True(t, before.Consistent())
	f := newFixtureWith(t, &faultyStore{Store: ms, failReleaseOf: ids[0]}, circulation.AllowAll)

	// act
	_, err = f.svc.Borrow(context.Background(), borrowRequest(ids...))

	// assert
	var ie *errs.IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, ids[0], ie.CopyID)
	assert.ErrorIs(t, err, errInjected)
	assert.Equal(t, errs.Integrity, errs.KindOf(err))

	// the failed compensation unit rolled back, so loan and copy still agree
	report, err := audit.Check(context.Background(), ms)
	require.NoError(t, err)
	assert.True(t, report.Consistent(), "%v", report.Violations)
	assert.Equal(t, 2, report.OpenLoans)
	assert.Equal(t, domain.CopyOnLoan, stateOf(t, f.svc, ids[0]))
}

func Test_Borrow_TicketFailureReleasesAllCopies(t *testing.T) {
	ms := memstore.New()
	ids := seedCopies(t, ms, domain.CopyAvailable, domain.CopyAvailable)
	f := newFixtureWith(t, &faultyStore{Store: ms, failTickets: true}, circulation.AllowAll)

	_, err := f.svc.Borrow(context.Background(), borrowRequest(ids...))

	assert.ErrorIs(t, err, errInjected)
	assert.NotEqual(t, errs.Integrity, errs.KindOf(err))
	for _, id := range ids {
		assert.Equal(t, domain.CopyAvailable, stateOf(t, f.svc, id))
	}
	assert.Empty(t, openLoans(t, ms))
}

func Test_Borrow_ConcurrentSameCopy(t *testing.T) {
	f := newFixture(t)
	id := seedCopies(t, f.store, domain.CopyAvailable)[0]

	const workers = 16
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ok  int
		bad []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Borrow(context.Background(), borrowRequest(id))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
				return
			}
			if !errors.Is(err, errs.ErrCopyUnavailable) {
				bad = append(bad, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Empty(t, bad)
	assert.Len(t, openLoans(t, f.store), 1)
}

func Test_BorrowReturn_ConcurrentBurstKeepsInvariant(t *testing.T) {
	f := newFixture(t)
	ids := seedCopies(t, f.store,
		domain.CopyAvailable, domain.CopyAvailable, domain.CopyAvailable, domain.CopyAvailable,
	)

	var wg sync.WaitGroup
	for i := 0; i < 24; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := ids[i%len(ids)], ids[(i+1)%len(ids)]
			if i%3 == 0 {
				_, _ = f.svc.Return(context.Background(), circulation.ReturnRequest{
					StaffID: uuid.New(),
					Lines:   []circulation.ReturnLine{{CopyID: a, Condition: domain.ConditionGood}},
				})
				return
			}
			_, _ = f.svc.Borrow(context.Background(), borrowRequest(a, b))
		}(i)
	}
	wg.Wait()

	report, err := audit.Check(context.Background(), f.store)
	require.NoError(t, err)
	assert.True(t, report.Consistent(), "%v", report.Violations)
}
