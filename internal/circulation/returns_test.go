// internal/circulation/returns_test.go
package circulation_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libranexus/circulation/internal/circulation"
	"github.com/libranexus/circulation/internal/domain"
	"github.com/libranexus/circulation/internal/errs"
	"github.com/libranexus/circulation/internal/journal"
	"github.com/libranexus/circulation/internal/store"
)

func borrowOne(t *testing.T, f *fixture) domain.Loan {
	t.Helper()
	id := seedCopies(t, f.store, domain.CopyAvailable)[0]
	res, err := f.svc.Borrow(context.Background(), borrowRequest(id))
	require.NoError(t, err)
	return res.Loans[0]
}

func Test_Return_OnTime(t *testing.T) {
	// arrange
	f := newFixture(t)
	loan := borrowOne(t, f)
	f.clock.Advance(3 * 24 * time.Hour)

	// act
	res, err := f.svc.Return(context.Background(), circulation.ReturnRequest{
		StaffID: uuid.New(),
		Lines:   []circulation.ReturnLine{{LoanID: loan.ID, Condition: domain.ConditionGood}},
	})

	// assert
	require.NoError(t, err)
	require.True(t, res.OK())
	line := res.Lines[0]
	require.NotNil(t, line.Loan)
	require.NotNil(t, line.Fine)
	assert.False(t, line.Loan.Open())
	assert.Equal(t, f.clock.Now(), *line.Loan.ReturnedAt)
	assert.Equal(t, domain.ConditionGood, *line.Loan.Condition)
	assert.Zero(t, line.Fine.Amount)
	assert.Equal(t, domain.FineOverdue, line.Fine.Reason)
	assert.Equal(t, "returned on time", line.Fine.Note)
	assert.Equal(t, domain.CopyAvailable, stateOf(t, f.svc, loan.CopyID))
}

func Test_Return_OverdueAndDamaged(t *testing.T) {
	f := newFixture(t)
	loan := borrowOne(t, f)
	// one hour into the third day past due
	f.clock.Set(loan.DueAt.Add(2*24*time.Hour + time.Hour))

	res, err := f.svc.Return(context.Background(), circulation.ReturnRequest{
		StaffID: uuid.New(),
		Lines:   []circulation.ReturnLine{{CopyID: loan.CopyID, Condition: domain.ConditionDamaged}},
	})

	require.NoError(t, err)
	require.True(t, res.OK())
	fine := res.Lines[0].Fine
	assert.Equal(t, int64(3), fine.OverdueDays)
	assert.Equal(t, domain.Amount(150), fine.OverdueAmount)
	assert.Equal(t, domain.Amount(100000), fine.ConditionAmount)
	assert.Equal(t, domain.Amount(100150), fine.Amount)
	assert.Equal(t, domain.FineDamaged, fine.Reason)
	assert.Equal(t, "3 day(s) overdue: 150; returned damaged: 100000", fine.Note)
	assert.Equal(t, domain.Amount(100150), res.TotalFines())
	assert.Equal(t, domain.CopyDamaged, stateOf(t, f.svc, loan.CopyID))
}

func Test_Return_LostCopy(t *testing.T) {
	f := newFixture(t)
	loan := borrowOne(t, f)

	res, err := f.svc.Return(context.Background(), circulation.ReturnRequest{
		StaffID: uuid.New(),
		Lines:   []circulation.ReturnLine{{LoanID: loan.ID, Condition: domain.ConditionLost}},
	})

	require.NoError(t, err)
	require.True(t, res.OK())
	assert.Equal(t, domain.Amount(200000), res.Lines[0].Fine.Amount)
	assert.Equal(t, domain.FineLost, res.Lines[0].Fine.Reason)
	assert.Equal(t, domain.CopyLost, stateOf(t, f.svc, loan.CopyID))

	// a lost copy never comes back into circulation
	_, err = f.svc.Borrow(context.Background(), borrowRequest(loan.CopyID))
	assert.ErrorIs(t, err, errs.ErrCopyUnavailable)
}

func Test_Return_EmptyConditionMeansGood(t *testing.T) {
	f := newFixture(t)
	loan := borrowOne(t, f)

	res, err := f.svc.Return(context.Background(), circulation.ReturnRequest{
		Lines: []circulation.ReturnLine{{LoanID: loan.ID}},
	})

	require.NoError(t, err)
	require.True(t, res.OK())
	assert.Equal(t, domain.ConditionGood, *res.Lines[0].Loan.Condition)
}

func Test_Return_LineErrors(t *testing.T) {
	f := newFixture(t)
	loan := borrowOne(t, f)
	other := borrowOne(t, f)

	tests := []struct {
		name string
		line circulation.ReturnLine
		want error
	}{
		{"no target", circulation.ReturnLine{}, errs.ErrInvalidLine},
		{"bad condition", circulation.ReturnLine{LoanID: loan.ID, Condition: "soggy"}, errs.ErrInvalidCondition},
		{"unknown loan", circulation.ReturnLine{LoanID: uuid.New()}, errs.ErrLoanNotFound},
		{"copy without loan", circulation.ReturnLine{CopyID: uuid.New()}, errs.ErrLoanNotFound},
		{"mismatched copy", circulation.ReturnLine{LoanID: loan.ID, CopyID: other.CopyID}, errs.ErrInvalidLine},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.svc.Return(context.Background(), circulation.ReturnRequest{
				Lines: []circulation.ReturnLine{tt.line},
			})

			require.NoError(t, err)
			require.Len(t, res.Lines, 1)
			assert.ErrorIs(t, res.Lines[0].Err, tt.want)
			assert.Nil(t, res.Lines[0].Loan)
		})
	}

	// none of the failed lines touched the loans
	assert.Equal(t, domain.CopyOnLoan, stateOf(t, f.svc, loan.CopyID))
	assert.Equal(t, domain.CopyOnLoan, stateOf(t, f.svc, other.CopyID))
}

func Test_Return_EmptyRequest(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Return(context.Background(), circulation.ReturnRequest{})

	assert.ErrorIs(t, err, errs.ErrInvalidLine)
}

func Test_Return_PartialBatch(t *testing.T) {
	// arrange
	f := newFixture(t)
	first := borrowOne(t, f)
	second := borrowOne(t, f)

	// act
	res, err := f.svc.Return(context.Background(), circulation.ReturnRequest{
		StaffID: uuid.New(),
		Lines: []circulation.ReturnLine{
			{LoanID: first.ID, Condition: domain.ConditionGood},
			{LoanID: uuid.New(), Condition: domain.ConditionGood},
			{CopyID: second.CopyID, Condition: domain.ConditionGood},
		},
	})

	// assert
	require.NoError(t, err)
	assert.False(t, res.OK())
	require.Len(t, res.Failed(), 1)
	assert.ErrorIs(t, res.Failed()[0].Err, errs.ErrLoanNotFound)
	assert.NoError(t, res.Lines[0].Err)
	assert.NoError(t, res.Lines[2].Err)
	assert.Equal(t, domain.CopyAvailable, stateOf(t, f.svc, first.CopyID))
	assert.Equal(t, domain.CopyAvailable, stateOf(t, f.svc, second.CopyID))
}

func Test_Return_Twice(t *testing.T) {
	f := newFixture(t)
	loan := borrowOne(t, f)
	req := circulation.ReturnRequest{Lines: []circulation.ReturnLine{{LoanID: loan.ID}}}

	_, err := f.svc.Return(context.Background(), req)
	require.NoError(t, err)
	res, err := f.svc.Return(context.Background(), req)

	require.NoError(t, err)
	assert.ErrorIs(t, res.Lines[0].Err, errs.ErrAlreadyClosed)

	fines, err := f.svc.LoanFines(context.Background(), loan.ID)
	require.NoError(t, err)
	assert.Len(t, fines, 1)
}

func Test_Return_ConcurrentSameLoan(t *testing.T) {
	f := newFixture(t)
	loan := borrowOne(t, f)

	const workers = 12
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		closed int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.Return(context.Background(), circulation.ReturnRequest{
				Lines: []circulation.ReturnLine{{LoanID: loan.ID, Condition: domain.ConditionGood}},
			})
			if assert.NoError(t, err) && res.OK() {
				mu.Lock()
				closed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, closed)
	fines, err := f.svc.LoanFines(context.Background(), loan.ID)
	require.NoError(t, err)
	assert.Len(t, fines, 1)
}

func Test_Return_RecordsEvents(t *testing.T) {
	f := newFixture(t)
	loan := borrowOne(t, f)

	res, err := f.svc.Return(context.Background(), circulation.ReturnRequest{
		Lines: []circulation.ReturnLine{{LoanID: loan.ID}},
	})
	require.NoError(t, err)
	require.True(t, res.OK())

	require.NoError(t, f.store.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		events, err := tx.Journal().List(ctx, loan.ID)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, journal.LoanOpened, events[0].EventType)
		assert.Equal(t, journal.LoanClosed, events[1].EventType)

		fineEvents, err := tx.Journal().List(ctx, res.Lines[0].Fine.ID)
		require.NoError(t, err)
		require.Len(t, fineEvents, 1)
		assert.Equal(t, journal.FineAssessed, fineEvents[0].EventType)
		return nil
	}))
}

func Test_ReturnTicket(t *testing.T) {
	// arrange
	f := newFixture(t)
	ids := seedCopies(t, f.store, domain.CopyAvailable, domain.CopyAvailable, domain.CopyAvailable)
	borrowed, err := f.svc.Borrow(context.Background(), borrowRequest(ids...))
	require.NoError(t, err)

	// one copy comes back early on its own
	_, err = f.svc.Return(context.Background(), circulation.ReturnRequest{
		Lines: []circulation.ReturnLine{{CopyID: ids[0]}},
	})
	require.NoError(t, err)

	// act
	res, err := f.svc.ReturnTicket(context.Background(), circulation.TicketReturnRequest{
		TicketID:   borrowed.Ticket.ID,
		StaffID:    uuid.New(),
		Conditions: map[uuid.UUID]domain.Condition{ids[2]: domain.ConditionLost},
	})

	// assert
	require.NoError(t, err)
	require.True(t, res.OK())
	require.Len(t, res.Lines, 2)
	assert.Equal(t, domain.CopyAvailable, stateOf(t, f.svc, ids[1]))
	assert.Equal(t, domain.CopyLost, stateOf(t, f.svc, ids[2]))
	assert.Equal(t, domain.Amount(200000), res.TotalFines())

	again, err := f.svc.ReturnTicket(context.Background(), circulation.TicketReturnRequest{TicketID: borrowed.Ticket.ID})
	require.NoError(t, err)
	assert.Empty(t, again.Lines)
	assert.True(t, again.OK())
}

func Test_ReturnTicket_Unknown(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.ReturnTicket(context.Background(), circulation.TicketReturnRequest{TicketID: uuid.New()})

	assert.ErrorIs(t, err, errs.ErrTicketNotFound)
}

func Test_ReturnTicket_ConditionForCopyNotOnTicket(t *testing.T) {
	// arrange
	f := newFixture(t)
	ids := seedCopies(t, f.store, domain.CopyAvailable, domain.CopyAvailable)
	borrowed, err := f.svc.Borrow(context.Background(), borrowRequest(ids[0]))
	require.NoError(t, err)

	// act
	_, err = f.svc.ReturnTicket(context.Background(), circulation.TicketReturnRequest{
		TicketID:   borrowed.Ticket.ID,
		Conditions: map[uuid.UUID]domain.Condition{ids[1]: domain.ConditionDamaged},
	})

	// assert
	require.ErrorIs(t, err, errs.ErrInvalidLine)
	assert.Contains(t, err.Error(), ids[1].String())
	assert.Equal(t, domain.CopyOnLoan, stateOf(t, f.svc, ids[0]))
	assert.Equal(t, domain.CopyAvailable, stateOf(t, f.svc, ids[1]))
	assert.Len(t, openLoans(t, f.store), 1)
}

func Test_Return_LoanOfTicketNotYetIssued(t *testing.T) {
	// arrange: a borrow has reserved the copy and opened the loan but has
	// not written its ticket yet
	f := newFixture(t)
	copyID := seedCopies(t, f.store, domain.CopyOnLoan)[0]
	loan := domain.Loan{
		ID:         uuid.New(),
		CopyID:     copyID,
		ReaderID:   uuid.New(),
		TicketID:   uuid.New(),
		BorrowedAt: issueTime,
		DueAt:      issueTime.Add(14 * 24 * time.Hour),
	}
	require.NoError(t, f.store.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.Loans().Insert(ctx, loan)
	}))

	// act
	res, err := f.svc.Return(context.Background(), circulation.ReturnRequest{
		Lines: []circulation.ReturnLine{{CopyID: copyID}, {LoanID: loan.ID}},
	})

	// assert
	require.NoError(t, err)
	require.Len(t, res.Lines, 2)
	for _, line := range res.Lines {
		assert.ErrorIs(t, line.Err, errs.ErrLoanNotFound)
		assert.Nil(t, line.Fine)
	}
	assert.Equal(t, domain.CopyOnLoan, stateOf(t, f.svc, copyID))
	assert.Len(t, openLoans(t, f.store), 1)
}

func Test_MarkFinePaid(t *testing.T) {
	f := newFixture(t)
	loan := borrowOne(t, f)
	f.clock.Set(loan.DueAt.Add(24 * time.Hour))
	res, err := f.svc.Return(context.Background(), circulation.ReturnRequest{
		Lines: []circulation.ReturnLine{{LoanID: loan.ID}},
	})
	require.NoError(t, err)
	fineID := res.Lines[0].Fine.ID

	paid, err := f.svc.MarkFinePaid(context.Background(), fineID)
	require.NoError(t, err)
	assert.True(t, paid.Paid)
	require.NotNil(t, paid.PaidAt)
	assert.Equal(t, f.clock.Now(), *paid.PaidAt)
	assert.Equal(t, domain.Amount(50), paid.Amount)

	_, err = f.svc.MarkFinePaid(context.Background(), fineID)
	assert.ErrorIs(t, err, errs.ErrFineAlreadyPaid)

	_, err = f.svc.MarkFinePaid(context.Background(), uuid.New())
	assert.ErrorIs(t, err, errs.ErrFineNotFound)
}

func Test_Queries_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CopyState(context.Background(), uuid.New())
	assert.ErrorIs(t, err, errs.ErrCopyNotFound)

	_, err = f.svc.Ticket(context.Background(), uuid.New())
	assert.ErrorIs(t, err, errs.ErrTicketNotFound)

	_, err = f.svc.LoanFines(context.Background(), uuid.New())
	assert.ErrorIs(t, err, errs.ErrLoanNotFound)
}
