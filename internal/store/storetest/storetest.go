// internal/store/storetest/storetest.go

// Package storetest is a conformance suite shared by the store backends.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libranexus/circulation/internal/domain"
	"github.com/libranexus/circulation/internal/store"
)

var errAbort = errors.New("abort")

// Run exercises the store.Store contract. open must return an empty store.
func Run(t *testing.T, open func(t *testing.T) store.Store) {
	t.Run("copy swap state", func(t *testing.T) { testCopySwap(t, open(t)) })
	t.Run("concurrent swap has one winner", func(t *testing.T) { testConcurrentSwap(t, open(t)) })
	t.Run("single open loan per copy", func(t *testing.T) { testOpenLoanUnique(t, open(t)) })
	t.Run("loan closes once", func(t *testing.T) { testLoanClose(t, open(t)) })
	t.Run("delete open loan", func(t *testing.T) { testLoanDelete(t, open(t)) })
	t.Run("tickets", func(t *testing.T) { testTickets(t, open(t)) })
	t.Run("fines", func(t *testing.T) { testFines(t, open(t)) })
	t.Run("journal", func(t *testing.T) { testJournal(t, open(t)) })
	t.Run("rollback on error", func(t *testing.T) { testRollback(t, open(t)) })
}

// Now is truncated so every backend round-trips it exactly.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func SeedCopy(t *testing.T, s store.Store, state domain.CopyState) domain.Copy {
	t.Helper()
	c := domain.Copy{ID: uuid.New(), TitleID: uuid.New(), State: state, ReplacementValue: 2500}
	err := s.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.Copies().Insert(ctx, c)
	})
	require.NoError(t, err)
	return c
}

func newLoan(copyID uuid.UUID, at time.Time) domain.Loan {
	return domain.Loan{
		ID:         uuid.New(),
		CopyID:     copyID,
		ReaderID:   uuid.New(),
		TicketID:   uuid.New(),
		BorrowedAt: at,
		DueAt:      at.Add(14 * 24 * time.Hour),
	}
}

func inTx(t *testing.T, s store.Store, fn func(ctx context.Context, tx store.Tx) error) {
	t.Helper()
	require.NoError(t, s.RunInTx(context.Background(), fn))
}

func testCopySwap(t *testing.T, s store.Store) {
	c := SeedCopy(t, s, domain.CopyAvailable)

	inTx(t, s, func(ctx context.Context, tx store.Tx) error {
		ok, err := tx.Copies().SwapState(ctx, c.ID, domain.CopyAvailable, domain.CopyOnLoan)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = tx.Copies().SwapState(ctx, c.ID, domain.CopyAvailable, domain.CopyOnLoan)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = tx.Copies().SwapState(ctx, uuid.New(), domain.CopyAvailable, domain.CopyOnLoan)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := tx.Copies().Get(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.CopyOnLoan, got.State)
		assert.Equal(t, c.Version+1, got.Version)
		assert.Equal(t, c.ReplacementValue, got.ReplacementValue)

		_, err = tx.Copies().Get(ctx, uuid.New())
		assert.ErrorIs(t, err, store.ErrNotFound)

		all, err := tx.Copies().List(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)
		return nil
	})
}

func testConcurrentSwap(t *testing.T, s store.Store) {
	c := SeedCopy(t, s, domain.CopyAvailable)

	const workers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
				ok, err := tx.Copies().SwapState(ctx, c.ID, domain.CopyAvailable, domain.CopyOnLoan)
				if err != nil {
					return err
				}
				if ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}

func testOpenLoanUnique(t *testing.T, s store.Store) {
	c := SeedCopy(t, s, domain.CopyOnLoan)
	first := newLoan(c.ID, Now())

	inTx(t, s, func(ctx context.Context, tx store.Tx) error {
		return tx.Loans().Insert(ctx, first)
	})

	err := s.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.Loans().Insert(ctx, newLoan(c.ID, Now()))
	})
	assert.ErrorIs(t, err, store.ErrUniqueViolation)

	inTx(t, s, func(ctx context.Context, tx store.Tx) error {
		got, err := tx.Loans().FindOpenByCopy(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, first.ID, got.ID)
		assert.True(t, got.Open())

		n, err := tx.Loans().CountOpenByReader(ctx, first.ReaderID)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		open, err := tx.Loans().ListOpen(ctx)
		require.NoError(t, err)
		assert.Len(t, open, 1)
		return nil
	})
}

func testLoanClose(t *testing.T, s store.Store) {
	c := SeedCopy(t, s, domain.CopyOnLoan)
	borrowed := Now()
	l := newLoan(c.ID, borrowed)
	returned := borrowed.Add(3 * time.Hour)

	inTx(t, s, func(ctx context.Context, tx store.Tx) error {
		return tx.Loans().Insert(ctx, l)
	})

	inTx(t, s, func(ctx context.Context, tx store.Tx) error {
		ok, err := tx.Loans().Close(ctx, l.ID, returned, domain.ConditionDamaged)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = tx.Loans().Close(ctx, l.ID, returned, domain.ConditionGood)
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})

	inTx(t, s, func(ctx context.Context, tx store.Tx) error {
		got, err := tx.Loans().Get(ctx, l.ID)
		require.NoError(t, err)
		require.NotNil(t, got.ReturnedAt)
		require.NotNil(t, got.Condition)
		assert.WithinDuration(t, returned, *got.ReturnedAt, time.Millisecond)
		assert.WithinDuration(t, borrowed, got.BorrowedAt, time.Millisecond)
		assert.Equal(t, domain.ConditionDamaged, *got.Condition)

		_, err = tx.Loans().FindOpenByCopy(ctx, c.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)

		_, err = tx.Loans().Close(ctx, uuid.New(), returned, domain.ConditionGood)
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	})

	// a closed loan no longer blocks a new one
	inTx(t, s, func(ctx context.Context, tx store.Tx) error {
		return tx.Loans().Insert(ctx, newLoan(c.ID, Now()))
	})
}

func testLoanDelete(t *testing.T, s store.Store) {
	c := SeedCopy(t, s, domain.CopyOnLoan)
	l := newLoan(c.ID, Now())

	inTx(t, s, func(ctx context.Context, tx store.Tx) error {
		return tx.Loans().Insert(ctx, l)
	})

	inTx(t, s, func(ctx context.Context, tx store.Tx) error {
		ok, err := tx.Loans().Delete(ctx, l.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = tx.Loans().Delete(ctx, l.ID)
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = tx.Loans().Get(ctx, l.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	})
}

func testTickets(t *testing.T, s store.Store) {
	now := Now()
	ticket := domain.Ticket{
		ID:        uuid.New(),
		ReaderID:  uuid.New(),
		StaffID:   uuid.New(),
		CreatedAt: now,
		DueAt:     now.Add(7 * 24 * time.Hour),
	}
	c1 := SeedCopy(t, s, domain.CopyOnLoan)
	c2 := SeedCopy(t, s, domain.CopyOnLoan)

	inTx(t, s, func(ctx context.Context, tx store.Tx) error {
		for _, c := range []domain.Copy{c1, c2} {
			l := newLoan(c.ID, now)
			l.TicketID = ticket.ID
			l.ReaderID = ticket.ReaderID
			if err := tx.Loans().Insert(ctx, l); err != nil {
				return err
			}
			ticket.LoanIDs = append(ticket.LoanIDs, l.ID)
		}
		return tx.Tickets().Insert(ctx, ticket)
	})

	inTx(t, s, func(ctx context.Context, tx store.Tx) error {
		got, err := tx.Tickets().Get(ctx, ticket.ID)
		require.NoError(t, err)
		assert.Equal(t, ticket.ReaderID, got.ReaderID)
		assert.Equal(t, ticket.StaffID, got.StaffID)
		assert.ElementsMatch(t, ticket.LoanIDs, got.LoanIDs)
		assert.WithinDuration(t, ticket.DueAt, got.DueAt, time.Millisecond)

		loans, err := tx.Loans().ListByTicket(ctx, ticket.ID)
		require.NoError(t, err)
		assert.Len(t, loans, 2)

		_, err = tx.Tickets().Get(ctx, uuid.New())
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	})
}

func testFines(t *testing.T, s store.Store) {
	c := SeedCopy(t, s, domain.CopyOnLoan)
	l := newLoan(c.ID, Now())
	inTx(t, s, func(ctx context.Context, tx store.Tx) error {
		return tx.Loans().Insert(ctx, l)
	})

	loanID := l.ID
	f := domain.Fine{
		ID:              uuid.New(),
		LoanID:          loanID,
		Reason:          domain.FineDamaged,
		Amount:          1750,
		OverdueDays:     1,
		OverdueAmount:   500,
		ConditionAmount: 1250,
		Note:            "late and damaged",
		CreatedAt:       Now(),
	}

	inTx(t, s, func(ctx context.Context, tx store.Tx) error {
		return tx.Fines().Insert(ctx, f)
	})

	err := s.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		dup := f
		dup.ID = uuid.New()
		return tx.Fines().Insert(ctx, dup)
	})
	assert.ErrorIs(t, err, store.ErrUniqueViolation)

	paidAt := Now()
	inTx(t, s, func(ctx context.Context, tx store.Tx) error {
		ok, err := tx.Fines().MarkPaid(ctx, f.ID, paidAt)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = tx.Fines().MarkPaid(ctx, f.ID, paidAt)
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = tx.Fines().MarkPaid(ctx, uuid.New(), paidAt)
		assert.ErrorIs(t, err, store.ErrNotFound)

		got, err := tx.Fines().ListByLoan(ctx, loanID)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.True(t, got[0].Paid)
		assert.Equal(t, f.Amount, got[0].Amount)
		assert.Equal(t, f.Reason, got[0].Reason)
		assert.Equal(t, f.Note, got[0].Note)
		require.NotNil(t, got[0].PaidAt)
		return nil
	})
}

func testJournal(t *testing.T, s store.Store) {
	aggregate := uuid.New()

	inTx(t, s, func(ctx context.Context, tx store.Tx) error {
		return tx.Journal().Append(ctx,
			domain.Event{AggregateID: aggregate, AggregateType: "loan", EventType: "LoanOpened", Data: []byte(`{"a":1}`), OccurredAt: Now()},
			domain.Event{AggregateID: aggregate, AggregateType: "loan", EventType: "LoanClosed", Data: []byte(`{"a":2}`), OccurredAt: Now()},
			domain.Event{AggregateID: uuid.New(), AggregateType: "loan", EventType: "LoanOpened", Data: []byte(`{}`), OccurredAt: Now()},
		)
	})

	inTx(t, s, func(ctx context.Context, tx store.Tx) error {
		events, err := tx.Journal().List(ctx, aggregate)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "LoanOpened", events[0].EventType)
		assert.Equal(t, "LoanClosed", events[1].EventType)
		assert.Less(t, events[0].ID, events[1].ID)
		assert.JSONEq(t, `{"a":2}`, string(events[1].Data))
		return nil
	})
}

func testRollback(t *testing.T, s store.Store) {
	c := SeedCopy(t, s, domain.CopyAvailable)

	err := s.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.Copies().SwapState(ctx, c.ID, domain.CopyAvailable, domain.CopyOnLoan); err != nil {
			return err
		}
		if err := tx.Loans().Insert(ctx, newLoan(c.ID, Now())); err != nil {
			return err
		}
		return errAbort
	})
	assert.ErrorIs(t, err, errAbort)

	inTx(t, s, func(ctx context.Context, tx store.Tx) error {
		got, err := tx.Copies().Get(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.CopyAvailable, got.State)

		_, err = tx.Loans().FindOpenByCopy(ctx, c.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	})
}
