// internal/circulation/helpers_test.go
package circulation_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/libranexus/circulation/internal/circulation"
	"github.com/libranexus/circulation/internal/clock"
	"github.com/libranexus/circulation/internal/domain"
	"github.com/libranexus/circulation/internal/store"
	"github.com/libranexus/circulation/internal/store/memstore"
)

var issueTime = time.Date(2025, time.April, 7, 10, 0, 0, 0, time.UTC)

type fixture struct {
	store *memstore.Store
	clock *clock.Manual
	svc   circulation.Service
}

func newFixture(t *testing.T, opts ...func(*circulation.Policy)) *fixture {
	t.Helper()
	return newFixtureWith(t, memstore.New(), circulation.AllowAll, opts...)
}

func newFixtureWith(t *testing.T, st store.Store, el circulation.Eligibility, opts ...func(*circulation.Policy)) *fixture {
	t.Helper()
	policy := circulation.DefaultPolicy()
	for _, o := range opts {
		o(&policy)
	}
	clk := clock.NewManual(issueTime)
	f := &fixture{clock: clk}
	if ms, ok := st.(*memstore.Store); ok {
		f.store = ms
	}
	f.svc = circulation.NewService(st, el, policy,
		circulation.WithClock(clk),
		circulation.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	return f
}

func seedCopies(t *testing.T, st store.Store, states ...domain.CopyState) []uuid.UUID {
	t.Helper()
	ids := make([]uuid.UUID, len(states))
	err := st.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		for i, s := range states {
			ids[i] = uuid.New()
			if err := tx.Copies().Insert(ctx, domain.Copy{
				ID:               ids[i],
				TitleID:          uuid.New(),
				State:            s,
				ReplacementValue: 200000,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	return ids
}

func stateOf(t *testing.T, svc circulation.Service, copyID uuid.UUID) domain.CopyState {
	t.Helper()
	state, err := svc.CopyState(context.Background(), copyID)
	require.NoError(t, err)
	return state
}

func borrowRequest(copyIDs ...uuid.UUID) circulation.BorrowRequest {
	return circulation.BorrowRequest{
		ReaderID: uuid.New(),
		StaffID:  uuid.New(),
		CopyIDs:  copyIDs,
		DueAt:    issueTime.Add(14 * 24 * time.Hour),
	}
}

func openLoans(t *testing.T, st store.Store) []domain.Loan {
	t.Helper()
	var out []domain.Loan
	require.NoError(t, st.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.Loans().ListOpen(ctx)
		return err
	}))
	return out
}

var errInjected = errors.New("injected storage failure")

// faultyStore fails selected operations of an otherwise working store.
type faultyStore struct {
	store.Store
	failReleaseOf uuid.UUID
	failTickets   bool
}

func (f *faultyStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return f.Store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return fn(ctx, faultyTx{Tx: tx, f: f})
	})
}

type faultyTx struct {
	store.Tx
	f *faultyStore
}

func (t faultyTx) Copies() store.CopyRepository {
	return faultyCopies{CopyRepository: t.Tx.Copies(), failReleaseOf: t.f.failReleaseOf}
}

func (t faultyTx) Tickets() store.TicketRepository {
	if t.f.failTickets {
		return faultyTickets{t.Tx.Tickets()}
	}
	return t.Tx.Tickets()
}

type faultyCopies struct {
	store.CopyRepository
	failReleaseOf uuid.UUID
}

func (c faultyCopies) SwapState(ctx context.Context, id uuid.UUID, from, to domain.CopyState) (bool, error) {
	if id == c.failReleaseOf && from == domain.CopyOnLoan {
		return false, errInjected
	}
	return c.CopyRepository.SwapState(ctx, id, from, to)
}

type faultyTickets struct {
	store.TicketRepository
}

func (faultyTickets) Insert(context.Context, domain.Ticket) error {
	return errInjected
}
