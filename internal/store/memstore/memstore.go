// internal/store/memstore/memstore.go

// Package memstore keeps circulation state in process memory. Units of work
// are serialized by a single store mutex and applied to a private working
// copy that replaces the committed state only when the unit succeeds.
package memstore

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/libranexus/circulation/internal/domain"
	"github.com/libranexus/circulation/internal/store"
)

type state struct {
	copies      map[uuid.UUID]domain.Copy
	loans       map[uuid.UUID]domain.Loan
	openByCopy  map[uuid.UUID]uuid.UUID
	tickets     map[uuid.UUID]domain.Ticket
	fines       map[uuid.UUID]domain.Fine
	fineByLoan  map[uuid.UUID]uuid.UUID
	events      []domain.Event
	lastEventID int64
}

func newState() *state {
	return &state{
		copies:     make(map[uuid.UUID]domain.Copy),
		loans:      make(map[uuid.UUID]domain.Loan),
		openByCopy: make(map[uuid.UUID]uuid.UUID),
		tickets:    make(map[uuid.UUID]domain.Ticket),
		fines:      make(map[uuid.UUID]domain.Fine),
		fineByLoan: make(map[uuid.UUID]uuid.UUID),
	}
}

func (s *state) clone() *state {
	return &state{
		copies:      cloneMap(s.copies),
		loans:       cloneMap(s.loans),
		openByCopy:  cloneMap(s.openByCopy),
		tickets:     cloneMap(s.tickets),
		fines:       cloneMap(s.fines),
		fineByLoan:  cloneMap(s.fineByLoan),
		events:      slices.Clone(s.events),
		lastEventID: s.lastEventID,
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Store is an in-memory store.Store.
type Store struct {
	mu    sync.Mutex
	state *state
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{state: newState()}
}

// RunInTx must not be called from inside fn.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(ctx, &tx{st: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *Store) Close() error { return nil }

type tx struct {
	st *state
}

func (t *tx) Copies() store.CopyRepository     { return copyRepo{t.st} }
func (t *tx) Loans() store.LoanRepository      { return loanRepo{t.st} }
func (t *tx) Tickets() store.TicketRepository  { return ticketRepo{t.st} }
func (t *tx) Fines() store.FineRepository      { return fineRepo{t.st} }
func (t *tx) Journal() store.JournalRepository { return journalRepo{t.st} }

type copyRepo struct{ st *state }

func (r copyRepo) Get(_ context.Context, id uuid.UUID) (domain.Copy, error) {
	c, ok := r.st.copies[id]
	if !ok {
		return domain.Copy{}, store.ErrNotFound
	}
	return c, nil
}

func (r copyRepo) Insert(_ context.Context, c domain.Copy) error {
	if _, ok := r.st.copies[c.ID]; ok {
		return store.ErrUniqueViolation
	}
	r.st.copies[c.ID] = c
	return nil
}

func (r copyRepo) SwapState(_ context.Context, id uuid.UUID, from, to domain.CopyState) (bool, error) {
	c, ok := r.st.copies[id]
	if !ok || c.State != from {
		return false, nil
	}
	c.State = to
	c.Version++
	r.st.copies[id] = c
	return true, nil
}

func (r copyRepo) List(_ context.Context) ([]domain.Copy, error) {
	out := make([]domain.Copy, 0, len(r.st.copies))
	for _, c := range r.st.copies {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

type loanRepo struct{ st *state }

func (r loanRepo) Insert(_ context.Context, l domain.Loan) error {
	if _, ok := r.st.loans[l.ID]; ok {
		return store.ErrUniqueViolation
	}
	if l.Open() {
		if _, ok := r.st.openByCopy[l.CopyID]; ok {
			return store.ErrUniqueViolation
		}
		r.st.openByCopy[l.CopyID] = l.ID
	}
	r.st.loans[l.ID] = l
	return nil
}

func (r loanRepo) Get(_ context.Context, id uuid.UUID) (domain.Loan, error) {
	l, ok := r.st.loans[id]
	if !ok {
		return domain.Loan{}, store.ErrNotFound
	}
	return l, nil
}

func (r loanRepo) FindOpenByCopy(_ context.Context, copyID uuid.UUID) (domain.Loan, error) {
	id, ok := r.st.openByCopy[copyID]
	if !ok {
		return domain.Loan{}, store.ErrNotFound
	}
	return r.st.loans[id], nil
}

func (r loanRepo) Close(_ context.Context, id uuid.UUID, returnedAt time.Time, c domain.Condition) (bool, error) {
	l, ok := r.st.loans[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if !l.Open() {
		return false, nil
	}
	l.ReturnedAt = &returnedAt
	l.Condition = &c
	r.st.loans[id] = l
	delete(r.st.openByCopy, l.CopyID)
	return true, nil
}

func (r loanRepo) Delete(_ context.Context, id uuid.UUID) (bool, error) {
	l, ok := r.st.loans[id]
	if !ok || !l.Open() {
		return false, nil
	}
	delete(r.st.loans, id)
	delete(r.st.openByCopy, l.CopyID)
	return true, nil
}

func (r loanRepo) CountOpenByReader(_ context.Context, readerID uuid.UUID) (int, error) {
	n := 0
	for _, id := range r.st.openByCopy {
		if r.st.loans[id].ReaderID == readerID {
			n++
		}
	}
	return n, nil
}

func (r loanRepo) ListByTicket(_ context.Context, ticketID uuid.UUID) ([]domain.Loan, error) {
	var out []domain.Loan
	for _, l := range r.st.loans {
		if l.TicketID == ticketID {
			out = append(out, l)
		}
	}
	sortLoans(out)
	return out, nil
}

func (r loanRepo) ListOpen(_ context.Context) ([]domain.Loan, error) {
	out := make([]domain.Loan, 0, len(r.st.openByCopy))
	for _, l := range r.st.loans {
		if l.Open() {
			out = append(out, l)
		}
	}
	sortLoans(out)
	return out, nil
}

func sortLoans(ls []domain.Loan) {
	sort.Slice(ls, func(i, j int) bool {
		if !ls[i].BorrowedAt.Equal(ls[j].BorrowedAt) {
			return ls[i].BorrowedAt.Before(ls[j].BorrowedAt)
		}
		return ls[i].ID.String() < ls[j].ID.String()
	})
}

type ticketRepo struct{ st *state }

func (r ticketRepo) Insert(_ context.Context, t domain.Ticket) error {
	if _, ok := r.st.tickets[t.ID]; ok {
		return store.ErrUniqueViolation
	}
	t.LoanIDs = slices.Clone(t.LoanIDs)
	r.st.tickets[t.ID] = t
	return nil
}

func (r ticketRepo) Get(_ context.Context, id uuid.UUID) (domain.Ticket, error) {
	t, ok := r.st.tickets[id]
	if !ok {
		return domain.Ticket{}, store.ErrNotFound
	}
	t.LoanIDs = slices.Clone(t.LoanIDs)
	return t, nil
}

type fineRepo struct{ st *state }

func (r fineRepo) Insert(_ context.Context, f domain.Fine) error {
	if _, ok := r.st.fines[f.ID]; ok {
		return store.ErrUniqueViolation
	}
	if _, ok := r.st.fineByLoan[f.LoanID]; ok {
		return store.ErrUniqueViolation
	}
	r.st.fines[f.ID] = f
	r.st.fineByLoan[f.LoanID] = f.ID
	return nil
}

func (r fineRepo) Get(_ context.Context, id uuid.UUID) (domain.Fine, error) {
	f, ok := r.st.fines[id]
	if !ok {
		return domain.Fine{}, store.ErrNotFound
	}
	return f, nil
}

func (r fineRepo) ListByLoan(_ context.Context, loanID uuid.UUID) ([]domain.Fine, error) {
	id, ok := r.st.fineByLoan[loanID]
	if !ok {
		return nil, nil
	}
	return []domain.Fine{r.st.fines[id]}, nil
}

func (r fineRepo) MarkPaid(_ context.Context, id uuid.UUID, paidAt time.Time) (bool, error) {
	f, ok := r.st.fines[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if f.Paid {
		return false, nil
	}
	f.Paid = true
	f.PaidAt = &paidAt
	r.st.fines[id] = f
	return true, nil
}

type journalRepo struct{ st *state }

func (r journalRepo) Append(_ context.Context, events ...domain.Event) error {
	for _, e := range events {
		r.st.lastEventID++
		e.ID = r.st.lastEventID
		r.st.events = append(r.st.events, e)
	}
	return nil
}

func (r journalRepo) List(_ context.Context, aggregateID uuid.UUID) ([]domain.Event, error) {
	var out []domain.Event
	for _, e := range r.st.events {
		if e.AggregateID == aggregateID {
			out = append(out, e)
		}
	}
	return out, nil
}
