// internal/store/sqlstore/repositories.go
package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/libranexus/circulation/internal/domain"
	"github.com/libranexus/circulation/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	tableCopies  = "copies"
	tableLoans   = "loans"
	tableTickets = "tickets"
	tableFines   = "fines"
	tableEvents  = "circulation_events"

	colID         = "id"
	colState      = "state"
	colVersion    = "version"
	colCopyID     = "copy_id"
	colReaderID   = "reader_id"
	colTicketID   = "ticket_id"
	colLoanID     = "loan_id"
	colReturnedAt = "returned_at"
	colPaid       = "paid"
	colAggregate  = "aggregate_id"
)

var (
	copyCols   = []interface{}{"id", "title_id", "state", "replacement_value", "version"}
	loanCols   = []interface{}{"id", "copy_id", "reader_id", "ticket_id", "borrowed_at", "due_at", "returned_at", "condition"}
	ticketCols = []interface{}{"id", "reader_id", "staff_id", "created_at", "due_at", "loan_ids"}
	fineCols   = []interface{}{"id", "loan_id", "reason", "amount", "overdue_days", "overdue_amount", "condition_amount", "paid", "paid_at", "note", "created_at"}
	eventCols  = []interface{}{"id", "aggregate_id", "aggregate_type", "event_type", "data", "occurred_at"}
)

// Row types mirror the tables; uuid.UUID scans from either driver's text
// representation.

type copyRow struct {
	ID               uuid.UUID `db:"id"`
	TitleID          uuid.UUID `db:"title_id"`
	State            string    `db:"state"`
	ReplacementValue int64     `db:"replacement_value"`
	Version          int       `db:"version"`
}

func (r copyRow) domain() domain.Copy {
	return domain.Copy{
		ID:               r.ID,
		TitleID:          r.TitleID,
		State:            domain.CopyState(r.State),
		ReplacementValue: domain.Amount(r.ReplacementValue),
		Version:          r.Version,
	}
}

type loanRow struct {
	ID         uuid.UUID  `db:"id"`
	CopyID     uuid.UUID  `db:"copy_id"`
	ReaderID   uuid.UUID  `db:"reader_id"`
	TicketID   uuid.UUID  `db:"ticket_id"`
	BorrowedAt time.Time  `db:"borrowed_at"`
	DueAt      time.Time  `db:"due_at"`
	ReturnedAt *time.Time `db:"returned_at"`
	Condition  *string    `db:"condition"`
}

func (r loanRow) domain() domain.Loan {
	l := domain.Loan{
		ID:         r.ID,
		CopyID:     r.CopyID,
		ReaderID:   r.ReaderID,
		TicketID:   r.TicketID,
		BorrowedAt: r.BorrowedAt.UTC(),
		DueAt:      r.DueAt.UTC(),
	}
	if r.ReturnedAt != nil {
		at := r.ReturnedAt.UTC()
		l.ReturnedAt = &at
	}
	if r.Condition != nil {
		c := domain.Condition(*r.Condition)
		l.Condition = &c
	}
	return l
}

type ticketRow struct {
	ID        uuid.UUID `db:"id"`
	ReaderID  uuid.UUID `db:"reader_id"`
	StaffID   uuid.UUID `db:"staff_id"`
	CreatedAt time.Time `db:"created_at"`
	DueAt     time.Time `db:"due_at"`
	LoanIDs   []byte    `db:"loan_ids"`
}

type fineRow struct {
	ID              uuid.UUID  `db:"id"`
	LoanID          uuid.UUID  `db:"loan_id"`
	Reason          string     `db:"reason"`
	Amount          int64      `db:"amount"`
	OverdueDays     int64      `db:"overdue_days"`
	OverdueAmount   int64      `db:"overdue_amount"`
	ConditionAmount int64      `db:"condition_amount"`
	Paid            bool       `db:"paid"`
	PaidAt          *time.Time `db:"paid_at"`
	Note            string     `db:"note"`
	CreatedAt       time.Time  `db:"created_at"`
}

func (r fineRow) domain() domain.Fine {
	f := domain.Fine{
		ID:              r.ID,
		LoanID:          r.LoanID,
		Reason:          domain.FineReason(r.Reason),
		Amount:          domain.Amount(r.Amount),
		OverdueDays:     r.OverdueDays,
		OverdueAmount:   domain.Amount(r.OverdueAmount),
		ConditionAmount: domain.Amount(r.ConditionAmount),
		Paid:            r.Paid,
		Note:            r.Note,
		CreatedAt:       r.CreatedAt.UTC(),
	}
	if r.PaidAt != nil {
		at := r.PaidAt.UTC()
		f.PaidAt = &at
	}
	return f
}

type eventRow struct {
	ID            int64     `db:"id"`
	AggregateID   uuid.UUID `db:"aggregate_id"`
	AggregateType string    `db:"aggregate_type"`
	EventType     string    `db:"event_type"`
	Data          []byte    `db:"data"`
	OccurredAt    time.Time `db:"occurred_at"`
}

// nullTime keeps a nil pointer from reaching goqu as a typed value.
func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

var (
	_ store.CopyRepository    = copyRepo{}
	_ store.LoanRepository    = loanRepo{}
	_ store.TicketRepository  = ticketRepo{}
	_ store.FineRepository    = fineRepo{}
	_ store.JournalRepository = journalRepo{}
)

type copyRepo struct{ t *sqlTx }

func (r copyRepo) Get(ctx context.Context, id uuid.UUID) (domain.Copy, error) {
	var row copyRow
	q := r.t.builder.From(tableCopies).Prepared(true).
		Select(copyCols...).
		Where(goqu.Ex{colID: id.String()})
	if err := r.t.get(ctx, "copies.get", &row, q); err != nil {
		return domain.Copy{}, err
	}
	return row.domain(), nil
}

func (r copyRepo) Insert(ctx context.Context, c domain.Copy) error {
	q := r.t.builder.Insert(tableCopies).Prepared(true).Rows(goqu.Record{
		"id":                c.ID.String(),
		"title_id":          c.TitleID.String(),
		"state":             string(c.State),
		"replacement_value": int64(c.ReplacementValue),
		"version":           c.Version,
	})
	_, err := r.t.exec(ctx, "copies.insert", q)
	return err
}

// SwapState is a compare-and-set on the state column.
func (r copyRepo) SwapState(ctx context.Context, id uuid.UUID, from, to domain.CopyState) (bool, error) {
	q := r.t.builder.Update(tableCopies).Prepared(true).
		Set(goqu.Record{
			colState:   string(to),
			colVersion: goqu.L("version + 1"),
		}).
		Where(goqu.Ex{colID: id.String(), colState: string(from)})
	n, err := r.t.exec(ctx, "copies.swap_state", q)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r copyRepo) List(ctx context.Context) ([]domain.Copy, error) {
	var rows []copyRow
	q := r.t.builder.From(tableCopies).Prepared(true).
		Select(copyCols...).
		Order(goqu.I(colID).Asc())
	if err := r.t.selectRows(ctx, "copies.list", &rows, q); err != nil {
		return nil, err
	}
	out := make([]domain.Copy, len(rows))
	for i, row := range rows {
		out[i] = row.domain()
	}
	return out, nil
}

type loanRepo struct{ t *sqlTx }

func (r loanRepo) Insert(ctx context.Context, l domain.Loan) error {
	rec := goqu.Record{
		"id":          l.ID.String(),
		"copy_id":     l.CopyID.String(),
		"reader_id":   l.ReaderID.String(),
		"ticket_id":   l.TicketID.String(),
		"borrowed_at": l.BorrowedAt,
		"due_at":      l.DueAt,
		"returned_at": nullTime(l.ReturnedAt),
		"condition":   nil,
	}
	if l.Condition != nil {
		rec["condition"] = string(*l.Condition)
	}
	_, err := r.t.exec(ctx, "loans.insert", r.t.builder.Insert(tableLoans).Prepared(true).Rows(rec))
	return err
}

func (r loanRepo) Get(ctx context.Context, id uuid.UUID) (domain.Loan, error) {
	return r.one(ctx, "loans.get", goqu.Ex{colID: id.String()})
}

func (r loanRepo) FindOpenByCopy(ctx context.Context, copyID uuid.UUID) (domain.Loan, error) {
	return r.one(ctx, "loans.find_open_by_copy", goqu.Ex{colCopyID: copyID.String(), colReturnedAt: nil})
}

func (r loanRepo) one(ctx context.Context, op string, where goqu.Ex) (domain.Loan, error) {
	var row loanRow
	q := r.t.builder.From(tableLoans).Prepared(true).Select(loanCols...).Where(where)
	if err := r.t.get(ctx, op, &row, q); err != nil {
		return domain.Loan{}, err
	}
	return row.domain(), nil
}

func (r loanRepo) many(ctx context.Context, op string, where goqu.Ex) ([]domain.Loan, error) {
	var rows []loanRow
	q := r.t.builder.From(tableLoans).Prepared(true).
		Select(loanCols...).
		Where(where).
		Order(goqu.I("borrowed_at").Asc(), goqu.I(colID).Asc())
	if err := r.t.selectRows(ctx, op, &rows, q); err != nil {
		return nil, err
	}
	out := make([]domain.Loan, len(rows))
	for i, row := range rows {
		out[i] = row.domain()
	}
	return out, nil
}

func (r loanRepo) Close(ctx context.Context, id uuid.UUID, returnedAt time.Time, c domain.Condition) (bool, error) {
	q := r.t.builder.Update(tableLoans).Prepared(true).
		Set(goqu.Record{colReturnedAt: returnedAt, "condition": string(c)}).
		Where(goqu.Ex{colID: id.String(), colReturnedAt: nil})
	n, err := r.t.exec(ctx, "loans.close", q)
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := r.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (r loanRepo) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	q := r.t.builder.Delete(tableLoans).Prepared(true).
		Where(goqu.Ex{colID: id.String(), colReturnedAt: nil})
	n, err := r.t.exec(ctx, "loans.delete", q)
	return n == 1, err
}

func (r loanRepo) CountOpenByReader(ctx context.Context, readerID uuid.UUID) (int, error) {
	var n int
	q := r.t.builder.From(tableLoans).Prepared(true).
		Select(goqu.COUNT("*")).
		Where(goqu.Ex{colReaderID: readerID.String(), colReturnedAt: nil})
	if err := r.t.get(ctx, "loans.count_open_by_reader", &n, q); err != nil {
		return 0, err
	}
	return n, nil
}

func (r loanRepo) ListByTicket(ctx context.Context, ticketID uuid.UUID) ([]domain.Loan, error) {
	return r.many(ctx, "loans.list_by_ticket", goqu.Ex{colTicketID: ticketID.String()})
}

func (r loanRepo) ListOpen(ctx context.Context) ([]domain.Loan, error) {
	return r.many(ctx, "loans.list_open", goqu.Ex{colReturnedAt: nil})
}

type ticketRepo struct{ t *sqlTx }

func (r ticketRepo) Insert(ctx context.Context, t domain.Ticket) error {
	ids := t.LoanIDs
	if ids == nil {
		ids = []uuid.UUID{}
	}
	loanIDs, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("encode loan ids: %w", err)
	}
	q := r.t.builder.Insert(tableTickets).Prepared(true).Rows(goqu.Record{
		"id":         t.ID.String(),
		"reader_id":  t.ReaderID.String(),
		"staff_id":   t.StaffID.String(),
		"created_at": t.CreatedAt,
		"due_at":     t.DueAt,
		"loan_ids":   goqu.L("?::jsonb", string(loanIDs)),
	})
	_, err = r.t.exec(ctx, "tickets.insert", q)
	return err
}

func (r ticketRepo) Get(ctx context.Context, id uuid.UUID) (domain.Ticket, error) {
	var row ticketRow
	q := r.t.builder.From(tableTickets).Prepared(true).
		Select(ticketCols...).
		Where(goqu.Ex{colID: id.String()})
	if err := r.t.get(ctx, "tickets.get", &row, q); err != nil {
		return domain.Ticket{}, err
	}

	t := domain.Ticket{
		ID:        row.ID,
		ReaderID:  row.ReaderID,
		StaffID:   row.StaffID,
		CreatedAt: row.CreatedAt.UTC(),
		DueAt:     row.DueAt.UTC(),
	}
	if err := json.Unmarshal(row.LoanIDs, &t.LoanIDs); err != nil {
		return domain.Ticket{}, fmt.Errorf("decode loan ids: %w", err)
	}
	return t, nil
}

type fineRepo struct{ t *sqlTx }

func (r fineRepo) Insert(ctx context.Context, f domain.Fine) error {
	q := r.t.builder.Insert(tableFines).Prepared(true).Rows(goqu.Record{
		"id":               f.ID.String(),
		"loan_id":          f.LoanID.String(),
		"reason":           string(f.Reason),
		"amount":           int64(f.Amount),
		"overdue_days":     f.OverdueDays,
		"overdue_amount":   int64(f.OverdueAmount),
		"condition_amount": int64(f.ConditionAmount),
		"paid":             f.Paid,
		"paid_at":          nullTime(f.PaidAt),
		"note":             f.Note,
		"created_at":       f.CreatedAt,
	})
	_, err := r.t.exec(ctx, "fines.insert", q)
	return err
}

func (r fineRepo) Get(ctx context.Context, id uuid.UUID) (domain.Fine, error) {
	var row fineRow
	q := r.t.builder.From(tableFines).Prepared(true).
		Select(fineCols...).
		Where(goqu.Ex{colID: id.String()})
	if err := r.t.get(ctx, "fines.get", &row, q); err != nil {
		return domain.Fine{}, err
	}
	return row.domain(), nil
}

func (r fineRepo) ListByLoan(ctx context.Context, loanID uuid.UUID) ([]domain.Fine, error) {
	var rows []fineRow
	q := r.t.builder.From(tableFines).Prepared(true).
		Select(fineCols...).
		Where(goqu.Ex{colLoanID: loanID.String()}).
		Order(goqu.I("created_at").Asc())
	if err := r.t.selectRows(ctx, "fines.list_by_loan", &rows, q); err != nil {
		return nil, err
	}
	out := make([]domain.Fine, len(rows))
	for i, row := range rows {
		out[i] = row.domain()
	}
	return out, nil
}

func (r fineRepo) MarkPaid(ctx context.Context, id uuid.UUID, paidAt time.Time) (bool, error) {
	q := r.t.builder.Update(tableFines).Prepared(true).
		Set(goqu.Record{colPaid: true, "paid_at": paidAt}).
		Where(goqu.Ex{colID: id.String(), colPaid: false})
	n, err := r.t.exec(ctx, "fines.mark_paid", q)
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := r.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

type journalRepo struct{ t *sqlTx }

func (r journalRepo) Append(ctx context.Context, events ...domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([]interface{}, len(events))
	for i, e := range events {
		rows[i] = goqu.Record{
			"aggregate_id":   e.AggregateID.String(),
			"aggregate_type": e.AggregateType,
			"event_type":     e.EventType,
			"data":           goqu.L("?::jsonb", string(e.Data)),
			"occurred_at":    e.OccurredAt,
		}
	}
	_, err := r.t.exec(ctx, "journal.append", r.t.builder.Insert(tableEvents).Prepared(true).Rows(rows...))
	return err
}

func (r journalRepo) List(ctx context.Context, aggregateID uuid.UUID) ([]domain.Event, error) {
	var rows []eventRow
	q := r.t.builder.From(tableEvents).Prepared(true).
		Select(eventCols...).
		Where(goqu.Ex{colAggregate: aggregateID.String()}).
		Order(goqu.I(colID).Asc())
	if err := r.t.selectRows(ctx, "journal.list", &rows, q); err != nil {
		return nil, err
	}
	out := make([]domain.Event, len(rows))
	for i, row := range rows {
		out[i] = domain.Event{
			ID:            row.ID,
			AggregateID:   row.AggregateID,
			AggregateType: row.AggregateType,
			EventType:     row.EventType,
			Data:          row.Data,
			OccurredAt:    row.OccurredAt.UTC(),
		}
	}
	return out, nil
}
