// internal/store/gormstore/repositories.go
package gormstore

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/libranexus/circulation/internal/domain"
	"github.com/libranexus/circulation/internal/store"
)

type copyModel struct {
	ID               string `gorm:"primaryKey;size:36"`
	TitleID          string `gorm:"size:36;not null"`
	State            string `gorm:"size:20;not null"`
	ReplacementValue int64  `gorm:"not null;default:0"`
	Version          int    `gorm:"not null;default:0"`
}

func (copyModel) TableName() string { return "copies" }

func (m copyModel) domain() domain.Copy {
	return domain.Copy{
		ID:               uuid.MustParse(m.ID),
		TitleID:          uuid.MustParse(m.TitleID),
		State:            domain.CopyState(m.State),
		ReplacementValue: domain.Amount(m.ReplacementValue),
		Version:          m.Version,
	}
}

type loanModel struct {
	ID         string    `gorm:"primaryKey;size:36"`
	CopyID     string    `gorm:"size:36;not null"`
	ReaderID   string    `gorm:"size:36;not null;index"`
	TicketID   string    `gorm:"size:36;not null;index"`
	BorrowedAt time.Time `gorm:"not null"`
	DueAt      time.Time `gorm:"not null"`
	ReturnedAt *time.Time
	Condition  *string `gorm:"size:20"`
}

func (loanModel) TableName() string { return "loans" }

func (m loanModel) domain() domain.Loan {
	l := domain.Loan{
		ID:         uuid.MustParse(m.ID),
		CopyID:     uuid.MustParse(m.CopyID),
		ReaderID:   uuid.MustParse(m.ReaderID),
		TicketID:   uuid.MustParse(m.TicketID),
		BorrowedAt: m.BorrowedAt.UTC(),
		DueAt:      m.DueAt.UTC(),
	}
	if m.ReturnedAt != nil {
		at := m.ReturnedAt.UTC()
		l.ReturnedAt = &at
	}
	if m.Condition != nil {
		c := domain.Condition(*m.Condition)
		l.Condition = &c
	}
	return l
}

type ticketModel struct {
	ID        string    `gorm:"primaryKey;size:36"`
	ReaderID  string    `gorm:"size:36;not null"`
	StaffID   string    `gorm:"size:36;not null"`
	CreatedAt time.Time `gorm:"not null"`
	DueAt     time.Time `gorm:"not null"`
	LoanIDs   []string  `gorm:"type:text;serializer:json"`
}

func (ticketModel) TableName() string { return "tickets" }

type fineModel struct {
	ID              string `gorm:"primaryKey;size:36"`
	LoanID          string `gorm:"size:36;not null;uniqueIndex"`
	Reason          string `gorm:"size:20;not null"`
	Amount          int64  `gorm:"not null"`
	OverdueDays     int64  `gorm:"not null;default:0"`
	OverdueAmount   int64  `gorm:"not null;default:0"`
	ConditionAmount int64  `gorm:"not null;default:0"`
	Paid            bool   `gorm:"not null;default:false"`
	PaidAt          *time.Time
	Note            string    `gorm:"not null"`
	CreatedAt       time.Time `gorm:"not null"`
}

func (fineModel) TableName() string { return "fines" }

func (m fineModel) domain() domain.Fine {
	f := domain.Fine{
		ID:              uuid.MustParse(m.ID),
		LoanID:          uuid.MustParse(m.LoanID),
		Reason:          domain.FineReason(m.Reason),
		Amount:          domain.Amount(m.Amount),
		OverdueDays:     m.OverdueDays,
		OverdueAmount:   domain.Amount(m.OverdueAmount),
		ConditionAmount: domain.Amount(m.ConditionAmount),
		Paid:            m.Paid,
		Note:            m.Note,
		CreatedAt:       m.CreatedAt.UTC(),
	}
	if m.PaidAt != nil {
		at := m.PaidAt.UTC()
		f.PaidAt = &at
	}
	return f
}

type eventModel struct {
	ID            int64     `gorm:"primaryKey;autoIncrement"`
	AggregateID   string    `gorm:"size:36;not null;index"`
	AggregateType string    `gorm:"size:40;not null"`
	EventType     string    `gorm:"size:60;not null"`
	Data          string    `gorm:"type:text;not null"`
	OccurredAt    time.Time `gorm:"not null"`
}

func (eventModel) TableName() string { return "circulation_events" }

var (
	_ store.CopyRepository    = copyRepo{}
	_ store.LoanRepository    = loanRepo{}
	_ store.TicketRepository  = ticketRepo{}
	_ store.FineRepository    = fineRepo{}
	_ store.JournalRepository = journalRepo{}
)

type copyRepo struct{ db *gorm.DB }

func (r copyRepo) Get(ctx context.Context, id uuid.UUID) (domain.Copy, error) {
	var m copyModel
	if err := r.db.WithContext(ctx).Take(&m, "id = ?", id.String()).Error; err != nil {
		return domain.Copy{}, translate("copies.get", err)
	}
	return m.domain(), nil
}

func (r copyRepo) Insert(ctx context.Context, c domain.Copy) error {
	m := copyModel{
		ID:               c.ID.String(),
		TitleID:          c.TitleID.String(),
		State:            string(c.State),
		ReplacementValue: int64(c.ReplacementValue),
		Version:          c.Version,
	}
	return translate("copies.insert", r.db.WithContext(ctx).Create(&m).Error)
}

func (r copyRepo) SwapState(ctx context.Context, id uuid.UUID, from, to domain.CopyState) (bool, error) {
	res := r.db.WithContext(ctx).Model(&copyModel{}).
		Where("id = ? AND state = ?", id.String(), string(from)).
		Updates(map[string]interface{}{
			"state":   string(to),
			"version": gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return false, translate("copies.swap_state", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r copyRepo) List(ctx context.Context) ([]domain.Copy, error) {
	var ms []copyModel
	if err := r.db.WithContext(ctx).Order("id").Find(&ms).Error; err != nil {
		return nil, translate("copies.list", err)
	}
	out := make([]domain.Copy, len(ms))
	for i, m := range ms {
		out[i] = m.domain()
	}
	return out, nil
}

type loanRepo struct{ db *gorm.DB }

func (r loanRepo) Insert(ctx context.Context, l domain.Loan) error {
	m := loanModel{
		ID:         l.ID.String(),
		CopyID:     l.CopyID.String(),
		ReaderID:   l.ReaderID.String(),
		TicketID:   l.TicketID.String(),
		BorrowedAt: l.BorrowedAt.UTC(),
		DueAt:      l.DueAt.UTC(),
	}
	if l.ReturnedAt != nil {
		at := l.ReturnedAt.UTC()
		m.ReturnedAt = &at
	}
	if l.Condition != nil {
		c := string(*l.Condition)
		m.Condition = &c
	}
	return translate("loans.insert", r.db.WithContext(ctx).Create(&m).Error)
}

func (r loanRepo) Get(ctx context.Context, id uuid.UUID) (domain.Loan, error) {
	var m loanModel
	if err := r.db.WithContext(ctx).Take(&m, "id = ?", id.String()).Error; err != nil {
		return domain.Loan{}, translate("loans.get", err)
	}
	return m.domain(), nil
}

func (r loanRepo) FindOpenByCopy(ctx context.Context, copyID uuid.UUID) (domain.Loan, error) {
	var m loanModel
	err := r.db.WithContext(ctx).
		Where("copy_id = ? AND returned_at IS NULL", copyID.String()).
		Take(&m).Error
	if err != nil {
		return domain.Loan{}, translate("loans.find_open_by_copy", err)
	}
	return m.domain(), nil
}

func (r loanRepo) Close(ctx context.Context, id uuid.UUID, returnedAt time.Time, c domain.Condition) (bool, error) {
	res := r.db.WithContext(ctx).Model(&loanModel{}).
		Where("id = ? AND returned_at IS NULL", id.String()).
		Updates(map[string]interface{}{
			"returned_at": returnedAt.UTC(),
			"condition":   string(c),
		})
	if res.Error != nil {
		return false, translate("loans.close", res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}
	if _, err := r.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (r loanRepo) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).
		Where("id = ? AND returned_at IS NULL", id.String()).
		Delete(&loanModel{})
	if res.Error != nil {
		return false, translate("loans.delete", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r loanRepo) CountOpenByReader(ctx context.Context, readerID uuid.UUID) (int, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&loanModel{}).
		Where("reader_id = ? AND returned_at IS NULL", readerID.String()).
		Count(&n).Error
	if err != nil {
		return 0, translate("loans.count_open_by_reader", err)
	}
	return int(n), nil
}

func (r loanRepo) ListByTicket(ctx context.Context, ticketID uuid.UUID) ([]domain.Loan, error) {
	return r.many(ctx, "loans.list_by_ticket", r.db.Where("ticket_id = ?", ticketID.String()))
}

func (r loanRepo) ListOpen(ctx context.Context) ([]domain.Loan, error) {
	return r.many(ctx, "loans.list_open", r.db.Where("returned_at IS NULL"))
}

func (r loanRepo) many(ctx context.Context, op string, q *gorm.DB) ([]domain.Loan, error) {
	var ms []loanModel
	if err := q.WithContext(ctx).Order("borrowed_at, id").Find(&ms).Error; err != nil {
		return nil, translate(op, err)
	}
	out := make([]domain.Loan, len(ms))
	for i, m := range ms {
		out[i] = m.domain()
	}
	return out, nil
}

type ticketRepo struct{ db *gorm.DB }

func (r ticketRepo) Insert(ctx context.Context, t domain.Ticket) error {
	m := ticketModel{
		ID:        t.ID.String(),
		ReaderID:  t.ReaderID.String(),
		StaffID:   t.StaffID.String(),
		CreatedAt: t.CreatedAt.UTC(),
		DueAt:     t.DueAt.UTC(),
		LoanIDs:   make([]string, len(t.LoanIDs)),
	}
	for i, id := range t.LoanIDs {
		m.LoanIDs[i] = id.String()
	}
	return translate("tickets.insert", r.db.WithContext(ctx).Create(&m).Error)
}

func (r ticketRepo) Get(ctx context.Context, id uuid.UUID) (domain.Ticket, error) {
	var m ticketModel
	if err := r.db.WithContext(ctx).Take(&m, "id = ?", id.String()).Error; err != nil {
		return domain.Ticket{}, translate("tickets.get", err)
	}
	t := domain.Ticket{
		ID:        uuid.MustParse(m.ID),
		ReaderID:  uuid.MustParse(m.ReaderID),
		StaffID:   uuid.MustParse(m.StaffID),
		CreatedAt: m.CreatedAt.UTC(),
		DueAt:     m.DueAt.UTC(),
		LoanIDs:   make([]uuid.UUID, len(m.LoanIDs)),
	}
	for i, s := range m.LoanIDs {
		t.LoanIDs[i] = uuid.MustParse(s)
	}
	return t, nil
}

type fineRepo struct{ db *gorm.DB }

func (r fineRepo) Insert(ctx context.Context, f domain.Fine) error {
	m := fineModel{
		ID:              f.ID.String(),
		LoanID:          f.LoanID.String(),
		Reason:          string(f.Reason),
		Amount:          int64(f.Amount),
		OverdueDays:     f.OverdueDays,
		OverdueAmount:   int64(f.OverdueAmount),
		ConditionAmount: int64(f.ConditionAmount),
		Paid:            f.Paid,
		Note:            f.Note,
		CreatedAt:       f.CreatedAt.UTC(),
	}
	if f.PaidAt != nil {
		at := f.PaidAt.UTC()
		m.PaidAt = &at
	}
	return translate("fines.insert", r.db.WithContext(ctx).Create(&m).Error)
}

func (r fineRepo) Get(ctx context.Context, id uuid.UUID) (domain.Fine, error) {
	var m fineModel
	if err := r.db.WithContext(ctx).Take(&m, "id = ?", id.String()).Error; err != nil {
		return domain.Fine{}, translate("fines.get", err)
	}
	return m.domain(), nil
}

func (r fineRepo) ListByLoan(ctx context.Context, loanID uuid.UUID) ([]domain.Fine, error) {
	var ms []fineModel
	err := r.db.WithContext(ctx).
		Where("loan_id = ?", loanID.String()).
		Order("created_at").
		Find(&ms).Error
	if err != nil {
		return nil, translate("fines.list_by_loan", err)
	}
	out := make([]domain.Fine, len(ms))
	for i, m := range ms {
		out[i] = m.domain()
	}
	return out, nil
}

func (r fineRepo) MarkPaid(ctx context.Context, id uuid.UUID, paidAt time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&fineModel{}).
		Where("id = ? AND paid = ?", id.String(), false).
		Updates(map[string]interface{}{"paid": true, "paid_at": paidAt.UTC()})
	if res.Error != nil {
		return false, translate("fines.mark_paid", res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}
	if _, err := r.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

type journalRepo struct{ db *gorm.DB }

func (r journalRepo) Append(ctx context.Context, events ...domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	ms := make([]eventModel, len(events))
	for i, e := range events {
		ms[i] = eventModel{
			AggregateID:   e.AggregateID.String(),
			AggregateType: e.AggregateType,
			EventType:     e.EventType,
			Data:          string(e.Data),
			OccurredAt:    e.OccurredAt.UTC(),
		}
	}
	return translate("journal.append", r.db.WithContext(ctx).Create(&ms).Error)
}

func (r journalRepo) List(ctx context.Context, aggregateID uuid.UUID) ([]domain.Event, error) {
	var ms []eventModel
	err := r.db.WithContext(ctx).
		Where("aggregate_id = ?", aggregateID.String()).
		Order("id").
		Find(&ms).Error
	if err != nil {
		return nil, translate("journal.list", err)
	}
	out := make([]domain.Event, len(ms))
	for i, m := range ms {
		out[i] = domain.Event{
			ID:            m.ID,
			AggregateID:   uuid.MustParse(m.AggregateID),
			AggregateType: m.AggregateType,
			EventType:     m.EventType,
			Data:          []byte(m.Data),
			OccurredAt:    m.OccurredAt.UTC(),
		}
	}
	return out, nil
}
