// internal/store/sqlstore/sqlstore.go

// Package sqlstore persists circulation state in PostgreSQL. Queries are
// built with goqu and run through sqlx on either the lib/pq or the pgx
// database/sql driver.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect registration
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/libranexus/circulation/internal/store"
)

const dialectPostgres = "postgres"

// Supported database/sql driver names.
const (
	DriverPQ  = "postgres"
	DriverPgx = "pgx"
)

var ErrUnknownDriver = errors.New("unknown sql driver")

// Store implements store.Store on a PostgreSQL database.
type Store struct {
	db      *sqlx.DB
	builder goqu.DialectWrapper
	tracer  trace.Tracer
	logger  *slog.Logger
}

var _ store.Store = (*Store)(nil)

type Option func(*Store)

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open connects with driver "postgres" (lib/pq) or "pgx" and verifies the
// connection.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*Store, error) {
	const defaultMaxOpenConnections = 50
	const defaultMaxIdleConnections = 2
	const defaultMaxConnLifetime = time.Hour
	const defaultMaxConnIdleTime = time.Minute * 5

	switch driver {
	case DriverPQ, DriverPgx:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	db.SetMaxOpenConns(defaultMaxOpenConnections)
	db.SetMaxIdleConns(defaultMaxIdleConnections)
	db.SetConnMaxLifetime(defaultMaxConnLifetime)
	db.SetConnMaxIdleTime(defaultMaxConnIdleTime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return New(db, opts...), nil
}

// New wraps an open connection pool.
func New(db *sqlx.DB, opts ...Option) *Store {
	s := &Store{
		db:      db,
		builder: goqu.Dialect(dialectPostgres),
		tracer:  otel.Tracer("libranexus/sqlstore"),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error {
	return s.db.Close()
}

// RunInTx runs fn in a READ COMMITTED transaction. State transitions rely
// on conditional updates and unique indexes rather than on isolation level.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	ctx, span := s.tracer.Start(ctx, "sqlstore.run_in_tx")
	defer span.End()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, &sqlTx{tx: tx, builder: s.builder, tracer: s.tracer}); err != nil {
		span.SetAttributes(attribute.Bool("tx.committed", false))
		return err
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.ErrorContext(ctx, "commit failed", "error", err.Error())
		return fmt.Errorf("commit transaction: %w", err)
	}
	span.SetAttributes(attribute.Bool("tx.committed", true))
	return nil
}

// sqlTx binds the repositories to one transaction.
type sqlTx struct {
	tx      *sqlx.Tx
	builder goqu.DialectWrapper
	tracer  trace.Tracer
}

func (t *sqlTx) Copies() store.CopyRepository { return copyRepo{t} }

func (t *sqlTx) Loans() store.LoanRepository { return loanRepo{t} }

func (t *sqlTx) Tickets() store.TicketRepository { return ticketRepo{t} }

func (t *sqlTx) Fines() store.FineRepository { return fineRepo{t} }

func (t *sqlTx) Journal() store.JournalRepository { return journalRepo{t} }

type sqlBuilder interface {
	ToSQL() (string, []interface{}, error)
}

func (t *sqlTx) span(ctx context.Context, op string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "sqlstore."+op, trace.WithAttributes(attribute.String("db.system", "postgresql")))
}

// get scans exactly one row into dest; no row maps to store.ErrNotFound.
func (t *sqlTx) get(ctx context.Context, op string, dest interface{}, q sqlBuilder) error {
	ctx, span := t.span(ctx, op)
	defer span.End()

	query, args, err := q.ToSQL()
	if err != nil {
		return fmt.Errorf("build %s query: %w", op, err)
	}
	if err := t.tx.GetContext(ctx, dest, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		span.RecordError(err)
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (t *sqlTx) selectRows(ctx context.Context, op string, dest interface{}, q sqlBuilder) error {
	ctx, span := t.span(ctx, op)
	defer span.End()

	query, args, err := q.ToSQL()
	if err != nil {
		return fmt.Errorf("build %s query: %w", op, err)
	}
	if err := t.tx.SelectContext(ctx, dest, query, args...); err != nil {
		span.RecordError(err)
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// exec returns the number of affected rows. Unique violations map to
// store.ErrUniqueViolation.
func (t *sqlTx) exec(ctx context.Context, op string, q sqlBuilder) (int64, error) {
	ctx, span := t.span(ctx, op)
	defer span.End()

	query, args, err := q.ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build %s query: %w", op, err)
	}
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			span.SetAttributes(attribute.Bool("conflict.detected", true))
			return 0, fmt.Errorf("%s: %w", op, store.ErrUniqueViolation)
		}
		span.RecordError(err)
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s rows affected: %w", op, err)
	}
	span.SetAttributes(attribute.Int64("db.rows_affected", n))
	return n, nil
}

// isUniqueViolation recognises the error of either driver.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pgerrcode.UniqueViolation
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.UniqueViolation
	}
	return false
}
