// internal/store/gormstore/gormstore.go

// Package gormstore implements the circulation store on gorm, which lets
// the service run against an embedded SQLite file as well as PostgreSQL.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/libranexus/circulation/internal/store"
)

// Store implements store.Store on a gorm connection.
type Store struct {
	db     *gorm.DB
	tracer trace.Tracer
	logger *slog.Logger
}

var _ store.Store = (*Store)(nil)

type Option func(*Store)

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// OpenSQLite opens a SQLite database. SQLite allows one writer at a time, so
// the pool is limited to a single connection and transactions queue on it.
func OpenSQLite(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	s, err := open(ctx, sqlite.Open(dsn), opts...)
	if err != nil {
		return nil, err
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxLifetime(0)
	return s, nil
}

// OpenPostgres opens a PostgreSQL database through the gorm pgx dialector.
func OpenPostgres(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	s, err := open(ctx, postgres.Open(dsn), opts...)
	if err != nil {
		return nil, err
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)
	return s, nil
}

func open(ctx context.Context, dialector gorm.Dialector, opts ...Option) (*Store, error) {
	s := &Store{
		tracer: otel.Tracer("libranexus/gormstore"),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger: logger.New(slogWriter{s.logger}, logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	s.db = db
	return s, nil
}

// Migrate creates the tables, then the partial index that keeps one open
// loan per copy. Both dialects accept the index statement.
func (s *Store) Migrate(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	if err := db.AutoMigrate(&copyModel{}, &loanModel{}, &ticketModel{}, &fineModel{}, &eventModel{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS loans_open_copy_idx ON loans (copy_id) WHERE returned_at IS NULL`).Error
	if err != nil {
		return fmt.Errorf("create open loan index: %w", err)
	}
	s.logger.InfoContext(ctx, "schema migrated", "dialect", s.db.Dialector.Name())
	return nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	ctx, span := s.tracer.Start(ctx, "gormstore.run_in_tx",
		trace.WithAttributes(attribute.String("db.system", s.db.Dialector.Name())))
	defer span.End()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, &gormTx{db: tx})
	})
	if err != nil {
		span.SetAttributes(attribute.Bool("tx.committed", false))
		if !errors.Is(err, store.ErrNotFound) && !errors.Is(err, store.ErrUniqueViolation) {
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}
	span.SetAttributes(attribute.Bool("tx.committed", true))
	return nil
}

type gormTx struct {
	db *gorm.DB
}

func (t *gormTx) Copies() store.CopyRepository { return copyRepo{t.db} }

func (t *gormTx) Loans() store.LoanRepository { return loanRepo{t.db} }

func (t *gormTx) Tickets() store.TicketRepository { return ticketRepo{t.db} }

func (t *gormTx) Fines() store.FineRepository { return fineRepo{t.db} }

func (t *gormTx) Journal() store.JournalRepository { return journalRepo{t.db} }

// translate maps gorm sentinels onto the store ones.
func translate(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return store.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%s: %w", op, store.ErrUniqueViolation)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

type slogWriter struct {
	l *slog.Logger
}

func (w slogWriter) Printf(format string, args ...interface{}) {
	w.l.Warn(fmt.Sprintf(format, args...), "component", "gorm")
}
