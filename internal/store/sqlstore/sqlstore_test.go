// internal/store/sqlstore/sqlstore_test.go
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/doug-martin/goqu/v9"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libranexus/circulation/internal/store"
	"github.com/libranexus/circulation/internal/store/storetest"
)

// testDSN builds a connection string from the PG* environment.
func testDSN() string {
	get := func(key, fallback string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return fallback
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		get("PGHOST", "localhost"),
		get("PGPORT", "5432"),
		get("PGUSER", "user"),
		get("PGPASSWORD", "password"),
		get("PGDATABASE", "testdb"),
	)
}

// setupTestDB connects with the given driver and empties every table. It
// skips the test when no database is reachable.
func setupTestDB(t *testing.T, driver string) *Store {
	t.Helper()

	s, err := Open(context.Background(), driver, testDSN(), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Skipf("skipping postgres tests: could not connect to postgres: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Migrate(context.Background()))
	_, err = s.db.ExecContext(context.Background(),
		`TRUNCATE circulation_events, fines, tickets, loans, copies RESTART IDENTITY`)
	require.NoError(t, err)
	return s
}

func TestStoreConformance_PQ(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return setupTestDB(t, DriverPQ) })
}

func TestStoreConformance_Pgx(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return setupTestDB(t, DriverPgx) })
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "")

	assert.ErrorIs(t, err, ErrUnknownDriver)
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pq.Error{Code: "23505"}))
	assert.True(t, isUniqueViolation(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "23505"})))
	assert.False(t, isUniqueViolation(&pq.Error{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("boom")))
}

func TestQueriesArePrepared(t *testing.T) {
	tx := &sqlTx{builder: New(nil).builder}
	q := tx.builder.Update(tableCopies).Prepared(true).
		Set(map[string]interface{}{colState: "on_loan"}).
		Where(goqu.Ex{colID: "c-1", colState: "available"})

	query, args, err := q.ToSQL()

	require.NoError(t, err)
	assert.Contains(t, query, "$3")
	assert.NotContains(t, query, "on_loan")
	assert.Len(t, args, 3)
}
