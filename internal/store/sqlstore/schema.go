// internal/store/sqlstore/schema.go
package sqlstore

import (
	"context"
	"fmt"
)

// schema is applied statement by statement so that both drivers accept it.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS copies (
		id UUID PRIMARY KEY,
		title_id UUID NOT NULL,
		state TEXT NOT NULL CHECK (state IN ('available', 'on_loan', 'lost', 'damaged')),
		replacement_value BIGINT NOT NULL DEFAULT 0,
		version INT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS loans (
		id UUID PRIMARY KEY,
		copy_id UUID NOT NULL REFERENCES copies (id),
		reader_id UUID NOT NULL,
		ticket_id UUID NOT NULL,
		borrowed_at TIMESTAMPTZ NOT NULL,
		due_at TIMESTAMPTZ NOT NULL,
		returned_at TIMESTAMPTZ,
		"condition" TEXT CHECK ("condition" IN ('good', 'damaged', 'lost'))
	)`,
	// at most one open loan per copy
	`CREATE UNIQUE INDEX IF NOT EXISTS loans_open_copy_idx ON loans (copy_id) WHERE returned_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS loans_open_reader_idx ON loans (reader_id) WHERE returned_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS loans_ticket_idx ON loans (ticket_id)`,
	`CREATE TABLE IF NOT EXISTS tickets (
		id UUID PRIMARY KEY,
		reader_id UUID NOT NULL,
		staff_id UUID NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		due_at TIMESTAMPTZ NOT NULL,
		loan_ids JSONB NOT NULL DEFAULT '[]'
	)`,
	`CREATE TABLE IF NOT EXISTS fines (
		id UUID PRIMARY KEY,
		loan_id UUID NOT NULL UNIQUE REFERENCES loans (id),
		reason TEXT NOT NULL,
		amount BIGINT NOT NULL,
		overdue_days BIGINT NOT NULL DEFAULT 0,
		overdue_amount BIGINT NOT NULL DEFAULT 0,
		condition_amount BIGINT NOT NULL DEFAULT 0,
		paid BOOLEAN NOT NULL DEFAULT FALSE,
		paid_at TIMESTAMPTZ,
		note TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS circulation_events (
		id BIGSERIAL PRIMARY KEY,
		aggregate_id UUID NOT NULL,
		aggregate_type TEXT NOT NULL,
		event_type TEXT NOT NULL,
		data JSONB NOT NULL,
		occurred_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS circulation_events_aggregate_idx ON circulation_events (aggregate_id, id)`,
}

// Migrate creates the tables and indexes when they are missing.
func (s *Store) Migrate(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "sqlstore.migrate")
	defer span.End()

	for i, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			span.RecordError(err)
			return fmt.Errorf("migrate statement %d: %w", i, err)
		}
	}
	s.logger.InfoContext(ctx, "schema migrated", "statements", len(schema))
	return nil
}
