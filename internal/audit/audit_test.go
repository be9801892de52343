// internal/audit/audit_test.go
package audit

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libranexus/circulation/internal/circulation"
	"github.com/libranexus/circulation/internal/clock"
	"github.com/libranexus/circulation/internal/domain"
	"github.com/libranexus/circulation/internal/store"
	"github.com/libranexus/circulation/internal/store/memstore"
	"github.com/libranexus/circulation/internal/store/storetest"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCheck_Consistent(t *testing.T) {
	s := memstore.New()
	storetest.SeedCopy(t, s, domain.CopyAvailable)
	storetest.SeedCopy(t, s, domain.CopyLost)

	report, err := Check(context.Background(), s)

	require.NoError(t, err)
	assert.True(t, report.Consistent())
	assert.Equal(t, 2, report.Copies)
	assert.Equal(t, 0, report.OpenLoans)
}

func TestCheck_DetectsViolations(t *testing.T) {
	s := memstore.New()
	orphaned := storetest.SeedCopy(t, s, domain.CopyOnLoan)
	available := storetest.SeedCopy(t, s, domain.CopyAvailable)

	require.NoError(t, s.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.Loans().Insert(ctx, domain.Loan{
			ID:         uuid.New(),
			CopyID:     available.ID,
			ReaderID:   uuid.New(),
			TicketID:   uuid.New(),
			BorrowedAt: storetest.Now(),
			DueAt:      storetest.Now().Add(time.Hour),
		})
	}))

	report, err := Check(context.Background(), s)

	require.NoError(t, err)
	require.Len(t, report.Violations, 2)
	byCopy := map[uuid.UUID]Violation{}
	for _, v := range report.Violations {
		byCopy[v.CopyID] = v
	}
	assert.Equal(t, "on loan without an open loan", byCopy[orphaned.ID].Message)
	assert.Equal(t, "open loan for a copy that is not on loan", byCopy[available.ID].Message)
}

func TestEngine_ExperimentsHold(t *testing.T) {
	s := memstore.New()
	clk := clock.NewManual(time.Date(2025, time.July, 1, 9, 0, 0, 0, time.UTC))
	svc := circulation.NewService(s, circulation.AllowAll, circulation.DefaultPolicy(),
		circulation.WithClock(clk),
		circulation.WithLogger(discardLogger()),
	)

	copyIDs := make([]uuid.UUID, 4)
	for i := range copyIDs {
		copyIDs[i] = storetest.SeedCopy(t, s, domain.CopyAvailable).ID
	}

	engine := NewEngine(s, svc, clk, discardLogger())
	engine.RegisterExperiments(copyIDs, 8)
	require.Len(t, engine.Experiments(), 3)

	held, err := engine.RunAll(context.Background())

	require.NoError(t, err)
	for _, r := range engine.Results() {
		assert.True(t, r.HypothesisHeld, "%s: %v %v", r.ExperimentName, r.Errors, r.Violations)
		assert.True(t, r.SteadyStateValid)
	}
	assert.True(t, held)

	report, err := Check(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, 0, report.OpenLoans)
}

func TestEngine_AbortsOnInconsistentSteadyState(t *testing.T) {
	s := memstore.New()
	storetest.SeedCopy(t, s, domain.CopyOnLoan)
	engine := NewEngine(s, circulation.NewService(s, nil, circulation.DefaultPolicy()), clock.System{}, discardLogger())

	called := false
	result, err := engine.RunExperiment(context.Background(), Experiment{
		Name: "noop",
		Method: func(context.Context) (Outcomes, error) {
			called = true
			return nil, nil
		},
	})

	assert.Error(t, err)
	assert.False(t, called)
	assert.False(t, result.SteadyStateValid)
	assert.Len(t, result.Violations, 1)
}
