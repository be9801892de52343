// internal/ledger/ledger.go

// Package ledger owns copy state transitions. All transitions are
// compare-and-set against the store, so concurrent callers targeting the
// same copy cannot both win.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/libranexus/circulation/internal/domain"
	"github.com/libranexus/circulation/internal/errs"
	"github.com/libranexus/circulation/internal/store"
)

// Ledger is bound to the copy repository of one atomic unit.
type Ledger struct {
	copies store.CopyRepository
}

func New(copies store.CopyRepository) *Ledger {
	return &Ledger{copies: copies}
}

// TryReserve moves an available copy on loan.
func (l *Ledger) TryReserve(ctx context.Context, copyID uuid.UUID) error {
	ok, err := l.copies.SwapState(ctx, copyID, domain.CopyAvailable, domain.CopyOnLoan)
	if err != nil {
		return fmt.Errorf("failed to reserve copy %s: %w", copyID, err)
	}
	if ok {
		return nil
	}

	state, err := l.StateOf(ctx, copyID)
	if err != nil && !errors.Is(err, errs.ErrCopyNotFound) {
		return err
	}
	if err != nil {
		state = domain.CopyUnknown
	}
	return &errs.CopyUnavailableError{CopyID: copyID, State: string(state)}
}

// Release takes a copy off loan. Damaged and Lost are terminal for TryReserve.
func (l *Ledger) Release(ctx context.Context, copyID uuid.UUID, outcome domain.Outcome) error {
	target, ok := outcome.Target()
	if !ok {
		return fmt.Errorf("unknown release outcome %q", outcome)
	}

	swapped, err := l.copies.SwapState(ctx, copyID, domain.CopyOnLoan, target)
	if err != nil {
		return fmt.Errorf("failed to release copy %s: %w", copyID, err)
	}
	if !swapped {
		if _, err := l.StateOf(ctx, copyID); err != nil {
			return err
		}
		return fmt.Errorf("release copy %s: %w", copyID, errs.ErrCopyNotOnLoan)
	}
	return nil
}

func (l *Ledger) StateOf(ctx context.Context, copyID uuid.UUID) (domain.CopyState, error) {
	c, err := l.copies.Get(ctx, copyID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.CopyUnknown, fmt.Errorf("copy %s: %w", copyID, errs.ErrCopyNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to load copy %s: %w", copyID, err)
	}
	return c.State, nil
}

// Copy returns the full ledger record.
func (l *Ledger) Copy(ctx context.Context, copyID uuid.UUID) (domain.Copy, error) {
	c, err := l.copies.Get(ctx, copyID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Copy{}, fmt.Errorf("copy %s: %w", copyID, errs.ErrCopyNotFound)
	}
	if err != nil {
		return domain.Copy{}, fmt.Errorf("failed to load copy %s: %w", copyID, err)
	}
	return c, nil
}
