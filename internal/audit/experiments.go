// internal/audit/experiments.go
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/libranexus/circulation/internal/circulation"
	"github.com/libranexus/circulation/internal/domain"
	"github.com/libranexus/circulation/internal/errs"
)

// RegisterExperiments registers the standard experiments for the given copies.
func (e *Engine) RegisterExperiments(copyIDs []uuid.UUID, workers int) {
	e.RegisterExperiment(e.ConcurrentBorrowExperiment(copyIDs, workers))
	e.RegisterExperiment(e.OverlappingTicketsExperiment(copyIDs, workers))
	e.RegisterExperiment(e.ConcurrentReturnExperiment(copyIDs, workers))
}

type recorder struct {
	mu       sync.Mutex
	outcomes Outcomes
}

func newRecorder() *recorder {
	return &recorder{outcomes: make(Outcomes)}
}

func (r *recorder) record(err error) {
	code := "ok"
	if err != nil {
		code = errs.CodeOf(err)
	}
	r.mu.Lock()
	r.outcomes[code]++
	r.mu.Unlock()
}

func (e *Engine) dueAt() time.Time {
	return e.clock.Now().Add(7 * 24 * time.Hour)
}

// burst starts n workers and waits for them.
func burst(n int, fn func(i int)) {
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			fn(i)
		}(i)
	}
	close(start)
	wg.Wait()
}

// ConcurrentBorrowExperiment has every worker borrow the same copy.
func (e *Engine) ConcurrentBorrowExperiment(copyIDs []uuid.UUID, workers int) Experiment {
	return Experiment{
		Name:       "concurrent-borrow-race-condition",
		Hypothesis: "Exactly one of many simultaneous borrows of one copy succeeds",
		Method: func(ctx context.Context) (Outcomes, error) {
			if len(copyIDs) == 0 {
				return nil, fmt.Errorf("no copies to borrow")
			}
			target := copyIDs[0]
			rec := newRecorder()
			tickets := make([]uuid.UUID, workers)

			burst(workers, func(i int) {
				res, err := e.svc.Borrow(ctx, circulation.BorrowRequest{
					ReaderID: uuid.New(),
					StaffID:  uuid.New(),
					CopyIDs:  []uuid.UUID{target},
					DueAt:    e.dueAt(),
				})
				rec.record(err)
				if err == nil {
					tickets[i] = res.Ticket.ID
				}
			})

			return rec.outcomes, e.returnTickets(ctx, tickets)
		},
		Validate: func(o Outcomes) error {
			if o["ok"] != 1 {
				return fmt.Errorf("expected exactly one successful borrow, got %d", o["ok"])
			}
			return nil
		},
	}
}

// OverlappingTicketsExperiment issues multi-copy borrows over overlapping
// copy sets, forcing the compensation path.
func (e *Engine) OverlappingTicketsExperiment(copyIDs []uuid.UUID, workers int) Experiment {
	return Experiment{
		Name:       "overlapping-ticket-compensation",
		Hypothesis: "Failed multi-copy borrows release every copy they reserved",
		Method: func(ctx context.Context) (Outcomes, error) {
			if len(copyIDs) < 2 {
				return nil, fmt.Errorf("need at least two copies, got %d", len(copyIDs))
			}
			rec := newRecorder()
			tickets := make([]uuid.UUID, workers)

			burst(workers, func(i int) {
				// rotate the window so neighbours overlap in opposite order
				a := copyIDs[i%len(copyIDs)]
				b := copyIDs[(i+1)%len(copyIDs)]
				if i%2 == 1 {
					a, b = b, a
				}
				res, err := e.svc.Borrow(ctx, circulation.BorrowRequest{
					ReaderID: uuid.New(),
					StaffID:  uuid.New(),
					CopyIDs:  []uuid.UUID{a, b},
					DueAt:    e.dueAt(),
				})
				rec.record(err)
				if err == nil {
					tickets[i] = res.Ticket.ID
				}
			})

			return rec.outcomes, e.returnTickets(ctx, tickets)
		},
		Validate: func(o Outcomes) error {
			if n := o["integrity_violation"]; n > 0 {
				return fmt.Errorf("%d borrow compensations failed", n)
			}
			return nil
		},
	}
}

// ConcurrentReturnExperiment lends every copy once, then has every worker
// try to return all of them by copy id.
func (e *Engine) ConcurrentReturnExperiment(copyIDs []uuid.UUID, workers int) Experiment {
	return Experiment{
		Name:       "concurrent-return-race-condition",
		Hypothesis: "Each open loan is settled exactly once under simultaneous returns",
		Method: func(ctx context.Context) (Outcomes, error) {
			rec := newRecorder()
			lent := make([]uuid.UUID, 0, len(copyIDs))
			for _, id := range copyIDs {
				_, err := e.svc.Borrow(ctx, circulation.BorrowRequest{
					ReaderID: uuid.New(),
					StaffID:  uuid.New(),
					CopyIDs:  []uuid.UUID{id},
					DueAt:    e.dueAt(),
				})
				if err == nil {
					lent = append(lent, id)
				}
			}
			rec.outcomes["lent"] = len(lent)

			lines := make([]circulation.ReturnLine, len(lent))
			for i, id := range lent {
				lines[i] = circulation.ReturnLine{CopyID: id, Condition: domain.ConditionGood}
			}
			if len(lines) == 0 {
				return rec.outcomes, nil
			}

			var failed error
			var once sync.Once
			burst(workers, func(int) {
				res, err := e.svc.Return(ctx, circulation.ReturnRequest{StaffID: uuid.New(), Lines: lines})
				if err != nil {
					once.Do(func() { failed = err })
					return
				}
				for _, l := range res.Lines {
					rec.record(l.Err)
				}
			})
			return rec.outcomes, failed
		},
		Validate: func(o Outcomes) error {
			if o["ok"] != o["lent"] {
				return fmt.Errorf("%d loans lent but %d settled", o["lent"], o["ok"])
			}
			return nil
		},
	}
}

func (e *Engine) returnTickets(ctx context.Context, tickets []uuid.UUID) error {
	for _, id := range tickets {
		if id == uuid.Nil {
			continue
		}
		res, err := e.svc.ReturnTicket(ctx, circulation.TicketReturnRequest{TicketID: id, StaffID: uuid.New()})
		if err != nil {
			return fmt.Errorf("return ticket %s: %w", id, err)
		}
		if !res.OK() {
			return fmt.Errorf("return ticket %s: %w", id, res.Failed()[0].Err)
		}
	}
	return nil
}
