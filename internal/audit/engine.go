// internal/audit/engine.go
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/libranexus/circulation/internal/circulation"
	"github.com/libranexus/circulation/internal/clock"
	"github.com/libranexus/circulation/internal/store"
)

// Outcomes counts request results by error code ("ok" for success).
type Outcomes map[string]int

// Experiment drives concurrent traffic at the service. The hypothesis is
// that the invariant holds afterwards and Validate accepts the outcomes.
type Experiment struct {
	Name       string
	Hypothesis string
	Method     func(ctx context.Context) (Outcomes, error)
	Validate   func(Outcomes) error
}

// ExperimentResult captures experiment execution data
type ExperimentResult struct {
	ExperimentName   string        `json:"experiment_name"`
	StartTime        time.Time     `json:"start_time"`
	EndTime          time.Time     `json:"end_time"`
	Duration         time.Duration `json:"duration"`
	HypothesisHeld   bool          `json:"hypothesis_held"`
	SteadyStateValid bool          `json:"steady_state_valid"`
	Violations       []Violation   `json:"violations"`
	Outcomes         Outcomes      `json:"outcomes"`
	Errors           []string      `json:"errors"`
}

// Engine runs experiments against one store and service.
type Engine struct {
	tracer      trace.Tracer
	store       store.Store
	svc         circulation.Service
	clock       clock.Clock
	logger      *slog.Logger
	experiments []Experiment
	results     []ExperimentResult
	mu          sync.Mutex
}

func NewEngine(st store.Store, svc circulation.Service, clk clock.Clock, logger *slog.Logger) *Engine {
	return &Engine{
		tracer: otel.Tracer("libranexus/audit"),
		store:  st,
		svc:    svc,
		clock:  clk,
		logger: logger,
	}
}

func (e *Engine) RegisterExperiment(exp Experiment) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.experiments = append(e.experiments, exp)
}

func (e *Engine) Experiments() []Experiment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Experiment(nil), e.experiments...)
}

func (e *Engine) Results() []ExperimentResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ExperimentResult(nil), e.results...)
}

// RunExperiment checks the invariant, drives the experiment, and checks
// the invariant again.
func (e *Engine) RunExperiment(ctx context.Context, exp Experiment) (*ExperimentResult, error) {
	ctx, span := e.tracer.Start(ctx, "audit.run_experiment",
		trace.WithAttributes(attribute.String("experiment.name", exp.Name)),
	)
	defer span.End()

	result := &ExperimentResult{
		ExperimentName: exp.Name,
		StartTime:      time.Now(),
	}

	// Phase 1: Validate steady state
	span.AddEvent("validating_steady_state")
	before, err := Check(ctx, e.store)
	if err != nil {
		return result, fmt.Errorf("steady state check: %w", err)
	}
	if !before.Consistent() {
		result.Violations = before.Violations
		return result, errors.New("steady state invalid - aborting experiment")
	}
	result.SteadyStateValid = true

	// Phase 2: Drive traffic
	span.AddEvent("driving_traffic")
	outcomes, methodErr := exp.Method(ctx)
	result.Outcomes = outcomes
	if methodErr != nil {
		result.Errors = append(result.Errors, methodErr.Error())
		span.RecordError(methodErr)
	}

	// Phase 3: Validate the invariant and the outcomes
	span.AddEvent("validating_assertions")
	after, err := Check(ctx, e.store)
	if err != nil {
		return result, fmt.Errorf("post experiment check: %w", err)
	}
	result.Violations = after.Violations
	result.HypothesisHeld = methodErr == nil && after.Consistent()
	if exp.Validate != nil {
		if err := exp.Validate(outcomes); err != nil {
			result.Errors = append(result.Errors, err.Error())
			result.HypothesisHeld = false
		}
	}

	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	e.mu.Lock()
	e.results = append(e.results, *result)
	e.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("hypothesis_held", result.HypothesisHeld),
		attribute.Int("violations", len(result.Violations)),
	)
	return result, nil
}

// RunAll executes every registered experiment in order and reports whether
// all hypotheses held.
func (e *Engine) RunAll(ctx context.Context) (bool, error) {
	allHeld := true
	for i, exp := range e.Experiments() {
		e.logger.InfoContext(ctx, "running experiment",
			"index", i+1,
			"name", exp.Name,
			"hypothesis", exp.Hypothesis,
		)

		result, err := e.RunExperiment(ctx, exp)
		if err != nil {
			e.logger.ErrorContext(ctx, "experiment failed", "name", exp.Name, "error", err.Error())
			allHeld = false
			continue
		}
		e.logResult(ctx, result)
		allHeld = allHeld && result.HypothesisHeld
	}
	return allHeld, nil
}

func (e *Engine) logResult(ctx context.Context, result *ExperimentResult) {
	keys := make([]string, 0, len(result.Outcomes))
	for k := range result.Outcomes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := []any{
		"name", result.ExperimentName,
		"hypothesis_held", result.HypothesisHeld,
		"duration", result.Duration.String(),
	}
	for _, k := range keys {
		attrs = append(attrs, "outcome."+k, result.Outcomes[k])
	}

	if !result.HypothesisHeld {
		for _, v := range result.Violations {
			e.logger.ErrorContext(ctx, "invariant violated", "copy_id", v.CopyID, "state", string(v.State), "open_loans", v.OpenLoans, "message", v.Message)
		}
		e.logger.ErrorContext(ctx, "hypothesis violated", attrs...)
		return
	}
	e.logger.InfoContext(ctx, "hypothesis held", attrs...)
}
