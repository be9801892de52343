// cmd/audit/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/libranexus/circulation/internal/audit"
	"github.com/libranexus/circulation/internal/bootstrap"
	"github.com/libranexus/circulation/internal/circulation"
	"github.com/libranexus/circulation/internal/clock"
	"github.com/libranexus/circulation/internal/config"
	"github.com/libranexus/circulation/internal/domain"
	"github.com/libranexus/circulation/internal/store"
	"github.com/libranexus/circulation/internal/telemetry"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var errInconsistent = errors.New("circulation state is inconsistent")

func main() {
	configPath := flag.String("config", os.Getenv("CIRCULATION_CONFIG"), "path to the YAML config file")
	experiments := flag.Bool("experiments", false, "seed fresh copies and run the concurrency experiments")
	copies := flag.Int("copies", 4, "copies to seed for the experiments")
	workers := flag.Int("workers", 16, "concurrent requests per experiment")
	flag.Parse()

	if err := run(*configPath, *experiments, *copies, *workers); err != nil {
		slog.Error("audit failed", "error", err.Error())
		os.Exit(1)
	}
}

func run(configPath string, experiments bool, copies, workers int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := telemetry.NewLogger(os.Stderr, cfg.Telemetry)
	if err != nil {
		return err
	}
	ctx := context.Background()

	st, err := bootstrap.OpenStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	report, err := audit.Check(ctx, st)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if !report.Consistent() {
		return fmt.Errorf("%w: %d violation(s)", errInconsistent, len(report.Violations))
	}
	if !experiments {
		return nil
	}

	policy, err := cfg.CirculationPolicy()
	if err != nil {
		return err
	}
	clk := clock.System{}
	svc := circulation.NewService(st, circulation.AllowAll, policy,
		circulation.WithClock(clk),
		circulation.WithLogger(logger),
	)

	copyIDs, err := seed(ctx, st, copies)
	if err != nil {
		return err
	}
	engine := audit.NewEngine(st, svc, clk, logger)
	engine.RegisterExperiments(copyIDs, workers)

	held, err := engine.RunAll(ctx)
	if err != nil {
		return err
	}
	if !held {
		return errors.New("at least one experiment hypothesis did not hold")
	}
	logger.Info("all experiments held", "experiments", len(engine.Results()))
	return nil
}

func seed(ctx context.Context, st store.Store, n int) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, n)
	title := uuid.New()
	err := st.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		for i := range ids {
			c := domain.Copy{ID: uuid.New(), TitleID: title, State: domain.CopyAvailable, ReplacementValue: 2500}
			if err := tx.Copies().Insert(ctx, c); err != nil {
				return err
			}
			ids[i] = c.ID
		}
		return nil
	})
	return ids, err
}
