// cmd/circulation/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"

	"github.com/libranexus/circulation/internal/bootstrap"
	"github.com/libranexus/circulation/internal/circulation"
	"github.com/libranexus/circulation/internal/config"
	"github.com/libranexus/circulation/internal/telemetry"
)

func main() {
	configPath := flag.String("config", os.Getenv("CIRCULATION_CONFIG"), "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("circulation service stopped", "error", err.Error())
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := telemetry.NewLogger(os.Stdout, cfg.Telemetry)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Error("telemetry shutdown failed", "error", err.Error())
		}
	}()

	st, err := bootstrap.OpenStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	policy, err := cfg.CirculationPolicy()
	if err != nil {
		return err
	}
	svc := circulation.NewService(st, bootstrap.Eligibility(cfg.Membership, logger), policy,
		circulation.WithLogger(logger),
		circulation.WithMeter(otel.GetMeterProvider().Meter("libranexus/circulation")),
	)

	limit := rate.Inf
	if cfg.Server.RateLimit > 0 {
		limit = rate.Limit(cfg.Server.RateLimit)
	}
	handler := circulation.NewHandler(svc, rate.NewLimiter(limit, cfg.Server.RateBurst), logger)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: handler.Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting circulation service", "port", cfg.Server.Port, "store", cfg.Store.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}
