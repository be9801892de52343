// internal/bootstrap/bootstrap.go

// Package bootstrap assembles the store and collaborators named by the
// configuration. Both binaries share it.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/libranexus/circulation/internal/circulation"
	"github.com/libranexus/circulation/internal/clients"
	"github.com/libranexus/circulation/internal/config"
	"github.com/libranexus/circulation/internal/domain"
	"github.com/libranexus/circulation/internal/store"
	"github.com/libranexus/circulation/internal/store/gormstore"
	"github.com/libranexus/circulation/internal/store/memstore"
	"github.com/libranexus/circulation/internal/store/sqlstore"
)

const defaultSQLiteFile = "circulation.db"

type migrator interface {
	Migrate(ctx context.Context) error
}

// OpenStore opens the configured backend and migrates it when asked to.
func OpenStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Driver {
	case config.DriverMemory:
		st = memstore.New()
	case config.DriverPostgres:
		st, err = sqlstore.Open(ctx, sqlstore.DriverPQ, cfg.DatabaseURL, sqlstore.WithLogger(logger))
	case config.DriverPgx:
		st, err = sqlstore.Open(ctx, sqlstore.DriverPgx, cfg.DatabaseURL, sqlstore.WithLogger(logger))
	case config.DriverGorm:
		st, err = gormstore.OpenPostgres(ctx, cfg.DatabaseURL, gormstore.WithLogger(logger))
	case config.DriverSQLite:
		dsn := cfg.DatabaseURL
		if dsn == "" {
			dsn = defaultSQLiteFile
		}
		st, err = gormstore.OpenSQLite(ctx, dsn, gormstore.WithLogger(logger))
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if m, ok := st.(migrator); ok && cfg.Migrate {
		if err := m.Migrate(ctx); err != nil {
			st.Close()
			return nil, err
		}
	}
	logger.InfoContext(ctx, "store opened", "driver", cfg.Driver)
	return st, nil
}

// Eligibility returns the membership client, or nil when no membership
// service is configured so that every reader is allowed.
func Eligibility(cfg config.MembershipConfig, logger *slog.Logger) circulation.Eligibility {
	if cfg.URL == "" {
		logger.Warn("no membership service configured, all readers are eligible")
		return nil
	}
	return clients.NewMembershipClient(cfg.URL,
		clients.WithTimeout(cfg.Timeout),
		clients.WithMaxFineBalance(domain.Amount(cfg.MaxFineBalance)),
		clients.WithBreaker(cfg.BreakerFailures, cfg.BreakerOpenFor),
		clients.WithClientLogger(logger),
	)
}
