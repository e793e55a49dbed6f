package main

import (
	"context"
	"fmt"
	"log/slog"

	"paylink-service/internal/config"
	"paylink-service/internal/db"
	"paylink-service/internal/memstore"
	"paylink-service/internal/payment"
)

const (
	storePostgres = "postgres"
	storeMemory   = "memory"
)

// openStore returns the configured ledger and a func releasing its resources.
func openStore(ctx context.Context, cfg *config.Config, kind string, migrate bool, logger *slog.Logger) (payment.Store, func(), error) {
	switch kind {
	case storeMemory:
		logger.Warn("Using in-memory store, payments are lost on restart")
		return memstore.New(), func() {}, nil
	case storePostgres:
		connStr := cfg.Database.ConnString()
		if migrate {
			if err := db.RunMigrations(connStr, cfg.Database.MigrationsDir); err != nil {
				return nil, nil, err
			}
		}
		pool, err := db.GetPool(ctx, connStr)
		if err != nil {
			return nil, nil, err
		}
		return db.NewPaymentRepository(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store %q, expected %s or %s", kind, storePostgres, storeMemory)
	}
}
