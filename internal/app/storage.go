package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/stockhold/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/stockhold/internal/health"
	"github.com/vladislavdragonenkov/stockhold/internal/storage/memory"
	"github.com/vladislavdragonenkov/stockhold/internal/storage/postgres"
)

// runtimeDependencies: хранилище резервов и outbox выбранного драйвера.
type runtimeDependencies struct {
	store          domain.ReservationStore
	outboxRepo     domain.OutboxRepository
	storageChecker healthcheck.Checker
	closeFn        func() error
}

func (d *runtimeDependencies) close(logger *log.Entry) {
	if d == nil || d.closeFn == nil {
		return
	}
	if err := d.closeFn(); err != nil {
		logger.WithError(err).Warn("failed to close storage")
		return
	}
	logger.Info("storage closed")
}

func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	switch cfg.StorageDriver {
	case StorageDriverMemory:
		return initMemoryStorage(ctx, cfg, logger)
	case StorageDriverPostgres:
		return initPostgresStorage(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

func initMemoryStorage(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	outboxRepo := memory.NewOutboxRepository()
	store := memory.NewReservationStore(outboxRepo)

	if err := seedVariants(ctx, store, cfg.SeedVariants); err != nil {
		return nil, err
	}
	if len(cfg.SeedVariants) > 0 {
		logger.WithField("variants", len(cfg.SeedVariants)).Info("memory storage seeded")
	}

	logger.Warn("memory storage is process-local: run a single instance only")
	return &runtimeDependencies{
		store:          store,
		outboxRepo:     outboxRepo,
		storageChecker: healthcheck.NewSimpleChecker("storage", func() error { return nil }),
	}, nil
}

func initPostgresStorage(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	if cfg.PostgresDSN == "" {
		return nil, errors.New("postgres storage requires STOCKHOLD_POSTGRES_DSN")
	}

	pg, err := postgres.OpenWithPool(ctx, cfg.PostgresDSN, postgres.PoolConfig{
		MaxOpenConns: cfg.PostgresMaxOpenConns,
		MaxIdleConns: cfg.PostgresMaxOpenConns,
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if cfg.PostgresAutoMigrate {
		if err := pg.EnsureSchema(ctx); err != nil {
			_ = pg.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		state, err := pg.MigrationStatus(ctx)
		if err == nil {
			logger.WithFields(log.Fields{
				"version": state.Version,
				"applied": state.Applied,
			}).Info("postgres schema is up to date")
		}
	}

	outboxRepo := postgres.NewOutboxRepository(pg)
	store := postgres.NewReservationStore(pg)

	if err := seedVariants(ctx, store, cfg.SeedVariants); err != nil {
		_ = pg.Close()
		return nil, err
	}

	return &runtimeDependencies{
		store:          store,
		outboxRepo:     outboxRepo,
		storageChecker: healthcheck.NewPingChecker("storage", true, 2*time.Second, pg.Ping),
		closeFn:        pg.Close,
	}, nil
}

// seedVariants задаёт остатки в детерминированном порядке.
func seedVariants(ctx context.Context, store domain.ReservationStore, seed map[string]int64) error {
	ids := make([]string, 0, len(seed))
	for id := range seed {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if err := store.UpsertVariant(ctx, domain.Variant{ID: id, StockOnHand: seed[id]}); err != nil {
			return fmt.Errorf("seed variant %s: %w", id, err)
		}
	}
	return nil
}
