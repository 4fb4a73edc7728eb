package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/fjod/go_cart/order-service/internal/config"
	"github.com/fjod/go_cart/order-service/internal/repository"
	"go.uber.org/zap"
)

type storage struct {
	stores repository.Stores
	uow    repository.UnitOfWork
	close  func()
}

// openStorage connects the configured driver. With TRANSACTIONS_ENABLED off
// every driver runs in sequential mode with compensations.
func openStorage(ctx context.Context, cfg *config.Config, log *zap.Logger) (*storage, error) {
	var (
		stores repository.Stores
		txUoW  repository.UnitOfWork
		closer = func() {}
	)

	switch cfg.StoreDriver {
	case "memory":
		mem := repository.NewMemoryStore()
		stores, txUoW = mem, repository.NewMemoryUnitOfWork(mem)

	case "postgres":
		port, err := strconv.Atoi(cfg.DBPort)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT %q: %w", cfg.DBPort, err)
		}
		store, err := repository.NewPostgresStore(&repository.Credentials{
			Host:              cfg.DBHost,
			Port:              port,
			User:              cfg.DBUser,
			Password:          cfg.DBPassword,
			DBName:            cfg.DBName,
			MigrationsDirPath: migrationsPath(cfg, "postgres"),
		})
		if err != nil {
			return nil, err
		}
		if err := store.RunMigrations(migrationsPath(cfg, "postgres")); err != nil {
			_ = store.Close()
			return nil, err
		}
		stores, txUoW = store, repository.NewSQLUnitOfWork(store)
		closer = func() { _ = store.Close() }

	case "sqlite":
		store, err := repository.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		if err := store.RunMigrations(migrationsPath(cfg, "sqlite")); err != nil {
			_ = store.Close()
			return nil, err
		}
		stores, txUoW = store, repository.NewSQLUnitOfWork(store)
		closer = func() { _ = store.Close() }

	case "mongo":
		connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		db, err := repository.ConnectMongoDB(connectCtx, cfg.MongoURI, cfg.MongoDBName)
		if err != nil {
			return nil, err
		}
		store := repository.NewMongoStore(db)
		if err := store.CreateIndexes(connectCtx); err != nil {
			_ = db.Client().Disconnect(context.Background())
			return nil, err
		}
		stores, txUoW = store, repository.NewMongoUnitOfWork(store)
		closer = func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = db.Client().Disconnect(shutdownCtx)
		}

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	uow := txUoW
	if !cfg.TransactionsEnabled {
		uow = repository.NewSequentialUnitOfWork(stores, log)
	}
	return &storage{stores: stores, uow: uow, close: closer}, nil
}

func migrationsPath(cfg *config.Config, driver string) string {
	if cfg.MigrationsPath != "" {
		return cfg.MigrationsPath
	}
	return "internal/repository/migrations/" + driver
}
