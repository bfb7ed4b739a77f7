package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarkoPoloResearchLab/promptledger/internal/config"
	"github.com/MarkoPoloResearchLab/promptledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/promptledger/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/promptledger/pkg/ledger"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
)

// database holds the handles every store is built from.
type database struct {
	gorm   *gorm.DB
	pool   *pgxpool.Pool
	driver string
	close  func()
}

func openDatabase(ctx context.Context, cfg config.Config) (*database, error) {
	driver, sqlitePath, err := resolveDriver(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	gormConfig := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	var db *gorm.DB
	switch driver {
	case driverPostgres:
		db, err = gorm.Open(postgres.Open(cfg.DatabaseURL), gormConfig)
	case driverSQLite:
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	default:
		return nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if driver == driverSQLite {
		sqlDB.SetMaxOpenConns(1)
	}

	handle := &database{gorm: db, driver: driver, close: func() { _ = sqlDB.Close() }}
	if cfg.LedgerStore == config.StorePgx {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			handle.close()
			return nil, fmt.Errorf("pgx pool: %w", err)
		}
		handle.pool = pool
		handle.close = func() {
			pool.Close()
			_ = sqlDB.Close()
		}
	}
	return handle, nil
}

// ledgerStore returns the bucket and transaction store selected by configuration.
func (db *database) ledgerStore() ledger.Store {
	if db.pool != nil {
		return pgstore.New(db.pool)
	}
	return gormstore.New(db.gorm)
}

// prepareSchema creates the ledger tables and the gorm-owned side tables.
func (db *database) prepareSchema(ctx context.Context) error {
	if db.pool != nil {
		if err := pgstore.New(db.pool).EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	if err := gormstore.AutoMigrate(ctx, db.gorm); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func resolveDriver(dsn string) (string, string, error) {
	if config.IsPostgresURL(dsn) {
		return driverPostgres, "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "promptledger.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return driverSQLite, sqlitePath, err
	}
	// Anything else is a plain sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return driverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
