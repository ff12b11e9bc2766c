package database

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/MarcoPoloResearchLab/boardsync/internal/boards"
	"github.com/MarcoPoloResearchLab/boardsync/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrMissingDSN indicates that no database location was configured.
var ErrMissingDSN = errors.New("database: dsn is required")

// Backend bundles the durable board store with the relational handle used by identity tables.
// Identities is nil when the board store is not backed by GORM.
type Backend struct {
	Boards     boards.Store
	Identities *gorm.DB
}

// Close releases the board store (and with it the shared connection pool).
func (b Backend) Close() error {
	if b.Boards == nil {
		return nil
	}
	return b.Boards.Close()
}

// Open selects the durable backend from the DSN scheme: postgres:// and postgresql://
// use the native Postgres store, plain paths and file: URIs use SQLite through GORM.
func Open(dsn string, logger *zap.Logger) (Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return Backend{}, ErrMissingDSN
	}
	switch scheme := dsnScheme(trimmed); scheme {
	case "postgres", "postgresql":
		store, err := boards.NewPostgresStore(trimmed, logger)
		if err != nil {
			return Backend{}, err
		}
		logger.Info("database initialized", zap.String("backend", "postgres"))
		return Backend{Boards: store}, nil
	case "", "file":
		db, err := OpenSQLite(trimmed, logger)
		if err != nil {
			return Backend{}, err
		}
		store, err := boards.NewGormStore(boards.GormStoreConfig{Database: db, Logger: logger})
		if err != nil {
			return Backend{}, err
		}
		return Backend{Boards: store, Identities: db}, nil
	default:
		return Backend{}, fmt.Errorf("database: unsupported dsn scheme %q", scheme)
	}
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, ErrMissingDSN
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	models := append(boards.Models(), &users.Identity{}, &migrationRecord{})
	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	logger.Info("database initialized", zap.String("backend", "sqlite"), zap.String("path", path))
	return db, nil
}

func dsnScheme(dsn string) string {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Scheme)
}
