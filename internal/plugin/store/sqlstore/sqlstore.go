package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/soulsync/soulsync-server/internal/config"
	"github.com/soulsync/soulsync-server/internal/model"
	registrycache "github.com/soulsync/soulsync-server/internal/registry/cache"
	registrymigrate "github.com/soulsync/soulsync-server/internal/registry/migrate"
	registrystore "github.com/soulsync/soulsync-server/internal/registry/store"
	"github.com/soulsync/soulsync-server/internal/security"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func init() {
	registrystore.Register(registrystore.Plugin{Name: "postgres", Loader: loader("postgres")})
	registrystore.Register(registrystore.Plugin{Name: "sqlite", Loader: loader("sqlite")})
	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &migrator{}})
}

func loader(kind string) registrystore.Loader {
	return func(ctx context.Context) (registrystore.SyncStore, error) {
		cfg := config.FromContext(ctx)
		db, err := open(kind, cfg.DBURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", kind, err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get underlying db: %w", err)
		}
		if kind == "sqlite" {
			// sqlite allows a single writer; a wider pool just trades
			// lock errors for queueing.
			sqlDB.SetMaxOpenConns(1)
		} else {
			sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
			sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
		}
		if security.DBPoolMaxConnections != nil {
			security.DBPoolMaxConnections.Set(float64(cfg.DBMaxOpenConns))
		}

		// Periodically update the open connections gauge.
		go func() {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if security.DBPoolOpenConnections != nil {
						security.DBPoolOpenConnections.Set(float64(sqlDB.Stats().OpenConnections))
					}
				}
			}
		}()

		return New(db, registrycache.FromContext(ctx), cfg.CacheMemoryTTL), nil
	}
}

func open(kind string, url string) (*gorm.DB, error) {
	switch kind {
	case "sqlite":
		return gorm.Open(sqlite.Open(url), &gorm.Config{})
	default:
		return gorm.Open(postgres.Open(url), &gorm.Config{})
	}
}

type migrator struct{}

func (m *migrator) Name() string { return "sync-schema" }
func (m *migrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg != nil && !cfg.DatastoreMigrateAtStart {
		return nil
	}
	log.Info("Running migration", "name", m.Name(), "db", cfg.DatastoreType)
	db, err := open(cfg.DatastoreType, cfg.DBURL)
	if err != nil {
		return fmt.Errorf("migration: failed to connect: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	if err := AutoMigrate(db.WithContext(ctx)); err != nil {
		return fmt.Errorf("migration: failed to apply schema: %w", err)
	}
	log.Info("Schema migration complete")
	return nil
}

// AutoMigrate applies the sync schema to the given database.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.Account{},
		&model.Memory{},
		&model.ProfileFile{},
		&model.Connection{},
	)
}

// Store implements SyncStore using GORM over PostgreSQL or SQLite. The
// conflict arbiter relies on guarded UPDATEs and unique indexes for
// atomicity, so the same code runs on both dialects without row locks.
type Store struct {
	db       *gorm.DB
	cache    registrycache.LatestMemoryCache
	cacheTTL time.Duration
}

// New creates a Store over an open gorm database. cache may be nil.
func New(db *gorm.DB, cache registrycache.LatestMemoryCache, cacheTTL time.Duration) *Store {
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}
	return &Store{db: db, cache: cache, cacheTTL: cacheTTL}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
