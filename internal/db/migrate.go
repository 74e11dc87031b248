package db

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

//go:embed migrations/order/*.sql migrations/menu/*.sql
var migrationsFS embed.FS

// MigrationSet names one of the embedded schema histories. Both services may
// share a database, so each set keeps its own version table.
type MigrationSet struct {
	Dir   string
	Table string
}

var (
	OrderMigrations = MigrationSet{Dir: "migrations/order", Table: "order_schema_migrations"}
	MenuMigrations  = MigrationSet{Dir: "migrations/menu", Table: "menu_schema_migrations"}
)

// Files lists the embedded migration files of the set.
func (s MigrationSet) Files() ([]string, error) {
	entries, err := fs.ReadDir(migrationsFS, s.Dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// RunMigrations applies all pending migrations of the given set.
func RunMigrations(dsn string, set MigrationSet, logger *zap.Logger) error {
	db, err := openDB(dsn)
	if err != nil {
		return fmt.Errorf("open db for migrations: %w", err)
	}
	defer db.Close()

	sourceDriver, err := iofs.New(migrationsFS, set.Dir)
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: set.Table})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}

	version, dirty, _ := m.Version()
	logger.Info("migrations applied",
		zap.String("set", set.Dir),
		zap.Uint("version", version),
		zap.Bool("dirty", dirty),
	)
	return nil
}
