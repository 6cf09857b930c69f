package migrations

import (
	"bytes"
	"context"
	"fmt"
	"text/template"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migrate_database "github.com/golang-migrate/migrate/v4/database"
	migrate_postgres "github.com/golang-migrate/migrate/v4/database/postgres"
	migrate_sqlite3 "github.com/golang-migrate/migrate/v4/database/sqlite3"
	migrate_iofs "github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/psanford/memfs"

	"github.com/jobserv/jobserv/common/logger"
	"github.com/jobserv/jobserv/server/store"
)

// GolangMigrateRunner applies a MigrationSet with the golang-migrate
// library. Migration SQL is written as Go templates so a single set serves
// both SQL dialects; the rendered files are staged on an in-memory
// filesystem for golang-migrate's iofs source.
type GolangMigrateRunner struct {
	migrationData MigrationSet
	logger.Log
}

func NewGolangMigrateRunner(migrationData MigrationSet, logFactory logger.LogFactory) *GolangMigrateRunner {
	return &GolangMigrateRunner{
		migrationData: migrationData,
		Log:           logFactory("GolangMigrateRunner"),
	}
}

// NewJobServGolangMigrateRunner returns a runner for the standard server
// database migrations.
func NewJobServGolangMigrateRunner(logFactory logger.LogFactory) *GolangMigrateRunner {
	return NewGolangMigrateRunner(JobServServerMigrations, logFactory)
}

func (r *GolangMigrateRunner) Up(ctx context.Context, driver store.DBDriver, connectionString store.DatabaseConnectionString) error {
	return r.withMigrator(ctx, driver, connectionString, func(migrator *migrate.Migrate) error {
		r.Infof("Running migrations up to latest database version...")
		return migrator.Up()
	})
}

func (r *GolangMigrateRunner) Down(ctx context.Context, driver store.DBDriver, connectionString store.DatabaseConnectionString) error {
	return r.withMigrator(ctx, driver, connectionString, func(migrator *migrate.Migrate) error {
		r.Infof("Running migrations down to empty database...")
		return migrator.Down()
	})
}

// withMigrator builds a migrator bound to the database and runs fn against
// it. golang-migrate does not accept a context, so ctx is unused beyond the
// signature.
func (r *GolangMigrateRunner) withMigrator(
	ctx context.Context,
	driver store.DBDriver,
	connectionString store.DatabaseConnectionString,
	fn func(*migrate.Migrate) error,
) error {
	dialectTemplate, err := GetDialectForDriver(driver)
	if err != nil {
		return err
	}
	inMemoryFS, err := r.ProduceMigrationFiles(dialectTemplate)
	if err != nil {
		return err
	}
	sourceDriver, err := migrate_iofs.New(inMemoryFS, "migrations")
	if err != nil {
		return err
	}

	// The migrator owns this connection; closing the migrator closes it.
	sqlxDB, err := sqlx.Open(string(driver), string(connectionString))
	if err != nil {
		return fmt.Errorf("error opening %s database for migration: %w", driver, err)
	}
	databaseDriver, err := r.migrationDriverFor(sqlxDB)
	if err != nil {
		sqlxDB.Close()
		return err
	}
	migrator, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", databaseDriver)
	if err != nil {
		sqlxDB.Close()
		return err
	}
	defer migrator.Close()

	switch err := fn(migrator); err {
	case nil:
		r.Infof("Migration completed successfully.")
		return nil
	case migrate.ErrNoChange:
		r.Infof("No change needed from migrations")
		return nil
	default:
		return err
	}
}

// migrationDriverFor wraps an already-open database in the matching
// golang-migrate database driver.
func (r *GolangMigrateRunner) migrationDriverFor(db *sqlx.DB) (migrate_database.Driver, error) {
	switch db.DriverName() {
	case store.Sqlite.String():
		driver, err := migrate_sqlite3.WithInstance(db.DB, &migrate_sqlite3.Config{
			DatabaseName: "sqlite", // ignored for sqlite
			NoTxWrap:     false,
		})
		if err != nil {
			return nil, fmt.Errorf("error creating migration database driver instance for Sqlite: %w", err)
		}
		return driver, nil
	case store.Postgres.String():
		driver, err := migrate_postgres.WithInstance(db.DB, &migrate_postgres.Config{
			StatementTimeout:      5 * time.Second,
			MultiStatementEnabled: true, // migrations routinely carry several statements
			MultiStatementMaxSize: migrate_postgres.DefaultMultiStatementMaxSize,
		})
		if err != nil {
			return nil, fmt.Errorf("error creating migration database driver instance for Postgres: %w", err)
		}
		return driver, nil
	default:
		return nil, fmt.Errorf("unsupported migration database driver: %s", db.DriverName())
	}
}

// ProduceMigrationFiles renders every migration for the given dialect onto
// a fresh in-memory filesystem, named the way golang-migrate expects
// ('{version}_{title}.{up-or-down}.sql' under migrations/).
func (r *GolangMigrateRunner) ProduceMigrationFiles(dialectTemplate *DialectTemplate) (*memfs.FS, error) {
	inMemoryFS := memfs.New()
	if err := inMemoryFS.MkdirAll("migrations", 0777); err != nil {
		return nil, err
	}
	r.Debugf("Templating migrations")
	for _, migration := range r.migrationData {
		if err := r.writeMigrationFile(inMemoryFS, dialectTemplate, migration.SequenceNumber, migration.Name, "up", migration.UpSQL); err != nil {
			return nil, err
		}
		if err := r.writeMigrationFile(inMemoryFS, dialectTemplate, migration.SequenceNumber, migration.Name, "down", migration.DownSQL); err != nil {
			return nil, err
		}
	}
	return inMemoryFS, nil
}

func (r *GolangMigrateRunner) writeMigrationFile(
	inMemoryFS *memfs.FS,
	dialectTemplate *DialectTemplate,
	sequenceNumber int64,
	migrationName string,
	upOrDown string,
	sql string,
) error {
	migrationPath := fmt.Sprintf("migrations/%06d_%s.%s.sql", sequenceNumber, migrationName, upOrDown)
	r.Debugf("Templating migration: %s", migrationPath)
	migrationTemplate, err := template.New(migrationName).Parse(sql)
	if err != nil {
		return fmt.Errorf("error parsing migration '(%s)' template: %w", migrationPath, err)
	}
	var rendered bytes.Buffer
	if err := migrationTemplate.Execute(&rendered, dialectTemplate); err != nil {
		return fmt.Errorf("error applying migration '%s' template: %w", migrationPath, err)
	}
	if err := inMemoryFS.WriteFile(migrationPath, rendered.Bytes(), 0755); err != nil {
		return fmt.Errorf("error writing migration '%s' (%s) to in-memory filesystem: %w", migrationPath, upOrDown, err)
	}
	return nil
}
