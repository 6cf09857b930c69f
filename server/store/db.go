package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const (
	Sqlite   DBDriver = "sqlite3"
	Postgres DBDriver = "postgres"

	DefaultDatabaseMaxIdleConnections = 2
	DefaultDatabaseMaxOpenConnections = 4
)

type DBDriver string

func (d DBDriver) String() string {
	return string(d)
}

type DatabaseConnectionString string

func (d DatabaseConnectionString) String() string {
	return string(d)
}

type DatabaseConfig struct {
	ConnectionString   DatabaseConnectionString
	Driver             DBDriver
	MaxIdleConnections int
	MaxOpenConnections int
}

// DB is a connection pool to the relational store, the single source of truth
// for all coordinator state. SQLite allows a single writer, so on that driver
// writes are additionally serialized through an in-process RW mutex.
type DB struct {
	*sqlx.DB
	Driver           DBDriver
	ConnectionString DatabaseConnectionString
	lock             sync.RWMutex
}

type Tx struct {
	tx *sqlx.Tx
}

// MigrationRunner applies database migrations.
type MigrationRunner interface {
	// Up migrates the given database up to the latest version.
	Up(ctx context.Context, driver DBDriver, connectionString DatabaseConnectionString) error
	// Down migrates the given database down to empty.
	Down(ctx context.Context, driver DBDriver, connectionString DatabaseConnectionString) error
}

// NewDatabase opens a connection pool for the configured driver and returns
// it with a cleanup function that closes it. When a MigrationRunner is
// supplied the database is migrated up to the latest schema before the pool
// is returned.
func NewDatabase(
	ctx context.Context,
	config DatabaseConfig,
	migrationRunner MigrationRunner,
) (*DB, func(), error) {
	switch config.Driver {
	case Sqlite:
		if err := SQLiteConnectionInit(string(config.ConnectionString)); err != nil {
			return nil, nil, err
		}
	case Postgres:
		// no init required
	default:
		return nil, nil, fmt.Errorf("unknown database Driver %s", config.Driver)
	}

	sqlxDB, err := sqlx.Open(string(config.Driver), string(config.ConnectionString))
	if err != nil {
		return nil, nil, fmt.Errorf("error opening %s database: %w", config.Driver, err)
	}
	if err := sqlxDB.PingContext(ctx); err != nil {
		sqlxDB.Close()
		return nil, nil, fmt.Errorf("error pinging %s database: %w", config.Driver, err)
	}
	if migrationRunner != nil {
		if err := migrationRunner.Up(ctx, config.Driver, config.ConnectionString); err != nil {
			sqlxDB.Close()
			return nil, nil, fmt.Errorf("error running %s database migrations: %w", config.Driver, err)
		}
	}

	sqlxDB.SetMaxIdleConns(config.MaxIdleConnections)
	sqlxDB.SetMaxOpenConns(config.MaxOpenConnections)
	db := &DB{
		DB:               sqlxDB,
		Driver:           config.Driver,
		ConnectionString: config.ConnectionString,
	}
	return db, func() { db.Close() }, nil
}

// SQLiteConnectionInit creates the database file and its parent directory
// when a file-based connection string is used, so sqlx.Open cannot fail on a
// missing path.
func SQLiteConnectionInit(connectionString string) error {
	// In-memory connection strings can carry both a :memory: and a file:
	// directive; see https://github.com/mattn/go-sqlite3/issues/677
	if strings.Contains(connectionString, ":memory:") {
		return nil
	}

	const filePrefix = "file:"
	start := strings.Index(connectionString, filePrefix)
	if start == -1 {
		return nil
	}
	start += len(filePrefix)
	databaseFilePath := connectionString[start:]
	if q := strings.Index(databaseFilePath, "?"); q != -1 {
		databaseFilePath = databaseFilePath[:q]
	}

	dir := filepath.Dir(databaseFilePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error ensuring database directory %q exists: %w", dir, err)
	}
	file, err := os.OpenFile(databaseFilePath, os.O_RDONLY|os.O_CREATE, 0660)
	if err != nil {
		return fmt.Errorf("error opening or creating database file %q: %w", databaseFilePath, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("error closing database file: %w", err)
	}
	return nil
}

// WithTx runs fn inside a database transaction, committing when fn returns
// nil and rolling back otherwise. When txOrNil is non-nil fn joins that
// transaction instead and the caller keeps control of its fate.
func (d *DB) WithTx(ctx context.Context, txOrNil *Tx, fn func(tx *Tx) error) error {
	if txOrNil != nil {
		return fn(txOrNil)
	}

	if d.Driver == Sqlite {
		d.lock.Lock()
		defer d.lock.Unlock()
	}

	tx, err := d.DB.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "error beginning database transaction")
	}
	if err := fn(&Tx{tx}); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return errors.Wrapf(rollbackErr, "error rolling back database transaction: %s", err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "error committing database transaction")
	}
	return nil
}

// Close the connection to the database. The DB object must not be used
// after a call to Close.
func (d *DB) Close() error {
	return d.DB.Close()
}

// Write2 calls fn with a goqu Writer. If a Tx is supplied the Writer is
// bound to it, otherwise the statement executes in its own implicit
// transaction.
func (d *DB) Write2(txOrNil *Tx, fn func(Writer) error) error {
	if txOrNil != nil {
		return fn(goqu.NewTx(d.DriverName(), txOrNil.tx))
	}
	if d.Driver == Sqlite {
		d.lock.Lock()
		defer d.lock.Unlock()
	}
	return fn(goqu.New(d.DriverName(), d.DB))
}

// Read2 calls fn with a goqu Reader, bound to the Tx when one is supplied.
func (d *DB) Read2(txOrNil *Tx, fn func(Reader) error) error {
	if txOrNil != nil {
		return fn(goqu.NewTx(d.DriverName(), txOrNil.tx))
	}
	if d.Driver == Sqlite {
		d.lock.RLock()
		defer d.lock.RUnlock()
	}
	return fn(goqu.New(d.DriverName(), d.DB))
}

// SupportsRowLevelLocking reports whether the database understands
// 'SELECT ... FOR UPDATE'. SQLite does not, and does not need to given the
// in-process write lock.
func (d *DB) SupportsRowLevelLocking() bool {
	return d.Driver != Sqlite
}

type Writer interface {
	Reader
	Update(table interface{}) *goqu.UpdateDataset
	Insert(table interface{}) *goqu.InsertDataset
	Delete(table interface{}) *goqu.DeleteDataset
	Truncate(table ...interface{}) *goqu.TruncateDataset
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type Reader interface {
	From(from ...interface{}) *goqu.SelectDataset
	Select(cols ...interface{}) *goqu.SelectDataset
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ScanStructsContext(ctx context.Context, i interface{}, query string, args ...interface{}) error
	ScanStructContext(ctx context.Context, i interface{}, query string, args ...interface{}) (bool, error)
	ScanValsContext(ctx context.Context, i interface{}, query string, args ...interface{}) error
	ScanValContext(ctx context.Context, i interface{}, query string, args ...interface{}) (bool, error)
}
