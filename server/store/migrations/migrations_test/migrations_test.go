package migrations_test

import (
	"context"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jobserv/jobserv/common/logger"
	"github.com/jobserv/jobserv/server/store"
	"github.com/jobserv/jobserv/server/store/migrations"
	"github.com/jobserv/jobserv/server/store/store_test"
)

const inMemorySqliteConnectionString = store.DatabaseConnectionString("file::memory:?cache=shared&_foreign_keys=1&parseTime=true")

var migrationTestData = migrations.MigrationSet{
	{
		SequenceNumber: 1,
		Name:           "create_test_people",
		UpSQL: `CREATE TABLE IF NOT EXISTS test_people
				(
					person_id text NOT NULL PRIMARY KEY,
					person_name text NOT NULL,
					person_created_at timestamp without time zone NOT NULL,
					person_deleted_at timestamp without time zone,
					person_picture {{ .Binary}}
				);
				CREATE UNIQUE INDEX IF NOT EXISTS test_people_name_unique_index ON test_people(person_name)
				WHERE person_deleted_at IS NULL;
				CREATE UNIQUE INDEX test_people_created_at_id_desc_unique_index ON test_people(
					person_created_at DESC,
					person_id DESC);`,
		DownSQL: `DROP TABLE test_people;`,
	},
	{
		SequenceNumber: 2,
		Name:           "create_test_parents",
		UpSQL: `CREATE TABLE test_parent_relationships
				(
				   parent_relationship_id {{ .IntegerPrimaryKey}},
				   parent_relationship_parent_id text NOT NULL REFERENCES test_people (person_id) ON UPDATE NO ACTION ON DELETE CASCADE,
				   parent_relationship_child_id text NOT NULL REFERENCES test_people (person_id) ON UPDATE NO ACTION ON DELETE CASCADE
				);`,
		DownSQL: `DROP TABLE test_parent_relationships;`,
	},
	{
		SequenceNumber: 3,
		Name:           "alter_test_parents",
		UpSQL:          `ALTER TABLE test_parent_relationships ADD person_address text;`,
		DownSQL:        `ALTER TABLE test_parent_relationships DROP COLUMN person_address;`,
	},
}

func TestMigrations(t *testing.T) {
	logRegistry, err := logger.NewLogRegistry("")
	require.NoError(t, err)
	logFactory := logger.MakeLogrusLogFactoryStdOut(logRegistry)

	// Test migrations using an in-memory sqlite database
	t.Run("sqlite-in-memory", testMigrationsForDB(store.Sqlite, inMemorySqliteConnectionString, logFactory))

	// Set up our default test database, configured via environment variables (could be any database)
	t.Log("Setting up test database")
	database, cleanup, err := store_test.ConnectAndOptionallyMigrate(false, logFactory)
	require.NoError(t, err)
	defer cleanup()
	t.Run("default-test-database", testMigrationsForDB(database.Driver, database.ConnectionString, logFactory))
}

// testMigrationsForDB runs up/down migration cycles using the migrationTestData against the
// database with the specified driver and connection string.
func testMigrationsForDB(
	driver store.DBDriver,
	connectionString store.DatabaseConnectionString,
	logFactory logger.LogFactory,
) func(t *testing.T) {
	return func(t *testing.T) {
		ctx := context.Background()
		migrationRunner := migrations.NewGolangMigrateRunner(migrationTestData, logFactory)

		// Run the first Up migration
		t.Log("Running Up migration 1")
		err := migrationRunner.Up(ctx, driver, connectionString)
		require.NoError(t, err)

		// Repeat the migrations; this will be a no-op
		t.Log("Running Up migration 2")
		err = migrationRunner.Up(ctx, driver, connectionString)
		require.NoError(t, err)

		// Reverse all migrations
		t.Log("Running Down migration 1")
		err = migrationRunner.Down(ctx, driver, connectionString)
		require.NoError(t, err)

		// Run all migrations again
		t.Log("Running Up migration 3")
		err = migrationRunner.Up(ctx, driver, connectionString)
		require.NoError(t, err)
	}
}

func TestMigrationTemplating(t *testing.T) {
	sqliteDialect, err := migrations.GetDialectForDriver(store.Sqlite)
	require.NoError(t, err)
	postgresDialect, err := migrations.GetDialectForDriver(store.Postgres)
	require.NoError(t, err)
	t.Run("Sqlite", testMigrationTemplating(sqliteDialect))
	t.Run("Postgres", testMigrationTemplating(postgresDialect))
}

func testMigrationTemplating(dialectTemplate *migrations.DialectTemplate) func(t *testing.T) {
	return func(t *testing.T) {
		logRegistry, err := logger.NewLogRegistry("")
		require.NoError(t, err)
		logFactory := logger.MakeLogrusLogFactoryStdOut(logRegistry)

		migrationRunner := migrations.NewJobServGolangMigrateRunner(logFactory)

		// Produce migration files targeted to the dialect
		inMemoryFS, err := migrationRunner.ProduceMigrationFiles(dialectTemplate)
		require.NoError(t, err)

		// Walk the directory tree and output filenames
		err = fs.WalkDir(inMemoryFS, ".", func(path string, d fs.DirEntry, err error) error {
			t.Logf("Produced migration file: %s", path)
			return nil
		})
		require.NoError(t, err)
	}
}

// TestServerMigrations runs the server migrations up and down against the default test database.
func TestServerMigrations(t *testing.T) {
	logRegistry, err := logger.NewLogRegistry("")
	require.NoError(t, err)
	logFactory := logger.MakeLogrusLogFactoryStdOut(logRegistry)

	ctx := context.Background()

	// Set up our default test database, asking ConnectAndOptionallyMigrate() to run the 'up' migrations
	t.Log("Setting up test database (including Up migration 1)")
	database, cleanup, err := store_test.ConnectAndOptionallyMigrate(true, logFactory)
	require.NoError(t, err)
	defer cleanup()

	migrationRunner := migrations.NewJobServGolangMigrateRunner(logFactory)

	// Repeat the migrations; this will be a no-op
	t.Log("Running Up migration 2")
	err = migrationRunner.Up(ctx, database.Driver, database.ConnectionString)
	require.NoError(t, err)

	// Reverse all migrations
	t.Log("Running Down migration 1")
	err = migrationRunner.Down(ctx, database.Driver, database.ConnectionString)
	require.NoError(t, err)

	// Run all migrations again
	t.Log("Running Up migration 3")
	err = migrationRunner.Up(ctx, database.Driver, database.ConnectionString)
	require.NoError(t, err)
}
