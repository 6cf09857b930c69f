package migrations

// DialectTemplate is used as the templating control for differing SQL syntax between our supported databases
type DialectTemplate struct {
	Binary            string
	IntegerPrimaryKey string
}

// MigrationSet provides a set of migrations that can be applied to a database.
type MigrationSet []MigrationData

// MigrationData provides the data for a single migration, including Up and Down SQL.
// Templated values are supported and will be substituted for database-specific values
// before the migrations are applied.
type MigrationData struct {
	SequenceNumber int64
	Name           string
	UpSQL          string
	DownSQL        string
}

// JobServServerMigrations is the set of migrations to set up the database for the JobServ server.
var JobServServerMigrations = MigrationSet{
	{
		SequenceNumber: 1,
		Name:           "create_projects",
		UpSQL: `CREATE TABLE IF NOT EXISTS projects
				(
					project_id text NOT NULL PRIMARY KEY,
					project_name text NOT NULL,
					project_created_at timestamp without time zone NOT NULL,
					project_updated_at timestamp without time zone NOT NULL,
					project_deleted_at timestamp without time zone,
					project_etag text NOT NULL,
					project_synchronous_builds bool NOT NULL DEFAULT FALSE,
					project_allowed_host_tags text NOT NULL DEFAULT ''
				);
				CREATE UNIQUE INDEX IF NOT EXISTS projects_name_unique_index ON projects(project_name)
				WHERE project_deleted_at IS NULL;
				CREATE UNIQUE INDEX IF NOT EXISTS projects_created_at_id_desc_unique_index ON projects(
					project_created_at DESC,
					project_id DESC);`,
		DownSQL: `DROP TABLE projects;`,
	},
	{
		SequenceNumber: 2,
		Name:           "create_builds",
		UpSQL: `CREATE TABLE IF NOT EXISTS builds
				(
					build_id text NOT NULL PRIMARY KEY,
					build_project_id text NOT NULL REFERENCES projects (project_id) ON UPDATE NO ACTION ON DELETE NO ACTION,
					build_number integer NOT NULL,
					build_status text NOT NULL,
					build_created_at timestamp without time zone NOT NULL,
					build_updated_at timestamp without time zone NOT NULL,
					build_etag text NOT NULL,
					build_completed_at timestamp without time zone,
					build_trigger_name text NOT NULL DEFAULT '',
					build_reason text NOT NULL DEFAULT '',
					build_name text,
					build_annotation text
				);
				CREATE UNIQUE INDEX IF NOT EXISTS builds_number_unique_index ON builds(
					build_project_id,
					build_number);
				CREATE UNIQUE INDEX IF NOT EXISTS builds_name_unique_index ON builds(
					build_project_id,
					build_name)
				WHERE build_name IS NOT NULL;
				CREATE INDEX IF NOT EXISTS builds_status_index ON builds(build_status);
				CREATE UNIQUE INDEX IF NOT EXISTS builds_created_at_id_desc_unique_index ON builds(
					build_created_at DESC,
					build_id DESC);`,
		DownSQL: `DROP TABLE builds;`,
	},
	{
		SequenceNumber: 3,
		Name:           "create_runs",
		UpSQL: `CREATE TABLE IF NOT EXISTS runs
				(
					run_id text NOT NULL PRIMARY KEY,
					run_build_id text NOT NULL REFERENCES builds (build_id) ON UPDATE NO ACTION ON DELETE NO ACTION,
					run_name text NOT NULL,
					run_seq integer NOT NULL DEFAULT 0,
					run_status text NOT NULL,
					run_created_at timestamp without time zone NOT NULL,
					run_updated_at timestamp without time zone NOT NULL,
					run_etag text NOT NULL,
					run_completed_at timestamp without time zone,
					run_host_tag text,
					run_queue_priority integer NOT NULL DEFAULT 0,
					run_api_key text NOT NULL,
					run_worker_name text,
					run_running_acked bool NOT NULL DEFAULT FALSE,
					run_trigger text NOT NULL DEFAULT '',
					run_meta text
				);
				CREATE UNIQUE INDEX IF NOT EXISTS runs_name_unique_index ON runs(
					run_build_id,
					run_name);
				CREATE INDEX IF NOT EXISTS runs_status_index ON runs(run_status);
				CREATE INDEX IF NOT EXISTS runs_worker_name_index ON runs(run_worker_name)
				WHERE run_worker_name IS NOT NULL;
				CREATE UNIQUE INDEX IF NOT EXISTS runs_created_at_id_desc_unique_index ON runs(
					run_created_at DESC,
					run_id DESC);`,
		DownSQL: `DROP TABLE runs;`,
	},
	{
		SequenceNumber: 4,
		Name:           "create_run_events",
		UpSQL: `CREATE TABLE IF NOT EXISTS run_events
				(
					run_event_id text NOT NULL PRIMARY KEY,
					run_event_run_id text NOT NULL REFERENCES runs (run_id) ON UPDATE NO ACTION ON DELETE NO ACTION,
					run_event_status text NOT NULL,
					run_event_created_at timestamp without time zone NOT NULL
				);
				CREATE INDEX IF NOT EXISTS run_events_run_id_index ON run_events(run_event_run_id);
				CREATE UNIQUE INDEX IF NOT EXISTS run_events_created_at_id_desc_unique_index ON run_events(
					run_event_created_at DESC,
					run_event_id DESC);`,
		DownSQL: `DROP TABLE run_events;`,
	},
	{
		SequenceNumber: 5,
		Name:           "create_tests",
		UpSQL: `CREATE TABLE IF NOT EXISTS tests
				(
					test_id text NOT NULL PRIMARY KEY,
					test_run_id text NOT NULL REFERENCES runs (run_id) ON UPDATE NO ACTION ON DELETE NO ACTION,
					test_name text NOT NULL,
					test_context text NOT NULL DEFAULT '',
					test_status text NOT NULL,
					test_created_at timestamp without time zone NOT NULL,
					test_updated_at timestamp without time zone NOT NULL,
					test_etag text NOT NULL
				);
				CREATE UNIQUE INDEX IF NOT EXISTS tests_name_context_unique_index ON tests(
					test_run_id,
					test_name,
					test_context);
				CREATE UNIQUE INDEX IF NOT EXISTS tests_created_at_id_desc_unique_index ON tests(
					test_created_at DESC,
					test_id DESC);`,
		DownSQL: `DROP TABLE tests;`,
	},
	{
		SequenceNumber: 6,
		Name:           "create_test_results",
		UpSQL: `CREATE TABLE IF NOT EXISTS test_results
				(
					test_result_id text NOT NULL PRIMARY KEY,
					test_result_test_id text NOT NULL REFERENCES tests (test_id) ON UPDATE NO ACTION ON DELETE NO ACTION,
					test_result_name text NOT NULL,
					test_result_context text NOT NULL DEFAULT '',
					test_result_status text NOT NULL,
					test_result_output text,
					test_result_created_at timestamp without time zone NOT NULL
				);
				CREATE INDEX IF NOT EXISTS test_results_test_id_index ON test_results(test_result_test_id);
				CREATE UNIQUE INDEX IF NOT EXISTS test_results_created_at_id_desc_unique_index ON test_results(
					test_result_created_at DESC,
					test_result_id DESC);`,
		DownSQL: `DROP TABLE test_results;`,
	},
	{
		SequenceNumber: 7,
		Name:           "create_project_triggers",
		UpSQL: `CREATE TABLE IF NOT EXISTS project_triggers
				(
					project_trigger_id text NOT NULL PRIMARY KEY,
					project_trigger_project_id text NOT NULL REFERENCES projects (project_id) ON UPDATE NO ACTION ON DELETE NO ACTION,
					project_trigger_type integer NOT NULL,
					project_trigger_created_at timestamp without time zone NOT NULL,
					project_trigger_updated_at timestamp without time zone NOT NULL,
					project_trigger_etag text NOT NULL,
					project_trigger_user text NOT NULL DEFAULT '',
					project_trigger_secret_data {{ .Binary}},
					project_trigger_definition_repo text NOT NULL DEFAULT '',
					project_trigger_definition_file text NOT NULL DEFAULT '',
					project_trigger_queue_priority integer NOT NULL DEFAULT 0
				);
				CREATE UNIQUE INDEX IF NOT EXISTS project_triggers_type_user_unique_index ON project_triggers(
					project_trigger_project_id,
					project_trigger_type,
					project_trigger_user);
				CREATE UNIQUE INDEX IF NOT EXISTS project_triggers_created_at_id_desc_unique_index ON project_triggers(
					project_trigger_created_at DESC,
					project_trigger_id DESC);`,
		DownSQL: `DROP TABLE project_triggers;`,
	},
	{
		SequenceNumber: 8,
		Name:           "create_workers",
		UpSQL: `CREATE TABLE IF NOT EXISTS workers
				(
					worker_id text NOT NULL PRIMARY KEY,
					worker_name text NOT NULL,
					worker_created_at timestamp without time zone NOT NULL,
					worker_updated_at timestamp without time zone NOT NULL,
					worker_deleted_at timestamp without time zone,
					worker_etag text NOT NULL,
					worker_distro text NOT NULL DEFAULT '',
					worker_mem_total integer NOT NULL DEFAULT 0,
					worker_cpu_total integer NOT NULL DEFAULT 0,
					worker_cpu_type text NOT NULL DEFAULT '',
					worker_concurrent_runs integer NOT NULL DEFAULT 1,
					worker_host_tags text NOT NULL DEFAULT '',
					worker_api_key_hash text NOT NULL DEFAULT '',
					worker_enlisted bool NOT NULL DEFAULT FALSE,
					worker_online bool NOT NULL DEFAULT FALSE,
					worker_surges_only bool NOT NULL DEFAULT FALSE,
					worker_allowed_tags text NOT NULL DEFAULT ''
				);
				CREATE UNIQUE INDEX IF NOT EXISTS workers_name_unique_index ON workers(worker_name)
				WHERE worker_deleted_at IS NULL;
				CREATE UNIQUE INDEX IF NOT EXISTS workers_created_at_id_desc_unique_index ON workers(
					worker_created_at DESC,
					worker_id DESC);`,
		DownSQL: `DROP TABLE workers;`,
	},
	{
		SequenceNumber: 9,
		Name:           "create_runs_dispatch_index",
		UpSQL: `CREATE INDEX IF NOT EXISTS runs_dispatch_index ON runs(
					run_status,
					run_queue_priority DESC,
					run_created_at,
					run_seq)
				WHERE run_status = 'QUEUED';`,
		DownSQL: `DROP INDEX runs_dispatch_index;`,
	},
}
