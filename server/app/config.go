package app

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/jobserv/jobserv/common/logger"
	"github.com/jobserv/jobserv/server/api/rest/server"
	"github.com/jobserv/jobserv/server/services"
	"github.com/jobserv/jobserv/server/services/blob"
	"github.com/jobserv/jobserv/server/services/encryption"
	"github.com/jobserv/jobserv/server/services/monitor"
	"github.com/jobserv/jobserv/server/services/notification"
	"github.com/jobserv/jobserv/server/services/scm/gitpoller"
	"github.com/jobserv/jobserv/server/store"
)

const (
	defaultSQLiteConnectionString = "file:/var/lib/jobserv/db/sqlite.db?cache=shared"
	defaultLocalBlobStoreDir      = "/var/lib/jobserv/blobs"
	defaultWorkerCertsDir         = "/var/lib/jobserv/worker-certs"
	defaultWorkerLogsDir          = "/var/lib/jobserv/worker-logs"
	defaultSurgeDir               = "/var/lib/jobserv/surges"
	defaultScriptsDir             = "/var/lib/jobserv/scripts"

	// defaultDiskFreeThreshold is how much free disk a worker must report
	// before it is handed work (30 GiB).
	defaultDiskFreeThreshold = int64(30) * 1024 * 1024 * 1024
)

// LogSafeFlags is a list of flags by name whose values are safe to log.
var LogSafeFlags = []string{
	"key_manager_type",
	"key_manager_aws_kms_master_key_id",
	"key_manager_aws_kms_access_key_id",
	"blob_store_type",
	"blob_store_local_directory",
	"blob_store_aws_s3_bucket_name",
	"blob_store_aws_s3_region",
	"blob_store_aws_s3_access_key_id",
	"api_server_address",
	"api_base_url",
	"build_url_format",
	"run_url_format",
	"project_name_regex",
	"worker_certificate_directory",
	"worker_log_directory",
	"worker_log_retention",
	"run_ack_timeout",
	"worker_offline_threshold",
	"worker_offline_threshold_surges_only",
	"surge_directory",
	"surge_support_ratio",
	"scripts_directory",
	"disk_free_threshold",
	"git_poll_interval",
	"smtp_server",
	"notification_emails",
	"database_driver",
	"database_max_idle_connections",
	"database_max_open_connections",
	"log_levels",
}

type BlobStoreConfig struct {
	// BlobStoreType specifies which blob store should be used.
	BlobStoreType string
	// LocalBlobStoreDir is the base directory on the local filesystem to store blobs to, if enabled.
	LocalBlobStoreDir string
	// S3BlobStoreConfig contains configuration for the S3 blob store, if enabled.
	S3BlobStoreConfig blob.S3BlobStoreConfig
}

func BlobStoreFactory(config BlobStoreConfig, logFactory logger.LogFactory) (services.BlobStore, error) {
	switch strings.ToLower(config.BlobStoreType) {
	case strings.ToLower(blob.AWSS3BlobStoreType.String()):
		return blob.NewS3BlobStore(config.S3BlobStoreConfig, logFactory)
	case strings.ToLower(blob.LocalBlobStoreType.String()):
		return blob.NewLocalBlobStore(blob.LocalBlobStoreDirectory(config.LocalBlobStoreDir)), nil
	default:
		return nil, fmt.Errorf("error unsupported blob store type: %v", config.BlobStoreType)
	}
}

type EncryptionConfig struct {
	// KeyManagerType specifies which key manager should be used.
	KeyManagerType string
	// LocalKeyManagerMasterKey is the static encryption key to use with the local key manager, if enabled.
	LocalKeyManagerMasterKey *[32]byte
	// AWSKeyManagerConfig contains configuration for the AWS Key Manager, if enabled.
	AWSKeyManagerConfig encryption.AWSKeyManagerConfig
}

func KeyManagerFactory(config EncryptionConfig, logFactory logger.LogFactory) (encryption.KeyManager, error) {
	switch strings.ToLower(config.KeyManagerType) {
	case strings.ToLower(encryption.AWSKeyManagerType.String()):
		return encryption.NewAWSKeyManager(config.AWSKeyManagerConfig, logFactory)
	case "", strings.ToLower(encryption.LocalKeyManagerType.String()):
		return encryption.NewLocalKeyManager(config.LocalKeyManagerMasterKey), nil
	default:
		return nil, fmt.Errorf("error unsupported key manager type: %v", config.KeyManagerType)
	}
}

type ServerConfig struct {
	APIServerConfig    server.HTTPServerConfig
	DatabaseConfig     store.DatabaseConfig
	BlobStoreConfig    BlobStoreConfig
	EncryptionConfig   EncryptionConfig
	NotificationConfig notification.Config
	MonitorConfig      monitor.Config
	// InternalAPIKey is the shared secret frontends sign privileged
	// requests with.
	InternalAPIKey string
	// WorkerCertsDir holds the trusted certificates worker JWTs are
	// verified against.
	WorkerCertsDir string
	// WorkerLogsDir holds the per-worker check-in and event logs.
	WorkerLogsDir string
	// ScriptsDir holds the downloadable runner, worker and simulator
	// bundles.
	ScriptsDir string
	// ProjectNameRegex, when set, further restricts which project names may
	// be created.
	ProjectNameRegex  *regexp.Regexp
	DiskFreeThreshold int64
	GitPollInterval   time.Duration
	// APIBaseURL plus the two format strings feed the URL builder that
	// stamps callback and frontend links into run definitions.
	APIBaseURL     string
	BuildURLFormat string
	RunURLFormat   string
	LogLevels      logger.LogLevelConfig
}

// ServerFlags holds the raw flag values registered on a command's flag set.
// Cobra parses the flags, then Config validates and assembles them.
type ServerFlags struct {
	config                   *ServerConfig
	flags                    *pflag.FlagSet
	localKeyManagerMasterKey string
	databaseDriver           string
	databaseConnectionString string
	workerLogRetention       time.Duration
	projectNameRegex         string
	ackTimeout               time.Duration
	offlineAfter             time.Duration
	offlineAfterSurgesOnly   time.Duration
	surgeDir                 string
	surgeSupportRatio        int
	logLevels                string
}

// RegisterServerFlags registers every server flag on the given flag set and
// returns the holder to resolve a ServerConfig from after parsing.
func RegisterServerFlags(flags *pflag.FlagSet) *ServerFlags {
	f := &ServerFlags{config: &ServerConfig{}, flags: flags}
	config := f.config

	// Encryption
	flags.StringVar(&config.EncryptionConfig.KeyManagerType, "key_manager_type",
		encryption.LocalKeyManagerType.String(), fmt.Sprintf("The type of key manager to use. Options: %s", strings.Join(encryption.KeyManagerIDs(), ", ")))
	flags.StringVar(&f.localKeyManagerMasterKey, "key_manager_local_master_key",
		"", "A 256 Bit (32 Byte) key used to encrypt all sensitive data, if using the local key manager.")
	flags.StringVar(&config.EncryptionConfig.AWSKeyManagerConfig.MasterKeyID, "key_manager_aws_kms_master_key_id",
		"", "The KMS Master Key ID to encrypt data with, if using the AWS KMS key manager.")
	flags.StringVar(&config.EncryptionConfig.AWSKeyManagerConfig.AccessKeyID, "key_manager_aws_kms_access_key_id",
		"", "The AWS Access Key ID to use to authenticate to KMS, if using the AWS KMS key manager.")
	flags.StringVar(&config.EncryptionConfig.AWSKeyManagerConfig.SecretAccessKey, "key_manager_aws_kms_secret_key",
		"", "The AWS Secret Key to use to authenticate to KMS, if using the AWS KMS key manager.")

	// Blob Storage
	flags.StringVar(&config.BlobStoreConfig.BlobStoreType, "blob_store_type",
		blob.LocalBlobStoreType.String(), fmt.Sprintf("The type of blob store to use. Options: %s", strings.Join(blob.BlobStoreTypes(), ", ")))
	flags.StringVar(&config.BlobStoreConfig.LocalBlobStoreDir, "blob_store_local_directory",
		defaultLocalBlobStoreDir, "The path on the local host to store blob files to, if using the local blob store.")
	flags.StringVar(&config.BlobStoreConfig.S3BlobStoreConfig.BucketName, "blob_store_aws_s3_bucket_name",
		"", "The name of the S3 bucket to store blobs to, if using the S3 blob store.")
	flags.StringVar(&config.BlobStoreConfig.S3BlobStoreConfig.Region, "blob_store_aws_s3_region",
		"", "The region of the S3 bucket to store blobs to, if using the S3 blob store.")
	flags.StringVar(&config.BlobStoreConfig.S3BlobStoreConfig.AccessKeyID, "blob_store_aws_s3_access_key_id",
		"", "The AWS Access Key ID to use to authenticate to the S3 bucket, if using the S3 blob store.")
	flags.StringVar(&config.BlobStoreConfig.S3BlobStoreConfig.SecretAccessKey, "blob_store_aws_s3_secret_key",
		"", "The AWS Secret Key to use to authenticate to the S3 bucket, if using the S3 blob store.")

	// API server
	flags.StringVar(&config.APIServerConfig.Address, "api_server_address",
		"0.0.0.0:8080", "The interface and port to bind the API server to.")
	flags.StringVar(&config.APIBaseURL, "api_base_url",
		"http://localhost:8080", "The externally reachable base URL of the API server, used to build callback URLs.")
	flags.StringVar(&config.BuildURLFormat, "build_url_format",
		"", "An optional format string with %s (project) and %d (build) verbs for frontend build links.")
	flags.StringVar(&config.RunURLFormat, "run_url_format",
		"", "An optional format string with %s (project), %d (build) and %s (run) verbs for frontend run links.")
	flags.StringVar(&config.InternalAPIKey, "internal_api_key",
		"", "The shared secret used to sign and verify privileged internal requests.")
	flags.StringVar(&f.projectNameRegex, "project_name_regex",
		"", "An optional regular expression that further restricts which project names may be created.")

	// Workers
	flags.StringVar(&config.WorkerCertsDir, "worker_certificate_directory",
		defaultWorkerCertsDir, "The path on the local host containing the certificates trusted to sign worker JWTs.")
	flags.StringVar(&config.WorkerLogsDir, "worker_log_directory",
		defaultWorkerLogsDir, "The path on the local host to write per-worker check-in and event logs to.")
	flags.DurationVar(&f.workerLogRetention, "worker_log_retention",
		4*24*time.Hour, "How long the logs of a silent worker are retained before garbage collection.")
	flags.DurationVar(&f.ackTimeout, "run_ack_timeout",
		15*time.Second, "How long a dispatched run may sit unacknowledged before it is requeued.")
	flags.DurationVar(&f.offlineAfter, "worker_offline_threshold",
		80*time.Second, "How long a worker may go without polling before it is marked offline.")
	flags.DurationVar(&f.offlineAfterSurgesOnly, "worker_offline_threshold_surges_only",
		2*time.Minute, "How long a surges-only worker may go without polling before it is marked offline.")
	flags.StringVar(&config.ScriptsDir, "scripts_directory",
		defaultScriptsDir, "The path on the local host holding the runner, worker and simulator bundles served for download.")
	flags.StringVar(&f.surgeDir, "surge_directory",
		defaultSurgeDir, "The path on the local host to maintain surge marker files in.")
	flags.IntVar(&f.surgeSupportRatio, "surge_support_ratio",
		3, "How many queued runs each online worker may absorb before a surge is declared for its tag.")
	flags.Int64Var(&config.DiskFreeThreshold, "disk_free_threshold",
		defaultDiskFreeThreshold, "The minimum free disk space, in bytes, a worker must report to be handed work.")

	// Git polling
	flags.DurationVar(&config.GitPollInterval, "git_poll_interval",
		gitpoller.DefaultPollInterval, "How often git_poller triggers check their watched refs.")

	// Notifications
	flags.StringVar(&config.NotificationConfig.SMTPServer, "smtp_server",
		"", "The host:port of the SMTP server to send build summary emails through. Empty disables email.")
	flags.StringVar(&config.NotificationConfig.SMTPUser, "smtp_user",
		"", "The user to authenticate to the SMTP server as.")
	flags.StringVar(&config.NotificationConfig.SMTPPassword, "smtp_password",
		"", "The password to authenticate to the SMTP server with.")
	flags.StringVar(&config.NotificationConfig.NotificationEmails, "notification_emails",
		"", "A comma separated list of addresses that receive operational notices.")

	// Database
	flags.StringVar(&f.databaseConnectionString, "database_connection_string",
		defaultSQLiteConnectionString, "The connection string for the database")
	flags.StringVar(&f.databaseDriver, "database_driver",
		string(store.Sqlite), "The Database Driver to use (i.e sqlite3|postgres)")
	flags.IntVar(&config.DatabaseConfig.MaxIdleConnections, "database_max_idle_connections",
		store.DefaultDatabaseMaxIdleConnections, "The maximum number of idle database connections to use")
	flags.IntVar(&config.DatabaseConfig.MaxOpenConnections, "database_max_open_connections",
		store.DefaultDatabaseMaxOpenConnections, "The maximum number of open database connections to use")

	// Misc
	flags.StringVar(&f.logLevels, "log_levels",
		"", fmt.Sprintf("A comma separated list of name=level pairs where name is the name of the logger and level is one of: %s", logger.ListLogLevels()))

	return f
}

// Config validates the parsed flag values and assembles the server config.
// Flags left at their default fall back to the legacy environment variables
// so existing deployments keep working.
func (f *ServerFlags) Config() (*ServerConfig, error) {
	config := f.config
	err := f.applyEnvFallbacks()
	if err != nil {
		return nil, err
	}

	// Encryption
	if config.EncryptionConfig.KeyManagerType == encryption.LocalKeyManagerType.String() {
		if len(f.localKeyManagerMasterKey) != 32 {
			return nil, errors.New("--key_manager_local_master_key must be 256 Bit (32 Bytes)")
		}
		var key [32]byte
		copy(key[:], f.localKeyManagerMasterKey)
		config.EncryptionConfig.LocalKeyManagerMasterKey = &key
	}

	if config.InternalAPIKey == "" {
		return nil, errors.New("--internal_api_key must be set")
	}

	if f.projectNameRegex != "" {
		config.ProjectNameRegex, err = regexp.Compile(`\A(?:` + f.projectNameRegex + `)\z`)
		if err != nil {
			return nil, fmt.Errorf("error parsing --project_name_regex: %w", err)
		}
	}

	// Monitor
	config.MonitorConfig = monitor.DefaultConfig(f.surgeDir)
	config.MonitorConfig.SurgeSupportRatio = f.surgeSupportRatio
	config.MonitorConfig.WorkerLogRetention = f.workerLogRetention
	config.MonitorConfig.AckTimeout = f.ackTimeout
	config.MonitorConfig.OfflineAfter = f.offlineAfter
	config.MonitorConfig.OfflineAfterSurgesOnly = f.offlineAfterSurgesOnly

	// Database
	config.DatabaseConfig.Driver = store.DBDriver(f.databaseDriver)
	config.DatabaseConfig.ConnectionString = store.DatabaseConnectionString(f.databaseConnectionString)

	config.LogLevels = logger.LogLevelConfig(f.logLevels)
	return config, nil
}

func (f *ServerFlags) applyEnvFallbacks() error {
	config := f.config
	fallbackString(f.flags, "internal_api_key", "INTERNAL_API_KEY", &config.InternalAPIKey)
	fallbackString(f.flags, "key_manager_local_master_key", "SECRETS_KEY", &f.localKeyManagerMasterKey)
	fallbackString(f.flags, "worker_certificate_directory", "WORKER_JWTS_DIR", &config.WorkerCertsDir)
	fallbackString(f.flags, "project_name_regex", "PROJECT_NAME_REGEX", &f.projectNameRegex)
	fallbackString(f.flags, "build_url_format", "BUILD_URL_FMT", &config.BuildURLFormat)
	fallbackString(f.flags, "run_url_format", "RUN_URL_FMT", &config.RunURLFormat)
	err := fallbackInt(f.flags, "surge_support_ratio", "SURGE_SUPPORT_RATIO", &f.surgeSupportRatio)
	if err != nil {
		return err
	}
	err = fallbackInt64(f.flags, "disk_free_threshold", "WORKER_DISK_FREE_THRESHOLD_BYTES", &config.DiskFreeThreshold)
	if err != nil {
		return err
	}
	if !f.flags.Changed("worker_log_retention") {
		if v, ok := os.LookupEnv("WORKER_LOGS_THRESHOLD_DAYS"); ok {
			days, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("error parsing WORKER_LOGS_THRESHOLD_DAYS: %w", err)
			}
			f.workerLogRetention = time.Duration(days) * 24 * time.Hour
		}
	}
	if !f.flags.Changed("git_poll_interval") {
		if v, ok := os.LookupEnv("GIT_POLLER_INTERVAL"); ok {
			secs, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("error parsing GIT_POLLER_INTERVAL: %w", err)
			}
			config.GitPollInterval = time.Duration(secs) * time.Second
		}
	}
	return nil
}

func fallbackString(flags *pflag.FlagSet, flagName, envName string, dest *string) {
	if flags.Changed(flagName) {
		return
	}
	if v, ok := os.LookupEnv(envName); ok {
		*dest = v
	}
}

func fallbackInt(flags *pflag.FlagSet, flagName, envName string, dest *int) error {
	if flags.Changed(flagName) {
		return nil
	}
	v, ok := os.LookupEnv(envName)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("error parsing %s: %w", envName, err)
	}
	*dest = n
	return nil
}

func fallbackInt64(flags *pflag.FlagSet, flagName, envName string, dest *int64) error {
	if flags.Changed(flagName) {
		return nil
	}
	v, ok := os.LookupEnv(envName)
	if !ok {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("error parsing %s: %w", envName, err)
	}
	*dest = n
	return nil
}
