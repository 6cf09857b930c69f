package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jobserv/jobserv/common/logger"
	"github.com/jobserv/jobserv/common/util"
	"github.com/jobserv/jobserv/common/version"
	"github.com/jobserv/jobserv/server/app"
	"github.com/jobserv/jobserv/server/services/keypair"
	"github.com/jobserv/jobserv/server/store"
	"github.com/jobserv/jobserv/server/store/migrations"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

var serverFlags *app.ServerFlags

var rootCmd = &cobra.Command{
	Use:           "jobserv-server",
	Short:         "JobServ CI coordination server",
	Long:          `The JobServ server: accepts projects and triggers, queues builds, dispatches runs to polling workers and serves their artifacts.`,
	Version:       version.VersionToString(),
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("JobServ Server v%s\n", version.VersionToString())
		fmt.Printf("Starting with args: %v\n", util.FilterOSArgs(os.Args, app.LogSafeFlags))

		config, err := serverFlags.Config()
		if err != nil {
			return err
		}
		application, cleanup, err := app.New(context.Background(), config)
		if err != nil {
			return fmt.Errorf("error creating app: %w", err)
		}
		defer cleanup()
		application.Start()

		// Wait for SIGINT or SIGTERM before shutting down
		done := make(chan os.Signal, 1)
		signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
		<-done

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		err = application.Stop(ctx)
		if err != nil {
			return err
		}
		log.Print("Server shutdown complete")
		return nil
	},
}

func init() {
	serverFlags = app.RegisterServerFlags(rootCmd.Flags())
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd)
	rootCmd.AddCommand(workerCertCmd)
	workerCertCmd.AddCommand(workerCertCreateCmd, workerCertTokenCmd)
}

var migrateCmdConfig = struct {
	databaseDriver           string
	databaseConnectionString string
	skipConfirmation         bool
	migrationRunner          store.MigrationRunner
}{}

var migrateCmd = &cobra.Command{
	Use:   "migrate up|down",
	Short: "Migrates the database up to the latest version or down to empty",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// migration runner needs a log factory; use a very plain log format
		logRegistry, err := logger.NewLogRegistry("")
		if err != nil {
			return err
		}
		logFactory := logger.MakeLogrusLogFactoryStdOutPlain(logRegistry)
		migrateCmdConfig.migrationRunner = migrations.NewJobServGolangMigrateRunner(logFactory)
		return nil
	},
}

var migrateUpCmd = &cobra.Command{
	Use:           "up",
	Short:         "Migrates the database up to the latest version",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		err := migrateCmdConfig.migrationRunner.Up(
			context.Background(),
			store.DBDriver(migrateCmdConfig.databaseDriver),
			store.DatabaseConnectionString(migrateCmdConfig.databaseConnectionString),
		)
		if err != nil {
			return fmt.Errorf("error running 'up' migration: %w", err)
		}
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:           "down",
	Short:         "Migrates the database down to being empty",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !migrateCmdConfig.skipConfirmation {
			return fmt.Errorf("a down migration removes ALL data from this database; re-run with --yes to confirm")
		}
		err := migrateCmdConfig.migrationRunner.Down(
			context.Background(),
			store.DBDriver(migrateCmdConfig.databaseDriver),
			store.DatabaseConnectionString(migrateCmdConfig.databaseConnectionString),
		)
		if err != nil {
			return fmt.Errorf("error running 'down' migration: %w", err)
		}
		return nil
	},
}

var workerCertCmdConfig = struct {
	commonName  string
	allowedTags []string
	validFor    time.Duration
	outDir      string
	keyFile     string
	keyID       string
	workerName  string
	tokenTTL    time.Duration
}{}

var workerCertCmd = &cobra.Command{
	Use:   "worker-cert create|token",
	Short: "Manages the certificates that sign worker JWTs",
}

var workerCertCreateCmd = &cobra.Command{
	Use:           "create",
	Short:         "Creates a new worker signing certificate and private key",
	Long:          `Creates a self-signed certificate whose subject carries the host tags the key holder may enlist workers for. Install the certificate into the server's worker certificate directory; keep the private key with whoever provisions workers.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cert, err := keypair.NewKeyPairService().GenerateWorkerCert(
			workerCertCmdConfig.commonName,
			workerCertCmdConfig.allowedTags,
			workerCertCmdConfig.validFor,
		)
		if err != nil {
			return err
		}
		certFile := filepath.Join(workerCertCmdConfig.outDir, workerCertCmdConfig.commonName+".pem")
		keyFile := filepath.Join(workerCertCmdConfig.outDir, workerCertCmdConfig.commonName+"-key.pem")
		err = os.MkdirAll(workerCertCmdConfig.outDir, 0700)
		if err != nil {
			return err
		}
		err = os.WriteFile(certFile, cert.CertificatePEM, 0644)
		if err != nil {
			return err
		}
		err = os.WriteFile(keyFile, cert.PrivateKeyPEM, 0600)
		if err != nil {
			return err
		}
		fmt.Printf("Certificate: %s\nPrivate key: %s\nKey ID: %s\n", certFile, keyFile, cert.KeyID)
		return nil
	},
}

var workerCertTokenCmd = &cobra.Command{
	Use:           "token",
	Short:         "Mints a worker JWT signed by an existing private key",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		keyPEM, err := os.ReadFile(workerCertCmdConfig.keyFile)
		if err != nil {
			return err
		}
		token, err := keypair.NewKeyPairService().MintWorkerToken(
			keyPEM,
			workerCertCmdConfig.keyID,
			workerCertCmdConfig.workerName,
			workerCertCmdConfig.tokenTTL,
		)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	migrateCmd.PersistentFlags().StringVar(&migrateCmdConfig.databaseDriver,
		"driver", string(store.Sqlite), "The Database Driver to use for migration (i.e sqlite3|postgres)")
	migrateCmd.PersistentFlags().StringVar(&migrateCmdConfig.databaseConnectionString,
		"connection", "file:/var/lib/jobserv/db/sqlite.db?cache=shared", "The connection string for the database to use for migration")
	migrateCmd.PersistentFlags().BoolVar(&migrateCmdConfig.skipConfirmation,
		"yes", false, "Skip interactive confirmation and automatically answer Yes to confirmation questions")

	workerCertCreateCmd.Flags().StringVar(&workerCertCmdConfig.commonName,
		"name", "", "The common name to issue the certificate to, e.g. the owning team.")
	workerCertCreateCmd.Flags().StringSliceVar(&workerCertCmdConfig.allowedTags,
		"allowed-tags", nil, "The host tags workers enlisted under this certificate may serve. Empty allows all.")
	workerCertCreateCmd.Flags().DurationVar(&workerCertCmdConfig.validFor,
		"valid-for", 2*365*24*time.Hour, "How long the certificate remains valid.")
	workerCertCreateCmd.Flags().StringVar(&workerCertCmdConfig.outDir,
		"out", "/var/lib/jobserv/worker-certs", "The directory to write the certificate and private key to.")
	workerCertCreateCmd.MarkFlagRequired("name")

	workerCertTokenCmd.Flags().StringVar(&workerCertCmdConfig.keyFile,
		"key-file", "", "The path to the private key PEM file to sign the token with.")
	workerCertTokenCmd.Flags().StringVar(&workerCertCmdConfig.keyID,
		"key-id", "", "The key ID printed when the certificate was created.")
	workerCertTokenCmd.Flags().StringVar(&workerCertCmdConfig.workerName,
		"worker", "", "The name of the worker the token authenticates.")
	workerCertTokenCmd.Flags().DurationVar(&workerCertCmdConfig.tokenTTL,
		"ttl", 24*time.Hour, "How long the token remains valid.")
	workerCertTokenCmd.MarkFlagRequired("key-file")
	workerCertTokenCmd.MarkFlagRequired("key-id")
	workerCertTokenCmd.MarkFlagRequired("worker")
}
