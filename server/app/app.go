package app

import (
	"context"

	"github.com/benbjohnson/clock"

	"github.com/jobserv/jobserv/common/logger"
	"github.com/jobserv/jobserv/server/api/rest/server"
	"github.com/jobserv/jobserv/server/services/artifact"
	"github.com/jobserv/jobserv/server/services/authentication"
	"github.com/jobserv/jobserv/server/services/build"
	"github.com/jobserv/jobserv/server/services/dispatch"
	"github.com/jobserv/jobserv/server/services/encryption"
	"github.com/jobserv/jobserv/server/services/monitor"
	"github.com/jobserv/jobserv/server/services/notification"
	"github.com/jobserv/jobserv/server/services/run"
	"github.com/jobserv/jobserv/server/services/scm"
	"github.com/jobserv/jobserv/server/services/scm/github"
	"github.com/jobserv/jobserv/server/services/scm/gitlab"
	"github.com/jobserv/jobserv/server/services/scm/gitpoller"
	"github.com/jobserv/jobserv/server/services/trigger"
	"github.com/jobserv/jobserv/server/services/urls"
	"github.com/jobserv/jobserv/server/services/workerlog"
	"github.com/jobserv/jobserv/server/store"
	"github.com/jobserv/jobserv/server/store/builds"
	"github.com/jobserv/jobserv/server/store/migrations"
	"github.com/jobserv/jobserv/server/store/projects"
	"github.com/jobserv/jobserv/server/store/run_events"
	"github.com/jobserv/jobserv/server/store/runs"
	"github.com/jobserv/jobserv/server/store/tests"
	"github.com/jobserv/jobserv/server/store/triggers"
	"github.com/jobserv/jobserv/server/store/workers"
)

// App is the assembled server: the REST API plus the two background
// services, the monitor and the git poller.
type App struct {
	APIServer *server.HTTPServer
	Monitor   *monitor.MonitorService
	GitPoller *gitpoller.Poller
}

// New wires every store, service and API handler together per the config and
// returns the assembled app along with a cleanup function that releases the
// database. Migrations run to the latest version before anything is served.
func New(ctx context.Context, config *ServerConfig) (*App, func(), error) {
	logRegistry, err := logger.NewLogRegistry(config.LogLevels)
	if err != nil {
		return nil, nil, err
	}
	logFactory := logger.MakeLogrusLogFactoryStdOut(logRegistry)

	db, closeDB, err := store.NewDatabase(ctx, config.DatabaseConfig, migrations.NewJobServGolangMigrateRunner(logFactory))
	if err != nil {
		return nil, nil, err
	}

	projectStore := projects.NewStore(db, logFactory)
	buildStore := builds.NewStore(db, logFactory)
	runStore := runs.NewStore(db, logFactory)
	runEventStore := run_events.NewStore(db, logFactory)
	triggerStore := triggers.NewStore(db, logFactory)
	testStore := tests.NewStore(db, logFactory)
	workerStore := workers.NewStore(db, logFactory)

	blobStore, err := BlobStoreFactory(config.BlobStoreConfig, logFactory)
	if err != nil {
		closeDB()
		return nil, nil, err
	}
	keyManager, err := KeyManagerFactory(config.EncryptionConfig, logFactory)
	if err != nil {
		closeDB()
		return nil, nil, err
	}

	clk := clock.New()
	urlBuilder := urls.NewBuilder(config.APIBaseURL, config.BuildURLFormat, config.RunURLFormat)
	artifactService := artifact.NewArtifactService(blobStore, logFactory)
	encryptionService := encryption.NewEncryptionService(keyManager)

	triggerService := trigger.NewTriggerService(db, clk, projectStore, buildStore, runStore,
		runEventStore, triggerStore, artifactService, encryptionService, urlBuilder, logFactory)
	buildService := build.NewBuildService(db, clk, projectStore, buildStore, runStore, runEventStore, logFactory)
	notificationService := notification.NewNotificationService(config.NotificationConfig,
		buildStore, runStore, urlBuilder, logFactory)
	runService := run.NewRunService(db, clk, projectStore, buildStore, runStore, runEventStore,
		testStore, artifactService, buildService, triggerService, notificationService, logFactory)
	workerLogService := workerlog.NewWorkerLogService(config.WorkerLogsDir, logFactory)
	monitorService := monitor.NewMonitorService(db, clk, config.MonitorConfig, projectStore,
		buildStore, runStore, runEventStore, workerStore, artifactService, buildService,
		runService, notificationService, workerLogService, logFactory)
	// The monitor doubles as the dispatcher's surge oracle.
	dispatchService := dispatch.NewDispatchService(db, clk, buildStore, runStore, runEventStore,
		artifactService, buildService, monitorService, config.DiskFreeThreshold, logFactory)
	authenticationService := authentication.NewAuthenticationService(db, clk, workerStore,
		[]byte(config.InternalAPIKey), config.WorkerCertsDir, logFactory)

	registry := scm.NewStrategyRegistry()
	registry.Register(github.NewGitHubStrategy(authenticationService, urlBuilder, logFactory))
	registry.Register(gitlab.NewGitLabStrategy(urlBuilder, logFactory))
	scmService := scm.NewSCMService(projectStore, runStore, triggerStore, encryptionService,
		triggerService, registry, logFactory)
	poller := gitpoller.NewPoller(ctx, clk, config.GitPollInterval, projectStore, triggerStore,
		encryptionService, triggerService, blobStore, logFactory)

	router := server.NewAPIRouter(
		server.NewHealthAPI(runStore, buildStore, projectStore, urlBuilder, logFactory),
		server.NewProjectAPI(clk, projectStore, triggerStore, encryptionService, urlBuilder,
			config.ProjectNameRegex, logFactory),
		server.NewBuildAPI(projectStore, buildStore, runStore, testStore, triggerService,
			buildService, artifactService, urlBuilder, logFactory),
		server.NewRunAPI(projectStore, buildStore, runStore, runService, artifactService,
			authenticationService, urlBuilder, logFactory),
		server.NewWorkerAPI(clk, workerStore, projectStore, dispatchService, workerLogService,
			authenticationService, logFactory),
		server.NewWebhookAPI(scmService, urlBuilder, logFactory),
		server.NewScriptsAPI(config.ScriptsDir, logFactory),
		authenticationService,
		logFactory,
	)
	apiServer := server.NewHTTPServer(router, config.APIServerConfig, logFactory("HTTPServer"))

	app := &App{
		APIServer: apiServer,
		Monitor:   monitorService,
		GitPoller: poller,
	}
	return app, closeDB, nil
}

// Start brings up the API server and the background services. It returns
// immediately; everything runs on its own goroutines.
func (a *App) Start() {
	a.APIServer.Start()
	a.Monitor.Start()
	a.GitPoller.Start()
}

// Stop shuts the background services down and drains the API server within
// the context's deadline.
func (a *App) Stop(ctx context.Context) error {
	a.GitPoller.Stop()
	a.Monitor.Stop()
	return a.APIServer.Stop(ctx)
}
