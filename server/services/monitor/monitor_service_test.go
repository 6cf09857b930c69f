package monitor

import (
	"context"
	"io/ioutil"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobserv/jobserv/common/gerror"
	"github.com/jobserv/jobserv/common/logger"
	"github.com/jobserv/jobserv/common/models"
	"github.com/jobserv/jobserv/common/util"
	"github.com/jobserv/jobserv/server/services/artifact"
	"github.com/jobserv/jobserv/server/services/blob"
	buildservice "github.com/jobserv/jobserv/server/services/build"
	"github.com/jobserv/jobserv/server/services/encryption"
	runservice "github.com/jobserv/jobserv/server/services/run"
	"github.com/jobserv/jobserv/server/services/trigger"
	"github.com/jobserv/jobserv/server/services/urls"
	"github.com/jobserv/jobserv/server/services/workerlog"
	"github.com/jobserv/jobserv/server/store"
	"github.com/jobserv/jobserv/server/store/builds"
	"github.com/jobserv/jobserv/server/store/projects"
	"github.com/jobserv/jobserv/server/store/run_events"
	"github.com/jobserv/jobserv/server/store/runs"
	"github.com/jobserv/jobserv/server/store/store_test"
	"github.com/jobserv/jobserv/server/store/tests"
	"github.com/jobserv/jobserv/server/store/triggers"
	"github.com/jobserv/jobserv/server/store/workers"
)

const projectDefinition = `
timeout: 5
scripts:
  unit: |
    #!/bin/sh
    echo ok
triggers:
  - name: merge
    type: simple
    runs:
      - name: unit-test
        container: alpine
        host-tag: amd64
        script: unit
`

type stubNotifier struct {
	surgeStarts []string
	surgeEnds   []string
	stuckRuns   []models.ResourceName
}

func (n *stubNotifier) NotifySurgeStarted(ctx context.Context, tag string, queued int) (string, error) {
	n.surgeStarts = append(n.surgeStarts, tag)
	return "msg-123", nil
}

func (n *stubNotifier) NotifySurgeEnded(ctx context.Context, tag string, messageID string) error {
	n.surgeEnds = append(n.surgeEnds, tag+":"+messageID)
	return nil
}

func (n *stubNotifier) NotifyBuildCompleteEmail(ctx context.Context, project *models.Project, build *models.Build, users string) error {
	return nil
}

func (n *stubNotifier) NotifyBuildCompleteWebhook(ctx context.Context, project *models.Project, build *models.Build, url string, secret string) error {
	return nil
}

func (n *stubNotifier) NotifyRunStuck(ctx context.Context, project models.ResourceName, buildNumber int, run *models.Run) error {
	n.stuckRuns = append(n.stuckRuns, run.Name)
	return nil
}

type fixture struct {
	ctx       context.Context
	svc       *MonitorService
	clk       *clock.Mock
	notifier  *stubNotifier
	workerLog *workerlog.WorkerLogService
	projects  store.ProjectStore
	builds    store.BuildStore
	runs      store.RunStore
	workers   store.WorkerStore
	artifacts *artifact.ArtifactService
}

func newFixture(t *testing.T) *fixture {
	logRegistry, err := logger.NewLogRegistry("")
	require.NoError(t, err)
	logFactory := logger.MakeLogrusLogFactoryStdOut(logRegistry)

	db, cleanup, err := store_test.Connect(logFactory)
	require.NoError(t, err)
	t.Cleanup(cleanup)

	blobStore := blob.NewLocalBlobStore(blob.LocalBlobStoreDirectory(t.TempDir()))
	artifactService := artifact.NewArtifactService(blobStore, logFactory)
	masterKey := &[32]byte{1, 2, 3, 4}
	encryptionService := encryption.NewEncryptionService(encryption.NewLocalKeyManager(masterKey))

	projectStore := projects.NewStore(db, logFactory)
	buildStore := builds.NewStore(db, logFactory)
	runStore := runs.NewStore(db, logFactory)
	runEventStore := run_events.NewStore(db, logFactory)
	triggerStore := triggers.NewStore(db, logFactory)
	testStore := tests.NewStore(db, logFactory)
	workerStore := workers.NewStore(db, logFactory)

	urlBuilder := urls.NewBuilder("http://api.test", "", "")
	notifier := &stubNotifier{}
	triggerService := trigger.NewTriggerService(db, clock.New(), projectStore, buildStore, runStore,
		runEventStore, triggerStore, artifactService, encryptionService, urlBuilder, logFactory)
	buildService := buildservice.NewBuildService(db, clock.New(), projectStore, buildStore, runStore,
		runEventStore, logFactory)
	runService := runservice.NewRunService(db, clock.New(), projectStore, buildStore, runStore,
		runEventStore, testStore, artifactService, buildService, triggerService, notifier, logFactory)
	workerLogService := workerlog.NewWorkerLogService(t.TempDir(), logFactory)

	clk := clock.NewMock()
	clk.Set(time.Now())

	svc := NewMonitorService(db, clk, DefaultConfig(t.TempDir()), projectStore, buildStore, runStore,
		runEventStore, workerStore, artifactService, buildService, runService, notifier,
		workerLogService, logFactory)

	return &fixture{
		ctx:       context.Background(),
		svc:       svc,
		clk:       clk,
		notifier:  notifier,
		workerLog: workerLogService,
		projects:  projectStore,
		builds:    buildStore,
		runs:      runStore,
		workers:   workerStore,
		artifacts: artifactService,
	}
}

func (f *fixture) createProject(t *testing.T, name string) *models.Project {
	project := models.NewProject(models.NewTime(time.Now()), models.ResourceName(name), false, nil)
	require.NoError(t, f.projects.Create(f.ctx, nil, project))
	return project
}

func (f *fixture) createBuild(t *testing.T, project *models.Project, number int) *models.Build {
	build := models.NewBuild(models.NewTime(time.Now()), project.ID, number, "merge", "test")
	require.NoError(t, f.builds.Create(f.ctx, nil, build))
	require.NoError(t, f.artifacts.SetProjectDefinition(f.ctx, project.Name, build.Number, []byte(projectDefinition)))
	return build
}

func (f *fixture) createRun(t *testing.T, build *models.Build, name string, status models.Status, worker string, acked bool) *models.Run {
	run := models.NewRun(models.NewTime(time.Now()), build.ID, models.ResourceName(name), 0, "amd64", 0, "merge", util.RandAlphaString(32))
	require.NoError(t, f.runs.Create(f.ctx, nil, run))
	if status != models.StatusQueued {
		run.Status = status
		run.RunningAcked = acked
		if worker != "" {
			workerName := models.ResourceName(worker)
			run.WorkerName = &workerName
		}
		require.NoError(t, f.runs.Update(f.ctx, nil, run))
	}
	return run
}

func (f *fixture) console(t *testing.T, project *models.Project, build *models.Build, run *models.Run) string {
	reader, err := f.artifacts.ReadConsole(f.ctx, project.Name, build.Number, run.Name, 0)
	require.NoError(t, err)
	defer reader.Close()
	data, err := ioutil.ReadAll(reader)
	require.NoError(t, err)
	return string(data)
}

func TestSweepUnacked_RequeuesRun(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t, "widget")
	build := f.createBuild(t, project, 1)
	run := f.createRun(t, build, "unit-test", models.StatusRunning, "worker-1", false)

	// Inside the acknowledgement window nothing happens.
	require.NoError(t, f.svc.Sweep(f.ctx))
	refreshed, err := f.runs.Read(f.ctx, nil, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, refreshed.Status)

	f.clk.Add(3 * time.Minute)
	require.NoError(t, f.svc.Sweep(f.ctx))
	refreshed, err = f.runs.Read(f.ctx, nil, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, refreshed.Status)
	assert.Nil(t, refreshed.WorkerName)
	assert.Contains(t, f.console(t, project, build, run), "never acknowledged")
}

func TestSweepUnacked_LeavesAckedRuns(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t, "widget")
	build := f.createBuild(t, project, 1)
	run := f.createRun(t, build, "unit-test", models.StatusRunning, "worker-1", true)

	f.clk.Add(3 * time.Minute)
	require.NoError(t, f.svc.Sweep(f.ctx))
	refreshed, err := f.runs.Read(f.ctx, nil, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, refreshed.Status)
}

func (f *fixture) createWorker(t *testing.T, name string, updatedAt time.Time) *models.Worker {
	worker := models.NewWorker(models.NewTime(updatedAt), models.ResourceName(name), "alpine",
		8*1024*1024*1024, 4, "x86_64", 2, []string{"amd64"}, "hash")
	worker.Enlisted = true
	worker.Online = true
	require.NoError(t, f.workers.Create(f.ctx, nil, worker))
	return worker
}

func TestSweepOfflineWorkers(t *testing.T) {
	f := newFixture(t)
	f.createWorker(t, "worker-1", time.Now().Add(-time.Hour))

	require.NoError(t, f.svc.Sweep(f.ctx))

	refreshed, err := f.workers.ReadByName(f.ctx, nil, "worker-1")
	require.NoError(t, err)
	assert.False(t, refreshed.Online)
}

func TestSweepOfflineWorkers_RecentPingKeepsOnline(t *testing.T) {
	f := newFixture(t)
	f.createWorker(t, "worker-1", time.Now().Add(-time.Hour))

	// A fresh ping file trumps the stale worker row.
	require.NoError(t, f.workerLog.AppendPing("worker-1", "runners=2 disk=100"))
	require.NoError(t, f.svc.Sweep(f.ctx))

	refreshed, err := f.workers.ReadByName(f.ctx, nil, "worker-1")
	require.NoError(t, err)
	assert.True(t, refreshed.Online)
}

func TestSweepOfflineWorkers_SurgesOnlyGetsLongerThreshold(t *testing.T) {
	f := newFixture(t)
	f.createWorker(t, "worker-1", time.Now().Add(-time.Hour))
	lazy := f.createWorker(t, "worker-2", time.Now().Add(-time.Hour))
	lazy.SurgesOnly = true
	require.NoError(t, f.workers.Update(f.ctx, nil, lazy))
	require.NoError(t, f.workerLog.AppendPing("worker-1", "runners=2"))
	require.NoError(t, f.workerLog.AppendPing("worker-2", "runners=2"))

	// 90 seconds of silence is past the regular 80 second threshold but
	// inside the surges-only 2 minute one.
	f.clk.Add(90 * time.Second)
	require.NoError(t, f.svc.Sweep(f.ctx))

	regular, err := f.workers.ReadByName(f.ctx, nil, "worker-1")
	require.NoError(t, err)
	assert.False(t, regular.Online)
	refreshed, err := f.workers.ReadByName(f.ctx, nil, "worker-2")
	require.NoError(t, err)
	assert.True(t, refreshed.Online)

	f.clk.Add(time.Minute)
	require.NoError(t, f.svc.Sweep(f.ctx))
	refreshed, err = f.workers.ReadByName(f.ctx, nil, "worker-2")
	require.NoError(t, err)
	assert.False(t, refreshed.Online)
}

func TestSweepCancelling_FailsOrphanedRuns(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t, "widget")
	build := f.createBuild(t, project, 1)
	run := f.createRun(t, build, "unit-test", models.StatusCancelling, "", false)

	require.NoError(t, f.svc.Sweep(f.ctx))
	refreshed, err := f.runs.Read(f.ctx, nil, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, refreshed.Status)
	assert.Contains(t, f.console(t, project, build, run), "# CANCELLED")
}

func TestSweepCancelling_FailsStaleWorkerOwnedRuns(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t, "widget")
	build := f.createBuild(t, project, 1)
	run := f.createRun(t, build, "unit-test", models.StatusCancelling, "worker-1", true)

	require.NoError(t, f.svc.Sweep(f.ctx))
	refreshed, err := f.runs.Read(f.ctx, nil, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelling, refreshed.Status)

	f.clk.Add(11 * time.Minute)
	require.NoError(t, f.svc.Sweep(f.ctx))
	refreshed, err = f.runs.Read(f.ctx, nil, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, refreshed.Status)
}

func TestSweepStuck_FailsAndNotifies(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t, "widget")
	build := f.createBuild(t, project, 1)
	run := f.createRun(t, build, "unit-test", models.StatusRunning, "worker-1", true)

	f.clk.Add(13 * time.Hour)
	require.NoError(t, f.svc.Sweep(f.ctx))

	refreshed, err := f.runs.Read(f.ctx, nil, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, refreshed.Status)
	assert.Contains(t, f.console(t, project, build, run), "stuck")
	require.Len(t, f.notifier.stuckRuns, 1)
	assert.Equal(t, run.Name, f.notifier.stuckRuns[0])
}

func TestSweepSurges_StartAndEnd(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t, "widget")
	build := f.createBuild(t, project, 1)
	var created []*models.Run
	for _, name := range []string{"a", "b", "c", "d"} {
		created = append(created, f.createRun(t, build, name, models.StatusQueued, "", false))
	}

	require.NoError(t, f.svc.Sweep(f.ctx))
	assert.True(t, f.svc.IsSurgeActive("amd64"))
	require.Len(t, f.notifier.surgeStarts, 1)
	assert.Equal(t, "amd64", f.notifier.surgeStarts[0])

	// A second sweep does not re-announce an active surge.
	require.NoError(t, f.svc.Sweep(f.ctx))
	assert.Len(t, f.notifier.surgeStarts, 1)

	// Drain the queue; the surge outlives it until the hysteresis window
	// passes.
	for _, run := range created {
		run.Status = models.StatusFailed
		require.NoError(t, f.runs.Update(f.ctx, nil, run))
	}
	require.NoError(t, f.svc.Sweep(f.ctx))
	assert.True(t, f.svc.IsSurgeActive("amd64"))

	f.clk.Add(10 * time.Minute)
	require.NoError(t, f.svc.Sweep(f.ctx))
	assert.False(t, f.svc.IsSurgeActive("amd64"))
	require.Len(t, f.notifier.surgeEnds, 1)
	assert.Equal(t, "amd64:msg-123", f.notifier.surgeEnds[0])
}

func TestSweepSurges_WorkerCapacitySuppresses(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t, "widget")
	build := f.createBuild(t, project, 1)
	for _, name := range []string{"a", "b", "c"} {
		f.createRun(t, build, name, models.StatusQueued, "", false)
	}
	f.createWorker(t, "worker-1", time.Now())
	require.NoError(t, f.workerLog.AppendPing("worker-1", "runners=2"))

	// Three queued runs against one online worker is within the default
	// support ratio, so no surge starts.
	require.NoError(t, f.svc.Sweep(f.ctx))
	assert.False(t, f.svc.IsSurgeActive("amd64"))
	assert.Empty(t, f.notifier.surgeStarts)

	// A surges-only worker adds no base capacity; one more queued run tips
	// the tag over.
	relief := f.createWorker(t, "worker-2", time.Now())
	relief.SurgesOnly = true
	require.NoError(t, f.workers.Update(f.ctx, nil, relief))
	require.NoError(t, f.workerLog.AppendPing("worker-2", "runners=2"))
	f.createRun(t, build, "d", models.StatusQueued, "", false)

	require.NoError(t, f.svc.Sweep(f.ctx))
	assert.True(t, f.svc.IsSurgeActive("amd64"))
	require.Len(t, f.notifier.surgeStarts, 1)
}

func TestSweepWorkerLogs_GC(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.workerLog.AppendPing("worker-1", "runners=2"))

	require.NoError(t, f.svc.Sweep(f.ctx))
	_, err := f.workerLog.LastPing("worker-1")
	require.NoError(t, err)

	f.clk.Add(5 * 24 * time.Hour)
	require.NoError(t, f.svc.Sweep(f.ctx))
	_, err = f.workerLog.LastPing("worker-1")
	require.True(t, gerror.IsNotFound(err))
}
