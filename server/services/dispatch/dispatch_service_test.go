package dispatch

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
	"github.com/jobserv/jobserv/server/dto"
	"github.com/jobserv/jobserv/server/services/artifact"
	"github.com/jobserv/jobserv/server/services/blob"
	buildservice "github.com/jobserv/jobserv/server/services/build"
	"github.com/jobserv/jobserv/server/store"
	"github.com/jobserv/jobserv/server/store/builds"
	"github.com/jobserv/jobserv/server/store/projects"
	"github.com/jobserv/jobserv/server/store/run_events"
	"github.com/jobserv/jobserv/server/store/runs"
	"github.com/jobserv/jobserv/server/store/store_test"
	"github.com/jobserv/jobserv/server/store/workers"
)

// stubSurges reports a fixed set of surged tags.
type stubSurges map[string]bool

func (s stubSurges) IsSurgeActive(tag string) bool { return s[tag] }

type fixture struct {
	ctx       context.Context
	svc       *DispatchService
	projects  store.ProjectStore
	builds    store.BuildStore
	runs      store.RunStore
	workers   store.WorkerStore
	artifacts *artifact.ArtifactService
	surges    stubSurges
}

const checkInBase = "https://ci.internal:8443"

func newFixture(t *testing.T) *fixture {
	logRegistry, err := logger.NewLogRegistry("")
	require.NoError(t, err)
	logFactory := logger.MakeLogrusLogFactoryStdOut(logRegistry)

	db, cleanup, err := store_test.Connect(logFactory)
	require.NoError(t, err)
	t.Cleanup(cleanup)

	blobStore := blob.NewLocalBlobStore(blob.LocalBlobStoreDirectory(t.TempDir()))
	artifactService := artifact.NewArtifactService(blobStore, logFactory)

	projectStore := projects.NewStore(db, logFactory)
	buildStore := builds.NewStore(db, logFactory)
	runStore := runs.NewStore(db, logFactory)
	runEventStore := run_events.NewStore(db, logFactory)
	workerStore := workers.NewStore(db, logFactory)

	buildService := buildservice.NewBuildService(db, clock.New(), projectStore, buildStore, runStore, runEventStore, logFactory)
	surges := stubSurges{}
	svc := NewDispatchService(db, clock.New(), buildStore, runStore, runEventStore,
		artifactService, buildService, surges, 30*1024*1024*1024, logFactory)

	return &fixture{
		ctx:       context.Background(),
		svc:       svc,
		projects:  projectStore,
		builds:    buildStore,
		runs:      runStore,
		workers:   workerStore,
		artifacts: artifactService,
		surges:    surges,
	}
}

func healthyCheckIn() dto.WorkerCheckIn {
	return dto.WorkerCheckIn{
		AvailableRunners: 1,
		DiskFree:         100 * 1024 * 1024 * 1024,
	}
}

func (f *fixture) createProject(t *testing.T, name string, synchronous bool) *models.Project {
	project := models.NewProject(models.NewTime(time.Now()), models.ResourceName(name), synchronous, nil)
	require.NoError(t, f.projects.Create(f.ctx, nil, project))
	return project
}

func (f *fixture) createBuild(t *testing.T, project *models.Project, number int) *models.Build {
	build := models.NewBuild(models.NewTime(time.Now()), project.ID, number, "merge", "test")
	require.NoError(t, f.builds.Create(f.ctx, nil, build))
	return build
}

func (f *fixture) createRun(t *testing.T, project *models.Project, build *models.Build, name string, seq int, hostTag string, priority int) *models.Run {
	run := models.NewRun(models.NewTime(time.Now()), build.ID, models.ResourceName(name), seq, hostTag, priority, "merge", util.RandAlphaString(32))
	require.NoError(t, f.runs.Create(f.ctx, nil, run))
	rundef := &models.RunDef{
		Project:   project.Name.String(),
		Timeout:   5,
		APIKey:    run.APIKey,
		RunURL:    "http://api.test/projects/" + project.Name.String() + "/builds/1/runs/" + name + "/",
		RunnerURL: "http://api.test/runner",
		HostTag:   hostTag,
		Container: "alpine",
		Env:       map[string]string{"H_RUN": name},
		Script:    "#!/bin/sh\necho ok",
	}
	require.NoError(t, f.artifacts.SetRunDefinition(f.ctx, project.Name, build.Number, run.Name, rundef))
	return run
}

func (f *fixture) createWorker(t *testing.T, name string, tags string) *models.Worker {
	worker := models.NewWorker(models.NewTime(time.Now()), models.ResourceName(name),
		"alpine", 8<<30, 4, "x86_64", 2, nil, "unused")
	worker.HostTags = tags
	worker.Enlisted = true
	worker.Online = true
	require.NoError(t, f.workers.Create(f.ctx, nil, worker))
	return worker
}

func TestCheckIn_PopsMatchingRun(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t, "widget", false)
	build := f.createBuild(t, project, 1)
	run := f.createRun(t, project, build, "unit", 0, "amd64", 0)
	worker := f.createWorker(t, "worker-1", "amd64,arm64")

	popped, err := f.svc.CheckIn(f.ctx, worker, healthyCheckIn(), checkInBase)
	require.NoError(t, err)
	require.NotNil(t, popped)
	assert.Equal(t, run.ID, popped.Run.ID)
	assert.Equal(t, models.StatusRunning, popped.Run.Status)
	require.NotNil(t, popped.Run.WorkerName)
	assert.Equal(t, worker.Name, *popped.Run.WorkerName)
	assert.False(t, popped.Run.RunningAcked)

	// Callback URLs follow the host the check-in arrived on.
	assert.Equal(t, "https://ci.internal:8443/projects/widget/builds/1/runs/unit/", popped.RunDef.RunURL)
	assert.Equal(t, "https://ci.internal:8443/runner", popped.RunDef.RunnerURL)

	console, err := f.artifacts.ReadConsole(f.ctx, project.Name, build.Number, run.Name, 0)
	require.NoError(t, err)
	defer console.Close()
	out, err := ioutil.ReadAll(console)
	require.NoError(t, err)
	assert.Contains(t, string(out), "# Run sent to worker: worker-1")

	// The run is gone from the queue.
	again, err := f.svc.CheckIn(f.ctx, worker, healthyCheckIn(), checkInBase)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestCheckIn_TagMatching(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t, "widget", false)
	build := f.createBuild(t, project, 1)
	f.createRun(t, project, build, "glob", 0, "amd64-*", 0)
	f.createRun(t, project, build, "cased", 1, "ARM64", 0)
	f.createRun(t, project, build, "byname", 2, "worker-9", 0)

	noMatch := f.createWorker(t, "other", "mips")
	popped, err := f.svc.CheckIn(f.ctx, noMatch, healthyCheckIn(), checkInBase)
	require.NoError(t, err)
	assert.Nil(t, popped)

	globWorker := f.createWorker(t, "glob-worker", "amd64-fast")
	popped, err = f.svc.CheckIn(f.ctx, globWorker, healthyCheckIn(), checkInBase)
	require.NoError(t, err)
	require.NotNil(t, popped)
	assert.Equal(t, models.ResourceName("glob"), popped.Run.Name)

	casedWorker := f.createWorker(t, "cased-worker", "arm64")
	popped, err = f.svc.CheckIn(f.ctx, casedWorker, healthyCheckIn(), checkInBase)
	require.NoError(t, err)
	require.NotNil(t, popped)
	assert.Equal(t, models.ResourceName("cased"), popped.Run.Name)

	named := f.createWorker(t, "worker-9", "mips")
	popped, err = f.svc.CheckIn(f.ctx, named, healthyCheckIn(), checkInBase)
	require.NoError(t, err)
	require.NotNil(t, popped)
	assert.Equal(t, models.ResourceName("byname"), popped.Run.Name)
}

func TestCheckIn_PriorityThenFIFO(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t, "widget", false)
	build := f.createBuild(t, project, 1)
	f.createRun(t, project, build, "first", 0, "amd64", 0)
	f.createRun(t, project, build, "second", 1, "amd64", 0)
	f.createRun(t, project, build, "urgent", 2, "amd64", 5)
	worker := f.createWorker(t, "worker-1", "amd64")

	var order []models.ResourceName
	for i := 0; i < 3; i++ {
		popped, err := f.svc.CheckIn(f.ctx, worker, healthyCheckIn(), checkInBase)
		require.NoError(t, err)
		require.NotNil(t, popped)
		order = append(order, popped.Run.Name)
	}
	assert.Equal(t, []models.ResourceName{"urgent", "first", "second"}, order)
}

func TestCheckIn_SynchronousProjectBlocking(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t, "widget", true)
	first := f.createBuild(t, project, 1)
	blockers := f.createRun(t, project, first, "unit", 0, "amd64", 0)
	f.createRun(t, project, first, "lint", 1, "amd64", 0)
	second := f.createBuild(t, project, 2)
	f.createRun(t, project, second, "unit", 0, "amd64", 0)
	worker := f.createWorker(t, "worker-1", "amd64")

	// Both runs of build 1 dispatch (same-build runs never block each other)
	// while build 2 stays queued.
	for i := 0; i < 2; i++ {
		popped, err := f.svc.CheckIn(f.ctx, worker, healthyCheckIn(), checkInBase)
		require.NoError(t, err)
		require.NotNil(t, popped)
		assert.Equal(t, first.ID, popped.Run.BuildID)
	}
	popped, err := f.svc.CheckIn(f.ctx, worker, healthyCheckIn(), checkInBase)
	require.NoError(t, err)
	assert.Nil(t, popped)

	// Completing build 1 unblocks build 2.
	now := models.NewTime(time.Now())
	for _, name := range []models.ResourceName{"unit", "lint"} {
		run, err := f.runs.ReadByName(f.ctx, nil, first.ID, name)
		require.NoError(t, err)
		run.Status = models.StatusPassed
		run.CompletedAt = &now
		require.NoError(t, f.runs.Update(f.ctx, nil, run))
	}
	first.Status = models.StatusPassed
	first.CompletedAt = &now
	require.NoError(t, f.builds.Update(f.ctx, nil, first))
	_ = blockers

	popped, err = f.svc.CheckIn(f.ctx, worker, healthyCheckIn(), checkInBase)
	require.NoError(t, err)
	require.NotNil(t, popped)
	assert.Equal(t, second.ID, popped.Run.BuildID)
}

func TestCheckIn_AdmissionGate(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t, "widget", false)
	build := f.createBuild(t, project, 1)
	f.createRun(t, project, build, "unit", 0, "amd64", 0)
	worker := f.createWorker(t, "worker-1", "amd64")

	// Not enlisted.
	unlisted := f.createWorker(t, "stranger", "amd64")
	unlisted.Enlisted = false
	require.NoError(t, f.workers.Update(f.ctx, nil, unlisted))
	_, err := f.svc.CheckIn(f.ctx, unlisted, healthyCheckIn(), checkInBase)
	require.Error(t, err)
	assert.True(t, gerror.IsWorkerNotEnlisted(err))

	// No free runners.
	popped, err := f.svc.CheckIn(f.ctx, worker, dto.WorkerCheckIn{AvailableRunners: 0, DiskFree: 1 << 40}, checkInBase)
	require.NoError(t, err)
	assert.Nil(t, popped)

	// Low disk.
	popped, err = f.svc.CheckIn(f.ctx, worker, dto.WorkerCheckIn{AvailableRunners: 1, DiskFree: 1 << 20}, checkInBase)
	require.NoError(t, err)
	assert.Nil(t, popped)

	popped, err = f.svc.CheckIn(f.ctx, worker, healthyCheckIn(), checkInBase)
	require.NoError(t, err)
	assert.NotNil(t, popped)
}

func TestCheckIn_SurgesOnlyWorker(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t, "widget", false)
	build := f.createBuild(t, project, 1)
	f.createRun(t, project, build, "unit", 0, "amd64", 0)
	worker := f.createWorker(t, "surge-worker", "amd64")
	worker.SurgesOnly = true
	require.NoError(t, f.workers.Update(f.ctx, nil, worker))

	popped, err := f.svc.CheckIn(f.ctx, worker, healthyCheckIn(), checkInBase)
	require.NoError(t, err)
	assert.Nil(t, popped)

	f.surges["amd64"] = true
	popped, err = f.svc.CheckIn(f.ctx, worker, healthyCheckIn(), checkInBase)
	require.NoError(t, err)
	require.NotNil(t, popped)
	assert.Equal(t, models.ResourceName("unit"), popped.Run.Name)
}
