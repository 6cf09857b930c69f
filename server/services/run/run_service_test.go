package run

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
	"github.com/jobserv/jobserv/server/services/encryption"
	"github.com/jobserv/jobserv/server/services/trigger"
	"github.com/jobserv/jobserv/server/services/urls"
	"github.com/jobserv/jobserv/server/store"
	"github.com/jobserv/jobserv/server/store/builds"
	"github.com/jobserv/jobserv/server/store/projects"
	"github.com/jobserv/jobserv/server/store/run_events"
	"github.com/jobserv/jobserv/server/store/runs"
	"github.com/jobserv/jobserv/server/store/store_test"
	"github.com/jobserv/jobserv/server/store/tests"
	"github.com/jobserv/jobserv/server/store/triggers"
)

const chainedDefinition = `
timeout: 5
email:
  users: qa@example.com
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
  - name: deploy
    type: simple
    runs:
      - name: publish
        container: alpine
        host-tag: amd64
        script: unit
`

type stubNotifier struct {
	emails   []string
	webhooks []string
}

func (n *stubNotifier) NotifySurgeStarted(ctx context.Context, tag string, queued int) (string, error) {
	return "msg-1", nil
}

func (n *stubNotifier) NotifySurgeEnded(ctx context.Context, tag string, messageID string) error {
	return nil
}

func (n *stubNotifier) NotifyBuildCompleteEmail(ctx context.Context, project *models.Project, build *models.Build, users string) error {
	n.emails = append(n.emails, users)
	return nil
}

func (n *stubNotifier) NotifyBuildCompleteWebhook(ctx context.Context, project *models.Project, build *models.Build, url string, secret string) error {
	n.webhooks = append(n.webhooks, url)
	return nil
}

func (n *stubNotifier) NotifyRunStuck(ctx context.Context, project models.ResourceName, buildNumber int, run *models.Run) error {
	return nil
}

type fixture struct {
	ctx       context.Context
	svc       *RunService
	notifier  *stubNotifier
	projects  store.ProjectStore
	builds    store.BuildStore
	runs      store.RunStore
	tests     store.TestStore
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

	urlBuilder := urls.NewBuilder("http://api.test", "", "")
	triggerService := trigger.NewTriggerService(db, clock.New(), projectStore, buildStore, runStore,
		runEventStore, triggerStore, artifactService, encryptionService, urlBuilder, logFactory)
	buildService := buildservice.NewBuildService(db, clock.New(), projectStore, buildStore, runStore,
		runEventStore, logFactory)
	notifier := &stubNotifier{}

	svc := NewRunService(db, clock.New(), projectStore, buildStore, runStore, runEventStore, testStore,
		artifactService, buildService, triggerService, notifier, logFactory)

	return &fixture{
		ctx:       context.Background(),
		svc:       svc,
		notifier:  notifier,
		projects:  projectStore,
		builds:    buildStore,
		runs:      runStore,
		tests:     testStore,
		artifacts: artifactService,
	}
}

func (f *fixture) createProject(t *testing.T, name string) *models.Project {
	project := models.NewProject(models.NewTime(time.Now()), models.ResourceName(name), false, nil)
	require.NoError(t, f.projects.Create(f.ctx, nil, project))
	return project
}

func (f *fixture) createBuild(t *testing.T, project *models.Project, number int, triggerName string) *models.Build {
	build := models.NewBuild(models.NewTime(time.Now()), project.ID, number, triggerName, "test")
	require.NoError(t, f.builds.Create(f.ctx, nil, build))
	require.NoError(t, f.artifacts.SetProjectDefinition(f.ctx, project.Name, build.Number, []byte(chainedDefinition)))
	return build
}

func (f *fixture) createRun(t *testing.T, project *models.Project, build *models.Build, name string, rundef *models.RunDef) *models.Run {
	run := models.NewRun(models.NewTime(time.Now()), build.ID, models.ResourceName(name), 0, "amd64", 0, build.TriggerName, util.RandAlphaString(32))
	require.NoError(t, f.runs.Create(f.ctx, nil, run))
	if rundef == nil {
		rundef = &models.RunDef{
			Project:     project.Name.String(),
			Timeout:     5,
			APIKey:      run.APIKey,
			TriggerType: "simple",
			HostTag:     "amd64",
			Container:   "alpine",
			Script:      "#!/bin/sh\necho ok",
		}
	}
	require.NoError(t, f.artifacts.SetRunDefinition(f.ctx, project.Name, build.Number, run.Name, rundef))
	return run
}

func (f *fixture) dispatchRun(t *testing.T, run *models.Run, worker string) *models.Run {
	workerName := models.ResourceName(worker)
	run.Status = models.StatusRunning
	run.WorkerName = &workerName
	run.RunningAcked = false
	require.NoError(t, f.runs.Update(f.ctx, nil, run))
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

func TestUpdate_ConsoleAppendAcksRun(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t, "widget")
	build := f.createBuild(t, project, 1, "merge")
	run := f.dispatchRun(t, f.createRun(t, project, build, "unit-test", nil), "worker-1")

	updated, err := f.svc.Update(f.ctx, project, build, run, dto.UpdateRun{
		ConsoleChunk: []byte("compiling\n"),
	})
	require.NoError(t, err)
	assert.True(t, updated.RunningAcked)
	assert.Equal(t, models.StatusRunning, updated.Status)
	assert.Contains(t, f.console(t, project, build, run), "compiling")
}

func TestUpdate_MetaAndStatus(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t, "widget")
	build := f.createBuild(t, project, 1, "merge")
	run := f.dispatchRun(t, f.createRun(t, project, build, "unit-test", nil), "worker-1")

	meta := "14 tests, 0 failures"
	status := models.StatusFailed
	updated, err := f.svc.Update(f.ctx, project, build, run, dto.UpdateRun{
		Status: &status,
		Meta:   &meta,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, updated.Status)
	require.NotNil(t, updated.Meta)
	assert.Equal(t, meta, *updated.Meta)
	require.NotNil(t, updated.CompletedAt)

	refreshed, err := f.builds.Read(f.ctx, nil, build.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, refreshed.Status)
}

func TestUpdate_PassedReconciledWithTests(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t, "widget")
	build := f.createBuild(t, project, 1, "merge")
	run := f.dispatchRun(t, f.createRun(t, project, build, "unit-test", nil), "worker-1")

	_, err := f.svc.UpsertTest(f.ctx, run, dto.CreateTest{Name: "integration", Status: models.StatusRunning})
	require.NoError(t, err)

	status := models.StatusPassed
	updated, err := f.svc.Update(f.ctx, project, build, run, dto.UpdateRun{Status: &status})
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, updated.Status)

	_, err = f.svc.UpsertTest(f.ctx, run, dto.CreateTest{Name: "integration", Status: models.StatusFailed})
	require.NoError(t, err)

	updated, err = f.svc.Update(f.ctx, project, build, run, dto.UpdateRun{Status: &status})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, updated.Status)
}

func TestSetStatus_TerminalAbsorbing(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t, "widget")
	build := f.createBuild(t, project, 1, "merge")
	run := f.createRun(t, project, build, "unit-test", nil)

	updated, err := f.svc.SetStatus(f.ctx, nil, run, models.StatusFailed)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, updated.Status)
	completedAt := updated.CompletedAt
	require.NotNil(t, completedAt)

	updated, err = f.svc.SetStatus(f.ctx, nil, run, models.StatusPassed)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, updated.Status)
	assert.Equal(t, completedAt, updated.CompletedAt)
}

func TestUpdate_PassedRunFiresChainedTrigger(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t, "widget")
	build := f.createBuild(t, project, 1, "merge")
	run := f.dispatchRun(t, f.createRun(t, project, build, "unit-test", &models.RunDef{
		Project:     project.Name.String(),
		Timeout:     5,
		TriggerType: "simple",
		HostTag:     "amd64",
		Container:   "alpine",
		Script:      "#!/bin/sh\necho ok",
		Secrets:     map[string]string{"deploy-key": "s3cret"},
		Triggers:    []models.ChainedTrigger{{Name: "deploy"}},
	}), "worker-1")

	status := models.StatusPassed
	_, err := f.svc.Update(f.ctx, project, build, run, dto.UpdateRun{Status: &status})
	require.NoError(t, err)

	publish, err := f.runs.ReadByName(f.ctx, nil, build.ID, "publish")
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, publish.Status)

	rundef, err := f.artifacts.GetRunDefinition(f.ctx, project.Name, build.Number, publish.Name)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", rundef.Secrets["deploy-key"])

	// The chained run keeps the build open.
	refreshed, err := f.builds.Read(f.ctx, nil, build.ID)
	require.NoError(t, err)
	assert.False(t, refreshed.Complete())
	assert.Empty(t, f.notifier.emails)
}

func TestUpdate_BuildCompleteSendsEmail(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t, "widget")
	build := f.createBuild(t, project, 1, "merge")
	run := f.dispatchRun(t, f.createRun(t, project, build, "unit-test", nil), "worker-1")

	status := models.StatusPassed
	_, err := f.svc.Update(f.ctx, project, build, run, dto.UpdateRun{Status: &status})
	require.NoError(t, err)

	refreshed, err := f.builds.Read(f.ctx, nil, build.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPassed, refreshed.Status)
	require.Len(t, f.notifier.emails, 1)
	assert.Equal(t, "qa@example.com", f.notifier.emails[0])
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t, "widget")
	build := f.createBuild(t, project, 1, "merge")

	queued := f.createRun(t, project, build, "unit-test", nil)
	require.NoError(t, f.svc.Cancel(f.ctx, queued))
	refreshed, err := f.runs.Read(f.ctx, nil, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, refreshed.Status)
	assert.Contains(t, f.console(t, project, build, queued), "# CANCELLED")

	running := f.dispatchRun(t, f.createRun(t, project, build, "lint", nil), "worker-1")
	require.NoError(t, f.svc.Cancel(f.ctx, running))
	refreshed, err = f.runs.Read(f.ctx, nil, running.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelling, refreshed.Status)
}

func TestRerun(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t, "widget")
	build := f.createBuild(t, project, 1, "merge")
	run := f.dispatchRun(t, f.createRun(t, project, build, "unit-test", nil), "worker-1")

	err := f.svc.Rerun(f.ctx, run)
	require.True(t, gerror.IsValidationFailed(err))

	status := models.StatusFailed
	_, err = f.svc.Update(f.ctx, project, build, run, dto.UpdateRun{Status: &status})
	require.NoError(t, err)
	_, err = f.svc.UpsertTest(f.ctx, run, dto.CreateTest{Name: "integration", Status: models.StatusFailed})
	require.NoError(t, err)

	require.NoError(t, f.svc.Rerun(f.ctx, run))
	refreshed, err := f.runs.Read(f.ctx, nil, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, refreshed.Status)
	assert.Nil(t, refreshed.WorkerName)
	assert.Nil(t, refreshed.CompletedAt)
	assert.False(t, refreshed.RunningAcked)

	remaining, err := f.tests.ListByRun(f.ctx, nil, run.ID)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	refreshedBuild, err := f.builds.Read(f.ctx, nil, build.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, refreshedBuild.Status)
}

func TestUpsertTest(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t, "widget")
	build := f.createBuild(t, project, 1, "merge")
	run := f.dispatchRun(t, f.createRun(t, project, build, "unit-test", nil), "worker-1")

	output := "assertion failed"
	test, err := f.svc.UpsertTest(f.ctx, run, dto.CreateTest{
		Name:    "integration",
		Context: "postgres",
		Status:  models.StatusPassed,
		Results: []dto.CreateTestResult{
			{Name: "connects", Status: models.StatusPassed},
			{Name: "migrates", Status: models.StatusFailed, Output: &output},
		},
	})
	require.NoError(t, err)
	// A failed result row fails the test regardless of the reported status.
	assert.Equal(t, models.StatusFailed, test.Status)

	results, err := f.tests.ListResultsByTest(f.ctx, nil, test.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "postgres", results[0].Context)

	again, err := f.svc.UpsertTest(f.ctx, run, dto.CreateTest{
		Name:    "integration",
		Context: "postgres",
		Status:  models.StatusPassed,
	})
	require.NoError(t, err)
	assert.Equal(t, test.ID, again.ID)
	assert.Equal(t, models.StatusPassed, again.Status)
}
