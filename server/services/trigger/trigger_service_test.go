package trigger

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
	"github.com/jobserv/jobserv/server/dto"
	"github.com/jobserv/jobserv/server/services/artifact"
	"github.com/jobserv/jobserv/server/services/blob"
	"github.com/jobserv/jobserv/server/services/definition"
	"github.com/jobserv/jobserv/server/services/encryption"
	"github.com/jobserv/jobserv/server/services/urls"
	"github.com/jobserv/jobserv/server/store"
	"github.com/jobserv/jobserv/server/store/builds"
	"github.com/jobserv/jobserv/server/store/projects"
	"github.com/jobserv/jobserv/server/store/run_events"
	"github.com/jobserv/jobserv/server/store/runs"
	"github.com/jobserv/jobserv/server/store/store_test"
	"github.com/jobserv/jobserv/server/store/triggers"
)

const simpleDefinition = `
timeout: 5
params:
  GLOBAL: from-project
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

type fixture struct {
	ctx        context.Context
	db         *store.DB
	svc        *TriggerService
	projects   store.ProjectStore
	builds     store.BuildStore
	runs       store.RunStore
	triggers   store.ProjectTriggerStore
	artifacts  *artifact.ArtifactService
	encryption *encryption.EncryptionService
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

	urlBuilder := urls.NewBuilder("http://api.test", "", "http://web.test/{project}/{build}/{run}")
	svc := NewTriggerService(db, clock.New(), projectStore, buildStore, runStore, runEventStore,
		triggerStore, artifactService, encryptionService, urlBuilder, logFactory)

	return &fixture{
		ctx:        context.Background(),
		db:         db,
		svc:        svc,
		projects:   projectStore,
		builds:     buildStore,
		runs:       runStore,
		triggers:   triggerStore,
		artifacts:  artifactService,
		encryption: encryptionService,
	}
}

func (f *fixture) createProject(t *testing.T, name string, allowedHostTags []string) *models.Project {
	project := models.NewProject(models.NewTime(time.Now()), models.ResourceName(name), false, allowedHostTags)
	require.NoError(t, f.projects.Create(f.ctx, nil, project))
	return project
}

func TestTriggerBuild_MaterializesRuns(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t, "widget", nil)

	build, commit, err := f.svc.TriggerBuild(f.ctx, project, dto.TriggerBuild{
		TriggerName:   "merge",
		Reason:        "api request",
		DefinitionRaw: []byte(simpleDefinition),
		Params:        map[string]string{"GLOBAL": "from-caller"},
		Secrets:       map[string]string{"deploy-key": "hunter2"},
		TriggeredBy:   "alice",
	}, false)
	require.NoError(t, err)
	require.Nil(t, commit)
	assert.Equal(t, 1, build.Number)
	assert.Equal(t, models.StatusQueued, build.Status)

	list, err := f.runs.ListByBuild(f.ctx, nil, build.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	run := list[0]
	assert.Equal(t, models.ResourceName("unit-test"), run.Name)
	assert.Equal(t, models.StatusQueued, run.Status)
	assert.Equal(t, "amd64", run.HostTag)
	assert.NotEmpty(t, run.APIKey)

	rundef, err := f.artifacts.GetRunDefinition(f.ctx, project.Name, build.Number, run.Name)
	require.NoError(t, err)
	assert.Equal(t, run.APIKey, rundef.APIKey)
	assert.Equal(t, "http://api.test/projects/widget/builds/1/runs/unit-test/", rundef.RunURL)
	assert.Equal(t, "http://web.test/widget/1/unit-test", rundef.FrontendURL)
	assert.Equal(t, "from-caller", rundef.Env["GLOBAL"])
	assert.Equal(t, "1", rundef.Env["H_BUILD"])
	assert.Equal(t, "hunter2", rundef.Secrets["deploy-key"])
	assert.Equal(t, "alice", rundef.Secrets["triggered-by"])

	stored, err := f.artifacts.GetProjectDefinition(f.ctx, project.Name, build.Number)
	require.NoError(t, err)
	assert.Contains(t, string(stored), "unit-test")

	// A second trigger allocates the next dense build number.
	build2, _, err := f.svc.TriggerBuild(f.ctx, project, dto.TriggerBuild{
		TriggerName:   "merge",
		DefinitionRaw: []byte(simpleDefinition),
	}, false)
	require.NoError(t, err)
	assert.Equal(t, 2, build2.Number)
}

func TestTriggerBuild_UnknownTrigger(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t, "widget", nil)

	_, _, err := f.svc.TriggerBuild(f.ctx, project, dto.TriggerBuild{
		TriggerName:   "nightly",
		DefinitionRaw: []byte(simpleDefinition),
	}, false)
	require.Error(t, err)
	assert.True(t, gerror.IsValidationFailed(err))
}

func TestTriggerBuild_AsyncCommitDefersRuns(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t, "widget", nil)

	build, commit, err := f.svc.TriggerBuild(f.ctx, project, dto.TriggerBuild{
		TriggerName:   "merge",
		DefinitionRaw: []byte(simpleDefinition),
	}, true)
	require.NoError(t, err)
	require.NotNil(t, commit)

	list, err := f.runs.ListByBuild(f.ctx, nil, build.ID)
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, commit())
	list, err = f.runs.ListByBuild(f.ctx, nil, build.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestTriggerBuild_DisallowedHostTagFailsRunAndBuild(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t, "widget", []string{"arm64"})

	build, _, err := f.svc.TriggerBuild(f.ctx, project, dto.TriggerBuild{
		TriggerName:   "merge",
		DefinitionRaw: []byte(simpleDefinition),
	}, false)
	require.NoError(t, err)

	list, err := f.runs.ListByBuild(f.ctx, nil, build.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.StatusFailed, list[0].Status)
	require.NotNil(t, list[0].CompletedAt)

	refreshed, err := f.builds.Read(f.ctx, nil, build.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, refreshed.Status)

	console, err := f.artifacts.ReadConsole(f.ctx, project.Name, build.Number, list[0].Name, 0)
	require.NoError(t, err)
	defer console.Close()
	out, err := ioutil.ReadAll(console)
	require.NoError(t, err)
	assert.Contains(t, string(out), "Run requested a host-tag that is not configured for this project: amd64")
}

func TestTriggerBuild_InheritsStoredTriggerSecrets(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t, "widget", nil)

	sealed, err := f.encryption.SealSecrets(f.ctx, map[string]string{
		"deploy-key":  "stored-value",
		"github-auth": "token123",
	})
	require.NoError(t, err)
	stored := models.NewProjectTrigger(models.NewTime(time.Now()), project.ID,
		models.TriggerTypeSimple, "installer", sealed, "", "", 7)
	require.NoError(t, f.triggers.Create(f.ctx, nil, stored))

	triggerType := models.TriggerTypeSimple
	build, _, err := f.svc.TriggerBuild(f.ctx, project, dto.TriggerBuild{
		TriggerName:   "merge",
		DefinitionRaw: []byte(simpleDefinition),
		TriggerType:   &triggerType,
		Secrets: map[string]string{
			"deploy-key":   "caller-wins",
			"triggered-by": "spoofed",
		},
		TriggeredBy: "bob",
	}, false)
	require.NoError(t, err)

	list, err := f.runs.ListByBuild(f.ctx, nil, build.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 7, list[0].QueuePriority)

	rundef, err := f.artifacts.GetRunDefinition(f.ctx, project.Name, build.Number, list[0].Name)
	require.NoError(t, err)
	assert.Equal(t, "caller-wins", rundef.Secrets["deploy-key"])
	assert.Equal(t, "token123", rundef.Secrets["github-auth"])
	assert.Equal(t, "bob", rundef.Secrets["triggered-by"])
}

func TestTriggerBuild_MissingTriggerType(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t, "widget", nil)
	triggerType := models.TriggerTypeGitHubPR

	_, _, err := f.svc.TriggerBuild(f.ctx, project, dto.TriggerBuild{
		TriggerName:   "merge",
		DefinitionRaw: []byte(simpleDefinition),
		TriggerType:   &triggerType,
	}, false)
	require.Error(t, err)
	assert.True(t, gerror.IsValidationFailed(err))

	// The optional flag swallows the miss instead.
	_, _, err = f.svc.TriggerBuild(f.ctx, project, dto.TriggerBuild{
		TriggerName:         "merge",
		DefinitionRaw:       []byte(simpleDefinition),
		TriggerType:         &triggerType,
		TriggerTypeOptional: true,
	}, false)
	require.NoError(t, err)
}

func TestTriggerRuns_RunNamesFormatAndDuplicates(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t, "widget", nil)

	build, _, err := f.svc.TriggerBuild(f.ctx, project, dto.TriggerBuild{
		TriggerName:   "merge",
		DefinitionRaw: []byte(simpleDefinition),
	}, false)
	require.NoError(t, err)

	def, err := definition.Parse([]byte(simpleDefinition))
	require.NoError(t, err)
	trigger := def.GetTrigger("merge")
	require.NotNil(t, trigger)

	// Chained fan-out renames its runs; the same names a second time collide.
	err = f.svc.TriggerRuns(f.ctx, nil, def, project, build, trigger, "retry-{name}", nil, nil, "", 0)
	require.NoError(t, err)
	err = f.svc.TriggerRuns(f.ctx, nil, def, project, build, trigger, "retry-{name}", nil, nil, "", 0)
	require.Error(t, err)
	assert.True(t, gerror.IsAlreadyExists(err))

	list, err := f.runs.ListByBuild(f.ctx, nil, build.ID)
	require.NoError(t, err)
	names := make([]string, 0, len(list))
	for _, run := range list {
		names = append(names, run.Name.String())
	}
	assert.Contains(t, names, "unit-test")
	assert.Contains(t, names, "retry-unit-test")
}

func TestTriggerRuns_TriggerUpgrade(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t, "widget", nil)

	build, _, err := f.svc.TriggerBuild(f.ctx, project, dto.TriggerBuild{
		TriggerName:   "merge",
		DefinitionRaw: []byte(simpleDefinition),
	}, false)
	require.NoError(t, err)

	def, err := definition.Parse([]byte(simpleDefinition))
	require.NoError(t, err)
	trigger := def.GetTrigger("merge")

	err = f.svc.TriggerRuns(f.ctx, nil, def, project, build, trigger, "pr-{name}", nil, nil,
		models.TriggerTypeGitHubPR.String(), 0)
	require.NoError(t, err)

	rundef, err := f.artifacts.GetRunDefinition(f.ctx, project.Name, build.Number, "pr-unit-test")
	require.NoError(t, err)
	assert.Equal(t, "github_pr", rundef.TriggerType)
}
