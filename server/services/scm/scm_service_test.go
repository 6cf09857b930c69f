package scm

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobserv/jobserv/common/gerror"
	"github.com/jobserv/jobserv/common/logger"
	"github.com/jobserv/jobserv/common/models"
	"github.com/jobserv/jobserv/server/services/artifact"
	"github.com/jobserv/jobserv/server/services/blob"
	"github.com/jobserv/jobserv/server/services/encryption"
	"github.com/jobserv/jobserv/server/services/trigger"
	"github.com/jobserv/jobserv/server/services/urls"
	"github.com/jobserv/jobserv/server/store"
	"github.com/jobserv/jobserv/server/store/builds"
	"github.com/jobserv/jobserv/server/store/projects"
	"github.com/jobserv/jobserv/server/store/run_events"
	"github.com/jobserv/jobserv/server/store/runs"
	"github.com/jobserv/jobserv/server/store/store_test"
	"github.com/jobserv/jobserv/server/store/triggers"
)

const prDefinition = `
timeout: 5
scripts:
  unit: |
    #!/bin/sh
    echo ok
triggers:
  - name: pull-request
    type: github_pr
    runs:
      - name: unit-test
        container: alpine
        host-tag: amd64
        script: unit
`

// fakeStrategy stands in for a real SCM integration so the service's trigger
// matching and build plumbing can be exercised without network calls.
type fakeStrategy struct {
	resolved *BuildRequest
	ignore   bool

	pendingReported chan int
	failures        chan string
}

func newFakeStrategy() *fakeStrategy {
	return &fakeStrategy{
		pendingReported: make(chan int, 1),
		failures:        make(chan string, 1),
	}
}

func (f *fakeStrategy) Type() models.TriggerType {
	return models.TriggerTypeGitHubPR
}

func (f *fakeStrategy) ValidateWebhook(secrets map[string]string, delivery *Delivery) error {
	if secrets["webhook-key"] != delivery.Token {
		return gerror.NewErrForbidden("Invalid X-Hub-Signature")
	}
	return nil
}

func (f *fakeStrategy) ResolveWebhook(ctx context.Context, project *models.Project, trigger *models.ProjectTrigger, secrets map[string]string, delivery *Delivery) (*BuildRequest, error) {
	if f.ignore {
		return nil, nil
	}
	return f.resolved, nil
}

func (f *fakeStrategy) ReportBuildPending(ctx context.Context, secrets map[string]string, params map[string]string, project models.ResourceName, buildNumber int, runList []*models.Run) error {
	f.pendingReported <- len(runList)
	return nil
}

func (f *fakeStrategy) ReportFailure(ctx context.Context, secrets map[string]string, params map[string]string, failureURL string) error {
	f.failures <- failureURL
	return nil
}

type fixture struct {
	ctx      context.Context
	svc      *SCMService
	strategy *fakeStrategy
	projects store.ProjectStore
	triggers store.ProjectTriggerStore
	runs     store.RunStore
	sealer   *encryption.EncryptionService
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

	urlBuilder := urls.NewBuilder("http://api.test", "", "")
	triggerService := trigger.NewTriggerService(db, clock.New(), projectStore, buildStore, runStore,
		runEventStore, triggerStore, artifactService, encryptionService, urlBuilder, logFactory)

	strategy := newFakeStrategy()
	registry := NewStrategyRegistry()
	registry.Register(strategy)

	svc := NewSCMService(projectStore, runStore, triggerStore, encryptionService, triggerService,
		registry, logFactory)

	return &fixture{
		ctx:      context.Background(),
		svc:      svc,
		strategy: strategy,
		projects: projectStore,
		triggers: triggerStore,
		runs:     runStore,
		sealer:   encryptionService,
	}
}

func (f *fixture) createProject(t *testing.T, name string) *models.Project {
	project := models.NewProject(models.NewTime(time.Now()), models.ResourceName(name), false, nil)
	require.NoError(t, f.projects.Create(f.ctx, nil, project))
	return project
}

func (f *fixture) createTrigger(t *testing.T, project *models.Project, secrets map[string]string) *models.ProjectTrigger {
	sealed, err := f.sealer.SealSecrets(f.ctx, secrets)
	require.NoError(t, err)
	stored := models.NewProjectTrigger(models.NewTime(time.Now()), project.ID,
		models.TriggerTypeGitHubPR, "octocat", sealed, "", "", 0)
	require.NoError(t, f.triggers.Create(f.ctx, nil, stored))
	return stored
}

func TestHandleWebhook_TriggersBuild(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t, "widget")
	f.createTrigger(t, project, map[string]string{"webhook-key": "hook-secret", "githubtok": "tok"})
	f.strategy.resolved = &BuildRequest{
		TriggerName: "pull-request",
		Reason:      "GitHub PR(7): opened",
		Params:      map[string]string{"GIT_SHA": "abc123"},
		Definition:  []byte(prDefinition),
	}

	build, err := f.svc.HandleWebhook(f.ctx, project.Name, models.TriggerTypeGitHubPR, &Delivery{
		Event: "pull_request",
		Token: "hook-secret",
	})
	require.NoError(t, err)
	require.NotNil(t, build)
	assert.Equal(t, 1, build.Number)
	assert.Equal(t, "GitHub PR(7): opened", build.Reason)

	// Run materialization and status reporting happen off the webhook
	// goroutine.
	select {
	case count := <-f.strategy.pendingReported:
		assert.Equal(t, 1, count)
	case <-time.After(5 * time.Second):
		t.Fatal("pending statuses were never reported")
	}
	list, err := f.runs.ListByBuild(f.ctx, nil, build.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.ResourceName("unit-test"), list[0].Name)
}

func TestHandleWebhook_NoTriggerConfigured(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t, "widget")

	_, err := f.svc.HandleWebhook(f.ctx, project.Name, models.TriggerTypeGitHubPR, &Delivery{
		Event: "pull_request",
		Token: "hook-secret",
	})
	require.Error(t, err)
	assert.True(t, gerror.IsNotFound(err))
	assert.Contains(t, err.Error(), "Trigger for project does not exist")
}

func TestHandleWebhook_BadCredentialsRejected(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t, "widget")
	f.createTrigger(t, project, map[string]string{"webhook-key": "hook-secret"})

	_, err := f.svc.HandleWebhook(f.ctx, project.Name, models.TriggerTypeGitHubPR, &Delivery{
		Event: "pull_request",
		Token: "wrong",
	})
	require.Error(t, err)
	assert.True(t, gerror.IsForbidden(err))
}

func TestHandleWebhook_IgnoredEvent(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t, "widget")
	f.createTrigger(t, project, map[string]string{"webhook-key": "hook-secret"})
	f.strategy.ignore = true

	build, err := f.svc.HandleWebhook(f.ctx, project.Name, models.TriggerTypeGitHubPR, &Delivery{
		Event: "ping",
		Token: "hook-secret",
	})
	require.NoError(t, err)
	assert.Nil(t, build)
}

func TestHandleWebhook_UnknownTriggerType(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t, "widget")

	_, err := f.svc.HandleWebhook(f.ctx, project.Name, models.TriggerTypeGitLabMR, &Delivery{})
	require.Error(t, err)
	assert.True(t, gerror.IsNotFound(err))
}
