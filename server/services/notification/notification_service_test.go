package notification

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobserv/jobserv/common/logger"
	"github.com/jobserv/jobserv/common/models"
	"github.com/jobserv/jobserv/common/util"
	"github.com/jobserv/jobserv/server/services/urls"
	"github.com/jobserv/jobserv/server/store"
	"github.com/jobserv/jobserv/server/store/builds"
	"github.com/jobserv/jobserv/server/store/projects"
	"github.com/jobserv/jobserv/server/store/runs"
	"github.com/jobserv/jobserv/server/store/store_test"
)

type sentMail struct {
	addr string
	from string
	to   []string
	msg  string
}

type fixture struct {
	ctx      context.Context
	svc      *NotificationService
	projects store.ProjectStore
	builds   store.BuildStore
	runs     store.RunStore
	mails    []sentMail
}

func newFixture(t *testing.T, cfg Config) *fixture {
	logRegistry, err := logger.NewLogRegistry("")
	require.NoError(t, err)
	logFactory := logger.MakeLogrusLogFactoryStdOut(logRegistry)

	db, cleanup, err := store_test.Connect(logFactory)
	require.NoError(t, err)
	t.Cleanup(cleanup)

	projectStore := projects.NewStore(db, logFactory)
	buildStore := builds.NewStore(db, logFactory)
	runStore := runs.NewStore(db, logFactory)

	urlBuilder := urls.NewBuilder("http://api.test", "", "")
	svc := NewNotificationService(cfg, buildStore, runStore, urlBuilder, logFactory)

	f := &fixture{
		ctx:      context.Background(),
		svc:      svc,
		projects: projectStore,
		builds:   buildStore,
		runs:     runStore,
	}
	svc.sendMail = func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
		f.mails = append(f.mails, sentMail{addr: addr, from: from, to: to, msg: string(msg)})
		return nil
	}
	return f
}

func emailConfig() Config {
	return Config{
		SMTPServer:         "mail.test:587",
		SMTPUser:           "ci@example.com",
		SMTPPassword:       "hunter2",
		NotificationEmails: "ops@example.com",
	}
}

func (f *fixture) createProject(t *testing.T, name string) *models.Project {
	project := models.NewProject(models.NewTime(time.Now()), models.ResourceName(name), false, nil)
	require.NoError(t, f.projects.Create(f.ctx, nil, project))
	return project
}

func (f *fixture) createBuild(t *testing.T, project *models.Project, number int, status models.Status) *models.Build {
	build := models.NewBuild(models.NewTime(time.Now()), project.ID, number, "merge", "GitHub PR(42): push")
	build.Status = status
	require.NoError(t, f.builds.Create(f.ctx, nil, build))
	return build
}

func (f *fixture) createRun(t *testing.T, build *models.Build, name string, status models.Status) *models.Run {
	run := models.NewRun(models.NewTime(time.Now()), build.ID, models.ResourceName(name), 0, "amd64", 0, "merge", util.RandAlphaString(32))
	run.Status = status
	require.NoError(t, f.runs.Create(f.ctx, nil, run))
	return run
}

func TestNotifyBuildCompleteEmail(t *testing.T) {
	f := newFixture(t, emailConfig())
	project := f.createProject(t, "widget")
	f.createBuild(t, project, 1, models.StatusPassed)
	f.createBuild(t, project, 2, models.StatusFailed)
	build := f.createBuild(t, project, 3, models.StatusPassed)
	f.createRun(t, build, "unit-test", models.StatusPassed)
	f.createRun(t, build, "lint", models.StatusPassed)

	err := f.svc.NotifyBuildCompleteEmail(f.ctx, project, build, "qa@example.com, dev@example.com")
	require.NoError(t, err)

	require.Len(t, f.mails, 1)
	mail := f.mails[0]
	assert.Equal(t, "mail.test:587", mail.addr)
	assert.Equal(t, []string{"qa@example.com", "dev@example.com"}, mail.to)
	assert.Contains(t, mail.msg, "Subject: jobserv: widget build #3 : PASSED")
	assert.Contains(t, mail.msg, "Build URL: http://api.test/projects/widget/builds/3/")
	assert.Contains(t, mail.msg, "unit-test: PASSED")
	assert.Contains(t, mail.msg, "http://api.test/projects/widget/builds/3/runs/lint/")
	assert.Contains(t, mail.msg, "Reason:\nGitHub PR(42): push")
	assert.Contains(t, mail.msg, "Build history for last 3 builds")
	assert.Contains(t, mail.msg, "pass rate: 66%")
}

func TestNotifyBuildCompleteEmail_DisabledWithoutServer(t *testing.T) {
	f := newFixture(t, Config{})
	project := f.createProject(t, "widget")
	build := f.createBuild(t, project, 1, models.StatusFailed)

	err := f.svc.NotifyBuildCompleteEmail(f.ctx, project, build, "qa@example.com")
	require.NoError(t, err)
	assert.Empty(t, f.mails)
}

func TestNotifyBuildCompleteWebhook(t *testing.T) {
	f := newFixture(t, Config{})
	project := f.createProject(t, "widget")
	build := f.createBuild(t, project, 7, models.StatusFailed)
	f.createRun(t, build, "unit-test", models.StatusFailed)

	var gotSig string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-JobServ-Sig")
		gotBody, _ = ioutil.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	err := f.svc.NotifyBuildCompleteWebhook(f.ctx, project, build, server.URL, "hook-secret")
	require.NoError(t, err)

	mac := hmac.New(sha256.New, []byte("hook-secret"))
	mac.Write(gotBody)
	assert.Equal(t, "sha256:"+hex.EncodeToString(mac.Sum(nil)), gotSig)

	var payload webhookPayload
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	assert.Equal(t, "widget", payload.Project)
	assert.Equal(t, 7, payload.Build)
	assert.Equal(t, models.StatusFailed, payload.Status)
	require.Len(t, payload.Runs, 1)
	assert.Equal(t, models.ResourceName("unit-test"), payload.Runs[0].Name)
}

func TestNotifyBuildCompleteWebhook_ServerError(t *testing.T) {
	f := newFixture(t, Config{})
	f.svc.httpClient.RetryMax = 0
	project := f.createProject(t, "widget")
	build := f.createBuild(t, project, 1, models.StatusFailed)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	err := f.svc.NotifyBuildCompleteWebhook(f.ctx, project, build, server.URL, "hook-secret")
	require.Error(t, err)
}

func TestNotifySurgeLifecycle(t *testing.T) {
	f := newFixture(t, emailConfig())

	messageID, err := f.svc.NotifySurgeStarted(f.ctx, "amd64", 9)
	require.NoError(t, err)
	assert.NotEmpty(t, messageID)

	require.Len(t, f.mails, 1)
	assert.Equal(t, []string{"ops@example.com"}, f.mails[0].to)
	assert.Contains(t, f.mails[0].msg, "Subject: jobserv: SURGE!!! amd64")
	assert.Contains(t, f.mails[0].msg, "Message-ID: "+messageID)
	assert.Contains(t, f.mails[0].msg, "9 runs queued")

	require.NoError(t, f.svc.NotifySurgeEnded(f.ctx, "amd64", messageID))
	require.Len(t, f.mails, 2)
	assert.Contains(t, f.mails[1].msg, "Subject: jobserv: ended surge for amd64")
	assert.Contains(t, f.mails[1].msg, "In-Reply-To: "+messageID)
}

func TestNotifyRunStuck(t *testing.T) {
	f := newFixture(t, emailConfig())
	run := models.NewRun(models.NewTime(time.Now()), models.NewBuildID(), "unit-test", 0, "amd64", 0, "merge", util.RandAlphaString(32))

	require.NoError(t, f.svc.NotifyRunStuck(f.ctx, "widget", 3, run))

	require.Len(t, f.mails, 1)
	assert.Contains(t, f.mails[0].msg, "Subject: jobserv: Terminated widget/3/unit-test")
	assert.Contains(t, f.mails[0].msg, "http://api.test/projects/widget/builds/3/runs/unit-test/")
}
