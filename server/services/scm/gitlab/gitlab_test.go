package gitlab

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobserv/jobserv/common/gerror"
	"github.com/jobserv/jobserv/common/logger"
	"github.com/jobserv/jobserv/common/models"
	"github.com/jobserv/jobserv/server/services/scm"
	"github.com/jobserv/jobserv/server/services/urls"
)

const mrDefinition = `
timeout: 5
scripts:
  unit: |
    #!/bin/sh
    echo ok
triggers:
  - name: merge-request
    type: gitlab_mr
    runs:
      - name: unit-test
        container: alpine
        host-tag: amd64
        script: unit
`

type glState struct {
	tokens   []string
	statuses []map[string]string
}

// newGitLabServer fakes the handful of GitLab API endpoints the strategy
// talks to. Paths are matched by suffix because project ids arrive
// URL-encoded.
func newGitLabServer(t *testing.T, state *glState) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		state.tokens = append(state.tokens, r.Header.Get("PRIVATE-TOKEN"))
		switch {
		case strings.HasSuffix(r.URL.Path, "/merge_requests/5/versions"):
			fmt.Fprint(w, `[{"base_commit_sha": "base1"}]`)
		case strings.HasSuffix(r.URL.Path, "/raw"):
			require.Equal(t, "head1", r.URL.Query().Get("ref"))
			fmt.Fprint(w, mrDefinition)
		case strings.HasSuffix(r.URL.Path, "/statuses/head1"):
			body, _ := ioutil.ReadAll(r.Body)
			var status map[string]string
			require.NoError(t, json.Unmarshal(body, &status))
			state.statuses = append(state.statuses, status)
			w.WriteHeader(http.StatusCreated)
		default:
			t.Errorf("unexpected request: %s", r.URL)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func newStrategy(t *testing.T) *GitLabStrategy {
	logRegistry, err := logger.NewLogRegistry("")
	require.NoError(t, err)
	logFactory := logger.MakeLogrusLogFactoryStdOut(logRegistry)
	return NewGitLabStrategy(urls.NewBuilder("http://api.test", "", ""), logFactory)
}

func project(name string) *models.Project {
	return models.NewProject(models.NewTime(time.Now()), models.ResourceName(name), false, nil)
}

func storedTrigger(projectID models.ProjectID) *models.ProjectTrigger {
	return models.NewProjectTrigger(models.NewTime(time.Now()), projectID,
		models.TriggerTypeGitLabMR, "gluser", nil, "", "", 0)
}

func mergeRequestBody(t *testing.T, baseURL, action string) []byte {
	repo := map[string]string{
		"web_url":             baseURL + "/widgets/widget",
		"path_with_namespace": "widgets/widget",
		"git_http_url":        baseURL + "/widgets/widget.git",
	}
	payload := map[string]interface{}{
		"object_kind": "merge_request",
		"object_attributes": map[string]interface{}{
			"action":      action,
			"url":         baseURL + "/widgets/widget/-/merge_requests/5",
			"iid":         5,
			"last_commit": map[string]string{"id": "head1"},
			"source":      repo,
			"target":      repo,
		},
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return body
}

func TestValidateWebhook(t *testing.T) {
	s := newStrategy(t)

	err := s.ValidateWebhook(map[string]string{"webhook-key": "hook-secret"},
		&scm.Delivery{Token: "hook-secret"})
	assert.NoError(t, err)

	err = s.ValidateWebhook(map[string]string{"webhook-key": "hook-secret"},
		&scm.Delivery{Token: "wrong"})
	assert.True(t, gerror.IsForbidden(err))

	err = s.ValidateWebhook(map[string]string{}, &scm.Delivery{Token: "hook-secret"})
	assert.True(t, gerror.IsForbidden(err))
}

func TestResolveWebhook_MergeRequest(t *testing.T) {
	state := &glState{}
	server := newGitLabServer(t, state)
	defer server.Close()
	s := newStrategy(t)
	proj := project("widget")
	secrets := map[string]string{"gitlabtok": "tok", "gitlabuser": "gluser"}

	req, err := s.ResolveWebhook(context.Background(), proj, storedTrigger(proj.ID), secrets,
		&scm.Delivery{Event: "Merge Request Hook", Body: mergeRequestBody(t, server.URL, "open")})
	require.NoError(t, err)
	require.NotNil(t, req)

	assert.Equal(t, "merge-request", req.TriggerName)
	assert.Equal(t, "GitLab MR: "+server.URL+"/widgets/widget/-/merge_requests/5", req.Reason)
	assert.Equal(t, "head1", req.Params["GIT_SHA"])
	assert.Equal(t, "base1", req.Params["GIT_SHA_BASE"])
	assert.Equal(t, server.URL+"/widgets/widget.git", req.Params["GIT_URL"])
	assert.Contains(t, req.Params["GL_MR_API"], "/merge_requests/5")
	assert.Contains(t, string(req.Definition), "gitlab_mr")
	for _, token := range state.tokens {
		assert.Equal(t, "tok", token)
	}
}

func TestResolveWebhook_NoteHook(t *testing.T) {
	state := &glState{}
	server := newGitLabServer(t, state)
	defer server.Close()
	s := newStrategy(t)
	proj := project("widget")
	secrets := map[string]string{"gitlabtok": "tok", "gitlabuser": "gluser"}

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(mergeRequestBody(t, server.URL, "open"), &payload))
	payload["object_kind"] = "note"
	payload["merge_request"] = payload["object_attributes"]
	payload["object_attributes"] = map[string]interface{}{
		"note": "please ci-retest",
		"url":  server.URL + "/widgets/widget/-/merge_requests/5",
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req, err := s.ResolveWebhook(context.Background(), proj, storedTrigger(proj.ID), secrets,
		&scm.Delivery{Event: "Note Hook", Body: body})
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, "merge-request", req.TriggerName)
}

func TestResolveWebhook_Filtering(t *testing.T) {
	s := newStrategy(t)
	proj := project("widget")
	trigger := storedTrigger(proj.ID)
	secrets := map[string]string{"gitlabtok": "tok", "gitlabuser": "gluser"}

	_, err := s.ResolveWebhook(context.Background(), proj, trigger, secrets,
		&scm.Delivery{Event: "Push Hook"})
	require.Error(t, err)
	assert.True(t, gerror.IsValidationFailed(err))

	req, err := s.ResolveWebhook(context.Background(), proj, trigger, secrets,
		&scm.Delivery{Event: "Merge Request Hook", Body: mergeRequestBody(t, "http://gitlab.test", "close")})
	require.NoError(t, err)
	assert.Nil(t, req)

	noteBody, err := json.Marshal(map[string]interface{}{
		"object_kind":       "note",
		"object_attributes": map[string]string{"note": "nice work"},
	})
	require.NoError(t, err)
	req, err = s.ResolveWebhook(context.Background(), proj, trigger, secrets,
		&scm.Delivery{Event: "Note Hook", Body: noteBody})
	require.NoError(t, err)
	assert.Nil(t, req)

	_, err = s.ResolveWebhook(context.Background(), proj, trigger, map[string]string{},
		&scm.Delivery{Event: "Merge Request Hook", Body: mergeRequestBody(t, "http://gitlab.test", "open")})
	require.Error(t, err)
	assert.True(t, gerror.IsValidationFailed(err))
	assert.Contains(t, err.Error(), "gitlabtok")
}

func TestReportStatuses(t *testing.T) {
	state := &glState{}
	server := newGitLabServer(t, state)
	defer server.Close()
	s := newStrategy(t)
	params := map[string]string{"GL_STATUS_URL": server.URL + "/api/v4/projects/widgets%2Fwidget/statuses/head1"}
	secrets := map[string]string{"gitlabtok": "tok"}

	run := models.NewRun(models.NewTime(time.Now()), models.NewBuildID(), "unit-test", 0, "amd64", 0, "merge", "key")
	err := s.ReportBuildPending(context.Background(), secrets, params, "widget", 3, []*models.Run{run})
	require.NoError(t, err)
	require.Len(t, state.statuses, 1)
	assert.Equal(t, "unit-test", state.statuses[0]["context"])
	assert.Equal(t, "pending", state.statuses[0]["state"])
	assert.Equal(t, "http://api.test/projects/widget/builds/3/runs/unit-test/", state.statuses[0]["target_url"])

	err = s.ReportFailure(context.Background(), secrets, params, "http://api.test/failure")
	require.NoError(t, err)
	require.Len(t, state.statuses, 2)
	assert.Equal(t, "JobServ", state.statuses[1]["context"])
	assert.Equal(t, "failure", state.statuses[1]["state"])
}
