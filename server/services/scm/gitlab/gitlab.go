package gitlab

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"

	"github.com/jobserv/jobserv/common/gerror"
	"github.com/jobserv/jobserv/common/logger"
	"github.com/jobserv/jobserv/common/models"
	"github.com/jobserv/jobserv/server/services/definition"
	"github.com/jobserv/jobserv/server/services/scm"
	"github.com/jobserv/jobserv/server/services/urls"
)

const inTreeDefinitionFile = ".jobserv.yml"

// GitLabStrategy builds merge requests: it resolves Merge Request Hook and
// ci-retest Note Hook deliveries into builds and reports per-run commit
// statuses through the GitLab commit status API.
type GitLabStrategy struct {
	urls       *urls.Builder
	httpClient *retryablehttp.Client
	logger.Log
}

func NewGitLabStrategy(urlBuilder *urls.Builder, logFactory logger.LogFactory) *GitLabStrategy {
	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = 3
	httpClient.Logger = nil
	return &GitLabStrategy{
		urls:       urlBuilder,
		httpClient: httpClient,
		Log:        logFactory("GitLabStrategy"),
	}
}

func (s *GitLabStrategy) Type() models.TriggerType {
	return models.TriggerTypeGitLabMR
}

// ValidateWebhook compares the delivery's X-Gitlab-Token against the
// trigger's webhook-key secret.
func (s *GitLabStrategy) ValidateWebhook(secrets map[string]string, delivery *scm.Delivery) error {
	key := secrets["webhook-key"]
	if key == "" {
		return gerror.NewErrForbidden("Trigger has no webhook-key secret defined")
	}
	if subtle.ConstantTimeCompare([]byte(key), []byte(delivery.Token)) != 1 {
		return gerror.NewErrForbidden("Invalid X-Gitlab-Token")
	}
	return nil
}

type mergeRequestRepo struct {
	WebURL            string `json:"web_url"`
	PathWithNamespace string `json:"path_with_namespace"`
	GitHTTPURL        string `json:"git_http_url"`
}

type mergeRequestAttrs struct {
	Action     string `json:"action"`
	Note       string `json:"note"`
	URL        string `json:"url"`
	IID        int    `json:"iid"`
	LastCommit struct {
		ID string `json:"id"`
	} `json:"last_commit"`
	Source mergeRequestRepo `json:"source"`
	Target mergeRequestRepo `json:"target"`
}

type webhookPayload struct {
	ObjectKind       string             `json:"object_kind"`
	ObjectAttributes mergeRequestAttrs  `json:"object_attributes"`
	MergeRequest     *mergeRequestAttrs `json:"merge_request"`
}

func (s *GitLabStrategy) ResolveWebhook(ctx context.Context, project *models.Project, trigger *models.ProjectTrigger, secrets map[string]string, delivery *scm.Delivery) (*scm.BuildRequest, error) {
	if delivery.Event != "Merge Request Hook" && delivery.Event != "Note Hook" {
		return nil, gerror.NewErrValidationFailed("Invalid action: " + delivery.Event)
	}
	var payload webhookPayload
	err := json.Unmarshal(delivery.Body, &payload)
	if err != nil {
		return nil, gerror.NewErrValidationFailed("Invalid webhook payload").Wrap(err)
	}

	var mr *mergeRequestAttrs
	var mrURL string
	if delivery.Event == "Note Hook" {
		if !strings.Contains(payload.ObjectAttributes.Note, "ci-retest") {
			return nil, nil
		}
		if payload.MergeRequest == nil {
			return nil, gerror.NewErrValidationFailed("Note is not attached to a merge request")
		}
		mr = payload.MergeRequest
		mrURL = payload.ObjectAttributes.URL
	} else {
		mr = &payload.ObjectAttributes
		mrURL = mr.URL
		switch mr.Action {
		case "open", "reopen", "update":
		default:
			s.Infof("Ignoring merge request action %q", mr.Action)
			return nil, nil
		}
	}

	if secrets["gitlabtok"] == "" || secrets["gitlabuser"] == "" {
		return nil, gerror.NewErrValidationFailed(`Trigger secrets is missing "gitlabtok" or "gitlabuser"`)
	}
	token := secrets["gitlabtok"]

	sourceAPI := strings.Replace(mr.Source.WebURL, mr.Source.PathWithNamespace,
		"api/v4/projects/"+url.QueryEscape(mr.Source.PathWithNamespace), 1)
	targetAPI := strings.Replace(mr.Target.WebURL, mr.Target.PathWithNamespace,
		"api/v4/projects/"+url.QueryEscape(mr.Target.PathWithNamespace), 1)
	params := map[string]string{
		"GIT_SHA":        mr.LastCommit.ID,
		"GIT_URL":        mr.Source.GitHTTPURL,
		"GL_STATUS_URL":  sourceAPI + "/statuses/" + mr.LastCommit.ID,
		"GL_TARGET_REPO": mr.Target.GitHTTPURL,
		"GL_MR":          mrURL,
		"GL_MR_API":      fmt.Sprintf("%s/merge_requests/%d", targetAPI, mr.IID),
	}

	err = s.setBaseSHA(ctx, token, params)
	if err != nil {
		return nil, err
	}
	raw, err := s.fetchDefinition(ctx, project, trigger, token, params)
	if err != nil {
		return nil, err
	}
	triggerName, err := selectTrigger(raw)
	if err != nil {
		return nil, err
	}

	return &scm.BuildRequest{
		TriggerName: triggerName,
		Reason:      "GitLab MR: " + params["GL_MR"],
		Params:      params,
		Definition:  raw,
	}, nil
}

// setBaseSHA resolves the MR's base commit through the versions API.
func (s *GitLabStrategy) setBaseSHA(ctx context.Context, token string, params map[string]string) error {
	versionsURL := params["GL_MR_API"] + "/versions"
	body, err := s.get(ctx, token, versionsURL)
	if err != nil {
		return gerror.NewErrValidationFailed("Unable to find base commit from " + versionsURL).Wrap(err)
	}
	var versions []struct {
		BaseCommitSHA string `json:"base_commit_sha"`
	}
	err = json.Unmarshal(body, &versions)
	if err != nil || len(versions) == 0 {
		return gerror.NewErrValidationFailed("Unable to find base commit from " + versionsURL)
	}
	params["GIT_SHA_BASE"] = versions[0].BaseCommitSHA
	return nil
}

// fetchDefinition reads the project definition through the repository files
// API: out-of-tree from the trigger's definition repo when configured,
// otherwise .jobserv.yml at the MR's head commit.
func (s *GitLabStrategy) fetchDefinition(ctx context.Context, project *models.Project, trigger *models.ProjectTrigger, token string, params map[string]string) ([]byte, error) {
	var rawURL string
	if trigger.DefinitionRepo != "" {
		name := trigger.DefinitionFile
		if name == "" {
			name = project.Name.String() + ".yml"
		}
		parsed, err := url.Parse(trigger.DefinitionRepo)
		if err != nil {
			return nil, gerror.NewErrValidationFailed("Invalid definition repo: " + trigger.DefinitionRepo)
		}
		projEnc := url.QueryEscape(strings.TrimSuffix(strings.TrimPrefix(parsed.Path, "/"), ".git"))
		rawURL = fmt.Sprintf("%s://%s/api/v4/projects/%s/repository/files/%s/raw?ref=master",
			parsed.Scheme, parsed.Host, projEnc, url.QueryEscape(name))
	} else {
		parsed, err := url.Parse(params["GIT_URL"])
		if err != nil {
			return nil, gerror.NewErrValidationFailed("Invalid GIT_URL: " + params["GIT_URL"])
		}
		projEnc := url.QueryEscape(strings.TrimSuffix(strings.TrimPrefix(parsed.Path, "/"), ".git"))
		rawURL = fmt.Sprintf("%s://%s/api/v4/projects/%s/repository/files/%s/raw?ref=%s",
			parsed.Scheme, parsed.Host, projEnc, url.QueryEscape(inTreeDefinitionFile), params["GIT_SHA"])
	}
	body, err := s.get(ctx, token, rawURL)
	if err != nil {
		return nil, gerror.NewErrValidationFailed("Project definition does not exist: " + rawURL).Wrap(err)
	}
	return body, nil
}

func selectTrigger(raw []byte) (string, error) {
	def, err := definition.Parse(raw)
	if err != nil {
		return "", err
	}
	for _, trigger := range def.Triggers {
		if trigger.Type == models.TriggerTypeGitLabMR.String() {
			return trigger.Name, nil
		}
	}
	return "", gerror.NewErrValidationFailed("No gitlab_mr trigger types defined")
}

func (s *GitLabStrategy) ReportBuildPending(ctx context.Context, secrets map[string]string, params map[string]string, project models.ResourceName, buildNumber int, runs []*models.Run) error {
	token := secrets["gitlabtok"]
	for _, run := range runs {
		runURL := s.urls.RunFrontend(project, buildNumber, run.Name)
		if runURL == "" {
			runURL = s.urls.Run(project, buildNumber, run.Name)
		}
		status := map[string]string{
			"context":     run.Name.String(),
			"description": fmt.Sprintf("Build %d", buildNumber),
			"target_url":  runURL,
			"state":       "pending",
		}
		err := s.postStatus(ctx, token, params["GL_STATUS_URL"], status)
		if err != nil {
			return errors.Wrapf(err, "error setting pending status for run %s", run.Name)
		}
	}
	return nil
}

func (s *GitLabStrategy) ReportFailure(ctx context.Context, secrets map[string]string, params map[string]string, failureURL string) error {
	status := map[string]string{
		"context":     "JobServ",
		"description": "unexpected failure",
		"target_url":  failureURL,
		"state":       "failure",
	}
	err := s.postStatus(ctx, secrets["gitlabtok"], params["GL_STATUS_URL"], status)
	if err != nil {
		return errors.Wrap(err, "error setting failure status")
	}
	return nil
}

func (s *GitLabStrategy) get(ctx context.Context, token, rawURL string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("PRIVATE-TOKEN", token)
	res, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, errors.Errorf("HTTP %d from %s", res.StatusCode, rawURL)
	}
	return ioutil.ReadAll(res.Body)
}

func (s *GitLabStrategy) postStatus(ctx context.Context, token, statusURL string, status map[string]string) error {
	body, err := json.Marshal(status)
	if err != nil {
		return err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, "POST", statusURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("PRIVATE-TOKEN", token)
	res, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return errors.Errorf("HTTP %d from %s", res.StatusCode, statusURL)
	}
	return nil
}
