package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/go-github/v28/github"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/jobserv/jobserv/common/gerror"
	"github.com/jobserv/jobserv/common/logger"
	"github.com/jobserv/jobserv/common/models"
	"github.com/jobserv/jobserv/server/services"
	"github.com/jobserv/jobserv/server/services/definition"
	"github.com/jobserv/jobserv/server/services/scm"
	"github.com/jobserv/jobserv/server/services/urls"
)

const (
	inTreeDefinitionFile  = ".jobserv.yml"
	okToTestLabel         = "ok-to-test"
	defaultRawContentBase = "https://raw.githubusercontent.com"
	defaultDefinitionHost = "github.com"
)

// ignoredEvents are deliveries GitHub sends that never produce a build.
var ignoredEvents = map[string]bool{
	"fork":                        true,
	"ping":                        true,
	"push":                        true,
	"status":                      true,
	"pull_request_review":         true,
	"pull_request_review_comment": true,
}

// GitHubStrategy builds pull requests: it resolves pull_request and
// ci-retest issue_comment deliveries into builds and reports per-run commit
// statuses back to the PR.
type GitHubStrategy struct {
	authService services.AuthenticationService
	urls        *urls.Builder
	httpClient  *retryablehttp.Client
	// newClient builds an authenticated API client; tests substitute this to
	// point at a local server.
	newClient func(ctx context.Context, token string) *github.Client
	// rawBase is where raw file contents are fetched from; tests override it.
	rawBase string
	logger.Log
}

func NewGitHubStrategy(authService services.AuthenticationService, urlBuilder *urls.Builder, logFactory logger.LogFactory) *GitHubStrategy {
	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = 3
	httpClient.Logger = nil
	return &GitHubStrategy{
		authService: authService,
		urls:        urlBuilder,
		httpClient:  httpClient,
		newClient:   newGitHubClient,
		rawBase:     defaultRawContentBase,
		Log:         logFactory("GitHubStrategy"),
	}
}

func newGitHubClient(ctx context.Context, token string) *github.Client {
	tokenSrc := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return github.NewClient(oauth2.NewClient(ctx, tokenSrc))
}

func (s *GitHubStrategy) Type() models.TriggerType {
	return models.TriggerTypeGitHubPR
}

func (s *GitHubStrategy) ValidateWebhook(secrets map[string]string, delivery *scm.Delivery) error {
	key := secrets["webhook-key"]
	if key == "" {
		return gerror.NewErrForbidden("Trigger has no webhook-key secret defined")
	}
	return s.authService.VerifyWebhookSignature(key, delivery.Body, delivery.Signature)
}

type webhookRepository struct {
	FullName string `json:"full_name"`
}

type webhookLabel struct {
	Name string `json:"name"`
}

type pullRequestPayload struct {
	Action      string `json:"action"`
	PullRequest struct {
		Number int            `json:"number"`
		Labels []webhookLabel `json:"labels"`
		Base   struct {
			Repo webhookRepository `json:"repo"`
		} `json:"base"`
	} `json:"pull_request"`
	Repository webhookRepository `json:"repository"`
}

type issueCommentPayload struct {
	Comment struct {
		Body string `json:"body"`
	} `json:"comment"`
	Issue struct {
		Number int            `json:"number"`
		Labels []webhookLabel `json:"labels"`
	} `json:"issue"`
	Repository webhookRepository `json:"repository"`
}

func (s *GitHubStrategy) ResolveWebhook(ctx context.Context, project *models.Project, trigger *models.ProjectTrigger, secrets map[string]string, delivery *scm.Delivery) (*scm.BuildRequest, error) {
	if ignoredEvents[delivery.Event] {
		return nil, nil
	}

	var repo string
	var prNum int
	var labels []webhookLabel
	switch delivery.Event {
	case "pull_request":
		var payload pullRequestPayload
		err := json.Unmarshal(delivery.Body, &payload)
		if err != nil {
			return nil, gerror.NewErrValidationFailed("Invalid webhook payload").Wrap(err)
		}
		switch payload.Action {
		case "opened", "synchronize", "labeled":
		default:
			s.Infof("Ignoring pull_request action %q", payload.Action)
			return nil, nil
		}
		repo = payload.PullRequest.Base.Repo.FullName
		prNum = payload.PullRequest.Number
		labels = payload.PullRequest.Labels
	case "issue_comment":
		var payload issueCommentPayload
		err := json.Unmarshal(delivery.Body, &payload)
		if err != nil {
			return nil, gerror.NewErrValidationFailed("Invalid webhook payload").Wrap(err)
		}
		if !strings.Contains(payload.Comment.Body, "ci-retest") {
			return nil, nil
		}
		repo = payload.Repository.FullName
		prNum = payload.Issue.Number
		labels = payload.Issue.Labels
	default:
		return nil, gerror.NewErrValidationFailed("Invalid action: " + delivery.Event)
	}

	token := secrets["githubtok"]
	if token == "" {
		return nil, gerror.NewErrValidationFailed(`Trigger secrets is missing "githubtok"`)
	}
	owner, repoName, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	client := s.newClient(ctx, token)
	proceed, err := s.okToTest(ctx, client, owner, repoName, labels)
	if err != nil {
		return nil, err
	}
	if !proceed {
		s.Infof("Ignoring PR %s#%d: %s label not set", repo, prNum, okToTestLabel)
		return nil, nil
	}

	pr, _, err := client.PullRequests.Get(ctx, owner, repoName, prNum)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading PR %s#%d", repo, prNum)
	}
	params := map[string]string{
		"GH_PRNUM":       strconv.Itoa(prNum),
		"GH_OWNER":       owner,
		"GH_REPO":        repoName,
		"GH_BRANCH":      pr.GetBase().GetRef(),
		"GH_STATUS_URL":  pr.GetStatusesURL(),
		"GH_TARGET_REPO": pr.GetBase().GetRepo().GetCloneURL(),
		"GIT_URL":        pr.GetHead().GetRepo().GetCloneURL(),
		"GIT_SHA_BASE":   pr.GetBase().GetSHA(),
		"GIT_OLD_SHA":    pr.GetBase().GetSHA(),
		"GIT_SHA":        pr.GetHead().GetSHA(),
	}

	raw, err := s.fetchDefinition(ctx, project, trigger, token, owner, repoName, params["GIT_SHA"])
	if err != nil {
		return nil, err
	}
	triggerName, err := selectTrigger(raw, params["GH_BRANCH"])
	if err != nil {
		return nil, err
	}

	return &scm.BuildRequest{
		TriggerName: triggerName,
		Reason:      fmt.Sprintf("GitHub PR(%d): %s, https://github.com/%s/pull/%d", prNum, delivery.Event, repo, prNum),
		Params:      params,
		Definition:  raw,
	}, nil
}

func splitRepo(fullName string) (owner, repo string, err error) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", gerror.NewErrValidationFailed("Invalid repository name: " + fullName)
	}
	return parts[0], parts[1], nil
}

// okToTest applies the opt-in gate: when the repo defines an ok-to-test
// label, the PR must carry it before CI will run on it.
func (s *GitHubStrategy) okToTest(ctx context.Context, client *github.Client, owner, repo string, labels []webhookLabel) (bool, error) {
	_, res, err := client.Issues.GetLabel(ctx, owner, repo, okToTestLabel)
	if err != nil {
		if res != nil && res.StatusCode == http.StatusNotFound {
			return true, nil
		}
		return false, errors.Wrap(err, "error checking repo labels")
	}
	for _, label := range labels {
		if label.Name == okToTestLabel {
			return true, nil
		}
	}
	return false, nil
}

// fetchDefinition reads the project definition: out-of-tree from the
// trigger's definition repo when configured, otherwise .jobserv.yml at the
// PR's head commit.
func (s *GitHubStrategy) fetchDefinition(ctx context.Context, project *models.Project, trigger *models.ProjectTrigger, token, owner, repo, sha string) ([]byte, error) {
	var rawURL string
	if trigger.DefinitionRepo != "" {
		name := trigger.DefinitionFile
		if name == "" {
			name = project.Name.String() + ".yml"
		}
		parsed, err := url.Parse(trigger.DefinitionRepo)
		if err != nil || parsed.Host != defaultDefinitionHost {
			return nil, gerror.NewErrValidationFailed("Unknown/unsupported definition repo: " + trigger.DefinitionRepo)
		}
		ghProject := strings.TrimPrefix(strings.TrimSuffix(parsed.Path, ".git"), "/")
		rawURL = fmt.Sprintf("%s/%s/master/%s", s.rawBase, ghProject, name)
	} else {
		rawURL = fmt.Sprintf("%s/%s/%s/%s/%s", s.rawBase, owner, repo, sha, inTreeDefinitionFile)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "error building definition request")
	}
	req.Header.Set("Authorization", "token "+token)
	res, err := s.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading definition %s", rawURL)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, gerror.NewErrValidationFailed("Project definition does not exist: " + rawURL)
	}
	return ioutil.ReadAll(res.Body)
}

// selectTrigger picks the first github_pr trigger whose GH_BRANCH param (a
// comma list, empty meaning any) admits the PR's target branch.
func selectTrigger(raw []byte, branch string) (string, error) {
	def, err := definition.Parse(raw)
	if err != nil {
		return "", err
	}
	for _, trigger := range def.Triggers {
		if trigger.Type != models.TriggerTypeGitHubPR.String() {
			continue
		}
		admitted := true
		if branchesStr := trigger.Params["GH_BRANCH"]; branchesStr != "" {
			admitted = false
			for _, candidate := range strings.Split(branchesStr, ",") {
				if strings.TrimSpace(candidate) == branch {
					admitted = true
					break
				}
			}
		}
		if admitted {
			return trigger.Name, nil
		}
	}
	return "", gerror.NewErrValidationFailed("No github_pr trigger types defined")
}

func (s *GitHubStrategy) ReportBuildPending(ctx context.Context, secrets map[string]string, params map[string]string, project models.ResourceName, buildNumber int, runs []*models.Run) error {
	client := s.newClient(ctx, secrets["githubtok"])
	for _, run := range runs {
		runURL := s.urls.RunFrontend(project, buildNumber, run.Name)
		if runURL == "" {
			runURL = s.urls.Run(project, buildNumber, run.Name)
		}
		status := &github.RepoStatus{
			Context:     github.String(run.Name.String()),
			Description: github.String(fmt.Sprintf("Build %d", buildNumber)),
			TargetURL:   github.String(runURL),
			State:       github.String("pending"),
		}
		_, _, err := client.Repositories.CreateStatus(ctx, params["GH_OWNER"], params["GH_REPO"], params["GIT_SHA"], status)
		if err != nil {
			return errors.Wrapf(err, "error setting pending status for run %s", run.Name)
		}
	}
	return nil
}

func (s *GitHubStrategy) ReportFailure(ctx context.Context, secrets map[string]string, params map[string]string, failureURL string) error {
	client := s.newClient(ctx, secrets["githubtok"])
	status := &github.RepoStatus{
		Context:     github.String("JobServ"),
		Description: github.String("unexpected failure"),
		TargetURL:   github.String(failureURL),
		State:       github.String("failure"),
	}
	_, _, err := client.Repositories.CreateStatus(ctx, params["GH_OWNER"], params["GH_REPO"], params["GIT_SHA"], status)
	if err != nil {
		return errors.Wrap(err, "error setting failure status")
	}
	return nil
}
