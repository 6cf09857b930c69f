package gitpoller

import (
	"bytes"
	"context"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"

	"github.com/jobserv/jobserv/common/gerror"
	"github.com/jobserv/jobserv/common/logger"
	"github.com/jobserv/jobserv/common/models"
	"github.com/jobserv/jobserv/common/util"
	"github.com/jobserv/jobserv/server/dto"
	"github.com/jobserv/jobserv/server/services"
	"github.com/jobserv/jobserv/server/services/definition"
	"github.com/jobserv/jobserv/server/store"
)

// refsCacheKey is the blob the poller persists its per-trigger ref heads in,
// so a restart does not re-trigger every watched ref.
const refsCacheKey = "git-poller/refs.json"

const DefaultPollInterval = 90 * time.Second

// refsCache maps trigger id -> repo URL -> ref name -> last seen sha.
type refsCache map[string]map[string]map[string]string

// pollerEntry caches the fetched project definition per stored trigger so an
// unchanged definition is not re-downloaded every cycle.
type pollerEntry struct {
	definition []byte
	etag       string
}

type pollRequest struct {
	completedChan chan error
}

// Poller watches the repos named by git_poller triggers and starts builds
// when a watched ref moves.
type Poller struct {
	*util.StatefulService
	clk               clock.Clock
	interval          time.Duration
	projectStore      store.ProjectStore
	triggerStore      store.ProjectTriggerStore
	encryptionService services.EncryptionService
	triggerService    services.TriggerService
	blobStore         services.BlobStore
	httpClient        *retryablehttp.Client
	entries           map[string]*pollerEntry
	// listRefs lists a remote's refs; tests substitute this.
	listRefs func(ctx context.Context, repoURL string, auth transport.AuthMethod) (map[string]string, error)
	pollChan chan *pollRequest
	logger.Log
}

func NewPoller(
	ctx context.Context,
	clk clock.Clock,
	interval time.Duration,
	projectStore store.ProjectStore,
	triggerStore store.ProjectTriggerStore,
	encryptionService services.EncryptionService,
	triggerService services.TriggerService,
	blobStore services.BlobStore,
	logFactory logger.LogFactory,
) *Poller {
	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = 2
	httpClient.Logger = nil
	s := &Poller{
		clk:               clk,
		interval:          interval,
		projectStore:      projectStore,
		triggerStore:      triggerStore,
		encryptionService: encryptionService,
		triggerService:    triggerService,
		blobStore:         blobStore,
		httpClient:        httpClient,
		entries:           make(map[string]*pollerEntry),
		listRefs:          listRemoteRefs,
		pollChan:          make(chan *pollRequest),
		Log:               logFactory("GitPoller"),
	}
	s.StatefulService = util.NewStatefulService(ctx, s.Log, s.loop)
	return s
}

func (s *Poller) loop() {
	s.Tracef("Starting git poller loop...")
	for {
		select {
		case <-s.StatefulService.Ctx().Done():
			s.Tracef("Git poller closed; exiting...")
			return

		case req := <-s.pollChan:
			// Test hook; runs one synchronous poll on demand.
			req.completedChan <- s.Poll(s.Ctx())

		case <-s.clk.After(s.interval):
			err := s.Poll(s.Ctx())
			if err != nil {
				s.Errorf("Error polling: %v", err)
			}
		}
	}
}

// RequestPoll runs one poll pass on the service goroutine and waits for it.
func (s *Poller) RequestPoll() error {
	req := &pollRequest{completedChan: make(chan error)}
	s.pollChan <- req
	return <-req.completedChan
}

// Poll checks every git_poller trigger's watched repos once. Per-trigger
// failures are collected so one broken repo never starves the others.
func (s *Poller) Poll(ctx context.Context) error {
	triggers, err := s.triggerStore.ListByType(ctx, nil, models.TriggerTypeGitPoller)
	if err != nil {
		return errors.Wrap(err, "error listing git_poller triggers")
	}

	cache := s.loadCache(ctx)
	seen := make(map[string]bool, len(triggers))
	var result *multierror.Error
	for _, trigger := range triggers {
		seen[trigger.ID.String()] = true
		err := s.pollTrigger(ctx, trigger, cache)
		if err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "trigger %s", trigger.ID))
		}
	}
	// Drop state for triggers that no longer exist.
	for id := range cache {
		if !seen[id] {
			delete(cache, id)
			delete(s.entries, id)
		}
	}

	err = s.saveCache(ctx, cache)
	if err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (s *Poller) pollTrigger(ctx context.Context, trigger *models.ProjectTrigger, cache refsCache) error {
	project, err := s.projectStore.Read(ctx, nil, trigger.ProjectID)
	if err != nil {
		return errors.Wrap(err, "error reading project")
	}
	secrets, err := s.encryptionService.OpenSecrets(ctx, trigger.SecretData)
	if err != nil {
		return errors.Wrap(err, "error opening trigger secrets")
	}

	raw, err := s.fetchDefinition(ctx, project, trigger, secrets)
	if err != nil {
		return err
	}
	def, err := definition.Parse(raw)
	if err != nil {
		return errors.Wrap(err, "error parsing project definition")
	}

	triggerRefs := cache[trigger.ID.String()]
	if triggerRefs == nil {
		triggerRefs = make(map[string]map[string]string)
		cache[trigger.ID.String()] = triggerRefs
	}

	var result *multierror.Error
	for _, defTrigger := range def.Triggers {
		if defTrigger.Type != models.TriggerTypeGitPoller.String() {
			continue
		}
		repoURLs := strings.Fields(defTrigger.Params["GIT_URL"])
		refPatterns := strings.Fields(defTrigger.Params["GIT_POLL_REFS"])
		if len(repoURLs) == 0 || len(refPatterns) == 0 {
			s.Errorf("Project %s is missing GIT_URL or GIT_POLL_REFS", project.Name)
			continue
		}
		for _, repoURL := range repoURLs {
			changes, err := s.repoChanges(ctx, trigger, secrets, triggerRefs, repoURL, refPatterns)
			if err != nil {
				result = multierror.Append(result, err)
				continue
			}
			for _, change := range changes {
				err := s.triggerBuild(ctx, project, trigger, secrets, raw, defTrigger.Name, change)
				if err != nil {
					result = multierror.Append(result, err)
				}
			}
		}
	}
	return result.ErrorOrNil()
}

// repoChanges lists the remote's refs and returns the change params for each
// watched ref that moved. The first sighting of a ref is recorded without
// triggering, so enabling the poller for an existing repo does not build
// every historical head.
func (s *Poller) repoChanges(ctx context.Context, trigger *models.ProjectTrigger, secrets map[string]string, triggerRefs map[string]map[string]string, repoURL string, refPatterns []string) ([]map[string]string, error) {
	refs, err := s.listRefs(ctx, repoURL, remoteAuth(trigger, secrets))
	if err != nil {
		return nil, errors.Wrapf(err, "unable to check %s for changes", repoURL)
	}
	curRefs := triggerRefs[repoURL]
	if curRefs == nil {
		curRefs = make(map[string]string)
		triggerRefs[repoURL] = curRefs
	}

	var changes []map[string]string
	for ref, sha := range refs {
		matched := false
		for _, pattern := range refPatterns {
			if ok, _ := path.Match(pattern, ref); ok {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		cur, known := curRefs[ref]
		if cur == sha {
			continue
		}
		curRefs[ref] = sha
		if !known {
			s.Infof("First run detected for %s - %s", repoURL, ref)
			continue
		}
		s.Infof("%s %s change %s->%s", repoURL, ref, cur, sha)
		changes = append(changes, map[string]string{
			"GIT_REF":     ref,
			"GIT_URL":     repoURL,
			"GIT_OLD_SHA": cur,
			"GIT_SHA":     sha,
		})
	}
	return changes, nil
}

func (s *Poller) triggerBuild(ctx context.Context, project *models.Project, trigger *models.ProjectTrigger, secrets map[string]string, raw []byte, triggerName string, change map[string]string) error {
	reason, err := json.MarshalIndent(change, "", "  ")
	if err != nil {
		return err
	}
	build, _, err := s.triggerService.TriggerBuild(ctx, project, dto.TriggerBuild{
		TriggerName:   triggerName,
		Reason:        string(reason),
		Params:        change,
		Secrets:       secrets,
		DefinitionRaw: raw,
		TriggeredBy:   trigger.User,
		QueuePriority: trigger.QueuePriority,
	}, false)
	if err != nil {
		return errors.Wrapf(err, "error triggering build for %s", project.Name)
	}
	s.Infof("Build %d created for %s (%s)", build.Number, project.Name, change["GIT_REF"])
	return nil
}

// fetchDefinition downloads the trigger's out-of-tree project definition,
// using ETag conditional requests to skip re-parsing unchanged files.
func (s *Poller) fetchDefinition(ctx context.Context, project *models.Project, trigger *models.ProjectTrigger, secrets map[string]string) ([]byte, error) {
	if trigger.DefinitionRepo == "" {
		return nil, gerror.NewErrValidationFailed("git_poller trigger has no definition repo")
	}
	file := trigger.DefinitionFile
	if file == "" {
		file = project.Name.String() + ".yml"
	}

	headers := map[string]string{}
	var rawURL string
	switch {
	case secrets["gitlabtok"] != "":
		headers["PRIVATE-TOKEN"] = secrets["gitlabtok"]
		rawURL = strings.TrimSuffix(trigger.DefinitionRepo, ".git") + "/raw/master/" + file
	case strings.Contains(trigger.DefinitionRepo, "github"):
		if tok := secrets["githubtok"]; tok != "" {
			headers["Authorization"] = "token " + tok
		}
		rawURL = strings.Replace(trigger.DefinitionRepo, "github.com", "raw.githubusercontent.com", 1)
		if !strings.HasSuffix(rawURL, "/") {
			rawURL += "/"
		}
		rawURL += "master/" + file
	default:
		// cgit style URL to the file
		rawURL = trigger.DefinitionRepo + "/plain/" + file
	}

	entry := s.entries[trigger.ID.String()]
	if entry == nil {
		entry = &pollerEntry{}
		s.entries[trigger.ID.String()] = entry
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return nil, err
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	if entry.etag != "" {
		req.Header.Set("If-None-Match", entry.etag)
	}
	res, err := s.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read definition %s", rawURL)
	}
	defer res.Body.Close()
	switch res.StatusCode {
	case http.StatusOK:
		body, err := ioutil.ReadAll(res.Body)
		if err != nil {
			return nil, err
		}
		entry.definition = body
		entry.etag = res.Header.Get("ETag")
		return body, nil
	case http.StatusNotModified:
		return entry.definition, nil
	default:
		return nil, gerror.NewErrNotFound("Unable to read definition " + rawURL).
			IDetail("status_code", res.StatusCode)
	}
}

func (s *Poller) loadCache(ctx context.Context) refsCache {
	cache := refsCache{}
	reader, err := s.blobStore.GetBlob(ctx, refsCacheKey)
	if err != nil {
		if !gerror.IsNotFound(err) {
			s.Warnf("Error reading poller cache: %s", err)
		}
		return cache
	}
	defer reader.Close()
	data, err := ioutil.ReadAll(reader)
	if err != nil {
		s.Warnf("Error reading poller cache: %s", err)
		return cache
	}
	err = json.Unmarshal(data, &cache)
	if err != nil {
		s.Warnf("Error decoding poller cache: %s", err)
		return refsCache{}
	}
	return cache
}

func (s *Poller) saveCache(ctx context.Context, cache refsCache) error {
	data, err := json.Marshal(cache)
	if err != nil {
		return errors.Wrap(err, "error encoding poller cache")
	}
	err = s.blobStore.PutBlob(ctx, refsCacheKey, bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, "error writing poller cache")
	}
	return nil
}

// remoteAuth picks credentials for ls-remote: a GitHub token with the
// trigger's installing user, or GitLab user/token, or anonymous.
func remoteAuth(trigger *models.ProjectTrigger, secrets map[string]string) transport.AuthMethod {
	if tok := secrets["githubtok"]; tok != "" {
		return &githttp.BasicAuth{Username: trigger.User, Password: tok}
	}
	if tok := secrets["gitlabtok"]; tok != "" {
		return &githttp.BasicAuth{Username: secrets["gitlabuser"], Password: tok}
	}
	return nil
}

// listRemoteRefs runs the equivalent of git ls-remote against repoURL.
func listRemoteRefs(ctx context.Context, repoURL string, auth transport.AuthMethod) (map[string]string, error) {
	remote := git.NewRemote(memory.NewStorage(), &gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{repoURL},
	})
	refs, err := remote.ListContext(ctx, &git.ListOptions{Auth: auth})
	if err != nil {
		return nil, err
	}
	heads := make(map[string]string, len(refs))
	for _, ref := range refs {
		if ref.Hash().IsZero() {
			continue
		}
		heads[ref.Name().String()] = ref.Hash().String()
	}
	return heads, nil
}
