package server

import (
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/h2non/filetype"

	"github.com/jobserv/jobserv/common/gerror"
	"github.com/jobserv/jobserv/common/logger"
	"github.com/jobserv/jobserv/common/models"
	"github.com/jobserv/jobserv/server/api/rest/middleware"
	"github.com/jobserv/jobserv/server/dto"
	"github.com/jobserv/jobserv/server/services"
	"github.com/jobserv/jobserv/server/services/urls"
	"github.com/jobserv/jobserv/server/store"
)

const (
	runStatusHeader   = "X-RUN-STATUS"
	runMetadataHeader = "X-RUN-METADATA"
	runCancelHeader   = "X-JOBSERV-CANCEL"
	consoleOffsetHdr  = "X-OFFSET"
	urlExpirationHdr  = "X-URL-EXPIRATION"

	defaultUploadURLExpiration = 1800 * time.Second

	consoleLogName = "console.log"
)

type RunAPI struct {
	*APIBase
	projectStore          store.ProjectStore
	buildStore            store.BuildStore
	runStore              store.RunStore
	runService            services.RunService
	artifactService       services.ArtifactService
	authenticationService services.AuthenticationService
	urls                  *urls.Builder
}

func NewRunAPI(
	projectStore store.ProjectStore,
	buildStore store.BuildStore,
	runStore store.RunStore,
	runService services.RunService,
	artifactService services.ArtifactService,
	authenticationService services.AuthenticationService,
	urlBuilder *urls.Builder,
	logFactory logger.LogFactory,
) *RunAPI {
	return &RunAPI{
		APIBase:               NewAPIBase(logFactory("RunAPI")),
		projectStore:          projectStore,
		buildStore:            buildStore,
		runStore:              runStore,
		runService:            runService,
		artifactService:       artifactService,
		authenticationService: authenticationService,
		urls:                  urlBuilder,
	}
}

// readRun resolves the runName URL parameter under the request's build.
func (a *RunAPI) readRun(r *http.Request) (*models.Project, *models.Build, *models.Run, error) {
	project, build, err := readBuild(r, a.projectStore, a.buildStore)
	if err != nil {
		return nil, nil, nil, err
	}
	name := models.ResourceName(chi.URLParam(r, "runName"))
	run, err := a.runStore.ReadByName(r.Context(), nil, build.ID, name)
	if err != nil {
		return nil, nil, nil, err
	}
	return project, build, run, nil
}

// authenticateRun verifies the run-scoped credential on the request.
func (a *RunAPI) authenticateRun(r *http.Request, run *models.Run) error {
	return a.authenticationService.AuthenticateRunToken(r.Context(), run, middleware.RunToken(r))
}

func (a *RunAPI) List(w http.ResponseWriter, r *http.Request) {
	_, build, err := readBuild(r, a.projectStore, a.buildStore)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	runs, err := a.runStore.ListByBuild(r.Context(), nil, build.ID)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	a.JSON(w, r, http.StatusOK, map[string]interface{}{"runs": runs})
}

func (a *RunAPI) Get(w http.ResponseWriter, r *http.Request) {
	project, build, run, err := a.readRun(r)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	data := map[string]interface{}{"run": run}
	if run.Status.Terminal() {
		descriptors, _, err := a.artifactService.ListArtifacts(r.Context(), project.Name, build.Number, run.Name, models.NewPagination(1000, nil))
		if err != nil {
			a.Error(w, r, err)
			return
		}
		artifacts := []string{}
		for _, descriptor := range descriptors {
			artifacts = append(artifacts, a.urls.Run(project.Name, build.Number, run.Name)+descriptor.Key)
		}
		data["artifacts"] = artifacts
	}
	a.JSON(w, r, http.StatusOK, data)
}

// Update is the worker's run progress endpoint: the raw body is a console
// chunk and the headers optionally carry a status transition and metadata.
// The response asks the worker to stop via a cancellation header when the
// run has been moved to CANCELLING.
func (a *RunAPI) Update(w http.ResponseWriter, r *http.Request) {
	project, build, run, err := a.readRun(r)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	err = a.authenticateRun(r, run)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	chunk, err := ioutil.ReadAll(r.Body)
	if err != nil {
		a.Error(w, r, gerror.NewErrValidationFailed("Unable to read request body").Wrap(err))
		return
	}
	update := dto.UpdateRun{ConsoleChunk: chunk}
	if header := r.Header.Get(runStatusHeader); header != "" {
		status := models.Status(header)
		if !status.Valid() {
			a.Error(w, r, gerror.NewErrValidationFailed(fmt.Sprintf("Invalid run status: %s", header)))
			return
		}
		update.Status = &status
	}
	if header := r.Header.Get(runMetadataHeader); header != "" {
		update.Meta = &header
	}
	run, err = a.runService.Update(r.Context(), project, build, run, update)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	if run.Status == models.StatusCancelling {
		w.Header().Set(runCancelHeader, "1")
	}
	a.JSON(w, r, http.StatusOK, nil)
}

func (a *RunAPI) Rerun(w http.ResponseWriter, r *http.Request) {
	_, _, run, err := a.readRun(r)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	err = a.runService.Rerun(r.Context(), run)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	a.JSON(w, r, http.StatusOK, nil)
}

func (a *RunAPI) Cancel(w http.ResponseWriter, r *http.Request) {
	_, _, run, err := a.readRun(r)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	err = a.runService.Cancel(r.Context(), run)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	a.JSON(w, r, http.StatusAccepted, nil)
}

// CreateSignedURLs mints upload URLs for the worker. The body is either a
// JSON list of paths or an object keyed by path; the expiration header
// bounds the lifetime in seconds.
func (a *RunAPI) CreateSignedURLs(w http.ResponseWriter, r *http.Request) {
	project, build, run, err := a.readRun(r)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	err = a.authenticateRun(r, run)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	body, err := ioutil.ReadAll(r.Body)
	if err != nil {
		a.Error(w, r, gerror.NewErrValidationFailed("Unable to read request body").Wrap(err))
		return
	}
	paths, err := parseUploadPaths(body)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	expiresIn := defaultUploadURLExpiration
	if header := r.Header.Get(urlExpirationHdr); header != "" {
		seconds, err := strconv.Atoi(header)
		if err != nil || seconds <= 0 {
			a.Error(w, r, gerror.NewErrValidationFailed(fmt.Sprintf("Invalid %s header: %s", urlExpirationHdr, header)))
			return
		}
		expiresIn = time.Duration(seconds) * time.Second
	}
	signed, err := a.artifactService.SignedUploadURLs(r.Context(), project.Name, build.Number, run.Name, paths, expiresIn)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	a.JSON(w, r, http.StatusOK, map[string]interface{}{"urls": signed})
}

// parseUploadPaths accepts either a list of artifact paths or an object
// whose keys are the paths (values are advisory sizes).
func parseUploadPaths(body []byte) ([]string, error) {
	var list []string
	if err := json.Unmarshal(body, &list); err == nil {
		return list, nil
	}
	var sizes map[string]int64
	if err := json.Unmarshal(body, &sizes); err != nil {
		return nil, gerror.NewErrValidationFailed("Input data must be a JSON list or object of artifact paths").Wrap(err)
	}
	paths := make([]string, 0, len(sizes))
	for path := range sizes {
		paths = append(paths, path)
	}
	return paths, nil
}

func (a *RunAPI) UpsertTest(w http.ResponseWriter, r *http.Request) {
	_, _, run, err := a.readRun(r)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	err = a.authenticateRun(r, run)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	var create dto.CreateTest
	err = a.ReadJSON(r, &create)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	test, err := a.runService.UpsertTest(r.Context(), run, create)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	a.JSON(w, r, http.StatusCreated, map[string]interface{}{"test": test})
}

// GetArtifact serves a stored artifact of a complete run, or streams the
// live console while the run is in flight. A queued run reports the host
// tag it is waiting on so pollers have something to show.
func (a *RunAPI) GetArtifact(w http.ResponseWriter, r *http.Request) {
	project, build, run, err := a.readRun(r)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	artifactPath := chi.URLParam(r, "*")
	w.Header().Set(runStatusHeader, string(run.Status))

	if run.Status.Terminal() {
		reader, err := a.artifactService.GetArtifact(r.Context(), project.Name, build.Number, run.Name, artifactPath)
		if err != nil {
			a.Error(w, r, err)
			return
		}
		defer reader.Close()
		a.streamArtifact(w, reader)
		return
	}
	if artifactPath != consoleLogName {
		a.Error(w, r, gerror.NewErrNotFound("Run in progress, no artifacts available"))
		return
	}
	if run.Status == models.StatusQueued {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "# Waiting for worker with tag: %s\n", run.HostTag)
		return
	}
	var offset int64
	if header := r.Header.Get(consoleOffsetHdr); header != "" {
		offset, err = strconv.ParseInt(header, 10, 64)
		if err != nil || offset < 0 {
			a.Error(w, r, gerror.NewErrValidationFailed(fmt.Sprintf("Invalid %s header: %s", consoleOffsetHdr, header)))
			return
		}
	}
	reader, err := a.artifactService.ReadConsole(r.Context(), project.Name, build.Number, run.Name, offset)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	defer reader.Close()
	a.stream(w, r, reader)
}

func (a *RunAPI) stream(w http.ResponseWriter, r *http.Request, reader io.Reader) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, err := io.Copy(w, reader)
	if err != nil {
		a.Errorf("error streaming response body: %v", err)
	}
}

// streamArtifact sniffs the artifact's content type from its head before
// streaming; anything unrecognized is served as plain text so consoles and
// test reports render in the browser.
func (a *RunAPI) streamArtifact(w http.ResponseWriter, reader io.Reader) {
	head := make([]byte, 261)
	n, err := io.ReadFull(reader, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		a.Errorf("error reading artifact head: %v", err)
		return
	}
	head = head[:n]
	contentType := "text/plain; charset=utf-8"
	if kind, err := filetype.Match(head); err == nil && kind != filetype.Unknown {
		contentType = kind.MIME.Value
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(head); err != nil {
		a.Errorf("error streaming artifact: %v", err)
		return
	}
	if _, err := io.Copy(w, reader); err != nil {
		a.Errorf("error streaming artifact: %v", err)
	}
}
