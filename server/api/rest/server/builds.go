package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"github.com/jobserv/jobserv/common/gerror"
	"github.com/jobserv/jobserv/common/logger"
	"github.com/jobserv/jobserv/common/models"
	"github.com/jobserv/jobserv/server/dto"
	"github.com/jobserv/jobserv/server/services"
	"github.com/jobserv/jobserv/server/services/urls"
	"github.com/jobserv/jobserv/server/store"
)

type BuildAPI struct {
	*APIBase
	projectStore    store.ProjectStore
	buildStore      store.BuildStore
	runStore        store.RunStore
	testStore       store.TestStore
	triggerService  services.TriggerService
	buildService    services.BuildService
	artifactService services.ArtifactService
	urls            *urls.Builder
}

func NewBuildAPI(
	projectStore store.ProjectStore,
	buildStore store.BuildStore,
	runStore store.RunStore,
	testStore store.TestStore,
	triggerService services.TriggerService,
	buildService services.BuildService,
	artifactService services.ArtifactService,
	urlBuilder *urls.Builder,
	logFactory logger.LogFactory,
) *BuildAPI {
	return &BuildAPI{
		APIBase:         NewAPIBase(logFactory("BuildAPI")),
		projectStore:    projectStore,
		buildStore:      buildStore,
		runStore:        runStore,
		testStore:       testStore,
		triggerService:  triggerService,
		buildService:    buildService,
		artifactService: artifactService,
		urls:            urlBuilder,
	}
}

// readBuild resolves the buildNumber URL parameter under the request's
// project; shared by every build-scoped API.
func readBuild(r *http.Request, projectStore store.ProjectStore, buildStore store.BuildStore) (*models.Project, *models.Build, error) {
	project, err := readProject(r, projectStore)
	if err != nil {
		return nil, nil, err
	}
	number, err := strconv.Atoi(chi.URLParam(r, "buildNumber"))
	if err != nil {
		return nil, nil, gerror.NewErrNotFound("Build not found").Wrap(err)
	}
	build, err := buildStore.ReadByNumber(r.Context(), nil, project.ID, number)
	if err != nil {
		return nil, nil, err
	}
	return project, build, nil
}

func (a *BuildAPI) List(w http.ResponseWriter, r *http.Request) {
	project, err := readProject(r, a.projectStore)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	pagination, err := parsePagination(r)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	builds, cursor, err := a.buildStore.Search(r.Context(), nil, project.ID, store.BuildSearch{Pagination: pagination})
	if err != nil {
		a.Error(w, r, err)
		return
	}
	a.JSON(w, r, http.StatusOK, map[string]interface{}{
		"builds": builds,
		"next":   nextPageQuery(pagination, cursor),
	})
}

type createBuildRequest struct {
	TriggerName   string            `json:"trigger-name"`
	Params        map[string]string `json:"params"`
	Secrets       map[string]string `json:"secrets"`
	Definition    string            `json:"project-definition"`
	TriggerType   string            `json:"trigger-type"`
	TriggerID     string            `json:"trigger-id"`
	Reason        string            `json:"reason"`
	QueuePriority int               `json:"queue-priority"`
}

func (a *BuildAPI) Create(w http.ResponseWriter, r *http.Request) {
	project, err := readProject(r, a.projectStore)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	var req createBuildRequest
	err = a.ReadJSON(r, &req)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	if req.TriggerName == "" {
		a.Error(w, r, gerror.NewErrValidationFailed(`Missing required parameter: "trigger-name"`))
		return
	}
	// Callers never get to assert who triggered the build; the pipeline
	// stamps it from the authenticated principal.
	delete(req.Secrets, "triggered-by")

	trigger := dto.TriggerBuild{
		TriggerName:   req.TriggerName,
		Reason:        req.Reason,
		Params:        req.Params,
		Secrets:       req.Secrets,
		DefinitionRaw: []byte(req.Definition),
		TriggeredBy:   "internal",
		QueuePriority: req.QueuePriority,
	}
	if req.TriggerType != "" {
		name := req.TriggerType
		if strings.HasSuffix(name, "-optional") {
			name = strings.TrimSuffix(name, "-optional")
			trigger.TriggerTypeOptional = true
		}
		triggerType, err := models.ParseTriggerType(name)
		if err != nil {
			a.Error(w, r, gerror.NewErrValidationFailed(fmt.Sprintf("Unknown trigger-type: %s", req.TriggerType)).Wrap(err))
			return
		}
		trigger.TriggerType = &triggerType
	}
	if req.TriggerID != "" {
		id, err := models.ParseResourceID(req.TriggerID)
		if err != nil {
			a.Error(w, r, gerror.NewErrValidationFailed(fmt.Sprintf("Invalid trigger-id: %s", req.TriggerID)).Wrap(err))
			return
		}
		triggerID := models.ProjectTriggerIDFromResourceID(id)
		trigger.TriggerID = &triggerID
	}
	build, _, err := a.triggerService.TriggerBuild(r.Context(), project, trigger, false)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	a.JSON(w, r, http.StatusCreated, map[string]interface{}{
		"url":      a.urls.Build(project.Name, build.Number),
		"build_id": build.Number,
		"web_url":  a.urls.BuildFrontend(project.Name, build.Number),
	})
}

func (a *BuildAPI) Get(w http.ResponseWriter, r *http.Request) {
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
	a.JSON(w, r, http.StatusOK, map[string]interface{}{
		"build": build,
		"runs":  runs,
	})
}

type patchBuildRequest struct {
	Annotation *string `json:"annotation"`
}

func (a *BuildAPI) Patch(w http.ResponseWriter, r *http.Request) {
	_, build, err := readBuild(r, a.projectStore, a.buildStore)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	var req patchBuildRequest
	err = a.ReadJSON(r, &req)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	if req.Annotation == nil {
		a.Error(w, r, gerror.NewErrValidationFailed("No changes found in payload"))
		return
	}
	build, err = a.buildService.Annotate(r.Context(), build, *req.Annotation)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	a.JSON(w, r, http.StatusOK, map[string]interface{}{"build": build})
}

func (a *BuildAPI) Cancel(w http.ResponseWriter, r *http.Request) {
	project, build, err := readBuild(r, a.projectStore, a.buildStore)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	err = a.buildService.Cancel(r.Context(), project, build)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	a.JSON(w, r, http.StatusAccepted, nil)
}

func (a *BuildAPI) Promote(w http.ResponseWriter, r *http.Request) {
	_, build, err := readBuild(r, a.projectStore, a.buildStore)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	var promotion dto.Promotion
	err = a.ReadJSON(r, &promotion)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	build, err = a.buildService.Promote(r.Context(), build, promotion)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	a.JSON(w, r, http.StatusCreated, map[string]interface{}{"build": build})
}

func (a *BuildAPI) Latest(w http.ResponseWriter, r *http.Request) {
	project, err := readProject(r, a.projectStore)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	query := r.URL.Query()
	promotedOnly := query.Get("promoted") != ""
	completeOnly := !promotedOnly && query.Get("all") == ""
	build, err := a.buildService.Latest(r.Context(), project, query.Get("trigger_name"), promotedOnly, completeOnly)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	runs, err := a.runStore.ListByBuild(r.Context(), nil, build.ID)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	a.JSON(w, r, http.StatusOK, map[string]interface{}{
		"build": build,
		"runs":  runs,
	})
}

func (a *BuildAPI) GetDefinition(w http.ResponseWriter, r *http.Request) {
	project, build, err := readBuild(r, a.projectStore, a.buildStore)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	definition, err := a.artifactService.GetProjectDefinition(r.Context(), project.Name, build.Number)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/yaml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, err = w.Write(definition)
	if err != nil {
		a.Errorf("error writing project definition: %v", err)
	}
}

func (a *BuildAPI) ListPromoted(w http.ResponseWriter, r *http.Request) {
	project, err := readProject(r, a.projectStore)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	pagination, err := parsePagination(r)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	builds, cursor, err := a.buildStore.Search(r.Context(), nil, project.ID, store.BuildSearch{
		Pagination: pagination,
		Statuses:   []models.Status{models.StatusPromoted},
	})
	if err != nil {
		a.Error(w, r, err)
		return
	}
	documents := make([]interface{}, 0, len(builds))
	for _, build := range builds {
		document, err := a.promotedBuildDocument(r, project, build)
		if err != nil {
			a.Error(w, r, err)
			return
		}
		documents = append(documents, document)
	}
	a.JSON(w, r, http.StatusOK, map[string]interface{}{
		"builds": documents,
		"next":   nextPageQuery(pagination, cursor),
	})
}

func (a *BuildAPI) GetPromoted(w http.ResponseWriter, r *http.Request) {
	project, err := readProject(r, a.projectStore)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	build, err := a.buildStore.ReadByName(r.Context(), nil, project.ID, chi.URLParam(r, "buildName"))
	if err != nil {
		a.Error(w, r, err)
		return
	}
	document, err := a.promotedBuildDocument(r, project, build)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	a.JSON(w, r, http.StatusOK, map[string]interface{}{"build": document})
}

// promotedBuildDocument flattens a promoted build for the retention listing:
// every test as "<run>-<test>" and every artifact as "<run>/<path>".
func (a *BuildAPI) promotedBuildDocument(r *http.Request, project *models.Project, build *models.Build) (map[string]interface{}, error) {
	runs, err := a.runStore.ListByBuild(r.Context(), nil, build.ID)
	if err != nil {
		return nil, errors.Wrap(err, "error listing runs for promoted build")
	}
	tests := []string{}
	artifacts := []string{}
	for _, run := range runs {
		runTests, err := a.testStore.ListByRun(r.Context(), nil, run.ID)
		if err != nil {
			return nil, errors.Wrap(err, "error listing tests for promoted build")
		}
		for _, test := range runTests {
			tests = append(tests, fmt.Sprintf("%s-%s", run.Name, test.Name))
		}
		descriptors, _, err := a.artifactService.ListArtifacts(r.Context(), project.Name, build.Number, run.Name, models.NewPagination(1000, nil))
		if err != nil {
			return nil, errors.Wrap(err, "error listing artifacts for promoted build")
		}
		for _, descriptor := range descriptors {
			artifacts = append(artifacts, fmt.Sprintf("%s/%s", run.Name, descriptor.Key))
		}
	}
	return map[string]interface{}{
		"build":     build,
		"tests":     tests,
		"artifacts": artifacts,
	}, nil
}

func (a *BuildAPI) CreateExternal(w http.ResponseWriter, r *http.Request) {
	project, err := readProject(r, a.projectStore)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	var external dto.ExternalBuild
	err = a.ReadJSON(r, &external)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	build, err := a.buildService.CreateExternal(r.Context(), project, external)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	a.JSON(w, r, http.StatusCreated, map[string]interface{}{"build_id": build.Number})
}
