package server

import (
	"fmt"
	"net/http"
	"regexp"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"

	"github.com/jobserv/jobserv/common/gerror"
	"github.com/jobserv/jobserv/common/logger"
	"github.com/jobserv/jobserv/common/models"
	"github.com/jobserv/jobserv/server/services"
	"github.com/jobserv/jobserv/server/services/urls"
	"github.com/jobserv/jobserv/server/store"
)

type ProjectAPI struct {
	*APIBase
	clk               clock.Clock
	projectStore      store.ProjectStore
	triggerStore      store.ProjectTriggerStore
	encryptionService services.EncryptionService
	urls              *urls.Builder
	// nameRegex, when set, further restricts which project names may be
	// created on this deployment.
	nameRegex *regexp.Regexp
}

func NewProjectAPI(
	clk clock.Clock,
	projectStore store.ProjectStore,
	triggerStore store.ProjectTriggerStore,
	encryptionService services.EncryptionService,
	urlBuilder *urls.Builder,
	nameRegex *regexp.Regexp,
	logFactory logger.LogFactory,
) *ProjectAPI {
	return &ProjectAPI{
		APIBase:           NewAPIBase(logFactory("ProjectAPI")),
		clk:               clk,
		projectStore:      projectStore,
		triggerStore:      triggerStore,
		encryptionService: encryptionService,
		urls:              urlBuilder,
		nameRegex:         nameRegex,
	}
}

// readProject resolves the projectName URL parameter; shared by every
// project-scoped API.
func readProject(r *http.Request, projectStore store.ProjectStore) (*models.Project, error) {
	name := models.ResourceName(chi.URLParam(r, "projectName"))
	return projectStore.ReadByName(r.Context(), nil, name)
}

func (a *ProjectAPI) List(w http.ResponseWriter, r *http.Request) {
	pagination, err := parsePagination(r)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	projects, cursor, err := a.projectStore.List(r.Context(), nil, pagination)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	a.JSON(w, r, http.StatusOK, map[string]interface{}{
		"projects": projects,
		"next":     nextPageQuery(pagination, cursor),
	})
}

type createProjectRequest struct {
	Name              models.ResourceName `json:"name"`
	SynchronousBuilds bool                `json:"synchronous-builds"`
	AllowedHostTags   []string            `json:"allowed-host-tags,omitempty"`
}

func (a *ProjectAPI) Create(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	err := a.ReadJSON(r, &req)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	if req.Name == "" {
		a.Error(w, r, gerror.NewErrValidationFailed(`Missing required parameter: "name"`))
		return
	}
	err = req.Name.Validate()
	if err != nil {
		a.Error(w, r, err)
		return
	}
	if a.nameRegex != nil && !a.nameRegex.MatchString(req.Name.String()) {
		a.Error(w, r, gerror.NewErrValidationFailed(
			fmt.Sprintf("Project name %q is not allowed on this server", req.Name)))
		return
	}
	project := models.NewProject(models.NewTime(a.clk.Now()), req.Name, req.SynchronousBuilds, req.AllowedHostTags)
	err = a.projectStore.Create(r.Context(), nil, project)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	a.JSON(w, r, http.StatusCreated, map[string]interface{}{"project": project})
}

func (a *ProjectAPI) Get(w http.ResponseWriter, r *http.Request) {
	project, err := readProject(r, a.projectStore)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	a.JSON(w, r, http.StatusOK, map[string]interface{}{"project": project})
}

type deleteProjectRequest struct {
	Confirm string `json:"I_REALLY_MEAN_TO_DO_THIS"`
}

// Delete soft-deletes a project. The caller must echo an explicit
// confirmation field; a signed request alone is not enough to drop a
// project's history.
func (a *ProjectAPI) Delete(w http.ResponseWriter, r *http.Request) {
	project, err := readProject(r, a.projectStore)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	var req deleteProjectRequest
	err = a.ReadJSON(r, &req)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	if req.Confirm != "YES" {
		a.Error(w, r, gerror.NewErrValidationFailed(`Missing required parameter: "I_REALLY_MEAN_TO_DO_THIS"`))
		return
	}
	err = a.projectStore.SoftDelete(r.Context(), nil, project)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	a.JSON(w, r, http.StatusOK, nil)
}

// triggerDocument is a stored trigger with its secret values redacted to
// names only; values are never serialized.
type triggerDocument struct {
	ID             models.ProjectTriggerID `json:"id"`
	Type           string                  `json:"type"`
	User           string                  `json:"user"`
	DefinitionRepo string                  `json:"definition_repo,omitempty"`
	DefinitionFile string                  `json:"definition_file,omitempty"`
	QueuePriority  int                     `json:"queue_priority"`
	Secrets        []map[string]string     `json:"secrets"`
}

func (a *ProjectAPI) triggerDoc(r *http.Request, trigger *models.ProjectTrigger) (*triggerDocument, error) {
	secrets, err := a.encryptionService.OpenSecrets(r.Context(), trigger.SecretData)
	if err != nil {
		return nil, err
	}
	names := make([]map[string]string, 0, len(secrets))
	for name := range secrets {
		names = append(names, map[string]string{"name": name})
	}
	return &triggerDocument{
		ID:             trigger.ID,
		Type:           trigger.Type.String(),
		User:           trigger.User,
		DefinitionRepo: trigger.DefinitionRepo,
		DefinitionFile: trigger.DefinitionFile,
		QueuePriority:  trigger.QueuePriority,
		Secrets:        names,
	}, nil
}

func (a *ProjectAPI) ListTriggers(w http.ResponseWriter, r *http.Request) {
	project, err := readProject(r, a.projectStore)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	triggers, err := a.triggerStore.ListByProject(r.Context(), nil, project.ID)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	typeFilter := r.URL.Query().Get("type")
	docs := make([]*triggerDocument, 0, len(triggers))
	for _, trigger := range triggers {
		if typeFilter != "" && trigger.Type.String() != typeFilter {
			continue
		}
		doc, err := a.triggerDoc(r, trigger)
		if err != nil {
			a.Error(w, r, err)
			return
		}
		docs = append(docs, doc)
	}
	a.JSON(w, r, http.StatusOK, map[string]interface{}{"triggers": docs})
}

type createTriggerRequest struct {
	Type           string            `json:"type"`
	Owner          string            `json:"owner"`
	DefinitionRepo string            `json:"definition_repo,omitempty"`
	DefinitionFile string            `json:"definition_file,omitempty"`
	QueuePriority  int               `json:"queue_priority,omitempty"`
	Secrets        map[string]string `json:"secrets,omitempty"`
}

func (a *ProjectAPI) CreateTrigger(w http.ResponseWriter, r *http.Request) {
	project, err := readProject(r, a.projectStore)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	var req createTriggerRequest
	err = a.ReadJSON(r, &req)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	triggerType, err := models.ParseTriggerType(req.Type)
	if err != nil {
		a.Error(w, r, gerror.NewErrValidationFailed("Missing or invalid parameter: type").Wrap(err))
		return
	}
	sealed, err := a.encryptionService.SealSecrets(r.Context(), req.Secrets)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	trigger := models.NewProjectTrigger(models.NewTime(a.clk.Now()), project.ID, triggerType,
		req.Owner, sealed, req.DefinitionRepo, req.DefinitionFile, req.QueuePriority)
	err = a.triggerStore.Create(r.Context(), nil, trigger)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	a.JSON(w, r, http.StatusCreated, map[string]interface{}{"id": trigger.ID})
}

type patchTriggerRequest struct {
	DefinitionRepo string `json:"definition_repo,omitempty"`
	DefinitionFile string `json:"definition_file,omitempty"`
	// Secrets is a list of {name, value} entries; a null value deletes the
	// named secret.
	Secrets []struct {
		Name  string  `json:"name"`
		Value *string `json:"value"`
	} `json:"secrets,omitempty"`
}

func (a *ProjectAPI) PatchTrigger(w http.ResponseWriter, r *http.Request) {
	_, trigger, err := a.readTrigger(r)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	var req patchTriggerRequest
	err = a.ReadJSON(r, &req)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	if req.DefinitionRepo != "" {
		trigger.DefinitionRepo = req.DefinitionRepo
	}
	if req.DefinitionFile != "" {
		trigger.DefinitionFile = req.DefinitionFile
	}
	if len(req.Secrets) > 0 {
		secrets, err := a.encryptionService.OpenSecrets(r.Context(), trigger.SecretData)
		if err != nil {
			a.Error(w, r, err)
			return
		}
		for _, secret := range req.Secrets {
			if secret.Value == nil {
				delete(secrets, secret.Name)
			} else {
				secrets[secret.Name] = *secret.Value
			}
		}
		trigger.SecretData, err = a.encryptionService.SealSecrets(r.Context(), secrets)
		if err != nil {
			a.Error(w, r, err)
			return
		}
	}
	trigger.UpdatedAt = models.NewTime(a.clk.Now())
	err = a.triggerStore.Update(r.Context(), nil, trigger)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	a.JSON(w, r, http.StatusOK, nil)
}

func (a *ProjectAPI) DeleteTrigger(w http.ResponseWriter, r *http.Request) {
	_, trigger, err := a.readTrigger(r)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	err = a.triggerStore.Delete(r.Context(), nil, trigger.ID)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	a.JSON(w, r, http.StatusOK, nil)
}

// readTrigger resolves the triggerID URL parameter and checks it belongs to
// the project in the URL, so a signed caller cannot patch another project's
// trigger by id.
func (a *ProjectAPI) readTrigger(r *http.Request) (*models.Project, *models.ProjectTrigger, error) {
	project, err := readProject(r, a.projectStore)
	if err != nil {
		return nil, nil, err
	}
	resourceID, err := models.ParseResourceID(chi.URLParam(r, "triggerID"))
	if err != nil {
		return nil, nil, gerror.NewErrNotFound("Trigger not found").Wrap(err)
	}
	trigger, err := a.triggerStore.Read(r.Context(), nil, models.ProjectTriggerIDFromResourceID(resourceID))
	if err != nil {
		return nil, nil, err
	}
	if trigger.ProjectID != project.ID {
		return nil, nil, gerror.NewErrNotFound("Trigger not found")
	}
	return project, trigger, nil
}
