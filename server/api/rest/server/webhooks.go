package server

import (
	"io/ioutil"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jobserv/jobserv/common/gerror"
	"github.com/jobserv/jobserv/common/logger"
	"github.com/jobserv/jobserv/common/models"
	"github.com/jobserv/jobserv/server/services/scm"
	"github.com/jobserv/jobserv/server/services/urls"
)

type WebhookAPI struct {
	*APIBase
	scmService *scm.SCMService
	urls       *urls.Builder
}

func NewWebhookAPI(scmService *scm.SCMService, urlBuilder *urls.Builder, logFactory logger.LogFactory) *WebhookAPI {
	return &WebhookAPI{
		APIBase:    NewAPIBase(logFactory("WebhookAPI")),
		scmService: scmService,
		urls:       urlBuilder,
	}
}

func (a *WebhookAPI) GitHub(w http.ResponseWriter, r *http.Request) {
	body, err := ioutil.ReadAll(r.Body)
	if err != nil {
		a.Error(w, r, gerror.NewErrValidationFailed("Unable to read request body").Wrap(err))
		return
	}
	a.handle(w, r, models.TriggerTypeGitHubPR, &scm.Delivery{
		Event:     r.Header.Get("X-Github-Event"),
		Signature: r.Header.Get("X-Hub-Signature"),
		Body:      body,
	})
}

func (a *WebhookAPI) GitLab(w http.ResponseWriter, r *http.Request) {
	body, err := ioutil.ReadAll(r.Body)
	if err != nil {
		a.Error(w, r, gerror.NewErrValidationFailed("Unable to read request body").Wrap(err))
		return
	}
	a.handle(w, r, models.TriggerTypeGitLabMR, &scm.Delivery{
		Event: r.Header.Get("X-Gitlab-Event"),
		Token: r.Header.Get("X-Gitlab-Token"),
		Body:  body,
	})
}

// handle runs one webhook delivery through the SCM pipeline. A nil build
// means the delivery was valid but ignorable (wrong action, label gate not
// yet satisfied); the SCM expects a 2xx for those so it does not retry.
func (a *WebhookAPI) handle(w http.ResponseWriter, r *http.Request, triggerType models.TriggerType, delivery *scm.Delivery) {
	projectName := models.ResourceName(chi.URLParam(r, "projectName"))
	build, err := a.scmService.HandleWebhook(r.Context(), projectName, triggerType, delivery)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	if build == nil {
		a.JSON(w, r, http.StatusOK, nil)
		return
	}
	a.JSON(w, r, http.StatusCreated, map[string]interface{}{
		"url": a.urls.Build(projectName, build.Number),
	})
}
