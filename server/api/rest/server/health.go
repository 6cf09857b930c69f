package server

import (
	"net/http"

	"github.com/jobserv/jobserv/common/logger"
	"github.com/jobserv/jobserv/common/models"
	"github.com/jobserv/jobserv/server/services/urls"
	"github.com/jobserv/jobserv/server/store"
)

type HealthAPI struct {
	*APIBase
	runStore   store.RunStore
	buildStore store.BuildStore
	projects   store.ProjectStore
	urls       *urls.Builder
}

func NewHealthAPI(runStore store.RunStore, buildStore store.BuildStore, projectStore store.ProjectStore, urlBuilder *urls.Builder, logFactory logger.LogFactory) *HealthAPI {
	return &HealthAPI{
		APIBase:    NewAPIBase(logFactory("HealthAPI")),
		runStore:   runStore,
		buildStore: buildStore,
		projects:   projectStore,
		urls:       urlBuilder,
	}
}

// Check answers the load balancer's liveness probe.
func (a *HealthAPI) Check(w http.ResponseWriter, r *http.Request) {
	a.JSON(w, r, http.StatusOK, nil)
}

type activeRunItem struct {
	Project models.ResourceName `json:"project"`
	Build   int                 `json:"build"`
	Run     models.ResourceName `json:"run"`
	URL     string              `json:"url"`
	Created models.Time         `json:"created"`
}

// Runs reports a per-status census plus details of everything active, for
// operators watching queue depth.
func (a *HealthAPI) Runs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	active, err := a.runStore.ListAll(ctx, nil, store.RunSearch{
		Statuses: []models.Status{models.StatusQueued, models.StatusRunning, models.StatusUploading, models.StatusCancelling},
	})
	if err != nil {
		a.Error(w, r, err)
		return
	}

	statuses := make(map[string]int)
	queued := []*activeRunItem{}
	running := make(map[string][]*activeRunItem)
	for _, run := range active {
		statuses[run.Status.String()]++
		build, err := a.buildStore.Read(ctx, nil, run.BuildID)
		if err != nil {
			a.Error(w, r, err)
			return
		}
		project, err := a.projects.Read(ctx, nil, build.ProjectID)
		if err != nil {
			a.Error(w, r, err)
			return
		}
		item := &activeRunItem{
			Project: project.Name,
			Build:   build.Number,
			Run:     run.Name,
			URL:     a.urls.Run(project.Name, build.Number, run.Name),
			Created: run.CreatedAt,
		}
		if run.Status == models.StatusQueued {
			queued = append(queued, item)
		} else {
			worker := "?"
			if run.WorkerName != nil {
				worker = run.WorkerName.String()
			}
			running[worker] = append(running[worker], item)
		}
	}

	a.JSON(w, r, http.StatusOK, map[string]interface{}{
		"health": map[string]interface{}{
			"statuses": statuses,
			"QUEUED":   queued,
			"RUNNING":  running,
		},
	})
}
