package server

import (
	"compress/gzip"
	"fmt"
	"io/ioutil"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/jobserv/jobserv/common/gerror"
	"github.com/jobserv/jobserv/common/logger"
	"github.com/jobserv/jobserv/common/models"
	"github.com/jobserv/jobserv/server/api/rest/middleware"
	"github.com/jobserv/jobserv/server/dto"
	"github.com/jobserv/jobserv/server/services"
	"github.com/jobserv/jobserv/server/services/workerlog"
	"github.com/jobserv/jobserv/server/store"
)

type WorkerAPI struct {
	*APIBase
	clk                   clock.Clock
	workerStore           store.WorkerStore
	projectStore          store.ProjectStore
	dispatchService       services.DispatchService
	workerLogService      *workerlog.WorkerLogService
	authenticationService services.AuthenticationService
}

func NewWorkerAPI(
	clk clock.Clock,
	workerStore store.WorkerStore,
	projectStore store.ProjectStore,
	dispatchService services.DispatchService,
	workerLogService *workerlog.WorkerLogService,
	authenticationService services.AuthenticationService,
	logFactory logger.LogFactory,
) *WorkerAPI {
	return &WorkerAPI{
		APIBase:               NewAPIBase(logFactory("WorkerAPI")),
		clk:                   clk,
		workerStore:           workerStore,
		projectStore:          projectStore,
		dispatchService:       dispatchService,
		workerLogService:      workerLogService,
		authenticationService: authenticationService,
	}
}

func (a *WorkerAPI) List(w http.ResponseWriter, r *http.Request) {
	pagination, err := parsePagination(r)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	workers, cursor, err := a.workerStore.List(r.Context(), nil, pagination)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	a.JSON(w, r, http.StatusOK, map[string]interface{}{
		"workers": workers,
		"next":    nextPageQuery(pagination, cursor),
	})
}

type createWorkerRequest struct {
	APIKey         string   `json:"api_key"`
	Distro         string   `json:"distro"`
	MemTotal       *int64   `json:"mem_total"`
	CPUTotal       *int     `json:"cpu_total"`
	CPUType        string   `json:"cpu_type"`
	ConcurrentRuns *int     `json:"concurrent_runs"`
	HostTags       []string `json:"host_tags"`
	SurgesOnly     bool     `json:"surges_only"`
}

func (a *WorkerAPI) Create(w http.ResponseWriter, r *http.Request) {
	name := models.ResourceName(chi.URLParam(r, "workerName"))
	err := name.Validate()
	if err != nil {
		a.Error(w, r, gerror.NewErrValidationFailed("Invalid worker name").Wrap(err))
		return
	}
	var req createWorkerRequest
	err = a.ReadJSON(r, &req)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	var missing []string
	if req.APIKey == "" {
		missing = append(missing, "api_key")
	}
	if req.Distro == "" {
		missing = append(missing, "distro")
	}
	if req.MemTotal == nil {
		missing = append(missing, "mem_total")
	}
	if req.CPUTotal == nil {
		missing = append(missing, "cpu_total")
	}
	if req.CPUType == "" {
		missing = append(missing, "cpu_type")
	}
	if req.ConcurrentRuns == nil {
		missing = append(missing, "concurrent_runs")
	}
	if len(req.HostTags) == 0 {
		missing = append(missing, "host_tags")
	}
	if len(missing) > 0 {
		a.Error(w, r, gerror.NewErrValidationFailed("Missing required field(s): "+strings.Join(missing, ", ")))
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.APIKey), bcrypt.DefaultCost)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	worker := models.NewWorker(
		models.NewTime(a.clk.Now()),
		name,
		req.Distro,
		*req.MemTotal,
		*req.CPUTotal,
		req.CPUType,
		*req.ConcurrentRuns,
		req.HostTags,
		string(hash),
	)
	worker.SurgesOnly = req.SurgesOnly
	err = a.workerStore.Create(r.Context(), nil, worker)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	a.JSON(w, r, http.StatusCreated, map[string]interface{}{"worker": worker})
}

// checkInDocument is a worker payload that can carry popped run definitions.
type checkInDocument struct {
	*models.Worker
	RunDefs []*models.RunDef `json:"run-defs,omitempty"`
}

// CheckIn is the worker poll loop's endpoint. Without credentials it only
// reports the worker record; with credentials it records a ping and, when
// the worker has capacity, atomically claims at most one queued run.
func (a *WorkerAPI) CheckIn(w http.ResponseWriter, r *http.Request) {
	name := models.ResourceName(chi.URLParam(r, "workerName"))
	worker, err := a.workerStore.ReadByName(r.Context(), nil, name)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	if r.Header.Get("Authorization") == "" {
		a.JSON(w, r, http.StatusOK, map[string]interface{}{"worker": worker})
		return
	}
	authenticated, err := middleware.AuthenticateWorker(r, a.authenticationService, name)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	worker = authenticated.Worker

	// An authenticated poll is proof of life; the monitor flips the worker
	// back offline once its pings go stale.
	if !worker.Online {
		worker.Online = true
		worker.UpdatedAt = models.NewTime(a.clk.Now())
		err = a.workerStore.Update(r.Context(), nil, worker)
		if err != nil {
			a.Error(w, r, err)
			return
		}
	}

	err = a.workerLogService.AppendPing(worker.Name, fmt.Sprintf("%s: %s", a.clk.Now().UTC().Format(time.RFC3339), r.URL.RawQuery))
	if err != nil {
		a.Errorf("error recording worker ping: %v", err)
	}

	checkIn, err := parseWorkerCheckIn(r)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	document := &checkInDocument{Worker: worker}
	if worker.Available() && checkIn.AvailableRunners > 0 {
		popped, err := a.dispatchService.CheckIn(r.Context(), worker, checkIn, requestHostURL(r))
		if err != nil {
			a.Error(w, r, err)
			return
		}
		if popped != nil {
			document.RunDefs = []*models.RunDef{popped.RunDef}
		}
	}
	a.JSON(w, r, http.StatusOK, map[string]interface{}{"worker": document})
}

// parseWorkerCheckIn reads the capacity figures the worker reports as query
// parameters on its poll.
func parseWorkerCheckIn(r *http.Request) (dto.WorkerCheckIn, error) {
	query := r.URL.Query()
	checkIn := dto.WorkerCheckIn{}
	intParams := map[string]*int64{
		"mem_free":  &checkIn.MemFree,
		"disk_free": &checkIn.DiskFree,
	}
	for param, target := range intParams {
		if raw := query.Get(param); raw != "" {
			value, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return checkIn, gerror.NewErrInvalidQueryParameter(fmt.Sprintf("Invalid %s: %s", param, raw)).Wrap(err)
			}
			*target = value
		}
	}
	if raw := query.Get("available_runners"); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil {
			return checkIn, gerror.NewErrInvalidQueryParameter(fmt.Sprintf("Invalid available_runners: %s", raw)).Wrap(err)
		}
		checkIn.AvailableRunners = value
	}
	floatParams := map[string]*float64{
		"load_avg_1":  &checkIn.LoadAvg1,
		"load_avg_5":  &checkIn.LoadAvg5,
		"load_avg_15": &checkIn.LoadAvg15,
	}
	for param, target := range floatParams {
		if raw := query.Get(param); raw != "" {
			value, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return checkIn, gerror.NewErrInvalidQueryParameter(fmt.Sprintf("Invalid %s: %s", param, raw)).Wrap(err)
			}
			*target = value
		}
	}
	return checkIn, nil
}

// requestHostURL is scheme://host of the inbound request, used to rewrite
// callback URLs so workers call back the way they came in.
func requestHostURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if forwarded := r.Header.Get("X-Forwarded-Proto"); forwarded != "" {
		scheme = forwarded
	}
	return scheme + "://" + r.Host
}

type patchWorkerRequest struct {
	Distro         *string   `json:"distro"`
	MemTotal       *int64    `json:"mem_total"`
	CPUTotal       *int      `json:"cpu_total"`
	CPUType        *string   `json:"cpu_type"`
	ConcurrentRuns *int      `json:"concurrent_runs"`
	HostTags       *[]string `json:"host_tags"`
	SurgesOnly     *bool     `json:"surges_only"`
}

func (a *WorkerAPI) Patch(w http.ResponseWriter, r *http.Request) {
	worker := middleware.WorkerFromContext(r.Context()).Worker
	var req patchWorkerRequest
	err := a.ReadJSON(r, &req)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	if req.Distro != nil {
		worker.Distro = *req.Distro
	}
	if req.MemTotal != nil {
		worker.MemTotal = *req.MemTotal
	}
	if req.CPUTotal != nil {
		worker.CPUTotal = *req.CPUTotal
	}
	if req.CPUType != nil {
		worker.CPUType = *req.CPUType
	}
	if req.ConcurrentRuns != nil {
		worker.ConcurrentRuns = *req.ConcurrentRuns
	}
	if req.SurgesOnly != nil {
		worker.SurgesOnly = *req.SurgesOnly
	}
	if req.HostTags != nil {
		allowed := worker.AllowedTagList()
		if len(allowed) > 0 {
			allowedSet := make(map[string]struct{}, len(allowed))
			for _, tag := range allowed {
				allowedSet[tag] = struct{}{}
			}
			for _, tag := range *req.HostTags {
				if _, ok := allowedSet[tag]; !ok {
					a.Error(w, r, gerror.NewErrForbidden("Worker not allowed access to host_tags"))
					return
				}
			}
		}
		worker.HostTags = strings.Join(*req.HostTags, ",")
	}
	worker.UpdatedAt = models.NewTime(a.clk.Now())
	err = a.workerStore.Update(r.Context(), nil, worker)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	a.JSON(w, r, http.StatusOK, map[string]interface{}{"worker": worker})
}

func (a *WorkerAPI) PostEvent(w http.ResponseWriter, r *http.Request) {
	worker := middleware.WorkerFromContext(r.Context()).Worker
	if !worker.Enlisted {
		a.Error(w, r, gerror.NewErrForbidden("Worker is not enlisted"))
		return
	}
	body, err := ioutil.ReadAll(r.Body)
	if err != nil {
		a.Error(w, r, gerror.NewErrValidationFailed("Unable to read request body").Wrap(err))
		return
	}
	err = a.workerLogService.AppendEvent(worker.Name, fmt.Sprintf("%s: %s", a.clk.Now().UTC().Format(time.RFC3339), strings.TrimSpace(string(body))))
	if err != nil {
		a.Error(w, r, err)
		return
	}
	a.JSON(w, r, http.StatusCreated, nil)
}

type volumesDeletedRequest struct {
	Directories []string `json:"directories"`
}

// VolumesDeleted tells a worker which of its persistent volume directories
// no longer belong to any live project and can be reclaimed.
func (a *WorkerAPI) VolumesDeleted(w http.ResponseWriter, r *http.Request) {
	var req volumesDeletedRequest
	err := a.ReadJSON(r, &req)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	live := map[string]struct{}{}
	pagination := models.NewPagination(models.DefaultPaginationLimit, nil)
	for {
		projects, cursor, err := a.projectStore.List(r.Context(), nil, pagination)
		if err != nil {
			a.Error(w, r, err)
			return
		}
		for _, project := range projects {
			live[project.Name.String()] = struct{}{}
		}
		if cursor == nil || cursor.Next == nil {
			break
		}
		pagination = models.NewPagination(models.DefaultPaginationLimit, cursor.Next)
	}
	deleted := []string{}
	for _, directory := range req.Directories {
		project := strings.SplitN(strings.Trim(directory, "/"), "/", 2)[0]
		if _, ok := live[project]; !ok {
			deleted = append(deleted, directory)
		}
	}
	a.JSON(w, r, http.StatusOK, map[string]interface{}{"volumes": deleted})
}

// UploadLogs accepts a gzip-compressed log bundle from the worker and files
// it under the worker's event log.
func (a *WorkerAPI) UploadLogs(w http.ResponseWriter, r *http.Request) {
	worker := middleware.WorkerFromContext(r.Context()).Worker
	reader, err := gzip.NewReader(r.Body)
	if err != nil {
		a.Error(w, r, gerror.NewErrValidationFailed("Request body must be gzip compressed").Wrap(err))
		return
	}
	defer reader.Close()
	body, err := ioutil.ReadAll(reader)
	if err != nil {
		a.Error(w, r, gerror.NewErrValidationFailed("Unable to decompress request body").Wrap(err))
		return
	}
	err = a.workerLogService.AppendEvent(worker.Name, string(body))
	if err != nil {
		a.Error(w, r, err)
		return
	}
	a.JSON(w, r, http.StatusCreated, nil)
}
