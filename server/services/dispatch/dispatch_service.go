package dispatch

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/bmatcuk/doublestar/v2"
	"github.com/pkg/errors"

	"github.com/jobserv/jobserv/common/gerror"
	"github.com/jobserv/jobserv/common/logger"
	"github.com/jobserv/jobserv/common/models"
	"github.com/jobserv/jobserv/server/dto"
	"github.com/jobserv/jobserv/server/services"
	"github.com/jobserv/jobserv/server/store"
)

// DispatchService matches queued runs to polling workers. Selection happens
// inside one transaction over the row-locked candidate set, so concurrent
// check-ins never hand the same run to two workers and any failure after
// selection rolls the run back to QUEUED with no event recorded.
type DispatchService struct {
	db                *store.DB
	clk               clock.Clock
	buildStore        store.BuildStore
	runStore          store.RunStore
	runEventStore     store.RunEventStore
	artifactService   services.ArtifactService
	buildService      services.BuildService
	surgeService      services.SurgeService
	diskFreeThreshold int64
	logger.Log
}

func NewDispatchService(
	db *store.DB,
	clk clock.Clock,
	buildStore store.BuildStore,
	runStore store.RunStore,
	runEventStore store.RunEventStore,
	artifactService services.ArtifactService,
	buildService services.BuildService,
	surgeService services.SurgeService,
	diskFreeThreshold int64,
	logFactory logger.LogFactory,
) *DispatchService {
	return &DispatchService{
		db:                db,
		clk:               clk,
		buildStore:        buildStore,
		runStore:          runStore,
		runEventStore:     runEventStore,
		artifactService:   artifactService,
		buildService:      buildService,
		surgeService:      surgeService,
		diskFreeThreshold: diskFreeThreshold,
		Log:               logFactory("DispatchService"),
	}
}

// CheckIn processes one worker poll: applies the admission gate and
// atomically pops at most one matching queued run. Returns nil when no work
// is assigned. baseURL is the scheme+host the check-in arrived on; the popped
// run's callback URLs are rewritten to it so workers behind split-horizon
// deployments call back the way they came in.
func (s *DispatchService) CheckIn(ctx context.Context, worker *models.Worker, checkIn dto.WorkerCheckIn, baseURL string) (*dto.PoppedRun, error) {
	if !worker.Available() {
		return nil, gerror.NewErrWorkerNotEnlisted()
	}
	if checkIn.AvailableRunners < 1 {
		return nil, nil
	}
	if s.diskFreeThreshold > 0 && checkIn.DiskFree < s.diskFreeThreshold {
		s.Warnf("Worker %s reports %d bytes free, below the %d byte dispatch threshold; withholding work",
			worker.Name, checkIn.DiskFree, s.diskFreeThreshold)
		return nil, nil
	}
	tags := worker.HostTagList()
	nameMatch := true
	if worker.SurgesOnly {
		tags = s.surgedTags(tags)
		// Surge capacity exists for overloaded tags only; a surges-only
		// worker is not addressable by name.
		nameMatch = false
		if len(tags) == 0 {
			return nil, nil
		}
	}

	var popped *dto.PoppedRun
	err := s.db.WithTx(ctx, nil, func(tx *store.Tx) error {
		candidates, err := s.runStore.ListQueuedCandidates(ctx, tx)
		if err != nil {
			return errors.Wrap(err, "error listing queued runs")
		}
		for _, candidate := range candidates {
			if !runMatchesWorker(&candidate.Run, worker, tags, nameMatch) {
				continue
			}
			if candidate.SynchronousBuilds {
				// Runs of the same build never block each other; only
				// unfinished earlier builds of the project do.
				blocked, err := s.buildStore.CountIncompleteBefore(ctx, tx, candidate.BuildProjectID, candidate.BuildNumber)
				if err != nil {
					return errors.Wrap(err, "error checking synchronous builds")
				}
				if blocked > 0 {
					continue
				}
			}
			popped, err = s.claim(ctx, tx, candidate, worker, baseURL)
			if err != nil {
				return err
			}
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return popped, nil
}

// claim transitions the selected run to RUNNING on this worker and resolves
// the run definition the response carries. Called within the dispatch
// transaction; any error rolls the claim back.
func (s *DispatchService) claim(ctx context.Context, tx *store.Tx, candidate *store.QueuedCandidate, worker *models.Worker, baseURL string) (*dto.PoppedRun, error) {
	now := models.NewTime(s.clk.Now())
	run := candidate.Run
	run.Status = models.StatusRunning
	run.WorkerName = &worker.Name
	run.RunningAcked = false
	err := s.runStore.Update(ctx, tx, &run)
	if err != nil {
		return nil, errors.Wrap(err, "error claiming run")
	}
	err = s.runEventStore.Create(ctx, tx, models.NewRunEvent(now, run.ID, models.StatusRunning))
	if err != nil {
		return nil, errors.Wrap(err, "error recording run event")
	}
	_, err = s.buildService.RefreshStatus(ctx, tx, run.BuildID)
	if err != nil {
		return nil, errors.Wrap(err, "error rolling up build status")
	}

	rundef, err := s.artifactService.GetRunDefinition(ctx, candidate.ProjectName, candidate.BuildNumber, run.Name)
	if err != nil {
		return nil, errors.Wrap(err, "error loading run definition")
	}
	rewriteCallbackURLs(rundef, baseURL)

	line := fmt.Sprintf("# Run sent to worker: %s\n", worker.Name)
	err = s.artifactService.AppendConsole(ctx, candidate.ProjectName, candidate.BuildNumber, run.Name, []byte(line))
	if err != nil {
		return nil, errors.Wrap(err, "error recording dispatch in console")
	}

	s.Infof("Dispatched run %s of %s build %d to worker %s",
		run.Name, candidate.ProjectName, candidate.BuildNumber, worker.Name)
	return &dto.PoppedRun{Run: &run, RunDef: rundef}, nil
}

// surgedTags filters a tag list down to the tags currently under surge.
func (s *DispatchService) surgedTags(tags []string) []string {
	var out []string
	for _, tag := range tags {
		if s.surgeService.IsSurgeActive(tag) {
			out = append(out, tag)
		}
	}
	return out
}

// runMatchesWorker reports whether a queued run may execute on the worker:
// the run's host tag is a case-insensitive glob matched against each worker
// tag, or the exact worker name.
func runMatchesWorker(run *models.Run, worker *models.Worker, tags []string, nameMatch bool) bool {
	pattern := strings.ToLower(run.HostTag)
	if pattern == "" {
		return false
	}
	for _, tag := range tags {
		ok, err := doublestar.Match(pattern, strings.ToLower(tag))
		if err == nil && ok {
			return true
		}
	}
	return nameMatch && strings.EqualFold(run.HostTag, worker.Name.String())
}

// rewriteCallbackURLs points the rundef's callback URLs at the host the
// check-in arrived on.
func rewriteCallbackURLs(rundef *models.RunDef, baseURL string) {
	if baseURL == "" {
		return
	}
	base, err := url.Parse(baseURL)
	if err != nil || base.Host == "" {
		return
	}
	rundef.RunURL = rewriteHost(rundef.RunURL, base)
	rundef.RunnerURL = rewriteHost(rundef.RunnerURL, base)
	if trigger, ok := rundef.Env["H_TRIGGER_URL"]; ok {
		rundef.Env["H_TRIGGER_URL"] = rewriteHost(trigger, base)
	}
}

func rewriteHost(rawurl string, base *url.URL) string {
	u, err := url.Parse(rawurl)
	if err != nil {
		return rawurl
	}
	u.Scheme = base.Scheme
	u.Host = base.Host
	return u.String()
}
