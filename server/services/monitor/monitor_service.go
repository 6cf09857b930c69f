package monitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/jobserv/jobserv/common/gerror"
	"github.com/jobserv/jobserv/common/logger"
	"github.com/jobserv/jobserv/common/models"
	"github.com/jobserv/jobserv/common/util"
	"github.com/jobserv/jobserv/server/services"
	"github.com/jobserv/jobserv/server/services/workerlog"
	"github.com/jobserv/jobserv/server/store"
)

const surgeFilePrefix = "enable_surge-"

// Config tunes the monitor's sweep intervals and thresholds.
type Config struct {
	// SurgeDir holds the enable_surge-<tag> marker files.
	SurgeDir string
	// SurgeSupportRatio is how many queued runs each online worker is
	// expected to absorb before a surge is declared for its tag.
	SurgeSupportRatio int
	// SurgeHysteresis is how long a surge must have been active before the
	// monitor will end it, so capacity is not flapped on a noisy queue.
	SurgeHysteresis time.Duration
	PollInterval    time.Duration
	// AckTimeout is how long a dispatched run may sit unacknowledged before
	// it is requeued.
	AckTimeout time.Duration
	// OfflineAfter is how long a worker may go without polling before it is
	// marked offline. Surges-only workers poll lazily outside a surge, so
	// they get the longer OfflineAfterSurgesOnly.
	OfflineAfter           time.Duration
	OfflineAfterSurgesOnly time.Duration
	// StuckRunningAfter and StuckCancellingAfter bound how long a run may sit
	// in RUNNING or CANCELLING without a row update before it is failed.
	StuckRunningAfter    time.Duration
	StuckCancellingAfter time.Duration
	// WorkerLogRetention is how long a silent worker's logs are kept.
	WorkerLogRetention time.Duration
}

func DefaultConfig(surgeDir string) Config {
	return Config{
		SurgeDir:               surgeDir,
		SurgeSupportRatio:      3,
		SurgeHysteresis:        5 * time.Minute,
		PollInterval:           15 * time.Second,
		AckTimeout:             15 * time.Second,
		OfflineAfter:           80 * time.Second,
		OfflineAfterSurgesOnly: 2 * time.Minute,
		StuckRunningAfter:      12 * time.Hour,
		StuckCancellingAfter:   10 * time.Minute,
		WorkerLogRetention:     4 * 24 * time.Hour,
	}
}

type sweepRequest struct {
	completedChan chan error
}

// MonitorService is the background janitor: it requeues dispatched runs that
// were never acknowledged, marks silent workers offline, fails stuck and
// cancelled runs, maintains the surge markers the dispatcher consults, and
// garbage-collects old worker logs.
type MonitorService struct {
	*util.StatefulService
	db                  *store.DB
	clk                 clock.Clock
	cfg                 Config
	projectStore        store.ProjectStore
	buildStore          store.BuildStore
	runStore            store.RunStore
	runEventStore       store.RunEventStore
	workerStore         store.WorkerStore
	artifactService     services.ArtifactService
	buildService        services.BuildService
	runService          services.RunService
	notificationService services.NotificationService
	workerLogService    *workerlog.WorkerLogService
	sweepChan           chan *sweepRequest
	logger.Log
}

func NewMonitorService(
	db *store.DB,
	clk clock.Clock,
	cfg Config,
	projectStore store.ProjectStore,
	buildStore store.BuildStore,
	runStore store.RunStore,
	runEventStore store.RunEventStore,
	workerStore store.WorkerStore,
	artifactService services.ArtifactService,
	buildService services.BuildService,
	runService services.RunService,
	notificationService services.NotificationService,
	workerLogService *workerlog.WorkerLogService,
	logFactory logger.LogFactory,
) *MonitorService {
	s := &MonitorService{
		db:                  db,
		clk:                 clk,
		cfg:                 cfg,
		projectStore:        projectStore,
		buildStore:          buildStore,
		runStore:            runStore,
		runEventStore:       runEventStore,
		workerStore:         workerStore,
		artifactService:     artifactService,
		buildService:        buildService,
		runService:          runService,
		notificationService: notificationService,
		workerLogService:    workerLogService,
		sweepChan:           make(chan *sweepRequest),
		Log:                 logFactory("MonitorService"),
	}
	s.StatefulService = util.NewStatefulService(context.Background(), s.Log, s.loop)
	return s
}

// IsSurgeActive reports whether a surge marker exists for the tag.
func (s *MonitorService) IsSurgeActive(tag string) bool {
	_, err := os.Stat(s.surgeFile(tag))
	return err == nil
}

func (s *MonitorService) loop() {
	s.Tracef("Starting monitor polling loop...")
	for {
		select {
		case <-s.StatefulService.Ctx().Done():
			s.Tracef("Monitor service closed; exiting...")
			return

		case req := <-s.sweepChan:
			// Test hook; runs one synchronous sweep on demand.
			req.completedChan <- s.Sweep(s.Ctx())

		case <-s.clk.After(s.cfg.PollInterval):
			err := s.Sweep(s.Ctx())
			if err != nil {
				s.Errorf("Error sweeping: %v", err)
			}
		}
	}
}

// RequestSweep runs one sweep pass on the service goroutine and waits for it.
func (s *MonitorService) RequestSweep() error {
	req := &sweepRequest{completedChan: make(chan error)}
	s.sweepChan <- req
	return <-req.completedChan
}

// Sweep runs every check once. Individual sweep failures are collected so a
// broken check never starves the others.
func (s *MonitorService) Sweep(ctx context.Context) error {
	var result *multierror.Error
	result = multierror.Append(result, s.sweepUnacked(ctx))
	result = multierror.Append(result, s.sweepOfflineWorkers(ctx))
	result = multierror.Append(result, s.sweepCancelling(ctx))
	result = multierror.Append(result, s.sweepStuck(ctx))
	result = multierror.Append(result, s.sweepSurges(ctx))
	result = multierror.Append(result, s.sweepWorkerLogs())
	return result.ErrorOrNil()
}

// sweepUnacked requeues dispatched runs whose worker never sent a first
// message; the worker most likely died between claiming and starting.
func (s *MonitorService) sweepUnacked(ctx context.Context) error {
	notAcked := false
	cutoff := models.NewTime(s.clk.Now().Add(-s.cfg.AckTimeout))
	list, err := s.runStore.ListAll(ctx, nil, store.RunSearch{
		Statuses:      []models.Status{models.StatusRunning},
		RunningAcked:  &notAcked,
		UpdatedBefore: &cutoff,
	})
	if err != nil {
		return errors.Wrap(err, "error listing unacknowledged runs")
	}
	for _, run := range list {
		err = s.requeueRun(ctx, run)
		if err != nil {
			return err
		}
		requeuedRunsCnt.Inc()
	}
	return nil
}

func (s *MonitorService) requeueRun(ctx context.Context, run *models.Run) error {
	workerName := "unknown"
	if run.WorkerName != nil {
		workerName = run.WorkerName.String()
	}
	err := s.db.WithTx(ctx, nil, func(tx *store.Tx) error {
		err := s.buildStore.LockRowForUpdate(ctx, tx, run.BuildID)
		if err != nil {
			return errors.Wrap(err, "error locking build")
		}
		fresh, err := s.runStore.Read(ctx, tx, run.ID)
		if err != nil {
			return errors.Wrap(err, "error reading run")
		}
		if fresh.Status != models.StatusRunning || fresh.RunningAcked {
			return nil
		}
		fresh.Status = models.StatusQueued
		fresh.WorkerName = nil
		err = s.runStore.Update(ctx, tx, fresh)
		if err != nil {
			return errors.Wrap(err, "error updating run")
		}
		err = s.runEventStore.Create(ctx, tx, models.NewRunEvent(models.NewTime(s.clk.Now()), fresh.ID, models.StatusQueued))
		if err != nil {
			return errors.Wrap(err, "error recording run event")
		}
		_, err = s.buildService.RefreshStatus(ctx, tx, fresh.BuildID)
		return errors.Wrap(err, "error rolling up build status")
	})
	if err != nil {
		return err
	}
	s.Infof("Requeued run %s: worker %q never acknowledged it", run.ID, workerName)
	s.appendConsole(ctx, run, fmt.Sprintf("# Worker %s never acknowledged the run; requeued\n", workerName))
	return nil
}

// sweepOfflineWorkers marks online workers offline when their pings log has
// gone stale. The DB row's update time pre-filters candidates so the common
// case touches no worker rows at all.
func (s *MonitorService) sweepOfflineWorkers(ctx context.Context) error {
	now := s.clk.Now()
	cutoff := models.NewTime(now.Add(-s.cfg.OfflineAfter))
	candidates, err := s.workerStore.ListOnlineUpdatedBefore(ctx, nil, cutoff)
	if err != nil {
		return errors.Wrap(err, "error listing online workers")
	}
	for _, worker := range candidates {
		lastPing, err := s.workerLogService.LastPing(worker.Name)
		if err != nil && !gerror.IsNotFound(err) {
			return err
		}
		threshold := s.cfg.OfflineAfter
		if worker.SurgesOnly {
			threshold = s.cfg.OfflineAfterSurgesOnly
		}
		if lastPing.After(now.Add(-threshold)) {
			continue
		}
		worker.Online = false
		err = s.workerStore.Update(ctx, nil, worker)
		if err != nil {
			return errors.Wrapf(err, "error marking worker %q offline", worker.Name)
		}
		s.Infof("Marked worker %q offline: no ping since %s", worker.Name, lastPing)
		err = s.workerLogService.AppendEvent(worker.Name, fmt.Sprintf("%s: marked offline, last ping %s", now.UTC().Format(time.RFC3339), lastPing.UTC().Format(time.RFC3339)))
		if err != nil {
			s.Warnf("Error recording offline event for worker %q: %v", worker.Name, err)
		}
		offlineWorkersCnt.Inc()
	}
	return nil
}

// sweepCancelling fails CANCELLING runs either immediately when no worker
// owns them, or after the acknowledgement window when the owning worker has
// gone quiet.
func (s *MonitorService) sweepCancelling(ctx context.Context) error {
	list, err := s.runStore.ListAll(ctx, nil, store.RunSearch{
		Statuses:     []models.Status{models.StatusCancelling},
		WorkerIsNull: true,
	})
	if err != nil {
		return errors.Wrap(err, "error listing cancelling runs")
	}
	cutoff := models.NewTime(s.clk.Now().Add(-s.cfg.StuckCancellingAfter))
	stale, err := s.runStore.ListAll(ctx, nil, store.RunSearch{
		Statuses:      []models.Status{models.StatusCancelling},
		UpdatedBefore: &cutoff,
	})
	if err != nil {
		return errors.Wrap(err, "error listing stale cancelling runs")
	}
	seen := map[models.RunID]bool{}
	for _, run := range append(list, stale...) {
		if seen[run.ID] {
			continue
		}
		seen[run.ID] = true
		s.appendConsole(ctx, run, "# CANCELLED\n")
		_, err = s.runService.SetStatus(ctx, nil, run, models.StatusFailed)
		if err != nil {
			return errors.Wrapf(err, "error failing cancelled run %s", run.ID)
		}
		cancelledRunsCnt.Inc()
	}
	return nil
}

// sweepStuck fails runs that have reported nothing for far longer than any
// legitimate run takes.
func (s *MonitorService) sweepStuck(ctx context.Context) error {
	cutoff := models.NewTime(s.clk.Now().Add(-s.cfg.StuckRunningAfter))
	list, err := s.runStore.ListAll(ctx, nil, store.RunSearch{
		Statuses:      []models.Status{models.StatusRunning},
		UpdatedBefore: &cutoff,
	})
	if err != nil {
		return errors.Wrap(err, "error listing stuck runs")
	}
	for _, run := range list {
		project, build, err := s.resolveOwners(ctx, run)
		if err != nil {
			return err
		}
		s.appendConsole(ctx, run, "# Run appears to be stuck\n")
		_, err = s.runService.SetStatus(ctx, nil, run, models.StatusFailed)
		if err != nil {
			return errors.Wrapf(err, "error failing stuck run %s", run.ID)
		}
		err = s.notificationService.NotifyRunStuck(ctx, project.Name, build.Number, run)
		if err != nil {
			s.Errorf("Error notifying stuck run %s: %v", run.ID, err)
		}
		stuckRunsCnt.Inc()
	}
	return nil
}

// sweepSurges compares each host tag's queue depth against the capacity of
// the online workers carrying the tag, starting a surge when the queue
// outgrows it and ending the surge once it has drained and settled.
func (s *MonitorService) sweepSurges(ctx context.Context) error {
	queued, err := s.runStore.ListAll(ctx, nil, store.RunSearch{
		Statuses: []models.Status{models.StatusQueued},
	})
	if err != nil {
		return errors.Wrap(err, "error listing queued runs")
	}
	queuedByTag := map[string]int{}
	for _, run := range queued {
		queuedByTag[run.HostTag]++
	}
	workers, err := s.workerStore.ListAll(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "error listing workers")
	}
	capacityByTag := map[string]int{}
	for _, worker := range workers {
		// Surges-only workers are the relief valve, not base capacity.
		if !worker.Online || !worker.Available() || worker.SurgesOnly {
			continue
		}
		for _, tag := range worker.HostTagList() {
			capacityByTag[tag]++
		}
	}

	queuedRunsGauge.Reset()
	for tag, count := range queuedByTag {
		queuedRunsGauge.WithLabelValues(tag).Set(float64(count))
		if count > s.cfg.SurgeSupportRatio*capacityByTag[tag] {
			err = s.startSurge(ctx, tag, count)
			if err != nil {
				return err
			}
		}
	}

	// End surges whose tag has drained below the threshold and stayed there
	// past the hysteresis window.
	entries, err := os.ReadDir(s.cfg.SurgeDir)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "error listing surge markers")
	}
	active := 0
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), surgeFilePrefix) {
			continue
		}
		active++
		tag := strings.TrimPrefix(entry.Name(), surgeFilePrefix)
		if queuedByTag[tag] > s.cfg.SurgeSupportRatio*capacityByTag[tag] {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if s.clk.Now().Sub(info.ModTime()) < s.cfg.SurgeHysteresis {
			continue
		}
		err = s.endSurge(ctx, tag)
		if err != nil {
			return err
		}
		active--
	}
	activeSurgesGauge.Set(float64(active))
	return nil
}

func (s *MonitorService) startSurge(ctx context.Context, tag string, queued int) error {
	path := s.surgeFile(tag)
	_, err := os.Stat(path)
	if err == nil {
		return nil
	}
	messageID, err := s.notificationService.NotifySurgeStarted(ctx, tag, queued)
	if err != nil {
		s.Errorf("Error announcing surge for tag %q: %v", tag, err)
	}
	err = os.MkdirAll(s.cfg.SurgeDir, 0755)
	if err != nil {
		return errors.Wrap(err, "error creating surge directory")
	}
	err = os.WriteFile(path, []byte(messageID), 0644)
	if err != nil {
		return errors.Wrapf(err, "error writing surge marker for tag %q", tag)
	}
	s.Infof("Started surge for tag %q: %d runs queued", tag, queued)
	return nil
}

func (s *MonitorService) endSurge(ctx context.Context, tag string) error {
	path := s.surgeFile(tag)
	messageID, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "error reading surge marker for tag %q", tag)
	}
	err = s.notificationService.NotifySurgeEnded(ctx, tag, string(messageID))
	if err != nil {
		s.Errorf("Error announcing surge end for tag %q: %v", tag, err)
	}
	err = os.Remove(path)
	if err != nil {
		return errors.Wrapf(err, "error removing surge marker for tag %q", tag)
	}
	s.Infof("Ended surge for tag %q", tag)
	return nil
}

func (s *MonitorService) sweepWorkerLogs() error {
	removed, err := s.workerLogService.GC(s.clk.Now().Add(-s.cfg.WorkerLogRetention))
	if err != nil {
		return errors.Wrap(err, "error collecting worker logs")
	}
	if removed > 0 {
		s.Infof("Removed logs for %d silent workers", removed)
	}
	return nil
}

func (s *MonitorService) surgeFile(tag string) string {
	return filepath.Join(s.cfg.SurgeDir, surgeFilePrefix+tag)
}

func (s *MonitorService) appendConsole(ctx context.Context, run *models.Run, line string) {
	project, build, err := s.resolveOwners(ctx, run)
	if err != nil {
		s.Warnf("Error resolving run %s owners: %v", run.ID, err)
		return
	}
	err = s.artifactService.AppendConsole(ctx, project.Name, build.Number, run.Name, []byte(line))
	if err != nil {
		s.Warnf("Error appending console for run %s: %v", run.ID, err)
	}
}

func (s *MonitorService) resolveOwners(ctx context.Context, run *models.Run) (*models.Project, *models.Build, error) {
	build, err := s.buildStore.Read(ctx, nil, run.BuildID)
	if err != nil {
		return nil, nil, errors.Wrap(err, "error reading build")
	}
	project, err := s.projectStore.Read(ctx, nil, build.ProjectID)
	if err != nil {
		return nil, nil, errors.Wrap(err, "error reading project")
	}
	return project, build, nil
}
