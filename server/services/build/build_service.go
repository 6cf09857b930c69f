package build

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/jobserv/jobserv/common/gerror"
	"github.com/jobserv/jobserv/common/logger"
	"github.com/jobserv/jobserv/common/models"
	"github.com/jobserv/jobserv/common/util"
	"github.com/jobserv/jobserv/server/dto"
	"github.com/jobserv/jobserv/server/store"
)

// BuildService owns build-level operations above the entity store: cancel,
// promote, latest-build lookups, externally executed builds and the aggregate
// status rollup every run transition funnels through.
type BuildService struct {
	db            *store.DB
	clk           clock.Clock
	projectStore  store.ProjectStore
	buildStore    store.BuildStore
	runStore      store.RunStore
	runEventStore store.RunEventStore
	logger.Log
}

func NewBuildService(
	db *store.DB,
	clk clock.Clock,
	projectStore store.ProjectStore,
	buildStore store.BuildStore,
	runStore store.RunStore,
	runEventStore store.RunEventStore,
	logFactory logger.LogFactory,
) *BuildService {
	return &BuildService{
		db:            db,
		clk:           clk,
		projectStore:  projectStore,
		buildStore:    buildStore,
		runStore:      runStore,
		runEventStore: runEventStore,
		Log:           logFactory("BuildService"),
	}
}

// Cancel moves every non-terminal run of the build to CANCELLING. Runs a
// worker owns are failed by that worker's acknowledgement; never-dispatched
// runs are swept to FAILED by the monitor's cancelled check.
func (s *BuildService) Cancel(ctx context.Context, project *models.Project, build *models.Build) error {
	return s.db.WithTx(ctx, nil, func(tx *store.Tx) error {
		err := s.buildStore.LockRowForUpdate(ctx, tx, build.ID)
		if err != nil {
			return errors.Wrap(err, "error locking build")
		}
		list, err := s.runStore.ListByBuild(ctx, tx, build.ID)
		if err != nil {
			return errors.Wrap(err, "error listing runs")
		}
		for _, run := range list {
			if run.Complete() || run.Status == models.StatusCancelling {
				continue
			}
			now := models.NewTime(s.clk.Now())
			run.Status = models.StatusCancelling
			err = s.runStore.Update(ctx, tx, run)
			if err != nil {
				return errors.Wrapf(err, "error cancelling run %q", run.Name)
			}
			err = s.runEventStore.Create(ctx, tx, models.NewRunEvent(now, run.ID, models.StatusCancelling))
			if err != nil {
				return errors.Wrap(err, "error recording run event")
			}
		}
		_, err = s.refreshStatusLocked(ctx, tx, build.ID)
		return err
	})
}

// Promote names a completed build for long-term retention.
func (s *BuildService) Promote(ctx context.Context, build *models.Build, promotion dto.Promotion) (*models.Build, error) {
	if !build.Complete() {
		return nil, gerror.NewErrValidationFailed("Build is not yet complete")
	}
	if err := models.ResourceName(promotion.Name).Validate(); err != nil {
		return nil, gerror.NewErrValidationFailed(fmt.Sprintf("Invalid promotion name: %s", err)).Wrap(err)
	}
	build.Status = models.StatusPromoted
	build.Name = &promotion.Name
	if promotion.Annotation != "" {
		build.Annotation = &promotion.Annotation
	}
	err := s.buildStore.Update(ctx, nil, build)
	if err != nil {
		if gerror.IsAlreadyExists(err) {
			return nil, gerror.NewErrAlreadyExists(
				fmt.Sprintf("A build named %q already exists in this project", promotion.Name)).Wrap(err)
		}
		return nil, errors.Wrap(err, "error promoting build")
	}
	s.Infof("Promoted build %d as %q", build.Number, promotion.Name)
	return build, nil
}

// Annotate updates the build's annotation.
func (s *BuildService) Annotate(ctx context.Context, build *models.Build, annotation string) (*models.Build, error) {
	build.Annotation = &annotation
	err := s.buildStore.Update(ctx, nil, build)
	if err != nil {
		return nil, errors.Wrap(err, "error annotating build")
	}
	return build, nil
}

// Latest returns the newest build matching the filters: promoted builds only,
// successfully completed builds (PASSED or PROMOTED), or any build at all.
func (s *BuildService) Latest(ctx context.Context, project *models.Project, triggerName string, promotedOnly bool, completeOnly bool) (*models.Build, error) {
	search := store.BuildSearch{TriggerName: triggerName}
	switch {
	case promotedOnly:
		search.Statuses = []models.Status{models.StatusPromoted}
	case completeOnly:
		search.Statuses = []models.Status{models.StatusPassed, models.StatusPromoted}
	}
	return s.buildStore.ReadLatest(ctx, nil, project.ID, search)
}

// CreateExternal records a build executed on external infrastructure. The
// build and every run are recorded PASSED; a run's artifact links are kept on
// its metadata since no blobs exist locally.
func (s *BuildService) CreateExternal(ctx context.Context, project *models.Project, external dto.ExternalBuild) (*models.Build, error) {
	if external.TriggerName == "" {
		return nil, gerror.NewErrValidationFailed("A trigger-name is required")
	}
	if len(external.Runs) == 0 {
		return nil, gerror.NewErrValidationFailed("At least one run is required")
	}
	var build *models.Build
	err := s.db.WithTx(ctx, nil, func(tx *store.Tx) error {
		err := s.projectStore.LockRowForUpdate(ctx, tx, project.ID)
		if err != nil {
			return err
		}
		number, err := s.buildStore.NextBuildNumber(ctx, tx, project.ID)
		if err != nil {
			return err
		}
		now := models.NewTime(s.clk.Now())
		build = models.NewBuild(now, project.ID, number, external.TriggerName, "external build")
		build.Status = models.StatusPassed
		build.CompletedAt = &now
		err = s.buildStore.Create(ctx, tx, build)
		if err != nil {
			return err
		}
		for i, entry := range external.Runs {
			run := models.NewRun(now, build.ID, models.ResourceName(entry.Name), i, "", 0,
				external.TriggerName, util.RandAlphaString(32))
			run.Status = models.StatusPassed
			run.CompletedAt = &now
			if len(entry.ArtifactLinks) > 0 {
				links, err := json.Marshal(entry.ArtifactLinks)
				if err != nil {
					return errors.Wrap(err, "error marshalling artifact links")
				}
				meta := string(links)
				run.Meta = &meta
			}
			err = s.runStore.Create(ctx, tx, run)
			if err != nil {
				return errors.Wrapf(err, "error creating run %q", entry.Name)
			}
			err = s.runEventStore.Create(ctx, tx, models.NewRunEvent(now, run.ID, models.StatusPassed))
			if err != nil {
				return errors.Wrap(err, "error recording run event")
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return build, nil
}

// RefreshStatus recomputes the build's aggregate status from its runs under
// the build row lock and returns the refreshed build.
func (s *BuildService) RefreshStatus(ctx context.Context, txOrNil *store.Tx, buildID models.BuildID) (*models.Build, error) {
	var build *models.Build
	err := s.db.WithTx(ctx, txOrNil, func(tx *store.Tx) error {
		err := s.buildStore.LockRowForUpdate(ctx, tx, buildID)
		if err != nil {
			return errors.Wrap(err, "error locking build")
		}
		build, err = s.refreshStatusLocked(ctx, tx, buildID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return build, nil
}

// refreshStatusLocked performs the rollup; the caller must hold the build row
// lock.
func (s *BuildService) refreshStatusLocked(ctx context.Context, tx *store.Tx, buildID models.BuildID) (*models.Build, error) {
	build, err := s.buildStore.Read(ctx, tx, buildID)
	if err != nil {
		return nil, errors.Wrap(err, "error reading build")
	}
	// A promoted build keeps its operator-assigned status. Every other
	// status is recomputed from the runs, so a completed build reopens when
	// one of its runs is requeued or rerun.
	if build.Status == models.StatusPromoted {
		return build, nil
	}
	statuses, err := s.runStore.StatusesForBuild(ctx, tx, buildID)
	if err != nil {
		return nil, errors.Wrap(err, "error reading run statuses")
	}
	status := models.CumulativeStatus(statuses)
	if status == build.Status {
		return build, nil
	}
	build.Status = status
	if status.Terminal() {
		if build.CompletedAt == nil {
			now := models.NewTime(s.clk.Now())
			build.CompletedAt = &now
		}
	} else {
		build.CompletedAt = nil
	}
	err = s.buildStore.Update(ctx, tx, build)
	if err != nil {
		return nil, errors.Wrap(err, "error updating build status")
	}
	return build, nil
}
