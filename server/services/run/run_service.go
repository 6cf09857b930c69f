package run

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/jobserv/jobserv/common/gerror"
	"github.com/jobserv/jobserv/common/logger"
	"github.com/jobserv/jobserv/common/models"
	"github.com/jobserv/jobserv/server/dto"
	"github.com/jobserv/jobserv/server/services"
	"github.com/jobserv/jobserv/server/services/definition"
	"github.com/jobserv/jobserv/server/store"
)

// RunService drives the run state machine from worker-reported updates:
// console appends, status transitions, test results, re-queues and the
// chained triggers and notifications that fire off the back of them.
type RunService struct {
	db                  *store.DB
	clk                 clock.Clock
	projectStore        store.ProjectStore
	buildStore          store.BuildStore
	runStore            store.RunStore
	runEventStore       store.RunEventStore
	testStore           store.TestStore
	artifactService     services.ArtifactService
	buildService        services.BuildService
	triggerService      services.TriggerService
	notificationService services.NotificationService
	logger.Log
}

func NewRunService(
	db *store.DB,
	clk clock.Clock,
	projectStore store.ProjectStore,
	buildStore store.BuildStore,
	runStore store.RunStore,
	runEventStore store.RunEventStore,
	testStore store.TestStore,
	artifactService services.ArtifactService,
	buildService services.BuildService,
	triggerService services.TriggerService,
	notificationService services.NotificationService,
	logFactory logger.LogFactory,
) *RunService {
	return &RunService{
		db:                  db,
		clk:                 clk,
		projectStore:        projectStore,
		buildStore:          buildStore,
		runStore:            runStore,
		runEventStore:       runEventStore,
		testStore:           testStore,
		artifactService:     artifactService,
		buildService:        buildService,
		triggerService:      triggerService,
		notificationService: notificationService,
		Log:                 logFactory("RunService"),
	}
}

// Update applies one worker-reported update to a run: an optional console
// append, an optional metadata note, and an optional status transition. A
// reported PASSED is reconciled against the run's tests before it is applied.
// When the transition completes the run or the build, chained triggers fire
// and build-completion notifications go out.
func (s *RunService) Update(ctx context.Context, project *models.Project, build *models.Build, run *models.Run, update dto.UpdateRun) (*models.Run, error) {
	if len(update.ConsoleChunk) > 0 {
		err := s.artifactService.AppendConsole(ctx, project.Name, build.Number, run.Name, update.ConsoleChunk)
		if err != nil {
			return nil, errors.Wrap(err, "error appending console")
		}
	}

	// Any authenticated message from the owning worker proves the dispatch
	// arrived; until then the monitor's acked sweep may requeue the run.
	mutated := false
	if run.WorkerName != nil && !run.RunningAcked {
		run.RunningAcked = true
		mutated = true
	}
	if update.Meta != nil {
		run.Meta = update.Meta
		mutated = true
	}
	if mutated {
		err := s.runStore.Update(ctx, nil, run)
		if err != nil {
			return nil, errors.Wrap(err, "error updating run")
		}
	}
	if update.Status == nil {
		return run, nil
	}

	desired := *update.Status
	if desired == models.StatusPassed {
		reconciled, err := s.reconcileWithTests(ctx, run)
		if err != nil {
			return nil, err
		}
		desired = reconciled
	}

	wasPassed := run.Status == models.StatusPassed
	updated, err := s.SetStatus(ctx, nil, run, desired)
	if err != nil {
		return nil, err
	}

	if updated.Status == models.StatusPassed && !wasPassed {
		err = s.fireRunTriggers(ctx, project, build, updated)
		if err != nil {
			return nil, err
		}
	}

	refreshed, err := s.buildStore.Read(ctx, nil, build.ID)
	if err != nil {
		return nil, errors.Wrap(err, "error reading build")
	}
	if refreshed.Complete() {
		err = s.handleBuildComplete(ctx, project, refreshed, updated)
		if err != nil {
			return nil, err
		}
	}
	return updated, nil
}

// reconcileWithTests downgrades a reported PASSED when the run's tests say
// otherwise: a failed test fails the run, an unfinished test keeps it RUNNING.
func (s *RunService) reconcileWithTests(ctx context.Context, run *models.Run) (models.Status, error) {
	tests, err := s.testStore.ListByRun(ctx, nil, run.ID)
	if err != nil {
		return "", errors.Wrap(err, "error listing tests")
	}
	for _, test := range tests {
		if test.Status == models.StatusFailed {
			return models.StatusFailed, nil
		}
	}
	for _, test := range tests {
		if !test.Status.Terminal() {
			return models.StatusRunning, nil
		}
	}
	return models.StatusPassed, nil
}

// SetStatus transitions a run, appending a run event and rolling the parent
// build's status up, all under the build row lock. Terminal statuses are
// absorbing; a repeat of the current status is a no-op.
func (s *RunService) SetStatus(ctx context.Context, txOrNil *store.Tx, run *models.Run, status models.Status) (*models.Run, error) {
	var result *models.Run
	err := s.db.WithTx(ctx, txOrNil, func(tx *store.Tx) error {
		err := s.buildStore.LockRowForUpdate(ctx, tx, run.BuildID)
		if err != nil {
			return errors.Wrap(err, "error locking build")
		}
		fresh, err := s.runStore.Read(ctx, tx, run.ID)
		if err != nil {
			return errors.Wrap(err, "error reading run")
		}
		if fresh.Complete() || fresh.Status == status {
			result = fresh
			return nil
		}
		now := models.NewTime(s.clk.Now())
		fresh.Status = status
		if status == models.StatusRunning {
			fresh.RunningAcked = true
		}
		if status.Terminal() && fresh.CompletedAt == nil {
			fresh.CompletedAt = &now
		}
		err = s.runStore.Update(ctx, tx, fresh)
		if err != nil {
			return errors.Wrap(err, "error updating run")
		}
		err = s.runEventStore.Create(ctx, tx, models.NewRunEvent(now, fresh.ID, status))
		if err != nil {
			return errors.Wrap(err, "error recording run event")
		}
		_, err = s.buildService.RefreshStatus(ctx, tx, fresh.BuildID)
		if err != nil {
			return errors.Wrap(err, "error rolling up build status")
		}
		result = fresh
		return nil
	})
	if err != nil {
		return nil, err
	}
	run.Status = result.Status
	run.ETag = result.ETag
	run.CompletedAt = result.CompletedAt
	run.RunningAcked = result.RunningAcked
	return result, nil
}

// Cancel requests cancellation of a single run. A QUEUED run never reached a
// worker and fails immediately; an active run moves to CANCELLING and is
// failed either by its worker's acknowledgement or by the monitor's sweep.
func (s *RunService) Cancel(ctx context.Context, run *models.Run) error {
	if run.Complete() {
		return nil
	}
	if run.Status == models.StatusQueued {
		project, build, err := s.resolveOwners(ctx, run)
		if err != nil {
			return err
		}
		err = s.artifactService.AppendConsole(ctx, project.Name, build.Number, run.Name, []byte("# CANCELLED\n"))
		if err != nil {
			return errors.Wrap(err, "error appending console")
		}
		_, err = s.SetStatus(ctx, nil, run, models.StatusFailed)
		return err
	}
	_, err := s.SetStatus(ctx, nil, run, models.StatusCancelling)
	return err
}

// Rerun requeues a completed run, deleting its tests so the new attempt
// starts clean. The parent build drops back out of its terminal status.
func (s *RunService) Rerun(ctx context.Context, run *models.Run) error {
	if !run.Complete() {
		return gerror.NewErrValidationFailed("Run has not yet completed")
	}
	return s.db.WithTx(ctx, nil, func(tx *store.Tx) error {
		err := s.buildStore.LockRowForUpdate(ctx, tx, run.BuildID)
		if err != nil {
			return errors.Wrap(err, "error locking build")
		}
		fresh, err := s.runStore.Read(ctx, tx, run.ID)
		if err != nil {
			return errors.Wrap(err, "error reading run")
		}
		err = s.testStore.DeleteByRun(ctx, tx, fresh.ID)
		if err != nil {
			return errors.Wrap(err, "error deleting tests")
		}
		now := models.NewTime(s.clk.Now())
		fresh.Status = models.StatusQueued
		fresh.WorkerName = nil
		fresh.RunningAcked = false
		fresh.CompletedAt = nil
		err = s.runStore.Update(ctx, tx, fresh)
		if err != nil {
			return errors.Wrap(err, "error updating run")
		}
		err = s.runEventStore.Create(ctx, tx, models.NewRunEvent(now, fresh.ID, models.StatusQueued))
		if err != nil {
			return errors.Wrap(err, "error recording run event")
		}
		_, err = s.buildService.RefreshStatus(ctx, tx, fresh.BuildID)
		if err != nil {
			return errors.Wrap(err, "error rolling up build status")
		}
		run.Status = fresh.Status
		run.ETag = fresh.ETag
		run.WorkerName = nil
		run.CompletedAt = nil
		return nil
	})
}

// UpsertTest creates or updates the test identified by (run, name, context)
// and appends its result rows. A failed result row fails the test regardless
// of the reported test status.
func (s *RunService) UpsertTest(ctx context.Context, run *models.Run, create dto.CreateTest) (*models.Test, error) {
	err := create.Name.Validate()
	if err != nil {
		return nil, gerror.NewErrValidationFailed(fmt.Sprintf("Invalid test name: %s", err)).Wrap(err)
	}
	if !create.Status.Valid() {
		return nil, gerror.NewErrValidationFailed(fmt.Sprintf("Invalid test status: %q", create.Status))
	}
	status := create.Status
	for _, result := range create.Results {
		if result.Status == models.StatusFailed {
			status = models.StatusFailed
		}
	}
	var test *models.Test
	err = s.db.WithTx(ctx, nil, func(tx *store.Tx) error {
		now := models.NewTime(s.clk.Now())
		found, created, err := s.testStore.FindOrCreate(ctx, tx, models.NewTest(now, run.ID, create.Name, create.Context, status))
		if err != nil {
			return errors.Wrap(err, "error upserting test")
		}
		if !created && found.Status != status {
			found.Status = status
			err = s.testStore.Update(ctx, tx, found)
			if err != nil {
				return errors.Wrap(err, "error updating test")
			}
		}
		for _, result := range create.Results {
			resultContext := result.Context
			if resultContext == "" {
				resultContext = create.Context
			}
			err = s.testStore.CreateResult(ctx, tx,
				models.NewTestResult(now, found.ID, result.Name, resultContext, result.Status, result.Output))
			if err != nil {
				return errors.Wrap(err, "error recording test result")
			}
		}
		test = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return test, nil
}

// fireRunTriggers materializes the follow-on triggers listed in a passed
// run's definition into the same build. A trigger whose runs already exist
// was fired by an earlier delivery of the same update and is skipped.
func (s *RunService) fireRunTriggers(ctx context.Context, project *models.Project, build *models.Build, run *models.Run) error {
	rundef, err := s.artifactService.GetRunDefinition(ctx, project.Name, build.Number, run.Name)
	if err != nil {
		if gerror.IsNotFound(err) {
			return nil
		}
		return errors.Wrap(err, "error reading run definition")
	}
	if len(rundef.Triggers) == 0 {
		return nil
	}
	def, err := s.loadDefinition(ctx, project, build)
	if err != nil {
		return err
	}
	fired := false
	for _, chained := range rundef.Triggers {
		trigger := def.GetTrigger(chained.Name)
		if trigger == nil {
			s.Warnf("Run %q of build %d names unknown trigger %q; skipping", run.Name, build.Number, chained.Name)
			continue
		}
		err = s.triggerService.TriggerRuns(ctx, nil, def, project, build, trigger,
			chained.RunNames, chained.Params, rundef.Secrets, rundef.TriggerType, run.QueuePriority)
		if err != nil {
			if gerror.IsAlreadyExists(err) {
				continue
			}
			return errors.Wrapf(err, "error firing trigger %q", chained.Name)
		}
		fired = true
	}
	if fired {
		_, err = s.buildService.RefreshStatus(ctx, nil, build.ID)
		if err != nil {
			return errors.Wrap(err, "error rolling up build status")
		}
	}
	return nil
}

// handleBuildComplete fires the build-level triggers of the build's trigger
// entry when the build passed, or sends completion notifications when there
// is nothing left to chain.
func (s *RunService) handleBuildComplete(ctx context.Context, project *models.Project, build *models.Build, run *models.Run) error {
	def, err := s.loadDefinition(ctx, project, build)
	if err != nil {
		return err
	}
	trigger := def.GetTrigger(build.TriggerName)

	if build.Status == models.StatusPassed && trigger != nil && len(trigger.Triggers) > 0 {
		fired, err := s.fireBuildTriggers(ctx, project, build, run, def, trigger)
		if err != nil {
			return err
		}
		if fired {
			// The chained runs re-open the build; notifications wait for
			// the next completion.
			_, err = s.buildService.RefreshStatus(ctx, nil, build.ID)
			return errors.Wrap(err, "error rolling up build status")
		}
	}
	s.notifyBuildComplete(ctx, project, build, run, def, trigger)
	return nil
}

func (s *RunService) fireBuildTriggers(ctx context.Context, project *models.Project, build *models.Build, run *models.Run, def *definition.ProjectDefinition, trigger *definition.TriggerDef) (bool, error) {
	params, err := s.artifactService.GetBuildParams(ctx, project.Name, build.Number)
	if err != nil && !gerror.IsNotFound(err) {
		return false, errors.Wrap(err, "error reading build params")
	}
	secrets := map[string]string{}
	rundef, err := s.artifactService.GetRunDefinition(ctx, project.Name, build.Number, run.Name)
	if err == nil {
		secrets = rundef.Secrets
	} else if !gerror.IsNotFound(err) {
		return false, errors.Wrap(err, "error reading run definition")
	}

	fired := false
	for _, ref := range trigger.Triggers {
		target := def.GetTrigger(ref.Name)
		if target == nil {
			s.Warnf("Trigger %q of build %d names unknown trigger %q; skipping", trigger.Name, build.Number, ref.Name)
			continue
		}
		merged := map[string]string{}
		for k, v := range params {
			merged[k] = v
		}
		for k, v := range ref.Params {
			merged[k] = v
		}
		err = s.triggerService.TriggerRuns(ctx, nil, def, project, build, target,
			ref.RunNames, merged, secrets, trigger.Type, run.QueuePriority)
		if err != nil {
			if gerror.IsAlreadyExists(err) {
				continue
			}
			return false, errors.Wrapf(err, "error firing trigger %q", ref.Name)
		}
		fired = true
	}
	return fired, nil
}

// notifyBuildComplete delivers the definition's email and webhook notices.
// Delivery failures are logged, never surfaced to the reporting worker.
func (s *RunService) notifyBuildComplete(ctx context.Context, project *models.Project, build *models.Build, run *models.Run, def *definition.ProjectDefinition, trigger *definition.TriggerDef) {
	failed := build.Status != models.StatusPassed && build.Status != models.StatusPromoted

	email := def.Email
	if trigger != nil && trigger.Email != nil {
		email = trigger.Email
	}
	if email != nil && email.Users != "" && (failed || !email.OnlyFailures) {
		err := s.notificationService.NotifyBuildCompleteEmail(ctx, project, build, email.Users)
		if err != nil {
			s.Errorf("Error emailing build %d completion: %v", build.Number, err)
		}
	}

	if len(def.Webhooks) == 0 {
		return
	}
	var secrets map[string]string
	rundef, err := s.artifactService.GetRunDefinition(ctx, project.Name, build.Number, run.Name)
	if err == nil {
		secrets = rundef.Secrets
	}
	for _, webhook := range def.Webhooks {
		if !failed && webhook.OnlyFailures {
			continue
		}
		err := s.notificationService.NotifyBuildCompleteWebhook(ctx, project, build, webhook.URL, secrets[webhook.SecretName])
		if err != nil {
			s.Errorf("Error delivering webhook for build %d to %s: %v", build.Number, webhook.URL, err)
		}
	}
}

func (s *RunService) loadDefinition(ctx context.Context, project *models.Project, build *models.Build) (*definition.ProjectDefinition, error) {
	raw, err := s.artifactService.GetProjectDefinition(ctx, project.Name, build.Number)
	if err != nil {
		return nil, errors.Wrap(err, "error reading project definition")
	}
	def, err := definition.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(err, "error parsing project definition")
	}
	return def, nil
}

func (s *RunService) resolveOwners(ctx context.Context, run *models.Run) (*models.Project, *models.Build, error) {
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
