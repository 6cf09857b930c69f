package trigger

import (
	"context"
	"fmt"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/jobserv/jobserv/common/gerror"
	"github.com/jobserv/jobserv/common/logger"
	"github.com/jobserv/jobserv/common/models"
	"github.com/jobserv/jobserv/common/util"
	"github.com/jobserv/jobserv/server/dto"
	"github.com/jobserv/jobserv/server/services"
	"github.com/jobserv/jobserv/server/services/definition"
	"github.com/jobserv/jobserv/server/services/urls"
	"github.com/jobserv/jobserv/server/store"
)

const (
	// buildFailureRunName is the synthetic run that carries the diagnostics
	// of a build whose run materialization failed unexpectedly.
	buildFailureRunName models.ResourceName = "build-failure"
	// triggeredBySecret is reserved; callers can never smuggle their own
	// value in, it always reflects the authenticated principal.
	triggeredBySecret = "triggered-by"

	runAPIKeyLength = 32
)

// TriggerService materializes builds and their runs from a project
// definition: it allocates the build number under the project row lock,
// persists the definition and parameters alongside the build, inserts the
// runs of the selected trigger and resolves each one's execution descriptor.
type TriggerService struct {
	db                *store.DB
	clk               clock.Clock
	projectStore      store.ProjectStore
	buildStore        store.BuildStore
	runStore          store.RunStore
	runEventStore     store.RunEventStore
	triggerStore      store.ProjectTriggerStore
	artifactService   services.ArtifactService
	encryptionService services.EncryptionService
	urls              *urls.Builder
	logger.Log
}

func NewTriggerService(
	db *store.DB,
	clk clock.Clock,
	projectStore store.ProjectStore,
	buildStore store.BuildStore,
	runStore store.RunStore,
	runEventStore store.RunEventStore,
	triggerStore store.ProjectTriggerStore,
	artifactService services.ArtifactService,
	encryptionService services.EncryptionService,
	urlBuilder *urls.Builder,
	logFactory logger.LogFactory,
) *TriggerService {
	return &TriggerService{
		db:                db,
		clk:               clk,
		projectStore:      projectStore,
		buildStore:        buildStore,
		runStore:          runStore,
		runEventStore:     runEventStore,
		triggerStore:      triggerStore,
		artifactService:   artifactService,
		encryptionService: encryptionService,
		urls:              urlBuilder,
		Log:               logFactory("TriggerService"),
	}
}

// TriggerBuild creates a new build for the project per the request. The build
// row is committed before any run materialization so the build number is
// allocated even when materialization fails; a failure after that point is
// recorded as a synthetic build-failure run rather than lost. When
// asyncCommit is true the materialization is returned as a closure so a
// webhook handler can reply before committing.
func (s *TriggerService) TriggerBuild(
	ctx context.Context,
	project *models.Project,
	req dto.TriggerBuild,
	asyncCommit bool,
) (*models.Build, dto.CommitFn, error) {
	if project.DeletedAt != nil {
		return nil, nil, gerror.NewErrValidationFailed("Project has been deleted and refuses new builds")
	}
	if len(req.DefinitionRaw) == 0 {
		return nil, nil, gerror.NewErrValidationFailed("No project definition provided")
	}
	def, err := definition.Parse(req.DefinitionRaw)
	if err != nil {
		return nil, nil, err
	}
	trigger := def.GetTrigger(req.TriggerName)
	if trigger == nil {
		return nil, nil, gerror.NewErrValidationFailed(
			fmt.Sprintf("Project does not support a %s trigger", req.TriggerName))
	}
	secrets, queuePriority, err := s.resolveSecrets(ctx, project, req)
	if err != nil {
		return nil, nil, err
	}

	var build *models.Build
	err = s.db.WithTx(ctx, nil, func(tx *store.Tx) error {
		err := s.projectStore.LockRowForUpdate(ctx, tx, project.ID)
		if err != nil {
			return err
		}
		number, err := s.buildStore.NextBuildNumber(ctx, tx, project.ID)
		if err != nil {
			return err
		}
		build = models.NewBuild(models.NewTime(s.clk.Now()), project.ID, number, req.TriggerName, req.Reason)
		return s.buildStore.Create(ctx, tx, build)
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "error creating build")
	}
	s.Infof("Triggered build %d of project %s (trigger %q)", build.Number, project.Name, req.TriggerName)

	commit := func() error {
		err := s.commitRuns(ctx, def, project, build, trigger, req.Params, secrets, queuePriority)
		if err != nil {
			return s.recordBuildFailure(ctx, project, build, err)
		}
		return nil
	}
	if asyncCommit {
		return build, commit, nil
	}
	return build, nil, commit()
}

// resolveSecrets layers the secrets a build's runs will receive: secrets
// inherited from a stored trigger first, caller-supplied secrets on top, and
// the reserved triggered-by entry last.
func (s *TriggerService) resolveSecrets(
	ctx context.Context,
	project *models.Project,
	req dto.TriggerBuild,
) (map[string]string, int, error) {
	secrets := map[string]string{}
	queuePriority := req.QueuePriority

	var stored *models.ProjectTrigger
	switch {
	case req.TriggerID != nil:
		trigger, err := s.triggerStore.Read(ctx, nil, *req.TriggerID)
		if err != nil && !gerror.IsNotFound(err) {
			return nil, 0, errors.Wrap(err, "error reading stored trigger")
		}
		if trigger == nil || err != nil || trigger.ProjectID != project.ID {
			return nil, 0, gerror.NewErrValidationFailed(
				fmt.Sprintf("Project does not have a trigger with id: %s", *req.TriggerID))
		}
		stored = trigger
	case req.TriggerType != nil:
		trigger, err := s.triggerStore.ReadByType(ctx, nil, project.ID, *req.TriggerType)
		if err != nil {
			if !gerror.IsNotFound(err) {
				return nil, 0, errors.Wrap(err, "error reading stored trigger")
			}
			if !req.TriggerTypeOptional {
				return nil, 0, gerror.NewErrValidationFailed(
					fmt.Sprintf("Project does not have a %s trigger defined", *req.TriggerType))
			}
		} else {
			stored = trigger
		}
	}
	if stored != nil {
		inherited, err := s.encryptionService.OpenSecrets(ctx, stored.SecretData)
		if err != nil {
			return nil, 0, errors.Wrap(err, "error opening stored trigger secrets")
		}
		for k, v := range inherited {
			secrets[k] = v
		}
		if queuePriority == 0 {
			queuePriority = stored.QueuePriority
		}
	}
	for k, v := range req.Secrets {
		if k == triggeredBySecret {
			continue
		}
		secrets[k] = v
	}
	if req.TriggeredBy != "" {
		secrets[triggeredBySecret] = req.TriggeredBy
	}
	return secrets, queuePriority, nil
}

// commitRuns persists the build's definition and parameters and materializes
// the trigger's runs.
func (s *TriggerService) commitRuns(
	ctx context.Context,
	def *definition.ProjectDefinition,
	project *models.Project,
	build *models.Build,
	trigger *definition.TriggerDef,
	params map[string]string,
	secrets map[string]string,
	queuePriority int,
) error {
	raw, err := def.ToYAML()
	if err != nil {
		return err
	}
	err = s.artifactService.SetProjectDefinition(ctx, project.Name, build.Number, raw)
	if err != nil {
		return err
	}
	if len(trigger.Triggers) > 0 {
		// Build-level chained triggers replay the original parameters when
		// the build completes.
		err = s.artifactService.SetBuildParams(ctx, project.Name, build.Number, params)
		if err != nil {
			return err
		}
	}
	return s.TriggerRuns(ctx, nil, def, project, build, trigger, "", params, secrets, "", queuePriority)
}

// TriggerRuns materializes the runs of one trigger entry into an existing
// build. runNamesFmt, when non-empty, renames each run via its {name}
// placeholder; chained triggers use it to keep fan-out run names unique.
// parentType carries the originating trigger's type so chained simple
// triggers report status through the parent's SCM path.
func (s *TriggerService) TriggerRuns(
	ctx context.Context,
	txOrNil *store.Tx,
	def *definition.ProjectDefinition,
	project *models.Project,
	build *models.Build,
	trigger *definition.TriggerDef,
	runNamesFmt string,
	params map[string]string,
	secrets map[string]string,
	parentType string,
	queuePriority int,
) error {
	existing, err := s.runStore.ListByBuild(ctx, txOrNil, build.ID)
	if err != nil {
		return errors.Wrap(err, "error listing runs")
	}
	names := make(map[models.ResourceName]bool, len(existing))
	for _, run := range existing {
		names[run.Name] = true
	}
	seq := len(existing)

	allowed := project.AllowedHostTagList()
	buildFailed := false
	for _, entry := range trigger.Runs {
		name := models.ResourceName(entry.Name)
		if runNamesFmt != "" {
			name = models.ResourceName(strings.ReplaceAll(runNamesFmt, "{name}", entry.Name))
		}
		if names[name] {
			return gerror.NewErrAlreadyExists(
				fmt.Sprintf("A run named %q already exists in this build", name))
		}
		names[name] = true

		now := models.NewTime(s.clk.Now())
		run := models.NewRun(now, build.ID, name, seq, strings.ToLower(entry.HostTag),
			queuePriority, trigger.Name, util.RandAlphaString(runAPIKeyLength))
		seq++
		err = s.db.WithTx(ctx, txOrNil, func(tx *store.Tx) error {
			err := s.runStore.Create(ctx, tx, run)
			if err != nil {
				return err
			}
			return s.runEventStore.Create(ctx, tx, models.NewRunEvent(now, run.ID, models.StatusQueued))
		})
		if err != nil {
			return errors.Wrapf(err, "error creating run %q", name)
		}

		rc := definition.RunContext{
			ProjectName: project.Name.String(),
			BuildNumber: build.Number,
			RunName:     name.String(),
			APIKey:      run.APIKey,
			RunURL:      s.urls.Run(project.Name, build.Number, name),
			FrontendURL: s.urls.RunFrontend(project.Name, build.Number, name),
			RunnerURL:   s.urls.Runner(),
		}
		rundef, err := def.GetRunDefinition(rc, entry, trigger, params, secrets)
		if err != nil {
			return err
		}
		if upgraded := upgradeTriggerType(trigger.Type, parentType); upgraded != "" {
			rundef.TriggerType = upgraded
		}

		if len(allowed) > 0 && !hostTagAllowed(allowed, run.HostTag) {
			err = s.failDisallowedRun(ctx, txOrNil, project, build, run)
			if err != nil {
				return err
			}
			buildFailed = true
			continue
		}

		err = s.artifactService.SetRunDefinition(ctx, project.Name, build.Number, name, rundef)
		if err != nil {
			return errors.Wrapf(err, "error storing run definition for %q", name)
		}
	}

	if buildFailed {
		now := models.NewTime(s.clk.Now())
		build.Status = models.StatusFailed
		build.CompletedAt = &now
		err = s.buildStore.Update(ctx, txOrNil, build)
		if err != nil {
			return errors.Wrap(err, "error failing build")
		}
	}
	return nil
}

// failDisallowedRun fails a run whose host tag is outside the project's
// whitelist, leaving an explanation in its console log. The remaining runs of
// the trigger still materialize.
func (s *TriggerService) failDisallowedRun(
	ctx context.Context,
	txOrNil *store.Tx,
	project *models.Project,
	build *models.Build,
	run *models.Run,
) error {
	line := fmt.Sprintf("Run requested a host-tag that is not configured for this project: %s\n", run.HostTag)
	err := s.artifactService.AppendConsole(ctx, project.Name, build.Number, run.Name, []byte(line))
	if err != nil {
		s.Errorf("Failed to write console diagnostic for run %q: %v", run.Name, err)
	}
	now := models.NewTime(s.clk.Now())
	run.Status = models.StatusFailed
	run.CompletedAt = &now
	return s.db.WithTx(ctx, txOrNil, func(tx *store.Tx) error {
		err := s.runStore.Update(ctx, tx, run)
		if err != nil {
			return err
		}
		return s.runEventStore.Create(ctx, tx, models.NewRunEvent(now, run.ID, models.StatusFailed))
	})
}

// recordBuildFailure turns an unexpected materialization error into a
// synthetic build-failure run so the diagnostics are reachable through the
// normal console path, then fails the build. The returned error carries the
// console URL as its location detail.
func (s *TriggerService) recordBuildFailure(
	ctx context.Context,
	project *models.Project,
	build *models.Build,
	cause error,
) error {
	s.Errorf("Build %d of project %s failed to materialize: %v", build.Number, project.Name, cause)
	now := models.NewTime(s.clk.Now())

	existing, err := s.runStore.ListByBuild(ctx, nil, build.ID)
	if err != nil {
		s.Errorf("Failed to list runs of failed build: %v", err)
	}
	run := models.NewRun(now, build.ID, buildFailureRunName, len(existing), "", 0, build.TriggerName, util.RandAlphaString(runAPIKeyLength))
	run.Status = models.StatusFailed
	run.CompletedAt = &now
	err = s.db.WithTx(ctx, nil, func(tx *store.Tx) error {
		err := s.runStore.Create(ctx, tx, run)
		if err != nil {
			return err
		}
		return s.runEventStore.Create(ctx, tx, models.NewRunEvent(now, run.ID, models.StatusFailed))
	})
	if err != nil {
		s.Errorf("Failed to record build-failure run: %v", err)
	} else {
		diag := fmt.Sprintf("Unexpected error creating build:\n%v\n", cause)
		err = s.artifactService.AppendConsole(ctx, project.Name, build.Number, buildFailureRunName, []byte(diag))
		if err != nil {
			s.Errorf("Failed to write build-failure console: %v", err)
		}
	}

	build.Status = models.StatusFailed
	build.CompletedAt = &now
	err = s.buildStore.Update(ctx, nil, build)
	if err != nil {
		s.Errorf("Failed to mark build failed: %v", err)
	}

	return gerror.NewErrInternal().Wrap(cause).
		EDetail("location", s.urls.RunConsole(project.Name, build.Number, buildFailureRunName))
}

// upgradeTriggerType implements the trigger-upgrade rule: a chained simple
// trigger under a github_pr or git_poller build keeps the parent's type so
// workers engage the PR-status reporting path. Returns "" when no upgrade
// applies.
func upgradeTriggerType(triggerType string, parentType string) string {
	if triggerType != models.TriggerTypeSimple.String() {
		return ""
	}
	switch parentType {
	case models.TriggerTypeGitHubPR.String(), models.TriggerTypeGitPoller.String():
		return parentType
	}
	return ""
}

func hostTagAllowed(allowed []string, hostTag string) bool {
	for _, tag := range allowed {
		if strings.EqualFold(tag, hostTag) {
			return true
		}
	}
	return false
}
