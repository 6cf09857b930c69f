package scm

import (
	"context"
	stderrors "errors"

	"github.com/pkg/errors"

	"github.com/jobserv/jobserv/common/gerror"
	"github.com/jobserv/jobserv/common/logger"
	"github.com/jobserv/jobserv/common/models"
	"github.com/jobserv/jobserv/server/dto"
	"github.com/jobserv/jobserv/server/services"
	"github.com/jobserv/jobserv/server/store"
)

// SCMService authenticates SCM webhook deliveries against a project's stored
// triggers and turns them into builds, reporting status back through the
// matching strategy.
type SCMService struct {
	projectStore      store.ProjectStore
	runStore          store.RunStore
	triggerStore      store.ProjectTriggerStore
	encryptionService services.EncryptionService
	triggerService    services.TriggerService
	registry          *StrategyRegistry
	logger.Log
}

func NewSCMService(
	projectStore store.ProjectStore,
	runStore store.RunStore,
	triggerStore store.ProjectTriggerStore,
	encryptionService services.EncryptionService,
	triggerService services.TriggerService,
	registry *StrategyRegistry,
	logFactory logger.LogFactory,
) *SCMService {
	return &SCMService{
		projectStore:      projectStore,
		runStore:          runStore,
		triggerStore:      triggerStore,
		encryptionService: encryptionService,
		triggerService:    triggerService,
		registry:          registry,
		Log:               logFactory("SCMService"),
	}
}

// HandleWebhook resolves a webhook delivery for a project into a build. Every
// stored trigger of the strategy's type gets a chance to authenticate the
// delivery; the first that validates wins. A nil build with a nil error means
// the event was deliberately ignored.
func (s *SCMService) HandleWebhook(ctx context.Context, projectName models.ResourceName, triggerType models.TriggerType, delivery *Delivery) (*models.Build, error) {
	strategy, err := s.registry.Get(triggerType)
	if err != nil {
		return nil, err
	}
	project, err := s.projectStore.ReadByName(ctx, nil, projectName)
	if err != nil {
		return nil, err
	}
	trigger, secrets, err := s.findTrigger(ctx, project, strategy, delivery)
	if err != nil {
		return nil, err
	}

	req, err := strategy.ResolveWebhook(ctx, project, trigger, secrets, delivery)
	if err != nil {
		return nil, err
	}
	if req == nil {
		s.Infof("Ignoring %q delivery for project %s", delivery.Event, projectName)
		return nil, nil
	}

	build, commit, err := s.triggerService.TriggerBuild(ctx, project, dto.TriggerBuild{
		TriggerName:   req.TriggerName,
		Reason:        req.Reason,
		Params:        req.Params,
		Secrets:       secrets,
		DefinitionRaw: req.Definition,
		TriggeredBy:   trigger.User,
		QueuePriority: trigger.QueuePriority,
	}, true)
	if err != nil {
		s.reportFailure(ctx, strategy, secrets, req.Params, err)
		return nil, err
	}

	// The build row is committed; materialize its runs and report status
	// without holding the webhook response.
	go s.commitAndReport(strategy, project, build, secrets, req.Params, commit)
	return build, nil
}

// findTrigger returns the first stored trigger of the strategy's type whose
// secrets authenticate the delivery.
func (s *SCMService) findTrigger(ctx context.Context, project *models.Project, strategy Strategy, delivery *Delivery) (*models.ProjectTrigger, map[string]string, error) {
	list, err := s.triggerStore.ListByProject(ctx, nil, project.ID)
	if err != nil {
		return nil, nil, errors.Wrap(err, "error listing triggers")
	}
	var lastErr error
	for _, trigger := range list {
		if trigger.Type != strategy.Type() {
			continue
		}
		secrets, err := s.encryptionService.OpenSecrets(ctx, trigger.SecretData)
		if err != nil {
			return nil, nil, errors.Wrap(err, "error opening trigger secrets")
		}
		err = strategy.ValidateWebhook(secrets, delivery)
		if err != nil {
			lastErr = err
			continue
		}
		return trigger, secrets, nil
	}
	if lastErr != nil {
		return nil, nil, lastErr
	}
	return nil, nil, gerror.NewErrNotFound("Trigger for project does not exist")
}

func (s *SCMService) commitAndReport(strategy Strategy, project *models.Project, build *models.Build, secrets map[string]string, params map[string]string, commit dto.CommitFn) {
	ctx := context.Background()
	err := commit()
	if err != nil {
		s.reportFailure(ctx, strategy, secrets, params, err)
		return
	}
	runs, err := s.runStore.ListByBuild(ctx, nil, build.ID)
	if err != nil {
		s.Errorf("Error listing runs of build %d: %s", build.Number, err)
		return
	}
	err = strategy.ReportBuildPending(ctx, secrets, params, project.Name, build.Number, runs)
	if err != nil {
		s.Errorf("Error reporting pending statuses for build %d of %s: %s", build.Number, project.Name, err)
	}
}

// reportFailure posts a failure status pointing at the diagnostic console of
// the synthetic failure run, when the trigger pipeline recorded one.
func (s *SCMService) reportFailure(ctx context.Context, strategy Strategy, secrets map[string]string, params map[string]string, cause error) {
	var failureURL string
	var gerr gerror.Error
	if stderrors.As(cause, &gerr) {
		if detail, ok := gerr.Details()["location"]; ok {
			failureURL, _ = detail.Value().(string)
		}
	}
	err := strategy.ReportFailure(ctx, secrets, params, failureURL)
	if err != nil {
		s.Errorf("Error reporting trigger failure: %s", err)
	}
}
