package scm

import (
	"context"

	"github.com/jobserv/jobserv/common/models"
)

// Delivery is one webhook delivery, decoupled from the HTTP router so
// strategies can be exercised without a request.
type Delivery struct {
	// Event is the SCM's event header (X-Github-Event, X-Gitlab-Event).
	Event string
	// Signature is the X-Hub-Signature header for HMAC-signed deliveries.
	Signature string
	// Token is the X-Gitlab-Token header for token-authenticated deliveries.
	Token string
	// Body is the raw request body the signature covers.
	Body []byte
}

// BuildRequest is a resolved webhook delivery, ready for the trigger
// pipeline.
type BuildRequest struct {
	// TriggerName is the entry within Definition the build runs under.
	TriggerName string
	Reason      string
	Params      map[string]string
	// Definition is the raw project definition YAML fetched from the SCM.
	Definition []byte
}

// Strategy integrates one SCM trigger type: it authenticates webhook
// deliveries, resolves them into build requests, and reports build status
// back to the SCM.
type Strategy interface {
	// Type returns the trigger type this strategy serves.
	Type() models.TriggerType
	// ValidateWebhook checks a delivery's authenticity against the stored
	// trigger's secrets.
	ValidateWebhook(secrets map[string]string, delivery *Delivery) error
	// ResolveWebhook turns a validated delivery into a build request. A nil
	// request with a nil error means the event should be ignored.
	ResolveWebhook(ctx context.Context, project *models.Project, trigger *models.ProjectTrigger, secrets map[string]string, delivery *Delivery) (*BuildRequest, error)
	// ReportBuildPending posts a pending status for each run of a freshly
	// triggered build.
	ReportBuildPending(ctx context.Context, secrets map[string]string, params map[string]string, project models.ResourceName, buildNumber int, runs []*models.Run) error
	// ReportFailure posts a failure status when the delivery could not
	// produce a build. failureURL may be empty.
	ReportFailure(ctx context.Context, secrets map[string]string, params map[string]string, failureURL string) error
}
