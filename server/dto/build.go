package dto

import (
	"github.com/jobserv/jobserv/common/models"
)

// TriggerBuild carries everything needed to materialize a new build for a
// project. Exactly one of DefinitionRaw, TriggerType or TriggerID should
// normally be set; when DefinitionRaw is empty the trigger pipeline resolves
// the definition through the named stored trigger.
type TriggerBuild struct {
	// TriggerName selects the trigger entry within the project definition.
	TriggerName string
	// Reason is a human-readable description of why the build was started.
	Reason string
	// Params are caller-supplied parameters merged into each run's env.
	Params map[string]string
	// Secrets are caller-supplied secrets merged into each run's secret map.
	Secrets map[string]string
	// DefinitionRaw is the project definition YAML, when supplied inline.
	DefinitionRaw []byte
	// TriggerType, when set, inherits secrets from the oldest stored trigger
	// of this type on the project.
	TriggerType *models.TriggerType
	// TriggerID, when set, inherits secrets from this specific stored trigger.
	TriggerID *models.ProjectTriggerID
	// TriggerTypeOptional suppresses the error when TriggerType matches no
	// stored trigger on the project.
	TriggerTypeOptional bool
	// TriggeredBy identifies the authenticated principal that requested the
	// build. It always overwrites the "triggered-by" secret.
	TriggeredBy string
	// QueuePriority applies to every run of the build; higher dispatches first.
	QueuePriority int
}

// CommitFn finishes a build trigger whose run materialization was deferred so
// the caller could reply first. It must be invoked exactly once.
type CommitFn func() error

// Promotion marks a completed build for retention under a name.
type Promotion struct {
	Name       string `json:"name"`
	Annotation string `json:"annotation,omitempty"`
}

// ExternalRun describes one run of a build that was executed outside the
// worker fleet and is being recorded after the fact.
type ExternalRun struct {
	Name string `json:"name"`
	// ArtifactLinks maps artifact names to externally hosted URLs.
	ArtifactLinks map[string]string `json:"artifact-links,omitempty"`
}

// ExternalBuild records a build executed on external infrastructure. All of
// its runs are recorded as PASSED.
type ExternalBuild struct {
	TriggerName string        `json:"trigger-name"`
	Runs        []ExternalRun `json:"runs"`
}
