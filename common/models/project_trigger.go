package models

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

const ProjectTriggerResourceKind ResourceKind = "project-trigger"

type ProjectTriggerID struct {
	ResourceID
}

func NewProjectTriggerID() ProjectTriggerID {
	return ProjectTriggerID{ResourceID: NewResourceID(ProjectTriggerResourceKind)}
}

func ProjectTriggerIDFromResourceID(id ResourceID) ProjectTriggerID {
	return ProjectTriggerID{ResourceID: id}
}

// ProjectTrigger is stored configuration describing how an external event
// source (webhook, poller, API call) produces builds for a project.
type ProjectTrigger struct {
	ID        ProjectTriggerID `json:"id" goqu:"skipupdate" db:"project_trigger_id"`
	ProjectID ProjectID        `json:"project_id" goqu:"skipupdate" db:"project_trigger_project_id"`
	Type      TriggerType      `json:"type" db:"project_trigger_type"`
	CreatedAt Time             `json:"created_at" goqu:"skipupdate" db:"project_trigger_created_at"`
	UpdatedAt Time             `json:"updated_at" db:"project_trigger_updated_at"`
	ETag      ETag             `json:"etag" db:"project_trigger_etag" hash:"ignore"`
	// User records who installed the trigger, for audit purposes.
	User string `json:"user,omitempty" db:"project_trigger_user"`
	// SecretData is the trigger's secret map, encrypted at rest. It is never
	// serialized to callers; the trigger pipeline decrypts it when resolving
	// a run definition.
	SecretData []byte `json:"-" db:"project_trigger_secret_data"`
	// DefinitionRepo and DefinitionFile optionally point at an out-of-tree
	// project definition.
	DefinitionRepo string `json:"definition_repo,omitempty" db:"project_trigger_definition_repo"`
	DefinitionFile string `json:"definition_file,omitempty" db:"project_trigger_definition_file"`
	QueuePriority  int    `json:"queue_priority" db:"project_trigger_queue_priority"`
}

func NewProjectTrigger(
	now Time,
	projectID ProjectID,
	triggerType TriggerType,
	user string,
	secretData []byte,
	definitionRepo string,
	definitionFile string,
	queuePriority int,
) *ProjectTrigger {
	return &ProjectTrigger{
		ID:             NewProjectTriggerID(),
		ProjectID:      projectID,
		Type:           triggerType,
		CreatedAt:      now,
		UpdatedAt:      now,
		User:           user,
		SecretData:     secretData,
		DefinitionRepo: definitionRepo,
		DefinitionFile: definitionFile,
		QueuePriority:  queuePriority,
	}
}

func (m *ProjectTrigger) GetKind() ResourceKind {
	return ProjectTriggerResourceKind
}

func (m *ProjectTrigger) GetCreatedAt() Time {
	return m.CreatedAt
}

func (m *ProjectTrigger) GetID() ResourceID {
	return m.ID.ResourceID
}

func (m *ProjectTrigger) GetParentID() ResourceID {
	return m.ProjectID.ResourceID
}

func (m *ProjectTrigger) GetUpdatedAt() Time {
	return m.UpdatedAt
}

func (m *ProjectTrigger) SetUpdatedAt(t Time) {
	m.UpdatedAt = t
}

func (m *ProjectTrigger) GetETag() ETag {
	return m.ETag
}

func (m *ProjectTrigger) SetETag(eTag ETag) {
	m.ETag = eTag
}

func (m *ProjectTrigger) Validate() error {
	var result *multierror.Error
	if !m.ID.Valid() {
		result = multierror.Append(result, errors.New("error id must be set"))
	}
	if !m.ProjectID.Valid() {
		result = multierror.Append(result, errors.New("error project id must be set"))
	}
	if !m.Type.Valid() {
		result = multierror.Append(result, errors.Errorf("error invalid trigger type: %d", m.Type))
	}
	if m.CreatedAt.IsZero() {
		result = multierror.Append(result, errors.New("error created at must be set"))
	}
	return result.ErrorOrNil()
}
