package models

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

const BuildResourceKind ResourceKind = "build"

type BuildID struct {
	ResourceID
}

func NewBuildID() BuildID {
	return BuildID{ResourceID: NewResourceID(BuildResourceKind)}
}

func BuildIDFromResourceID(id ResourceID) BuildID {
	return BuildID{ResourceID: id}
}

// Build is one attempt to execute a project definition. Builds are numbered
// densely within their project: the Number sequence is 1..N with no gaps,
// allocated under a project row lock.
type Build struct {
	ID        BuildID   `json:"id" goqu:"skipupdate" db:"build_id"`
	ProjectID ProjectID `json:"project_id" goqu:"skipupdate" db:"build_project_id"`
	// Number is the dense per-project build number exposed to users.
	Number    int    `json:"build_id" goqu:"skipupdate" db:"build_number"`
	Status    Status `json:"status" db:"build_status"`
	CreatedAt Time   `json:"created_at" goqu:"skipupdate" db:"build_created_at"`
	UpdatedAt Time   `json:"updated_at" db:"build_updated_at"`
	ETag      ETag   `json:"etag" db:"build_etag" hash:"ignore"`
	// CompletedAt is set once when the build first reaches a terminal status.
	CompletedAt *Time `json:"completed,omitempty" db:"build_completed_at"`
	// TriggerName is the name of the project-definition trigger that produced
	// this build.
	TriggerName string `json:"trigger_name,omitempty" db:"build_trigger_name"`
	Reason      string `json:"reason,omitempty" db:"build_reason"`
	// Name is set when the build is promoted; unique within the project.
	Name       *string `json:"name,omitempty" db:"build_name"`
	Annotation *string `json:"annotation,omitempty" db:"build_annotation"`
}

func NewBuild(now Time, projectID ProjectID, number int, triggerName string, reason string) *Build {
	return &Build{
		ID:          NewBuildID(),
		ProjectID:   projectID,
		Number:      number,
		Status:      StatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
		TriggerName: triggerName,
		Reason:      reason,
	}
}

func (m *Build) GetKind() ResourceKind {
	return BuildResourceKind
}

func (m *Build) GetCreatedAt() Time {
	return m.CreatedAt
}

func (m *Build) GetID() ResourceID {
	return m.ID.ResourceID
}

func (m *Build) GetParentID() ResourceID {
	return m.ProjectID.ResourceID
}

func (m *Build) GetUpdatedAt() Time {
	return m.UpdatedAt
}

func (m *Build) SetUpdatedAt(t Time) {
	m.UpdatedAt = t
}

func (m *Build) GetETag() ETag {
	return m.ETag
}

func (m *Build) SetETag(eTag ETag) {
	m.ETag = eTag
}

// Complete reports whether the build has reached a terminal status.
func (m *Build) Complete() bool {
	return m.Status.Terminal()
}

func (m *Build) Validate() error {
	var result *multierror.Error
	if !m.ID.Valid() {
		result = multierror.Append(result, errors.New("error id must be set"))
	}
	if !m.ProjectID.Valid() {
		result = multierror.Append(result, errors.New("error project id must be set"))
	}
	if m.Number < 1 {
		result = multierror.Append(result, errors.New("error build number must be positive"))
	}
	if !m.Status.Valid() {
		result = multierror.Append(result, errors.Errorf("error invalid status: %q", m.Status))
	}
	if m.CreatedAt.IsZero() {
		result = multierror.Append(result, errors.New("error created at must be set"))
	}
	if m.UpdatedAt.IsZero() {
		result = multierror.Append(result, errors.New("error updated at must be set"))
	}
	return result.ErrorOrNil()
}
