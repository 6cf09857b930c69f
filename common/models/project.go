package models

import (
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

const ProjectResourceKind ResourceKind = "project"

type ProjectID struct {
	ResourceID
}

func NewProjectID() ProjectID {
	return ProjectID{ResourceID: NewResourceID(ProjectResourceKind)}
}

func ProjectIDFromResourceID(id ResourceID) ProjectID {
	return ProjectID{ResourceID: id}
}

// Project is a named namespace for builds, triggers and their artifacts.
type Project struct {
	ID        ProjectID    `json:"id" goqu:"skipupdate" db:"project_id"`
	Name      ResourceName `json:"name" db:"project_name"`
	CreatedAt Time         `json:"created_at" goqu:"skipupdate" db:"project_created_at"`
	UpdatedAt Time         `json:"updated_at" db:"project_updated_at"`
	DeletedAt *Time        `json:"deleted_at,omitempty" db:"project_deleted_at"`
	ETag      ETag         `json:"etag" db:"project_etag" hash:"ignore"`
	// SynchronousBuilds forbids two builds of this project executing concurrently;
	// a run is never dispatched while an earlier build still has unfinished runs.
	SynchronousBuilds bool `json:"synchronous_builds" db:"project_synchronous_builds"`
	// AllowedHostTags optionally whitelists the host tags this project's runs may
	// target, stored as a comma-separated list. Empty means unrestricted.
	AllowedHostTags string `json:"allowed_host_tags,omitempty" db:"project_allowed_host_tags"`
}

func NewProject(now Time, name ResourceName, synchronousBuilds bool, allowedHostTags []string) *Project {
	return &Project{
		ID:                NewProjectID(),
		Name:              name,
		CreatedAt:         now,
		UpdatedAt:         now,
		SynchronousBuilds: synchronousBuilds,
		AllowedHostTags:   strings.Join(allowedHostTags, ","),
	}
}

func (m *Project) GetKind() ResourceKind {
	return ProjectResourceKind
}

func (m *Project) GetCreatedAt() Time {
	return m.CreatedAt
}

func (m *Project) GetID() ResourceID {
	return m.ID.ResourceID
}

func (m *Project) GetName() ResourceName {
	return m.Name
}

func (m *Project) GetUpdatedAt() Time {
	return m.UpdatedAt
}

func (m *Project) SetUpdatedAt(t Time) {
	m.UpdatedAt = t
}

func (m *Project) GetETag() ETag {
	return m.ETag
}

func (m *Project) SetETag(eTag ETag) {
	m.ETag = eTag
}

func (m *Project) GetDeletedAt() *Time {
	return m.DeletedAt
}

func (m *Project) SetDeletedAt(deletedAt *Time) {
	m.DeletedAt = deletedAt
}

func (m *Project) IsUnreachable() bool {
	// A deleted project refuses new work but its builds and triggers remain
	// readable.
	return false
}

// AllowedHostTagList returns the whitelist as a slice, or nil if unrestricted.
func (m *Project) AllowedHostTagList() []string {
	if m.AllowedHostTags == "" {
		return nil
	}
	var tags []string
	for _, t := range strings.Split(m.AllowedHostTags, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

func (m *Project) Validate() error {
	var result *multierror.Error
	if !m.ID.Valid() {
		result = multierror.Append(result, errors.New("error id must be set"))
	}
	if err := m.Name.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	if m.CreatedAt.IsZero() {
		result = multierror.Append(result, errors.New("error created at must be set"))
	}
	if m.UpdatedAt.IsZero() {
		result = multierror.Append(result, errors.New("error updated at must be set"))
	}
	if m.DeletedAt != nil && m.DeletedAt.IsZero() {
		result = multierror.Append(result, errors.New("error deleted at must be non-zero when set"))
	}
	return result.ErrorOrNil()
}
