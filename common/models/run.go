package models

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

const RunResourceKind ResourceKind = "run"

type RunID struct {
	ResourceID
}

func NewRunID() RunID {
	return RunID{ResourceID: NewResourceID(RunResourceKind)}
}

func RunIDFromResourceID(id ResourceID) RunID {
	return RunID{ResourceID: id}
}

// Run is one unit of work executed on one worker.
type Run struct {
	ID      RunID        `json:"id" goqu:"skipupdate" db:"run_id"`
	BuildID BuildID      `json:"build_id" goqu:"skipupdate" db:"run_build_id"`
	Name    ResourceName `json:"name" goqu:"skipupdate" db:"run_name"`
	// Seq preserves insertion order within a build; together with the build's
	// creation time it gives the dispatcher a stable FIFO tie-break.
	Seq       int    `json:"-" goqu:"skipupdate" db:"run_seq"`
	Status    Status `json:"status" db:"run_status"`
	CreatedAt Time   `json:"created_at" goqu:"skipupdate" db:"run_created_at"`
	UpdatedAt Time   `json:"updated_at" db:"run_updated_at"`
	ETag      ETag   `json:"etag" db:"run_etag" hash:"ignore"`
	// CompletedAt is set once when the run first reaches a terminal status.
	CompletedAt *Time `json:"completed,omitempty" db:"run_completed_at"`
	// HostTag routes the run to workers; it may be a glob (? and *) or the
	// exact name of a worker.
	HostTag string `json:"host_tag" db:"run_host_tag"`
	// QueuePriority orders dispatch; higher first, default 0.
	QueuePriority int `json:"queue_priority" db:"run_queue_priority"`
	// APIKey is the opaque per-run secret the worker presents on run updates.
	APIKey string `json:"-" db:"run_api_key"`
	// WorkerName is set while a worker owns the run; null when QUEUED.
	WorkerName *ResourceName `json:"worker_name,omitempty" db:"run_worker_name"`
	// RunningAcked is set by the first console message after dispatch; until
	// then the acked sweep may requeue the run.
	RunningAcked bool `json:"-" db:"run_running_acked"`
	// Trigger is the name of the project-definition trigger this run belongs to.
	Trigger string `json:"trigger,omitempty" db:"run_trigger"`
	// Meta is a free-form note reported by the worker (e.g. a result summary).
	Meta *string `json:"meta,omitempty" db:"run_meta"`
}

func NewRun(now Time, buildID BuildID, name ResourceName, seq int, hostTag string, queuePriority int, trigger string, apiKey string) *Run {
	return &Run{
		ID:            NewRunID(),
		BuildID:       buildID,
		Name:          name,
		Seq:           seq,
		Status:        StatusQueued,
		CreatedAt:     now,
		UpdatedAt:     now,
		HostTag:       hostTag,
		QueuePriority: queuePriority,
		Trigger:       trigger,
		APIKey:        apiKey,
	}
}

func (m *Run) GetKind() ResourceKind {
	return RunResourceKind
}

func (m *Run) GetCreatedAt() Time {
	return m.CreatedAt
}

func (m *Run) GetID() ResourceID {
	return m.ID.ResourceID
}

func (m *Run) GetParentID() ResourceID {
	return m.BuildID.ResourceID
}

func (m *Run) GetName() ResourceName {
	return m.Name
}

func (m *Run) GetUpdatedAt() Time {
	return m.UpdatedAt
}

func (m *Run) SetUpdatedAt(t Time) {
	m.UpdatedAt = t
}

func (m *Run) GetETag() ETag {
	return m.ETag
}

func (m *Run) SetETag(eTag ETag) {
	m.ETag = eTag
}

// Complete reports whether the run has reached a terminal status.
func (m *Run) Complete() bool {
	return m.Status.Terminal()
}

func (m *Run) Validate() error {
	var result *multierror.Error
	if !m.ID.Valid() {
		result = multierror.Append(result, errors.New("error id must be set"))
	}
	if !m.BuildID.Valid() {
		result = multierror.Append(result, errors.New("error build id must be set"))
	}
	if err := m.Name.Validate(); err != nil {
		result = multierror.Append(result, err)
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
