package models

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

const RunEventResourceKind ResourceKind = "run-event"

type RunEventID struct {
	ResourceID
}

func NewRunEventID() RunEventID {
	return RunEventID{ResourceID: NewResourceID(RunEventResourceKind)}
}

// RunEvent is one entry in a run's append-only status audit log. The newest
// event's creation time is the run's most recent transition, which the
// monitor's timeout sweeps are measured against.
type RunEvent struct {
	ID        RunEventID `json:"id" goqu:"skipupdate" db:"run_event_id"`
	RunID     RunID      `json:"run_id" goqu:"skipupdate" db:"run_event_run_id"`
	Status    Status     `json:"status" goqu:"skipupdate" db:"run_event_status"`
	CreatedAt Time       `json:"time" goqu:"skipupdate" db:"run_event_created_at"`
}

func NewRunEvent(now Time, runID RunID, status Status) *RunEvent {
	return &RunEvent{
		ID:        NewRunEventID(),
		RunID:     runID,
		Status:    status,
		CreatedAt: now,
	}
}

func (m *RunEvent) GetKind() ResourceKind {
	return RunEventResourceKind
}

func (m *RunEvent) GetCreatedAt() Time {
	return m.CreatedAt
}

func (m *RunEvent) GetID() ResourceID {
	return m.ID.ResourceID
}

func (m *RunEvent) Validate() error {
	var result *multierror.Error
	if !m.ID.Valid() {
		result = multierror.Append(result, errors.New("error id must be set"))
	}
	if !m.RunID.Valid() {
		result = multierror.Append(result, errors.New("error run id must be set"))
	}
	if !m.Status.Valid() {
		result = multierror.Append(result, errors.Errorf("error invalid status: %q", m.Status))
	}
	if m.CreatedAt.IsZero() {
		result = multierror.Append(result, errors.New("error created at must be set"))
	}
	return result.ErrorOrNil()
}
