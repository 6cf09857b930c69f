package models

import (
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

const WorkerResourceKind ResourceKind = "worker"

type WorkerID struct {
	ResourceID
}

func NewWorkerID() WorkerID {
	return WorkerID{ResourceID: NewResourceID(WorkerResourceKind)}
}

func WorkerIDFromResourceID(id ResourceID) WorkerID {
	return WorkerID{ResourceID: id}
}

// Worker is an external executor that polls for runs. A worker advertises a
// set of host tags; the dispatcher matches queued runs against those tags.
type Worker struct {
	ID        WorkerID     `json:"id" goqu:"skipupdate" db:"worker_id"`
	Name      ResourceName `json:"name" goqu:"skipupdate" db:"worker_name"`
	CreatedAt Time         `json:"created_at" goqu:"skipupdate" db:"worker_created_at"`
	UpdatedAt Time         `json:"updated_at" db:"worker_updated_at"`
	DeletedAt *Time        `json:"deleted_at,omitempty" db:"worker_deleted_at"`
	ETag      ETag         `json:"etag" db:"worker_etag" hash:"ignore"`
	Distro    string       `json:"distro" db:"worker_distro"`
	MemTotal  int64        `json:"mem_total" db:"worker_mem_total"`
	CPUTotal  int          `json:"cpu_total" db:"worker_cpu_total"`
	CPUType   string       `json:"cpu_type" db:"worker_cpu_type"`
	// ConcurrentRuns is the number of runs the worker can execute in parallel.
	ConcurrentRuns int `json:"concurrent_runs" db:"worker_concurrent_runs"`
	// HostTags is the comma-separated list of tags the worker serves.
	HostTags string `json:"host_tags" db:"worker_host_tags"`
	// APIKeyHash is the bcrypt hash of the worker's API key. The plaintext is
	// only ever held by the worker itself.
	APIKeyHash string `json:"-" db:"worker_api_key_hash"`
	// Enlisted workers have been approved by an operator (or arrived with a
	// valid signed bearer token) and may be assigned runs.
	Enlisted bool `json:"enlisted" db:"worker_enlisted"`
	// Online is derived from the freshness of the worker's last ping.
	Online bool `json:"online" db:"worker_online"`
	// SurgesOnly workers only receive runs for tags currently under surge.
	SurgesOnly bool `json:"surges_only" db:"worker_surges_only"`
	// AllowedTags is the certificate-derived whitelist that bounds HostTags,
	// comma-separated. Empty means unbounded.
	AllowedTags string `json:"allowed_tags,omitempty" db:"worker_allowed_tags"`
}

func NewWorker(
	now Time,
	name ResourceName,
	distro string,
	memTotal int64,
	cpuTotal int,
	cpuType string,
	concurrentRuns int,
	hostTags []string,
	apiKeyHash string,
) *Worker {
	return &Worker{
		ID:             NewWorkerID(),
		Name:           name,
		CreatedAt:      now,
		UpdatedAt:      now,
		Distro:         distro,
		MemTotal:       memTotal,
		CPUTotal:       cpuTotal,
		CPUType:        cpuType,
		ConcurrentRuns: concurrentRuns,
		HostTags:       strings.Join(hostTags, ","),
		APIKeyHash:     apiKeyHash,
	}
}

func (m *Worker) GetKind() ResourceKind {
	return WorkerResourceKind
}

func (m *Worker) GetCreatedAt() Time {
	return m.CreatedAt
}

func (m *Worker) GetID() ResourceID {
	return m.ID.ResourceID
}

func (m *Worker) GetName() ResourceName {
	return m.Name
}

func (m *Worker) GetUpdatedAt() Time {
	return m.UpdatedAt
}

func (m *Worker) SetUpdatedAt(t Time) {
	m.UpdatedAt = t
}

func (m *Worker) GetETag() ETag {
	return m.ETag
}

func (m *Worker) SetETag(eTag ETag) {
	m.ETag = eTag
}

func (m *Worker) GetDeletedAt() *Time {
	return m.DeletedAt
}

func (m *Worker) SetDeletedAt(deletedAt *Time) {
	m.DeletedAt = deletedAt
}

func (m *Worker) IsUnreachable() bool {
	return true
}

// Available reports whether the worker may be assigned runs at all.
func (m *Worker) Available() bool {
	return m.Enlisted && m.DeletedAt == nil
}

// HostTagList returns the worker's advertised tags, intersected with its
// certificate-derived AllowedTags when that whitelist is present.
func (m *Worker) HostTagList() []string {
	tags := splitTags(m.HostTags)
	allowed := splitTags(m.AllowedTags)
	if len(allowed) == 0 {
		return tags
	}
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, t := range allowed {
		allowedSet[t] = struct{}{}
	}
	var out []string
	for _, t := range tags {
		if _, ok := allowedSet[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

func (m *Worker) AllowedTagList() []string {
	return splitTags(m.AllowedTags)
}

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	var tags []string
	for _, t := range strings.Split(s, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

func (m *Worker) Validate() error {
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
