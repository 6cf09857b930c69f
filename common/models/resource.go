package models

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// Resource is implemented by every persisted model. A resource has a kind
// ("project", "run", ...), a globally unique ID and a creation time.
type Resource interface {
	GetKind() ResourceKind
	GetCreatedAt() Time
	GetID() ResourceID
	// Validate the model, checking required fields and value constraints.
	Validate() error
}

// MutableResource is a resource that can be updated in place and carries an
// ETag for optimistic locking.
type MutableResource interface {
	Resource
	GetETag() ETag
	SetETag(eTag ETag)
	GetUpdatedAt() Time
	SetUpdatedAt(t Time)
}

// SoftDeletableResource is a resource that is marked deleted rather than
// removed from storage.
type SoftDeletableResource interface {
	Resource
	GetDeletedAt() *Time
	SetDeletedAt(deletedAt *Time)
	// IsUnreachable reports whether the resource can no longer be read by ID
	// once soft deleted.
	IsUnreachable() bool
}

// BaseResource supplies the kind and ID accessors for resource models that
// embed it.
type BaseResource struct {
	kind ResourceKind
	id   ResourceID
}

func NewBaseResource(kind ResourceKind, id ResourceID) *BaseResource {
	return &BaseResource{kind: kind, id: id}
}

func (r *BaseResource) GetID() ResourceID {
	return r.id
}

func (r *BaseResource) SetID(id ResourceID) {
	r.id = id
}

func (r *BaseResource) GetKind() ResourceKind {
	return r.kind
}

func (r *BaseResource) Validate() error {
	var result *multierror.Error
	if r.kind == "" {
		result = multierror.Append(result, errors.New("resource kind must be set"))
	}
	if !r.id.Valid() {
		result = multierror.Append(result, errors.New("resource id must be set"))
	}
	return result.ErrorOrNil()
}
