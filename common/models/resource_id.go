package models

import (
	"database/sql/driver"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ResourceID is the globally unique, immutable identifier of a resource,
// in the form "kind:uuid". The kind prefix makes IDs self-describing so a
// misrouted ID fails loudly instead of matching the wrong table.
type ResourceID string

func NewResourceID(kind ResourceKind) ResourceID {
	return ResourceID(fmt.Sprintf("%s:%s", kind, uuid.New().String()))
}

func ParseResourceID(str string) (ResourceID, error) {
	id := ResourceID(str)
	if !id.Valid() {
		return "", fmt.Errorf("error invalid resource id: %q", str)
	}
	return id, nil
}

func (s ResourceID) String() string {
	return string(s)
}

func (s ResourceID) Kind() ResourceKind {
	i := strings.IndexByte(string(s), ':')
	if i < 0 {
		return ""
	}
	return ResourceKind(s[:i])
}

func (s ResourceID) Valid() bool {
	i := strings.IndexByte(string(s), ':')
	if i <= 0 {
		return false
	}
	_, err := uuid.Parse(string(s[i+1:]))
	return err == nil
}

func (s ResourceID) IsZero() bool {
	return s == ""
}

func (s *ResourceID) Scan(src interface{}) error {
	if src == nil {
		*s = ""
		return nil
	}
	t, ok := src.(string)
	if !ok {
		return fmt.Errorf("error expected string: %#v", src)
	}
	*s = ResourceID(t)
	return nil
}

func (s ResourceID) Value() (driver.Value, error) {
	return string(s), nil
}
