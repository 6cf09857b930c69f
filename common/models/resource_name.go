package models

import (
	"database/sql/driver"
	"fmt"
	"regexp"

	"github.com/pkg/errors"
)

// ResourceNameRegexStr constrains names to alphanumerics, dashes and
// underscores so they can appear verbatim in URLs and blob keys.
const ResourceNameRegexStr = "^[a-zA-Z0-9_-]{1,100}$"

const resourceNameMaxLength = 100

var ResourceNameRegex = regexp.MustCompile(ResourceNameRegexStr)

// ResourceName is the caller-chosen identifier of a resource, unique within
// its parent collection (a run's name within its build, a project's name
// within the server).
type ResourceName string

func (n ResourceName) String() string {
	return string(n)
}

func (n *ResourceName) Scan(src interface{}) error {
	if src == nil {
		*n = ""
		return nil
	}
	str, ok := src.(string)
	if !ok {
		return fmt.Errorf("error expected string: %#v", src)
	}
	*n = ResourceName(str)
	return nil
}

func (n ResourceName) Value() (driver.Value, error) {
	return string(n), nil
}

func (n ResourceName) Valid() bool {
	return n.Validate() == nil
}

func (n ResourceName) Validate() error {
	switch {
	case n == "":
		return errors.New("error name must be set")
	case len(n) > resourceNameMaxLength:
		return fmt.Errorf("error name must not exceed %d characters", resourceNameMaxLength)
	case !ResourceNameRegex.MatchString(n.String()):
		return fmt.Errorf("error name must only contain alphanumeric, dash or underscore characters: '%s'", n)
	}
	return nil
}
