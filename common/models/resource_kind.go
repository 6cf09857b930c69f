package models

import (
	"database/sql/driver"
	"fmt"
)

// ResourceKind names a resource type; it prefixes every typed resource id.
type ResourceKind string

func (k ResourceKind) String() string {
	return string(k)
}

func (k *ResourceKind) Scan(src interface{}) error {
	if src == nil {
		*k = ""
		return nil
	}
	str, ok := src.(string)
	if !ok {
		return fmt.Errorf("error expected string: %#v", src)
	}
	*k = ResourceKind(str)
	return nil
}

func (k ResourceKind) Value() (driver.Value, error) {
	return k.String(), nil
}
