package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// timestampStorageFormat is how timestamps are rendered when bound to SQL
// statements. Both Postgres and SQLite accept it.
const timestampStorageFormat = "2006-01-02 15:04:05.999999-07:00"

// Time is a timestamp that round-trips through both supported databases.
// All values are stored in UTC at microsecond precision.
type Time struct {
	time.Time
}

// NewTime rounds to microseconds because Postgres keeps no more precision
// than that; rounding up front means a value reads back exactly as written.
func NewTime(t time.Time) Time {
	return Time{Time: t.UTC().Round(time.Microsecond)}
}

func NewTimePtr(t time.Time) *Time {
	newTime := NewTime(t)
	return &newTime
}

// Scan implements sql.Scanner. Postgres hands back a time.Time while SQLite
// hands back the formatted string.
func (t *Time) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case time.Time:
		*t = NewTime(v)
	case string:
		parsed, err := time.Parse(timestampStorageFormat, v)
		if err != nil {
			return errors.Wrap(err, "error parsing time")
		}
		*t = Time{Time: parsed.UTC()}
	default:
		return fmt.Errorf("unsupported type: %[1]T (%[1]v)", src)
	}
	return nil
}

// Value implements driver.Valuer.
func (t Time) Value() (driver.Value, error) {
	return t.Format(timestampStorageFormat), nil
}
