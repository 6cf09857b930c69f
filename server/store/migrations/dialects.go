package migrations

import (
	"fmt"

	"github.com/jobserv/jobserv/server/store"
)

// GetDialectForDriver returns the dialect substitutions to apply to
// migration templates for the given database driver.
func GetDialectForDriver(driver store.DBDriver) (*DialectTemplate, error) {
	switch driver {
	case store.Sqlite:
		return &DialectTemplate{
			Binary:            "BLOB",
			IntegerPrimaryKey: "integer NOT NULL PRIMARY KEY AUTOINCREMENT",
		}, nil
	case store.Postgres:
		return &DialectTemplate{
			Binary:            "BYTEA",
			IntegerPrimaryKey: "SERIAL PRIMARY KEY",
		}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
}
