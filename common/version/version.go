package version

import "fmt"

// VERSION is the major.minor.patch version the binary was built from,
// injected at link time.
var VERSION string

// GITCOMMIT is the short git hash the binary was built from, injected at
// link time.
var GITCOMMIT string

func VersionToString() string {
	if VERSION == "" && GITCOMMIT == "" {
		return ""
	}
	return fmt.Sprintf("%s - %s", VERSION, GITCOMMIT)
}
