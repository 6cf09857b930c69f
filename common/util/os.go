package util

import (
	"strings"
)

// FilterOSArgs returns args with the values of every flag not on the
// whitelist masked, so a command line can be logged without leaking secrets.
func FilterOSArgs(args []string, whitelist []string) []string {
	safe := make(map[string]struct{}, len(whitelist))
	for _, name := range whitelist {
		safe[name] = struct{}{}
	}
	sanitized := make([]string, len(args))
	maskNext := false
	for i, arg := range args {
		if strings.HasPrefix(arg, "--") {
			_, ok := safe[strings.TrimPrefix(strings.ToLower(arg), "--")]
			maskNext = !ok
			sanitized[i] = arg
			continue
		}
		if maskNext {
			sanitized[i] = strings.Repeat("*", len(arg))
			maskNext = false
		} else {
			sanitized[i] = arg
		}
	}
	return sanitized
}
