package util

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// EscapeFileName query-escapes each element of path so the result is safe to
// use as a filesystem path. The result is cleaned and separated with
// filepath.Separator regardless of the input's separators.
func EscapeFileName(path string) string {
	parts := strings.Split(filepath.Clean(path), string(filepath.Separator))
	escaped := make([]string, len(parts))
	for i, part := range parts {
		escaped[i] = url.QueryEscape(part)
	}
	return filepath.Join(escaped...)
}

// UnescapeFileName reverses EscapeFileName. The result is cleaned and
// separated with filepath.Separator regardless of the input's separators.
func UnescapeFileName(path string) (string, error) {
	parts := strings.Split(filepath.Clean(path), string(filepath.Separator))
	unescaped := make([]string, len(parts))
	for i, part := range parts {
		dec, err := url.QueryUnescape(part)
		if err != nil {
			return "", fmt.Errorf("error decoding part %q: %w", part, err)
		}
		unescaped[i] = dec
	}
	return filepath.Join(unescaped...), nil
}
