// Package secrets resolves secret references in upload headers and redacts
// them for logs. A reference is "env://NAME" or "file:///path"; any other
// value is used as-is.
package secrets

import (
	"fmt"
	"net/http"
	"os"
	"strings"
)

const (
	envPrefix  = "env://"
	filePrefix = "file://"
	redacted   = "<redacted>"
)

// sensitiveHeaders are redacted even when given literally.
var sensitiveHeaders = map[string]struct{}{
	"Authorization":        {},
	"Proxy-Authorization":  {},
	"Cookie":               {},
	"X-Api-Key":            {},
	"X-Amz-Security-Token": {},
}

// IsRef reports whether v is a secret reference.
func IsRef(v string) bool {
	v = strings.TrimSpace(v)
	return strings.HasPrefix(v, envPrefix) || strings.HasPrefix(v, filePrefix)
}

// Resolve returns the value behind a reference, or v unchanged.
func Resolve(v string) (string, error) {
	trimmed := strings.TrimSpace(v)
	switch {
	case strings.HasPrefix(trimmed, envPrefix):
		name := strings.TrimPrefix(trimmed, envPrefix)
		val, ok := os.LookupEnv(name)
		if !ok || val == "" {
			return "", fmt.Errorf("secret env %s is not set", name)
		}
		return val, nil
	case strings.HasPrefix(trimmed, filePrefix):
		path := strings.TrimPrefix(trimmed, filePrefix)
		// #nosec G304 -- path comes from operator config.
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read secret file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	default:
		return v, nil
	}
}

// ResolveHeaders returns a copy of headers with every reference resolved.
func ResolveHeaders(headers map[string]string) (map[string]string, error) {
	if len(headers) == 0 {
		return headers, nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		val, err := Resolve(v)
		if err != nil {
			return nil, fmt.Errorf("header %s: %w", k, err)
		}
		out[k] = val
	}
	return out, nil
}

// RedactHeaders returns a copy safe to log: references and credentials are
// replaced by "<redacted>".
func RedactHeaders(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return headers
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if _, ok := sensitiveHeaders[http.CanonicalHeaderKey(k)]; ok || IsRef(v) {
			out[k] = redacted
			continue
		}
		out[k] = v
	}
	return out
}
