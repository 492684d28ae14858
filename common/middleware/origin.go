package middleware

import (
	"net/url"
	"strings"
)

// OriginAllowed reports whether origin matches one of the allowed patterns.
// Patterns are exact origins ("https://app.example.com"), host wildcards
// ("*.example.com") or "*". An empty origin (non-browser client) is always allowed.
func OriginAllowed(allowed []string, origin string) bool {
	if origin == "" {
		return true
	}
	host := origin
	if u, err := url.Parse(origin); err == nil && u.Host != "" {
		host = u.Host
	}

	for _, pattern := range allowed {
		switch {
		case pattern == "*":
			return true
		case strings.HasPrefix(pattern, "*."):
			if strings.HasSuffix(host, pattern[1:]) {
				return true
			}
		case strings.EqualFold(pattern, origin):
			return true
		}
	}
	return false
}
