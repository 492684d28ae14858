// Package sanitize strips executable markup from rendered content.
package sanitize

import (
	"github.com/microcosm-cc/bluemonday"
)

// Sanitizer cleans strings with a user-generated-content policy. It is safe
// for concurrent use and never fails: any input yields some safe output.
type Sanitizer struct {
	policy *bluemonday.Policy
}

// New builds the policy applied to in-app content: regular formatting,
// links and images are kept; scripts, event handlers and styles are not.
func New() *Sanitizer {
	p := bluemonday.UGCPolicy()
	p.RequireNoFollowOnLinks(false)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.AllowAttrs("class").OnElements("span", "div", "p")
	return &Sanitizer{policy: p}
}

// NewWithPolicy wraps a caller-supplied policy.
func NewWithPolicy(p *bluemonday.Policy) *Sanitizer {
	return &Sanitizer{policy: p}
}

func (s *Sanitizer) String(in string) string {
	return s.policy.Sanitize(in)
}

// Value sanitizes every string inside v, walking maps and slices. Other
// values are returned unchanged.
func (s *Sanitizer) Value(v any) any {
	switch t := v.(type) {
	case string:
		return s.String(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = s.Value(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = s.Value(val)
		}
		return out
	case []string:
		out := make([]string, len(t))
		for i, val := range t {
			out[i] = s.String(val)
		}
		return out
	}
	return v
}
