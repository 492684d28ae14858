// Package template renders Liquid templates against a variable context.
// Rendering never fails: problems are returned as issues and the affected
// expression renders as an empty string.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/osteele/liquid"
)

const (
	openDelim  = "{{"
	closeDelim = "}}"
	openTag    = "{%"
)

// Issue kinds reported by Render.
const (
	IssueUnresolvedVariable = "unresolved_variable"
	IssueMalformedTemplate  = "malformed_template"
	IssueInvalidVariable    = "invalid_variable"
	IssueUnknownFilter      = "unknown_filter"
)

// Issue describes one problem found while rendering.
type Issue struct {
	Kind     string
	Variable string
	Message  string
}

var (
	engine     = newEngine()
	tagPattern = regexp.MustCompile(`(?s)\{%.*?%\}`)
	bindTag    = regexp.MustCompile(`\{%-?\s*(?:for|tablerow|assign|capture)\s+([A-Za-z_][\w-]*)`)
	literals   = map[string]bool{"true": true, "false": true, "nil": true, "null": true, "empty": true, "blank": true}
)

func newEngine() *liquid.Engine {
	e := liquid.NewEngine()
	e.RegisterFilter("capitalize", capitalize)
	e.RegisterFilter("json", toJSON)
	return e
}

// HasSyntax reports whether s contains template delimiters.
func HasSyntax(s string) bool {
	return strings.Contains(s, openDelim) || strings.Contains(s, closeDelim) || strings.Contains(s, openTag)
}

// Render executes s as a Liquid template. Unbalanced delimiters are dropped
// before parsing, so no stray {{ or }} survives in the output.
func Render(s string, vars map[string]any) (string, []Issue) {
	if !HasSyntax(s) {
		return s, nil
	}

	src, issues := balance(s)
	src, found := inspectAll(src, vars)
	issues = append(issues, found...)

	out, err := execute(src, vars)
	if err == nil {
		return out, issues
	}

	out, found = renderEach(src, vars)
	if len(found) == 0 {
		found = []Issue{{Kind: IssueMalformedTemplate, Message: err.Error()}}
	}
	return out, append(issues, found...)
}

func execute(src string, vars map[string]any) (string, error) {
	tpl, err := engine.ParseString(src)
	if err != nil {
		return "", err
	}
	out, err := tpl.RenderString(vars)
	if err != nil {
		return "", err
	}
	return out, nil
}

// balance removes every '{{' without a closer and every '}}' without an
// opener.
func balance(s string) (string, []Issue) {
	var (
		b      strings.Builder
		issues []Issue
	)
	rest := s
	for {
		start := strings.Index(rest, openDelim)
		if stray := strings.Index(rest, closeDelim); stray >= 0 && (start < 0 || stray < start) {
			issues = append(issues, Issue{
				Kind:    IssueMalformedTemplate,
				Message: "unexpected '}}' without matching '{{'",
			})
			b.WriteString(rest[:stray])
			rest = rest[stray+len(closeDelim):]
			continue
		}
		if start < 0 {
			b.WriteString(rest)
			break
		}

		body := rest[start+len(openDelim):]
		end := strings.Index(body, closeDelim)
		if end < 0 || strings.Contains(body[:end], openDelim) {
			issues = append(issues, Issue{
				Kind:    IssueMalformedTemplate,
				Message: "unclosed '{{'",
			})
			b.WriteString(rest[:start])
			rest = body
			continue
		}
		b.WriteString(rest[:start+len(openDelim)+end+len(closeDelim)])
		rest = body[end+len(closeDelim):]
	}
	return b.String(), issues
}

// nextExpr finds the first {{ }} expression of a balanced source. It returns
// the offsets of the opening and one past the closing delimiter.
func nextExpr(s string) (int, int, bool) {
	start := strings.Index(s, openDelim)
	if start < 0 {
		return 0, 0, false
	}
	end := strings.Index(s[start:], closeDelim)
	if end < 0 {
		return 0, 0, false
	}
	return start, start + end + len(closeDelim), true
}

// inspectAll checks the variable of every output expression. Expressions
// whose variable cannot be parsed are removed from the source. Names bound
// by tags are not looked up in vars.
func inspectAll(src string, vars map[string]any) (string, []Issue) {
	var (
		b      strings.Builder
		issues []Issue
	)
	bound := map[string]bool{"forloop": true, "tablerowloop": true}
	for _, m := range bindTag.FindAllStringSubmatch(src, -1) {
		bound[m[1]] = true
	}
	rest := src
	for {
		start, end, ok := nextExpr(rest)
		if !ok {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:start])
		expr := rest[start:end]
		found, keep := inspect(expr[len(openDelim):len(expr)-len(closeDelim)], vars, bound)
		issues = append(issues, found...)
		if keep {
			b.WriteString(expr)
		}
		rest = rest[end:]
	}
	return b.String(), issues
}

func inspect(inner string, vars map[string]any, bound map[string]bool) ([]Issue, bool) {
	parts := splitPipes(trimControl(inner))
	operand := strings.TrimSpace(parts[0])
	if operand == "" {
		return []Issue{{Kind: IssueInvalidVariable, Message: "empty expression"}}, false
	}
	if !isVariable(operand) {
		return nil, true
	}

	path, err := ParsePath(operand)
	if err != nil {
		return []Issue{{Kind: IssueInvalidVariable, Variable: operand, Message: err.Error()}}, false
	}
	if bound[path[0].Key] || hasFilter(parts[1:], "default") {
		return nil, true
	}
	if _, ok := Lookup(vars, path); ok {
		return nil, true
	}
	return []Issue{{
		Kind:     IssueUnresolvedVariable,
		Variable: operand,
		Message:  fmt.Sprintf("variable %q is not defined", operand),
	}}, true
}

// renderEach renders every output expression on its own so that one
// failing expression only blanks itself. Tags are dropped.
func renderEach(src string, vars map[string]any) (string, []Issue) {
	var (
		b      strings.Builder
		issues []Issue
	)
	rest := tagPattern.ReplaceAllString(src, "")
	for {
		start, end, ok := nextExpr(rest)
		if !ok {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:start])
		expr := rest[start:end]
		out, err := execute(expr, vars)
		if err != nil {
			issues = append(issues, expressionIssue(expr, err))
		} else {
			b.WriteString(out)
		}
		rest = rest[end:]
	}
	return b.String(), issues
}

func expressionIssue(expr string, err error) Issue {
	inner := trimControl(expr[len(openDelim) : len(expr)-len(closeDelim)])
	kind := IssueInvalidVariable
	if strings.Contains(err.Error(), "undefined filter") {
		kind = IssueUnknownFilter
	}
	return Issue{
		Kind:     kind,
		Variable: strings.TrimSpace(splitPipes(inner)[0]),
		Message:  err.Error(),
	}
}

// trimControl strips Liquid whitespace-control dashes.
func trimControl(inner string) string {
	inner = strings.TrimSpace(inner)
	inner = strings.TrimPrefix(inner, "-")
	return strings.TrimSuffix(inner, "-")
}

// isVariable reports whether operand names a variable rather than a
// literal or a range.
func isVariable(operand string) bool {
	r, _ := utf8.DecodeRuneInString(operand)
	if r != '_' && !unicode.IsLetter(r) {
		return false
	}
	return !literals[operand]
}

// splitPipes splits on '|' outside quoted strings.
func splitPipes(expr string) []string {
	var (
		parts []string
		quote rune
		start int
	)
	for i, r := range expr {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '"' || r == '\'':
			quote = r
		case r == '|':
			parts = append(parts, expr[start:i])
			start = i + 1
		}
	}
	return append(parts, expr[start:])
}

func hasFilter(filters []string, name string) bool {
	for _, f := range filters {
		n, _, _ := strings.Cut(f, ":")
		if strings.TrimSpace(n) == name {
			return true
		}
	}
	return false
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + strings.ToLower(s[size:])
}

func toJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
