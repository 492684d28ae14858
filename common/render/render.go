// Package render turns a step's control values and variable context into a
// channel-specific payload.
//
// A render runs translation first, so translated text may itself contain
// {{ }} expressions, then template substitution, then sanitization of in-app
// content. Content problems are returned as issues; only contract violations
// such as an email without a subject fail the render.
package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/inboxrelay/relay/common/logging"
	"github.com/inboxrelay/relay/common/models"
	"github.com/inboxrelay/relay/common/render/sanitize"
	"github.com/inboxrelay/relay/common/render/template"
	"github.com/inboxrelay/relay/common/render/translation"
)

// Control value keys with special meaning.
const (
	ControlSkip                      = "skip"
	ControlDisableOutputSanitization = "disableOutputSanitization"
	ControlData                      = "data"
)

// IssueContract is the kind attached to issues raised from a ContractError.
const IssueContract = "contract"

var (
	// ErrContract is wrapped by every ContractError.
	ErrContract = errors.New("render contract violated")
	// ErrInvalidChannel is returned for a channel the pipeline cannot render.
	ErrInvalidChannel = errors.New("invalid channel")
)

// ContractError rejects a render whose control values cannot produce a
// deliverable payload.
type ContractError struct {
	Channel models.Channel
	Field   string
	Reason  string
}

func (e *ContractError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Channel, e.Reason)
	}
	return fmt.Sprintf("%s: %s %s", e.Channel, e.Field, e.Reason)
}

func (e *ContractError) Unwrap() error { return ErrContract }

// Mode selects how strictly content issues are reported.
type Mode string

const (
	// ModeDeliver is permissive: unresolved variables render empty silently.
	ModeDeliver Mode = "deliver"
	// ModeValidate reports every unresolved variable, for editors and previews.
	ModeValidate Mode = "validate"
)

// ParseMode validates a mode name. The empty string means ModeDeliver.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case "":
		return ModeDeliver, nil
	case ModeDeliver, ModeValidate:
		return m, nil
	}
	return "", fmt.Errorf("unknown render mode %q", s)
}

// Request is one step render.
type Request struct {
	StepID             string         `json:"stepId,omitempty" yaml:"stepId"`
	Channel            models.Channel `json:"channel" yaml:"channel"`
	ControlValues      map[string]any `json:"controlValues" yaml:"controlValues"`
	Variables          map[string]any `json:"variables" yaml:"variables"`
	Locale             string         `json:"locale,omitempty" yaml:"locale"`
	TranslationEnabled bool           `json:"translationEnabled,omitempty" yaml:"translationEnabled"`
	WorkflowID         string         `json:"workflowId" yaml:"workflowId"`
	EnvironmentID      string         `json:"environmentId" yaml:"environmentId"`
	OrganizationID     string         `json:"organizationId" yaml:"organizationId"`
	Mode               Mode           `json:"mode,omitempty" yaml:"mode"`
}

// Issue is a content problem attached to one field of the result.
type Issue struct {
	Field    string `json:"field"`
	Kind     string `json:"kind"`
	Variable string `json:"variable,omitempty"`
	Message  string `json:"message"`
}

// Result is the outcome of one step render.
type Result struct {
	StepID  string         `json:"stepId,omitempty"`
	Channel models.Channel `json:"channel"`
	Output  Output         `json:"outputs,omitempty"`
	Issues  []Issue        `json:"issues,omitempty"`
	Skipped bool           `json:"skipped,omitempty"`
}

// Pipeline renders steps. It is safe for concurrent use.
type Pipeline struct {
	translator *translation.Translator
	sanitizer  *sanitize.Sanitizer
	logger     *slog.Logger
}

type Option func(*Pipeline)

// WithTranslator enables {t.key} resolution for requests that ask for it.
func WithTranslator(t *translation.Translator) Option {
	return func(p *Pipeline) { p.translator = t }
}

func WithSanitizer(s *sanitize.Sanitizer) Option {
	return func(p *Pipeline) { p.sanitizer = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

func New(opts ...Option) *Pipeline {
	p := &Pipeline{}
	for _, opt := range opts {
		opt(p)
	}
	if p.sanitizer == nil {
		p.sanitizer = sanitize.New()
	}
	p.logger = logging.OrDefault(p.logger)
	return p
}

// Render renders a single step.
func (p *Pipeline) Render(ctx context.Context, req Request) (*Result, error) {
	return p.render(ctx, req, p.translator)
}

// BatchResult pairs a result with the error that rejected it, if any.
type BatchResult struct {
	Result *Result
	Err    error
}

// RenderBatch renders the steps of one workflow run. Translation content is
// fetched at most once per workflow and locale across the batch.
func (p *Pipeline) RenderBatch(ctx context.Context, reqs []Request) []BatchResult {
	tr := p.translator
	if tr != nil {
		tr = tr.Cached()
	}
	out := make([]BatchResult, len(reqs))
	for i, req := range reqs {
		if err := ctx.Err(); err != nil {
			out[i].Err = err
			continue
		}
		out[i].Result, out[i].Err = p.render(ctx, req, tr)
	}
	return out
}

func (p *Pipeline) render(ctx context.Context, req Request, tr *translation.Translator) (*Result, error) {
	start := time.Now()
	defer func() {
		renderDuration.WithLabelValues(string(req.Channel)).Observe(time.Since(start).Seconds())
	}()

	out, err := newOutput(req.Channel)
	if err != nil {
		rendersTotal.WithLabelValues("invalid", "rejected").Inc()
		return nil, err
	}
	res := &Result{StepID: req.StepID, Channel: req.Channel}
	controls := req.ControlValues

	if truthy(controls[ControlSkip]) {
		res.Skipped = true
		rendersTotal.WithLabelValues(string(req.Channel), "skipped").Inc()
		return res, nil
	}
	if err := checkControls(req.Channel, controls); err != nil {
		return nil, p.reject(req, err)
	}

	inApp := req.Channel == models.ChannelInApp
	values := make(map[string]any, len(controls))
	for k, v := range controls {
		switch {
		case k == ControlSkip, k == ControlDisableOutputSanitization:
		case k == ControlData && inApp:
		default:
			values[k] = v
		}
	}

	var issues []Issue

	if req.TranslationEnabled && req.Locale != "" && anyString(values, translation.HasKeys) {
		bundle := p.loadBundle(ctx, tr, req)
		values = mapStrings(values, func(field, s string) string {
			translated, found := bundle.Apply(s)
			for _, i := range found {
				issues = append(issues, Issue{Field: field, Kind: i.Kind, Variable: i.Key, Message: i.Message})
			}
			return translated
		})
	}

	values = mapStrings(values, func(field, s string) string {
		rendered, found := template.Render(s, req.Variables)
		for _, i := range found {
			if i.Kind == template.IssueUnresolvedVariable && req.Mode != ModeValidate {
				continue
			}
			issues = append(issues, Issue{Field: field, Kind: i.Kind, Variable: i.Variable, Message: i.Message})
		}
		return rendered
	})

	if inApp && !truthy(controls[ControlDisableOutputSanitization]) {
		values = mapStrings(values, func(field, s string) string {
			if isURLField(field) {
				return safeURL(s)
			}
			return p.sanitizer.String(s)
		})
	}

	if err := decodeOutput(values, out); err != nil {
		return nil, p.reject(req, err)
	}
	if o, ok := out.(*InAppOutput); ok {
		o.Data = controls[ControlData]
	}
	if err := checkOutput(out); err != nil {
		return nil, p.reject(req, err)
	}

	res.Output = out
	res.Issues = issues
	for _, i := range issues {
		renderIssuesTotal.WithLabelValues(i.Kind).Inc()
	}
	rendersTotal.WithLabelValues(string(req.Channel), "ok").Inc()
	return res, nil
}

func (p *Pipeline) loadBundle(ctx context.Context, tr *translation.Translator, req Request) *translation.Bundle {
	if tr == nil {
		translationLookups.WithLabelValues("error").Inc()
		return translation.Unavailable(req.Locale, errors.New("no translation store configured"))
	}
	b := tr.Load(ctx, req.WorkflowID, translation.ResourceTypeWorkflow, req.Locale)
	if b.Err() != nil {
		translationLookups.WithLabelValues("error").Inc()
	} else {
		translationLookups.WithLabelValues("ok").Inc()
	}
	return b
}

func (p *Pipeline) reject(req Request, err error) error {
	var ce *ContractError
	if errors.As(err, &ce) && ce.Channel == "" {
		ce.Channel = req.Channel
	}
	rendersTotal.WithLabelValues(string(req.Channel), "rejected").Inc()
	p.logger.Warn("render rejected",
		logging.WorkflowID(req.WorkflowID), logging.StepID(req.StepID),
		logging.Channel(string(req.Channel)), logging.Error(err))
	return err
}

// checkControls validates the raw control values before rendering.
func checkControls(ch models.Channel, controls map[string]any) error {
	switch ch {
	case models.ChannelEmail:
		return requireString(controls, "subject")
	case models.ChannelSMS, models.ChannelChat:
		return requireString(controls, "content")
	case models.ChannelPush:
		return requireString(controls, "body")
	case models.ChannelInApp:
		if requireString(controls, "subject") != nil && requireString(controls, "body") != nil {
			return &ContractError{Field: "subject", Reason: "or body is required"}
		}
	}
	return nil
}

// checkOutput rejects payloads whose required text rendered empty.
func checkOutput(out Output) error {
	blank := func(s string) bool { return strings.TrimSpace(s) == "" }
	switch o := out.(type) {
	case *EmailOutput:
		if blank(o.Subject) {
			return &ContractError{Field: "subject", Reason: "rendered empty"}
		}
	case *SMSOutput:
		if blank(o.Content) {
			return &ContractError{Field: "content", Reason: "rendered empty"}
		}
	case *ChatOutput:
		if blank(o.Content) {
			return &ContractError{Field: "content", Reason: "rendered empty"}
		}
	case *PushOutput:
		if blank(o.Body) {
			return &ContractError{Field: "body", Reason: "rendered empty"}
		}
	case *InAppOutput:
		if blank(o.Subject) && blank(o.Body) {
			return &ContractError{Field: "body", Reason: "rendered empty"}
		}
	}
	return nil
}

func requireString(controls map[string]any, key string) error {
	v, ok := controls[key]
	if !ok || v == nil {
		return &ContractError{Field: key, Reason: "is required"}
	}
	s, ok := v.(string)
	if !ok {
		return &ContractError{Field: key, Reason: "must be a string"}
	}
	if strings.TrimSpace(s) == "" {
		return &ContractError{Field: key, Reason: "is required"}
	}
	return nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(t)
		return b
	}
	return false
}

// mapStrings returns a copy of values with fn applied to every string,
// walking nested maps and lists in key order. fn receives the field path,
// for example primaryAction.redirect.url or items[2].
func mapStrings(values map[string]any, fn func(field, s string) string) map[string]any {
	return walkMap(values, "", fn)
}

func walkMap(m map[string]any, prefix string, fn func(field, s string) string) map[string]any {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]any, len(m))
	for _, k := range keys {
		field := k
		if prefix != "" {
			field = prefix + "." + k
		}
		out[k] = walkValue(m[k], field, fn)
	}
	return out
}

func walkValue(v any, field string, fn func(field, s string) string) any {
	switch t := v.(type) {
	case string:
		return fn(field, t)
	case map[string]any:
		return walkMap(t, field, fn)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = walkValue(item, fmt.Sprintf("%s[%d]", field, i), fn)
		}
		return out
	}
	return v
}

func anyString(values map[string]any, pred func(string) bool) bool {
	found := false
	mapStrings(values, func(_, s string) string {
		if !found && pred(s) {
			found = true
		}
		return s
	})
	return found
}

func isURLField(field string) bool {
	last := field
	if i := strings.LastIndexByte(field, '.'); i >= 0 {
		last = field[i+1:]
	}
	return last == "url" || last == "avatar"
}

// safeURL keeps relative, http, https and mailto URLs and drops the rest.
// Kept URLs are returned as written, not re-encoded.
func safeURL(s string) string {
	s = strings.TrimSpace(s)
	u, err := url.Parse(s)
	if err != nil {
		return ""
	}
	switch strings.ToLower(u.Scheme) {
	case "", "http", "https", "mailto":
		return s
	}
	return ""
}
