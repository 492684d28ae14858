// Package translation resolves {t.key} placeholders against per-locale
// content maps.
package translation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"github.com/inboxrelay/relay/common/logging"
)

const prefix = "{t."

// Issue kinds reported while translating.
const (
	IssueMissingTranslation     = "missing_translation"
	IssueTranslationUnavailable = "translation_unavailable"
)

// ResourceTypeWorkflow is the resource type of workflow-level content.
const ResourceTypeWorkflow = "workflow"

// Issue describes a key that could not be translated.
type Issue struct {
	Kind    string
	Key     string
	Message string
}

// Store fetches translation content. It returns a nil map and no error when
// the resource has no content for the locale.
type Store interface {
	Content(ctx context.Context, resourceID, resourceType, locale string) (map[string]any, error)
}

// StoreFunc adapts a function to Store.
type StoreFunc func(ctx context.Context, resourceID, resourceType, locale string) (map[string]any, error)

func (f StoreFunc) Content(ctx context.Context, resourceID, resourceType, locale string) (map[string]any, error) {
	return f(ctx, resourceID, resourceType, locale)
}

type cacheKey struct {
	resourceID   string
	resourceType string
	locale       string
}

// Cache memoizes Store lookups for the lifetime of one render batch. Misses
// are cached too; errors are not.
type Cache struct {
	store   Store
	mu      sync.Mutex
	entries map[cacheKey]map[string]any
}

func NewCache(store Store) *Cache {
	return &Cache{store: store, entries: make(map[cacheKey]map[string]any)}
}

func (c *Cache) Content(ctx context.Context, resourceID, resourceType, locale string) (map[string]any, error) {
	key := cacheKey{resourceID, resourceType, locale}

	c.mu.Lock()
	content, ok := c.entries[key]
	c.mu.Unlock()
	if ok {
		return content, nil
	}

	content, err := c.store.Content(ctx, resourceID, resourceType, locale)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.entries[key] = content
	c.mu.Unlock()
	return content, nil
}

// Bundle is the content for one locale plus an optional fallback locale.
type Bundle struct {
	Locale   string
	primary  map[string]any
	fallback map[string]any
	// err is set when the store could not be reached; every key then reports
	// translation_unavailable.
	err error
}

// Translator loads bundles from a store.
type Translator struct {
	store          Store
	fallbackLocale string
	logger         *slog.Logger
}

func NewTranslator(store Store, fallbackLocale string, logger *slog.Logger) *Translator {
	return &Translator{store: store, fallbackLocale: fallbackLocale, logger: logging.OrDefault(logger)}
}

// Cached returns a copy whose lookups go through a fresh Cache. Use one per
// render batch.
func (t *Translator) Cached() *Translator {
	cp := *t
	cp.store = NewCache(t.store)
	return &cp
}

// Load fetches the bundle for resourceID. A store error is kept in the
// bundle rather than returned so rendering can continue.
func (t *Translator) Load(ctx context.Context, resourceID, resourceType, locale string) *Bundle {
	b := &Bundle{Locale: locale}
	primary, err := t.store.Content(ctx, resourceID, resourceType, locale)
	if err != nil {
		t.logger.Warn("translation content unavailable",
			logging.WorkflowID(resourceID), slog.String("locale", locale), logging.Error(err))
		b.err = err
		return b
	}
	b.primary = primary

	if t.fallbackLocale != "" && t.fallbackLocale != locale {
		fallback, err := t.store.Content(ctx, resourceID, resourceType, t.fallbackLocale)
		if err != nil {
			t.logger.Debug("fallback translation content unavailable",
				logging.WorkflowID(resourceID), slog.String("locale", t.fallbackLocale), logging.Error(err))
		}
		b.fallback = fallback
	}
	return b
}

// Unavailable returns a bundle for content that could not be loaded.
func Unavailable(locale string, err error) *Bundle {
	return &Bundle{Locale: locale, err: err}
}

// NewBundle wraps already loaded content.
func NewBundle(locale string, content, fallback map[string]any) *Bundle {
	return &Bundle{Locale: locale, primary: content, fallback: fallback}
}

// Lookup finds key in the primary content, then in the fallback.
func (b *Bundle) Lookup(key string) (string, bool) {
	if b == nil || b.err != nil {
		return "", false
	}
	if v, ok := Lookup(b.primary, key); ok {
		return v, true
	}
	return Lookup(b.fallback, key)
}

// Apply replaces every {t.key} in s. Keys that cannot be found are left
// literally and reported.
func (b *Bundle) Apply(s string) (string, []Issue) {
	if !HasKeys(s) {
		return s, nil
	}

	var (
		out    strings.Builder
		issues []Issue
	)
	last := 0
	for _, m := range scan(s) {
		out.WriteString(s[last:m.start])
		last = m.end

		if v, ok := b.Lookup(m.key); ok {
			out.WriteString(v)
			continue
		}
		out.WriteString(s[m.start:m.end])
		issues = append(issues, b.issue(m.key))
	}
	out.WriteString(s[last:])
	return out.String(), issues
}

func (b *Bundle) issue(key string) Issue {
	if b != nil && b.err != nil {
		return Issue{
			Kind:    IssueTranslationUnavailable,
			Key:     key,
			Message: fmt.Sprintf("translations could not be loaded: %v", b.err),
		}
	}
	locale := ""
	if b != nil {
		locale = b.Locale
	}
	return Issue{
		Kind:    IssueMissingTranslation,
		Key:     key,
		Message: fmt.Sprintf("no translation for %q in locale %q", key, locale),
	}
}

// Err reports why the bundle has no content, if it failed to load.
func (b *Bundle) Err() error {
	if b == nil {
		return errors.New("no translation bundle")
	}
	return b.err
}

// HasKeys reports whether s contains at least one {t.key} placeholder.
func HasKeys(s string) bool {
	return strings.Contains(s, prefix) && len(scan(s)) > 0
}

// Keys lists the placeholder keys in s in order of appearance.
func Keys(s string) []string {
	matches := scan(s)
	keys := make([]string, 0, len(matches))
	for _, m := range matches {
		keys = append(keys, m.key)
	}
	return keys
}

type match struct {
	start, end int
	key        string
}

// scan finds {t.key} placeholders. A placeholder directly preceded by '{'
// belongs to a {{ }} expression and is skipped. Keys never span braces or
// whitespace.
func scan(s string) []match {
	var out []match
	i := 0
	for {
		rel := strings.Index(s[i:], prefix)
		if rel < 0 {
			return out
		}
		start := i + rel
		i = start + len(prefix)
		if start > 0 && s[start-1] == '{' {
			continue
		}

		j := i
		for j < len(s) && !isKeyTerminator(rune(s[j])) {
			j++
		}
		if j == i || j >= len(s) || s[j] != '}' {
			continue
		}
		out = append(out, match{start: start, end: j + 1, key: s[i:j]})
		i = j + 1
	}
}

func isKeyTerminator(r rune) bool {
	return r == '{' || r == '}' || unicode.IsSpace(r)
}

// Lookup resolves a dotted key. An exact flat key wins over nested traversal.
func Lookup(content map[string]any, key string) (string, bool) {
	if content == nil {
		return "", false
	}
	if v, ok := content[key]; ok {
		return scalar(v)
	}

	var cur any = content
	for _, part := range strings.Split(key, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		if cur, ok = m[part]; !ok {
			return "", false
		}
	}
	return scalar(cur)
}

func scalar(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case bool:
		return strconv.FormatBool(t), true
	}
	return "", false
}
