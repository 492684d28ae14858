package render

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboxrelay/relay/common/models"
	"github.com/inboxrelay/relay/common/render/template"
	"github.com/inboxrelay/relay/common/render/translation"
)

type memStore struct {
	mu      sync.Mutex
	content map[string]map[string]any // locale -> content
	err     error
	calls   int
}

func (m *memStore) Content(_ context.Context, _, _, locale string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.content[locale], nil
}

func newTranslatingPipeline(store translation.Store) *Pipeline {
	return New(WithTranslator(translation.NewTranslator(store, "", nil)))
}

func issueKinds(issues []Issue) []string {
	var out []string
	for _, i := range issues {
		out = append(out, i.Kind)
	}
	return out
}

func TestRenderEmailSubject(t *testing.T) {
	p := New()
	res, err := p.Render(context.Background(), Request{
		Channel: models.ChannelEmail,
		ControlValues: map[string]any{
			"subject": "Hello {{payload.name}}",
			"body":    "<p>Your order {{payload.order.id}} shipped</p>",
		},
		Variables: map[string]any{
			"payload": map[string]any{"name": "Ada", "order": map[string]any{"id": "A-17"}},
		},
	})
	require.NoError(t, err)

	out, ok := res.Output.(*EmailOutput)
	require.True(t, ok)
	assert.Equal(t, "Hello Ada", out.Subject)
	assert.Equal(t, "<p>Your order A-17 shipped</p>", out.Body)
	assert.Empty(t, res.Issues)
}

func TestRenderChannelOutputs(t *testing.T) {
	vars := map[string]any{"payload": map[string]any{"code": "1234"}}
	tests := []struct {
		name     string
		channel  models.Channel
		controls map[string]any
		check    func(t *testing.T, out Output)
	}{
		{
			name:     "sms",
			channel:  models.ChannelSMS,
			controls: map[string]any{"content": "Code {{payload.code}}", "subject": "ignored"},
			check: func(t *testing.T, out Output) {
				assert.Equal(t, &SMSOutput{Content: "Code 1234"}, out)
			},
		},
		{
			name:     "chat",
			channel:  models.ChannelChat,
			controls: map[string]any{"content": "Deploy {{payload.code}} done"},
			check: func(t *testing.T, out Output) {
				assert.Equal(t, &ChatOutput{Content: "Deploy 1234 done"}, out)
			},
		},
		{
			name:     "push",
			channel:  models.ChannelPush,
			controls: map[string]any{"subject": "New login", "body": "Code {{payload.code}}"},
			check: func(t *testing.T, out Output) {
				assert.Equal(t, &PushOutput{Subject: "New login", Body: "Code 1234"}, out)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := New().Render(context.Background(), Request{
				Channel:       tt.channel,
				ControlValues: tt.controls,
				Variables:     vars,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.channel, res.Output.Channel())
			tt.check(t, res.Output)
		})
	}
}

func TestRenderStaticContentUnchanged(t *testing.T) {
	controls := map[string]any{
		"subject": "Weekly digest",
		"body":    "Nothing new {this week}",
	}
	res, err := New().Render(context.Background(), Request{Channel: models.ChannelEmail, ControlValues: controls})
	require.NoError(t, err)

	content, err := ContentMap(res.Output)
	require.NoError(t, err)
	assert.Equal(t, controls, content)
}

func TestRenderTranslation(t *testing.T) {
	store := &memStore{content: map[string]map[string]any{
		"en_US": {"welcome": map[string]any{"title": "Welcome!", "greeting": "Hi {{subscriber.firstName}}"}},
	}}
	p := newTranslatingPipeline(store)
	vars := map[string]any{"subscriber": map[string]any{"firstName": "Ada"}}

	t.Run("resolves key", func(t *testing.T) {
		res, err := p.Render(context.Background(), Request{
			Channel:            models.ChannelInApp,
			ControlValues:      map[string]any{"body": "{t.welcome.title}"},
			Locale:             "en_US",
			TranslationEnabled: true,
			WorkflowID:         "wf-1",
		})
		require.NoError(t, err)
		assert.Equal(t, "Welcome!", res.Output.(*InAppOutput).Body)
		assert.Empty(t, res.Issues)
	})

	t.Run("translated text is templated afterwards", func(t *testing.T) {
		res, err := p.Render(context.Background(), Request{
			Channel:            models.ChannelPush,
			ControlValues:      map[string]any{"body": "{t.welcome.greeting}"},
			Variables:          vars,
			Locale:             "en_US",
			TranslationEnabled: true,
			WorkflowID:         "wf-1",
		})
		require.NoError(t, err)
		assert.Equal(t, "Hi Ada", res.Output.(*PushOutput).Body)
	})

	t.Run("missing key stays literal", func(t *testing.T) {
		res, err := p.Render(context.Background(), Request{
			Channel:            models.ChannelInApp,
			ControlValues:      map[string]any{"body": "{t.missing.key}"},
			Locale:             "en_US",
			TranslationEnabled: true,
			WorkflowID:         "wf-1",
		})
		require.NoError(t, err)
		assert.Equal(t, "{t.missing.key}", res.Output.(*InAppOutput).Body)
		require.Len(t, res.Issues, 1)
		assert.Equal(t, Issue{
			Field:    "body",
			Kind:     translation.IssueMissingTranslation,
			Variable: "missing.key",
			Message:  `no translation for "missing.key" in locale "en_US"`,
		}, res.Issues[0])
	})

	t.Run("disabled leaves keys alone", func(t *testing.T) {
		res, err := p.Render(context.Background(), Request{
			Channel:       models.ChannelInApp,
			ControlValues: map[string]any{"body": "{t.welcome.title}"},
			Locale:        "en_US",
		})
		require.NoError(t, err)
		assert.Equal(t, "{t.welcome.title}", res.Output.(*InAppOutput).Body)
		assert.Empty(t, res.Issues)
	})
}

func TestRenderTranslationIsIdempotent(t *testing.T) {
	store := &memStore{content: map[string]map[string]any{"de": {"title": "Hallo"}}}
	p := newTranslatingPipeline(store)
	req := Request{
		Channel:            models.ChannelEmail,
		ControlValues:      map[string]any{"subject": "{t.title}", "body": "{t.absent} body"},
		Locale:             "de",
		TranslationEnabled: true,
		WorkflowID:         "wf-1",
	}

	first, err := p.Render(context.Background(), req)
	require.NoError(t, err)
	firstContent, err := ContentMap(first.Output)
	require.NoError(t, err)

	req.ControlValues = firstContent
	second, err := p.Render(context.Background(), req)
	require.NoError(t, err)
	secondContent, err := ContentMap(second.Output)
	require.NoError(t, err)

	assert.Equal(t, firstContent, secondContent)
	assert.Equal(t, "Hallo", secondContent["subject"])
}

func TestRenderTranslationStoreFailure(t *testing.T) {
	p := newTranslatingPipeline(&memStore{err: errors.New("db down")})
	res, err := p.Render(context.Background(), Request{
		Channel:            models.ChannelSMS,
		ControlValues:      map[string]any{"content": "{t.code} ready"},
		Locale:             "en",
		TranslationEnabled: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "{t.code} ready", res.Output.(*SMSOutput).Content)
	assert.Equal(t, []string{translation.IssueTranslationUnavailable}, issueKinds(res.Issues))
}

func TestRenderInAppSanitization(t *testing.T) {
	data := map[string]any{"html": "<script>keep()</script>", "n": float64(1)}

	t.Run("sanitized by default", func(t *testing.T) {
		res, err := New().Render(context.Background(), Request{
			Channel: models.ChannelInApp,
			ControlValues: map[string]any{
				"body":    "<script>alert(1)</script>Hi",
				"subject": `<b onmouseover="x()">Bold</b>`,
				"primaryAction": map[string]any{
					"label":    "<i>Open</i><script>y()</script>",
					"redirect": map[string]any{"url": "javascript:alert(1)"},
				},
				"redirect": map[string]any{"url": "https://example.com/inbox?a=1&b=2", "target": "_blank"},
				"data":     data,
			},
		})
		require.NoError(t, err)

		out := res.Output.(*InAppOutput)
		assert.NotContains(t, out.Body, "<script")
		assert.Contains(t, out.Body, "Hi")
		assert.Equal(t, "<b>Bold</b>", out.Subject)
		require.NotNil(t, out.PrimaryAction)
		assert.Equal(t, "<i>Open</i>", out.PrimaryAction.Label)
		require.NotNil(t, out.PrimaryAction.Redirect)
		assert.Empty(t, out.PrimaryAction.Redirect.URL)
		require.NotNil(t, out.Redirect)
		assert.Equal(t, "https://example.com/inbox?a=1&b=2", out.Redirect.URL)
		assert.Equal(t, data, out.Data)
	})

	t.Run("disabled returns body unmodified", func(t *testing.T) {
		body := "<script>alert(1)</script>Hi"
		res, err := New().Render(context.Background(), Request{
			Channel: models.ChannelInApp,
			ControlValues: map[string]any{
				"body":                      body,
				"disableOutputSanitization": true,
				"data":                      data,
			},
		})
		require.NoError(t, err)
		out := res.Output.(*InAppOutput)
		assert.Equal(t, body, out.Body)
		assert.Equal(t, data, out.Data)
	})

	t.Run("data is not templated", func(t *testing.T) {
		res, err := New().Render(context.Background(), Request{
			Channel: models.ChannelInApp,
			ControlValues: map[string]any{
				"body": "x",
				"data": map[string]any{"raw": "{{payload.name}}"},
			},
			Variables: map[string]any{"payload": map[string]any{"name": "Ada"}},
		})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"raw": "{{payload.name}}"}, res.Output.(*InAppOutput).Data)
	})
}

func TestRenderModes(t *testing.T) {
	req := Request{
		Channel:       models.ChannelEmail,
		ControlValues: map[string]any{"subject": "Hi {{subscriber.firstName}}", "body": "{{payload.body}} }}"},
	}

	res, err := New().Render(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "Hi ", res.Output.(*EmailOutput).Subject)
	assert.Equal(t, []string{template.IssueMalformedTemplate}, issueKinds(res.Issues))

	req.Mode = ModeValidate
	res, err = New().Render(context.Background(), req)
	require.NoError(t, err)
	// Fields are walked in key order: body before subject.
	assert.Equal(t, []string{
		template.IssueMalformedTemplate,
		template.IssueUnresolvedVariable,
		template.IssueUnresolvedVariable,
	}, issueKinds(res.Issues))
	assert.Equal(t, "subject", res.Issues[2].Field)
	assert.Equal(t, "subscriber.firstName", res.Issues[2].Variable)
}

func TestRenderContractErrors(t *testing.T) {
	tests := []struct {
		name     string
		channel  models.Channel
		controls map[string]any
		field    string
	}{
		{name: "email without subject", channel: models.ChannelEmail, controls: map[string]any{"body": "b"}, field: "subject"},
		{name: "email with blank subject", channel: models.ChannelEmail, controls: map[string]any{"subject": "  ", "body": "b"}, field: "subject"},
		{name: "email subject rendered empty", channel: models.ChannelEmail, controls: map[string]any{"subject": "{{payload.none}}"}, field: "subject"},
		{name: "email subject not a string", channel: models.ChannelEmail, controls: map[string]any{"subject": 12}, field: "subject"},
		{name: "sms without content", channel: models.ChannelSMS, controls: map[string]any{}, field: "content"},
		{name: "push without body", channel: models.ChannelPush, controls: map[string]any{"subject": "s"}, field: "body"},
		{name: "in-app without subject or body", channel: models.ChannelInApp, controls: map[string]any{"avatar": "https://x/y.png"}, field: "subject"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := New().Render(context.Background(), Request{Channel: tt.channel, ControlValues: tt.controls})
			require.Error(t, err)
			assert.Nil(t, res)
			assert.ErrorIs(t, err, ErrContract)

			var ce *ContractError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.field, ce.Field)
			assert.Equal(t, tt.channel, ce.Channel)
		})
	}
}

func TestRenderInvalidChannel(t *testing.T) {
	_, err := New().Render(context.Background(), Request{Channel: "pigeon", ControlValues: map[string]any{"body": "x"}})
	assert.ErrorIs(t, err, ErrInvalidChannel)
}

func TestRenderSkip(t *testing.T) {
	res, err := New().Render(context.Background(), Request{
		Channel:       models.ChannelEmail,
		ControlValues: map[string]any{"skip": true},
	})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Nil(t, res.Output)
}

func TestRenderBatchCachesTranslations(t *testing.T) {
	store := &memStore{content: map[string]map[string]any{"fr": {"hello": "Bonjour"}}}
	p := newTranslatingPipeline(store)

	step := func(id string, ch models.Channel, key string) Request {
		return Request{
			StepID:             id,
			Channel:            ch,
			ControlValues:      map[string]any{key: "{t.hello}"},
			Locale:             "fr",
			TranslationEnabled: true,
			WorkflowID:         "wf-1",
		}
	}
	results := p.RenderBatch(context.Background(), []Request{
		step("s1", models.ChannelSMS, "content"),
		step("s2", models.ChannelPush, "body"),
		step("s3", models.ChannelEmail, "body"),
	})

	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.NoError(t, results[1].Err)
	assert.ErrorIs(t, results[2].Err, ErrContract)
	assert.Equal(t, "Bonjour", results[0].Result.Output.(*SMSOutput).Content)
	assert.Equal(t, "Bonjour", results[1].Result.Output.(*PushOutput).Body)
	assert.Equal(t, 1, store.calls)

	// A second batch starts with an empty cache.
	p.RenderBatch(context.Background(), []Request{step("s4", models.ChannelSMS, "content")})
	assert.Equal(t, 2, store.calls)
}

func TestSafeURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"https://example.com/a b?q=x y", "https://example.com/a b?q=x y"},
		{"  /inbox?tab=all  ", "/inbox?tab=all"},
		{"mailto:ada@example.com", "mailto:ada@example.com"},
		{"HTTPS://Example.com/%7Euser", "HTTPS://Example.com/%7Euser"},
		{"javascript:alert(1)", ""},
		{"data:text/html,hi", ""},
		{"http://[::1", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, safeURL(tt.in), "input %q", tt.in)
	}
}
