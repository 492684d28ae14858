package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboxrelay/relay/common/middleware"
)

func TestNewWithWriter_Formats(t *testing.T) {
	tests := []struct {
		name     string
		format   string
		contains string
	}{
		{name: "json", format: "json", contains: `"msg":"hello"`},
		{name: "default is json", format: "", contains: `"msg":"hello"`},
		{name: "text", format: "text", contains: "msg=hello"},
		{name: "text case insensitive", format: "TEXT", contains: "msg=hello"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			l := NewWithWriter(&buf, slog.LevelInfo, tt.format)
			l.Info("hello")
			assert.Contains(t, buf.String(), tt.contains)
		})
	}
}

func TestWithContext_AddsRequestID(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, slog.LevelInfo, "json")

	ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "req-42")
	l.InfoContext(ctx, "with id")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "req-42", entry[FieldRequestID])

	buf.Reset()
	l.InfoContext(context.Background(), "without id")
	assert.NotContains(t, buf.String(), FieldRequestID)
}

func TestLevelsFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, slog.LevelWarn, "json")

	l.InfoContext(context.Background(), "dropped")
	l.WarnContext(context.Background(), "kept warn")
	l.ErrorContext(context.Background(), "kept error")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "kept warn")
	assert.Contains(t, out, "kept error")
}

func TestWith(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, slog.LevelInfo, "json").With(Service("ws"), NodeID("node-a"))
	l.Info("tagged")

	out := buf.String()
	assert.Contains(t, out, `"service":"ws"`)
	assert.Contains(t, out, `"node_id":"node-a"`)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{" error ", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseLevel(tt.input))
		})
	}
}

func TestSetDefault(t *testing.T) {
	original := slog.Default()
	defer slog.SetDefault(original)

	l := New(slog.LevelInfo, "json")
	SetDefault(l)
	assert.Same(t, l.Logger, slog.Default())
}

func TestOrDefault(t *testing.T) {
	assert.Same(t, slog.Default(), OrDefault(nil))

	own := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	assert.Same(t, own, OrDefault(own))
}

func TestFieldHelpers(t *testing.T) {
	tests := []struct {
		attr slog.Attr
		key  string
		val  string
	}{
		{SubscriberID("sub-1"), FieldSubscriberID, "sub-1"},
		{EnvironmentID("env-1"), FieldEnvironmentID, "env-1"},
		{TenantID("org-1"), FieldTenantID, "org-1"},
		{ConnectionID("c-1"), FieldConnectionID, "c-1"},
		{Event("unseen"), FieldEvent, "unseen"},
		{Channel("in_app"), FieldChannel, "in_app"},
		{Error(errors.New("boom")), FieldError, "boom"},
		{Error(nil), FieldError, ""},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.key, tt.attr.Key)
			assert.Equal(t, tt.val, tt.attr.Value.String())
		})
	}

	assert.True(t, strings.HasSuffix(FieldDuration, "_ms"))
	assert.Equal(t, int64(404), Status(404).Value.Int64())
}
