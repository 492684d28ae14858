package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	t.Run("generates id", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.NotEmpty(t, seen)
		assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
	})

	t.Run("propagates caller id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "upstream-1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, "upstream-1", seen)
		assert.Equal(t, "upstream-1", rec.Header().Get(RequestIDHeader))
	})
}

func TestRequireInternalKey(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	tests := []struct {
		name   string
		key    string
		header string
		value  string
		want   int
	}{
		{"disabled when key empty", "", "", "", http.StatusNoContent},
		{"header match", "s3cret", InternalKeyHeader, "s3cret", http.StatusNoContent},
		{"bearer match", "s3cret", "Authorization", "Bearer s3cret", http.StatusNoContent},
		{"lowercase bearer", "s3cret", "Authorization", "bearer s3cret", http.StatusNoContent},
		{"missing", "s3cret", "", "", http.StatusUnauthorized},
		{"wrong", "s3cret", InternalKeyHeader, "nope", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/events", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			RequireInternalKey(tt.key)(ok).ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, "", BearerToken(req))

	req.Header.Set("Authorization", "Basic abc")
	assert.Equal(t, "", BearerToken(req))

	req.Header.Set("Authorization", "Bearer  tok ")
	assert.Equal(t, "tok", BearerToken(req))
}

func TestOriginAllowed(t *testing.T) {
	allowed := []string{"https://app.example.com", "*.inbox.dev"}

	assert.True(t, OriginAllowed(allowed, ""))
	assert.True(t, OriginAllowed(allowed, "https://app.example.com"))
	assert.True(t, OriginAllowed(allowed, "https://tenant.inbox.dev"))
	assert.False(t, OriginAllowed(allowed, "https://evil.com"))
	assert.False(t, OriginAllowed(allowed, "https://inbox.dev.evil.com"))
	assert.True(t, OriginAllowed([]string{"*"}, "https://anything.io"))
	assert.False(t, OriginAllowed(nil, "https://app.example.com"))
}

func TestAccessLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	h := AccessLog(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/preview", nil))
	assert.Contains(t, buf.String(), `"status":418`)
	assert.Contains(t, buf.String(), `"path":"/api/v1/preview"`)

	buf.Reset()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Empty(t, buf.String(), "health checks are logged at debug")
}
