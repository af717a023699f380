package log

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"off":     zerolog.Disabled,
		"":        zerolog.InfoLevel,
		"unknown": zerolog.InfoLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseLevel(in), in)
	}
}

func TestCtxFallsBackToGlobal(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf, ServiceName: "test"})

	ctx := WithLogger(context.Background(), logger)
	l := Ctx(ctx)
	l.Info().Msg("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "test", line[FieldService])
	assert.Equal(t, "hello", line["message"])

	// no logger stored: must not panic
	g := Ctx(context.Background())
	_ = g
}

func TestHTTPMiddlewareSetsRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf})

	h := HTTPMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(headerRequestID, "req-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "req-1", rec.Header().Get(headerRequestID))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "req-1", line[FieldRequestID])
	assert.EqualValues(t, http.StatusTeapot, line[FieldStatus])
}
