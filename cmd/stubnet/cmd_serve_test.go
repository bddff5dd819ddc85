package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/stubnet/pkg/api"
	"github.com/jingkaihe/stubnet/pkg/journal"
	"github.com/jingkaihe/stubnet/pkg/logging"
)

const serveRulesYAML = `
rules:
  - label: getMockedPost
    method: GET
    url: /posts/1
    response:
      body:
        id: 1
        title: Mocked Post Title
`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestNewServeStackWiresRulesAndSinks(t *testing.T) {
	dir := t.TempDir()
	cfg := &api.ServeConfig{
		RunID:       "run-test",
		RulesPath:   writeFile(t, "rules.yaml", serveRulesYAML),
		EventsPath:  filepath.Join(dir, "events.jsonl"),
		JournalPath: filepath.Join(dir, "journal.db"),
	}

	stack, err := newServeStack(cfg, discardLogger())
	require.NoError(t, err)
	require.Len(t, stack.handles, 1)
	assert.Equal(t, "getMockedPost", stack.handles[0].Label())

	req := httptest.NewRequest(http.MethodGet, "http://jsonplaceholder.typicode.com/posts/1", nil)
	rec := httptest.NewRecorder()
	stack.proxy.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Mocked Post Title", body["title"])
	assert.Equal(t, int64(1), stack.handles[0].Matched())

	rec = httptest.NewRecorder()
	stack.control.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/rules", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "getMockedPost")

	require.NoError(t, stack.Close())

	store, err := journal.Open(cfg.JournalPath)
	require.NoError(t, err)
	defer store.Close()
	entries, err := store.List(context.Background(), journal.Filter{EventType: logging.EventRequestIntercepted})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "run-test", entries[0].RunID)
	assert.Equal(t, "getMockedPost", entries[0].Rule)

	data, err := os.ReadFile(cfg.EventsPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), logging.EventRuleRegistered)
	assert.Contains(t, string(data), logging.EventRequestIntercepted)
}

func TestNewServeStackWithoutSinks(t *testing.T) {
	stack, err := newServeStack(&api.ServeConfig{}, discardLogger())
	require.NoError(t, err)
	assert.Nil(t, stack.emitter)
	assert.Empty(t, stack.handles)
	assert.NoError(t, stack.Close())
}

func TestNewServeStackBadRules(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr error
	}{
		{name: "decode", content: "rules: [", wantErr: ErrLoadRules},
		{name: "duplicate label", content: `
rules:
  - label: a
    url: /a
  - label: a
    url: /b
`, wantErr: ErrLoadRules},
		{name: "empty url", content: `
rules:
  - label: a
    url: ""
`, wantErr: ErrLoadRules},
		{name: "bad template", content: `
rules:
  - label: a
    url: /posts/*
    response:
      set:
        id: "{{segment:-1"
`, wantErr: ErrApplyRules},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &api.ServeConfig{RulesPath: writeFile(t, "rules.yaml", tt.content)}
			_, err := newServeStack(cfg, discardLogger())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestNewServeStackMissingRulesFile(t *testing.T) {
	cfg := &api.ServeConfig{RulesPath: filepath.Join(t.TempDir(), "missing.yaml")}
	_, err := newServeStack(cfg, discardLogger())
	assert.ErrorIs(t, err, ErrLoadRules)
}

func TestServeListenersStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serveListeners(ctx, time.Second, namedListener{name: "test", ln: ln, handler: handler})
	}()

	resp, err := http.Get("http://" + ln.Addr().String() + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serveListeners did not return after cancel")
	}
}

func TestServeListenersReportsServeFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ln.Close()

	err = serveListeners(context.Background(), 0, namedListener{name: "closed", ln: ln, handler: http.NotFoundHandler()})
	assert.ErrorIs(t, err, ErrServe)
}
