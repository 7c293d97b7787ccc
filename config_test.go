package realtime

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linguaflow/realtime/shared"
)

type tokenServer struct {
	mu       sync.Mutex
	status   int
	body     string
	requests []map[string]any
	srv      *httptest.Server
}

func newTokenServer(t *testing.T, status int, body string) *tokenServer {
	t.Helper()
	ts := &tokenServer{status: status, body: body}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/get-ephemeral-token", r.URL.Path)
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var m map[string]any
		require.NoError(t, sonic.Unmarshal(raw, &m))
		ts.mu.Lock()
		ts.requests = append(ts.requests, m)
		ts.mu.Unlock()
		w.WriteHeader(ts.status)
		_, _ = w.Write([]byte(ts.body))
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *tokenServer) lastRequest() map[string]any {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.requests) == 0 {
		return nil
	}
	return ts.requests[len(ts.requests)-1]
}

func TestFetchFullResponse(t *testing.T) {
	ts := newTokenServer(t, http.StatusOK, `{
		"client_secret": {"value": "ek_abc123"},
		"instructions": "teach level three",
		"voice": "verse",
		"model": "gpt-4o-realtime-preview-2024-12-17",
		"modalities": ["text", "audio"]
	}`)
	fetcher, err := NewSessionConfigFetcher(shared.NewNopLogger(), ts.srv.URL)
	require.NoError(t, err)

	level := 3
	cfg, err := fetcher.Fetch(context.Background(), &level, 1.2)
	require.NoError(t, err)

	assert.Equal(t, "ek_abc123", cfg.ClientSecret)
	assert.Equal(t, "teach level three", cfg.Instructions)
	assert.Equal(t, "verse", cfg.Voice)
	assert.Equal(t, []string{"text", "audio"}, cfg.Modalities)

	req := ts.lastRequest()
	require.NotNil(t, req)
	assert.Equal(t, float64(3), req["code"])
	assert.Equal(t, 1.2, req["speed"])
}

func TestFetchAppliesDefaults(t *testing.T) {
	ts := newTokenServer(t, http.StatusOK, `{"client_secret": {"value": "ek_abc123"}}`)
	fetcher, err := NewSessionConfigFetcher(shared.NewNopLogger(), ts.srv.URL)
	require.NoError(t, err)

	cfg, err := fetcher.Fetch(context.Background(), nil, 1.0)
	require.NoError(t, err)

	assert.Equal(t, DefaultVoice, cfg.Voice)
	assert.Equal(t, DefaultModel, cfg.Model)
	assert.Equal(t, []string{"text", "audio"}, cfg.Modalities)

	// Without a level the code field is omitted entirely.
	req := ts.lastRequest()
	require.NotNil(t, req)
	_, hasCode := req["code"]
	assert.False(t, hasCode)
	assert.Equal(t, 1.0, req["speed"])
}

func TestFetchFailureModes(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"empty client secret", http.StatusOK, `{"client_secret": {"value": ""}}`},
		{"missing client secret", http.StatusOK, `{"instructions": "x"}`},
		{"server error", http.StatusInternalServerError, `boom`},
		{"unauthorized", http.StatusUnauthorized, `{"error": "no"}`},
		{"malformed body", http.StatusOK, `{not json`},
		{"empty body", http.StatusOK, ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTokenServer(t, tt.status, tt.body)
			fetcher, err := NewSessionConfigFetcher(shared.NewNopLogger(), ts.srv.URL)
			require.NoError(t, err)

			_, err = fetcher.Fetch(context.Background(), nil, 1.0)
			assert.ErrorIs(t, err, shared.ErrConfigFetch)
		})
	}
}

func TestFetchContextCanceled(t *testing.T) {
	unblock := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-unblock
	}))
	defer srv.Close()
	defer close(unblock)

	fetcher, err := NewSessionConfigFetcher(shared.NewNopLogger(), srv.URL)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = fetcher.Fetch(ctx, nil, 1.0)
	require.ErrorIs(t, err, shared.ErrConfigFetch)
	assert.Contains(t, err.Error(), context.DeadlineExceeded.Error())
}

func TestFetchUnreachableBackend(t *testing.T) {
	fetcher, err := NewSessionConfigFetcher(shared.NewNopLogger(), "http://127.0.0.1:1")
	require.NoError(t, err)

	_, err = fetcher.Fetch(context.Background(), nil, 1.0)
	assert.ErrorIs(t, err, shared.ErrConfigFetch)
}

func TestNewSessionConfigFetcherValidation(t *testing.T) {
	_, err := NewSessionConfigFetcher(nil, "http://backend")
	assert.ErrorIs(t, err, shared.ErrNoLogger)

	_, err = NewSessionConfigFetcher(shared.NewNopLogger(), "")
	assert.ErrorIs(t, err, shared.ErrNoEndpoint)
}
