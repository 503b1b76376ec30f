package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memfork/memfork/pkg/embedders"
	"github.com/memfork/memfork/pkg/memory"
	"github.com/memfork/memfork/pkg/storage"
)

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	svc := memory.NewService(store, embedders.NewMockEmbedder(16), nil, memory.Options{})
	require.NoError(t, svc.Init(context.Background()))

	srv := New(svc, cfg)
	t.Cleanup(func() { srv.limiter.Shutdown() })
	return srv
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthzOpenAndExempt(t *testing.T) {
	srv := newTestServer(t, Config{APIKey: "secret", RateLimit: 1})

	for i := 0; i < 5; i++ {
		rec := doJSON(t, srv.Handler(), http.MethodGet, "/healthz", nil, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t, Config{APIKey: "secret"})

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/v1/branches", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, srv.Handler(), http.MethodGet, "/v1/branches", nil, map[string]string{
		"Authorization": "Bearer secret",
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv.Handler(), http.MethodGet, "/v1/branches", nil, map[string]string{
		"X-API-Key": "secret",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOpenAccessWhenNoKey(t *testing.T) {
	srv := newTestServer(t, Config{})
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/v1/branches", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitPerCaller(t *testing.T) {
	srv := newTestServer(t, Config{RateLimit: 2})

	for i := 0; i < 2; i++ {
		rec := doJSON(t, srv.Handler(), http.MethodGet, "/v1/branches", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/v1/branches", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// a different caller key is unaffected
	rec = doJSON(t, srv.Handler(), http.MethodGet, "/v1/branches", nil, map[string]string{
		"X-Forwarded-For": "10.1.2.3",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestFactWriteSearchRoundTrip(t *testing.T) {
	srv := newTestServer(t, Config{})
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/branches", map[string]any{"name": "feature_x"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/v1/facts", map[string]any{
		"text": "auth middleware must accept Bearer tokens", "category": "security",
		"confidence": 0.8, "branch": "feature_x",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var fact struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fact))
	require.NotEmpty(t, fact.ID)

	rec = doJSON(t, h, http.MethodPost, "/v1/search", map[string]any{
		"query": "accept Bearer tokens", "branch": "feature_x", "limit": 5, "mode": "hybrid",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var search struct {
		Results []struct {
			Score float64 `json:"score"`
			Fact  struct {
				ID string `json:"id"`
			} `json:"fact"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &search))
	require.Len(t, search.Results, 1)
	assert.Equal(t, fact.ID, search.Results[0].Fact.ID)
	assert.Greater(t, search.Results[0].Score, 0.5)

	// isolation: main sees nothing
	rec = doJSON(t, h, http.MethodPost, "/v1/search", map[string]any{
		"query": "accept Bearer tokens", "branch": "main",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &search))
	assert.Empty(t, search.Results)
}

func TestErrorMapping(t *testing.T) {
	srv := newTestServer(t, Config{})
	h := srv.Handler()

	// NotFound
	rec := doJSON(t, h, http.MethodGet, "/v1/facts/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// InvalidArgument carries the offending field
	rec = doJSON(t, h, http.MethodPost, "/v1/branches", map[string]any{"name": "bad name"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "invalid_argument", body["kind"])
	assert.Equal(t, "name", body["field"])

	// Conflict: native merge without a policy
	doJSON(t, h, http.MethodPost, "/v1/branches", map[string]any{"name": "feature_y"}, nil)
	rec = doJSON(t, h, http.MethodPost, "/v1/merge", map[string]any{
		"source": "feature_y", "target": "main", "strategy": "native",
	}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestMergeGateEndpoint(t *testing.T) {
	srv := newTestServer(t, Config{})
	h := srv.Handler()

	doJSON(t, h, http.MethodPost, "/v1/branches", map[string]any{"name": "task/gated"}, nil)
	doJSON(t, h, http.MethodPost, "/v1/facts", map[string]any{
		"text": "unverified knowledge", "branch": "task/gated",
	}, nil)

	rec := doJSON(t, h, http.MethodGet, "/v1/merge-gate?branch=task%2Fgated", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var gate struct {
		CanMerge bool `json:"can_merge"`
		Counts   struct {
			Unverified int `json:"unverified"`
		} `json:"counts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &gate))
	assert.False(t, gate.CanMerge)
	assert.Equal(t, 1, gate.Counts.Unverified)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, Config{APIKey: "secret"})

	// prime the request counter so the gather has a sample to render
	doJSON(t, srv.Handler(), http.MethodGet, "/healthz", nil, nil)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "memfork_http_requests_total")
}
