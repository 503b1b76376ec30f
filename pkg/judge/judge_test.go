package judge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeJudgeAPI(t *testing.T, content string, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": content}},
			},
		})
	}))
}

func TestNew_NilWithoutKey(t *testing.T) {
	assert.Nil(t, New(Config{}))
	assert.NotNil(t, New(Config{APIKey: "k"}))
}

func TestScore_ParsesDimensions(t *testing.T) {
	api := fakeJudgeAPI(t, `{"accuracy": 0.9, "relevance": 0.6, "specificity": 0.4}`, http.StatusOK)
	defer api.Close()

	j := New(Config{APIKey: "test-key", BaseURL: api.URL})
	scores, err := j.Score(context.Background(), "rate this fact", []string{"accuracy", "relevance", "specificity"})
	require.NoError(t, err)
	assert.Equal(t, 0.9, scores["accuracy"])
	assert.Equal(t, 0.6, scores["relevance"])
	assert.Equal(t, 0.4, scores["specificity"])
}

func TestScore_ClampsOutOfRange(t *testing.T) {
	api := fakeJudgeAPI(t, `{"accuracy": 1.7, "relevance": -0.2}`, http.StatusOK)
	defer api.Close()

	j := New(Config{APIKey: "test-key", BaseURL: api.URL})
	scores, err := j.Score(context.Background(), "x", []string{"accuracy", "relevance"})
	require.NoError(t, err)
	assert.Equal(t, 1.0, scores["accuracy"])
	assert.Equal(t, 0.0, scores["relevance"])
}

func TestScore_MissingDimensionErrors(t *testing.T) {
	api := fakeJudgeAPI(t, `{"accuracy": 0.5}`, http.StatusOK)
	defer api.Close()

	j := New(Config{APIKey: "test-key", BaseURL: api.URL})
	_, err := j.Score(context.Background(), "x", []string{"accuracy", "relevance"})
	assert.Error(t, err)
}

func TestScore_NonJSONErrors(t *testing.T) {
	api := fakeJudgeAPI(t, `looks good to me`, http.StatusOK)
	defer api.Close()

	j := New(Config{APIKey: "test-key", BaseURL: api.URL})
	_, err := j.Score(context.Background(), "x", []string{"accuracy"})
	assert.Error(t, err)
}

func TestScore_APIErrorSurfaces(t *testing.T) {
	api := fakeJudgeAPI(t, `{}`, http.StatusBadGateway)
	defer api.Close()

	j := New(Config{APIKey: "test-key", BaseURL: api.URL})
	_, err := j.Score(context.Background(), "x", []string{"accuracy"})
	assert.Error(t, err)
}
