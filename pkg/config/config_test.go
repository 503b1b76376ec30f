package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "memfork.db", cfg.DatabaseURL)
	assert.Equal(t, "mock", cfg.EmbeddingProvider)
	assert.Equal(t, 1536, cfg.EmbeddingDimension)
	assert.Equal(t, "main", cfg.DefaultBranch)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memfork.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database_url: /data/memory.db
embedding_provider: openai
embedding_dimension: 3072
default_branch: trunk
rate_limit: 120
port: 9000
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/data/memory.db", cfg.DatabaseURL)
	assert.Equal(t, "openai", cfg.EmbeddingProvider)
	assert.Equal(t, 3072, cfg.EmbeddingDimension)
	assert.Equal(t, "trunk", cfg.DefaultBranch)
	assert.Equal(t, 120, cfg.RateLimit)
	assert.Equal(t, 9000, cfg.Port)
}

func TestLoad_EnvOverlayAndExpansion(t *testing.T) {
	t.Setenv("MEMFORK_EMBEDDING_PROVIDER", "doubao")
	t.Setenv("MEMFORK_RATE_LIMIT", "30")
	t.Setenv("MEMORY_DB_PATH", "/tmp/expanded.db")

	path := filepath.Join(t.TempDir(), "memfork.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database_url: ${MEMORY_DB_PATH}
host: ${MEMFORK_MISSING:-127.0.0.1}
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/expanded.db", cfg.DatabaseURL)
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, "doubao", cfg.EmbeddingProvider)
	assert.Equal(t, 30, cfg.RateLimit)
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()
	assert.NoError(t, cfg.Validate())

	bad := &Config{EmbeddingProvider: "cohere"}
	bad.SetDefaults()
	assert.Error(t, bad.Validate())

	negative := &Config{RateLimit: -1}
	negative.SetDefaults()
	assert.Error(t, negative.Validate())
}

func TestLoad_MissingFileErrors(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}
