package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "openrouter", cfg.Embedding.Provider)
	assert.Equal(t, 0.5, cfg.Linking.SemanticThreshold)
	assert.Equal(t, 0.3, cfg.Linking.TagThreshold)
	assert.Equal(t, 0.3, cfg.Linking.ProjectEdgeFloor)
	assert.Equal(t, 10, cfg.Linking.ProjectEdgeLimit)
	assert.Contains(t, cfg.DBPath, "com.ettio.forest.desktop")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
db_path: /from/file/forest.db
embedding:
  provider: mock
linking:
  semantic_threshold: 0.6
  project_edge_limit: 5
`), 0o644))

	t.Setenv("FOREST_CONFIG", file)
	t.Setenv("FOREST_DB_PATH", "/from/env/forest.db")
	t.Setenv("FOREST_SEMANTIC_THRESHOLD", "0.8")
	t.Setenv("FOREST_EMBED_PROVIDER", "")

	cfg, err := Load()
	require.NoError(t, err)

	t.Run("env_wins", func(t *testing.T) {
		assert.Equal(t, "/from/env/forest.db", cfg.DBPath)
		assert.Equal(t, 0.8, cfg.Linking.SemanticThreshold)
	})

	t.Run("file_beats_default", func(t *testing.T) {
		assert.Equal(t, "mock", cfg.Embedding.Provider)
		assert.Equal(t, 5, cfg.Linking.ProjectEdgeLimit)
	})

	t.Run("default_where_unset", func(t *testing.T) {
		assert.Equal(t, 0.3, cfg.Linking.TagThreshold)
	})
}

func TestLoad_MissingFileIsFine(t *testing.T) {
	t.Setenv("FOREST_CONFIG", filepath.Join(t.TempDir(), "nope.yaml"))
	_, err := Load()
	assert.NoError(t, err)
}

func TestLoad_MalformedFileFails(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(file, []byte("db_path: [unclosed"), 0o644))
	t.Setenv("FOREST_CONFIG", file)

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Run("unknown_provider", func(t *testing.T) {
		cfg := Default()
		cfg.Embedding.Provider = "quantum"
		assert.Error(t, cfg.Validate())
	})

	t.Run("threshold_out_of_range", func(t *testing.T) {
		cfg := Default()
		cfg.Linking.SemanticThreshold = 1.5
		assert.Error(t, cfg.Validate())
	})

	t.Run("project_floor_clamps", func(t *testing.T) {
		cfg := Default()
		cfg.Linking.ProjectEdgeFloor = 2.0
		require.NoError(t, cfg.Validate())
		assert.Equal(t, 1.0, cfg.Linking.ProjectEdgeFloor)
	})

	t.Run("project_limit_floors_at_one", func(t *testing.T) {
		cfg := Default()
		cfg.Linking.ProjectEdgeLimit = 0
		require.NoError(t, cfg.Validate())
		assert.Equal(t, 1, cfg.Linking.ProjectEdgeLimit)
	})
}

func TestEmbeddingConfig_APIKey(t *testing.T) {
	e := EmbeddingConfig{Provider: "openai", OpenAIKey: "oa", OpenRouterKey: "or"}
	assert.Equal(t, "oa", e.APIKey())

	e.Provider = "openrouter"
	assert.Equal(t, "or", e.APIKey())
}
