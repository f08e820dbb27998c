package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 1024, cfg.Pipeline.ChunkMaxTokens)
	assert.Equal(t, 64, cfg.Pipeline.EmbedBatchSize)
	assert.Equal(t, "graphiti", cfg.Pipeline.RAGMode)
	assert.Equal(t, 10, cfg.Graph.IngestConcurrency)
	assert.EqualValues(t, 100*1024*1024, cfg.ObjectStore.MaxFileSizeBytes)
	assert.Equal(t, 10*time.Minute, cfg.Redis.TTL)
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9090
pipeline:
  rag_mode: semantic
models:
  analysis:
    primary: "anthropic:claude-sonnet-4-0"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "semantic", cfg.Pipeline.RAGMode)
	assert.Equal(t, "anthropic:claude-sonnet-4-0", cfg.Models.Analysis.Primary)
}

func TestLoadConfigRejectsBadRAGMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipeline:\n  rag_mode: bogus\n"), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestEnvModelOverride(t *testing.T) {
	t.Setenv("DEALDESK_ANALYSIS_MODEL", "openai:gpt-4o")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "openai:gpt-4o", cfg.Models.Analysis.Primary)
}

func TestGraphEnvFallbacks(t *testing.T) {
	t.Setenv("NEO4J_URI", "bolt://graph:7687")
	t.Setenv("NEO4J_USER", "neo4j")
	t.Setenv("NEO4J_PASSWORD", "secret")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "bolt://graph:7687", cfg.Graph.URI)
	assert.Equal(t, "neo4j", cfg.Graph.Username)
	assert.Equal(t, "secret", cfg.Graph.Password)
}
