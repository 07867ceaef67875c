package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"DEEPSEEK_API_KEY", "DEEPSEEK_API_BASE", "DEEPSEEK_MODEL", "GO_API_BASE",
		"MCP_ADMIN_CNS", "MCP_REGISTER_DEFAULT_PASSWORD", "CHAT_MEMORY_DSN", "RAG_DATA_DIR",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "https://api.deepseek.com", cfg.LLM.BaseURL)
	assert.Equal(t, "deepseek-chat", cfg.LLM.Model)
	assert.Equal(t, "http://127.0.0.1:7777", cfg.Directory.BaseURL)
	assert.Equal(t, "0721", cfg.Directory.DefaultPassword)
	assert.Equal(t, []string{"柠白夜", "香煎包", "猫德oxo", "详见包"}, cfg.Agent.Admins)
	assert.Equal(t, 7, cfg.Agent.MaxSteps)
	assert.Equal(t, 1000, cfg.RAG.ChunkSize)
	assert.Equal(t, 200, cfg.RAG.ChunkOverlap)
	assert.Equal(t, 2*time.Second, cfg.RAG.RefreshInterval)
	assert.Equal(t, 14, cfg.Memory.LongTermCap)
	assert.Equal(t, 20, cfg.Memory.TemporaryWindow)
	assert.Equal(t, "deepseek-reasoner", cfg.LLM.Aliases["deepseek-r1"])
}

func TestLoadConfigPrecedence(t *testing.T) {
	clearEnv(t)
	t.Setenv("DEEPSEEK_MODEL", "from-env")
	t.Setenv("GO_API_BASE", "http://env:1/")
	t.Setenv("MCP_ADMIN_CNS", " a , ,b ")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
llm:
  model: from-file
rag:
  chunk_size: 300
  chunk_overlap: 900
  refresh_interval: 5s
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "from-file", cfg.LLM.Model)
	assert.Equal(t, "http://env:1", cfg.Directory.BaseURL)
	assert.Equal(t, []string{"a", "b"}, cfg.Agent.Admins)
	assert.Equal(t, 300, cfg.RAG.ChunkSize)
	assert.Equal(t, 150, cfg.RAG.ChunkOverlap)
	assert.Equal(t, 5*time.Second, cfg.RAG.RefreshInterval)
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("llm: [unterminated"), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestShippedConfigKeepsMemoryDurable(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig(filepath.Join("..", "..", "configs", "config.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Memory.Backend)
	assert.NotEmpty(t, cfg.Database.DSN)
}
