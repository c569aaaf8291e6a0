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
		"ORACLE_PROVIDER", "ANTHROPIC_API_KEY", "OLLAMA_HOST", "GEMINI_API_KEY", "ORACLE_MODEL",
		"ORACLE_TIMEOUT", "DOCUMENTS_ROOT", "DOCUMENTS_URL", "DOCUMENTS_API_KEY", "INDEX_PATH",
		"INDEX_OUTPUT_PATH", "WORKER_COUNT", "MAX_QUEUE_SIZE", "EXAM_RETRIES", "PORT",
		"MARKALIGN_API_KEY", "CHECKPOINT_PATH", "CHECKPOINT_ENABLED", "LOG_LEVEL", "LOG_FORMAT",
		"JOB_TTL", "MAX_BODY_BYTES", "PDF_FALLBACK_PDFTOTEXT",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ProviderAnthropic, cfg.Oracle.Provider)
	assert.Equal(t, defaultModels[ProviderAnthropic], cfg.Oracle.Model)
	assert.Equal(t, 2, cfg.Alignment.LookaheadPages)
	assert.Equal(t, 3, cfg.Alignment.MaxExpansions)
	assert.Equal(t, 4, cfg.Batch.Workers)
	assert.Equal(t, "8090", cfg.Server.Port)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_FileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "markalign.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
oracle:
  provider: ollama
  model: qwen2.5
  timeout: 45s
index:
  path: data/index.json
  output_path: data/index.aligned.json
batch:
  workers: 2
  exam_retries: 1
logging:
  level: debug
  format: console
`), 0o644))

	t.Setenv("WORKER_COUNT", "8")
	t.Setenv("OLLAMA_HOST", "http://gpu-box:11434")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ProviderOllama, cfg.Oracle.Provider)
	assert.Equal(t, "qwen2.5", cfg.Oracle.Model)
	assert.Equal(t, 45*time.Second, cfg.Oracle.Timeout)
	assert.Equal(t, "http://gpu-box:11434", cfg.Oracle.BaseURL)
	assert.Equal(t, 8, cfg.Batch.Workers)
	assert.Equal(t, 1, cfg.Batch.ExamRetries)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_BadEnvKeepsFallback(t *testing.T) {
	clearEnv(t)
	t.Setenv("WORKER_COUNT", "lots")
	t.Setenv("ORACLE_TIMEOUT", "soon")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Batch.Workers)
	assert.Equal(t, 120*time.Second, cfg.Oracle.Timeout)
}

func TestValidate(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"anthropic needs key", func(c *Config) {}, "ANTHROPIC_API_KEY"},
		{"gemini needs key", func(c *Config) { c.Oracle.Provider = ProviderGemini }, "GEMINI_API_KEY"},
		{"ollama needs no key", func(c *Config) { c.Oracle.Provider = ProviderOllama }, ""},
		{"unknown provider", func(c *Config) { c.Oracle.Provider = "parrot" }, "unknown oracle provider"},
		{"output equals source", func(c *Config) {
			c.Oracle.APIKey = "k"
			c.Index.OutputPath = c.Index.Path
		}, "must differ"},
		{"bad log format", func(c *Config) {
			c.Oracle.APIKey = "k"
			c.Logging.Format = "xml"
		}, "log format"},
		{"valid", func(c *Config) { c.Oracle.APIKey = "k" }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
