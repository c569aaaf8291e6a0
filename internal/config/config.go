package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Config is the full markalign configuration. Values come from DefaultConfig,
// then an optional YAML file, then environment variables.
type Config struct {
	Oracle     OracleConfig     `yaml:"oracle"`
	Documents  DocumentsConfig  `yaml:"documents"`
	Index      IndexConfig      `yaml:"index"`
	Alignment  AlignmentConfig  `yaml:"alignment"`
	Batch      BatchConfig      `yaml:"batch"`
	Server     ServerConfig     `yaml:"server"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type OracleConfig struct {
	Provider  string        `yaml:"provider"` // anthropic, ollama or gemini
	APIKey    string        `yaml:"api_key"`
	Model     string        `yaml:"model"`
	BaseURL   string        `yaml:"base_url"`
	Timeout   time.Duration `yaml:"timeout"`
	MaxTokens int           `yaml:"max_tokens"`
}

type DocumentsConfig struct {
	Root              string `yaml:"root"`
	RemoteURL         string `yaml:"remote_url"`
	APIKey            string `yaml:"api_key"`
	PDFFallbackToText bool   `yaml:"pdf_fallback_pdftotext"`
}

type IndexConfig struct {
	Path       string `yaml:"path"`
	OutputPath string `yaml:"output_path"` // empty derives a timestamped path
}

type AlignmentConfig struct {
	LookaheadPages int `yaml:"lookahead_pages"`
	MaxExpansions  int `yaml:"max_expansions"`
	MaxPageTokens  int `yaml:"max_page_tokens"`
	MaxIterations  int `yaml:"max_iterations"`
}

type BatchConfig struct {
	Workers     int           `yaml:"workers"`
	MaxQueue    int           `yaml:"max_queue"`
	ExamRetries int           `yaml:"exam_retries"`
	JobTTL      time.Duration `yaml:"job_ttl"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	APIKey          string        `yaml:"api_key"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type CheckpointConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

const (
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
	ProviderGemini    = "gemini"
)

var defaultModels = map[string]string{
	ProviderAnthropic: "claude-sonnet-4-5-20250929",
	ProviderOllama:    "llama3.1",
	ProviderGemini:    "gemini-2.5-flash",
}

func DefaultConfig() Config {
	return Config{
		Oracle: OracleConfig{
			Provider:  ProviderAnthropic,
			BaseURL:   "",
			Timeout:   120 * time.Second,
			MaxTokens: 8192,
		},
		Documents: DocumentsConfig{
			Root:              ".",
			PDFFallbackToText: true,
		},
		Index: IndexConfig{
			Path: "index.json",
		},
		Alignment: AlignmentConfig{
			LookaheadPages: 2,
			MaxExpansions:  3,
			MaxPageTokens:  6000,
		},
		Batch: BatchConfig{
			Workers:     4,
			MaxQueue:    100,
			ExamRetries: 2,
			JobTTL:      time.Hour,
		},
		Server: ServerConfig{
			Port:            "8090",
			MaxBodyBytes:    1 << 20,
			ShutdownTimeout: 30 * time.Second,
		},
		Checkpoint: CheckpointConfig{
			Enabled: true,
			Path:    "markalign.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration. An empty path skips the file; a named file
// that does not exist is an error.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, eris.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, eris.Wrapf(err, "parse config %s", path)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Oracle.Provider = strings.ToLower(envOr("ORACLE_PROVIDER", c.Oracle.Provider))
	switch c.Oracle.Provider {
	case ProviderAnthropic:
		c.Oracle.APIKey = envOr("ANTHROPIC_API_KEY", c.Oracle.APIKey)
	case ProviderGemini:
		c.Oracle.APIKey = envOr("GEMINI_API_KEY", c.Oracle.APIKey)
	case ProviderOllama:
		c.Oracle.BaseURL = envOr("OLLAMA_HOST", c.Oracle.BaseURL)
	}
	c.Oracle.Model = envOr("ORACLE_MODEL", c.Oracle.Model)
	c.Oracle.Timeout = envDuration("ORACLE_TIMEOUT", c.Oracle.Timeout)

	c.Documents.Root = envOr("DOCUMENTS_ROOT", c.Documents.Root)
	c.Documents.RemoteURL = envOr("DOCUMENTS_URL", c.Documents.RemoteURL)
	c.Documents.APIKey = envOr("DOCUMENTS_API_KEY", c.Documents.APIKey)
	c.Documents.PDFFallbackToText = envBool("PDF_FALLBACK_PDFTOTEXT", c.Documents.PDFFallbackToText)

	c.Index.Path = envOr("INDEX_PATH", c.Index.Path)
	c.Index.OutputPath = envOr("INDEX_OUTPUT_PATH", c.Index.OutputPath)

	c.Batch.Workers = envInt("WORKER_COUNT", c.Batch.Workers)
	c.Batch.MaxQueue = envInt("MAX_QUEUE_SIZE", c.Batch.MaxQueue)
	c.Batch.ExamRetries = envInt("EXAM_RETRIES", c.Batch.ExamRetries)
	c.Batch.JobTTL = envDuration("JOB_TTL", c.Batch.JobTTL)

	c.Server.Port = envOr("PORT", c.Server.Port)
	c.Server.APIKey = envOr("MARKALIGN_API_KEY", c.Server.APIKey)
	c.Server.MaxBodyBytes = envInt64("MAX_BODY_BYTES", c.Server.MaxBodyBytes)

	c.Checkpoint.Path = envOr("CHECKPOINT_PATH", c.Checkpoint.Path)
	c.Checkpoint.Enabled = envBool("CHECKPOINT_ENABLED", c.Checkpoint.Enabled)

	c.Logging.Level = envOr("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = envOr("LOG_FORMAT", c.Logging.Format)
}

func (c *Config) applyDefaults() {
	if c.Oracle.Model == "" {
		c.Oracle.Model = defaultModels[c.Oracle.Provider]
	}
	if c.Oracle.Timeout <= 0 {
		c.Oracle.Timeout = 120 * time.Second
	}
	if c.Oracle.MaxTokens <= 0 {
		c.Oracle.MaxTokens = 8192
	}
	if c.Alignment.LookaheadPages <= 0 {
		c.Alignment.LookaheadPages = 2
	}
	if c.Alignment.MaxExpansions <= 0 {
		c.Alignment.MaxExpansions = 3
	}
	if c.Batch.Workers <= 0 {
		c.Batch.Workers = 4
	}
	if c.Batch.MaxQueue <= 0 {
		c.Batch.MaxQueue = 100
	}
	if c.Batch.ExamRetries < 0 {
		c.Batch.ExamRetries = 0
	}
	if c.Batch.JobTTL <= 0 {
		c.Batch.JobTTL = time.Hour
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = 1 << 20
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
}

// Validate checks the settings every command needs. The server API key is
// checked separately by the serve command.
func (c Config) Validate() error {
	var errs []error
	switch c.Oracle.Provider {
	case ProviderAnthropic:
		if c.Oracle.APIKey == "" {
			errs = append(errs, fmt.Errorf("ANTHROPIC_API_KEY is required for provider %q", c.Oracle.Provider))
		}
	case ProviderGemini:
		if c.Oracle.APIKey == "" {
			errs = append(errs, fmt.Errorf("GEMINI_API_KEY is required for provider %q", c.Oracle.Provider))
		}
	case ProviderOllama:
	default:
		errs = append(errs, fmt.Errorf("unknown oracle provider %q", c.Oracle.Provider))
	}
	if c.Index.Path == "" {
		errs = append(errs, errors.New("index path is required"))
	}
	if c.Index.OutputPath != "" && samePath(c.Index.Path, c.Index.OutputPath) {
		errs = append(errs, errors.New("index output path must differ from the source index"))
	}
	if c.Alignment.MaxPageTokens < 0 || c.Alignment.MaxIterations < 0 {
		errs = append(errs, errors.New("alignment bounds must not be negative"))
	}
	if c.Checkpoint.Enabled && c.Checkpoint.Path == "" {
		errs = append(errs, errors.New("checkpoint path is required when checkpoints are enabled"))
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

func samePath(a, b string) bool {
	aa, err1 := filepath.Abs(a)
	bb, err2 := filepath.Abs(b)
	if err1 != nil || err2 != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return aa == bb
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
