// Package config provides configuration management for forky.
// Settings come from built-in defaults, optionally overlaid by a YAML file,
// and finally by environment variables with the FORKY_ prefix.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for forky.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	LLM     LLMConfig     `yaml:"llm"`
	Merge   MergeConfig   `yaml:"merge"`
	Log     LogConfig     `yaml:"log"`
}

// StorageConfig selects and configures the conversation store.
type StorageConfig struct {
	Engine      string `yaml:"engine"`       // file, sqlite, postgres, redis (default: file)
	DataPath    string `yaml:"data_path"`    // directory for file and sqlite stores (default: ./data)
	PostgresDSN string `yaml:"postgres_dsn"` // lib/pq connection string
	RedisURL    string `yaml:"redis_url"`    // default: redis://localhost:6379/0
}

// LLMConfig contains completion provider configuration.
type LLMConfig struct {
	Provider          string        `yaml:"provider"` // anthropic, openai, ollama (default: anthropic)
	Model             string        `yaml:"model"`    // provider default when empty
	APIKey            string        `yaml:"api_key"`
	BaseURL           string        `yaml:"base_url"`
	SystemPrompt      string        `yaml:"system_prompt"`
	MaxTokens         int           `yaml:"max_tokens"`          // default: 4096
	Timeout           time.Duration `yaml:"timeout"`             // default: 120s
	RequestsPerSecond float64       `yaml:"requests_per_second"` // 0 disables rate limiting
	Burst             int           `yaml:"burst"`               // default: 1
}

// MergeConfig tunes the merge engine.
type MergeConfig struct {
	Strategy           string `yaml:"strategy"`            // llm or simple (default: llm)
	ParallelSummaries  bool   `yaml:"parallel_summaries"`  // default: true
	SummaryCacheSize   int    `yaml:"summary_cache_size"`  // default: 256
	DivergencePolicy   string `yaml:"divergence_policy"`   // auto_fork, allow, reject (default: auto_fork)
	ContinuationPrompt string `yaml:"continuation_prompt"` // default: built-in prompt
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Mode  string `yaml:"mode"`  // development or production (default: development)
	Level string `yaml:"level"` // debug, info, warn, error (default: info)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Engine:   "file",
			DataPath: "./data",
			RedisURL: "redis://localhost:6379/0",
		},
		LLM: LLMConfig{
			Provider:  "anthropic",
			MaxTokens: 4096,
			Timeout:   120 * time.Second,
			Burst:     1,
		},
		Merge: MergeConfig{
			Strategy:          "llm",
			ParallelSummaries: true,
			SummaryCacheSize:  256,
			DivergencePolicy:  "auto_fork",
		},
		Log: LogConfig{
			Mode:  "development",
			Level: "info",
		},
	}
}

// LoadConfig loads configuration from environment variables over defaults.
func LoadConfig() (*Config, error) {
	cfg := Default()
	applyEnv(cfg)
	return cfg, cfg.Validate()
}

// LoadConfigFile overlays the YAML file at path on the defaults, then
// applies environment variables. Environment variables win.
func LoadConfigFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	applyEnv(cfg)
	return cfg, cfg.Validate()
}

// Validate checks enumerated settings.
func (c *Config) Validate() error {
	var errs []error
	if !oneOf(c.Storage.Engine, "file", "sqlite", "postgres", "redis") {
		errs = append(errs, fmt.Errorf("unknown storage engine %q", c.Storage.Engine))
	}
	if c.Storage.Engine == "postgres" && c.Storage.PostgresDSN == "" {
		errs = append(errs, errors.New("postgres storage requires FORKY_POSTGRES_DSN"))
	}
	if !oneOf(c.LLM.Provider, "anthropic", "openai", "ollama") {
		errs = append(errs, fmt.Errorf("unknown llm provider %q", c.LLM.Provider))
	}
	if !oneOf(c.Merge.Strategy, "llm", "simple") {
		errs = append(errs, fmt.Errorf("unknown merge strategy %q", c.Merge.Strategy))
	}
	if !oneOf(c.Merge.DivergencePolicy, "auto_fork", "allow", "reject") {
		errs = append(errs, fmt.Errorf("unknown divergence policy %q", c.Merge.DivergencePolicy))
	}
	if c.Merge.SummaryCacheSize < 1 {
		errs = append(errs, errors.New("summary cache size must be positive"))
	}
	if !oneOf(c.Log.Mode, "development", "production") {
		errs = append(errs, fmt.Errorf("unknown log mode %q", c.Log.Mode))
	}
	return errors.Join(errs...)
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// applyEnv overrides cfg with any FORKY_ variables that are set. Provider
// API keys also fall back to the provider's conventional variable.
func applyEnv(cfg *Config) {
	s := &cfg.Storage
	s.Engine = getEnv("FORKY_STORAGE_ENGINE", s.Engine)
	s.DataPath = getEnv("FORKY_DATA_PATH", s.DataPath)
	s.PostgresDSN = getEnv("FORKY_POSTGRES_DSN", s.PostgresDSN)
	s.RedisURL = getEnv("FORKY_REDIS_URL", s.RedisURL)

	l := &cfg.LLM
	l.Provider = getEnv("FORKY_LLM_PROVIDER", l.Provider)
	l.Model = getEnv("FORKY_LLM_MODEL", l.Model)
	l.APIKey = getEnv("FORKY_LLM_API_KEY", l.APIKey)
	l.BaseURL = getEnv("FORKY_LLM_BASE_URL", l.BaseURL)
	l.SystemPrompt = getEnv("FORKY_LLM_SYSTEM_PROMPT", l.SystemPrompt)
	l.MaxTokens = getEnvInt("FORKY_LLM_MAX_TOKENS", l.MaxTokens)
	l.Timeout = getEnvDuration("FORKY_LLM_TIMEOUT", l.Timeout)
	l.RequestsPerSecond = getEnvFloat("FORKY_LLM_RATE_LIMIT", l.RequestsPerSecond)
	l.Burst = getEnvInt("FORKY_LLM_BURST", l.Burst)
	if l.APIKey == "" {
		switch l.Provider {
		case "anthropic":
			l.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		case "openai":
			l.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}

	m := &cfg.Merge
	m.Strategy = getEnv("FORKY_MERGE_STRATEGY", m.Strategy)
	m.ParallelSummaries = getEnvBool("FORKY_PARALLEL_SUMMARIES", m.ParallelSummaries)
	m.SummaryCacheSize = getEnvInt("FORKY_SUMMARY_CACHE_SIZE", m.SummaryCacheSize)
	m.DivergencePolicy = getEnv("FORKY_DIVERGENCE_POLICY", m.DivergencePolicy)
	m.ContinuationPrompt = getEnv("FORKY_CONTINUATION_PROMPT", m.ContinuationPrompt)

	cfg.Log.Mode = getEnv("FORKY_LOG_MODE", cfg.Log.Mode)
	cfg.Log.Level = getEnv("FORKY_LOG_LEVEL", cfg.Log.Level)
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value. Unparseable values fall back to the default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default
// value. It recognizes true/1/yes and false/0/no in any case.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}
