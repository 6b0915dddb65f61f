// Package config loads settings from defaults, an optional rtt.yaml and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	DataDir   string `yaml:"data_dir" mapstructure:"data_dir"`
	Timezone  string `yaml:"timezone" mapstructure:"timezone"`
	LogLevel  string `yaml:"log_level" mapstructure:"log_level"`
	LogFormat string `yaml:"log_format" mapstructure:"log_format"`

	Generation GenerationConfig `yaml:"generation" mapstructure:"generation"`
	Embedding  EmbeddingConfig  `yaml:"embedding" mapstructure:"embedding"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Taxonomy   TaxonomyConfig   `yaml:"taxonomy" mapstructure:"taxonomy"`
	Sync       SyncConfig       `yaml:"sync" mapstructure:"sync"`
	Calendar   CalendarConfig   `yaml:"calendar" mapstructure:"calendar"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Keys       KeysConfig       `yaml:"keys" mapstructure:"keys"`
}

type GenerationConfig struct {
	Provider           string        `yaml:"provider" mapstructure:"provider"`
	Model              string        `yaml:"model" mapstructure:"model"`
	ConsolidationModel string        `yaml:"consolidation_model" mapstructure:"consolidation_model"`
	BaseURL            string        `yaml:"base_url" mapstructure:"base_url"`
	Timeout            time.Duration `yaml:"timeout" mapstructure:"timeout"`
	Interval           time.Duration `yaml:"interval" mapstructure:"interval"`
}

type EmbeddingConfig struct {
	Provider  string        `yaml:"provider" mapstructure:"provider"`
	Model     string        `yaml:"model" mapstructure:"model"`
	BaseURL   string        `yaml:"base_url" mapstructure:"base_url"`
	Timeout   time.Duration `yaml:"timeout" mapstructure:"timeout"`
	Interval  time.Duration `yaml:"interval" mapstructure:"interval"`
	BatchSize int           `yaml:"batch_size" mapstructure:"batch_size"`
}

type BatchConfig struct {
	DiscoverySize  int           `yaml:"discovery_size" mapstructure:"discovery_size"`
	EnrichmentSize int           `yaml:"enrichment_size" mapstructure:"enrichment_size"`
	Concurrency    int           `yaml:"concurrency" mapstructure:"concurrency"`
	Attempts       int           `yaml:"attempts" mapstructure:"attempts"`
	Backoff        time.Duration `yaml:"backoff" mapstructure:"backoff"`
}

type TaxonomyConfig struct {
	TopTags       int `yaml:"top_tags" mapstructure:"top_tags"`
	MinCategories int `yaml:"min_categories" mapstructure:"min_categories"`
	MaxCategories int `yaml:"max_categories" mapstructure:"max_categories"`
}

type SyncConfig struct {
	BootstrapDays int `yaml:"bootstrap_days" mapstructure:"bootstrap_days"`
	WindowDays    int `yaml:"window_days" mapstructure:"window_days"`
}

type CalendarConfig struct {
	ID              string `yaml:"id" mapstructure:"id"`
	TokenFile       string `yaml:"token_file" mapstructure:"token_file"`
	CredentialsFile string `yaml:"credentials_file" mapstructure:"credentials_file"`
	// ExportFile, when set, replaces the calendar API with a CSV export
	ExportFile string `yaml:"export_file" mapstructure:"export_file"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
}

type KeysConfig struct {
	Anthropic string `yaml:"anthropic" mapstructure:"anthropic"`
	Gemini    string `yaml:"gemini" mapstructure:"gemini"`
	OpenAI    string `yaml:"openai" mapstructure:"openai"`
	Voyage    string `yaml:"voyage" mapstructure:"voyage"`
}

var defaults = map[string]any{
	"data_dir":   "data",
	"timezone":   "America/Los_Angeles",
	"log_level":  "info",
	"log_format": "text",

	"generation.provider":            "anthropic",
	"generation.model":               "",
	"generation.consolidation_model": "",
	"generation.base_url":            "",
	"generation.timeout":             120 * time.Second,
	"generation.interval":            300 * time.Millisecond,

	"embedding.provider":   "openai",
	"embedding.model":      "",
	"embedding.base_url":   "",
	"embedding.timeout":    60 * time.Second,
	"embedding.interval":   100 * time.Millisecond,
	"embedding.batch_size": 100,

	"batch.discovery_size":  50,
	"batch.enrichment_size": 20,
	"batch.concurrency":     2,
	"batch.attempts":        3,
	"batch.backoff":         time.Second,

	"taxonomy.top_tags":       200,
	"taxonomy.min_categories": 10,
	"taxonomy.max_categories": 20,

	"sync.bootstrap_days": 365,
	"sync.window_days":    7,

	"calendar.id":               "primary",
	"calendar.token_file":       "",
	"calendar.credentials_file": "",
	"calendar.export_file":      "",

	"server.addr": ":8080",

	"keys.anthropic": "",
	"keys.gemini":    "",
	"keys.openai":    "",
	"keys.voyage":    "",
}

// Provider keys and the timezone are read from their conventional variables
// as well as the RTT_ prefixed ones
var envAliases = map[string]string{
	"keys.anthropic": "ANTHROPIC_API_KEY",
	"keys.gemini":    "GEMINI_API_KEY",
	"keys.openai":    "OPENAI_API_KEY",
	"keys.voyage":    "VOYAGE_API_KEY",
	"timezone":       "YOUR_TIMEZONE",
}

// Load reads configuration. An explicit path must exist; otherwise rtt.yaml
// is looked up in the working directory and the user config directory.
func Load(path string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("rtt")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			v.AddConfigPath(filepath.Join(xdg, "rtt"))
		}
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "rtt"))
		}
	}

	v.SetEnvPrefix("RTT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, alias := range envAliases {
		envKey := "RTT_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, alias); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir is required")
	}
	if _, err := c.Location(); err != nil {
		return err
	}

	switch c.Generation.Provider {
	case "anthropic", "gemini":
	default:
		return fmt.Errorf("config: generation provider %q is invalid (must be anthropic or gemini)", c.Generation.Provider)
	}
	switch c.Embedding.Provider {
	case "openai", "voyage":
	default:
		return fmt.Errorf("config: embedding provider %q is invalid (must be openai or voyage)", c.Embedding.Provider)
	}

	sizes := map[string]int{
		"batch.discovery_size":  c.Batch.DiscoverySize,
		"batch.enrichment_size": c.Batch.EnrichmentSize,
		"batch.concurrency":     c.Batch.Concurrency,
		"batch.attempts":        c.Batch.Attempts,
		"embedding.batch_size":  c.Embedding.BatchSize,
		"taxonomy.top_tags":     c.Taxonomy.TopTags,
		"sync.bootstrap_days":   c.Sync.BootstrapDays,
		"sync.window_days":      c.Sync.WindowDays,
	}
	for name, n := range sizes {
		if n < 1 {
			return fmt.Errorf("config: %s must be positive, got %d", name, n)
		}
	}
	if c.Taxonomy.MinCategories < 1 || c.Taxonomy.MaxCategories < c.Taxonomy.MinCategories {
		return fmt.Errorf("config: taxonomy category bounds %d-%d are invalid", c.Taxonomy.MinCategories, c.Taxonomy.MaxCategories)
	}
	if c.Batch.Backoff < 0 {
		return fmt.Errorf("config: batch.backoff must not be negative")
	}
	return nil
}

// Location resolves the configured timezone
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// GenerationKey returns the API key of the configured generation provider
func (c *Config) GenerationKey() string {
	if c.Generation.Provider == "gemini" {
		return c.Keys.Gemini
	}
	return c.Keys.Anthropic
}

// EmbeddingKey returns the API key of the configured embedding provider
func (c *Config) EmbeddingKey() string {
	if c.Embedding.Provider == "voyage" {
		return c.Keys.Voyage
	}
	return c.Keys.OpenAI
}
