// Package config provides configuration loading for the service. Values
// come from an optional YAML file with environment variables taking
// precedence for secrets and connection endpoints.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Database DatabaseConfig `yaml:"database"`
	Storage  StorageConfig  `yaml:"storage"`
	Docparse DocparseConfig `yaml:"docparse"`
	Gemini   GeminiConfig   `yaml:"gemini"`
	Email    EmailConfig    `yaml:"email"`
	Scraper  ScraperConfig  `yaml:"scraper"`
	Pipeline PipelineConfig `yaml:"pipeline"`
}

type ServerConfig struct {
	Addr                   string `yaml:"addr"`
	ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type StorageConfig struct {
	Endpoint        string `yaml:"endpoint"`
	AccessKey       string `yaml:"access_key"`
	SecretKey       string `yaml:"secret_key"`
	UseSSL          bool   `yaml:"use_ssl"`
	DocumentsBucket string `yaml:"documents_bucket"`
	FiguresBucket   string `yaml:"figures_bucket"`
	PanelsBucket    string `yaml:"panels_bucket"`
}

type DocparseConfig struct {
	BaseURL             string `yaml:"base_url"`
	APIKey              string `yaml:"api_key"`
	MaxPages            int    `yaml:"max_pages"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	PollTimeoutSeconds  int    `yaml:"poll_timeout_seconds"`
}

type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

type EmailConfig struct {
	APIKey  string `yaml:"api_key"`
	From    string `yaml:"from"`
	BaseURL string `yaml:"base_url"`
}

type ScraperConfig struct {
	MaxDocuments        int    `yaml:"max_documents"`
	UseBrowser          bool   `yaml:"use_browser"`
	DownloadConcurrency int    `yaml:"download_concurrency"`
	SearchBaseURL       string `yaml:"search_base_url"`
}

type PipelineConfig struct {
	MaxExtractDocuments    int `yaml:"max_extract_documents"`
	MaxNarrativeFiles      int `yaml:"max_narrative_files"`
	AcquireTimeoutSeconds  int `yaml:"acquire_timeout_seconds"`
	ExtractTimeoutSeconds  int `yaml:"extract_timeout_seconds"`
	GenerateTimeoutSeconds int `yaml:"generate_timeout_seconds"`
}

// Load reads the YAML file at path, fills defaults and applies
// environment overrides. An empty path skips the file and uses defaults
// plus the environment only.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ShutdownTimeoutSeconds == 0 {
		c.Server.ShutdownTimeoutSeconds = 10
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Scraper.MaxDocuments == 0 {
		c.Scraper.MaxDocuments = 5
	}
	if c.Scraper.DownloadConcurrency == 0 {
		c.Scraper.DownloadConcurrency = 3
	}
	if c.Pipeline.MaxExtractDocuments == 0 {
		c.Pipeline.MaxExtractDocuments = 1
	}
	if c.Pipeline.MaxNarrativeFiles == 0 {
		c.Pipeline.MaxNarrativeFiles = 1
	}
	if c.Pipeline.AcquireTimeoutSeconds == 0 {
		c.Pipeline.AcquireTimeoutSeconds = 60
	}
	if c.Pipeline.ExtractTimeoutSeconds == 0 {
		c.Pipeline.ExtractTimeoutSeconds = 180
	}
	if c.Pipeline.GenerateTimeoutSeconds == 0 {
		c.Pipeline.GenerateTimeoutSeconds = 180
	}
}

// applyEnv lets deployment environments override secrets and endpoints
// without touching the config file.
func (c *Config) applyEnv() {
	setString(&c.Server.Addr, "SERVER_ADDR")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Database.URL, "DATABASE_URL")
	setString(&c.Storage.Endpoint, "MINIO_ENDPOINT")
	setString(&c.Storage.AccessKey, "MINIO_ACCESS_KEY")
	setString(&c.Storage.SecretKey, "MINIO_SECRET_KEY")
	setBool(&c.Storage.UseSSL, "MINIO_USE_SSL")
	setString(&c.Docparse.BaseURL, "DOCPARSE_BASE_URL")
	setString(&c.Docparse.APIKey, "DOCPARSE_API_KEY")
	setString(&c.Gemini.APIKey, "GEMINI_API_KEY")
	setString(&c.Email.APIKey, "RESEND_API_KEY")
	setString(&c.Email.From, "EMAIL_FROM")
}

// Validate checks that everything a full pipeline run needs is present.
func (c *Config) Validate() error {
	missing := func(name string) error {
		return fmt.Errorf("config error: %s is required", name)
	}

	if c.Database.URL == "" {
		return missing("database.url (or DATABASE_URL)")
	}
	if c.Storage.Endpoint == "" {
		return missing("storage.endpoint (or MINIO_ENDPOINT)")
	}
	if c.Docparse.APIKey == "" {
		return missing("docparse.api_key (or DOCPARSE_API_KEY)")
	}
	if c.Gemini.APIKey == "" {
		return missing("gemini.api_key (or GEMINI_API_KEY)")
	}
	if c.Email.APIKey == "" {
		return missing("email.api_key (or RESEND_API_KEY)")
	}
	if c.Pipeline.MaxExtractDocuments < 1 {
		return fmt.Errorf("config error: pipeline.max_extract_documents must be positive")
	}
	return nil
}

// ShutdownTimeout returns the graceful shutdown window.
func (c *ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// AcquireTimeout returns the acquisition stage deadline.
func (c *PipelineConfig) AcquireTimeout() time.Duration {
	return time.Duration(c.AcquireTimeoutSeconds) * time.Second
}

// ExtractTimeout returns the extraction stage deadline.
func (c *PipelineConfig) ExtractTimeout() time.Duration {
	return time.Duration(c.ExtractTimeoutSeconds) * time.Second
}

// GenerateTimeout returns the generation stage deadline.
func (c *PipelineConfig) GenerateTimeout() time.Duration {
	return time.Duration(c.GenerateTimeoutSeconds) * time.Second
}

// PollInterval returns the parse job poll interval.
func (c *DocparseConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// PollTimeout returns the parse job poll deadline.
func (c *DocparseConfig) PollTimeout() time.Duration {
	return time.Duration(c.PollTimeoutSeconds) * time.Second
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			*dst = parsed
		}
	}
}
