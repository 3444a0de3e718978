// Package config provides YAML-based configuration for the ingestion backend.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cnc-iiot/backend/internal/ingest"
	"github.com/cnc-iiot/backend/internal/lifecycle"
	"github.com/cnc-iiot/backend/internal/models"
	"github.com/cnc-iiot/backend/internal/storage"
)

// AppConfig is the root of the configuration file.
type AppConfig struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Ingest  IngestConfig  `yaml:"ingest"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port                 int    `yaml:"port"`
	BindAddress          string `yaml:"bindAddress"`
	EnableCORS           bool   `yaml:"enableCors"`
	AllowOrigins         string `yaml:"allowOrigins"`
	ReadTimeout          int    `yaml:"readTimeoutSeconds"`
	WriteTimeout         int    `yaml:"writeTimeoutSeconds"`
	IdleTimeout          int    `yaml:"idleTimeoutSeconds"`
	BodyLimit            string `yaml:"bodyLimit"`
	EnableRequestLogging bool   `yaml:"enableRequestLogging"`
}

// StorageConfig contains database settings
type StorageConfig struct {
	DataDirectory        string `yaml:"dataDirectory"`
	DatabasePath         string `yaml:"databasePath"` // relative to DataDirectory
	DuckDBThreads        int    `yaml:"duckdbThreads"`
	DuckDBMemoryLimit    string `yaml:"duckdbMemoryLimit"`
	MaxConcurrentQueries int    `yaml:"maxConcurrentQueries"`
}

// IngestConfig contains pipeline settings
type IngestConfig struct {
	ErrorPolicy     string        `yaml:"errorPolicy"` // skip | abort
	Frame           string        `yaml:"frame"`       // WPos | MPos
	DebounceSamples int           `yaml:"debounceSamples"`
	DebounceMinIdle time.Duration `yaml:"debounceMinIdle"`
	SampleInterval  time.Duration `yaml:"sampleInterval"`
	IdlePipelineTTL time.Duration `yaml:"idlePipelineTtl"`
}

// LoggingConfig selects the slog handler
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// DefaultConfig returns the default configuration
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Port:                 8089,
			BindAddress:          "0.0.0.0",
			EnableCORS:           true,
			AllowOrigins:         "*",
			ReadTimeout:          30,
			WriteTimeout:         300,
			IdleTimeout:          120,
			BodyLimit:            "512M",
			EnableRequestLogging: true,
		},
		Storage: StorageConfig{
			DataDirectory:        "./data",
			DatabasePath:         "grbl.duckdb",
			DuckDBThreads:        4,
			DuckDBMemoryLimit:    "1GB",
			MaxConcurrentQueries: 4,
		},
		Ingest: IngestConfig{
			ErrorPolicy:     "skip",
			Frame:           string(models.FrameWork),
			DebounceSamples: lifecycle.DefaultDebounce().IdleSamples,
			SampleInterval:  ingest.DefaultSampleInterval,
			IdlePipelineTTL: 30 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig loads configuration from a YAML file, writing the defaults there
// first if it does not exist.
func LoadConfig(configPath string) (*AppConfig, error) {
	config := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := config.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	} else {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := config.applyEnvironmentOverrides(); err != nil {
		return nil, err
	}
	config.resolvePaths(filepath.Dir(configPath))

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Save writes the configuration as YAML.
func (c *AppConfig) Save(configPath string) error {
	output, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# GRBL ingestion backend configuration\n# This file is auto-generated on first run\n\n")
	content := append(header, output...)

	if dir := filepath.Dir(configPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(configPath, content, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// applyEnvironmentOverrides allows environment variables to override config values
func (c *AppConfig) applyEnvironmentOverrides() error {
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", port, err)
		}
		c.Server.Port = p
	}

	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		c.Storage.DataDirectory = dataDir
	}

	if dbPath := os.Getenv("GRBL_DB_PATH"); dbPath != "" {
		c.Storage.DatabasePath = dbPath
	}

	if policy := os.Getenv("INGEST_ERROR_POLICY"); policy != "" {
		c.Ingest.ErrorPolicy = policy
	}

	if samples := os.Getenv("INGEST_DEBOUNCE_SAMPLES"); samples != "" {
		n, err := strconv.Atoi(samples)
		if err != nil {
			return fmt.Errorf("invalid INGEST_DEBOUNCE_SAMPLES %q: %w", samples, err)
		}
		c.Ingest.DebounceSamples = n
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	return nil
}

// resolvePaths converts relative paths to absolute based on config file location
func (c *AppConfig) resolvePaths(configDir string) {
	if !filepath.IsAbs(c.Storage.DataDirectory) {
		c.Storage.DataDirectory = filepath.Join(configDir, c.Storage.DataDirectory)
	}
	if !filepath.IsAbs(c.Storage.DatabasePath) {
		c.Storage.DatabasePath = filepath.Join(c.Storage.DataDirectory, c.Storage.DatabasePath)
	}
}

// Validate checks values that cannot be defaulted.
func (c *AppConfig) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if _, err := ingest.ParsePolicy(c.Ingest.ErrorPolicy); err != nil {
		return fmt.Errorf("ingest.errorPolicy: %w", err)
	}
	if _, ok := models.ParseCoordinateFrame(c.Ingest.Frame); !ok {
		return fmt.Errorf("ingest.frame: unknown coordinate frame %q", c.Ingest.Frame)
	}
	if c.Ingest.DebounceSamples < 1 {
		return fmt.Errorf("ingest.debounceSamples must be at least 1, got %d", c.Ingest.DebounceSamples)
	}
	if c.Ingest.DebounceMinIdle < 0 || c.Ingest.SampleInterval < 0 {
		return fmt.Errorf("ingest durations must not be negative")
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format: unknown format %q", c.Logging.Format)
	}
	return nil
}

// GetServerAddr returns the server bind address
func (c *AppConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.BindAddress, c.Server.Port)
}

// EnsureDirectories creates all necessary directories
func (c *AppConfig) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDirectory,
		filepath.Dir(c.Storage.DatabasePath),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// StoreOptions returns the DuckDB options for the configured storage.
func (c *AppConfig) StoreOptions(logger *slog.Logger) storage.Options {
	return storage.Options{
		MemoryLimit:          c.Storage.DuckDBMemoryLimit,
		Threads:              c.Storage.DuckDBThreads,
		MaxConcurrentQueries: c.Storage.MaxConcurrentQueries,
		Logger:               logger,
	}
}

// IngestOptions returns pipeline options without a machine id.
func (c *AppConfig) IngestOptions(logger *slog.Logger) (ingest.Options, error) {
	policy, err := ingest.ParsePolicy(c.Ingest.ErrorPolicy)
	if err != nil {
		return ingest.Options{}, err
	}
	frame, ok := models.ParseCoordinateFrame(c.Ingest.Frame)
	if !ok {
		return ingest.Options{}, fmt.Errorf("unknown coordinate frame %q", c.Ingest.Frame)
	}
	return ingest.Options{
		Frame:  frame,
		Policy: policy,
		Debounce: lifecycle.Debounce{
			IdleSamples: c.Ingest.DebounceSamples,
			MinIdle:     c.Ingest.DebounceMinIdle,
		},
		SampleInterval: c.Ingest.SampleInterval,
		Logger:         logger,
	}, nil
}
