// Package config provides configuration loading for the saros commands.
// Values come from an optional YAML file with environment-variable overrides
// (SAROS_* keys) applied on top, so credentials never need to live on disk.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	// Archive parameters control access to the TCIA/NBIA service.
	Archive struct {
		// APIURL is the base URL of the NBIA REST API.
		APIURL string `yaml:"apiUrl"`

		// LoginURL is the OAuth token endpoint.
		LoginURL string `yaml:"loginUrl"`

		// Username and Password authenticate restricted collections.
		// Usually supplied via SAROS_USERNAME / SAROS_PASSWORD instead of
		// the config file.
		Username string `yaml:"username"`
		Password string `yaml:"password"`

		// RequestsPerSecond caps the request rate against the archive.
		RequestsPerSecond float64 `yaml:"requestsPerSecond"`

		// MaxAttempts bounds retries of transient download failures.
		MaxAttempts int `yaml:"maxAttempts"`
	} `yaml:"archive"`

	// Processing parameters
	Processing struct {
		// ParallelDownloads is the size of the case worker pool. Keep this
		// small to avoid overloading the archive servers.
		ParallelDownloads int `yaml:"parallelDownloads"`

		// SliceThickness is the target z spacing in mm after resampling.
		SliceThickness float64 `yaml:"sliceThickness"`
	} `yaml:"processing"`

	// Output parameters
	Output struct {
		// Verbose enables debug logging.
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Archive.APIURL = "https://services.cancerimagingarchive.net/nbia-api/services/v2"
	cfg.Archive.LoginURL = "https://services.cancerimagingarchive.net/nbia-api/oauth/token"
	cfg.Archive.RequestsPerSecond = 4
	cfg.Archive.MaxAttempts = 4

	cfg.Processing.ParallelDownloads = 2
	cfg.Processing.SliceThickness = 5.0

	cfg.Output.Verbose = false

	return cfg
}

// LoadConfig loads configuration from a YAML file and applies SAROS_*
// environment overrides. If the file doesn't exist, defaults plus the
// environment are returned.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays SAROS_* environment variables onto cfg.
func applyEnv(cfg *Config) {
	v := viper.New()
	v.SetEnvPrefix("SAROS")
	v.AutomaticEnv()

	if s := v.GetString("API_URL"); s != "" {
		cfg.Archive.APIURL = s
	}
	if s := v.GetString("LOGIN_URL"); s != "" {
		cfg.Archive.LoginURL = s
	}
	if s := v.GetString("USERNAME"); s != "" {
		cfg.Archive.Username = s
	}
	if s := v.GetString("PASSWORD"); s != "" {
		cfg.Archive.Password = s
	}
	if f := v.GetFloat64("REQUESTS_PER_SECOND"); f > 0 {
		cfg.Archive.RequestsPerSecond = f
	}
	if n := v.GetInt("PARALLEL_DOWNLOADS"); n > 0 {
		cfg.Processing.ParallelDownloads = n
	}
}

// WriteDefaultConfig writes a default configuration file at the given path,
// as a starting point for editing.
func WriteDefaultConfig(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}

// SaveConfig saves the configuration to a YAML file.
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}
