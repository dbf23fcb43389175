package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// DefaultBaseURL is used when neither an override nor an environment is set.
const DefaultBaseURL = "http://127.0.0.1:8000/api"

// Environment variables read by ApplyEnv.
const (
	EnvBaseURL  = "CEV_API_BASE_URL"
	EnvName     = "CEV_ENV"
	EnvUsername = "CEV_API_USERNAME"
	EnvPassword = "CEV_API_PASSWORD"
	EnvBackend  = "CEV_STORAGE_BACKEND"
	EnvRetries  = "CEV_HTTP_RETRIES"
)

// Storage backends.
const (
	BackendFile    = "file"
	BackendKeyring = "keyring"
	BackendMemory  = "memory"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultRetries     = 2
	DefaultConcurrency = 4
	DefaultVerifyPath  = "/datasets/history/"
)

// Config represents the top-level configuration file structure
type Config struct {
	// BaseURL, when set, overrides Environment.
	BaseURL      string            `yaml:"base_url" toml:"base_url"`
	Environment  string            `yaml:"environment" toml:"environment"`
	Environments map[string]string `yaml:"environments" toml:"environments"`
	Preset       PresetConfig      `yaml:"preset" toml:"preset"`
	Storage      StorageConfig     `yaml:"storage" toml:"storage"`
	HTTP         HTTPConfig        `yaml:"http" toml:"http"`
	VerifyPath   string            `yaml:"verify_path" toml:"verify_path"`
	Download     DownloadConfig    `yaml:"download" toml:"download"`
}

// PresetConfig holds deployment-provided credentials.
type PresetConfig struct {
	Username string `yaml:"username" toml:"username"`
	Password string `yaml:"password" toml:"password"`
}

// StorageConfig selects where credentials and flags are persisted.
type StorageConfig struct {
	Backend string `yaml:"backend" toml:"backend"`
	Path    string `yaml:"path" toml:"path"`
}

// HTTPConfig tunes the API client. Retries is a pointer so that an
// explicit 0 disables retries instead of selecting the default.
type HTTPConfig struct {
	Timeout time.Duration `yaml:"timeout" toml:"timeout"`
	Retries *int          `yaml:"retries" toml:"retries"`
}

// DownloadConfig controls where reports are written.
type DownloadConfig struct {
	Dir         string `yaml:"dir" toml:"dir"`
	Concurrency int    `yaml:"concurrency" toml:"concurrency"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

// LoadFromFile reads a YAML or TOML configuration file (chosen by
// extension, YAML otherwise) and returns the parsed Config with defaults
// applied. Environment overrides are not applied; see Load.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".toml":
		if err := toml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", filename, err)
	}
	return &config, nil
}

// Load builds the effective configuration: the file at path (defaults
// only when path is empty), then environment overrides from lookup.
func Load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if lookup != nil {
		if err := cfg.ApplyEnv(lookup); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables. Blank values are
// ignored.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}
	if v := get(EnvBaseURL); v != "" {
		c.BaseURL = v
	}
	if v := get(EnvName); v != "" {
		c.Environment = v
	}
	if v := get(EnvUsername); v != "" {
		c.Preset.Username = v
	}
	if v := get(EnvPassword); v != "" {
		c.Preset.Password = v
	}
	if v := get(EnvBackend); v != "" {
		c.Storage.Backend = v
	}
	if v := get(EnvRetries); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRetries, err)
		}
		c.HTTP.Retries = &n
	}
	return nil
}

// ApplyDefaults fills in every unset field.
func (c *Config) ApplyDefaults() {
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendFile
	}
	if c.HTTP.Timeout == 0 {
		c.HTTP.Timeout = DefaultTimeout
	}
	if c.HTTP.Retries == nil {
		n := DefaultRetries
		c.HTTP.Retries = &n
	}
	if c.VerifyPath == "" {
		c.VerifyPath = DefaultVerifyPath
	}
	if c.Download.Concurrency == 0 {
		c.Download.Concurrency = DefaultConcurrency
	}
}

// RetryCount returns the configured retry count.
func (c *Config) RetryCount() int {
	if c.HTTP.Retries == nil {
		return DefaultRetries
	}
	return *c.HTTP.Retries
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.ResolvedBaseURL(); err != nil {
		errs = append(errs, err)
	}
	switch c.Storage.Backend {
	case BackendFile, BackendKeyring, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q (want %s, %s or %s)",
			c.Storage.Backend, BackendFile, BackendKeyring, BackendMemory))
	}
	if c.HTTP.Timeout < 0 {
		errs = append(errs, fmt.Errorf("http.timeout must not be negative"))
	}
	if c.RetryCount() < 0 {
		errs = append(errs, fmt.Errorf("http.retries must not be negative"))
	}
	if c.Download.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("download.concurrency must not be negative"))
	}
	if c.VerifyPath != "" && !strings.HasPrefix(c.VerifyPath, "/") {
		errs = append(errs, fmt.Errorf("verify_path must start with '/'"))
	}
	return errors.Join(errs...)
}

// ResolvedBaseURL applies ResolveBaseURL to this configuration.
func (c *Config) ResolvedBaseURL() (string, error) {
	return ResolveBaseURL(c.BaseURL, c.Environment, c.Environments)
}

// ResolveBaseURL picks the API root: override, then environments[env],
// then DefaultBaseURL. The result has no trailing slash.
func ResolveBaseURL(override, env string, environments map[string]string) (string, error) {
	raw := strings.TrimSpace(override)
	if raw == "" && env != "" {
		var ok bool
		raw, ok = environments[env]
		if !ok {
			names := make([]string, 0, len(environments))
			for name := range environments {
				names = append(names, name)
			}
			sort.Strings(names)
			return "", fmt.Errorf("unknown environment %q (configured: %s)", env, strings.Join(names, ", "))
		}
		raw = strings.TrimSpace(raw)
	}
	if raw == "" {
		raw = DefaultBaseURL
	}

	raw = strings.TrimRight(raw, "/")
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("invalid base URL %q: must be an absolute http(s) URL", raw)
	}
	return raw, nil
}

// DefaultPath returns the conventional config location,
// <UserConfigDir>/cev/config.yaml.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		dir = "."
	}
	return filepath.Join(dir, "cev", "config.yaml")
}
