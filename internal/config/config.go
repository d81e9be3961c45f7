// Package config provides configuration loading and management for the fossdb
// server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment variables read by the server.
const EnvPrefix = "FOSSDB"

const (
	// RegistryTypeCrates polls crates.io.
	RegistryTypeCrates = "crates"

	// RegistryTypeNPM polls the npm registry.
	RegistryTypeNPM = "npm"

	// RegistryTypeLibrariesIO polls libraries.io.
	RegistryTypeLibrariesIO = "librariesio"

	// RegistryTypeNixpkgs discovers packages through the local nix CLI.
	RegistryTypeNixpkgs = "nixpkgs"
)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		// Validate the path to prevent path traversal attacks
		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	Registries    []RegistryConfig    `yaml:"registries"`
	Store         StoreConfig         `yaml:"store"`
	Server        ServerConfig        `yaml:"server,omitempty"`
	Auth          *AuthConfig         `yaml:"auth,omitempty"`
	Notifications *NotificationConfig `yaml:"notifications,omitempty"`

	// LockSweepInterval is how often idle per-package locks are collected.
	// Defaults to 5m.
	LockSweepInterval string `yaml:"lockSweepInterval,omitempty"`
}

// RegistryConfig defines a single external registry to poll
type RegistryConfig struct {
	// Name is the identifier for this registry
	Name string `yaml:"name"`

	// Type selects the adapter (crates, npm, librariesio, nixpkgs)
	Type string `yaml:"type"`

	// Interval is how often the registry is polled (e.g. "30m")
	Interval string `yaml:"interval"`

	// BaseURL overrides the registry's default API endpoint. Mainly for
	// testing against a local server.
	BaseURL string `yaml:"baseURL,omitempty"`

	// APIKeyFile is the path to a file containing the registry API key.
	// This is the recommended approach for production deployments.
	APIKeyFile string `yaml:"apiKeyFile,omitempty"`

	// RateLimit tunes the adaptive limiter for this registry. Zero fields
	// fall back to per-registry defaults.
	RateLimit *RateLimitConfig `yaml:"rateLimit,omitempty"`
}

// RateLimitConfig tunes an adaptive rate limiter. Rates are requests per
// second.
type RateLimitConfig struct {
	Initial float64 `yaml:"initial,omitempty"`
	Min     float64 `yaml:"min,omitempty"`
	Max     float64 `yaml:"max,omitempty"`
	Burst   int     `yaml:"burst,omitempty"`
}

// StoreConfig defines the embedded store location
type StoreConfig struct {
	// Directory is where the store keeps its data files
	Directory string `yaml:"directory"`

	// InMemory runs the store without persistence. Used in tests.
	InMemory bool `yaml:"inMemory,omitempty"`
}

// ServerConfig defines the HTTP listener settings
type ServerConfig struct {
	// Address is the listen address, defaulting to ":8080"
	Address string `yaml:"address,omitempty"`
}

// AuthConfig defines token verification for the live channel
type AuthConfig struct {
	// SecretFile is the path to a file containing the token signing secret.
	// The file should contain only the secret with optional trailing
	// whitespace.
	SecretFile string `yaml:"secretFile,omitempty"`

	// Issuer is the expected iss claim. Empty disables the issuer check.
	Issuer string `yaml:"issuer,omitempty"`
}

// NotificationConfig tunes the pending-event dispatcher
type NotificationConfig struct {
	// DispatchInterval is how often pending events are scanned (e.g. "30s")
	DispatchInterval string `yaml:"dispatchInterval,omitempty"`
}

// GetSecret returns the token signing secret using the following priority:
// 1. Read from SecretFile if specified
// 2. Read from FOSSDB_AUTH_SECRET environment variable
//
// The secret from file will have leading/trailing whitespace trimmed.
func (a *AuthConfig) GetSecret() ([]byte, error) {
	if a.SecretFile != "" {
		// Use filepath.Clean to prevent path traversal attacks
		cleanPath := filepath.Clean(a.SecretFile)

		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read secret from file %s: %w", a.SecretFile, err)
		}

		return []byte(strings.TrimSpace(string(data))), nil
	}

	if envSecret := os.Getenv("FOSSDB_AUTH_SECRET"); envSecret != "" {
		return []byte(envSecret), nil
	}

	return nil, fmt.Errorf(
		"no auth secret configured: set secretFile or FOSSDB_AUTH_SECRET environment variable",
	)
}

// GetAPIKey returns the registry API key using the following priority:
// 1. Read from APIKeyFile if specified
// 2. Read from FOSSDB_<NAME>_API_KEY environment variable, where <NAME> is
// the registry name upper-cased with non-alphanumerics replaced by '_'
func (r *RegistryConfig) GetAPIKey() (string, error) {
	if r.APIKeyFile != "" {
		cleanPath := filepath.Clean(r.APIKeyFile)

		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read API key from file %s: %w", r.APIKeyFile, err)
		}

		return strings.TrimSpace(string(data)), nil
	}

	envName := "FOSSDB_" + sanitizeEnvName(r.Name) + "_API_KEY"
	if envKey := os.Getenv(envName); envKey != "" {
		return envKey, nil
	}

	return "", fmt.Errorf(
		"no API key configured for registry %s: set apiKeyFile or %s environment variable",
		r.Name, envName,
	)
}

func sanitizeEnvName(name string) string {
	upper := strings.ToUpper(name)
	return strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, upper)
}

// GetInterval returns the parsed poll interval.
func (r *RegistryConfig) GetInterval() time.Duration {
	d, err := time.ParseDuration(r.Interval)
	if err != nil {
		return 0
	}
	return d
}

// GetAddress returns the listen address, using ":8080" if not specified
func (s *ServerConfig) GetAddress() string {
	if s.Address == "" {
		return ":8080"
	}
	return s.Address
}

// GetLockSweepInterval returns the parsed sweep interval, defaulting to 5m.
func (c *Config) GetLockSweepInterval() time.Duration {
	if c.LockSweepInterval == "" {
		return 5 * time.Minute
	}
	d, err := time.ParseDuration(c.LockSweepInterval)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// GetDispatchInterval returns the parsed dispatch interval, defaulting to 30s.
func (n *NotificationConfig) GetDispatchInterval() time.Duration {
	if n == nil || n.DispatchInterval == "" {
		return 30 * time.Second
	}
	d, err := time.ParseDuration(n.DispatchInterval)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	// As of now, this is required because there's no other options to load
	// configuration. Once we add more options, we can remove this check.
	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	// Read the entire file into memory
	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML content
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	// Validate the config
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if len(c.Registries) == 0 {
		return fmt.Errorf("at least one registry must be configured")
	}

	registryNames := make(map[string]bool)
	for i, reg := range c.Registries {
		if reg.Name == "" {
			return fmt.Errorf("registry[%d]: name is required", i)
		}

		if registryNames[reg.Name] {
			return fmt.Errorf("registry[%d]: duplicate registry name '%s'", i, reg.Name)
		}
		registryNames[reg.Name] = true

		if err := validateRegistryConfig(&reg, i); err != nil {
			return err
		}
	}

	if !c.Store.InMemory && c.Store.Directory == "" {
		return fmt.Errorf("store.directory is required")
	}

	if c.LockSweepInterval != "" {
		d, err := time.ParseDuration(c.LockSweepInterval)
		if err != nil {
			return fmt.Errorf("lockSweepInterval must be a valid duration: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("lockSweepInterval must be positive, got '%s'", c.LockSweepInterval)
		}
	}

	if c.Notifications != nil && c.Notifications.DispatchInterval != "" {
		d, err := time.ParseDuration(c.Notifications.DispatchInterval)
		if err != nil {
			return fmt.Errorf("notifications.dispatchInterval must be a valid duration: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("notifications.dispatchInterval must be positive, got '%s'", c.Notifications.DispatchInterval)
		}
	}

	return nil
}

// validateRegistryConfig validates a single registry configuration
func validateRegistryConfig(reg *RegistryConfig, index int) error {
	prefix := fmt.Sprintf("registry[%d] (%s)", index, reg.Name)

	switch reg.Type {
	case RegistryTypeCrates, RegistryTypeNPM, RegistryTypeLibrariesIO, RegistryTypeNixpkgs:
	case "":
		return fmt.Errorf("%s: type is required", prefix)
	default:
		return fmt.Errorf("%s: unsupported type '%s'", prefix, reg.Type)
	}

	if reg.Interval == "" {
		return fmt.Errorf("%s: interval is required", prefix)
	}
	d, err := time.ParseDuration(reg.Interval)
	if err != nil {
		return fmt.Errorf("%s: interval must be a valid duration (e.g., '30m', '1h'): %w", prefix, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s: interval must be positive, got '%s'", prefix, reg.Interval)
	}

	if reg.RateLimit != nil {
		if err := validateRateLimit(reg.RateLimit, prefix); err != nil {
			return err
		}
	}

	return nil
}

// validateRateLimit validates limiter bounds
func validateRateLimit(rl *RateLimitConfig, prefix string) error {
	if rl.Initial < 0 || rl.Min < 0 || rl.Max < 0 || rl.Burst < 0 {
		return fmt.Errorf("%s: rateLimit values must not be negative", prefix)
	}
	if rl.Min > 0 && rl.Max > 0 && rl.Min > rl.Max {
		return fmt.Errorf("%s: rateLimit.min must not exceed rateLimit.max", prefix)
	}
	if rl.Initial > 0 && rl.Max > 0 && rl.Initial > rl.Max {
		return fmt.Errorf("%s: rateLimit.initial must not exceed rateLimit.max", prefix)
	}
	if rl.Initial > 0 && rl.Min > 0 && rl.Initial < rl.Min {
		return fmt.Errorf("%s: rateLimit.initial must not be below rateLimit.min", prefix)
	}
	return nil
}
