// Package config provides configuration management for scanorama.
// It handles loading configuration from files, environment variables,
// and provides default values for various components.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/anstrom/scanorama/internal/db"
)

const (
	// Default retry values.
	defaultRetryDelaySec    = 2
	defaultMaxRetries       = 3
	defaultBackoffMultiplier = 2.0

	// Default scheduling configuration values.
	defaultHostgroupCapacity = 64
	defaultDetectionIntensity = 7

	// Default logging configuration.
	defaultMaxSizeMB  = 100
	defaultMaxBackups = 5
	defaultMaxAgeDays = 30

	// Security validation constants.
	maxConfigSize   = 10 * 1024 * 1024 // Maximum config file size (10MB)
	maxContentSize  = 5 * 1024 * 1024  // Maximum config content size (5MB)
	maxPathLength   = 4096             // Maximum file path length
	permissionsMask = 0o777            // File permissions mask for validation
)

// Default configuration values.
const (
	DefaultPostgresPort    = 5432
	DefaultMaxOpenConns    = 25
	DefaultMaxIdleConns    = 5
	DefaultConnMaxLifetime = 5 * time.Minute
	DefaultConnMaxIdleTime = 5 * time.Minute
	DefaultDirPermissions  = 0o750
	DefaultFilePermissions = 0o600
)

// Config represents the application configuration.
type Config struct {
	// Database configuration. Only consulted when Scanning.WithDB is set;
	// the scheduler defaults to the in-memory aggregator otherwise.
	Database db.Config `yaml:"database" json:"database"`

	// Scanning configuration
	Scanning ScanningConfig `yaml:"scanning" json:"scanning"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// ScanningConfig holds the scheduler, pacer, and detector settings a run is
// driven by.
type ScanningConfig struct {
	// Timing profile name: T0 (paranoid) through T5 (insane).
	TimingProfile string `yaml:"timing_profile" json:"timing_profile"`

	// Default ports to scan when none are given explicitly.
	DefaultPorts string `yaml:"default_ports" json:"default_ports"`

	// Maximum simultaneously in-flight targets (the hostgroup limiter's
	// capacity). 0 uses the hostgroup limiter's own default.
	HostgroupCapacity int `yaml:"hostgroup_capacity" json:"hostgroup_capacity"`

	// Global probe rate in packets/second. 0 uses the timing profile's
	// DefaultRatePPS.
	RatePPS float64 `yaml:"rate_pps" json:"rate_pps"`

	// Per-target concurrency cap override. 0 derives the cap from the
	// adaptive size-banded table keyed on port count.
	MaxConcurrency int `yaml:"max_concurrency" json:"max_concurrency"`

	// Delay before starting the next target's port scan.
	HostDelay time.Duration `yaml:"host_delay" json:"host_delay"`

	// Enable service/version detection after a port is found open.
	DetectServices bool `yaml:"detect_services" json:"detect_services"`

	// Detection intensity: only probes at or below this rarity are tried
	// (0-9, higher tries more, slower probes).
	DetectionIntensity int `yaml:"detection_intensity" json:"detection_intensity"`

	// Persist results via the async-persisted, database-backed aggregator
	// instead of the default in-memory one.
	WithDB bool `yaml:"with_db" json:"with_db"`

	// Retry configuration
	Retry RetryConfig `yaml:"retry" json:"retry"`
}

// RetryConfig holds retry settings for a probe that fails with a retryable
// error. The scheduler does not read them: its retry loop always starts
// at 1s, doubles up to the timing profile's MaxBackoff, and stops after
// 3 attempts.
type RetryConfig struct {
	// Maximum number of retries
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// Initial delay between retries; each subsequent retry doubles it, up
	// to the active timing profile's backoff ceiling.
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`

	// Exponential backoff multiplier
	BackoffMultiplier float64 `yaml:"backoff_multiplier" json:"backoff_multiplier"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Log level (debug, info, warn, error)
	Level string `yaml:"level" json:"level"`

	// Log format (text, json)
	Format string `yaml:"format" json:"format"`

	// Log output (stdout, stderr, file path)
	Output string `yaml:"output" json:"output"`

	// Log file rotation
	Rotation RotationConfig `yaml:"rotation" json:"rotation"`

	// Enable structured logging
	Structured bool `yaml:"structured" json:"structured"`
}

// RotationConfig holds log rotation settings.
type RotationConfig struct {
	// Enable log rotation
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Maximum file size in MB
	MaxSizeMB int `yaml:"max_size_mb" json:"max_size_mb"`

	// Maximum number of backup files
	MaxBackups int `yaml:"max_backups" json:"max_backups"`

	// Maximum age in days
	MaxAgeDays int `yaml:"max_age_days" json:"max_age_days"`

	// Compress rotated files
	Compress bool `yaml:"compress" json:"compress"`
}

// Default returns the default configuration with database credentials
// loaded from environment variables if available.
func Default() *Config {
	return &Config{
		Database: getDatabaseConfigFromEnv(),
		Scanning: defaultScanningConfig(),
		Logging:  defaultLoggingConfig(),
	}
}

// defaultScanningConfig returns the default scanning configuration.
func defaultScanningConfig() ScanningConfig {
	return ScanningConfig{
		TimingProfile:      "T3",
		DefaultPorts:       "22,80,443,8080,8443",
		HostgroupCapacity:  defaultHostgroupCapacity,
		RatePPS:            0,
		MaxConcurrency:     0,
		HostDelay:          0,
		DetectServices:     true,
		DetectionIntensity: defaultDetectionIntensity,
		WithDB:             false,
		Retry: RetryConfig{
			MaxRetries:        defaultMaxRetries,
			RetryDelay:        defaultRetryDelaySec * time.Second,
			BackoffMultiplier: defaultBackoffMultiplier,
		},
	}
}

// defaultLoggingConfig returns the default logging configuration.
func defaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  "info",
		Format: "text",
		Output: "stdout",
		Rotation: RotationConfig{
			Enabled:    false,
			MaxSizeMB:  defaultMaxSizeMB,
			MaxBackups: defaultMaxBackups,
			MaxAgeDays: defaultMaxAgeDays,
			Compress:   true,
		},
		Structured: false,
	}
}

// getEnvString gets a string value from environment variable with fallback.
func getEnvString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// getEnvInt gets an integer value from environment variable with fallback.
func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

// getEnvDuration gets a duration value from environment variable with fallback.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}

// getDatabaseConfigFromEnv creates database config from environment variables.
func getDatabaseConfigFromEnv() db.Config {
	return db.Config{
		Host:            getEnvString("SCANORAMA_DB_HOST", "localhost"),
		Port:            getEnvInt("SCANORAMA_DB_PORT", DefaultPostgresPort),
		Database:        getEnvString("SCANORAMA_DB_NAME", ""),
		Username:        getEnvString("SCANORAMA_DB_USER", ""),
		Password:        getEnvString("SCANORAMA_DB_PASSWORD", ""),
		SSLMode:         getEnvString("SCANORAMA_DB_SSLMODE", "disable"),
		MaxOpenConns:    getEnvInt("SCANORAMA_DB_MAX_OPEN_CONNS", DefaultMaxOpenConns),
		MaxIdleConns:    getEnvInt("SCANORAMA_DB_MAX_IDLE_CONNS", DefaultMaxIdleConns),
		ConnMaxLifetime: getEnvDuration("SCANORAMA_DB_CONN_MAX_LIFETIME", DefaultConnMaxLifetime),
		ConnMaxIdleTime: getEnvDuration("SCANORAMA_DB_CONN_MAX_IDLE_TIME", DefaultConnMaxIdleTime),
	}
}

// Load loads configuration from a file.
func Load(path string) (*Config, error) {
	// Validate path for security
	if err := validateConfigPath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	// Start with defaults (includes environment variables)
	config := Default()

	// Check if file exists and get file info for security validation
	fileInfo, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %w", err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to access config file: %w", err)
	}

	// Validate file size (max 10MB to prevent DoS)
	if fileInfo.Size() > maxConfigSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d bytes)", fileInfo.Size(), maxConfigSize)
	}

	// Validate file permissions for security
	if err := validateConfigPermissions(fileInfo); err != nil {
		return nil, fmt.Errorf("insecure config file permissions: %w", err)
	}

	// Read file with size limit
	data, err := os.ReadFile(path) //nolint:gosec // path and permissions are validated
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Validate content before parsing
	if err := validateConfigContent(data); err != nil {
		return nil, fmt.Errorf("invalid config content: %w", err)
	}

	// Parse based on file extension with strict options
	ext := filepath.Ext(path)
	switch ext {
	case ".yaml", ".yml":
		if err := safeYAMLUnmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := safeJSONUnmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		// Default to YAML with strict parsing
		if err := safeYAMLUnmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config (assumed YAML): %w", err)
		}
	}

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Save saves configuration to a file.
func (c *Config) Save(path string) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Marshal to YAML
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Write file
	if err := os.WriteFile(path, data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// validateConfigPath validates that the config path is safe to use.
func validateConfigPath(path string) error {
	// Clean the path
	cleanPath := filepath.Clean(path)

	// Check for directory traversal patterns
	if filepath.IsAbs(cleanPath) {
		// For absolute paths, ensure they don't contain .. components
		if filepath.Dir(cleanPath) != filepath.Dir(path) {
			return fmt.Errorf("path contains directory traversal")
		}
	} else {
		// For relative paths, ensure they don't escape the current directory
		if cleanPath != "" && cleanPath[0] == '.' && len(cleanPath) > 1 && cleanPath[1] == '.' {
			return fmt.Errorf("path contains directory traversal")
		}
	}

	// Additional security checks
	if len(path) > maxPathLength {
		return fmt.Errorf("path too long: %d characters (max %d)", len(path), maxPathLength)
	}

	// Check for null bytes (path injection)
	for i, char := range path {
		if char == 0 {
			return fmt.Errorf("null byte in path at position %d", i)
		}
	}

	// Validate file extension
	ext := filepath.Ext(cleanPath)
	allowedExtensions := map[string]bool{
		".yaml": true,
		".yml":  true,
		".json": true,
		"":      true, // Allow no extension for default config files
	}
	if !allowedExtensions[ext] {
		return fmt.Errorf("unsupported config file extension: %s", ext)
	}

	return nil
}

// validateConfigPermissions validates that config file has secure permissions
func validateConfigPermissions(fileInfo os.FileInfo) error {
	mode := fileInfo.Mode()

	// Config files should not be world-readable or writable
	if mode&0o044 != 0 {
		return fmt.Errorf("config file has insecure permissions %o: should not be world-readable", mode&permissionsMask)
	}

	// Config files should not be group-writable unless specifically needed
	if mode&0o020 != 0 {
		return fmt.Errorf("config file has insecure permissions %o: should not be group-writable", mode&permissionsMask)
	}

	return nil
}

// validateConfigContent performs basic validation on config file content
func validateConfigContent(data []byte) error {
	// Check for minimum content
	if len(data) == 0 {
		return fmt.Errorf("config file is empty")
	}

	// Check for extremely large content
	if len(data) > maxContentSize {
		return fmt.Errorf("config content too large: %d bytes (max %d)", len(data), maxContentSize)
	}

	// Check for binary content (basic heuristic)
	nullCount := 0
	for _, b := range data {
		if b == 0 {
			nullCount++
		}
	}
	if nullCount > 0 && len(data) > 0 && float64(nullCount)/float64(len(data)) > 0.01 {
		return fmt.Errorf("config file appears to contain binary data")
	}

	return nil
}

// safeYAMLUnmarshal performs secure YAML unmarshaling with restrictions
func safeYAMLUnmarshal(data []byte, dest interface{}) error {
	// Use secure unmarshaling while allowing field name flexibility for compatibility
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	// Note: KnownFields(true) is disabled to allow field name flexibility
	// Security is maintained through content validation and size limits

	if err := decoder.Decode(dest); err != nil {
		return fmt.Errorf("YAML decode error: %w", err)
	}

	return nil
}

// safeJSONUnmarshal performs secure JSON unmarshaling with restrictions
func safeJSONUnmarshal(data []byte, dest interface{}) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	decoder.UseNumber() // Prevent float precision issues

	if err := decoder.Decode(dest); err != nil {
		return fmt.Errorf("JSON decode error: %w", err)
	}

	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Scanning.WithDB {
		if err := c.validateDatabase(); err != nil {
			return err
		}
	}
	if err := c.validateScanning(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

// validateDatabase validates the database configuration. Only required when
// Scanning.WithDB selects the database-backed aggregator.
func (c *Config) validateDatabase() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required (set SCANORAMA_DB_HOST or configure in file)")
	}
	if c.Database.Database == "" {
		return fmt.Errorf("database name is required (set SCANORAMA_DB_NAME or configure in file)")
	}
	if c.Database.Username == "" {
		return fmt.Errorf("database username is required (set SCANORAMA_DB_USER or configure in file)")
	}
	return nil
}

// validateScanning validates the scanning configuration.
func (c *Config) validateScanning() error {
	validTimingProfiles := map[string]bool{
		"T0": true, "T1": true, "T2": true, "T3": true, "T4": true, "T5": true,
	}
	if !validTimingProfiles[c.Scanning.TimingProfile] {
		return fmt.Errorf("invalid timing profile: %s", c.Scanning.TimingProfile)
	}
	if c.Scanning.HostgroupCapacity < 0 {
		return fmt.Errorf("hostgroup capacity must not be negative")
	}
	if c.Scanning.MaxConcurrency < 0 {
		return fmt.Errorf("max concurrency must not be negative")
	}
	if c.Scanning.RatePPS < 0 {
		return fmt.Errorf("rate must not be negative")
	}
	if c.Scanning.DetectionIntensity < 0 || c.Scanning.DetectionIntensity > 9 {
		return fmt.Errorf("detection intensity must be between 0 and 9")
	}
	if c.Scanning.Retry.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative")
	}
	return nil
}

// validateLogging validates the logging configuration.
func (c *Config) validateLogging() error {
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"text": true,
		"json": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}
	return nil
}

// GetDatabaseConfig returns the database configuration.
func (c *Config) GetDatabaseConfig() db.Config {
	return c.Database
}

// GetLogOutput returns the log output destination.
func (c *Config) GetLogOutput() string {
	return c.Logging.Output
}
