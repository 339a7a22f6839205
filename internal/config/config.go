// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	Environment string `yaml:"environment"`
	ServiceName string `yaml:"service_name"`

	Store           StoreConfig           `yaml:"store"`
	Broker          BrokerConfig          `yaml:"broker"`
	SplittingWorker SplittingWorkerConfig `yaml:"splitting_worker"`
	ExecutionWorker ExecutionWorkerConfig `yaml:"execution_worker"`
	TimeoutMonitor  TimeoutMonitorConfig  `yaml:"timeout_monitor"`
	System          SystemConfig          `yaml:"system"`
	Telemetry       TelemetryConfig       `yaml:"telemetry"`
}

// StoreConfig contains PostgreSQL connection settings
type StoreConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

// DSN returns the pgx connection string.
func (s StoreConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", s.User, s.Password, s.Host, s.Port, s.Name)
}

// BrokerConfig contains broker adapter settings
type BrokerConfig struct {
	APIKey       string `yaml:"api_key"`
	AccessToken  string `yaml:"access_token"`
	UseMock      *bool  `yaml:"use_mock"`
	MockScenario string `yaml:"mock_scenario"`
}

// IsMock reports whether the deterministic mock adapter should be used.
// Defaults to true.
func (b BrokerConfig) IsMock() bool {
	return b.UseMock == nil || *b.UseMock
}

// SplittingWorkerConfig contains splitting worker settings
type SplittingWorkerConfig struct {
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	BatchSize           int `yaml:"batch_size"`
}

// ExecutionWorkerConfig contains execution worker settings.
// ExecutorTimeoutMinutes is the claim lease; ExecutionTimeoutMinutes is the
// monitoring wall-clock limit. They are distinct on purpose.
type ExecutionWorkerConfig struct {
	PollIntervalSeconds     int `yaml:"poll_interval_seconds"`
	BatchSize               int `yaml:"batch_size"`
	ExecutorTimeoutMinutes  int `yaml:"executor_timeout_minutes"`
	ExecutionTimeoutMinutes int `yaml:"execution_timeout_minutes"`
	MaxPlacementAttempts    int `yaml:"max_placement_attempts"`
}

// TimeoutMonitorConfig contains timeout monitor settings
type TimeoutMonitorConfig struct {
	CheckIntervalSeconds int `yaml:"check_interval_seconds"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

var validMockScenarios = []string{"success", "partial_fill", "rejection", "network_error", "timeout"}

// LoadConfig loads configuration from a YAML file with environment variable
// expansion, applies defaults, and validates.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := os.ExpandEnv(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// ApplyDefaults fills in the documented defaults for unset options.
func (c *Config) ApplyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "pulse-backend"
	}
	if c.Broker.MockScenario == "" {
		c.Broker.MockScenario = "success"
	}
	if c.SplittingWorker.PollIntervalSeconds == 0 {
		c.SplittingWorker.PollIntervalSeconds = 5
	}
	if c.SplittingWorker.BatchSize == 0 {
		c.SplittingWorker.BatchSize = 10
	}
	if c.ExecutionWorker.PollIntervalSeconds == 0 {
		c.ExecutionWorker.PollIntervalSeconds = 5
	}
	if c.ExecutionWorker.BatchSize == 0 {
		c.ExecutionWorker.BatchSize = 10
	}
	if c.ExecutionWorker.ExecutorTimeoutMinutes == 0 {
		c.ExecutionWorker.ExecutorTimeoutMinutes = 5
	}
	if c.ExecutionWorker.ExecutionTimeoutMinutes == 0 {
		c.ExecutionWorker.ExecutionTimeoutMinutes = 30
	}
	if c.ExecutionWorker.MaxPlacementAttempts == 0 {
		c.ExecutionWorker.MaxPlacementAttempts = 3
	}
	if c.TimeoutMonitor.CheckIntervalSeconds == 0 {
		c.TimeoutMonitor.CheckIntervalSeconds = 60
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
	if c.Telemetry.MetricsPort == 0 {
		c.Telemetry.MetricsPort = 9090
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateCore(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateStore(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateBroker(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateWorkers(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSystem(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateCore() error {
	if c.Environment == "" {
		return ValidationError{
			Field:   "environment",
			Message: "environment is required",
		}
	}
	return nil
}

func (c *Config) validateStore() error {
	if c.Store.Host == "" {
		return ValidationError{Field: "store.host", Message: "store host is required"}
	}
	if c.Store.Port <= 0 {
		return ValidationError{Field: "store.port", Value: c.Store.Port, Message: "store port is required"}
	}
	if c.Store.User == "" {
		return ValidationError{Field: "store.user", Message: "store user is required"}
	}
	if c.Store.Password == "" {
		return ValidationError{Field: "store.password", Message: "store password is required"}
	}
	if c.Store.Name == "" {
		return ValidationError{Field: "store.name", Message: "store name is required"}
	}
	return nil
}

func (c *Config) validateBroker() error {
	if !contains(validMockScenarios, c.Broker.MockScenario) {
		return ValidationError{
			Field:   "broker.mock_scenario",
			Value:   c.Broker.MockScenario,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validMockScenarios, ", ")),
		}
	}
	if !c.Broker.IsMock() && c.Broker.APIKey == "" {
		return ValidationError{
			Field:   "broker.api_key",
			Message: "API key is required when use_mock is false",
		}
	}
	return nil
}

func (c *Config) validateWorkers() error {
	if c.ExecutionWorker.MaxPlacementAttempts < 1 {
		return ValidationError{
			Field:   "execution_worker.max_placement_attempts",
			Value:   c.ExecutionWorker.MaxPlacementAttempts,
			Message: "must be at least 1",
		}
	}
	if c.ExecutionWorker.ExecutorTimeoutMinutes < 1 {
		return ValidationError{
			Field:   "execution_worker.executor_timeout_minutes",
			Value:   c.ExecutionWorker.ExecutorTimeoutMinutes,
			Message: "must be at least 1",
		}
	}
	if c.ExecutionWorker.ExecutionTimeoutMinutes < 1 {
		return ValidationError{
			Field:   "execution_worker.execution_timeout_minutes",
			Value:   c.ExecutionWorker.ExecutionTimeoutMinutes,
			Message: "must be at least 1",
		}
	}
	return nil
}

func (c *Config) validateSystem() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

// String returns a string representation of the configuration (with sensitive
// data masked).
func (c *Config) String() string {
	configCopy := *c
	configCopy.Store.Password = maskString(configCopy.Store.Password)
	configCopy.Broker.APIKey = maskString(configCopy.Broker.APIKey)
	configCopy.Broker.AccessToken = maskString(configCopy.Broker.AccessToken)

	data, _ := yaml.Marshal(configCopy)
	return string(data)
}

// Helper functions

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func maskString(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	cfg := &Config{
		Environment: "test",
		Store: StoreConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "pulse",
			Password: "pulse",
			Name:     "pulse",
		},
	}
	cfg.ApplyDefaults()
	return cfg
}
