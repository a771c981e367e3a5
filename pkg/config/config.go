package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	Environment       string        `mapstructure:"environment"`
	LogLevel          string        `mapstructure:"log_level"`
	LogFormat         string        `mapstructure:"log_format"`
	Port              string        `mapstructure:"port"`
	DatabasePath      string        `mapstructure:"database_path"`
	RegistryPath      string        `mapstructure:"registry_path"`
	ImputeSchedule    string        `mapstructure:"impute_schedule"`
	ImputeConcurrency int           `mapstructure:"impute_concurrency"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
}

// EnvPrefix is prepended to every environment variable, e.g. FUZZYINFER_PORT
const EnvPrefix = "FUZZYINFER"

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("port", "8080")
	v.SetDefault("database_path", "fuzzy-infer.db")
	v.SetDefault("registry_path", "registry.yaml")
	v.SetDefault("impute_schedule", "")
	v.SetDefault("impute_concurrency", 4)
	v.SetDefault("request_timeout", "30s")
}

// LoadConfig loads configuration from defaults, the optional YAML file at
// path, then FUZZYINFER_* environment variables, in increasing precedence.
func LoadConfig(path string) (*Config, error) {
	return Load(path, nil)
}

// Load is LoadConfig with explicit overrides, keyed like the YAML file,
// that take precedence over everything else. Command-line flags use it.
func Load(path string, overrides map[string]any) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	for key, value := range overrides {
		v.Set(key, value)
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks required configuration
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path is required")
	}
	if c.Port == "" {
		return fmt.Errorf("port is required")
	}
	if c.ImputeConcurrency < 1 {
		return fmt.Errorf("impute_concurrency must be at least 1, got %d", c.ImputeConcurrency)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("request_timeout must not be negative")
	}
	if c.ImputeSchedule != "" {
		if _, err := cron.ParseStandard(c.ImputeSchedule); err != nil {
			return fmt.Errorf("invalid impute_schedule %q: %w", c.ImputeSchedule, err)
		}
	}
	return nil
}
