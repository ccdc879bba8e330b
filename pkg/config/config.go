// Package config provides the runtime configuration for the ETL engine.
// It defines a single RuntimeConfig structure shared by the CLI and the
// executor, loaded from a YAML file and the environment via viper.
package config

import (
	"strings"

	"github.com/spf13/viper"

	"github.com/NIAGADS/etl-engine/pkg/errors"
	"github.com/NIAGADS/etl-engine/pkg/models"
)

// DefaultCommitAfter is the batch threshold used when a run does not set one.
const DefaultCommitAfter = 10000

// RuntimeConfig carries the engine settings for one process. Per-run values
// (mode, commit_after, target) act as defaults that run flags may override.
type RuntimeConfig struct {
	// Mode is the default execution mode for runs.
	Mode models.Mode `yaml:"mode" json:"mode" mapstructure:"mode"`

	// CommitAfter is the default batch threshold for CHUNKED and BATCH
	// plugins. Must be at least 1.
	CommitAfter int `yaml:"commit_after" json:"commit_after" mapstructure:"commit_after"`

	// DatabaseURI is the target store connection string. Empty is allowed;
	// runs then downgrade to DRY_RUN.
	DatabaseURI string `yaml:"database_uri" json:"database_uri" mapstructure:"database_uri"`

	// CheckpointPath is the SQLite checkpoint store location. Empty selects
	// the in-memory store.
	CheckpointPath string `yaml:"checkpoint_path" json:"checkpoint_path" mapstructure:"checkpoint_path"`

	// Target names the logical destination for checkpoint scoping. Two runs
	// of the same plugin against different targets keep independent resume
	// points.
	Target string `yaml:"target" json:"target" mapstructure:"target"`

	// Log settings.
	LogLevel  string `yaml:"log_level" json:"log_level" mapstructure:"log_level"`
	LogFormat string `yaml:"log_format" json:"log_format" mapstructure:"log_format"`
}

// NewRuntimeConfig returns a config populated with defaults.
func NewRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		Mode:        models.ModeDryRun,
		CommitAfter: DefaultCommitAfter,
		Target:      "default",
		LogLevel:    "info",
		LogFormat:   "json",
	}
}

// Validate checks the configuration for consistency.
func (c *RuntimeConfig) Validate() error {
	if !c.Mode.Valid() {
		return errors.Newf(errors.ErrorTypeConfig, "invalid mode %q", c.Mode)
	}
	if c.CommitAfter < 1 {
		return errors.Newf(errors.ErrorTypeConfig, "commit_after must be at least 1, got %d", c.CommitAfter)
	}
	if c.Target == "" {
		return errors.New(errors.ErrorTypeConfig, "target must not be empty")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.Newf(errors.ErrorTypeConfig, "invalid log level %q", c.LogLevel)
	}
	return nil
}

// Load reads configuration from the given YAML file (optional) and the
// environment. Environment variables use the ETL_ prefix with underscores,
// e.g. ETL_DATABASE_URI, and take precedence over the file.
func Load(path string) (*RuntimeConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("ETL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := NewRuntimeConfig()
	v.SetDefault("mode", string(cfg.Mode))
	v.SetDefault("commit_after", cfg.CommitAfter)
	v.SetDefault("target", cfg.Target)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_format", cfg.LogFormat)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to read config file "+path)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to decode configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
