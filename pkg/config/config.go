package config

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPrefix is the prefix of environment variables overriding config keys.
	// LOADOOR_DATABASE_DRIVER overrides database.driver.
	EnvPrefix = "LOADOOR"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultListen is the default API listen address.
	DefaultListen = ":8080"

	// DefaultDatabaseDriver is the default database driver.
	DefaultDatabaseDriver = "sqlite"

	// DefaultSQLitePath is the default SQLite database file.
	DefaultSQLitePath = "./loadoor.db"

	// DefaultQueryTimeout bounds every store read and write.
	DefaultQueryTimeout = "5s"

	// DefaultLastReportsMonths is the trailing window, current month
	// included, scanned by the last reports query.
	DefaultLastReportsMonths = 3

	// DefaultJoinConcurrency bounds parallel subscriber fetches per join.
	DefaultJoinConcurrency = 8

	// DefaultBackendKind is the default job runner backend.
	DefaultBackendKind = BackendKubernetes

	// DefaultBackendTimeout bounds every job runner backend call.
	DefaultBackendTimeout = "15s"

	// DefaultRunnerImage is the load generator image launched per run.
	DefaultRunnerImage = "zooz/predator-runner:latest"

	// DefaultKubernetesNamespace is the namespace runner jobs are created in.
	DefaultKubernetesNamespace = "default"

	// DefaultDockerNetwork is the Docker network runners are attached to.
	DefaultDockerNetwork = "loadoor"

	// DefaultPullPolicy is the default image pull policy for Docker runners.
	DefaultPullPolicy = "if-not-present"
)

// Backend kinds.
const (
	BackendKubernetes = "kubernetes"
	BackendDocker     = "docker"
)

// Config is the root configuration for loadoor.
type Config struct {
	Global   GlobalConfig   `yaml:"global" mapstructure:"global"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	Reports  ReportsConfig  `yaml:"reports" mapstructure:"reports"`
	Backend  BackendConfig  `yaml:"backend" mapstructure:"backend"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// ReportsConfig tunes the report store queries.
type ReportsConfig struct {
	LastReportsMonths int `yaml:"last_reports_months" mapstructure:"last_reports_months"`
	JoinConcurrency   int `yaml:"join_concurrency" mapstructure:"join_concurrency"`
}

// defaults lists every key with its default value. Registering each key
// with viper is what makes LOADOOR_* overrides work for keys that are
// absent from the config file.
var defaults = map[string]any{
	"global.log_level": DefaultLogLevel,

	"server.listen":                                 DefaultListen,
	"server.cors_origins":                           []string{},
	"server.rate_limit.enabled":                     false,
	"server.rate_limit.runners.requests_per_minute": 600,
	"server.rate_limit.clients.requests_per_minute": 120,

	"database.driver":            DefaultDatabaseDriver,
	"database.query_timeout":     DefaultQueryTimeout,
	"database.sqlite.path":       DefaultSQLitePath,
	"database.postgres.host":     "localhost",
	"database.postgres.port":     5432,
	"database.postgres.user":     "",
	"database.postgres.password": "",
	"database.postgres.database": "loadoor",
	"database.postgres.ssl_mode": "disable",

	"reports.last_reports_months": DefaultLastReportsMonths,
	"reports.join_concurrency":    DefaultJoinConcurrency,

	"backend.kind":                       DefaultBackendKind,
	"backend.timeout":                    DefaultBackendTimeout,
	"backend.runner_image":               DefaultRunnerImage,
	"backend.predator_url":               "",
	"backend.kubernetes.namespace":       DefaultKubernetesNamespace,
	"backend.kubernetes.kubeconfig":      "",
	"backend.kubernetes.in_cluster":      false,
	"backend.kubernetes.service_account": "",
	"backend.kubernetes.cpu":             "",
	"backend.kubernetes.memory":          "",
	"backend.docker.network":             DefaultDockerNetwork,
	"backend.docker.memory":              "",
	"backend.docker.pull_policy":         DefaultPullPolicy,
}

// Load reads and merges the configuration files in order, applies
// LOADOOR_* environment overrides and fills in defaults.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	for i, path := range paths {
		v.SetConfigFile(path)

		var err error
		if i == 0 {
			err = v.ReadInConfig()
		} else {
			err = v.MergeInConfig()
		}

		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets default values for options left empty by the files
// (viper only falls back to a default when the key is entirely absent).
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDatabaseDriver
	}

	if c.Database.QueryTimeout == "" {
		c.Database.QueryTimeout = DefaultQueryTimeout
	}

	if c.Database.Driver == "sqlite" && c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = DefaultSQLitePath
	}

	if c.Reports.LastReportsMonths <= 0 {
		c.Reports.LastReportsMonths = DefaultLastReportsMonths
	}

	if c.Reports.JoinConcurrency <= 0 {
		c.Reports.JoinConcurrency = DefaultJoinConcurrency
	}

	if c.Backend.Kind == "" {
		c.Backend.Kind = DefaultBackendKind
	}

	if c.Backend.Timeout == "" {
		c.Backend.Timeout = DefaultBackendTimeout
	}

	if c.Backend.RunnerImage == "" {
		c.Backend.RunnerImage = DefaultRunnerImage
	}

	if c.Backend.Kubernetes.Namespace == "" {
		c.Backend.Kubernetes.Namespace = DefaultKubernetesNamespace
	}

	if c.Backend.Docker.Network == "" {
		c.Backend.Docker.Network = DefaultDockerNetwork
	}

	if c.Backend.Docker.PullPolicy == "" {
		c.Backend.Docker.PullPolicy = DefaultPullPolicy
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}

		if c.Database.Postgres.Database == "" {
			return fmt.Errorf("database.postgres.database is required")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if _, err := c.Database.QueryTimeoutDuration(); err != nil {
		return fmt.Errorf("database.query_timeout: %w", err)
	}

	if _, err := c.Backend.TimeoutDuration(); err != nil {
		return fmt.Errorf("backend.timeout: %w", err)
	}

	switch c.Backend.Kind {
	case BackendKubernetes:
		if c.Backend.Kubernetes.Namespace == "" {
			return fmt.Errorf("backend.kubernetes.namespace is required")
		}
	case BackendDocker:
	default:
		return fmt.Errorf("unsupported backend kind %q", c.Backend.Kind)
	}

	if c.Server.RateLimit.Enabled {
		if c.Server.RateLimit.Runners.RequestsPerMinute <= 0 ||
			c.Server.RateLimit.Clients.RequestsPerMinute <= 0 {
			return fmt.Errorf("rate limit tiers must allow at least one request per minute")
		}
	}

	return nil
}

// YAML renders the effective configuration with secrets redacted.
func (c *Config) YAML() ([]byte, error) {
	redacted := *c
	if redacted.Database.Postgres.Password != "" {
		redacted.Database.Postgres.Password = "<redacted>"
	}

	var buf bytes.Buffer

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)

	if err := enc.Encode(&redacted); err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}

	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}

	return buf.Bytes(), nil
}

func parseDuration(value, fallback string) (time.Duration, error) {
	if value == "" {
		value = fallback
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}

	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %s", value)
	}

	return d, nil
}
