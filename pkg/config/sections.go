package config

import "time"

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting. Runners report stats at
// a much higher rate than dashboard clients query, so they get their own
// tier.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" mapstructure:"enabled"`
	Runners RateLimitTier `yaml:"runners,omitempty" mapstructure:"runners"`
	Clients RateLimitTier `yaml:"clients,omitempty" mapstructure:"clients"`
}

// RateLimitTier defines request limits for a specific tier.
type RateLimitTier struct {
	RequestsPerMinute int `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver       string               `yaml:"driver" mapstructure:"driver"`
	QueryTimeout string               `yaml:"query_timeout,omitempty" mapstructure:"query_timeout"`
	SQLite       SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres     PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// QueryTimeoutDuration returns the parsed per-query timeout.
func (c *DatabaseConfig) QueryTimeoutDuration() (time.Duration, error) {
	return parseDuration(c.QueryTimeout, DefaultQueryTimeout)
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// BackendConfig selects and configures the job runner backend that
// materializes runs.
type BackendConfig struct {
	Kind        string            `yaml:"kind" mapstructure:"kind"`
	Timeout     string            `yaml:"timeout,omitempty" mapstructure:"timeout"`
	RunnerImage string            `yaml:"runner_image" mapstructure:"runner_image"`
	PredatorURL string            `yaml:"predator_url,omitempty" mapstructure:"predator_url"`
	Kubernetes  KubernetesBackend `yaml:"kubernetes,omitempty" mapstructure:"kubernetes"`
	Docker      DockerBackend     `yaml:"docker,omitempty" mapstructure:"docker"`
}

// TimeoutDuration returns the parsed per-call backend timeout.
func (c *BackendConfig) TimeoutDuration() (time.Duration, error) {
	return parseDuration(c.Timeout, DefaultBackendTimeout)
}

// KubernetesBackend contains settings for running runners as batch/v1 jobs.
type KubernetesBackend struct {
	Namespace      string `yaml:"namespace" mapstructure:"namespace"`
	Kubeconfig     string `yaml:"kubeconfig,omitempty" mapstructure:"kubeconfig"`
	InCluster      bool   `yaml:"in_cluster" mapstructure:"in_cluster"`
	ServiceAccount string `yaml:"service_account,omitempty" mapstructure:"service_account"`
	CPU            string `yaml:"cpu,omitempty" mapstructure:"cpu"`
	Memory         string `yaml:"memory,omitempty" mapstructure:"memory"`
}

// DockerBackend contains settings for running runners as local containers.
type DockerBackend struct {
	Network    string `yaml:"network" mapstructure:"network"`
	Memory     string `yaml:"memory,omitempty" mapstructure:"memory"`
	PullPolicy string `yaml:"pull_policy,omitempty" mapstructure:"pull_policy"`
}
