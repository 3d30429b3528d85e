package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	configPath := writeConfig(t, `
global:
  log_level: info
server:
  listen: ":9090"
database:
  driver: sqlite
  sqlite:
    path: /tmp/base.db
reports:
  last_reports_months: 4
backend:
  kind: kubernetes
  kubernetes:
    namespace: load
`)

	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name:    "no env vars uses yaml values",
			envVars: map[string]string{},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "info", cfg.Global.LogLevel)
				assert.Equal(t, ":9090", cfg.Server.Listen)
				assert.Equal(t, "/tmp/base.db", cfg.Database.SQLite.Path)
				assert.Equal(t, 4, cfg.Reports.LastReportsMonths)
				assert.Equal(t, "load", cfg.Backend.Kubernetes.Namespace)
			},
		},
		{
			name: "string override - log_level",
			envVars: map[string]string{
				"LOADOOR_GLOBAL_LOG_LEVEL": "debug",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "debug", cfg.Global.LogLevel)
			},
		},
		{
			name: "nested override - kubernetes namespace",
			envVars: map[string]string{
				"LOADOOR_BACKEND_KUBERNETES_NAMESPACE": "perf",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "perf", cfg.Backend.Kubernetes.Namespace)
			},
		},
		{
			name: "integer override - last_reports_months",
			envVars: map[string]string{
				"LOADOOR_REPORTS_LAST_REPORTS_MONTHS": "6",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 6, cfg.Reports.LastReportsMonths)
			},
		},
		{
			name: "override of key absent from file",
			envVars: map[string]string{
				"LOADOOR_BACKEND_DOCKER_NETWORK": "custom-network",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "custom-network", cfg.Backend.Docker.Network)
			},
		},
		{
			name: "boolean override - rate limit enabled",
			envVars: map[string]string{
				"LOADOOR_SERVER_RATE_LIMIT_ENABLED": "true",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.Server.RateLimit.Enabled)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load(configPath)
			require.NoError(t, err)

			tt.validate(t, cfg)
		})
	}
}

func TestLoad_DefaultsAppliedWhenEmpty(t *testing.T) {
	configPath := writeConfig(t, `
global:
  log_level: ""
`)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, DefaultLogLevel, cfg.Global.LogLevel)
	assert.Equal(t, DefaultListen, cfg.Server.Listen)
	assert.Equal(t, DefaultDatabaseDriver, cfg.Database.Driver)
	assert.Equal(t, DefaultSQLitePath, cfg.Database.SQLite.Path)
	assert.Equal(t, DefaultLastReportsMonths, cfg.Reports.LastReportsMonths)
	assert.Equal(t, DefaultJoinConcurrency, cfg.Reports.JoinConcurrency)
	assert.Equal(t, BackendKubernetes, cfg.Backend.Kind)
	assert.Equal(t, DefaultKubernetesNamespace, cfg.Backend.Kubernetes.Namespace)
	assert.Equal(t, DefaultDockerNetwork, cfg.Backend.Docker.Network)

	require.NoError(t, cfg.Validate())
}

func TestLoad_MergesFilesInOrder(t *testing.T) {
	base := writeConfig(t, `
server:
  listen: ":8081"
backend:
  kind: kubernetes
`)
	override := writeConfig(t, `
backend:
  kind: docker
`)

	cfg, err := Load(base, override)
	require.NoError(t, err)

	assert.Equal(t, ":8081", cfg.Server.Listen)
	assert.Equal(t, BackendDocker, cfg.Backend.Kind)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "server: [unterminated")

	_, err := Load(configPath)
	require.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{}
		cfg.applyDefaults()

		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(_ *Config) {},
		},
		{
			name: "unknown driver",
			mutate: func(cfg *Config) {
				cfg.Database.Driver = "cassandra"
			},
			wantErr: "unsupported database driver",
		},
		{
			name: "postgres without host",
			mutate: func(cfg *Config) {
				cfg.Database.Driver = "postgres"
				cfg.Database.Postgres.Database = "loadoor"
			},
			wantErr: "database.postgres.host is required",
		},
		{
			name: "invalid query timeout",
			mutate: func(cfg *Config) {
				cfg.Database.QueryTimeout = "soon"
			},
			wantErr: "database.query_timeout",
		},
		{
			name: "negative backend timeout",
			mutate: func(cfg *Config) {
				cfg.Backend.Timeout = "-1s"
			},
			wantErr: "backend.timeout",
		},
		{
			name: "unknown backend",
			mutate: func(cfg *Config) {
				cfg.Backend.Kind = "mesos"
			},
			wantErr: "unsupported backend kind",
		},
		{
			name: "rate limit enabled without tiers",
			mutate: func(cfg *Config) {
				cfg.Server.RateLimit.Enabled = true
			},
			wantErr: "rate limit tiers",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDatabaseConfig_QueryTimeoutDuration(t *testing.T) {
	cfg := DatabaseConfig{}

	d, err := cfg.QueryTimeoutDuration()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d)

	cfg.QueryTimeout = "250ms"

	d, err = cfg.QueryTimeoutDuration()
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)
}

func TestConfig_YAMLRedactsPassword(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.Database.Postgres.Password = "hunter2"

	out, err := cfg.YAML()
	require.NoError(t, err)

	assert.NotContains(t, string(out), "hunter2")
	assert.Contains(t, string(out), "<redacted>")
	assert.Equal(t, "hunter2", cfg.Database.Postgres.Password)
}
