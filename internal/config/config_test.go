package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "memory", cfg.Cache.Driver)
	assert.Equal(t, 1536, cfg.Embedding.Dimension)
	assert.Equal(t, "free", cfg.Usage.DefaultPlan)
	assert.False(t, cfg.Testing)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := []byte(`
server:
  port: 9100
database:
  driver: postgres
  postgres:
    dsn: postgres://mv:mv@localhost:5432/mindvault?sslmode=disable
retrieval:
  sparse_weight: 0.5
usage:
  default_plan: pro
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 0.5, cfg.Retrieval.SparseWeight)
	assert.Equal(t, "pro", cfg.Usage.DefaultPlan)
	// Untouched sections keep their defaults.
	assert.Equal(t, 50, cfg.Retrieval.SparseTopK)
	assert.Equal(t, 2000, cfg.Ingestion.ParentTokens)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "sqlite:/tmp/override.db")
	t.Setenv("ORACLE_API_KEY", "sk-test")
	t.Setenv("TESTING", "true")
	t.Setenv("DEFAULT_PLAN", "enterprise")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "/tmp/override.db", cfg.Database.SQLite.Path)
	assert.Equal(t, "sk-test", cfg.Oracle.APIKey)
	assert.True(t, cfg.Testing)
	assert.Equal(t, "enterprise", cfg.Usage.DefaultPlan)
}

func TestQueueDSNFallsBackToDatabase(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, cfg.DatabaseDSN(), cfg.QueueDSN())

	cfg.Queue.DSN = "postgres://queue-host/jobs"
	assert.Equal(t, "postgres://queue-host/jobs", cfg.QueueDSN())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad driver", func(c *Config) { c.Database.Driver = "mysql" }},
		{"bad plan", func(c *Config) { c.Usage.DefaultPlan = "platinum" }},
		{"bad weight", func(c *Config) { c.Retrieval.SparseWeight = 1.5 }},
		{"overlap too large", func(c *Config) { c.Ingestion.ChildOverlap = 400 }},
		{"auth without secret", func(c *Config) { c.Auth.Enabled = true }},
		{"postgres without dsn", func(c *Config) { c.Database.Driver = "postgres" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
