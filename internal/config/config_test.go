package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
prefix: acme
tenant: research
store:
  kind: postgres
  dsn: postgres://localhost/docflow
  indexes:
    _default:
      required_fields: [title]
blob:
  enabled: true
  bucket: artifacts
ingest:
  batch_size: 50
barrier:
  schedule: [0s, 250ms, 2s]
  timeout: 30s
connection_timeout: 5s
pipelines:
  Article:
    processors:
      - name: date_normalizer
        parameters:
          source: published
          target: published_at
      - name: noop
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "docflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, "acme", cfg.Prefix)
	assert.Equal(t, StorePostgres, cfg.Store.Kind)
	assert.Equal(t, []any{"title"}, cfg.Store.Indexes["_default"]["required_fields"])
	assert.True(t, cfg.Blob.Enabled)
	assert.Equal(t, 50, cfg.Ingest.BatchSize)
	assert.Equal(t, 1000, cfg.Ingest.BufferSize, "unset keys keep defaults")
	assert.Equal(t, []time.Duration{0, 250 * time.Millisecond, 2 * time.Second}, cfg.Barrier.Schedule)
	assert.Equal(t, 30*time.Second, cfg.Barrier.Timeout)
	assert.Equal(t, 5*time.Second, cfg.ConnectionTimeout)

	steps := cfg.Pipelines["Article"].Processors
	require.Len(t, steps, 2)
	assert.Equal(t, "date_normalizer", steps[0].Name)
	assert.Equal(t, "published", steps[0].Parameters["source"])
	assert.Equal(t, "noop", steps[1].Name)

	names := cfg.Names()
	assert.Equal(t, "acme/research/ingest/Article/1", names.IngestTopic("Article", "1"))
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("DOCFLOW_TENANT", "prod")
	t.Setenv("DOCFLOW_KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("DOCFLOW_BROKER", "kafka")
	t.Setenv("DOCFLOW_WORKER_LABELS", "gpu,default")
	t.Setenv("DOCFLOW_BARRIER_TIMEOUT", "90")

	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	assert.Equal(t, "prod", cfg.Tenant)
	assert.Equal(t, BrokerKafka, cfg.Broker.Kind)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Broker.Brokers)
	assert.Equal(t, []string{"gpu", "default"}, cfg.Analytic.Labels)
	assert.Equal(t, 90*time.Second, cfg.Barrier.Timeout)
}

func TestLoadMissingFiles(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err, "a missing default file is fine")
	assert.Equal(t, Default().Ingest, cfg.Ingest)

	_, err = Load("does-not-exist.yaml")
	assert.Error(t, err)

	t.Setenv("DOCFLOW_CONFIG", "also-missing.yaml")
	_, err = Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "kafka without brokers", mutate: func(c *Config) { c.Broker.Kind = BrokerKafka }, wantErr: "broker.brokers"},
		{name: "unknown store", mutate: func(c *Config) { c.Store.Kind = "sqlite" }, wantErr: "unknown store kind"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Store.Kind = StorePostgres }, wantErr: "store.dsn"},
		{name: "empty schedule", mutate: func(c *Config) { c.Barrier.Schedule = nil }, wantErr: "schedule"},
		{name: "zero last delay", mutate: func(c *Config) { c.Barrier.Schedule = []time.Duration{time.Second, 0} }, wantErr: "last barrier delay"},
		{name: "negative store timeout", mutate: func(c *Config) { c.Store.RequestTimeout = -time.Second }, wantErr: "request_timeout"},
		{name: "zero connection timeout", mutate: func(c *Config) { c.ConnectionTimeout = 0 }, wantErr: "connection_timeout"},
		{name: "zero batch", mutate: func(c *Config) { c.Ingest.BatchSize = 0 }, wantErr: "batch_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestParseError(t *testing.T) {
	_, err := Load(writeConfig(t, "ingest: [not, a, map]"))
	assert.ErrorContains(t, err, "parse")
}
