// Package config loads docflow settings from a YAML file, with environment
// variables taking precedence over file values.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"docflow/internal/env"
	"docflow/internal/keys"
	"docflow/internal/pipeline"
	"docflow/internal/storage"
)

// DefaultPath is read when DOCFLOW_CONFIG is unset. It may be absent.
const DefaultPath = "docflow.yaml"

// Broker kinds.
const (
	BrokerMemory = "memory"
	BrokerKafka  = "kafka"
)

// Store kinds.
const (
	StorePostgres = "postgres"
	StoreBadger   = "badger"
)

type Config struct {
	Prefix            string          `yaml:"prefix"`
	Tenant            string          `yaml:"tenant"`
	Topics            TopicsConfig    `yaml:"topics"`
	Broker            BrokerConfig    `yaml:"broker"`
	Store             StoreConfig     `yaml:"store"`
	Blob              storage.Config  `yaml:"blob"`
	Ingest            IngestConfig    `yaml:"ingest"`
	Analytic          AnalyticConfig  `yaml:"analytic"`
	Barrier           BarrierConfig   `yaml:"barrier"`
	ConnectionTimeout time.Duration   `yaml:"connection_timeout"`
	Schema            SchemaConfig    `yaml:"schema"`
	Pipelines         pipeline.Config `yaml:"pipelines"`
}

type TopicsConfig struct {
	Ingest  string `yaml:"ingest"`
	Sink    string `yaml:"sink"`
	Sinklog string `yaml:"sinklog"`
}

type BrokerConfig struct {
	Kind    string   `yaml:"kind"`
	Brokers []string `yaml:"brokers"`
}

type StoreConfig struct {
	Kind string `yaml:"kind"`
	DSN  string `yaml:"dsn"`
	// Path is the badger directory; empty keeps data in memory.
	Path            string                    `yaml:"path"`
	TimePartitioned bool                      `yaml:"time_partitioned"`
	FlushInterval   time.Duration             `yaml:"flush_interval"`
	// RequestTimeout bounds each store call; zero leaves calls unbounded.
	RequestTimeout  time.Duration             `yaml:"request_timeout"`
	Indexes         map[string]map[string]any `yaml:"indexes"`
}

type IngestConfig struct {
	BufferSize     int           `yaml:"buffer_size"`
	BufferTimeout  time.Duration `yaml:"buffer_timeout"`
	Workers        int           `yaml:"workers"`
	BatchSize      int           `yaml:"batch_size"`
	DeliveryBuffer int           `yaml:"delivery_buffer"`
}

type AnalyticConfig struct {
	Workers int      `yaml:"workers"`
	Labels  []string `yaml:"labels"`
}

type BarrierConfig struct {
	Schedule []time.Duration `yaml:"schedule"`
	Timeout  time.Duration   `yaml:"timeout"`
}

type SchemaConfig struct {
	Dir string `yaml:"dir"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Prefix: "docflow",
		Tenant: "default",
		Topics: TopicsConfig{Ingest: "ingest", Sink: "sink", Sinklog: "sinklog"},
		Broker: BrokerConfig{Kind: BrokerMemory},
		Store:  StoreConfig{Kind: StoreBadger, FlushInterval: 2 * time.Second, RequestTimeout: 30 * time.Second},
		Ingest: IngestConfig{
			BufferSize:     1000,
			BufferTimeout:  time.Second,
			Workers:        8,
			BatchSize:      1000,
			DeliveryBuffer: 100000,
		},
		Analytic: AnalyticConfig{Workers: 10, Labels: []string{"default"}},
		Barrier: BarrierConfig{
			Schedule: []time.Duration{0, time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second},
			Timeout:  600 * time.Second,
		},
		ConnectionTimeout: 60 * time.Second,
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path means DOCFLOW_CONFIG, then DefaultPath; only an explicitly
// named file must exist.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = os.Getenv("DOCFLOW_CONFIG")
		explicit = path != ""
	}
	if path == "" {
		path = DefaultPath
	}

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}

	cfg.applyEnv()
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() {
	c.Prefix = env.GetEnv("DOCFLOW_PREFIX", c.Prefix)
	c.Tenant = env.GetEnv("DOCFLOW_TENANT", c.Tenant)

	c.Broker.Kind = env.GetEnv("DOCFLOW_BROKER", c.Broker.Kind)
	c.Broker.Brokers = env.GetEnvList("DOCFLOW_KAFKA_BROKERS", c.Broker.Brokers)

	c.Store.Kind = env.GetEnv("DOCFLOW_STORE", c.Store.Kind)
	c.Store.DSN = env.GetEnv("DOCFLOW_POSTGRES_DSN", c.Store.DSN)
	c.Store.Path = env.GetEnv("DOCFLOW_STORE_PATH", c.Store.Path)
	c.Store.TimePartitioned = env.GetEnvBool("DOCFLOW_TIME_PARTITIONED", c.Store.TimePartitioned)
	c.Store.RequestTimeout = env.GetEnvDuration("DOCFLOW_STORE_TIMEOUT", c.Store.RequestTimeout)

	c.Blob.Enabled = env.GetEnvBool("DOCFLOW_BLOB_ENABLED", c.Blob.Enabled)
	c.Blob.Endpoint = env.GetEnv("MINIO_ENDPOINT", c.Blob.Endpoint)
	c.Blob.AccessKey = env.GetEnv("MINIO_ACCESS_KEY", c.Blob.AccessKey)
	c.Blob.SecretKey = env.GetEnv("MINIO_SECRET_KEY", c.Blob.SecretKey)
	c.Blob.Bucket = env.GetEnv("MINIO_BUCKET", c.Blob.Bucket)
	c.Blob.Location = env.GetEnv("MINIO_LOCATION", c.Blob.Location)
	c.Blob.Secure = env.GetEnvBool("MINIO_USE_SSL", c.Blob.Secure)
	c.Blob.CacheDir = env.GetEnv("DOCFLOW_CACHE_DIR", c.Blob.CacheDir)

	c.Ingest.BufferSize = env.GetEnvInt("DOCFLOW_INGEST_BUFFER_SIZE", c.Ingest.BufferSize)
	c.Ingest.Workers = env.GetEnvInt("DOCFLOW_INGEST_WORKERS", c.Ingest.Workers)
	c.Ingest.BatchSize = env.GetEnvInt("DOCFLOW_BATCH_SIZE", c.Ingest.BatchSize)

	c.Analytic.Workers = env.GetEnvInt("DOCFLOW_ANALYTIC_WORKERS", c.Analytic.Workers)
	c.Analytic.Labels = env.GetEnvList("DOCFLOW_WORKER_LABELS", c.Analytic.Labels)

	c.Barrier.Timeout = env.GetEnvDuration("DOCFLOW_BARRIER_TIMEOUT", c.Barrier.Timeout)
	c.ConnectionTimeout = env.GetEnvDuration("DOCFLOW_CONNECTION_TIMEOUT", c.ConnectionTimeout)
	c.Schema.Dir = env.GetEnv("DOCFLOW_SCHEMA_DIR", c.Schema.Dir)
}

// Validate rejects settings the components cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Prefix == "" || c.Tenant == "" {
		errs = append(errs, errors.New("prefix and tenant must be set"))
	}
	switch c.Broker.Kind {
	case BrokerMemory:
	case BrokerKafka:
		if len(c.Broker.Brokers) == 0 {
			errs = append(errs, errors.New("kafka broker needs broker.brokers"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown broker kind %q", c.Broker.Kind))
	}
	switch c.Store.Kind {
	case StoreBadger:
	case StorePostgres:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("postgres store needs store.dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store kind %q", c.Store.Kind))
	}
	if c.Store.RequestTimeout < 0 {
		errs = append(errs, errors.New("store.request_timeout must not be negative"))
	}
	if c.ConnectionTimeout <= 0 {
		errs = append(errs, errors.New("connection_timeout must be positive"))
	}
	if c.Ingest.BatchSize <= 0 || c.Ingest.BufferSize <= 0 || c.Ingest.Workers <= 0 {
		errs = append(errs, errors.New("ingest batch_size, buffer_size and workers must be positive"))
	}
	if c.Analytic.Workers <= 0 {
		errs = append(errs, errors.New("analytic.workers must be positive"))
	}
	if len(c.Barrier.Schedule) == 0 || c.Barrier.Timeout <= 0 {
		errs = append(errs, errors.New("barrier needs a schedule and a positive timeout"))
	} else if c.Barrier.Schedule[len(c.Barrier.Schedule)-1] <= 0 {
		errs = append(errs, errors.New("the last barrier delay repeats and must be positive"))
	}
	for docType, tc := range c.Pipelines {
		for i, step := range tc.Processors {
			if step.Name == "" {
				errs = append(errs, fmt.Errorf("pipelines.%s.processors[%d]: name is required", docType, i))
			}
		}
	}
	return errors.Join(errs...)
}

// Names derives topic and collection naming.
func (c Config) Names() keys.Names {
	return keys.Names{
		Prefix:          c.Prefix,
		Tenant:          c.Tenant,
		Ingest:          c.Topics.Ingest,
		Sink:            c.Topics.Sink,
		Sinklog:         c.Topics.Sinklog,
		TimePartitioned: c.Store.TimePartitioned,
	}
}
