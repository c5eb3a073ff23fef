// Package config loads medkb configuration from YAML with sane defaults.
package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultCollection is the versioned Qdrant collection shared by ingestion
// and retrieval. Both sides must read it from here; if the names drift,
// retrieval silently sees an empty index.
const DefaultCollection = "medkb_chunks_v1"

// QdrantConfig contains connection details for the vector store.
type QdrantConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Collection         string `yaml:"collection"`
	ConnectTimeoutSecs int    `yaml:"connect_timeout_secs"`
	RequestTimeoutSecs int    `yaml:"request_timeout_secs"`
}

// EmbeddingConfig configures the local OpenAI-compatible embedding server.
type EmbeddingConfig struct {
	BaseURL            string `yaml:"base_url"`
	APIKeyEnv          string `yaml:"api_key_env"`
	Model              string `yaml:"model"`
	Dimension          int    `yaml:"dimension"`
	BatchSize          int    `yaml:"batch_size"`
	BatchIntervalMs    int    `yaml:"batch_interval_ms"`
	RequestTimeoutSecs int    `yaml:"request_timeout_secs"`
	CacheSize          int    `yaml:"cache_size"`
}

// ChunkingConfig configures how extracted text is split into chunks.
type ChunkingConfig struct {
	MinChars int `yaml:"min_chars"`
}

// IngestConfig configures upload handling and job bookkeeping.
type IngestConfig struct {
	MaxUploadMB        int  `yaml:"max_upload_mb"`
	CompletedTTLMins   int  `yaml:"completed_ttl_mins"`
	SweepEveryMins     int  `yaml:"sweep_every_mins"`
	AllowTestMode      bool `yaml:"allow_test_mode"`
	TestModeWindowSecs int  `yaml:"test_mode_window_secs"`
}

// Config is the root configuration.
type Config struct {
	DataDir   string          `yaml:"data_dir"`
	Qdrant    QdrantConfig    `yaml:"qdrant"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Ingest    IngestConfig    `yaml:"ingest"`
}

// Load reads a config from path. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = "data/sources"
	}
	if cfg.Qdrant.Host == "" {
		cfg.Qdrant.Host = "localhost"
	}
	if cfg.Qdrant.Port == 0 {
		cfg.Qdrant.Port = 6334
	}
	if cfg.Qdrant.Collection == "" {
		cfg.Qdrant.Collection = DefaultCollection
	}
	if cfg.Qdrant.ConnectTimeoutSecs == 0 {
		cfg.Qdrant.ConnectTimeoutSecs = 5
	}
	if cfg.Qdrant.RequestTimeoutSecs == 0 {
		cfg.Qdrant.RequestTimeoutSecs = 30
	}
	if cfg.Embedding.BaseURL == "" {
		cfg.Embedding.BaseURL = "http://localhost:8081/v1"
	}
	if cfg.Embedding.APIKeyEnv == "" {
		cfg.Embedding.APIKeyEnv = "MEDKB_EMBED_API_KEY"
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "BAAI/bge-large-en-v1.5"
	}
	if cfg.Embedding.Dimension == 0 {
		cfg.Embedding.Dimension = 1024
	}
	if cfg.Embedding.BatchSize == 0 {
		cfg.Embedding.BatchSize = 10
	}
	if cfg.Embedding.BatchIntervalMs == 0 {
		cfg.Embedding.BatchIntervalMs = 200
	}
	if cfg.Embedding.RequestTimeoutSecs == 0 {
		cfg.Embedding.RequestTimeoutSecs = 30
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 2048
	}
	if cfg.Chunking.MinChars == 0 {
		cfg.Chunking.MinChars = 50
	}
	if cfg.Ingest.MaxUploadMB == 0 {
		cfg.Ingest.MaxUploadMB = 50
	}
	if cfg.Ingest.CompletedTTLMins == 0 {
		cfg.Ingest.CompletedTTLMins = 10
	}
	if cfg.Ingest.SweepEveryMins == 0 {
		cfg.Ingest.SweepEveryMins = 5
	}
	if cfg.Ingest.TestModeWindowSecs == 0 {
		cfg.Ingest.TestModeWindowSecs = 15
	}
}

// ConnectTimeout returns the vector-store connection deadline.
func (q QdrantConfig) ConnectTimeout() time.Duration {
	return time.Duration(q.ConnectTimeoutSecs) * time.Second
}

// RequestTimeout bounds individual vector-store calls.
func (q QdrantConfig) RequestTimeout() time.Duration {
	return time.Duration(q.RequestTimeoutSecs) * time.Second
}

// RequestTimeout bounds individual embedding calls.
func (e EmbeddingConfig) RequestTimeout() time.Duration {
	return time.Duration(e.RequestTimeoutSecs) * time.Second
}

// BatchInterval is the throttling delay between embedding batches.
func (e EmbeddingConfig) BatchInterval() time.Duration {
	return time.Duration(e.BatchIntervalMs) * time.Millisecond
}

// MaxUploadBytes is the upload size cap.
func (i IngestConfig) MaxUploadBytes() int64 {
	return int64(i.MaxUploadMB) * 1024 * 1024
}

// CompletedTTL is how long terminal job entries stay visible to pollers.
func (i IngestConfig) CompletedTTL() time.Duration {
	return time.Duration(i.CompletedTTLMins) * time.Minute
}

// TestModeWindow is the synthetic progress duration for test-mode jobs.
func (i IngestConfig) TestModeWindow() time.Duration {
	return time.Duration(i.TestModeWindowSecs) * time.Second
}
