package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Workspace     string              `json:"workspace" yaml:"workspace" env:"MEMSYNC_WORKSPACE" validate:"required"`
	Store         StoreConfig         `json:"store" yaml:"store"`
	Cluster       ClusterConfig       `json:"cluster" yaml:"cluster"`
	Profile       ProfileConfig       `json:"profile" yaml:"profile"`
	Sync          SyncConfig          `json:"sync" yaml:"sync"`
	Elasticsearch ElasticsearchConfig `json:"elasticsearch" yaml:"elasticsearch"`
	Vector        VectorConfig        `json:"vector" yaml:"vector"`
	Provider      ProviderConfig      `json:"provider" yaml:"provider"`
	Redis         RedisConfig         `json:"redis" yaml:"redis"`
	Worker        WorkerConfig        `json:"worker" yaml:"worker"`
	Logging       LoggingConfig       `json:"logging" yaml:"logging"`
	Metrics       MetricsConfig       `json:"metrics" yaml:"metrics"`
	Tracing       TracingConfig       `json:"tracing" yaml:"tracing"`
	mu            sync.RWMutex
}

type StoreConfig struct {
	// Path defaults to <workspace>/state/memory.db.
	Path string `json:"path" yaml:"path" env:"MEMSYNC_STORE_PATH"`
}

type ClusterConfig struct {
	SimilarityThreshold float64 `json:"similarity_threshold" yaml:"similarity_threshold" env:"MEMSYNC_CLUSTER_SIMILARITY_THRESHOLD" validate:"gt=0,lte=1"`
	MaxTimeGapDays      float64 `json:"max_time_gap_days" yaml:"max_time_gap_days" env:"MEMSYNC_CLUSTER_MAX_TIME_GAP_DAYS" validate:"gt=0"`
	HorizonDays         float64 `json:"horizon_days" yaml:"horizon_days" env:"MEMSYNC_CLUSTER_HORIZON_DAYS" validate:"gt=0"`
}

type ProfileConfig struct {
	MinMemCells   int     `json:"min_memcells" yaml:"min_memcells" env:"MEMSYNC_PROFILE_MIN_MEMCELLS" validate:"gte=1"`
	MinConfidence float64 `json:"min_confidence" yaml:"min_confidence" env:"MEMSYNC_PROFILE_MIN_CONFIDENCE" validate:"gte=0,lte=1"`
	Versioning    bool    `json:"versioning" yaml:"versioning" env:"MEMSYNC_PROFILE_VERSIONING"`
	MaxSourceIDs  int     `json:"max_source_ids" yaml:"max_source_ids" env:"MEMSYNC_PROFILE_MAX_SOURCE_IDS" validate:"gte=0"`
	Concurrency   int     `json:"concurrency" yaml:"concurrency" env:"MEMSYNC_PROFILE_CONCURRENCY" validate:"gte=1"`
}

type SyncConfig struct {
	TextEnabled        bool `json:"text_enabled" yaml:"text_enabled" env:"MEMSYNC_SYNC_TEXT_ENABLED"`
	VectorEnabled      bool `json:"vector_enabled" yaml:"vector_enabled" env:"MEMSYNC_SYNC_VECTOR_ENABLED"`
	CallTimeoutSeconds int  `json:"call_timeout_seconds" yaml:"call_timeout_seconds" env:"MEMSYNC_SYNC_CALL_TIMEOUT_SECONDS" validate:"gte=1"`
	MaxRetries         int  `json:"max_retries" yaml:"max_retries" env:"MEMSYNC_SYNC_MAX_RETRIES" validate:"gte=0"`
	GroupConcurrency   int  `json:"group_concurrency" yaml:"group_concurrency" env:"MEMSYNC_SYNC_GROUP_CONCURRENCY" validate:"gte=1"`
}

type ElasticsearchConfig struct {
	Addresses   []string `json:"addresses" yaml:"addresses" env:"MEMSYNC_ELASTICSEARCH_ADDRESSES" envSeparator:","`
	Username    string   `json:"username" yaml:"username" env:"MEMSYNC_ELASTICSEARCH_USERNAME"`
	Password    string   `json:"password,omitempty" yaml:"password,omitempty" env:"MEMSYNC_ELASTICSEARCH_PASSWORD"`
	APIKey      string   `json:"api_key,omitempty" yaml:"api_key,omitempty" env:"MEMSYNC_ELASTICSEARCH_API_KEY"`
	IndexPrefix string   `json:"index_prefix" yaml:"index_prefix" env:"MEMSYNC_ELASTICSEARCH_INDEX_PREFIX" validate:"required"`
}

type VectorConfig struct {
	// PersistDir defaults to <workspace>/state/vectors.
	PersistDir string `json:"persist_dir" yaml:"persist_dir" env:"MEMSYNC_VECTOR_PERSIST_DIR"`
	Compress   bool   `json:"compress" yaml:"compress" env:"MEMSYNC_VECTOR_COMPRESS"`
	// InMemory keeps the vector index in process memory only.
	InMemory bool `json:"in_memory" yaml:"in_memory" env:"MEMSYNC_VECTOR_IN_MEMORY"`
}

type ProviderConfig struct {
	Kind           string `json:"kind" yaml:"kind" env:"MEMSYNC_PROVIDER_KIND" validate:"oneof=local openai"`
	APIKey         string `json:"api_key,omitempty" yaml:"api_key,omitempty" env:"MEMSYNC_PROVIDER_API_KEY"`
	APIBase        string `json:"api_base" yaml:"api_base" env:"MEMSYNC_PROVIDER_API_BASE"`
	Model          string `json:"model" yaml:"model" env:"MEMSYNC_PROVIDER_MODEL"`
	EmbeddingModel string `json:"embedding_model" yaml:"embedding_model" env:"MEMSYNC_PROVIDER_EMBEDDING_MODEL"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds" env:"MEMSYNC_PROVIDER_TIMEOUT_SECONDS" validate:"gte=1"`
	MaxRetries     int    `json:"max_retries" yaml:"max_retries" env:"MEMSYNC_PROVIDER_MAX_RETRIES" validate:"gte=0"`
	CacheEntries   int64  `json:"cache_entries" yaml:"cache_entries" env:"MEMSYNC_PROVIDER_CACHE_ENTRIES" validate:"gte=0"`
}

type RedisConfig struct {
	// URL enables the distributed group lock, e.g. redis://localhost:6379/0.
	URL            string `json:"url" yaml:"url" env:"MEMSYNC_REDIS_URL"`
	LockTTLSeconds int    `json:"lock_ttl_seconds" yaml:"lock_ttl_seconds" env:"MEMSYNC_REDIS_LOCK_TTL_SECONDS" validate:"gte=1"`
	KeyPrefix      string `json:"key_prefix" yaml:"key_prefix" env:"MEMSYNC_REDIS_KEY_PREFIX"`
}

type WorkerConfig struct {
	PollMS        int    `json:"poll_ms" yaml:"poll_ms" env:"MEMSYNC_WORKER_POLL_MS" validate:"gte=10"`
	LeaseSeconds  int    `json:"lease_seconds" yaml:"lease_seconds" env:"MEMSYNC_WORKER_LEASE_SECONDS" validate:"gte=1"`
	MaxAttempts   int    `json:"max_attempts" yaml:"max_attempts" env:"MEMSYNC_WORKER_MAX_ATTEMPTS" validate:"gte=1"`
	PruneSchedule string `json:"prune_schedule" yaml:"prune_schedule" env:"MEMSYNC_WORKER_PRUNE_SCHEDULE"`
}

type LoggingConfig struct {
	Level       string `json:"level" yaml:"level" env:"MEMSYNC_LOG_LEVEL" validate:"oneof=debug info warn error"`
	Format      string `json:"format" yaml:"format" env:"MEMSYNC_LOG_FORMAT" validate:"oneof=json console"`
	Development bool   `json:"development" yaml:"development" env:"MEMSYNC_LOG_DEVELOPMENT"`
}

type MetricsConfig struct {
	Addr string `json:"addr" yaml:"addr" env:"MEMSYNC_METRICS_ADDR"`
}

type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled" env:"MEMSYNC_TRACING_ENABLED"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint" env:"MEMSYNC_TRACING_ENDPOINT"`
	SampleRatio float64 `json:"sample_ratio" yaml:"sample_ratio" env:"MEMSYNC_TRACING_SAMPLE_RATIO" validate:"gte=0,lte=1"`
}

func DefaultConfig() *Config {
	return &Config{
		Workspace: "~/.memsync",
		Cluster: ClusterConfig{
			SimilarityThreshold: 0.3,
			MaxTimeGapDays:      7,
			HorizonDays:         90,
		},
		Profile: ProfileConfig{
			MinMemCells:   3,
			MinConfidence: 0.6,
			Versioning:    true,
			MaxSourceIDs:  200,
			Concurrency:   4,
		},
		Sync: SyncConfig{
			TextEnabled:        true,
			VectorEnabled:      true,
			CallTimeoutSeconds: 10,
			MaxRetries:         3,
			GroupConcurrency:   4,
		},
		Elasticsearch: ElasticsearchConfig{
			Addresses:   []string{"http://localhost:9200"},
			IndexPrefix: "memsync",
		},
		Provider: ProviderConfig{
			Kind:           "local",
			APIBase:        "https://api.openai.com/v1",
			Model:          "gpt-4o-mini",
			EmbeddingModel: "text-embedding-3-small",
			TimeoutSeconds: 30,
			MaxRetries:     2,
			CacheEntries:   10_000,
		},
		Redis: RedisConfig{
			LockTTLSeconds: 120,
			KeyPrefix:      "memsync:lock:",
		},
		Worker: WorkerConfig{
			PollMS:        800,
			LeaseSeconds:  60,
			MaxAttempts:   8,
			PruneSchedule: "@daily",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Addr: ":9464",
		},
		Tracing: TracingConfig{
			SampleRatio: 1,
		},
	}
}

// LoadConfig reads a JSON or YAML file (by extension) over the defaults,
// applies MEMSYNC_* environment overrides and validates the result. A
// missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse yaml config: %w", err)
			}
		default:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse json config: %w", err)
			}
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Provider.Kind == "openai" && c.Provider.APIKey == "" {
		return fmt.Errorf("invalid config: provider.api_key is required for the openai provider")
	}
	return nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Workspace)
}

func (c *Config) StorePath() string {
	c.mu.RLock()
	path := c.Store.Path
	c.mu.RUnlock()
	if path != "" {
		return expandHome(path)
	}
	return filepath.Join(c.WorkspacePath(), "state", "memory.db")
}

// VectorPersistPath returns "" when the vector index lives in memory.
func (c *Config) VectorPersistPath() string {
	c.mu.RLock()
	path, inMemory := c.Vector.PersistDir, c.Vector.InMemory
	c.mu.RUnlock()
	switch {
	case inMemory:
		return ""
	case path != "":
		return expandHome(path)
	}
	return filepath.Join(c.WorkspacePath(), "state", "vectors")
}

func (c *Config) MaxTimeGap() time.Duration {
	return days(c.Cluster.MaxTimeGapDays)
}

func (c *Config) Horizon() time.Duration {
	return days(c.Cluster.HorizonDays)
}

func (c *Config) SyncCallTimeout() time.Duration {
	return time.Duration(c.Sync.CallTimeoutSeconds) * time.Second
}

func (c *Config) ProviderTimeout() time.Duration {
	return time.Duration(c.Provider.TimeoutSeconds) * time.Second
}

func days(n float64) time.Duration {
	return time.Duration(n * float64(24*time.Hour))
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
