// Package config loads taskpipe settings from a YAML file and TASKPIPE_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. TASKPIPE_REDIS_ADDR
const EnvPrefix = "TASKPIPE"

// Config represents the complete taskpipe configuration
type Config struct {
	Redis     RedisConfig     `mapstructure:"redis" yaml:"redis"`
	Bus       BusConfig       `mapstructure:"bus" yaml:"bus"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Worker    WorkerConfig    `mapstructure:"worker" yaml:"worker"`
	Retry     RetryConfig     `mapstructure:"retry" yaml:"retry"`
	Crawl     CrawlConfig     `mapstructure:"crawl" yaml:"crawl"`
	Index     IndexConfig     `mapstructure:"index" yaml:"index"`
	LLM       LLMConfig       `mapstructure:"llm" yaml:"llm"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts" yaml:"artifacts"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Chaos     ChaosConfig     `mapstructure:"chaos" yaml:"chaos"`
}

// RedisConfig is the connection used by the redis bus
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
	// MaxLen approximately caps each stream. Zero keeps everything.
	MaxLen int64 `mapstructure:"max_len" yaml:"max_len"`
}

// BusConfig selects the message bus and how workers read from it
type BusConfig struct {
	// Driver is "redis" or "memory"
	Driver          string        `mapstructure:"driver" yaml:"driver"`
	Group           string        `mapstructure:"group" yaml:"group"`
	BatchSize       int           `mapstructure:"batch_size" yaml:"batch_size"`
	BlockTimeout    time.Duration `mapstructure:"block_timeout" yaml:"block_timeout"`
	ReclaimInterval time.Duration `mapstructure:"reclaim_interval" yaml:"reclaim_interval"`
	ReclaimMinIdle  time.Duration `mapstructure:"reclaim_min_idle" yaml:"reclaim_min_idle"`
	MaxDeliveries   int           `mapstructure:"max_deliveries" yaml:"max_deliveries"`
	DeadLetterTopic string        `mapstructure:"dead_letter_topic" yaml:"dead_letter_topic"`
}

// StoreConfig selects the checkpoint store
type StoreConfig struct {
	// Driver is "sqlite", "postgres", "file" or "memory"
	Driver string `mapstructure:"driver" yaml:"driver"`
	DSN    string `mapstructure:"dsn" yaml:"dsn"`
	// Dir is used by the file driver
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// WorkerConfig controls the stage workers
type WorkerConfig struct {
	Replicas      int           `mapstructure:"replicas" yaml:"replicas"`
	MaxDepth      int           `mapstructure:"max_depth" yaml:"max_depth"`
	CommitTimeout time.Duration `mapstructure:"commit_timeout" yaml:"commit_timeout"`
	// StageLogDir enables per-task JSONL stage logs when set
	StageLogDir string `mapstructure:"stage_log_dir" yaml:"stage_log_dir"`
}

// RetryConfig configures retries of calls to external services
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries" yaml:"max_retries"`
	BaseWait   time.Duration `mapstructure:"base_wait" yaml:"base_wait"`
	MaxWait    time.Duration `mapstructure:"max_wait" yaml:"max_wait"`
	Backoff    float64       `mapstructure:"backoff" yaml:"backoff"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// CrawlConfig controls the data sources
type CrawlConfig struct {
	Concurrency      int    `mapstructure:"concurrency" yaml:"concurrency"`
	PubMedResults    int    `mapstructure:"pubmed_results" yaml:"pubmed_results"`
	ArXivResults     int    `mapstructure:"arxiv_results" yaml:"arxiv_results"`
	GitHubRepos      int    `mapstructure:"github_repos" yaml:"github_repos"`
	GitHubToken      string `mapstructure:"github_token" yaml:"github_token"`
	TrialsResults    int    `mapstructure:"trials_results" yaml:"trials_results"`
	WebSearchResults int    `mapstructure:"web_search_results" yaml:"web_search_results"`
}

// IndexConfig selects the vector store
type IndexConfig struct {
	// Driver is "memory" or "chroma"
	Driver          string  `mapstructure:"driver" yaml:"driver"`
	ChromaURL       string  `mapstructure:"chroma_url" yaml:"chroma_url"`
	Namespace       string  `mapstructure:"namespace" yaml:"namespace"`
	MemoryNamespace string  `mapstructure:"memory_namespace" yaml:"memory_namespace"`
	MemoryThreshold float64 `mapstructure:"memory_threshold" yaml:"memory_threshold"`
	TopK            int     `mapstructure:"top_k" yaml:"top_k"`
	ChunkSize       int     `mapstructure:"chunk_size" yaml:"chunk_size"`
	ChunkOverlap    int     `mapstructure:"chunk_overlap" yaml:"chunk_overlap"`
}

// LLMConfig selects the report model and embedder
type LLMConfig struct {
	// Provider is "none" or "openai"
	Provider       string `mapstructure:"provider" yaml:"provider"`
	Model          string `mapstructure:"model" yaml:"model"`
	EmbeddingModel string `mapstructure:"embedding_model" yaml:"embedding_model"`
	APIKey         string `mapstructure:"api_key" yaml:"api_key"`
	BaseURL        string `mapstructure:"base_url" yaml:"base_url"`
}

// ArtifactsConfig controls where reports are written
type ArtifactsConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// LoggingConfig controls log output
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	// Format is "text" or "json"
	Format string `mapstructure:"format" yaml:"format"`
}

// ChaosConfig injects source failures for resilience testing
type ChaosConfig struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	FailureRate float64 `mapstructure:"failure_rate" yaml:"failure_rate"`
}

// Default returns the configuration used when nothing is overridden
func Default() *Config {
	return &Config{
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Bus: BusConfig{
			Driver:          "redis",
			Group:           "group_main",
			BatchSize:       1,
			BlockTimeout:    5 * time.Second,
			ReclaimInterval: 30 * time.Second,
			ReclaimMinIdle:  time.Minute,
			MaxDeliveries:   5,
			DeadLetterTopic: "stream:deadletter",
		},
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    "taskpipe.db",
		},
		Worker: WorkerConfig{
			Replicas:      1,
			MaxDepth:      10,
			CommitTimeout: 10 * time.Second,
		},
		Retry: RetryConfig{
			MaxRetries: 3,
			BaseWait:   time.Second,
			MaxWait:    30 * time.Second,
			Backoff:    1.5,
			Timeout:    20 * time.Second,
		},
		Crawl: CrawlConfig{
			Concurrency:      5,
			PubMedResults:    10,
			ArXivResults:     20,
			GitHubRepos:      1,
			TrialsResults:    5,
			WebSearchResults: 5,
		},
		Index: IndexConfig{
			Driver:          "memory",
			ChromaURL:       "http://localhost:8000",
			Namespace:       "research_docs",
			MemoryNamespace: "task_memory",
			MemoryThreshold: 0.7,
			TopK:            5,
			ChunkSize:       300,
			ChunkOverlap:    30,
		},
		LLM: LLMConfig{
			Provider:       "none",
			Model:          "gpt-4o-mini",
			EmbeddingModel: "text-embedding-3-small",
		},
		Artifacts: ArtifactsConfig{
			Dir: "reports",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Chaos: ChaosConfig{
			FailureRate: 0.5,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.max_len", d.Redis.MaxLen)

	v.SetDefault("bus.driver", d.Bus.Driver)
	v.SetDefault("bus.group", d.Bus.Group)
	v.SetDefault("bus.batch_size", d.Bus.BatchSize)
	v.SetDefault("bus.block_timeout", d.Bus.BlockTimeout)
	v.SetDefault("bus.reclaim_interval", d.Bus.ReclaimInterval)
	v.SetDefault("bus.reclaim_min_idle", d.Bus.ReclaimMinIdle)
	v.SetDefault("bus.max_deliveries", d.Bus.MaxDeliveries)
	v.SetDefault("bus.dead_letter_topic", d.Bus.DeadLetterTopic)

	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.dsn", d.Store.DSN)
	v.SetDefault("store.dir", d.Store.Dir)

	v.SetDefault("worker.replicas", d.Worker.Replicas)
	v.SetDefault("worker.max_depth", d.Worker.MaxDepth)
	v.SetDefault("worker.commit_timeout", d.Worker.CommitTimeout)
	v.SetDefault("worker.stage_log_dir", d.Worker.StageLogDir)

	v.SetDefault("retry.max_retries", d.Retry.MaxRetries)
	v.SetDefault("retry.base_wait", d.Retry.BaseWait)
	v.SetDefault("retry.max_wait", d.Retry.MaxWait)
	v.SetDefault("retry.backoff", d.Retry.Backoff)
	v.SetDefault("retry.timeout", d.Retry.Timeout)

	v.SetDefault("crawl.concurrency", d.Crawl.Concurrency)
	v.SetDefault("crawl.pubmed_results", d.Crawl.PubMedResults)
	v.SetDefault("crawl.arxiv_results", d.Crawl.ArXivResults)
	v.SetDefault("crawl.github_repos", d.Crawl.GitHubRepos)
	v.SetDefault("crawl.trials_results", d.Crawl.TrialsResults)
	v.SetDefault("crawl.web_search_results", d.Crawl.WebSearchResults)

	v.SetDefault("index.driver", d.Index.Driver)
	v.SetDefault("index.chroma_url", d.Index.ChromaURL)
	v.SetDefault("index.namespace", d.Index.Namespace)
	v.SetDefault("index.memory_namespace", d.Index.MemoryNamespace)
	v.SetDefault("index.memory_threshold", d.Index.MemoryThreshold)
	v.SetDefault("index.top_k", d.Index.TopK)
	v.SetDefault("index.chunk_size", d.Index.ChunkSize)
	v.SetDefault("index.chunk_overlap", d.Index.ChunkOverlap)

	v.SetDefault("llm.provider", d.LLM.Provider)
	v.SetDefault("llm.model", d.LLM.Model)
	v.SetDefault("llm.embedding_model", d.LLM.EmbeddingModel)
	v.SetDefault("llm.base_url", d.LLM.BaseURL)

	v.SetDefault("artifacts.dir", d.Artifacts.Dir)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)

	v.SetDefault("chaos.enabled", d.Chaos.Enabled)
	v.SetDefault("chaos.failure_rate", d.Chaos.FailureRate)
}

// Load reads the configuration. An empty path searches for taskpipe.yaml in
// the working directory and ConfigDir; a missing file is not an error then.
// Environment variables override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Secrets also honor the variables their services document
	if err := v.BindEnv("crawl.github_token", EnvPrefix+"_CRAWL_GITHUB_TOKEN", "GITHUB_TOKEN"); err != nil {
		return nil, err
	}
	if err := v.BindEnv("llm.api_key", EnvPrefix+"_LLM_API_KEY", "OPENAI_API_KEY"); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("taskpipe")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(ConfigDir())
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}
	return &cfg, nil
}

// ConfigDir returns the user's taskpipe configuration directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "taskpipe")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".taskpipe"
	}
	return filepath.Join(home, ".config", "taskpipe")
}
