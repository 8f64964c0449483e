package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Valid enum values
var (
	BusDrivers   = []string{"redis", "memory"}
	StoreDrivers = []string{"sqlite", "postgres", "file", "memory"}
	IndexDrivers = []string{"memory", "chroma"}
	LLMProviders = []string{"none", "openai"}
	LogLevels    = []string{"debug", "info", "warn", "error"}
	LogFormats   = []string{"text", "json"}
)

// Validate checks the Config and returns every problem found
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors
	oneOf := func(field, value string, valid []string) {
		if !slices.Contains(valid, value) {
			errs = append(errs, ValidationError{field, value, "must be one of " + strings.Join(valid, ", ")})
		}
	}
	positive := func(field string, value int) {
		if value <= 0 {
			errs = append(errs, ValidationError{field, value, "must be positive"})
		}
	}
	notNegative := func(field string, value float64) {
		if value < 0 {
			errs = append(errs, ValidationError{field, value, "must not be negative"})
		}
	}

	oneOf("bus.driver", c.Bus.Driver, BusDrivers)
	if c.Bus.Driver == "redis" && c.Redis.Addr == "" {
		errs = append(errs, ValidationError{"redis.addr", c.Redis.Addr, "is required for the redis bus"})
	}
	if c.Bus.Group == "" {
		errs = append(errs, ValidationError{"bus.group", c.Bus.Group, "is required"})
	}
	positive("bus.batch_size", c.Bus.BatchSize)
	positive("bus.block_timeout", int(c.Bus.BlockTimeout))
	positive("bus.reclaim_min_idle", int(c.Bus.ReclaimMinIdle))
	notNegative("bus.max_deliveries", float64(c.Bus.MaxDeliveries))

	oneOf("store.driver", c.Store.Driver, StoreDrivers)
	if (c.Store.Driver == "sqlite" || c.Store.Driver == "postgres") && c.Store.DSN == "" {
		errs = append(errs, ValidationError{"store.dsn", c.Store.DSN, "is required for the " + c.Store.Driver + " store"})
	}

	positive("worker.replicas", c.Worker.Replicas)
	positive("worker.max_depth", c.Worker.MaxDepth)
	positive("worker.commit_timeout", int(c.Worker.CommitTimeout))

	notNegative("retry.max_retries", float64(c.Retry.MaxRetries))
	notNegative("retry.base_wait", float64(c.Retry.BaseWait))
	positive("retry.timeout", int(c.Retry.Timeout))
	if c.Retry.Backoff < 1 {
		errs = append(errs, ValidationError{"retry.backoff", c.Retry.Backoff, "must be at least 1"})
	}

	positive("crawl.concurrency", c.Crawl.Concurrency)

	oneOf("index.driver", c.Index.Driver, IndexDrivers)
	if c.Index.Driver == "chroma" && c.LLM.Provider != "openai" {
		errs = append(errs, ValidationError{"llm.provider", c.LLM.Provider, "chroma index needs the openai provider for embeddings"})
	}
	if c.Index.MemoryThreshold <= 0 || c.Index.MemoryThreshold > 1 {
		errs = append(errs, ValidationError{"index.memory_threshold", c.Index.MemoryThreshold, "must be in (0, 1]"})
	}
	positive("index.top_k", c.Index.TopK)
	positive("index.chunk_size", c.Index.ChunkSize)
	if c.Index.ChunkOverlap < 0 || c.Index.ChunkOverlap >= c.Index.ChunkSize {
		errs = append(errs, ValidationError{"index.chunk_overlap", c.Index.ChunkOverlap, "must be at least 0 and below chunk_size"})
	}

	oneOf("llm.provider", c.LLM.Provider, LLMProviders)
	if c.LLM.Provider == "openai" && c.LLM.APIKey == "" {
		errs = append(errs, ValidationError{"llm.api_key", "", "is required for the openai provider"})
	}

	oneOf("logging.level", c.Logging.Level, LogLevels)
	oneOf("logging.format", c.Logging.Format, LogFormats)

	if c.Chaos.FailureRate < 0 || c.Chaos.FailureRate > 1 {
		errs = append(errs, ValidationError{"chaos.failure_rate", c.Chaos.FailureRate, "must be between 0 and 1"})
	}
	return errs
}
