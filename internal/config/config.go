// Package config loads and validates the service configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	sageerrors "github.com/docsage/docsage/internal/errors"
)

// Config is the root configuration record. Loaded once at startup;
// /health reports the effective values.
type Config struct {
	Server       ServerConfig       `yaml:"server" json:"server"`
	Instances    []InstanceConfig   `yaml:"instances" json:"instances"`
	Embedding    EmbeddingConfig    `yaml:"embedding" json:"embedding"`
	Models       ModelsConfig       `yaml:"models" json:"models"`
	Retrieval    RetrievalConfig    `yaml:"retrieval" json:"retrieval"`
	Rerank       RerankConfig       `yaml:"rerank" json:"rerank"`
	Confidence   ConfidenceConfig   `yaml:"confidence" json:"confidence"`
	Generation   GenerationConfig   `yaml:"generation" json:"generation"`
	WebSearch    WebSearchConfig    `yaml:"web_search" json:"web_search"`
	Health       HealthConfig       `yaml:"health" json:"health"`
	Cache        CacheConfig        `yaml:"cache" json:"cache"`
	VectorStore  VectorStoreConfig  `yaml:"vector_store" json:"vector_store"`
	Conversation ConversationConfig `yaml:"conversation" json:"conversation"`
	Logging      LoggingConfig      `yaml:"logging" json:"logging"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`

	// MetricsPort exposes Prometheus metrics on a separate listener.
	// Zero disables the metrics listener.
	MetricsPort int `yaml:"metrics_port" json:"metrics_port"`

	// ConcurrencyCapPerInstance sizes the generation semaphore:
	// cap = ConcurrencyCapPerInstance x instances carrying generation models.
	ConcurrencyCapPerInstance int `yaml:"concurrency_cap_per_instance" json:"concurrency_cap_per_instance"`
}

// InstanceConfig describes one model-server endpoint.
type InstanceConfig struct {
	Name   string   `yaml:"name" json:"name"`
	URL    string   `yaml:"url" json:"url"`
	Models []string `yaml:"models" json:"models"`
}

// EmbeddingConfig configures the embedding client and batch scheduler.
type EmbeddingConfig struct {
	Model      string `yaml:"model" json:"model"`
	Dimensions int    `yaml:"dimensions" json:"dimensions"`

	BatchSize     int `yaml:"batch_size" json:"batch_size"`
	BatchWindowMS int `yaml:"batch_window_ms" json:"batch_window_ms"`

	CacheTTLSeconds int `yaml:"cache_ttl_s" json:"cache_ttl_s"`
	CacheMaxEntries int `yaml:"cache_max_entries" json:"cache_max_entries"`
}

// ModelsConfig maps query categories to model identifiers.
// Unset roles fall back to Chat.
type ModelsConfig struct {
	Code      string `yaml:"code" json:"code"`
	Math      string `yaml:"math" json:"math"`
	Creative  string `yaml:"creative" json:"creative"`
	Technical string `yaml:"technical" json:"technical"`
	Chat      string `yaml:"chat" json:"chat"`
}

// Generative returns the distinct generation-capable model ids.
func (m ModelsConfig) Generative() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, id := range []string{m.Code, m.Math, m.Creative, m.Technical, m.Chat} {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// RetrievalConfig configures the candidate retriever.
type RetrievalConfig struct {
	TopK          int     `yaml:"top_k" json:"top_k"`
	CandidatePool int     `yaml:"candidate_pool" json:"candidate_pool"`
	Alpha         float64 `yaml:"alpha" json:"alpha"`
	Mode          string  `yaml:"mode" json:"mode"`

	CategoryFiltersEnabled bool `yaml:"category_filters_enabled" json:"category_filters_enabled"`
}

// RerankConfig configures the cross-encoder reranker client.
// An empty URL disables reranking.
type RerankConfig struct {
	URL            string `yaml:"url" json:"url"`
	TimeoutSeconds int    `yaml:"timeout_s" json:"timeout_s"`
}

// ConfidenceConfig configures the confidence scorer.
type ConfidenceConfig struct {
	Threshold float64 `yaml:"threshold" json:"threshold"`
}

// GenerationConfig configures answer synthesis.
type GenerationConfig struct {
	TimeoutSeconds   int     `yaml:"timeout_s" json:"timeout_s"`
	Temperature      float64 `yaml:"temperature" json:"temperature"`
	MaxTokens        int     `yaml:"max_tokens" json:"max_tokens"`
	MaxContextChunks int     `yaml:"max_context_chunks" json:"max_context_chunks"`

	// ContextWindowTokens is the model context window used by the
	// prompt truncation policy.
	ContextWindowTokens int `yaml:"context_window_tokens" json:"context_window_tokens"`

	// HistoryTurns is the number of past conversation turns included
	// in the prompt memory block.
	HistoryTurns int `yaml:"history_turns" json:"history_turns"`

	// Strategy selects instances for generation: least_latency,
	// least_loaded, round_robin, sticky_by_conversation.
	Strategy string `yaml:"strategy" json:"strategy"`
}

// WebSearchConfig configures the web-search fallback client.
// An empty URL disables web search.
type WebSearchConfig struct {
	URL            string `yaml:"url" json:"url"`
	TimeoutSeconds int    `yaml:"timeout_s" json:"timeout_s"`
}

// HealthConfig configures the instance health monitor.
type HealthConfig struct {
	ProbeIntervalSeconds int `yaml:"probe_interval_s" json:"probe_interval_s"`
	FailureThreshold     int `yaml:"failure_threshold" json:"failure_threshold"`
	PickWaitMS           int `yaml:"pick_wait_ms" json:"pick_wait_ms"`
}

// CacheConfig configures the answer cache.
type CacheConfig struct {
	Enabled    bool `yaml:"enabled" json:"enabled"`
	TTLSeconds int  `yaml:"ttl_s" json:"ttl_s"`
	MaxEntries int  `yaml:"max_entries" json:"max_entries"`
}

// VectorStoreConfig configures the chunk vector store.
type VectorStoreConfig struct {
	// URL is "memory" for the in-process store or host:port of a
	// Qdrant gRPC endpoint.
	URL        string `yaml:"url" json:"url"`
	Collection string `yaml:"collection" json:"collection"`
}

// ConversationConfig configures conversation persistence.
type ConversationConfig struct {
	DBPath string `yaml:"db_path" json:"db_path"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	FilePath string `yaml:"file_path" json:"file_path"`

	// MaxSizeMB caps the log file size before rotation.
	MaxSizeMB int `yaml:"max_size_mb" json:"max_size_mb"`
	// MaxFiles is how many rotated files are kept.
	MaxFiles int `yaml:"max_files" json:"max_files"`
}

// NewConfig returns a Config populated with defaults.
func NewConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                      "127.0.0.1",
			Port:                      8080,
			MetricsPort:               9091,
			ConcurrencyCapPerInstance: 2,
		},
		Embedding: EmbeddingConfig{
			Model:           "nomic-embed-text:v1.5",
			Dimensions:      768,
			BatchSize:       16,
			BatchWindowMS:   10,
			CacheTTLSeconds: 86400,
			CacheMaxEntries: 50000,
		},
		Retrieval: RetrievalConfig{
			TopK:                   10,
			CandidatePool:          50,
			Alpha:                  0.7,
			Mode:                   "hybrid",
			CategoryFiltersEnabled: true,
		},
		Rerank: RerankConfig{
			TimeoutSeconds: 3,
		},
		Confidence: ConfidenceConfig{
			Threshold: 0.3,
		},
		Generation: GenerationConfig{
			TimeoutSeconds:      45,
			Temperature:         0.3,
			MaxTokens:           1024,
			MaxContextChunks:    5,
			ContextWindowTokens: 8192,
			HistoryTurns:        6,
			Strategy:            "least_latency",
		},
		WebSearch: WebSearchConfig{
			TimeoutSeconds: 8,
		},
		Health: HealthConfig{
			ProbeIntervalSeconds: 15,
			FailureThreshold:     3,
			PickWaitMS:           50,
		},
		Cache: CacheConfig{
			Enabled:    true,
			TTLSeconds: 3600,
			MaxEntries: 10000,
		},
		VectorStore: VectorStoreConfig{
			URL:        "memory",
			Collection: "chunks",
		},
		Conversation: ConversationConfig{
			DBPath: "docsage.db",
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSizeMB: 10,
			MaxFiles:  5,
		},
	}
}

// Load reads the config file at path, merges it over defaults, applies
// environment overrides, and validates the result. An empty path loads
// defaults plus environment overrides only.
func Load(path string) (*Config, error) {
	cfg := NewConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, sageerrors.New(sageerrors.ErrCodeConfigNotFound,
					fmt.Sprintf("config file not found: %s", path), err)
			}
			return nil, sageerrors.ConfigError("failed to read config file", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, sageerrors.ConfigError("failed to parse config file", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies DOCSAGE_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DOCSAGE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("DOCSAGE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			c.Server.Port = p
		}
	}
	if v := os.Getenv("DOCSAGE_VECTOR_STORE_URL"); v != "" {
		c.VectorStore.URL = v
	}
	if v := os.Getenv("DOCSAGE_EMBEDDING_MODEL"); v != "" {
		c.Embedding.Model = v
	}
	if v := os.Getenv("DOCSAGE_RERANKER_URL"); v != "" {
		c.Rerank.URL = v
	}
	if v := os.Getenv("DOCSAGE_WEB_SEARCH_URL"); v != "" {
		c.WebSearch.URL = v
	}
	if v := os.Getenv("DOCSAGE_ALPHA"); v != "" {
		if a, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && a >= 0 && a <= 1 {
			c.Retrieval.Alpha = a
		}
	}
}

// Validate checks the configuration for field-level errors.
func (c *Config) Validate() error {
	var problems []string

	if len(c.Instances) == 0 {
		problems = append(problems, "instances: at least one model-server instance is required")
	}
	seen := make(map[string]struct{})
	for i, inst := range c.Instances {
		if inst.Name == "" {
			problems = append(problems, fmt.Sprintf("instances[%d].name: required", i))
		}
		if inst.URL == "" {
			problems = append(problems, fmt.Sprintf("instances[%d].url: required", i))
		}
		if _, dup := seen[inst.Name]; dup {
			problems = append(problems, fmt.Sprintf("instances[%d].name: duplicate %q", i, inst.Name))
		}
		seen[inst.Name] = struct{}{}
	}

	if c.Embedding.Model == "" {
		problems = append(problems, "embedding.model: required")
	}
	if c.Embedding.Dimensions <= 0 {
		problems = append(problems, "embedding.dimensions: must be positive")
	}
	if c.Embedding.BatchSize <= 0 {
		problems = append(problems, "embedding.batch_size: must be positive")
	}

	if c.Models.Chat == "" {
		problems = append(problems, "models.chat: required (general-chat fallback model)")
	}

	if c.Retrieval.Alpha < 0 || c.Retrieval.Alpha > 1 {
		problems = append(problems, "retrieval.alpha: must be in [0,1]")
	}
	if c.Retrieval.TopK <= 0 {
		problems = append(problems, "retrieval.top_k: must be positive")
	}
	if c.Retrieval.CandidatePool < c.Retrieval.TopK {
		problems = append(problems, "retrieval.candidate_pool: must be >= top_k")
	}
	switch c.Retrieval.Mode {
	case "vector_only", "lexical_only", "hybrid":
	default:
		problems = append(problems, fmt.Sprintf("retrieval.mode: unknown mode %q", c.Retrieval.Mode))
	}

	if c.Confidence.Threshold < 0 || c.Confidence.Threshold > 1 {
		problems = append(problems, "confidence.threshold: must be in [0,1]")
	}

	switch c.Generation.Strategy {
	case "least_latency", "least_loaded", "round_robin", "sticky_by_conversation":
	default:
		problems = append(problems, fmt.Sprintf("generation.strategy: unknown strategy %q", c.Generation.Strategy))
	}

	if c.VectorStore.URL == "" {
		problems = append(problems, "vector_store.url: required (\"memory\" or qdrant host:port)")
	}

	if len(problems) > 0 {
		return sageerrors.ConfigError(strings.Join(problems, "; "), nil)
	}
	return nil
}
