// Package config loads the tuning knobs and per-entity definitions the
// session/memory core consumes (spec §6 "Environment"). It follows the
// yaml-tag-annotated struct + environment-override idiom used throughout
// the wider agent platform this package was adapted from.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EntityConfig describes one AI identity: its own memory index, label,
// default model, and optional system prompt.
type EntityConfig struct {
	IndexName    string `yaml:"index_name"`
	Label        string `yaml:"label"`
	Description  string `yaml:"description"`
	Provider     string `yaml:"provider"`
	DefaultModel string `yaml:"default_model"`
	Host         string `yaml:"host"`
	SystemPrompt string `yaml:"system_prompt"`
}

// RankerConfig holds the Memory Ranker's tuning knobs (spec §4.3).
type RankerConfig struct {
	SimilarityThreshold      float64 `yaml:"similarity_threshold"`
	RetrievalTopK            int     `yaml:"retrieval_top_k"`             // STEADY_K
	InitialRetrievalTopK     int     `yaml:"initial_retrieval_top_k"`     // INITIAL_K
	CandidatesPerQuery       int     `yaml:"candidates_per_query"`        // K_per_query
	SignificanceHalfLifeDays float64 `yaml:"significance_half_life_days"` // H
	RecencyBoostStrength     float64 `yaml:"recency_boost_strength"`      // S
	SignificanceFloor        float64 `yaml:"significance_floor"`         // epsilon
}

// SessionConfig holds Session-level budgets (spec §4.4, §4.6).
type SessionConfig struct {
	MemoryTokenLimit        int `yaml:"memory_token_limit"`
	ContextTokenLimit       int `yaml:"context_token_limit"`
	ToolUseMaxIterations    int `yaml:"tool_use_max_iterations"`
	ConsolidateMinCachedTok int `yaml:"consolidate_min_cached_tokens"` // 1024 in spec prose
	ConsolidateMaxNewTok    int `yaml:"consolidate_max_new_tokens"`    // 2048 in spec prose
}

// ObsConfig configures the observability stack (logging + OTel).
type ObsConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Environment    string `yaml:"environment"`
	LogLevel       string `yaml:"log_level"`
	LogFile        string `yaml:"log_file"`
	OTLP           string `yaml:"otlp_endpoint"`
}

// StoreConfig configures the Memory Store Adapter's backend (spec §4.2).
type StoreConfig struct {
	QdrantDSN      string        `yaml:"qdrant_dsn"`
	VectorDim      int           `yaml:"vector_dimension"`
	VectorMetric   string        `yaml:"vector_metric"`
	SearchCacheTTL time.Duration `yaml:"search_cache_ttl"`
	RedisAddr      string        `yaml:"redis_addr"`
}

// ToolsConfig configures the opaque web_search/page_fetch tools (spec
// §4.8). Empty SearXNGURL leaves both tools unregistered.
type ToolsConfig struct {
	SearXNGURL string `yaml:"searxng_url"`
}

// PersistenceConfig configures the database-of-record connection.
type PersistenceConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
}

// Config is the top-level configuration for the session/memory core.
type Config struct {
	Entities      []EntityConfig    `yaml:"entities"`
	DefaultEntity string            `yaml:"default_entity"`
	Ranker        RankerConfig      `yaml:"ranker"`
	Session       SessionConfig     `yaml:"session"`
	Observability ObsConfig         `yaml:"observability"`
	Store         StoreConfig       `yaml:"store"`
	Persistence   PersistenceConfig `yaml:"persistence"`
	Tools         ToolsConfig       `yaml:"tools"`
	ProviderKeys  map[string]string `yaml:"-"` // populated from env, never serialised
	HTTPAddr      string            `yaml:"http_addr"`
}

// Defaults returns a Config populated with the defaults spec.md names
// explicitly (similarity_threshold≈0.7, half-life 60 days, etc.).
func Defaults() Config {
	return Config{
		DefaultEntity: "default",
		Ranker: RankerConfig{
			SimilarityThreshold:      0.7,
			RetrievalTopK:            4,
			InitialRetrievalTopK:     8,
			CandidatesPerQuery:       10,
			SignificanceHalfLifeDays: 60,
			RecencyBoostStrength:     1.0,
			SignificanceFloor:        0.01,
		},
		Session: SessionConfig{
			MemoryTokenLimit:        1500,
			ContextTokenLimit:       6000,
			ToolUseMaxIterations:    10,
			ConsolidateMinCachedTok: 1024,
			ConsolidateMaxNewTok:    2048,
		},
		Observability: ObsConfig{
			ServiceName: "session-core",
			LogLevel:    "info",
		},
		Store: StoreConfig{
			VectorDim:      1536,
			VectorMetric:   "cosine",
			SearchCacheTTL: 60 * time.Second,
		},
		HTTPAddr: ":8085",
	}
}

// Load reads a YAML config file (if path is non-empty and exists), applies
// environment overrides, and validates the result. A missing path is not
// an error — Defaults() alone is a valid configuration for tests.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config %q: %w", path, err)
			}
		} else if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	cfg.ProviderKeys = loadProviderKeys()

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SESSION_CORE_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("SESSION_CORE_QDRANT_DSN"); v != "" {
		cfg.Store.QdrantDSN = v
	}
	if v := os.Getenv("SESSION_CORE_REDIS_ADDR"); v != "" {
		cfg.Store.RedisAddr = v
	}
	if v := os.Getenv("SESSION_CORE_POSTGRES_DSN"); v != "" {
		cfg.Persistence.PostgresDSN = v
	}
	if v := os.Getenv("SESSION_CORE_OTLP_ENDPOINT"); v != "" {
		cfg.Observability.OTLP = v
	}
	if v := os.Getenv("SESSION_CORE_SEARXNG_URL"); v != "" {
		cfg.Tools.SearXNGURL = v
	}
	if v := os.Getenv("SESSION_CORE_SIMILARITY_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Ranker.SimilarityThreshold = f
		}
	}
}

func loadProviderKeys() map[string]string {
	keys := map[string]string{}
	for _, e := range os.Environ() {
		parts := strings.SplitN(e, "=", 2)
		if len(parts) != 2 {
			continue
		}
		k := parts[0]
		if strings.HasSuffix(k, "_API_KEY") {
			keys[strings.ToLower(strings.TrimSuffix(k, "_API_KEY"))] = parts[1]
		}
	}
	return keys
}

func (c Config) validate() error {
	if c.Ranker.CandidatesPerQuery <= 0 {
		return fmt.Errorf("ranker.candidates_per_query must be positive")
	}
	if c.Ranker.InitialRetrievalTopK <= 0 || c.Ranker.RetrievalTopK <= 0 {
		return fmt.Errorf("ranker top_k values must be positive")
	}
	if c.Session.ToolUseMaxIterations <= 0 {
		return fmt.Errorf("session.tool_use_max_iterations must be positive")
	}
	return nil
}

// EntityByID returns the entity configuration by index name, falling back
// to the default entity if id is empty.
func (c Config) EntityByID(id string) (EntityConfig, bool) {
	if id == "" {
		id = c.DefaultEntity
	}
	for _, e := range c.Entities {
		if e.IndexName == id {
			return e, true
		}
	}
	return EntityConfig{}, false
}
