// Package config loads archivecore's runtime configuration from a YAML file
// overlaid with environment variables (and an optional .env file): YAML for
// checked-in defaults, environment for deployment-specific secrets and
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"
)

// ModelConfig names the generation and embedding models the Model Gateway
// (C2) drives, plus its token-bucket and tool-loop tuning knobs.
type ModelConfig struct {
	Provider               string  `yaml:"provider"`                 // anthropic|openai|gemini
	GenerationModelID      string  `yaml:"generation_model_id"`
	EmbeddingModelID       string  `yaml:"embedding_model_id"`
	EmbeddingDimensions    int     `yaml:"embedding_dimensions"`
	APIKey                 string  `yaml:"api_key"`
	BaseURL                string  `yaml:"base_url"`
	RateLimitTokensPerMin  int     `yaml:"rate_limit_tokens_per_minute"`
	MaxToolLoopTurns       int     `yaml:"max_tool_loop_turns"`
	StructuredRepairRetries int    `yaml:"structured_repair_retries"`
	Temperature            float64 `yaml:"temperature"`
}

// SearchConfig selects and configures the full-text search backend.
type SearchConfig struct {
	Backend string `yaml:"backend"` // memory|postgres|auto|none
	DSN     string `yaml:"dsn"`
}

// VectorConfig selects and configures the vector-store backend.
type VectorConfig struct {
	Backend    string `yaml:"backend"` // memory|postgres|qdrant|auto|none
	DSN        string `yaml:"dsn"`
	Collection string `yaml:"collection"` // qdrant only
	Dimensions int    `yaml:"dimensions"`
	Metric     string `yaml:"metric"` // cosine|l2|ip
}

// DBConfig groups the archive store's pluggable backends.
type DBConfig struct {
	DefaultDSN string       `yaml:"default_dsn"`
	Search     SearchConfig `yaml:"search"`
	Vector     VectorConfig `yaml:"vector"`
}

// RedisConfig backs the Run Controller's (C9) distributed lock/heartbeat; the
// Model Gateway's rate limiter is in-process only. Optional: absence disables
// cross-process coordination and falls back to in-process-only state.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// KafkaConfig backs the one-directional outbound notification producer.
// Optional: absence simply means no notifications are published.
type KafkaConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Brokers         string `yaml:"brokers"`
	RunCompletedTopic    string `yaml:"run_completed_topic"`
	SummaryChangedTopic  string `yaml:"summary_changed_topic"`
}

// ClickHouseConfig backs the Model Gateway's per-call usage ledger. Optional:
// absence means no usage rows are recorded; generation/embedding are
// unaffected.
type ClickHouseConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
	Table   string `yaml:"table"`
}

// ObsConfig controls OpenTelemetry tracing/metrics export.
type ObsConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Environment    string `yaml:"environment"`
	OTLP           string `yaml:"otlp"` // empty disables exporting
}

// AnalyzerConfig carries the Discussion Analyzer's windowing and run tuning
// constants.
type AnalyzerConfig struct {
	WindowSize               int `yaml:"window_size"`
	WindowOverlap            int `yaml:"window_overlap"`
	ContextWindows           int `yaml:"context_windows"`
	DormancyThreshold        int `yaml:"dormancy_threshold"`
	MaxMessagesPerDiscussion int `yaml:"max_messages_per_discussion"`
	IncrementalGraceHours    int `yaml:"incremental_grace_hours"`
	MaxKeywords              int `yaml:"max_keywords"`
	SummaryMaxMessages       int `yaml:"summary_max_messages"`
}

// SearchTuning carries the hybrid searcher's (C8) scoring constants.
type SearchTuning struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	HybridAlpha         float64 `yaml:"hybrid_alpha"`
	MaxCandidates       int     `yaml:"max_candidates"`
	PersonFallbackDecay float64 `yaml:"person_fallback_decay"`
}

// IndexTuning carries the embedding indexer's (C7) batching constants.
type IndexTuning struct {
	ReindexBatchSize  int `yaml:"reindex_batch_size"`
	InterBatchDelayMS int `yaml:"inter_batch_delay_ms"`
}

// RunsConfig carries the run controller's (C9) staleness rule.
type RunsConfig struct {
	StaleAfterSeconds int `yaml:"stale_after_seconds"`
}

// Config is the complete archivecore runtime configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`
	LogPath  string `yaml:"log_path"`

	Model    ModelConfig    `yaml:"model"`
	Database DBConfig       `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Obs      ObsConfig      `yaml:"obs"`
	Analyzer AnalyzerConfig `yaml:"analyzer"`
	Search   SearchTuning   `yaml:"search_tuning"`
	Index    IndexTuning    `yaml:"index_tuning"`
	Runs     RunsConfig     `yaml:"runs"`
}

// Load reads config.yaml (or the path in ARCHIVECORE_CONFIG) if present, then
// overlays environment variables loaded via godotenv.Overload so a local .env
// deterministically wins over any ambient shell exports, matching the
// teacher's Load() semantics in internal/config.
func Load() (Config, error) {
	_ = godotenv.Overload()

	cfg := Config{}
	path := firstNonEmpty(os.Getenv("ARCHIVECORE_CONFIG"), "config.yaml")
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if cfg.Model.APIKey == "" {
		return Config{}, errors.New("CONFIG_MISSING: model provider API key is required (set model.api_key or the provider's _API_KEY env var)")
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.LogLevel, "LOG_LEVEL")
	setStr(&cfg.LogPath, "LOG_PATH")

	setStr(&cfg.Model.Provider, "MODEL_PROVIDER")
	setStr(&cfg.Model.GenerationModelID, "MODEL_GENERATION_ID")
	setStr(&cfg.Model.EmbeddingModelID, "MODEL_EMBEDDING_ID")
	setInt(&cfg.Model.EmbeddingDimensions, "MODEL_DIM")
	setInt(&cfg.Model.RateLimitTokensPerMin, "RATE_LIMIT_TOKENS_PER_MINUTE")
	setStr(&cfg.Model.BaseURL, "MODEL_BASE_URL")
	if v := firstNonEmpty(os.Getenv("ANTHROPIC_API_KEY"), os.Getenv("OPENAI_API_KEY"), os.Getenv("GEMINI_API_KEY"), os.Getenv("MODEL_API_KEY")); v != "" {
		cfg.Model.APIKey = v
	}

	setStr(&cfg.Database.DefaultDSN, "DATABASE_URL")
	setStr(&cfg.Database.Search.Backend, "SEARCH_BACKEND")
	setStr(&cfg.Database.Search.DSN, "SEARCH_DSN")
	setStr(&cfg.Database.Vector.Backend, "VECTOR_BACKEND")
	setStr(&cfg.Database.Vector.DSN, "VECTOR_DSN")
	setStr(&cfg.Database.Vector.Collection, "VECTOR_COLLECTION")
	setInt(&cfg.Database.Vector.Dimensions, "VECTOR_DIMENSIONS")
	setStr(&cfg.Database.Vector.Metric, "VECTOR_METRIC")

	setBool(&cfg.Redis.Enabled, "REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")

	setBool(&cfg.Kafka.Enabled, "KAFKA_ENABLED")
	setStr(&cfg.Kafka.Brokers, "KAFKA_BROKERS")
	setStr(&cfg.Kafka.RunCompletedTopic, "KAFKA_RUN_COMPLETED_TOPIC")
	setStr(&cfg.Kafka.SummaryChangedTopic, "KAFKA_SUMMARY_CHANGED_TOPIC")

	setBool(&cfg.ClickHouse.Enabled, "CLICKHOUSE_ENABLED")
	setStr(&cfg.ClickHouse.DSN, "CLICKHOUSE_DSN")
	setStr(&cfg.ClickHouse.Table, "CLICKHOUSE_USAGE_TABLE")

	setStr(&cfg.Obs.ServiceName, "OTEL_SERVICE_NAME")
	setStr(&cfg.Obs.Environment, "ENVIRONMENT")
	setStr(&cfg.Obs.OTLP, "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func applyDefaults(cfg *Config) {
	if cfg.Model.Provider == "" {
		cfg.Model.Provider = "anthropic"
	}
	if cfg.Model.RateLimitTokensPerMin <= 0 {
		cfg.Model.RateLimitTokensPerMin = 40000
	}
	if cfg.Model.MaxToolLoopTurns <= 0 {
		cfg.Model.MaxToolLoopTurns = 10
	}
	if cfg.Model.StructuredRepairRetries <= 0 {
		cfg.Model.StructuredRepairRetries = 1
	}
	if cfg.Model.EmbeddingDimensions <= 0 {
		cfg.Model.EmbeddingDimensions = 1536
	}
	if cfg.Database.Search.Backend == "" {
		cfg.Database.Search.Backend = "memory"
	}
	if cfg.Database.Vector.Backend == "" {
		cfg.Database.Vector.Backend = "memory"
	}
	if cfg.Database.Vector.Dimensions <= 0 {
		cfg.Database.Vector.Dimensions = cfg.Model.EmbeddingDimensions
	}
	if cfg.Database.Vector.Metric == "" {
		cfg.Database.Vector.Metric = "cosine"
	}
	if cfg.Obs.ServiceName == "" {
		cfg.Obs.ServiceName = "archivecore"
	}
	if cfg.Obs.Environment == "" {
		cfg.Obs.Environment = "dev"
	}
	if cfg.ClickHouse.Table == "" {
		cfg.ClickHouse.Table = "model_gateway_usage"
	}
	if cfg.Kafka.RunCompletedTopic == "" {
		cfg.Kafka.RunCompletedTopic = "discussion.run.completed"
	}
	if cfg.Kafka.SummaryChangedTopic == "" {
		cfg.Kafka.SummaryChangedTopic = "person.summary.changed"
	}

	a := &cfg.Analyzer
	if a.WindowSize <= 0 {
		a.WindowSize = 30
	}
	if a.WindowOverlap <= 0 {
		a.WindowOverlap = 5
	}
	if a.ContextWindows <= 0 {
		a.ContextWindows = 2
	}
	if a.DormancyThreshold <= 0 {
		a.DormancyThreshold = 5
	}
	if a.MaxMessagesPerDiscussion <= 0 {
		a.MaxMessagesPerDiscussion = 500
	}
	if a.IncrementalGraceHours <= 0 {
		a.IncrementalGraceHours = 48
	}
	if a.MaxKeywords <= 0 {
		a.MaxKeywords = 7
	}
	if a.SummaryMaxMessages <= 0 {
		a.SummaryMaxMessages = 100
	}

	s := &cfg.Search
	if s.SimilarityThreshold <= 0 {
		s.SimilarityThreshold = 0.3
	}
	if s.HybridAlpha <= 0 {
		s.HybridAlpha = 0.5
	}
	if s.MaxCandidates <= 0 {
		s.MaxCandidates = 500
	}
	if s.PersonFallbackDecay <= 0 {
		s.PersonFallbackDecay = 0.85
	}

	ix := &cfg.Index
	if ix.ReindexBatchSize <= 0 {
		ix.ReindexBatchSize = 100
	}
	if ix.InterBatchDelayMS <= 0 {
		ix.InterBatchDelayMS = 100
	}

	if cfg.Runs.StaleAfterSeconds <= 0 {
		cfg.Runs.StaleAfterSeconds = 120
	}
}

func setStr(dst *string, env string) {
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, env string) {
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, env string) {
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		*dst = strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
