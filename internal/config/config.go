// Package config loads epistemed configuration from file and environment.
//
// Precedence is environment over config file over built-in defaults. All
// keys are reachable as EPISTEME_<SECTION>_<KEY>; a handful of well-known
// bare variables (OPENAI_API_KEY, ANTHROPIC_API_KEY, APP_ENV, DATABASE_URL)
// are honored as aliases because deploy tooling sets them without the
// prefix.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Environments.
const (
	EnvProduction  = "production"
	EnvStaging     = "staging"
	EnvDevelopment = "development"
)

// Config is the full epistemed configuration tree.
type Config struct {
	Env         string `mapstructure:"env" validate:"required,oneof=production staging development"`
	DatabaseURL string `mapstructure:"database_url" validate:"required"`

	Log        LogConfig        `mapstructure:"log"`
	Ontology   OntologyConfig   `mapstructure:"ontology"`
	Sandbox    SandboxConfig    `mapstructure:"sandbox"`
	Enrichment EnrichmentConfig `mapstructure:"enrichment"`
	Decay      DecayConfig      `mapstructure:"decay"`
	Nightly    NightlyConfig    `mapstructure:"nightly"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Features   FeatureConfig    `mapstructure:"features"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Embedding  EmbeddingConfig  `mapstructure:"embedding"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Metering   MeteringConfig   `mapstructure:"metering"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

// OntologyConfig selects the relation-matrix operating mode.
type OntologyConfig struct {
	// Mode is strict (unknown relations rejected) or soft (stored but
	// quarantine-flagged).
	Mode string `mapstructure:"mode" validate:"oneof=strict soft"`
}

// SandboxConfig sets the default clamps for agent SQL. Per-query values
// are still clamped to the hard ranges regardless of these defaults.
type SandboxConfig struct {
	DefaultTimeoutSeconds int `mapstructure:"default_timeout_seconds" validate:"min=1,max=60"`
	DefaultMaxRows        int `mapstructure:"default_max_rows" validate:"min=1,max=10000"`
}

// EnrichmentConfig controls the worker pool.
type EnrichmentConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Workers     int           `mapstructure:"workers" validate:"min=1,max=64"`
	BatchSize   int           `mapstructure:"batch_size" validate:"min=1,max=1000"`
	Poll        time.Duration `mapstructure:"poll"`
	PollMS      int           `mapstructure:"poll_ms"`
	MaxAttempts int           `mapstructure:"max_attempts" validate:"min=1,max=100"`
}

// DecayConfig controls the confidence decay sweep.
type DecayConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	StaleDays       int           `mapstructure:"stale_days" validate:"min=1"`
	ConfidenceDelta float64       `mapstructure:"confidence_delta" validate:"gt=0,lte=1"`
	Interval        time.Duration `mapstructure:"interval"`
	IntervalMS      int64         `mapstructure:"interval_ms"`
}

// NightlyConfig controls the batch extraction pass.
type NightlyConfig struct {
	BatchSize int `mapstructure:"batch_size"`
}

// LedgerConfig gates knowledge-claim writes.
type LedgerConfig struct {
	WriteEnabled bool `mapstructure:"write_enabled"`
}

// FeatureConfig holds feature flags.
type FeatureConfig struct {
	GraphEdgeVectorization bool `mapstructure:"graph_edge_vectorization"`
	CrossTypeDedup         bool `mapstructure:"cross_type_dedup"`
}

// LLMConfig configures the extraction model provider.
type LLMConfig struct {
	// Provider is anthropic or openai.
	Provider        string        `mapstructure:"provider" validate:"oneof=anthropic openai"`
	AnthropicAPIKey string        `mapstructure:"anthropic_api_key"`
	AnthropicModel  string        `mapstructure:"anthropic_model"`
	OpenAIAPIKey    string        `mapstructure:"openai_api_key"`
	OpenAIBaseURL   string        `mapstructure:"openai_base_url"`
	OpenAIModel     string        `mapstructure:"openai_model"`
	MaxTokens       int           `mapstructure:"max_tokens" validate:"min=1"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// EmbeddingConfig configures the embedding provider.
type EmbeddingConfig struct {
	APIKey     string        `mapstructure:"api_key"`
	BaseURL    string        `mapstructure:"base_url"`
	Model      string        `mapstructure:"model"`
	Dimensions int           `mapstructure:"dimensions" validate:"min=1"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// AuthConfig configures key and code issuance.
type AuthConfig struct {
	SessionTTLDays int           `mapstructure:"session_ttl_days" validate:"min=1"`
	KeyTTL         time.Duration `mapstructure:"key_ttl"`
	CodeTTL        time.Duration `mapstructure:"code_ttl"`
}

// MeteringConfig controls tier-limit resolution and usage flushing.
type MeteringConfig struct {
	// OverridesPath points at an optional YAML file of per-tier limit
	// overrides, hot-reloaded on change. Empty disables the watcher.
	OverridesPath string        `mapstructure:"overrides_path"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// setDefaults registers every default on the viper instance.
func setDefaults(v *viper.Viper) {
	v.SetDefault("env", EnvDevelopment)
	// Empty defaults register the keys so AutomaticEnv can fill them.
	v.SetDefault("database_url", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("ontology.mode", "soft")

	v.SetDefault("sandbox.default_timeout_seconds", 5)
	v.SetDefault("sandbox.default_max_rows", 1000)

	v.SetDefault("enrichment.enabled", true)
	v.SetDefault("enrichment.workers", 4)
	v.SetDefault("enrichment.batch_size", 25)
	v.SetDefault("enrichment.poll", 5*time.Second)
	v.SetDefault("enrichment.poll_ms", 0)
	v.SetDefault("enrichment.max_attempts", 10)

	v.SetDefault("decay.enabled", false)
	v.SetDefault("decay.stale_days", 90)
	v.SetDefault("decay.confidence_delta", 0.10)
	v.SetDefault("decay.interval", 24*time.Hour)
	v.SetDefault("decay.interval_ms", 0)

	v.SetDefault("nightly.batch_size", 100)

	v.SetDefault("ledger.write_enabled", true)

	v.SetDefault("features.graph_edge_vectorization", false)
	v.SetDefault("features.cross_type_dedup", false)

	v.SetDefault("llm.provider", "anthropic")
	v.SetDefault("llm.anthropic_api_key", "")
	v.SetDefault("llm.anthropic_model", "claude-3-5-haiku-latest")
	v.SetDefault("llm.openai_api_key", "")
	v.SetDefault("llm.openai_model", "gpt-5-mini")
	v.SetDefault("llm.openai_base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.max_tokens", 2048)
	v.SetDefault("llm.timeout", 60*time.Second)

	v.SetDefault("embedding.api_key", "")
	v.SetDefault("embedding.base_url", "https://api.openai.com/v1")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.dimensions", 1536)
	v.SetDefault("embedding.timeout", 30*time.Second)

	v.SetDefault("auth.session_ttl_days", 7)
	v.SetDefault("auth.key_ttl", 365*24*time.Hour)
	v.SetDefault("auth.code_ttl", 60*time.Second)

	v.SetDefault("metering.overrides_path", "")
	v.SetDefault("metering.flush_interval", 10*time.Second)
}

// bindAliases maps the bare environment names deploy tooling already sets
// onto their viper keys.
func bindAliases(v *viper.Viper) {
	aliases := map[string]string{
		"env":                               "APP_ENV",
		"database_url":                      "DATABASE_URL",
		"llm.anthropic_api_key":             "ANTHROPIC_API_KEY",
		"llm.openai_api_key":                "OPENAI_API_KEY",
		"llm.openai_model":                  "OPENAI_MODEL",
		"embedding.api_key":                 "OPENAI_API_KEY",
		"embedding.model":                   "OPENAI_EMBEDDING_MODEL",
		"ledger.write_enabled":              "LEDGER_WRITE_ENABLED",
		"decay.enabled":                     "ENABLE_MEMORY_DECAY",
		"features.cross_type_dedup":         "CROSS_TYPE_DEDUP_ENABLED",
		"features.graph_edge_vectorization": "FEATURE_GRAPH_EDGE_VECTORIZATION",
		"enrichment.enabled":                "ENRICHMENT_WORKER_ENABLED",
		"enrichment.batch_size":             "ENRICHMENT_BATCH_SIZE",
		"enrichment.max_attempts":           "ENRICHMENT_MAX_ATTEMPTS",
		"enrichment.poll_ms":                "ENRICHMENT_POLL_MS",
		"decay.stale_days":                  "MEMORY_DECAY_STALE_DAYS",
		"decay.confidence_delta":            "MEMORY_DECAY_CONFIDENCE_DELTA",
		"decay.interval_ms":                 "MEMORY_DECAY_INTERVAL_MS",
		"nightly.batch_size":                "NIGHTLY_EXTRACTION_BATCH_SIZE",
		"auth.session_ttl_days":             "SESSION_TTL_DAYS",
		"metering.overrides_path":           "TIER_OVERRIDES_PATH",
	}
	for key, env := range aliases {
		_ = v.BindEnv(key, env)
	}
}

// newViper builds the configured viper instance. path may be empty, in
// which case only defaults and environment apply.
func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("EPISTEME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindAliases(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("episteme")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/episteme")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}
	return v, nil
}

// Load reads configuration from path (or the default search locations when
// path is empty), applies environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyClamps()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyClamps normalizes out-of-range values that are clamped rather than
// rejected, and folds the millisecond aliases into their durations.
func (c *Config) applyClamps() {
	if c.Nightly.BatchSize < 1 {
		c.Nightly.BatchSize = 1
	}
	if c.Nightly.BatchSize > 1000 {
		c.Nightly.BatchSize = 1000
	}
	if c.Enrichment.PollMS > 0 {
		c.Enrichment.Poll = time.Duration(c.Enrichment.PollMS) * time.Millisecond
	}
	if c.Enrichment.Poll <= 0 {
		c.Enrichment.Poll = 5 * time.Second
	}
	if c.Decay.IntervalMS > 0 {
		c.Decay.Interval = time.Duration(c.Decay.IntervalMS) * time.Millisecond
	}
	if c.Decay.Interval <= 0 {
		c.Decay.Interval = 24 * time.Hour
	}
}

// Validate checks the configuration. An unknown environment is fatal; the
// process must refuse to start rather than guess an allowlist.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if ok := asValidationErrors(err, &verrs); ok && len(verrs) > 0 {
			first := verrs[0]
			return fmt.Errorf("invalid config: field %s failed %q", first.Namespace(), first.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.LLM.Provider == "openai" && c.LLM.OpenAIAPIKey == "" {
		return fmt.Errorf("invalid config: llm.provider=openai requires an API key")
	}
	return nil
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	verrs, ok := err.(validator.ValidationErrors)
	if ok {
		*target = verrs
	}
	return ok
}

// ResourceAllowlist returns the RFC 8707 resource indicators accepted for
// this environment. Comparison is trailing-slash tolerant.
func (c *Config) ResourceAllowlist() []string {
	switch c.Env {
	case EnvProduction:
		return []string{"https://memory.episteme.ai", "https://memory.episteme.ai/mcp"}
	case EnvStaging:
		return []string{"https://staging.memory.episteme.ai", "https://staging.memory.episteme.ai/mcp"}
	default:
		return []string{"http://localhost:8787", "http://localhost:8787/mcp"}
	}
}

// IsProduction reports whether the environment is production.
func (c *Config) IsProduction() bool {
	return c.Env == EnvProduction
}
