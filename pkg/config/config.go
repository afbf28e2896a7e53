// Package config holds the gateway's runtime configuration: decision
// thresholds, fusion weights, stage timeouts, and collaborator endpoints.
// Settings load from an optional YAML file with environment overrides, and
// the whole table is hot-reloadable as an atomic snapshot (see manager.go).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Thresholds are the decision boundaries on the fused score.
// Half-open intervals: [0, Suspicious) is safe, [Suspicious, Attack) is
// suspicious, [Attack, 1.0] is an attack.
type Thresholds struct {
	Suspicious float64 `yaml:"suspicious"`
	Attack     float64 `yaml:"attack"`
}

// FusionWeights control how the cascade stage scores combine.
// Semantic carries the highest weight so decisions favor payload meaning
// over superficial shape.
type FusionWeights struct {
	Pattern    float64 `yaml:"pattern"`
	Structural float64 `yaml:"structural"`
	Semantic   float64 `yaml:"semantic"`
}

// StageTimeouts bound each cascade stage. The structural classifier is
// CPU-bound and fast; the semantic matcher is network-bound and slow.
type StageTimeouts struct {
	Structural time.Duration `yaml:"structural"`
	Semantic   time.Duration `yaml:"semantic"`
}

// Memory tunes the attack-memory store and the evolution writer.
type Memory struct {
	TopK            int           `yaml:"top_k"`            // neighbors returned by semantic search
	SimilarityFloor float64       `yaml:"similarity_floor"` // minimum similarity to count as evidence
	ReinforceFloor  float64       `yaml:"reinforce_floor"`  // similarity above which a write reinforces instead of inserting
	OverrideFloor   float64       `yaml:"override_floor"`   // semantic similarity that overrides a lower fused score
	OverrideScore   float64       `yaml:"override_score"`   // fused score the override raises to
	ShareFloor      float64       `yaml:"share_floor"`      // severity at which records are shared to the hive
	QueueCapacity   int           `yaml:"queue_capacity"`   // evolution writer queue bound
	WriteRetries    int           `yaml:"write_retries"`    // bounded retries before a learn event is dropped
	DecayHalfLife   time.Duration `yaml:"decay_half_life"`  // age at which retrieval priority halves
}

// Config is the full gateway configuration. A populated Config is treated as
// immutable after load; changes go through Manager.Reload which swaps the
// whole snapshot.
type Config struct {
	// Transport
	ListenAddr   string `yaml:"listen_addr"`
	BackendURL   string `yaml:"backend_url"`   // protected application
	DeceptionURL string `yaml:"deception_url"` // deception endpoint (empty disables deception, falls back to 403)

	// Scoring
	Thresholds Thresholds    `yaml:"thresholds"`
	Weights    FusionWeights `yaml:"fusion_weights"`
	Timeouts   StageTimeouts `yaml:"stage_timeouts"`
	Memory     Memory        `yaml:"memory"`

	// Normalizer
	DecodeLayerCap int `yaml:"decode_layer_cap"`

	// Signature library overlay (YAML files, optional)
	SignatureDir string `yaml:"signature_dir"`

	// Embedding collaborator (Ollama-compatible /api/embeddings)
	EmbedURL       string `yaml:"embed_url"`
	EmbedModel     string `yaml:"embed_model"`
	EmbedDimension int    `yaml:"embed_dimension"`

	// Structural classifier ONNX model (optional; heuristic path when empty)
	ModelPath string `yaml:"model_path"`

	// Advisory collaborator
	AdvisoryURL       string `yaml:"advisory_url"`
	AdvisoryAutopilot bool   `yaml:"advisory_autopilot"` // apply patches without approval; co-pilot is the default
	AdvisoryDSN       string `yaml:"advisory_dsn"`       // Postgres DSN for the proposal store (optional)

	// Challenge action
	RedisAddr       string        `yaml:"redis_addr"`
	ChallengeBudget int           `yaml:"challenge_budget"` // requests per window before a challenged client is refused
	ChallengeWindow time.Duration `yaml:"challenge_window"`

	// Hive (global blocklist feed)
	NATSURL     string `yaml:"nats_url"`
	HiveSubject string `yaml:"hive_subject"`

	// Audit
	AuditLogPath string `yaml:"audit_log_path"`
	AuditDSN     string `yaml:"audit_dsn"` // Postgres sink (optional)

	// Logging
	LogLevel string `yaml:"log_level"`
}

// NewDefaultConfig returns a Config with environment overrides applied on
// top of the built-in defaults.
func NewDefaultConfig() *Config {
	cfg := &Config{
		ListenAddr:   GetEnv("SIRENGATE_LISTEN", ":8080"),
		BackendURL:   GetEnv("SIRENGATE_BACKEND_URL", "http://localhost:9000"),
		DeceptionURL: GetEnv("SIRENGATE_DECEPTION_URL", ""),

		Thresholds: Thresholds{
			Suspicious: GetEnvFloat("SIRENGATE_THRESHOLD_SUSPICIOUS", 0.50),
			Attack:     GetEnvFloat("SIRENGATE_THRESHOLD_ATTACK", 0.80),
		},
		Weights: FusionWeights{
			Pattern:    GetEnvFloat("SIRENGATE_WEIGHT_PATTERN", 0.3),
			Structural: GetEnvFloat("SIRENGATE_WEIGHT_STRUCTURAL", 0.3),
			Semantic:   GetEnvFloat("SIRENGATE_WEIGHT_SEMANTIC", 0.4),
		},
		Timeouts: StageTimeouts{
			Structural: time.Duration(GetEnvInt("SIRENGATE_TIMEOUT_STRUCTURAL_MS", 5)) * time.Millisecond,
			Semantic:   time.Duration(GetEnvInt("SIRENGATE_TIMEOUT_SEMANTIC_MS", 400)) * time.Millisecond,
		},
		Memory: Memory{
			TopK:            GetEnvInt("SIRENGATE_MEMORY_TOP_K", 5),
			SimilarityFloor: GetEnvFloat("SIRENGATE_MEMORY_SIMILARITY_FLOOR", 0.75),
			ReinforceFloor:  GetEnvFloat("SIRENGATE_MEMORY_REINFORCE_FLOOR", 0.90),
			OverrideFloor:   GetEnvFloat("SIRENGATE_MEMORY_OVERRIDE_FLOOR", 0.90),
			OverrideScore:   GetEnvFloat("SIRENGATE_MEMORY_OVERRIDE_SCORE", 0.85),
			ShareFloor:      GetEnvFloat("SIRENGATE_MEMORY_SHARE_FLOOR", 0.80),
			QueueCapacity:   GetEnvInt("SIRENGATE_MEMORY_QUEUE_CAP", 1024),
			WriteRetries:    GetEnvInt("SIRENGATE_MEMORY_WRITE_RETRIES", 3),
			DecayHalfLife:   time.Duration(GetEnvInt("SIRENGATE_MEMORY_DECAY_HOURS", 24*30)) * time.Hour,
		},

		DecodeLayerCap: GetEnvInt("SIRENGATE_DECODE_LAYER_CAP", 3),
		SignatureDir:   GetEnv("SIRENGATE_SIGNATURE_DIR", ""),

		EmbedURL:       GetEnv("SIRENGATE_EMBED_URL", "http://localhost:11434"),
		EmbedModel:     GetEnv("SIRENGATE_EMBED_MODEL", "embeddinggemma"),
		EmbedDimension: GetEnvInt("SIRENGATE_EMBED_DIM", 768),

		ModelPath: GetEnv("SIRENGATE_MODEL_PATH", ""),

		AdvisoryURL:       GetEnv("SIRENGATE_ADVISORY_URL", ""),
		AdvisoryAutopilot: GetEnvBool("SIRENGATE_ADVISORY_AUTOPILOT", false),
		AdvisoryDSN:       GetEnv("SIRENGATE_ADVISORY_DSN", ""),

		RedisAddr:       GetEnv("SIRENGATE_REDIS_ADDR", ""),
		ChallengeBudget: GetEnvInt("SIRENGATE_CHALLENGE_BUDGET", 30),
		ChallengeWindow: time.Duration(GetEnvInt("SIRENGATE_CHALLENGE_WINDOW_SECONDS", 60)) * time.Second,

		NATSURL:     GetEnv("SIRENGATE_NATS_URL", ""),
		HiveSubject: GetEnv("SIRENGATE_HIVE_SUBJECT", "hive.blocklist"),

		AuditLogPath: GetEnv("SIRENGATE_AUDIT_LOG", "audit_decisions.jsonl"),
		AuditDSN:     GetEnv("SIRENGATE_AUDIT_DSN", ""),

		LogLevel: GetEnv("SIRENGATE_LOG_LEVEL", "info"),
	}

	return cfg
}

// Load reads a YAML config file and applies environment overrides on top.
// A missing file is not an error: env-plus-defaults is a supported mode.
func Load(path string) (*Config, error) {
	if path == "" {
		return withValidation(NewDefaultConfig())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return withValidation(NewDefaultConfig())
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := NewDefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return withValidation(cfg)
}

func withValidation(cfg *Config) (*Config, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the decision engine cannot operate on.
func (c *Config) Validate() error {
	if c.Thresholds.Suspicious < 0 || c.Thresholds.Suspicious > 1 {
		return fmt.Errorf("thresholds.suspicious %.2f out of [0,1]", c.Thresholds.Suspicious)
	}
	if c.Thresholds.Attack < 0 || c.Thresholds.Attack > 1 {
		return fmt.Errorf("thresholds.attack %.2f out of [0,1]", c.Thresholds.Attack)
	}
	if c.Thresholds.Suspicious >= c.Thresholds.Attack {
		return fmt.Errorf("thresholds.suspicious (%.2f) must be below thresholds.attack (%.2f)",
			c.Thresholds.Suspicious, c.Thresholds.Attack)
	}
	sum := c.Weights.Pattern + c.Weights.Structural + c.Weights.Semantic
	if sum <= 0 {
		return fmt.Errorf("fusion weights sum to %.2f, must be positive", sum)
	}
	if c.DecodeLayerCap < 1 {
		return fmt.Errorf("decode_layer_cap %d must be at least 1", c.DecodeLayerCap)
	}
	if c.Memory.QueueCapacity < 1 {
		return fmt.Errorf("memory.queue_capacity %d must be at least 1", c.Memory.QueueCapacity)
	}
	return nil
}

// Helper functions for environment variable parsing.
// Exported for use by other packages.

// GetEnv returns the value of an environment variable or a default value.
func GetEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// GetEnvBool returns the boolean value of an environment variable or a default value.
func GetEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

// GetEnvFloat returns the float64 value of an environment variable or a default value.
func GetEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return defaultValue
}

// GetEnvInt returns the integer value of an environment variable or a default value.
func GetEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return defaultValue
}
