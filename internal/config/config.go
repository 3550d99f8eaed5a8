// Package config loads the engine's tunables from a TOML file with
// environment-variable overrides, the same layering the reference deployment
// uses (os.getenv defaults baked into constants, optionally overridden by a
// config file for per-environment tuning).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds every engine tunable referenced by spec.md's component
// design: tick/round limits, timeouts, and Redis/queue connection settings.
type Config struct {
	Redis RedisConfig `toml:"redis"`

	TickTimeout        time.Duration `toml:"-"`
	TickTimeoutSeconds int           `toml:"tick_timeout_seconds"`

	ToolTimeout        time.Duration `toml:"-"`
	ToolTimeoutSeconds int           `toml:"tool_timeout_seconds"`

	TickFenceTTL        time.Duration `toml:"-"`
	TickFenceTTLSeconds int           `toml:"tick_fence_ttl_seconds"`

	MaxRounds            int `toml:"max_rounds"`
	MaxReflections       int `toml:"max_reflections"`
	MinAgentResponseSec  int `toml:"min_agent_response_seconds"`
	MaxStackLen          int `toml:"max_stack_len"`
	MaxArtifactsPerSess  int `toml:"max_artifacts_per_session"`

	DedupPolicy string        `toml:"dedup_policy"`
	DedupTTL    time.Duration `toml:"-"`
	DedupTTLSeconds int       `toml:"dedup_ttl_seconds"`

	ArtifactStorage string `toml:"artifact_storage"`
	ArtifactBaseDir string `toml:"artifact_base_dir"`

	S3 S3Config `toml:"s3"`

	AnthropicAPIKey string `toml:"-"`
	AnthropicModel  string `toml:"anthropic_model"`

	// JanitorCronSpec schedules the periodic branch-prune and dead-agent GC
	// sweeps, in robfig/cron's standard five-field syntax.
	JanitorCronSpec string `toml:"janitor_cron_spec"`

	BranchPruneHorizon        time.Duration `toml:"-"`
	BranchPruneHorizonSeconds int           `toml:"branch_prune_horizon_seconds"`

	DeadAgentTimeout        time.Duration `toml:"-"`
	DeadAgentTimeoutSeconds int           `toml:"dead_agent_timeout_seconds"`
}

// RedisConfig configures the Redis connection shared by every package.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"-"`
	DB       int    `toml:"db"`
}

// S3Config configures the optional S3 artifact storage driver.
type S3Config struct {
	Bucket       string `toml:"bucket"`
	Region       string `toml:"region"`
	Endpoint     string `toml:"endpoint"`
	Prefix       string `toml:"prefix"`
	UsePathStyle bool   `toml:"use_path_style"`
}

// Default returns the built-in tunables, matching the constants the
// reference implementation hardcodes or reads via os.getenv.
func Default() Config {
	return Config{
		Redis:               RedisConfig{Addr: "127.0.0.1:6379", DB: 0},
		TickTimeoutSeconds:  60,
		ToolTimeoutSeconds:  120,
		TickFenceTTLSeconds: 60,
		MaxRounds:           25,
		MaxReflections:      2,
		MinAgentResponseSec: 300,
		MaxStackLen:         5000,
		MaxArtifactsPerSess: 100_000,
		DedupPolicy:         "penalty",
		DedupTTLSeconds:     86_400,
		ArtifactStorage:     "fs",
		ArtifactBaseDir:     ".",
		AnthropicModel:      "claude-3-5-sonnet-latest",

		JanitorCronSpec:           "@every 10m",
		BranchPruneHorizonSeconds: 7 * 24 * 60 * 60,
		DeadAgentTimeoutSeconds:   30 * 60,
	}
}

// Load reads a TOML file at path (if non-empty and present), then applies
// environment-variable overrides, then derives the time.Duration fields from
// their *_seconds counterparts.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	cfg.TickTimeout = time.Duration(cfg.TickTimeoutSeconds) * time.Second
	cfg.ToolTimeout = time.Duration(cfg.ToolTimeoutSeconds) * time.Second
	cfg.TickFenceTTL = time.Duration(cfg.TickFenceTTLSeconds) * time.Second
	cfg.DedupTTL = time.Duration(cfg.DedupTTLSeconds) * time.Second
	cfg.BranchPruneHorizon = time.Duration(cfg.BranchPruneHorizonSeconds) * time.Second
	cfg.DeadAgentTimeout = time.Duration(cfg.DeadAgentTimeoutSeconds) * time.Second
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}
	if v := os.Getenv("TICK_TIMEOUT_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TickTimeoutSeconds = n
		}
	}
	if v := os.Getenv("TOOL_TIMEOUT_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ToolTimeoutSeconds = n
		}
	}
	if v := os.Getenv("TICK_FENCE_TTL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TickFenceTTLSeconds = n
		}
	}
	if v := os.Getenv("MAX_ROUNDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxRounds = n
		}
	}
	if v := os.Getenv("MAX_REFLECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxReflections = n
		}
	}
	if v := os.Getenv("MAX_STACK_LEN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxStackLen = n
		}
	}
	if v := os.Getenv("MAX_ARTIFACTS_PER_SESSION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxArtifactsPerSess = n
		}
	}
	if v := os.Getenv("DEDUP_POLICY"); v != "" {
		cfg.DedupPolicy = v
	}
	if v := os.Getenv("ARTIFACT_STORAGE"); v != "" {
		cfg.ArtifactStorage = v
	}
	if v := os.Getenv("BASE_DIR"); v != "" {
		cfg.ArtifactBaseDir = v
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		cfg.S3.Bucket = v
	}
	cfg.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	if v := os.Getenv("ANTHROPIC_MODEL"); v != "" {
		cfg.AnthropicModel = v
	}
	if v := os.Getenv("JANITOR_CRON_SPEC"); v != "" {
		cfg.JanitorCronSpec = v
	}
	if v := os.Getenv("BRANCH_PRUNE_HORIZON_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BranchPruneHorizonSeconds = n
		}
	}
	if v := os.Getenv("DEAD_AGENT_TIMEOUT_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DeadAgentTimeoutSeconds = n
		}
	}
}
