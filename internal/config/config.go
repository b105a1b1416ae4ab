// SPDX-License-Identifier: MIT

// Package config loads daemon configuration from SKALD_* environment
// variables with an optional YAML file overlay, and supports live
// reload of the processing settings.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration. Environment variables win
// over the YAML file; the file wins over built-in defaults.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Data       DataConfig       `yaml:"data"`
	Redis      RedisConfig      `yaml:"redis"`
	Blob       BlobConfig       `yaml:"blob"`
	Processing ProcessingConfig `yaml:"processing"`
	Recovery   RecoveryConfig   `yaml:"recovery"`
	Runner     RunnerConfig     `yaml:"runner"`
	LLM        LLMConfig        `yaml:"llm"`
	LogLevel   string           `yaml:"log_level"`
}

type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RateLimit       int           `yaml:"rate_limit"` // requests/min per client
	// APIToken gates every API route when set. Owner identity is
	// asserted by the authenticating front-end via X-Owner-ID.
	APIToken string `yaml:"api_token"`
}

type DataConfig struct {
	Dir string `yaml:"dir"` // sqlite db, badger index, fs blobs live under here
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// BlobConfig selects the object store backend. Backend "fs" stores
// blobs under Data.Dir; "s3" talks to an S3-compatible endpoint.
type BlobConfig struct {
	Backend   string `yaml:"backend"` // "fs" or "s3"
	Bucket    string `yaml:"bucket"`
	Endpoint  string `yaml:"endpoint"` // optional, for MinIO-style deployments
	Region    string `yaml:"region"`
	PathStyle bool   `yaml:"path_style"`
}

// ProcessingConfig carries the model-facing settings handed to task
// payloads. These are hot-reloadable.
type ProcessingConfig struct {
	WhisperModel     string `yaml:"whisper_model"`
	DiarizationModel string `yaml:"diarization_model"`
	ComputeType      string `yaml:"compute_type"`
	BatchSize        int    `yaml:"batch_size"`
	MinSpeakers      int    `yaml:"min_speakers"`
	MaxSpeakers      int    `yaml:"max_speakers"`
	// NumSpeakers pins the speaker count when > 0; otherwise the
	// min/max window applies.
	NumSpeakers int `yaml:"num_speakers"`

	GarbageCleanup GarbageCleanupConfig `yaml:"garbage_cleanup"`
}

// GarbageCleanupConfig controls transcript hallucination scrubbing.
type GarbageCleanupConfig struct {
	Enabled       bool `yaml:"enabled"`
	MaxWordLength int  `yaml:"max_word_length"`
}

// RecoveryConfig tunes the orphan sweeper and retry policy.
type RecoveryConfig struct {
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	StuckWindow    time.Duration `yaml:"stuck_window"`    // no heartbeat for this long => orphaned
	AbandonedAfter time.Duration `yaml:"abandoned_after"` // prepared but never uploaded
	CancelDeadline time.Duration `yaml:"cancel_deadline"` // cancelling without ack => forced
	MaxRetries     int           `yaml:"max_retries"`
	RetryBase      time.Duration `yaml:"retry_base"`
	RetryMax       time.Duration `yaml:"retry_max"`
}

// RunnerConfig points at the model-runner service that executes the
// GPU stages. Timeout bounds a single stage call, not the whole
// pipeline run.
type RunnerConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// LLMConfig configures the summarization provider. An empty APIKey
// disables summarization rather than failing tasks.
type LLMConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Listen:          ":8433",
			ShutdownTimeout: 15 * time.Second,
			RateLimit:       240,
		},
		Data:  DataConfig{Dir: "./data"},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Blob:  BlobConfig{Backend: "fs"},
		Processing: ProcessingConfig{
			WhisperModel:     "large-v3",
			DiarizationModel: "pyannote/speaker-diarization-3.1",
			ComputeType:      "float16",
			BatchSize:        16,
			MinSpeakers:      1,
			MaxSpeakers:      10,
			GarbageCleanup: GarbageCleanupConfig{
				Enabled:       true,
				MaxWordLength: 40,
			},
		},
		Recovery: RecoveryConfig{
			SweepInterval:  time.Minute,
			StuckWindow:    10 * time.Minute,
			AbandonedAfter: 24 * time.Hour,
			CancelDeadline: 2 * time.Minute,
			MaxRetries:     3,
			RetryBase:      30 * time.Second,
			RetryMax:       10 * time.Minute,
		},
		Runner: RunnerConfig{
			BaseURL: "http://localhost:9090",
			Timeout: 30 * time.Minute,
		},
		LLM: LLMConfig{
			Model: "gpt-4o-mini",
		},
		LogLevel: "info",
	}
}

// Load builds the effective configuration: defaults, then the YAML
// file at path (if non-empty), then SKALD_* environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Server.Listen = ParseString("SKALD_LISTEN", cfg.Server.Listen)
	cfg.Server.ShutdownTimeout = ParseDuration("SKALD_SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)
	cfg.Server.RateLimit = ParseInt("SKALD_RATE_LIMIT", cfg.Server.RateLimit)
	cfg.Server.APIToken = ParseString("SKALD_API_TOKEN", cfg.Server.APIToken)

	cfg.Data.Dir = ParseString("SKALD_DATA_DIR", cfg.Data.Dir)
	cfg.LogLevel = ParseString("SKALD_LOG_LEVEL", cfg.LogLevel)

	cfg.Redis.Addr = ParseString("SKALD_REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = ParseString("SKALD_REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = ParseInt("SKALD_REDIS_DB", cfg.Redis.DB)

	cfg.Blob.Backend = ParseString("SKALD_BLOB_BACKEND", cfg.Blob.Backend)
	cfg.Blob.Bucket = ParseString("SKALD_BLOB_BUCKET", cfg.Blob.Bucket)
	cfg.Blob.Endpoint = ParseString("SKALD_BLOB_ENDPOINT", cfg.Blob.Endpoint)
	cfg.Blob.Region = ParseString("SKALD_BLOB_REGION", cfg.Blob.Region)
	cfg.Blob.PathStyle = ParseBool("SKALD_BLOB_PATH_STYLE", cfg.Blob.PathStyle)

	cfg.Processing.WhisperModel = ParseString("SKALD_WHISPER_MODEL", cfg.Processing.WhisperModel)
	cfg.Processing.DiarizationModel = ParseString("SKALD_DIARIZATION_MODEL", cfg.Processing.DiarizationModel)
	cfg.Processing.ComputeType = ParseString("SKALD_COMPUTE_TYPE", cfg.Processing.ComputeType)
	cfg.Processing.BatchSize = ParseInt("SKALD_BATCH_SIZE", cfg.Processing.BatchSize)
	cfg.Processing.MinSpeakers = ParseInt("SKALD_MIN_SPEAKERS", cfg.Processing.MinSpeakers)
	cfg.Processing.MaxSpeakers = ParseInt("SKALD_MAX_SPEAKERS", cfg.Processing.MaxSpeakers)
	cfg.Processing.NumSpeakers = ParseInt("SKALD_NUM_SPEAKERS", cfg.Processing.NumSpeakers)
	cfg.Processing.GarbageCleanup.Enabled = ParseBool("SKALD_GARBAGE_CLEANUP", cfg.Processing.GarbageCleanup.Enabled)
	cfg.Processing.GarbageCleanup.MaxWordLength = ParseInt("SKALD_GARBAGE_MAX_WORD_LENGTH", cfg.Processing.GarbageCleanup.MaxWordLength)

	cfg.Recovery.SweepInterval = ParseDuration("SKALD_SWEEP_INTERVAL", cfg.Recovery.SweepInterval)
	cfg.Recovery.StuckWindow = ParseDuration("SKALD_STUCK_WINDOW", cfg.Recovery.StuckWindow)
	cfg.Recovery.AbandonedAfter = ParseDuration("SKALD_ABANDONED_AFTER", cfg.Recovery.AbandonedAfter)
	cfg.Recovery.CancelDeadline = ParseDuration("SKALD_CANCEL_DEADLINE", cfg.Recovery.CancelDeadline)
	cfg.Recovery.MaxRetries = ParseInt("SKALD_MAX_RETRIES", cfg.Recovery.MaxRetries)
	cfg.Recovery.RetryBase = ParseDuration("SKALD_RETRY_BASE", cfg.Recovery.RetryBase)
	cfg.Recovery.RetryMax = ParseDuration("SKALD_RETRY_MAX", cfg.Recovery.RetryMax)

	cfg.Runner.BaseURL = ParseString("SKALD_RUNNER_URL", cfg.Runner.BaseURL)
	cfg.Runner.Token = ParseString("SKALD_RUNNER_TOKEN", cfg.Runner.Token)
	cfg.Runner.Timeout = ParseDuration("SKALD_RUNNER_TIMEOUT", cfg.Runner.Timeout)

	cfg.LLM.BaseURL = ParseString("SKALD_LLM_BASE_URL", cfg.LLM.BaseURL)
	cfg.LLM.APIKey = ParseString("SKALD_LLM_API_KEY", cfg.LLM.APIKey)
	cfg.LLM.Model = ParseString("SKALD_LLM_MODEL", cfg.LLM.Model)
}

// Validate rejects configurations the daemon cannot run with.
func (c Config) Validate() error {
	if c.Data.Dir == "" {
		return fmt.Errorf("config: data dir must not be empty")
	}
	if c.Blob.Backend != "fs" && c.Blob.Backend != "s3" {
		return fmt.Errorf("config: unknown blob backend %q", c.Blob.Backend)
	}
	if c.Blob.Backend == "s3" && c.Blob.Bucket == "" {
		return fmt.Errorf("config: s3 backend requires a bucket")
	}
	if c.Processing.MinSpeakers < 1 {
		return fmt.Errorf("config: min_speakers must be >= 1")
	}
	if c.Processing.MaxSpeakers < c.Processing.MinSpeakers {
		return fmt.Errorf("config: max_speakers %d below min_speakers %d",
			c.Processing.MaxSpeakers, c.Processing.MinSpeakers)
	}
	if c.Recovery.MaxRetries < 0 {
		return fmt.Errorf("config: max_retries must be >= 0")
	}
	if c.Recovery.StuckWindow <= 0 {
		return fmt.Errorf("config: stuck_window must be positive")
	}
	if c.Runner.BaseURL == "" {
		return fmt.Errorf("config: runner base_url must not be empty")
	}
	return nil
}

// SummarizationEnabled reports whether an LLM provider is configured.
func (c Config) SummarizationEnabled() bool {
	return c.LLM.APIKey != ""
}
