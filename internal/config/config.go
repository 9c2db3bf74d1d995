// Package config loads and validates the opsai engine's own configuration.
// It does not load worker, audit-sink, or notification configuration — those
// belong to the external embedder.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Mode selects the invocation surface, which bounds the maximum risk the
// safety pipeline will auto-allow.
type Mode string

const (
	ModeCLI Mode = "cli"
	ModeTUI Mode = "tui"
)

// CheckpointBackend selects the Checkpoint Store / Session Memory
// implementation.
type CheckpointBackend string

const (
	BackendMemory   CheckpointBackend = "memory"
	BackendFile     CheckpointBackend = "file"
	BackendRedis    CheckpointBackend = "redis"
	BackendPostgres CheckpointBackend = "postgres"
)

// Config is the fully resolved, validated configuration for one Engine.
// Constructed once via Load and handed to Engine.New; immutable afterward.
type Config struct {
	BaseDir string `yaml:"base_dir" validate:"required"`

	MaxIterations    int           `yaml:"max_iterations" validate:"min=1"`
	IterationTimeout time.Duration `yaml:"iteration_timeout" validate:"min=1s"`
	TurnTimeout      time.Duration `yaml:"turn_timeout" validate:"min=1s"`

	CLIMaxRisk string `yaml:"cli_max_risk" validate:"oneof=safe medium high"`
	TUIMaxRisk string `yaml:"tui_max_risk" validate:"oneof=safe medium high"`

	RiskAnalyzerEnabled      bool `yaml:"risk_analyzer_enabled"`
	RequireDryRunForHighRisk bool `yaml:"require_dry_run_for_high_risk"`
	AutoApproveOff           bool `yaml:"auto_approve_off"`

	MemoryCapacity  int           `yaml:"memory_capacity" validate:"min=1"`
	HistoryCapacity int           `yaml:"history_capacity" validate:"min=1"`
	ChangeRetention time.Duration `yaml:"change_retention" validate:"min=1h"`

	HistoryTruncateHead int `yaml:"history_truncate_head" validate:"min=1"`
	HistoryTruncateTail int `yaml:"history_truncate_tail" validate:"min=1"`

	PolicyRulesPath string `yaml:"policy_rules_path"`

	CheckpointBackend CheckpointBackend `yaml:"checkpoint_backend" validate:"oneof=memory file redis postgres"`
	RedisAddr         string            `yaml:"redis_addr"`
	PostgresDSN       string            `yaml:"postgres_dsn"`

	ExecutiveSummary bool `yaml:"executive_summary"`

	LLM LLMConfig `yaml:"llm"`
}

// LLMConfig describes the OpenAI-compatible endpoint the LLM Client talks to.
// The transport itself is an external collaborator; this struct
// only carries the parameters the typed client interface needs.
type LLMConfig struct {
	BaseURL             string        `yaml:"base_url" validate:"required,url"`
	Model               string        `yaml:"model" validate:"required"`
	APIKeyEnv           string        `yaml:"api_key_env"`
	Temperature         float64       `yaml:"temperature"`
	MaxTokens           int           `yaml:"max_tokens" validate:"min=1"`
	RequestTimeout      time.Duration `yaml:"request_timeout" validate:"min=1s"`
	MaxRetries          int           `yaml:"max_retries" validate:"min=0,max=10"`
	SupportsToolCalling bool          `yaml:"supports_tool_calling"`
}

// Defaults returns the built-in default configuration, applied before
// any file/env overrides.
func Defaults() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		BaseDir:                  filepath.Join(home, ".opsai"),
		MaxIterations:            8,
		IterationTimeout:         30 * time.Second,
		TurnTimeout:              120 * time.Second,
		CLIMaxRisk:               "high",
		TUIMaxRisk:               "medium",
		RiskAnalyzerEnabled:      true,
		RequireDryRunForHighRisk: true,
		MemoryCapacity:           200,
		HistoryCapacity:          20,
		ChangeRetention:          30 * 24 * time.Hour,
		HistoryTruncateHead:      2000,
		HistoryTruncateTail:      2000,
		CheckpointBackend:        BackendFile,
		LLM: LLMConfig{
			BaseURL:        "https://api.openai.com",
			Model:          "gpt-4o-mini",
			APIKeyEnv:      "OPSAI_LLM_API_KEY",
			MaxTokens:      2048,
			RequestTimeout: 30 * time.Second,
			MaxRetries:     3,
		},
	}
}

var validate = validator.New()

// Load reads opsai.yaml from configDir (if present), expands environment
// variables, merges it onto Defaults(), and validates the result. A missing
// file is not an error — Defaults() alone is a valid configuration.
//
// Steps:
//  1. Load .env (godotenv) so ${VAR} expansion below can see secrets.
//  2. Read + expand env vars in the YAML file (if present).
//  3. Unmarshal onto a copy of Defaults() via mergo.
//  4. Validate.
func Load(configDir string) (*Config, error) {
	_ = godotenv.Load(filepath.Join(configDir, ".env"))

	cfg := Defaults()

	path := filepath.Join(configDir, "opsai.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, validateConfig(cfg)
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	expanded := []byte(os.Expand(string(data), os.Getenv))

	var fileCfg Config
	if err := yaml.Unmarshal(expanded, &fileCfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if err := mergo.Merge(cfg, fileCfg, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge configuration: %w", err)
	}

	return cfg, validateConfig(cfg)
}

func validateConfig(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}
