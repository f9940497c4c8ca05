// Package harnessconfig loads the ambient configuration every harness
// subsystem reads its defaults from (spec §4.10): YAML-driven, with a
// per-subsystem sub-struct and an applyDefaults clamp-to-default pass,
// mirroring internal/config/config.go's Load/applyDefaults split in the
// teacher (haasonsaas-nexus).
package harnessconfig

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root harness configuration document.
type Config struct {
	Loop           LoopConfig           `yaml:"loop"`
	DoomLoop       DoomLoopConfig       `yaml:"doom_loop"`
	ContextManager ContextManagerConfig `yaml:"context_manager"`
	SubAgentPool   SubAgentPoolConfig   `yaml:"sub_agent_pool"`
	Retry          RetryConfig          `yaml:"retry"`
	WorkerManager  WorkerManagerConfig  `yaml:"worker_manager"`
}

// LoopConfig configures internal/agentloop (spec §4.5).
type LoopConfig struct {
	MaxSteps        int           `yaml:"max_steps"`
	PipelineTimeout time.Duration `yaml:"pipeline_timeout"`
}

// DoomLoopConfig configures internal/doomloop (spec §4.3).
type DoomLoopConfig struct {
	MaxConsecutive      int `yaml:"max_consecutive"`
	MaxTotal            int `yaml:"max_total"`
	WindowSize          int `yaml:"window_size"`
	RepetitionThreshold int `yaml:"repetition_threshold"`
}

// ContextManagerConfig configures internal/contextmgr (spec §4.2).
type ContextManagerConfig struct {
	DefaultMaxTokens   int `yaml:"default_max_tokens"`
	ReservedForOutput  int `yaml:"reserved_for_output"`
	KeepRecentMessages int `yaml:"keep_recent_messages"`
	SummaryMaxTokens   int `yaml:"summary_max_tokens"`
}

// SubAgentPoolConfig configures internal/subagentpool (spec §4.6).
type SubAgentPoolConfig struct {
	TierLimits map[string]int `yaml:"tier_limits"`
}

// RetryConfig configures internal/retrypolicy (spec §4.7).
type RetryConfig struct {
	MaxAttempts   int   `yaml:"max_attempts"`
	BaseDelayMs   int64 `yaml:"base_delay_ms"`
	MaxDelayMs    int64 `yaml:"max_delay_ms"`
	MaxDurationMs int64 `yaml:"max_duration_ms"`
}

// WorkerManagerConfig configures internal/workermanager (spec §4.8).
type WorkerManagerConfig struct {
	MaxConcurrentWorkers    int           `yaml:"max_concurrent_workers"`
	TaskTimeout             time.Duration `yaml:"task_timeout"`
	RestartRecoverySchedule string        `yaml:"restart_recovery_schedule"`
}

// Load reads, parses, defaults, and validates a harness configuration
// file. Environment variables in ${VAR} form are expanded before
// parsing, and the document is rejected if it contains more than one
// YAML document, mirroring config.Load in haasonsaas-nexus.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("harnessconfig: read file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("harnessconfig: parse: %w", err)
	}
	if err := decoder.Decode(new(struct{})); err != io.EOF {
		return nil, fmt.Errorf("harnessconfig: expected a single YAML document")
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns a Config populated entirely with the spec's stated
// defaults, for callers that do not load from a file.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	applyLoopDefaults(&cfg.Loop)
	applyDoomLoopDefaults(&cfg.DoomLoop)
	applyContextManagerDefaults(&cfg.ContextManager)
	applySubAgentPoolDefaults(&cfg.SubAgentPool)
	applyRetryDefaults(&cfg.Retry)
	applyWorkerManagerDefaults(&cfg.WorkerManager)
}

func applyLoopDefaults(cfg *LoopConfig) {
	if cfg.MaxSteps == 0 {
		cfg.MaxSteps = 25
	}
	if cfg.PipelineTimeout == 0 {
		cfg.PipelineTimeout = 30 * time.Second
	}
}

func applyDoomLoopDefaults(cfg *DoomLoopConfig) {
	if cfg.MaxConsecutive == 0 {
		cfg.MaxConsecutive = 3
	}
	if cfg.MaxTotal == 0 {
		cfg.MaxTotal = 5
	}
	if cfg.WindowSize == 0 {
		cfg.WindowSize = 10
	}
	if cfg.RepetitionThreshold == 0 {
		cfg.RepetitionThreshold = 3
	}
}

func applyContextManagerDefaults(cfg *ContextManagerConfig) {
	if cfg.DefaultMaxTokens == 0 {
		cfg.DefaultMaxTokens = 128000
	}
	if cfg.ReservedForOutput == 0 {
		cfg.ReservedForOutput = 4096
	}
	if cfg.KeepRecentMessages == 0 {
		cfg.KeepRecentMessages = 10
	}
	if cfg.SummaryMaxTokens == 0 {
		cfg.SummaryMaxTokens = 2000
	}
}

func applySubAgentPoolDefaults(cfg *SubAgentPoolConfig) {
	if cfg.TierLimits == nil {
		cfg.TierLimits = map[string]int{
			"free": 2,
			"pro":  5,
			"team": 15,
		}
	}
}

func applyRetryDefaults(cfg *RetryConfig) {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelayMs == 0 {
		cfg.BaseDelayMs = 1000
	}
	if cfg.MaxDelayMs == 0 {
		cfg.MaxDelayMs = 30000
	}
	if cfg.MaxDurationMs == 0 {
		cfg.MaxDurationMs = 60000
	}
}

func applyWorkerManagerDefaults(cfg *WorkerManagerConfig) {
	if cfg.MaxConcurrentWorkers == 0 {
		cfg.MaxConcurrentWorkers = 3
	}
	if cfg.TaskTimeout == 0 {
		cfg.TaskTimeout = 10 * time.Minute
	}
}

func validate(cfg *Config) error {
	if cfg.Loop.MaxSteps < 0 {
		return fmt.Errorf("harnessconfig: loop.max_steps must be non-negative")
	}
	if cfg.DoomLoop.MaxConsecutive <= 0 || cfg.DoomLoop.MaxTotal <= 0 {
		return fmt.Errorf("harnessconfig: doom_loop thresholds must be positive")
	}
	if cfg.WorkerManager.MaxConcurrentWorkers <= 0 {
		return fmt.Errorf("harnessconfig: worker_manager.max_concurrent_workers must be positive")
	}
	return nil
}
