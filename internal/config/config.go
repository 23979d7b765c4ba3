package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/loykin/reclaimr/internal/cron"
	"github.com/loykin/reclaimr/internal/idle"
	"github.com/loykin/reclaimr/internal/logger"
	"github.com/loykin/reclaimr/internal/negotiate"
	"github.com/loykin/reclaimr/internal/reclaim"
	"github.com/loykin/reclaimr/internal/sampler"
	"github.com/loykin/reclaimr/internal/scorer"
	"github.com/loykin/reclaimr/internal/tls"
	"github.com/loykin/reclaimr/internal/training"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. RECLAIMR_GOVERNANCE_MODE.
const EnvPrefix = "RECLAIMR"

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	Log         logger.Config    `mapstructure:"log"`
	Governance  GovernanceConfig `mapstructure:"governance"`
	Idle        idle.Config      `mapstructure:"idle"`
	Negotiation negotiate.Config `mapstructure:"negotiation"`
	Scorer      ScorerConfig     `mapstructure:"scorer"`
	Sampler     sampler.Config   `mapstructure:"sampler"`
	Refresh     RefreshConfig    `mapstructure:"refresh"`
	Sweep       SweepConfig      `mapstructure:"sweep"`
	History     HistoryConfig    `mapstructure:"history"`
	Server      ServerConfig     `mapstructure:"server"`
	Metrics     MetricsConfig    `mapstructure:"metrics"`
}

type GovernanceConfig struct {
	Mode string `mapstructure:"mode"`
}

// ScorerConfig selects the model and how it is retrained.
// With an empty TrainerCommand retraining runs in process from CorpusPath.
type ScorerConfig struct {
	FeatureShape    string          `mapstructure:"feature_shape"`
	ModelPath       string          `mapstructure:"model_path"`
	CorpusPath      string          `mapstructure:"corpus_path"`
	TrainerCommand  []string        `mapstructure:"trainer_command"`
	TrainerDir      string          `mapstructure:"trainer_dir"`
	Env             []string        `mapstructure:"env"`
	EnvFiles        []string        `mapstructure:"env_files"`
	UseOSEnv        bool            `mapstructure:"use_os_env"`
	Training        training.Params `mapstructure:"training"`
	CollectDuration time.Duration   `mapstructure:"collect_duration"`
	CollectInterval time.Duration   `mapstructure:"collect_interval"`
}

type RefreshConfig struct {
	Schedule string `mapstructure:"schedule"`
	Timezone string `mapstructure:"timezone"`
}

// SweepConfig schedules whole-system sweeps. An empty schedule disables them.
type SweepConfig struct {
	Schedule string `mapstructure:"schedule"`
	Mode     string `mapstructure:"mode"`
}

// HistoryConfig lists audit sinks by DSN. Memory keeps the last N events in process.
type HistoryConfig struct {
	DSNs   []string `mapstructure:"dsns"`
	Memory int      `mapstructure:"memory"`
}

type ServerConfig struct {
	Enabled  bool       `mapstructure:"enabled"`
	Listen   string     `mapstructure:"listen"`
	BasePath string     `mapstructure:"base_path"`
	TLS      tls.Config `mapstructure:"tls"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Default returns the built-in configuration.
func Default() FileConfig {
	return FileConfig{
		Log:         logger.Config{Level: "info", Format: "text"},
		Governance:  GovernanceConfig{Mode: string(reclaim.DryRun)},
		Idle:        idle.DefaultConfig(),
		Negotiation: negotiate.DefaultConfig(),
		Scorer: ScorerConfig{
			FeatureShape:    string(scorer.ShapeRuntime),
			ModelPath:       "process_priority_model.json",
			CorpusPath:      "process_data.csv",
			Training:        training.DefaultParams(),
			CollectDuration: 60 * time.Second,
			CollectInterval: 5 * time.Second,
		},
		Sampler: sampler.Config{Enabled: true, Interval: 2 * time.Second, MaxHistory: 300, DiskPath: "/", GPU: true},
		Refresh: RefreshConfig{Schedule: "@every 10s"},
		History: HistoryConfig{Memory: 1000},
		Server:  ServerConfig{Listen: "127.0.0.1:8080", BasePath: "/api"},
		Metrics: MetricsConfig{Enabled: true},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("governance.mode", d.Governance.Mode)
	v.SetDefault("idle.owner_threshold", d.Idle.OwnerThreshold)
	v.SetDefault("idle.whitelist", d.Idle.Whitelist)
	v.SetDefault("idle.cpu_threshold_percent", d.Idle.CPUThresholdPercent)
	v.SetDefault("idle.memory_threshold_mb", d.Idle.MemoryThresholdMB)
	v.SetDefault("idle.min_age_seconds", d.Idle.MinAgeSeconds)
	v.SetDefault("negotiation.target_memory_percent", d.Negotiation.TargetMemoryPercent)
	v.SetDefault("negotiation.suggestion_threshold", d.Negotiation.SuggestionThreshold)
	v.SetDefault("negotiation.include_unscored", d.Negotiation.IncludeUnscored)
	v.SetDefault("scorer.feature_shape", d.Scorer.FeatureShape)
	v.SetDefault("scorer.model_path", d.Scorer.ModelPath)
	v.SetDefault("scorer.corpus_path", d.Scorer.CorpusPath)
	v.SetDefault("scorer.training.rounds", d.Scorer.Training.Rounds)
	v.SetDefault("scorer.training.max_depth", d.Scorer.Training.MaxDepth)
	v.SetDefault("scorer.training.learning_rate", d.Scorer.Training.LearningRate)
	v.SetDefault("scorer.training.min_leaf", d.Scorer.Training.MinLeaf)
	v.SetDefault("scorer.collect_duration", d.Scorer.CollectDuration)
	v.SetDefault("scorer.collect_interval", d.Scorer.CollectInterval)
	v.SetDefault("sampler.enabled", d.Sampler.Enabled)
	v.SetDefault("sampler.interval", d.Sampler.Interval)
	v.SetDefault("sampler.max_history", d.Sampler.MaxHistory)
	v.SetDefault("sampler.disk_path", d.Sampler.DiskPath)
	v.SetDefault("sampler.gpu", d.Sampler.GPU)
	v.SetDefault("refresh.schedule", d.Refresh.Schedule)
	v.SetDefault("history.memory", d.History.Memory)
	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.base_path", d.Server.BasePath)
	v.SetDefault("server.tls.enabled", d.Server.TLS.Enabled)
	v.SetDefault("server.tls.auto_generate", d.Server.TLS.AutoGenerate)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
}

// Load reads the TOML file at path (optional), applies defaults and RECLAIMR_*
// environment overrides, and validates the result.
func Load(path string) (FileConfig, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return FileConfig{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return FileConfig{}, fmt.Errorf("decode config: %w", err)
	}
	if err := fc.Validate(); err != nil {
		return FileConfig{}, err
	}
	return fc, nil
}

// Validate checks the configuration and normalizes it in place.
func (fc *FileConfig) Validate() error {
	var errs []error
	mode, err := reclaim.ParseMode(fc.Governance.Mode)
	if err != nil {
		errs = append(errs, fmt.Errorf("governance.mode: %w", err))
	}
	fc.Negotiation.Mode = mode
	fc.Governance.Mode = string(mode)

	if norm, err := fc.Idle.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("idle: %w", err))
	} else {
		fc.Idle = norm
	}

	n := fc.Negotiation
	if n.TargetMemoryPercent <= 0 || n.TargetMemoryPercent > 100 {
		errs = append(errs, fmt.Errorf("negotiation.target_memory_percent must be in (0,100], got %v", n.TargetMemoryPercent))
	}
	if n.SuggestionThreshold < 0 {
		errs = append(errs, fmt.Errorf("negotiation.suggestion_threshold must be >= 0, got %v", n.SuggestionThreshold))
	}

	shape, err := scorer.ParseShape(fc.Scorer.FeatureShape)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("scorer.feature_shape: %w", err))
	case shape != scorer.ShapeRuntime:
		errs = append(errs, fmt.Errorf("scorer.feature_shape %q is not supported for governance, use %q", shape, scorer.ShapeRuntime))
	}

	if fc.Sampler.Enabled && fc.Sampler.Interval <= 0 {
		errs = append(errs, errors.New("sampler.interval must be positive"))
	}
	if err := cron.ValidateSchedule(fc.Refresh.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("refresh.schedule: %w", err))
	}
	if fc.Sweep.Schedule != "" {
		if err := cron.ValidateSchedule(fc.Sweep.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("sweep.schedule: %w", err))
		}
	}
	if fc.Sweep.Mode == "" {
		fc.Sweep.Mode = string(mode)
	} else if m, err := reclaim.ParseMode(fc.Sweep.Mode); err != nil {
		errs = append(errs, fmt.Errorf("sweep.mode: %w", err))
	} else {
		fc.Sweep.Mode = string(m)
	}
	if fc.Server.Enabled && fc.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required when the server is enabled"))
	}
	if err := fc.Server.TLS.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// TrainerEnv merges the trainer environment: OS env (when enabled) provides the
// base, then env_files in order, then the env list overrides last.
func (s ScorerConfig) TrainerEnv() ([]string, error) {
	if !s.UseOSEnv && len(s.EnvFiles) == 0 && len(s.Env) == 0 {
		return nil, nil
	}
	m := make(map[string]string)
	if s.UseOSEnv {
		mergePairs(m, os.Environ())
	}
	for _, p := range s.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	mergePairs(m, s.Env)
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

func mergePairs(m map[string]string, kvs []string) {
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
}

// LoadEnvFile parses a simple .env file and returns "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

// loadEnvFile parses KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			m[strings.TrimSpace(line[:i])] = strings.TrimSpace(line[i+1:])
		}
	}
	return m, nil
}
