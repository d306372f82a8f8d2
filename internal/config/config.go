package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DiscordConfig holds settings for the Discord adapter.
type DiscordConfig struct {
	Token           string  `yaml:"token"`
	AllowedGuildIDs []int64 `yaml:"allowed_guild_ids"`
	AllowedChanIDs  []int64 `yaml:"allowed_channel_ids"`
	Enabled         bool    `yaml:"enabled"`
}

type ChannelsConfig struct {
	Discord DiscordConfig `yaml:"discord"`
}

// SchedulerConfig controls the trigger-task polling loop.
type SchedulerConfig struct {
	// PollIntervalSeconds is how often the scheduler sweeps for due
	// time.wait_until and time.cron trigger tasks. Default 5.
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
}

// ResolverConfig controls the timeout-sweep resolver.
type ResolverConfig struct {
	// TimeoutSweepIntervalSeconds is how often the timeout resolver
	// scans for expired wait_for_reply/wait_until tasks. Default 10.
	TimeoutSweepIntervalSeconds int `yaml:"timeout_sweep_interval_seconds"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	// DBPath is the path to the SQLite workflow store, relative to
	// HomeDir unless absolute. Default "workflow.db".
	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`

	Scheduler SchedulerConfig `yaml:"scheduler"`
	Resolver  ResolverConfig  `yaml:"resolver"`
	Channels  ChannelsConfig  `yaml:"channels"`

	// RetentionResolvedWorkflowsDays prunes resolved/cancelled workflows
	// older than this many days. 0 = keep forever.
	RetentionResolvedWorkflowsDays int `yaml:"retention_resolved_workflows_days"`

	OTel OTelSection `yaml:"otel,omitempty"`

	NeedsGenesis bool `yaml:"-"`
}

// OTelSection mirrors otel.Config's yaml shape without importing the
// otel package here, to keep config's dependency surface minimal.
type OTelSection struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// ResolvedDBPath returns DBPath joined against HomeDir when relative.
func (c Config) ResolvedDBPath() string {
	if filepath.IsAbs(c.DBPath) {
		return c.DBPath
	}
	return filepath.Join(c.HomeDir, c.DBPath)
}

// Fingerprint returns a stable hash of the active config, useful for
// logging which settings a process booted with without dumping secrets.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "db=%s|log=%s|sched=%d|resolve=%d|retention=%d",
		c.DBPath, c.LogLevel, c.Scheduler.PollIntervalSeconds,
		c.Resolver.TimeoutSweepIntervalSeconds, c.RetentionResolvedWorkflowsDays)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		DBPath:                         "workflow.db",
		LogLevel:                       "info",
		Scheduler:                      SchedulerConfig{PollIntervalSeconds: 5},
		Resolver:                       ResolverConfig{TimeoutSweepIntervalSeconds: 10},
		RetentionResolvedWorkflowsDays: 90,
	}
}

func HomeDir() string {
	if override := os.Getenv("WFENGINE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".wfengine")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create wfengine home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = "workflow.db"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Scheduler.PollIntervalSeconds <= 0 {
		cfg.Scheduler.PollIntervalSeconds = 5
	}
	if cfg.Resolver.TimeoutSweepIntervalSeconds <= 0 {
		cfg.Resolver.TimeoutSweepIntervalSeconds = 10
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("WFENGINE_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("WFENGINE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("WFENGINE_SCHEDULER_POLL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Scheduler.PollIntervalSeconds = v
		}
	}
	if raw := os.Getenv("WFENGINE_RESOLVER_SWEEP_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Resolver.TimeoutSweepIntervalSeconds = v
		}
	}
	if raw := os.Getenv("DISCORD_TOKEN"); raw != "" {
		cfg.Channels.Discord.Token = raw
		cfg.Channels.Discord.Enabled = true
	}
}
