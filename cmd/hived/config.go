// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/teradata-labs/hive/pkg/runtime"
)

// DefaultConfigFileName is the config file looked up when --config is
// not given.
const DefaultConfigFileName = "hived"

// Config holds the daemon configuration.
// Priority: CLI flags > config file > env vars > defaults.
type Config struct {
	Store    StoreConfig    `mapstructure:"store"`
	Runtime  RuntimeConfig  `mapstructure:"runtime"`
	Bus      BusConfig      `mapstructure:"bus"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// StoreConfig selects and tunes the state store backend.
type StoreConfig struct {
	// DSN is a postgres:// URL or a SQLite path/URI; empty means
	// in-memory SQLite.
	DSN string `mapstructure:"dsn"`
}

// RuntimeConfig carries the core runtime knobs, each bound to its
// RUNTIME_* environment variable.
type RuntimeConfig struct {
	SnapshotIntervalMs int     `mapstructure:"snapshot_interval_ms"`
	EventBufferSize    int     `mapstructure:"event_buffer_size"`
	EventFlushMs       int     `mapstructure:"event_flush_ms"`
	MaxAgents          int     `mapstructure:"max_agents"`
	StallThresholdMs   int     `mapstructure:"stall_threshold_ms"`
	HeartbeatMs        int     `mapstructure:"heartbeat_ms"`
	ConsensusThreshold float64 `mapstructure:"consensus_threshold"`
}

// BusConfig tunes mailbox backpressure.
type BusConfig struct {
	SoftLimit int `mapstructure:"soft_limit"`
	HardLimit int `mapstructure:"hard_limit"`
}

// ScheduleConfig points at the cron schedule directory.
type ScheduleConfig struct {
	Dir       string `mapstructure:"dir"`
	HotReload bool   `mapstructure:"hot_reload"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// LoadConfig reads the config file (when present), environment
// variables, and defaults into a Config.
func LoadConfig(cfgFile string) (*Config, error) {
	v := viper.GetViper()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/hive/")
		v.SetConfigName(DefaultConfigFileName)
	}
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	bindEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.dsn", "")
	v.SetDefault("runtime.snapshot_interval_ms", 60_000)
	v.SetDefault("runtime.event_buffer_size", 100)
	v.SetDefault("runtime.event_flush_ms", 5_000)
	v.SetDefault("runtime.max_agents", 0)
	v.SetDefault("runtime.stall_threshold_ms", 600_000)
	v.SetDefault("runtime.heartbeat_ms", 10_000)
	v.SetDefault("runtime.consensus_threshold", 0.66)
	v.SetDefault("bus.soft_limit", 10_000)
	v.SetDefault("bus.hard_limit", 100_000)
	v.SetDefault("schedule.dir", "")
	v.SetDefault("schedule.hot_reload", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// bindEnv wires the documented RUNTIME_* variables explicitly; they do
// not follow a single prefix-replacer scheme, so each is bound by name.
func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("store.dsn", "RUNTIME_STORE_DSN")
	_ = v.BindEnv("runtime.snapshot_interval_ms", "RUNTIME_SNAPSHOT_INTERVAL_MS")
	_ = v.BindEnv("runtime.event_buffer_size", "RUNTIME_EVENT_BUFFER_SIZE")
	_ = v.BindEnv("runtime.event_flush_ms", "RUNTIME_EVENT_FLUSH_MS")
	_ = v.BindEnv("runtime.max_agents", "RUNTIME_MAX_AGENTS")
	_ = v.BindEnv("runtime.stall_threshold_ms", "RUNTIME_STALL_THRESHOLD_MS")
	_ = v.BindEnv("runtime.heartbeat_ms", "RUNTIME_HEARTBEAT_MS")
	_ = v.BindEnv("runtime.consensus_threshold", "RUNTIME_CONSENSUS_THRESHOLD")
	_ = v.BindEnv("schedule.dir", "RUNTIME_SCHEDULE_DIR")
}

// Validate rejects configurations the runtime cannot start with.
func (c *Config) Validate() error {
	if c.Runtime.ConsensusThreshold <= 0 || c.Runtime.ConsensusThreshold > 1 {
		return fmt.Errorf("runtime.consensus_threshold %v outside (0,1]", c.Runtime.ConsensusThreshold)
	}
	if c.Runtime.SnapshotIntervalMs < 0 || c.Runtime.EventFlushMs < 0 ||
		c.Runtime.StallThresholdMs < 0 || c.Runtime.HeartbeatMs < 0 {
		return fmt.Errorf("negative interval in runtime config")
	}
	if c.Runtime.EventBufferSize < 0 || c.Runtime.MaxAgents < 0 {
		return fmt.Errorf("negative size in runtime config")
	}
	if c.Bus.SoftLimit < 0 || c.Bus.HardLimit < 0 {
		return fmt.Errorf("negative mailbox limit")
	}
	if c.Bus.SoftLimit > 0 && c.Bus.HardLimit > 0 && c.Bus.SoftLimit > c.Bus.HardLimit {
		return fmt.Errorf("bus.soft_limit %d exceeds bus.hard_limit %d", c.Bus.SoftLimit, c.Bus.HardLimit)
	}
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("logging.format %q (want json or console)", c.Logging.Format)
	}
	return nil
}

// RuntimeConfig maps the daemon config onto the composition config.
func (c *Config) runtimeConfig() runtime.Config {
	return runtime.Config{
		StoreDSN:           c.Store.DSN,
		EventBufferSize:    c.Runtime.EventBufferSize,
		EventFlushInterval: time.Duration(c.Runtime.EventFlushMs) * time.Millisecond,
		SnapshotInterval:   time.Duration(c.Runtime.SnapshotIntervalMs) * time.Millisecond,
		MaxAgents:          c.Runtime.MaxAgents,
		StallThreshold:     time.Duration(c.Runtime.StallThresholdMs) * time.Millisecond,
		HeartbeatInterval:  time.Duration(c.Runtime.HeartbeatMs) * time.Millisecond,
		ConsensusThreshold: c.Runtime.ConsensusThreshold,
		MailboxSoftLimit:   c.Bus.SoftLimit,
		MailboxHardLimit:   c.Bus.HardLimit,
		ScheduleDir:        c.Schedule.Dir,
		ScheduleHotReload:  c.Schedule.HotReload,
	}
}
