// Copyright 2026 The KSI Authors
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
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ksi-project/ksid/internal/daemon"
	"github.com/ksi-project/ksid/internal/ksipath"
	"github.com/ksi-project/ksid/internal/transport"
)

// Config is ksid's on-disk configuration, loaded from a YAML file, the
// KSI_-prefixed environment, and command-line flags, in increasing order of
// precedence.
type Config struct {
	DataDir          string `mapstructure:"data_dir"`
	SocketPath       string `mapstructure:"socket_path"`
	SandboxRoot      string `mapstructure:"sandbox_root"`
	ProfilesDir      string `mapstructure:"profiles_dir"`
	DatabasePath     string `mapstructure:"database_path"`
	ConversationsDir string `mapstructure:"conversations_dir"`

	EncryptDatabase bool   `mapstructure:"encrypt_database"`
	EncryptionKey   string `mapstructure:"encryption_key"`

	Logging LoggingConfig `mapstructure:"logging"`

	Transport TransportConfig `mapstructure:"transport"`

	Bus BusConfig `mapstructure:"bus"`

	Router RouterConfig `mapstructure:"router"`

	Supervisor SupervisorConfig `mapstructure:"supervisor"`

	ProfileHotReloadDebounceMs int `mapstructure:"profile_hot_reload_debounce_ms"`

	DebugStackTraces bool `mapstructure:"debug_stack_traces"`
}

// LoggingConfig controls the global structured logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TransportConfig controls the Unix-socket frame server.
type TransportConfig struct {
	MaxFrameBytes  int           `mapstructure:"max_frame_bytes"`
	WriteQueueSize int           `mapstructure:"write_queue_size"`
	ShutdownDrain  time.Duration `mapstructure:"shutdown_drain"`
	OverflowPolicy string        `mapstructure:"overflow_policy"`
}

// BusConfig controls the in-process message bus's offline queueing and
// history retention.
type BusConfig struct {
	OfflineQueueCapacity int    `mapstructure:"offline_queue_capacity"`
	HistoryCapacity      int    `mapstructure:"history_capacity"`
	HistoryLogFile       string `mapstructure:"history_log_file"`
}

// RouterConfig controls the event router's re-entrancy guard.
type RouterConfig struct {
	MaxDepth int `mapstructure:"max_depth"`
}

// SupervisorConfig controls the subprocess supervisor's concurrency cap and
// shutdown grace period.
type SupervisorConfig struct {
	MaxInflight int           `mapstructure:"max_inflight"`
	Grace       time.Duration `mapstructure:"grace"`
}

// LoadConfig reads ksid's configuration from cfgFile (or, if empty, from the
// default search path under the data directory), overlaying KSI_-prefixed
// environment variables and any flags already bound via viper.BindPFlag, and
// returns the result. It uses the package-level viper instance so that the
// persistent flags bound in root.go's init take effect here.
func LoadConfig(cfgFile string) (*Config, error) {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("ksid")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(ksipath.DataDir())
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("KSI")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("data_dir", ksipath.DataDir())
	viper.SetDefault("socket_path", ksipath.SocketPath())
	viper.SetDefault("sandbox_root", ksipath.SandboxRoot())
	viper.SetDefault("profiles_dir", ksipath.ProfilesDir())
	viper.SetDefault("database_path", ksipath.DatabasePath())
	viper.SetDefault("conversations_dir", ksipath.SubDir("conversations"))
	viper.SetDefault("encrypt_database", false)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "console")

	viper.SetDefault("transport.max_frame_bytes", transport.DefaultMaxFrameBytes)
	viper.SetDefault("transport.write_queue_size", transport.DefaultWriteQueueSize)
	viper.SetDefault("transport.shutdown_drain", transport.DefaultShutdownDrain)
	viper.SetDefault("transport.overflow_policy", "drop_oldest")

	viper.SetDefault("bus.offline_queue_capacity", 64)
	viper.SetDefault("bus.history_capacity", 500)
	viper.SetDefault("bus.history_log_file", ksipath.SubDir("logs")+"/message_bus.jsonl")

	viper.SetDefault("router.max_depth", 16)

	viper.SetDefault("supervisor.max_inflight", 32)
	viper.SetDefault("supervisor.grace", 5*time.Second)

	viper.SetDefault("profile_hot_reload_debounce_ms", 250)
	viper.SetDefault("debug_stack_traces", false)
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	if c.EncryptDatabase && c.EncryptionKey == "" {
		return fmt.Errorf("encrypt_database is set but encryption_key is empty")
	}
	switch c.Transport.OverflowPolicy {
	case "drop_oldest", "disconnect":
	default:
		return fmt.Errorf("invalid transport.overflow_policy %q (want drop_oldest or disconnect)", c.Transport.OverflowPolicy)
	}
	if c.Router.MaxDepth <= 0 {
		return fmt.Errorf("router.max_depth must be positive")
	}
	if c.Supervisor.MaxInflight <= 0 {
		return fmt.Errorf("supervisor.max_inflight must be positive")
	}
	return nil
}

func (c *Config) overflowPolicy() transport.OverflowPolicy {
	if c.Transport.OverflowPolicy == "disconnect" {
		return transport.Disconnect
	}
	return transport.DropOldest
}

// daemonConfig translates the loaded file/env/flag configuration into
// internal/daemon's Config, which is the boundary the rest of the process
// wires against.
func (c *Config) daemonConfig() daemon.Config {
	return daemon.Config{
		SocketPath:       c.SocketPath,
		DataDir:          c.DataDir,
		SandboxRoot:      c.SandboxRoot,
		ProfilesDir:      c.ProfilesDir,
		ConversationsDir: c.ConversationsDir,
		BusHistoryLog:    c.Bus.HistoryLogFile,
		DatabasePath:     c.DatabasePath,

		EncryptDatabase: c.EncryptDatabase,
		EncryptionKey:   c.EncryptionKey,

		MaxFrameBytes:  c.Transport.MaxFrameBytes,
		WriteQueueSize: c.Transport.WriteQueueSize,
		ShutdownDrain:  c.Transport.ShutdownDrain,
		OverflowPolicy: c.overflowPolicy(),

		OfflineQueueCapacity: c.Bus.OfflineQueueCapacity,
		HistoryCapacity:      c.Bus.HistoryCapacity,

		RouterMaxDepth:          c.Router.MaxDepth,
		MaxInflightSubprocesses: c.Supervisor.MaxInflight,
		SupervisorGrace:         c.Supervisor.Grace,

		ProfileHotReloadDebounceMs: c.ProfileHotReloadDebounceMs,
		DebugStackTraces:           c.DebugStackTraces,
	}
}
