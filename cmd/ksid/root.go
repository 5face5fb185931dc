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
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ksi-project/ksid/internal/version"
)

var (
	cfgFile string
	config  *Config
)

var rootCmd = &cobra.Command{
	Use:     "ksid",
	Short:   "ksid - local orchestrator daemon for LLM agent subprocesses",
	Long:    `ksid supervises long-running LLM agent subprocesses over a Unix-socket JSON event bus, routing events between agents and enforcing per-agent sandboxing and permission profiles.`,
	Version: version.Get(),
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $KSI_DATA_DIR/ksid.yaml)")

	rootCmd.PersistentFlags().String("socket", "", "control socket path (default: $KSI_DATA_DIR/ksid.sock)")
	rootCmd.PersistentFlags().String("data-dir", "", "data directory (default: $KSI_DATA_DIR or ~/.ksi)")
	rootCmd.PersistentFlags().String("sandbox-root", "", "root directory for per-agent sandboxes")
	rootCmd.PersistentFlags().String("profiles-dir", "", "directory containing permission profile YAML files")

	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "console", "log format (console, json)")

	rootCmd.PersistentFlags().Int("max-inflight", 32, "maximum concurrent subprocess spawns")
	rootCmd.PersistentFlags().Int("router-max-depth", 16, "maximum event re-emission depth before the router refuses further dispatch")

	_ = viper.BindPFlag("socket_path", rootCmd.PersistentFlags().Lookup("socket"))
	_ = viper.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	_ = viper.BindPFlag("sandbox_root", rootCmd.PersistentFlags().Lookup("sandbox-root"))
	_ = viper.BindPFlag("profiles_dir", rootCmd.PersistentFlags().Lookup("profiles-dir"))

	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))

	_ = viper.BindPFlag("supervisor.max_inflight", rootCmd.PersistentFlags().Lookup("max-inflight"))
	_ = viper.BindPFlag("router.max_depth", rootCmd.PersistentFlags().Lookup("router-max-depth"))
}

func initConfig() {
	var err error
	config, err = LoadConfig(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
}
