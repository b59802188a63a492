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
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Exit codes per the hosting-process contract.
const (
	exitOK            = 0
	exitConfigInvalid = 64
	exitStoreFailure  = 70
	exitStuckShutdown = 75
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "hived",
	Short: "Hive - multi-agent orchestration runtime",
	Long: `Hive daemon (hived) runs the multi-agent orchestration runtime:
durable state store, priority message bus, queen scheduler, team
coordinator, workflow engine, and cron-scheduled objectives.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./hived.yaml, /etc/hive/hived.yaml)")

	rootCmd.PersistentFlags().String("store-dsn", "", "state store DSN (postgres:// URL or SQLite path; empty = in-memory)")
	rootCmd.PersistentFlags().String("schedule-dir", "", "directory of cron schedule YAML files")
	rootCmd.PersistentFlags().Bool("schedule-hot-reload", true, "watch the schedule directory for changes")
	rootCmd.PersistentFlags().Int("max-agents", 0, "maximum spawned agents (0 = unlimited)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (json, console)")

	_ = viper.BindPFlag("store.dsn", rootCmd.PersistentFlags().Lookup("store-dsn"))
	_ = viper.BindPFlag("schedule.dir", rootCmd.PersistentFlags().Lookup("schedule-dir"))
	_ = viper.BindPFlag("schedule.hot_reload", rootCmd.PersistentFlags().Lookup("schedule-hot-reload"))
	_ = viper.BindPFlag("runtime.max_agents", rootCmd.PersistentFlags().Lookup("max-agents"))
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
}
