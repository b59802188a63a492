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
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/teradata-labs/hive/pkg/runtime"
)

// shutdownGrace bounds the ordered shutdown before the process gives up
// and exits with the stuck-shutdown code.
const shutdownGrace = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the hive runtime",
	Long: `Start the hive runtime daemon.

The daemon will:
- Open the state store (SQLite or Postgres, by DSN)
- Start the queen scheduler's control loops
- Load cron schedules from the schedule directory (if configured)
- Run until SIGINT/SIGTERM, then shut down in dependency order.`,
	Run: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) {
	cfg, err := LoadConfig(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(exitConfigInvalid)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(exitConfigInvalid)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting hived")
	if used := viper.ConfigFileUsed(); used != "" {
		logger.Info("config file loaded", zap.String("path", used))
	} else {
		logger.Info("no config file found, using defaults + environment")
	}

	rt, err := runtime.New(cfg.runtimeConfig(), nil, logger)
	if err != nil {
		logger.Error("state store unreachable", zap.Error(err))
		os.Exit(exitStoreFailure)
	}

	ctx := context.Background()
	if err := rt.Start(ctx); err != nil {
		logger.Error("startup failed", zap.Error(err))
		shutdownCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
		defer cancel()
		_ = rt.Shutdown(shutdownCtx)
		os.Exit(exitStoreFailure)
	}
	logger.Info("hived running", zap.String("store_dsn", redactDSN(cfg.Store.DSN)))

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, os.Interrupt, syscall.SIGTERM)
	sig := <-sigch
	logger.Info("shutting down", zap.String("signal", sig.String()))

	// A second signal aborts immediately.
	go func() {
		<-sigch
		logger.Warn("forced exit")
		os.Exit(exitStuckShutdown)
	}()

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()
	if err := rt.Shutdown(shutdownCtx); err != nil {
		if shutdownCtx.Err() != nil {
			logger.Error("shutdown stuck", zap.Error(err))
			os.Exit(exitStuckShutdown)
		}
		logger.Error("shutdown finished with errors", zap.Error(err))
	}
	logger.Info("shutdown complete")
	os.Exit(exitOK)
}

// buildLogger constructs the process logger from the logging config.
func buildLogger(cfg LoggingConfig) (*zap.Logger, error) {
	zapConfig := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapConfig.Encoding = "console"
	}

	level := zap.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
		}
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	if cfg.File != "" {
		zapConfig.OutputPaths = []string{cfg.File}
		zapConfig.ErrorOutputPaths = []string{cfg.File}
	}
	return zapConfig.Build(zap.AddStacktrace(zap.ErrorLevel))
}

// redactDSN hides credentials embedded in a postgres URL.
func redactDSN(dsn string) string {
	if dsn == "" {
		return "(in-memory sqlite)"
	}
	at := strings.LastIndexByte(dsn, '@')
	scheme := strings.Index(dsn, "://")
	if at >= 0 && scheme >= 0 && scheme+3 < at {
		return dsn[:scheme+3] + "***" + dsn[at:]
	}
	return dsn
}
