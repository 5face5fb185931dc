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
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ksi-project/ksid/internal/daemon"
	"github.com/ksi-project/ksid/internal/log"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ksid daemon",
	Long:  `serve opens the control socket, loads permission profiles and agent state, and begins accepting agent connections until interrupted.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := log.Configure(config.Logging.Level, config.Logging.Format); err != nil {
		return fmt.Errorf("configuring logger: %w", err)
	}
	logger := log.Logger()

	d, err := daemon.New(config.daemonConfig(), logger)
	if err != nil {
		return fmt.Errorf("initializing daemon: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigch
		logger.Info("shutting down gracefully... (press Ctrl+C again to force)")
		cancel()

		<-sigch
		logger.Warn("force shutdown requested")
		os.Exit(1)
	}()

	runErr := make(chan error, 1)
	go func() {
		runErr <- d.Run(ctx)
	}()

	select {
	case err := <-runErr:
		if err != nil {
			return fmt.Errorf("daemon exited: %w", err)
		}
		return nil
	case <-ctx.Done():
		select {
		case err := <-runErr:
			if err != nil {
				logger.Warn("daemon exited with error during shutdown", zap.Error(err))
			}
			logger.Info("shutdown complete")
			return nil
		case <-time.After(15 * time.Second):
			logger.Warn("daemon did not stop within the grace period, forcing exit")
			os.Exit(1)
			return nil
		}
	}
}
