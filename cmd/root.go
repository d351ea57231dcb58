// Copyright (c) Yellowbox AU
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/Yellowbox-AU/debugbridge"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "debugbridge",
	Short: "Bridge debugger frontends to application inspectors on devices",
	Long: `debugbridge exposes the inspector socket of an application running on a
device as a local endpoint: a DevTools WebSocket or a raw byte stream.

Configuration is read from DEBUGBRIDGE_* environment variables, optionally
loaded from a .env file.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional file of environment variables")
}

// loadConfig loads the optional env file, then parses the configuration.
// envLoaded reports whether the env file was read.
func loadConfig() (cfg debugbridge.Config, envLoaded bool, err error) {
	envLoaded = godotenv.Load(envFile) == nil

	cfg, err = debugbridge.NewConfig(env.Options{Prefix: debugbridge.EnvPrefix})
	if err != nil {
		return debugbridge.Config{}, envLoaded, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, envLoaded, nil
}
