// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the thv-bff command-line application.
package app

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/toolhive-bff/pkg/config"
	"github.com/stacklok/toolhive-bff/pkg/logger"
	"github.com/stacklok/toolhive-bff/pkg/server"
	"github.com/stacklok/toolhive-bff/pkg/versions"
)

// NewRootCmd creates a new root command for the thv-bff CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "thv-bff",
		DisableAutoGenTag: true,
		Short:             "Browser session gateway for single-page applications",
		Long: `thv-bff keeps OAuth tokens out of the browser. It signs users in with an
OpenID Connect provider, holds their tokens in a server-side session, and
forwards API calls from the browser with the right access token attached.

It also accepts back-channel logout notifications from the identity provider
and ends every matching session.`,
		Run: func(cmd *cobra.Command, _ []string) {
			// If no subcommand is provided, print help
			if err := cmd.Help(); err != nil {
				logger.Errorf("Error displaying help: %v", err)
			}
		},
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the gateway configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// loadConfig reads and validates the configuration named by --config,
// falling back to environment variables alone.
func loadConfig() (*config.Config, error) {
	configPath := viper.GetString("config")
	if configPath != "" {
		logger.Infof("Loading configuration from: %s", configPath)
	}

	cfg, err := config.NewLoader(configPath).Load()
	if err != nil {
		return nil, fmt.Errorf("configuration loading failed: %w", err)
	}
	if err := config.NewValidator().Validate(cfg); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		Long: `Start the gateway using the configuration file given with --config.
Every setting can be overridden with THV_BFF_ environment variables.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			srv, err := server.New(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to create server: %w", err)
			}
			logger.Infof("Serving %d API route(s), management endpoints under %s", len(cfg.Routes), cfg.BasePath)
			return srv.Run(cmd.Context())
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		Long: `Load the configuration the same way serve does and report every problem
without contacting the identity provider.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "✓ Configuration is valid")
			fmt.Fprintf(out, "  Issuer: %s\n", cfg.OIDC.Issuer)
			fmt.Fprintf(out, "  Session store: %s\n", cfg.Session.Store.Type)
			for _, r := range cfg.Routes {
				fmt.Fprintf(out, "  Route: %s -> %s (token: %s)\n", r.Path, r.Destination, r.TokenType)
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := versions.GetVersionInfo()
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "thv-bff %s\n", info)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print version information as JSON")
	return cmd
}
