// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package logger holds the process-wide logger of the gateway.
//
// Components receive a *slog.Logger when they are constructed; the server
// hands each one [ForComponent] so every line names its source. The printf
// helpers exist for the CLI only.
package logger

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/spf13/viper"

	"github.com/stacklok/toolhive-core/env"
	"github.com/stacklok/toolhive-core/logging"
)

// UnstructuredLogsEnv selects text output when true (the default) and JSON
// when false.
const UnstructuredLogsEnv = "UNSTRUCTURED_LOGS"

var current atomic.Pointer[slog.Logger]

func init() {
	current.Store(logging.New())
}

// Get returns the process-wide logger.
func Get() *slog.Logger {
	return current.Load()
}

// Set replaces the process-wide logger. Tests use it to capture output.
func Set(l *slog.Logger) {
	current.Store(l)
}

// ForComponent returns the process-wide logger tagged with component=name.
func ForComponent(name string) *slog.Logger {
	return Get().With("component", name)
}

// Infof logs a formatted message at info level.
func Infof(msg string, args ...any) {
	Get().Info(fmt.Sprintf(msg, args...))
}

// Errorf logs a formatted message at error level.
func Errorf(msg string, args ...any) {
	Get().Error(fmt.Sprintf(msg, args...))
}

// Initialize configures the process-wide logger from the environment and
// the --debug flag.
func Initialize() {
	InitializeWithEnv(&env.OSReader{})
}

// InitializeWithEnv is Initialize with an injectable environment.
func InitializeWithEnv(envReader env.Reader) {
	current.Store(logging.New(options(envReader, viper.GetBool("debug"))...))
}

func options(envReader env.Reader, debug bool) []logging.Option {
	var opts []logging.Option
	if unstructured(envReader) {
		opts = append(opts, logging.WithFormat(logging.FormatText))
	}
	if debug {
		opts = append(opts, logging.WithLevel(slog.LevelDebug))
	}
	return opts
}

// unstructured treats an unset or unparsable value as true.
func unstructured(envReader env.Reader) bool {
	v, err := strconv.ParseBool(envReader.Getenv(UnstructuredLogsEnv))
	return err != nil || v
}
