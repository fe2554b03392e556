/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package logging provides shared logger initialization for Percolate binaries.
package logging

import (
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
)

// NewLogger creates a *zap.SugaredLogger configured via the LOG_LEVEL
// environment variable: "debug" or "trace" selects a development config with
// debug-level output; any other value (including empty) selects production
// config. Returns the logger and a sync function the caller should defer.
func NewLogger() (*zap.SugaredLogger, func(), error) {
	zapLog, err := NewZapLogger()
	if err != nil {
		return nil, nil, err
	}
	sync := func() { _ = zapLog.Sync() }
	return zapLog.Sugar(), sync, nil
}

// NewZapLogger creates a *zap.Logger configured via the LOG_LEVEL env var.
func NewZapLogger() (*zap.Logger, error) {
	return newZapLogger(os.Getenv("LOG_LEVEL"))
}

// LogrFromZap creates a logr.Logger writing to the given Zap core. Used for
// components that take a logr.Logger, such as the migrator.
func LogrFromZap(z *zap.Logger) logr.Logger {
	return zapr.NewLogger(z)
}

func newZapLogger(level string) (*zap.Logger, error) {
	if level == "debug" || level == "trace" {
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		return cfg.Build()
	}
	return zap.NewProduction()
}
