// Package logging builds the process-wide zap.Logger handed to
// internal/session at construction time and, for internal/ffi's
// package-level Logger()/SetLogger() pair (mirroring
// wippyai-wasm-runtime/linker/logger.go's per-package scoping), wired in by
// cmd/nativeexecd's main before the listener starts accepting connections.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production logger, or a development one (human-readable,
// debug level) when debug is true.
func New(debug bool) (*zap.Logger, error) {
	if debug {
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		return cfg.Build()
	}
	return zap.NewProduction()
}
