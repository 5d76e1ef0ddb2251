package ffi

import (
	"sync"

	"go.uber.org/zap"
)

var (
	logger     *zap.Logger
	loggerOnce sync.Once
)

// Logger returns this package's logger instance. It uses a no-op logger
// by default, grounded on wippyai-wasm-runtime/linker/logger.go's
// per-package scoping.
func Logger() *zap.Logger {
	loggerOnce.Do(func() {
		if logger == nil {
			logger = zap.NewNop()
		}
	})
	return logger
}

// SetLogger configures this package's logger. Call it before Init.
func SetLogger(l *zap.Logger) {
	logger = l
}
