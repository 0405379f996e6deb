package core

import (
	"sync"

	"go.uber.org/zap"
)

var (
	logger     *zap.Logger
	loggerOnce sync.Once
)

// Logger returns the package logger used by Services configured without
// one. It is a no-op logger unless SetLogger was called first.
func Logger() *zap.Logger {
	loggerOnce.Do(func() {
		if logger == nil {
			logger = zap.NewNop()
		}
	})
	return logger
}

// SetLogger replaces the package logger. It only affects Services created
// afterwards and must be called before the first call to Logger.
func SetLogger(l *zap.Logger) {
	logger = l
}
