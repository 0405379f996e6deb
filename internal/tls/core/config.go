package core

import (
	"go.uber.org/zap"

	"github.com/kolkov/tlsmux/internal/tls/native"
	"github.com/kolkov/tlsmux/internal/tls/slottable"
	"github.com/kolkov/tlsmux/internal/tls/vector"
)

// Platform is the native TLS primitive a Service multiplexes.
// *native.Platform and *native.ModeView implement it.
type Platform interface {
	AllocTLS(exit native.ExitFunc) (native.Key, error)
	FreeTLS(key native.Key) error
	GetTLSValue(key native.Key) any
	SetTLSValue(key native.Key, value any) error

	// Run executes fn as a managed thread; exit callbacks fire on return.
	Run(fn func())
	// Go runs fn as a managed thread on a new goroutine.
	Go(fn func())
}

// Config configures a Service. Zero fields take their defaults.
type Config struct {
	// Platform provides the native key. Default: native.Default(), the
	// process-wide platform.
	Platform Platform

	// Allocator provides heap vectors. Default: vector.NewPoolAllocator().
	Allocator vector.Allocator

	// MaxPasses bounds the destructor passes at thread exit.
	// Default: slottable.Capacity.
	MaxPasses int

	// Debug enables contract checks on every Slot operation and
	// diagnostics for non-quiescent destructors.
	Debug bool

	// Logger receives diagnostics. Default: Logger().
	Logger *zap.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MaxPasses: slottable.Capacity,
	}
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = Logger()
	}
	if c.Platform == nil {
		c.Platform = native.Default()
	}
	if c.Allocator == nil {
		c.Allocator = vector.NewPoolAllocator()
	}
	if c.MaxPasses <= 0 {
		c.MaxPasses = slottable.Capacity
	}
}
