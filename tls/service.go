package tls

import (
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/kolkov/tlsmux/internal/tls/core"
	"github.com/kolkov/tlsmux/internal/tls/native"
	"github.com/kolkov/tlsmux/internal/tls/slottable"
)

// Capacity is the maximum number of slots per Service.
const Capacity = slottable.Capacity

// Mode selects how goroutine exit is reported by the native platform.
type Mode = native.Mode

const (
	// ModePOSIX hands the stored value to the exit hook, repeating while
	// the hook leaves a value behind.
	ModePOSIX = native.ModePOSIX

	// ModeNotify fires the exit hook once without a payload.
	ModeNotify = native.ModeNotify
)

var (
	// ErrContractViolation is wrapped by the panic raised in debug mode when
	// a slot is misused.
	ErrContractViolation = core.ErrContractViolation

	// ErrSlotsExhausted is wrapped by the fatal error raised when more than
	// Capacity slots are initialized.
	ErrSlotsExhausted = slottable.ErrSlotsExhausted
)

// FatalError is the panic value for unrecoverable conditions.
type FatalError = core.FatalError

// Stats is a point-in-time view of a Service. Threads and Managed count
// goroutines on the service's native platform, which is shared by every
// Service not created WithPrivatePlatform.
type Stats struct {
	SlotsInUse int
	Capacity   int
	Threads    int // goroutines with TLS storage
	Managed    int // of which started through Go/Run/Group
}

// Service is an independent slot multiplexer holding one native key of
// the process-wide native platform. A managed goroutine started through any
// Service runs the destructors of every Service when it exits. Most
// programs use the process-wide Default service through the package-level
// functions.
type Service struct {
	core     *core.Service
	platform *native.Platform
}

type options struct {
	mode      Mode
	maxPasses int
	debug     bool
	logger    *zap.Logger
	private   bool
}

// Option configures a Service.
type Option func(*options)

// WithMode selects the exit notification style. Default: ModePOSIX.
func WithMode(m Mode) Option {
	return func(o *options) { o.mode = m }
}

// WithMaxPasses bounds the destructor passes at goroutine exit.
// Default: Capacity.
func WithMaxPasses(n int) Option {
	return func(o *options) { o.maxPasses = n }
}

// WithDebug enables contract checks on every slot operation.
func WithDebug(on bool) Option {
	return func(o *options) { o.debug = on }
}

// WithLogger sets the diagnostics logger. Default: no-op.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithPrivatePlatform gives the Service a native platform of its own
// instead of the process-wide one. Goroutines managed by other services
// then never run its destructors, and its Stats and Sweep see only its own
// goroutines. Meant for tests.
func WithPrivatePlatform() Option {
	return func(o *options) { o.private = true }
}

// NewService creates a Service with its own slot table. Each Service uses
// one native key until Close; the process has native.MaxKeys of them.
func NewService(opts ...Option) *Service {
	o := options{mode: ModePOSIX}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = core.Logger()
	}

	p := native.Default()
	if o.private {
		p = native.New(native.Config{Mode: o.mode, Logger: o.logger})
	}
	cfg := core.DefaultConfig()
	cfg.Platform = p.WithMode(o.mode)
	cfg.Debug = o.debug
	cfg.Logger = o.logger
	if o.maxPasses > 0 {
		cfg.MaxPasses = o.maxPasses
	}
	return &Service{core: core.New(cfg), platform: p}
}

var (
	defaultService *Service
	defaultOnce    sync.Once
)

// Default returns the process-wide Service. It is created on first use and
// lives for the rest of the process. TLSMUX_DEBUG=1 turns on debug checks.
func Default() *Service {
	defaultOnce.Do(func() {
		defaultService = NewService(WithDebug(os.Getenv("TLSMUX_DEBUG") == "1"))
	})
	return defaultService
}

// Run executes fn on the calling goroutine as a managed thread: slot
// destructors run when fn returns or panics.
func (s *Service) Run(fn func()) {
	s.core.Run(fn)
}

// Go runs fn on a new managed goroutine.
func (s *Service) Go(fn func()) {
	s.core.Go(fn)
}

// Close releases the Service's native key. Values goroutines still hold are
// dropped without running destructors. The Service and its slots must not
// be used concurrently with or after Close.
func (s *Service) Close() error {
	return s.core.Close()
}

// HasBeenDestroyed reports whether the calling goroutine is running or has
// finished its slot destructors.
func (s *Service) HasBeenDestroyed() bool {
	return s.core.HasBeenDestroyed()
}

// Sweep reclaims bookkeeping of exited unmanaged goroutines on the
// service's native platform and returns how many were reclaimed. It also
// runs in the background every 1000 managed goroutine starts.
func (s *Service) Sweep() int {
	return s.platform.Sweep()
}

// Holder is a call site holding slots.
type Holder = core.Holder

// Holders lists the call sites holding slots, largest first. Only slots
// initialized with debug checks on are attributed.
func (s *Service) Holders() []Holder {
	return s.core.Holders()
}

// Stats returns current usage.
func (s *Service) Stats() Stats {
	cs := s.core.Stats()
	ps := s.platform.Stats()
	return Stats{
		SlotsInUse: cs.SlotsInUse,
		Capacity:   cs.Capacity,
		Threads:    ps.Threads,
		Managed:    ps.Managed,
	}
}

// Run executes fn as a managed thread of the Default service.
func Run(fn func()) {
	Default().Run(fn)
}

// Go runs fn on a new managed goroutine of the Default service.
func Go(fn func()) {
	Default().Go(fn)
}

// HasBeenDestroyed reports whether the calling goroutine is tearing down
// or has torn down its Default-service slots.
func HasBeenDestroyed() bool {
	return Default().HasBeenDestroyed()
}
