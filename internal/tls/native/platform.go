package native

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kolkov/tlsmux/internal/tls/goid"
)

// Key identifies one native TLS key.
type Key int32

const (
	// KeyUnallocated is the sentinel meaning "no key". It is also the first
	// key the allocator hands out, so callers that store keys next to this
	// sentinel must be prepared to skip it.
	KeyUnallocated Key = 0

	// MaxKeys is the number of native keys that can exist at once.
	MaxKeys = 64

	// DestructorIterations bounds the ModePOSIX callback rounds
	// (PTHREAD_DESTRUCTOR_ITERATIONS).
	DestructorIterations = 4

	// shardCount must be a power of two.
	shardCount = 64

	// sweepInterval triggers a background Sweep every this many managed
	// thread starts.
	sweepInterval = 1000
)

var (
	// ErrKeysExhausted is returned by AllocTLS when all MaxKeys are in use.
	ErrKeysExhausted = errors.New("native: tls keys exhausted")

	// ErrInvalidKey is returned when a key is out of range or not allocated.
	ErrInvalidKey = errors.New("native: invalid tls key")
)

// Mode selects how thread termination is reported.
type Mode int

const (
	// ModePOSIX invokes the exit callback with the stored value, repeatedly
	// while values remain non-nil.
	ModePOSIX Mode = iota

	// ModeNotify invokes the exit callback once with no payload.
	ModeNotify
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case ModePOSIX:
		return "posix"
	case ModeNotify:
		return "notify"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ExitFunc is called on the exiting thread. In ModePOSIX value is the
// previous (already cleared) value of the key; in ModeNotify it is nil.
type ExitFunc func(value any)

// Config configures a Platform.
type Config struct {
	// Mode selects the termination style. Default: ModePOSIX.
	Mode Mode

	// Logger receives diagnostics. Default: no-op.
	Logger *zap.Logger
}

// Stats is a point-in-time view of platform usage.
type Stats struct {
	Keys    int // allocated keys
	Threads int // goroutines with storage
	Managed int // of which started through Go/Run
}

type keyRecord struct {
	inUse bool
	mode  Mode
	exit  ExitFunc
}

type thread struct {
	managed bool
	born    uint64 // sweep epoch at creation
	values  [MaxKeys]any
}

type shard struct {
	mu      sync.RWMutex
	threads map[int64]*thread
}

// Platform is an emulated OS TLS implementation.
//
// Each key carries its own termination style, so keys of both modes can
// live on one Platform; a managed thread's exit fires every key's callback.
//
// Thread Safety: all methods are safe for concurrent use. Get/Set operate on
// the calling goroutine's storage only.
type Platform struct {
	mode   Mode
	logger *zap.Logger

	keysMu sync.Mutex
	keys   [MaxKeys]keyRecord

	shards [shardCount]shard

	// epoch is bumped by every Sweep before it samples live goroutines.
	epoch   atomic.Uint64
	started atomic.Uint64
}

// New creates a Platform.
func New(cfg Config) *Platform {
	p := &Platform{mode: cfg.Mode, logger: cfg.Logger}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	for i := range p.shards {
		p.shards[i].threads = make(map[int64]*thread)
	}
	return p
}

var (
	defaultPlatform *Platform
	defaultOnce     sync.Once
)

// Default returns the process-wide Platform, the one real programs share so
// that native keys stay scarce and a managed thread's exit reaches every
// key. Its default mode is ModePOSIX.
func Default() *Platform {
	defaultOnce.Do(func() {
		defaultPlatform = New(Config{Mode: ModePOSIX})
	})
	return defaultPlatform
}

// Mode reports the termination style AllocTLS registers keys with.
func (p *Platform) Mode() Mode {
	return p.mode
}

// AllocTLS allocates the lowest free key in the platform's mode. exit, if
// non-nil, runs on every managed thread that terminates while the key is
// allocated.
func (p *Platform) AllocTLS(exit ExitFunc) (Key, error) {
	return p.alloc(p.mode, exit)
}

func (p *Platform) alloc(mode Mode, exit ExitFunc) (Key, error) {
	p.keysMu.Lock()
	defer p.keysMu.Unlock()

	for i := range p.keys {
		if !p.keys[i].inUse {
			p.keys[i] = keyRecord{inUse: true, mode: mode, exit: exit}
			return Key(i), nil
		}
	}
	return KeyUnallocated, ErrKeysExhausted
}

// ModeView is a Platform whose AllocTLS registers keys in a fixed mode.
// Everything else is the underlying Platform's.
type ModeView struct {
	*Platform
	mode Mode
}

// WithMode returns a view of p allocating keys in mode.
func (p *Platform) WithMode(mode Mode) *ModeView {
	return &ModeView{Platform: p, mode: mode}
}

// Mode reports the view's termination style.
func (v *ModeView) Mode() Mode {
	return v.mode
}

// AllocTLS allocates the lowest free key in the view's mode.
func (v *ModeView) AllocTLS(exit ExitFunc) (Key, error) {
	return v.alloc(v.mode, exit)
}

// FreeTLS releases key. Values stored under it on any thread are dropped
// without running the exit callback, so a later tenant of the same key
// starts empty.
func (p *Platform) FreeTLS(key Key) error {
	if !valid(key) {
		return fmt.Errorf("free key %d: %w", key, ErrInvalidKey)
	}

	p.keysMu.Lock()
	if !p.keys[key].inUse {
		p.keysMu.Unlock()
		return fmt.Errorf("free key %d: %w", key, ErrInvalidKey)
	}
	p.keys[key] = keyRecord{}
	p.keysMu.Unlock()

	for i := range p.shards {
		s := &p.shards[i]
		s.mu.Lock()
		for _, t := range s.threads {
			t.values[key] = nil
		}
		s.mu.Unlock()
	}
	return nil
}

// GetTLSValue returns the calling thread's value for key, or nil.
func (p *Platform) GetTLSValue(key Key) any {
	if !valid(key) {
		return nil
	}
	gid := goid.ID()
	s := p.shard(gid)

	s.mu.RLock()
	t := s.threads[gid]
	var v any
	if t != nil {
		v = t.values[key]
	}
	s.mu.RUnlock()
	return v
}

// SetTLSValue stores value for key on the calling thread.
func (p *Platform) SetTLSValue(key Key, value any) error {
	if !valid(key) {
		return fmt.Errorf("set key %d: %w", key, ErrInvalidKey)
	}
	gid := goid.ID()
	s := p.shard(gid)

	s.mu.Lock()
	t := s.threads[gid]
	if t == nil {
		if value == nil {
			s.mu.Unlock()
			return nil
		}
		t = &thread{born: p.epoch.Load()}
		s.threads[gid] = t
	}
	t.values[key] = value
	s.mu.Unlock()
	return nil
}

// Run executes fn as a managed thread on the calling goroutine: the exit
// callbacks of all allocated keys fire when fn returns or panics. Storage
// set before Run is torn down with it. A Run nested in another Run on the
// same goroutine just calls fn; teardown belongs to the outermost one.
func (p *Platform) Run(fn func()) {
	if !p.attach() {
		fn()
		return
	}
	defer p.detach()
	fn()
}

// Go starts fn on a new managed thread.
func (p *Platform) Go(fn func()) {
	go p.Run(fn)
}

// Stats returns current usage.
func (p *Platform) Stats() Stats {
	var st Stats

	p.keysMu.Lock()
	for i := range p.keys {
		if p.keys[i].inUse {
			st.Keys++
		}
	}
	p.keysMu.Unlock()

	for i := range p.shards {
		s := &p.shards[i]
		s.mu.RLock()
		st.Threads += len(s.threads)
		for _, t := range s.threads {
			if t.managed {
				st.Managed++
			}
		}
		s.mu.RUnlock()
	}
	return st
}

func (p *Platform) shard(gid int64) *shard {
	return &p.shards[uint64(gid)&(shardCount-1)]
}

// attach marks the calling thread managed. It returns false if it already
// was.
func (p *Platform) attach() bool {
	gid := goid.ID()
	s := p.shard(gid)

	s.mu.Lock()
	t := s.threads[gid]
	if t == nil {
		t = &thread{born: p.epoch.Load()}
		s.threads[gid] = t
	}
	if t.managed {
		s.mu.Unlock()
		return false
	}
	t.managed = true
	s.mu.Unlock()

	if n := p.started.Add(1); n%sweepInterval == 0 {
		go p.Sweep()
	}
	return true
}

// detach runs the termination protocol for the calling thread and then
// discards its storage. ModeNotify keys are notified first, then ModePOSIX
// keys iterate.
func (p *Platform) detach() {
	for _, exit := range p.exitFuncs(ModeNotify) {
		if exit.fn != nil {
			exit.fn(nil)
		}
	}
	p.runPOSIXDestructors()

	gid := goid.ID()
	s := p.shard(gid)
	s.mu.Lock()
	delete(s.threads, gid)
	s.mu.Unlock()
}

type exitBinding struct {
	key Key
	fn  ExitFunc
}

func (p *Platform) exitFuncs(mode Mode) []exitBinding {
	p.keysMu.Lock()
	defer p.keysMu.Unlock()

	var out []exitBinding
	for i := range p.keys {
		if p.keys[i].inUse && p.keys[i].mode == mode {
			out = append(out, exitBinding{key: Key(i), fn: p.keys[i].exit})
		}
	}
	return out
}

func (p *Platform) runPOSIXDestructors() {
	for iter := 0; iter < DestructorIterations; iter++ {
		called := false
		for _, exit := range p.exitFuncs(ModePOSIX) {
			v := p.GetTLSValue(exit.key)
			if v == nil {
				continue
			}
			// Cleared before the call, as pthread does.
			_ = p.SetTLSValue(exit.key, nil)
			if exit.fn != nil {
				exit.fn(v)
				called = true
			}
		}
		if !called {
			return
		}
	}
	p.logger.Debug("tls destructors did not settle",
		zap.Int("iterations", DestructorIterations),
		zap.Int("os_thread", OSThreadID()))
}

// Sweep discards the storage of goroutines that no longer exist. Those
// threads exited without Run, so no exit callback ever ran for them and none
// can run now: callbacks only execute on the owning thread. Any non-nil
// values they held are leaked and counted in the log.
//
// Returns the number of threads reclaimed.
//
// Performance: dominated by goid.Live (~1ms per 1000 goroutines).
func (p *Platform) Sweep() int {
	// Threads created from here on carry born >= epoch and are skipped: they
	// may be missing from the live snapshot below.
	epoch := p.epoch.Add(1)

	live := make(map[int64]struct{})
	for _, gid := range goid.Live() {
		live[gid] = struct{}{}
	}

	var reclaimed, leaked int
	for i := range p.shards {
		s := &p.shards[i]
		s.mu.Lock()
		for gid, t := range s.threads {
			if t.born >= epoch {
				continue
			}
			if _, ok := live[gid]; ok {
				continue
			}
			for _, v := range t.values {
				if v != nil {
					leaked++
				}
			}
			delete(s.threads, gid)
			reclaimed++
		}
		s.mu.Unlock()
	}

	if reclaimed > 0 {
		p.logger.Debug("swept exited goroutines",
			zap.Int("threads", reclaimed),
			zap.Int("leaked_values", leaked))
	}
	return reclaimed
}

func valid(key Key) bool {
	return key >= 0 && key < MaxKeys
}
