package core

import (
	"fmt"
	"sort"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kolkov/tlsmux/internal/tls/native"
	"github.com/kolkov/tlsmux/internal/tls/slottable"
	"github.com/kolkov/tlsmux/internal/tls/stackdepot"
	"github.com/kolkov/tlsmux/internal/tls/vector"
)

// Service multiplexes slots over one native key.
//
// Thread Safety: all methods are safe for concurrent use.
type Service struct {
	platform  Platform
	alloc     vector.Allocator
	maxPasses int
	debug     bool
	logger    *zap.Logger

	registry KeyRegistry
	table    slottable.Table

	// Debug mode only: the stack that initialized each slot.
	depot   stackdepot.Depot
	origins [slottable.Capacity]atomic.Uint64
}

// Stats is a point-in-time view of a Service.
type Stats struct {
	Key        native.Key // native key, KeyUnallocated before first use
	SlotsInUse int
	Capacity   int
}

// New creates a Service.
func New(cfg Config) *Service {
	cfg.setDefaults()
	return &Service{
		platform:  cfg.Platform,
		alloc:     cfg.Allocator,
		maxPasses: cfg.MaxPasses,
		debug:     cfg.Debug,
		logger:    cfg.Logger,
	}
}

// Run executes fn as a managed thread: slot destructors for values fn's
// goroutine stored run when fn returns or panics.
func (s *Service) Run(fn func()) {
	s.platform.Run(fn)
}

// Go runs fn as a managed thread on a new goroutine.
func (s *Service) Go(fn func()) {
	s.platform.Go(fn)
}

// Stats returns current usage.
func (s *Service) Stats() Stats {
	return Stats{
		Key:        s.registry.Load(),
		SlotsInUse: s.table.InUse(),
		Capacity:   slottable.Capacity,
	}
}

// Close returns the native key to the platform. Values threads still hold
// are dropped without running destructors, and managed threads exiting
// later no longer call into s. s must not be used concurrently with or
// after Close.
func (s *Service) Close() error {
	key := s.registry.Release()
	if key == native.KeyUnallocated {
		return nil
	}
	if err := s.platform.FreeTLS(key); err != nil {
		return fmt.Errorf("close service: %w", err)
	}
	return nil
}

// Holder is a call site that holds slots.
type Holder struct {
	Stack string // formatted initializing stack
	Slots int    // slots currently held
}

// Holders groups the slots in use by the stack that initialized them,
// largest group first. Only slots initialized in debug mode are counted.
func (s *Service) Holders() []Holder {
	counts := make(map[uint64]int)
	for i := range s.origins {
		if h := s.origins[i].Load(); h != 0 {
			counts[h]++
		}
	}

	holders := make([]Holder, 0, len(counts))
	for h, n := range counts {
		holders = append(holders, Holder{Stack: s.depot.Lookup(h).Format(), Slots: n})
	}
	sort.Slice(holders, func(i, j int) bool {
		if holders[i].Slots != holders[j].Slots {
			return holders[i].Slots > holders[j].Slots
		}
		return holders[i].Stack < holders[j].Stack
	})
	return holders
}

// HasBeenDestroyed reports whether the calling thread is running, or has
// finished, its exit protocol. Slot values set from then on are not
// guaranteed to be destroyed.
func (s *Service) HasBeenDestroyed() bool {
	key := s.registry.Load()
	if key == native.KeyUnallocated {
		return false
	}
	v, _ := s.platform.GetTLSValue(key).(*vector.Vector)
	switch v.State() {
	case vector.Destroying, vector.Destroyed:
		return true
	default:
		return false
	}
}

// key returns the native key, allocating it on first use.
func (s *Service) key() native.Key {
	k, err := s.registry.AllocateOnce(s.platform, s.onThreadExit)
	if err != nil {
		s.fatal("allocate key", err)
	}
	return k
}

// current resolves the calling thread's vector, constructing it if the
// thread has none. The result may be the Destroyed marker.
func (s *Service) current() *vector.Vector {
	key := s.key()
	if v, _ := s.platform.GetTLSValue(key).(*vector.Vector); v != nil {
		return v
	}
	return s.construct(key)
}

// construct builds the calling thread's vector.
//
// The zeroed arena is published before the allocator runs, so an allocator
// that itself uses slots on this thread finds an empty, valid table. Those
// writes land in the arena and are carried over by Promote.
func (s *Service) construct(key native.Key) *vector.Vector {
	arena := vector.NewArena()
	s.publish(key, &arena)

	heap := s.alloc.New()
	if heap == nil {
		s.fatal("construct vector", ErrAllocFailed)
	}
	heap.Promote(&arena)
	s.publish(key, heap)
	return heap
}

func (s *Service) publish(key native.Key, v *vector.Vector) {
	if err := s.platform.SetTLSValue(key, v); err != nil {
		s.fatal("publish vector", err)
	}
}

func (s *Service) fatal(op string, err error) {
	fe := &FatalError{Op: op, Err: err}
	s.logger.Error("unrecoverable tls condition",
		zap.String("op", op),
		zap.Error(err),
		zap.Int("os_thread", native.OSThreadID()))
	panic(fe)
}
