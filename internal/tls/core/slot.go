package core

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/kolkov/tlsmux/internal/tls/slottable"
)

// Slot is a handle to one logical TLS slot: an (index, generation) pair
// bound to a Service.
//
// Contract: Initialize once, use from any number of threads, Free once.
// Use after Free or a second Initialize without Free is checked only when
// the Service runs in debug mode.
type Slot struct {
	svc         *Service
	index       int
	generation  uint32
	initialized bool
}

// NewSlot returns an uninitialized handle bound to s.
func (s *Service) NewSlot() *Slot {
	return &Slot{svc: s}
}

// Initialize reserves a slot. destructor, if non-nil, runs at thread exit
// on every thread whose value for this slot is non-nil.
//
// Exhausting all slottable.Capacity slots is fatal.
func (sl *Slot) Initialize(destructor slottable.Destructor) {
	s := sl.svc
	if s.debug && sl.initialized {
		s.violation("initialize", sl, "already initialized")
	}

	// Make sure the key exists, and with it this thread's vector.
	s.current()

	index, generation, err := s.table.Initialize(destructor)
	if err != nil {
		if s.debug {
			s.logHolders()
		}
		s.fatal("initialize slot", err)
	}
	if s.debug {
		s.origins[index].Store(s.depot.Capture(1))
	}
	sl.index = index
	sl.generation = generation
	sl.initialized = true
}

// Free releases the slot. Values other threads still hold for it are not
// destroyed; they read as unset from now on.
func (sl *Slot) Free() {
	s := sl.svc
	if s.debug {
		sl.check("free")
		s.origins[sl.index].Store(0)
	}
	if err := s.table.Free(sl.index); err != nil && s.debug {
		s.violation("free", sl, err.Error())
	}
	sl.initialized = false
}

// Get returns the calling thread's value and whether one is set.
func (sl *Slot) Get() (any, bool) {
	s := sl.svc
	if s.debug {
		sl.check("get")
	}
	return s.current().Lookup(sl.index, sl.generation)
}

// Set stores value for the calling thread. Setting nil clears it.
//
// On a thread that already finished its exit protocol the value is
// dropped: no destructor would ever run for it.
func (sl *Slot) Set(value any) {
	s := sl.svc
	if s.debug {
		sl.check("set")
	}
	if !s.current().Store(sl.index, sl.generation, value) {
		s.logger.Debug("dropped tls set on destroyed thread", zap.Int("slot", sl.index))
	}
}

// Initialized reports whether the handle holds a slot.
func (sl *Slot) Initialized() bool {
	return sl.initialized
}

// Index returns the slot index. It is meaningful only while initialized.
func (sl *Slot) Index() int {
	return sl.index
}

// Generation returns the generation captured at Initialize.
func (sl *Slot) Generation() uint32 {
	return sl.generation
}

// check verifies the handle still owns its slot.
func (sl *Slot) check(op string) {
	if !sl.initialized {
		sl.svc.violation(op, sl, "not initialized")
	}
	r, err := sl.svc.table.Lookup(sl.index)
	if err != nil {
		sl.svc.violation(op, sl, err.Error())
	}
	if r.Status != slottable.InUse || r.Generation != sl.generation {
		sl.svc.violation(op, sl, "slot was freed")
	}
}

// logHolders reports the top call sites holding slots.
func (s *Service) logHolders() {
	const top = 5
	for i, h := range s.Holders() {
		if i == top {
			break
		}
		s.logger.Error("slots held by call site",
			zap.Int("slots", h.Slots),
			zap.String("stack", h.Stack))
	}
}

func (s *Service) violation(op string, sl *Slot, reason string) {
	panic(fmt.Errorf("%w: %s slot %d (generation %d): %s",
		ErrContractViolation, op, sl.index, sl.generation, reason))
}
