package tls

import (
	"sync"
	"sync/atomic"

	"github.com/kolkov/tlsmux/internal/tls/core"
	"github.com/kolkov/tlsmux/internal/tls/slottable"
)

// Destructor runs on a goroutine's non-nil slot value when that goroutine
// exits. It may set other slots; it sees its own slot as already unset.
type Destructor func(value any)

// Slot is a goroutine-local storage slot.
//
// Thread Safety: Get and Set may be called from any number of goroutines
// concurrently. Initialize and Free must not race with other calls on the
// same Slot.
type Slot struct {
	s *core.Slot
}

// NewSlot initializes a slot on the Default service.
func NewSlot(destructor Destructor) *Slot {
	return Default().NewSlot(destructor)
}

// NewSlot initializes a slot on s. destructor may be nil.
func (s *Service) NewSlot(destructor Destructor) *Slot {
	sl := &Slot{s: s.core.NewSlot()}
	sl.Initialize(destructor)
	return sl
}

// Initialize reserves a new slot for a handle that was freed.
func (sl *Slot) Initialize(destructor Destructor) {
	sl.s.Initialize(slottable.Destructor(destructor))
}

// Free releases the slot. Values goroutines still hold are not destroyed
// and read as unset from then on.
func (sl *Slot) Free() {
	sl.s.Free()
}

// Get returns the calling goroutine's value and whether one is set.
func (sl *Slot) Get() (any, bool) {
	return sl.s.Get()
}

// Set stores value for the calling goroutine. Setting nil clears it.
func (sl *Slot) Set(value any) {
	sl.s.Set(value)
}

// Initialized reports whether the slot is live.
func (sl *Slot) Initialized() bool {
	return sl.s.Initialized()
}

// StaticSlot is a slot suitable for package-level variables: the zero
// value is ready to use and is initialized on the Default service by the
// first call to any method.
//
//	var requestID tls.StaticSlot
//
//	func handle() {
//		requestID.Set(nextID())
//	}
type StaticSlot struct {
	once sync.Once
	slot atomic.Pointer[Slot]
}

// Initialize initializes the slot with destructor. Only the first call
// (explicit or implicit through Get/Set) has an effect.
func (ss *StaticSlot) Initialize(destructor Destructor) {
	ss.once.Do(func() {
		ss.slot.Store(NewSlot(destructor))
	})
}

// Initialized reports whether the slot has been initialized and not freed.
func (ss *StaticSlot) Initialized() bool {
	sl := ss.slot.Load()
	return sl != nil && sl.Initialized()
}

// Get returns the calling goroutine's value and whether one is set.
func (ss *StaticSlot) Get() (any, bool) {
	return ss.get().Get()
}

// Set stores value for the calling goroutine.
func (ss *StaticSlot) Set(value any) {
	ss.get().Set(value)
}

// Free releases the slot. A StaticSlot cannot be initialized again.
func (ss *StaticSlot) Free() {
	ss.get().Free()
}

func (ss *StaticSlot) get() *Slot {
	if sl := ss.slot.Load(); sl != nil {
		return sl
	}
	ss.Initialize(nil)
	return ss.slot.Load()
}
