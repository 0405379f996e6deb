// Package vector implements the per-thread slot array stored behind the
// single native TLS key.
//
// A Vector is owned by exactly one thread. Its lifetime is bracketed by two
// ownership transfers through a scoped arena (a Vector value local to the
// function doing the transfer):
//
//	construct:  arena (zeroed, published) -> Allocator.New -> Promote -> heap published
//	teardown:   heap -> Demote -> arena published -> Allocator.Release(heap)
//
// While the arena is published, TLS accesses made by the allocator (on
// construct) or by slot destructors (on teardown) see a valid table instead
// of a missing or half-built one.
package vector

import (
	"fmt"
	"sync"

	"github.com/kolkov/tlsmux/internal/tls/slottable"
)

// State is the lifecycle state of a thread's vector.
type State uint8

const (
	// Uninitialized: the thread never touched TLS. Represented by the
	// absence of a published vector.
	Uninitialized State = iota
	// Active: normal operation.
	Active
	// Destroying: the exit protocol is running destructors.
	Destroying
	// Destroyed: the exit protocol finished; the thread must not
	// re-bootstrap.
	Destroyed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Active:
		return "active"
	case Destroying:
		return "destroying"
	case Destroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Entry is one thread's value for one slot index. Data is caller-owned;
// the vector never releases it except by handing it to the slot's
// destructor.
type Entry struct {
	Data       any
	Generation uint32
}

// Vector is a thread's slot array.
type Vector struct {
	state   State
	Entries [slottable.Capacity]Entry
}

// destroyed is the terminal marker published after the exit protocol.
var destroyed = &Vector{state: Destroyed}

// DestroyedMarker returns the shared terminal marker. It is never written.
func DestroyedMarker() *Vector {
	return destroyed
}

// NewArena returns an empty Active vector by value, for use as the scoped
// arena of a construct transfer.
func NewArena() Vector {
	return Vector{state: Active}
}

// State reports the lifecycle state.
func (v *Vector) State() State {
	if v == nil {
		return Uninitialized
	}
	return v.state
}

// Lookup returns the data at index if it was stored under generation.
func (v *Vector) Lookup(index int, generation uint32) (any, bool) {
	e := &v.Entries[index]
	if e.Generation != generation || e.Data == nil {
		return nil, false
	}
	return e.Data, true
}

// Store writes data at index tagged with generation. Stores into a
// Destroyed vector are dropped and reported as false.
func (v *Vector) Store(index int, generation uint32, data any) bool {
	if v.state == Destroyed {
		return false
	}
	v.Entries[index] = Entry{Data: data, Generation: generation}
	return true
}

// Promote completes a construct transfer: v takes over the arena's
// entries (which may have been written by reentrant accesses while the
// arena was published) and becomes Active.
func (v *Vector) Promote(arena *Vector) {
	v.Entries = arena.Entries
	v.state = Active
}

// Demote starts a teardown transfer: it returns a copy of v to serve as the
// scoped arena for the exit protocol, in state Destroying. v itself is left
// untouched and may be released.
func (v *Vector) Demote() Vector {
	arena := *v
	arena.state = Destroying
	return arena
}

// Finish marks an arena Destroyed once the exit protocol is done.
func (v *Vector) Finish() {
	v.state = Destroyed
}

// Allocator provides heap vectors.
//
// New must return a zeroed vector or nil on failure. It may reenter the TLS
// system on the calling thread.
type Allocator interface {
	New() *Vector
	Release(v *Vector)
}

// PoolAllocator recycles vectors through a sync.Pool.
//
// Thread Safety: safe for concurrent use.
type PoolAllocator struct {
	pool sync.Pool
}

// NewPoolAllocator creates a PoolAllocator.
func NewPoolAllocator() *PoolAllocator {
	a := &PoolAllocator{}
	a.pool.New = func() any { return new(Vector) }
	return a
}

// New returns a zeroed vector.
func (a *PoolAllocator) New() *Vector {
	return a.pool.Get().(*Vector)
}

// Release clears v and returns it to the pool. Clearing drops the
// references to caller data so the pool does not keep it alive.
func (a *PoolAllocator) Release(v *Vector) {
	if v == nil || v == destroyed {
		return
	}
	*v = Vector{}
	a.pool.Put(v)
}
