// Package slottable implements the process-wide slot metadata table.
//
// The table holds Capacity records of {status, destructor, generation}.
// Slot allocation scans round-robin from the position after the last
// assigned index; slots are long-lived, so the next index is almost always
// free and allocation rarely needs more than one probe.
//
// Generations only ever increase, and only in Free. A per-thread entry
// tagged with an older generation belongs to a previous tenant of the index
// and reads as unset.
package slottable

import (
	"errors"
	"fmt"
	"sync"
)

// Capacity is the fixed number of slots.
const Capacity = 256

var (
	// ErrSlotsExhausted is returned by Initialize when every slot is in use.
	ErrSlotsExhausted = errors.New("slottable: all slots in use")

	// ErrOutOfRange is returned for an index outside [0, Capacity).
	ErrOutOfRange = errors.New("slottable: index out of range")

	// ErrNotInUse is returned by Free for a slot that is already free.
	ErrNotInUse = errors.New("slottable: slot not in use")
)

// Status is the allocation state of a slot.
type Status uint8

const (
	// Free slots may be handed out by Initialize.
	Free Status = iota
	// InUse slots belong to a live Slot handle.
	InUse
)

// String returns the status name.
func (s Status) String() string {
	if s == InUse {
		return "in-use"
	}
	return "free"
}

// Destructor is run on a thread's non-nil value when that thread exits.
type Destructor func(value any)

// Record is the metadata for one slot index.
type Record struct {
	Status     Status
	Destructor Destructor
	Generation uint32
}

// Table is the slot metadata table. The zero value is an empty, usable
// table.
//
// Thread Safety: all methods are safe for concurrent use; one mutex guards
// the records and the cursor.
type Table struct {
	mu      sync.Mutex
	records [Capacity]Record
	// next is the first index probed by the next Initialize.
	next int
}

// Initialize reserves a free slot for destructor (which may be nil).
//
// Returns the slot index and its current generation; a handle built from
// the pair stays valid until Free(index).
//
// Performance: O(1) in steady state, O(Capacity) worst case.
func (t *Table) Initialize(destructor Destructor) (int, uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for probe := 0; probe < Capacity; probe++ {
		i := (t.next + probe) % Capacity
		r := &t.records[i]
		if r.Status != Free {
			continue
		}
		r.Status = InUse
		r.Destructor = destructor
		t.next = (i + 1) % Capacity
		return i, r.Generation, nil
	}
	return 0, 0, ErrSlotsExhausted
}

// Free releases index and bumps its generation so that values stored under
// the old generation read as unset on every thread.
func (t *Table) Free(index int) error {
	if index < 0 || index >= Capacity {
		return fmt.Errorf("free slot %d: %w", index, ErrOutOfRange)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	r := &t.records[index]
	if r.Status != InUse {
		return fmt.Errorf("free slot %d: %w", index, ErrNotInUse)
	}
	r.Status = Free
	r.Destructor = nil
	r.Generation++
	return nil
}

// Lookup returns a copy of the record at index.
func (t *Table) Lookup(index int) (Record, error) {
	if index < 0 || index >= Capacity {
		return Record{}, fmt.Errorf("lookup slot %d: %w", index, ErrOutOfRange)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.records[index], nil
}

// Snapshot copies the whole table under one lock acquisition. Thread exit
// inspects the copy lock-free instead of re-locking per slot while other
// threads Initialize and Free.
func (t *Table) Snapshot() [Capacity]Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.records
}

// InUse returns the number of allocated slots.
func (t *Table) InUse() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for i := range t.records {
		if t.records[i].Status == InUse {
			n++
		}
	}
	return n
}
