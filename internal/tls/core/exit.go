package core

import (
	"go.uber.org/zap"

	"github.com/kolkov/tlsmux/internal/tls/native"
	"github.com/kolkov/tlsmux/internal/tls/slottable"
	"github.com/kolkov/tlsmux/internal/tls/vector"
)

// onThreadExit is the native key's exit callback. It runs on the exiting
// thread. In native.ModePOSIX value is the thread's vector (the platform
// has already cleared the key); in native.ModeNotify value is nil and the
// vector is fetched here.
//
// Protocol:
//  1. Demote: copy the heap vector into a local arena, publish the arena,
//     release the heap vector. Destructors that touch TLS use the arena.
//  2. Snapshot the slot table once.
//  3. Run destructor passes until one makes no progress.
//  4. Publish the Destroyed marker so the thread never re-bootstraps.
func (s *Service) onThreadExit(value any) {
	key := s.registry.Load()
	if value == nil {
		value = s.platform.GetTLSValue(key)
	}
	heap, _ := value.(*vector.Vector)

	switch heap.State() {
	case vector.Uninitialized:
		return
	case vector.Destroyed:
		// POSIX repeats the callback while the key is non-nil; the marker
		// we published last time brings us here. Nothing left to do.
		return
	case vector.Destroying:
		// Teardown already in progress on this thread.
		return
	}

	arena := heap.Demote()
	s.publish(key, &arena)
	s.alloc.Release(heap)

	records := s.table.Snapshot()
	passes, quiesced := s.runDestructors(&arena, &records)
	if !quiesced && s.debug {
		s.logger.Warn("tls destructors did not quiesce; leaking remaining values",
			zap.Int("passes", passes),
			zap.Int("os_thread", native.OSThreadID()))
	}

	arena.Finish()
	s.publish(key, vector.DestroyedMarker())
}

// runDestructors runs destructor passes over arena and returns the number
// of passes made and whether the last one made no progress.
//
// An entry is destroyed only if it is non-nil, its slot is in use and its
// generation matches the slot's. The entry is cleared before its
// destructor runs, so the destructor sees its own slot as unset. A
// destructor may Set other slots, which is why passes repeat.
func (s *Service) runDestructors(arena *vector.Vector, records *[slottable.Capacity]slottable.Record) (int, bool) {
	for pass := 1; pass <= s.maxPasses; pass++ {
		progress := false
		for i := range arena.Entries {
			e := &arena.Entries[i]
			r := &records[i]
			if e.Data == nil || r.Status == slottable.Free || e.Generation != r.Generation {
				continue
			}
			if r.Destructor == nil {
				continue
			}
			data := e.Data
			e.Data = nil
			r.Destructor(data)
			progress = true
		}
		if !progress {
			return pass, true
		}
	}
	return s.maxPasses, false
}
