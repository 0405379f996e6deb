// Package stackdepot stores deduplicated call stacks.
//
// In debug mode every slot remembers the stack that initialized it, as a
// 64-bit hash into a Depot. When slots run out, the hashes are grouped to
// show which call sites hold them: running out means slots are leaking,
// and the holder list points at the leak.
//
// Design:
//   - Fixed-size stacks (8 frames, 64 bytes each)
//   - FNV-1a hash of the program counters as the key
//   - sync.Map storage; each unique stack is stored once
//
// Usage:
//
//	var d stackdepot.Depot
//	hash := d.Capture(0)
//	fmt.Print(d.Lookup(hash).Format())
package stackdepot

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"runtime"
	"strings"
	"sync"
)

// MaxFrames is the number of frames kept per stack.
const MaxFrames = 8

// Stack is a captured call stack.
type Stack struct {
	PC [MaxFrames]uintptr
}

// Depot is a deduplicating stack store. The zero value is empty and ready
// to use.
//
// Thread Safety: safe for concurrent use.
type Depot struct {
	stacks sync.Map // uint64 -> *Stack
}

// Capture records the stack of Capture's caller, skipping skip further
// frames, and returns its hash. Returns 0 if no stack is available.
//
// Performance: ~500ns (runtime.Callers + hashing); repeated stacks are not
// stored again.
func (d *Depot) Capture(skip int) uint64 {
	// Skip runtime.Callers and Capture itself.
	var pcs [MaxFrames]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	if n == 0 {
		return 0
	}

	hash := hashStack(pcs[:n])
	if _, ok := d.stacks.Load(hash); !ok {
		d.stacks.Store(hash, &Stack{PC: pcs})
	}
	return hash
}

// Lookup returns the stack stored under hash, or nil.
func (d *Depot) Lookup(hash uint64) *Stack {
	if hash == 0 {
		return nil
	}
	v, ok := d.stacks.Load(hash)
	if !ok {
		return nil
	}
	return v.(*Stack)
}

// Len returns the number of unique stacks stored.
func (d *Depot) Len() int {
	n := 0
	d.stacks.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func hashStack(pcs []uintptr) uint64 {
	h := fnv.New64a()
	var b [8]byte
	for _, pc := range pcs {
		binary.LittleEndian.PutUint64(b[:], uint64(pc))
		_, _ = h.Write(b[:])
	}
	return h.Sum64()
}

// Format renders the stack without runtime frames:
//
//	main.worker()
//	    /path/to/file.go:45
//
// A nil stack renders as "  <unknown>\n".
func (s *Stack) Format() string {
	if s == nil {
		return "  <unknown>\n"
	}

	frames := runtime.CallersFrames(s.PC[:])

	var buf strings.Builder
	for {
		frame, more := frames.Next()
		if frame.PC == 0 {
			break
		}
		if !strings.HasPrefix(frame.Function, "runtime.") {
			fmt.Fprintf(&buf, "  %s()\n", frame.Function)
			fmt.Fprintf(&buf, "      %s:%d\n", frame.File, frame.Line)
		}
		if !more {
			break
		}
	}

	if buf.Len() == 0 {
		return "  <runtime internal>\n"
	}
	return buf.String()
}
