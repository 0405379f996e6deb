package core

import (
	"fmt"
	"sync/atomic"

	"github.com/kolkov/tlsmux/internal/tls/native"
)

// KeyRegistry holds the one native key of a Service. The zero value holds
// native.KeyUnallocated.
//
// It uses atomics only: it runs on the very first TLS access of the process,
// before any lock can be assumed usable.
type KeyRegistry struct {
	key atomic.Int32
}

// Load returns the registered key, or native.KeyUnallocated.
func (r *KeyRegistry) Load() native.Key {
	return native.Key(r.key.Load())
}

// AllocateOnce returns the registered key, allocating it from p on first
// use. exit becomes the key's thread-exit callback.
//
// Algorithm:
//  1. Load the key; done if already registered.
//  2. Allocate from the platform. A key equal to the sentinel cannot be
//     stored, so allocate a second one and free the first.
//  3. CAS sentinel -> key. The loser of a race frees its key and adopts
//     the winner's.
//
// Thread Safety: non-blocking, safe for concurrent calls. At most one key
// stays allocated.
func (r *KeyRegistry) AllocateOnce(p Platform, exit native.ExitFunc) (native.Key, error) {
	if k := r.Load(); k != native.KeyUnallocated {
		return k, nil
	}

	k, err := p.AllocTLS(exit)
	if err != nil {
		return native.KeyUnallocated, fmt.Errorf("allocate native key: %w", err)
	}
	if k == native.KeyUnallocated {
		reserved := k
		k, err = p.AllocTLS(exit)
		_ = p.FreeTLS(reserved)
		if err != nil {
			return native.KeyUnallocated, fmt.Errorf("allocate native key: %w", err)
		}
	}

	if !r.key.CompareAndSwap(int32(native.KeyUnallocated), int32(k)) {
		_ = p.FreeTLS(k)
		k = r.Load()
	}
	return k, nil
}

// Release unregisters the key and returns it, or native.KeyUnallocated if
// none was registered. The caller frees it on the platform.
func (r *KeyRegistry) Release() native.Key {
	return native.Key(r.key.Swap(int32(native.KeyUnallocated)))
}
