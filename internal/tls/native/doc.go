// Package native emulates the operating-system TLS primitive that the slot
// multiplexer consumes.
//
// A real OS offers a small, fixed number of thread-local keys, each with
// allocate/free/get/set operations and a hook that runs when a thread
// terminates. Go exposes none of this, so the package rebuilds it on top of
// goroutine-local storage:
//
//   - A thread is a goroutine. Its storage is found by goroutine ID (see
//     package goid) in a sharded map.
//   - Keys are scarce: at most MaxKeys exist at once, and they are handed
//     out lowest-free-first starting at 0. Key 0 doubles as the
//     KeyUnallocated sentinel, just like an OS whose first key can collide
//     with the caller's "no key yet" marker.
//   - Goroutines have no exit notification, so threads that need one are
//     started through Platform.Go or Platform.Run. The hook fires in the
//     exiting goroutine itself, after fn returns or panics.
//
// Two termination styles are supported, matching the two families of
// real platforms. The style is chosen per key (see WithMode), so one
// process-wide Platform, Default, serves keys of both:
//
//	ModePOSIX:  per key, value cleared then callback(value); repeated
//	            while any value is non-nil, at most DestructorIterations.
//	ModeNotify: callback(nil) once per key; the callee fetches its own
//	            value with GetTLSValue.
//
// Goroutines that touched TLS without being started through the platform
// never get the hook. Sweep reclaims their storage once they are gone.
package native
