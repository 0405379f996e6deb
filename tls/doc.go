// Package tls provides goroutine-local storage slots with destructors.
//
// Each Slot holds one value per goroutine. Any number of slots are
// multiplexed over a single native TLS key, so creating slots never
// consumes a scarce platform resource. When a managed goroutine exits, the
// destructor of every slot it set runs on that goroutine, repeatedly if
// destructors set further slots, until nothing is left to destroy.
//
// # Quick Start
//
//	var buffers = tls.NewSlot(func(v any) {
//		pool.Put(v)
//	})
//
//	func worker() {
//		buffers.Set(pool.Get())
//		// ...
//		if v, ok := buffers.Get(); ok {
//			use(v.(*bytes.Buffer))
//		}
//	}
//
//	tls.Go(worker) // buffers' destructor runs when worker returns
//
// # Managed goroutines
//
// Go has no goroutine-exit hook, so destructors only run for goroutines
// started with [Go], [Run] or a [Group] of any [Service]: all services
// share one process-wide native platform, each holding one key on it.
// Plain goroutines may use slots too; their values are never destroyed,
// and [Service.Sweep] reclaims their bookkeeping after they exit.
//
// # Capacity
//
// At most [Capacity] slots exist at once per [Service]. Initializing one
// more is a fatal error: the capacity is a fixed budget, and running out
// means slots are leaking.
//
// # Debugging
//
// With debug checks on (see [WithDebug], or TLSMUX_DEBUG=1 for the default
// service), using a slot after Free or initializing it twice panics with
// an error wrapping [ErrContractViolation]. Without them these are
// undefined and cost nothing.
package tls
