// Package core implements the slot multiplexer: many destructible,
// goroutine-private slots on top of one native TLS key.
//
// A Service owns the three pieces of shared state:
//
//   - KeyRegistry: the one native key, allocated lock-free on first use.
//   - slottable.Table: slot metadata, guarded by one mutex.
//   - The platform and allocator the Service was configured with.
//
// Each thread keeps a vector.Vector behind the native key. Slot.Get and
// Slot.Set only touch the calling thread's vector and take no lock once
// that vector exists. When a managed thread exits, the platform calls the
// Service's exit handler on that thread, which runs slot destructors until
// they stop producing new values.
//
// Lifecycle: a Service is created once and never torn down. The process
// default lives in package tls; tests create isolated Services.
package core
