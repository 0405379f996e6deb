//go:build linux

package native

import "golang.org/x/sys/unix"

// OSThreadID returns the kernel thread ID the calling goroutine currently
// runs on. It is only meaningful for diagnostics unless the goroutine is
// locked with runtime.LockOSThread.
func OSThreadID() int {
	return unix.Gettid()
}
